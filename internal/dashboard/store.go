package dashboard

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// logLine is one captured log entry served by the logs endpoint.
type logLine struct {
	Timestamp time.Time
	Level     string
	Component string
	Message   string
	Fields    map[string]any
}

// logCapture is a logrus hook that mirrors recent log entries into a
// bounded history. It stays attached to the logger after close, so it
// drops entries rather than detaching.
type logCapture struct {
	history *ring[logLine]
	open    atomic.Bool
}

func newLogCapture(limit int) *logCapture {
	c := &logCapture{history: newRing[logLine](limit)}
	c.open.Store(true)
	return c
}

func (c *logCapture) Levels() []logrus.Level { return logrus.AllLevels }

func (c *logCapture) Fire(entry *logrus.Entry) error {
	if !c.open.Load() {
		return nil
	}
	line := logLine{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
		Fields:    flattenFields(entry.Data),
	}
	if component, ok := entry.Data["component"].(string); ok {
		line.Component = component
	}
	c.history.push(line)
	return nil
}

func (c *logCapture) snapshot() []logLine { return c.history.snapshot() }

func (c *logCapture) close() { c.open.Store(false) }

// flattenFields copies entry data into JSON-friendly values. The
// component tag is surfaced separately and skipped here.
func flattenFields(data logrus.Fields) map[string]any {
	if len(data) == 0 {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		if k == "component" {
			continue
		}
		switch val := v.(type) {
		case error:
			out[k] = val.Error()
		case fmt.Stringer:
			out[k] = val.String()
		default:
			out[k] = v
		}
	}
	return out
}
