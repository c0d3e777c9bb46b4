package dashboard

import (
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestLogCaptureRecordsEntries(t *testing.T) {
	capture := newLogCapture(3)
	entry := logrus.NewEntry(logrus.New())
	entry.Time = time.Unix(10, 0)
	entry.Level = logrus.WarnLevel
	entry.Message = "warning"
	entry.Data = logrus.Fields{"component": "test", "foo": "bar", "cause": errors.New("boom")}

	if err := capture.Fire(entry); err != nil {
		t.Fatalf("Fire returned error: %v", err)
	}

	lines := capture.snapshot()
	if len(lines) != 1 {
		t.Fatalf("expected 1 log line, got %d", len(lines))
	}
	if lines[0].Component != "test" || lines[0].Fields["foo"] != "bar" {
		t.Fatalf("unexpected line data: %#v", lines[0])
	}
	if _, ok := lines[0].Fields["component"]; ok {
		t.Fatal("component tag should not be duplicated into fields")
	}
	if lines[0].Fields["cause"] != "boom" {
		t.Fatalf("error field not flattened to string: %#v", lines[0].Fields["cause"])
	}
}

func TestLogCaptureRespectsLimitAndClose(t *testing.T) {
	capture := newLogCapture(2)
	for i := 0; i < 4; i++ {
		entry := logrus.NewEntry(logrus.New())
		entry.Message = "msg"
		entry.Level = logrus.InfoLevel
		entry.Data = logrus.Fields{"index": i}
		if err := capture.Fire(entry); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	lines := capture.snapshot()
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines after pruning, got %d", len(lines))
	}
	if lines[0].Fields["index"] != 2 || lines[1].Fields["index"] != 3 {
		t.Fatalf("pruning kept the wrong entries: %#v", lines)
	}

	capture.close()
	entry := logrus.NewEntry(logrus.New())
	entry.Message = "ignored"
	entry.Level = logrus.InfoLevel
	if err := capture.Fire(entry); err != nil {
		t.Fatalf("unexpected error after close: %v", err)
	}
	if got := capture.snapshot(); len(got) != 2 {
		t.Fatal("capture accepted entries after close")
	}
}
