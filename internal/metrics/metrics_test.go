package metrics

import (
	"testing"
	"time"
)

func TestInitSurvivesListenerFailure(t *testing.T) {
	// An address no listener can bind; the exporter goroutine must log
	// and return rather than kill the process.
	Init("256.256.256.256:bad")
	time.Sleep(50 * time.Millisecond)

	IncrementIngested("live")
	IncrementBackfillWindow("full_backfill", "success")
	SetBigUnit(50)
}
