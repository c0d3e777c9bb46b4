// Package clock abstracts wall time so the pruning and windowing logic
// can run against deterministic time in tests.
package clock

import (
	"sync/atomic"
	"time"
)

type Clock interface {
	Now() time.Time
	NowMs() int64
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) NowMs() int64 { return time.Now().UnixMilli() }

// System returns the wall clock.
func System() Clock { return systemClock{} }

// Fake is a manually advanced clock for tests.
type Fake struct {
	ms atomic.Int64
}

func NewFake(startMs int64) *Fake {
	f := &Fake{}
	f.ms.Store(startMs)
	return f
}

func (f *Fake) Now() time.Time { return time.UnixMilli(f.ms.Load()) }

func (f *Fake) NowMs() int64 { return f.ms.Load() }

func (f *Fake) Advance(d time.Duration) { f.ms.Add(d.Milliseconds()) }

func (f *Fake) Set(ms int64) { f.ms.Store(ms) }
