package feed

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type countingUpdater struct {
	calls atomic.Int32
}

func (u *countingUpdater) Trigger(context.Context) {
	u.calls.Add(1)
}

type panickingUpdater struct {
	calls atomic.Int32
}

func (u *panickingUpdater) Trigger(context.Context) {
	if u.calls.Add(1) == 1 {
		panic("boom")
	}
}

func TestSchedulerTriggersUpdaters(t *testing.T) {
	a, b := &countingUpdater{}, &countingUpdater{}
	s := NewScheduler(10*time.Millisecond, nil, a, b)
	s.Start()
	defer s.Stop()

	assert.Eventually(t, func() bool {
		return a.calls.Load() >= 2 && b.calls.Load() >= 2
	}, time.Second, 5*time.Millisecond)
	assert.True(t, s.Alive())
	assert.False(t, s.RestartIfDead(), "a live loop is not restarted")
}

func TestSchedulerRestartIfDead(t *testing.T) {
	u := &panickingUpdater{}
	s := NewScheduler(10*time.Millisecond, nil, u)
	s.Start()
	defer s.Stop()

	assert.Eventually(t, func() bool { return !s.Alive() }, time.Second, 5*time.Millisecond)

	assert.True(t, s.RestartIfDead())
	assert.True(t, s.Alive())

	assert.Eventually(t, func() bool { return u.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	assert.True(t, s.Alive(), "loop keeps running once the updater stops panicking")
}

func TestSchedulerStop(t *testing.T) {
	u := &countingUpdater{}
	s := NewScheduler(time.Hour, nil, u)
	s.Start()
	s.Start()

	s.Stop()
	s.Stop()

	assert.False(t, s.Alive())
	assert.False(t, s.RestartIfDead(), "a stopped loop stays stopped")
	assert.Zero(t, u.calls.Load())
}
