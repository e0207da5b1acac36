package avatarfactory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

type recorder struct {
	mu    sync.Mutex
	sends []uuid.UUID
	saves []uuid.UUID
}

func (r *recorder) send(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sends = append(r.sends, id)
}

func (r *recorder) save(_ context.Context, id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saves = append(r.saves, id)
}

func (r *recorder) counts() (sends, saves int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sends), len(r.saves)
}

// testOptions keep the real sweep timer out of the way; tests drive sweep
// directly with a fake clock.
var testOptions = SchedulerOptions{
	SaveDelay:   5 * time.Second,
	SendDelay:   2 * time.Second,
	SweepPeriod: time.Hour,
}

func newTestScheduler(t *testing.T, send func(uuid.UUID), save func(context.Context, uuid.UUID)) (*Scheduler, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	s := NewScheduler(testOptions, send, save)
	s.now = clock.Now
	t.Cleanup(s.Stop)
	return s, clock
}

func TestScheduler_CoalescesSaves(t *testing.T) {
	rec := &recorder{}
	s, clock := newTestScheduler(t, rec.send, rec.save)
	agent := uuid.New()

	s.QueueSave(agent)
	clock.Advance(time.Second)
	s.QueueSave(agent)
	clock.Advance(time.Second)
	s.QueueSave(agent)

	saves, _ := s.Pending()
	require.Equal(t, 1, saves)

	_, dispatched := s.sweep(clock.Advance(4 * time.Second))
	assert.Zero(t, dispatched, "save should not be due before the last request's window ends")

	_, dispatched = s.sweep(clock.Advance(time.Second))
	assert.Equal(t, 1, dispatched)
	s.waitIdle()

	_, n := rec.counts()
	assert.Equal(t, 1, n)
}

func TestScheduler_SendsInline(t *testing.T) {
	rec := &recorder{}
	s, clock := newTestScheduler(t, rec.send, rec.save)
	a, b := uuid.New(), uuid.New()

	s.QueueSend(a)
	s.QueueSend(b)
	s.QueueSend(a)

	sent, _ := s.sweep(clock.Advance(time.Second))
	assert.Zero(t, sent)
	sent, _ = s.sweep(clock.Advance(time.Second))
	assert.Equal(t, 2, sent)
	assert.ElementsMatch(t, []uuid.UUID{a, b}, rec.sends)
}

func TestScheduler_InFlightDefers(t *testing.T) {
	release := make(chan struct{})
	var saved atomic.Int32
	save := func(context.Context, uuid.UUID) {
		<-release
		saved.Add(1)
	}
	s, clock := newTestScheduler(t, func(uuid.UUID) {}, save)

	s.QueueSave(uuid.New())
	_, dispatched := s.sweep(clock.Advance(5 * time.Second))
	require.Equal(t, 1, dispatched)

	s.QueueSave(uuid.New())
	_, dispatched = s.sweep(clock.Advance(5 * time.Second))
	assert.Zero(t, dispatched, "second wave must wait for the running flush")
	saves, _ := s.Pending()
	assert.Equal(t, 1, saves)

	close(release)
	s.waitIdle()
	_, dispatched = s.sweep(clock.Advance(time.Second))
	assert.Equal(t, 1, dispatched)
	s.waitIdle()
	assert.Equal(t, int32(2), saved.Load())
}

func TestScheduler_ArmsAndIdles(t *testing.T) {
	rec := &recorder{}
	s, clock := newTestScheduler(t, rec.send, rec.save)
	assert.False(t, s.Armed())

	s.QueueSend(uuid.New())
	assert.True(t, s.Armed())

	clock.Advance(3 * time.Second)
	s.tick()
	assert.False(t, s.Armed(), "empty queues should disarm the sweep")

	sends, _ := rec.counts()
	assert.Equal(t, 1, sends)
}

func TestScheduler_Drop(t *testing.T) {
	rec := &recorder{}
	s, clock := newTestScheduler(t, rec.send, rec.save)
	agent := uuid.New()

	s.QueueSave(agent)
	s.QueueSend(agent)
	s.Drop(agent)

	saves, sends := s.Pending()
	assert.Zero(t, saves)
	assert.Zero(t, sends)
	s.sweep(clock.Advance(time.Minute))
	s.waitIdle()
	nSends, nSaves := rec.counts()
	assert.Zero(t, nSends)
	assert.Zero(t, nSaves)
}

func TestScheduler_FlushDrainsEverything(t *testing.T) {
	rec := &recorder{}
	s, _ := newTestScheduler(t, rec.send, rec.save)

	s.QueueSave(uuid.New())
	s.QueueSave(uuid.New())
	s.QueueSend(uuid.New())
	s.Flush(context.Background())

	sends, saves := rec.counts()
	assert.Equal(t, 1, sends)
	assert.Equal(t, 2, saves)
	pendingSaves, pendingSends := s.Pending()
	assert.Zero(t, pendingSaves+pendingSends)
}

func TestScheduler_FlushWaitsForRunningFlush(t *testing.T) {
	release := make(chan struct{})
	var saved atomic.Int32
	save := func(context.Context, uuid.UUID) {
		<-release
		saved.Add(1)
	}
	s, clock := newTestScheduler(t, func(uuid.UUID) {}, save)

	s.QueueSave(uuid.New())
	_, dispatched := s.sweep(clock.Advance(5 * time.Second))
	require.Equal(t, 1, dispatched)
	s.QueueSave(uuid.New())

	done := make(chan struct{})
	go func() {
		s.Flush(context.Background())
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Flush returned while a flush was still running")
	case <-time.After(50 * time.Millisecond):
	}
	saves, _ := s.Pending()
	assert.Equal(t, 1, saves, "queued save should wait for the running flush")

	close(release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Flush did not return")
	}
	assert.Equal(t, int32(2), saved.Load())
}

func TestScheduler_ExclusiveBlocksSweep(t *testing.T) {
	rec := &recorder{}
	s, clock := newTestScheduler(t, rec.send, rec.save)

	s.QueueSave(uuid.New())
	err := s.Exclusive(context.Background(), func(context.Context) {
		_, dispatched := s.sweep(clock.Advance(time.Minute))
		assert.Zero(t, dispatched, "sweep must not flush while the slot is held")
	})
	require.NoError(t, err)

	_, dispatched := s.sweep(clock.Advance(time.Second))
	assert.Equal(t, 1, dispatched)
	s.waitIdle()

	s.Stop()
	assert.ErrorIs(t, s.Exclusive(context.Background(), func(context.Context) {}), ErrStopped)
}

func TestScheduler_StopBlocksLateSweep(t *testing.T) {
	rec := &recorder{}
	s, clock := newTestScheduler(t, rec.send, rec.save)

	s.QueueSave(uuid.New())
	s.Stop()
	_, dispatched := s.sweep(clock.Advance(time.Minute))
	assert.Zero(t, dispatched)
	saves, _ := s.Pending()
	assert.Equal(t, 1, saves, "stopped scheduler leaves queued saves for Flush")
}

func TestScheduler_TimerFires(t *testing.T) {
	var saved atomic.Int32
	s := NewScheduler(SchedulerOptions{
		SaveDelay:   10 * time.Millisecond,
		SendDelay:   10 * time.Millisecond,
		SweepPeriod: 5 * time.Millisecond,
	}, func(uuid.UUID) {}, func(context.Context, uuid.UUID) { saved.Add(1) })
	defer s.Stop()

	s.QueueSave(uuid.New())
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if saved.Load() == 1 && !s.Armed() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("saved = %d, armed = %v", saved.Load(), s.Armed())
}
