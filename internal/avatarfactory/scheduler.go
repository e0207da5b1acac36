package avatarfactory

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Scheduler defaults.
const (
	DefaultSaveDelay        = 5 * time.Second
	DefaultSendDelay        = 2 * time.Second
	DefaultSweepPeriod      = 500 * time.Millisecond
	DefaultFlushParallelism = 4

	slotPoll = 5 * time.Millisecond
)

// ErrStopped is returned by Exclusive once the scheduler has stopped.
var ErrStopped = errors.New("scheduler stopped")

// SchedulerOptions tunes the debounce windows.
type SchedulerOptions struct {
	SaveDelay        time.Duration
	SendDelay        time.Duration
	SweepPeriod      time.Duration
	FlushParallelism int
}

func (o SchedulerOptions) withDefaults() SchedulerOptions {
	if o.SaveDelay <= 0 {
		o.SaveDelay = DefaultSaveDelay
	}
	if o.SendDelay <= 0 {
		o.SendDelay = DefaultSendDelay
	}
	if o.SweepPeriod <= 0 {
		o.SweepPeriod = DefaultSweepPeriod
	}
	if o.FlushParallelism <= 0 {
		o.FlushParallelism = DefaultFlushParallelism
	}
	return o
}

// Scheduler coalesces bursts of save and send requests per agent. Each
// queue keeps one due time per agent; a later request overwrites it.
//
// The sweep timer runs only while something is queued. Due sends are
// broadcast inline by the sweep; due saves go to one background flush at a
// time, and saves that fall due while a flush runs wait for the next sweep.
// inFlight is the flush slot: Flush, Exclusive and Stop claim it too.
type Scheduler struct {
	opts SchedulerOptions
	send func(agentID uuid.UUID)
	save func(ctx context.Context, agentID uuid.UUID)
	now  func() time.Time

	mu      sync.Mutex
	saves   map[uuid.UUID]time.Time
	sends   map[uuid.UUID]time.Time
	timer   *time.Timer
	armed   bool
	stopped bool

	inFlight atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
	tracer   trace.Tracer
}

// NewScheduler creates an idle scheduler. send broadcasts an agent's
// current appearance; save persists it.
func NewScheduler(opts SchedulerOptions, send func(uuid.UUID), save func(context.Context, uuid.UUID)) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		opts:   opts.withDefaults(),
		send:   send,
		save:   save,
		now:    time.Now,
		saves:  make(map[uuid.UUID]time.Time),
		sends:  make(map[uuid.UUID]time.Time),
		ctx:    ctx,
		cancel: cancel,
		tracer: otel.Tracer("avatard/avatarfactory"),
	}
}

// QueueSave schedules a save of agentID SaveDelay from now.
func (s *Scheduler) QueueSave(agentID uuid.UUID) {
	s.enqueue(s.saves, agentID, s.opts.SaveDelay)
}

// QueueSend schedules a broadcast of agentID SendDelay from now.
func (s *Scheduler) QueueSend(agentID uuid.UUID) {
	s.enqueue(s.sends, agentID, s.opts.SendDelay)
}

func (s *Scheduler) enqueue(queue map[uuid.UUID]time.Time, agentID uuid.UUID, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	queue[agentID] = s.now().Add(delay)
	if !s.armed && !s.stopped {
		s.armed = true
		if s.timer == nil {
			s.timer = time.AfterFunc(s.opts.SweepPeriod, s.tick)
		} else {
			s.timer.Reset(s.opts.SweepPeriod)
		}
	}
}

// Drop forgets any queued work for agentID.
func (s *Scheduler) Drop(agentID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.saves, agentID)
	delete(s.sends, agentID)
}

// Pending returns the queue lengths.
func (s *Scheduler) Pending() (saves, sends int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saves), len(s.sends)
}

// Armed reports whether the sweep timer is running.
func (s *Scheduler) Armed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.armed
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return
	}

	s.sweep(s.now())

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || (len(s.saves) == 0 && len(s.sends) == 0) {
		s.armed = false
		return
	}
	s.timer.Reset(s.opts.SweepPeriod)
}

// sweep sends every due broadcast and, unless a flush is in flight, hands
// the due saves to a background flush. It returns the number of sends made
// and saves dispatched.
func (s *Scheduler) sweep(now time.Time) (sent, dispatched int) {
	for _, id := range s.popDue(s.sends, now) {
		s.send(id)
		sent++
	}

	if !s.inFlight.CompareAndSwap(false, true) {
		return sent, 0
	}
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		s.inFlight.Store(false)
		return sent, 0
	}
	batch := s.popDue(s.saves, now)
	if len(batch) == 0 {
		s.inFlight.Store(false)
		return sent, 0
	}
	go func() {
		defer s.inFlight.Store(false)
		s.flush(s.ctx, batch)
	}()
	return sent, len(batch)
}

// acquire waits for the flush slot.
func (s *Scheduler) acquire(ctx context.Context) error {
	for !s.inFlight.CompareAndSwap(false, true) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(slotPoll):
		}
	}
	return nil
}

func (s *Scheduler) release() { s.inFlight.Store(false) }

// waitIdle blocks until no flush is running.
func (s *Scheduler) waitIdle() {
	_ = s.acquire(context.Background())
	s.release()
}

// Exclusive waits for a running flush and runs fn while no background flush
// can start.
func (s *Scheduler) Exclusive(ctx context.Context, fn func(ctx context.Context)) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return ErrStopped
	}
	fn(ctx)
	return nil
}

func (s *Scheduler) popDue(queue map[uuid.UUID]time.Time, now time.Time) []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []uuid.UUID
	for id, at := range queue {
		if !at.After(now) {
			due = append(due, id)
			delete(queue, id)
		}
	}
	return due
}

func (s *Scheduler) flush(ctx context.Context, batch []uuid.UUID) {
	ctx, span := s.tracer.Start(ctx, "avatarfactory.flush",
		trace.WithAttributes(attribute.Int("flush.size", len(batch))))
	defer span.End()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.FlushParallelism)
	for _, id := range batch {
		g.Go(func() error {
			s.save(gctx, id)
			return nil
		})
	}
	_ = g.Wait()
}

// Flush waits for an in-flight flush, then saves and sends everything still
// queued regardless of due time. The sweep cannot start a flush meanwhile.
func (s *Scheduler) Flush(ctx context.Context) {
	if err := s.acquire(ctx); err != nil {
		log.Printf("[avatarfactory] warning: flush abandoned: %v", err)
		return
	}
	defer s.release()

	far := s.now().Add(365 * 24 * time.Hour)
	for _, id := range s.popDue(s.sends, far) {
		s.send(id)
	}
	batch := s.popDue(s.saves, far)
	if len(batch) > 0 {
		log.Printf("[avatarfactory] flushing %d pending saves", len(batch))
		s.flush(ctx, batch)
	}
}

// Stop disarms the sweep and waits for a running flush. Queued work is
// left in place; call Flush first to drain it.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.armed = false
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()

	s.waitIdle()
	s.cancel()
}
