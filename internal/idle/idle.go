// Package idle implements the deferred maintenance queue. Tasks are
// queued by name and run, in order, once request traffic has been quiet
// for the idle delay.
package idle

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/warpdl/swdriver/pkg/clock"
)

const (
	// IdleDelay is how long the scheduler waits after the last trigger.
	IdleDelay = 5 * time.Second
	// MaxIdleDelay caps how long the oldest queued task can be postponed
	// by a steady stream of triggers.
	MaxIdleDelay = 30 * time.Second
)

// Task is a unit of idle work.
type Task func(ctx context.Context) error

// Debugger receives task failures.
type Debugger interface {
	Log(value any, context string)
}

type queued struct {
	desc string
	run  Task
}

// Scheduler is safe for concurrent use.
type Scheduler struct {
	ctx      context.Context
	clk      clock.Clock
	delay    time.Duration
	maxDelay time.Duration
	debug    Debugger

	mu          sync.Mutex
	queue       []*queued
	byName      map[string]*queued
	timer       clock.Timer
	generation  uint64
	lastTrigger time.Time
	lastRun     time.Time
	oldest      time.Time
	empty       chan struct{}

	// execMu keeps drains from overlapping so FIFO order holds.
	execMu sync.Mutex
}

// New returns a Scheduler whose timer-fired drains run with ctx. Once ctx
// is cancelled queued tasks are left in place.
func New(ctx context.Context, clk clock.Clock, delay, maxDelay time.Duration, dbg Debugger) *Scheduler {
	empty := make(chan struct{})
	close(empty)
	return &Scheduler{
		ctx:      ctx,
		clk:      clk,
		delay:    delay,
		maxDelay: maxDelay,
		debug:    dbg,
		byName:   map[string]*queued{},
		empty:    empty,
	}
}

// Schedule queues task under desc. Scheduling a name that is already
// queued replaces its function and keeps its position.
func (s *Scheduler) Schedule(desc string, task Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.byName[desc]; ok {
		q.run = task
		return
	}
	q := &queued{desc: desc, run: task}
	s.queue = append(s.queue, q)
	s.byName[desc] = q
	select {
	case <-s.empty:
		s.empty = make(chan struct{})
	default:
	}
	if s.oldest.IsZero() {
		s.oldest = s.clk.Now()
	}
}

// Trigger records activity and restarts the idle timer. It never blocks
// on task execution.
func (s *Scheduler) Trigger() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clk.Now()
	s.lastTrigger = now
	if len(s.queue) == 0 {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	delay := s.delay
	if remaining := s.oldest.Add(s.maxDelay).Sub(now); remaining < delay {
		delay = max(remaining, 0)
	}
	s.generation++
	gen := s.generation
	// AfterFunc may run the callback synchronously, so release the lock
	// around it.
	s.mu.Unlock()
	t := s.clk.AfterFunc(delay, func() { s.fire(gen) })
	s.mu.Lock()
	if s.generation == gen {
		s.timer = t
	}
}

func (s *Scheduler) fire(gen uint64) {
	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.mu.Unlock()
	s.Execute(s.ctx)
}

// Execute drains the queue now. Task errors and panics are logged and do
// not stop the drain. Tasks scheduled while draining run in the same call.
func (s *Scheduler) Execute(ctx context.Context) {
	s.execMu.Lock()
	defer s.execMu.Unlock()

	s.mu.Lock()
	s.lastRun = s.clk.Now()
	s.mu.Unlock()

	for {
		if ctx.Err() != nil {
			return
		}
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.oldest = time.Time{}
			select {
			case <-s.empty:
			default:
				close(s.empty)
			}
			s.mu.Unlock()
			return
		}
		q := s.queue[0]
		s.queue = s.queue[1:]
		delete(s.byName, q.desc)
		s.mu.Unlock()

		s.runTask(ctx, q)
	}
}

func (s *Scheduler) runTask(ctx context.Context, q *queued) {
	defer func() {
		if r := recover(); r != nil && s.debug != nil {
			s.debug.Log(fmt.Sprintf("panic: %v\n%s", r, debug.Stack()), "while running idle task "+q.desc)
		}
	}()
	if err := q.run(ctx); err != nil && s.debug != nil {
		s.debug.Log(err, "while running idle task "+q.desc)
	}
}

// Empty returns a channel that is closed whenever the queue is drained.
func (s *Scheduler) Empty() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.empty
}

// Size is the number of queued tasks.
func (s *Scheduler) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// TaskDescriptions lists queued task names in run order.
func (s *Scheduler) TaskDescriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.queue))
	for i, q := range s.queue {
		out[i] = q.desc
	}
	return out
}

// LastTrigger is the time of the most recent Trigger, zero if none.
func (s *Scheduler) LastTrigger() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTrigger
}

// LastRun is the start time of the most recent drain, zero if none.
func (s *Scheduler) LastRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}

// Stop cancels a pending idle timer.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
