// Copyright 2024 Sashimono Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package expiry

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/collections/deque"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/worker/v4/catacomb"

	"github.com/sashimono/agent/internal/halt"
	"github.com/sashimono/agent/internal/txqueue"
)

var logger = loggo.GetLogger("sashimono.expiry")

// Expirer tears down one expired lease: destroy the instance, mark the lease
// row, and enqueue the ledger-bound follow-ups on the transaction queue.
type Expirer interface {
	Expire(ctx context.Context, e Entry) error
}

// SchedulerConfig holds the scheduler worker dependencies.
type SchedulerConfig struct {
	Clock    clock.Clock
	Tick     time.Duration
	Timeline *Timeline
	Halt     *halt.Detector
	Queue    *txqueue.Queue
	Expirer  Expirer
}

// Validate checks the scheduler configuration.
func (c SchedulerConfig) Validate() error {
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.Tick <= 0 {
		return errors.NotValidf("non-positive Tick")
	}
	if c.Timeline == nil {
		return errors.NotValidf("nil Timeline")
	}
	if c.Halt == nil {
		return errors.NotValidf("nil Halt")
	}
	if c.Queue == nil {
		return errors.NotValidf("nil Queue")
	}
	if c.Expirer == nil {
		return errors.NotValidf("nil Expirer")
	}
	return nil
}

// Scheduler is the periodic worker that moves due timeline entries into a
// FIFO and processes them. While the ledger is halted the FIFO accumulates
// but nothing destructive runs; once the halt clears, entries are processed
// in the order they became due.
type Scheduler struct {
	catacomb catacomb.Catacomb
	config   SchedulerConfig

	mu      sync.Mutex
	pending *deque.Deque
}

// NewScheduler builds and starts the scheduler worker.
func NewScheduler(config SchedulerConfig) (*Scheduler, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	s := &Scheduler{
		config:  config,
		pending: deque.New(),
	}
	err := catacomb.Invoke(catacomb.Plan{
		Name: "expiry-scheduler",
		Site: &s.catacomb,
		Work: s.loop,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return s, nil
}

// Kill is part of the worker.Worker interface.
func (s *Scheduler) Kill() {
	s.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (s *Scheduler) Wait() error {
	return s.catacomb.Wait()
}

func (s *Scheduler) loop() error {
	ctx, cancel := s.scopedContext()
	defer cancel()

	timer := s.config.Clock.NewTimer(s.config.Tick)
	defer timer.Stop()
	for {
		select {
		case <-s.catacomb.Dying():
			return s.catacomb.ErrDying()
		case <-timer.Chan():
			if err := s.runTick(ctx); err != nil {
				return errors.Trace(err)
			}
			timer.Reset(s.config.Tick)
		}
	}
}

func (s *Scheduler) runTick(ctx context.Context) error {
	halted := s.config.Halt.Check()

	// Due entries always join the FIFO, even while halted, so they are
	// processed in due order once the halt clears.
	for _, e := range s.config.Timeline.PopDue(s.config.Clock.Now()) {
		logger.Debugf("lease on %q due for expiry", e.ContainerName)
		s.mu.Lock()
		s.pending.PushBack(e)
		s.mu.Unlock()
	}

	if !halted {
		for {
			s.mu.Lock()
			held := s.pending.Len()
			s.mu.Unlock()
			if held == 0 {
				break
			}
			if s.config.Halt.Check() {
				logger.Warningf("ledger halted mid-expiry, %d entries held", held)
				break
			}
			s.mu.Lock()
			item, _ := s.pending.PopFront()
			s.mu.Unlock()
			e := item.(Entry)
			if err := s.expire(ctx, e); err != nil {
				return errors.Trace(err)
			}
		}
	}

	return errors.Trace(s.config.Queue.Drain(ctx))
}

func (s *Scheduler) expire(ctx context.Context, e Entry) error {
	logger.Infof("expiring lease %q on %q", e.TxHash, e.ContainerName)
	if err := s.config.Expirer.Expire(ctx, e); err != nil {
		// The instance may already be gone; the orphan pruner sweeps up
		// anything left behind.
		logger.Errorf("expiring lease on %q: %v", e.ContainerName, err)
	}
	return nil
}

// PendingLen reports the number of entries held in the expiry FIFO.
func (s *Scheduler) PendingLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.Len()
}

func (s *Scheduler) scopedContext() (context.Context, context.CancelFunc) {
	return context.WithCancel(s.catacomb.Context(context.Background()))
}
