// Copyright 2024 Sashimono Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package expiry_test

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	gc "gopkg.in/check.v1"

	"github.com/sashimono/agent/internal/expiry"
	"github.com/sashimono/agent/internal/halt"
	"github.com/sashimono/agent/internal/txqueue"
)

const tick = 2 * time.Second

type recordingExpirer struct {
	mu    sync.Mutex
	queue *txqueue.Queue
	log   []string
}

func (e *recordingExpirer) Expire(ctx context.Context, entry expiry.Entry) error {
	e.record("expire:" + entry.ContainerName)
	name := entry.ContainerName
	e.queue.Enqueue("reoffer "+name, func(ctx context.Context, refs *txqueue.Refs, feeUplift uint64) error {
		e.record("reoffer:" + name)
		return nil
	})
	return nil
}

func (e *recordingExpirer) record(event string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.log = append(e.log, event)
}

func (e *recordingExpirer) events() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.log...)
}

type alwaysValidated struct{}

func (alwaysValidated) IsTxValidated(ctx context.Context, hash string) (bool, error) {
	return true, nil
}

type schedulerSuite struct {
	testing.IsolationSuite

	clock    *testclock.Clock
	detector *halt.Detector
	timeline *expiry.Timeline
	queue    *txqueue.Queue
	expirer  *recordingExpirer
}

var _ = gc.Suite(&schedulerSuite{})

func (s *schedulerSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.clock = testclock.NewClock(epoch)
	s.timeline = expiry.NewTimeline()

	queue, err := txqueue.New(txqueue.Config{
		Validator:   alwaysValidated{},
		Clock:       s.clock,
		MaxExtraFee: 100,
	})
	c.Assert(err, jc.ErrorIsNil)
	s.queue = queue
	s.expirer = &recordingExpirer{queue: queue}
}

func (s *schedulerSuite) newScheduler(c *gc.C, haltTimeout time.Duration) *expiry.Scheduler {
	detector, err := halt.NewDetector(halt.Config{
		Clock:     s.clock,
		Timeout:   haltTimeout,
		Threshold: 0.25,
	})
	c.Assert(err, jc.ErrorIsNil)
	s.detector = detector

	sched, err := expiry.NewScheduler(expiry.SchedulerConfig{
		Clock:    s.clock,
		Tick:     tick,
		Timeline: s.timeline,
		Halt:     detector,
		Queue:    s.queue,
		Expirer:  s.expirer,
	})
	c.Assert(err, jc.ErrorIsNil)
	s.AddCleanup(func(c *gc.C) {
		workertest.CleanKill(c, sched)
	})
	return sched
}

// step fires one scheduler tick and returns once it has been processed.
func (s *schedulerSuite) step(c *gc.C) {
	err := s.clock.WaitAdvance(tick, testing.LongWait, 1)
	c.Assert(err, jc.ErrorIsNil)
	// The loop re-registers its timer only after the tick completes, so a
	// tiny follow-up advance doubles as a completion barrier.
	err = s.clock.WaitAdvance(time.Millisecond, testing.LongWait, 1)
	c.Assert(err, jc.ErrorIsNil)
}

func (s *schedulerSuite) TestExpiresDueEntriesInOrder(c *gc.C) {
	s.timeline.Add(entryAt("aaa", time.Second))
	s.timeline.Add(entryAt("bbb", 2*time.Second))
	sched := s.newScheduler(c, time.Hour)

	s.step(c)
	c.Check(s.expirer.events(), gc.DeepEquals, []string{
		"expire:aaa", "expire:bbb", "reoffer:aaa", "reoffer:bbb",
	})
	c.Check(sched.PendingLen(), gc.Equals, 0)
	c.Check(s.timeline.Len(), gc.Equals, 0)
	c.Check(s.queue.Len(), gc.Equals, 0)
}

func (s *schedulerSuite) TestFutureEntriesNotTouched(c *gc.C) {
	s.timeline.Add(entryAt("aaa", time.Hour))
	sched := s.newScheduler(c, time.Hour)

	s.step(c)
	c.Check(s.expirer.events(), gc.HasLen, 0)
	c.Check(sched.PendingLen(), gc.Equals, 0)
	c.Check(s.timeline.Len(), gc.Equals, 1)
}

func (s *schedulerSuite) TestDrainsQueueEveryTick(c *gc.C) {
	s.newScheduler(c, time.Hour)

	ran := make(chan struct{})
	s.queue.Enqueue("probe", func(ctx context.Context, refs *txqueue.Refs, feeUplift uint64) error {
		close(ran)
		return nil
	})
	s.step(c)
	select {
	case <-ran:
	default:
		c.Fatal("queued action not drained on tick")
	}
}

func (s *schedulerSuite) TestHaltHoldsExpiryFIFO(c *gc.C) {
	s.timeline.Add(entryAt("aaa", 14*time.Second))
	s.timeline.Add(entryAt("bbb", 16*time.Second))
	sched := s.newScheduler(c, 10*time.Second)

	// No ledger ticks arrive; after the timeout the detector reports a
	// halt, and due entries accumulate without being processed.
	for i := 0; i < 8; i++ {
		s.step(c)
	}
	c.Assert(s.detector.IsHalted(), jc.IsTrue)
	c.Check(s.expirer.events(), gc.HasLen, 0)
	c.Check(sched.PendingLen(), gc.Equals, 2)

	// Ledger ticks resume. After the grace window the held entries are
	// processed in the order they became due.
	for i := 0; i < 8; i++ {
		s.detector.ObserveTick()
		s.step(c)
	}
	c.Check(s.expirer.events(), gc.DeepEquals, []string{
		"expire:aaa", "expire:bbb", "reoffer:aaa", "reoffer:bbb",
	})
	c.Check(sched.PendingLen(), gc.Equals, 0)
}
