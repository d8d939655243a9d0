// Copyright 2024 Sashimono Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package heartbeat_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/pubsub/v2"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	gc "gopkg.in/check.v1"

	"github.com/sashimono/agent/internal/config"
	"github.com/sashimono/agent/internal/heartbeat"
	"github.com/sashimono/agent/internal/ledger"
	"github.com/sashimono/agent/internal/txqueue"
)

type recordedBeat struct {
	candidateID string
	vote        string
}

type fakeLedger struct {
	mu sync.Mutex

	size     uint64
	start    uint64
	reg      ledger.Registration
	rejected map[string]bool
	beats    []recordedBeat
}

func (l *fakeLedger) GetRegistration(ctx context.Context) (ledger.Registration, error) {
	return l.reg, nil
}

func (l *fakeLedger) GetMomentSize(ctx context.Context) (uint64, error) {
	return l.size, nil
}

func (l *fakeLedger) GetMoment(ctx context.Context, idx *uint64) (uint64, error) {
	return *idx / l.size, nil
}

func (l *fakeLedger) GetMomentStartIndex(ctx context.Context) (uint64, error) {
	return l.start, nil
}

func (l *fakeLedger) Heartbeat(ctx context.Context, vote *ledger.GovernanceVote, ref *ledger.SubmissionRef, feeUplift uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	beat := recordedBeat{}
	if vote != nil {
		beat.candidateID = vote.CandidateID
		beat.vote = vote.Vote
	}
	if vote != nil && l.rejected[vote.CandidateID] {
		return fmt.Errorf("vote for %q: %w", vote.CandidateID, ledger.ErrVoteRejected)
	}
	ref.TxHash = fmt.Sprintf("BEAT%d", len(l.beats))
	l.beats = append(l.beats, beat)
	return nil
}

func (l *fakeLedger) recorded() []recordedBeat {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]recordedBeat(nil), l.beats...)
}

// IsTxValidated lets the fake double as the queue's validator.
func (l *fakeLedger) IsTxValidated(ctx context.Context, hash string) (bool, error) {
	return false, nil
}

type fakeVotes struct {
	mu      sync.Mutex
	votes   map[string]config.Vote
	deleted []string
}

func (v *fakeVotes) Votes() (map[string]config.Vote, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[string]config.Vote, len(v.votes))
	for id, vote := range v.votes {
		out[id] = vote
	}
	return out, nil
}

func (v *fakeVotes) DeleteCandidate(candidateID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.votes, candidateID)
	v.deleted = append(v.deleted, candidateID)
	return nil
}

type workerSuite struct {
	testing.IsolationSuite

	clock  *testclock.Clock
	hub    *pubsub.SimpleHub
	ledger *fakeLedger
	votes  *fakeVotes
	queue  *txqueue.Queue
}

var _ = gc.Suite(&workerSuite{})

func (s *workerSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.clock = testclock.NewClock(time.Unix(1724400000, 0))
	s.hub = pubsub.NewSimpleHub(nil)
	s.ledger = &fakeLedger{
		size:  3600,
		start: 7200,
		reg: ledger.Registration{
			TokenID: "REG00000000FFFF",
			// The current moment has already been served, so the first
			// send lands at the next moment boundary.
			LastHeartbeatMoment: 2,
		},
	}
	s.votes = &fakeVotes{votes: map[string]config.Vote{}}

	queue, err := txqueue.New(txqueue.Config{
		Validator:   s.ledger,
		Clock:       s.clock,
		MaxExtraFee: 100,
	})
	c.Assert(err, jc.ErrorIsNil)
	s.queue = queue
}

func (s *workerSuite) startWorker(c *gc.C) *heartbeat.Worker {
	w, err := heartbeat.NewWorker(heartbeat.Config{
		Clock:      s.clock,
		Ledger:     s.ledger,
		Hub:        s.hub,
		Queue:      s.queue,
		Governance: s.votes,
	})
	c.Assert(err, jc.ErrorIsNil)
	s.AddCleanup(func(c *gc.C) {
		workertest.CleanKill(c, w)
	})

	// Ledger index 7800: 600s into moment 2, 3000s remaining.
	done := s.hub.Publish(ledger.TopicLedgerTick, ledger.TickEvent{
		LedgerIndex: 7800,
		Time:        s.clock.Now(),
	})
	select {
	case <-pubsub.Wait(done):
	case <-time.After(testing.LongWait):
		c.Fatal("tick not delivered")
	}
	return w
}

func (s *workerSuite) fire(c *gc.C, d time.Duration) {
	err := s.clock.WaitAdvance(d, testing.LongWait, 1)
	c.Assert(err, jc.ErrorIsNil)
	// The timer is re-armed only after the send completes.
	err = s.clock.WaitAdvance(time.Millisecond, testing.LongWait, 1)
	c.Assert(err, jc.ErrorIsNil)
}

func (s *workerSuite) TestEmptyHeartbeatAtMomentBoundary(c *gc.C) {
	s.startWorker(c)

	s.fire(c, 3000*time.Second)
	c.Assert(s.ledger.recorded(), gc.DeepEquals, []recordedBeat{{}})
	c.Check(s.queue.Len(), gc.Equals, 0)

	// The next send follows at moment cadence.
	s.fire(c, 3600*time.Second)
	c.Assert(s.ledger.recorded(), gc.HasLen, 2)
}

func (s *workerSuite) TestVotesSubmittedInCandidateOrder(c *gc.C) {
	s.votes.votes = map[string]config.Vote{
		"CAND00000002": config.VoteReject,
		"CAND00000001": config.VoteSupport,
	}
	s.startWorker(c)

	s.fire(c, 3000*time.Second)
	c.Assert(s.ledger.recorded(), gc.DeepEquals, []recordedBeat{
		{candidateID: "CAND00000001", vote: "support"},
		{candidateID: "CAND00000002", vote: "reject"},
	})
}

func (s *workerSuite) TestRejectedVoteDeletesCandidate(c *gc.C) {
	s.votes.votes = map[string]config.Vote{
		"CAND00000001": config.VoteSupport,
		"CAND00000002": config.VoteSupport,
	}
	s.ledger.rejected = map[string]bool{"CAND00000001": true}
	s.startWorker(c)

	s.fire(c, 3000*time.Second)
	c.Assert(s.ledger.recorded(), gc.DeepEquals, []recordedBeat{
		{candidateID: "CAND00000002", vote: "support"},
	})
	c.Check(s.votes.deleted, gc.DeepEquals, []string{"CAND00000001"})
	// A rejection is handled, not retried.
	c.Check(s.queue.Len(), gc.Equals, 0)
}
