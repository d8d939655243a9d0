// Copyright 2024 Sashimono Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package heartbeat sends the host-alive transaction once per ledger moment,
// at a per-host offset derived from the registration token, optionally
// carrying governance votes.
package heartbeat

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/pubsub/v2"
	"github.com/juju/worker/v4/catacomb"

	"github.com/sashimono/agent/internal/config"
	"github.com/sashimono/agent/internal/ledger"
	"github.com/sashimono/agent/internal/txqueue"
)

var logger = loggo.GetLogger("sashimono.heartbeat")

const (
	// retryAttempts and retryDelay bound heartbeat resubmission.
	retryAttempts = 3
	retryDelay    = 5 * time.Minute

	// earlyMomentPad keeps a send out of the first half of a moment, where
	// the hook could read the previous moment's timestamp.
	earlyMomentPad = time.Minute
)

// LedgerClient is the slice of the ledger client the worker needs.
type LedgerClient interface {
	GetRegistration(ctx context.Context) (ledger.Registration, error)
	GetMomentSize(ctx context.Context) (uint64, error)
	GetMoment(ctx context.Context, idx *uint64) (uint64, error)
	GetMomentStartIndex(ctx context.Context) (uint64, error)
	Heartbeat(ctx context.Context, vote *ledger.GovernanceVote, ref *ledger.SubmissionRef, feeUplift uint64) error
}

// VoteStore is the slice of the governance store the worker needs.
type VoteStore interface {
	Votes() (map[string]config.Vote, error)
	DeleteCandidate(candidateID string) error
}

// Config holds the heartbeat worker dependencies.
type Config struct {
	Clock      clock.Clock
	Ledger     LedgerClient
	Hub        *pubsub.SimpleHub
	Queue      *txqueue.Queue
	Governance VoteStore
}

// Validate checks the worker configuration.
func (c Config) Validate() error {
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.Ledger == nil {
		return errors.NotValidf("nil Ledger")
	}
	if c.Hub == nil {
		return errors.NotValidf("nil Hub")
	}
	if c.Queue == nil {
		return errors.NotValidf("nil Queue")
	}
	if c.Governance == nil {
		return errors.NotValidf("nil Governance")
	}
	return nil
}

// Worker schedules and submits heartbeats. Ledger index units are seconds,
// so index arithmetic doubles as wall-clock arithmetic.
type Worker struct {
	catacomb catacomb.Catacomb
	config   Config

	mu       sync.Mutex
	lastIdx  uint64
	tickOnce sync.Once
	tickSeen chan struct{}
}

// NewWorker builds and starts a heartbeat worker.
func NewWorker(config Config) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	w := &Worker{
		config:   config,
		tickSeen: make(chan struct{}),
	}
	err := catacomb.Invoke(catacomb.Plan{
		Name: "heartbeat",
		Site: &w.catacomb,
		Work: w.loop,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return w, nil
}

// Kill is part of the worker.Worker interface.
func (w *Worker) Kill() {
	w.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *Worker) Wait() error {
	return w.catacomb.Wait()
}

func (w *Worker) loop() error {
	ctx, cancel := w.scopedContext()
	defer cancel()

	unsub := w.config.Hub.Subscribe(ledger.TopicLedgerTick, w.onTick)
	defer unsub()

	// The schedule is computed against the latest closed ledger, so wait
	// for the first tick.
	select {
	case <-w.catacomb.Dying():
		return w.catacomb.ErrDying()
	case <-w.tickSeen:
	}

	delay, err := w.initialDelay(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	logger.Infof("first heartbeat in %v", delay.Round(time.Second))

	timer := w.config.Clock.NewTimer(delay)
	defer timer.Stop()
	for {
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()
		case <-timer.Chan():
			w.send(ctx)
			size, err := w.config.Ledger.GetMomentSize(ctx)
			if err != nil {
				return errors.Trace(err)
			}
			timer.Reset(time.Duration(size) * time.Second)
		}
	}
}

func (w *Worker) onTick(_ string, data interface{}) {
	tick, ok := data.(ledger.TickEvent)
	if !ok {
		return
	}
	w.mu.Lock()
	w.lastIdx = tick.LedgerIndex
	w.mu.Unlock()
	w.tickOnce.Do(func() { close(w.tickSeen) })
}

// initialDelay computes the first send time. Hosts that have not heartbeated
// this moment spread themselves over the moment's acceptance window (its
// first 75 percent) using the low 16 bits of the registration token id.
func (w *Worker) initialDelay(ctx context.Context) (time.Duration, error) {
	size, err := w.config.Ledger.GetMomentSize(ctx)
	if err != nil {
		return 0, errors.Trace(err)
	}
	start, err := w.config.Ledger.GetMomentStartIndex(ctx)
	if err != nil {
		return 0, errors.Trace(err)
	}
	reg, err := w.config.Ledger.GetRegistration(ctx)
	if err != nil {
		return 0, errors.Trace(err)
	}
	w.mu.Lock()
	idx := w.lastIdx
	w.mu.Unlock()
	moment, err := w.config.Ledger.GetMoment(ctx, &idx)
	if err != nil {
		return 0, errors.Trace(err)
	}

	elapsed := uint64(0)
	if idx > start {
		elapsed = idx - start
	}
	remaining := uint64(0)
	if size > elapsed {
		remaining = size - elapsed
	}

	if reg.LastHeartbeatMoment == moment {
		// Already sent this moment; next moment start.
		return time.Duration(remaining) * time.Second, nil
	}

	frac := float64(tokenOffset(reg.TokenID)) / 65535
	acceptance := uint64(float64(size) * 0.75)

	var delay uint64
	if remaining <= acceptance {
		// Late in the moment: spread over what is left of it.
		delay = uint64(frac * float64(remaining))
	} else {
		// Too early to know this moment is owed one; aim at the next
		// moment's acceptance window.
		delay = remaining + uint64(frac*float64(acceptance))
	}

	// A send in the first half of a moment can race the ledger clock over
	// the moment boundary.
	if (elapsed+delay)%size < size/2 {
		delay += uint64(earlyMomentPad / time.Second)
	}
	return time.Duration(delay) * time.Second, nil
}

// tokenOffset extracts the low 16 bits of a hex token id.
func tokenOffset(tokenID string) uint16 {
	if len(tokenID) < 4 {
		return 0
	}
	raw, err := strconv.ParseUint(tokenID[len(tokenID)-4:], 16, 16)
	if err != nil {
		return 0
	}
	return uint16(raw)
}

// send enqueues this moment's heartbeat submissions and drains the queue.
func (w *Worker) send(ctx context.Context) {
	votes, err := w.config.Governance.Votes()
	if err != nil {
		logger.Errorf("reading governance votes: %v", err)
		votes = nil
	}
	candidates := sortCandidates(votes)
	if len(candidates) == 0 {
		w.enqueue(nil)
	}
	for _, cand := range candidates {
		vote := cand
		w.enqueue(&vote)
	}
	if err := w.config.Queue.Drain(ctx); err != nil {
		logger.Errorf("draining transaction queue: %v", err)
	}
}

func (w *Worker) enqueue(vote *ledger.GovernanceVote) {
	name := "heartbeat"
	if vote != nil {
		name = "heartbeat vote " + vote.CandidateID
	}
	w.config.Queue.EnqueueWithRetry(name, retryAttempts, retryDelay, func(ctx context.Context, refs *txqueue.Refs, feeUplift uint64) error {
		err := w.config.Ledger.Heartbeat(ctx, vote, refs.New(), feeUplift)
		if vote != nil && errors.Is(err, ledger.ErrVoteRejected) {
			logger.Warningf("vote for candidate %q rejected, removing it", vote.CandidateID)
			if derr := w.config.Governance.DeleteCandidate(vote.CandidateID); derr != nil {
				logger.Errorf("removing candidate %q: %v", vote.CandidateID, derr)
			}
			return nil
		}
		return errors.Trace(err)
	})
}

// sortCandidates orders votes by the candidate's on-ledger index, taken from
// the trailing bytes of the candidate id.
func sortCandidates(votes map[string]config.Vote) []ledger.GovernanceVote {
	out := make([]ledger.GovernanceVote, 0, len(votes))
	for id, v := range votes {
		out = append(out, ledger.GovernanceVote{
			CandidateID:    id,
			CandidateIndex: candidateIndex(id),
			Vote:           string(v),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CandidateIndex != out[j].CandidateIndex {
			return out[i].CandidateIndex < out[j].CandidateIndex
		}
		return out[i].CandidateID < out[j].CandidateID
	})
	return out
}

// candidateIndex reads the candidate's index from the low 32 bits of its id.
func candidateIndex(candidateID string) uint64 {
	if len(candidateID) < 8 {
		return 0
	}
	idx, err := strconv.ParseUint(candidateID[len(candidateID)-8:], 16, 32)
	if err != nil {
		return 0
	}
	return idx
}

func (w *Worker) scopedContext() (context.Context, context.CancelFunc) {
	return context.WithCancel(w.catacomb.Context(context.Background()))
}
