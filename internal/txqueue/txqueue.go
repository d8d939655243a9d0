// Copyright 2024 Sashimono Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package txqueue provides the ledger-bound action queue: strictly ordered
// processing, bounded retries, a global fee-uplift escalator, and at-most-once
// effective semantics via the validated-transaction check.
package txqueue

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/collections/deque"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/sashimono/agent/internal/ledger"
)

var logger = loggo.GetLogger("sashimono.txqueue")

const (
	// DefaultMaxAttempts bounds retries per action.
	DefaultMaxAttempts = 3

	// lockPoll is the spin interval for the processing lock.
	lockPoll = time.Second
)

// Refs collects the submission refs an action created, so retries can check
// whether an earlier submission already validated. Actions that submit more
// than one transaction take one ref per submission.
type Refs struct {
	refs []*ledger.SubmissionRef
}

// New returns a fresh ref for the action's next submission.
func (r *Refs) New() *ledger.SubmissionRef {
	ref := &ledger.SubmissionRef{}
	r.refs = append(r.refs, ref)
	return ref
}

// LastHash returns the most recently recorded non-empty tx hash.
func (r *Refs) LastHash() string {
	for i := len(r.refs) - 1; i >= 0; i-- {
		if r.refs[i].TxHash != "" {
			return r.refs[i].TxHash
		}
	}
	return ""
}

// Action is a queued ledger-bound callback. It receives the entry's refs and
// the fee uplift to apply to its submissions.
type Action func(ctx context.Context, refs *Refs, feeUplift uint64) error

// TxValidator answers whether a submitted transaction validated successfully.
type TxValidator interface {
	IsTxValidated(ctx context.Context, hash string) (bool, error)
}

// Config holds the queue dependencies.
type Config struct {
	Validator TxValidator
	Clock     clock.Clock
	// MaxExtraFee caps the fee uplift escalation, in drops.
	MaxExtraFee uint64
}

// Validate checks the queue configuration.
func (c Config) Validate() error {
	if c.Validator == nil {
		return errors.NotValidf("nil Validator")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	return nil
}

type entry struct {
	name        string
	action      Action
	refs        *Refs
	attempts    int
	maxAttempts int
	delay       time.Duration
	notBefore   time.Time
}

// Queue is the single-writer ledger action queue. Enqueue may be called from
// any goroutine; Drain processes entries strictly in order under the queue's
// processing lock.
type Queue struct {
	config Config

	mu      sync.Mutex
	busy    bool
	entries *deque.Deque
	uplift  uint64
}

// New builds a Queue.
func New(config Config) (*Queue, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Queue{
		config:  config,
		entries: deque.New(),
	}, nil
}

// Enqueue appends an action with the default retry policy.
func (q *Queue) Enqueue(name string, action Action) {
	q.EnqueueWithRetry(name, DefaultMaxAttempts, 0, action)
}

// EnqueueWithRetry appends an action with an explicit attempt bound and
// inter-attempt delay.
func (q *Queue) EnqueueWithRetry(name string, maxAttempts int, delay time.Duration, action Action) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries.PushBack(&entry{
		name:        name,
		action:      action,
		refs:        &Refs{},
		maxAttempts: maxAttempts,
		delay:       delay,
	})
}

// Len reports the number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.entries.Len()
}

// FeeUplift reports the current escalated uplift; mainly for tests.
func (q *Queue) FeeUplift() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.uplift
}

// acquire takes the processing lock, polling every lockPoll.
func (q *Queue) acquire(ctx context.Context) error {
	for {
		q.mu.Lock()
		if !q.busy {
			q.busy = true
			q.mu.Unlock()
			return nil
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		case <-q.config.Clock.After(lockPoll):
		}
	}
}

func (q *Queue) release() {
	q.mu.Lock()
	q.busy = false
	q.mu.Unlock()
}

// Drain processes queued entries in order until the queue is empty or an
// entry is deferred by its retry delay. A drain that completes without any
// failure resets the fee uplift.
func (q *Queue) Drain(ctx context.Context) error {
	if err := q.acquire(ctx); err != nil {
		return errors.Trace(err)
	}
	defer q.release()

	clean := true
	for {
		q.mu.Lock()
		item, ok := q.entries.PopFront()
		q.mu.Unlock()
		if !ok {
			break
		}
		e := item.(*entry)

		if !e.notBefore.IsZero() && q.config.Clock.Now().Before(e.notBefore) {
			// Not due yet; put it back at the front so ordering holds and
			// let the next drain retry.
			q.mu.Lock()
			q.entries.PushFront(e)
			q.mu.Unlock()
			break
		}

		if e.attempts > 0 {
			if hash := e.refs.LastHash(); hash != "" {
				validated, err := q.config.Validator.IsTxValidated(ctx, hash)
				if err != nil {
					logger.Warningf("checking validation of %q for %q: %v", hash, e.name, err)
				} else if validated {
					logger.Infof("action %q already validated as %q, skipping retry", e.name, hash)
					continue
				}
			}
		}

		err := e.action(ctx, e.refs, q.FeeUplift())
		if err == nil {
			continue
		}
		clean = false
		e.attempts++
		logger.Errorf("action %q attempt %d/%d failed: %v", e.name, e.attempts, e.maxAttempts, err)

		if errors.Is(err, ledger.ErrTookTooLong) {
			q.escalate(e.attempts, e.maxAttempts)
		}
		if e.attempts < e.maxAttempts {
			if e.delay > 0 {
				e.notBefore = q.config.Clock.Now().Add(e.delay)
			}
			q.mu.Lock()
			q.entries.PushBack(e)
			q.mu.Unlock()
			continue
		}
		logger.Errorf("action %q dropped after %d attempts", e.name, e.attempts)
	}

	if clean {
		q.mu.Lock()
		q.uplift = 0
		q.mu.Unlock()
	}
	return nil
}

// escalate raises the uplift for attempt k of n.
func (q *Queue) escalate(attempt, maxAttempts int) {
	uplift := q.config.MaxExtraFee * uint64(attempt) / uint64(maxAttempts)
	q.mu.Lock()
	if uplift > q.uplift {
		q.uplift = uplift
	}
	q.mu.Unlock()
	logger.Warningf("submission took too long, fee uplift now %d drops", uplift)
}
