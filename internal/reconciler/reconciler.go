// Copyright 2024 Sashimono Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package reconciler keeps the host's instances, the lease store and the
// ledger in agreement. It consumes the ledger event stream (acquire, extend,
// terminate), expires leases on behalf of the scheduler, sweeps orphans, and
// replays missed account transactions on startup.
package reconciler

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/worker/v4/catacomb"

	"github.com/sashimono/agent/internal/config"
	"github.com/sashimono/agent/internal/expiry"
	"github.com/sashimono/agent/internal/halt"
	"github.com/sashimono/agent/internal/ledger"
	"github.com/sashimono/agent/internal/sockproto"
	"github.com/sashimono/agent/internal/store"
	"github.com/sashimono/agent/internal/txqueue"
)

var logger = loggo.GetLogger("sashimono.reconciler")

const (
	// leaseLockPoll is the spin interval for the lease-update lock.
	leaseLockPoll = time.Second

	// acquireLockBudget and acquireCreateBudget are the two acquire-window
	// gates: miss the first waiting for the lease lock, or the second
	// completing the create, and the tenant is assumed to have timed out.
	acquireLockBudget   = 0.4
	acquireCreateBudget = 0.8

	// reasonSashiTimeout is reported to tenants whose acquire missed an
	// acquire-window gate.
	reasonSashiTimeout = "sashi_timeout"
)

// errSashiTimeout marks an acquire that missed an acquire-window gate.
const errSashiTimeout = errors.ConstError("acquire window exceeded")

// DaemonClient is the slice of the instance daemon client the reconciler
// uses.
type DaemonClient interface {
	List(ctx context.Context) ([]sockproto.ListEntry, error)
	Create(ctx context.Context, req sockproto.CreateRequest) (sockproto.InstanceInfo, error)
	Destroy(ctx context.Context, containerName string) error
}

// Config holds the reconciler dependencies.
type Config struct {
	Clock    clock.Clock
	Ledger   ledger.Client
	Daemon   DaemonClient
	Leases   *store.LeaseStore
	Util     *store.UtilStore
	Queue    *txqueue.Queue
	Timeline *expiry.Timeline
	Halt     *halt.Detector
	Agent    *config.AgentConfig

	// PruneInterval is the orphan sweep cadence.
	PruneInterval time.Duration
	// RebateMaxDelay bounds the random delay before a rebate request, so
	// hosts do not stampede the hook after a registration event.
	RebateMaxDelay time.Duration
}

// Validate checks the reconciler configuration.
func (c Config) Validate() error {
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.Ledger == nil {
		return errors.NotValidf("nil Ledger")
	}
	if c.Daemon == nil {
		return errors.NotValidf("nil Daemon")
	}
	if c.Leases == nil {
		return errors.NotValidf("nil Leases")
	}
	if c.Util == nil {
		return errors.NotValidf("nil Util")
	}
	if c.Queue == nil {
		return errors.NotValidf("nil Queue")
	}
	if c.Timeline == nil {
		return errors.NotValidf("nil Timeline")
	}
	if c.Halt == nil {
		return errors.NotValidf("nil Halt")
	}
	if c.Agent == nil {
		return errors.NotValidf("nil Agent")
	}
	if c.PruneInterval <= 0 {
		return errors.NotValidf("non-positive PruneInterval")
	}
	return nil
}

// Reconciler is the message board worker. Event handling is single-threaded;
// the lease-update lock serializes it against the expiry scheduler and the
// pruner. The lock is never held across a queue drain.
type Reconciler struct {
	catacomb catacomb.Catacomb
	config   Config

	events chan any
	fatal  chan error

	mu          sync.Mutex
	leaseBusy   bool
	activeCount int
}

// NewWorker builds and starts a reconciler.
func NewWorker(config Config) (*Reconciler, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	w := &Reconciler{
		config: config,
		events: make(chan any, 64),
		fatal:  make(chan error, 2),
	}
	err := catacomb.Invoke(catacomb.Plan{
		Name: "reconciler",
		Site: &w.catacomb,
		Work: w.loop,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return w, nil
}

// Kill is part of the worker.Worker interface.
func (w *Reconciler) Kill() {
	w.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *Reconciler) Wait() error {
	return w.catacomb.Wait()
}

// ActiveCount reports the cached count of sold instances.
func (w *Reconciler) ActiveCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.activeCount
}

func (w *Reconciler) loop() error {
	ctx, cancel := w.scopedContext()
	defer cancel()

	hub := w.config.Ledger.Events()
	unsubs := []func(){
		hub.Subscribe(ledger.TopicAcquireLease, w.enqueueEvent),
		hub.Subscribe(ledger.TopicExtendLease, w.enqueueEvent),
		hub.Subscribe(ledger.TopicTerminateLease, w.enqueueEvent),
		hub.Subscribe(ledger.TopicHostRegistered, w.enqueueEvent),
		hub.Subscribe(ledger.TopicLedgerTick, w.onTick),
		hub.Subscribe(ledger.TopicDisconnected, w.onFatal),
		hub.Subscribe(ledger.TopicServerDesynced, w.onFatal),
	}
	defer func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}()

	if err := w.startup(ctx); err != nil {
		return errors.Trace(err)
	}

	pruneTimer := w.config.Clock.NewTimer(w.config.PruneInterval)
	defer pruneTimer.Stop()
	for {
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()
		case err := <-w.fatal:
			return errors.Trace(err)
		case ev := <-w.events:
			w.dispatch(ctx, ev)
		case <-pruneTimer.Chan():
			if err := w.prune(ctx); err != nil {
				logger.Errorf("orphan sweep: %v", err)
			}
			w.drain(ctx)
			pruneTimer.Reset(w.config.PruneInterval)
		}
	}
}

func (w *Reconciler) enqueueEvent(_ string, data interface{}) {
	select {
	case w.events <- data:
	default:
		logger.Errorf("event backlog full, dropping %T", data)
	}
}

func (w *Reconciler) onTick(_ string, data interface{}) {
	if _, ok := data.(ledger.TickEvent); ok {
		w.config.Halt.ObserveTick()
	}
}

func (w *Reconciler) onFatal(_ string, data interface{}) {
	err, ok := data.(error)
	if !ok {
		err = errors.Errorf("ledger failure: %v", data)
	}
	select {
	case w.fatal <- err:
	default:
	}
}

func (w *Reconciler) dispatch(ctx context.Context, data any) {
	switch ev := data.(type) {
	case ledger.AcquireEvent:
		if err := w.handleAcquire(ctx, ev); err != nil {
			logger.Errorf("acquire %q: %v", ev.AcquireTxHash, err)
		}
	case ledger.ExtendEvent:
		if err := w.handleExtend(ctx, ev); err != nil {
			logger.Errorf("extend %q: %v", ev.ExtendTxHash, err)
		}
	case ledger.TerminateEvent:
		if err := w.handleTerminate(ctx, ev); err != nil {
			logger.Errorf("terminate %q: %v", ev.TerminateTxHash, err)
		}
	case ledger.HostRegisteredEvent:
		w.scheduleRebate()
	default:
		logger.Warningf("discarding unexpected event %T", data)
		return
	}
	w.drain(ctx)
}

// drain flushes the transaction queue. Callers must not hold the lease lock.
func (w *Reconciler) drain(ctx context.Context) {
	if err := w.config.Queue.Drain(ctx); err != nil {
		logger.Errorf("draining transaction queue: %v", err)
	}
}

// scheduleRebate asks for a registration fee rebate after a random delay, so
// that hosts reacting to the same ledger event spread their submissions.
func (w *Reconciler) scheduleRebate() {
	delay := time.Duration(0)
	if w.config.RebateMaxDelay > 0 {
		delay = time.Duration(rand.Int63n(int64(w.config.RebateMaxDelay)))
	}
	logger.Infof("requesting registration rebate in %v", delay.Round(time.Second))
	go func() {
		select {
		case <-w.catacomb.Dying():
			return
		case <-w.config.Clock.After(delay):
		}
		w.config.Queue.Enqueue("request-rebate", func(ctx context.Context, refs *txqueue.Refs, feeUplift uint64) error {
			return w.config.Ledger.RequestRebate(ctx, refs.New(), feeUplift)
		})
		ctx, cancel := w.scopedContext()
		defer cancel()
		w.drain(ctx)
	}()
}

// lockLeases takes the lease-update lock, spinning until the deadline (zero
// means no deadline). It is not reentrant, and must never be held while
// draining the transaction queue.
func (w *Reconciler) lockLeases(ctx context.Context, deadline time.Time) error {
	for {
		w.mu.Lock()
		if !w.leaseBusy {
			w.leaseBusy = true
			w.mu.Unlock()
			return nil
		}
		w.mu.Unlock()
		if !deadline.IsZero() && !w.config.Clock.Now().Before(deadline) {
			return errSashiTimeout
		}
		select {
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		case <-w.config.Clock.After(leaseLockPoll):
		}
	}
}

func (w *Reconciler) unlockLeases() {
	w.mu.Lock()
	w.leaseBusy = false
	w.mu.Unlock()
}

func (w *Reconciler) incActive() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.activeCount++
	return w.activeCount
}

func (w *Reconciler) decActive() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.activeCount > 0 {
		w.activeCount--
	}
	return w.activeCount
}

func (w *Reconciler) setActive(n int) {
	w.mu.Lock()
	w.activeCount = n
	w.mu.Unlock()
}

func (w *Reconciler) enqueueRegUpdate(count int) {
	w.config.Queue.Enqueue("update-registration", func(ctx context.Context, refs *txqueue.Refs, feeUplift uint64) error {
		return w.config.Ledger.UpdateRegInfo(ctx, count, refs.New(), feeUplift)
	})
}

// startup replays missed transactions, repairs ledger/config inconsistency,
// rebuilds the expiry timeline and sweeps orphans once.
func (w *Reconciler) startup(ctx context.Context) error {
	w.config.Queue.Enqueue("prepare-account", func(ctx context.Context, refs *txqueue.Refs, feeUplift uint64) error {
		return w.config.Ledger.PrepareAccount(ctx, refs.New(), feeUplift)
	})

	if err := w.catchUp(ctx); err != nil {
		return errors.Annotate(err, "catching up missed transactions")
	}
	if err := w.fixInconsistencies(ctx); err != nil {
		return errors.Annotate(err, "fixing ledger inconsistencies")
	}
	if err := w.loadTimeline(ctx); err != nil {
		return errors.Annotate(err, "loading expiry timeline")
	}
	if err := w.prune(ctx); err != nil {
		logger.Errorf("startup orphan sweep: %v", err)
	}
	// Opportunistic rebate of any over-paid registration fee.
	w.config.Queue.Enqueue("request-rebate", func(ctx context.Context, refs *txqueue.Refs, feeUplift uint64) error {
		return w.config.Ledger.RequestRebate(ctx, refs.New(), feeUplift)
	})
	w.drain(ctx)
	return nil
}

// loadTimeline mirrors every sold lease into the expiry timeline and resets
// the cached active count.
func (w *Reconciler) loadTimeline(ctx context.Context) error {
	momentSize, err := w.config.Ledger.GetMomentSize(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	leases, err := w.config.Leases.ListByStatus(ctx, store.LeaseAcquired, store.LeaseExtended)
	if err != nil {
		return errors.Trace(err)
	}
	for _, lease := range leases {
		w.config.Timeline.Add(expiry.Entry{
			TxHash:        lease.TxHash,
			ContainerName: lease.ContainerName,
			Tenant:        lease.TenantAddress,
			ExpiresAt:     time.Unix(lease.Timestamp, 0).Add(time.Duration(lease.LifeMoments*momentSize) * time.Second),
		})
	}
	w.setActive(len(leases))
	return nil
}

func (w *Reconciler) scopedContext() (context.Context, context.CancelFunc) {
	return context.WithCancel(w.catacomb.Context(context.Background()))
}
