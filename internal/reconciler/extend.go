// Copyright 2024 Sashimono Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package reconciler

import (
	"context"
	"math"
	"time"

	"github.com/juju/errors"

	"github.com/sashimono/agent/internal/ledger"
	"github.com/sashimono/agent/internal/store"
	"github.com/sashimono/agent/internal/txqueue"
)

// handleExtend pushes a sold lease's expiry forward by the whole number of
// moments the payment covers.
func (w *Reconciler) handleExtend(ctx context.Context, ev ledger.ExtendEvent) error {
	token, err := w.config.Ledger.GetURIToken(ctx, ev.LeaseTokenID)
	if err != nil {
		w.enqueueExtendError(ev, "instance_error")
		return errors.Annotatef(err, "looking up lease token %q", ev.LeaseTokenID)
	}
	if token.Owner != ev.Tenant {
		w.enqueueExtendError(ev, "instance_error")
		return errors.Errorf("lease token %q owned by %q, not tenant %q", token.ID, token.Owner, ev.Tenant)
	}
	moments, ok := wholeMoments(ev.Payment, token.Amount)
	if !ok {
		w.enqueueExtendError(ev, "invalid_amount")
		return errors.Errorf("extend %q paid %v, not a whole multiple of %v", ev.ExtendTxHash, ev.Payment, token.Amount)
	}

	lease, err := w.config.Leases.GetByContainer(ctx, ev.LeaseTokenID)
	if err != nil || !lease.Status.Active() {
		w.enqueueExtendError(ev, "no_container")
		return errors.Annotatef(err, "no active lease on %q", ev.LeaseTokenID)
	}

	momentSize, err := w.config.Ledger.GetMomentSize(ctx)
	if err != nil {
		w.enqueueExtendError(ev, "conf_read_error")
		return errors.Trace(err)
	}
	entry, ok := w.config.Timeline.Extend(ev.LeaseTokenID, time.Duration(moments*momentSize)*time.Second)
	if !ok {
		w.enqueueExtendError(ev, "no_container")
		return errors.Errorf("no expiry entry for %q", ev.LeaseTokenID)
	}

	lease.Status = store.LeaseExtended
	lease.LifeMoments += moments
	if err := w.config.Leases.Update(ctx, lease); err != nil {
		w.enqueueExtendError(ev, "db_write_error")
		return errors.Trace(err)
	}

	expiryIdx := uint64(entry.ExpiresAt.Unix())
	expiryMoment, err := w.config.Ledger.GetMoment(ctx, &expiryIdx)
	if err != nil {
		logger.Warningf("computing expiry moment for %q: %v", ev.LeaseTokenID, err)
	}
	w.config.Queue.Enqueue("extend-success "+ev.ExtendTxHash, func(ctx context.Context, refs *txqueue.Refs, feeUplift uint64) error {
		return w.config.Ledger.ExtendSuccess(ctx, ev.ExtendTxHash, ev.Tenant, expiryMoment, refs.New(), feeUplift)
	})
	logger.Infof("extended lease on %q by %d moments", ev.LeaseTokenID, moments)
	return nil
}

// wholeMoments converts a payment into lease periods; the payment must be a
// whole multiple >= 1 of the per-moment amount. The comparison tolerates the
// float drift of amounts with no exact binary form, so paying for N moments
// of a 0.3 lease is never truncated to N-1.
func wholeMoments(payment, amount float64) (uint64, bool) {
	if amount <= 0 {
		return 0, false
	}
	n := payment / amount
	moments := math.Round(n)
	if moments < 1 || math.Abs(n-moments) > 1e-9*moments {
		return 0, false
	}
	return uint64(moments), true
}

func (w *Reconciler) enqueueExtendError(ev ledger.ExtendEvent, reason string) {
	w.config.Queue.Enqueue("extend-error "+ev.ExtendTxHash, func(ctx context.Context, refs *txqueue.Refs, feeUplift uint64) error {
		return w.config.Ledger.ExtendError(ctx, ev.ExtendTxHash, ev.Tenant, reason, ev.Payment, refs.New(), feeUplift)
	})
}

// handleTerminate runs early expiration for a tenant-requested teardown.
// While the ledger is halted the entry is instead made due immediately, so
// the scheduler processes it once the halt clears.
func (w *Reconciler) handleTerminate(ctx context.Context, ev ledger.TerminateEvent) error {
	token, err := w.config.Ledger.GetURIToken(ctx, ev.LeaseTokenID)
	if err != nil {
		return errors.Annotatef(err, "looking up lease token %q", ev.LeaseTokenID)
	}
	if token.Owner != ev.Tenant {
		return errors.Errorf("lease token %q owned by %q, not tenant %q", token.ID, token.Owner, ev.Tenant)
	}
	entry, ok := w.config.Timeline.Get(ev.LeaseTokenID)
	if !ok {
		return errors.Errorf("no expiry entry for %q", ev.LeaseTokenID)
	}

	if w.config.Halt.IsHalted() {
		logger.Warningf("ledger halted, deferring termination of %q", ev.LeaseTokenID)
		w.config.Timeline.Remove(ev.LeaseTokenID)
		entry.ExpiresAt = w.config.Clock.Now()
		w.config.Timeline.Add(entry)
		return nil
	}

	w.config.Timeline.Remove(ev.LeaseTokenID)
	if err := w.lockLeases(ctx, time.Time{}); err != nil {
		return errors.Trace(err)
	}
	defer w.unlockLeases()
	return errors.Trace(w.expireLocked(ctx, entry))
}
