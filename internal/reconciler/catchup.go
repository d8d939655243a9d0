// Copyright 2024 Sashimono Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package reconciler

import (
	"context"
	"time"

	"github.com/juju/errors"

	"github.com/sashimono/agent/internal/ledger"
	"github.com/sashimono/agent/internal/store"
)

// catchUp replays account transactions missed while the agent was down,
// from the persisted watermark forward. Replay is conservative: acquires
// that never got an instance are refunded and re-offered, extends are
// refunded, terminates run the normal expiration path. Transactions the
// host already answered on-ledger are skipped.
func (w *Reconciler) catchUp(ctx context.Context) error {
	from, ok, err := w.config.Util.LastWatchedLedger(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	if !ok {
		// First run: start watching from here on.
		return nil
	}
	txs, err := w.config.Ledger.GetAccountTransactions(ctx, from)
	if err != nil {
		return errors.Trace(err)
	}
	for _, tx := range txs {
		if err := w.config.Util.SetLastWatchedLedger(ctx, tx.LedgerIndex); err != nil {
			return errors.Trace(err)
		}
		if answered(txs, tx.Hash) {
			logger.Debugf("catch-up: %q already answered", tx.Hash)
			continue
		}
		switch tx.Kind {
		case ledger.TxAcquire:
			if err := w.catchUpAcquire(ctx, tx); err != nil {
				logger.Errorf("catch-up acquire %q: %v", tx.Hash, err)
			}
		case ledger.TxExtend:
			if err := w.catchUpExtend(ctx, tx); err != nil {
				logger.Errorf("catch-up extend %q: %v", tx.Hash, err)
			}
		case ledger.TxTerminate:
			if err := w.catchUpTerminate(ctx, tx); err != nil {
				logger.Errorf("catch-up terminate %q: %v", tx.Hash, err)
			}
		}
	}
	return nil
}

// answered reports whether a later transaction in the result set references
// hash as the request it responds to.
func answered(txs []ledger.Transaction, hash string) bool {
	for _, tx := range txs {
		if tx.RefTxHash != hash {
			continue
		}
		switch tx.Kind {
		case ledger.TxAcquireSuccess, ledger.TxAcquireError,
			ledger.TxExtendSuccess, ledger.TxExtendError, ledger.TxRefund:
			return true
		}
	}
	return false
}

// catchUpAcquire frees and refunds an acquire that never produced an
// instance. Acquires with a lease row were handled before shutdown.
func (w *Reconciler) catchUpAcquire(ctx context.Context, tx ledger.Transaction) error {
	if _, err := w.config.Leases.Get(ctx, tx.Hash); err == nil {
		return nil
	} else if !errors.Is(err, errors.NotFound) {
		return errors.Trace(err)
	}
	token, err := w.config.Ledger.GetURIToken(ctx, tx.TokenID)
	if err != nil {
		return errors.Trace(err)
	}
	if token.Owner != tx.Tenant {
		return nil
	}
	logger.Infof("catch-up: refunding unserved acquire %q", tx.Hash)
	w.enqueueRefund(tx.Hash, tx.Tenant, tx.Amount)
	w.reOffer(token, "")
	return nil
}

// catchUpExtend refunds an extension paid while the agent was down. The
// expiry timeline is not adjusted; the tenant gets their payment back
// instead of an extension the host never acknowledged.
func (w *Reconciler) catchUpExtend(ctx context.Context, tx ledger.Transaction) error {
	lease, err := w.config.Leases.GetByContainer(ctx, tx.TokenID)
	if err != nil {
		if errors.Is(err, errors.NotFound) {
			return nil
		}
		return errors.Trace(err)
	}
	if lease.Status != store.LeaseAcquired && lease.Status != store.LeaseExtended {
		return nil
	}
	logger.Infof("catch-up: refunding unserved extend %q", tx.Hash)
	w.enqueueRefund(tx.Hash, tx.Tenant, tx.Amount)
	return nil
}

func (w *Reconciler) catchUpTerminate(ctx context.Context, tx ledger.Transaction) error {
	lease, err := w.config.Leases.GetByContainer(ctx, tx.TokenID)
	if err != nil && !errors.Is(err, errors.NotFound) {
		return errors.Trace(err)
	}
	if err == nil && lease.Status.Active() {
		entry, ok := w.config.Timeline.Get(tx.TokenID)
		if !ok {
			entry.TxHash = lease.TxHash
			entry.ContainerName = lease.ContainerName
			entry.Tenant = lease.TenantAddress
		} else {
			w.config.Timeline.Remove(tx.TokenID)
		}
		if err := w.lockLeases(ctx, time.Time{}); err != nil {
			return errors.Trace(err)
		}
		defer w.unlockLeases()
		return errors.Trace(w.expireLocked(ctx, entry))
	}

	token, err := w.config.Ledger.GetURIToken(ctx, tx.TokenID)
	if err != nil {
		return errors.Trace(err)
	}
	if token.Owner == tx.Tenant {
		logger.Infof("catch-up: re-offering terminated lease %q", tx.TokenID)
		w.reOffer(token, "")
	}
	return nil
}
