// Copyright 2024 Sashimono Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package reconciler

import (
	"context"

	"github.com/juju/errors"

	"github.com/sashimono/agent/internal/ledger"
	"github.com/sashimono/agent/internal/store"
	"github.com/sashimono/agent/internal/txqueue"
)

// reOffer returns a freed lease slot to the market. The token held by the
// tenant is expired (burned back to the host), then a fresh sell offer is
// made at the configured price; the stale lease row is hard-deleted once the
// offer validates. Each step carries its own submission ref so retries stay
// idempotent. leaseTxHash may be empty when no row exists.
func (w *Reconciler) reOffer(token ledger.LeaseToken, leaseTxHash string) {
	w.config.Queue.Enqueue("expire-lease "+token.ID, func(ctx context.Context, refs *txqueue.Refs, feeUplift uint64) error {
		if err := w.config.Ledger.ExpireLease(ctx, token.ID, refs.New(), feeUplift); err != nil {
			return errors.Trace(err)
		}
		if leaseTxHash != "" {
			if err := w.config.Leases.UpdateStatus(ctx, leaseTxHash, store.LeaseBurned); err != nil {
				logger.Errorf("marking lease %q burned: %v", leaseTxHash, err)
			}
		}
		return nil
	})

	index, outboundIP := token.Index, token.OutboundIP
	w.config.Queue.Enqueue("offer-lease "+token.ID, func(ctx context.Context, refs *txqueue.Refs, feeUplift uint64) error {
		// Re-read the hook config so a changed target price is honored.
		hookCfg, err := w.config.Ledger.GetHookConfig(ctx)
		if err != nil {
			return errors.Trace(err)
		}
		amount := w.config.Agent.XRPL.LeaseAmount
		if err := w.config.Ledger.OfferLease(ctx, index, amount, hookCfg.TOSHash, outboundIP, refs.New(), feeUplift); err != nil {
			return errors.Trace(err)
		}
		if leaseTxHash != "" {
			if err := w.config.Leases.Delete(ctx, leaseTxHash); err != nil {
				logger.Errorf("deleting lease row %q: %v", leaseTxHash, err)
			}
		}
		return nil
	})
}
