// Copyright 2024 Sashimono Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package reconciler

import (
	"context"
	"time"

	"github.com/juju/errors"

	"github.com/sashimono/agent/internal/expiry"
	"github.com/sashimono/agent/internal/store"
)

// Expire tears down one expired lease on behalf of the scheduler.
func (w *Reconciler) Expire(ctx context.Context, e expiry.Entry) error {
	if err := w.lockLeases(ctx, time.Time{}); err != nil {
		return errors.Trace(err)
	}
	defer w.unlockLeases()
	return errors.Trace(w.expireLocked(ctx, e))
}

// expireLocked destroys the instance, retires the lease row and returns the
// slot to the market. Callers hold the lease lock.
func (w *Reconciler) expireLocked(ctx context.Context, e expiry.Entry) error {
	logger.Infof("expiring lease %q on %q", e.TxHash, e.ContainerName)
	if err := w.config.Daemon.Destroy(ctx, e.ContainerName); err != nil {
		// The instance may already be gone.
		logger.Warningf("destroying %q: %v", e.ContainerName, err)
	}

	leaseTxHash := ""
	if e.TxHash != "" {
		if err := w.config.Leases.UpdateStatus(ctx, e.TxHash, store.LeaseDestroyed); err != nil {
			logger.Errorf("marking lease %q destroyed: %v", e.TxHash, err)
		} else {
			leaseTxHash = e.TxHash
		}
	}
	w.enqueueRegUpdate(w.decActive())

	token, err := w.config.Ledger.GetURIToken(ctx, e.ContainerName)
	if err != nil {
		return errors.Annotatef(err, "looking up lease token %q for re-offer", e.ContainerName)
	}
	w.reOffer(token, leaseTxHash)
	return nil
}
