// Copyright 2024 Sashimono Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package reconciler

import (
	"context"
	"regexp"
	"time"

	"github.com/juju/errors"

	"github.com/sashimono/agent/internal/store"
)

// leaseTokenNamePattern matches container names that are lease token ids,
// 64 hex chars. Instances named this way with no lease row are leftovers of
// an interrupted acquire.
var leaseTokenNamePattern = regexp.MustCompile(`^[0-9A-Fa-f]{64}$`)

// orphanAgeFactor scales the acquire window into the orphan age cutoff:
// anything older than two windows at the 80% gate can no longer be a live
// acquire in flight.
const orphanAgeFactor = 2 * acquireCreateBudget

// prune sweeps instances and lease rows that no longer correspond to a sold
// slot: interrupted acquires, terminal rows left behind by crashes, and
// tokens that returned to the host without a matching teardown.
func (w *Reconciler) prune(ctx context.Context) error {
	if err := w.lockLeases(ctx, time.Time{}); err != nil {
		return errors.Trace(err)
	}
	defer w.unlockLeases()

	hookCfg, err := w.config.Ledger.GetHookConfig(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	cutoff := time.Duration(float64(hookCfg.AcquireWindowSecs)*orphanAgeFactor) * time.Second
	now := w.config.Clock.Now()

	instances, err := w.config.Daemon.List(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	alive := make(map[string]bool, len(instances))
	for _, inst := range instances {
		alive[inst.ContainerName] = true
	}

	for _, inst := range instances {
		orphan, lease, err := w.isOrphanInstance(ctx, inst.ContainerName, inst.CreatedTS, now, cutoff)
		if err != nil {
			logger.Errorf("checking instance %q: %v", inst.ContainerName, err)
			continue
		}
		if !orphan {
			continue
		}
		logger.Warningf("pruning orphan instance %q", inst.ContainerName)
		if err := w.config.Daemon.Destroy(ctx, inst.ContainerName); err != nil {
			logger.Errorf("destroying orphan %q: %v", inst.ContainerName, err)
			continue
		}
		w.retireOrphanLease(ctx, inst.ContainerName, lease)
	}

	leases, err := w.config.Leases.List(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	for _, lease := range leases {
		if alive[lease.ContainerName] {
			continue
		}
		terminal := lease.Status == store.LeaseDestroyed || lease.Status == store.LeaseBurned
		old := now.Sub(time.Unix(lease.Timestamp, 0)) > cutoff
		if !terminal && !old {
			continue
		}
		logger.Warningf("pruning orphan lease %q (%s)", lease.TxHash, lease.Status)
		l := lease
		w.retireOrphanLease(ctx, lease.ContainerName, &l)
	}

	// Recount after the sweep; drift means a missed registry update.
	sold, err := w.config.Leases.ListByStatus(ctx, store.LeaseAcquired, store.LeaseExtended)
	if err != nil {
		return errors.Trace(err)
	}
	if len(sold) != w.ActiveCount() {
		logger.Warningf("active count drifted: cached %d, stored %d", w.ActiveCount(), len(sold))
		w.setActive(len(sold))
		w.enqueueRegUpdate(len(sold))
	}
	return nil
}

// isOrphanInstance decides whether an instance is a leftover. It returns the
// lease row when one exists.
func (w *Reconciler) isOrphanInstance(ctx context.Context, containerName string, createdTS int64, now time.Time, cutoff time.Duration) (bool, *store.Lease, error) {
	lease, err := w.config.Leases.GetByContainer(ctx, containerName)
	haveLease := err == nil
	if err != nil && !errors.Is(err, errors.NotFound) {
		return false, nil, errors.Trace(err)
	}

	age := now.Sub(time.Unix(createdTS, 0))
	if haveLease {
		age = now.Sub(time.Unix(lease.Timestamp, 0))
	} else if createdTS == 0 {
		// No record of when it appeared; treat as past the cutoff.
		age = cutoff + time.Second
	}
	if age <= cutoff {
		return false, nil, nil
	}

	if haveLease {
		if lease.Status == store.LeaseAcquiring || lease.Status == store.LeaseDestroyed {
			return true, &lease, nil
		}
	} else if leaseTokenNamePattern.MatchString(containerName) {
		return true, nil, nil
	}

	// A sold instance whose token came back to the host has no tenant
	// anymore.
	token, err := w.config.Ledger.GetURIToken(ctx, containerName)
	if err != nil {
		return false, nil, nil
	}
	if token.Owner == w.config.Ledger.Address() {
		if haveLease {
			return true, &lease, nil
		}
		return true, nil, nil
	}
	return false, nil, nil
}

// retireOrphanLease marks the row destroyed and re-offers the slot. A tenant
// whose acquire never completed gets their payment back.
func (w *Reconciler) retireOrphanLease(ctx context.Context, containerName string, lease *store.Lease) {
	token, err := w.config.Ledger.GetURIToken(ctx, containerName)
	if err != nil {
		logger.Errorf("looking up token %q: %v", containerName, err)
		return
	}

	leaseTxHash := ""
	if lease != nil {
		wasAcquiring := lease.Status == store.LeaseAcquiring
		if err := w.config.Leases.UpdateStatus(ctx, lease.TxHash, store.LeaseDestroyed); err != nil {
			logger.Errorf("marking lease %q destroyed: %v", lease.TxHash, err)
		}
		leaseTxHash = lease.TxHash
		if wasAcquiring && token.Owner == lease.TenantAddress {
			w.enqueueRefund(lease.TxHash, lease.TenantAddress, token.Amount)
		}
	}
	w.reOffer(token, leaseTxHash)
}
