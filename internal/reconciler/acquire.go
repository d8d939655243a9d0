// Copyright 2024 Sashimono Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package reconciler

import (
	"context"
	"time"

	"github.com/juju/errors"

	"github.com/sashimono/agent/internal/expiry"
	"github.com/sashimono/agent/internal/ledger"
	"github.com/sashimono/agent/internal/sockproto"
	"github.com/sashimono/agent/internal/store"
	"github.com/sashimono/agent/internal/txqueue"
)

// handleAcquire runs the acquire state machine: validate the payment against
// the lease token, create the instance within the acquire-window budgets, and
// answer the tenant with acquireSuccess or acquireError.
func (w *Reconciler) handleAcquire(ctx context.Context, ev ledger.AcquireEvent) error {
	started := w.config.Clock.Now()

	if ev.Host != "" && ev.Host != w.config.Ledger.Address() {
		logger.Debugf("ignoring acquire %q for host %q", ev.AcquireTxHash, ev.Host)
		return nil
	}
	token, err := w.config.Ledger.GetURIToken(ctx, ev.LeaseTokenID)
	if err != nil {
		w.enqueueAcquireError(ev, "instance_error")
		return errors.Annotatef(err, "looking up lease token %q", ev.LeaseTokenID)
	}
	if token.Owner != ev.Tenant {
		w.enqueueRefund(ev.AcquireTxHash, ev.Tenant, ev.LeaseAmount)
		w.enqueueAcquireError(ev, "instance_error")
		return errors.Errorf("lease token %q owned by %q, not tenant %q", token.ID, token.Owner, ev.Tenant)
	}
	if token.Amount != ev.LeaseAmount {
		w.enqueueRefund(ev.AcquireTxHash, ev.Tenant, ev.LeaseAmount)
		w.enqueueAcquireError(ev, "instance_error")
		return errors.Errorf("acquire %q paid %v for a %v lease", ev.AcquireTxHash, ev.LeaseAmount, token.Amount)
	}

	lease := store.Lease{
		TxHash:          ev.AcquireTxHash,
		TenantAddress:   ev.Tenant,
		ContainerName:   ev.LeaseTokenID,
		LifeMoments:     1,
		Timestamp:       started.Unix(),
		CreatedOnLedger: ev.LedgerIndex,
		Status:          store.LeaseAcquiring,
	}
	if err := w.config.Leases.Insert(ctx, lease); err != nil {
		w.enqueueAcquireError(ev, "db_write_error")
		return errors.Trace(err)
	}

	hookCfg, err := w.config.Ledger.GetHookConfig(ctx)
	if err != nil {
		return w.failAcquire(ctx, ev, token, lease, "conf_read_error", errors.Trace(err))
	}
	window := time.Duration(hookCfg.AcquireWindowSecs) * time.Second

	// Gate one: the daemon must come free within 40% of the window.
	lockDeadline := started.Add(time.Duration(float64(window) * acquireLockBudget))
	if err := w.lockLeases(ctx, lockDeadline); err != nil {
		if errors.Is(err, errSashiTimeout) {
			return w.timeoutAcquire(ctx, ev, token, lease, false)
		}
		return errors.Trace(err)
	}
	defer w.unlockLeases()

	info, err := w.config.Daemon.Create(ctx, sockproto.CreateRequest{
		ContainerName:        ev.LeaseTokenID,
		OwnerPubKey:          ev.OwnerPubKey,
		ContractID:           ev.ContractID,
		Image:                ev.Image,
		OutboundIPv6:         token.OutboundIP,
		OutboundNetInterface: w.outboundInterface(token),
		Config:               ev.Config,
	})
	if err != nil {
		reason := string(sockproto.KindOf(err))
		return w.failAcquire(ctx, ev, token, lease, reason, errors.Trace(err))
	}

	// Gate two: a create that lands beyond 80% of the window is too late
	// for the tenant, who may already have been refunded by the hook.
	if w.config.Clock.Now().After(started.Add(time.Duration(float64(window) * acquireCreateBudget))) {
		return w.timeoutAcquire(ctx, ev, token, lease, true)
	}

	momentSize, err := w.config.Ledger.GetMomentSize(ctx)
	if err != nil {
		return w.failAcquire(ctx, ev, token, lease, "instance_error", errors.Trace(err))
	}
	w.config.Timeline.Add(expiry.Entry{
		TxHash:        ev.AcquireTxHash,
		ContainerName: ev.LeaseTokenID,
		Tenant:        ev.Tenant,
		ExpiresAt:     started.Add(time.Duration(lease.LifeMoments*momentSize) * time.Second),
	})

	w.enqueueRegUpdate(w.incActive())
	details := ledger.InstanceDetails{
		Name:       info.ContainerName,
		IP:         info.IP,
		PubKey:     info.PubKey,
		ContractID: info.ContractID,
		PeerPort:   info.PeerPort,
		UserPort:   info.UserPort,
		GPTCPPort:  info.GPTCPPortStart,
		GPUDPPort:  info.GPUDPPortStart,
		Domain:     w.config.Agent.HP.HostAddress,
	}
	w.config.Queue.Enqueue("acquire-success "+ev.AcquireTxHash, func(ctx context.Context, refs *txqueue.Refs, feeUplift uint64) error {
		return w.config.Ledger.AcquireSuccess(ctx, ev.AcquireTxHash, ev.Tenant, details, refs.New(), feeUplift)
	})

	lease.Status = store.LeaseAcquired
	lease.Timestamp = started.Unix()
	if err := w.config.Leases.Update(ctx, lease); err != nil {
		return errors.Trace(err)
	}
	logger.Infof("acquired lease %q for %q on %q", ev.AcquireTxHash, ev.Tenant, ev.LeaseTokenID)
	return nil
}

// timeoutAcquire frees the slot after a missed window gate. created says
// whether an instance exists and must be torn down first.
func (w *Reconciler) timeoutAcquire(ctx context.Context, ev ledger.AcquireEvent, token ledger.LeaseToken, lease store.Lease, created bool) error {
	if created {
		if err := w.config.Daemon.Destroy(ctx, ev.LeaseTokenID); err != nil {
			logger.Errorf("destroying late instance %q: %v", ev.LeaseTokenID, err)
		}
	}
	if err := w.config.Leases.UpdateStatus(ctx, lease.TxHash, store.LeaseSashiTimeout); err != nil {
		logger.Errorf("marking lease %q timed out: %v", lease.TxHash, err)
	}
	w.reOffer(token, lease.TxHash)
	w.enqueueAcquireError(ev, reasonSashiTimeout)
	return errors.Annotatef(errSashiTimeout, "acquire %q", ev.AcquireTxHash)
}

// failAcquire rolls back a failed acquire: the lease is marked Failed, any
// instance is destroyed, the slot is re-offered and the tenant is told why.
func (w *Reconciler) failAcquire(ctx context.Context, ev ledger.AcquireEvent, token ledger.LeaseToken, lease store.Lease, reason string, cause error) error {
	if err := w.config.Leases.UpdateStatus(ctx, lease.TxHash, store.LeaseFailed); err != nil {
		logger.Errorf("marking lease %q failed: %v", lease.TxHash, err)
	}
	if err := w.config.Daemon.Destroy(ctx, ev.LeaseTokenID); err != nil {
		logger.Debugf("destroying instance %q: %v", ev.LeaseTokenID, err)
	}
	w.reOffer(token, lease.TxHash)
	w.enqueueAcquireError(ev, reason)
	return errors.Trace(cause)
}

func (w *Reconciler) enqueueAcquireError(ev ledger.AcquireEvent, reason string) {
	w.config.Queue.Enqueue("acquire-error "+ev.AcquireTxHash, func(ctx context.Context, refs *txqueue.Refs, feeUplift uint64) error {
		return w.config.Ledger.AcquireError(ctx, ev.AcquireTxHash, ev.Tenant, ev.LeaseAmount, reason, refs.New(), feeUplift)
	})
}

func (w *Reconciler) enqueueRefund(refTxHash, tenant string, amount float64) {
	w.config.Queue.Enqueue("refund "+refTxHash, func(ctx context.Context, refs *txqueue.Refs, feeUplift uint64) error {
		return w.config.Ledger.RefundTenant(ctx, refTxHash, tenant, amount, refs.New(), feeUplift)
	})
}

// outboundInterface names the interface an instance with a dedicated
// outbound address binds to.
func (w *Reconciler) outboundInterface(token ledger.LeaseToken) string {
	if token.OutboundIP == "" {
		return ""
	}
	return w.config.Agent.Networking.IPv6.Interface
}
