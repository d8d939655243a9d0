// Copyright 2024 Sashimono Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package reconciler

import (
	"context"
	"sort"

	"github.com/juju/collections/set"
	"github.com/juju/errors"

	"github.com/sashimono/agent/internal/store"
	"github.com/sashimono/agent/internal/txqueue"
)

// fixInconsistencies reconciles config and ledger after catch-up: the
// configured lease amount yields to the on-ledger offers, the number of
// offered slots is trimmed or topped up to the configured instance count,
// and host-held tokens without a sell offer are put back on the market.
func (w *Reconciler) fixInconsistencies(ctx context.Context) error {
	offers, err := w.config.Ledger.GetLeaseOffers(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	unoffered, err := w.config.Ledger.GetUnofferedLeases(ctx)
	if err != nil {
		return errors.Trace(err)
	}

	// Offers already on the ledger are the authoritative price.
	for _, offer := range offers {
		if offer.Amount == w.config.Agent.XRPL.LeaseAmount {
			continue
		}
		logger.Warningf("configured lease amount %v yields to on-ledger %v",
			w.config.Agent.XRPL.LeaseAmount, offer.Amount)
		w.config.Agent.XRPL.LeaseAmount = offer.Amount
		if err := w.config.Agent.Write(); err != nil {
			return errors.Annotate(err, "persisting lease amount")
		}
		break
	}

	sold, err := w.config.Leases.ListByStatus(ctx, store.LeaseAcquired, store.LeaseExtended)
	if err != nil {
		return errors.Trace(err)
	}
	total := w.config.Agent.System.MaxInstanceCount

	if len(sold)+len(offers) > total {
		// Too many slots on the market: burn the highest-indexed unsold
		// ones down to the target.
		excess := len(sold) + len(offers) - total
		sort.Slice(offers, func(i, j int) bool { return offers[i].Index > offers[j].Index })
		for _, offer := range offers[:min(excess, len(offers))] {
			tokenID := offer.ID
			logger.Warningf("burning excess lease slot %d (%s)", offer.Index, tokenID)
			w.config.Queue.Enqueue("burn-lease "+tokenID, func(ctx context.Context, refs *txqueue.Refs, feeUplift uint64) error {
				return w.config.Ledger.BurnLease(ctx, tokenID, refs.New(), feeUplift)
			})
		}
	} else if len(sold)+len(offers)+len(unoffered) < total {
		// Too few: mint offers for the vacant slot indices.
		held := set.NewInts()
		for _, t := range offers {
			held.Add(int(t.Index))
		}
		for _, t := range unoffered {
			held.Add(int(t.Index))
		}
		for _, lease := range sold {
			if t, err := w.config.Ledger.GetURIToken(ctx, lease.ContainerName); err == nil {
				held.Add(int(t.Index))
			}
		}
		hookCfg, err := w.config.Ledger.GetHookConfig(ctx)
		if err != nil {
			return errors.Trace(err)
		}
		for index := 0; index < total; index++ {
			if held.Contains(index) {
				continue
			}
			idx := uint32(index)
			logger.Infof("minting lease slot %d", idx)
			w.config.Queue.Enqueue("mint-lease", func(ctx context.Context, refs *txqueue.Refs, feeUplift uint64) error {
				return w.config.Ledger.OfferMintedLease(ctx, idx, w.config.Agent.XRPL.LeaseAmount,
					hookCfg.TOSHash, "", refs.New(), feeUplift)
			})
		}
	}

	// Host-held tokens with no sell offer are dead slots; re-offer the
	// ones whose embedded amount matches the configured price.
	if len(unoffered) > 0 {
		hookCfg, err := w.config.Ledger.GetHookConfig(ctx)
		if err != nil {
			return errors.Trace(err)
		}
		for _, token := range unoffered {
			if token.Amount != w.config.Agent.XRPL.LeaseAmount {
				logger.Warningf("not offering token %q: embedded amount %v differs from configured %v",
					token.ID, token.Amount, w.config.Agent.XRPL.LeaseAmount)
				continue
			}
			t := token
			w.config.Queue.Enqueue("offer-lease "+t.ID, func(ctx context.Context, refs *txqueue.Refs, feeUplift uint64) error {
				return w.config.Ledger.OfferLease(ctx, t.Index, t.Amount, hookCfg.TOSHash, t.OutboundIP, refs.New(), feeUplift)
			})
		}
	}
	return nil
}
