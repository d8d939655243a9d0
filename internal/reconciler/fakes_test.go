// Copyright 2024 Sashimono Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package reconciler_test

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/juju/pubsub/v2"

	"github.com/sashimono/agent/internal/ledger"
	"github.com/sashimono/agent/internal/sockproto"
)

// fakeLedger is an in-memory ledger.Client. Submissions are recorded as
// formatted call strings; queries serve fixture data.
type fakeLedger struct {
	mu sync.Mutex

	hub        *pubsub.SimpleHub
	address    string
	momentSize uint64
	hookCfg    ledger.HookConfig
	reg        ledger.Registration
	tokens     map[string]ledger.LeaseToken
	offers     []ledger.LeaseToken
	unoffered  []ledger.LeaseToken
	txs        []ledger.Transaction

	nextSub int
	calls   []string
}

func newFakeLedger(hub *pubsub.SimpleHub) *fakeLedger {
	return &fakeLedger{
		hub:        hub,
		address:    "rHOST",
		momentSize: 3600,
		hookCfg: ledger.HookConfig{
			AcquireWindowSecs:    10,
			PurchaserTargetPrice: 2,
			TOSHash:              "TOS",
		},
		tokens: make(map[string]ledger.LeaseToken),
	}
}

func (l *fakeLedger) submit(ref *ledger.SubmissionRef, format string, args ...any) {
	l.mu.Lock()
	l.nextSub++
	ref.TxHash = fmt.Sprintf("SUB%d", l.nextSub)
	l.calls = append(l.calls, fmt.Sprintf(format, args...))
	l.mu.Unlock()
}

func (l *fakeLedger) recorded() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (l *fakeLedger) reset() {
	l.mu.Lock()
	l.calls = nil
	l.mu.Unlock()
}

func (l *fakeLedger) hasCall(substr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, call := range l.calls {
		if strings.Contains(call, substr) {
			return true
		}
	}
	return false
}

func (l *fakeLedger) setToken(t ledger.LeaseToken) {
	l.mu.Lock()
	l.tokens[t.ID] = t
	l.mu.Unlock()
}

func (l *fakeLedger) Connect(ctx context.Context) error { return nil }
func (l *fakeLedger) Close() error                      { return nil }
func (l *fakeLedger) Address() string                   { return l.address }
func (l *fakeLedger) Events() *pubsub.SimpleHub         { return l.hub }

func (l *fakeLedger) GetRegistration(ctx context.Context) (ledger.Registration, error) {
	return l.reg, nil
}

func (l *fakeLedger) GetMomentSize(ctx context.Context) (uint64, error) {
	return l.momentSize, nil
}

func (l *fakeLedger) GetMoment(ctx context.Context, idx *uint64) (uint64, error) {
	if idx == nil {
		return 0, nil
	}
	return *idx / l.momentSize, nil
}

func (l *fakeLedger) GetMomentStartIndex(ctx context.Context) (uint64, error) {
	return 0, nil
}

func (l *fakeLedger) GetHookConfig(ctx context.Context) (ledger.HookConfig, error) {
	return l.hookCfg, nil
}

func (l *fakeLedger) GetLeaseByIndex(ctx context.Context, index uint32) (ledger.LeaseToken, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, t := range l.tokens {
		if t.Index == index {
			return t, nil
		}
	}
	return ledger.LeaseToken{}, fmt.Errorf("no lease with index %d", index)
}

func (l *fakeLedger) GetLeaseOffers(ctx context.Context) ([]ledger.LeaseToken, error) {
	return append([]ledger.LeaseToken(nil), l.offers...), nil
}

func (l *fakeLedger) GetUnofferedLeases(ctx context.Context) ([]ledger.LeaseToken, error) {
	return append([]ledger.LeaseToken(nil), l.unoffered...), nil
}

func (l *fakeLedger) GetURIToken(ctx context.Context, tokenID string) (ledger.LeaseToken, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.tokens[tokenID]
	if !ok {
		return ledger.LeaseToken{}, fmt.Errorf("no token %q", tokenID)
	}
	return t, nil
}

func (l *fakeLedger) GetAccountTransactions(ctx context.Context, fromLedger uint64) ([]ledger.Transaction, error) {
	return append([]ledger.Transaction(nil), l.txs...), nil
}

func (l *fakeLedger) IsTxValidated(ctx context.Context, hash string) (bool, error) {
	return false, nil
}

func (l *fakeLedger) UpdateRegInfo(ctx context.Context, activeCount int, ref *ledger.SubmissionRef, feeUplift uint64) error {
	l.submit(ref, "updateRegInfo %d", activeCount)
	return nil
}

func (l *fakeLedger) OfferLease(ctx context.Context, index uint32, amount float64, tosHash, outboundIP string, ref *ledger.SubmissionRef, feeUplift uint64) error {
	l.submit(ref, "offerLease %d %v", index, amount)
	return nil
}

func (l *fakeLedger) OfferMintedLease(ctx context.Context, index uint32, amount float64, tosHash, outboundIP string, ref *ledger.SubmissionRef, feeUplift uint64) error {
	l.submit(ref, "offerMintedLease %d %v", index, amount)
	return nil
}

func (l *fakeLedger) ExpireLease(ctx context.Context, tokenID string, ref *ledger.SubmissionRef, feeUplift uint64) error {
	l.submit(ref, "expireLease %s", tokenID)
	return nil
}

func (l *fakeLedger) BurnLease(ctx context.Context, tokenID string, ref *ledger.SubmissionRef, feeUplift uint64) error {
	l.submit(ref, "burnLease %s", tokenID)
	return nil
}

func (l *fakeLedger) PrepareAccount(ctx context.Context, ref *ledger.SubmissionRef, feeUplift uint64) error {
	l.submit(ref, "prepareAccount")
	return nil
}

func (l *fakeLedger) RequestRebate(ctx context.Context, ref *ledger.SubmissionRef, feeUplift uint64) error {
	l.submit(ref, "requestRebate")
	return nil
}

func (l *fakeLedger) AcquireSuccess(ctx context.Context, acquireTxHash, tenant string, details ledger.InstanceDetails, ref *ledger.SubmissionRef, feeUplift uint64) error {
	l.submit(ref, "acquireSuccess %s %s %s", acquireTxHash, tenant, details.Name)
	return nil
}

func (l *fakeLedger) AcquireError(ctx context.Context, acquireTxHash, tenant string, amount float64, reason string, ref *ledger.SubmissionRef, feeUplift uint64) error {
	l.submit(ref, "acquireError %s %s", acquireTxHash, reason)
	return nil
}

func (l *fakeLedger) ExtendSuccess(ctx context.Context, extendTxHash, tenant string, expiryMoment uint64, ref *ledger.SubmissionRef, feeUplift uint64) error {
	l.submit(ref, "extendSuccess %s %d", extendTxHash, expiryMoment)
	return nil
}

func (l *fakeLedger) ExtendError(ctx context.Context, extendTxHash, tenant string, reason string, amount float64, ref *ledger.SubmissionRef, feeUplift uint64) error {
	l.submit(ref, "extendError %s %s", extendTxHash, reason)
	return nil
}

func (l *fakeLedger) RefundTenant(ctx context.Context, refTxHash, tenant string, amount float64, ref *ledger.SubmissionRef, feeUplift uint64) error {
	l.submit(ref, "refundTenant %s %s %v", refTxHash, tenant, amount)
	return nil
}

func (l *fakeLedger) Heartbeat(ctx context.Context, vote *ledger.GovernanceVote, ref *ledger.SubmissionRef, feeUplift uint64) error {
	l.submit(ref, "heartbeat")
	return nil
}

// fakeDaemon is an in-memory instance daemon.
type fakeDaemon struct {
	mu sync.Mutex

	failCreate error
	created    []sockproto.CreateRequest
	destroyed  []string
	instances  map[string]sockproto.ListEntry
}

func newFakeDaemon() *fakeDaemon {
	return &fakeDaemon{instances: make(map[string]sockproto.ListEntry)}
}

func (d *fakeDaemon) List(ctx context.Context) ([]sockproto.ListEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entries := make([]sockproto.ListEntry, 0, len(d.instances))
	for _, e := range d.instances {
		entries = append(entries, e)
	}
	return entries, nil
}

func (d *fakeDaemon) Create(ctx context.Context, req sockproto.CreateRequest) (sockproto.InstanceInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failCreate != nil {
		return sockproto.InstanceInfo{}, d.failCreate
	}
	d.created = append(d.created, req)
	info := sockproto.InstanceInfo{
		ContainerName:  req.ContainerName,
		OwnerPubKey:    req.OwnerPubKey,
		ContractID:     req.ContractID,
		ImageName:      req.Image,
		IP:             "host.example.com",
		PubKey:         "edABCD",
		PeerPort:       22861,
		UserPort:       26201,
		GPTCPPortStart: 36525,
		GPUDPPortStart: 39064,
		Status:         "running",
		Username:       "sashi1",
	}
	d.instances[req.ContainerName] = sockproto.ListEntry{InstanceInfo: info}
	return info, nil
}

func (d *fakeDaemon) Destroy(ctx context.Context, containerName string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destroyed = append(d.destroyed, containerName)
	delete(d.instances, containerName)
	return nil
}

func (d *fakeDaemon) createdNames() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, len(d.created))
	for i, req := range d.created {
		names[i] = req.ContainerName
	}
	return names
}

func (d *fakeDaemon) destroyedNames() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.destroyed...)
}
