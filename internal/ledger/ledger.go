// Copyright 2024 Sashimono Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package ledger abstracts the public ledger the marketplace runs on. The
// concrete implementation speaks websocket to a rippled-style server; the
// reconciler and heartbeat workers depend only on the Client interface and
// on the typed events published on the hub.
package ledger

import (
	"context"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/pubsub/v2"

	"github.com/sashimono/agent/internal/sockproto"
)

var logger = loggo.GetLogger("sashimono.ledger")

// Sentinel errors surfaced by submissions.
const (
	// ErrTookTooLong marks a submission that was not validated within the
	// submission timeout; the transaction may still validate later, so
	// retries must consult IsTxValidated first.
	ErrTookTooLong = errors.ConstError("transaction took too long")

	// ErrVoteRejected marks a heartbeat whose governance vote the hook
	// refused; the candidate must be dropped from the vote file.
	ErrVoteRejected = errors.ConstError("vote rejected by hook")
)

// Hub topics. Payload types are given next to each constant.
const (
	TopicAcquireLease   = "ledger.acquire-lease"   // AcquireEvent
	TopicExtendLease    = "ledger.extend-lease"    // ExtendEvent
	TopicTerminateLease = "ledger.terminate-lease" // TerminateEvent
	TopicHostRegistered = "ledger.host-registered" // HostRegisteredEvent
	TopicLedgerTick     = "ledger.tick"            // TickEvent
	TopicDisconnected   = "ledger.disconnected"    // error
	TopicServerDesynced = "ledger.server-desynced" // error
)

// AcquireEvent is a tenant paying for a new lease on this host.
type AcquireEvent struct {
	Tenant        string
	Host          string
	AcquireTxHash string
	LeaseTokenID  string
	LeaseAmount   float64
	LedgerIndex   uint64
	OwnerPubKey   string
	ContractID    string
	Image         string
	Config        sockproto.InstanceConfig
}

// ExtendEvent is a tenant paying to extend an existing lease.
type ExtendEvent struct {
	Tenant       string
	ExtendTxHash string
	LeaseTokenID string
	Payment      float64
	LedgerIndex  uint64
}

// TerminateEvent is a tenant asking for early termination of a lease.
type TerminateEvent struct {
	Tenant          string
	TerminateTxHash string
	LeaseTokenID    string
	LedgerIndex     uint64
}

// HostRegisteredEvent signals this host's registration was (re)confirmed.
type HostRegisteredEvent struct {
	LedgerIndex uint64
}

// TickEvent is a closed-ledger notification.
type TickEvent struct {
	LedgerIndex uint64
	Time        time.Time
}

// Registration is this host's on-ledger registration record.
type Registration struct {
	TokenID             string
	LastHeartbeatMoment uint64
	ActiveInstances     int
	MaxInstances        int
	Version             string
}

// HookConfig carries the protocol parameters published by the ledger hook.
type HookConfig struct {
	AcquireWindowSecs    uint64
	PurchaserTargetPrice float64
	TOSHash              string
}

// LeaseToken is a lease-backing URI token with its decoded lease fields.
// Owner distinguishes sold (tenant-owned) from unsold (host-owned) slots.
type LeaseToken struct {
	ID         string
	Owner      string
	Index      uint32
	Amount     float64
	OutboundIP string
}

// TxKind classifies account transactions for the catch-up scan.
type TxKind string

const (
	TxAcquire        TxKind = "acquire"
	TxExtend         TxKind = "extend"
	TxTerminate      TxKind = "terminate"
	TxAcquireSuccess TxKind = "acquire_success"
	TxAcquireError   TxKind = "acquire_error"
	TxExtendSuccess  TxKind = "extend_success"
	TxExtendError    TxKind = "extend_error"
	TxRefund         TxKind = "refund"
	TxOther          TxKind = "other"
)

// Transaction is one account transaction, reduced to the fields the
// catch-up scan needs. RefTxHash links responses (success/error/refund)
// back to the transaction they answer.
type Transaction struct {
	Hash        string
	LedgerIndex uint64
	Kind        TxKind
	Tenant      string
	TokenID     string
	Amount      float64
	RefTxHash   string
	OwnerPubKey string
	ContractID  string
	Image       string
	Config      sockproto.InstanceConfig
}

// SubmissionRef records the hash of the last transaction an action
// submitted, for the queue's validated-tx idempotence check. An action that
// submits several transactions uses one ref per submission.
type SubmissionRef struct {
	TxHash string
}

// GovernanceVote is one candidate vote carried on a heartbeat.
type GovernanceVote struct {
	CandidateID    string
	CandidateIndex uint64
	Vote           string
}

// InstanceDetails is the acquire-success payload returned to the tenant.
type InstanceDetails struct {
	Name       string `json:"name"`
	IP         string `json:"ip"`
	PubKey     string `json:"pubkey"`
	ContractID string `json:"contract_id"`
	PeerPort   uint16 `json:"peer_port"`
	UserPort   uint16 `json:"user_port"`
	GPTCPPort  uint16 `json:"gp_tcp_port"`
	GPUDPPort  uint16 `json:"gp_udp_port"`
	Domain     string `json:"domain,omitempty"`
}

// Client is the ledger-facing API used by the reconciler, the scheduler and
// the heartbeat worker. Submits take a *SubmissionRef that receives the
// submitted tx hash, and a fee uplift in drops applied on top of the open
// ledger fee.
type Client interface {
	// Connect establishes the websocket session and starts the event pump.
	Connect(ctx context.Context) error
	Close() error

	// Address is the host account this client submits from.
	Address() string

	// Events is the hub the client publishes ledger events on.
	Events() *pubsub.SimpleHub

	GetRegistration(ctx context.Context) (Registration, error)
	GetMomentSize(ctx context.Context) (uint64, error)
	// GetMoment returns the moment containing the given ledger index, or
	// the current moment when idx is nil.
	GetMoment(ctx context.Context, idx *uint64) (uint64, error)
	GetMomentStartIndex(ctx context.Context) (uint64, error)
	GetHookConfig(ctx context.Context) (HookConfig, error)
	GetLeaseByIndex(ctx context.Context, index uint32) (LeaseToken, error)
	GetLeaseOffers(ctx context.Context) ([]LeaseToken, error)
	GetUnofferedLeases(ctx context.Context) ([]LeaseToken, error)
	GetURIToken(ctx context.Context, tokenID string) (LeaseToken, error)
	GetAccountTransactions(ctx context.Context, fromLedger uint64) ([]Transaction, error)
	// IsTxValidated reports whether the transaction is validated and its
	// engine result was successful.
	IsTxValidated(ctx context.Context, hash string) (bool, error)

	UpdateRegInfo(ctx context.Context, activeCount int, ref *SubmissionRef, feeUplift uint64) error
	OfferLease(ctx context.Context, index uint32, amount float64, tosHash, outboundIP string, ref *SubmissionRef, feeUplift uint64) error
	OfferMintedLease(ctx context.Context, index uint32, amount float64, tosHash, outboundIP string, ref *SubmissionRef, feeUplift uint64) error
	ExpireLease(ctx context.Context, tokenID string, ref *SubmissionRef, feeUplift uint64) error
	BurnLease(ctx context.Context, tokenID string, ref *SubmissionRef, feeUplift uint64) error
	PrepareAccount(ctx context.Context, ref *SubmissionRef, feeUplift uint64) error
	RequestRebate(ctx context.Context, ref *SubmissionRef, feeUplift uint64) error
	AcquireSuccess(ctx context.Context, acquireTxHash, tenant string, details InstanceDetails, ref *SubmissionRef, feeUplift uint64) error
	AcquireError(ctx context.Context, acquireTxHash, tenant string, amount float64, reason string, ref *SubmissionRef, feeUplift uint64) error
	ExtendSuccess(ctx context.Context, extendTxHash, tenant string, expiryMoment uint64, ref *SubmissionRef, feeUplift uint64) error
	ExtendError(ctx context.Context, extendTxHash, tenant string, reason string, amount float64, ref *SubmissionRef, feeUplift uint64) error
	RefundTenant(ctx context.Context, refTxHash, tenant string, amount float64, ref *SubmissionRef, feeUplift uint64) error
	Heartbeat(ctx context.Context, vote *GovernanceVote, ref *SubmissionRef, feeUplift uint64) error
}
