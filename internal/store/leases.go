// Copyright 2024 Sashimono Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package store

import (
	"context"
	"database/sql"

	"github.com/canonical/sqlair"
	"github.com/juju/errors"
)

// LeaseStatus is the ledger lifecycle state of a lease row.
type LeaseStatus string

const (
	LeaseAcquiring    LeaseStatus = "Acquiring"
	LeaseAcquired     LeaseStatus = "Acquired"
	LeaseFailed       LeaseStatus = "Failed"
	LeaseDestroyed    LeaseStatus = "Destroyed"
	LeaseBurned       LeaseStatus = "Burned"
	LeaseSashiTimeout LeaseStatus = "SashiTimeout"
	LeaseExtended     LeaseStatus = "Extended"
)

// Active reports whether the status is non-terminal. The lease store keeps
// at most one active row per container name.
func (s LeaseStatus) Active() bool {
	return s == LeaseAcquiring || s == LeaseAcquired || s == LeaseExtended
}

// Lease is one row of the message board lease table. The container name
// equals the lease token id.
type Lease struct {
	TxHash          string      `db:"tx_hash"`
	TenantAddress   string      `db:"tenant_xrp_address"`
	ContainerName   string      `db:"container_name"`
	LifeMoments     uint64      `db:"life_moments"`
	Timestamp       int64       `db:"timestamp"`
	CreatedOnLedger uint64      `db:"created_on_ledger"`
	Status          LeaseStatus `db:"status"`
}

// LeaseStore persists lease rows. It is written only by the reconciler.
type LeaseStore struct {
	db *sqlair.DB
}

// Insert adds a new lease row, keyed by the acquire transaction hash.
func (s *LeaseStore) Insert(ctx context.Context, lease Lease) error {
	stmt, err := sqlair.Prepare(`
INSERT INTO leases (*) VALUES ($Lease.*)`, Lease{})
	if err != nil {
		return errors.Annotate(err, "preparing insert lease statement")
	}
	err = s.db.Query(ctx, stmt, lease).Run()
	return errors.Annotatef(err, "inserting lease %q", lease.TxHash)
}

// Get returns the lease created by the given transaction.
func (s *LeaseStore) Get(ctx context.Context, txHash string) (Lease, error) {
	stmt, err := sqlair.Prepare(`
SELECT &Lease.*
FROM leases
WHERE tx_hash = $M.hash`, Lease{}, sqlair.M{})
	if err != nil {
		return Lease{}, errors.Annotate(err, "preparing select lease statement")
	}
	var lease Lease
	err = s.db.Query(ctx, stmt, sqlair.M{"hash": txHash}).Get(&lease)
	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, sqlair.ErrNoRows) {
		return Lease{}, errors.NotFoundf("lease %q", txHash)
	} else if err != nil {
		return Lease{}, errors.Annotatef(err, "getting lease %q", txHash)
	}
	return lease, nil
}

// GetByContainer returns the lease row for a container name. When several
// rows exist (terminal leftovers), the active one wins, then the newest.
func (s *LeaseStore) GetByContainer(ctx context.Context, containerName string) (Lease, error) {
	leases, err := s.List(ctx)
	if err != nil {
		return Lease{}, errors.Trace(err)
	}
	var found *Lease
	for i, l := range leases {
		if l.ContainerName != containerName {
			continue
		}
		if l.Status.Active() {
			return l, nil
		}
		if found == nil || l.Timestamp > found.Timestamp {
			found = &leases[i]
		}
	}
	if found == nil {
		return Lease{}, errors.NotFoundf("lease for container %q", containerName)
	}
	return *found, nil
}

// List returns every lease row.
func (s *LeaseStore) List(ctx context.Context) ([]Lease, error) {
	stmt, err := sqlair.Prepare(`
SELECT &Lease.*
FROM leases
ORDER BY timestamp`, Lease{})
	if err != nil {
		return nil, errors.Annotate(err, "preparing list leases statement")
	}
	var leases []Lease
	err = s.db.Query(ctx, stmt).GetAll(&leases)
	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, sqlair.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Annotate(err, "listing leases")
	}
	return leases, nil
}

// ListByStatus returns the leases currently in any of the given statuses.
func (s *LeaseStore) ListByStatus(ctx context.Context, statuses ...LeaseStatus) ([]Lease, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var filtered []Lease
	for _, l := range all {
		for _, st := range statuses {
			if l.Status == st {
				filtered = append(filtered, l)
				break
			}
		}
	}
	return filtered, nil
}

// Update replaces every mutable field of the lease row.
func (s *LeaseStore) Update(ctx context.Context, lease Lease) error {
	stmt, err := sqlair.Prepare(`
UPDATE leases
SET tenant_xrp_address = $Lease.tenant_xrp_address,
    container_name = $Lease.container_name,
    life_moments = $Lease.life_moments,
    timestamp = $Lease.timestamp,
    created_on_ledger = $Lease.created_on_ledger,
    status = $Lease.status
WHERE tx_hash = $Lease.tx_hash`, Lease{})
	if err != nil {
		return errors.Annotate(err, "preparing update lease statement")
	}
	err = s.db.Query(ctx, stmt, lease).Run()
	return errors.Annotatef(err, "updating lease %q", lease.TxHash)
}

// UpdateStatus moves the lease to the given status.
func (s *LeaseStore) UpdateStatus(ctx context.Context, txHash string, status LeaseStatus) error {
	stmt, err := sqlair.Prepare(`
UPDATE leases
SET status = $M.status
WHERE tx_hash = $M.hash`, sqlair.M{})
	if err != nil {
		return errors.Annotate(err, "preparing update lease status statement")
	}
	err = s.db.Query(ctx, stmt, sqlair.M{"hash": txHash, "status": string(status)}).Run()
	return errors.Annotatef(err, "updating status of lease %q", txHash)
}

// Delete hard-deletes the lease row, once the freed slot has been
// re-offered on the ledger.
func (s *LeaseStore) Delete(ctx context.Context, txHash string) error {
	stmt, err := sqlair.Prepare(`
DELETE FROM leases
WHERE tx_hash = $M.hash`, sqlair.M{})
	if err != nil {
		return errors.Annotate(err, "preparing delete lease statement")
	}
	err = s.db.Query(ctx, stmt, sqlair.M{"hash": txHash}).Run()
	return errors.Annotatef(err, "deleting lease %q", txHash)
}

// lastWatchedLedgerKey is the util_data key holding the checkpoint of the
// highest ledger index whose transactions have been processed.
const lastWatchedLedgerKey = "last_watched_ledger"

// UtilStore persists reconciler bookkeeping in the message board database.
type UtilStore struct {
	db *sqlair.DB
}

// LastWatchedLedger returns the checkpoint, or ok=false when none has been
// recorded yet.
func (s *UtilStore) LastWatchedLedger(ctx context.Context) (uint64, bool, error) {
	stmt, err := sqlair.Prepare(`
SELECT value AS &M.value
FROM util_data
WHERE name = $M.name`, sqlair.M{})
	if err != nil {
		return 0, false, errors.Annotate(err, "preparing select checkpoint statement")
	}
	result := sqlair.M{}
	err = s.db.Query(ctx, stmt, sqlair.M{"name": lastWatchedLedgerKey}).Get(&result)
	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, sqlair.ErrNoRows) {
		return 0, false, nil
	} else if err != nil {
		return 0, false, errors.Annotate(err, "getting last watched ledger")
	}
	value, ok := result["value"].(int64)
	if !ok {
		return 0, false, errors.Errorf("unexpected checkpoint type %T", result["value"])
	}
	return uint64(value), true, nil
}

// SetLastWatchedLedger advances the checkpoint. The value never goes
// backwards; a smaller index is ignored.
func (s *UtilStore) SetLastWatchedLedger(ctx context.Context, index uint64) error {
	stmt, err := sqlair.Prepare(`
INSERT INTO util_data (name, value) VALUES ($M.name, $M.value)
ON CONFLICT(name) DO UPDATE SET value = excluded.value
WHERE excluded.value > util_data.value`, sqlair.M{})
	if err != nil {
		return errors.Annotate(err, "preparing upsert checkpoint statement")
	}
	err = s.db.Query(ctx, stmt, sqlair.M{"name": lastWatchedLedgerKey, "value": int64(index)}).Run()
	return errors.Annotate(err, "setting last watched ledger")
}
