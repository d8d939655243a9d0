// Copyright 2024 Sashimono Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package store holds the two durable sqlite stores of the agent: the
// instance store owned by the lifecycle daemon and the lease store (plus the
// util checkpoint) owned by the message board reconciler. Either side may
// read the other's store; only the owner writes it.
package store

import (
	"database/sql"

	"github.com/canonical/sqlair"
	"github.com/juju/errors"
	_ "github.com/mattn/go-sqlite3"
)

const instanceSchema = `
CREATE TABLE IF NOT EXISTS instances (
	container_name    TEXT PRIMARY KEY,
	owner_pubkey      TEXT NOT NULL,
	contract_id       TEXT NOT NULL,
	contract_dir      TEXT NOT NULL,
	image_name        TEXT NOT NULL,
	peer_port         INTEGER NOT NULL,
	user_port         INTEGER NOT NULL,
	gp_tcp_port_start INTEGER NOT NULL,
	gp_udp_port_start INTEGER NOT NULL,
	status            TEXT NOT NULL,
	pubkey            TEXT NOT NULL,
	ip                TEXT NOT NULL,
	username          TEXT NOT NULL
);
`

const leaseSchema = `
CREATE TABLE IF NOT EXISTS leases (
	tx_hash            TEXT PRIMARY KEY,
	tenant_xrp_address TEXT NOT NULL,
	container_name     TEXT NOT NULL,
	life_moments       INTEGER NOT NULL,
	timestamp          INTEGER NOT NULL,
	created_on_ledger  INTEGER NOT NULL,
	status             TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS util_data (
	name  TEXT PRIMARY KEY,
	value INTEGER NOT NULL
);
`

// Open opens (creating if necessary) the sqlite database at path and applies
// the given schema. A busy timeout keeps the two agent processes from
// tripping over each other's short-lived file locks.
func Open(path, schema string) (*sqlair.DB, error) {
	sqlDB, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_fk=1")
	if err != nil {
		return nil, errors.Annotatef(err, "opening database %q", path)
	}
	// Sqlite file locking and a single writer per store make connection
	// pooling pointless here.
	sqlDB.SetMaxOpenConns(1)
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, errors.Annotatef(err, "preparing schema for %q", path)
	}
	return sqlair.NewDB(sqlDB), nil
}

// OpenInstanceDB opens the lifecycle daemon's instance database.
func OpenInstanceDB(path string) (*InstanceStore, error) {
	db, err := Open(path, instanceSchema)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &InstanceStore{db: db}, nil
}

// OpenLeaseDB opens the message board database holding leases and the
// util checkpoint.
func OpenLeaseDB(path string) (*LeaseStore, *UtilStore, error) {
	db, err := Open(path, leaseSchema)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	return &LeaseStore{db: db}, &UtilStore{db: db}, nil
}
