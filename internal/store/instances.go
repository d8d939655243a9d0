// Copyright 2024 Sashimono Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package store

import (
	"context"
	"database/sql"

	"github.com/canonical/sqlair"
	"github.com/juju/errors"
)

// Instance statuses. Destroyed rows are hard-deleted, so the status only
// appears transiently.
const (
	StatusCreated   = "created"
	StatusRunning   = "running"
	StatusStopped   = "stopped"
	StatusDestroyed = "destroyed"
	StatusExited    = "exited"
)

// Ports is the four-port allocation of one instance. The two general
// purpose starts each stand for a consecutive pair.
type Ports struct {
	PeerPort       uint16 `db:"peer_port"`
	UserPort       uint16 `db:"user_port"`
	GPTCPPortStart uint16 `db:"gp_tcp_port_start"`
	GPUDPPortStart uint16 `db:"gp_udp_port_start"`
}

// Instance is one row of the instance store.
type Instance struct {
	ContainerName  string `db:"container_name"`
	OwnerPubKey    string `db:"owner_pubkey"`
	ContractID     string `db:"contract_id"`
	ContractDir    string `db:"contract_dir"`
	ImageName      string `db:"image_name"`
	PeerPort       uint16 `db:"peer_port"`
	UserPort       uint16 `db:"user_port"`
	GPTCPPortStart uint16 `db:"gp_tcp_port_start"`
	GPUDPPortStart uint16 `db:"gp_udp_port_start"`
	Status         string `db:"status"`
	PubKey         string `db:"pubkey"`
	IP             string `db:"ip"`
	Username       string `db:"username"`
}

// Ports returns the instance's port tuple.
func (i Instance) Ports() Ports {
	return Ports{
		PeerPort:       i.PeerPort,
		UserPort:       i.UserPort,
		GPTCPPortStart: i.GPTCPPortStart,
		GPUDPPortStart: i.GPUDPPortStart,
	}
}

// SetPorts assigns the port tuple onto the row.
func (i *Instance) SetPorts(p Ports) {
	i.PeerPort = p.PeerPort
	i.UserPort = p.UserPort
	i.GPTCPPortStart = p.GPTCPPortStart
	i.GPUDPPortStart = p.GPUDPPortStart
}

// InstanceStore persists container instances. It is written only by the
// lifecycle daemon.
type InstanceStore struct {
	db *sqlair.DB
}

// Insert adds a new instance row.
func (s *InstanceStore) Insert(ctx context.Context, inst Instance) error {
	stmt, err := sqlair.Prepare(`
INSERT INTO instances (*) VALUES ($Instance.*)`, Instance{})
	if err != nil {
		return errors.Annotate(err, "preparing insert instance statement")
	}
	err = s.db.Query(ctx, stmt, inst).Run()
	return errors.Annotatef(err, "inserting instance %q", inst.ContainerName)
}

// Get returns the instance with the given container name. A missing row
// yields a NotFound error.
func (s *InstanceStore) Get(ctx context.Context, containerName string) (Instance, error) {
	stmt, err := sqlair.Prepare(`
SELECT &Instance.*
FROM instances
WHERE container_name = $M.name`, Instance{}, sqlair.M{})
	if err != nil {
		return Instance{}, errors.Annotate(err, "preparing select instance statement")
	}
	var inst Instance
	err = s.db.Query(ctx, stmt, sqlair.M{"name": containerName}).Get(&inst)
	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, sqlair.ErrNoRows) {
		return Instance{}, errors.NotFoundf("instance %q", containerName)
	} else if err != nil {
		return Instance{}, errors.Annotatef(err, "getting instance %q", containerName)
	}
	return inst, nil
}

// List returns every non-destroyed instance ordered by peer port.
func (s *InstanceStore) List(ctx context.Context) ([]Instance, error) {
	stmt, err := sqlair.Prepare(`
SELECT &Instance.*
FROM instances
WHERE status != $M.destroyed
ORDER BY peer_port`, Instance{}, sqlair.M{})
	if err != nil {
		return nil, errors.Annotate(err, "preparing list instances statement")
	}
	var instances []Instance
	err = s.db.Query(ctx, stmt, sqlair.M{"destroyed": StatusDestroyed}).GetAll(&instances)
	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, sqlair.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Annotate(err, "listing instances")
	}
	return instances, nil
}

// Count returns the number of non-destroyed instances.
func (s *InstanceStore) Count(ctx context.Context) (int, error) {
	stmt, err := sqlair.Prepare(`
SELECT count(*) AS &M.count
FROM instances
WHERE status != $M.destroyed`, sqlair.M{})
	if err != nil {
		return 0, errors.Annotate(err, "preparing count instances statement")
	}
	result := sqlair.M{}
	if err := s.db.Query(ctx, stmt, sqlair.M{"destroyed": StatusDestroyed}).Get(&result); err != nil {
		return 0, errors.Annotate(err, "counting instances")
	}
	count, ok := result["count"].(int64)
	if !ok {
		return 0, errors.Errorf("unexpected count type %T", result["count"])
	}
	return int(count), nil
}

// MaxPorts returns the port tuple of the non-destroyed instance holding the
// highest peer port, or false when no instances exist.
func (s *InstanceStore) MaxPorts(ctx context.Context) (Ports, bool, error) {
	stmt, err := sqlair.Prepare(`
SELECT &Ports.*
FROM instances
WHERE status != $M.destroyed
ORDER BY peer_port DESC
LIMIT 1`, Ports{}, sqlair.M{})
	if err != nil {
		return Ports{}, false, errors.Annotate(err, "preparing max ports statement")
	}
	var ports Ports
	err = s.db.Query(ctx, stmt, sqlair.M{"destroyed": StatusDestroyed}).Get(&ports)
	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, sqlair.ErrNoRows) {
		return Ports{}, false, nil
	} else if err != nil {
		return Ports{}, false, errors.Annotate(err, "getting max assigned ports")
	}
	return ports, true, nil
}

// UpdateStatus moves the instance to the given status.
func (s *InstanceStore) UpdateStatus(ctx context.Context, containerName, status string) error {
	stmt, err := sqlair.Prepare(`
UPDATE instances
SET status = $M.status
WHERE container_name = $M.name`, sqlair.M{})
	if err != nil {
		return errors.Annotate(err, "preparing update instance status statement")
	}
	var outcome sqlair.Outcome
	err = s.db.Query(ctx, stmt, sqlair.M{"name": containerName, "status": status}).Get(&outcome)
	if err != nil {
		return errors.Annotatef(err, "updating status of instance %q", containerName)
	}
	if affected, err := outcome.Result().RowsAffected(); err == nil && affected == 0 {
		return errors.NotFoundf("instance %q", containerName)
	}
	return nil
}

// Delete removes the instance row. Destroy is a hard delete; the freed port
// tuple goes back to the daemon's vacant list.
func (s *InstanceStore) Delete(ctx context.Context, containerName string) error {
	stmt, err := sqlair.Prepare(`
DELETE FROM instances
WHERE container_name = $M.name`, sqlair.M{})
	if err != nil {
		return errors.Annotate(err, "preparing delete instance statement")
	}
	err = s.db.Query(ctx, stmt, sqlair.M{"name": containerName}).Run()
	return errors.Annotatef(err, "deleting instance %q", containerName)
}
