// Copyright 2024 Sashimono Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package instance

import (
	"context"

	"github.com/juju/collections/set"
	"github.com/juju/errors"

	"github.com/sashimono/agent/internal/store"
)

// Each general-purpose slot stands for this many consecutive ports.
const gpPortCount = 2

// scanVacantPorts rebuilds the vacant list at startup: every peer port
// between the configured initial port and the current maximum that no
// non-destroyed instance holds marks a vacant tuple.
func (m *Manager) scanVacantPorts(ctx context.Context) error {
	instances, err := m.store.List(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	if len(instances) == 0 {
		return nil
	}

	held := set.NewInts()
	maxPeer := uint16(0)
	for _, inst := range instances {
		held.Add(int(inst.PeerPort))
		if inst.PeerPort > maxPeer {
			maxPeer = inst.PeerPort
		}
	}

	cursor := store.Ports{
		PeerPort:       m.cfg.HP.InitPeerPort,
		UserPort:       m.cfg.HP.InitUserPort,
		GPTCPPortStart: m.cfg.HP.InitGPTCPPort,
		GPUDPPortStart: m.cfg.HP.InitGPUDPPort,
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for cursor.PeerPort < maxPeer {
		if !held.Contains(int(cursor.PeerPort)) {
			m.vacantPorts = append(m.vacantPorts, cursor)
		}
		cursor.PeerPort++
		cursor.UserPort++
		cursor.GPTCPPortStart += gpPortCount
		cursor.GPUDPPortStart += gpPortCount
	}
	return nil
}

// peekPorts returns the tuple the next instance will use, without consuming
// it; commitPorts consumes it once creation has fully succeeded.
func (m *Manager) peekPorts(ctx context.Context) (store.Ports, error) {
	m.mu.Lock()
	if n := len(m.vacantPorts); n > 0 {
		// Vacant slots are reused LIFO.
		ports := m.vacantPorts[n-1]
		m.lastFromVacant = true
		m.mu.Unlock()
		return ports, nil
	}
	refresh := m.lastFromVacant
	m.mu.Unlock()

	if refresh {
		maxPorts, ok, err := m.store.MaxPorts(ctx)
		if err != nil {
			return store.Ports{}, errors.Trace(err)
		}
		if !ok {
			// Nothing allocated yet; back up one step so the advance below
			// lands on the configured initial tuple.
			maxPorts = store.Ports{
				PeerPort:       m.cfg.HP.InitPeerPort - 1,
				UserPort:       m.cfg.HP.InitUserPort - 1,
				GPTCPPortStart: m.cfg.HP.InitGPTCPPort - gpPortCount,
				GPUDPPortStart: m.cfg.HP.InitGPUDPPort - gpPortCount,
			}
		}
		m.mu.Lock()
		m.lastAssigned = maxPorts
		m.lastFromVacant = false
		m.mu.Unlock()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return store.Ports{
		PeerPort:       m.lastAssigned.PeerPort + 1,
		UserPort:       m.lastAssigned.UserPort + 1,
		GPTCPPortStart: m.lastAssigned.GPTCPPortStart + gpPortCount,
		GPUDPPortStart: m.lastAssigned.GPUDPPortStart + gpPortCount,
	}, nil
}

// commitPorts consumes the tuple returned by the preceding peekPorts.
func (m *Manager) commitPorts(ports store.Ports) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastFromVacant {
		m.vacantPorts = m.vacantPorts[:len(m.vacantPorts)-1]
	} else {
		m.lastAssigned = ports
	}
}

// releasePorts pushes a destroyed instance's tuple back onto the vacant
// list. Rows predating the general-purpose allocations carry zero gp bases;
// those are recomputed from the peer port offset.
func (m *Manager) releasePorts(ports store.Ports) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.vacantPorts {
		if existing == ports {
			return
		}
	}
	if ports.GPTCPPortStart == 0 {
		increment := (ports.PeerPort - m.cfg.HP.InitPeerPort) * gpPortCount
		ports.GPTCPPortStart = m.cfg.HP.InitGPTCPPort + increment
		ports.GPUDPPortStart = m.cfg.HP.InitGPUDPPort + increment
	}
	m.vacantPorts = append(m.vacantPorts, ports)
}

// VacantPortCount reports the size of the vacant list; used by tests and
// the daemon's startup log line.
func (m *Manager) VacantPortCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.vacantPorts)
}
