// Copyright 2024 Sashimono Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package instance owns the lifecycle of container instances on this host:
// port allocation, OS user install/uninstall through the privileged scripts,
// contract directory materialization, and container runtime operations.
// All mutations run on the daemon's single message-processor goroutine.
package instance

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/sashimono/agent/internal/config"
	"github.com/sashimono/agent/internal/sockproto"
	"github.com/sashimono/agent/internal/store"
)

var logger = loggo.GetLogger("sashimono.instance")

// Contract processes inside the container run as this fixed uid:gid. Group 0
// is the sashimono user group, which grants the contract user the group
// permissions on the mounted contract directory.
const (
	ContractUID = 10000
	ContractGID = 0
)

// Resources is the per-instance share of the host resource budget.
type Resources struct {
	CPUMicroSecs  uint64
	MemKBytes     uint64
	SwapKBytes    uint64
	StorageKBytes uint64
}

// ManagerConfig holds the manager dependencies.
type ManagerConfig struct {
	AgentConfig *config.AgentConfig
	Paths       config.Paths
	Store       *store.InstanceStore
	Runner      CommandRunner
	Clock       clock.Clock

	// HomeBase is the parent of the instance users' home directories.
	// Empty means /home.
	HomeBase string
}

// Validate checks the manager configuration.
func (c ManagerConfig) Validate() error {
	if c.AgentConfig == nil {
		return errors.NotValidf("nil AgentConfig")
	}
	if c.Store == nil {
		return errors.NotValidf("nil Store")
	}
	if c.Runner == nil {
		return errors.NotValidf("nil Runner")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	return nil
}

// Manager is the instance lifecycle manager.
type Manager struct {
	cfg       *config.AgentConfig
	paths     config.Paths
	store     *store.InstanceStore
	runner    CommandRunner
	clock     clock.Clock
	homeBase  string
	resources Resources

	// Port allocator state. The daemon serializes requests, but the mutex
	// keeps the allocator safe against other readers.
	mu             sync.Mutex
	lastAssigned   store.Ports
	lastFromVacant bool
	vacantPorts    []store.Ports
}

// NewManager builds a Manager, scanning the store to rebuild the vacant
// port list left behind by destroyed instances.
func NewManager(ctx context.Context, cfg ManagerConfig) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	count := uint64(cfg.AgentConfig.System.MaxInstanceCount)
	homeBase := cfg.HomeBase
	if homeBase == "" {
		homeBase = "/home"
	}
	m := &Manager{
		cfg:      cfg.AgentConfig,
		paths:    cfg.Paths,
		store:    cfg.Store,
		runner:   cfg.Runner,
		clock:    cfg.Clock,
		homeBase: homeBase,
		resources: Resources{
			CPUMicroSecs:  cfg.AgentConfig.System.MaxCPUMicroSecs / count,
			MemKBytes:     cfg.AgentConfig.System.MaxMemKBytes / count,
			StorageKBytes: cfg.AgentConfig.System.MaxStorageKBytes / count,
		},
		// Defaulting to true makes the first non-vacant allocation read the
		// current maximum from the store.
		lastFromVacant: true,
	}
	// Swap limit is on top of the memory limit.
	m.resources.SwapKBytes = m.resources.MemKBytes + cfg.AgentConfig.System.MaxSwapKBytes/count

	if err := m.scanVacantPorts(ctx); err != nil {
		return nil, errors.Trace(err)
	}
	return m, nil
}

// Resources returns the per-instance resource share.
func (m *Manager) Resources() Resources {
	return m.resources
}

// Create creates a new instance: OS user, contract directory, container.
// On failure every completed step is rolled back and the returned error
// carries the machine-readable kind of the step that failed.
func (m *Manager) Create(ctx context.Context, req sockproto.CreateRequest) (sockproto.InstanceInfo, error) {
	if _, err := m.store.Get(ctx, req.ContainerName); err == nil {
		logger.Errorf("found another instance with name %q", req.ContainerName)
		return sockproto.InstanceInfo{}, sockproto.ErrInstanceAlreadyExists
	} else if !errors.Is(err, errors.NotFound) {
		return sockproto.InstanceInfo{}, kindError(sockproto.ErrDBRead, err)
	}

	count, err := m.store.Count(ctx)
	if err != nil {
		return sockproto.InstanceInfo{}, kindError(sockproto.ErrDBRead, err)
	}
	if count >= m.cfg.System.MaxInstanceCount {
		logger.Errorf("max instance count %d is reached", m.cfg.System.MaxInstanceCount)
		return sockproto.InstanceInfo{}, sockproto.ErrMaxAllocReached
	}

	if _, err := uuid.Parse(req.ContractID); err != nil {
		logger.Errorf("provided contract id %q is not a valid uuid", req.ContractID)
		return sockproto.InstanceInfo{}, sockproto.ErrContractIDBadFormat
	}
	if req.Image == "" {
		return sockproto.InstanceInfo{}, sockproto.ErrImageInvalid
	}

	logger.Infof("resources for instance - cpu: %d us, ram: %d kb, storage: %d kb",
		m.resources.CPUMicroSecs, m.resources.MemKBytes, m.resources.StorageKBytes)

	ports, err := m.peekPorts(ctx)
	if err != nil {
		return sockproto.InstanceInfo{}, kindError(sockproto.ErrDBRead, err)
	}

	_, username, err := m.installUser(ctx, req, ports)
	if err != nil {
		return sockproto.InstanceInfo{}, kindError(sockproto.ErrUserInstall, err)
	}

	// An image may carry a tag-disambiguation suffix after "--"; the runtime
	// only ever sees the part before it.
	imageName := req.Image
	if pos := strings.Index(imageName, "--"); pos >= 0 {
		imageName = imageName[:pos]
	}

	contractDir := m.contractDir(username, req.ContainerName)

	inst := store.Instance{
		ContainerName: req.ContainerName,
		OwnerPubKey:   req.OwnerPubKey,
		ContractID:    req.ContractID,
		ContractDir:   contractDir,
		ImageName:     imageName,
		Status:        store.StatusCreated,
		IP:            m.cfg.HP.HostAddress,
		Username:      username,
	}
	inst.SetPorts(ports)

	pubkey, err := m.materializeContract(ctx, username, req.OwnerPubKey, req.ContractID, contractDir, ports)
	if err == nil {
		inst.PubKey = pubkey
		err = m.containerCreate(ctx, username, imageName, req.ContainerName, contractDir, ports)
	}
	if err != nil {
		logger.Errorf("error creating instance for %q: %v", req.OwnerPubKey, err)
		m.rollbackUser(ctx, username, ports, req.ContainerName)
		return sockproto.InstanceInfo{}, kindError(sockproto.ErrInstance, err)
	}

	if err := m.store.Insert(ctx, inst); err != nil {
		logger.Errorf("error inserting instance row for %q: %v", req.OwnerPubKey, err)
		_ = m.containerRemove(ctx, username, req.ContainerName)
		m.rollbackUser(ctx, username, ports, req.ContainerName)
		return sockproto.InstanceInfo{}, kindError(sockproto.ErrDBWrite, err)
	}

	m.commitPorts(ports)
	return instanceInfo(inst), nil
}

// Initiate applies the tenant configuration to a freshly created instance,
// starts the filesystem services and the container, and marks it running.
func (m *Manager) Initiate(ctx context.Context, containerName string, cfg sockproto.InstanceConfig) error {
	inst, err := m.store.Get(ctx, containerName)
	if errors.Is(err, errors.NotFound) {
		return sockproto.ErrNoContainer
	} else if err != nil {
		return kindError(sockproto.ErrDBRead, err)
	}
	if inst.Status != store.StatusCreated {
		logger.Errorf("container %q is already initiated", containerName)
		return sockproto.ErrDupContainer
	}

	doc, err := readContractConfig(inst.ContractDir)
	if err != nil {
		return kindError(sockproto.ErrConfRead, err)
	}

	hpfsLogLevel, fullHistory, err := m.configureContract(ctx, inst, doc, &cfg)
	if err != nil {
		return kindError(sockproto.ErrContainerConf, err)
	}

	if err := m.startHPFS(ctx, inst.Username, hpfsLogLevel, fullHistory); err != nil {
		return kindError(sockproto.ErrContainerConf, err)
	}

	if err := m.containerStart(ctx, inst.Username, containerName); err != nil {
		logger.Errorf("error starting container %q: %v", containerName, err)
		_ = m.stopHPFS(ctx, inst.Username)
		return kindError(sockproto.ErrContainerStart, err)
	}

	if err := m.store.UpdateStatus(ctx, containerName, store.StatusRunning); err != nil {
		logger.Errorf("error updating container %q status: %v", containerName, err)
		_ = m.containerStop(ctx, inst.Username, containerName)
		_ = m.stopHPFS(ctx, inst.Username)
		return kindError(sockproto.ErrContainerUpdate, err)
	}
	return nil
}

// Start brings a stopped instance back up, re-reading its on-disk contract
// configuration first.
func (m *Manager) Start(ctx context.Context, containerName string) error {
	inst, err := m.store.Get(ctx, containerName)
	if errors.Is(err, errors.NotFound) {
		return sockproto.ErrNoContainer
	} else if err != nil {
		return kindError(sockproto.ErrDBRead, err)
	}
	if inst.Status != store.StatusStopped {
		logger.Errorf("container %q is not stopped", containerName)
		return sockproto.ErrContainerStart
	}

	doc, err := readContractConfig(inst.ContractDir)
	if err != nil {
		return kindError(sockproto.ErrConfRead, err)
	}
	hpfsLogLevel, fullHistory, err := readHPFSValues(doc)
	if err != nil {
		return kindError(sockproto.ErrContainerConf, err)
	}
	if err := m.startHPFS(ctx, inst.Username, hpfsLogLevel, fullHistory); err != nil {
		return kindError(sockproto.ErrContainerStart, err)
	}
	if err := m.containerStart(ctx, inst.Username, containerName); err != nil {
		_ = m.stopHPFS(ctx, inst.Username)
		return kindError(sockproto.ErrContainerStart, err)
	}
	if err := m.store.UpdateStatus(ctx, containerName, store.StatusRunning); err != nil {
		_ = m.containerStop(ctx, inst.Username, containerName)
		_ = m.stopHPFS(ctx, inst.Username)
		return kindError(sockproto.ErrContainerUpdate, err)
	}
	return nil
}

// Stop stops a running instance and its filesystem services.
func (m *Manager) Stop(ctx context.Context, containerName string) error {
	inst, err := m.store.Get(ctx, containerName)
	if errors.Is(err, errors.NotFound) {
		return sockproto.ErrNoContainer
	} else if err != nil {
		return kindError(sockproto.ErrDBRead, err)
	}
	if inst.Status != store.StatusRunning {
		logger.Errorf("container %q is not running", containerName)
		return sockproto.ErrContainerUpdate
	}
	if err := m.containerStop(ctx, inst.Username, containerName); err != nil {
		return kindError(sockproto.ErrContainerUpdate, err)
	}
	if err := m.store.UpdateStatus(ctx, containerName, store.StatusStopped); err != nil {
		return kindError(sockproto.ErrContainerUpdate, err)
	}
	if err := m.stopHPFS(ctx, inst.Username); err != nil {
		return kindError(sockproto.ErrContainerUpdate, err)
	}
	return nil
}

// Destroy removes the container, uninstalls the OS user, hard-deletes the
// row and returns the freed port tuple to the vacant list.
func (m *Manager) Destroy(ctx context.Context, containerName string) error {
	inst, err := m.store.Get(ctx, containerName)
	if errors.Is(err, errors.NotFound) {
		return sockproto.ErrNoContainer
	} else if err != nil {
		return kindError(sockproto.ErrDBRead, err)
	}

	logger.Infof("deleting instance %q", containerName)
	_ = m.stopHPFS(ctx, inst.Username)
	if err := m.uninstallUser(ctx, inst.Username, inst.Ports(), containerName); err != nil {
		return kindError(sockproto.ErrUserUninstall, err)
	}
	if err := m.store.Delete(ctx, containerName); err != nil {
		return kindError(sockproto.ErrUserUninstall, err)
	}
	m.releasePorts(inst.Ports())
	return nil
}

// Inspect returns the instance row including the OS username. The status
// reflects the runtime's view when it can be queried; a container that died
// behind the daemon's back shows as exited rather than running.
func (m *Manager) Inspect(ctx context.Context, containerName string) (sockproto.InstanceInfo, error) {
	inst, err := m.store.Get(ctx, containerName)
	if errors.Is(err, errors.NotFound) {
		logger.Errorf("no instance with name %q", containerName)
		return sockproto.InstanceInfo{}, sockproto.ErrContainerNotFound
	} else if err != nil {
		return sockproto.InstanceInfo{}, kindError(sockproto.ErrDBRead, err)
	}
	info := instanceInfo(inst)
	if status, err := m.ContainerStatus(ctx, inst.Username, inst.ContainerName); err != nil {
		logger.Warningf("runtime status for %q: %v", containerName, err)
	} else if status != "" {
		info.Status = status
	}
	return info, nil
}

// List returns all non-destroyed instances.
func (m *Manager) List(ctx context.Context) ([]sockproto.InstanceInfo, error) {
	instances, err := m.store.List(ctx)
	if err != nil {
		return nil, kindError(sockproto.ErrDBRead, err)
	}
	infos := make([]sockproto.InstanceInfo, len(instances))
	for i, inst := range instances {
		infos[i] = instanceInfo(inst)
	}
	return infos, nil
}

// rollbackUser removes the OS user after a failed creation; best effort.
func (m *Manager) rollbackUser(ctx context.Context, username string, ports store.Ports, containerName string) {
	if err := m.uninstallUser(ctx, username, ports, containerName); err != nil {
		logger.Errorf("rollback uninstall of %q failed: %v", username, err)
	}
}

func instanceInfo(inst store.Instance) sockproto.InstanceInfo {
	return sockproto.InstanceInfo{
		ContainerName:  inst.ContainerName,
		OwnerPubKey:    inst.OwnerPubKey,
		ContractID:     inst.ContractID,
		ContractDir:    inst.ContractDir,
		ImageName:      inst.ImageName,
		IP:             inst.IP,
		PubKey:         inst.PubKey,
		PeerPort:       inst.PeerPort,
		UserPort:       inst.UserPort,
		GPTCPPortStart: inst.GPTCPPortStart,
		GPUDPPortStart: inst.GPUDPPortStart,
		Status:         inst.Status,
		Username:       inst.Username,
	}
}

// kindError attaches the machine-readable kind to an underlying error.
func kindError(kind sockproto.ErrorKind, err error) error {
	if err == nil {
		return kind
	}
	return errors.Annotatef(kind, "%v", err)
}

// contractDir is the contract directory inside the instance user's home.
func (m *Manager) contractDir(username, containerName string) string {
	return fmt.Sprintf("%s/%s/%s", m.homeBase, username, containerName)
}
