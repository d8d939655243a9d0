// Copyright 2024 Sashimono Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package config holds the typed on-disk configuration of the agent and the
// parallel governance vote file. Configuration is read once at startup;
// parse or validation errors there are fatal. The config file is rewritten
// (atomically) after lease-amount reconciliation against the ledger.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/juju/errors"
)

// Default values applied where the config file is silent.
const (
	DefaultTickSeconds      = 2
	DefaultHaltTimeoutSecs  = 60
	DefaultHaltThreshold    = 0.25
	DefaultOrphanPruneHours = 2
)

// XRPLConfig is the ledger-facing account configuration.
type XRPLConfig struct {
	Address                string   `json:"address"`
	Secret                 string   `json:"secret"`
	GovernorAddress        string   `json:"governorAddress"`
	Network                string   `json:"network,omitempty"`
	RippledServer          string   `json:"rippledServer,omitempty"`
	FallbackRippledServers []string `json:"fallbackRippledServers,omitempty"`
	LeaseAmount            float64  `json:"leaseAmount"`
	AffordableExtraFee     uint64   `json:"affordableExtraFee"`
	ReputationAddress      string   `json:"reputationAddress,omitempty"`
	ReputationSecret       string   `json:"reputationSecret,omitempty"`
}

// IPv6Config describes the outbound IPv6 assignment pool for instances.
type IPv6Config struct {
	Subnet    string `json:"subnet"`
	Interface string `json:"interface"`
}

// NetworkingConfig groups host networking settings.
type NetworkingConfig struct {
	IPv6 IPv6Config `json:"ipv6"`
}

// SystemConfig is the host resource budget shared by all instances.
type SystemConfig struct {
	MaxInstanceCount int    `json:"maxInstanceCount"`
	MaxCPUMicroSecs  uint64 `json:"maxCpuUs"`
	MaxMemKBytes     uint64 `json:"maxMemKbytes"`
	MaxSwapKBytes    uint64 `json:"maxSwapKbytes"`
	MaxStorageKBytes uint64 `json:"maxStorageKbytes"`
}

// HPConfig is the instance (hotpocket) configuration: initial port bases and
// the host's externally visible address.
type HPConfig struct {
	InitPeerPort  uint16 `json:"initPeerPort"`
	InitUserPort  uint16 `json:"initUserPort"`
	InitGPTCPPort uint16 `json:"initGpTcpPort"`
	InitGPUDPPort uint16 `json:"initGpUdpPort"`
	HostAddress   string `json:"hostAddress"`
}

// MBConfig tunes the message board reconciler.
type MBConfig struct {
	TickSeconds      int     `json:"tickSeconds,omitempty"`
	HaltTimeoutSecs  int     `json:"haltTimeoutSecs,omitempty"`
	HaltThreshold    float64 `json:"haltThreshold,omitempty"`
	OrphanPruneHours int     `json:"orphanPruneHours,omitempty"`
}

// AgentConfig is the top level agent configuration file.
type AgentConfig struct {
	Version    string           `json:"version"`
	XRPL       XRPLConfig       `json:"xrpl"`
	Networking NetworkingConfig `json:"networking"`
	System     SystemConfig     `json:"system"`
	HP         HPConfig         `json:"hp"`
	MB         MBConfig         `json:"mb,omitempty"`
	LogConfig  string           `json:"logConfig,omitempty"`

	path string
}

// Validate checks the fields without which the agent cannot run.
func (c *AgentConfig) Validate() error {
	if c.Version == "" {
		return errors.NotValidf("empty version")
	}
	if c.XRPL.Address == "" {
		return errors.NotValidf("empty xrpl.address")
	}
	if c.XRPL.Secret == "" {
		return errors.NotValidf("empty xrpl.secret")
	}
	if c.XRPL.GovernorAddress == "" {
		return errors.NotValidf("empty xrpl.governorAddress")
	}
	if c.XRPL.LeaseAmount < 0 {
		return errors.NotValidf("negative xrpl.leaseAmount")
	}
	if c.System.MaxInstanceCount <= 0 {
		return errors.NotValidf("system.maxInstanceCount %d", c.System.MaxInstanceCount)
	}
	if c.HP.InitPeerPort == 0 || c.HP.InitUserPort == 0 {
		return errors.NotValidf("zero initial ports")
	}
	return nil
}

// TickSeconds returns the scheduler tick, defaulted.
func (c *AgentConfig) TickSeconds() int {
	if c.MB.TickSeconds > 0 {
		return c.MB.TickSeconds
	}
	return DefaultTickSeconds
}

// HaltTimeoutSecs returns the ledger halt detection timeout, defaulted.
func (c *AgentConfig) HaltTimeoutSecs() int {
	if c.MB.HaltTimeoutSecs > 0 {
		return c.MB.HaltTimeoutSecs
	}
	return DefaultHaltTimeoutSecs
}

// HaltThreshold returns the grace proportion applied after a halt.
func (c *AgentConfig) HaltThreshold() float64 {
	if c.MB.HaltThreshold > 0 {
		return c.MB.HaltThreshold
	}
	return DefaultHaltThreshold
}

// OrphanPruneHours returns the orphan pruner cadence, defaulted.
func (c *AgentConfig) OrphanPruneHours() int {
	if c.MB.OrphanPruneHours > 0 {
		return c.MB.OrphanPruneHours
	}
	return DefaultOrphanPruneHours
}

// Read loads and validates the agent configuration at path.
func Read(path string) (*AgentConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotatef(err, "reading agent config %q", path)
	}
	var cfg AgentConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, errors.Annotatef(err, "parsing agent config %q", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	cfg.path = path
	return &cfg, nil
}

// Write persists the configuration back to the file it was read from, via a
// temp file and rename so a crash cannot leave a torn config behind.
func (c *AgentConfig) Write() error {
	if c.path == "" {
		return errors.New("config was not read from a file")
	}
	raw, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errors.Trace(err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, append(raw, '\n'), 0600); err != nil {
		return errors.Annotate(err, "writing agent config")
	}
	return errors.Annotate(os.Rename(tmp, c.path), "replacing agent config")
}

// Paths derives the well-known file locations under the agent data dir.
type Paths struct {
	DataDir string
}

// SocketPath is the lifecycle daemon's unix domain socket.
func (p Paths) SocketPath() string { return filepath.Join(p.DataDir, "sa.sock") }

// InstanceDBPath is the lifecycle daemon's sqlite database.
func (p Paths) InstanceDBPath() string { return filepath.Join(p.DataDir, "sa.sqlite") }

// LeaseDBPath is the message board sqlite database.
func (p Paths) LeaseDBPath() string { return filepath.Join(p.DataDir, "mb-xrpl", "mb-xrpl.sqlite") }

// AgentConfigPath is the agent's JSON configuration file.
func (p Paths) AgentConfigPath() string { return filepath.Join(p.DataDir, "sa.cfg") }

// GovernanceFilePath is the governance candidate vote file.
func (p Paths) GovernanceFilePath() string { return filepath.Join(p.DataDir, "mb-xrpl", "governance.cfg") }

// ContractTemplateDir is the template copied for each new instance.
func (p Paths) ContractTemplateDir() string { return filepath.Join(p.DataDir, "contract_template") }

// UserInstallScript is the root-privileged OS user/cgroup install script.
func (p Paths) UserInstallScript() string { return filepath.Join(p.DataDir, "user-install.sh") }

// UserUninstallScript is the matching uninstall script.
func (p Paths) UserUninstallScript() string { return filepath.Join(p.DataDir, "user-uninstall.sh") }
