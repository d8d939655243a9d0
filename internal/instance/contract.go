// Copyright 2024 Sashimono Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package instance

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/juju/errors"

	"github.com/sashimono/agent/internal/sockproto"
	"github.com/sashimono/agent/internal/store"
)

// Key prefix identifying the ed25519 scheme in textual keys.
const keyPrefix = "ed"

func contractConfigPath(contractDir string) string {
	return filepath.Join(contractDir, "cfg", "hp.cfg")
}

// readContractConfig loads the instance's on-disk contract configuration as
// a generic JSON document, preserving fields this agent does not know about.
func readContractConfig(contractDir string) (map[string]any, error) {
	data, err := os.ReadFile(contractConfigPath(contractDir))
	if err != nil {
		return nil, errors.Annotate(err, "reading contract config")
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.Annotate(err, "parsing contract config")
	}
	return doc, nil
}

func writeContractConfig(contractDir string, doc map[string]any) error {
	data, err := json.MarshalIndent(doc, "", "    ")
	if err != nil {
		return errors.Trace(err)
	}
	path := contractConfigPath(contractDir)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0664); err != nil {
		return errors.Annotate(err, "writing contract config")
	}
	return errors.Annotate(os.Rename(tmp, path), "replacing contract config")
}

// materializeContract stages the contract template into a temporary
// directory, stamps it with freshly generated node keys and the instance's
// identity and ports, and moves it into the instance user's home. Returns
// the new node public key.
func (m *Manager) materializeContract(ctx context.Context, username, ownerPubKey, contractID, contractDir string, ports store.Ports) (string, error) {
	tmpDir, err := os.MkdirTemp("", "sashimono-contract-")
	if err != nil {
		return "", errors.Trace(err)
	}
	defer os.RemoveAll(tmpDir)

	if _, err := m.runner.Run(ctx, fmt.Sprintf("cp -r %s/. %s", m.paths.ContractTemplateDir(), tmpDir)); err != nil {
		return "", errors.Annotate(err, "copying contract template")
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", errors.Annotate(err, "generating node keys")
	}
	pubHex := keyPrefix + hex.EncodeToString(pub)
	privHex := keyPrefix + hex.EncodeToString(priv)

	doc, err := readContractConfig(tmpDir)
	if err != nil {
		return "", errors.Trace(err)
	}
	setValue(doc, pubHex, "node", "public_key")
	setValue(doc, privHex, "node", "private_key")
	setValue(doc, contractID, "contract", "id")
	// The instance starts as a single-node cluster trusting only itself.
	setValue(doc, []any{pubHex}, "contract", "unl")
	setValue(doc, fmt.Sprintf("%d:%d", ContractUID, ContractGID), "contract", "run_as")
	setValue(doc, "bootstrap_contract", "contract", "bin_path")
	setValue(doc, ownerPubKey, "contract", "bin_args")
	setValue(doc, float64(ports.PeerPort), "mesh", "port")
	setValue(doc, float64(ports.UserPort), "user", "port")
	setValue(doc, true, "hpfs", "external")
	if err := writeContractConfig(tmpDir, doc); err != nil {
		return "", errors.Trace(err)
	}

	move := fmt.Sprintf("mv %s %s && chown -R %s:%s %s && chmod -R 0775 %s",
		tmpDir, contractDir, username, username, contractDir, contractDir)
	if _, err := m.runner.Run(ctx, move); err != nil {
		return "", errors.Annotate(err, "installing contract directory")
	}
	return pubHex, nil
}

// configureContract applies the tenant's overrides on top of the templated
// contract configuration, validates the result and writes it back. Returns
// the filesystem service log level and whether full history is kept.
func (m *Manager) configureContract(ctx context.Context, inst store.Instance, doc map[string]any, cfg *sockproto.InstanceConfig) (string, bool, error) {
	if err := applyOverrides(doc, cfg); err != nil {
		return "", false, errors.Trace(err)
	}
	logLevel, fullHistory, err := readHPFSValues(doc)
	if err != nil {
		return "", false, errors.Trace(err)
	}
	if err := writeContractConfig(inst.ContractDir, doc); err != nil {
		return "", false, errors.Trace(err)
	}
	return logLevel, fullHistory, nil
}

func applyOverrides(doc map[string]any, cfg *sockproto.InstanceConfig) error {
	ct := cfg.Contract
	if len(ct.UNL) > 0 {
		setValue(doc, toAnySlice(ct.UNL), "contract", "unl")
	}
	if ct.Execute != nil {
		setValue(doc, *ct.Execute, "contract", "execute")
	}
	if len(ct.Environment) > 0 {
		env := map[string]any{}
		for k, v := range ct.Environment {
			env[k] = v
		}
		setValue(doc, env, "contract", "environment")
	}
	setUint(doc, ct.MaxInputLedgerOffset, "contract", "max_input_ledger_offset")
	if ct.Consensus.Mode != "" {
		if ct.Consensus.Mode != "public" && ct.Consensus.Mode != "private" {
			return errors.NotValidf("consensus mode %q", ct.Consensus.Mode)
		}
		setValue(doc, ct.Consensus.Mode, "contract", "consensus", "mode")
	}
	setUint(doc, ct.Consensus.RoundTime, "contract", "consensus", "roundtime")
	setUint(doc, ct.Consensus.StageSlice, "contract", "consensus", "stage_slice")
	setUint(doc, ct.Consensus.Threshold, "contract", "consensus", "threshold")
	if ct.NPLMode != "" {
		if ct.NPLMode != "public" && ct.NPLMode != "private" {
			return errors.NotValidf("npl mode %q", ct.NPLMode)
		}
		setValue(doc, ct.NPLMode, "contract", "npl", "mode")
	}
	setUint(doc, ct.RoundLimits.UserInputBytes, "contract", "round_limits", "user_input_bytes")
	setUint(doc, ct.RoundLimits.UserOutputBytes, "contract", "round_limits", "user_output_bytes")
	setUint(doc, ct.RoundLimits.NPLOutputBytes, "contract", "round_limits", "npl_output_bytes")
	setUint(doc, ct.RoundLimits.ProcCPUSeconds, "contract", "round_limits", "proc_cpu_seconds")
	setUint(doc, ct.RoundLimits.ProcMemBytes, "contract", "round_limits", "proc_mem_bytes")
	setUint(doc, ct.RoundLimits.ProcOFDCount, "contract", "round_limits", "proc_ofd_count")
	setUint(doc, ct.RoundLimits.ExecTimeout, "contract", "round_limits", "exec_timeout")
	applyLogOverrides(doc, ct.Log, "contract", "log")

	if cfg.Node.Role != "" {
		if cfg.Node.Role != "observer" && cfg.Node.Role != "validator" {
			return errors.NotValidf("node role %q", cfg.Node.Role)
		}
		setValue(doc, cfg.Node.Role, "node", "role")
	}
	if cfg.Node.History != "" {
		if cfg.Node.History != "full" && cfg.Node.History != "custom" {
			return errors.NotValidf("node history %q", cfg.Node.History)
		}
		setValue(doc, cfg.Node.History, "node", "history")
	}
	setUint(doc, cfg.Node.HistoryConfig.MaxPrimaryShards, "node", "history_config", "max_primary_shards")
	setUint(doc, cfg.Node.HistoryConfig.MaxRawShards, "node", "history_config", "max_raw_shards")
	if history, _ := getString(doc, "node", "history"); history == "custom" {
		shards, ok := getNumber(doc, "node", "history_config", "max_primary_shards")
		if !ok || shards <= 0 {
			return errors.NotValidf("custom history without max_primary_shards")
		}
	}

	setUint(doc, cfg.Mesh.IdleTimeout, "mesh", "idle_timeout")
	if len(cfg.Mesh.KnownPeers) > 0 {
		setValue(doc, toAnySlice(cfg.Mesh.KnownPeers), "mesh", "known_peers")
	}
	if cfg.Mesh.MsgForwarding != nil {
		setValue(doc, *cfg.Mesh.MsgForwarding, "mesh", "msg_forwarding")
	}
	setUint(doc, cfg.Mesh.MaxConnections, "mesh", "max_connections")

	setUint(doc, cfg.User.IdleTimeout, "user", "idle_timeout")
	setUint(doc, cfg.User.MaxBytesPerMsg, "user", "max_bytes_per_msg")
	setUint(doc, cfg.User.MaxConnections, "user", "max_connections")
	setUint(doc, cfg.User.ConcurrentReads, "user", "concurrent_read_requests")

	applyLogOverrides(doc, cfg.HPFS.Log, "hpfs", "log")
	applyLogOverrides(doc, cfg.Log, "log")
	return nil
}

func applyLogOverrides(doc map[string]any, log sockproto.LogConfig, path ...string) {
	if log.LogLevel != "" {
		setValue(doc, log.LogLevel, append(path, "log_level")...)
	}
	setUint(doc, log.MaxMBytesPerFile, append(path, "max_mbytes_per_file")...)
	setUint(doc, log.MaxFileCount, append(path, "max_file_count")...)
	if len(log.Loggers) > 0 {
		setValue(doc, toAnySlice(log.Loggers), append(path, "loggers")...)
	}
}

// readHPFSValues extracts and validates the filesystem service settings from
// the contract configuration.
func readHPFSValues(doc map[string]any) (string, bool, error) {
	logLevel, ok := getString(doc, "hpfs", "log", "log_level")
	if !ok {
		return "", false, errors.NotValidf("missing hpfs.log.log_level")
	}
	switch logLevel {
	case "dbg", "inf", "wrn", "err":
	default:
		return "", false, errors.NotValidf("hpfs log level %q", logLevel)
	}
	history, ok := getString(doc, "node", "history")
	if !ok {
		return "", false, errors.NotValidf("missing node.history")
	}
	switch history {
	case "full":
		return logLevel, true, nil
	case "custom":
		return logLevel, false, nil
	default:
		return "", false, errors.NotValidf("node history %q", history)
	}
}

// setValue writes value at the given path in the document, creating
// intermediate objects as needed.
func setValue(doc map[string]any, value any, path ...string) {
	node := doc
	for _, key := range path[:len(path)-1] {
		child, ok := node[key].(map[string]any)
		if !ok {
			child = map[string]any{}
			node[key] = child
		}
		node = child
	}
	node[path[len(path)-1]] = value
}

func setUint(doc map[string]any, value *uint64, path ...string) {
	if value != nil {
		setValue(doc, float64(*value), path...)
	}
}

func getString(doc map[string]any, path ...string) (string, bool) {
	value, ok := getValue(doc, path...)
	if !ok {
		return "", false
	}
	s, ok := value.(string)
	return s, ok
}

func getNumber(doc map[string]any, path ...string) (float64, bool) {
	value, ok := getValue(doc, path...)
	if !ok {
		return 0, false
	}
	n, ok := value.(float64)
	return n, ok
}

func getValue(doc map[string]any, path ...string) (any, bool) {
	node := doc
	for _, key := range path[:len(path)-1] {
		child, ok := node[key].(map[string]any)
		if !ok {
			return nil, false
		}
		node = child
	}
	value, ok := node[path[len(path)-1]]
	return value, ok
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
