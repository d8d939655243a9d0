// Copyright 2024 Sashimono Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package sockproto defines the message envelope and framing used on the
// lifecycle daemon's unix domain socket. Requests are a single raw JSON
// object; responses are length-prefix framed (see frame.go).
package sockproto

import (
	"encoding/json"

	"github.com/juju/errors"
)

// Request message types recognised by the daemon.
const (
	MsgTypeList    = "list"
	MsgTypeCreate  = "create"
	MsgTypeDestroy = "destroy"
	MsgTypeStart   = "start"
	MsgTypeStop    = "stop"
	MsgTypeInspect = "inspect"
)

// Response message types. Each request type has a "_res" success reply and
// an "_error" failure reply. MsgTypeInitiateError is special: it signals that
// the instance was created but post-create configuration or start failed, and
// that the daemon has already rolled the instance back.
const (
	MsgTypeListRes       = "list_res"
	MsgTypeCreateRes     = "create_res"
	MsgTypeDestroyRes    = "destroy_res"
	MsgTypeStartRes      = "start_res"
	MsgTypeStopRes       = "stop_res"
	MsgTypeInspectRes    = "inspect_res"
	MsgTypeListError     = "list_error"
	MsgTypeCreateError   = "create_error"
	MsgTypeDestroyError  = "destroy_error"
	MsgTypeStartError    = "start_error"
	MsgTypeStopError     = "stop_error"
	MsgTypeInspectError  = "inspect_error"
	MsgTypeInitiateError = "initiate_error"
	MsgTypeError         = "error"
)

// ErrorKind is a machine-readable error string returned over the socket.
type ErrorKind string

const (
	ErrFormat                ErrorKind = "format_error"
	ErrType                  ErrorKind = "type_error"
	ErrDBRead                ErrorKind = "db_read_error"
	ErrDBWrite               ErrorKind = "db_write_error"
	ErrUserInstall           ErrorKind = "user_install_error"
	ErrUserUninstall         ErrorKind = "user_uninstall_error"
	ErrInstance              ErrorKind = "instance_error"
	ErrConfRead              ErrorKind = "conf_read_error"
	ErrContainerConf         ErrorKind = "container_conf_error"
	ErrContainerStart        ErrorKind = "container_start_error"
	ErrContainerUpdate       ErrorKind = "container_update_error"
	ErrContainerDestroy      ErrorKind = "container_destroy_error"
	ErrNoContainer           ErrorKind = "no_container"
	ErrDupContainer          ErrorKind = "dup_container"
	ErrMaxAllocReached       ErrorKind = "max_alloc_reached"
	ErrContractIDBadFormat   ErrorKind = "contractid_bad_format"
	ErrImageInvalid          ErrorKind = "docker_image_invalid"
	ErrContainerNotFound     ErrorKind = "container_not_found"
	ErrInstanceAlreadyExists ErrorKind = "instance_already_exists"
)

// Error implements error so an ErrorKind can travel up a handler chain and
// be matched with errors.Is.
func (k ErrorKind) Error() string {
	return string(k)
}

// KindOf extracts the ErrorKind carried by err, if any. Errors with no
// embedded kind map onto the generic instance error.
func KindOf(err error) ErrorKind {
	var kind ErrorKind
	if errors.As(err, &kind) {
		return kind
	}
	return ErrInstance
}

// Envelope carries only the type discriminator, for routing.
type Envelope struct {
	Type string `json:"type"`
}

// CreateRequest asks the daemon to create and start a new instance.
type CreateRequest struct {
	Type                 string         `json:"type"`
	ContainerName        string         `json:"container_name"`
	OwnerPubKey          string         `json:"owner_pubkey"`
	ContractID           string         `json:"contract_id"`
	Image                string         `json:"image"`
	OutboundIPv6         string         `json:"outbound_ipv6,omitempty"`
	OutboundNetInterface string         `json:"outbound_net_interface,omitempty"`
	Config               InstanceConfig `json:"config"`
}

// BasicRequest covers the operations that only name a container.
type BasicRequest struct {
	Type          string `json:"type"`
	ContainerName string `json:"container_name"`
}

// Response is the generic reply envelope. Content is either a plain string
// (errors, acknowledgements) or a JSON object/array (list, create, inspect).
type Response struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

// NewResponse builds a reply with the given content, which may be a string
// or any JSON-marshalable value.
func NewResponse(msgType string, content any) ([]byte, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return json.Marshal(Response{Type: msgType, Content: raw})
}

// ErrorContent is the content of an initiate_error reply, naming the
// container the error relates to.
type ErrorContent struct {
	ContainerName string `json:"container_name"`
	Error         string `json:"error"`
}

// InstanceInfo is the instance view returned by create, inspect and list.
// Inspect replies carry the OS username under the "user" key so a client can
// compose a runtime attach command.
type InstanceInfo struct {
	ContainerName  string `json:"container_name"`
	OwnerPubKey    string `json:"owner_pubkey"`
	ContractID     string `json:"contract_id"`
	ContractDir    string `json:"contract_dir,omitempty"`
	ImageName      string `json:"image_name"`
	IP             string `json:"ip"`
	PubKey         string `json:"pubkey"`
	PeerPort       uint16 `json:"peer_port"`
	UserPort       uint16 `json:"user_port"`
	GPTCPPortStart uint16 `json:"gp_tcp_port_start"`
	GPUDPPortStart uint16 `json:"gp_udp_port_start"`
	Status         string `json:"status"`
	Username       string `json:"user"`
}

// ListEntry is an InstanceInfo joined with the matching lease fields from
// the message board database, when one exists.
type ListEntry struct {
	InstanceInfo
	TenantAddress   string `json:"tenant_xrp_address,omitempty"`
	LifeMoments     uint64 `json:"life_moments,omitempty"`
	CreatedOnLedger uint64 `json:"created_on_ledger,omitempty"`
	CreatedTS       int64  `json:"timestamp,omitempty"`
}

// InstanceConfig carries tenant-supplied overrides for the instance's
// on-disk contract configuration. Nil/empty fields leave the template value
// untouched.
type InstanceConfig struct {
	Contract ContractConfig `json:"contract,omitempty"`
	Node     NodeConfig     `json:"node,omitempty"`
	Mesh     MeshConfig     `json:"mesh,omitempty"`
	User     UserConfig     `json:"user,omitempty"`
	HPFS     HPFSConfig     `json:"hpfs,omitempty"`
	Log      LogConfig      `json:"log,omitempty"`
}

type ContractConfig struct {
	UNL                  []string          `json:"unl,omitempty"`
	Execute              *bool             `json:"execute,omitempty"`
	Environment          map[string]string `json:"environment,omitempty"`
	MaxInputLedgerOffset *uint64           `json:"max_input_ledger_offset,omitempty"`
	Consensus            ConsensusConfig   `json:"consensus,omitempty"`
	NPLMode              string            `json:"npl_mode,omitempty"`
	RoundLimits          RoundLimits       `json:"round_limits,omitempty"`
	Log                  LogConfig         `json:"log,omitempty"`
}

type ConsensusConfig struct {
	Mode       string  `json:"mode,omitempty"`
	RoundTime  *uint64 `json:"roundtime,omitempty"`
	StageSlice *uint64 `json:"stage_slice,omitempty"`
	Threshold  *uint64 `json:"threshold,omitempty"`
}

type RoundLimits struct {
	UserInputBytes  *uint64 `json:"user_input_bytes,omitempty"`
	UserOutputBytes *uint64 `json:"user_output_bytes,omitempty"`
	NPLOutputBytes  *uint64 `json:"npl_output_bytes,omitempty"`
	ProcCPUSeconds  *uint64 `json:"proc_cpu_seconds,omitempty"`
	ProcMemBytes    *uint64 `json:"proc_mem_bytes,omitempty"`
	ProcOFDCount    *uint64 `json:"proc_ofd_count,omitempty"`
	ExecTimeout     *uint64 `json:"exec_timeout,omitempty"`
}

type NodeConfig struct {
	Role          string        `json:"role,omitempty"`
	History       string        `json:"history,omitempty"`
	HistoryConfig HistoryConfig `json:"history_config,omitempty"`
}

type HistoryConfig struct {
	MaxPrimaryShards *uint64 `json:"max_primary_shards,omitempty"`
	MaxRawShards     *uint64 `json:"max_raw_shards,omitempty"`
}

type MeshConfig struct {
	IdleTimeout    *uint64  `json:"idle_timeout,omitempty"`
	KnownPeers     []string `json:"known_peers,omitempty"`
	MsgForwarding  *bool    `json:"msg_forwarding,omitempty"`
	MaxConnections *uint64  `json:"max_connections,omitempty"`
}

type UserConfig struct {
	IdleTimeout     *uint64 `json:"idle_timeout,omitempty"`
	MaxBytesPerMsg  *uint64 `json:"max_bytes_per_msg,omitempty"`
	MaxConnections  *uint64 `json:"max_connections,omitempty"`
	ConcurrentReads *uint64 `json:"concurrent_read_requests,omitempty"`
}

type HPFSConfig struct {
	Log LogConfig `json:"log,omitempty"`
}

type LogConfig struct {
	LogLevel         string   `json:"log_level,omitempty"`
	MaxMBytesPerFile *uint64  `json:"max_mbytes_per_file,omitempty"`
	MaxFileCount     *uint64  `json:"max_file_count,omitempty"`
	Loggers          []string `json:"loggers,omitempty"`
}
