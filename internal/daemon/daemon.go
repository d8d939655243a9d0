// Copyright 2024 Sashimono Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package daemon serves the instance lifecycle API on a unix domain socket
// of type SOCK_SEQPACKET. Each connection carries exactly one request, a raw
// JSON object, and receives one length-prefix framed JSON reply. Requests
// are handled strictly one at a time.
package daemon

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"os/user"
	"strconv"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/worker/v4/catacomb"

	"github.com/sashimono/agent/internal/instance"
	"github.com/sashimono/agent/internal/sockproto"
	"github.com/sashimono/agent/internal/store"
)

var logger = loggo.GetLogger("sashimono.daemon")

// Socket clients must belong to this group.
const socketGroup = "sashiadmin"

// Per-request wall clock bound; covers container creation, which may pull
// an image.
const requestTimeout = 150 * time.Second

// LeaseReader looks up the lease backing a container, for the list reply.
type LeaseReader interface {
	GetByContainer(ctx context.Context, containerName string) (store.Lease, error)
}

// Config holds the daemon worker dependencies.
type Config struct {
	SocketPath string
	Manager    *instance.Manager

	// Leases is optional; without it list replies carry no lease fields.
	Leases LeaseReader
}

// Validate checks the daemon configuration.
func (c Config) Validate() error {
	if c.SocketPath == "" {
		return errors.NotValidf("empty SocketPath")
	}
	if c.Manager == nil {
		return errors.NotValidf("nil Manager")
	}
	return nil
}

// Worker is the socket-serving daemon worker.
type Worker struct {
	catacomb catacomb.Catacomb
	config   Config
	listener net.Listener
}

// NewWorker binds the socket and starts serving requests.
func NewWorker(config Config) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}

	// A previous run may have left the socket file behind.
	if err := os.Remove(config.SocketPath); err != nil && !os.IsNotExist(err) {
		return nil, errors.Annotate(err, "removing stale socket")
	}
	listener, err := net.Listen("unixpacket", config.SocketPath)
	if err != nil {
		return nil, errors.Annotate(err, "listening on agent socket")
	}
	if err := restrictSocket(config.SocketPath); err != nil {
		_ = listener.Close()
		return nil, errors.Trace(err)
	}

	w := &Worker{
		config:   config,
		listener: listener,
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Name: "instance-daemon",
		Site: &w.catacomb,
		Work: w.loop,
	}); err != nil {
		_ = listener.Close()
		return nil, errors.Trace(err)
	}
	return w, nil
}

// restrictSocket narrows the socket to the admin group where it exists.
func restrictSocket(path string) error {
	if err := os.Chmod(path, 0660); err != nil {
		return errors.Annotate(err, "restricting socket mode")
	}
	group, err := user.LookupGroup(socketGroup)
	if err != nil {
		logger.Warningf("group %q not found, leaving socket group ownership alone", socketGroup)
		return nil
	}
	gid, err := strconv.Atoi(group.Gid)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Annotate(os.Chown(path, -1, gid), "changing socket group")
}

// Kill is part of the worker.Worker interface.
func (w *Worker) Kill() {
	w.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *Worker) Wait() error {
	return w.catacomb.Wait()
}

func (w *Worker) loop() error {
	logger.Infof("listening on %q", w.config.SocketPath)

	// Closing the listener is the only way to unblock Accept.
	go func() {
		<-w.catacomb.Dying()
		_ = w.listener.Close()
	}()

	conns := make(chan net.Conn)
	go w.acceptLoop(conns)

	for {
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()
		case conn, ok := <-conns:
			if !ok {
				return w.catacomb.ErrDying()
			}
			w.handleConn(conn)
		}
	}
}

func (w *Worker) acceptLoop(conns chan<- net.Conn) {
	defer close(conns)
	for {
		conn, err := w.listener.Accept()
		if err != nil {
			select {
			case <-w.catacomb.Dying():
			default:
				w.catacomb.Kill(errors.Annotate(err, "accepting connection"))
			}
			return
		}
		select {
		case conns <- conn:
		case <-w.catacomb.Dying():
			_ = conn.Close()
			return
		}
	}
}

// handleConn processes the connection's single request and closes it.
func (w *Worker) handleConn(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(requestTimeout))

	ctx, cancel := context.WithTimeout(w.catacomb.Context(context.Background()), requestTimeout)
	defer cancel()

	// A SOCK_SEQPACKET read returns one whole request.
	buf := make([]byte, sockproto.MaxMessageSize)
	n, err := conn.Read(buf)
	if err != nil {
		logger.Errorf("reading request: %v", err)
		return
	}
	raw := buf[:n]

	msgType, reply := w.dispatch(ctx, raw)
	payload, err := sockproto.NewResponse(msgType, reply)
	if err != nil {
		logger.Errorf("encoding %q reply: %v", msgType, err)
		return
	}
	if err := sockproto.WriteFrame(conn, payload); err != nil {
		logger.Errorf("writing %q reply: %v", msgType, err)
	}
}

// dispatch routes a raw request to its handler and shapes the reply.
func (w *Worker) dispatch(ctx context.Context, raw []byte) (string, any) {
	var envelope sockproto.Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		logger.Errorf("malformed request: %v", err)
		return sockproto.MsgTypeError, string(sockproto.ErrFormat)
	}
	logger.Debugf("received %q request", envelope.Type)

	switch envelope.Type {
	case sockproto.MsgTypeList:
		entries, err := w.handleList(ctx)
		if err != nil {
			return sockproto.MsgTypeListError, string(sockproto.KindOf(err))
		}
		return sockproto.MsgTypeListRes, entries

	case sockproto.MsgTypeCreate:
		var req sockproto.CreateRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return sockproto.MsgTypeCreateError, string(sockproto.ErrFormat)
		}
		return w.handleCreate(ctx, req)

	case sockproto.MsgTypeDestroy:
		return w.basicOp(ctx, raw, sockproto.MsgTypeDestroyRes, sockproto.MsgTypeDestroyError,
			w.config.Manager.Destroy, "destroy_success")

	case sockproto.MsgTypeStart:
		return w.basicOp(ctx, raw, sockproto.MsgTypeStartRes, sockproto.MsgTypeStartError,
			w.config.Manager.Start, "start_success")

	case sockproto.MsgTypeStop:
		return w.basicOp(ctx, raw, sockproto.MsgTypeStopRes, sockproto.MsgTypeStopError,
			w.config.Manager.Stop, "stop_success")

	case sockproto.MsgTypeInspect:
		var req sockproto.BasicRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return sockproto.MsgTypeInspectError, string(sockproto.ErrFormat)
		}
		info, err := w.config.Manager.Inspect(ctx, req.ContainerName)
		if err != nil {
			return sockproto.MsgTypeInspectError, string(sockproto.KindOf(err))
		}
		return sockproto.MsgTypeInspectRes, info

	default:
		logger.Errorf("unknown message type %q", envelope.Type)
		return sockproto.MsgTypeError, string(sockproto.ErrType)
	}
}

// handleCreate creates and initiates an instance. A failure after creation
// rolls the instance back entirely and is reported as an initiate error so
// the client knows no half-created instance remains.
func (w *Worker) handleCreate(ctx context.Context, req sockproto.CreateRequest) (string, any) {
	info, err := w.config.Manager.Create(ctx, req)
	if err != nil {
		logger.Errorf("creating instance %q: %v", req.ContainerName, err)
		return sockproto.MsgTypeCreateError, string(sockproto.KindOf(err))
	}

	if err := w.config.Manager.Initiate(ctx, req.ContainerName, req.Config); err != nil {
		logger.Errorf("initiating instance %q: %v", req.ContainerName, err)
		if destroyErr := w.config.Manager.Destroy(ctx, req.ContainerName); destroyErr != nil {
			logger.Errorf("rolling back instance %q: %v", req.ContainerName, destroyErr)
		}
		return sockproto.MsgTypeInitiateError, sockproto.ErrorContent{
			ContainerName: req.ContainerName,
			Error:         string(sockproto.KindOf(err)),
		}
	}

	info.Status = store.StatusRunning
	return sockproto.MsgTypeCreateRes, info
}

func (w *Worker) handleList(ctx context.Context) ([]sockproto.ListEntry, error) {
	infos, err := w.config.Manager.List(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	entries := make([]sockproto.ListEntry, len(infos))
	for i, info := range infos {
		entries[i] = sockproto.ListEntry{InstanceInfo: info}
		if w.config.Leases == nil {
			continue
		}
		lease, err := w.config.Leases.GetByContainer(ctx, info.ContainerName)
		if errors.Is(err, errors.NotFound) {
			continue
		} else if err != nil {
			return nil, errors.Trace(err)
		}
		entries[i].TenantAddress = lease.TenantAddress
		entries[i].LifeMoments = lease.LifeMoments
		entries[i].CreatedOnLedger = lease.CreatedOnLedger
		entries[i].CreatedTS = lease.Timestamp
	}
	return entries, nil
}

func (w *Worker) basicOp(ctx context.Context, raw []byte, resType, errType string,
	op func(context.Context, string) error, ack string,
) (string, any) {
	var req sockproto.BasicRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return errType, string(sockproto.ErrFormat)
	}
	if err := op(ctx, req.ContainerName); err != nil {
		logger.Errorf("%s %q: %v", req.Type, req.ContainerName, err)
		return errType, string(sockproto.KindOf(err))
	}
	return resType, ack
}
