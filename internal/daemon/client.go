// Copyright 2024 Sashimono Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package daemon

import (
	"context"
	"encoding/json"
	"net"
	"time"

	"github.com/juju/errors"

	"github.com/sashimono/agent/internal/sockproto"
)

// Client is a one-shot-per-call client for the daemon socket. Each call
// opens a fresh connection, sends one request and reads one framed reply.
type Client struct {
	socketPath string
}

// NewClient returns a client for the daemon socket at path.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

// List returns all instances, joined with their lease details where known.
func (c *Client) List(ctx context.Context) ([]sockproto.ListEntry, error) {
	resp, err := c.do(ctx, sockproto.Envelope{Type: sockproto.MsgTypeList})
	if err != nil {
		return nil, errors.Trace(err)
	}
	var entries []sockproto.ListEntry
	if err := expect(resp, sockproto.MsgTypeListRes, &entries); err != nil {
		return nil, errors.Trace(err)
	}
	return entries, nil
}

// Create creates and starts a new instance.
func (c *Client) Create(ctx context.Context, req sockproto.CreateRequest) (sockproto.InstanceInfo, error) {
	req.Type = sockproto.MsgTypeCreate
	resp, err := c.do(ctx, req)
	if err != nil {
		return sockproto.InstanceInfo{}, errors.Trace(err)
	}
	if resp.Type == sockproto.MsgTypeInitiateError {
		var content sockproto.ErrorContent
		if err := json.Unmarshal(resp.Content, &content); err != nil {
			return sockproto.InstanceInfo{}, errors.Trace(err)
		}
		return sockproto.InstanceInfo{}, errors.Annotatef(
			sockproto.ErrorKind(content.Error), "initiating instance %q", content.ContainerName)
	}
	var info sockproto.InstanceInfo
	if err := expect(resp, sockproto.MsgTypeCreateRes, &info); err != nil {
		return sockproto.InstanceInfo{}, errors.Trace(err)
	}
	return info, nil
}

// Destroy removes an instance and releases its resources.
func (c *Client) Destroy(ctx context.Context, containerName string) error {
	return c.basicOp(ctx, sockproto.MsgTypeDestroy, sockproto.MsgTypeDestroyRes, containerName)
}

// Start starts a stopped instance.
func (c *Client) Start(ctx context.Context, containerName string) error {
	return c.basicOp(ctx, sockproto.MsgTypeStart, sockproto.MsgTypeStartRes, containerName)
}

// Stop stops a running instance.
func (c *Client) Stop(ctx context.Context, containerName string) error {
	return c.basicOp(ctx, sockproto.MsgTypeStop, sockproto.MsgTypeStopRes, containerName)
}

// Inspect returns an instance's details including its OS username.
func (c *Client) Inspect(ctx context.Context, containerName string) (sockproto.InstanceInfo, error) {
	resp, err := c.do(ctx, sockproto.BasicRequest{
		Type:          sockproto.MsgTypeInspect,
		ContainerName: containerName,
	})
	if err != nil {
		return sockproto.InstanceInfo{}, errors.Trace(err)
	}
	var info sockproto.InstanceInfo
	if err := expect(resp, sockproto.MsgTypeInspectRes, &info); err != nil {
		return sockproto.InstanceInfo{}, errors.Trace(err)
	}
	return info, nil
}

func (c *Client) basicOp(ctx context.Context, msgType, resType, containerName string) error {
	resp, err := c.do(ctx, sockproto.BasicRequest{Type: msgType, ContainerName: containerName})
	if err != nil {
		return errors.Trace(err)
	}
	var ack string
	return errors.Trace(expect(resp, resType, &ack))
}

func (c *Client) do(ctx context.Context, req any) (sockproto.Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return sockproto.Response{}, errors.Trace(err)
	}
	if len(payload) > sockproto.MaxMessageSize {
		return sockproto.Response{}, errors.Errorf("request of %d bytes exceeds message size limit", len(payload))
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unixpacket", c.socketPath)
	if err != nil {
		return sockproto.Response{}, errors.Annotate(err, "connecting to agent socket")
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(requestTimeout))
	}

	if _, err := conn.Write(payload); err != nil {
		return sockproto.Response{}, errors.Annotate(err, "sending request")
	}
	frame, err := sockproto.ReadFrame(conn)
	if err != nil {
		return sockproto.Response{}, errors.Annotate(err, "reading reply")
	}
	var resp sockproto.Response
	if err := json.Unmarshal(frame, &resp); err != nil {
		return sockproto.Response{}, errors.Annotate(err, "parsing reply")
	}
	return resp, nil
}

// expect unmarshals a success reply of the given type into out, translating
// error replies into their ErrorKind.
func expect(resp sockproto.Response, resType string, out any) error {
	if resp.Type == resType {
		return errors.Trace(json.Unmarshal(resp.Content, out))
	}
	var kind string
	if err := json.Unmarshal(resp.Content, &kind); err != nil {
		return errors.Errorf("unexpected reply %q", resp.Type)
	}
	return sockproto.ErrorKind(kind)
}
