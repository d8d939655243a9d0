// Copyright 2024 Sashimono Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package daemon_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	gc "gopkg.in/check.v1"

	"github.com/sashimono/agent/internal/config"
	"github.com/sashimono/agent/internal/daemon"
	"github.com/sashimono/agent/internal/instance"
	"github.com/sashimono/agent/internal/sockproto"
	"github.com/sashimono/agent/internal/store"
)

type stubRunner struct {
	mu        sync.Mutex
	uid       int
	failRunOn string
}

func (r *stubRunner) Run(ctx context.Context, cmd string) ([]byte, error) {
	r.mu.Lock()
	failOn := r.failRunOn
	r.mu.Unlock()
	if failOn != "" && strings.Contains(cmd, failOn) {
		return nil, errors.Errorf("command failed: %s", cmd)
	}
	switch {
	case strings.HasPrefix(cmd, "cp -r "):
		fields := strings.Fields(cmd)
		return nil, copyTree(strings.TrimSuffix(fields[2], "/."), fields[3])
	case strings.HasPrefix(cmd, "mv "):
		fields := strings.Fields(cmd)
		if err := os.MkdirAll(filepath.Dir(fields[2]), 0755); err != nil {
			return nil, err
		}
		return nil, os.Rename(fields[1], fields[2])
	}
	return nil, nil
}

func (r *stubRunner) RunScript(ctx context.Context, path string, args ...string) ([]string, error) {
	switch {
	case strings.Contains(path, "user-install"):
		r.mu.Lock()
		r.uid++
		uid := r.uid
		r.mu.Unlock()
		return []string{strconv.Itoa(10000 + uid), fmt.Sprintf("sashi%d", uid), "INST_SUC"}, nil
	case strings.Contains(path, "user-uninstall"):
		return []string{"UNINST_SUC"}, nil
	}
	return nil, errors.Errorf("unexpected script %q", path)
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, 0644)
	})
}

type daemonSuite struct {
	testing.IsolationSuite

	paths  config.Paths
	runner *stubRunner
	leases *store.LeaseStore
	worker *daemon.Worker
	client *daemon.Client
}

var _ = gc.Suite(&daemonSuite{})

const templateConfig = `{
  "contract": {},
  "node": {"role": "validator", "history": "full"},
  "mesh": {},
  "user": {},
  "hpfs": {"log": {"log_level": "inf"}}
}`

func (s *daemonSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	dir := c.MkDir()
	s.paths = config.Paths{DataDir: dir}
	s.runner = &stubRunner{}

	templateCfgDir := filepath.Join(s.paths.ContractTemplateDir(), "cfg")
	c.Assert(os.MkdirAll(templateCfgDir, 0755), jc.ErrorIsNil)
	c.Assert(os.WriteFile(filepath.Join(templateCfgDir, "hp.cfg"), []byte(templateConfig), 0644), jc.ErrorIsNil)

	instances, err := store.OpenInstanceDB(s.paths.InstanceDBPath())
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(os.MkdirAll(filepath.Dir(s.paths.LeaseDBPath()), 0755), jc.ErrorIsNil)
	leases, _, err := store.OpenLeaseDB(s.paths.LeaseDBPath())
	c.Assert(err, jc.ErrorIsNil)
	s.leases = leases

	mgr, err := instance.NewManager(context.Background(), instance.ManagerConfig{
		AgentConfig: &config.AgentConfig{
			Version: "0.8.4",
			XRPL: config.XRPLConfig{
				Address:         "rHOST",
				Secret:          "shSECRET",
				GovernorAddress: "rGOVERNOR",
				LeaseAmount:     2,
			},
			System: config.SystemConfig{
				MaxInstanceCount: 3,
				MaxCPUMicroSecs:  900000,
				MaxMemKBytes:     3145728,
				MaxSwapKBytes:    3145728,
				MaxStorageKBytes: 9437184,
			},
			HP: config.HPConfig{
				InitPeerPort:  22861,
				InitUserPort:  26201,
				InitGPTCPPort: 36525,
				InitGPUDPPort: 39064,
				HostAddress:   "198.51.100.7",
			},
		},
		Paths:    s.paths,
		Store:    instances,
		Runner:   s.runner,
		Clock:    clock.WallClock,
		HomeBase: filepath.Join(dir, "homes"),
	})
	c.Assert(err, jc.ErrorIsNil)

	s.worker, err = daemon.NewWorker(daemon.Config{
		SocketPath: s.paths.SocketPath(),
		Manager:    mgr,
		Leases:     leases,
	})
	c.Assert(err, jc.ErrorIsNil)
	s.AddCleanup(func(c *gc.C) { workertest.CleanKill(c, s.worker) })

	s.client = daemon.NewClient(s.paths.SocketPath())
}

func createRequest(name string) sockproto.CreateRequest {
	return sockproto.CreateRequest{
		ContainerName: name,
		OwnerPubKey:   "edOWNER",
		ContractID:    uuid.NewString(),
		Image:         "registry.example/hp.latest-ubt.20.04",
	}
}

func (s *daemonSuite) TestCreateAndList(c *gc.C) {
	ctx := context.Background()
	info, err := s.client.Create(ctx, createRequest("cont1"))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(info.ContainerName, gc.Equals, "cont1")
	c.Check(info.Status, gc.Equals, store.StatusRunning)
	c.Check(info.PeerPort, gc.Equals, uint16(22861))

	entries, err := s.client.List(ctx)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(entries, gc.HasLen, 1)
	c.Check(entries[0].ContainerName, gc.Equals, "cont1")
	c.Check(entries[0].TenantAddress, gc.Equals, "")
}

func (s *daemonSuite) TestListJoinsLeaseFields(c *gc.C) {
	ctx := context.Background()
	_, err := s.client.Create(ctx, createRequest("cont1"))
	c.Assert(err, jc.ErrorIsNil)

	c.Assert(s.leases.Insert(ctx, store.Lease{
		TxHash:          "ABCDEF",
		TenantAddress:   "rTENANT",
		ContainerName:   "cont1",
		LifeMoments:     2,
		Timestamp:       1724400000,
		CreatedOnLedger: 81000000,
		Status:          store.LeaseAcquired,
	}), jc.ErrorIsNil)

	entries, err := s.client.List(ctx)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(entries, gc.HasLen, 1)
	c.Check(entries[0].TenantAddress, gc.Equals, "rTENANT")
	c.Check(entries[0].LifeMoments, gc.Equals, uint64(2))
	c.Check(entries[0].CreatedOnLedger, gc.Equals, uint64(81000000))
}

func (s *daemonSuite) TestCreateRollsBackOnInitiateFailure(c *gc.C) {
	s.runner.failRunOn = "docker start"
	_, err := s.client.Create(context.Background(), createRequest("cont1"))
	c.Assert(err, jc.ErrorIs, sockproto.ErrContainerStart)

	entries, err := s.client.List(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(entries, gc.HasLen, 0)
}

func (s *daemonSuite) TestLifecycleOps(c *gc.C) {
	ctx := context.Background()
	_, err := s.client.Create(ctx, createRequest("cont1"))
	c.Assert(err, jc.ErrorIsNil)

	c.Assert(s.client.Stop(ctx, "cont1"), jc.ErrorIsNil)
	info, err := s.client.Inspect(ctx, "cont1")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(info.Status, gc.Equals, store.StatusStopped)
	c.Check(info.Username, gc.Equals, "sashi1")

	c.Assert(s.client.Start(ctx, "cont1"), jc.ErrorIsNil)
	c.Assert(s.client.Destroy(ctx, "cont1"), jc.ErrorIsNil)

	_, err = s.client.Inspect(ctx, "cont1")
	c.Assert(err, jc.ErrorIs, sockproto.ErrContainerNotFound)
}

func (s *daemonSuite) TestUnknownContainerKinds(c *gc.C) {
	ctx := context.Background()
	c.Check(s.client.Destroy(ctx, "nope"), jc.ErrorIs, sockproto.ErrNoContainer)
	c.Check(s.client.Stop(ctx, "nope"), jc.ErrorIs, sockproto.ErrNoContainer)
}

func (s *daemonSuite) rawRequest(c *gc.C, payload string) sockproto.Response {
	conn, err := net.Dial("unixpacket", s.paths.SocketPath())
	c.Assert(err, jc.ErrorIsNil)
	defer conn.Close()
	_, err = conn.Write([]byte(payload))
	c.Assert(err, jc.ErrorIsNil)
	frame, err := sockproto.ReadFrame(conn)
	c.Assert(err, jc.ErrorIsNil)
	var resp sockproto.Response
	c.Assert(json.Unmarshal(frame, &resp), jc.ErrorIsNil)
	return resp
}

func (s *daemonSuite) TestMalformedRequest(c *gc.C) {
	resp := s.rawRequest(c, "{not json")
	c.Check(resp.Type, gc.Equals, sockproto.MsgTypeError)
	c.Check(string(resp.Content), gc.Equals, `"format_error"`)
}

func (s *daemonSuite) TestUnknownMessageType(c *gc.C) {
	resp := s.rawRequest(c, `{"type":"reboot"}`)
	c.Check(resp.Type, gc.Equals, sockproto.MsgTypeError)
	c.Check(string(resp.Content), gc.Equals, `"type_error"`)
}
