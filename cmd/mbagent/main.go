// Copyright 2024 Sashimono Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

// mbagent is the message board agent. It connects the host to the ledger:
// serving acquire/extend/terminate requests through the reconciler, expiring
// leases on schedule, and heartbeating the registry every moment.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo/v2"
	"github.com/juju/pubsub/v2"

	"github.com/sashimono/agent/internal/config"
	"github.com/sashimono/agent/internal/daemon"
	"github.com/sashimono/agent/internal/expiry"
	"github.com/sashimono/agent/internal/halt"
	"github.com/sashimono/agent/internal/heartbeat"
	"github.com/sashimono/agent/internal/ledger"
	"github.com/sashimono/agent/internal/reconciler"
	"github.com/sashimono/agent/internal/store"
	"github.com/sashimono/agent/internal/txqueue"
)

var logger = loggo.GetLogger("sashimono.mbagent")

const (
	defaultDataDir       = "/etc/sashimono"
	defaultRippledServer = "wss://xahau.network"

	// rebateMaxDelay spreads rebate requests from hosts that see the same
	// registration event.
	rebateMaxDelay = 5 * time.Minute
)

func main() {
	os.Exit(Main(os.Args[1:]))
}

// Main runs the message board agent and returns the process exit code.
func Main(args []string) int {
	var dataDir, logConfig string
	flags := gnuflag.NewFlagSet("mbagent", gnuflag.ContinueOnError)
	flags.StringVar(&dataDir, "data-dir", defaultDataDir, "agent data directory")
	flags.StringVar(&logConfig, "log-config", "", "loggo configuration string")
	if err := flags.Parse(true, args); err != nil {
		if err == gnuflag.ErrHelp {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	if err := run(dataDir, logConfig); err != nil {
		logger.Errorf("%v", err)
		return 1
	}
	return 0
}

func run(dataDir, logConfig string) error {
	paths := config.Paths{DataDir: dataDir}
	agentCfg, err := config.Read(paths.AgentConfigPath())
	if err != nil {
		return errors.Trace(err)
	}
	if logConfig == "" {
		logConfig = agentCfg.LogConfig
	}
	if logConfig != "" {
		if err := loggo.ConfigureLoggers(logConfig); err != nil {
			return errors.Annotate(err, "configuring loggers")
		}
	}

	servers := []string{agentCfg.XRPL.RippledServer}
	if servers[0] == "" {
		servers[0] = defaultRippledServer
	}
	servers = append(servers, agentCfg.XRPL.FallbackRippledServers...)

	hub := pubsub.NewSimpleHub(nil)
	client, err := ledger.NewWSClient(ledger.WSConfig{
		Address:         agentCfg.XRPL.Address,
		Secret:          agentCfg.XRPL.Secret,
		GovernorAddress: agentCfg.XRPL.GovernorAddress,
		Servers:         servers,
		Clock:           clock.WallClock,
		Hub:             hub,
	})
	if err != nil {
		return errors.Trace(err)
	}

	ctx := context.Background()
	if err := client.Connect(ctx); err != nil {
		return errors.Annotate(err, "connecting to ledger")
	}
	defer func() { _ = client.Close() }()

	if err := os.MkdirAll(filepath.Dir(paths.LeaseDBPath()), 0700); err != nil {
		return errors.Trace(err)
	}
	leases, util, err := store.OpenLeaseDB(paths.LeaseDBPath())
	if err != nil {
		return errors.Trace(err)
	}
	governance, err := config.NewGovernanceStore(paths.GovernanceFilePath())
	if err != nil {
		return errors.Trace(err)
	}
	defer func() { _ = governance.Close() }()

	queue, err := txqueue.New(txqueue.Config{
		Validator:   client,
		Clock:       clock.WallClock,
		MaxExtraFee: agentCfg.XRPL.AffordableExtraFee,
	})
	if err != nil {
		return errors.Trace(err)
	}
	detector, err := halt.NewDetector(halt.Config{
		Clock:     clock.WallClock,
		Timeout:   time.Duration(agentCfg.HaltTimeoutSecs()) * time.Second,
		Threshold: agentCfg.HaltThreshold(),
	})
	if err != nil {
		return errors.Trace(err)
	}
	timeline := expiry.NewTimeline()

	rec, err := reconciler.NewWorker(reconciler.Config{
		Clock:          clock.WallClock,
		Ledger:         client,
		Daemon:         daemon.NewClient(paths.SocketPath()),
		Leases:         leases,
		Util:           util,
		Queue:          queue,
		Timeline:       timeline,
		Halt:           detector,
		Agent:          agentCfg,
		PruneInterval:  time.Duration(agentCfg.OrphanPruneHours()) * time.Hour,
		RebateMaxDelay: rebateMaxDelay,
	})
	if err != nil {
		return errors.Trace(err)
	}
	scheduler, err := expiry.NewScheduler(expiry.SchedulerConfig{
		Clock:    clock.WallClock,
		Tick:     time.Duration(agentCfg.TickSeconds()) * time.Second,
		Timeline: timeline,
		Halt:     detector,
		Queue:    queue,
		Expirer:  rec,
	})
	if err != nil {
		rec.Kill()
		_ = rec.Wait()
		return errors.Trace(err)
	}
	beats, err := heartbeat.NewWorker(heartbeat.Config{
		Clock:      clock.WallClock,
		Ledger:     client,
		Hub:        hub,
		Queue:      queue,
		Governance: governance,
	})
	if err != nil {
		rec.Kill()
		scheduler.Kill()
		_ = rec.Wait()
		_ = scheduler.Wait()
		return errors.Trace(err)
	}
	logger.Infof("mbagent up for %q", agentCfg.XRPL.Address)

	// The three workers live and die together: a fatal error in any one
	// (notably a ledger disconnect or desync in the reconciler) brings the
	// process down so systemd can restart it against a healthy server.
	errs := make(chan error, 3)
	go func() { errs <- rec.Wait() }()
	go func() { errs <- scheduler.Wait() }()
	go func() { errs <- beats.Wait() }()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	var fatal error
	waited := 0
	select {
	case sig := <-sigs:
		logger.Infof("caught %v, shutting down", sig)
	case fatal = <-errs:
		waited++
	}

	rec.Kill()
	scheduler.Kill()
	beats.Kill()
	for ; waited < 3; waited++ {
		if err := <-errs; fatal == nil && err != nil {
			fatal = err
		}
	}
	return errors.Trace(fatal)
}
