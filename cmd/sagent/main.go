// Copyright 2024 Sashimono Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

// sagent is the instance lifecycle daemon. It serves the lifecycle API over
// a unix socket under the data directory; instance state changes happen only
// through that socket.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo/v2"
	"github.com/juju/mutex/v2"

	"github.com/sashimono/agent/internal/config"
	"github.com/sashimono/agent/internal/daemon"
	"github.com/sashimono/agent/internal/instance"
	"github.com/sashimono/agent/internal/store"
)

var logger = loggo.GetLogger("sashimono.sagent")

const defaultDataDir = "/etc/sashimono"

func main() {
	os.Exit(Main(os.Args[1:]))
}

// Main runs the daemon and returns the process exit code.
func Main(args []string) int {
	var dataDir, logConfig string
	flags := gnuflag.NewFlagSet("sagent", gnuflag.ContinueOnError)
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

	// One daemon per host; a second copy would race on the socket and the
	// instance database.
	releaser, err := mutex.Acquire(mutex.Spec{
		Name:    "sashimono-sagent",
		Clock:   clock.WallClock,
		Delay:   250 * time.Millisecond,
		Timeout: 2 * time.Second,
	})
	if err != nil {
		return errors.Annotate(err, "another sagent appears to be running")
	}
	defer releaser.Release()

	ctx := context.Background()
	runner := instance.NewShellRunner()
	if err := instance.NewPreflight(runner).SystemReady(ctx); err != nil {
		return errors.Annotate(err, "host not ready")
	}

	instances, err := store.OpenInstanceDB(paths.InstanceDBPath())
	if err != nil {
		return errors.Trace(err)
	}

	// The lease store belongs to mbagent; it feeds the list reply when
	// present and is skipped quietly when the message board never ran.
	var leaseReader daemon.LeaseReader
	if _, statErr := os.Stat(paths.LeaseDBPath()); statErr == nil {
		leases, _, err := store.OpenLeaseDB(paths.LeaseDBPath())
		if err != nil {
			logger.Warningf("lease store unavailable: %v", err)
		} else {
			leaseReader = leases
		}
	}

	manager, err := instance.NewManager(ctx, instance.ManagerConfig{
		AgentConfig: agentCfg,
		Paths:       paths,
		Store:       instances,
		Runner:      runner,
		Clock:       clock.WallClock,
	})
	if err != nil {
		return errors.Trace(err)
	}

	w, err := daemon.NewWorker(daemon.Config{
		SocketPath: paths.SocketPath(),
		Manager:    manager,
		Leases:     leaseReader,
	})
	if err != nil {
		return errors.Trace(err)
	}
	logger.Infof("sagent serving on %q", paths.SocketPath())

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		logger.Infof("caught %v, shutting down", sig)
		w.Kill()
	}()

	return errors.Trace(w.Wait())
}
