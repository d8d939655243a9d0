// Copyright 2024 Sashimono Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package instance

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/juju/errors"

	"github.com/sashimono/agent/internal/store"
)

// Container creation pulls the image when missing, so it gets a generous
// bound. The timeout command delivers SIGINT so a wedged pull dies cleanly.
const containerCreateTimeout = 120 * time.Second

// Each instance user runs its own rootless container runtime; commands are
// routed to it through the per-user socket.
func dockerHost(username string) string {
	return fmt.Sprintf("DOCKER_HOST=unix:///run/user/$(id -u %s)/docker.sock", username)
}

// containerCreate creates (but does not start) the instance container with
// its port mappings, resource-friendly log rotation and the contract
// directory bind mounted in.
func (m *Manager) containerCreate(ctx context.Context, username, imageName, containerName, contractDir string, ports store.Ports) error {
	portArgs := fmt.Sprintf(
		"-p %d:%d -p %d:%d -p %d:%d/udp -p %d:%d -p %d:%d -p %d:%d/udp -p %d:%d/udp",
		ports.UserPort, ports.UserPort,
		ports.PeerPort, ports.PeerPort,
		ports.PeerPort, ports.PeerPort,
		ports.GPTCPPortStart, ports.GPTCPPortStart,
		ports.GPTCPPortStart+1, ports.GPTCPPortStart+1,
		ports.GPUDPPortStart, ports.GPUDPPortStart,
		ports.GPUDPPortStart+1, ports.GPUDPPortStart+1)

	cmd := fmt.Sprintf(
		"%s timeout --foreground -v -s SIGINT %.0fs docker create -t -i "+
			"--stop-signal=SIGINT --log-driver local --log-opt max-size=5m --log-opt max-file=2 "+
			"--name=%s %s --restart unless-stopped "+
			"--mount type=bind,source=%s,target=/contract %s run /contract",
		dockerHost(username), containerCreateTimeout.Seconds(),
		containerName, portArgs, contractDir, imageName)

	ctx, cancel := context.WithTimeout(ctx, containerCreateTimeout+10*time.Second)
	defer cancel()
	if _, err := m.runner.Run(ctx, cmd); err != nil {
		return errors.Annotatef(err, "creating container %q", containerName)
	}
	return nil
}

func (m *Manager) containerStart(ctx context.Context, username, containerName string) error {
	_, err := m.runner.Run(ctx, fmt.Sprintf("%s docker start %s", dockerHost(username), containerName))
	return errors.Annotatef(err, "starting container %q", containerName)
}

func (m *Manager) containerStop(ctx context.Context, username, containerName string) error {
	_, err := m.runner.Run(ctx, fmt.Sprintf("%s docker stop %s", dockerHost(username), containerName))
	return errors.Annotatef(err, "stopping container %q", containerName)
}

func (m *Manager) containerRemove(ctx context.Context, username, containerName string) error {
	_, err := m.runner.Run(ctx, fmt.Sprintf("%s docker rm -f %s", dockerHost(username), containerName))
	return errors.Annotatef(err, "removing container %q", containerName)
}

// ContainerStatus reports the runtime state string of the container, for
// example "running" or "exited".
func (m *Manager) ContainerStatus(ctx context.Context, username, containerName string) (string, error) {
	out, err := m.runner.Run(ctx, fmt.Sprintf(
		"%s docker inspect --format {{.State.Status}} %s", dockerHost(username), containerName))
	if err != nil {
		return "", errors.Annotatef(err, "inspecting container %q", containerName)
	}
	return strings.TrimSpace(string(out)), nil
}

// startHPFS configures and starts the per-user contract filesystem services.
// Merge is disabled when the instance keeps full history.
func (m *Manager) startHPFS(ctx context.Context, username, logLevel string, fullHistory bool) error {
	runtimeDir := fmt.Sprintf("XDG_RUNTIME_DIR=/run/user/$(id -u %s)", username)
	conf := fmt.Sprintf(
		"sudo -u %s %s systemctl --user set-environment HPFS_TRACE=%s HPFS_MERGE=%t",
		username, runtimeDir, logLevel, !fullHistory)
	if _, err := m.runner.Run(ctx, conf); err != nil {
		return errors.Annotate(err, "configuring contract filesystem")
	}
	start := fmt.Sprintf(
		"sudo -u %s %s systemctl --user start contract_fs ledger_fs",
		username, runtimeDir)
	if _, err := m.runner.Run(ctx, start); err != nil {
		return errors.Annotate(err, "starting contract filesystem")
	}
	return nil
}

func (m *Manager) stopHPFS(ctx context.Context, username string) error {
	cmd := fmt.Sprintf(
		"sudo -u %s XDG_RUNTIME_DIR=/run/user/$(id -u %s) systemctl --user stop contract_fs ledger_fs",
		username, username)
	if _, err := m.runner.Run(ctx, cmd); err != nil {
		return errors.Annotate(err, "stopping contract filesystem")
	}
	return nil
}
