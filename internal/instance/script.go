// Copyright 2024 Sashimono Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package instance

import (
	"context"
	"os/exec"
	"strconv"
	"strings"

	"github.com/juju/errors"

	"github.com/sashimono/agent/internal/sockproto"
	"github.com/sashimono/agent/internal/store"
)

// Sentinels terminating the privileged scripts' stdout. The last line is the
// status; on success the first line is the uid and the second the username,
// on error the first line is the error string.
const (
	installSuccess   = "INST_SUC"
	installError     = "INST_ERR"
	uninstallSuccess = "UNINST_SUC"
	uninstallError   = "UNINST_ERR"
)

// CommandRunner executes host commands on behalf of the manager. The
// indirection exists so tests can intercept every shell and script
// invocation.
type CommandRunner interface {
	// Run executes a shell command line and returns its stdout.
	Run(ctx context.Context, command string) ([]byte, error)
	// RunScript executes a script file with arguments and returns its
	// stdout split into lines.
	RunScript(ctx context.Context, path string, args ...string) ([]string, error)
}

// NewShellRunner returns the production CommandRunner, backed by bash.
func NewShellRunner() CommandRunner {
	return shellRunner{}
}

type shellRunner struct{}

func (shellRunner) Run(ctx context.Context, command string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, "/bin/bash", "-c", command).Output()
	return out, errors.Trace(err)
}

func (shellRunner) RunScript(ctx context.Context, path string, args ...string) ([]string, error) {
	out, err := exec.CommandContext(ctx, "/bin/bash", append([]string{path}, args...)...).Output()
	if err != nil {
		return nil, errors.Trace(err)
	}
	return splitLines(out), nil
}

func splitLines(out []byte) []string {
	var lines []string
	for _, line := range strings.Split(string(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// installUser creates the instance's OS user and cgroup limits through the
// privileged install script and returns the new uid and username.
func (m *Manager) installUser(ctx context.Context, req sockproto.CreateRequest, ports store.Ports) (int, string, error) {
	args := []string{
		strconv.FormatUint(m.resources.CPUMicroSecs, 10),
		strconv.FormatUint(m.resources.MemKBytes, 10),
		strconv.FormatUint(m.resources.SwapKBytes, 10),
		strconv.FormatUint(m.resources.StorageKBytes, 10),
		req.ContainerName,
		strconv.Itoa(ContractUID),
		strconv.Itoa(ContractGID),
		strconv.Itoa(int(ports.PeerPort)),
		strconv.Itoa(int(ports.UserPort)),
		strconv.Itoa(int(ports.GPTCPPortStart)),
		strconv.Itoa(int(ports.GPUDPPortStart)),
		req.Image,
		req.OutboundIPv6,
		req.OutboundNetInterface,
	}
	lines, err := m.runner.RunScript(ctx, m.paths.UserInstallScript(), args...)
	if err != nil {
		return 0, "", errors.Annotate(err, "running user install script")
	}
	if len(lines) == 0 {
		return 0, "", errors.New("user install script produced no output")
	}
	switch lines[len(lines)-1] {
	case installSuccess:
		if len(lines) < 3 {
			return 0, "", errors.New("user install script output is short")
		}
		uid, err := strconv.Atoi(lines[0])
		if err != nil {
			return 0, "", errors.Annotate(err, "invalid user id from install script")
		}
		username := lines[1]
		logger.Infof("created new user %q, uid %d", username, uid)
		return uid, username, nil
	case installError:
		return 0, "", errors.Errorf("user creation error: %s", lines[0])
	default:
		return 0, "", errors.Errorf("unknown user creation error: %s", lines[0])
	}
}

// uninstallUser deletes the instance's OS user and its limits.
func (m *Manager) uninstallUser(ctx context.Context, username string, ports store.Ports, containerName string) error {
	args := []string{
		username,
		strconv.Itoa(int(ports.PeerPort)),
		strconv.Itoa(int(ports.UserPort)),
		strconv.Itoa(int(ports.GPTCPPortStart)),
		strconv.Itoa(int(ports.GPUDPPortStart)),
		containerName,
	}
	lines, err := m.runner.RunScript(ctx, m.paths.UserUninstallScript(), args...)
	if err != nil {
		return errors.Annotate(err, "running user uninstall script")
	}
	if len(lines) == 0 {
		return errors.New("user uninstall script produced no output")
	}
	switch lines[len(lines)-1] {
	case uninstallSuccess:
		logger.Infof("deleted the user %q", username)
		return nil
	case uninstallError:
		return errors.Errorf("user removing error: %s", lines[0])
	default:
		return errors.Errorf("unknown user removing error: %s", lines[0])
	}
}
