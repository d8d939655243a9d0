// Copyright 2024 Sashimono Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package instance

import (
	"context"
	"os"
	"regexp"
	"strings"

	"github.com/juju/errors"
)

// Preflight verifies the host is able to run resource-bounded instances
// before the daemon starts accepting requests.
type Preflight struct {
	Runner CommandRunner

	// Overridable for tests.
	CgroupCPUDir  string
	CgroupMemDir  string
	CgrulesConf   string
	RebootPkgFile string
}

// NewPreflight returns a Preflight with the standard host paths.
func NewPreflight(runner CommandRunner) *Preflight {
	return &Preflight{
		Runner:        runner,
		CgroupCPUDir:  "/sys/fs/cgroup/cpu",
		CgroupMemDir:  "/sys/fs/cgroup/memory",
		CgrulesConf:   "/etc/cgrules.conf",
		RebootPkgFile: "/run/reboot-required.pkgs",
	}
}

// Instance users are named after this group; the cgroup rule must cover the
// whole group so every instance user inherits its limits.
var cgrulesPattern = regexp.MustCompile(`(?m)^\s*@sashiuser\s+cpu,memory\s+%u-cg\s*$`)

var rebootPendingPattern = regexp.MustCompile(`(?m)^\s*sashimono\s*$`)

// SystemReady reports whether the resource control plumbing the instances
// depend on is in place: the cgroup rules engine is running, the cpu and
// memory controllers are mounted, the instance user rule is installed, and
// no reboot is pending for this agent's own packages.
func (p *Preflight) SystemReady(ctx context.Context) error {
	out, err := p.Runner.Run(ctx, "systemctl is-active cgrulesengd")
	if err != nil || strings.TrimSpace(string(out)) != "active" {
		return errors.New("cgroup rules engine service is not active")
	}

	for _, dir := range []string{p.CgroupCPUDir, p.CgroupMemDir} {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			return errors.Errorf("cgroup controller %q is not mounted", dir)
		}
	}

	rules, err := os.ReadFile(p.CgrulesConf)
	if err != nil {
		return errors.Annotate(err, "reading cgroup rules")
	}
	if !cgrulesPattern.Match(rules) {
		return errors.Errorf("instance user rule missing from %s", p.CgrulesConf)
	}

	// A pending reboot for our own packages means half-applied limits.
	if pkgs, err := os.ReadFile(p.RebootPkgFile); err == nil {
		if rebootPendingPattern.Match(pkgs) {
			return errors.New("reboot pending for sashimono packages")
		}
	}
	return nil
}
