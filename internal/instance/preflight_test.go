// Copyright 2024 Sashimono Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package instance_test

import (
	"context"
	"os"
	"path/filepath"

	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/sashimono/agent/internal/instance"
)

type preflightSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&preflightSuite{})

func (s *preflightSuite) newPreflight(c *gc.C, cgrules string) *instance.Preflight {
	dir := c.MkDir()
	p := instance.NewPreflight(&fakeRunner{})
	p.CgroupCPUDir = filepath.Join(dir, "cpu")
	p.CgroupMemDir = filepath.Join(dir, "memory")
	p.CgrulesConf = filepath.Join(dir, "cgrules.conf")
	p.RebootPkgFile = filepath.Join(dir, "reboot-required.pkgs")
	c.Assert(os.MkdirAll(p.CgroupCPUDir, 0755), jc.ErrorIsNil)
	c.Assert(os.MkdirAll(p.CgroupMemDir, 0755), jc.ErrorIsNil)
	c.Assert(os.WriteFile(p.CgrulesConf, []byte(cgrules), 0644), jc.ErrorIsNil)
	return p
}

const validRules = "# sashimono limits\n@sashiuser cpu,memory %u-cg\n"

func (s *preflightSuite) TestSystemReady(c *gc.C) {
	p := s.newPreflight(c, validRules)
	c.Assert(p.SystemReady(context.Background()), jc.ErrorIsNil)
}

func (s *preflightSuite) TestMissingController(c *gc.C) {
	p := s.newPreflight(c, validRules)
	c.Assert(os.RemoveAll(p.CgroupMemDir), jc.ErrorIsNil)
	c.Assert(p.SystemReady(context.Background()), gc.ErrorMatches, `cgroup controller .* is not mounted`)
}

func (s *preflightSuite) TestMissingUserRule(c *gc.C) {
	p := s.newPreflight(c, "# nothing here\n")
	c.Assert(p.SystemReady(context.Background()), gc.ErrorMatches, "instance user rule missing from .*")
}

func (s *preflightSuite) TestRebootPending(c *gc.C) {
	p := s.newPreflight(c, validRules)
	c.Assert(os.WriteFile(p.RebootPkgFile, []byte("linux-image\nsashimono\n"), 0644), jc.ErrorIsNil)
	c.Assert(p.SystemReady(context.Background()), gc.ErrorMatches, "reboot pending for sashimono packages")
}
