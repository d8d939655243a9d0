// Copyright 2024 Sashimono Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package expiry_test

import (
	"time"

	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/sashimono/agent/internal/expiry"
)

type timelineSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&timelineSuite{})

var epoch = time.Unix(1724400000, 0)

func entryAt(name string, offset time.Duration) expiry.Entry {
	return expiry.Entry{
		TxHash:        "TX-" + name,
		ContainerName: name,
		Tenant:        "rTENANT",
		ExpiresAt:     epoch.Add(offset),
	}
}

func (s *timelineSuite) TestPopDueInOrder(c *gc.C) {
	tl := expiry.NewTimeline()
	tl.Add(entryAt("b", 2*time.Minute))
	tl.Add(entryAt("a", time.Minute))
	tl.Add(entryAt("c", 3*time.Minute))
	c.Assert(tl.Len(), gc.Equals, 3)

	due := tl.PopDue(epoch.Add(2 * time.Minute))
	c.Assert(due, gc.HasLen, 2)
	c.Check(due[0].ContainerName, gc.Equals, "a")
	c.Check(due[1].ContainerName, gc.Equals, "b")
	c.Check(tl.Len(), gc.Equals, 1)

	c.Check(tl.PopDue(epoch.Add(2*time.Minute)), gc.HasLen, 0)
}

func (s *timelineSuite) TestEqualTimesKeepInsertionOrder(c *gc.C) {
	tl := expiry.NewTimeline()
	tl.Add(entryAt("first", time.Minute))
	tl.Add(entryAt("second", time.Minute))

	due := tl.PopDue(epoch.Add(time.Minute))
	c.Assert(due, gc.HasLen, 2)
	c.Check(due[0].ContainerName, gc.Equals, "first")
	c.Check(due[1].ContainerName, gc.Equals, "second")
}

func (s *timelineSuite) TestRemove(c *gc.C) {
	tl := expiry.NewTimeline()
	tl.Add(entryAt("a", time.Minute))
	tl.Add(entryAt("b", 2*time.Minute))

	e, ok := tl.Remove("a")
	c.Assert(ok, jc.IsTrue)
	c.Check(e.TxHash, gc.Equals, "TX-a")
	c.Check(tl.Len(), gc.Equals, 1)

	_, ok = tl.Remove("a")
	c.Check(ok, jc.IsFalse)
}

func (s *timelineSuite) TestExtendReorders(c *gc.C) {
	tl := expiry.NewTimeline()
	tl.Add(entryAt("a", time.Minute))
	tl.Add(entryAt("b", 2*time.Minute))

	e, ok := tl.Extend("a", 5*time.Minute)
	c.Assert(ok, jc.IsTrue)
	c.Check(e.ExpiresAt, gc.Equals, epoch.Add(6*time.Minute))

	due := tl.PopDue(epoch.Add(10 * time.Minute))
	c.Assert(due, gc.HasLen, 2)
	c.Check(due[0].ContainerName, gc.Equals, "b")
	c.Check(due[1].ContainerName, gc.Equals, "a")
}

func (s *timelineSuite) TestGet(c *gc.C) {
	tl := expiry.NewTimeline()
	tl.Add(entryAt("a", time.Minute))

	e, ok := tl.Get("a")
	c.Assert(ok, jc.IsTrue)
	c.Check(e.Tenant, gc.Equals, "rTENANT")

	_, ok = tl.Get("missing")
	c.Check(ok, jc.IsFalse)
}
