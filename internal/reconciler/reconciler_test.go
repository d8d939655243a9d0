// Copyright 2024 Sashimono Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package reconciler_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/juju/pubsub/v2"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	gc "gopkg.in/check.v1"

	"github.com/sashimono/agent/internal/config"
	"github.com/sashimono/agent/internal/expiry"
	"github.com/sashimono/agent/internal/halt"
	"github.com/sashimono/agent/internal/ledger"
	"github.com/sashimono/agent/internal/reconciler"
	"github.com/sashimono/agent/internal/store"
	"github.com/sashimono/agent/internal/txqueue"
)

const agentConfigJSON = `{
	"version": "1.0.0",
	"xrpl": {
		"address": "rHOST",
		"secret": "sSECRET",
		"governorAddress": "rGOVERNOR",
		"leaseAmount": 2,
		"affordableExtraFee": 100
	},
	"networking": {
		"ipv6": {"subnet": "2001:db8:ffff::/64", "interface": "eth0"}
	},
	"system": {"maxInstanceCount": 3},
	"hp": {
		"initPeerPort": 22861,
		"initUserPort": 26201,
		"initGpTcpPort": 36525,
		"initGpUdpPort": 39064,
		"hostAddress": "host.example.com"
	}
}`

type reconcilerSuite struct {
	testing.IsolationSuite

	clock    *testclock.Clock
	hub      *pubsub.SimpleHub
	ledger   *fakeLedger
	daemon   *fakeDaemon
	leases   *store.LeaseStore
	util     *store.UtilStore
	queue    *txqueue.Queue
	timeline *expiry.Timeline
	detector *halt.Detector
	agent    *config.AgentConfig
	cfgPath  string

	worker *reconciler.Reconciler
}

var _ = gc.Suite(&reconcilerSuite{})

func (s *reconcilerSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)

	s.clock = testclock.NewClock(time.Unix(1724400000, 0))
	s.hub = pubsub.NewSimpleHub(nil)
	s.ledger = newFakeLedger(s.hub)
	s.daemon = newFakeDaemon()

	// Three slots on offer; together with zero sold rows that matches the
	// configured instance count, so startup has nothing to repair.
	s.ledger.offers = []ledger.LeaseToken{
		{ID: "OFF0", Owner: "rHOST", Index: 0, Amount: 2},
		{ID: "OFF1", Owner: "rHOST", Index: 1, Amount: 2},
		{ID: "OFF2", Owner: "rHOST", Index: 2, Amount: 2},
	}
	// T1 was just bought by the tenant; acquire events reference it.
	s.ledger.setToken(ledger.LeaseToken{ID: "T1", Owner: "rTENANT", Index: 0, Amount: 2})

	dir := c.MkDir()
	s.cfgPath = filepath.Join(dir, "sa.cfg")
	err := os.WriteFile(s.cfgPath, []byte(agentConfigJSON), 0o600)
	c.Assert(err, jc.ErrorIsNil)
	s.agent, err = config.Read(s.cfgPath)
	c.Assert(err, jc.ErrorIsNil)

	s.leases, s.util, err = store.OpenLeaseDB(filepath.Join(dir, "mb.sqlite"))
	c.Assert(err, jc.ErrorIsNil)

	s.queue, err = txqueue.New(txqueue.Config{
		Validator:   s.ledger,
		Clock:       s.clock,
		MaxExtraFee: 100,
	})
	c.Assert(err, jc.ErrorIsNil)

	s.timeline = expiry.NewTimeline()
	s.detector, err = halt.NewDetector(halt.Config{
		Clock:     s.clock,
		Timeout:   time.Minute,
		Threshold: 0.25,
	})
	c.Assert(err, jc.ErrorIsNil)
}

// startWorker starts the reconciler and waits for startup to finish; the
// rebate request is the last thing startup submits.
func (s *reconcilerSuite) startWorker(c *gc.C) {
	w, err := reconciler.NewWorker(reconciler.Config{
		Clock:         s.clock,
		Ledger:        s.ledger,
		Daemon:        s.daemon,
		Leases:        s.leases,
		Util:          s.util,
		Queue:         s.queue,
		Timeline:      s.timeline,
		Halt:          s.detector,
		Agent:         s.agent,
		PruneInterval: time.Hour,
	})
	c.Assert(err, jc.ErrorIsNil)
	s.AddCleanup(func(c *gc.C) { workertest.CleanKill(c, w) })
	s.worker = w
	s.waitCall(c, "requestRebate")
}

func (s *reconcilerSuite) waitCall(c *gc.C, substr string) {
	for i := 0; i < 1000; i++ {
		if s.ledger.hasCall(substr) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	c.Fatalf("timed out waiting for submission %q, recorded: %v", substr, s.ledger.recorded())
}

func (s *reconcilerSuite) publish(c *gc.C, topic string, data interface{}) {
	done := s.hub.Publish(topic, data)
	select {
	case <-pubsub.Wait(done):
	case <-time.After(testing.LongWait):
		c.Fatalf("publishing %q timed out", topic)
	}
}

func (s *reconcilerSuite) callIndex(c *gc.C, substr string) int {
	for i, call := range s.ledger.recorded() {
		if strings.Contains(call, substr) {
			return i
		}
	}
	c.Fatalf("submission %q not recorded: %v", substr, s.ledger.recorded())
	return -1
}

func (s *reconcilerSuite) acquire(c *gc.C, txHash, tokenID string) {
	s.publish(c, ledger.TopicAcquireLease, ledger.AcquireEvent{
		Tenant:        "rTENANT",
		Host:          "rHOST",
		AcquireTxHash: txHash,
		LeaseTokenID:  tokenID,
		LeaseAmount:   2,
		LedgerIndex:   500,
		OwnerPubKey:   "ed1234",
		ContractID:    "contract-1",
		Image:         "hpcore:ubt.20.04",
	})
	s.waitCall(c, "acquireSuccess "+txHash)
}

func (s *reconcilerSuite) TestAcquireCreatesInstance(c *gc.C) {
	s.startWorker(c)
	s.ledger.reset()

	s.acquire(c, "TXA1", "T1")

	c.Check(s.daemon.createdNames(), gc.DeepEquals, []string{"T1"})
	c.Check(s.worker.ActiveCount(), gc.Equals, 1)

	lease, err := s.leases.Get(context.Background(), "TXA1")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(lease.Status, gc.Equals, store.LeaseAcquired)
	c.Check(lease.LifeMoments, gc.Equals, uint64(1))
	c.Check(lease.TenantAddress, gc.Equals, "rTENANT")

	entry, ok := s.timeline.Get("T1")
	c.Assert(ok, jc.IsTrue)
	c.Check(entry.ExpiresAt, gc.Equals, s.clock.Now().Add(time.Hour))

	// The registry learns about the new instance before the tenant does.
	c.Check(s.callIndex(c, "updateRegInfo 1") < s.callIndex(c, "acquireSuccess TXA1"), jc.IsTrue)
}

func (s *reconcilerSuite) TestAcquireForOtherHostIgnored(c *gc.C) {
	s.startWorker(c)
	s.ledger.reset()

	s.publish(c, ledger.TopicAcquireLease, ledger.AcquireEvent{
		Tenant:        "rTENANT",
		Host:          "rELSEWHERE",
		AcquireTxHash: "TXA1",
		LeaseTokenID:  "T1",
		LeaseAmount:   2,
	})
	time.Sleep(testing.ShortWait)

	c.Check(s.ledger.recorded(), gc.HasLen, 0)
	c.Check(s.daemon.createdNames(), gc.HasLen, 0)
	_, err := s.leases.Get(context.Background(), "TXA1")
	c.Check(err, jc.ErrorIs, errors.NotFound)
}

func (s *reconcilerSuite) TestAcquireWrongOwnerRefunds(c *gc.C) {
	s.ledger.setToken(ledger.LeaseToken{ID: "T2", Owner: "rSOMEONE", Index: 1, Amount: 2})
	s.startWorker(c)
	s.ledger.reset()

	s.publish(c, ledger.TopicAcquireLease, ledger.AcquireEvent{
		Tenant:        "rTENANT",
		Host:          "rHOST",
		AcquireTxHash: "TXA2",
		LeaseTokenID:  "T2",
		LeaseAmount:   2,
	})
	s.waitCall(c, "acquireError TXA2 instance_error")

	c.Check(s.ledger.hasCall("refundTenant TXA2 rTENANT 2"), jc.IsTrue)
	c.Check(s.daemon.createdNames(), gc.HasLen, 0)
	_, err := s.leases.Get(context.Background(), "TXA2")
	c.Check(err, jc.ErrorIs, errors.NotFound)
}

func (s *reconcilerSuite) TestAcquireTimesOutWhenLeasesBusy(c *gc.C) {
	s.startWorker(c)
	s.ledger.reset()

	err := s.worker.LockLeases(context.Background(), time.Time{})
	c.Assert(err, jc.ErrorIsNil)
	defer s.worker.UnlockLeases()

	s.publish(c, ledger.TopicAcquireLease, ledger.AcquireEvent{
		Tenant:        "rTENANT",
		Host:          "rHOST",
		AcquireTxHash: "TXA1",
		LeaseTokenID:  "T1",
		LeaseAmount:   2,
	})

	// The handler polls the lease lock every second; 40% of the 10s
	// acquire window allows four polls before it gives up.
	for i := 0; i < 4; i++ {
		err := s.clock.WaitAdvance(time.Second, testing.LongWait, 2)
		c.Assert(err, jc.ErrorIsNil)
	}
	s.waitCall(c, "acquireError TXA1 sashi_timeout")

	c.Check(s.ledger.hasCall("expireLease T1"), jc.IsTrue)
	c.Check(s.ledger.hasCall("offerLease 0 2"), jc.IsTrue)
	c.Check(s.daemon.createdNames(), gc.HasLen, 0)
	_, err = s.leases.Get(context.Background(), "TXA1")
	c.Check(err, jc.ErrorIs, errors.NotFound)
}

func (s *reconcilerSuite) TestAcquireCreateFailureReOffers(c *gc.C) {
	s.startWorker(c)
	s.ledger.reset()
	s.daemon.failCreate = errors.New("docker is having a bad day")

	s.publish(c, ledger.TopicAcquireLease, ledger.AcquireEvent{
		Tenant:        "rTENANT",
		Host:          "rHOST",
		AcquireTxHash: "TXA1",
		LeaseTokenID:  "T1",
		LeaseAmount:   2,
	})
	s.waitCall(c, "acquireError TXA1 instance_error")

	c.Check(s.ledger.hasCall("expireLease T1"), jc.IsTrue)
	c.Check(s.ledger.hasCall("offerLease 0 2"), jc.IsTrue)
	_, err := s.leases.Get(context.Background(), "TXA1")
	c.Check(err, jc.ErrorIs, errors.NotFound)
	c.Check(s.worker.ActiveCount(), gc.Equals, 0)
}

func (s *reconcilerSuite) TestWholeMoments(c *gc.C) {
	for _, t := range []struct {
		payment, amount float64
		moments         uint64
		ok              bool
	}{
		{4, 2, 2, true},
		{2, 2, 1, true},
		{3, 2, 0, false},
		{1, 2, 0, false},
		{2, 0, 0, false},
		// 0.9/0.3 divides to just under 3 in binary; the tenant still
		// gets all three moments.
		{0.9, 0.3, 3, true},
		{0.8, 0.3, 0, false},
		{0.7, 0.1, 7, true},
	} {
		moments, ok := reconciler.WholeMoments(t.payment, t.amount)
		c.Check(ok, gc.Equals, t.ok, gc.Commentf("payment %v amount %v", t.payment, t.amount))
		c.Check(moments, gc.Equals, t.moments, gc.Commentf("payment %v amount %v", t.payment, t.amount))
	}
}

func (s *reconcilerSuite) TestExtendAddsWholeMoments(c *gc.C) {
	s.startWorker(c)
	s.acquire(c, "TXA1", "T1")
	s.ledger.reset()

	s.publish(c, ledger.TopicExtendLease, ledger.ExtendEvent{
		Tenant:       "rTENANT",
		ExtendTxHash: "TXE1",
		LeaseTokenID: "T1",
		Payment:      4,
	})
	// The new expiry is three hours past the suite epoch; 1724400000 is
	// moment 479000, so the tenant is told moment 479003.
	s.waitCall(c, "extendSuccess TXE1 479003")

	lease, err := s.leases.Get(context.Background(), "TXA1")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(lease.Status, gc.Equals, store.LeaseExtended)
	c.Check(lease.LifeMoments, gc.Equals, uint64(3))

	entry, ok := s.timeline.Get("T1")
	c.Assert(ok, jc.IsTrue)
	c.Check(entry.ExpiresAt, gc.Equals, s.clock.Now().Add(3*time.Hour))
}

func (s *reconcilerSuite) TestExtendRejectsPartialPayment(c *gc.C) {
	s.startWorker(c)
	s.acquire(c, "TXA1", "T1")
	s.ledger.reset()

	s.publish(c, ledger.TopicExtendLease, ledger.ExtendEvent{
		Tenant:       "rTENANT",
		ExtendTxHash: "TXE2",
		LeaseTokenID: "T1",
		Payment:      3,
	})
	s.waitCall(c, "extendError TXE2 invalid_amount")

	lease, err := s.leases.Get(context.Background(), "TXA1")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(lease.Status, gc.Equals, store.LeaseAcquired)
	c.Check(lease.LifeMoments, gc.Equals, uint64(1))
}

func (s *reconcilerSuite) TestTerminateExpiresImmediately(c *gc.C) {
	s.startWorker(c)
	s.acquire(c, "TXA1", "T1")
	s.ledger.reset()

	s.publish(c, ledger.TopicTerminateLease, ledger.TerminateEvent{
		Tenant:          "rTENANT",
		TerminateTxHash: "TXT1",
		LeaseTokenID:    "T1",
	})
	s.waitCall(c, "offerLease 0 2")

	c.Check(s.daemon.destroyedNames(), gc.DeepEquals, []string{"T1"})
	c.Check(s.ledger.hasCall("updateRegInfo 0"), jc.IsTrue)
	c.Check(s.worker.ActiveCount(), gc.Equals, 0)
	_, ok := s.timeline.Get("T1")
	c.Check(ok, jc.IsFalse)
	_, err := s.leases.Get(context.Background(), "TXA1")
	c.Check(err, jc.ErrorIs, errors.NotFound)
}

func (s *reconcilerSuite) TestTerminateDeferredWhileHalted(c *gc.C) {
	s.startWorker(c)
	s.acquire(c, "TXA1", "T1")
	s.ledger.reset()

	s.clock.Advance(2 * time.Minute)
	c.Assert(s.detector.Check(), jc.IsTrue)

	s.publish(c, ledger.TopicTerminateLease, ledger.TerminateEvent{
		Tenant:          "rTENANT",
		TerminateTxHash: "TXT1",
		LeaseTokenID:    "T1",
	})

	// The entry becomes due immediately instead of being expired in place;
	// the scheduler picks it up once the halt clears.
	due := false
	for i := 0; i < 1000 && !due; i++ {
		if entry, ok := s.timeline.Get("T1"); ok && !entry.ExpiresAt.After(s.clock.Now()) {
			due = true
		}
		time.Sleep(5 * time.Millisecond)
	}
	c.Assert(due, jc.IsTrue)

	c.Check(s.daemon.destroyedNames(), gc.HasLen, 0)
	lease, err := s.leases.Get(context.Background(), "TXA1")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(lease.Status, gc.Equals, store.LeaseAcquired)
}

func (s *reconcilerSuite) TestStartupPrunesOrphans(c *gc.C) {
	ctx := context.Background()
	stale := s.clock.Now().Add(-24 * time.Hour).Unix()

	// An acquire that died half way: tenant paid, no instance appeared.
	c.Assert(s.leases.Insert(ctx, store.Lease{
		TxHash:        "TX9",
		TenantAddress: "rTENANT",
		ContainerName: "T9",
		LifeMoments:   1,
		Timestamp:     stale,
		Status:        store.LeaseAcquiring,
	}), jc.ErrorIsNil)
	s.ledger.setToken(ledger.LeaseToken{ID: "T9", Owner: "rTENANT", Index: 2, Amount: 2})

	// A token that returned to the host without a teardown: no refund due.
	c.Assert(s.leases.Insert(ctx, store.Lease{
		TxHash:        "TX8",
		TenantAddress: "rOLD",
		ContainerName: "T8",
		LifeMoments:   1,
		Timestamp:     stale,
		Status:        store.LeaseDestroyed,
	}), jc.ErrorIsNil)
	s.ledger.setToken(ledger.LeaseToken{ID: "T8", Owner: "rHOST", Index: 1, Amount: 2})

	s.startWorker(c)

	c.Check(s.ledger.hasCall("refundTenant TX9 rTENANT 2"), jc.IsTrue)
	c.Check(s.ledger.hasCall("refundTenant TX8"), jc.IsFalse)
	c.Check(s.ledger.hasCall("offerLease 2 2"), jc.IsTrue)
	c.Check(s.ledger.hasCall("offerLease 1 2"), jc.IsTrue)

	_, err := s.leases.Get(ctx, "TX9")
	c.Check(err, jc.ErrorIs, errors.NotFound)
	_, err = s.leases.Get(ctx, "TX8")
	c.Check(err, jc.ErrorIs, errors.NotFound)
}

func (s *reconcilerSuite) TestCatchUpRefundsUnansweredAcquire(c *gc.C) {
	ctx := context.Background()
	c.Assert(s.util.SetLastWatchedLedger(ctx, 100), jc.ErrorIsNil)

	s.ledger.setToken(ledger.LeaseToken{ID: "T5", Owner: "rTENANT", Index: 1, Amount: 2})
	s.ledger.setToken(ledger.LeaseToken{ID: "T6", Owner: "rT2", Index: 2, Amount: 2})
	s.ledger.txs = []ledger.Transaction{
		{Hash: "TXCA", LedgerIndex: 101, Kind: ledger.TxAcquire, Tenant: "rTENANT", TokenID: "T5", Amount: 2},
		{Hash: "TXCB", LedgerIndex: 102, Kind: ledger.TxAcquire, Tenant: "rT2", TokenID: "T6", Amount: 2},
		{Hash: "TXCR", LedgerIndex: 103, Kind: ledger.TxRefund, RefTxHash: "TXCB"},
	}

	s.startWorker(c)

	c.Check(s.ledger.hasCall("refundTenant TXCA rTENANT 2"), jc.IsTrue)
	c.Check(s.ledger.hasCall("refundTenant TXCB"), jc.IsFalse)
	c.Check(s.ledger.hasCall("offerLease 1 2"), jc.IsTrue)

	watermark, ok, err := s.util.LastWatchedLedger(ctx)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(ok, jc.IsTrue)
	c.Check(watermark, gc.Equals, uint64(103))
}

func (s *reconcilerSuite) TestStartupAdoptsOnLedgerAmount(c *gc.C) {
	s.ledger.offers = []ledger.LeaseToken{
		{ID: "OFF0", Owner: "rHOST", Index: 0, Amount: 5},
	}
	s.ledger.unoffered = []ledger.LeaseToken{
		{ID: "UNO1", Owner: "rHOST", Index: 1, Amount: 5},
	}

	s.startWorker(c)

	// The on-ledger price wins and is persisted.
	c.Check(s.agent.XRPL.LeaseAmount, gc.Equals, float64(5))
	reread, err := config.Read(s.cfgPath)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(reread.XRPL.LeaseAmount, gc.Equals, float64(5))

	// One slot short of the configured three: index 2 is minted, and the
	// unoffered token matches the adopted price so it goes on the market.
	c.Check(s.ledger.hasCall("offerMintedLease 2 5"), jc.IsTrue)
	c.Check(s.ledger.hasCall("offerLease 1 5"), jc.IsTrue)
}

func (s *reconcilerSuite) TestStartupBurnsExcessOffers(c *gc.C) {
	s.ledger.offers = append(s.ledger.offers,
		ledger.LeaseToken{ID: "OFF3", Owner: "rHOST", Index: 3, Amount: 2})

	s.startWorker(c)

	c.Check(s.ledger.hasCall("burnLease OFF3"), jc.IsTrue)
	c.Check(s.ledger.hasCall("burnLease OFF2"), jc.IsFalse)
}
