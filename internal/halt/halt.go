// Copyright 2024 Sashimono Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package halt detects ledger halts from the tick stream. While halted, and
// for a grace period after ticks resume, destructive lease actions are
// suspended.
package halt

import (
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
)

var logger = loggo.GetLogger("sashimono.halt")

// Config holds the detector dependencies and tunables.
type Config struct {
	Clock clock.Clock
	// Timeout is the tick gap that declares a halt.
	Timeout time.Duration
	// Threshold is the grace proportion applied to the halt duration once
	// ticks resume.
	Threshold float64
}

// Validate checks the detector configuration.
func (c Config) Validate() error {
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.Timeout <= 0 {
		return errors.NotValidf("non-positive Timeout")
	}
	if c.Threshold <= 0 || c.Threshold > 1 {
		return errors.NotValidf("Threshold %v", c.Threshold)
	}
	return nil
}

// Detector tracks ledger liveness. ObserveTick is called from the ledger
// event stream; Check from the scheduler tick; both update the state machine.
type Detector struct {
	config Config

	mu         sync.Mutex
	lastTick   time.Time
	halted     bool
	haltedAt   time.Time
	graceUntil time.Time
}

// NewDetector builds a Detector.
func NewDetector(config Config) (*Detector, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Detector{
		config:   config,
		lastTick: config.Clock.Now(),
	}, nil
}

// ObserveTick records a ledger tick. Resuming after a halt schedules the
// grace window; the halted state only clears once that window passes.
func (d *Detector) ObserveTick() {
	now := d.config.Clock.Now()
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.halted && d.graceUntil.IsZero() {
		elapsed := now.Sub(d.haltedAt)
		grace := time.Duration(float64(elapsed) * d.config.Threshold)
		d.graceUntil = now.Add(grace)
		logger.Infof("ledger resumed after %v halt, clearing in %v", elapsed.Round(time.Second), grace.Round(time.Second))
	}
	d.lastTick = now
}

// Check re-evaluates the state against the clock and reports whether the
// ledger is currently considered halted.
func (d *Detector) Check() bool {
	now := d.config.Clock.Now()
	d.mu.Lock()
	defer d.mu.Unlock()

	gap := now.Sub(d.lastTick)
	if gap > d.config.Timeout {
		if !d.halted {
			// Halt onset is when ticks stopped, not when we noticed.
			d.haltedAt = d.lastTick
			d.halted = true
			logger.Warningf("ledger halted, last tick %v ago", gap.Round(time.Second))
		} else if !d.graceUntil.IsZero() {
			// A fresh halt cancels the pending grace; the onset moves to
			// where ticks stopped this time.
			d.graceUntil = time.Time{}
			d.haltedAt = d.lastTick
			logger.Warningf("ledger halted again, cancelling pending grace")
		}
		return true
	}

	if d.halted && !d.graceUntil.IsZero() && !now.Before(d.graceUntil) {
		d.halted = false
		d.graceUntil = time.Time{}
		d.haltedAt = time.Time{}
		logger.Infof("ledger halt cleared")
	}
	return d.halted
}

// IsHalted reports the current state without re-evaluating tick gaps.
func (d *Detector) IsHalted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.halted
}
