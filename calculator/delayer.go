// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package calculator

import (
	"context"
	"time"

	"github.com/ava-labs/statetree/types"
)

// IdleObservation describes one idle round of the update loop: the tree was
// at [RootHash] with nothing to do because batch [NextBatch] wasn't sealed
// yet.
type IdleObservation struct {
	NextBatch  types.BatchNumber
	RootHash   types.Hash
	ObservedAt time.Time
}

// Delayer paces the update loop when it catches up with the sealer. It is a
// fixed-interval sleep plus an optional observer channel for tests and
// instrumentation.
type Delayer struct {
	interval time.Duration

	// observer, if non-nil, receives a notification for every idle round.
	// Sends never block; a full channel drops the observation.
	observer chan<- IdleObservation
}

// NewDelayer returns a Delayer sleeping [interval] per idle round.
func NewDelayer(interval time.Duration) *Delayer {
	return &Delayer{interval: interval}
}

// WithObserver attaches [observer] and returns the receiver for chaining.
func (d *Delayer) WithObserver(observer chan<- IdleObservation) *Delayer {
	d.observer = observer
	return d
}

// Interval returns the configured idle sleep.
func (d *Delayer) Interval() time.Duration {
	return d.interval
}

// Wait records an idle round for [nextBatch] and sleeps for the configured
// interval or until [ctx] is done.
func (d *Delayer) Wait(ctx context.Context, nextBatch types.BatchNumber, root types.Hash) error {
	if d.observer != nil {
		select {
		case d.observer <- IdleObservation{
			NextBatch:  nextBatch,
			RootHash:   root,
			ObservedAt: time.Now(),
		}:
		default:
		}
	}

	timer := time.NewTimer(d.interval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
