// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package health runs registered component health checks on a fixed cadence
// and serves the aggregated results over HTTP.
package health

import (
	"context"
	"time"
)

// Checker reports the health of one component.
type Checker interface {
	// HealthCheck returns health details to marshal for the caller. A non-nil
	// error marks the component unhealthy.
	HealthCheck(ctx context.Context) (interface{}, error)
}

// CheckerFunc adapts a function to the Checker interface.
type CheckerFunc func(ctx context.Context) (interface{}, error)

func (f CheckerFunc) HealthCheck(ctx context.Context) (interface{}, error) {
	return f(ctx)
}

// Result is the most recent outcome of one health check.
type Result struct {
	// Details is the information returned by the check, if any.
	Details interface{} `json:"message,omitempty"`

	// Error is the string representation of the check's failure, or nil if it
	// passed.
	Error *string `json:"error,omitempty"`

	// Timestamp of the last check execution.
	Timestamp time.Time `json:"timestamp,omitempty"`

	// Duration of the last check execution.
	Duration time.Duration `json:"duration"`

	// ContiguousFailures counts how many times in a row the check failed.
	ContiguousFailures int64 `json:"contiguousFailures,omitempty"`

	// TimeOfFirstFailure is when the current failure streak started.
	TimeOfFirstFailure *time.Time `json:"timeOfFirstFailure,omitempty"`
}

var errNotYetRun = "not yet run"

// notYetRunResult is reported for a check that was registered but hasn't
// executed yet. A new check is failing until proven otherwise.
var notYetRunResult = Result{
	Error:              &errNotYetRun,
	ContiguousFailures: 1,
}
