// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package calculator

import (
	"context"

	"github.com/ava-labs/statetree/merkle"
	"github.com/ava-labs/statetree/types"
)

// HealthDetails is the calculator's health snapshot.
type HealthDetails struct {
	Mode      merkle.Mode       `json:"mode"`
	NextBatch types.BatchNumber `json:"nextBatch"`
	LastRoot  types.Hash        `json:"lastRoot"`
}

// HealthCheck implements health.Checker. The snapshot is updated by the
// update loop, so it reflects the last completed round rather than the live
// tree; reading it never contends with tree ownership.
func (c *Calculator) HealthCheck(context.Context) (interface{}, error) {
	details := c.health.Load()
	if details == nil {
		return nil, errNotStarted
	}
	return *details, nil
}
