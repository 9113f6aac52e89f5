// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package calculator drives the Merkle state tree: it reconstructs the
// storage logs of each sealed batch from the deduplicated log store, feeds
// them through the tree and persists the result, pacing itself when it
// catches up with the sealer.
package calculator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ava-labs/statetree/database"
	"github.com/ava-labs/statetree/logstore"
	"github.com/ava-labs/statetree/merkle"
	"github.com/ava-labs/statetree/types"
)

var errNotStarted = errors.New("update loop not started")

const (
	defaultDelayInterval     = 100 * time.Millisecond
	defaultMultiGetChunkSize = 500
)

// Config configures a Calculator.
type Config struct {
	// Mode of the underlying tree; defaults to merkle.ModeFull.
	Mode merkle.Mode

	// DelayInterval is how long the update loop sleeps when the newest batch
	// is already processed. Defaults to 100ms.
	DelayInterval time.Duration

	// MultiGetChunkSize caps leaf prefetch parallelism; see merkle.Config.
	// Defaults to 500.
	MultiGetChunkSize int

	// MetricsNamespace and Registerer wire prometheus metrics for both the
	// calculator and the tree. A nil Registerer disables registration.
	MetricsNamespace string
	Registerer       prometheus.Registerer

	Log *zap.Logger

	// IdleObserver, if non-nil, receives a notification for every idle round.
	IdleObserver chan<- IdleObservation
}

// Calculator owns the tree handle and the update loop.
type Calculator struct {
	store   logstore.Store
	tree    *AsyncTree
	delayer *Delayer
	log     *zap.Logger
	metrics *stageMetrics

	health atomic.Pointer[HealthDetails]
}

// New opens the tree persisted in [db] and wires the update loop against
// [store]. The loop doesn't run until Run is called.
func New(ctx context.Context, db database.Database, store logstore.Store, config Config) (*Calculator, error) {
	delayInterval := config.DelayInterval
	if delayInterval <= 0 {
		delayInterval = defaultDelayInterval
	}
	chunkSize := config.MultiGetChunkSize
	if chunkSize == 0 {
		chunkSize = defaultMultiGetChunkSize
	}
	log := config.Log
	if log == nil {
		log = zap.NewNop()
	}

	metrics, err := newStageMetrics(config.MetricsNamespace, config.Registerer)
	if err != nil {
		return nil, err
	}

	tree, err := OpenTree(ctx, db, merkle.Config{
		Mode:              config.Mode,
		MultiGetChunkSize: chunkSize,
		MetricsNamespace:  config.MetricsNamespace,
		Registerer:        config.Registerer,
	})
	if err != nil {
		return nil, fmt.Errorf("opening tree: %w", err)
	}

	c := &Calculator{
		store:   store,
		tree:    tree,
		delayer: NewDelayer(delayInterval).WithObserver(config.IdleObserver),
		log:     log,
		metrics: metrics,
	}
	c.snapshotHealth()

	log.Info("opened tree",
		zap.String("mode", string(tree.Mode())),
		zap.Stringer("nextBatch", tree.NextBatchNumber()),
		zap.Stringer("root", tree.RootHash()),
	)
	return c, nil
}

// Tree exposes the underlying tree handle, for startup reconciliation
// (reverting past a reorg) before Run takes over.
func (c *Calculator) Tree() *AsyncTree {
	return c.tree
}

func (c *Calculator) snapshotHealth() {
	details := &HealthDetails{
		Mode:      c.tree.Mode(),
		NextBatch: c.tree.NextBatchNumber(),
		LastRoot:  c.tree.RootHash(),
	}
	c.health.Store(details)
}

// Run processes sealed batches until [ctx] is done or an operation fails.
// The returned error is never nil.
func (c *Calculator) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		next := c.tree.NextBatchNumber()
		processed, err := c.step(ctx, next)
		if err != nil {
			return fmt.Errorf("updating tree at batch %s: %w", next, err)
		}
		if processed {
			continue
		}

		c.metrics.idleRounds.Inc()
		if err := c.delayer.Wait(ctx, next, c.tree.RootHash()); err != nil {
			return err
		}
	}
}

// step processes the next sealed batch if there is one. It returns false
// without error when the batch wasn't sealed yet.
func (c *Calculator) step(ctx context.Context, next types.BatchNumber) (bool, error) {
	ctx, span := tracer.Start(ctx, "UpdateTree")
	defer span.End()

	stageStart := time.Now()
	batch, err := loadBatchWithLogs(ctx, c.store, next, c.metrics)
	if err != nil {
		return false, err
	}
	if batch == nil {
		return false, nil
	}
	c.metrics.observeSince(c.metrics.updateObserver(stageLoadChanges), stageStart)

	stageStart = time.Now()
	metadata, err := c.tree.ProcessBatch(ctx, batch.Logs)
	if err != nil {
		return false, err
	}
	c.metrics.observeSince(c.metrics.updateObserver(stageProcess), stageStart)

	stageStart = time.Now()
	if err := c.tree.Save(ctx); err != nil {
		return false, err
	}
	c.metrics.observeSince(c.metrics.updateObserver(stageSave), stageStart)

	c.snapshotHealth()
	c.log.Info("processed batch",
		zap.Stringer("batch", batch.Header.Number),
		zap.Int("logs", len(batch.Logs)),
		zap.Stringer("root", metadata.RootHash),
		zap.Uint64("lastLeafIndex", metadata.LastLeafIndex),
	)
	return true, nil
}

// Close releases the tree handle.
func (c *Calculator) Close() error {
	return c.tree.Close()
}
