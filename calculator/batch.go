// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package calculator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/btree"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ava-labs/statetree/logstore"
	"github.com/ava-labs/statetree/types"
)

var tracer = otel.Tracer("github.com/ava-labs/statetree/calculator")

// orderedLog keys a storage log by its hashed key so the reconstructed log
// list comes out in ascending hashed-key order regardless of how the store
// returned the rows.
type orderedLog struct {
	hashedKey types.Hash
	log       types.StorageLog
}

func orderedLogLess(a, b orderedLog) bool {
	return a.hashedKey.Compare(b.hashedKey) < 0
}

// LoadBatchWithLogs reconstructs the storage logs for [number] from the
// deduplicated rows in [store]. It returns (nil, nil) if the batch wasn't
// sealed yet.
//
// The sealing pipeline does not keep raw logs; it keeps protective reads
// (slots that provably did not change) and touched slots (final values,
// including no-op artifacts). Reconstruction works as follows:
//
//   - every protective read becomes a Read log; its value doesn't matter for
//     hashing, so a zero placeholder is used;
//   - every remaining non-zero touched slot becomes a Write log;
//   - a zero-valued touched slot becomes a Write log only if the slot has an
//     initial write at or before [number]. Otherwise the row is a
//     deduplication artifact: the slot was never genuinely written, so there
//     is no leaf to update.
func LoadBatchWithLogs(ctx context.Context, store logstore.Store, number types.BatchNumber) (*types.BatchWithLogs, error) {
	return loadBatchWithLogs(ctx, store, number, nil)
}

func loadBatchWithLogs(
	ctx context.Context,
	store logstore.Store,
	number types.BatchNumber,
	metrics *stageMetrics,
) (*types.BatchWithLogs, error) {
	ctx, span := tracer.Start(ctx, "LoadBatchWithLogs",
		trace.WithAttributes(attribute.Int64("batch", int64(number))))
	defer span.End()

	stageStart := time.Now()
	header, err := store.BatchHeader(ctx, number)
	if err != nil {
		return nil, fmt.Errorf("loading header for batch %s: %w", number, err)
	}
	if header == nil {
		return nil, nil
	}
	metrics.observeSince(metrics.loadObserver(loadStageHeader), stageStart)

	stageStart = time.Now()
	protectiveReads, err := store.ProtectiveReads(ctx, number)
	if err != nil {
		return nil, fmt.Errorf("loading protective reads for batch %s: %w", number, err)
	}
	metrics.observeSince(metrics.loadObserver(loadStageProtectiveReads), stageStart)

	stageStart = time.Now()
	touchedSlots, err := store.TouchedSlots(ctx, number)
	if err != nil {
		return nil, fmt.Errorf("loading touched slots for batch %s: %w", number, err)
	}
	metrics.observeSince(metrics.loadObserver(loadStageTouchedSlots), stageStart)

	logs := btree.NewG(2, orderedLogLess)
	for _, key := range protectiveReads {
		logs.ReplaceOrInsert(orderedLog{
			hashedKey: key.HashedKey(),
			log:       types.NewReadLog(key),
		})
		delete(touchedSlots, key)
	}

	var zeroValuedKeys []types.Hash
	zeroValuedSlots := make(map[types.Hash]types.StorageKey)
	for key, value := range touchedSlots {
		if value.IsZero() {
			hashedKey := key.HashedKey()
			zeroValuedKeys = append(zeroValuedKeys, hashedKey)
			zeroValuedSlots[hashedKey] = key
			continue
		}
		logs.ReplaceOrInsert(orderedLog{
			hashedKey: key.HashedKey(),
			log:       types.NewWriteLog(key, value),
		})
	}

	// Zero-valued touched slots are ambiguous: a genuine write of zero has a
	// leaf to update, a deduplication artifact does not. The slot's initial
	// write disambiguates.
	stageStart = time.Now()
	initialWrites, err := store.InitialWriteBatches(ctx, zeroValuedKeys)
	if err != nil {
		return nil, fmt.Errorf("loading initial writes for batch %s: %w", number, err)
	}
	for hashedKey, key := range zeroValuedSlots {
		first, ok := initialWrites[hashedKey]
		if !ok || first > number {
			continue
		}
		logs.ReplaceOrInsert(orderedLog{
			hashedKey: hashedKey,
			log:       types.NewWriteLog(key, types.Hash{}),
		})
	}
	if metrics != nil {
		metrics.observeSince(metrics.loadObserver(loadStageInitialWrites), stageStart)
		metrics.zeroValues.Observe(float64(len(zeroValuedKeys)))
	}

	flat := make([]types.StorageLog, 0, logs.Len())
	logs.Ascend(func(entry orderedLog) bool {
		flat = append(flat, entry.log)
		return true
	})

	span.SetAttributes(attribute.Int("logs", len(flat)))
	return &types.BatchWithLogs{
		Header: *header,
		Logs:   flat,
	}, nil
}
