// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package calculator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Stage labels for the per-batch update histogram.
const (
	stageLoadChanges = "load_changes"
	stageProcess     = "process"
	stageSave        = "save"
)

// Stage labels for the load-changes breakdown histogram.
const (
	loadStageHeader          = "header"
	loadStageProtectiveReads = "protective_reads"
	loadStageTouchedSlots    = "touched_slots"
	loadStageInitialWrites   = "initial_writes_for_zero_values"
)

type stageMetrics struct {
	updateStage *prometheus.HistogramVec
	loadStage   *prometheus.HistogramVec
	zeroValues  prometheus.Histogram
	idleRounds  prometheus.Counter
}

// newStageMetrics builds the calculator's prometheus collectors. A nil
// registerer produces working but unregistered collectors, which keeps the
// instrumentation on the hot path identical in tests.
func newStageMetrics(namespace string, reg prometheus.Registerer) (*stageMetrics, error) {
	m := &stageMetrics{
		updateStage: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "update_stage_seconds",
			Help:      "latency of one stage of a tree update",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),
		loadStage: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "load_changes_stage_seconds",
			Help:      "latency of one stage of loading batch changes",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),
		zeroValues: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "load_changes_zero_values",
			Help:      "number of zero-valued touched slots checked against initial writes",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
		}),
		idleRounds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "idle_rounds",
			Help:      "cumulative number of polling rounds with no batch to process",
		}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.updateStage,
			m.loadStage,
			m.zeroValues,
			m.idleRounds,
		} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

// observeSince records the time elapsed since [start]. [observer] may come
// from an unregistered collector; the nil receiver check covers callers that
// bypass metrics entirely.
func (m *stageMetrics) observeSince(observer prometheus.Observer, start time.Time) {
	if m == nil {
		return
	}
	observer.Observe(time.Since(start).Seconds())
}

func (m *stageMetrics) loadObserver(stage string) prometheus.Observer {
	if m == nil {
		return nil
	}
	return m.loadStage.WithLabelValues(stage)
}

func (m *stageMetrics) updateObserver(stage string) prometheus.Observer {
	if m == nil {
		return nil
	}
	return m.updateStage.WithLabelValues(stage)
}
