// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package merkle

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	_ treeMetrics = (*mockMetrics)(nil)
	_ treeMetrics = (*metrics)(nil)
)

type treeMetrics interface {
	DatabaseLeafRead()
	DatabaseNodeRead()
	HashCalculated()
	LeafAllocated()
	BatchSaved()
}

type mockMetrics struct {
	leafReadCount  int64
	nodeReadCount  int64
	hashCount      int64
	leafAllocCount int64
	saveCount      int64
}

func (m *mockMetrics) DatabaseLeafRead() {
	atomic.AddInt64(&m.leafReadCount, 1)
}

func (m *mockMetrics) DatabaseNodeRead() {
	atomic.AddInt64(&m.nodeReadCount, 1)
}

func (m *mockMetrics) HashCalculated() {
	atomic.AddInt64(&m.hashCount, 1)
}

func (m *mockMetrics) LeafAllocated() {
	atomic.AddInt64(&m.leafAllocCount, 1)
}

func (m *mockMetrics) BatchSaved() {
	atomic.AddInt64(&m.saveCount, 1)
}

type metrics struct {
	ioLeafRead    prometheus.Counter
	ioNodeRead    prometheus.Counter
	hashCount     prometheus.Counter
	leafAllocated prometheus.Counter
	batchesSaved  prometheus.Counter
}

func newMetrics(namespace string, reg prometheus.Registerer) (treeMetrics, error) {
	if reg == nil {
		return &mockMetrics{}, nil
	}
	m := metrics{
		ioLeafRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "io_leaf_read",
			Help:      "cumulative number of leaf records read from the backing store",
		}),
		ioNodeRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "io_node_read",
			Help:      "cumulative number of node hashes read from the backing store",
		}),
		hashCount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hashes_calculated",
			Help:      "cumulative number of node hashes done",
		}),
		leafAllocated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "leaves_allocated",
			Help:      "cumulative number of leaf indices allocated for initial writes",
		}),
		batchesSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_saved",
			Help:      "cumulative number of batches persisted to the backing store",
		}),
	}
	for _, c := range []prometheus.Counter{
		m.ioLeafRead,
		m.ioNodeRead,
		m.hashCount,
		m.leafAllocated,
		m.batchesSaved,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return &m, nil
}

func (m *metrics) DatabaseLeafRead() {
	m.ioLeafRead.Inc()
}

func (m *metrics) DatabaseNodeRead() {
	m.ioNodeRead.Inc()
}

func (m *metrics) HashCalculated() {
	m.hashCount.Inc()
}

func (m *metrics) LeafAllocated() {
	m.leafAllocated.Inc()
}

func (m *metrics) BatchSaved() {
	m.batchesSaved.Inc()
}
