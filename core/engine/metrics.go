package engine

import (
	"context"

	"go.opentelemetry.io/otel/metric"

	"github.com/keldadb/keldadb/core/storage/bufferpool"
)

// metrics holds the engine's instruments. Built against an injected
// meter, noop by default, so the engine runs without the metrics SDK.
type metrics struct {
	commits     metric.Int64Counter
	aborts      metric.Int64Counter
	conflicts   metric.Int64Counter
	checkpoints metric.Int64Counter
	gcPruned    metric.Int64Counter

	registration metric.Registration
}

func newMetrics(meter metric.Meter, pool *bufferpool.Manager) (*metrics, error) {
	m := &metrics{}
	var err error
	if m.commits, err = meter.Int64Counter("keldadb.txn.commits",
		metric.WithDescription("Transactions committed")); err != nil {
		return nil, err
	}
	if m.aborts, err = meter.Int64Counter("keldadb.txn.aborts",
		metric.WithDescription("Transactions aborted, voluntarily or as conflict/deadlock victims")); err != nil {
		return nil, err
	}
	if m.conflicts, err = meter.Int64Counter("keldadb.txn.conflicts",
		metric.WithDescription("Write-write serialization failures")); err != nil {
		return nil, err
	}
	if m.checkpoints, err = meter.Int64Counter("keldadb.checkpoints",
		metric.WithDescription("Checkpoints completed")); err != nil {
		return nil, err
	}
	if m.gcPruned, err = meter.Int64Counter("keldadb.gc.pruned_versions",
		metric.WithDescription("Dead record versions reclaimed")); err != nil {
		return nil, err
	}

	hits, err := meter.Int64ObservableCounter("keldadb.bufferpool.hits",
		metric.WithDescription("Buffer pool cache hits"))
	if err != nil {
		return nil, err
	}
	misses, err := meter.Int64ObservableCounter("keldadb.bufferpool.misses",
		metric.WithDescription("Buffer pool cache misses"))
	if err != nil {
		return nil, err
	}
	m.registration, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		h, ms := pool.Stats()
		o.ObserveInt64(hits, int64(h))
		o.ObserveInt64(misses, int64(ms))
		return nil
	}, hits, misses)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *metrics) close() {
	if m.registration != nil {
		_ = m.registration.Unregister()
	}
}
