package state

import (
	"context"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/roasbeef/lattice/internal/metrics"
)

// InstrumentedStore decorates a Store with the standard state operation
// metrics: one count and one latency sample per call, tagged with the
// operation name.
type InstrumentedStore struct {
	inner     Store
	collector *metrics.Collector
}

// NewInstrumentedStore wraps inner so every operation is recorded on the
// collector.
func NewInstrumentedStore(inner Store,
	collector *metrics.Collector) *InstrumentedStore {

	return &InstrumentedStore{inner: inner, collector: collector}
}

// A compile time check to ensure InstrumentedStore implements Store.
var _ Store = (*InstrumentedStore)(nil)

func (s *InstrumentedStore) observe(op string, start time.Time) {
	tags := metrics.Tags{"op": op}
	s.collector.IncrementCounter(metrics.MetricStateOps, 1, tags)
	s.collector.RecordDuration(
		metrics.MetricStateOpLatency, time.Since(start), tags,
	)
}

// Load implements Store.
func (s *InstrumentedStore) Load(ctx context.Context, id,
	stateType string) (fn.Option[State], error) {

	defer s.observe("load", time.Now())

	return s.inner.Load(ctx, id, stateType)
}

// Save implements Store.
func (s *InstrumentedStore) Save(ctx context.Context, id, stateType string,
	data []byte) (uint64, error) {

	defer s.observe("save", time.Now())

	return s.inner.Save(ctx, id, stateType, data)
}

// SaveIfVersion implements Store.
func (s *InstrumentedStore) SaveIfVersion(ctx context.Context, id,
	stateType string, data []byte, expected uint64) (uint64, error) {

	defer s.observe("save_if_version", time.Now())

	return s.inner.SaveIfVersion(ctx, id, stateType, data, expected)
}

// Delete implements Store.
func (s *InstrumentedStore) Delete(ctx context.Context, id string) error {
	defer s.observe("delete", time.Now())

	return s.inner.Delete(ctx, id)
}

// Exists implements Store.
func (s *InstrumentedStore) Exists(ctx context.Context,
	id string) (bool, error) {

	defer s.observe("exists", time.Now())

	return s.inner.Exists(ctx, id)
}

// Update implements Store.
func (s *InstrumentedStore) Update(ctx context.Context, id, stateType string,
	transform Transform) (State, error) {

	defer s.observe("update", time.Now())

	return s.inner.Update(ctx, id, stateType, transform)
}
