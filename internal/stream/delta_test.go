package stream

import (
	"testing"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

// gaugeState is a small delta-capable payload type used by the tests.
type gaugeState struct {
	Readings map[string]int `json:"readings"`
}

// gaugeDelta carries only the readings that changed.
type gaugeDelta struct {
	Changed map[string]int `json:"changed"`
}

func (s gaugeState) Delta(from gaugeState) fn.Option[gaugeDelta] {
	changed := make(map[string]int)
	for k, v := range s.Readings {
		if old, ok := from.Readings[k]; !ok || old != v {
			changed[k] = v
		}
	}
	if len(changed) == 0 {
		return fn.None[gaugeDelta]()
	}

	return fn.Some(gaugeDelta{Changed: changed})
}

func (s gaugeState) Apply(d gaugeDelta) gaugeState {
	next := gaugeState{Readings: make(map[string]int, len(s.Readings))}
	for k, v := range s.Readings {
		next.Readings[k] = v
	}
	for k, v := range d.Changed {
		next.Readings[k] = v
	}

	return next
}

func TestDeltaRoundTrip(t *testing.T) {
	t.Parallel()

	states := []gaugeState{
		{Readings: map[string]int{"cpu": 10, "mem": 20}},
		{Readings: map[string]int{"cpu": 11, "mem": 20}},
		{Readings: map[string]int{"cpu": 11, "mem": 25}},
	}

	var (
		enc DeltaEncoder[gaugeState, gaugeDelta]
		dec DeltaDecoder[gaugeState, gaugeDelta]
	)

	for i, st := range states {
		payload, emit, err := enc.Encode(st)
		require.NoError(t, err)
		require.True(t, emit, "state %d should emit", i)

		got, err := dec.Decode(payload)
		require.NoError(t, err)
		for k, v := range st.Readings {
			require.Equal(t, v, got.Readings[k])
		}
	}
}

func TestDeltaSuppressesUnchangedState(t *testing.T) {
	t.Parallel()

	var enc DeltaEncoder[gaugeState, gaugeDelta]

	st := gaugeState{Readings: map[string]int{"cpu": 10}}

	_, emit, err := enc.Encode(st)
	require.NoError(t, err)
	require.True(t, emit)

	// Identical state again: nil delta, nothing goes out.
	_, emit, err = enc.Encode(st)
	require.NoError(t, err)
	require.False(t, emit)

	// A real change emits again.
	payload, emit, err := enc.Encode(gaugeState{
		Readings: map[string]int{"cpu": 12},
	})
	require.NoError(t, err)
	require.True(t, emit)
	require.NotEmpty(t, payload)
}

func TestDeltaBeforeFullStateRejected(t *testing.T) {
	t.Parallel()

	var (
		enc DeltaEncoder[gaugeState, gaugeDelta]
		dec DeltaDecoder[gaugeState, gaugeDelta]
	)

	// Seed the encoder, then produce a delta payload.
	_, _, err := enc.Encode(gaugeState{Readings: map[string]int{"a": 1}})
	require.NoError(t, err)

	payload, emit, err := enc.Encode(gaugeState{
		Readings: map[string]int{"a": 2},
	})
	require.NoError(t, err)
	require.True(t, emit)

	// A decoder that never saw the full state must refuse the delta.
	_, err = dec.Decode(payload)
	require.Error(t, err)
}
