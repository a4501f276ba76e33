package stream

import (
	"encoding/json"
	"fmt"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/roasbeef/lattice/internal/wire"
)

// Deltable is implemented by payload types that opt into delta encoding. T is
// the state type itself, D the delta type. Delta returns None when from and
// the receiver are equal, which suppresses emission entirely.
type Deltable[T, D any] interface {
	// Delta computes the change from a previous state to this one.
	Delta(from T) fn.Option[D]

	// Apply produces the next state by applying a delta to this one.
	Apply(delta D) T
}

// deltaFrame is the wire shape of a delta-encoded payload. Exactly one of the
// two fields is set.
type deltaFrame struct {
	Full  json.RawMessage `json:"full,omitempty"`
	Delta json.RawMessage `json:"delta,omitempty"`
}

// DeltaEncoder turns a sequence of states into delta-encoded payloads. The
// first state goes out in full, later ones as deltas against the previously
// emitted state. It is a pure payload transform and knows nothing about
// sequencing.
type DeltaEncoder[T Deltable[T, D], D any] struct {
	prev   T
	seeded bool
}

// Encode produces the payload for the next state. The emit flag is false when
// the state is unchanged from the previous one, in which case no payload
// should be sent and the sequence number not advanced.
func (e *DeltaEncoder[T, D]) Encode(next T) ([]byte, bool, error) {
	if !e.seeded {
		full, err := json.Marshal(next)
		if err != nil {
			return nil, false, fmt.Errorf("%w: %v",
				wire.ErrSerialization, err)
		}

		e.prev = next
		e.seeded = true

		payload, err := json.Marshal(deltaFrame{Full: full})
		if err != nil {
			return nil, false, fmt.Errorf("%w: %v",
				wire.ErrSerialization, err)
		}

		return payload, true, nil
	}

	opt := next.Delta(e.prev)
	if opt.IsNone() {
		return nil, false, nil
	}

	var zero D
	delta := opt.UnwrapOr(zero)

	raw, err := json.Marshal(delta)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v",
			wire.ErrSerialization, err)
	}

	e.prev = next

	payload, err := json.Marshal(deltaFrame{Delta: raw})
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v",
			wire.ErrSerialization, err)
	}

	return payload, true, nil
}

// DeltaDecoder reconstructs states from delta-encoded payloads.
type DeltaDecoder[T Deltable[T, D], D any] struct {
	last   T
	seeded bool
}

// Decode consumes one payload and returns the reconstructed state. A delta
// arriving before any full state is a protocol violation.
func (d *DeltaDecoder[T, D]) Decode(payload []byte) (T, error) {
	var zero T

	var frame deltaFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return zero, fmt.Errorf("%w: %v",
			wire.ErrDeserialization, err)
	}

	switch {
	case frame.Full != nil:
		var state T
		if err := json.Unmarshal(frame.Full, &state); err != nil {
			return zero, fmt.Errorf("%w: %v",
				wire.ErrDeserialization, err)
		}

		d.last = state
		d.seeded = true

		return state, nil

	case frame.Delta != nil:
		if !d.seeded {
			return zero, fmt.Errorf("%w: delta before full state",
				wire.ErrDeserialization)
		}

		var delta D
		if err := json.Unmarshal(frame.Delta, &delta); err != nil {
			return zero, fmt.Errorf("%w: %v",
				wire.ErrDeserialization, err)
		}

		d.last = d.last.Apply(delta)

		return d.last, nil

	default:
		return zero, fmt.Errorf("%w: empty delta frame",
			wire.ErrDeserialization)
	}
}
