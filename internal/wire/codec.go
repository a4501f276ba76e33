package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// timeLayout is the on-wire timestamp format: ISO-8601 with fractional
// seconds.
const timeLayout = time.RFC3339Nano

// frame is the flat JSON shape of every envelope. Exactly one subset of
// fields is populated for each kind; [][]byte and []byte payloads are
// base64-encoded by encoding/json.
type frame struct {
	Kind Kind `json:"kind"`

	// Invocation / Response fields.
	CallID   string            `json:"callId,omitempty"`
	Actor    string            `json:"actor,omitempty"`
	Target   string            `json:"target,omitempty"`
	Args     [][]byte          `json:"args,omitempty"`
	Generics []string          `json:"generics,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Trace    *TraceContext     `json:"traceContext,omitempty"`
	Filter   *StreamFilter     `json:"streamFilter,omitempty"`
	Success  *bool             `json:"success,omitempty"`
	Payload  []byte            `json:"payload,omitempty"`
	Error    string            `json:"error,omitempty"`

	// Stream fields.
	StreamID     string `json:"streamId,omitempty"`
	Sequence     uint64 `json:"sequenceNumber,omitempty"`
	Timestamp    string `json:"timestamp,omitempty"`
	Reason       string `json:"reason,omitempty"`
	Message      string `json:"message,omitempty"`
	LastSequence uint64 `json:"lastSequence,omitempty"`
}

// Marshal encodes an envelope as a single JSON object suitable for one
// binary transport frame.
func Marshal(env Envelope) ([]byte, error) {
	f := frame{Kind: env.Kind}

	switch env.Kind {
	case KindInvocation:
		inv := env.Invocation
		if inv == nil {
			return nil, fmt.Errorf("%w: missing invocation body",
				ErrSerialization)
		}

		f.CallID = inv.CallID.String()
		f.Actor = inv.Actor.String()
		f.Target = inv.Target
		f.Args = inv.Args
		f.Generics = inv.Generics
		f.Metadata = inv.Metadata
		f.Trace = inv.Trace
		f.Filter = inv.Filter

	case KindResponse:
		resp := env.Response
		if resp == nil {
			return nil, fmt.Errorf("%w: missing response body",
				ErrSerialization)
		}

		success := resp.Success
		f.CallID = resp.CallID.String()
		f.Success = &success
		f.Payload = resp.Payload
		f.Error = resp.Error

	case KindStreamStart:
		s := env.StreamStart
		if s == nil {
			return nil, fmt.Errorf("%w: missing streamStart body",
				ErrSerialization)
		}

		f.StreamID = s.StreamID.String()
		f.CallID = s.CallID.String()
		f.Actor = s.Actor.String()
		f.Target = s.Target

	case KindStreamData:
		s := env.StreamData
		if s == nil {
			return nil, fmt.Errorf("%w: missing streamData body",
				ErrSerialization)
		}

		f.StreamID = s.StreamID.String()
		f.Sequence = s.Sequence
		f.Payload = s.Payload
		f.Timestamp = s.Timestamp.UTC().Format(timeLayout)

	case KindStreamEnd:
		s := env.StreamEnd
		if s == nil {
			return nil, fmt.Errorf("%w: missing streamEnd body",
				ErrSerialization)
		}

		f.StreamID = s.StreamID.String()
		f.Reason = string(s.Reason)

	case KindStreamError:
		s := env.StreamError
		if s == nil {
			return nil, fmt.Errorf("%w: missing streamError body",
				ErrSerialization)
		}

		f.StreamID = s.StreamID.String()
		f.Message = s.Message

	case KindStreamResume:
		s := env.StreamResume
		if s == nil {
			return nil, fmt.Errorf("%w: missing streamResume body",
				ErrSerialization)
		}

		f.StreamID = s.StreamID.String()
		f.LastSequence = s.LastSequence

	default:
		return nil, fmt.Errorf("%w: unknown envelope kind %q",
			ErrSerialization, env.Kind)
	}

	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}

	return data, nil
}

// Unmarshal decodes a single frame into its envelope variant.
func Unmarshal(data []byte) (Envelope, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrDeserialization,
			err)
	}

	switch f.Kind {
	case KindInvocation:
		callID, err := parseUUID(f.CallID, "callId")
		if err != nil {
			return Envelope{}, err
		}

		actor, err := ParseActorID(f.Actor)
		if err != nil {
			return Envelope{}, fmt.Errorf("%w: %v",
				ErrDeserialization, err)
		}

		return NewInvocationEnvelope(Invocation{
			CallID:   callID,
			Actor:    actor,
			Target:   f.Target,
			Args:     f.Args,
			Generics: f.Generics,
			Metadata: f.Metadata,
			Trace:    f.Trace,
			Filter:   f.Filter,
		}), nil

	case KindResponse:
		callID, err := parseUUID(f.CallID, "callId")
		if err != nil {
			return Envelope{}, err
		}

		success := f.Success != nil && *f.Success

		return NewResponseEnvelope(Response{
			CallID:  callID,
			Success: success,
			Payload: f.Payload,
			Error:   f.Error,
		}), nil

	case KindStreamStart:
		streamID, err := parseUUID(f.StreamID, "streamId")
		if err != nil {
			return Envelope{}, err
		}

		callID, err := parseUUID(f.CallID, "callId")
		if err != nil {
			return Envelope{}, err
		}

		actor, err := ParseActorID(f.Actor)
		if err != nil {
			return Envelope{}, fmt.Errorf("%w: %v",
				ErrDeserialization, err)
		}

		return NewStreamStartEnvelope(StreamStart{
			StreamID: streamID,
			CallID:   callID,
			Actor:    actor,
			Target:   f.Target,
		}), nil

	case KindStreamData:
		streamID, err := parseUUID(f.StreamID, "streamId")
		if err != nil {
			return Envelope{}, err
		}

		var ts time.Time
		if f.Timestamp != "" {
			ts, err = time.Parse(timeLayout, f.Timestamp)
			if err != nil {
				return Envelope{}, fmt.Errorf(
					"%w: bad timestamp: %v",
					ErrDeserialization, err)
			}
		}

		return NewStreamDataEnvelope(StreamData{
			StreamID:  streamID,
			Sequence:  f.Sequence,
			Payload:   f.Payload,
			Timestamp: ts,
		}), nil

	case KindStreamEnd:
		streamID, err := parseUUID(f.StreamID, "streamId")
		if err != nil {
			return Envelope{}, err
		}

		return NewStreamEndEnvelope(StreamEnd{
			StreamID: streamID,
			Reason:   EndReason(f.Reason),
		}), nil

	case KindStreamError:
		streamID, err := parseUUID(f.StreamID, "streamId")
		if err != nil {
			return Envelope{}, err
		}

		return NewStreamErrorEnvelope(StreamError{
			StreamID: streamID,
			Message:  f.Message,
		}), nil

	case KindStreamResume:
		streamID, err := parseUUID(f.StreamID, "streamId")
		if err != nil {
			return Envelope{}, err
		}

		return NewStreamResumeEnvelope(StreamResume{
			StreamID:     streamID,
			LastSequence: f.LastSequence,
		}), nil

	default:
		return Envelope{}, fmt.Errorf("%w: unknown kind %q",
			ErrDeserialization, f.Kind)
	}
}

// ExtractCallID attempts to recover a call id from a frame that otherwise
// failed to decode, so the receiver can still shape a failure response.
func ExtractCallID(data []byte) (uuid.UUID, bool) {
	var partial struct {
		CallID string `json:"callId"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return uuid.UUID{}, false
	}

	id, err := uuid.Parse(partial.CallID)
	if err != nil {
		return uuid.UUID{}, false
	}

	return id, true
}

func parseUUID(s, field string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("%w: bad %s %q",
			ErrDeserialization, field, s)
	}

	return id, nil
}
