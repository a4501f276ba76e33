package wire

import (
	"time"

	"github.com/google/uuid"
)

// Kind is the discriminator carried in the top-level "kind" field of every
// frame. The set is closed; peers drop frames with unknown kinds.
type Kind string

const (
	KindInvocation   Kind = "invocation"
	KindResponse     Kind = "response"
	KindStreamStart  Kind = "streamStart"
	KindStreamData   Kind = "streamData"
	KindStreamEnd    Kind = "streamEnd"
	KindStreamError  Kind = "streamError"
	KindStreamResume Kind = "streamResume"
)

// EndReason is the closed set of stream termination reasons carried by
// StreamEnd frames.
type EndReason string

const (
	// EndCompleted means the producer finished normally.
	EndCompleted EndReason = "completed"

	// EndActorTerminated means the hosting actor was unexposed or
	// destroyed while the stream was live.
	EndActorTerminated EndReason = "actorTerminated"

	// EndClientUnsubscribed means the server observed the client dropping
	// its subscription.
	EndClientUnsubscribed EndReason = "clientUnsubscribed"

	// EndConnectionClosed is synthesized by the client when the transport
	// session is lost while the stream is live.
	EndConnectionClosed EndReason = "connectionClosed"

	// EndError means the producer hit an unrecoverable fault. Details
	// travel in a companion StreamError frame.
	EndError EndReason = "error"
)

// TraceContext carries distributed tracing correlation across an invocation.
type TraceContext struct {
	TraceID string `json:"traceId"`
	SpanID  string `json:"spanId"`
}

// StreamFilter names a server-side registered filter and its parameters. The
// server applies the filter to each payload before enqueuing; unknown names
// open the stream unfiltered.
type StreamFilter struct {
	Name   string            `json:"name"`
	Params map[string]string `json:"params,omitempty"`
}

// Invocation is a self-describing remote call request. Each argument is an
// independently encoded opaque payload; the per-argument boundary is part of
// the wire contract.
type Invocation struct {
	// CallID is freshly generated for every call and matches the request
	// to its response.
	CallID uuid.UUID

	// Actor is the target actor identity.
	Actor ActorID

	// Target is the method selector. Targets with the configured stream
	// opener prefix initiate server-push streams instead of a single
	// response.
	Target string

	// Args holds one encoded payload per argument, in declaration order.
	Args [][]byte

	// Generics holds ordered generic substitution names, when the target
	// method is generic.
	Generics []string

	// Metadata carries transport-level key/value pairs such as
	// credentials. It is not visible to the invoked method.
	Metadata map[string]string

	// Trace is the optional trace context propagated by the caller.
	Trace *TraceContext

	// Filter is the optional stream filter descriptor, meaningful only
	// for stream openers.
	Filter *StreamFilter
}

// Response is the tagged success-or-failure reply to an Invocation.
type Response struct {
	CallID  uuid.UUID
	Success bool

	// Payload holds the encoded result when Success is true.
	Payload []byte

	// Error holds a UTF-8 error message when Success is false.
	Error string
}

// SuccessResponse builds a success Response for the given call.
func SuccessResponse(callID uuid.UUID, payload []byte) Response {
	return Response{CallID: callID, Success: true, Payload: payload}
}

// FailureResponse builds a failure Response for the given call.
func FailureResponse(callID uuid.UUID, message string) Response {
	return Response{CallID: callID, Error: message}
}

// StreamStart announces a newly allocated stream in reply to a stream-opener
// invocation (or a resume that had to rekindle).
type StreamStart struct {
	StreamID uuid.UUID
	CallID   uuid.UUID
	Actor    ActorID
	Target   string
}

// StreamData carries one sequenced stream payload. Sequences are assigned by
// the server, are contiguous, and start at 1.
type StreamData struct {
	StreamID  uuid.UUID
	Sequence  uint64
	Payload   []byte
	Timestamp time.Time
}

// StreamEnd terminates a stream with a reason from the closed EndReason set.
type StreamEnd struct {
	StreamID uuid.UUID
	Reason   EndReason
}

// StreamError terminates a stream with an unrecoverable producer fault.
type StreamError struct {
	StreamID uuid.UUID
	Message  string
}

// StreamResume asks the server to continue a stream from the last sequence
// the client successfully processed.
type StreamResume struct {
	StreamID     uuid.UUID
	LastSequence uint64
}

// Envelope is the tagged union over all frame variants; it is the single
// on-wire type. Exactly one variant pointer is set, matching Kind.
type Envelope struct {
	Kind Kind

	Invocation   *Invocation
	Response     *Response
	StreamStart  *StreamStart
	StreamData   *StreamData
	StreamEnd    *StreamEnd
	StreamError  *StreamError
	StreamResume *StreamResume
}

// NewInvocationEnvelope wraps an Invocation in its envelope.
func NewInvocationEnvelope(inv Invocation) Envelope {
	return Envelope{Kind: KindInvocation, Invocation: &inv}
}

// NewResponseEnvelope wraps a Response in its envelope.
func NewResponseEnvelope(resp Response) Envelope {
	return Envelope{Kind: KindResponse, Response: &resp}
}

// NewStreamStartEnvelope wraps a StreamStart in its envelope.
func NewStreamStartEnvelope(s StreamStart) Envelope {
	return Envelope{Kind: KindStreamStart, StreamStart: &s}
}

// NewStreamDataEnvelope wraps a StreamData in its envelope.
func NewStreamDataEnvelope(s StreamData) Envelope {
	return Envelope{Kind: KindStreamData, StreamData: &s}
}

// NewStreamEndEnvelope wraps a StreamEnd in its envelope.
func NewStreamEndEnvelope(s StreamEnd) Envelope {
	return Envelope{Kind: KindStreamEnd, StreamEnd: &s}
}

// NewStreamErrorEnvelope wraps a StreamError in its envelope.
func NewStreamErrorEnvelope(s StreamError) Envelope {
	return Envelope{Kind: KindStreamError, StreamError: &s}
}

// NewStreamResumeEnvelope wraps a StreamResume in its envelope.
func NewStreamResumeEnvelope(s StreamResume) Envelope {
	return Envelope{Kind: KindStreamResume, StreamResume: &s}
}
