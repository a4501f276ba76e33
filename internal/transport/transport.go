// Package transport provides the message-framed connection layer of lattice:
// an abstract transport interface plus its primary binding, binary frames
// over (optionally TLS-secured) WebSocket, with pooled outbound sessions and
// a single bounded inbound message stream.
package transport

import (
	"context"
	"net"
	"strconv"
	"time"
)

// Endpoint identifies a transport peer.
type Endpoint struct {
	Host string
	Port int
}

// Addr renders the endpoint as a dialable host:port address.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// String implements fmt.Stringer.
func (e Endpoint) String() string {
	return e.Addr()
}

// Message is one inbound framed message. Respond writes a frame back over
// the session the message arrived on, never a new connection.
type Message struct {
	// Data is the raw frame payload.
	Data []byte

	// Source is the remote endpoint the frame arrived from, when known.
	Source *Endpoint

	// Respond sends a frame back over the originating session.
	Respond func(ctx context.Context, data []byte) error
}

// Transport is a message-framed connection manager. Implementations own an
// outbound connection pool and a single inbound message stream.
type Transport interface {
	// Send delivers one framed message to the given endpoint,
	// establishing a pooled session on first use. Send suspends the
	// caller rather than buffering without bound.
	Send(ctx context.Context, data []byte, endpoint Endpoint) error

	// Listen binds a server socket on the endpoint. Once it returns,
	// Incoming yields inbound messages.
	Listen(ctx context.Context, endpoint Endpoint) error

	// Incoming returns the inbound message stream. The channel is closed
	// by Shutdown, and is bounded: when the consumer stalls, reading
	// from the network stops until it drains.
	Incoming() <-chan Message

	// Shutdown closes all sessions and the listening socket, then closes
	// the Incoming channel.
	Shutdown(ctx context.Context) error
}

// Dialer is implemented by transports that can establish an outbound session
// eagerly, ahead of the first Send.
type Dialer interface {
	Dial(ctx context.Context, endpoint Endpoint) error
}

// TLSCert carries a PEM certificate chain and private key for the server
// side of a TLS-enabled transport.
type TLSCert struct {
	CertPEM []byte
	KeyPEM  []byte
}

// Config holds the tunables of the WebSocket transport binding.
type Config struct {
	// TLS, when set, makes Listen serve TLS with this certificate and a
	// minimum protocol version of TLS 1.2.
	TLS *TLSCert

	// UseTLS makes outbound dials use wss.
	UseTLS bool

	// RootCAPEM adds trust anchors for outbound TLS dials, on top of the
	// system pool. Useful for self-signed deployments.
	RootCAPEM []byte

	// InboundBuffer bounds the Incoming channel.
	InboundBuffer int

	// DialTimeout bounds session establishment.
	DialTimeout time.Duration

	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration

	// PongWait is how long a session may stay silent before its read
	// side gives up; pings go out every PingPeriod.
	PongWait   time.Duration
	PingPeriod time.Duration

	// MaxMessageSize caps inbound frame size.
	MaxMessageSize int64

	// OnDisconnect, when set, is invoked whenever a session terminates
	// for any reason other than Shutdown.
	OnDisconnect func(endpoint Endpoint, err error)
}

// DefaultConfig returns the transport defaults.
func DefaultConfig() Config {
	return Config{
		InboundBuffer:  256,
		DialTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		PongWait:       60 * time.Second,
		PingPeriod:     54 * time.Second,
		MaxMessageSize: 1 << 20,
	}
}

// normalize fills zero-valued fields with defaults.
func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.InboundBuffer <= 0 {
		c.InboundBuffer = def.InboundBuffer
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = def.DialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.PongWait <= 0 {
		c.PongWait = def.PongWait
	}
	if c.PingPeriod <= 0 {
		c.PingPeriod = (c.PongWait * 9) / 10
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}

	return c
}
