package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/roasbeef/lattice/internal/wire"
)

// session wraps one WebSocket connection with a write pump (serializing all
// frame writes plus keepalive pings) and a read pump feeding the transport's
// shared inbound channel.
type session struct {
	conn *websocket.Conn
	cfg  Config

	// remote is the peer endpoint. For inbound sessions this is derived
	// from the connection's remote address.
	remote Endpoint

	// outbound is the buffered frame queue consumed by the write pump.
	outbound chan []byte

	// done is closed when the session terminates; it releases any
	// blocked writers.
	done      chan struct{}
	closeOnce sync.Once

	// closeErr records why the session went away.
	closeErr atomic.Value
}

// sendBufferSize is the per-session outbound frame queue length.
const sendBufferSize = 64

func newSession(conn *websocket.Conn, remote Endpoint, cfg Config) *session {
	return &session{
		conn:     conn,
		cfg:      cfg,
		remote:   remote,
		outbound: make(chan []byte, sendBufferSize),
		done:     make(chan struct{}),
	}
}

// write queues one frame, suspending the caller when the queue is full.
func (s *session) write(ctx context.Context, data []byte) error {
	select {
	case s.outbound <- data:
		return nil

	case <-s.done:
		return wire.ErrConnectionClosed

	case <-ctx.Done():
		return ctx.Err()
	}
}

// close tears the session down exactly once, recording the cause.
func (s *session) close(err error) {
	s.closeOnce.Do(func() {
		if err != nil {
			s.closeErr.Store(err)
		}
		close(s.done)
		s.conn.Close()
	})
}

// cause returns the recorded close error, if any.
func (s *session) cause() error {
	if err, ok := s.closeErr.Load().(error); ok {
		return err
	}

	return nil
}

// writePump serializes frame writes and keepalive pings. It exits when the
// session closes.
func (s *session) writePump() {
	ticker := time.NewTicker(s.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		s.close(nil)
	}()

	for {
		select {
		case data := <-s.outbound:
			deadline := time.Now().Add(s.cfg.WriteTimeout)
			s.conn.SetWriteDeadline(deadline)

			err := s.conn.WriteMessage(
				websocket.BinaryMessage, data,
			)
			if err != nil {
				log.DebugS(context.Background(),
					"Session write failed",
					"remote", s.remote, "err", err)
				s.close(err)

				return
			}

		case <-ticker.C:
			deadline := time.Now().Add(s.cfg.WriteTimeout)
			s.conn.SetWriteDeadline(deadline)

			err := s.conn.WriteMessage(websocket.PingMessage, nil)
			if err != nil {
				s.close(err)
				return
			}

		case <-s.done:
			// Attempt an orderly close frame; best effort.
			s.conn.SetWriteDeadline(
				time.Now().Add(s.cfg.WriteTimeout),
			)
			s.conn.WriteMessage(websocket.CloseMessage, nil)

			return
		}
	}
}

// readPump reads frames and forwards them to the transport's inbound
// channel. The channel is bounded; when the consumer stalls, this pump
// blocks and the kernel's flow control takes over. The pump exits on read
// error, session close, or transport shutdown.
func (s *session) readPump(incoming chan<- Message, quit <-chan struct{}) {
	defer s.close(nil)

	s.conn.SetReadLimit(s.cfg.MaxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
		return nil
	})

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err, websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseAbnormalClosure,
			) {

				log.DebugS(context.Background(),
					"Session read error",
					"remote", s.remote, "err", err)
			}
			s.close(err)

			return
		}

		if msgType != websocket.BinaryMessage {
			continue
		}

		source := s.remote
		msg := Message{
			Data:    data,
			Source:  &source,
			Respond: s.write,
		}

		select {
		case incoming <- msg:

		case <-quit:
			return

		case <-s.done:
			return
		}
	}
}
