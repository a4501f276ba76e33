package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/roasbeef/lattice/internal/metrics"
	"github.com/roasbeef/lattice/internal/wire"
)

// WebSocketTransport is the primary transport binding: one JSON envelope per
// binary WebSocket frame.
type WebSocketTransport struct {
	cfg Config

	// incoming is the single bounded inbound stream shared by all
	// sessions.
	incoming chan Message

	// pool holds the one active outbound session per endpoint.
	pool   map[Endpoint]*session
	poolMu sync.Mutex

	// inboundSessions tracks server-accepted sessions for shutdown.
	inboundSessions map[*session]struct{}

	server   *http.Server
	listener net.Listener

	// quit signals all pumps to stop forwarding; closed by Shutdown.
	quit      chan struct{}
	quitOnce  sync.Once
	sessionWg sync.WaitGroup

	collector *metrics.Collector
}

// Option customizes a WebSocketTransport.
type Option func(*WebSocketTransport)

// WithCollector attaches a metrics collector that tracks connection counts.
func WithCollector(c *metrics.Collector) Option {
	return func(t *WebSocketTransport) {
		t.collector = c
	}
}

// NewWebSocketTransport creates an unstarted transport. Listen is only
// needed for the server role; a pure client can Send/Dial immediately.
func NewWebSocketTransport(cfg Config, opts ...Option) *WebSocketTransport {
	cfg = cfg.normalize()

	t := &WebSocketTransport{
		cfg:             cfg,
		incoming:        make(chan Message, cfg.InboundBuffer),
		pool:            make(map[Endpoint]*session),
		inboundSessions: make(map[*session]struct{}),
		quit:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}

	return t
}

// Incoming returns the inbound message stream.
func (t *WebSocketTransport) Incoming() <-chan Message {
	return t.incoming
}

// Send delivers one framed message to endpoint, lazily establishing a pooled
// session on first use.
func (t *WebSocketTransport) Send(ctx context.Context, data []byte,
	endpoint Endpoint) error {

	sess, err := t.getSession(ctx, endpoint)
	if err != nil {
		return err
	}

	return sess.write(ctx, data)
}

// Dial establishes the pooled session for endpoint ahead of the first Send.
func (t *WebSocketTransport) Dial(ctx context.Context,
	endpoint Endpoint) error {

	_, err := t.getSession(ctx, endpoint)
	return err
}

// getSession returns the pooled session for endpoint, dialing a new one when
// none is active. Creation is double-checked: the dial happens outside the
// pool lock, and a racing winner's session is preferred.
func (t *WebSocketTransport) getSession(ctx context.Context,
	endpoint Endpoint) (*session, error) {

	t.poolMu.Lock()
	if sess, ok := t.pool[endpoint]; ok {
		t.poolMu.Unlock()
		return sess, nil
	}
	t.poolMu.Unlock()

	sess, err := t.dial(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	t.poolMu.Lock()
	if existing, ok := t.pool[endpoint]; ok {
		t.poolMu.Unlock()
		sess.close(nil)

		return existing, nil
	}
	t.pool[endpoint] = sess
	t.poolMu.Unlock()

	t.trackOpen()
	t.sessionWg.Add(2)
	go func() {
		defer t.sessionWg.Done()
		sess.writePump()
	}()
	go func() {
		defer t.sessionWg.Done()
		sess.readPump(t.incoming, t.quit)

		t.removeFromPool(endpoint, sess)
	}()

	return sess, nil
}

// dial opens one WebSocket session to endpoint.
func (t *WebSocketTransport) dial(ctx context.Context,
	endpoint Endpoint) (*session, error) {

	scheme := "ws"
	dialer := websocket.Dialer{
		HandshakeTimeout: t.cfg.DialTimeout,
	}

	if t.cfg.UseTLS {
		scheme = "wss"

		tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
		if len(t.cfg.RootCAPEM) > 0 {
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(t.cfg.RootCAPEM) {
				return nil, wire.NewInvalidConfigError(
					"unparsable root CA PEM",
				)
			}
			tlsCfg.RootCAs = pool
		}
		dialer.TLSClientConfig = tlsCfg
	}

	url := fmt.Sprintf("%s://%s/", scheme, endpoint.Addr())
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, wire.NewConnectionError(
			endpoint.Host, endpoint.Port, err,
		)
	}

	log.DebugS(ctx, "Outbound session established",
		"endpoint", endpoint)

	return newSession(conn, endpoint, t.cfg), nil
}

// removeFromPool drops a dead session from the pool and fires the disconnect
// hook, unless the transport is shutting down.
func (t *WebSocketTransport) removeFromPool(endpoint Endpoint,
	sess *session) {

	t.poolMu.Lock()
	if t.pool[endpoint] == sess {
		delete(t.pool, endpoint)
	}
	t.poolMu.Unlock()

	t.trackClose()

	select {
	case <-t.quit:
		return
	default:
	}

	if t.cfg.OnDisconnect != nil {
		t.cfg.OnDisconnect(endpoint, sess.cause())
	}
}

// upgrader accepts any origin: gateway middlewares, not the HTTP layer, are
// the trust boundary for inbound traffic.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Listen binds the server socket. When TLS material is configured the
// listener negotiates TLS 1.2 or newer with the configured chain.
func (t *WebSocketTransport) Listen(_ context.Context,
	endpoint Endpoint) error {

	ln, err := net.Listen("tcp", endpoint.Addr())
	if err != nil {
		return wire.NewConnectionError(
			endpoint.Host, endpoint.Port, err,
		)
	}

	if t.cfg.TLS != nil {
		cert, err := tls.X509KeyPair(
			t.cfg.TLS.CertPEM, t.cfg.TLS.KeyPEM,
		)
		if err != nil {
			ln.Close()
			return wire.NewInvalidConfigError(
				"bad TLS key pair: " + err.Error(),
			)
		}

		ln = tls.NewListener(ln, &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})
	}

	t.listener = ln
	t.server = &http.Server{
		Handler: http.HandlerFunc(t.handleUpgrade),
	}

	go func() {
		err := t.server.Serve(ln)
		if err != nil && err != http.ErrServerClosed {
			log.ErrorS(context.Background(),
				"Transport listener stopped", err)
		}
	}()

	log.InfoS(context.Background(), "Transport listening",
		"addr", ln.Addr().String(), "tls", t.cfg.TLS != nil)

	return nil
}

// BoundEndpoint reports the actual listen endpoint, which differs from the
// requested one when port 0 was used.
func (t *WebSocketTransport) BoundEndpoint() (Endpoint, bool) {
	if t.listener == nil {
		return Endpoint{}, false
	}

	host, portStr, err := net.SplitHostPort(t.listener.Addr().String())
	if err != nil {
		return Endpoint{}, false
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Endpoint{}, false
	}

	return Endpoint{Host: host, Port: port}, true
}

// handleUpgrade accepts one inbound connection and starts its pumps.
func (t *WebSocketTransport) handleUpgrade(w http.ResponseWriter,
	r *http.Request) {

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.DebugS(r.Context(), "Upgrade failed", "err", err)
		return
	}

	remote := remoteEndpoint(conn)
	sess := newSession(conn, remote, t.cfg)

	t.poolMu.Lock()
	select {
	case <-t.quit:
		t.poolMu.Unlock()
		sess.close(nil)

		return
	default:
	}
	t.inboundSessions[sess] = struct{}{}
	t.poolMu.Unlock()

	t.trackOpen()
	log.DebugS(r.Context(), "Inbound session accepted",
		"remote", remote)

	t.sessionWg.Add(2)
	go func() {
		defer t.sessionWg.Done()
		sess.writePump()
	}()
	go func() {
		defer t.sessionWg.Done()
		sess.readPump(t.incoming, t.quit)

		t.poolMu.Lock()
		delete(t.inboundSessions, sess)
		t.poolMu.Unlock()

		t.trackClose()
	}()
}

// remoteEndpoint derives the peer endpoint from a connection's address.
func remoteEndpoint(conn *websocket.Conn) Endpoint {
	host, portStr, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return Endpoint{Host: conn.RemoteAddr().String()}
	}

	port, _ := strconv.Atoi(portStr)

	return Endpoint{Host: host, Port: port}
}

// Shutdown closes the listener and every session, waits for the pumps to
// exit, then closes the Incoming channel.
func (t *WebSocketTransport) Shutdown(ctx context.Context) error {
	var err error

	t.quitOnce.Do(func() {
		close(t.quit)

		if t.server != nil {
			shutdownCtx, cancel := context.WithTimeout(
				ctx, 5*time.Second,
			)
			err = t.server.Shutdown(shutdownCtx)
			cancel()
		}

		t.poolMu.Lock()
		for _, sess := range t.pool {
			sess.close(nil)
		}
		t.pool = make(map[Endpoint]*session)
		for sess := range t.inboundSessions {
			sess.close(nil)
		}
		t.inboundSessions = make(map[*session]struct{})
		t.poolMu.Unlock()

		t.sessionWg.Wait()
		close(t.incoming)

		log.InfoS(ctx, "Transport shut down")
	})

	return err
}

func (t *WebSocketTransport) trackOpen() {
	if t.collector == nil {
		return
	}

	t.collector.AddGauge(metrics.MetricConnectionsActive, 1, nil)
	t.collector.IncrementCounter(metrics.MetricConnectionsTotal, 1, nil)
}

func (t *WebSocketTransport) trackClose() {
	if t.collector == nil {
		return
	}

	t.collector.AddGauge(metrics.MetricConnectionsActive, -1, nil)
}
