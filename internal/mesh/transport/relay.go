package transport

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmosphere-mesh/atmosphere/internal/mesh/common"
)

// RelayConfig tunes the websocket relay client.
type RelayConfig struct {
	HandshakeTimeout time.Duration
	ProbeTimeout     time.Duration
	RecvBuffer       int
}

func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		HandshakeTimeout: 5 * time.Second,
		ProbeTimeout:     3 * time.Second,
		RecvBuffer:       32,
	}
}

// RelayAdapter reaches peers through a rendezvous relay over websockets.
// Besides dialing it can hold standing attachments on advertised session
// ids: an attachment parks on the session until a partner's first frame
// arrives, then the paired connection surfaces through Accept.
type RelayAdapter struct {
	cfg    RelayConfig
	logger *slog.Logger
	dialer *websocket.Dialer
	client *http.Client

	accepts chan Conn

	mu       sync.Mutex
	hello    func() ([]byte, error)
	attached map[string]*relayAttachment
}

func NewRelayAdapter(cfg RelayConfig, logger *slog.Logger) *RelayAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 3 * time.Second
	}
	if cfg.RecvBuffer <= 0 {
		cfg.RecvBuffer = 32
	}
	return &RelayAdapter{
		cfg:      cfg,
		logger:   logger.With("component", "transport", "kind", "relay"),
		dialer:   &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		client:   &http.Client{Timeout: cfg.ProbeTimeout},
		accepts:  make(chan Conn, 8),
		attached: make(map[string]*relayAttachment),
	}
}

func (a *RelayAdapter) Kind() common.TransportKind { return common.TransportRelay }

func (a *RelayAdapter) MaxFrame() int { return common.MaxFrameStream }

func (a *RelayAdapter) Start(ctx context.Context) error { return nil }

func (a *RelayAdapter) Stop() error {
	a.mu.Lock()
	atts := make([]*relayAttachment, 0, len(a.attached))
	for id, att := range a.attached {
		atts = append(atts, att)
		delete(a.attached, id)
	}
	a.mu.Unlock()
	for _, att := range atts {
		att.cancel()
	}
	return nil
}

func (a *RelayAdapter) Accept() <-chan Conn { return a.accepts }

func (a *RelayAdapter) LocalEndpoints() []common.Endpoint { return nil }

// SetHello supplies the signed handshake the adapter introduces itself
// with when parking on a session; the relay refuses unauthenticated
// attachments. Must be set before the first Attach.
func (a *RelayAdapter) SetHello(fn func() ([]byte, error)) {
	a.mu.Lock()
	a.hello = fn
	a.mu.Unlock()
}

// relayAttachment is one standing claim on a relay session.
type relayAttachment struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Attach keeps a side parked on the endpoint's session until Detach:
// whenever a partner pairs with it, the spliced connection is delivered
// through Accept and a fresh side is parked in its place. Attaching to
// a session that already has an attachment is a no-op.
func (a *RelayAdapter) Attach(ep common.Endpoint) {
	if ep.Validate() != nil {
		return
	}
	a.mu.Lock()
	if a.hello == nil {
		a.mu.Unlock()
		a.logger.Warn("attach without hello, ignoring", "session_id", common.ShortID(ep.SessionID))
		return
	}
	if _, ok := a.attached[ep.SessionID]; ok {
		a.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	att := &relayAttachment{cancel: cancel, done: make(chan struct{})}
	a.attached[ep.SessionID] = att
	a.mu.Unlock()

	go a.attachLoop(ctx, ep, att)
	a.logger.Debug("attached to relay session",
		"url", ep.URL, "session_id", common.ShortID(ep.SessionID))
}

// Detach releases a standing attachment. Connections already delivered
// through Accept are untouched.
func (a *RelayAdapter) Detach(sessionID string) {
	a.mu.Lock()
	att, ok := a.attached[sessionID]
	if ok {
		delete(a.attached, sessionID)
	}
	a.mu.Unlock()
	if ok {
		att.cancel()
	}
}

// attachLoop parks on the session, hands each paired connection to the
// accept channel, and re-parks once that connection is done. The relay
// drops a lone side at its pairing timeout, so parking is a redial loop
// by nature.
func (a *RelayAdapter) attachLoop(ctx context.Context, ep common.Endpoint, att *relayAttachment) {
	defer close(att.done)
	backoff := time.Second
	for ctx.Err() == nil {
		conn := a.park(ctx, ep)
		if conn == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second
		select {
		case a.accepts <- conn:
		case <-ctx.Done():
			conn.Close()
			return
		}
		select {
		case <-conn.closed:
		case <-ctx.Done():
			return
		}
	}
}

// park dials the session, introduces itself, and blocks until a
// partner's first frame pairs the session. Returns nil when the wait
// ends without a partner.
func (a *RelayAdapter) park(ctx context.Context, ep common.Endpoint) *parkedConn {
	a.mu.Lock()
	hello := a.hello
	a.mu.Unlock()
	if hello == nil {
		return nil
	}
	dialCtx, cancel := context.WithTimeout(ctx, a.cfg.HandshakeTimeout)
	conn, err := a.Open(dialCtx, ep)
	cancel()
	if err != nil {
		return nil
	}
	frame, err := hello()
	if err != nil {
		conn.Close()
		return nil
	}
	sendCtx, cancel := context.WithTimeout(ctx, a.cfg.HandshakeTimeout)
	err = conn.Send(sendCtx, frame)
	cancel()
	if err != nil {
		conn.Close()
		return nil
	}
	first, err := conn.Receive(ctx)
	if err != nil {
		conn.Close()
		return nil
	}
	return newParkedConn(conn, first)
}

// parkedConn replays the frame that completed pairing, then reads
// through to the underlying session. Close also tells the attach loop
// the session slot is free again.
type parkedConn struct {
	Conn

	mu    sync.Mutex
	first []byte

	once   sync.Once
	closed chan struct{}
}

func newParkedConn(conn Conn, first []byte) *parkedConn {
	return &parkedConn{Conn: conn, first: first, closed: make(chan struct{})}
}

func (c *parkedConn) Receive(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	if c.first != nil {
		frame := c.first
		c.first = nil
		c.mu.Unlock()
		return frame, nil
	}
	c.mu.Unlock()
	return c.Conn.Receive(ctx)
}

func (c *parkedConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return c.Conn.Close()
}

// Open dials the relay's pairing path for the endpoint's session. Both
// peers dialing the same session id get spliced together by the relay.
func (a *RelayAdapter) Open(ctx context.Context, ep common.Endpoint) (Conn, error) {
	if err := ep.Validate(); err != nil {
		return nil, common.E(common.KindBadRequest, "relay open", err)
	}
	target, err := sessionURL(ep.URL, ep.SessionID)
	if err != nil {
		return nil, err
	}
	ws, resp, err := a.dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return nil, common.Ef(common.KindPeerUnreachable, "relay open", "dial %s: status %d", target, resp.StatusCode)
		}
		return nil, common.E(common.KindPeerUnreachable, "relay open", err)
	}
	ws.SetReadLimit(common.MaxFrameStream + 64)
	return newWSConn(ws, ep, a.cfg.RecvBuffer), nil
}

// Probe checks the relay's health endpoint rather than a peer: a healthy
// relay means the path is usable, reachability of the far peer is the
// supervisor's business.
func (a *RelayAdapter) Probe(ctx context.Context, ep common.Endpoint) (ProbeResult, error) {
	target, err := healthURL(ep.URL)
	if err != nil {
		return ProbeResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return ProbeResult{}, common.E(common.KindBadRequest, "relay probe", err)
	}
	start := time.Now()
	resp, err := a.client.Do(req)
	if err != nil {
		return ProbeResult{}, common.E(common.KindPeerUnreachable, "relay probe", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ProbeResult{}, common.Ef(common.KindPeerUnreachable, "relay probe", "%s returned %d", target, resp.StatusCode)
	}
	return ProbeResult{Reachable: true, RTT: time.Since(start)}, nil
}

func sessionURL(base, sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", common.E(common.KindBadRequest, "relay open", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", common.Ef(common.KindBadRequest, "relay open", "unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/relay/" + sessionID
	return u.String(), nil
}

func healthURL(base string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", common.E(common.KindBadRequest, "relay probe", err)
	}
	switch u.Scheme {
	case "http", "https":
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	default:
		return "", common.Ef(common.KindBadRequest, "relay probe", "unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/health"
	return u.String(), nil
}

// wsConn adapts one websocket session. Each binary message is one frame;
// the relay splices two sessions, so ordering holds end to end.
type wsConn struct {
	ws     *websocket.Conn
	remote common.Endpoint
	stats  *statsBox

	frames  chan []byte
	done    chan struct{}
	readErr atomic.Value // error

	writeMu sync.Mutex
	closed  atomic.Bool
}

func newWSConn(ws *websocket.Conn, remote common.Endpoint, recvBuffer int) *wsConn {
	c := &wsConn{
		ws:     ws,
		remote: remote,
		stats:  newStatsBox(),
		frames: make(chan []byte, recvBuffer),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *wsConn) readLoop() {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.readErr.Store(io.EOF)
			} else {
				c.readErr.Store(err)
			}
			close(c.frames)
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		c.stats.recv(len(data))
		select {
		case c.frames <- data:
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) Send(ctx context.Context, frame []byte) error {
	if c.closed.Load() {
		return common.Ef(common.KindTransient, "relay send", "connection closed")
	}
	if len(frame) > common.MaxFrameStream {
		return common.Ef(common.KindBadRequest, "relay send", "frame of %d bytes exceeds limit", len(frame))
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		c.ws.SetWriteDeadline(deadline)
	} else {
		c.ws.SetWriteDeadline(time.Time{})
	}
	if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return common.E(common.KindTransient, "relay send", err)
	}
	c.stats.sent(len(frame))
	return nil
}

func (c *wsConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, common.E(common.KindTransient, "relay receive", ctx.Err())
	case frame, ok := <-c.frames:
		if !ok {
			if err, _ := c.readErr.Load().(error); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
		return frame, nil
	}
}

func (c *wsConn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.done)
	c.writeMu.Lock()
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.ws.Close()
}

func (c *wsConn) IsOpen() bool { return !c.closed.Load() }

func (c *wsConn) Kind() common.TransportKind { return common.TransportRelay }

func (c *wsConn) RemoteEndpoint() common.Endpoint { return c.remote }

func (c *wsConn) Stats() ConnStats { return c.stats.snapshot() }
