// Package relay implements the rendezvous relay: a websocket server that
// splices two authenticated peers attached to the same session id. The
// relay moves opaque frames and never joins a mesh; it also vends invite
// tokens by short code and exposes health and Prometheus endpoints.
package relay

import (
	"context"
	"encoding/hex"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/yasserelgammal/rate-limiter/limiter"
	"github.com/yasserelgammal/rate-limiter/store"

	"github.com/atmosphere-mesh/atmosphere/internal/mesh/common"
	"github.com/atmosphere-mesh/atmosphere/internal/mesh/identity"
)

// Config tunes the relay server.
type Config struct {
	ListenAddr     string
	PairingTimeout time.Duration
	IdleTimeout    time.Duration
	AuthWindow     time.Duration
	NonceCacheSize int
	RatePerSecond  int64
	RateBurst      int64
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:     "0.0.0.0:7880",
		PairingTimeout: 60 * time.Second,
		IdleTimeout:    5 * time.Minute,
		AuthWindow:     2 * time.Minute,
		NonceCacheSize: 100000,
		RatePerSecond:  20,
		RateBurst:      40,
	}
}

// Server pairs websocket clients per session id and splices their frames.
type Server struct {
	cfg    Config
	logger *slog.Logger

	upgrader     websocket.Upgrader
	limiter      *limiter.TokenBucket
	limiterStore store.Store
	nonces       *lru.Cache[string, common.NodeID]
	invites      *inviteVault

	mu       sync.Mutex
	sessions map[string]*session

	httpServer *http.Server
	listener   net.Listener
	startedAt  time.Time
	running    atomic.Bool
	shutdown   chan struct{}
	wg         sync.WaitGroup
	now        func() time.Time
}

func NewServer(cfg Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PairingTimeout <= 0 {
		cfg.PairingTimeout = 60 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	if cfg.AuthWindow <= 0 {
		cfg.AuthWindow = 2 * time.Minute
	}
	if cfg.NonceCacheSize <= 0 {
		cfg.NonceCacheSize = 100000
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 20
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = cfg.RatePerSecond * 2
	}

	nonces, err := lru.New[string, common.NodeID](cfg.NonceCacheSize)
	if err != nil {
		return nil, common.E(common.KindFatal, "relay new", err)
	}
	limiterStore := store.NewMemoryStore(time.Minute)
	tb, err := limiter.NewTokenBucket(
		limiter.Config{
			Rate:     cfg.RatePerSecond,
			Duration: time.Second,
			Burst:    cfg.RateBurst,
		},
		limiterStore,
	)
	if err != nil {
		return nil, common.E(common.KindFatal, "relay new", err)
	}

	s := &Server{
		cfg:    cfg,
		logger: logger.With("component", "relay"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:      tb,
		limiterStore: limiterStore,
		nonces:       nonces,
		invites:      newInviteVault(),
		sessions:     make(map[string]*session),
		shutdown:     make(chan struct{}),
		now:          time.Now,
	}
	return s, nil
}

// Handler returns the full route tree; exposed for tests and embedding.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestLog(s.logger))
	r.Use(rateLimit(s.limiter))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/relay/{session_id}", s.handleRelay)
	r.Post("/invite", s.handleVendInvite)
	r.Get("/invite/{code}", s.handleFetchInvite)
	return r
}

func (s *Server) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		s.running.Store(false)
		return common.E(common.KindFatal, "relay start", err)
	}
	s.listener = ln
	s.startedAt = s.now()
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("serve failed", "error", err)
		}
	}()
	go s.gcLoop()

	s.logger.Info("relay listening", "addr", ln.Addr().String())
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	close(s.shutdown)

	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.closeAll()
	}

	err := s.httpServer.Shutdown(ctx)
	s.wg.Wait()
	s.logger.Info("relay stopped")
	return err
}

// Addr reports the bound listen address.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.ListenAddr
	}
	return s.listener.Addr().String()
}

func (s *Server) gcLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			if removed := s.invites.gc(); removed > 0 {
				s.logger.Debug("invite gc", "removed", removed)
			}
		}
	}
}

type healthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
	Invites  int    `json:"invites"`
	UptimeS  int64  `json:"uptime_s"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	sessions := len(s.sessions)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, healthResponse{
		Status:   "ok",
		Sessions: sessions,
		Invites:  s.invites.size(),
		UptimeS:  int64(s.now().Sub(s.startedAt).Seconds()),
	})
}

// session is one pairing slot: two authenticated clients spliced together.
type session struct {
	id      string
	mu      sync.Mutex
	sides   []*clientSide
	paired  chan struct{}
	created time.Time
}

type clientSide struct {
	ws     *websocket.Conn
	nodeID common.NodeID
	first  []byte

	inbox chan []byte
	gone  chan struct{} // read pump exited
	dead  chan struct{} // side closed

	writeMu sync.Mutex
	closed  atomic.Bool
}

func newClientSide(ws *websocket.Conn, nodeID common.NodeID, first []byte) *clientSide {
	return &clientSide{
		ws:     ws,
		nodeID: nodeID,
		first:  first,
		inbox:  make(chan []byte, 32),
		gone:   make(chan struct{}),
		dead:   make(chan struct{}),
	}
}

// pump reads the side's websocket for its whole lifetime. Having a
// dedicated reader means a client that vanishes while waiting for a
// partner is noticed immediately instead of at pairing timeout.
func (s *Server) pump(c *clientSide) {
	defer close(c.gone)
	for {
		c.ws.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		select {
		case c.inbox <- data:
		case <-c.dead:
			return
		}
	}
}

func (c *clientSide) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(messageType, data)
}

func (c *clientSide) close(code int, reason string) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	close(c.dead)
	c.writeMu.Lock()
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.ws.Close()
}

func (sess *session) closeAll() {
	sess.mu.Lock()
	sides := append([]*clientSide(nil), sess.sides...)
	sess.mu.Unlock()
	for _, side := range sides {
		side.close(websocket.CloseGoingAway, "relay shutting down")
	}
}

// partnerOf returns the other attached side, nil before pairing.
func (sess *session) partnerOf(c *clientSide) *clientSide {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	for _, side := range sess.sides {
		if side != c {
			return side
		}
	}
	return nil
}

func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	if sessionID == "" || len(sessionID) > 128 {
		attachFailures.WithLabelValues("bad_session").Inc()
		httpError(w, http.StatusBadRequest, "bad session id")
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		attachFailures.WithLabelValues("upgrade").Inc()
		return
	}

	side, err := s.authenticate(ws)
	if err != nil {
		reason := "auth"
		if common.IsKind(err, common.KindReplayMismatch) {
			reason = "replay"
		} else if common.IsKind(err, common.KindExpired) {
			reason = "expired"
		}
		attachFailures.WithLabelValues(reason).Inc()
		s.logger.Warn("attach rejected",
			slog.String("session_id", sessionID),
			slog.String("reason", reason),
			slog.Any("error", err),
		)
		closeWS(ws, websocket.ClosePolicyViolation, reason)
		return
	}

	sess, err := s.attach(sessionID, side)
	if err != nil {
		attachFailures.WithLabelValues("session_full").Inc()
		closeWS(ws, websocket.ClosePolicyViolation, "session full")
		return
	}
	go s.pump(side)
	s.logger.Info("client attached",
		slog.String("session_id", sessionID),
		slog.String("node_id", side.nodeID.Short()),
	)

	// Wait for the partner, then splice until either side goes away.
	select {
	case <-sess.paired:
	case <-side.gone:
		s.removeSide(sessionID, sess, side)
		side.close(websocket.CloseNormalClosure, "")
		return
	case <-time.After(s.cfg.PairingTimeout):
		s.removeSide(sessionID, sess, side)
		side.close(websocket.CloseTryAgainLater, "pairing timeout")
		return
	case <-s.shutdown:
		side.close(websocket.CloseGoingAway, "relay shutting down")
		return
	}

	partner := sess.partnerOf(side)
	s.splice(sess, side, partner)
}

// removeSide takes an unpaired side out of its session, dropping the
// session once empty.
func (s *Server) removeSide(sessionID string, sess *session, side *clientSide) {
	sess.mu.Lock()
	for i, sd := range sess.sides {
		if sd == side {
			sess.sides = append(sess.sides[:i], sess.sides[i+1:]...)
			break
		}
	}
	empty := len(sess.sides) == 0
	sess.mu.Unlock()
	if empty {
		s.detach(sessionID, sess)
	}
}

// authenticate reads the attach frame: a handshake whose session auth
// proves key possession. The frame is kept and forwarded to the partner,
// it is the peer-level hello, not relay property.
func (s *Server) authenticate(ws *websocket.Conn) (*clientSide, error) {
	ws.SetReadLimit(common.MaxFrameStream + 64)
	ws.SetReadDeadline(time.Now().Add(s.cfg.AuthWindow))
	defer ws.SetReadDeadline(time.Time{})

	mt, raw, err := ws.ReadMessage()
	if err != nil {
		return nil, common.E(common.KindBadRequest, "relay attach", err)
	}
	if mt != websocket.BinaryMessage {
		return nil, common.Ef(common.KindBadRequest, "relay attach", "first message must be binary")
	}
	frame, err := common.DecodeFrame(raw)
	if err != nil {
		return nil, err
	}
	if frame.Type != common.FrameHandshake {
		return nil, common.Ef(common.KindBadRequest, "relay attach", "first frame must be a handshake, got %s", frame.Type)
	}
	var hs common.Handshake
	if err := common.DecodePayload(frame, &hs); err != nil {
		return nil, err
	}
	if hs.NodeID != hs.Auth.NodeID {
		return nil, common.Ef(common.KindInvalidSignature, "relay attach", "handshake and auth node ids differ")
	}
	if err := identity.VerifySessionAuth(&hs.Auth, hs.PublicKey); err != nil {
		return nil, err
	}

	now := s.now().UnixMilli()
	skew := now - hs.Auth.Timestamp
	if skew < 0 {
		skew = -skew
	}
	if skew > s.cfg.AuthWindow.Milliseconds() {
		return nil, common.Ef(common.KindExpired, "relay attach", "auth timestamp skew %dms", skew)
	}

	// Replay protection is (nonce, node_id): the same node may reuse its
	// nonce to reconnect, a different node presenting a seen nonce is a
	// replay.
	nonceKey := hex.EncodeToString(hs.Auth.Nonce)
	if owner, seen := s.nonces.Get(nonceKey); seen && owner != hs.NodeID {
		return nil, common.Ef(common.KindReplayMismatch, "relay attach",
			"nonce of %s replayed by %s", owner.Short(), hs.NodeID.Short())
	}
	s.nonces.Add(nonceKey, hs.NodeID)

	return newClientSide(ws, hs.NodeID, raw), nil
}

func (s *Server) attach(sessionID string, side *clientSide) (*session, error) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		sess = &session{
			id:      sessionID,
			paired:  make(chan struct{}),
			created: s.now(),
		}
		s.sessions[sessionID] = sess
		sessionsActive.Inc()
	}
	s.mu.Unlock()

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if len(sess.sides) >= 2 {
		return nil, common.Ef(common.KindBadRequest, "relay attach", "session %s already paired", sessionID)
	}
	sess.sides = append(sess.sides, side)
	if len(sess.sides) == 2 {
		pairingsTotal.Inc()
		close(sess.paired)
	}
	return sess, nil
}

func (s *Server) detach(sessionID string, sess *session) {
	s.mu.Lock()
	if s.sessions[sessionID] == sess {
		delete(s.sessions, sessionID)
		sessionsActive.Dec()
	}
	s.mu.Unlock()
}

// splice forwards this side's frames to the partner until either side
// closes; the circuit dies whole, reconnection is the clients' business.
func (s *Server) splice(sess *session, side, partner *clientSide) {
	defer func() {
		s.detach(sess.id, sess)
		side.close(websocket.CloseNormalClosure, "")
		partner.close(websocket.CloseNormalClosure, "peer detached")
	}()

	// Deliver the buffered hello first; it belongs to the peer.
	if !s.forward(side.first, partner) {
		return
	}

	for {
		select {
		case data := <-side.inbox:
			if !s.forward(data, partner) {
				return
			}
		case <-side.gone:
			// Flush what the pump already queued, then tear down.
			for {
				select {
				case data := <-side.inbox:
					if !s.forward(data, partner) {
						return
					}
				default:
					return
				}
			}
		case <-partner.dead:
			return
		case <-s.shutdown:
			return
		}
	}
}

func (s *Server) forward(data []byte, to *clientSide) bool {
	if err := to.write(websocket.BinaryMessage, data); err != nil {
		return false
	}
	framesRelayed.Inc()
	bytesRelayed.Add(float64(len(data)))
	return true
}

func closeWS(ws *websocket.Conn, code int, reason string) {
	ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second))
	ws.Close()
}
