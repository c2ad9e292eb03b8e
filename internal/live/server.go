// Package live serves the per-match websocket channel. Inbound frames are
// events for the coordinator; outbound frames are the match's broadcasts.
package live

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/park285/indichess-match/internal/coordinator"
	"github.com/park285/indichess-match/internal/domain"
	"github.com/park285/indichess-match/internal/hub"
	"github.com/park285/indichess-match/internal/metrics"
	"github.com/park285/indichess-match/internal/obslog"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const TopicError = "error"

// Envelope is the inbound frame shape.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// EventHandler is satisfied by *coordinator.Coordinator.
type EventHandler interface {
	Handle(ctx context.Context, matchID string, ev coordinator.Event) (*coordinator.Broadcast, error)
}

type Deps struct {
	Coordinator    EventHandler
	Hub            *hub.Hub
	Metrics        *metrics.Metrics
	IdentityHeader string
	EventRPS       float64
	EventBurst     int
	PingInterval   time.Duration
	EventTimeout   time.Duration
	OriginPatterns []string
}

type Server struct {
	deps   Deps
	base   context.Context
	cancel context.CancelFunc
	srv    *http.Server
}

func New(d Deps) *Server {
	if strings.TrimSpace(d.IdentityHeader) == "" {
		d.IdentityHeader = "X-User-Email"
	}
	if d.EventRPS <= 0 {
		d.EventRPS = 10
	}
	if d.EventBurst <= 0 {
		d.EventBurst = 20
	}
	if d.PingInterval <= 0 {
		d.PingInterval = 30 * time.Second
	}
	if d.EventTimeout <= 0 {
		d.EventTimeout = 5 * time.Second
	}
	base, cancel := context.WithCancel(context.Background())
	s := &Server{deps: d, base: base, cancel: cancel}
	mux := http.NewServeMux()
	mux.Handle("/live/", s)
	s.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return base },
	}
	return s
}

func (s *Server) ListenAndServe(addr string) error {
	s.srv.Addr = addr
	obslog.L().Info("live_listen", zap.String("addr", addr))
	return s.srv.ListenAndServe()
}

// Shutdown stops accepting and closes every open channel.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	return s.srv.Shutdown(ctx)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	matchID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/live/"), "/")
	if matchID == "" || strings.Contains(matchID, "/") {
		http.NotFound(w, r)
		return
	}
	identity := strings.TrimSpace(r.Header.Get(s.deps.IdentityHeader))
	if identity == "" {
		http.Error(w, "missing "+s.deps.IdentityHeader+" header", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
		OriginPatterns:  s.deps.OriginPatterns,
	})
	if err != nil {
		obslog.L().Warn("live_accept_error", zap.String("match_id", matchID), zap.Error(err))
		return
	}
	s.deps.Metrics.LiveConnOpened()
	defer s.deps.Metrics.LiveConnClosed()

	c := &channel{
		srv:      s,
		conn:     conn,
		matchID:  matchID,
		identity: identity,
		limiter:  rate.NewLimiter(rate.Limit(s.deps.EventRPS), s.deps.EventBurst),
	}
	c.run(r.Context())
}

type channel struct {
	srv      *Server
	conn     *websocket.Conn
	matchID  string
	identity string
	limiter  *rate.Limiter
}

func (c *channel) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	sub := c.srv.deps.Hub.Subscribe(c.matchID)
	defer sub.Close()
	obslog.L().Info("live_open", zap.String("match_id", c.matchID), zap.String("identity", c.identity))

	go c.writeLoop(ctx, cancel, sub)
	go c.pingLoop(ctx)

	err := c.readLoop(ctx)
	status := websocket.CloseStatus(err)
	switch {
	case sub.Dropped():
		_ = c.conn.Close(websocket.StatusTryAgainLater, "fell behind; reconnect and reload history")
	case status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway:
		_ = c.conn.Close(websocket.StatusNormalClosure, "")
	case ctx.Err() != nil:
		_ = c.conn.Close(websocket.StatusGoingAway, "server shutting down")
	default:
		_ = c.conn.Close(websocket.StatusInternalError, "read failed")
	}
	obslog.L().Info("live_close", zap.String("match_id", c.matchID), zap.String("identity", c.identity), zap.Error(err))
}

func (c *channel) readLoop(ctx context.Context) error {
	for {
		typ, raw, err := c.conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			c.drop("binary frame")
			continue
		}
		if !c.limiter.Allow() {
			c.drop("rate limited")
			continue
		}
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.drop("malformed envelope")
			continue
		}
		ev, err := coordinator.DecodeEvent(strings.ToLower(strings.TrimSpace(env.Type)), env.Payload)
		if err != nil {
			c.drop(err.Error())
			continue
		}
		if chat, ok := ev.(coordinator.ChatEvent); ok {
			chat.From = c.identity
			ev = chat
		}
		c.dispatch(ctx, ev)
	}
}

func (c *channel) dispatch(ctx context.Context, ev coordinator.Event) {
	evCtx, cancel := context.WithTimeout(ctx, c.srv.deps.EventTimeout)
	defer cancel()
	_, err := c.srv.deps.Coordinator.Handle(evCtx, c.matchID, ev)
	if err == nil {
		return
	}
	// the broadcast already went out; only the sender hears about failures
	var de *domain.DomainError
	payload := ErrorPayload{Code: "internal", Message: "event failed"}
	if errors.As(err, &de) {
		payload = ErrorPayload{Code: de.Code, Message: de.Error(), Retryable: de.Retryable}
	}
	werr := wsjson.Write(ctx, c.conn, &coordinator.Broadcast{Topic: TopicError, MatchID: c.matchID, Payload: payload})
	if werr != nil {
		obslog.L().Debug("live_error_write_failed", zap.String("match_id", c.matchID), zap.Error(werr))
	}
}

func (c *channel) drop(reason string) {
	c.srv.deps.Metrics.Event("dropped", errors.New(reason))
	obslog.L().Debug("live_event_dropped", zap.String("match_id", c.matchID), zap.String("identity", c.identity), zap.String("reason", reason))
}

func (c *channel) writeLoop(ctx context.Context, cancel context.CancelFunc, sub *hub.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case b, ok := <-sub.C():
			if !ok {
				// hub closed us for falling behind
				cancel()
				return
			}
			if err := wsjson.Write(ctx, c.conn, b); err != nil {
				cancel()
				return
			}
		}
	}
}

func (c *channel) pingLoop(ctx context.Context) {
	t := time.NewTicker(c.srv.deps.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			err := c.conn.Ping(pctx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
