package matchclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type LiveState int

const (
	LiveDisconnected LiveState = iota
	LiveConnecting
	LiveConnected
	LiveReconnecting
	LiveFailed
)

func (s LiveState) String() string {
	switch s {
	case LiveConnecting:
		return "connecting"
	case LiveConnected:
		return "connected"
	case LiveReconnecting:
		return "reconnecting"
	case LiveFailed:
		return "failed"
	default:
		return "disconnected"
	}
}

// Frame is one outbound broadcast as it arrives on the live channel.
type Frame struct {
	Topic   string          `json:"topic"`
	MatchID string          `json:"matchId"`
	Payload json.RawMessage `json:"payload"`
}

type FrameCallback func(f *Frame)

type StateCallback func(state LiveState)

var ErrNotConnected = errors.New("live channel not connected")

// LiveConn is a client of /live/{matchId}. After a read or ping failure it
// redials with backoff up to maxReconnect times; callers should reload
// history on every LiveConnected transition after the first.
type LiveConn struct {
	url     string
	headers HeaderProvider

	mu    sync.RWMutex
	conn  *websocket.Conn
	state LiveState

	cbM      sync.RWMutex
	frameCbs []FrameCallback
	stateCbs []StateCallback

	maxReconnect int
	pingInterval time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	rootCtx    context.Context
	rootCancel context.CancelFunc
}

// NewLiveConn targets baseURL (ws:// or wss://, or http(s):// which is
// rewritten) for one match.
func NewLiveConn(baseURL, matchID string, headers HeaderProvider, maxReconnect int) *LiveConn {
	base := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &LiveConn{
		url:          base + "/live/" + matchID,
		headers:      headers,
		maxReconnect: maxReconnect,
		pingInterval: 30 * time.Second,
		stopCh:       make(chan struct{}),
		rootCtx:      ctx,
		rootCancel:   cancel,
	}
}

func (lc *LiveConn) OnFrame(cb FrameCallback) {
	lc.cbM.Lock()
	lc.frameCbs = append(lc.frameCbs, cb)
	lc.cbM.Unlock()
}

func (lc *LiveConn) OnStateChange(cb StateCallback) {
	lc.cbM.Lock()
	lc.stateCbs = append(lc.stateCbs, cb)
	lc.cbM.Unlock()
}

func (lc *LiveConn) State() LiveState {
	lc.mu.RLock()
	defer lc.mu.RUnlock()
	return lc.state
}

func (lc *LiveConn) Connect(ctx context.Context) error {
	if s := lc.State(); s == LiveConnected || s == LiveConnecting {
		return nil
	}
	lc.setState(LiveConnecting)
	if err := lc.dial(ctx); err != nil {
		lc.setState(LiveFailed)
		return err
	}
	return nil
}

func (lc *LiveConn) dial(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, lc.url, &websocket.DialOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
		HTTPHeader:      lc.buildHeaders(),
	})
	if err != nil {
		return fmt.Errorf("dial %s: %w", lc.url, err)
	}
	lc.mu.Lock()
	lc.conn = conn
	lc.mu.Unlock()
	lc.setState(LiveConnected)

	lc.wg.Add(2)
	go lc.listen(conn)
	go lc.pingLoop(conn)
	return nil
}

// Send writes one {type, payload} envelope.
func (lc *LiveConn) Send(ctx context.Context, kind string, payload any) error {
	lc.mu.RLock()
	conn := lc.conn
	lc.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return wsjson.Write(ctx, conn, struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}{Type: kind, Payload: raw})
}

func (lc *LiveConn) listen(conn *websocket.Conn) {
	defer lc.wg.Done()
	for {
		var f Frame
		if err := wsjson.Read(lc.rootCtx, conn, &f); err != nil {
			if lc.isStopping() {
				return
			}
			lc.lost(conn, "read failure")
			return
		}
		lc.cbM.RLock()
		cbs := append([]FrameCallback(nil), lc.frameCbs...)
		lc.cbM.RUnlock()
		for _, cb := range cbs {
			cb(&f)
		}
	}
}

func (lc *LiveConn) pingLoop(conn *websocket.Conn) {
	defer lc.wg.Done()
	t := time.NewTicker(lc.pingInterval)
	defer t.Stop()
	failures := 0
	for {
		select {
		case <-lc.stopCh:
			return
		case <-t.C:
			if lc.currentConn() != conn {
				return
			}
			ctx, cancel := context.WithTimeout(lc.rootCtx, 3*time.Second)
			err := conn.Ping(ctx)
			cancel()
			if err == nil {
				failures = 0
				continue
			}
			failures++
			if failures >= 2 {
				lc.lost(conn, "ping failure")
				return
			}
		}
	}
}

func (lc *LiveConn) currentConn() *websocket.Conn {
	lc.mu.RLock()
	defer lc.mu.RUnlock()
	return lc.conn
}

// lost tears down conn once and starts the reconnect loop.
func (lc *LiveConn) lost(conn *websocket.Conn, reason string) {
	lc.mu.Lock()
	if lc.conn != conn {
		lc.mu.Unlock()
		return
	}
	lc.conn = nil
	lc.mu.Unlock()
	_ = conn.Close(websocket.StatusGoingAway, reason)
	lc.setState(LiveDisconnected)
	lc.scheduleReconnect()
}

func (lc *LiveConn) scheduleReconnect() {
	if lc.maxReconnect <= 0 {
		lc.setState(LiveFailed)
		return
	}
	lc.setState(LiveReconnecting)
	go func() {
		for attempt := 1; attempt <= lc.maxReconnect; attempt++ {
			select {
			case <-lc.stopCh:
				return
			case <-time.After(backoff(attempt)):
			}
			if err := lc.dial(lc.rootCtx); err == nil {
				return
			}
		}
		lc.setState(LiveFailed)
	}()
}

func (lc *LiveConn) setState(s LiveState) {
	lc.mu.Lock()
	lc.state = s
	lc.mu.Unlock()

	lc.cbM.RLock()
	cbs := append([]StateCallback(nil), lc.stateCbs...)
	lc.cbM.RUnlock()
	for _, cb := range cbs {
		cb(s)
	}
}

func (lc *LiveConn) Close(ctx context.Context) error {
	lc.stopOnce.Do(func() { close(lc.stopCh) })
	lc.mu.Lock()
	conn := lc.conn
	lc.conn = nil
	lc.mu.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "close")
	}
	lc.rootCancel()

	done := make(chan struct{})
	go func() {
		lc.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		lc.setState(LiveDisconnected)
		return nil
	}
}

func (lc *LiveConn) isStopping() bool {
	select {
	case <-lc.stopCh:
		return true
	default:
		return false
	}
}

func (lc *LiveConn) buildHeaders() http.Header {
	hdr := http.Header{}
	if lc.headers == nil {
		return hdr
	}
	for k, v := range lc.headers() {
		if strings.TrimSpace(k) == "" || strings.TrimSpace(v) == "" {
			continue
		}
		hdr.Set(k, v)
	}
	return hdr
}
