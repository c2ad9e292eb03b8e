package matchclient

import (
	"context"
	"errors"
	"net"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/park285/indichess-match/internal/api"
	"github.com/park285/indichess-match/internal/coordinator"
	"github.com/park285/indichess-match/internal/domain"
	"github.com/park285/indichess-match/internal/hub"
	"github.com/park285/indichess-match/internal/live"
	"github.com/park285/indichess-match/internal/matchmaker"
	"github.com/park285/indichess-match/internal/store/memstore"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

type stack struct {
	st     *memstore.Store
	hub    *hub.Hub
	ln     *fasthttputil.InmemoryListener
	liveTS *httptest.Server
}

func newStack(t *testing.T) *stack {
	t.Helper()
	st := memstore.New()
	h := hub.New(16, nil)
	srv := api.New(api.Deps{Matchmaker: matchmaker.New(st, matchmaker.Options{}), History: st})
	ln := fasthttputil.NewInmemoryListener()
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = ln.Close() })

	coord := coordinator.New(st, st, st, coordinator.Options{Broadcaster: h})
	ts := httptest.NewServer(live.New(live.Deps{Coordinator: coord, Hub: h}))
	t.Cleanup(ts.Close)
	return &stack{st: st, hub: h, ln: ln, liveTS: ts}
}

func (s *stack) client(identity string) *Client {
	return New("http://matchd",
		WithDial(func(string) (net.Conn, error) { return s.ln.Dial() }),
		WithHeaderProvider(IdentityHeaders("", identity)),
	)
}

func TestRequestJoinAndHistory(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	alice, bob := s.client("alice"), s.client("bob")

	m, err := alice.RequestMatch(ctx, "")
	if err != nil {
		t.Fatalf("alice RequestMatch: %v", err)
	}
	if m.Status != domain.StatusCreated {
		t.Fatalf("status = %s", m.Status)
	}
	paired, err := bob.RequestMatch(ctx, "STANDARD")
	if err != nil {
		t.Fatalf("bob RequestMatch: %v", err)
	}
	if paired.ID != m.ID || paired.Status != domain.StatusInProgress {
		t.Fatalf("paired = %+v", paired)
	}

	mine, err := alice.MyMatches(ctx)
	if err != nil || len(mine) != 1 {
		t.Fatalf("MyMatches = %v, %v", mine, err)
	}
	moves, err := alice.Moves(ctx, m.ID)
	if err != nil || len(moves) != 0 {
		t.Fatalf("Moves = %v, %v", moves, err)
	}
	pgnText, err := alice.PGN(ctx, m.ID)
	if err != nil || !strings.Contains(pgnText, `[White "alice"]`) {
		t.Fatalf("PGN = %q, %v", pgnText, err)
	}
}

func TestAPIErrors(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	alice, bob := s.client("alice"), s.client("bob")

	_, err := alice.GetMatch(ctx, "missing")
	if !IsStatus(err, 404) {
		t.Fatalf("GetMatch missing = %v", err)
	}
	m, err := alice.RequestMatch(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	err = bob.CancelMatch(ctx, m.ID)
	if !IsStatus(err, 409) {
		t.Fatalf("foreign cancel = %v", err)
	}
	if err := alice.CancelMatch(ctx, m.ID); err != nil {
		t.Fatalf("CancelMatch: %v", err)
	}
	if _, err := alice.RequestMatch(ctx, "BLITZ"); !IsStatus(err, 400) {
		t.Fatalf("bad game type = %v", err)
	}
}

func TestReadsRetryServerErrors(t *testing.T) {
	var calls atomic.Int32
	ln := fasthttputil.NewInmemoryListener()
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		_ = fasthttp.Serve(ln, func(rc *fasthttp.RequestCtx) {
			if calls.Add(1) < 3 {
				rc.SetStatusCode(fasthttp.StatusServiceUnavailable)
				rc.SetBodyString(`{"code":"storage_unavailable","message":"down","retryable":true}`)
				return
			}
			rc.SetContentType("application/json")
			rc.SetBodyString(`[]`)
		})
	}()
	c := New("http://matchd", WithDial(func(string) (net.Conn, error) { return ln.Dial() }), WithRetry(3))

	list, err := c.Chat(context.Background(), "m1")
	if err != nil || len(list) != 0 {
		t.Fatalf("Chat = %v, %v", list, err)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("calls = %d, want 3", got)
	}

	calls.Store(0)
	err = c.CancelMatch(context.Background(), "m1")
	if !IsStatus(err, 503) {
		t.Fatalf("CancelMatch = %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("writes must not retry, calls = %d", got)
	}
}

func TestPlainErrorBodyFallsBackToStatusText(t *testing.T) {
	ln := fasthttputil.NewInmemoryListener()
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		_ = fasthttp.Serve(ln, func(rc *fasthttp.RequestCtx) {
			rc.SetStatusCode(fasthttp.StatusBadGateway)
			rc.SetBodyString("<html>upstream gone</html>")
		})
	}()
	c := New("http://matchd", WithDial(func(string) (net.Conn, error) { return ln.Dial() }), WithRetry(1))

	_, err := c.GetMatch(context.Background(), "m1")
	var ae *APIError
	if !errors.As(err, &ae) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if ae.Status != fasthttp.StatusBadGateway || ae.Message != "Bad Gateway" || ae.Code != "" {
		t.Fatalf("unexpected error: %+v", ae)
	}
}

func TestBackoffGrowsThenCaps(t *testing.T) {
	if backoff(1) != 100*time.Millisecond || backoff(2) != 200*time.Millisecond {
		t.Fatalf("unexpected early backoff: %v %v", backoff(1), backoff(2))
	}
	if backoff(6) != backoff(40) {
		t.Fatalf("backoff should cap: %v vs %v", backoff(6), backoff(40))
	}
}

func TestLiveConnRoundTrip(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	m, err := s.client("alice").RequestMatch(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.client("bob").JoinMatch(ctx, m.ID); err != nil {
		t.Fatal(err)
	}

	alice := NewLiveConn(s.liveTS.URL, m.ID, IdentityHeaders("", "alice"), 0)
	bob := NewLiveConn(s.liveTS.URL, m.ID, IdentityHeaders("", "bob"), 0)
	frames := make(chan *Frame, 4)
	bob.OnFrame(func(f *Frame) { frames <- f })
	for _, lc := range []*LiveConn{alice, bob} {
		if err := lc.Connect(ctx); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		t.Cleanup(func() { _ = lc.Close(context.Background()) })
	}
	deadline := time.Now().Add(2 * time.Second)
	for s.hub.Subscribers(m.ID) < 2 {
		if time.Now().After(deadline) {
			t.Fatal("subscribers never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := alice.Send(ctx, coordinator.KindChat, map[string]string{"message": "gl hf"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case f := <-frames:
		if f.Topic != coordinator.TopicChat || f.MatchID != m.ID {
			t.Fatalf("frame = %+v", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no frame")
	}
	chat, err := s.client("bob").Chat(ctx, m.ID)
	if err != nil || len(chat) != 1 || chat[0].Sender != "alice" {
		t.Fatalf("Chat = %+v, %v", chat, err)
	}
}

func TestSendBeforeConnect(t *testing.T) {
	lc := NewLiveConn("http://127.0.0.1:1", "m1", nil, 0)
	if err := lc.Send(context.Background(), coordinator.KindChat, map[string]string{}); err != ErrNotConnected {
		t.Fatalf("Send = %v", err)
	}
}
