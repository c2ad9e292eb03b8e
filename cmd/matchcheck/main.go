// matchcheck is a smoke test against a running matchd: two identities pair
// up, exchange a move and a chat line over the live channel, then read the
// history back.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/park285/indichess-match/internal/coordinator"
	"github.com/park285/indichess-match/internal/matchclient"
	"github.com/park285/indichess-match/internal/obslog"
	"go.uber.org/zap"
)

func main() {
	baseURL := flag.String("api", envOr("MATCH_API_URL", "http://127.0.0.1:8080"), "REST base URL")
	liveURL := flag.String("live", envOr("MATCH_LIVE_URL", "ws://127.0.0.1:8081"), "live channel base URL")
	header := flag.String("header", envOr("IDENTITY_HEADER", matchclient.DefaultIdentityHeader), "identity header")
	white := flag.String("white", "smoke-white@example.com", "first identity")
	black := flag.String("black", "smoke-black@example.com", "second identity")
	gameType := flag.String("game-type", "STANDARD", "game type to request")
	wait := flag.Duration("wait", 3*time.Second, "how long to wait for live frames")
	flag.Parse()

	if err := obslog.InitFromEnv(); err != nil {
		fmt.Fprintln(os.Stderr, "log init:", err)
	}
	defer obslog.Sync()
	log := obslog.L()

	if err := run(log, *baseURL, *liveURL, *header, *white, *black, *gameType, *wait); err != nil {
		log.Error("matchcheck_failed", zap.Error(err))
		os.Exit(1)
	}
	log.Info("matchcheck_ok")
}

func run(log *zap.Logger, baseURL, liveURL, header, white, black, gameType string, wait time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	wc := matchclient.New(baseURL, matchclient.WithHeaderProvider(matchclient.IdentityHeaders(header, white)), matchclient.WithTimeout(8*time.Second))
	bc := matchclient.New(baseURL, matchclient.WithHeaderProvider(matchclient.IdentityHeaders(header, black)), matchclient.WithTimeout(8*time.Second))

	if err := wc.Health(ctx); err != nil {
		return fmt.Errorf("healthz: %w", err)
	}
	m, err := wc.RequestMatch(ctx, gameType)
	if err != nil {
		return fmt.Errorf("white request: %w", err)
	}
	log.Info("match_requested", zap.String("match_id", m.ID), zap.String("status", string(m.Status)))
	paired, err := bc.JoinMatch(ctx, m.ID)
	if err != nil {
		return fmt.Errorf("black join: %w", err)
	}
	log.Info("match_joined", zap.String("match_id", paired.ID), zap.String("status", string(paired.Status)))

	wl := matchclient.NewLiveConn(liveURL, m.ID, matchclient.IdentityHeaders(header, white), 0)
	bl := matchclient.NewLiveConn(liveURL, m.ID, matchclient.IdentityHeaders(header, black), 0)
	frames := make(chan *matchclient.Frame, 16)
	bl.OnFrame(func(f *matchclient.Frame) {
		select {
		case frames <- f:
		default:
		}
	})
	for _, lc := range []*matchclient.LiveConn{wl, bl} {
		lc.OnStateChange(func(s matchclient.LiveState) { log.Debug("live_state", zap.String("state", s.String())) })
		if err := lc.Connect(ctx); err != nil {
			return fmt.Errorf("live connect: %w", err)
		}
		defer func() { _ = lc.Close(context.Background()) }()
	}
	// subscriptions register right after the handshake
	time.Sleep(200 * time.Millisecond)

	six, four := 6, 4
	turn := true
	if err := wl.Send(ctx, coordinator.KindMove, coordinator.MoveEvent{
		FromRow: &six, FromCol: &four, ToRow: &four, ToCol: &four,
		Piece: "P", PlayerColor: "WHITE", IsWhiteTurn: &turn,
	}); err != nil {
		return fmt.Errorf("send move: %w", err)
	}
	if err := wl.Send(ctx, coordinator.KindChat, coordinator.ChatEvent{Message: "smoke"}); err != nil {
		return fmt.Errorf("send chat: %w", err)
	}

	seen := map[string]bool{}
	deadline := time.After(wait)
	for !(seen[coordinator.TopicMoves] && seen[coordinator.TopicChat]) {
		select {
		case f := <-frames:
			seen[f.Topic] = true
			log.Info("live_frame", zap.String("topic", f.Topic), zap.ByteString("payload", f.Payload))
		case <-deadline:
			return fmt.Errorf("live frames missing: %v", seen)
		}
	}

	moves, err := bc.Moves(ctx, m.ID)
	if err != nil {
		return fmt.Errorf("moves: %w", err)
	}
	chat, err := bc.Chat(ctx, m.ID)
	if err != nil {
		return fmt.Errorf("chat: %w", err)
	}
	pgnText, err := bc.PGN(ctx, m.ID)
	if err != nil {
		return fmt.Errorf("pgn: %w", err)
	}
	log.Info("history", zap.Int("moves", len(moves)), zap.Int("chat", len(chat)))
	fmt.Println(pgnText)
	return nil
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
