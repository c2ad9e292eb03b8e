// Package coordinator applies live match events. Each match is an independent
// serialized stream; events for different matches run in parallel.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/park285/indichess-match/internal/domain"
	"github.com/park285/indichess-match/internal/keylock"
	"github.com/park285/indichess-match/internal/metrics"
	"github.com/park285/indichess-match/internal/msgcat"
	"github.com/park285/indichess-match/internal/obslog"
	"github.com/park285/indichess-match/internal/store"
	"go.uber.org/zap"
)

// maxPlyRetries bounds how often a move recounts after losing its ply to a
// concurrent writer; the request context bounds it too.
const maxPlyRetries = 64

// Broadcaster delivers a produced payload to the match's subscribers.
type Broadcaster interface {
	Publish(ctx context.Context, b *Broadcast) error
}

// MoveCheck can reject a move before it is recorded or relayed.
type MoveCheck interface {
	CheckMove(ev MoveEvent) error
}

type Options struct {
	Broadcaster Broadcaster
	MoveCheck   MoveCheck
	Catalog     *msgcat.Catalog
	Metrics     *metrics.Metrics
}

type Coordinator struct {
	matches store.MatchRegistry
	moves   store.MoveLedger
	chat    store.ChatLog
	locks   *keylock.Map
	out     Broadcaster
	check   MoveCheck
	msgs    *msgcat.Catalog
	metrics *metrics.Metrics
}

func New(matches store.MatchRegistry, moves store.MoveLedger, chat store.ChatLog, opts Options) *Coordinator {
	msgs := opts.Catalog
	if msgs == nil {
		msgs = msgcat.Default()
	}
	return &Coordinator{
		matches: matches,
		moves:   moves,
		chat:    chat,
		locks:   keylock.New(),
		out:     opts.Broadcaster,
		check:   opts.MoveCheck,
		msgs:    msgs,
		metrics: opts.Metrics,
	}
}

// Handle applies ev to matchID and publishes the resulting broadcast, if any.
// A nil broadcast with a nil error means the event was suppressed.
func (c *Coordinator) Handle(ctx context.Context, matchID string, ev Event) (*Broadcast, error) {
	matchID = strings.TrimSpace(matchID)
	if matchID == "" || ev == nil {
		return nil, domain.Invalid("match id and event required")
	}
	unlock, err := c.locks.Lock(ctx, matchID)
	if err != nil {
		return nil, domain.Storage("match lock", err)
	}
	defer unlock()

	b, err := c.apply(ctx, matchID, ev)
	c.metrics.Event(ev.Kind(), err)
	if err != nil {
		obslog.L().Warn("match_event_error", zap.String("match_id", matchID), zap.String("kind", ev.Kind()), zap.Error(err))
		return nil, err
	}
	if b == nil {
		return nil, nil
	}
	if c.out != nil {
		if err := c.out.Publish(ctx, b); err != nil {
			obslog.L().Error("match_broadcast_error", zap.String("match_id", matchID), zap.String("topic", b.Topic), zap.Error(err))
			return b, fmt.Errorf("publish %s: %w", b.Topic, err)
		}
	}
	return b, nil
}

func (c *Coordinator) apply(ctx context.Context, matchID string, ev Event) (*Broadcast, error) {
	m, err := c.matches.Get(ctx, matchID)
	if domain.IsNotFound(err) {
		m, err = nil, nil
	}
	if err != nil {
		return nil, err
	}
	if m != nil && m.Status.Terminal() {
		suppressed(matchID, ev.Kind(), "match "+string(m.Status))
		return nil, nil
	}

	switch e := ev.(type) {
	case JoinEvent:
		return c.join(matchID, m, e), nil
	case MoveEvent:
		return c.move(ctx, matchID, m, e)
	case ResignEvent:
		return c.resign(ctx, matchID, m, e)
	case DrawOfferEvent:
		return c.drawOffer(matchID, e), nil
	case DrawAcceptEvent:
		return c.drawAccept(ctx, matchID, m, e)
	case ChatEvent:
		return c.chatMessage(ctx, matchID, m, e)
	default:
		return nil, domain.Invalid("unsupported event %T", ev)
	}
}

func plyBackoff(attempt int) time.Duration {
	ceil := attempt
	if ceil > 10 {
		ceil = 10
	}
	return time.Duration(1+rand.IntN(ceil)) * time.Millisecond
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func suppressed(matchID, kind, reason string) {
	obslog.L().Info("match_event_suppressed", zap.String("match_id", matchID), zap.String("kind", kind), zap.String("reason", reason))
}

func isWhite(color string) bool {
	return strings.EqualFold(strings.TrimSpace(color), "white")
}

func gameTypeOf(m *domain.Match) string {
	if m == nil || m.GameType == "" {
		return string(domain.GameStandard)
	}
	return string(m.GameType)
}

// join reports the state a joining client should show. Turn is not tracked
// server side: white is assumed to move first.
func (c *Coordinator) join(matchID string, m *domain.Match, e JoinEvent) *Broadcast {
	st := GameState{MatchID: matchID, GameType: gameTypeOf(m)}
	switch {
	case m == nil:
		st.Status = c.msgs.Text(msgcat.KeyStarted, nil, "Game started")
		st.IsMyTurn = isWhite(e.PlayerColor)
	case m.Opponent == nil:
		st.Status = c.msgs.Text(msgcat.KeyWaiting, nil, "Waiting for opponent")
	case m.Status == domain.StatusInProgress:
		st.Status = c.msgs.Text(msgcat.KeyInProgress, nil, "Game in progress")
		st.IsMyTurn = isWhite(e.PlayerColor)
	default:
		st.Status = c.msgs.Text(msgcat.KeyStarted, nil, "Game started")
		st.IsMyTurn = isWhite(e.PlayerColor)
	}
	obslog.L().Info("match_join_live", zap.String("match_id", matchID), zap.String("color", e.PlayerColor), zap.String("status", st.Status))
	return &Broadcast{Topic: TopicGame, MatchID: matchID, Payload: st}
}

func (c *Coordinator) move(ctx context.Context, matchID string, m *domain.Match, e MoveEvent) (*Broadcast, error) {
	if c.check != nil {
		if err := c.check.CheckMove(e); err != nil {
			suppressed(matchID, KindMove, err.Error())
			return nil, nil
		}
	}
	// the flag says whose turn it was; subscribers need whose turn it is now
	next := false
	if e.IsWhiteTurn != nil {
		next = !*e.IsWhiteTurn
	}
	out := e
	out.IsWhiteTurn = &next
	out.MatchID = matchID

	if m != nil {
		saved, err := c.recordMove(ctx, matchID, e)
		if err != nil {
			return nil, err
		}
		obslog.L().Info("match_move",
			zap.String("match_id", matchID),
			zap.Int("ply", saved.Ply),
			zap.String("color", string(saved.Color)),
			zap.String("uci", saved.UCI),
		)
	}
	return &Broadcast{Topic: TopicMoves, MatchID: matchID, Payload: out}, nil
}

// recordMove appends e with ply = count+1. A duplicate ply means another
// writer got there first; the count is re-read and the append retried with a
// short jittered pause. Giving up yields a retryable storage error.
func (c *Coordinator) recordMove(ctx context.Context, matchID string, e MoveEvent) (*domain.Move, error) {
	mv := &domain.Move{
		MatchID:   matchID,
		Color:     domain.ParseColor(e.PlayerColor),
		Piece:     e.Piece,
		FENBefore: e.FENBefore,
		FENAfter:  e.FENAfter,
	}
	if from, to, ok := e.Squares(); ok {
		mv.From, mv.To = from, to
		mv.UCI = from + to
		if e.MoveNotation != nil {
			mv.SAN = *e.MoveNotation
		} else {
			mv.SAN = mv.To
		}
	} else if e.MoveNotation != nil {
		mv.SAN = *e.MoveNotation
	}

	var lastErr error
	for attempt := 0; attempt <= maxPlyRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, plyBackoff(attempt)); err != nil {
				break
			}
		}
		n, err := c.moves.CountMoves(ctx, matchID)
		if err != nil {
			return nil, err
		}
		mv.Ply = n + 1
		mv.MoveNumber = domain.MoveNumberForPly(mv.Ply)
		saved, err := c.moves.AppendMove(ctx, mv)
		if err == nil {
			return saved, nil
		}
		if !errors.Is(err, domain.ErrDuplicatePly) {
			return nil, err
		}
		lastErr = err
		c.metrics.PlyRetry()
		obslog.L().Debug("match_ply_retry", zap.String("match_id", matchID), zap.Int("ply", mv.Ply), zap.Int("attempt", attempt+1))
	}
	// the move itself is fine; it only kept losing the race for its ply
	obslog.L().Warn("match_ply_contended", zap.String("match_id", matchID), zap.Error(lastErr))
	return nil, domain.Unavailable("append move", lastErr)
}

func (c *Coordinator) finish(ctx context.Context, matchID string, m *domain.Match, kind string, outcome domain.Outcome, term domain.Termination) (bool, error) {
	if m == nil {
		return true, nil
	}
	if m.Status != domain.StatusInProgress {
		suppressed(matchID, kind, "match "+string(m.Status))
		return false, nil
	}
	done, err := c.matches.Finish(ctx, matchID, outcome, term)
	if domain.IsConflict(err) {
		suppressed(matchID, kind, err.Error())
		return false, nil
	}
	if err != nil {
		return false, err
	}
	c.metrics.MatchFinished(string(term))
	obslog.L().Info("match_finish",
		zap.String("match_id", matchID),
		zap.String("outcome", string(done.Outcome)),
		zap.String("termination", string(done.Termination)),
	)
	return true, nil
}

func (c *Coordinator) resign(ctx context.Context, matchID string, m *domain.Match, e ResignEvent) (*Broadcast, error) {
	winner := "UNKNOWN"
	outcome := domain.OutcomeUnknown
	switch domain.ParseColor(e.PlayerColor).Opposite() {
	case domain.White:
		winner, outcome = string(domain.White), domain.OutcomeWhiteWon
	case domain.Black:
		winner, outcome = string(domain.Black), domain.OutcomeBlackWon
	}
	ok, err := c.finish(ctx, matchID, m, KindResign, outcome, domain.TerminationResignation)
	if err != nil || !ok {
		return nil, err
	}
	st := GameState{
		MatchID:  matchID,
		Status:   c.msgs.Text(msgcat.KeyOver, nil, "Game Over"),
		IsMyTurn: false,
		GameType: gameTypeOf(m),
		Result:   c.msgs.Text(msgcat.KeyResignation, map[string]string{"Winner": winner}, winner+" wins by resignation"),
	}
	return &Broadcast{Topic: TopicGameState, MatchID: matchID, Payload: st}, nil
}

func (c *Coordinator) drawOffer(matchID string, e DrawOfferEvent) *Broadcast {
	obslog.L().Info("match_draw_offer", zap.String("match_id", matchID), zap.String("color", e.PlayerColor))
	return &Broadcast{Topic: TopicDrawOffers, MatchID: matchID, Payload: DrawOffer{
		MatchID:     matchID,
		Type:        DrawOfferType,
		PlayerColor: e.PlayerColor,
	}}
}

func (c *Coordinator) drawAccept(ctx context.Context, matchID string, m *domain.Match, e DrawAcceptEvent) (*Broadcast, error) {
	ok, err := c.finish(ctx, matchID, m, KindDrawAccept, domain.OutcomeDraw, domain.TerminationAgreement)
	if err != nil || !ok {
		return nil, err
	}
	return &Broadcast{Topic: TopicDrawOffers, MatchID: matchID, Payload: DrawOffer{
		MatchID:     matchID,
		Type:        DrawAcceptedType,
		PlayerColor: e.PlayerColor,
		Result:      c.msgs.Text(msgcat.KeyDraw, nil, "Draw agreed"),
	}}, nil
}

func (c *Coordinator) chatMessage(ctx context.Context, matchID string, m *domain.Match, e ChatEvent) (*Broadcast, error) {
	text := strings.TrimSpace(e.Message)
	if text == "" {
		suppressed(matchID, KindChat, "blank message")
		return nil, nil
	}
	if m == nil {
		// no record to attach to; echo what was sent
		return &Broadcast{Topic: TopicChat, MatchID: matchID, Payload: e}, nil
	}
	saved, err := c.chat.AppendChat(ctx, &domain.ChatEntry{
		MatchID:   matchID,
		Sender:    e.From,
		Text:      text,
		CreatedAt: time.Now(),
	})
	if err != nil {
		return nil, err
	}
	return &Broadcast{Topic: TopicChat, MatchID: matchID, Payload: saved}, nil
}
