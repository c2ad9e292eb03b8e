package domain

import (
	"strings"
	"time"
)

// Status represents a match lifecycle state.
type Status string

const (
	StatusCreated    Status = "CREATED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusFinished   Status = "FINISHED"
	StatusCancelled  Status = "CANCELLED"
)

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool { return s == StatusFinished || s == StatusCancelled }

// GameType identifies the time-control family a match was created for.
type GameType string

const (
	GameStandard GameType = "STANDARD"
	GameRapid    GameType = "RAPID"
)

// ParseGameType normalizes user input; empty input means STANDARD.
func ParseGameType(s string) GameType {
	v := strings.ToUpper(strings.TrimSpace(s))
	if v == "" {
		return GameStandard
	}
	return GameType(v)
}

// Color identifies a chess side as persisted in move history.
type Color string

const (
	White Color = "WHITE"
	Black Color = "BLACK"
)

// ParseColor maps the client's lower-case side names; anything else is unset.
func ParseColor(s string) Color {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "white":
		return White
	case "black":
		return Black
	default:
		return ""
	}
}

// Opposite returns the other side, or "" for an unset color.
func (c Color) Opposite() Color {
	switch c {
	case White:
		return Black
	case Black:
		return White
	default:
		return ""
	}
}

// Outcome is the recorded result of a finished match.
type Outcome string

const (
	OutcomeNone     Outcome = ""
	OutcomeWhiteWon Outcome = "WHITE_WON"
	OutcomeBlackWon Outcome = "BLACK_WON"
	OutcomeDraw     Outcome = "DRAW"
	OutcomeUnknown  Outcome = "UNKNOWN"
)

// Termination describes how a finished match ended.
type Termination string

const (
	TerminationResignation Termination = "resignation"
	TerminationAgreement   Termination = "agreement"
)

// Match is the persisted record of one pairing.
type Match struct {
	ID          string      `json:"id"`
	CreatedBy   string      `json:"createdByEmail"`
	Opponent    *string     `json:"opponentEmail"`
	Status      Status      `json:"status"`
	GameType    GameType    `json:"gameType"`
	Outcome     Outcome     `json:"outcome,omitempty"`
	Termination Termination `json:"termination,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// OpponentID returns the opponent identity or "" while the match is waiting.
func (m *Match) OpponentID() string {
	if m == nil || m.Opponent == nil {
		return ""
	}
	return *m.Opponent
}

// Waiting reports whether the match is still in the pairing pool state.
func (m *Match) Waiting() bool {
	return m != nil && m.Status == StatusCreated && m.Opponent == nil
}

// Participant reports whether identity created or joined the match.
func (m *Match) Participant(identity string) bool {
	if m == nil || identity == "" {
		return false
	}
	return m.CreatedBy == identity || m.OpponentID() == identity
}

// Clone returns a deep copy safe to hand across goroutines.
func (m *Match) Clone() *Match {
	if m == nil {
		return nil
	}
	cp := *m
	if m.Opponent != nil {
		opp := *m.Opponent
		cp.Opponent = &opp
	}
	return &cp
}

// Touch advances UpdatedAt to now, keeping it strictly increasing.
func (m *Match) Touch(now time.Time) {
	if !now.After(m.UpdatedAt) {
		now = m.UpdatedAt.Add(time.Microsecond)
	}
	m.UpdatedAt = now
}

// Move is one accepted half-move of a match.
type Move struct {
	ID         int64     `json:"id"`
	MatchID    string    `json:"matchId"`
	Ply        int       `json:"ply"`
	MoveNumber int       `json:"moveNumber"`
	Color      Color     `json:"color,omitempty"`
	From       string    `json:"from,omitempty"`
	To         string    `json:"to,omitempty"`
	UCI        string    `json:"uci,omitempty"`
	SAN        string    `json:"san,omitempty"`
	Piece      string    `json:"piece,omitempty"`
	FENBefore  string    `json:"fenBefore,omitempty"`
	FENAfter   string    `json:"fenAfter,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// MoveNumberForPly maps a 1-based ply to its full-move number (1,1,2,2,...).
func MoveNumberForPly(ply int) int { return (ply + 1) / 2 }

// ChatEntry is one persisted chat line of a match.
type ChatEntry struct {
	ID        int64     `json:"id"`
	MatchID   string    `json:"matchId"`
	Sender    string    `json:"from"`
	Text      string    `json:"message"`
	CreatedAt time.Time `json:"timestamp"`
}
