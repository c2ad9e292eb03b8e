package coordinator

import (
	"encoding/json"
	"fmt"
	"time"

	nchess "github.com/corentings/chess/v2"

	"github.com/park285/indichess-match/internal/domain"
)

// Event is one inbound live message for a match. The set is closed:
// JoinEvent, MoveEvent, ResignEvent, DrawOfferEvent, DrawAcceptEvent, ChatEvent.
type Event interface {
	Kind() string
	isEvent()
}

const (
	KindJoin       = "join"
	KindMove       = "move"
	KindResign     = "resign"
	KindDrawOffer  = "draw"
	KindDrawAccept = "draw-accept"
	KindChat       = "chat"
)

type JoinEvent struct {
	Type        string `json:"type,omitempty"`
	PlayerColor string `json:"playerColor"`
	Timestamp   string `json:"timestamp,omitempty"`
}

// MoveEvent is relayed verbatim apart from the turn flag and match id.
// IsWhiteTurn declares whose turn it was when the move was made.
type MoveEvent struct {
	FromRow       *int            `json:"fromRow,omitempty"`
	FromCol       *int            `json:"fromCol,omitempty"`
	ToRow         *int            `json:"toRow,omitempty"`
	ToCol         *int            `json:"toCol,omitempty"`
	Piece         string          `json:"piece,omitempty"`
	CapturedPiece string          `json:"capturedPiece,omitempty"`
	Castled       *bool           `json:"castled,omitempty"`
	EnPassant     *bool           `json:"isEnPassant,omitempty"`
	Promotion     *bool           `json:"isPromotion,omitempty"`
	FENBefore     string          `json:"fenBefore,omitempty"`
	FENAfter      string          `json:"fenAfter,omitempty"`
	Board         json.RawMessage `json:"board,omitempty"`
	IsWhiteTurn   *bool           `json:"isWhiteTurn"`
	PlayerColor   string          `json:"playerColor,omitempty"`
	MatchID       string          `json:"matchId,omitempty"`
	Timestamp     string          `json:"timestamp,omitempty"`
	MoveNotation  *string         `json:"moveNotation,omitempty"`
}

// Squares returns the algebraic from/to squares when all four coordinates
// are present. Row 0 is rank 8 and column 0 is file a.
func (e MoveEvent) Squares() (from, to string, ok bool) {
	if e.FromRow == nil || e.FromCol == nil || e.ToRow == nil || e.ToCol == nil {
		return "", "", false
	}
	return squareName(*e.FromRow, *e.FromCol), squareName(*e.ToRow, *e.ToCol), true
}

func squareName(row, col int) string {
	if row >= 0 && row < 8 && col >= 0 && col < 8 {
		return nchess.NewSquare(nchess.File(col), nchess.Rank(7-row)).String()
	}
	return fmt.Sprintf("%c%d", rune('a'+col), 8-row)
}

type ResignEvent struct {
	PlayerColor string `json:"playerColor"`
	Timestamp   string `json:"timestamp,omitempty"`
}

type DrawOfferEvent struct {
	PlayerColor string `json:"playerColor"`
	Timestamp   string `json:"timestamp,omitempty"`
}

type DrawAcceptEvent struct {
	PlayerColor string `json:"playerColor"`
	Timestamp   string `json:"timestamp,omitempty"`
}

// ChatEvent carries the sender identity and raw text.
type ChatEvent struct {
	MatchID   string     `json:"matchId,omitempty"`
	From      string     `json:"from"`
	Message   string     `json:"message"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

func (JoinEvent) Kind() string       { return KindJoin }
func (MoveEvent) Kind() string       { return KindMove }
func (ResignEvent) Kind() string     { return KindResign }
func (DrawOfferEvent) Kind() string  { return KindDrawOffer }
func (DrawAcceptEvent) Kind() string { return KindDrawAccept }
func (ChatEvent) Kind() string       { return KindChat }

func (JoinEvent) isEvent()       {}
func (MoveEvent) isEvent()       {}
func (ResignEvent) isEvent()     {}
func (DrawOfferEvent) isEvent()  {}
func (DrawAcceptEvent) isEvent() {}
func (ChatEvent) isEvent()       {}

// DecodeEvent parses an inbound payload for the given kind. Unknown kinds
// and malformed payloads are validation errors.
func DecodeEvent(kind string, payload json.RawMessage) (Event, error) {
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	var (
		ev  Event
		err error
	)
	switch kind {
	case KindJoin:
		var e JoinEvent
		err = json.Unmarshal(payload, &e)
		ev = e
	case KindMove:
		var e MoveEvent
		err = json.Unmarshal(payload, &e)
		ev = e
	case KindResign:
		var e ResignEvent
		err = json.Unmarshal(payload, &e)
		ev = e
	case KindDrawOffer:
		var e DrawOfferEvent
		err = json.Unmarshal(payload, &e)
		ev = e
	case KindDrawAccept:
		var e DrawAcceptEvent
		err = json.Unmarshal(payload, &e)
		ev = e
	case KindChat:
		var e ChatEvent
		err = json.Unmarshal(payload, &e)
		ev = e
	default:
		return nil, domain.Invalid("unknown event type %q", kind)
	}
	if err != nil {
		return nil, domain.Invalid("malformed %s payload: %v", kind, err)
	}
	return ev, nil
}
