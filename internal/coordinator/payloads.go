package coordinator

const (
	TopicGame       = "game"
	TopicMoves      = "moves"
	TopicGameState  = "game-state"
	TopicDrawOffers = "draw-offers"
	TopicChat       = "chat"
)

const (
	DrawOfferType    = "DRAW_OFFER"
	DrawAcceptedType = "DRAW_ACCEPTED"
)

// Broadcast is one outbound payload for every subscriber of a match.
type Broadcast struct {
	Topic   string `json:"topic"`
	MatchID string `json:"matchId"`
	Payload any    `json:"payload"`
}

type GameState struct {
	MatchID  string `json:"matchId"`
	Status   string `json:"status"`
	IsMyTurn bool   `json:"isMyTurn"`
	GameType string `json:"gameType"`
	Result   string `json:"result,omitempty"`
}

type DrawOffer struct {
	MatchID     string `json:"matchId"`
	Type        string `json:"type"`
	PlayerColor string `json:"playerColor"`
	Result      string `json:"result,omitempty"`
}
