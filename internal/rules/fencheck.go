// Package rules holds optional move checks the coordinator can be configured
// with. Moves are recorded as submitted unless a check is wired in.
package rules

import (
	"fmt"
	"strings"

	nchess "github.com/corentings/chess/v2"
	"github.com/park285/indichess-match/internal/coordinator"
)

// FENCheck rejects moves whose FEN fields do not parse. With Strict set it
// also replays the move from FENBefore and rejects it when illegal.
type FENCheck struct {
	Strict bool
}

var _ coordinator.MoveCheck = FENCheck{}

func parseFEN(fen string) (*nchess.Game, error) {
	opt, err := nchess.FEN(fen)
	if err != nil {
		return nil, fmt.Errorf("parse fen %q: %w", fen, err)
	}
	return nchess.NewGame(opt), nil
}

func (c FENCheck) CheckMove(ev coordinator.MoveEvent) error {
	before := strings.TrimSpace(ev.FENBefore)
	after := strings.TrimSpace(ev.FENAfter)
	var game *nchess.Game
	if before != "" {
		g, err := parseFEN(before)
		if err != nil {
			return err
		}
		game = g
	}
	if after != "" {
		if _, err := parseFEN(after); err != nil {
			return err
		}
	}
	if !c.Strict || game == nil {
		return nil
	}
	from, to, ok := ev.Squares()
	if !ok {
		return nil
	}
	uci := from + to
	if ev.Promotion != nil && *ev.Promotion {
		uci += "q"
	}
	if err := game.PushNotationMove(uci, nchess.UCINotation{}, nil); err != nil {
		return fmt.Errorf("illegal move %s: %w", uci, err)
	}
	return nil
}
