// Package pgn exports a match and its recorded moves as PGN text.
package pgn

import (
	"fmt"
	"strings"
	"time"

	"github.com/park285/indichess-match/internal/domain"
	"github.com/park285/indichess-match/internal/msgcat"
)

// ResultToken maps a match outcome to the PGN result tag.
func ResultToken(o domain.Outcome) string {
	switch o {
	case domain.OutcomeWhiteWon:
		return "1-0"
	case domain.OutcomeBlackWon:
		return "0-1"
	case domain.OutcomeDraw:
		return "1/2-1/2"
	default:
		return "*"
	}
}

func sanitize(s string) string {
	s = strings.ReplaceAll(s, "\\", " ")
	s = strings.ReplaceAll(s, "\"", "'")
	return strings.TrimSpace(s)
}

func tag(b *strings.Builder, name, value string) {
	fmt.Fprintf(b, "[%s \"%s\"]\n", name, sanitize(value))
}

// Build renders m with moves in ply order. Recorded notation is used as-is;
// moves without notation fall back to their UCI text.
func Build(m *domain.Match, moves []*domain.Move, cat *msgcat.Catalog) string {
	if m == nil {
		return ""
	}
	if cat == nil {
		cat = msgcat.Default()
	}
	date := m.CreatedAt
	if date.IsZero() {
		date = time.Now()
	}
	result := ResultToken(m.Outcome)

	var b strings.Builder
	tag(&b, "Event", cat.Text(msgcat.KeyPGNEvent, nil, "Live match"))
	tag(&b, "Site", cat.Text(msgcat.KeyPGNSite, nil, "?"))
	tag(&b, "Date", fmt.Sprintf("%04d.%02d.%02d", date.Year(), int(date.Month()), date.Day()))
	tag(&b, "White", m.CreatedBy)
	black := m.OpponentID()
	if black == "" {
		black = "?"
	}
	tag(&b, "Black", black)
	tag(&b, "GameType", string(m.GameType))
	if m.Termination != "" {
		tag(&b, "Termination", string(m.Termination))
	}
	tag(&b, "Result", result)
	b.WriteString("\n")

	for _, mv := range moves {
		text := strings.TrimSpace(mv.SAN)
		if text == "" {
			text = strings.TrimSpace(mv.UCI)
		}
		if text == "" {
			continue
		}
		if mv.Ply%2 == 1 {
			fmt.Fprintf(&b, "%d. ", mv.MoveNumber)
		}
		b.WriteString(text)
		b.WriteString(" ")
	}
	b.WriteString(result)
	return b.String()
}
