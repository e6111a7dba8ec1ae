package ledger

import (
	"github.com/rs/zerolog/log"

	"hlledger/internal/domain"
)

// ParseFills converts raw fills, skipping malformed records. It returns the
// parsed fills and the number skipped.
func ParseFills(raw []domain.RawFill) ([]domain.Fill, int) {
	fills := make([]domain.Fill, 0, len(raw))
	skipped := 0
	for _, r := range raw {
		f, err := r.Parse()
		if err != nil {
			log.Debug().Err(err).Str("fill", r.Key()).Msg("skipping malformed fill")
			skipped++
			continue
		}
		fills = append(fills, f)
	}
	return fills, skipped
}

// ParseFunding converts raw funding records, skipping malformed ones.
func ParseFunding(raw []domain.RawFunding) ([]domain.FundingEvent, int) {
	events := make([]domain.FundingEvent, 0, len(raw))
	skipped := 0
	for _, r := range raw {
		ev, err := r.Parse()
		if err != nil {
			log.Debug().Err(err).Int64("time", r.Time).Msg("skipping malformed funding record")
			skipped++
			continue
		}
		events = append(events, ev)
	}
	return events, skipped
}
