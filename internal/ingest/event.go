package ingest

import (
	"fmt"

	"hlledger/internal/domain"
)

// FillEvent is the JSON structure for fill events carried over NATS.
type FillEvent struct {
	Address string         `json:"address"`
	Fill    domain.RawFill `json:"fill"`
}

// Validate checks the address and that the fill parses.
func (e *FillEvent) Validate() error {
	if e.Address == "" {
		return fmt.Errorf("missing required field: address")
	}
	if !domain.ValidAddress(e.Address) {
		return fmt.Errorf("invalid address: %q", e.Address)
	}
	if _, err := e.Fill.Parse(); err != nil {
		return fmt.Errorf("invalid fill: %w", err)
	}
	return nil
}

// Subject returns the subject the event is published on.
func (e *FillEvent) Subject() string {
	return SubjectPrefix + domain.NormalizeAddress(e.Address)
}
