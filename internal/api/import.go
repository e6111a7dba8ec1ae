package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"hlledger/internal/domain"
)

// maxImportFills matches the upstream page size.
const maxImportFills = 2000

// ImportRequest is the request body for POST /v1/import.
type ImportRequest struct {
	User  string           `json:"user"`
	Fills []domain.RawFill `json:"fills"`
}

// ImportResponse is the response body for POST /v1/import.
type ImportResponse struct {
	Total      int `json:"total"`
	Inserted   int `json:"inserted"`
	Duplicates int `json:"duplicates"`
}

func (s *Server) handleImportFills(w http.ResponseWriter, r *http.Request) {
	var req ImportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	req.User = strings.TrimSpace(req.User)
	if !domain.ValidAddress(req.User) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid user address: %q", req.User))
		return
	}

	if len(req.Fills) == 0 {
		writeError(w, http.StatusBadRequest, "fills array is empty")
		return
	}

	if len(req.Fills) > maxImportFills {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("too many fills: max %d per request", maxImportFills))
		return
	}

	// Validate all fills up front before storing any
	for i, f := range req.Fills {
		if _, err := f.Parse(); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("fill[%d] (%s): %v", i, f.Key(), err))
			return
		}
	}

	inserted, err := s.store.AppendFills(r.Context(), req.User, req.Fills)
	if err != nil {
		log.Error().Err(err).Str("user", req.User).Msg("failed to import fills")
		writeError(w, http.StatusInternalServerError, "failed to store fills")
		return
	}

	log.Info().Str("user", domain.NormalizeAddress(req.User)).
		Int("total", len(req.Fills)).
		Int("inserted", inserted).
		Msg("imported fills")

	writeJSON(w, http.StatusOK, ImportResponse{
		Total:      len(req.Fills),
		Inserted:   inserted,
		Duplicates: len(req.Fills) - inserted,
	})
}
