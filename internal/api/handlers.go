package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"hlledger/internal/domain"
	"hlledger/internal/service"
	"hlledger/internal/store"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	// Check storage
	if s.store == nil || s.store.Ping(r.Context()) != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "error",
			"error":  "database unreachable",
		})
		return
	}

	// Check NATS
	if s.nc != nil && !s.nc.IsConnected() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "error",
			"error":  "NATS disconnected",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// parseLedgerRequest reads the common query parameters. builderOnly falls
// back to defaultBuilderOnly when absent.
func parseLedgerRequest(r *http.Request, defaultBuilderOnly bool) (service.Request, error) {
	q := r.URL.Query()
	req := service.Request{
		Address:        strings.TrimSpace(q.Get("user")),
		Coin:           q.Get("coin"),
		Target:         q.Get("builder"),
		AttributedOnly: defaultBuilderOnly,
	}
	if req.Address == "" {
		return req, fmt.Errorf("missing required parameter: user")
	}

	var err error
	if req.From, err = optionalMillis(q.Get("fromMs")); err != nil {
		return req, fmt.Errorf("invalid fromMs: %w", err)
	}
	if req.To, err = optionalMillis(q.Get("toMs")); err != nil {
		return req, fmt.Errorf("invalid toMs: %w", err)
	}
	if req.From != nil && req.To != nil && *req.From > *req.To {
		return req, fmt.Errorf("fromMs must not be after toMs")
	}
	if v := q.Get("builderOnly"); v != "" {
		if req.AttributedOnly, err = strconv.ParseBool(v); err != nil {
			return req, fmt.Errorf("invalid builderOnly: %q", v)
		}
	}
	return req, nil
}

func optionalMillis(v string) (*int64, error) {
	if v == "" {
		return nil, nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, err
	}
	if ms < 0 {
		return nil, fmt.Errorf("negative timestamp %d", ms)
	}
	return &ms, nil
}

// process parses the request and runs it, writing any error response. It
// returns nil when a response has been written.
func (s *Server) process(w http.ResponseWriter, r *http.Request, defaultBuilderOnly bool) *service.Result {
	req, err := parseLedgerRequest(r, defaultBuilderOnly)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil
	}
	res, err := s.ledger.Process(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return nil
	}
	return res
}

type envelope struct {
	User        string              `json:"user"`
	Target      string              `json:"target"`
	Diagnostics service.Diagnostics `json:"diagnostics"`
}

func newEnvelope(r *http.Request, res *service.Result) envelope {
	return envelope{
		User:        domain.NormalizeAddress(r.URL.Query().Get("user")),
		Target:      res.Target,
		Diagnostics: res.Diagnostics,
	}
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	res := s.process(w, r, false)
	if res == nil {
		return
	}
	writeJSON(w, http.StatusOK, struct {
		envelope
		Trades []domain.Fill `json:"trades"`
	}{newEnvelope(r, res), res.Trades})
}

func (s *Server) handlePositionHistory(w http.ResponseWriter, r *http.Request) {
	res := s.process(w, r, false)
	if res == nil {
		return
	}
	writeJSON(w, http.StatusOK, struct {
		envelope
		Positions []domain.PositionState `json:"positions"`
	}{newEnvelope(r, res), res.Positions})
}

func (s *Server) handlePnL(w http.ResponseWriter, r *http.Request) {
	res := s.process(w, r, true)
	if res == nil {
		return
	}
	writeJSON(w, http.StatusOK, struct {
		envelope
		domain.PnLSummary
		NetPnL decimal.Decimal `json:"netPnl"`
	}{newEnvelope(r, res), res.Summary, res.Summary.NetPnL()})
}

func (s *Server) handlePnLHistory(w http.ResponseWriter, r *http.Request) {
	res := s.process(w, r, true)
	if res == nil {
		return
	}
	writeJSON(w, http.StatusOK, struct {
		envelope
		History []domain.PnLHistoryEntry `json:"history"`
	}{newEnvelope(r, res), res.History})
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	res := s.process(w, r, false)
	if res == nil {
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lq := service.LeaderboardQuery{
		Metric:         q.Get("metric"),
		Target:         q.Get("builder"),
		AttributedOnly: true,
	}
	if v := q.Get("builderOnly"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid builderOnly: %q", v))
			return
		}
		lq.AttributedOnly = b
	}

	entries, err := s.ledger.Leaderboard(r.Context(), lq)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleListFills(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	user := strings.TrimSpace(q.Get("user"))
	if !domain.ValidAddress(user) {
		writeError(w, http.StatusBadRequest, "invalid user address")
		return
	}

	filter := store.FillFilter{
		Coin:    q.Get("coin"),
		Builder: q.Get("builder"),
		Cursor:  q.Get("cursor"),
	}
	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = limit
	}

	page, err := s.store.ListFills(r.Context(), user, filter)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

type targetBuilderBody struct {
	TargetBuilder string `json:"targetBuilder"`
	Source        string `json:"source,omitempty"`
}

func (s *Server) handleGetTargetBuilder(w http.ResponseWriter, r *http.Request) {
	target, source, err := s.ledger.Targets().Current(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, targetBuilderBody{TargetBuilder: target, Source: source})
}

func (s *Server) handlePutTargetBuilder(w http.ResponseWriter, r *http.Request) {
	var body targetBuilderBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if err := s.ledger.Targets().Set(r.Context(), body.TargetBuilder); err != nil {
		writeServiceError(w, r, err)
		return
	}
	s.handleGetTargetBuilder(w, r)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	if !domain.ValidAddress(address) {
		writeError(w, http.StatusBadRequest, "invalid address")
		return
	}
	if s.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "live events disabled")
		return
	}
	s.hub.ServeWS(w, r, address)
}
