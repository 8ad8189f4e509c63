package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tinge-app/tinge-session-core/internal/ledger"
)

func (s *Server) handleGetUsage(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	entry, ok := s.ledger.Get(key)
	if !ok {
		respondError(w, http.StatusNotFound, "unknown_key", "no ledger entry for this credential")
		return
	}
	respondJSON(w, http.StatusOK, entry)
}

func (s *Server) handleEstimateUsage(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	var body struct {
		Text          string  `json:"text"`
		AudioDuration float64 `json:"audioDuration"`
		DeltaTokens   uint64  `json:"delta_tokens"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	delta := body.DeltaTokens
	if body.Text != "" {
		delta += ledger.EstimateTokensFromText(body.Text)
	}
	if body.AudioDuration > 0 {
		delta += ledger.EstimateTokensFromAudio(body.AudioDuration)
	}

	entry, err := s.ledger.ApplyEstimate(key, delta)
	if err != nil {
		respondError(w, http.StatusNotFound, "unknown_key", "no ledger entry for this credential")
		return
	}
	respondJSON(w, http.StatusOK, entry)
}

func (s *Server) handleActualUsage(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	var report ledger.UsageReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	entry, err := s.ledger.ApplyActual(key, report)
	if err != nil {
		respondError(w, http.StatusNotFound, "unknown_key", "no ledger entry for this credential")
		return
	}

	if s.metrics != nil {
		stats := s.ledger.Stats()
		s.metrics.SetLedgerGauges(stats.NearLimitCount, stats.AtLimitCount)
	}

	respondJSON(w, http.StatusOK, entry)
}

func (s *Server) handleTokenStats(w http.ResponseWriter, r *http.Request) {
	stats := s.ledger.Stats()
	respondJSON(w, http.StatusOK, map[string]any{
		"activeCredentials":    stats.ActiveCredentials,
		"totalEstimatedTokens": stats.TotalEstimatedTokens,
		"totalActualTokens":    stats.TotalActualTokens,
		"totalActualCost":      stats.TotalActualCost,
		"nearLimitCount":       stats.NearLimitCount,
		"atLimitCount":         stats.AtLimitCount,
	})
}
