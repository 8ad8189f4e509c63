package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/tinge-app/tinge-session-core/internal/upstream"
)

const maxTranscribeUploadBytes = 25 << 20

func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxTranscribeUploadBytes); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_multipart", err.Error())
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, "missing_file", "multipart field \"file\" is required")
		return
	}
	defer file.Close()

	out, err := s.upstream.Transcribe(r.Context(), header.Filename, file)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "transcription_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleKnowledgeSearch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		QueryOriginal string `json:"query_original"`
		QueryEn       string `json:"query_en"`
		Language      string `json:"language"`
		TopK          int    `json:"top_k"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(body.QueryOriginal) == "" {
		respondError(w, http.StatusBadRequest, "invalid_query", "query_original is required")
		return
	}

	queryEn := strings.TrimSpace(body.QueryEn)
	if queryEn == "" {
		queryEn = body.QueryOriginal
	}
	topK := clampTopK(body.TopK)
	language := strings.TrimSpace(body.Language)

	ctx, cancel := upstream.NewTimeoutContext(r.Context(), s.cfg.SearchTimeout)
	defer cancel()

	raw, err := s.upstream.SearchKnowledge(ctx, upstream.SearchRequest{
		QueryOriginal: body.QueryOriginal,
		QueryEn:       queryEn,
		Language:      language,
		TopK:          topK,
	})
	if err != nil {
		writeSearchError(w, ctx, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

func clampTopK(v int) int {
	if v < 1 {
		return 1
	}
	if v > 10 {
		return 10
	}
	return v
}

func writeSearchError(w http.ResponseWriter, ctx context.Context, err error) {
	if errors.Is(err, upstream.ErrTimeout) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		respondJSON(w, http.StatusGatewayTimeout, map[string]string{
			"error":  "Knowledge search timed out",
			"detail": ctx.Err().Error(),
		})
		return
	}
	respondError(w, http.StatusBadGateway, "search_failed", err.Error())
}

var validCorrectionTypes = map[string]bool{
	"grammar":        true,
	"vocabulary":     true,
	"pronunciation":  true,
	"style_register": true,
}

func (s *Server) handleCorrectionVerify(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CorrectionID        string `json:"correction_id"`
		Original            string `json:"original"`
		Corrected           string `json:"corrected"`
		CorrectionType      string `json:"correction_type"`
		LearnerLevel        string `json:"learner_level"`
		ConversationContext string `json:"conversation_context"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(body.Original) == "" || strings.TrimSpace(body.Corrected) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "original and corrected are required")
		return
	}
	if !validCorrectionTypes[body.CorrectionType] {
		respondError(w, http.StatusBadRequest, "invalid_correction_type", "correction_type must be one of grammar, vocabulary, pronunciation, style_register")
		return
	}

	ctx, cancel := upstream.NewTimeoutContext(r.Context(), s.cfg.VerifyTimeout)
	defer cancel()

	res, err := s.upstream.VerifyCorrection(ctx, upstream.VerifyRequest{
		CorrectionID:        body.CorrectionID,
		Original:            body.Original,
		Corrected:           body.Corrected,
		CorrectionType:      body.CorrectionType,
		LearnerLevel:        body.LearnerLevel,
		ConversationContext: body.ConversationContext,
	})
	if err != nil {
		writeVerifyError(w, ctx, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"correction_id": body.CorrectionID,
		"mistake":       res.Mistake,
		"correction":    res.Correction,
		"rule":          res.Rule,
		"category":      res.Category,
		"confidence":    res.Confidence,
		"is_ambiguous":  res.IsAmbiguous,
		"verified_at":   time.Now().UTC().Format(time.RFC3339),
		"model":         res.Model,
	})
}

func writeVerifyError(w http.ResponseWriter, ctx context.Context, err error) {
	if se, ok := err.(*upstream.StatusError); ok && se.Status == http.StatusTooManyRequests {
		respondError(w, http.StatusTooManyRequests, "rate_limited", se.Message)
		return
	}
	if errors.Is(err, upstream.ErrTimeout) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		respondError(w, http.StatusGatewayTimeout, "verify_timeout", "correction verification timed out")
		return
	}
	respondError(w, http.StatusBadGateway, "verify_failed", err.Error())
}
