package gateway

import (
	"net/http"
	"strings"

	"github.com/tinge-app/tinge-session-core/internal/upstream"
)

// handleIssueCredential implements GET /token: mint an ephemeral
// credential from the upstream realtime service, register it with the
// ledger, and return the upstream object merged with tokenUsage.
func (s *Server) handleIssueCredential(w http.ResponseWriter, r *http.Request) {
	if strings.TrimSpace(s.cfg.OpenAIAPIKey) == "" {
		respondError(w, http.StatusInternalServerError, "api_key_not_configured", "API key not configured")
		return
	}

	model := strings.TrimSpace(r.URL.Query().Get("model"))
	if model == "" {
		model = s.cfg.DefaultRealtimeModel
	}
	voice := strings.TrimSpace(r.URL.Query().Get("voice"))
	if voice == "" {
		voice = s.cfg.DefaultRealtimeVoice
	}

	sess, err := s.upstream.CreateRealtimeSession(r.Context(), model, voice)
	if err != nil {
		writeUpstreamError(w, err, "failed to mint realtime session")
		return
	}

	entry := s.ledger.Initialize(sess.ClientSecret.Value, uint64(s.cfg.MaxTokensPerKey))
	out := make(map[string]any, len(sess.Raw)+1)
	for k, v := range sess.Raw {
		out[k] = v
	}
	out["tokenUsage"] = entry
	respondJSON(w, http.StatusOK, out)
}

func writeUpstreamError(w http.ResponseWriter, err error, fallback string) {
	switch err {
	case upstream.ErrMissingAPIKey:
		respondError(w, http.StatusInternalServerError, "api_key_not_configured", "API key not configured")
		return
	case upstream.ErrMissingClientSecret:
		respondError(w, http.StatusInternalServerError, "invalid_response_format", "invalid response format")
		return
	case upstream.ErrTimeout:
		respondError(w, http.StatusGatewayTimeout, "upstream_timeout", "upstream request timed out")
		return
	}
	if se, ok := err.(*upstream.StatusError); ok {
		respondError(w, se.Status, "upstream_error", se.Message)
		return
	}
	respondError(w, http.StatusInternalServerError, "upstream_error", fallback+": "+err.Error())
}
