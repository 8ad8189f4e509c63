package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/tinge-app/tinge-session-core/internal/config"
	"github.com/tinge-app/tinge-session-core/internal/observability"
	"github.com/tinge-app/tinge-session-core/internal/orchestrator"
	"github.com/tinge-app/tinge-session-core/internal/policy"
	"github.com/tinge-app/tinge-session-core/internal/profilestore"
	"github.com/tinge-app/tinge-session-core/internal/ptt"
	"github.com/tinge-app/tinge-session-core/internal/transport"
)

// fetchCredential issues a fresh ephemeral credential from the Gateway's
// /token endpoint and returns the client secret value alongside the
// model it was minted for.
func fetchCredential(ctx context.Context, gatewayURL string) (secret, model string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, gatewayURL+"/token", nil)
	if err != nil {
		return "", "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", err
	}
	if resp.StatusCode >= 300 {
		return "", "", &credentialError{status: resp.StatusCode, body: string(body)}
	}

	var out struct {
		Model        string `json:"model"`
		ClientSecret struct {
			Value string `json:"value"`
		} `json:"client_secret"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", "", err
	}
	return out.ClientSecret.Value, out.Model, nil
}

type credentialError struct {
	status int
	body   string
}

func (e *credentialError) Error() string {
	return "gateway /token returned " + http.StatusText(e.status) + ": " + e.body
}

func realtimeURL(model string) string {
	base := os.Getenv("TINGE_REALTIME_WS_URL")
	if strings.TrimSpace(base) == "" {
		base = "wss://api.openai.com/v1/realtime"
	}
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set("model", model)
	u.RawQuery = q.Encode()
	return u.String()
}

func main() {
	cfg, err := config.LoadOrchestrator()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := observability.NewMetrics("tinge_orchestrator")

	secret, model, err := fetchCredential(ctx, cfg.GatewayURL)
	if err != nil {
		log.Fatalf("failed to mint realtime credential: %v", err)
	}

	conn, err := transport.Dial(ctx, realtimeURL(model), secret)
	if err != nil {
		log.Fatalf("failed to connect to realtime service: %v", err)
	}
	conn.SetMetrics(metrics)
	defer conn.Close()

	if !conn.WaitForDataChannelOpen(cfg.DataChannelOpenTimeout) {
		log.Fatalf("data channel did not open within %s", cfg.DataChannelOpenTimeout)
	}

	gw := orchestrator.NewGatewayClient(cfg.GatewayURL, secret)
	gw.SetMetrics(metrics)

	databaseURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if databaseURL == "" {
		log.Fatalf("DATABASE_URL must be set for learner profile persistence")
	}
	profiles, err := profilestore.New(ctx, databaseURL)
	if err != nil {
		log.Fatalf("failed to connect learner profile store: %v", err)
	}
	defer profiles.Close()

	deps := orchestrator.Dependencies{
		PTTConfig: ptt.Config{
			FirstPressConnectingWindow: cfg.PTTFirstPressConnectingMS,
			ReleaseBufferDesktop:       cfg.PTTReleaseBufferMSDesktop,
			ReleaseBufferMobile:        cfg.PTTReleaseBufferMSMobile,
			TouchDebounce:              cfg.PTTTouchDebounceMS,
			DataChannelOpenTimeout:     cfg.DataChannelOpenTimeout,
		},
		TurnDrainTimeout: cfg.InterruptDrainTimeout,
		UsageDebounce:    cfg.UsageDebounce,
		Profiles:         profiles,
		Transcriber:      gw,
		SearchKnowledge:  gw.SearchKnowledge,
		VerifyCorrection: gw.VerifyCorrection,
		SendEstimate:     gw.SendEstimate,
		SendActual:       gw.SendActual,
		CheckLimit:       gw.CheckLimit,
		Metrics:          metrics,
		OnClientEvent: func(eventType string, payload map[string]any) {
			if cfg.DebugLogs {
				redacted, _ := policy.RedactPII(fmt.Sprintf("%+v", payload))
				log.Printf("client event %s: %s", eventType, redacted)
			}
		},
	}

	session := orchestrator.New(conn, deps)

	metrics.ActiveSessions.Inc()
	defer metrics.ActiveSessions.Dec()

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		session.Run(gCtx, conn)
		return nil
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	g.Go(func() error {
		select {
		case <-sigCh:
			log.Printf("shutdown signal received")
			cancel()
		case <-gCtx.Done():
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("orchestrator exited with error: %v", err)
	}
	log.Printf("shutdown complete")
}
