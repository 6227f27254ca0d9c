package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/austindbirch/harbor_relay/internal/auth"
	"github.com/austindbirch/harbor_relay/internal/config"
	"github.com/austindbirch/harbor_relay/internal/logging"
)

type tokenRequest struct {
	Subject    string `json:"subject"`
	ClinicID   string `json:"clinic_id,omitempty"`
	TTLSeconds int    `json:"ttl_seconds,omitempty"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	TokenType string    `json:"token_type"`
	ExpiresIn int       `json:"expires_in"`
	ExpiresAt time.Time `json:"expires_at"`
}

// tokenService hands out admin API tokens for local stacks. Start the
// ingest service with JWT_PUBLIC_KEY set to the PEM served at /public-key.
type tokenService struct {
	issuer     *auth.Issuer
	publicPEM  string
	defaultTTL time.Duration
	maxTTL     time.Duration
	log        *logging.Logger
}

func newTokenService(iss *auth.Issuer, cfg config.TokenIssuer, log *logging.Logger) (*tokenService, error) {
	pub, err := iss.PublicKeyPEM()
	if err != nil {
		return nil, err
	}
	return &tokenService{issuer: iss, publicPEM: pub, defaultTTL: cfg.DefaultTTL, maxTTL: cfg.MaxTTL, log: log}, nil
}

func (s *tokenService) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("GET /public-key", s.handlePublicKey)
	mux.HandleFunc("POST /token", s.handleToken)
	return mux
}

func (s *tokenService) handlePublicKey(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Cache-Control", "public, max-age=300")
	_, _ = w.Write([]byte(s.publicPEM))
}

func (s *tokenService) handleToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Subject == "" {
		http.Error(w, "subject is required", http.StatusBadRequest)
		return
	}

	ttl := s.defaultTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}
	if s.maxTTL > 0 && ttl > s.maxTTL {
		ttl = s.maxTTL
	}

	tok, exp, err := s.issuer.Issue(req.Subject, req.ClinicID, ttl)
	if err != nil {
		s.log.WithContext(r.Context()).WithError(err).Error("issue token")
		http.Error(w, "Failed to sign token", http.StatusInternalServerError)
		return
	}
	s.log.WithContext(r.Context()).
		WithFields(map[string]any{"subject": req.Subject, "clinic_id": req.ClinicID, "ttl": ttl.String()}).
		Info("token issued")

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(tokenResponse{
		Token:     tok,
		TokenType: "Bearer",
		ExpiresIn: int(ttl / time.Second),
		ExpiresAt: exp.UTC(),
	})
}

func main() {
	cfg := config.FromEnv()
	log := logging.New("token-issuer", logging.WithLevel(logging.ParseLevel(cfg.LogLevel)))

	key, err := auth.LoadOrGenerateKey(cfg.TokenIssuer.PrivateKeyPEM)
	if err != nil {
		log.Plain().WithError(err).Fatal("load signing key")
	}
	if cfg.TokenIssuer.PrivateKeyPEM == "" {
		log.Plain().Warn("JWT_PRIVATE_KEY unset; generated an ephemeral key, tokens die with this process")
	}

	svc, err := newTokenService(auth.NewIssuer(key, cfg.Auth.Issuer, cfg.Auth.Audience), cfg.TokenIssuer, log)
	if err != nil {
		log.Plain().WithError(err).Fatal("encode public key")
	}
	srv := &http.Server{
		Addr:              cfg.TokenIssuer.Port,
		Handler:           svc.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.WithFields(map[string]any{"addr": srv.Addr, "issuer": cfg.Auth.Issuer, "audience": cfg.Auth.Audience}).
			Info("token-issuer listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Plain().WithError(err).Fatal("HTTP serve")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
