// Package console serves the bridge's HTTP surface: the operator API, the
// carrier webhooks, and the live event streams.
package console

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/sprucehealth/twibridge/credential"
	"github.com/sprucehealth/twibridge/engine"
	"github.com/sprucehealth/twibridge/eventbus"
	"github.com/sprucehealth/twibridge/model"
)

// CredentialStatus reports the auth state. *credential.Selector satisfies it.
type CredentialStatus interface {
	StatusSnapshot() credential.Status
}

// Options configure the server
type Options struct {
	Addr string
	// BackendURL is the public URL the carrier signs webhook requests against.
	BackendURL string
	CORSOrigin string
	// AuthToken validates X-Twilio-Signature when ValidateWebhooks is set.
	AuthToken        string
	ValidateWebhooks bool
	Keepalive        time.Duration
	// NumbersConfigured reports whether both carrier numbers are set.
	NumbersConfigured bool
	Logger            *slog.Logger
}

// Server is the bridge HTTP server
type Server struct {
	Addr    string
	engine  engine.Engine
	creds   CredentialStatus
	bus     *eventbus.Bus
	opts    Options
	logger  *slog.Logger
	handler http.Handler
	server  *http.Server
}

// NewServer creates a new server
func NewServer(e engine.Engine, creds CredentialStatus, bus *eventbus.Bus, opts Options) *Server {
	if opts.Addr == "" {
		opts.Addr = ":5000"
	}
	if opts.Keepalive <= 0 {
		opts.Keepalive = 15 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Server{
		Addr:   opts.Addr,
		engine: e,
		creds:  creds,
		bus:    bus,
		opts:   opts,
		logger: opts.Logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/twilio/status", s.handleTwilioStatus)
	mux.HandleFunc("GET /api/sessions", s.handleSessions)
	mux.HandleFunc("POST /api/call/connect", s.handleConnect)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("GET /api/events/ws", s.handleEventsWS)

	webhooks := func(h http.HandlerFunc) http.Handler {
		return s.signatureMiddleware(h)
	}
	mux.Handle("POST /api/voice/bridge", webhooks(s.handleBridge))
	mux.Handle("POST /api/voice/incoming/a", webhooks(s.handleIncoming(engine.LineA)))
	mux.Handle("POST /api/voice/incoming/b", webhooks(s.handleIncoming(engine.LineB)))
	mux.Handle("POST /api/voice/status", webhooks(s.handleStatus))

	var h http.Handler = mux
	h = corsMiddleware(opts.CORSOrigin, h)
	h = loggingMiddleware(s.logger, h)
	h = tracingMiddleware(h)
	h = requestIDMiddleware(h)
	s.handler = h

	s.server = &http.Server{
		Addr:              opts.Addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// Handler returns the fully wrapped handler, e.g. for httptest.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start serves until Stop is called. It returns nil after a graceful stop.
func (s *Server) Start() error {
	s.logger.Info("console: listening", "addr", s.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Serve serves on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("console: listening", "addr", ln.Addr().String())
	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

type healthResponse struct {
	Status           string           `json:"status"`
	TwilioConfigured bool             `json:"twilio_configured"`
	TwilioAuthMethod model.AuthMethod `json:"twilio_auth_method"`
	Subscribers      int              `json:"subscribers"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.creds.StatusSnapshot()
	method := st.CurrentAuthMethod
	if method == model.AuthNone {
		switch {
		case st.AuthTokenClientAvailable:
			method = model.AuthToken
		case st.APIKeyClientAvailable:
			method = model.AuthAPIKey
		}
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:           "ok",
		TwilioConfigured: s.opts.NumbersConfigured && (st.AuthTokenClientAvailable || st.APIKeyClientAvailable),
		TwilioAuthMethod: method,
		Subscribers:      s.bus.Len(),
	})
}

func (s *Server) handleTwilioStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.creds.StatusSnapshot())
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Snapshot())
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind string, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Kind: kind})
}
