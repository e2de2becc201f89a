// Package httpapi serves the fallback poll endpoint, the
// client-facing refresh endpoint and the operator admin surface,
// together with prometheus metrics and health.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/beaconhq/beacon/authority"
	"github.com/beaconhq/beacon/config"
	"github.com/beaconhq/beacon/consts"
	"github.com/beaconhq/beacon/events"
	"github.com/beaconhq/beacon/logger"
	"github.com/beaconhq/beacon/pkg/health"
	"github.com/beaconhq/beacon/pkg/metrics"
	"github.com/beaconhq/beacon/pkg/resilient"
	"github.com/beaconhq/beacon/server/gateway"
	"github.com/beaconhq/beacon/server/hub"
	"github.com/beaconhq/beacon/server/lifecycle"
)

// Server is the HTTP API server.
type Server struct {
	addr         string
	apiKey       string
	allowedHosts []string
	tls          bool
	tlsCertFile  string
	tlsKeyFile   string

	auth       authority.Authority
	emitter    *lifecycle.Emitter
	controller *lifecycle.Controller
	hub        *hub.Hub
	gateway    *gateway.Gateway
	store      *resilient.Store
	monitor    *health.HealthMonitor

	server *http.Server
}

// Options wires the API server's collaborators.
type Options struct {
	Config     config.APIConfig
	Auth       authority.Authority
	Emitter    *lifecycle.Emitter
	Controller *lifecycle.Controller
	Hub        *hub.Hub
	Gateway    *gateway.Gateway
	Store      *resilient.Store
	Monitor    *health.HealthMonitor
}

func New(opts Options) (*Server, error) {
	if opts.Config.APIKey == "" {
		return nil, fmt.Errorf("API key is required for HTTP API server")
	}
	if opts.Config.TLS && (opts.Config.TLSCertFile == "" || opts.Config.TLSKeyFile == "") {
		return nil, fmt.Errorf("TLS certificate and key files are required when TLS is enabled")
	}

	return &Server{
		addr:         opts.Config.Addr,
		apiKey:       opts.Config.APIKey,
		allowedHosts: opts.Config.AllowedHosts,
		tls:          opts.Config.TLS,
		tlsCertFile:  opts.Config.TLSCertFile,
		tlsKeyFile:   opts.Config.TLSKeyFile,
		auth:         opts.Auth,
		emitter:      opts.Emitter,
		controller:   opts.Controller,
		hub:          opts.Hub,
		gateway:      opts.Gateway,
		store:        opts.Store,
		monitor:      opts.Monitor,
	}, nil
}

// Start runs the API server, reporting a startup failure on errChan.
func Start(ctx context.Context, opts Options, errChan chan error) {
	server, err := New(opts)
	if err != nil {
		errChan <- fmt.Errorf("failed to create HTTP API server: %w", err)
		return
	}

	logger.Info("starting HTTP API server", "addr", opts.Config.Addr, "tls", opts.Config.TLS)
	if err := server.start(ctx); err != nil && err != http.ErrServerClosed && ctx.Err() == nil {
		errChan <- fmt.Errorf("HTTP API server failed: %w", err)
	}
}

func (s *Server) start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.Router(),
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down HTTP API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("error shutting down HTTP API server", "error", err)
		}
	}()

	if s.tls {
		return s.server.ListenAndServeTLS(s.tlsCertFile, s.tlsKeyFile)
	}
	return s.server.ListenAndServe()
}

// Router builds the full route table. Exposed for tests.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(s.loggingMiddleware)
	router.Use(s.allowedHostsMiddleware)

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	router.HandleFunc("/healthz", s.handleHealth).Methods("GET")

	// Client-facing routes authenticate with session credentials, not
	// the admin key.
	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/events/poll", s.handlePoll).Methods("POST")
	v1.HandleFunc("/sessions/refresh", s.handleRefresh).Methods("POST")

	admin := router.PathPrefix("/api/v1/admin").Subrouter()
	admin.Use(s.authMiddleware)
	admin.HandleFunc("/connections", s.handleListConnections).Methods("GET")
	admin.HandleFunc("/connections/stats", s.handleConnectionStats).Methods("GET")
	admin.HandleFunc("/connections/kick", s.handleKickConnections).Methods("POST")
	admin.HandleFunc("/sessions/{id}/revoke", s.handleRevokeSession).Methods("POST")
	admin.HandleFunc("/users/{id}/revoke", s.handleRevokeUser).Methods("POST")
	admin.HandleFunc("/alerts", s.handleSecurityAlert).Methods("POST")

	return router
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("HTTP API request",
			"method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr, "duration", time.Since(start))
	})
}

func (s *Server) allowedHostsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedHosts) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		clientIP := getClientIP(r)
		for _, allowedHost := range s.allowedHosts {
			if allowedHost == clientIP {
				next.ServeHTTP(w, r)
				return
			}
			if strings.Contains(allowedHost, "/") {
				if _, cidr, err := net.ParseCIDR(allowedHost); err == nil {
					if ip := net.ParseIP(clientIP); ip != nil && cidr.Contains(ip) {
						next.ServeHTTP(w, r)
						return
					}
				}
			}
		}
		s.writeError(w, http.StatusForbidden, "Host not allowed")
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'")
			return
		}

		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(s.apiKey)) != 1 {
			s.writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("error encoding JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) writeReject(w http.ResponseWriter, err error) {
	reason := consts.ReasonForError(err)
	status := http.StatusUnauthorized
	if reason == consts.ReasonForged {
		status = http.StatusForbidden
	}
	s.writeJSON(w, status, map[string]string{"reason": string(reason)})
}

// Request/response types

type PollRequest struct {
	Credential   string `json:"credential"`
	ForgeryToken string `json:"forgery_token"`
	TabID        string `json:"tab_id"`
	LastEventID  uint64 `json:"last_event_id"`
}

type PollResponse struct {
	Events []events.Event `json:"events"`
}

type RefreshRequest struct {
	Credential   string `json:"credential"`
	ForgeryToken string `json:"forgery_token"`
}

type RefreshResponse struct {
	SessionID string    `json:"session_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

type KickRequest struct {
	ChannelType string `json:"channel_type"`
	ChannelKey  string `json:"channel_key"`
}

type AlertRequest struct {
	ChannelType string `json:"channel_type"`
	ChannelKey  string `json:"channel_key"`
	Detail      string `json:"detail"`
}

// Handlers

// handlePoll serves the fallback poll contract: all buffered events
// newer than last_event_id that lie on the caller's channel path,
// ascending. Read-only and idempotent; repeated calls with the same id
// return the same set.
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	var req PollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	session, err := s.auth.ValidateCredential(r.Context(), req.Credential, req.ForgeryToken)
	if err != nil {
		s.writeReject(w, err)
		return
	}

	identity := hub.Identity{
		UserID:    session.UserID,
		DeviceID:  session.DeviceID,
		SessionID: session.SessionID,
		TabID:     req.TabID,
	}

	all := s.emitter.EventsSince(req.LastEventID)
	visible := make([]events.Event, 0, len(all))
	for _, ev := range all {
		if identity.Contains(ev.Channel) {
			visible = append(visible, ev)
		}
	}

	metrics.PollRequests.Inc()
	metrics.PollEventsReturned.Observe(float64(len(visible)))
	s.writeJSON(w, http.StatusOK, PollResponse{Events: visible})
}

// handleRefresh lets a session's leader tab extend the credential. The
// lifecycle controller announces the result to every tab, so the call
// is idempotent from the tabs' point of view.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	// Refresh happens inside the expiry lead window, while the
	// credential is still valid. A lapsed credential cannot extend
	// itself.
	session, err := s.auth.ValidateCredential(r.Context(), req.Credential, req.ForgeryToken)
	if err != nil {
		s.writeReject(w, err)
		return
	}

	refreshed, err := s.controller.Refresh(r.Context(), session.SessionID)
	if err != nil {
		if errors.Is(err, consts.ErrSessionNotFound) {
			s.writeError(w, http.StatusNotFound, "Session not found")
			return
		}
		logger.Error("refresh failed", "session_id", session.SessionID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Refresh failed")
		return
	}
	s.writeJSON(w, http.StatusOK, RefreshResponse{SessionID: refreshed.SessionID, ExpiresAt: refreshed.ExpiresAt})
}

func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"connections": s.hub.Connections(userID),
	})
}

func (s *Server) handleConnectionStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"connections":   s.hub.ConnectionCount(),
		"channels":      s.hub.ChannelCount(),
		"last_event_id": s.emitter.LastEventID(),
	}
	if s.store != nil {
		stats["circuit_state"] = s.store.CircuitState().String()
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleKickConnections(w http.ResponseWriter, r *http.Request) {
	var req KickRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	channel, err := events.ParseChannelID(req.ChannelType + ":" + req.ChannelKey)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid channel")
		return
	}

	kicked := s.gateway.KickChannel(channel)
	logger.Info("admin kick", "channel", channel.String(), "kicked", kicked)
	s.writeJSON(w, http.StatusOK, map[string]int{"kicked": kicked})
}

func (s *Server) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	if err := s.controller.Revoke(r.Context(), sessionID); err != nil {
		if errors.Is(err, consts.ErrSessionNotFound) {
			s.writeError(w, http.StatusNotFound, "Session not found")
			return
		}
		logger.Error("admin revoke failed", "session_id", sessionID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Revoke failed")
		return
	}
	logger.Info("admin revoked session", "session_id", sessionID)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func (s *Server) handleRevokeUser(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]
	if err := s.controller.RevokeUser(r.Context(), userID); err != nil {
		logger.Error("admin user revoke failed", "user_id", userID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Revoke failed")
		return
	}
	logger.Info("admin revoked user credentials", "user_id", userID)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func (s *Server) handleSecurityAlert(w http.ResponseWriter, r *http.Request) {
	var req AlertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	channel, err := events.ParseChannelID(req.ChannelType + ":" + req.ChannelKey)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid channel")
		return
	}

	if err := s.controller.SecurityAlert(r.Context(), channel, req.Detail); err != nil {
		logger.Error("admin security alert failed", "channel", channel.String(), "error", err)
		s.writeError(w, http.StatusInternalServerError, "Alert failed")
		return
	}
	logger.Info("admin security alert emitted", "channel", channel.String())
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "emitted"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{"status": "healthy"}
	status := http.StatusOK

	if s.monitor != nil {
		overall := s.monitor.GetOverallStatus()
		body["status"] = string(overall)
		body["components"] = s.monitor.GetAllStatuses()
		if overall == health.StatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
	}
	if s.store != nil {
		body["circuit_state"] = s.store.CircuitState().String()
	}
	s.writeJSON(w, status, body)
}
