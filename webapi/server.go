// Package webapi exposes the engine over HTTP: the public self-service
// account creation endpoint, the key-protected admin API and the
// metrics endpoint.
package webapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/guestmail/guestmail/expiry"
	"github.com/guestmail/guestmail/lifecycle"
	"github.com/guestmail/guestmail/logger"
	"github.com/guestmail/guestmail/mailcow"
	"github.com/guestmail/guestmail/store"
)

// Engine defines the lifecycle operations required by the HTTP
// adapter. This allows for mocking in tests; *lifecycle.Manager
// implements it.
type Engine interface {
	TokenBySecret(ctx context.Context, secret string) (store.Token, bool, error)
	TokenByName(ctx context.Context, name string) (store.Token, bool, error)
	CreateToken(ctx context.Context, name, secret, expiryCode, prefix string, maxUse int64) (store.Token, error)
	ModifyToken(ctx context.Context, name string, upd store.TokenUpdate) (store.Token, error)
	DeleteToken(ctx context.Context, name string) error
	ListTokens(ctx context.Context) ([]store.Token, error)
	CreateAccount(ctx context.Context, tokenName, addr, password string) (lifecycle.CreatedAccount, error)
	DeleteAccount(ctx context.Context, addr, reason string) error
	ListAccounts(ctx context.Context, tokenName string) ([]lifecycle.AccountEntry, error)
	Settings(ctx context.Context) (store.Settings, error)
}

// Pruner triggers one expiry scan on demand.
type Pruner interface {
	RunOnce(ctx context.Context) error
}

// ServerOptions holds configuration options for the HTTP server.
type ServerOptions struct {
	Addr string
	// APIKey protects the /admin routes; when empty they are not
	// registered at all.
	APIKey string
	// Pruner backs POST /admin/prune; nil leaves the route out.
	Pruner Pruner
}

// Server serves the public creation endpoint and the admin API.
type Server struct {
	addr   string
	apiKey string
	engine Engine
	pruner Pruner
	server *http.Server
}

// New creates a new HTTP server.
func New(engine Engine, options ServerOptions) (*Server, error) {
	if options.Addr == "" {
		return nil, fmt.Errorf("listen address is required")
	}
	return &Server{
		addr:   options.Addr,
		apiKey: options.APIKey,
		engine: engine,
		pruner: options.Pruner,
	}, nil
}

// Start runs the server, forwarding a startup or serve failure to
// errChan. It returns when the server has shut down.
func Start(ctx context.Context, engine Engine, options ServerOptions, errChan chan error) {
	server, err := New(engine, options)
	if err != nil {
		errChan <- fmt.Errorf("failed to create HTTP server: %w", err)
		return
	}
	logger.Infof("starting HTTP server on %s", options.Addr)
	if err := server.start(ctx); err != nil && err != http.ErrServerClosed && ctx.Err() == nil {
		errChan <- fmt.Errorf("HTTP server failed: %w", err)
	}
}

func (s *Server) start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.Router(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("error shutting down HTTP server: %v", err)
		}
	}()

	return s.server.ListenAndServe()
}

// Router builds the route table. Exposed so tests can drive the
// handlers without a listening socket.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(s.loggingMiddleware)

	router.HandleFunc("/", s.handleCreateEmail).Methods("POST")
	router.HandleFunc("/new_email", s.handleCreateEmail).Methods("POST")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	if s.apiKey != "" {
		admin := router.PathPrefix("/admin").Subrouter()
		admin.Use(s.authMiddleware)
		admin.HandleFunc("/tokens", s.handleAddToken).Methods("POST")
		admin.HandleFunc("/tokens", s.handleListTokens).Methods("GET")
		admin.HandleFunc("/tokens/{name}", s.handleGetToken).Methods("GET")
		admin.HandleFunc("/tokens/{name}", s.handleModifyToken).Methods("PUT")
		admin.HandleFunc("/tokens/{name}", s.handleDeleteToken).Methods("DELETE")
		admin.HandleFunc("/accounts", s.handleCreateAccount).Methods("POST")
		admin.HandleFunc("/accounts", s.handleListAccounts).Methods("GET")
		admin.HandleFunc("/accounts/{addr}", s.handleDeleteAccount).Methods("DELETE")
		if s.pruner != nil {
			admin.HandleFunc("/prune", s.handlePrune).Methods("POST")
		}
	}
	return router
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debugf("HTTP %s %s from %s in %v", r.Method, r.URL.Path, r.RemoteAddr, time.Since(start))
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-Key")
		if key == "" {
			s.writeError(w, http.StatusUnauthorized, "X-API-Key header required")
			return
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			s.writeError(w, http.StatusForbidden, "invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Request/Response types

type createdEmailResponse struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Expiry   string `json:"expiry"`
	TTL      int64  `json:"ttl"`
}

type tokenResponse struct {
	Name     string `json:"name"`
	Secret   string `json:"secret"`
	Expiry   string `json:"expiry"`
	Prefix   string `json:"prefix"`
	MaxUse   int64  `json:"maxuse"`
	UseCount int64  `json:"usecount"`
	URL      string `json:"url,omitempty"`
}

type addTokenRequest struct {
	Name   string `json:"name"`
	Secret string `json:"secret"`
	Expiry string `json:"expiry"`
	Prefix string `json:"prefix"`
	MaxUse int64  `json:"maxuse"`
}

type modifyTokenRequest struct {
	Expiry *string `json:"expiry"`
	Prefix *string `json:"prefix"`
	MaxUse *int64  `json:"maxuse"`
}

type createAccountRequest struct {
	Token    string `json:"token"`
	Addr     string `json:"addr"`
	Password string `json:"password"`
}

type accountResponse struct {
	Addr          string `json:"addr"`
	CreatedAt     int64  `json:"created_at"`
	TTL           int64  `json:"ttl"`
	ExpiresAt     int64  `json:"expires_at"`
	Token         string `json:"token"`
	WarnTier      int64  `json:"warn_tier"`
	LastLogin     int64  `json:"last_login,omitempty"`
	MissingRemote bool   `json:"missing_remote,omitempty"`
	UnknownOrigin bool   `json:"unknown_origin,omitempty"`
}

// Handlers

// handleCreateEmail is the public endpoint behind the QR code. The
// token secret arrives as the t query parameter; nothing else about
// the request is trusted.
func (s *Server) handleCreateEmail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	secret := r.URL.Query().Get("t")
	if secret == "" {
		s.writeError(w, http.StatusForbidden, "token required")
		return
	}
	tok, found, err := s.engine.TokenBySecret(ctx, secret)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if !found {
		s.writeError(w, http.StatusForbidden, "unknown token")
		return
	}
	created, err := s.engine.CreateAccount(ctx, tok.Name, "", "")
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, createdEmailResponse{
		Email:    created.Account.Addr,
		Password: created.Password,
		Expiry:   tok.Expiry,
		TTL:      created.Account.TTL,
	})
}

func (s *Server) handleAddToken(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req addTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	ctx := r.Context()
	tok, err := s.engine.CreateToken(ctx, req.Name, req.Secret, req.Expiry, req.Prefix, req.MaxUse)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, s.tokenResponse(ctx, tok))
}

func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tokens, err := s.engine.ListTokens(ctx)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	out := make([]tokenResponse, 0, len(tokens))
	for _, tok := range tokens {
		out = append(out, s.tokenResponse(ctx, tok))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := mux.Vars(r)["name"]
	tok, found, err := s.engine.TokenByName(ctx, name)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if !found {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("token %q not found", name))
		return
	}
	s.writeJSON(w, http.StatusOK, s.tokenResponse(ctx, tok))
}

func (s *Server) handleModifyToken(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req modifyTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	ctx := r.Context()
	tok, err := s.engine.ModifyToken(ctx, mux.Vars(r)["name"], store.TokenUpdate{
		Expiry: req.Expiry,
		Prefix: req.Prefix,
		MaxUse: req.MaxUse,
	})
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.tokenResponse(ctx, tok))
}

func (s *Server) handleDeleteToken(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteToken(r.Context(), mux.Vars(r)["name"]); err != nil {
		s.writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Token == "" {
		s.writeError(w, http.StatusBadRequest, "token is required")
		return
	}
	created, err := s.engine.CreateAccount(r.Context(), req.Token, req.Addr, req.Password)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, createdEmailResponse{
		Email:    created.Account.Addr,
		Password: created.Password,
		TTL:      created.Account.TTL,
	})
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	entries, err := s.engine.ListAccounts(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	out := make([]accountResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, accountResponse{
			Addr:          e.Addr,
			CreatedAt:     e.CreatedAt,
			TTL:           e.TTL,
			ExpiresAt:     e.ExpiresAt(),
			Token:         e.TokenName,
			WarnTier:      e.WarnTier,
			LastLogin:     e.LastLogin,
			MissingRemote: e.MissingRemote,
			UnknownOrigin: e.UnknownOrigin,
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteAccount(r.Context(), mux.Vars(r)["addr"], "admin"); err != nil {
		s.writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePrune(w http.ResponseWriter, r *http.Request) {
	if err := s.pruner.RunOnce(r.Context()); err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "pruned"})
}

func (s *Server) tokenResponse(ctx context.Context, tok store.Token) tokenResponse {
	resp := tokenResponse{
		Name:     tok.Name,
		Secret:   tok.Secret,
		Expiry:   tok.Expiry,
		Prefix:   tok.Prefix,
		MaxUse:   tok.MaxUse,
		UseCount: tok.UseCount,
	}
	if settings, err := s.engine.Settings(ctx); err == nil && settings.WebEndpoint != "" {
		resp.URL = lifecycle.TokenWebURL(settings, tok)
	}
	return resp
}

// Utility functions

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Errorf("error encoding JSON response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// writeFailure translates the engine's error taxonomy into a status
// code without leaking internals to the caller.
func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrTokenExhausted):
		s.writeError(w, http.StatusConflict, "token is used up")
	case errors.Is(err, store.ErrTokenNotFound):
		s.writeError(w, http.StatusNotFound, "token not found")
	case errors.Is(err, store.ErrAccountNotFound):
		s.writeError(w, http.StatusNotFound, "account not found")
	case errors.Is(err, lifecycle.ErrAccountExists), errors.Is(err, store.ErrDuplicateAccount):
		s.writeError(w, http.StatusConflict, "address already taken")
	case errors.Is(err, store.ErrDuplicateToken):
		s.writeError(w, http.StatusConflict, "token already exists")
	case errors.Is(err, lifecycle.ErrInvalidAddress),
		errors.Is(err, store.ErrInvalidInput),
		errors.Is(err, store.ErrInvalidName),
		errors.Is(err, expiry.ErrInvalidDuration):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, mailcow.ErrRemoteTimeout):
		s.writeError(w, http.StatusGatewayTimeout, "mailbox provider timed out")
	case errors.Is(err, mailcow.ErrRemote):
		s.writeError(w, http.StatusBadGateway, "mailbox provider failed")
	case errors.Is(err, store.ErrLockTimeout):
		s.writeError(w, http.StatusServiceUnavailable, "store is busy, try again")
	default:
		logger.Errorf("internal error: %v", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}
