package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/botshelf/botshelf/botmeta"
	"github.com/botshelf/botshelf/store"
)

const apiKeyHeader = "X-Api-Key"

// Server serves the admin HTTP API.
type Server struct {
	svc    *Service
	apiKey string
	http   *http.Server
}

// NewServer builds the admin API listener. An empty apiKey disables auth,
// which is only sane on a loopback listen address.
func NewServer(listen, apiKey string, svc *Service) *Server {
	s := &Server{svc: svc, apiKey: apiKey}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /v1/stats", s.auth(s.handleStats))
	mux.HandleFunc("GET /v1/bots", s.auth(s.handleListBots))
	mux.HandleFunc("GET /v1/bots/{id}", s.auth(s.handleGetBot))
	mux.HandleFunc("POST /v1/bots", s.auth(s.handleUpsert))
	mux.HandleFunc("POST /v1/bots/{id}/approve", s.auth(s.action(s.svc.Approve)))
	mux.HandleFunc("POST /v1/bots/{id}/reject", s.auth(s.action(s.svc.Reject)))
	mux.HandleFunc("POST /v1/bots/{id}/disconnect", s.auth(s.action(s.svc.Disconnect)))
	mux.HandleFunc("POST /v1/owners/{id}/ban", s.auth(s.handleBanOwner))

	s.http = &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Run serves until the context ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey != "" {
			got := r.Header.Get(apiKeyHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.apiKey)) != 1 {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid api key")
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.Stats(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleListBots(w http.ResponseWriter, r *http.Request) {
	views, err := s.svc.ListBots(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bots": views})
}

func (s *Server) handleGetBot(w http.ResponseWriter, r *http.Request) {
	view, err := s.svc.GetBot(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleUpsert(w http.ResponseWriter, r *http.Request) {
	var req UpsertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION", "malformed request body")
		return
	}
	res, err := s.svc.Upsert(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

func (s *Server) handleBanOwner(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	if err := s.svc.BanOwner(r.Context(), r.PathValue("id"), body.Reason); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "banned"})
}

// action adapts a lifecycle call taking just a bot id.
func (s *Server) action(fn func(ctx context.Context, botID string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(r.Context(), r.PathValue("id")); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Code: code, Error: msg})
}

// writeServiceError maps coded service errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	code := "INTERNAL"
	type coder interface{ Code() string }
	var c coder
	if errors.As(err, &c) {
		code = strings.ToUpper(c.Code())
	} else if errors.Is(err, store.ErrNotFound) {
		code = "NOT_FOUND"
	} else if errors.Is(err, botmeta.ErrInvalidState) {
		code = botmeta.InvalidStateCode
	}

	status := http.StatusInternalServerError
	switch code {
	case "NOT_FOUND":
		status = http.StatusNotFound
	case "VALIDATION":
		status = http.StatusBadRequest
	case "INVALID_STATE", "ALREADY_RUNNING":
		status = http.StatusConflict
	case "NOT_RUNNING":
		status = http.StatusNotFound
	case "STORE_CORRUPT":
		status = http.StatusInternalServerError
	}
	writeError(w, status, code, err.Error())
}
