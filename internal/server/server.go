// Package server exposes the GraphQL API over HTTP and websockets.
//
// Every GraphQL request runs against its own reqctx.Context: the handler
// creates it before the document is executed and releases it when the
// response is written. Subscriptions release their lease as soon as the
// stream has produced its first event.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/agentic-research/portal/internal/config"
	"github.com/agentic-research/portal/internal/metrics"
	"github.com/agentic-research/portal/internal/realm"
	"github.com/agentic-research/portal/internal/reqctx"
	"github.com/agentic-research/portal/internal/resolver"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/graph-gophers/graphql-go"
	gqlerrors "github.com/graph-gophers/graphql-go/errors"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 5 * time.Second

// Deps are the long-lived objects the server needs.
type Deps struct {
	Schema  *graphql.Schema
	Factory *reqctx.Factory
	Trees   *realm.Holder
	Metrics *metrics.Metrics
	Log     zerolog.Logger
}

// Server routes API traffic.
type Server struct {
	cfg      config.HTTP
	deps     Deps
	router   *mux.Router
	upgrader websocket.Upgrader
}

// New builds the router. It does not listen yet.
func New(cfg config.HTTP, deps Deps) *Server {
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		router: mux.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			Subprotocols:    []string{wsProtocol},
		},
	}
	s.router.Use(s.requestLog)
	s.router.Handle("/graphql", s.graphql(http.HandlerFunc(s.handleGraphQL))).Methods(http.MethodPost)
	s.router.HandleFunc("/graphql/ws", s.serveWS).Methods(http.MethodGet)
	s.router.Handle("/metrics", deps.Metrics.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	return s
}

// Handler returns the root handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		s.deps.Log.Info().Str("listen", s.cfg.Listen).Msg("serving GraphQL API")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		s.deps.Log.Info().Msg("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-serverErr:
		return err
	}
}

// graphql wraps next so it executes with a request Context attached.
func (s *Server) graphql(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if s.cfg.RequestTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
			defer cancel()
		}

		rc, err := s.deps.Factory.New(ctx)
		if err != nil {
			s.fail(w, r, "http", err)
			return
		}
		defer rc.Release()
		rc.WithLogger(*zerolog.Ctx(r.Context()))

		next.ServeHTTP(w, r.WithContext(reqctx.With(ctx, rc)))
	})
}

type gqlRequest struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName"`
	Variables     map[string]any `json:"variables"`
}

// handleGraphQL executes one document. The outcome is counted before the
// response is written.
func (s *Server) handleGraphQL(w http.ResponseWriter, r *http.Request) {
	var req gqlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.deps.Metrics.ObserveRequest("http", "bad_request")
		http.Error(w, "invalid GraphQL request body", http.StatusBadRequest)
		return
	}
	resp := s.deps.Schema.Exec(r.Context(), req.Query, req.OperationName, req.Variables)
	if len(resp.Errors) > 0 {
		s.deps.Metrics.ObserveRequest("http", "error")
	} else {
		s.deps.Metrics.ObserveRequest("http", "ok")
	}
	writeJSON(w, http.StatusOK, resp)
}

// fail answers a request that could not get a Context with a GraphQL error
// document.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, transport string, err error) {
	e := resolver.Translate(zerolog.Ctx(r.Context()), "request", err)
	s.deps.Metrics.ObserveRequest(transport, outcome(e))
	writeJSON(w, statusFor(e), &graphql.Response{
		Errors: []*gqlerrors.QueryError{queryError(e)},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	tree := s.deps.Trees.Current()
	if tree == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "no realm tree"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"generation": tree.Generation(),
		"realms":     tree.Len(),
		"builtAt":    tree.BuiltAt().UTC().Format(time.RFC3339),
	})
}

func queryError(e *resolver.Error) *gqlerrors.QueryError {
	return &gqlerrors.QueryError{Message: e.Message, Extensions: e.Extensions()}
}

func statusFor(e *resolver.Error) int {
	switch e.Code {
	case resolver.CodePoolExhausted, resolver.CodeUnavailable:
		return http.StatusServiceUnavailable
	case resolver.CodeCancelled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func outcome(e *resolver.Error) string {
	switch e.Code {
	case resolver.CodePoolExhausted:
		return "pool_exhausted"
	case resolver.CodeUnavailable:
		return "unavailable"
	case resolver.CodeCancelled:
		return "cancelled"
	default:
		return "error"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
