// Package server exposes the HTTP surface: run creation and SSE streaming,
// play executions in remote sandboxes, the model catalog, and the inline
// fixer. Handlers stay thin; run semantics live in the agent and sandbox
// packages.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/codeloft-io/loft/internal/agent"
	"github.com/codeloft-io/loft/internal/config"
	"github.com/codeloft-io/loft/internal/event"
	"github.com/codeloft-io/loft/internal/llm"
	"github.com/codeloft-io/loft/internal/sandbox"
	"github.com/codeloft-io/loft/internal/store"
	"github.com/codeloft-io/loft/internal/token"
	"github.com/codeloft-io/loft/internal/tools"
)

// probeTimeout bounds the play preview probe, HEAD and GET fallback included.
const probeTimeout = 8 * time.Second

// Server wires the HTTP routes to their collaborators.
type Server struct {
	cfg      config.Config
	signer   *token.Signer
	llm      *llm.Client
	store    *store.Store
	platform sandbox.Platform
	flow     *agent.Flow
	probe    *http.Client
	router   chi.Router
}

// Options override collaborators during construction. Zero values fall back
// to the config-derived defaults; tests inject fakes here.
type Options struct {
	Config   config.Config
	LLM      *llm.Client
	Store    *store.Store
	Platform sandbox.Platform
}

// New builds a fully wired server. The model gateway client is only created
// when an API key is configured; without one, runs and inline fixes report a
// configuration error while the static model catalog keeps working.
func New(opts Options) (*Server, error) {
	cfg := opts.Config

	platform := opts.Platform
	if platform == nil {
		platform = sandbox.NewClient(cfg.SandboxAPIURL, cfg.SandboxAPIToken)
	}

	llmClient := opts.LLM
	if llmClient == nil && cfg.GatewayAPIKey != "" {
		var err error
		llmClient, err = llm.New(llm.Options{
			APIKey:       cfg.GatewayAPIKey,
			BaseURL:      cfg.GatewayBaseURL,
			DefaultModel: cfg.DefaultModel,
		})
		if err != nil {
			return nil, fmt.Errorf("gateway client: %w", err)
		}
	}

	st := opts.Store
	if st == nil {
		var err error
		st, err = store.Open(cfg.RunStorePath, cfg.RunStoreTTL)
		if err != nil {
			return nil, err
		}
	}

	registry, err := tools.NewRegistry(tools.Deps{Sandboxes: sandbox.NewManager(platform)})
	if err != nil {
		return nil, fmt.Errorf("tool registry: %w", err)
	}

	signer := token.NewSigner(cfg.JWTSecret, cfg.ResumeTokenTTL)
	s := &Server{
		cfg:      cfg,
		signer:   signer,
		llm:      llmClient,
		store:    st,
		platform: platform,
		flow: &agent.Flow{
			Runner: &agent.Runner{LLM: llmClient, Tools: registry},
			Signer: signer,
		},
		probe: &http.Client{Timeout: probeTimeout},
	}
	s.router = s.buildRouter()
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Start runs the HTTP server until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{Addr: s.cfg.Addr, Handler: s.router}
	go s.purgeLoop(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	log.Printf("loft server listening on %s", s.cfg.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// purgeLoop drops expired run records once a minute.
func (s *Server) purgeLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.store.PurgeExpired(ctx)
			if err != nil {
				log.Printf("run store purge: %v", err)
			} else if n > 0 {
				log.Printf("run store purge: removed %d runs", n)
			}
		}
	}
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(s.corsOptions()))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	})

	r.Route("/api", func(api chi.Router) {
		api.Group(func(g chi.Router) {
			g.Use(middleware.Timeout(5 * time.Minute))
			g.Post("/runs", s.handleCreateRun)
			g.Get("/runs/{run_id}", s.handleGetRun)
			g.Get("/models", s.handleModels)
			g.Post("/inline-fix", s.handleInlineFix)
			g.Post("/play", s.handleCreatePlay)
			g.Delete("/play/{play_id}", s.handleStopPlay)
			g.Get("/play/probe", s.handleProbe)
		})

		// SSE streams live as long as the run does and sit outside the
		// timeout group.
		api.Get("/runs/{run_id}/events", s.handleRunEvents)
		api.Get("/runs/{run_id}/resume", s.handleResumeRun)
		api.Get("/play/{play_id}/events", s.handlePlayEvents)
	})
	return r
}

func (s *Server) corsOptions() cors.Options {
	opts := cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}
	if len(s.cfg.CORSOrigins) > 0 {
		opts.AllowedOrigins = s.cfg.CORSOrigins
		opts.AllowCredentials = true
	}
	return opts
}

// makeTaskID mints a client-visible run identifier.
func makeTaskID() string {
	return fmt.Sprintf("task_%d_%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

// verifyToken reads the token query parameter into dst. On failure it writes
// the 400 response and returns false.
func (s *Server) verifyToken(w http.ResponseWriter, r *http.Request, dst any) bool {
	raw := r.URL.Query().Get("token")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "Missing token")
		return false
	}
	if err := s.signer.VerifyInto(raw, dst); err != nil {
		if errors.Is(err, token.ErrExpired) {
			writeError(w, http.StatusBadRequest, "Token expired")
		} else {
			writeError(w, http.StatusBadRequest, "Invalid token")
		}
		return false
	}
	return true
}

// streamSSE drains events onto the response as SSE frames, flushing each one.
// archive, when set, sees every event before it hits the wire.
func (s *Server) streamSSE(w http.ResponseWriter, r *http.Request, events <-chan event.Event, archive func(event.Event)) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if archive != nil {
				archive(ev)
			}
			io.WriteString(w, ev.Frame())
			flusher.Flush()
		}
	}
}

// --- Response helpers ---

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

type modelsResponse struct {
	Models []string `json:"models"`
}

// handleModels returns the model catalog: the static allow-list, narrowed by
// the gateway's live list when a key is configured.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if s.llm == nil {
		writeJSON(w, http.StatusOK, modelsResponse{Models: append([]string(nil), llm.AllowedModels...)})
		return
	}
	writeJSON(w, http.StatusOK, modelsResponse{Models: s.llm.Models(r.Context())})
}
