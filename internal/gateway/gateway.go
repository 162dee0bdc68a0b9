// Package gateway is the serving surface: an HTTP API over the command
// interpreter, lifecycle engine and context cache, plus a websocket stream
// of task events.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/batonworks/baton/internal/bus"
	"github.com/batonworks/baton/internal/command"
	"github.com/batonworks/baton/internal/config"
	"github.com/batonworks/baton/internal/diffcache"
	"github.com/batonworks/baton/internal/lifecycle"
	"github.com/batonworks/baton/internal/snapshot"
	"github.com/batonworks/baton/internal/store"
	"github.com/batonworks/baton/internal/sweeper"
	"github.com/batonworks/baton/internal/task"
)

// Options for creating a Gateway; the signal channel is injectable for tests.
type Options struct {
	SignalChan chan os.Signal
}

type Gateway struct {
	cfg         *config.Config
	repo        task.Repository
	bus         *bus.EventBus
	engine      *lifecycle.Engine
	cache       *diffcache.Cache
	interpreter *command.Interpreter
	sweeper     *sweeper.Service
	server      *http.Server
	stream      *eventStream
	signalChan  chan os.Signal
}

// New wires the full serving stack from config.
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	g := &Gateway{cfg: cfg, signalChan: opts.SignalChan}

	repo, err := store.New(cfg.Storage.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	g.repo = repo

	g.bus = bus.NewEventBus(config.DefaultBufSize)
	g.engine = lifecycle.New(repo, g.bus)

	snapshotter := snapshot.New(repo, snapshot.Limits{
		Comments:    cfg.Snapshot.CommentLimit,
		Delegations: cfg.Snapshot.DelegationLimit,
		Transitions: cfg.Snapshot.TransitionLimit,
	})
	g.cache = diffcache.New(snapshotter)

	tables := command.DefaultTables()
	if err := tables.LoadOverrides(cfg.Shorthand.OverridesPath); err != nil {
		_ = repo.Close()
		return nil, fmt.Errorf("load shorthand overrides: %w", err)
	}
	g.interpreter = command.NewInterpreter(repo, g.engine, g.cache, tables)

	if cfg.Sweeper.Enabled {
		cacheTTL, err := time.ParseDuration(cfg.Cache.TTL)
		if err != nil {
			_ = repo.Close()
			return nil, fmt.Errorf("parse cache ttl: %w", err)
		}
		staleAge, err := time.ParseDuration(cfg.Sweeper.StaleAge)
		if err != nil {
			_ = repo.Close()
			return nil, fmt.Errorf("parse stale age: %w", err)
		}
		g.sweeper = sweeper.NewService(repo, g.cache, cacheTTL, staleAge, cfg.Sweeper.PruneSchedule)
	}

	g.stream = newEventStream()
	g.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port),
		Handler: g.routes(),
	}
	return g, nil
}

func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", g.handleHealth)
	mux.HandleFunc("POST /v1/tasks", g.handleCreateTask)
	mux.HandleFunc("GET /v1/tasks/{id}", g.handleGetTask)
	mux.HandleFunc("POST /v1/tasks/{id}/command", g.handleCommand)
	mux.HandleFunc("GET /v1/tasks/{id}/context", g.handleContext)
	mux.HandleFunc("GET /v1/tasks/{id}/context/diff", g.handleContextDiff)
	mux.HandleFunc("POST /v1/tasks/{id}/resume", g.handleResume)
	mux.HandleFunc("POST /v1/delegations/{id}/resolve", g.handleResolveDelegation)
	mux.HandleFunc("GET /v1/events", g.stream.handleWS)
	return mux
}

// Run starts the server, the sweeper and the event fan-out, then blocks
// until SIGINT/SIGTERM (or the injected signal channel fires).
func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go g.stream.fanOut(ctx, g.bus)

	if g.sweeper != nil {
		if err := g.sweeper.Start(ctx); err != nil {
			log.Printf("[gateway] sweeper start warning: %v", err)
		}
	}

	go func() {
		log.Printf("[gateway] listening on %s", g.server.Addr)
		if err := g.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[gateway] server error: %v", err)
		}
	}()

	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	}
	<-sigCh

	log.Printf("[gateway] shutting down...")
	return g.Shutdown()
}

func (g *Gateway) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.server.Shutdown(ctx); err != nil {
		log.Printf("[gateway] server shutdown warning: %v", err)
	}
	if g.sweeper != nil {
		g.sweeper.Stop()
	}
	g.stream.closeAll()
	if err := g.repo.Close(); err != nil {
		log.Printf("[gateway] close store warning: %v", err)
	}
	log.Printf("[gateway] shutdown complete")
	return nil
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createTaskBody struct {
	TaskID      string  `json:"taskId"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Plan        string  `json:"plan"`
	Priority    string  `json:"priority"`
	Owner       string  `json:"owner"`
	GitBranch   *string `json:"gitBranch"`
}

func (g *Gateway) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var body createTaskBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, task.InvalidArgumentf("malformed body: %v", err))
		return
	}
	t, err := g.engine.CreateTask(r.Context(), lifecycle.CreateTaskRequest{
		TaskID:      body.TaskID,
		Name:        body.Name,
		Description: body.Description,
		Plan:        body.Plan,
		Priority:    body.Priority,
		Owner:       body.Owner,
		GitBranch:   body.GitBranch,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (g *Gateway) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := g.repo.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type commandBody struct {
	Command string `json:"command"`
}

func (g *Gateway) handleCommand(w http.ResponseWriter, r *http.Request) {
	var body commandBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, task.InvalidArgumentf("malformed body: %v", err))
		return
	}
	res, err := g.interpreter.Run(r.Context(), r.PathValue("id"), body.Command)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (g *Gateway) handleContext(w http.ResponseWriter, r *http.Request) {
	doc := r.URL.Query().Get("slice")
	if doc == "" {
		doc = string(snapshot.SliceFull)
	}
	res, err := g.interpreter.Diff(r.Context(), r.PathValue("id"), doc, "")
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (g *Gateway) handleContextDiff(w http.ResponseWriter, r *http.Request) {
	doc := r.URL.Query().Get("slice")
	if doc == "" {
		doc = string(snapshot.SliceFull)
	}
	digest := r.URL.Query().Get("digest")
	res, err := g.interpreter.Diff(r.Context(), r.PathValue("id"), doc, digest)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (g *Gateway) handleResume(w http.ResponseWriter, r *http.Request) {
	t, err := g.engine.Resume(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type resolveBody struct {
	Success bool    `json:"success"`
	Reason  *string `json:"reason"`
}

func (g *Gateway) handleResolveDelegation(w http.ResponseWriter, r *http.Request) {
	var body resolveBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, task.InvalidArgumentf("malformed body: %v", err))
		return
	}
	rec, err := g.engine.ResolveDelegation(r.Context(), r.PathValue("id"), body.Success, body.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[gateway] write response error: %v", err)
	}
}

// writeError maps the error taxonomy onto HTTP status codes. Nothing in the
// taxonomy is swallowed; unclassified errors surface as 500s.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, task.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, task.ErrInvalidArgument), errors.Is(err, task.ErrInvalidCommand):
		status = http.StatusBadRequest
	case errors.Is(err, task.ErrConflict):
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
