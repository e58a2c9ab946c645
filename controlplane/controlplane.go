// Package controlplane is the composition root: it wires the durable
// store, the KV mirror, the worker gateway, the allocator, the reaper,
// the DAG executor, and the review coordinator into one runnable server.
package controlplane

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tailored-agentic-units/controlplane/allocator"
	"github.com/tailored-agentic-units/controlplane/config"
	"github.com/tailored-agentic-units/controlplane/gateway"
	"github.com/tailored-agentic-units/controlplane/kv"
	"github.com/tailored-agentic-units/controlplane/model"
	"github.com/tailored-agentic-units/controlplane/observability"
	"github.com/tailored-agentic-units/controlplane/reaper"
	"github.com/tailored-agentic-units/controlplane/review"
	"github.com/tailored-agentic-units/controlplane/store"
	"github.com/tailored-agentic-units/controlplane/wire"
	"github.com/tailored-agentic-units/controlplane/workflow"
)

// Option customizes the server.
type Option func(*options)

type options struct {
	obs       observability.Observer
	router    workflow.Router
	templates *workflow.TemplateRegistry
}

// WithObserver overrides the observer selected by the config file.
func WithObserver(obs observability.Observer) Option {
	return func(o *options) { o.obs = obs }
}

// WithRouter installs the LLM-routing collaborator for ROUTER nodes.
func WithRouter(r workflow.Router) Option {
	return func(o *options) { o.router = r }
}

// WithTemplates installs a pre-populated subflow template registry.
func WithTemplates(t *workflow.TemplateRegistry) Option {
	return func(o *options) { o.templates = t }
}

// checkpointRelay breaks the construction cycle between the executor
// (which opens checkpoints) and the review coordinator (which resumes the
// executor): the executor gets the relay, the coordinator is installed
// into it afterwards.
type checkpointRelay struct {
	mu sync.RWMutex
	c  workflow.Checkpoints
}

func (r *checkpointRelay) Open(ctx context.Context, cp *model.Checkpoint) error {
	r.mu.RLock()
	c := r.c
	r.mu.RUnlock()
	if c == nil {
		return errors.New("review coordinator is not installed")
	}
	return c.Open(ctx, cp)
}

func (r *checkpointRelay) install(c workflow.Checkpoints) {
	r.mu.Lock()
	r.c = c
	r.mu.Unlock()
}

// Server is the assembled control plane.
type Server struct {
	cfg config.Config
	obs observability.Observer

	store   *store.Store
	cache   *kv.Store
	manager *gateway.Manager
	alloc   *allocator.Allocator
	reap    *reaper.Reaper
	engine  *workflow.Engine
	reviews *review.Coordinator

	httpSrv *http.Server
	promReg *prometheus.Registry
}

// New assembles a server from config. Nothing is dialed yet; Run opens
// the database, applies the schema, and starts serving.
func New(cfg config.Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	promReg := prometheus.NewRegistry()
	obs := o.obs
	if obs == nil {
		var err error
		if obs, err = buildObserver(cfg.Observer, promReg); err != nil {
			return nil, err
		}
	}

	st, err := store.New(cfg.Store)
	if err != nil {
		return nil, err
	}
	cache := kv.New(cfg.KV)

	handler := &frameHandler{store: st, cache: cache, obs: obs}
	manager := gateway.NewManager(cfg.Gateway, obs, handler, gateway.Hooks{
		OnConnect:    handler.onConnect,
		OnDisconnect: handler.onDisconnect,
	})
	handler.sender = manager

	alloc := allocator.New(cfg.Allocator, st, cache, manager, obs)
	handler.alloc = alloc

	templates := o.templates
	if templates == nil {
		templates = workflow.NewTemplateRegistry()
	}
	relay := &checkpointRelay{}
	engineOpts := []workflow.Option{
		workflow.WithKicker(alloc),
		workflow.WithSender(manager),
		workflow.WithTemplates(templates),
		workflow.WithCheckpoints(relay),
	}
	if o.router != nil {
		engineOpts = append(engineOpts, workflow.WithRouter(o.router))
	}
	engine := workflow.NewEngine(cfg.Executor, st, obs, engineOpts...)
	handler.engine = engine

	reviews := review.New(cfg.Review, st, cache, engine, obs)
	relay.install(reviews)

	reap := reaper.New(cfg.Reaper, st, manager, cache, alloc, obs)
	reap.OnCheckpointExpired = reviews.HandleExpired

	s := &Server{
		cfg:     cfg,
		obs:     obs,
		store:   st,
		cache:   cache,
		manager: manager,
		alloc:   alloc,
		reap:    reap,
		engine:  engine,
		reviews: reviews,
		promReg: promReg,
	}
	s.httpSrv = &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func buildObserver(name string, promReg *prometheus.Registry) (observability.Observer, error) {
	switch name {
	case "", "slog", "noop":
		if name == "" {
			name = "slog"
		}
		return observability.GetObserver(name)
	case "prom", "multi":
		prom, err := observability.NewPromObserver(promReg)
		if err != nil {
			return nil, err
		}
		observability.RegisterObserver("prom", prom)
		if name == "prom" {
			return prom, nil
		}
		slogObs, err := observability.GetObserver("slog")
		if err != nil {
			return nil, err
		}
		multi := observability.NewMultiObserver(slogObs, prom)
		observability.RegisterObserver("multi", multi)
		return multi, nil
	default:
		return observability.GetObserver(name)
	}
}

func (s *Server) routes() http.Handler {
	auth := gateway.NewHandler(s.manager, s.store, s.cache, s.obs)

	r := chi.NewRouter()
	r.Get("/ws/worker", auth.ServeHTTP)
	r.Method(http.MethodGet, "/metrics",
		promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
		defer cancel()
		if err := s.store.Ping(ctx); err != nil {
			http.Error(w, "store: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		if err := s.cache.Ping(ctx); err != nil {
			http.Error(w, "kv: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}

// Engine exposes the workflow executor for embedding callers.
func (s *Server) Engine() *workflow.Engine { return s.engine }

// Reviews exposes the review coordinator for embedding callers.
func (s *Server) Reviews() *review.Coordinator { return s.reviews }

// Store exposes the durable store (worker provisioning, reporting).
func (s *Server) Store() *store.Store { return s.store }

// CancelWorker is the operator path: cancel whatever the worker holds,
// release the subtasks back to the queue, and close the connection.
func (s *Server) CancelWorker(ctx context.Context, workerID uuid.UUID) error {
	inflight, err := s.store.InProgressByWorker(ctx, workerID)
	if err != nil {
		return err
	}
	for _, st := range inflight {
		s.manager.Send(ctx, workerID, wire.MustNew(wire.TypeTaskCancel, wire.TaskCancel{
			SubtaskID: st.ID,
			Reason:    "cancelled by operator",
		}))
	}
	if len(inflight) > 0 {
		ids := make([]uuid.UUID, len(inflight))
		for i := range inflight {
			ids[i] = inflight[i].ID
		}
		s.alloc.ReleaseWorker(ctx, workerID, ids)
	}
	if err := s.store.SetWorkerStatusIf(ctx, workerID, model.WorkerOffline,
		model.WorkerOnline, model.WorkerIdle, model.WorkerBusy); err != nil && !model.IsKind(err, model.KindStaleVersion) {
		return err
	}
	s.manager.CloseWorker(ctx, workerID, wire.CloseNormal, wire.ReasonNormal)
	return nil
}

// DeleteWorker retires a worker permanently: cancel and release whatever
// it holds, drop the registration row, and close the connection with the
// deleted-worker code so the client stops reconnecting.
func (s *Server) DeleteWorker(ctx context.Context, workerID uuid.UUID) error {
	inflight, err := s.store.InProgressByWorker(ctx, workerID)
	if err != nil {
		return err
	}
	for _, st := range inflight {
		s.manager.Send(ctx, workerID, wire.MustNew(wire.TypeTaskCancel, wire.TaskCancel{
			SubtaskID: st.ID,
			Reason:    "worker deleted",
		}))
	}
	if len(inflight) > 0 {
		ids := make([]uuid.UUID, len(inflight))
		for i := range inflight {
			ids[i] = inflight[i].ID
		}
		s.alloc.ReleaseWorker(ctx, workerID, ids)
	}
	if err := s.store.DeleteWorker(ctx, workerID); err != nil && !model.IsKind(err, model.KindStaleVersion) {
		return err
	}
	s.manager.CloseWorker(ctx, workerID, wire.CloseWorkerDeleted, wire.ReasonDeleted)
	return nil
}

// Run applies the schema, starts the allocator and reaper loops, and
// serves HTTP until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	if err := s.store.EnsureSchema(ctx); err != nil {
		return err
	}
	if err := s.cache.Ping(ctx); err != nil {
		// The KV mirror is an accelerator, not a dependency: the durable
		// store alone is enough to operate.
		observability.Emit(ctx, s.obs, "controlplane.kv.unreachable", observability.LevelWarning,
			"controlplane", map[string]any{"error": err.Error()})
	}

	loopCtx, cancelLoops := context.WithCancel(context.Background())
	defer cancelLoops()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.alloc.Run(loopCtx)
	}()
	go func() {
		defer wg.Done()
		s.reap.Run(loopCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	observability.Emit(ctx, s.obs, "controlplane.started", observability.LevelInfo,
		"controlplane", map[string]any{"listen": s.cfg.Listen})

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	cancelLoops()
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Shutdown closes the listener, the worker connections, and the backing
// stores.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpSrv.Shutdown(ctx)
	s.manager.Shutdown(ctx)
	if cerr := s.cache.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if cerr := s.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
