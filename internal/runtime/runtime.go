// Package runtime wires the voicewire services together and serves them
// over HTTP.
package runtime

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/voicewire/internal/balancer"
	"github.com/loqalabs/voicewire/internal/bus"
	"github.com/loqalabs/voicewire/internal/capability"
	"github.com/loqalabs/voicewire/internal/config"
	"github.com/loqalabs/voicewire/internal/eventstore"
	"github.com/loqalabs/voicewire/internal/natsserver"
	"github.com/loqalabs/voicewire/internal/server"
	"github.com/loqalabs/voicewire/internal/status"
	"github.com/loqalabs/voicewire/internal/stt"
	"github.com/loqalabs/voicewire/internal/tts"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg            config.Config
	logger         *slog.Logger
	httpServer     *http.Server
	tracerClose    func(context.Context) error
	metricsHandler http.Handler
	ready          atomic.Bool
	wg             sync.WaitGroup

	tracker  *status.Tracker
	voice    *server.Server
	store    *eventstore.Store
	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	registry *capability.Registry
	balancer *balancer.Balancer
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	r.metricsHandler = metricsHandler

	if err := r.startServices(ctx); err != nil {
		r.stopServices()
		_ = r.tracerClose(context.Background())
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slogError(err))
			serveErr <- err
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serveErr:
	}
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	// Websocket connections are hijacked, so the voice server has to say
	// goodbye to them before the HTTP server stops.
	if err := r.voice.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("voice server shutdown error", slogError(err))
	}
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slogError(err))
	}
	r.wg.Wait()
	r.stopServices()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slogError(err))
		}
	}

	return runErr
}

// startServices brings up everything the HTTP routes depend on. On error
// the caller must still call stopServices.
func (r *Runtime) startServices(ctx context.Context) error {
	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "eventstore")))
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store
	if err := store.Prune(ctx); err != nil {
		r.logger.Warn("event store prune failed", slogError(err))
	}
	recorders := []server.Recorder{store}

	if r.cfg.Bus.Enabled {
		busCfg := r.cfg.Bus
		ns, err := natsserver.Start(busCfg, r.logger.With(slog.String("component", "nats")))
		if err != nil {
			return err
		}
		r.nats = ns
		if ns != nil {
			busCfg.Servers = []string{ns.ClientURL()}
		}
		client, err := bus.Connect(ctx, busCfg, r.cfg.Node.ID, r.logger.With(slog.String("component", "bus")))
		if err != nil {
			return err
		}
		r.bus = client
		retention := time.Duration(r.cfg.EventStore.RetentionDays) * 24 * time.Hour
		if err := client.EnsureSessionStream(retention); err != nil {
			r.logger.Warn("session events will not be retained on the bus", slogError(err))
		}
		recorders = append(recorders, client)
	}

	r.tracker = status.NewTracker(r.cfg.Status)
	opts := server.Options{
		Config:    r.cfg,
		Logger:    r.logger,
		Tracker:   r.tracker,
		Recorders: recorders,
	}
	if r.cfg.STT.Enabled {
		if opts.Recognizer, err = stt.NewRecognizer(r.cfg.STT); err != nil {
			return fmt.Errorf("create recognizer: %w", err)
		}
	}
	if r.cfg.TTS.Enabled {
		if opts.Synthesizer, err = tts.NewSynthesizer(r.cfg.TTS); err != nil {
			return fmt.Errorf("create synthesizer: %w", err)
		}
	}
	if r.voice, err = server.New(opts); err != nil {
		return err
	}

	if r.bus != nil {
		registry, err := capability.NewRegistry(ctx, r.cfg.Node, r.bus, r.tracker, r.logger)
		if err != nil {
			return err
		}
		r.registry = registry
	}

	if len(r.cfg.Balancer.Upstreams) > 0 {
		r.balancer = balancer.New(ctx, r.cfg.Balancer, r.voice.Codec(), r.logger)
		if err := r.balancer.Start(); err != nil {
			return err
		}
	}

	if r.cfg.EventStore.RetentionMode != "ephemeral" {
		r.wg.Add(1)
		go r.pruneLoop(ctx)
	}
	return nil
}

func (r *Runtime) stopServices() {
	if r.balancer != nil {
		r.balancer.Close()
	}
	if r.registry != nil {
		r.registry.Close()
	}
	if r.voice != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = r.voice.Shutdown(ctx)
		cancel()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.nats.Shutdown()
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slogError(err))
		}
	}
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Prune(ctx); err != nil {
				r.logger.Warn("event store prune failed", slogError(err))
			}
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	ready := r.ready.Load()
	if r.cfg.Bus.Enabled && !r.bus.Healthy() {
		ready = false
	}
	if !ready {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

type statusResponse struct {
	NodeID    string                `json:"node_id"`
	STT       bool                  `json:"stt"`
	TTS       bool                  `json:"tts"`
	Load      status.Snapshot       `json:"load"`
	Nodes     []capability.NodeInfo `json:"nodes,omitempty"`
	Upstreams []balancer.Upstream   `json:"upstreams,omitempty"`
}

func (r *Runtime) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		NodeID: r.cfg.Node.ID,
		STT:    r.cfg.STT.Enabled,
		TTS:    r.cfg.TTS.Enabled,
		Load:   r.tracker.Snapshot(),
	}
	if r.registry != nil {
		resp.Nodes = r.registry.Query(nil)
	}
	if r.balancer != nil {
		resp.Upstreams = r.balancer.Snapshot()
	}
	respondJSON(w, http.StatusOK, resp)
}

func (r *Runtime) handlePick(w http.ResponseWriter, _ *http.Request) {
	if r.balancer == nil {
		respondError(w, http.StatusNotFound, "no_balancer", "no upstreams configured")
		return
	}
	up, err := r.balancer.Pick()
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "no_upstream", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, up)
}

func (r *Runtime) handleLeastLoaded(w http.ResponseWriter, req *http.Request) {
	if r.registry == nil {
		respondError(w, http.StatusNotFound, "bus_disabled", "bus is not enabled")
		return
	}
	name := req.URL.Query().Get("capability")
	if name == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "capability is required")
		return
	}
	node, ok := r.registry.LeastLoaded(name)
	if !ok {
		respondError(w, http.StatusServiceUnavailable, "no_node", "no healthy node accepts "+name)
		return
	}
	respondJSON(w, http.StatusOK, node)
}

func (r *Runtime) handleGetSession(w http.ResponseWriter, req *http.Request) {
	sess, err := r.store.GetSession(req.Context(), sessionID(req))
	if errors.Is(err, sql.ErrNoRows) {
		respondError(w, http.StatusNotFound, "not_found", "session not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (r *Runtime) handleSessionEvents(w http.ResponseWriter, req *http.Request) {
	limit := 0
	if raw := req.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	events, err := r.store.ListSessionEvents(req.Context(), sessionID(req), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if events == nil {
		events = []eventstore.Event{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"events": events})
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
