package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/wnt/subledger/internal/config"
	"github.com/wnt/subledger/internal/metrics"
	"github.com/wnt/subledger/internal/rpc"
	"github.com/wnt/subledger/internal/store"
	"golang.org/x/sync/errgroup"
)

const (
	queueSampleSpec = "*/15 * * * * *"
	cachePruneSpec  = "0 * * * * *"
)

// Queue is the event queue plus the bookkeeping the manager samples
type Queue interface {
	EventQueue
	GetQueueLength(ctx context.Context, stream string) (int64, error)
	RecoverInFlight(ctx context.Context, stream string) (bool, error)
}

// Pruner drops cached prices older than a block
type Pruner interface {
	Prune(block int64) int
}

// Endpoints reports contract-read endpoint health
type Endpoints interface {
	HealthyEndpointCount() int
	Stats() []rpc.EndpointStats
}

type healthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Manager runs the stream worker, the periodic jobs and the ops server
type Manager struct {
	config     config.Config
	queue      Queue
	store      store.Store
	dispatcher Dispatcher
	cache      Pruner
	endpoints  Endpoints
	workers    []*Worker
	cron       *cron.Cron
	server     *http.Server
	logger     zerolog.Logger
	mutex      sync.RWMutex
	ctx        context.Context
	cancel     context.CancelFunc
	eg         *errgroup.Group
	stopped    bool
}

// NewManager creates a new worker manager
func NewManager(cfg config.Config, q Queue, s store.Store, d Dispatcher, cache Pruner, endpoints Endpoints, logger zerolog.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	eg, egCtx := errgroup.WithContext(ctx)

	m := &Manager{
		config:     cfg,
		queue:      q,
		store:      s,
		dispatcher: d,
		cache:      cache,
		endpoints:  endpoints,
		logger:     logger.With().Str("component", "worker_manager").Logger(),
		ctx:        egCtx,
		cancel:     cancel,
		eg:         eg,
	}
	m.cron = cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(cronLogger{m.logger})))
	return m
}

// Start begins the worker manager lifecycle
func (m *Manager) Start() error {
	stream := m.config.StreamName
	m.logger.Info().Str("stream", stream).Msg("Starting worker manager")

	recovered, err := m.queue.RecoverInFlight(m.ctx, stream)
	if err != nil {
		return fmt.Errorf("failed to recover in-flight event: %w", err)
	}
	if recovered {
		m.logger.Warn().Str("stream", stream).Msg("Recovered event left in flight by a previous run")
	}

	if _, err := m.cron.AddFunc(queueSampleSpec, m.sampleQueue); err != nil {
		return fmt.Errorf("failed to schedule queue sampling: %w", err)
	}
	if _, err := m.cron.AddFunc(cachePruneSpec, m.pruneCache); err != nil {
		return fmt.Errorf("failed to schedule cache pruning: %w", err)
	}

	m.addWorker(stream)
	m.cron.Start()

	m.server = &http.Server{
		Addr:              ":" + m.config.MetricsPort,
		Handler:           m.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	m.eg.Go(func() error {
		m.logger.Info().Str("addr", m.server.Addr).Msg("Starting ops server")
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops server failed: %w", err)
		}
		return nil
	})
	m.eg.Go(func() error {
		<-m.ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return m.server.Shutdown(shutdownCtx)
	})

	m.logger.Info().Msg("Worker manager started successfully")
	return nil
}

// Wait blocks until every managed goroutine has returned
func (m *Manager) Wait() error {
	if err := m.eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Stop gracefully shuts down the worker manager
func (m *Manager) Stop() error {
	m.mutex.Lock()
	if m.stopped {
		m.mutex.Unlock()
		return nil
	}
	m.stopped = true
	m.mutex.Unlock()

	m.logger.Info().Msg("Stopping worker manager...")

	<-m.cron.Stop().Done()
	m.cancel()

	done := make(chan error, 1)
	go func() {
		done <- m.Wait()
	}()

	select {
	case err := <-done:
		if err != nil {
			m.logger.Error().Err(err).Msg("Error during worker shutdown")
		}
	case <-time.After(30 * time.Second):
		m.logger.Warn().Msg("Worker shutdown timed out")
	}

	m.mutex.Lock()
	m.workers = nil
	m.mutex.Unlock()

	metrics.WorkersActive.Set(0)
	m.logger.Info().Msg("Worker manager stopped")
	return nil
}

// addWorker starts the single ordered consumer of a stream
func (m *Manager) addWorker(stream string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	workerID := "worker-" + uuid.NewString()
	worker := NewWorker(workerID, stream, m.queue, m.store, m.dispatcher, m.logger)

	m.eg.Go(func() error {
		return worker.Start(m.ctx)
	})

	m.workers = append(m.workers, worker)
	metrics.WorkersActive.Set(float64(len(m.workers)))

	m.logger.Debug().
		Str("worker_id", workerID).
		Str("stream", stream).
		Msg("Added worker")
}

// sampleQueue publishes the stream backlog
func (m *Manager) sampleQueue() {
	stream := m.config.StreamName
	length, err := m.queue.GetQueueLength(m.ctx, stream)
	if err != nil {
		m.logger.Error().Err(err).Msg("Failed to get queue length")
		return
	}
	metrics.SetQueueLength(stream, length)
}

// pruneCache drops prices no worker can reuse any more
func (m *Manager) pruneCache() {
	if m.cache == nil {
		return
	}
	block := m.lowestBlock()
	if block <= 0 {
		return
	}
	if removed := m.cache.Prune(block); removed > 0 {
		m.logger.Debug().Int("removed", removed).Int64("block", block).Msg("Pruned price cache")
	}
}

// lowestBlock is the oldest block any worker has committed
func (m *Manager) lowestBlock() int64 {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	var lowest int64
	for _, w := range m.workers {
		b := w.LastBlock()
		if b > 0 && (lowest == 0 || b < lowest) {
			lowest = b
		}
	}
	return lowest
}

// Router builds the ops HTTP routes
func (m *Manager) Router() *mux.Router {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/healthz", m.handleHealth).Methods(http.MethodGet)
	return router
}

// Health is the /healthz body
type Health struct {
	Status           string              `json:"status"`
	Store            string              `json:"store"`
	HealthyEndpoints int                 `json:"healthy_endpoints"`
	Endpoints        []rpc.EndpointStats `json:"endpoints"`
	QueueLength      int64               `json:"queue_length"`
	Workers          int                 `json:"workers"`
	LastBlock        int64               `json:"last_block"`
}

func (m *Manager) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	health := Health{Status: "ok", Store: "ok"}

	if hc, ok := m.store.(healthChecker); ok {
		if err := hc.HealthCheck(ctx); err != nil {
			health.Status = "degraded"
			health.Store = err.Error()
		}
	}

	if m.endpoints != nil {
		health.HealthyEndpoints = m.endpoints.HealthyEndpointCount()
		health.Endpoints = m.endpoints.Stats()
		if health.HealthyEndpoints == 0 {
			health.Status = "degraded"
		}
	}

	if length, err := m.queue.GetQueueLength(ctx, m.config.StreamName); err == nil {
		health.QueueLength = length
	} else {
		m.logger.Warn().Err(err).Msg("Failed to get queue length for health check")
	}

	m.mutex.RLock()
	health.Workers = len(m.workers)
	for _, wk := range m.workers {
		if b := wk.LastBlock(); b > health.LastBlock {
			health.LastBlock = b
		}
	}
	m.mutex.RUnlock()

	status := http.StatusOK
	if health.Status != "ok" {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(health); err != nil {
		m.logger.Error().Err(err).Msg("Failed to encode health response")
	}
}

// cronLogger routes scheduler diagnostics through zerolog
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
