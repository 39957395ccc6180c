// Package requestworker implements the Request Worker (C4): a pool of
// single-writer-per-row workers that claim pending Request rows and drive
// the Container Runtime Adapter (C2) and Token Issuer (C3) on their
// behalf, grounded on the teacher's pkg/queue Worker/WorkerPool pair
// (claim-poll-process loop, graceful Stop, per-worker health).
package requestworker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuemby/tsbx/internal/metrics"
	"github.com/cuemby/tsbx/internal/runtime"
	"github.com/cuemby/tsbx/internal/store"
	"github.com/cuemby/tsbx/internal/token"
)

// Config holds the worker pool's tunables.
type Config struct {
	WorkerCount     int
	BatchSize       int
	PollInterval    time.Duration
	ErrorBackoff    time.Duration
	SnapshotsRoot   string
	SandboxImage    string
	DefaultIdleTimeout time.Duration
	StoreDSN        string
	APIURL          string
	HostName        string
	HostURL         string
	InferenceURL    string
	InferenceModel  string
	InferenceAPIKey string
	InferenceTimeout time.Duration
}

// Pool runs Config.WorkerCount independent Worker goroutines against a
// shared Store, Runtime Adapter, and Token Issuer.
type Pool struct {
	config  Config
	store   store.Store
	runtime runtime.Adapter
	issuer  *token.Issuer

	workers []*Worker
	wg      sync.WaitGroup
	stopCh  chan struct{}
	started bool
}

func NewPool(st store.Store, rt runtime.Adapter, issuer *token.Issuer, cfg Config) *Pool {
	return &Pool{
		config:  cfg,
		store:   st,
		runtime: rt,
		issuer:  issuer,
		stopCh:  make(chan struct{}),
	}
}

// Start spawns Config.WorkerCount worker goroutines. Safe to call only once.
func (p *Pool) Start(ctx context.Context) {
	if p.started {
		slog.Warn("request worker pool already started, ignoring duplicate Start call")
		return
	}
	p.started = true

	slog.Info("starting request worker pool", "worker_count", p.config.WorkerCount, "batch_size", p.config.BatchSize)

	h := &handlers{store: p.store, runtime: p.runtime, issuer: p.issuer, config: p.config}
	for i := 0; i < p.config.WorkerCount; i++ {
		w := &Worker{
			id:      fmt.Sprintf("worker-%d", i),
			store:   p.store,
			handler: h,
			config:  p.config,
			stopCh:  p.stopCh,
		}
		p.workers = append(p.workers, w)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			w.run(ctx)
		}()
	}
}

// Stop signals all workers to exit and waits for them to finish their
// current batch.
func (p *Pool) Stop() {
	close(p.stopCh)
	p.wg.Wait()
	slog.Info("request worker pool stopped")
}

// Worker polls for pending Request rows and dispatches each to its
// per-type handler.
type Worker struct {
	id      string
	store   store.Store
	handler *handlers
	config  Config
	stopCh  chan struct{}
}

func (w *Worker) run(ctx context.Context) {
	log := slog.With("worker_id", w.id)
	log.Info("request worker started")
	for {
		select {
		case <-w.stopCh:
			log.Info("request worker stopping")
			return
		case <-ctx.Done():
			log.Info("request worker context cancelled")
			return
		default:
			n, err := w.pollAndProcess(ctx)
			if err != nil {
				log.Error("poll failed", "error", err)
				w.sleep(w.config.errorBackoff())
				continue
			}
			if n == 0 {
				w.sleep(w.config.pollInterval())
			}
		}
	}
}

func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollAndProcess claims up to BatchSize pending requests and processes
// each to a terminal status, returning how many were claimed.
func (w *Worker) pollAndProcess(ctx context.Context) (int, error) {
	reqs, err := w.store.ClaimPendingRequests(ctx, w.config.batchSize())
	if err != nil {
		return 0, fmt.Errorf("claiming requests: %w", err)
	}
	for _, req := range reqs {
		log := slog.With("worker_id", w.id, "request_id", req.ID, "request_type", req.Type, "sandbox_id", req.SandboxID)
		metrics.RequestClaimLatency.Observe(time.Since(req.CreatedAt).Seconds())

		timer := metrics.NewTimer()
		payload, err := w.handler.dispatch(ctx, req)
		timer.ObserveDurationVec(metrics.RequestProcessDuration, string(req.Type))
		if err != nil {
			log.Error("request failed", "error", err)
			metrics.RequestsProcessedTotal.WithLabelValues(string(req.Type), "failed").Inc()
			if failErr := w.store.FailRequest(ctx, req.ID, err.Error()); failErr != nil {
				log.Error("failing request row failed", "error", failErr)
			}
			continue
		}
		if err := w.store.CompleteRequest(ctx, req.ID, payload); err != nil {
			log.Error("completing request row failed", "error", err)
			continue
		}
		metrics.RequestsProcessedTotal.WithLabelValues(string(req.Type), "completed").Inc()
		log.Info("request completed")
	}
	return len(reqs), nil
}

func (c Config) pollInterval() time.Duration {
	if c.PollInterval > 0 {
		return c.PollInterval
	}
	return 500 * time.Millisecond
}

func (c Config) errorBackoff() time.Duration {
	if c.ErrorBackoff > 0 {
		return c.ErrorBackoff
	}
	return time.Second
}

func (c Config) batchSize() int {
	if c.BatchSize > 0 {
		return c.BatchSize
	}
	return 10
}
