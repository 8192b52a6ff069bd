package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pgpipe/pgpipe/internal"
	"github.com/pgpipe/pgpipe/internal/capture"
	"github.com/pgpipe/pgpipe/internal/models"
	"github.com/pgpipe/pgpipe/internal/sink"
)

// ManagerStore is the full store surface the manager reconciles from.
type ManagerStore interface {
	Store

	GetPipelines(ctx context.Context) ([]models.PipelineConfig, error)
	GetPipelineMetadata(ctx context.Context, pipelineID string) (models.PipelineMetadata, error)
	GetSource(ctx context.Context, id string) (models.Source, error)
	GetDestination(ctx context.Context, id string) (models.Destination, error)
	GetTableSyncs(ctx context.Context, pipelineID string) ([]models.TableSync, error)
	SetPipelineStatus(ctx context.Context, id, status string) error
}

type runningEngine struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager reconciles configured pipeline status against running
// engines on a poll interval. START launches an engine goroutine,
// PAUSE cancels it, REFRESH restarts it with freshly loaded config and
// resets the status to START. A pipeline that entered ERROR stays down
// until the operator transitions it through REFRESH or PAUSE/START.
type Manager struct {
	store   ManagerStore
	opener  capture.Opener
	dlq     DeadLetter
	newSink func(models.Destination, *slog.Logger) (sink.Sink, error)
	log     *slog.Logger

	interval time.Duration

	mu      sync.Mutex
	running map[string]*runningEngine
	failed  map[string]bool
	wg      sync.WaitGroup
}

type ManagerOption func(*Manager)

// WithPollInterval overrides the reconcile interval. Tests shorten it.
func WithPollInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.interval = d
	}
}

func NewManager(store ManagerStore, opener capture.Opener, dlq DeadLetter, log *slog.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{ //nolint:exhaustruct // sync primitives zero-value
		store:    store,
		opener:   opener,
		dlq:      dlq,
		newSink:  sink.New,
		log:      log.With(slog.String("component", "pipeline-manager")),
		interval: internal.ManagerPollInterval,
		running:  make(map[string]*runningEngine),
		failed:   make(map[string]bool),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Run reconciles until ctx is cancelled, then stops every engine and
// waits for them to drain.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.log.InfoContext(ctx, "pipeline manager started", slog.String("poll_interval", m.interval.String()))

	m.reconcile(ctx)

	for {
		select {
		case <-ctx.Done():
			m.stopAll()
			m.wg.Wait()
			m.log.Info("pipeline manager stopped")
			return
		case <-ticker.C:
			m.reconcile(ctx)
		}
	}
}

func (m *Manager) reconcile(ctx context.Context) {
	pipelines, err := m.store.GetPipelines(ctx)
	if err != nil {
		m.log.ErrorContext(ctx, "failed to load pipelines", slog.Any("error", err))
		return
	}

	seen := make(map[string]bool, len(pipelines))

	for _, p := range pipelines {
		seen[p.ID] = true

		switch p.Status {
		case internal.PipelineStatusStart:
			if m.isRunning(p.ID) || m.hasFailed(p.ID) {
				continue
			}
			if m.erroredEarlier(ctx, p.ID) {
				// Failed before this manager process came up; the
				// latch is rebuilt from the persisted state and the
				// pipeline stays down until an operator transition.
				m.setFailed(p.ID)
				continue
			}
			m.startPipeline(ctx, p)

		case internal.PipelineStatusPause:
			m.clearFailed(p.ID)
			m.stopPipeline(p.ID)
			if m.erroredEarlier(ctx, p.ID) {
				// Pausing a failed pipeline acknowledges the failure.
				if err := m.store.SetPipelineState(ctx, p.ID, internal.PipelineStatePaused); err != nil {
					m.log.ErrorContext(ctx, "failed to record paused state",
						slog.String("pipeline_id", p.ID),
						slog.Any("error", err))
				}
			}

		case internal.PipelineStatusRefresh:
			m.clearFailed(p.ID)
			m.stopPipeline(p.ID)
			m.startPipeline(ctx, p)
			if err := m.store.SetPipelineStatus(ctx, p.ID, internal.PipelineStatusStart); err != nil {
				m.log.ErrorContext(ctx, "failed to reset pipeline status after refresh",
					slog.String("pipeline_id", p.ID),
					slog.Any("error", err))
			}

		default:
			m.log.WarnContext(ctx, "unknown pipeline status",
				slog.String("pipeline_id", p.ID),
				slog.String("status", p.Status))
		}
	}

	// Pipelines deleted from the store are stopped, not left orphaned.
	m.mu.Lock()
	var orphans []string
	for id := range m.running {
		if !seen[id] {
			orphans = append(orphans, id)
		}
	}
	m.mu.Unlock()

	for _, id := range orphans {
		m.log.InfoContext(ctx, "stopping removed pipeline", slog.String("pipeline_id", id))
		m.stopPipeline(id)
	}
}

func (m *Manager) startPipeline(ctx context.Context, cfg models.PipelineConfig) {
	engine, err := m.buildEngine(ctx, cfg)
	if err != nil {
		m.log.ErrorContext(ctx, "failed to start pipeline",
			slog.String("pipeline_id", cfg.ID),
			slog.Any("error", err))

		if recErr := m.store.RecordPipelineError(ctx, cfg.ID, err.Error()); recErr != nil {
			m.log.ErrorContext(ctx, "failed to record pipeline error", slog.Any("error", recErr))
		}
		m.setFailed(cfg.ID)
		return
	}

	engineCtx, cancel := context.WithCancel(context.Background())
	re := &runningEngine{cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	m.running[cfg.ID] = re
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(re.done)

		err := engine.Run(engineCtx)

		m.mu.Lock()
		if m.running[cfg.ID] == re {
			delete(m.running, cfg.ID)
			if err != nil {
				m.failed[cfg.ID] = true
			}
		}
		m.mu.Unlock()
	}()

	m.log.InfoContext(ctx, "pipeline started",
		slog.String("pipeline_id", cfg.ID),
		slog.String("pipeline", cfg.Name))
}

// buildEngine loads the pipeline's collaborators and probes the
// destination before anything starts streaming.
func (m *Manager) buildEngine(ctx context.Context, cfg models.PipelineConfig) (*Engine, error) {
	source, err := m.store.GetSource(ctx, cfg.SourceID)
	if err != nil {
		return nil, fmt.Errorf("load source: %w", err)
	}

	dest, err := m.store.GetDestination(ctx, cfg.DestinationID)
	if err != nil {
		return nil, fmt.Errorf("load destination: %w", err)
	}

	syncs, err := m.store.GetTableSyncs(ctx, cfg.ID)
	if err != nil {
		return nil, fmt.Errorf("load table syncs: %w", err)
	}
	if len(syncs) == 0 {
		return nil, fmt.Errorf("pipeline %s has no enabled table syncs", cfg.ID)
	}

	dst, err := m.newSink(dest, m.log)
	if err != nil {
		return nil, fmt.Errorf("build sink: %w", err)
	}

	if err := dst.ValidateConnection(ctx); err != nil {
		return nil, fmt.Errorf("validate destination connection: %w", err)
	}

	return NewEngine(cfg, source, dest, syncs, dst, m.opener, m.store, m.dlq, m.log), nil
}

// erroredEarlier reports whether the persisted runtime state says the
// pipeline's last run ended in ERROR.
func (m *Manager) erroredEarlier(ctx context.Context, id string) bool {
	meta, err := m.store.GetPipelineMetadata(ctx, id)
	if err != nil {
		m.log.ErrorContext(ctx, "failed to load pipeline metadata",
			slog.String("pipeline_id", id),
			slog.Any("error", err))
		return false
	}
	return meta.State == internal.PipelineStateError
}

func (m *Manager) stopPipeline(id string) {
	m.mu.Lock()
	re, ok := m.running[id]
	m.mu.Unlock()

	if !ok {
		return
	}

	re.cancel()
	<-re.done
}

func (m *Manager) stopAll() {
	m.mu.Lock()
	engines := make([]*runningEngine, 0, len(m.running))
	for _, re := range m.running {
		engines = append(engines, re)
	}
	m.mu.Unlock()

	for _, re := range engines {
		re.cancel()
	}
}

func (m *Manager) isRunning(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.running[id]
	return ok
}

func (m *Manager) hasFailed(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failed[id]
}

func (m *Manager) setFailed(id string) {
	m.mu.Lock()
	m.failed[id] = true
	m.mu.Unlock()
}

func (m *Manager) clearFailed(id string) {
	m.mu.Lock()
	delete(m.failed, id)
	m.mu.Unlock()
}
