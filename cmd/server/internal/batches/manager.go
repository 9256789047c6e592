// Package batches runs transcription batches in the background, bounds how many run at
// once, and keeps their events and outcomes for status queries.
package batches

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/houzhh15/lexscribe/cmd/server/internal/orchestrator"
	"github.com/houzhh15/lexscribe/cmd/server/internal/orchestrator/audioformat"
	"github.com/houzhh15/lexscribe/cmd/server/internal/orchestrator/pipeerr"
	"github.com/houzhh15/lexscribe/pkg/logger"
)

var (
	// ErrNotFound is returned for unknown batch ids.
	ErrNotFound = errors.New("batch not found")
	// ErrFinished is returned when cancelling a batch that already ended.
	ErrFinished = errors.New("batch already finished")
	// ErrShuttingDown is returned by Submit after Shutdown.
	ErrShuttingDown = errors.New("batch manager shutting down")
)

// State is the lifecycle state of a batch as seen by API clients.
type State string

const (
	StateQueued  State = "queued"
	StateRunning State = "running"
	StateDone    State = "done"
)

// Runner executes one batch. *orchestrator.Orchestrator implements it.
type Runner interface {
	Run(ctx context.Context, req orchestrator.Request) (*orchestrator.Outcome, error)
}

// Config tunes the manager.
type Config struct {
	// MaxConcurrent bounds running batches; extra batches wait in queue
	MaxConcurrent int64

	// MaxEvents bounds the event history kept per batch
	MaxEvents int

	// MaxRetained bounds finished batches kept in memory; oldest are evicted first
	MaxRetained int
}

// Snapshot is the externally visible state of a batch.
type Snapshot struct {
	ID         string                `json:"id"`
	FileName   string                `json:"file_name"`
	Size       int64                 `json:"size"`
	State      State                 `json:"state"`
	Status     orchestrator.Status   `json:"status,omitempty"`
	ErrorKind  pipeerr.Kind          `json:"error_kind,omitempty"`
	Error      string                `json:"error,omitempty"`
	Progress   float64               `json:"progress"`
	Options    orchestrator.Options  `json:"options"`
	CreatedAt  time.Time             `json:"created_at"`
	StartedAt  *time.Time            `json:"started_at,omitempty"`
	FinishedAt *time.Time            `json:"finished_at,omitempty"`
	Outcome    *orchestrator.Outcome `json:"outcome,omitempty"`
}

type batch struct {
	id         string
	fileName   string
	size       int64
	options    orchestrator.Options
	state      State
	createdAt  time.Time
	startedAt  time.Time
	finishedAt time.Time
	outcome    *orchestrator.Outcome
	events     *orchestrator.EventBus
	progress   *progressSink
	cancel     context.CancelFunc
}

// Manager owns all batches of the process.
type Manager struct {
	runner  Runner
	sem     *semaphore.Weighted
	cfg     Config
	log     *slog.Logger
	base    context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
	batches map[string]*batch
	closing bool
}

// NewManager creates a manager running at most cfg.MaxConcurrent batches at once.
func NewManager(runner Runner, cfg Config, log *slog.Logger) *Manager {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 2
	}
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = 1000
	}
	if cfg.MaxRetained <= 0 {
		cfg.MaxRetained = 200
	}
	if log == nil {
		log = logger.L()
	}
	base, stop := context.WithCancel(context.Background())
	return &Manager{
		runner:  runner,
		sem:     semaphore.NewWeighted(cfg.MaxConcurrent),
		cfg:     cfg,
		log:     log.With("component", "batches"),
		base:    base,
		stop:    stop,
		batches: make(map[string]*batch),
	}
}

// Submit queues a batch and returns immediately. The credential is handed to the
// runner and not kept by the manager.
func (m *Manager) Submit(src audioformat.AudioSource, credential string, opts orchestrator.Options) (Snapshot, error) {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return Snapshot{}, ErrShuttingDown
	}
	ctx, cancel := context.WithCancel(m.base)
	b := &batch{
		id:        uuid.NewString(),
		fileName:  src.FileName,
		size:      src.Size(),
		options:   opts,
		state:     StateQueued,
		createdAt: time.Now(),
		events:    orchestrator.NewEventBus(m.cfg.MaxEvents),
		cancel:    cancel,
	}
	b.progress = &progressSink{bus: b.events}
	m.batches[b.id] = b
	m.evictLocked()
	snap := m.snapshotLocked(b)
	m.wg.Add(1)
	m.mu.Unlock()

	b.progress.Publish(orchestrator.Event{
		BatchID: b.id, Type: orchestrator.EventStage, Stage: string(StateQueued), ChunkIndex: -1,
	})
	m.log.Info("batch queued", "batch", b.id, "file", b.fileName, "size", b.size)

	go m.run(ctx, b, orchestrator.Request{
		BatchID:    b.id,
		Source:     src,
		Credential: credential,
		Options:    opts,
		Events:     b.progress,
	})
	return snap, nil
}

func (m *Manager) run(ctx context.Context, b *batch, req orchestrator.Request) {
	defer m.wg.Done()
	defer b.cancel()

	if err := m.sem.Acquire(ctx, 1); err != nil {
		out := &orchestrator.Outcome{
			BatchID:    b.id,
			FileName:   b.fileName,
			Status:     orchestrator.Cancelled,
			Error:      pipeerr.Wrap(pipeerr.Cancelled, "batch cancelled before start", err),
			StartedAt:  time.Now(),
			FinishedAt: time.Now(),
		}
		m.complete(b, out)
		return
	}
	defer m.sem.Release(1)

	m.mu.Lock()
	b.state = StateRunning
	b.startedAt = time.Now()
	m.mu.Unlock()

	out, err := m.runner.Run(ctx, req)
	if out == nil {
		out = &orchestrator.Outcome{BatchID: b.id, FileName: b.fileName, Status: orchestrator.Failed}
		if err != nil {
			out.Error = pipeerr.Wrap(pipeerr.KindOf(err), "batch failed", err)
		}
	}
	m.complete(b, out)
}

// complete stores the outcome and only then publishes the outcome event,
// so a subscriber that sees the event can always fetch the outcome.
func (m *Manager) complete(b *batch, out *orchestrator.Outcome) {
	m.mu.Lock()
	b.state = StateDone
	b.finishedAt = time.Now()
	b.outcome = out
	b.progress.release(b.id, out)
	m.mu.Unlock()

	attrs := []any{"batch", b.id, "status", out.Status, "duration_ms", b.finishedAt.Sub(b.createdAt).Milliseconds()}
	if out.Error != nil {
		attrs = append(attrs, "kind", out.Error.Kind)
	}
	m.log.Info("batch done", attrs...)
}

// Get returns the current state of a batch.
func (m *Manager) Get(id string) (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.batches[id]
	if !ok {
		return Snapshot{}, false
	}
	return m.snapshotLocked(b), true
}

// Outcome returns the outcome of a finished batch.
func (m *Manager) Outcome(id string) (*orchestrator.Outcome, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.batches[id]
	if !ok {
		return nil, ErrNotFound
	}
	return b.outcome, nil
}

// Events returns the event bus of a batch.
func (m *Manager) Events(id string) (*orchestrator.EventBus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.batches[id]
	if !ok {
		return nil, ErrNotFound
	}
	return b.events, nil
}

// List returns all batches, newest first.
func (m *Manager) List() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Snapshot, 0, len(m.batches))
	for _, b := range m.batches {
		snap := m.snapshotLocked(b)
		snap.Outcome = nil
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Cancel stops a queued or running batch. The batch finishes asynchronously as Cancelled.
func (m *Manager) Cancel(id string) error {
	m.mu.RLock()
	b, ok := m.batches[id]
	var state State
	if ok {
		state = b.state
	}
	m.mu.RUnlock()

	switch {
	case !ok:
		return ErrNotFound
	case state == StateDone:
		return ErrFinished
	}
	m.log.Info("batch cancel requested", "batch", id)
	b.cancel()
	return nil
}

// Shutdown cancels every batch and waits for them to finish or ctx to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	m.mu.Unlock()
	m.stop()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) snapshotLocked(b *batch) Snapshot {
	snap := Snapshot{
		ID:        b.id,
		FileName:  b.fileName,
		Size:      b.size,
		State:     b.state,
		Options:   b.options,
		CreatedAt: b.createdAt,
		Progress:  b.progress.Overall(),
		Outcome:   b.outcome,
	}
	if !b.startedAt.IsZero() {
		t := b.startedAt
		snap.StartedAt = &t
	}
	if !b.finishedAt.IsZero() {
		t := b.finishedAt
		snap.FinishedAt = &t
	}
	if b.outcome != nil {
		snap.Status = b.outcome.Status
		if b.outcome.Error != nil {
			snap.ErrorKind = b.outcome.Error.Kind
			snap.Error = b.outcome.Error.Message
		}
	}
	return snap
}

// evictLocked drops the oldest finished batches beyond MaxRetained.
func (m *Manager) evictLocked() {
	if len(m.batches) <= m.cfg.MaxRetained {
		return
	}
	var finished []*batch
	for _, b := range m.batches {
		if b.state == StateDone {
			finished = append(finished, b)
		}
	}
	sort.Slice(finished, func(i, j int) bool { return finished[i].finishedAt.Before(finished[j].finishedAt) })
	for _, b := range finished {
		if len(m.batches) <= m.cfg.MaxRetained {
			return
		}
		delete(m.batches, b.id)
	}
}

// progressSink forwards events to the bus and remembers overall progress.
// The outcome event is held back until the manager has stored the outcome.
type progressSink struct {
	bus     *orchestrator.EventBus
	mu      sync.Mutex
	overall float64
	pending *orchestrator.Event
}

func (p *progressSink) Publish(ev orchestrator.Event) orchestrator.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ev.Overall > p.overall {
		p.overall = ev.Overall
	}
	if ev.Type == orchestrator.EventOutcome {
		p.pending = &ev
		return ev
	}
	return p.bus.Publish(ev)
}

// release publishes the held outcome event, or one built from out when the runner sent none.
func (p *progressSink) release(batchID string, out *orchestrator.Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ev := orchestrator.Event{BatchID: batchID, Type: orchestrator.EventOutcome, ChunkIndex: -1, Status: out.Status}
	if out.Error != nil {
		ev.Kind = out.Error.Kind
		ev.Message = out.Error.Error()
	}
	if p.pending != nil {
		ev = *p.pending
		p.pending = nil
	}
	p.bus.Publish(ev)
}

// Overall returns the highest overall progress seen.
func (p *progressSink) Overall() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.overall
}
