package orchestrator

import (
	"sync"
	"time"

	"github.com/houzhh15/lexscribe/cmd/server/internal/orchestrator/pipeerr"
)

// EventType classifies messages emitted while a batch runs.
type EventType string

const (
	EventStage    EventType = "stage"
	EventChunk    EventType = "chunk"
	EventProgress EventType = "progress"
	EventFallback EventType = "fallback"
	EventError    EventType = "error"
	EventOutcome  EventType = "outcome"
)

// Batch stages reported by stage events.
const (
	StageValidate   = "validate"
	StageDetect     = "detect"
	StagePreprocess = "preprocess"
	StagePlan       = "plan"
	StageChunk      = "chunk"
	StageTranscribe = "transcribe"
	StageMerge      = "merge"
)

// Event is a sequenced batch event.
type Event struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	BatchID   string    `json:"batch_id"`
	Type      EventType `json:"type"`
	Stage     string    `json:"stage,omitempty"`

	// ChunkIndex is -1 for file-level events
	ChunkIndex int        `json:"chunk_index"`
	State      ChunkState `json:"state,omitempty"`

	// ChunkProgress and Overall are percentages in [0, 100]
	ChunkProgress float64 `json:"chunk_progress,omitempty"`
	Overall       float64 `json:"overall,omitempty"`

	Kind    pipeerr.Kind `json:"kind,omitempty"`
	Message string       `json:"message,omitempty"`
	From    string       `json:"from,omitempty"`
	To      string       `json:"to,omitempty"`
	Status  Status       `json:"status,omitempty"`
}

// EventSink receives batch events. EventBus implements it.
type EventSink interface {
	Publish(event Event) Event
}

// EventBus stores recent events and provides incremental reads.
type EventBus struct {
	mu        sync.RWMutex
	nextSeq   int64
	maxEvents int
	events    []Event
	notify    chan struct{}
}

// NewEventBus creates a bounded in-memory event buffer.
func NewEventBus(maxEvents int) *EventBus {
	if maxEvents <= 0 {
		maxEvents = 500
	}
	return &EventBus{
		maxEvents: maxEvents,
		events:    make([]Event, 0, maxEvents),
		notify:    make(chan struct{}),
	}
}

// Publish appends one event, assigns sequence and timestamp, and wakes waiters.
func (b *EventBus) Publish(event Event) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSeq++
	event.Seq = b.nextSeq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.events = append(b.events, event)
	if len(b.events) > b.maxEvents {
		trim := len(b.events) - b.maxEvents
		b.events = append([]Event(nil), b.events[trim:]...)
	}

	close(b.notify)
	b.notify = make(chan struct{})
	return event
}

// Since returns events with sequence strictly greater than seq.
func (b *EventBus) Since(seq int64) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.events) == 0 {
		return nil
	}
	out := make([]Event, 0, len(b.events))
	for _, event := range b.events {
		if event.Seq > seq {
			out = append(out, event)
		}
	}
	return out
}

// Wait returns a channel closed by the next Publish.
func (b *EventBus) Wait() <-chan struct{} {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.notify
}

// LastSeq returns the sequence of the newest event, 0 when empty.
func (b *EventBus) LastSeq() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.nextSeq
}

// emitter stamps events with the batch id and tolerates a nil sink.
type emitter struct {
	batchID string
	sink    EventSink
}

func (e emitter) emit(ev Event) {
	if e.sink == nil {
		return
	}
	ev.BatchID = e.batchID
	e.sink.Publish(ev)
}

func (e emitter) stage(stage, message string) {
	e.emit(Event{Type: EventStage, Stage: stage, ChunkIndex: -1, Message: message})
}

func (e emitter) fallback(chunk int, from, to, message string) {
	e.emit(Event{Type: EventFallback, ChunkIndex: chunk, From: from, To: to, Message: message})
}

func (e emitter) chunk(j *ChunkJob, message string) {
	e.emit(Event{
		Type:          EventChunk,
		ChunkIndex:    j.Index,
		State:         j.State,
		ChunkProgress: j.Progress,
		Kind:          j.LastErrorKind,
		Message:       message,
	})
}

func (e emitter) failure(chunk int, err error) {
	e.emit(Event{Type: EventError, ChunkIndex: chunk, Kind: pipeerr.KindOf(err), Message: err.Error()})
}
