package orchestrator

import (
	"fmt"
	"time"

	"github.com/houzhh15/lexscribe/cmd/server/internal/orchestrator/pipeerr"
)

// ChunkState is the lifecycle state of one chunk.
type ChunkState string

const (
	StatePending   ChunkState = "pending"
	StateUploading ChunkState = "uploading"
	StateSubmitted ChunkState = "submitted"
	StatePolling   ChunkState = "polling"
	StateCompleted ChunkState = "completed"
	StateFailed    ChunkState = "failed"
)

// NextAction is what the orchestrator does after a chunk attempt fails.
type NextAction string

const (
	ActionNone              NextAction = ""
	ActionRetryAutoDetect   NextAction = "retry_auto_detect"
	ActionRetryAfterBackoff NextAction = "retry_after_backoff"
	ActionSkipChunk         NextAction = "skip_chunk"
	ActionAbortBatch        NextAction = "abort_batch"
)

// ChunkJob tracks one chunk through upload, recognition and polling.
type ChunkJob struct {
	Index        int        `json:"index"`
	Start        int64      `json:"start"`
	End          int64      `json:"end"`
	PayloadBytes int        `json:"payload_bytes"`
	Degraded     bool       `json:"degraded"`
	State        ChunkState `json:"state"`

	// Attempts counts submissions, retries included
	Attempts int `json:"attempts"`

	// Progress is the chunk share in [0, 100]; it never decreases
	Progress float64 `json:"progress"`

	Encoding   string `json:"encoding"`
	Recognizer string `json:"recognizer,omitempty"`
	Operation  string `json:"operation,omitempty"`

	LastErrorKind pipeerr.Kind `json:"last_error_kind,omitempty"`
	LastError     string       `json:"last_error,omitempty"`
	NextAction    NextAction   `json:"next_action,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`

	autoDetectTried bool
	backoffTried    bool
}

func newChunkJob(index int, start, end int64, payload int, degraded bool, encoding string) *ChunkJob {
	return &ChunkJob{
		Index:        index,
		Start:        start,
		End:          end,
		PayloadBytes: payload,
		Degraded:     degraded,
		State:        StatePending,
		Encoding:     encoding,
		StartedAt:    time.Now(),
	}
}

// Terminal reports whether the job reached Completed or Failed.
func (j *ChunkJob) Terminal() bool {
	return j.State == StateCompleted || j.State == StateFailed
}

// Transition moves the job to a new state, rejecting edges the state machine does not allow.
func (j *ChunkJob) Transition(to ChunkState) error {
	if !isValidTransition(j.State, to) {
		return fmt.Errorf("chunk %d: invalid transition %s -> %s", j.Index, j.State, to)
	}
	j.State = to
	if j.Terminal() {
		j.FinishedAt = time.Now()
	}
	return nil
}

// SetProgress raises the progress; lower values and 100 before completion are ignored.
func (j *ChunkJob) SetProgress(p float64) bool {
	if p >= 100 {
		if j.State != StateCompleted {
			return false
		}
		p = 100
	}
	if p <= j.Progress {
		return false
	}
	j.Progress = p
	return true
}

// fail records a failed attempt and decides the next action.
func (j *ChunkJob) fail(err error) NextAction {
	kind := pipeerr.KindOf(err)
	j.LastErrorKind = kind
	j.LastError = err.Error()
	j.NextAction = decide(j, kind)
	return j.NextAction
}

// decide implements the per-chunk retry policy. Each retry path is taken at most once.
func decide(j *ChunkJob, kind pipeerr.Kind) NextAction {
	switch {
	case pipeerr.IsFatal(kind):
		return ActionAbortBatch
	case kind == pipeerr.EncodingMismatch && !j.autoDetectTried:
		return ActionRetryAutoDetect
	case pipeerr.IsTransient(kind) && j.State == StateUploading && !j.backoffTried:
		return ActionRetryAfterBackoff
	}
	return ActionSkipChunk
}

// isValidTransition enforces the chunk state machine edges.
// Uploading is re-entered on retry; Failed is reachable from every non-terminal state.
func isValidTransition(from, to ChunkState) bool {
	switch from {
	case StatePending:
		return to == StateUploading || to == StateFailed
	case StateUploading:
		return to == StateUploading || to == StateSubmitted || to == StateFailed
	case StateSubmitted:
		return to == StatePolling || to == StateCompleted || to == StateFailed
	case StatePolling:
		return to == StateCompleted || to == StateUploading || to == StateFailed
	}
	return false
}
