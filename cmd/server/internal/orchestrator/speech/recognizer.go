// Package speech talks to the remote speech recognition service: it submits one chunk
// payload per request and polls long-running operations until they finish.
package speech

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
)

// Word is one recognised word with chunk-local timing.
type Word struct {
	// Text is the word as recognised, punctuation included when enabled
	Text string `json:"word"`

	// StartSec and EndSec are offsets in seconds from the start of the chunk
	StartSec float64 `json:"start_sec"`
	EndSec   float64 `json:"end_sec"`

	// Speaker is the chunk-local speaker label, nil when diarization is off
	Speaker *int `json:"speaker,omitempty"`

	Confidence float64 `json:"confidence"`
}

// Result is the recognised content of one chunk.
type Result struct {
	// Text is the full transcript of the chunk
	Text string `json:"text"`

	// Words carries per-word timing; it may be empty when the service returns text only
	Words []Word `json:"words"`

	// LanguageCode is the language reported by the service, if any
	LanguageCode string `json:"language_code,omitempty"`
}

// Submission is the outcome of Recognize: either an immediate result or an operation handle.
type Submission struct {
	Result    *Result `json:"result,omitempty"`
	Operation string  `json:"operation,omitempty"`

	// Raw is the undecoded response body kept for audit
	Raw json.RawMessage `json:"-"`
}

// Operation states reported by the service.
const (
	OperationQueued     = "queued"
	OperationProcessing = "processing"
	OperationCompleted  = "completed"
	OperationError      = "error"
)

// OperationStatus is one poll response.
type OperationStatus struct {
	Status string `json:"status"`

	// PercentComplete is set only when the service reports it explicitly
	PercentComplete  *float64 `json:"percent_complete,omitempty"`
	ProcessedSeconds float64  `json:"processed_seconds,omitempty"`
	TotalSeconds     float64  `json:"total_seconds,omitempty"`

	// WordsSoFar counts partial words seen while processing
	WordsSoFar int `json:"words_so_far,omitempty"`

	// Result is set once Status is completed
	Result *Result `json:"result,omitempty"`

	// Error is the service message once Status is error
	Error string `json:"error,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// Config is the per-request recognition configuration.
type Config struct {
	// EncodingCode is a FormatInfo encoding code; ENCODING_UNSPECIFIED lets the service detect it
	EncodingCode string

	// SampleRateHz is omitted from the request when zero
	SampleRateHz int

	// LanguageCode is a BCP-47 tag, e.g. "en-US"
	LanguageCode string

	// Model selects the recognition model, e.g. "latest_long"
	Model string

	Punctuate       bool
	Diarize         bool
	MinSpeakers     int
	MaxSpeakers     int
	WordTimeOffsets bool
	ProfanityFilter bool
	SmartFormat     bool
	Utterances      bool

	// Phrases are hints for domain vocabulary (case names, parties)
	Phrases []string
}

// ProgressFunc receives upload progress as a percentage in [0, 100].
type ProgressFunc func(percent float64)

// Request is one recognition call. The credential travels with the request and is never stored.
type Request struct {
	Payload    []byte
	Config     Config
	Credential string

	// Sync asks for the synchronous endpoint regardless of payload size.
	// Whole files that fit a single chunk are sent this way.
	Sync bool

	// OnUpload is called while the request body is being sent; may be nil
	OnUpload ProgressFunc
}

// Recognizer defines the contract for a remote speech recognition backend.
// Implementations must honour ctx cancellation and return *pipeerr.Error values
// so callers can decide between retrying, skipping the chunk, or aborting the batch.
type Recognizer interface {
	// Recognize submits one payload. Small payloads are answered synchronously,
	// large ones return an operation handle to poll.
	Recognize(ctx context.Context, req Request) (*Submission, error)

	// GetOperation fetches the state of a long-running operation.
	GetOperation(ctx context.Context, credential, handle string) (*OperationStatus, error)

	// HealthCheck reports whether the backend accepts requests.
	HealthCheck(ctx context.Context) (bool, error)

	// Name identifies the backend in logs and metrics.
	Name() string
}

// Seconds decodes both "1.500s" style durations and plain numbers.
type Seconds float64

func (s *Seconds) UnmarshalJSON(b []byte) error {
	raw := strings.Trim(string(b), `"`)
	raw = strings.TrimSuffix(raw, "s")
	if raw == "" || raw == "null" {
		*s = 0
		return nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return err
	}
	*s = Seconds(v)
	return nil
}
