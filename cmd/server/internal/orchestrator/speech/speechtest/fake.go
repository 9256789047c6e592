// Package speechtest provides an in-memory speech.Recognizer for tests.
package speechtest

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/houzhh15/lexscribe/cmd/server/internal/orchestrator/speech"
)

// Call records one Recognize invocation.
type Call struct {
	At      time.Time
	Request speech.Request
}

// Fake is a thread-safe scripted recognizer. Without scripts it answers every
// request synchronously with an empty result and reports itself healthy.
type Fake struct {
	name string

	mu      sync.Mutex
	healthy bool
	calls   []Call
	polls   int

	// RecognizeFunc answers Recognize; n is the zero-based call number.
	RecognizeFunc func(ctx context.Context, n int, req speech.Request) (*speech.Submission, error)

	// OperationFunc answers GetOperation; n counts polls across all handles.
	OperationFunc func(ctx context.Context, n int, handle string) (*speech.OperationStatus, error)
}

// New creates a healthy fake with the given name.
func New(name string) *Fake {
	return &Fake{name: name, healthy: true}
}

func (f *Fake) Recognize(ctx context.Context, req speech.Request) (*speech.Submission, error) {
	if err := speech.ValidateRequest(req); err != nil {
		return nil, err
	}
	f.mu.Lock()
	n := len(f.calls)
	f.calls = append(f.calls, Call{At: time.Now(), Request: req})
	fn := f.RecognizeFunc
	f.mu.Unlock()

	if req.OnUpload != nil {
		req.OnUpload(100)
	}
	if fn == nil {
		return &speech.Submission{Result: &speech.Result{}, Raw: []byte(`{"results":[]}`)}, nil
	}
	return fn(ctx, n, req)
}

func (f *Fake) GetOperation(ctx context.Context, credential, handle string) (*speech.OperationStatus, error) {
	f.mu.Lock()
	n := f.polls
	f.polls++
	fn := f.OperationFunc
	f.mu.Unlock()

	if fn == nil {
		return &speech.OperationStatus{Status: speech.OperationCompleted, Result: &speech.Result{}}, nil
	}
	return fn(ctx, n, handle)
}

func (f *Fake) HealthCheck(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy, nil
}

func (f *Fake) Name() string { return f.name }

// SetHealthy changes what HealthCheck reports.
func (f *Fake) SetHealthy(healthy bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthy = healthy
}

// Calls returns a copy of the recorded Recognize calls.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Polls returns how many times GetOperation was called.
func (f *Fake) Polls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

// Sync builds an immediate submission.
func Sync(res *speech.Result) *speech.Submission {
	return &speech.Submission{Result: res, Raw: []byte(`{"results":[]}`)}
}

// Words splits text into words lasting step seconds each, starting at start,
// all attributed to speaker (nil when speaker < 0).
func Words(text string, start, step float64, speaker int) []speech.Word {
	fields := strings.Fields(text)
	out := make([]speech.Word, 0, len(fields))
	for i, w := range fields {
		word := speech.Word{
			Text:       w,
			StartSec:   start + float64(i)*step,
			EndSec:     start + float64(i+1)*step,
			Confidence: 0.9,
		}
		if speaker >= 0 {
			s := speaker
			word.Speaker = &s
		}
		out = append(out, word)
	}
	return out
}

// Timed builds a result whose words are spread evenly at step seconds per word.
func Timed(text string, step float64, speaker int) *speech.Result {
	return &speech.Result{Text: text, Words: Words(text, 0, step, speaker)}
}
