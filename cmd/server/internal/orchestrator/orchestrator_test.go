package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/houzhh15/lexscribe/cmd/server/internal/orchestrator/audioformat"
	"github.com/houzhh15/lexscribe/cmd/server/internal/orchestrator/audioformat/audiotest"
	"github.com/houzhh15/lexscribe/cmd/server/internal/orchestrator/chunking"
	"github.com/houzhh15/lexscribe/cmd/server/internal/orchestrator/pipeerr"
	"github.com/houzhh15/lexscribe/cmd/server/internal/orchestrator/speech"
	"github.com/houzhh15/lexscribe/cmd/server/internal/orchestrator/speech/speechtest"
	"github.com/houzhh15/lexscribe/pkg/logger"
)

// testPlanner yields 64 KiB chunks with no transport expansion.
func testPlanner() chunking.PlannerConfig {
	return chunking.PlannerConfig{
		PayloadCeiling:     164 * chunking.KiB,
		ExpansionFactor:    1,
		SafetyMargin:       chunking.MinSafetyMargin,
		StreamingThreshold: 10 * chunking.MiB,
	}
}

// testConfig yields 64 KiB chunks and near-instant polling.
func testConfig() Config {
	return Config{
		Planner:         testPlanner(),
		InterChunkDelay: -1,
		RetryBackoff:    time.Millisecond,
		Poll:            speech.PollProfile{Name: "test", Initial: time.Millisecond, Max: 2 * time.Millisecond, MaxAttempts: 50},
	}
}

func newTestOrchestrator(cfg Config, rec speech.Recognizer, opts ...Option) *Orchestrator {
	opts = append([]Option{WithLogger(logger.Discard())}, opts...)
	return New(cfg, StaticProvider{Recognizer: rec}, opts...)
}

func flacRequest(bus *EventBus) Request {
	return Request{
		BatchID:    "batch-1",
		Source:     audioformat.AudioSource{Data: audiotest.FLAC(16000, 300, 500), FileName: "hearing.flac"},
		Credential: "secret-key",
		Options:    DefaultOptions(),
		Events:     bus,
	}
}

func countEvents(events []Event, typ EventType) int {
	n := 0
	for _, e := range events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

type memAudit struct {
	mu      sync.Mutex
	records []ChunkAudit
}

func (m *memAudit) RecordChunk(rec ChunkAudit) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
}

func TestRun_SingleWAV(t *testing.T) {
	rec := speechtest.New("fake")
	rec.RecognizeFunc = func(context.Context, int, speech.Request) (*speech.Submission, error) {
		return speechtest.Sync(speechtest.Timed("good morning your honor", 0.5, 1)), nil
	}
	audit := &memAudit{}
	bus := NewEventBus(1000)
	o := newTestOrchestrator(testConfig(), rec, WithAuditSink(audit))

	out, err := o.Run(context.Background(), Request{
		BatchID:    "b-wav",
		Source:     audioformat.AudioSource{Data: audiotest.WAV(16000, 32000), FileName: "short.wav"},
		Credential: "secret-key",
		Options:    DefaultOptions(),
		Events:     bus,
	})
	require.NoError(t, err)

	assert.Equal(t, Succeeded, out.Status)
	assert.Equal(t, chunking.StrategySingle, out.Plan.Strategy)
	require.NotNil(t, out.Transcript)
	assert.Equal(t, "good morning your honor", out.Transcript.Text)
	assert.Equal(t, 1, out.Transcript.SpeakerCount)
	require.Len(t, out.Chunks, 1)
	assert.Equal(t, StateCompleted, out.Chunks[0].State)
	assert.Equal(t, 100.0, out.Chunks[0].Progress)
	assert.Len(t, out.RawResponses, 1)

	calls := rec.Calls()
	require.Len(t, calls, 1)
	cfg := calls[0].Request.Config
	assert.Equal(t, audioformat.EncodingLinear16, cfg.EncodingCode)
	assert.Zero(t, cfg.SampleRateHz, "WAV carries its own sample rate")
	assert.Equal(t, "en-US", cfg.LanguageCode)
	assert.True(t, cfg.Diarize)

	require.Len(t, audit.records, 1)
	assert.Equal(t, "b-wav", audit.records[0].BatchID)
	assert.Equal(t, StateCompleted, audit.records[0].State)

	events := bus.Since(0)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, EventOutcome, last.Type)
	assert.Equal(t, Succeeded, last.Status)

	prev := -1.0
	for _, e := range events {
		assert.Equal(t, "b-wav", e.BatchID)
		if e.Type == EventProgress {
			assert.GreaterOrEqual(t, e.Overall, prev)
			prev = e.Overall
		}
		assert.NotContains(t, e.Message, "secret-key")
	}
	assert.Equal(t, 100.0, prev)
}

func TestRun_FLACChunksInOrderWithDelay(t *testing.T) {
	rec := speechtest.New("fake")
	rec.RecognizeFunc = func(_ context.Context, n int, req speech.Request) (*speech.Submission, error) {
		text := fmt.Sprintf("part%d", n)
		if n == 1 {
			return &speech.Submission{Operation: "operations/op-1", Raw: []byte(`{"name":"operations/op-1"}`)}, nil
		}
		return speechtest.Sync(speechtest.Timed(text, 0.5, 0)), nil
	}
	rec.OperationFunc = func(_ context.Context, n int, _ string) (*speech.OperationStatus, error) {
		if n == 0 {
			return &speech.OperationStatus{Status: speech.OperationProcessing}, nil
		}
		return &speech.OperationStatus{Status: speech.OperationCompleted, Result: speechtest.Timed("part1", 0.5, 0)}, nil
	}

	cfg := testConfig()
	cfg.InterChunkDelay = 0 // default 500ms
	o := newTestOrchestrator(cfg, rec)

	out, err := o.Run(context.Background(), flacRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, Succeeded, out.Status)
	assert.Equal(t, chunking.StrategyStandard, out.Plan.Strategy)

	calls := rec.Calls()
	require.Len(t, calls, 3)
	for i := 1; i < len(calls); i++ {
		assert.GreaterOrEqual(t, calls[i].At.Sub(calls[i-1].At), 400*time.Millisecond, "gap before chunk %d", i)
		assert.True(t, bytes.HasPrefix(calls[i].Request.Payload, []byte("fLaC")), "chunk %d carries the FLAC header", i)
		assert.Equal(t, audioformat.EncodingFLAC, calls[i].Request.Config.EncodingCode)
		assert.Equal(t, 16000, calls[i].Request.Config.SampleRateHz)
	}

	assert.Equal(t, "part0 part1 part2", out.Transcript.Text)
	assert.Equal(t, "operations/op-1", out.Chunks[1].Operation)
	assert.Equal(t, []int{0, 1, 2}, out.Transcript.Chunks)

	// each chunk lasted 0.5s
	assert.InDelta(t, 1.0, out.Transcript.Words[2].StartSec, 1e-9)
}

func TestRun_EncodingMismatchRetriesOnceWithAutoDetect(t *testing.T) {
	rec := speechtest.New("fake")
	rec.RecognizeFunc = func(_ context.Context, n int, req speech.Request) (*speech.Submission, error) {
		if req.Config.EncodingCode != audioformat.EncodingUnspecified {
			return nil, pipeerr.New(pipeerr.EncodingMismatch, "sample rate mismatch")
		}
		return speechtest.Sync(speechtest.Timed("objection", 0.5, -1)), nil
	}
	bus := NewEventBus(1000)
	o := newTestOrchestrator(testConfig(), rec)

	out, err := o.Run(context.Background(), Request{
		BatchID:    "b-mp3",
		Source:     audioformat.AudioSource{Data: audiotest.MP3WithID3(64, 4000), FileName: "clip.mp3"},
		Credential: "k",
		Options:    DefaultOptions(),
		Events:     bus,
	})
	require.NoError(t, err)
	assert.Equal(t, Succeeded, out.Status)
	assert.True(t, out.Preprocessed, "ID3 tag stripped")

	calls := rec.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, audioformat.EncodingMP3, calls[0].Request.Config.EncodingCode)
	assert.Equal(t, 44100, calls[0].Request.Config.SampleRateHz)
	assert.Equal(t, audioformat.EncodingUnspecified, calls[1].Request.Config.EncodingCode)
	assert.Zero(t, calls[1].Request.Config.SampleRateHz)

	job := out.Chunks[0]
	assert.Equal(t, 2, job.Attempts)
	assert.Equal(t, audioformat.EncodingUnspecified, job.Encoding)
	assert.Equal(t, 1, countEvents(bus.Since(0), EventFallback))
}

func TestRun_EncodingMismatchNotRetriedTwice(t *testing.T) {
	rec := speechtest.New("fake")
	rec.RecognizeFunc = func(context.Context, int, speech.Request) (*speech.Submission, error) {
		return nil, pipeerr.New(pipeerr.EncodingMismatch, "bad encoding")
	}
	o := newTestOrchestrator(testConfig(), rec)

	out, err := o.Run(context.Background(), Request{
		Source:     audioformat.AudioSource{Data: audiotest.WAV(16000, 2000)},
		Credential: "k",
		Options:    DefaultOptions(),
	})
	require.Error(t, err)
	assert.Equal(t, pipeerr.NoUsableTranscript, pipeerr.KindOf(err))
	assert.Equal(t, Failed, out.Status)
	assert.Len(t, rec.Calls(), 2)
	assert.Equal(t, StateFailed, out.Chunks[0].State)
	assert.Equal(t, pipeerr.EncodingMismatch, out.Chunks[0].LastErrorKind)
}

func TestRun_TransientSubmitRetriedOnce(t *testing.T) {
	rec := speechtest.New("fake")
	rec.RecognizeFunc = func(_ context.Context, n int, _ speech.Request) (*speech.Submission, error) {
		if n == 0 {
			return nil, pipeerr.New(pipeerr.Server, "HTTP 503")
		}
		return speechtest.Sync(speechtest.Timed("recovered", 0.5, -1)), nil
	}
	o := newTestOrchestrator(testConfig(), rec)

	out, err := o.Run(context.Background(), Request{
		Source:     audioformat.AudioSource{Data: audiotest.WAV(16000, 2000)},
		Credential: "k",
		Options:    DefaultOptions(),
	})
	require.NoError(t, err)
	assert.Equal(t, "recovered", out.Transcript.Text)
	assert.Equal(t, 2, out.Chunks[0].Attempts)
}

func TestRun_FatalErrorAbortsBatch(t *testing.T) {
	rec := speechtest.New("fake")
	rec.RecognizeFunc = func(context.Context, int, speech.Request) (*speech.Submission, error) {
		return nil, pipeerr.New(pipeerr.Authentication, "invalid key")
	}
	o := newTestOrchestrator(testConfig(), rec)

	out, err := o.Run(context.Background(), flacRequest(nil))
	require.Error(t, err)
	assert.Equal(t, pipeerr.Authentication, pipeerr.KindOf(err))
	assert.Equal(t, Failed, out.Status)
	assert.Len(t, rec.Calls(), 1, "later chunks are not attempted")
	assert.Equal(t, ActionAbortBatch, out.Chunks[0].NextAction)
	assert.Nil(t, out.Transcript)
}

func TestRun_PartialSuccess(t *testing.T) {
	rec := speechtest.New("fake")
	rec.RecognizeFunc = func(_ context.Context, n int, _ speech.Request) (*speech.Submission, error) {
		if n == 1 {
			return nil, pipeerr.New(pipeerr.UnsupportedFormat, "cannot decode")
		}
		return speechtest.Sync(speechtest.Timed(fmt.Sprintf("part%d", n), 0.5, 1)), nil
	}
	o := newTestOrchestrator(testConfig(), rec)

	out, err := o.Run(context.Background(), flacRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, PartiallySucceeded, out.Status)
	assert.Equal(t, []int{1}, out.FailedChunks)
	assert.Equal(t, "part0 part2", out.Transcript.Text)
	assert.Equal(t, []int{0, 2}, out.Transcript.Chunks)
	assert.Equal(t, 2, out.Transcript.SpeakerCount, "speakers are not matched across chunks")
}

func TestRun_AllChunksFail(t *testing.T) {
	rec := speechtest.New("fake")
	rec.RecognizeFunc = func(context.Context, int, speech.Request) (*speech.Submission, error) {
		return nil, pipeerr.New(pipeerr.PayloadTooLarge, "too large")
	}
	o := newTestOrchestrator(testConfig(), rec)

	out, err := o.Run(context.Background(), flacRequest(nil))
	require.Error(t, err)
	assert.Equal(t, pipeerr.NoUsableTranscript, pipeerr.KindOf(err))
	assert.Equal(t, Failed, out.Status)
	assert.Len(t, out.FailedChunks, len(out.Chunks))
}

func TestRun_CancelDuringPoll(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := speechtest.New("fake")
	rec.RecognizeFunc = func(context.Context, int, speech.Request) (*speech.Submission, error) {
		return &speech.Submission{Operation: "op-1"}, nil
	}
	rec.OperationFunc = func(context.Context, int, string) (*speech.OperationStatus, error) {
		cancel()
		return &speech.OperationStatus{Status: speech.OperationProcessing}, nil
	}
	bus := NewEventBus(1000)
	o := newTestOrchestrator(testConfig(), rec)

	out, err := o.Run(ctx, flacRequest(bus))
	require.Error(t, err)
	assert.Equal(t, pipeerr.Cancelled, pipeerr.KindOf(err))
	assert.Equal(t, Cancelled, out.Status)
	assert.Nil(t, out.Transcript)
	assert.Len(t, rec.Calls(), 1)

	events := bus.Since(0)
	assert.Equal(t, Cancelled, events[len(events)-1].Status)
}

func TestRun_BatchTimeout(t *testing.T) {
	rec := speechtest.New("fake")
	rec.RecognizeFunc = func(context.Context, int, speech.Request) (*speech.Submission, error) {
		return &speech.Submission{Operation: "op-1"}, nil
	}
	rec.OperationFunc = func(context.Context, int, string) (*speech.OperationStatus, error) {
		return &speech.OperationStatus{Status: speech.OperationProcessing}, nil
	}
	cfg := testConfig()
	cfg.BatchTimeout = 50 * time.Millisecond
	cfg.Poll.MaxAttempts = 1_000_000
	o := newTestOrchestrator(cfg, rec)

	out, err := o.Run(context.Background(), flacRequest(nil))
	require.Error(t, err)
	assert.Equal(t, pipeerr.Timeout, pipeerr.KindOf(err))
	assert.Equal(t, Failed, out.Status)
}

func TestRun_PollerTimeoutSkipsChunk(t *testing.T) {
	rec := speechtest.New("fake")
	rec.RecognizeFunc = func(_ context.Context, n int, _ speech.Request) (*speech.Submission, error) {
		if n == 0 {
			return &speech.Submission{Operation: "stuck"}, nil
		}
		return speechtest.Sync(speechtest.Timed("done", 0.5, -1)), nil
	}
	rec.OperationFunc = func(context.Context, int, string) (*speech.OperationStatus, error) {
		return &speech.OperationStatus{Status: speech.OperationQueued}, nil
	}
	cfg := testConfig()
	cfg.Poll.MaxAttempts = 3
	o := newTestOrchestrator(cfg, rec)

	out, err := o.Run(context.Background(), flacRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, PartiallySucceeded, out.Status)
	assert.Equal(t, []int{0}, out.FailedChunks)
	assert.Equal(t, pipeerr.Timeout, out.Chunks[0].LastErrorKind)
}

func TestRun_MemoryBudgetDowngradesToStreaming(t *testing.T) {
	rec := speechtest.New("fake")
	rec.RecognizeFunc = func(_ context.Context, n int, _ speech.Request) (*speech.Submission, error) {
		return speechtest.Sync(speechtest.Timed(fmt.Sprintf("part%d", n), 0.5, -1)), nil
	}
	cfg := testConfig()
	cfg.MemoryBudget = 100 * chunking.KiB
	bus := NewEventBus(1000)
	o := newTestOrchestrator(cfg, rec)

	out, err := o.Run(context.Background(), flacRequest(bus))
	require.NoError(t, err)
	assert.Equal(t, chunking.StrategyStreaming, out.Plan.Strategy)
	assert.Equal(t, "part0 part1 part2", out.Transcript.Text)

	var fallback *Event
	for _, e := range bus.Since(0) {
		if e.Type == EventFallback {
			e := e
			fallback = &e
		}
	}
	require.NotNil(t, fallback)
	assert.Equal(t, string(chunking.StrategyStandard), fallback.From)
	assert.Equal(t, string(chunking.StrategyStreaming), fallback.To)
}

func TestRun_PreprocessFailureFallsBackToDirectUpload(t *testing.T) {
	rec := speechtest.New("fake")
	rec.RecognizeFunc = func(context.Context, int, speech.Request) (*speech.Submission, error) {
		return speechtest.Sync(speechtest.Timed("unknown container", 0.5, -1)), nil
	}
	bus := NewEventBus(1000)
	o := newTestOrchestrator(testConfig(), rec)

	data := audiotest.PCM(5000)
	out, err := o.Run(context.Background(), Request{
		Source:     audioformat.AudioSource{Data: data, FileName: "blob.bin", MIMEType: "application/octet-stream"},
		Credential: "k",
		Options:    DefaultOptions(),
		Events:     bus,
	})
	require.NoError(t, err)
	assert.Equal(t, audioformat.Unknown, out.Format.Container)
	assert.False(t, out.Preprocessed)

	calls := rec.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, data, calls[0].Request.Payload)
	assert.Equal(t, audioformat.EncodingUnspecified, calls[0].Request.Config.EncodingCode)

	var froms []string
	for _, e := range bus.Since(0) {
		if e.Type == EventFallback {
			froms = append(froms, e.From)
		}
	}
	assert.Equal(t, []string{"preprocessed"}, froms)
}

func TestRun_InvalidInput(t *testing.T) {
	tests := []struct {
		name string
		req  Request
	}{
		{"empty file", Request{Credential: "k", Options: DefaultOptions()}},
		{"missing credential", Request{Source: audioformat.AudioSource{Data: []byte("x")}, Options: DefaultOptions()}},
		{"bad language", Request{
			Source: audioformat.AudioSource{Data: []byte("x")}, Credential: "k",
			Options: Options{LanguageCode: "not a language!"},
		}},
		{"speaker bounds", Request{
			Source: audioformat.AudioSource{Data: []byte("x")}, Credential: "k",
			Options: Options{LanguageCode: "en-US", MinSpeakers: 5, MaxSpeakers: 2},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := speechtest.New("fake")
			o := newTestOrchestrator(testConfig(), rec)

			out, err := o.Run(context.Background(), tt.req)
			require.Error(t, err)
			assert.Equal(t, pipeerr.InvalidInput, pipeerr.KindOf(err))
			assert.Equal(t, Failed, out.Status)
			assert.Empty(t, rec.Calls(), "no network call on invalid input")
		})
	}
}

func TestRequestConfig(t *testing.T) {
	flac := audioformat.FormatInfo{Container: audioformat.FLAC, EncodingCode: audioformat.EncodingFLAC, DefaultSampleRateHz: 44100}
	cfg := requestConfig(Options{Phrases: []string{"voir dire"}}, flac)
	assert.Equal(t, 44100, cfg.SampleRateHz)
	assert.Equal(t, DefaultLanguage, cfg.LanguageCode)
	assert.Equal(t, DefaultModel, cfg.Model)
	assert.True(t, cfg.WordTimeOffsets)
	assert.Equal(t, []string{"voir dire"}, cfg.Phrases)
	assert.False(t, cfg.SmartFormat)

	formatted := requestConfig(Options{SmartFormat: true, Utterances: true}, flac)
	assert.True(t, formatted.SmartFormat)
	assert.True(t, formatted.Utterances)
	assert.True(t, DefaultOptions().SmartFormat)
	assert.False(t, DefaultOptions().Utterances)

	unknown := requestConfig(DefaultOptions(), audioformat.FormatInfo{Container: audioformat.Unknown, EncodingCode: audioformat.EncodingUnspecified, DefaultSampleRateHz: 16000})
	assert.Zero(t, unknown.SampleRateHz)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultInterChunkDelay, cfg.InterChunkDelay)
	assert.Equal(t, DefaultBatchTimeout, cfg.BatchTimeout)
	assert.Equal(t, speech.StandardProfile, cfg.Poll)
	assert.Equal(t, DefaultMemoryBudget, cfg.MemoryBudget)

	cfg = Config{InterChunkDelay: -1}.withDefaults()
	assert.Zero(t, cfg.InterChunkDelay)
}

func TestRun_StreamingProgressUsesExactChunkCount(t *testing.T) {
	rec := speechtest.New("fake")
	rec.RecognizeFunc = func(_ context.Context, n int, _ speech.Request) (*speech.Submission, error) {
		return speechtest.Sync(speechtest.Timed(fmt.Sprintf("part%d", n), 0.5, -1)), nil
	}
	cfg := testConfig()
	cfg.Planner.StreamingThreshold = 1
	bus := NewEventBus(1000)
	o := newTestOrchestrator(cfg, rec)

	// exactly three 64 KiB chunks of raw bytes, plus replicated headers
	data := audiotest.WAV(16000, 3*64*chunking.KiB-44)
	require.Equal(t, 3, chunking.Plan(int64(len(data)), audioformat.FormatInfo{Container: audioformat.WAV}, cfg.Planner).ChunkCount)

	out, err := o.Run(context.Background(), Request{
		BatchID:    "b-stream",
		Source:     audioformat.AudioSource{Data: data, FileName: "long.wav"},
		Credential: "k",
		Options:    DefaultOptions(),
		Events:     bus,
	})
	require.NoError(t, err)
	assert.Equal(t, chunking.StrategyStreaming, out.Plan.Strategy)
	require.Len(t, out.Chunks, 4)
	assert.Equal(t, 4, out.Plan.ChunkCount)
	assert.Len(t, rec.Calls(), 4)

	events := bus.Since(0)
	prev := -1.0
	for _, e := range events {
		if e.Type != EventProgress {
			continue
		}
		assert.GreaterOrEqual(t, e.Overall, prev)
		prev = e.Overall
		if e.ChunkIndex < 3 {
			assert.Less(t, e.Overall, 100.0, "chunk %d must not report completion", e.ChunkIndex)
		}
	}
	assert.Equal(t, 100.0, prev)
	assert.Equal(t, EventOutcome, events[len(events)-1].Type)
}

func TestOverallMarkNeverRegresses(t *testing.T) {
	m := &overallMark{}
	assert.Equal(t, 40.0, m.raise(40, false))
	assert.Equal(t, 40.0, m.raise(25, false))
	assert.Equal(t, maxInterimOverall, m.raise(120, false))
	assert.Equal(t, 100.0, m.raise(120, true))
}

func TestRun_PayloadAboveCeilingIsNotSent(t *testing.T) {
	rec := speechtest.New("fake")
	cfg := testConfig()
	// the planner falls back to 64 KiB chunks, which encode far above a 1 KiB ceiling
	cfg.Planner = chunking.PlannerConfig{PayloadCeiling: chunking.KiB, ExpansionFactor: 1.33, SafetyMargin: chunking.MinSafetyMargin}
	bus := NewEventBus(1000)
	o := newTestOrchestrator(cfg, rec)

	out, err := o.Run(context.Background(), Request{
		BatchID:    "b-big",
		Source:     audioformat.AudioSource{Data: audiotest.WAV(16000, 32000), FileName: "short.wav"},
		Credential: "k",
		Options:    DefaultOptions(),
		Events:     bus,
	})
	require.Error(t, err)
	assert.Equal(t, pipeerr.NoUsableTranscript, pipeerr.KindOf(err))
	assert.Empty(t, rec.Calls(), "oversized payloads never reach the service")

	require.Len(t, out.Chunks, 1)
	assert.Equal(t, pipeerr.PayloadTooLarge, out.Chunks[0].LastErrorKind)
	assert.Equal(t, StateFailed, out.Chunks[0].State)
	assert.Equal(t, []int{0}, out.FailedChunks)
	assert.Equal(t, 1, countEvents(bus.Since(0), EventError))
}
