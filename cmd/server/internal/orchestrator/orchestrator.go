// Package orchestrator drives one audio file through detection, chunking, recognition
// and merging, and reports every step as a structured event.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/houzhh15/lexscribe/cmd/server/internal/orchestrator/audioformat"
	"github.com/houzhh15/lexscribe/cmd/server/internal/orchestrator/chunking"
	"github.com/houzhh15/lexscribe/cmd/server/internal/orchestrator/pipeerr"
	"github.com/houzhh15/lexscribe/cmd/server/internal/orchestrator/speech"
	"github.com/houzhh15/lexscribe/cmd/server/internal/orchestrator/transcript"
	"github.com/houzhh15/lexscribe/pkg/logger"
	"github.com/houzhh15/lexscribe/pkg/metrics"
)

// Batch defaults.
const (
	DefaultInterChunkDelay = 500 * time.Millisecond
	DefaultBatchTimeout    = 20 * time.Minute
	DefaultRetryBackoff    = 2 * time.Second
	DefaultModel           = "latest_long"
	DefaultLanguage        = "en-US"
)

// DefaultMemoryBudget caps materialised STANDARD payloads.
const DefaultMemoryBudget int64 = 256 * chunking.MiB

// Chunk progress shares: upload fills 0-30, submission marks 30, polling fills 30-100.
const (
	uploadShare    = 30.0
	submittedMark  = 30.0
	progressStepPt = 1.0

	// maxInterimOverall caps overall progress until the last chunk completes.
	maxInterimOverall = 99.9
)

// Config holds runtime adjustable parameters of the pipeline.
type Config struct {
	Planner chunking.PlannerConfig `json:"planner" yaml:"planner"`

	// MemoryBudget caps the payload bytes materialised up front for STANDARD plans
	MemoryBudget int64 `json:"memory_budget_bytes" yaml:"memory_budget_bytes"`

	// InterChunkDelay separates consecutive chunk submissions; negative disables it
	InterChunkDelay time.Duration `json:"inter_chunk_delay" yaml:"inter_chunk_delay"`

	// BatchTimeout is the wall clock budget of one file
	BatchTimeout time.Duration `json:"batch_timeout" yaml:"batch_timeout"`

	// RetryBackoff is the wait before retrying a transient submit failure
	RetryBackoff time.Duration `json:"retry_backoff" yaml:"retry_backoff"`

	Poll speech.PollProfile `json:"poll" yaml:"poll"`

	// SkipPreprocess uploads the file exactly as received
	SkipPreprocess bool `json:"skip_preprocess" yaml:"skip_preprocess"`
}

// DefaultConfig returns production settings.
func DefaultConfig() Config {
	return Config{
		Planner:         chunking.DefaultPlannerConfig(),
		MemoryBudget:    DefaultMemoryBudget,
		InterChunkDelay: DefaultInterChunkDelay,
		BatchTimeout:    DefaultBatchTimeout,
		RetryBackoff:    DefaultRetryBackoff,
		Poll:            speech.StandardProfile,
	}
}

func (c Config) withDefaults() Config {
	if c.MemoryBudget <= 0 {
		c.MemoryBudget = DefaultMemoryBudget
	}
	switch {
	case c.InterChunkDelay == 0:
		c.InterChunkDelay = DefaultInterChunkDelay
	case c.InterChunkDelay < 0:
		c.InterChunkDelay = 0
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = DefaultBatchTimeout
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	if c.Poll.Name == "" && c.Poll.Initial == 0 {
		c.Poll = speech.StandardProfile
	}
	return c
}

// Options are the per-batch recognition options chosen by the caller.
type Options struct {
	LanguageCode    string   `json:"language_code" form:"language"`
	Model           string   `json:"model" form:"model"`
	Punctuate       bool     `json:"punctuate" form:"punctuate"`
	Diarize         bool     `json:"diarize" form:"diarize"`
	MinSpeakers     int      `json:"min_speakers,omitempty" form:"min_speakers"`
	MaxSpeakers     int      `json:"max_speakers,omitempty" form:"max_speakers"`
	ProfanityFilter bool     `json:"profanity_filter" form:"profanity_filter"`
	Phrases         []string `json:"phrases,omitempty" form:"phrases"`
	// SmartFormat 让服务端格式化数字、日期等
	SmartFormat bool `json:"smart_format" form:"smart_format"`
	// Utterances 请求按说话人切分的语句段
	Utterances bool `json:"utterances" form:"utterances"`
}

// DefaultOptions returns the options used for courtroom recordings.
func DefaultOptions() Options {
	return Options{
		LanguageCode: DefaultLanguage,
		Model:        DefaultModel,
		Punctuate:    true,
		Diarize:      true,
		SmartFormat:  true,
	}
}

// Request is one file to transcribe. The credential is used for this batch only.
type Request struct {
	BatchID    string
	Source     audioformat.AudioSource
	Credential string
	Options    Options

	// Events receives stage, chunk, progress, fallback and outcome events; may be nil
	Events EventSink
}

// Status is the terminal state of a batch.
type Status string

const (
	Succeeded          Status = "succeeded"
	PartiallySucceeded Status = "partially_succeeded"
	Failed             Status = "failed"
	Cancelled          Status = "cancelled"
)

// RawResponse is one undecoded service response kept for audit.
type RawResponse struct {
	ChunkIndex int             `json:"chunk_index"`
	Attempt    int             `json:"attempt"`
	Body       json.RawMessage `json:"body"`
}

// Outcome is the structured result of Run.
type Outcome struct {
	BatchID      string                 `json:"batch_id"`
	FileName     string                 `json:"file_name"`
	Status       Status                 `json:"status"`
	Format       audioformat.FormatInfo `json:"format"`
	Plan         chunking.ChunkPlan     `json:"plan"`
	Preprocessed bool                   `json:"preprocessed"`

	// Transcript is set for Succeeded and PartiallySucceeded
	Transcript   *transcript.Merged `json:"transcript,omitempty"`
	FailedChunks []int              `json:"failed_chunks,omitempty"`
	Error        *pipeerr.Error     `json:"error,omitempty"`

	Chunks       []ChunkJob    `json:"chunks"`
	RawResponses []RawResponse `json:"-"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// ChunkAudit is one audit record per chunk attempt. It never carries the credential.
type ChunkAudit struct {
	Timestamp     time.Time    `json:"timestamp"`
	BatchID       string       `json:"batch_id"`
	FileName      string       `json:"file_name"`
	ChunkIndex    int          `json:"chunk_index"`
	Attempt       int          `json:"attempt"`
	Recognizer    string       `json:"recognizer"`
	Encoding      string       `json:"encoding"`
	State         ChunkState   `json:"state"`
	ErrorKind     pipeerr.Kind `json:"error_kind,omitempty"`
	DurationMs    int64        `json:"duration_ms"`
	PayloadBytes  int          `json:"payload_bytes"`
	ResponseBytes int          `json:"response_bytes"`
}

// AuditSink persists chunk audit records.
type AuditSink interface {
	RecordChunk(rec ChunkAudit)
}

// RecognizerProvider hands out the recognizer for the next chunk.
// The degradation controller implements it to switch endpoints mid-batch.
type RecognizerProvider interface {
	GetRecognizer() speech.Recognizer
}

// StaticProvider always returns the same recognizer.
type StaticProvider struct {
	Recognizer speech.Recognizer
}

// GetRecognizer implements RecognizerProvider.
func (p StaticProvider) GetRecognizer() speech.Recognizer { return p.Recognizer }

// Orchestrator runs batches. It is safe for concurrent use; each Run is independent.
type Orchestrator struct {
	cfg      Config
	provider RecognizerProvider
	poller   *speech.Poller
	audit    AuditSink
	log      *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.log = l
		}
	}
}

// WithAuditSink records every chunk attempt.
func WithAuditSink(a AuditSink) Option {
	return func(o *Orchestrator) { o.audit = a }
}

// New creates an orchestrator. Zero Config fields take their defaults.
func New(cfg Config, provider RecognizerProvider, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:      cfg.withDefaults(),
		provider: provider,
		log:      logger.L(),
		sleep:    sleepCtx,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.poller = speech.NewPoller(o.cfg.Poll, o.log)
	return o
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config { return o.cfg }

// Run transcribes one file. It always returns an Outcome; the error is non-nil
// exactly when the outcome is Failed or Cancelled.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Outcome, error) {
	metrics.BatchStarted()
	defer metrics.BatchFinished()

	em := emitter{batchID: req.BatchID, sink: req.Events}
	out := &Outcome{BatchID: req.BatchID, FileName: req.Source.FileName, StartedAt: time.Now()}
	log := o.log.With("batch", req.BatchID, "file", req.Source.FileName)

	em.stage(StageValidate, "")
	if err := o.validate(req); err != nil {
		return o.finish(out, em, log, Failed, err)
	}

	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, o.cfg.BatchTimeout)
	defer cancel()

	em.stage(StageDetect, "")
	src := req.Source
	info := audioformat.Detect(src)
	out.Format = info
	log.Info("format detected",
		"container", info.Container, "encoding", info.EncodingCode, "by", info.DetectedBy, "size", src.Size())

	if !o.cfg.SkipPreprocess {
		em.stage(StagePreprocess, "")
		next, nextInfo, perr := audioformat.Preprocess(src, info)
		if perr != nil {
			log.Warn("preprocessing failed, uploading file unmodified", "error", perr)
			metrics.RecordFallbackEvent("preprocessed", "direct_upload")
			em.fallback(-1, "preprocessed", "direct_upload", perr.Error())
		} else {
			out.Preprocessed = next.Size() != src.Size()
			src, info = next, nextInfo
			out.Format = info
		}
	}
	recCfg := requestConfig(req.Options, info)

	em.stage(StagePlan, "")
	plan := chunking.Plan(src.Size(), info, o.cfg.Planner)
	out.Plan = plan
	log.Info("chunk plan", "strategy", plan.Strategy, "chunks", plan.ChunkCount, "chunk_bytes", plan.ChunkByteCeiling)

	em.stage(StageChunk, string(plan.Strategy))
	chunks, total, err := o.produce(src, info, &plan, em, log)
	out.Plan = plan
	if err != nil {
		return o.finish(out, em, log, Failed, err)
	}

	em.stage(StageTranscribe, "")
	var fragments []transcript.Fragment
	done := 0
	overall := &overallMark{}
	for {
		if ctx.Err() != nil {
			return o.abort(out, em, log, parent, ctx.Err())
		}
		chunk, ok := chunks.NextChunk()
		if !ok {
			break
		}
		if done > 0 && o.cfg.InterChunkDelay > 0 {
			if err := o.sleep(ctx, o.cfg.InterChunkDelay); err != nil {
				return o.abort(out, em, log, parent, err)
			}
		}

		job, frag, cerr := o.processChunk(ctx, req, out, info, recCfg, chunk, &progressTracker{
			em: em, done: done, total: max(total, done+1), overall: overall,
		})
		out.Chunks = append(out.Chunks, *job)
		done++

		if cerr == nil {
			fragments = append(fragments, *frag)
			continue
		}
		if ctx.Err() != nil {
			return o.abort(out, em, log, parent, ctx.Err())
		}
		if job.NextAction == ActionAbortBatch {
			return o.finish(out, em, log, Failed, cerr)
		}
		out.FailedChunks = append(out.FailedChunks, job.Index)
	}

	em.stage(StageMerge, "")
	merged, err := transcript.Merge(fragments, transcript.Options{BytesPerSecond: info.BytesPerSecond()})
	if err != nil {
		metrics.RecordChunkProcessed("merge", false)
		return o.finish(out, em, log, Failed, err)
	}
	metrics.RecordChunkProcessed("merge", true)
	out.Transcript = merged

	if len(out.FailedChunks) > 0 {
		return o.finish(out, em, log, PartiallySucceeded, nil)
	}
	return o.finish(out, em, log, Succeeded, nil)
}

// validate checks caller input before any work is done.
func (o *Orchestrator) validate(req Request) error {
	if len(req.Source.Data) == 0 {
		return pipeerr.New(pipeerr.InvalidInput, "empty audio file")
	}
	if strings.TrimSpace(req.Credential) == "" {
		return pipeerr.New(pipeerr.InvalidInput, "missing API credential")
	}
	if o.provider == nil {
		return pipeerr.New(pipeerr.InvalidInput, "no speech recognizer configured")
	}
	return speech.ValidateConfig(requestConfig(req.Options, audioformat.FormatInfo{}))
}

// requestConfig derives the recognition config. WAV headers carry the sample rate,
// so it is only sent for headerless encodings.
func requestConfig(opts Options, info audioformat.FormatInfo) speech.Config {
	cfg := speech.Config{
		EncodingCode:    info.EncodingCode,
		SampleRateHz:    info.DefaultSampleRateHz,
		LanguageCode:    opts.LanguageCode,
		Model:           opts.Model,
		Punctuate:       opts.Punctuate,
		Diarize:         opts.Diarize,
		MinSpeakers:     opts.MinSpeakers,
		MaxSpeakers:     opts.MaxSpeakers,
		WordTimeOffsets: true,
		ProfanityFilter: opts.ProfanityFilter,
		Phrases:         opts.Phrases,
		SmartFormat:     opts.SmartFormat,
		Utterances:      opts.Utterances,
	}
	if cfg.LanguageCode == "" {
		cfg.LanguageCode = DefaultLanguage
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if info.Container == audioformat.WAV || cfg.EncodingCode == "" || cfg.EncodingCode == audioformat.EncodingUnspecified {
		cfg.SampleRateHz = 0
	}
	if cfg.EncodingCode == "" {
		cfg.EncodingCode = audioformat.EncodingUnspecified
	}
	return cfg
}

// produce builds the chunk source for the plan. A STANDARD plan whose payloads do not fit
// the memory budget is downgraded to STREAMING and chunking restarts from the beginning.
func (o *Orchestrator) produce(src audioformat.AudioSource, info audioformat.FormatInfo, plan *chunking.ChunkPlan,
	em emitter, log *slog.Logger) (chunking.Source, int, error) {
	it, err := chunking.NewIterator(src, info, plan.ChunkByteCeiling, log)
	if err != nil {
		return nil, 0, err
	}
	if plan.Strategy != chunking.StrategyStandard {
		return o.streamed(src, info, plan, it, log)
	}

	list, err := chunking.Materialize(it, o.cfg.MemoryBudget)
	if err == nil {
		plan.ChunkCount = list.Len()
		return list, list.Len(), nil
	}
	if !errors.Is(err, chunking.ErrMemoryBudget) {
		return nil, 0, pipeerr.Wrap(pipeerr.Unknown, "chunking failed", err)
	}

	*plan = plan.Downgrade()
	log.Warn("chunk payloads exceed memory budget, streaming instead", "budget", o.cfg.MemoryBudget)
	metrics.RecordFallbackEvent(string(chunking.StrategyStandard), string(chunking.StrategyStreaming))
	em.fallback(-1, string(chunking.StrategyStandard), string(chunking.StrategyStreaming), err.Error())

	it, err = chunking.NewIterator(src, info, plan.ChunkByteCeiling, log)
	if err != nil {
		return nil, 0, err
	}
	return o.streamed(src, info, plan, it, log)
}

// streamed counts the chunks of a lazy iterator up front so progress has an exact denominator.
func (o *Orchestrator) streamed(src audioformat.AudioSource, info audioformat.FormatInfo, plan *chunking.ChunkPlan,
	it *chunking.ChunkIterator, log *slog.Logger) (chunking.Source, int, error) {
	n, err := chunking.Count(src, info, plan.ChunkByteCeiling, logger.Discard())
	if err != nil {
		return nil, 0, err
	}
	if n != plan.ChunkCount {
		log.Debug("chunk count differs from estimate", "estimate", plan.ChunkCount, "chunks", n)
	}
	plan.ChunkCount = n
	return it, n, nil
}

// processChunk runs one chunk through the retry state machine.
func (o *Orchestrator) processChunk(ctx context.Context, req Request, out *Outcome, info audioformat.FormatInfo,
	cfg speech.Config, chunk chunking.Chunk, tracker *progressTracker) (*ChunkJob, *transcript.Fragment, error) {
	spec := chunk.Spec
	job := newChunkJob(spec.Index, spec.Start, spec.End, len(chunk.Payload), spec.Degraded, cfg.EncodingCode)
	job.autoDetectTried = cfg.EncodingCode == audioformat.EncodingUnspecified
	tracker.job = job
	em := tracker.em
	tracker.chunkEvent("")

	var expectedSec float64
	if bps := info.BytesPerSecond(); bps > 0 {
		expectedSec = float64(spec.Len()) / bps
	}

	for {
		job.Attempts++
		rec := o.provider.GetRecognizer()
		job.Recognizer = rec.Name()
		started := time.Now()

		res, raw, err := o.attempt(ctx, rec, req, job, cfg, chunk.Payload, out.Plan.Strategy == chunking.StrategySingle, expectedSec, tracker)
		dur := time.Since(started)
		if len(raw) > 0 {
			out.RawResponses = append(out.RawResponses, RawResponse{ChunkIndex: job.Index, Attempt: job.Attempts, Body: raw})
		}

		if err == nil {
			_ = tracker.transition(StateCompleted)
			tracker.set(100)
			tracker.chunkEvent("")
			o.record(req, job, dur, len(raw))
			logger.LogChunkProcessing(o.log, "chunk", "success", job.Index, dur.Milliseconds(), "")
			metrics.RecordChunkProcessed("poll", true)
			metrics.RecordChunkDuration("chunk", dur.Seconds())
			return job, &transcript.Fragment{
				ChunkIndex: job.Index,
				Text:       res.Text,
				Words:      res.Words,
				ByteLength: spec.Len(),
			}, nil
		}

		err = pipeerr.ForChunk(err, job.Index)
		stage := "upload"
		if job.State == StatePolling {
			stage = "poll"
		}
		action := job.fail(err)
		if ctx.Err() != nil {
			action = ActionAbortBatch
			job.NextAction = action
		}
		o.record(req, job, dur, len(raw))
		metrics.RecordChunkError(stage, string(job.LastErrorKind))
		em.failure(job.Index, err)

		switch action {
		case ActionRetryAutoDetect:
			job.autoDetectTried = true
			metrics.RecordFallbackEvent("declared_encoding", "auto_detect")
			em.fallback(job.Index, cfg.EncodingCode, audioformat.EncodingUnspecified, err.Error())
			logger.LogChunkProcessing(o.log, "chunk", "retry", job.Index, dur.Milliseconds(), string(job.LastErrorKind))
			cfg.EncodingCode = audioformat.EncodingUnspecified
			cfg.SampleRateHz = 0
			job.Encoding = cfg.EncodingCode
			continue

		case ActionRetryAfterBackoff:
			job.backoffTried = true
			logger.LogChunkProcessing(o.log, "chunk", "retry", job.Index, dur.Milliseconds(), string(job.LastErrorKind))
			if serr := o.sleep(ctx, o.cfg.RetryBackoff); serr == nil {
				continue
			}
			job.NextAction = ActionAbortBatch
		}

		_ = tracker.transition(StateFailed)
		tracker.chunkEvent(err.Error())
		logger.LogChunkProcessing(o.log, "chunk", "error", job.Index, dur.Milliseconds(), string(job.LastErrorKind))
		metrics.RecordChunkProcessed(stage, false)
		return job, nil, err
	}
}

// attempt submits the payload once and waits for the result.
// A whole file planned as SINGLE is always sent synchronously.
func (o *Orchestrator) attempt(ctx context.Context, rec speech.Recognizer, req Request, job *ChunkJob, cfg speech.Config,
	payload []byte, syncOnly bool, expectedSec float64, tracker *progressTracker) (*speech.Result, []byte, error) {
	if err := tracker.transition(StateUploading); err != nil {
		return nil, nil, pipeerr.Wrap(pipeerr.Unknown, "chunk state", err)
	}
	tracker.chunkEvent("")

	if n := int64(len(payload)); !o.cfg.Planner.Fits(n) {
		return nil, nil, pipeerr.New(pipeerr.PayloadTooLarge, fmt.Sprintf("chunk payload of %d bytes encodes to %d, above the %d byte limit",
			n, o.cfg.Planner.EncodedSize(n), o.cfg.Planner.PayloadLimit()))
	}

	sub, err := rec.Recognize(ctx, speech.Request{
		Payload:    payload,
		Config:     cfg,
		Credential: req.Credential,
		Sync:       syncOnly,
		OnUpload:   func(p float64) { tracker.set(p / 100 * uploadShare) },
	})
	if err != nil {
		return nil, nil, err
	}
	metrics.RecordChunkProcessed("upload", true)

	_ = tracker.transition(StateSubmitted)
	tracker.set(submittedMark)
	tracker.chunkEvent("")
	if sub.Result != nil {
		return sub.Result, sub.Raw, nil
	}
	if sub.Operation == "" {
		return nil, sub.Raw, pipeerr.New(pipeerr.Server, "service returned neither a result nor an operation")
	}

	job.Operation = sub.Operation
	_ = tracker.transition(StatePolling)
	tracker.chunkEvent("")

	res, raw, err := o.poller.Wait(ctx, rec, speech.PollRequest{
		Handle:              sub.Operation,
		Credential:          req.Credential,
		ChunkIndex:          job.Index,
		ExpectedDurationSec: expectedSec,
		OnProgress:          func(p float64) { tracker.set(submittedMark + p/100*(100-submittedMark)) },
	})
	if len(raw) == 0 {
		raw = sub.Raw
	}
	return res, raw, err
}

func (o *Orchestrator) record(req Request, job *ChunkJob, dur time.Duration, responseBytes int) {
	if o.audit == nil {
		return
	}
	o.audit.RecordChunk(ChunkAudit{
		Timestamp:     time.Now().UTC(),
		BatchID:       req.BatchID,
		FileName:      req.Source.FileName,
		ChunkIndex:    job.Index,
		Attempt:       job.Attempts,
		Recognizer:    job.Recognizer,
		Encoding:      job.Encoding,
		State:         job.State,
		ErrorKind:     job.LastErrorKind,
		DurationMs:    dur.Milliseconds(),
		PayloadBytes:  job.PayloadBytes,
		ResponseBytes: responseBytes,
	})
}

// abort ends the batch after its context ended. Caller cancellation is Cancelled;
// the batch deadline is Timeout.
func (o *Orchestrator) abort(out *Outcome, em emitter, log *slog.Logger, parent context.Context, cause error) (*Outcome, error) {
	kind := pipeerr.Timeout
	if perr := parent.Err(); perr != nil {
		kind = pipeerr.KindOf(perr)
		cause = perr
	}
	if kind == pipeerr.Cancelled {
		return o.finish(out, em, log, Cancelled, pipeerr.Wrap(pipeerr.Cancelled, "batch cancelled", cause))
	}
	return o.finish(out, em, log, Failed,
		pipeerr.Wrap(pipeerr.Timeout, fmt.Sprintf("batch exceeded %s", o.cfg.BatchTimeout), cause))
}

func (o *Orchestrator) finish(out *Outcome, em emitter, log *slog.Logger, status Status, err error) (*Outcome, error) {
	out.Status = status
	out.FinishedAt = time.Now()
	metrics.RecordBatchOutcome(string(status))

	ev := Event{Type: EventOutcome, ChunkIndex: -1, Status: status}
	if status == Succeeded || status == PartiallySucceeded {
		ev.Overall = 100
	}
	if err != nil {
		var pe *pipeerr.Error
		if !errors.As(err, &pe) {
			pe = pipeerr.Wrap(pipeerr.KindOf(err), "batch failed", err)
		}
		out.Error = pe
		out.Transcript = nil
		ev.Kind = pe.Kind
		ev.Message = pe.Error()
		log.Error("batch finished", "status", status, "kind", pe.Kind, "error", pe,
			"duration_ms", out.FinishedAt.Sub(out.StartedAt).Milliseconds())
		em.emit(ev)
		return out, pe
	}

	log.Info("batch finished", "status", status, "chunks", len(out.Chunks), "failed_chunks", out.FailedChunks,
		"duration_ms", out.FinishedAt.Sub(out.StartedAt).Milliseconds())
	em.emit(ev)
	return out, nil
}

// overallMark is the batch-wide high-water mark of overall progress.
type overallMark struct {
	mu   sync.Mutex
	high float64
}

// raise returns the non-decreasing overall value to report for p.
// 100 is only reported once the last chunk has completed.
func (m *overallMark) raise(p float64, final bool) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !final {
		p = min(p, maxInterimOverall)
	}
	if p > m.high {
		m.high = min(p, 100)
	}
	return m.high
}

// progressTracker forwards monotonic chunk progress as throttled progress events.
// Upload progress may arrive from the transport goroutine.
type progressTracker struct {
	mu       sync.Mutex
	job      *ChunkJob
	em       emitter
	done     int
	total    int
	lastSent float64
	overall  *overallMark
}

func (t *progressTracker) set(p float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.job == nil || !t.job.SetProgress(p) {
		return
	}
	cur := t.job.Progress
	if cur-t.lastSent < progressStepPt && cur != submittedMark && cur != 100 {
		return
	}
	t.lastSent = cur
	overall := (float64(t.done) + cur/100) / float64(t.total) * 100
	if t.overall != nil {
		overall = t.overall.raise(overall, t.done+1 >= t.total && cur == 100)
	}
	t.em.emit(Event{
		Type:          EventProgress,
		ChunkIndex:    t.job.Index,
		State:         t.job.State,
		ChunkProgress: cur,
		Overall:       min(overall, 100),
	})
}

func (t *progressTracker) transition(to ChunkState) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.job.Transition(to)
}

func (t *progressTracker) chunkEvent(message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.em.chunk(t.job, message)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
