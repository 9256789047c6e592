package speech

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/houzhh15/lexscribe/cmd/server/internal/orchestrator/pipeerr"
	"github.com/houzhh15/lexscribe/pkg/logger"
	"github.com/houzhh15/lexscribe/pkg/metrics"
)

// PollProfile controls the polling cadence of one operation.
type PollProfile struct {
	Name        string        `json:"name" yaml:"name"`
	Initial     time.Duration `json:"initial" yaml:"initial"`
	Max         time.Duration `json:"max" yaml:"max"`
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts"`
}

var (
	// StandardProfile suits chunks of a few minutes.
	StandardProfile = PollProfile{Name: "standard", Initial: time.Second, Max: 10 * time.Second, MaxAttempts: 600}
	// PatientProfile suits long chunks on a busy service.
	PatientProfile = PollProfile{Name: "patient", Initial: 5 * time.Second, Max: time.Minute, MaxAttempts: 300}
)

const (
	queuedMultiplier = 1.5
	processingFloor  = time.Second

	// wordsPerSecond estimates speech density for word-count based progress.
	wordsPerSecond = 2.5
	maxPollPercent = 99.9
)

// ProfileByName resolves "standard" or "patient".
func ProfileByName(name string) (PollProfile, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "standard":
		return StandardProfile, nil
	case "patient":
		return PatientProfile, nil
	}
	return PollProfile{}, fmt.Errorf("unknown poll profile %q (want standard or patient)", name)
}

// PollRequest describes one operation to wait for.
type PollRequest struct {
	Handle     string
	Credential string
	ChunkIndex int

	// ExpectedDurationSec is the estimated audio length of the chunk; 0 when unknown
	ExpectedDurationSec float64

	// OnProgress receives poll progress in [0, 99.9]; it never decreases. May be nil.
	OnProgress ProgressFunc
}

// Poller waits for long-running operations.
type Poller struct {
	profile PollProfile
	sleep   func(ctx context.Context, d time.Duration) error
	log     *slog.Logger
}

// NewPoller creates a poller with the given profile.
func NewPoller(profile PollProfile, log *slog.Logger) *Poller {
	if profile.Initial <= 0 {
		profile.Initial = StandardProfile.Initial
	}
	if profile.Max < profile.Initial {
		profile.Max = profile.Initial
	}
	if profile.MaxAttempts <= 0 {
		profile.MaxAttempts = StandardProfile.MaxAttempts
	}
	if log == nil {
		log = logger.L()
	}
	return &Poller{profile: profile, sleep: sleepCtx, log: log}
}

// Profile returns the effective profile.
func (p *Poller) Profile() PollProfile { return p.profile }

// Wait polls until the operation completes, fails, runs out of attempts (Timeout)
// or ctx ends (Cancelled, or Timeout when ctx hit its deadline).
// Throttled polls (Quota) stretch the interval and do not use up attempts.
func (p *Poller) Wait(ctx context.Context, rec Recognizer, req PollRequest) (*Result, []byte, error) {
	interval := p.profile.Initial
	floor := min(processingFloor, p.profile.Initial)
	last := -1.0
	report := func(v float64) {
		v = clampProgress(v)
		if v > last {
			last = v
			if req.OnProgress != nil {
				req.OnProgress(v)
			}
		}
	}
	report(0)

	attempts := 0
	for attempts < p.profile.MaxAttempts {
		if err := p.sleep(ctx, interval); err != nil {
			return nil, nil, pipeerr.Wrap(pipeerr.KindOf(err), "polling stopped", err)
		}

		st, err := rec.GetOperation(ctx, req.Credential, req.Handle)
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, pipeerr.Wrap(pipeerr.KindOf(ctx.Err()), "polling stopped", ctx.Err())
			}
			kind := pipeerr.KindOf(err)
			switch {
			case kind == pipeerr.Quota:
				metrics.RecordPollAttempt("throttled")
				interval = p.grow(interval)
				p.log.Warn("operation poll throttled", "chunk", req.ChunkIndex, "next_interval", interval)
				continue
			case pipeerr.IsTransient(kind):
				attempts++
				metrics.RecordPollAttempt("transient_error")
				p.log.Warn("operation poll failed, retrying",
					"chunk", req.ChunkIndex, "attempt", attempts, "error", err)
				continue
			default:
				metrics.RecordPollAttempt("error")
				return nil, nil, err
			}
		}

		attempts++
		metrics.RecordPollAttempt(st.Status)
		switch st.Status {
		case OperationCompleted:
			if st.Result == nil {
				st.Result = &Result{}
			}
			return st.Result, st.Raw, nil
		case OperationError:
			return nil, st.Raw, ClassifyOperationError(st.Error)
		case OperationQueued:
			interval = p.grow(interval)
		default:
			interval = max(interval/2, floor)
		}
		report(estimateProgress(st, req.ExpectedDurationSec))
	}

	return nil, nil, pipeerr.New(pipeerr.Timeout,
		fmt.Sprintf("operation %s not finished after %d attempts", req.Handle, p.profile.MaxAttempts))
}

func (p *Poller) grow(d time.Duration) time.Duration {
	return min(time.Duration(float64(d)*queuedMultiplier), p.profile.Max)
}

// estimateProgress prefers an explicit percentage, then processed/total audio seconds,
// then words seen against the words expected for the chunk duration.
func estimateProgress(st *OperationStatus, expectedSec float64) float64 {
	switch {
	case st.PercentComplete != nil:
		return *st.PercentComplete
	case st.TotalSeconds > 0:
		return st.ProcessedSeconds / st.TotalSeconds * 100
	case expectedSec > 0 && st.WordsSoFar > 0:
		return float64(st.WordsSoFar) / (expectedSec * wordsPerSecond) * 100
	}
	return 0
}

func clampProgress(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > maxPollPercent {
		return maxPollPercent
	}
	return v
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
