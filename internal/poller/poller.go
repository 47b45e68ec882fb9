package poller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"ebitools-gateway/internal/ebi"
	"ebitools-gateway/internal/metrics"
	"ebitools-gateway/pkg/logging/logging"
)

// State is a step of one polling session.
type State int

const (
	Submitting State = iota
	Waiting
	Checking
	Done
	Failed
	Exhausted
	SubmitError
	TransportError
	Canceled
)

func (s State) String() string {
	switch s {
	case Submitting:
		return "SUBMITTING"
	case Waiting:
		return "WAITING"
	case Checking:
		return "CHECKING"
	case Done:
		return "DONE"
	case Failed:
		return "FAILED"
	case Exhausted:
		return "EXHAUSTED"
	case SubmitError:
		return "SUBMIT_ERROR"
	case TransportError:
		return "TRANSPORT_ERROR"
	case Canceled:
		return "CANCELED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether a session ends in s.
func (s State) Terminal() bool {
	return s >= Done
}

const (
	DefaultBaseInterval      = time.Second
	DefaultStep              = time.Second
	DefaultBackoffLimit      = 5 * time.Second
	DefaultAttemptsThreshold = 100
)

type Config struct {
	// BaseInterval is the wait before the first status check.
	BaseInterval time.Duration
	// Step is added to the wait after every unfinished check.
	Step time.Duration
	// BackoffLimit caps the wait.
	BackoffLimit time.Duration
	// AttemptsThreshold is the number of status checks after which a job
	// that is still running is given up on.
	AttemptsThreshold int
}

func (c Config) WithDefaults() Config {
	out := c
	if out.BaseInterval <= 0 {
		out.BaseInterval = DefaultBaseInterval
	}
	if out.Step <= 0 {
		out.Step = DefaultStep
	}
	if out.BackoffLimit <= 0 {
		out.BackoffLimit = DefaultBackoffLimit
	}
	if out.AttemptsThreshold <= 0 {
		out.AttemptsThreshold = DefaultAttemptsThreshold
	}
	return out
}

func (c Config) Validate() error {
	if c.BackoffLimit < c.BaseInterval {
		return fmt.Errorf("poller: backoff limit %s is below base interval %s", c.BackoffLimit, c.BaseInterval)
	}
	if c.AttemptsThreshold <= 0 {
		return errors.New("poller: attempts threshold must be positive")
	}
	return nil
}

// NextInterval grows the wait linearly up to the limit.
func (c Config) NextInterval(current time.Duration) time.Duration {
	return min(current+c.Step, c.BackoffLimit)
}

// ExhaustedError means the job was still unfinished after the last allowed
// status check.
type ExhaustedError struct {
	JobID        string
	Attempts     int
	LastInterval time.Duration
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("poller: job %s not finished after %d attempts (last interval %s)",
		e.JobID, e.Attempts, e.LastInterval)
}

// Outcome describes how a session ended. Payload is set only for Done.
type Outcome struct {
	State        State
	Handle       ebi.JobHandle
	Payload      []byte
	Attempts     int
	LastInterval time.Duration
	Elapsed      time.Duration
}

// Poller drives one job from submission to a terminal state. It holds no
// per-session state, so one Poller serves any number of concurrent Runs.
type Poller struct {
	client  ebi.Client
	cfg     Config
	logger  *zap.Logger
	latency *metrics.LatencyTracker
}

type Option func(*Poller)

// WithLatencyTracker records submit, status and session latencies.
func WithLatencyTracker(lt *metrics.LatencyTracker) Option {
	return func(p *Poller) { p.latency = lt }
}

func New(client ebi.Client, cfg Config, logger *zap.Logger, opts ...Option) (*Poller, error) {
	if client == nil {
		return nil, errors.New("poller: client is required")
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Poller{
		client: client,
		cfg:    cfg,
		logger: logger.Named("poller"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *Poller) Config() Config { return p.cfg }

// Run submits req and checks its status until it reaches a terminal state.
// The returned Outcome is always non-nil. The error is nil only for Done;
// otherwise it is a *ebi.SubmissionError, *ebi.ValidationError,
// *ebi.TransportError, *ebi.RemoteFailure, *ExhaustedError or the context
// error.
//
// Waits use the clock in ctx, so tests can drive sessions with a test clock.
// With verbose set, every status check is logged at INFO instead of DEBUG.
func (p *Poller) Run(ctx context.Context, req *ebi.Request, verbose bool) (*Outcome, error) {
	tool := strings.ToLower(strings.TrimSpace(req.Tool))
	logger := logging.FromContextOr(ctx, p.logger).With(zap.String("tool", tool))
	level := zapcore.DebugLevel
	if verbose {
		level = zapcore.InfoLevel
	}

	started := clock.Now(ctx)
	out := &Outcome{State: Submitting}

	finish := func(state State, err error) (*Outcome, error) {
		out.State = state
		out.Elapsed = clock.Since(ctx, started)
		metrics.PollSessionSeconds.WithLabelValues(tool, state.String()).Observe(out.Elapsed.Seconds())
		p.latency.Record(metrics.OpSession, out.Elapsed)

		fields := []zap.Field{
			zap.String("job_id", out.Handle.ID),
			zap.String("state", state.String()),
			zap.Int("attempts", out.Attempts),
			zap.Duration("elapsed", out.Elapsed),
		}
		switch {
		case err == nil:
			logger.Log(level, "poll_session_done", fields...)
		case state == Canceled:
			logger.Info("poll_session_canceled", append(fields, zap.Error(err))...)
		default:
			logger.Warn("poll_session_failed", append(fields, zap.Error(err))...)
		}
		return out, err
	}

	submitStart := time.Now()
	handle, err := p.client.Submit(ctx, req)
	p.latency.Record(metrics.OpSubmit, time.Since(submitStart))
	if err != nil {
		metrics.JobsSubmittedTotal.WithLabelValues(tool, "error").Inc()
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return finish(Canceled, err)
		}
		return finish(SubmitError, err)
	}
	metrics.JobsSubmittedTotal.WithLabelValues(tool, "ok").Inc()
	out.Handle = handle
	logger = logger.With(zap.String("job_id", handle.ID))
	logger.Log(level, "job_submitted")

	interval := p.cfg.BaseInterval
	for {
		out.State = Waiting
		out.LastInterval = interval
		if res := <-clock.After(ctx, interval); res.Incomplete() {
			return finish(Canceled, res.Err)
		}

		out.State = Checking
		checkStart := time.Now()
		status, err := p.client.Poll(ctx, handle)
		p.latency.Record(metrics.OpPoll, time.Since(checkStart))
		out.Attempts++

		if err != nil {
			metrics.PollAttemptsTotal.WithLabelValues(tool, "error").Inc()
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return finish(Canceled, err)
			}
			var te *ebi.TransportError
			if !errors.As(err, &te) {
				err = &ebi.TransportError{Op: "status", JobID: handle.ID, Err: err}
			}
			return finish(TransportError, err)
		}

		metrics.PollAttemptsTotal.WithLabelValues(tool, status.State.String()).Inc()
		logger.Log(level, "poll_attempt",
			zap.Int("attempt", out.Attempts),
			zap.Duration("interval", interval),
			zap.String("state", status.State.String()),
		)

		switch status.State {
		case ebi.JobDone:
			out.Payload = status.Payload
			return finish(Done, nil)

		case ebi.JobFailed:
			return finish(Failed, &ebi.RemoteFailure{JobID: handle.ID, Status: status.Raw, Reason: status.Reason})

		default:
			if out.Attempts >= p.cfg.AttemptsThreshold {
				return finish(Exhausted, &ExhaustedError{
					JobID:        handle.ID,
					Attempts:     out.Attempts,
					LastInterval: interval,
				})
			}
			interval = p.cfg.NextInterval(interval)
		}
	}
}
