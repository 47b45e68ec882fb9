package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/clock/testclock"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"ebitools-gateway/internal/ebi"
)

// scriptedClient answers status checks from a script; once the script runs
// out it keeps repeating the last status.
type scriptedClient struct {
	mu        sync.Mutex
	submitErr error
	statuses  []ebi.Status
	pollErrAt int // 1-based attempt that fails with pollErr; 0 disables
	pollErr   error
	onPoll    func(attempt int)

	submits int
	polls   int
}

func (c *scriptedClient) Submit(ctx context.Context, req *ebi.Request) (ebi.JobHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submits++
	if c.submitErr != nil {
		return ebi.JobHandle{}, c.submitErr
	}
	return ebi.JobHandle{Tool: req.Tool, ID: "ncbiblast-R20240101-000000-0001-1-p1m"}, nil
}

func (c *scriptedClient) Poll(ctx context.Context, h ebi.JobHandle) (ebi.Status, error) {
	c.mu.Lock()
	c.polls++
	attempt := c.polls
	onPoll := c.onPoll
	var st ebi.Status
	if len(c.statuses) > 0 {
		st = c.statuses[min(attempt, len(c.statuses))-1]
	}
	failNow := c.pollErrAt != 0 && attempt == c.pollErrAt
	c.mu.Unlock()

	if onPoll != nil {
		onPoll(attempt)
	}
	if failNow {
		return ebi.Status{}, c.pollErr
	}
	return st, nil
}

func (c *scriptedClient) Output(context.Context, ebi.JobHandle, string) ([]byte, error) {
	return nil, errors.New("not implemented")
}

func (c *scriptedClient) counts() (submits, polls int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.submits, c.polls
}

var (
	running  = ebi.Status{State: ebi.JobRunning, Raw: "RUNNING"}
	notFound = ebi.Status{State: ebi.JobNotFound, Raw: "NOT_FOUND"}
)

func testRequest() *ebi.Request {
	return ebi.NewRequest("ncbiblast", "me@example.org", map[string][]string{
		"program":  {"blastp"},
		"sequence": {"MKTAYIAKQRQISFVK"},
	})
}

// testContext returns a context whose clock fires every timer at once and
// records the requested waits.
func testContext(t *testing.T) (context.Context, func() []time.Duration) {
	t.Helper()
	ctx, tc := testclock.UseTime(context.Background(), testclock.TestTimeUTC)

	var mu sync.Mutex
	var waits []time.Duration
	tc.SetTimerCallback(func(d time.Duration, _ clock.Timer) {
		mu.Lock()
		waits = append(waits, d)
		mu.Unlock()
		tc.Add(d)
	})

	return ctx, func() []time.Duration {
		mu.Lock()
		defer mu.Unlock()
		return append([]time.Duration(nil), waits...)
	}
}

func newTestPoller(t *testing.T, client ebi.Client, cfg Config, logger *zap.Logger) *Poller {
	t.Helper()
	if logger == nil {
		logger = zaptest.NewLogger(t)
	}
	p, err := New(client, cfg, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestRun_ExhaustedAfterThreshold(t *testing.T) {
	ctx, _ := testContext(t)
	client := &scriptedClient{statuses: []ebi.Status{running}}
	p := newTestPoller(t, client, Config{AttemptsThreshold: 3}, nil)

	out, err := p.Run(ctx, testRequest(), false)

	var ex *ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("expected ExhaustedError, got %v", err)
	}
	if out.State != Exhausted {
		t.Fatalf("expected EXHAUSTED, got %s", out.State)
	}
	if _, polls := client.counts(); polls != 3 {
		t.Fatalf("expected exactly 3 polls, got %d", polls)
	}
	if ex.Attempts != 3 || out.Attempts != 3 {
		t.Fatalf("expected 3 attempts reported, got err=%d outcome=%d", ex.Attempts, out.Attempts)
	}
	if ex.LastInterval != 3*time.Second {
		t.Fatalf("expected last interval 3s, got %s", ex.LastInterval)
	}
}

func TestRun_BackoffIsLinearAndCapped(t *testing.T) {
	ctx, waits := testContext(t)
	client := &scriptedClient{statuses: []ebi.Status{running}}
	p := newTestPoller(t, client, Config{
		BaseInterval:      time.Second,
		Step:              time.Second,
		BackoffLimit:      3 * time.Second,
		AttemptsThreshold: 6,
	}, nil)

	if _, err := p.Run(ctx, testRequest(), false); err == nil {
		t.Fatalf("expected exhaustion")
	}

	want := []time.Duration{1 * time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second, 3 * time.Second, 3 * time.Second}
	if diff := cmp.Diff(want, waits()); diff != "" {
		t.Fatalf("waits mismatch (-want +got):\n%s", diff)
	}
}

func TestRun_NotFoundCountsAsNotReady(t *testing.T) {
	ctx, _ := testContext(t)
	client := &scriptedClient{statuses: []ebi.Status{
		notFound,
		running,
		{State: ebi.JobDone, Raw: "FINISHED", Payload: []byte(`{"hits":[]}`)},
	}}
	p := newTestPoller(t, client, Config{}, nil)

	out, err := p.Run(ctx, testRequest(), false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.State != Done || string(out.Payload) != `{"hits":[]}` {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if out.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", out.Attempts)
	}
	if out.Handle.ID == "" {
		t.Fatalf("expected job handle on outcome")
	}
	if out.Elapsed != 1*time.Second+2*time.Second+3*time.Second {
		t.Fatalf("expected elapsed 6s on the test clock, got %s", out.Elapsed)
	}
}

func TestRun_SubmitErrorNeverPolls(t *testing.T) {
	ctx, waits := testContext(t)
	client := &scriptedClient{submitErr: &ebi.SubmissionError{Tool: "ncbiblast", StatusCode: 400, Message: "bad program"}}
	p := newTestPoller(t, client, Config{}, nil)

	out, err := p.Run(ctx, testRequest(), false)

	var se *ebi.SubmissionError
	if !errors.As(err, &se) {
		t.Fatalf("expected SubmissionError, got %v", err)
	}
	if out.State != SubmitError {
		t.Fatalf("expected SUBMIT_ERROR, got %s", out.State)
	}
	if submits, polls := client.counts(); submits != 1 || polls != 0 {
		t.Fatalf("expected 1 submit and 0 polls, got %d/%d", submits, polls)
	}
	if len(waits()) != 0 {
		t.Fatalf("expected no waits, got %v", waits())
	}
}

func TestRun_TransportErrorIsFatal(t *testing.T) {
	ctx, _ := testContext(t)
	client := &scriptedClient{
		statuses:  []ebi.Status{running},
		pollErrAt: 2,
		pollErr:   &ebi.TransportError{Op: "status", JobID: "job", StatusCode: 503},
	}
	p := newTestPoller(t, client, Config{}, nil)

	out, err := p.Run(ctx, testRequest(), false)

	var te *ebi.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if out.State != TransportError {
		t.Fatalf("expected TRANSPORT_ERROR, got %s", out.State)
	}
	if submits, polls := client.counts(); submits != 1 || polls != 2 {
		t.Fatalf("expected 1 submit and 2 polls, got %d/%d", submits, polls)
	}
}

func TestRun_UntypedPollErrorBecomesTransportError(t *testing.T) {
	ctx, _ := testContext(t)
	client := &scriptedClient{pollErrAt: 1, pollErr: errors.New("connection reset")}
	p := newTestPoller(t, client, Config{}, nil)

	_, err := p.Run(ctx, testRequest(), false)

	var te *ebi.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if te.JobID == "" {
		t.Fatalf("expected job id on transport error")
	}
}

func TestRun_RemoteFailure(t *testing.T) {
	ctx, _ := testContext(t)
	client := &scriptedClient{statuses: []ebi.Status{
		running,
		{State: ebi.JobFailed, Raw: "FAILURE", Reason: "sequence contains invalid characters"},
	}}
	p := newTestPoller(t, client, Config{}, nil)

	out, err := p.Run(ctx, testRequest(), false)

	var rf *ebi.RemoteFailure
	if !errors.As(err, &rf) {
		t.Fatalf("expected RemoteFailure, got %v", err)
	}
	if rf.Reason != "sequence contains invalid characters" || rf.Status != "FAILURE" {
		t.Fatalf("unexpected failure: %+v", rf)
	}
	if out.State != Failed || out.Payload != nil {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}

func TestRun_Canceled(t *testing.T) {
	ctx, _ := testContext(t)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	client := &scriptedClient{
		statuses: []ebi.Status{running},
		onPoll: func(attempt int) {
			if attempt == 2 {
				cancel()
			}
		},
	}
	p := newTestPoller(t, client, Config{}, nil)

	out, err := p.Run(ctx, testRequest(), false)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if out.State != Canceled {
		t.Fatalf("expected CANCELED, got %s", out.State)
	}
	if _, polls := client.counts(); polls != 2 {
		t.Fatalf("expected polling to stop after cancel, got %d polls", polls)
	}
}

func TestRun_VerboseLogsEveryAttempt(t *testing.T) {
	for _, verbose := range []bool{true, false} {
		ctx, _ := testContext(t)
		core, logs := observer.New(zapcore.InfoLevel)
		client := &scriptedClient{statuses: []ebi.Status{running, running, {State: ebi.JobDone, Payload: []byte("{}")}}}
		p := newTestPoller(t, client, Config{}, zap.New(core))

		if _, err := p.Run(ctx, testRequest(), verbose); err != nil {
			t.Fatalf("Run: %v", err)
		}

		attempts := logs.FilterMessage("poll_attempt").All()
		want := 0
		if verbose {
			want = 3
		}
		if len(attempts) != want {
			t.Fatalf("verbose=%v: expected %d attempt lines at INFO, got %d", verbose, want, len(attempts))
		}
		for i, e := range attempts {
			fields := e.ContextMap()
			if fields["attempt"] != int64(i+1) {
				t.Fatalf("line %d: unexpected attempt field %v", i, fields["attempt"])
			}
			if _, ok := fields["interval"]; !ok {
				t.Fatalf("line %d: missing interval", i)
			}
			if _, ok := fields["state"]; !ok {
				t.Fatalf("line %d: missing state", i)
			}
		}
	}
}

func TestConfig(t *testing.T) {
	cfg := Config{}.WithDefaults()
	want := Config{
		BaseInterval:      time.Second,
		Step:              time.Second,
		BackoffLimit:      5 * time.Second,
		AttemptsThreshold: 100,
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("defaults mismatch (-want +got):\n%s", diff)
	}

	if err := (Config{BaseInterval: 10 * time.Second, BackoffLimit: time.Second, AttemptsThreshold: 1}).Validate(); err == nil {
		t.Fatalf("expected error when limit is below base interval")
	}
	if _, err := New(nil, Config{}, nil); err == nil {
		t.Fatalf("expected error without client")
	}

	for _, tc := range []struct{ in, want time.Duration }{
		{time.Second, 2 * time.Second},
		{4 * time.Second, 5 * time.Second},
		{5 * time.Second, 5 * time.Second},
	} {
		if got := cfg.NextInterval(tc.in); got != tc.want {
			t.Errorf("NextInterval(%s) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestState(t *testing.T) {
	for _, s := range []State{Submitting, Waiting, Checking} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
	for _, s := range []State{Done, Failed, Exhausted, SubmitError, TransportError, Canceled} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	if TransportError.String() != "TRANSPORT_ERROR" {
		t.Fatalf("unexpected name %q", TransportError.String())
	}
}
