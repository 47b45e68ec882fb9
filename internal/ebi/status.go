package ebi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// Raw status values returned by /{tool}/status/{id}.
const (
	rawRunning  = "RUNNING"
	rawQueued   = "QUEUED"
	rawFinished = "FINISHED"
	rawError    = "ERROR"
	rawFailure  = "FAILURE"
	rawNotFound = "NOT_FOUND"
)

// ResultJSON is the result type holding the tool's structured output.
const ResultJSON = "json"

var errUnexpectedStatus = errors.New("unexpected job status")

// Poll performs one status check. A finished job also has its json result
// fetched so the caller gets the payload in the same step.
func (c *HTTPClient) Poll(parentCtx context.Context, h JobHandle) (Status, error) {
	ctx, cancel := c.withTimeout(parentCtx)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(h.Tool, "status", h.ID), nil)
	if err != nil {
		return Status{}, &TransportError{Op: "status", JobID: h.ID, Err: err}
	}
	httpReq.Header.Set("Accept", "text/plain")
	httpReq.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if parentCtx.Err() != nil {
			return Status{}, parentCtx.Err()
		}
		return Status{}, &TransportError{Op: "status", JobID: h.ID, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return Status{}, &TransportError{Op: "status", JobID: h.ID, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return Status{}, &TransportError{Op: "status", JobID: h.ID, StatusCode: resp.StatusCode,
			Err: errors.New(truncate(strings.TrimSpace(string(body)), 200))}
	}

	raw := strings.TrimSpace(string(body))
	switch raw {
	case rawRunning, rawQueued:
		return Status{State: JobRunning, Raw: raw}, nil

	case rawNotFound:
		return Status{State: JobNotFound, Raw: raw}, nil

	case rawFinished:
		payload, err := c.fetchResult(parentCtx, h, ResultJSON)
		if err != nil {
			return Status{}, err
		}
		return Status{State: JobDone, Raw: raw, Payload: payload}, nil

	case rawError, rawFailure:
		return Status{State: JobFailed, Raw: raw, Reason: c.failureReason(parentCtx, h)}, nil

	default:
		return Status{}, &TransportError{Op: "status", JobID: h.ID,
			Err: fmt.Errorf("%w %q", errUnexpectedStatus, truncate(raw, 80))}
	}
}

// Output fetches one result type of a finished job, e.g. "visual-svg".
func (c *HTTPClient) Output(ctx context.Context, h JobHandle, outputType string) ([]byte, error) {
	outputType = strings.TrimSpace(outputType)
	if !namePattern.MatchString(outputType) {
		return nil, &ValidationError{Field: "output", Reason: "must match " + namePattern.String()}
	}
	return c.fetchResult(ctx, h, outputType)
}

// failureReason reads the "error" result type of a failed job. The status
// text stands in when the service has nothing better.
func (c *HTTPClient) failureReason(ctx context.Context, h JobHandle) string {
	body, err := c.fetchResult(ctx, h, "error")
	if err != nil {
		c.logger.Debug("no error output for failed job",
			zap.String("job_id", h.ID),
			zap.Error(err),
		)
		return ""
	}
	return truncate(strings.TrimSpace(string(body)), 2000)
}

func (c *HTTPClient) fetchResult(parentCtx context.Context, h JobHandle, outputType string) ([]byte, error) {
	ctx, cancel := c.withTimeout(parentCtx)
	defer cancel()

	url := c.endpoint(h.Tool, "result", h.ID, outputType)

	doOnce := func(ctx context.Context) (*http.Response, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("User-Agent", c.cfg.UserAgent)
		return c.httpClient.Do(httpReq)
	}

	resp, err := c.doWithRetry(ctx, doOnce)
	if err != nil {
		if parentCtx.Err() != nil {
			return nil, parentCtx.Err()
		}
		return nil, &TransportError{Op: "result", JobID: h.ID, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, &TransportError{Op: "result", JobID: h.ID, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &TransportError{Op: "result", JobID: h.ID, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("%s: %s", outputType, truncate(strings.TrimSpace(string(body)), 200))}
	}
	return body, nil
}
