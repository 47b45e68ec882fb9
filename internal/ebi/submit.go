package ebi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const maxResponseSize = 64 * 1024 * 1024 // BLAST json results can be large

// Submit posts the request to /{tool}/run and returns the job handle.
// Any failure, including network errors, is a *SubmissionError: the
// poller never resubmits.
func (c *HTTPClient) Submit(parentCtx context.Context, req *Request) (JobHandle, error) {
	start := time.Now()

	if err := req.Validate(); err != nil {
		return JobHandle{}, err
	}
	tool := strings.ToLower(strings.TrimSpace(req.Tool))

	ctx, cancel := c.withTimeout(parentCtx)
	defer cancel()

	c.logger.Debug("ebi submit starting",
		zap.String("tool", tool),
		zap.Int("param_count", len(req.Params)),
	)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.endpoint(tool, "run"), strings.NewReader(req.Form().Encode()))
	if err != nil {
		return JobHandle{}, &SubmissionError{Tool: tool, Err: fmt.Errorf("build HTTP request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Accept", "text/plain")
	httpReq.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if parentCtx.Err() != nil {
			return JobHandle{}, parentCtx.Err()
		}
		c.logger.Error("ebi submit failed", zap.String("tool", tool), zap.Error(err))
		return JobHandle{}, &SubmissionError{Tool: tool, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return JobHandle{}, &SubmissionError{Tool: tool, StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		msg := truncate(strings.TrimSpace(string(body)), 300)
		c.logger.Warn("ebi submit rejected",
			zap.String("tool", tool),
			zap.Int("status", resp.StatusCode),
			zap.String("body", msg),
		)
		return JobHandle{}, &SubmissionError{Tool: tool, StatusCode: resp.StatusCode, Message: msg}
	}

	jobID := strings.TrimSpace(string(body))
	if jobID == "" || strings.ContainsAny(jobID, " \t\r\n/") {
		return JobHandle{}, &SubmissionError{Tool: tool, StatusCode: resp.StatusCode,
			Message: fmt.Sprintf("unexpected job id %q", truncate(jobID, 80))}
	}

	c.logger.Info("ebi job submitted",
		zap.String("tool", tool),
		zap.String("job_id", jobID),
		zap.Duration("duration", time.Since(start)),
	)
	return JobHandle{Tool: tool, ID: jobID}, nil
}

// truncate limits string length for logging
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
