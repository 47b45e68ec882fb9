package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"ebitools-gateway/internal/cache"
	"ebitools-gateway/internal/ebi"
	"ebitools-gateway/internal/poller"
	"ebitools-gateway/internal/query"
	"ebitools-gateway/pkg/logging/logging"
)

// JobService is the query service as the HTTP layer uses it.
type JobService interface {
	Query(ctx context.Context, req *ebi.Request, opts query.Options) (*query.Result, error)
	QueryAll(ctx context.Context, reqs []*ebi.Request, opts query.Options, concurrency int) ([]*query.Result, error)
	Blastp(ctx context.Context, sequence string, bo query.BlastpOptions, opts query.Options) (*query.Result, error)
	Output(ctx context.Context, h ebi.JobHandle, outputType string, opts query.Options) (*query.Result, error)
	Invalidate(ctx context.Context, fp cache.Fingerprint) error
	Clear(ctx context.Context) error
}

// JobsHandler serves the job and cache endpoints under /v1.
type JobsHandler struct {
	Service JobService
	// MaxBatch caps the number of requests in one batch call.
	MaxBatch int
}

func NewJobsHandler(svc JobService) *JobsHandler {
	return &JobsHandler{
		Service:  svc,
		MaxBatch: 50,
	}
}

// paramList accepts a string, number, bool or an array of those, so
// clients can send {"exp": 1e-10} or {"database": ["a", "b"]}.
type paramList []string

func (p *paramList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var raw []json.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		out := make([]string, 0, len(raw))
		for _, r := range raw {
			v, err := scalarString(r)
			if err != nil {
				return err
			}
			out = append(out, v)
		}
		*p = out
		return nil
	}
	v, err := scalarString(data)
	if err != nil {
		return err
	}
	*p = paramList{v}
	return nil
}

func scalarString(data json.RawMessage) (string, error) {
	var v any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return "", err
	}
	switch x := v.(type) {
	case string:
		return x, nil
	case json.Number:
		return x.String(), nil
	case bool:
		return strconv.FormatBool(x), nil
	case nil:
		return "", nil
	default:
		return "", fmt.Errorf("parameter values must be scalars, got %T", v)
	}
}

type jobParams struct {
	Email  string               `json:"email,omitempty"`
	Params map[string]paramList `json:"params"`
}

func (p jobParams) request(tool string) *ebi.Request {
	params := make(map[string][]string, len(p.Params))
	for k, v := range p.Params {
		params[k] = v
	}
	return ebi.NewRequest(tool, p.Email, params)
}

type jobRequest struct {
	jobParams
	query.Options
}

type batchRequest struct {
	Requests    []jobParams `json:"requests"`
	Concurrency int         `json:"concurrency"`
	query.Options
}

type blastpRequest struct {
	Sequence string `json:"sequence"`
	query.BlastpOptions
	query.Options
}

type resultResponse struct {
	*query.Result
	Data json.RawMessage `json:"result,omitempty"`
	Raw  string          `json:"raw,omitempty"`
}

func newResultResponse(r *query.Result) resultResponse {
	resp := resultResponse{Result: r}
	if json.Valid(r.Payload) {
		resp.Data = json.RawMessage(r.Payload)
	} else {
		resp.Raw = string(r.Payload)
	}
	return resp
}

type blastpResponse struct {
	*query.Result
	Program string             `json:"program"`
	Version string             `json:"version"`
	Hits    []query.HitSummary `json:"hits"`
}

// RunJob handles POST /v1/jobs/{tool}.
func (h *JobsHandler) RunJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.L(ctx)
	tool := chi.URLParam(r, "tool")

	var body jobRequest
	if !decodeJSON(w, r, logger, &body) {
		return
	}

	res, err := h.Service.Query(ctx, body.request(tool), body.Options)
	if err != nil {
		writeError(w, logger, err)
		return
	}
	writeJSON(w, http.StatusOK, newResultResponse(res))
}

// RunBatch handles POST /v1/jobs/{tool}/batch.
func (h *JobsHandler) RunBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.L(ctx)
	tool := chi.URLParam(r, "tool")

	var body batchRequest
	if !decodeJSON(w, r, logger, &body) {
		return
	}
	if len(body.Requests) == 0 {
		writeError(w, logger, &ebi.ValidationError{Field: "requests", Reason: "must not be empty"})
		return
	}
	if h.MaxBatch > 0 && len(body.Requests) > h.MaxBatch {
		writeError(w, logger, &ebi.ValidationError{Field: "requests", Reason: fmt.Sprintf("at most %d per batch", h.MaxBatch)})
		return
	}

	reqs := make([]*ebi.Request, len(body.Requests))
	for i, p := range body.Requests {
		reqs[i] = p.request(tool)
	}

	start := time.Now()
	results, err := h.Service.QueryAll(ctx, reqs, body.Options, body.Concurrency)
	if err != nil {
		writeError(w, logger, err)
		return
	}

	out := make([]resultResponse, len(results))
	cached := 0
	for i, res := range results {
		out[i] = newResultResponse(res)
		if res.Cached {
			cached++
		}
	}
	logger.Info("batch_done",
		zap.String("tool", tool),
		zap.Int("requests", len(reqs)),
		zap.Int("cached", cached),
		zap.Duration("total_latency_ms", time.Since(start)),
	)
	writeJSON(w, http.StatusOK, map[string]any{"results": out})
}

// Blastp handles POST /v1/blastp and answers with the flattened hit table.
func (h *JobsHandler) Blastp(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.L(ctx)

	var body blastpRequest
	if !decodeJSON(w, r, logger, &body) {
		return
	}

	res, err := h.Service.Blastp(ctx, body.Sequence, body.BlastpOptions, body.Options)
	if err != nil {
		writeError(w, logger, err)
		return
	}
	report, err := res.Blast()
	if err != nil {
		logger.Error("blast_decode_error", zap.String("job_id", res.JobID), zap.Error(err))
		writeJSON(w, http.StatusBadGateway, errorBody{Error: "invalid_upstream_result", Message: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, blastpResponse{
		Result:  res,
		Program: report.Program,
		Version: report.Version,
		Hits:    report.Summary(),
	})
}

// GetOutput handles GET /v1/jobs/{tool}/{jobID}/outputs/{output} and
// streams the stored bytes back with a content type guessed from the
// output name.
func (h *JobsHandler) GetOutput(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.L(ctx)

	handle := ebi.JobHandle{Tool: chi.URLParam(r, "tool"), ID: chi.URLParam(r, "jobID")}
	outputType := chi.URLParam(r, "output")
	opts := query.Options{
		ResetCache: queryBool(r, "reset_cache"),
		CachedOnly: queryBool(r, "cached_only"),
	}

	res, err := h.Service.Output(ctx, handle, outputType, opts)
	if err != nil {
		writeError(w, logger, err)
		return
	}

	w.Header().Set("Content-Type", contentTypeFor(outputType, res.Payload))
	w.Header().Set("X-Cache", cacheHeader(res.Cached))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Payload)
}

// InvalidateEntry handles DELETE /v1/cache/{tool}/{hash}.
func (h *JobsHandler) InvalidateEntry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.L(ctx)

	fp := cache.Fingerprint{Tool: chi.URLParam(r, "tool"), Hash: chi.URLParam(r, "hash")}
	if err := fp.Validate(); err != nil {
		writeError(w, logger, &ebi.ValidationError{Field: "fingerprint", Reason: err.Error()})
		return
	}
	if err := h.Service.Invalidate(ctx, fp); err != nil {
		writeError(w, logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ClearCache handles DELETE /v1/cache.
func (h *JobsHandler) ClearCache(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := h.Service.Clear(ctx); err != nil {
		writeError(w, logging.L(ctx), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// statusFor maps the service error taxonomy onto HTTP.
func statusFor(err error) (int, string) {
	var (
		ve *ebi.ValidationError
		se *ebi.SubmissionError
		te *ebi.TransportError
		rf *ebi.RemoteFailure
		ex *poller.ExhaustedError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, query.ErrNotCached):
		return http.StatusNotFound, "not_cached"
	case errors.As(err, &se):
		return http.StatusUnprocessableEntity, "submission_rejected"
	case errors.As(err, &rf):
		return http.StatusBadGateway, "job_failed"
	case errors.As(err, &te):
		return http.StatusBadGateway, "upstream_error"
	case errors.As(err, &ex):
		return http.StatusGatewayTimeout, "job_not_finished"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "gateway_timeout"
	case errors.Is(err, context.Canceled):
		return 499, "client_closed_request"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	status, code := statusFor(err)
	fields := []zap.Field{zap.Int("status", status), zap.String("code", code), zap.Error(err)}
	if status >= http.StatusInternalServerError {
		logger.Error("request_failed", fields...)
	} else {
		logger.Info("request_rejected", fields...)
	}
	writeJSON(w, status, errorBody{Error: code, Message: err.Error()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, logger *zap.Logger, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		logger.Warn("invalid request", zap.Error(err))
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_json", Message: err.Error()})
		return false
	}
	return true
}

// writeJSON is a small helper to send JSON responses consistently.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func queryBool(r *http.Request, key string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return v
}

func cacheHeader(cached bool) string {
	if cached {
		return "HIT"
	}
	return "MISS"
}

func contentTypeFor(outputType string, payload []byte) string {
	switch {
	case strings.HasSuffix(outputType, "-svg"):
		return "image/svg+xml"
	case strings.HasSuffix(outputType, "-png"):
		return "image/png"
	case strings.HasSuffix(outputType, "-jpg"):
		return "image/jpeg"
	case outputType == ebi.ResultJSON || json.Valid(payload):
		return "application/json"
	default:
		return http.DetectContentType(payload)
	}
}
