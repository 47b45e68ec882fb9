package ebi

import (
	"context"
	"net/url"
	"regexp"
	"sort"
	"strings"
)

// Parameter names with special meaning to the job dispatcher.
const (
	ParamEmail    = "email"
	ParamSequence = "sequence"
)

var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Request is the full set of parameters that determine one remote job.
// Treat it as immutable once built; use Clone to derive a variant.
type Request struct {
	Tool   string              `json:"tool"`
	Email  string              `json:"email"`
	Params map[string][]string `json:"params"`
}

// NewRequest copies params so later changes by the caller do not leak in.
func NewRequest(tool, email string, params map[string][]string) *Request {
	r := &Request{Tool: tool, Email: email}
	r.Params = copyParams(params)
	return r
}

// Clone returns a deep copy of r.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	return NewRequest(r.Tool, r.Email, r.Params)
}

// Validate checks the parameters every job dispatcher tool requires.
func (r *Request) Validate() error {
	if r == nil {
		return &ValidationError{Field: "request", Reason: "is nil"}
	}
	tool := strings.ToLower(strings.TrimSpace(r.Tool))
	if tool == "" {
		return &ValidationError{Field: "tool", Reason: "is required"}
	}
	if !namePattern.MatchString(tool) {
		return &ValidationError{Field: "tool", Reason: "must match " + namePattern.String()}
	}
	email := strings.TrimSpace(r.Email)
	if email == "" {
		return &ValidationError{Field: ParamEmail, Reason: "is required by the service usage policy"}
	}
	if at := strings.Index(email, "@"); at <= 0 || at == len(email)-1 {
		return &ValidationError{Field: ParamEmail, Reason: "is not an email address"}
	}
	for name := range r.Params {
		key := strings.ToLower(strings.TrimSpace(name))
		if key == "" {
			return &ValidationError{Field: "params", Reason: "parameter name is empty"}
		}
		if key == ParamEmail {
			return &ValidationError{Field: "params", Reason: "email must be set on the request, not as a parameter"}
		}
	}
	if len(r.Values(ParamSequence)) == 0 {
		return &ValidationError{Field: ParamSequence, Reason: "is required"}
	}
	return nil
}

// Values returns the trimmed, non-empty values of a parameter, matching
// the name case-insensitively.
func (r *Request) Values(name string) []string {
	var out []string
	for k, vs := range r.Params {
		if !strings.EqualFold(strings.TrimSpace(k), name) {
			continue
		}
		for _, v := range vs {
			if v = strings.TrimSpace(v); v != "" {
				out = append(out, v)
			}
		}
	}
	return out
}

// Form encodes the request as the form body posted to /{tool}/run.
func (r *Request) Form() url.Values {
	form := url.Values{}
	form.Set(ParamEmail, strings.TrimSpace(r.Email))

	names := make([]string, 0, len(r.Params))
	for k := range r.Params {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		key := strings.ToLower(strings.TrimSpace(k))
		for _, v := range r.Params[k] {
			if v = strings.TrimSpace(v); v != "" {
				form.Add(key, v)
			}
		}
	}
	return form
}

func copyParams(params map[string][]string) map[string][]string {
	out := make(map[string][]string, len(params))
	for k, vs := range params {
		out[k] = append([]string(nil), vs...)
	}
	return out
}

// JobHandle identifies a submitted job.
type JobHandle struct {
	Tool string `json:"tool"`
	ID   string `json:"id"`
}

// JobState is the coarse state of a remote job as seen by a status check.
type JobState int

const (
	JobRunning JobState = iota
	JobDone
	JobFailed
	JobNotFound
)

func (s JobState) String() string {
	switch s {
	case JobRunning:
		return "RUNNING"
	case JobDone:
		return "DONE"
	case JobFailed:
		return "FAILED"
	case JobNotFound:
		return "NOT_FOUND"
	default:
		return "UNKNOWN"
	}
}

// Status is the outcome of one status check. Payload is set for JobDone,
// Reason for JobFailed. Raw is the status text the service returned.
type Status struct {
	State   JobState
	Raw     string
	Payload []byte
	Reason  string
}

// Client is the remote job dispatcher as the polling core needs it.
type Client interface {
	Submit(ctx context.Context, req *Request) (JobHandle, error)
	Poll(ctx context.Context, h JobHandle) (Status, error)
	Output(ctx context.Context, h JobHandle, outputType string) ([]byte, error)
}
