package ebi

import "fmt"

// ValidationError reports a malformed Request. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("ebi: invalid request: %s %s", e.Field, e.Reason)
}

// SubmissionError means the service did not accept the job.
type SubmissionError struct {
	Tool       string
	StatusCode int // 0 when no response was received
	Message    string
	Err        error
}

func (e *SubmissionError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("ebi: submit to %s failed: %v", e.Tool, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("ebi: submit to %s rejected (%d): %s", e.Tool, e.StatusCode, e.Message)
	default:
		return fmt.Sprintf("ebi: submit to %s rejected: %s", e.Tool, e.Message)
	}
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// TransportError is a network-level failure while talking to a submitted job.
type TransportError struct {
	Op         string // "status" or "result"
	JobID      string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("ebi: %s of job %s: upstream status %d: %v", e.Op, e.JobID, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("ebi: %s of job %s: %v", e.Op, e.JobID, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RemoteFailure means the job ran and the service reported it failed.
type RemoteFailure struct {
	JobID  string
	Status string
	Reason string
}

func (e *RemoteFailure) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("ebi: job %s finished with %s", e.JobID, e.Status)
	}
	return fmt.Sprintf("ebi: job %s finished with %s: %s", e.JobID, e.Status, e.Reason)
}
