package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Metadata is stored next to every payload.
type Metadata struct {
	JobID string `json:"job_id,omitempty"`
	// Request is the canonical request that produced the payload. Lookups
	// compare it against the caller's request to catch hash collisions.
	Request     json.RawMessage `json:"request,omitempty"`
	RetrievedAt time.Time       `json:"retrieved_at"`
}

// Entry is one cached result: the payload exactly as the service returned
// it, plus metadata.
type Entry struct {
	Fingerprint Fingerprint
	Payload     []byte
	Meta        Metadata
}

// Backend is the storage behind a Store. Implemented by disk (default),
// memory (tests), Redis and S3.
//
// Put must be all-or-nothing: a concurrent Get sees either the previous
// entry, nothing, or the complete new entry. Get reports a clean miss as
// (nil, false, nil); an entry whose payload exists but cannot be read back
// whole is an error.
type Backend interface {
	Get(ctx context.Context, fp Fingerprint) (*Entry, bool, error)
	Put(ctx context.Context, e *Entry) error
	Delete(ctx context.Context, fp Fingerprint) error
	Clear(ctx context.Context) error
	Close() error
}

var errCorruptEntry = errors.New("corrupt cache entry")

func encodeMetadata(m Metadata) ([]byte, error) {
	return json.Marshal(m)
}

func decodeMetadata(data []byte) (Metadata, error) {
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return Metadata{}, fmt.Errorf("%w: metadata: %v", errCorruptEntry, err)
	}
	if m.RetrievedAt.IsZero() {
		return Metadata{}, fmt.Errorf("%w: metadata missing retrieved_at", errCorruptEntry)
	}
	return m, nil
}
