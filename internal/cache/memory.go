package cache

import (
	"context"
	"sync"
)

// MemoryBackend keeps entries in process memory. Entries never expire;
// they live until Delete, Clear or process exit.
type MemoryBackend struct {
	mu    sync.RWMutex
	items map[string]Entry
}

var _ Backend = (*MemoryBackend)(nil)

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		items: make(map[string]Entry),
	}
}

func (m *MemoryBackend) Get(ctx context.Context, fp Fingerprint) (*Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	m.mu.RLock()
	e, ok := m.items[fp.String()]
	m.mu.RUnlock()

	if !ok {
		return nil, false, nil
	}
	return cloneEntry(e), true, nil
}

// Put copies the entry to decouple it from the caller's buffers.
func (m *MemoryBackend) Put(ctx context.Context, e *Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c := cloneEntry(*e)

	m.mu.Lock()
	m.items[e.Fingerprint.String()] = *c
	m.mu.Unlock()

	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, fp Fingerprint) error {
	m.mu.Lock()
	delete(m.items, fp.String())
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) Clear(context.Context) error {
	m.mu.Lock()
	m.items = make(map[string]Entry)
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) Close() error { return nil }

// Len returns the number of entries.
func (m *MemoryBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

func cloneEntry(e Entry) *Entry {
	c := e
	c.Payload = append([]byte(nil), e.Payload...)
	c.Meta.Request = append([]byte(nil), e.Meta.Request...)
	return &c
}
