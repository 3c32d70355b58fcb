// Package storage keeps uploaded files in an object store addressed by opaque references.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a reference resolves to no object.
var ErrNotFound = errors.New("object not found")

// ObjectStore is the object store contract used by the producer and the ingestion worker.
type ObjectStore interface {
	Upload(ctx context.Context, name string, r io.Reader) (string, error)
	// Fetch returns the object body; the caller closes it.
	Fetch(ctx context.Context, ref string) (io.ReadCloser, error)
	Delete(ctx context.Context, ref string) error
}

// NormalizeRef trims whitespace and surrounding quotes from a stored reference.
func NormalizeRef(ref string) string {
	return strings.Trim(strings.TrimSpace(ref), `"`)
}

// Memory is an ObjectStore held in process memory.
type Memory struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

func (m *Memory) Upload(_ context.Context, _ string, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read upload: %w", err)
	}
	ref := "mem," + uuid.New().String()
	m.mu.Lock()
	m.objects[ref] = data
	m.mu.Unlock()
	return ref, nil
}

func (m *Memory) Fetch(_ context.Context, ref string) (io.ReadCloser, error) {
	m.mu.RLock()
	data, ok := m.objects[NormalizeRef(ref)]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("fetch %s: %w", ref, ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *Memory) Delete(_ context.Context, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref = NormalizeRef(ref)
	if _, ok := m.objects[ref]; !ok {
		return fmt.Errorf("delete %s: %w", ref, ErrNotFound)
	}
	delete(m.objects, ref)
	return nil
}
