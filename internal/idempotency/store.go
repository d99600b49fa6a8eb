package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrInProgress is returned by Reserve while another request holds the key.
var ErrInProgress = errors.New("idempotency: request with this key is in progress")

// Record holds stored response data.
type Record struct {
	StatusCode int       `json:"statusCode"`
	Response   []byte    `json:"response"`
	CreatedAt  time.Time `json:"createdAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Store abstracts idempotency persistence. A request first Reserves its
// key, then either Saves the response (which ends the reservation) or
// Releases the key so the request can be retried.
type Store interface {
	Get(ctx context.Context, key string) (*Record, error)
	Save(ctx context.Context, key string, record Record) error
	Reserve(ctx context.Context, key string, ttl time.Duration) error
	Release(ctx context.Context, key string) error
}

// reservations tracks in-flight keys for the in-process stores.
type reservations struct {
	held map[string]time.Time
}

func (r *reservations) reserve(key string, now time.Time, ttl time.Duration) error {
	if r.held == nil {
		r.held = make(map[string]time.Time)
	}
	if until, ok := r.held[key]; ok && now.Before(until) {
		return ErrInProgress
	}
	r.held[key] = now.Add(ttl)
	return nil
}

func (r *reservations) release(key string) { delete(r.held, key) }

// MemoryStore is mostly for testing.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]Record
	res  reservations
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]Record),
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	if time.Now().After(rec.ExpiresAt) {
		delete(m.data, key)
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) Save(_ context.Context, key string, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = record
	m.res.release(key)
	return nil
}

func (m *MemoryStore) Reserve(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if rec, ok := m.data[key]; ok && now.Before(rec.ExpiresAt) {
		return ErrInProgress
	}
	return m.res.reserve(key, now, ttl)
}

func (m *MemoryStore) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.res.release(key)
	return nil
}

// FileStore persists completed records to disk for single-instance
// deployments without Postgres. Reservations stay in memory.
type FileStore struct {
	path string
	mu   sync.Mutex
	data map[string]Record
	res  reservations
}

func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{
		path: path,
		data: make(map[string]Record),
	}
	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (f *FileStore) load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	blob, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(blob) == 0 {
		return nil
	}
	return json.Unmarshal(blob, &f.data)
}

func (f *FileStore) persist() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	blob, err := json.MarshalIndent(f.data, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func (f *FileStore) Get(_ context.Context, key string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.data[key]
	if !ok {
		return nil, nil
	}
	if time.Now().After(record.ExpiresAt) {
		delete(f.data, key)
		_ = f.persist()
		return nil, nil
	}
	return &record, nil
}

func (f *FileStore) Save(_ context.Context, key string, record Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = record
	f.res.release(key)
	return f.persist()
}

func (f *FileStore) Reserve(_ context.Context, key string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	if rec, ok := f.data[key]; ok && now.Before(rec.ExpiresAt) {
		return ErrInProgress
	}
	return f.res.reserve(key, now, ttl)
}

func (f *FileStore) Release(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.res.release(key)
	return nil
}
