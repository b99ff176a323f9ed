// Package idempotency remembers the response of a submitted wallet action so a
// retried request with the same key does not broadcast a second transaction.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Record holds the stored response of one submission.
type Record struct {
	Action     string    `json:"action"`
	TxHash     string    `json:"txHash,omitempty"`
	StatusCode int       `json:"statusCode"`
	Response   []byte    `json:"response"`
	CreatedAt  time.Time `json:"createdAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

func (r Record) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// Windows sets, per action, how long a response is replayed instead of the
// action being submitted again.
type Windows struct {
	Default   time.Duration
	PerAction map[string]time.Duration
}

func (w Windows) For(action string) time.Duration {
	if d, ok := w.PerAction[action]; ok && d > 0 {
		return d
	}
	return w.Default
}

// Record stamps a successful response for action at now.
func (w Windows) Record(action, txHash string, status int, body []byte, now time.Time) Record {
	return Record{
		Action:     action,
		TxHash:     txHash,
		StatusCode: status,
		Response:   body,
		CreatedAt:  now,
		ExpiresAt:  now.Add(w.For(action)),
	}
}

// Store abstracts idempotency persistence. Get returns nil, nil for a missing
// or expired key. Save never replaces a record that is still live.
type Store interface {
	Get(ctx context.Context, key string) (*Record, error)
	Save(ctx context.Context, key string, record Record) error
}

// Purger drops every record expired at now and reports how many went.
type Purger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// ScopedKey binds a client key to the account that submitted it, so two
// accounts reusing a key never share a response.
func ScopedKey(salt string, account common.Address, key string) string {
	return crypto.Keccak256Hash([]byte(salt), account.Bytes(), []byte(key)).Hex()
}

type records map[string]Record

// live returns the unexpired record for key. An expired one is removed and
// reported through dropped.
func (rs records) live(key string, now time.Time) (rec *Record, dropped bool) {
	r, ok := rs[key]
	if !ok {
		return nil, false
	}
	if r.Expired(now) {
		delete(rs, key)
		return nil, true
	}
	return &r, false
}

// put stores rec unless a record live at rec.CreatedAt already holds key, so
// the first submission under a key wins. It reports whether rec was stored.
func (rs records) put(key string, rec Record) bool {
	if cur, ok := rs[key]; ok && !cur.Expired(rec.CreatedAt) {
		return false
	}
	rs[key] = rec
	return true
}

func (rs records) purge(now time.Time) int64 {
	var n int64
	for key, r := range rs {
		if r.Expired(now) {
			delete(rs, key)
			n++
		}
	}
	return n
}

// MemoryStore keeps records for the life of the process.
type MemoryStore struct {
	mu   sync.Mutex
	data records
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(records)}
}

func (m *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, _ := m.data.live(key, time.Now())
	return rec, nil
}

func (m *MemoryStore) Save(_ context.Context, key string, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.put(key, record)
	return nil
}

func (m *MemoryStore) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.purge(now), nil
}

const fileVersion = 1

type fileSnapshot struct {
	Version int     `json:"version"`
	Records records `json:"records"`
}

// FileStore keeps records in a versioned JSON file, rewritten atomically on
// every change. Expired records are dropped on load.
type FileStore struct {
	path string
	mu   sync.Mutex
	data records
}

func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{path: path, data: make(records)}
	if err := fs.load(time.Now()); err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return fs, nil
}

func (f *FileStore) load(now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	blob, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) || (err == nil && len(blob) == 0) {
		return nil
	}
	if err != nil {
		return err
	}
	var snap fileSnapshot
	if err := json.Unmarshal(blob, &snap); err != nil {
		return err
	}
	if snap.Version != fileVersion {
		return fmt.Errorf("unsupported store version %d", snap.Version)
	}
	if snap.Records != nil {
		f.data = snap.Records
	}
	f.data.purge(now)
	return nil
}

func (f *FileStore) persist() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	blob, err := json.MarshalIndent(fileSnapshot{Version: fileVersion, Records: f.data}, "", "  ")
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
	rec, dropped := f.data.live(key, time.Now())
	if dropped {
		if err := f.persist(); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

func (f *FileStore) Save(_ context.Context, key string, record Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.data.put(key, record) {
		return nil
	}
	return f.persist()
}

func (f *FileStore) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.data.purge(now)
	if n == 0 {
		return 0, nil
	}
	return n, f.persist()
}
