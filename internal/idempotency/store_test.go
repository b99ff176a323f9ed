package idempotency

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	rec, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, rec)

	now := time.Now()
	record := Windows{Default: time.Minute}.Record("create", "0xabc", 200, []byte("ok"), now)
	require.NoError(t, store.Save(ctx, "abc", record))

	got, err := store.Get(ctx, "abc")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "ok", string(got.Response))
	assert.Equal(t, "0xabc", got.TxHash)

	record.ExpiresAt = now.Add(-time.Second)
	require.NoError(t, store.Save(ctx, "old", record))
	got, err = store.Get(ctx, "old")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSaveKeepsFirstLiveRecord(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	w := Windows{Default: time.Hour}

	stores := map[string]Store{"memory": NewMemoryStore()}
	fs, err := NewFileStore(filepath.Join(t.TempDir(), "idem.json"))
	require.NoError(t, err)
	stores["file"] = fs

	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Save(ctx, "k", w.Record("create", "0x01", 200, []byte("first"), now)))
			require.NoError(t, store.Save(ctx, "k", w.Record("create", "0x02", 200, []byte("second"), now.Add(time.Minute))))

			got, err := store.Get(ctx, "k")
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, "0x01", got.TxHash)

			// Once the first window has passed the key is free again.
			require.NoError(t, store.Save(ctx, "k", w.Record("create", "0x03", 200, []byte("third"), now.Add(2*time.Hour))))
			got, err = store.Get(ctx, "k")
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, "0x03", got.TxHash)
		})
	}
}

func TestWindowsPerAction(t *testing.T) {
	w := Windows{
		Default:   24 * time.Hour,
		PerAction: map[string]time.Duration{"dispense": time.Minute, "cancel": 0},
	}
	assert.Equal(t, time.Minute, w.For("dispense"))
	assert.Equal(t, 24*time.Hour, w.For("create"))
	assert.Equal(t, 24*time.Hour, w.For("cancel"), "a zero override falls back to the default")

	now := time.Unix(1_700_000_000, 0)
	rec := w.Record("dispense", "0xfeed", 200, []byte("{}"), now)
	assert.Equal(t, now.Add(time.Minute), rec.ExpiresAt)
	assert.Equal(t, now, rec.CreatedAt)
	assert.False(t, rec.Expired(now.Add(time.Minute)))
	assert.True(t, rec.Expired(now.Add(time.Minute+time.Nanosecond)))
}

func TestPurgeExpired(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	path := filepath.Join(t.TempDir(), "idem.json")
	fs, err := NewFileStore(path)
	require.NoError(t, err)

	purgers := map[string]interface {
		Store
		Purger
	}{"memory": NewMemoryStore(), "file": fs}

	for name, store := range purgers {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Save(ctx, "live", Windows{Default: time.Hour}.Record("create", "", 200, nil, now)))
			require.NoError(t, store.Save(ctx, "gone", Windows{Default: time.Minute}.Record("dispense", "", 200, nil, now)))

			n, err := store.PurgeExpired(ctx, now.Add(30*time.Minute))
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)

			n, err = store.PurgeExpired(ctx, now.Add(30*time.Minute))
			require.NoError(t, err)
			assert.Zero(t, n)

			got, err := store.Get(ctx, "live")
			require.NoError(t, err)
			assert.NotNil(t, got)
		})
	}

	reopened, err := NewFileStore(path)
	require.NoError(t, err)
	assert.NotContains(t, reopened.data, "gone")
	assert.Contains(t, reopened.data, "live")
}

func TestFileStorePersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "idem.json")

	store, err := NewFileStore(path)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Save(ctx, "key", Record{
		Action:     "cancel",
		StatusCode: 200,
		Response:   []byte("resp"),
		CreatedAt:  time.Unix(0, 0),
		ExpiresAt:  time.Now().Add(time.Hour),
	}))
	require.NoError(t, store.Save(ctx, "stale", Record{
		Action:    "cancel",
		ExpiresAt: time.Now().Add(-time.Hour),
	}))

	_, err = os.Stat(path)
	require.NoError(t, err, "expected file on disk")

	store2, err := NewFileStore(path)
	require.NoError(t, err)

	got, _ := store2.Get(ctx, "key")
	require.NotNil(t, got)
	assert.Equal(t, "resp", string(got.Response))
	assert.Equal(t, "cancel", got.Action)
	assert.NotContains(t, store2.data, "stale")
}

func TestFileStoreRejectsUnknownVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idem.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version": 7, "records": {}}`), 0o600))

	_, err := NewFileStore(path)
	assert.ErrorContains(t, err, "unsupported store version 7")
}

func TestScopedKey(t *testing.T) {
	alice := common.HexToAddress("0xa11c")
	bob := common.HexToAddress("0xb0b")

	assert.Equal(t, ScopedKey("salt", alice, "k1"), ScopedKey("salt", alice, "k1"))
	assert.NotEqual(t, ScopedKey("salt", alice, "k1"), ScopedKey("salt", bob, "k1"))
	assert.NotEqual(t, ScopedKey("salt", alice, "k1"), ScopedKey("pepper", alice, "k1"))
	assert.NotEqual(t, ScopedKey("salt", alice, "k1"), ScopedKey("salt", alice, "k2"))
}
