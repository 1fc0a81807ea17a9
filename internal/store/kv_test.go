package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]KV {
	t.Helper()
	sqlite, err := OpenSQLite("sqlite", filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })
	return map[string]KV{
		"memory": NewMemoryKV(),
		"sqlite": sqlite,
	}
}

func TestKV_SetGetRemove(t *testing.T) {
	ctx := context.Background()
	for name, kv := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, ok, err := kv.Get(ctx, "settings")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, kv.Set(ctx, map[string][]byte{
				"settings":      []byte(`{"autoSend":false}`),
				"pendingPrompt": []byte(`{"id":"1"}`),
			}))

			v, ok, err := kv.Get(ctx, "settings")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, `{"autoSend":false}`, string(v))

			// Whole-key overwrite
			require.NoError(t, kv.Set(ctx, map[string][]byte{"settings": []byte(`{}`)}))
			v, _, _ = kv.Get(ctx, "settings")
			assert.Equal(t, `{}`, string(v))

			require.NoError(t, kv.Remove(ctx, "pendingPrompt"))
			require.NoError(t, kv.Remove(ctx, "pendingPrompt"), "removing a missing key is not an error")
			_, ok, err = kv.Get(ctx, "pendingPrompt")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestSQLiteKV_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "kv.db")

	kv, err := OpenSQLite("sqlite", path)
	require.NoError(t, err)
	require.NoError(t, kv.Set(ctx, map[string][]byte{"k": []byte("v")}))
	require.NoError(t, kv.Close())

	kv, err = OpenSQLite("sqlite", path)
	require.NoError(t, err)
	defer kv.Close()
	assert.Equal(t, path, kv.Path())

	v, ok, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", string(v))
}

func TestMemoryKV_Closed(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	require.NoError(t, kv.Close())

	_, _, err := kv.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, kv.Set(ctx, map[string][]byte{"k": nil}), ErrClosed)
	assert.ErrorIs(t, kv.Remove(ctx, "k"), ErrClosed)
}

func TestMemoryKV_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	buf := []byte("abc")
	require.NoError(t, kv.Set(ctx, map[string][]byte{"k": buf}))
	buf[0] = 'X'

	v, _, _ := kv.Get(ctx, "k")
	assert.Equal(t, "abc", string(v))
	v[1] = 'Y'
	v2, _, _ := kv.Get(ctx, "k")
	assert.Equal(t, "abc", string(v2))
}

func TestOpenSQLite_MigratesUnversionedDatabase(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "old.db")

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(baseSchema)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO kv (key, value) VALUES ('settings', '{"autoSend":false}')`)
	require.NoError(t, err)
	assert.Equal(t, 1, GetSchemaVersion(db))
	require.NoError(t, db.Close())

	kv, err := OpenSQLite("sqlite", path)
	require.NoError(t, err)
	defer kv.Close()

	assert.Equal(t, CurrentSchemaVersion, GetSchemaVersion(kv.db))
	assert.True(t, columnExists(kv.db, "kv", "updated_at"))

	v, ok, err := kv.Get(ctx, "settings")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"autoSend":false}`, string(v))
	require.NoError(t, kv.Set(ctx, map[string][]byte{"settings": []byte(`{}`)}))
}

func TestRunMigrations_Idempotent(t *testing.T) {
	kv, err := OpenSQLite("sqlite", filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	defer kv.Close()

	require.NoError(t, RunMigrations(kv.db))
	require.NoError(t, RunMigrations(kv.db))
	assert.Equal(t, CurrentSchemaVersion, GetSchemaVersion(kv.db))
}
