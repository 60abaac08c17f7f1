package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "session.json")
	store := NewFileStore(path, zap.NewNop())

	orig := sampleSnapshot()
	require.NoError(t, store.Save(ctx, orig))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	got, ok := store.Load(ctx)
	require.True(t, ok)
	if diff := cmp.Diff(orig, got, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files must not be left behind")
}

func TestFileStoreOverwrite(t *testing.T) {
	ctx := context.Background()
	store := NewFileStore(filepath.Join(t.TempDir(), "session.json"), zap.NewNop())

	require.NoError(t, store.Save(ctx, sampleSnapshot()))
	require.NoError(t, store.Save(ctx, &Snapshot{Cookies: []Cookie{{Name: "only", Value: "1", Domain: "d", Path: "/"}}}))

	got, ok := store.Load(ctx)
	require.True(t, ok)
	require.Len(t, got.Cookies, 1)
	assert.Equal(t, "only", got.Cookies[0].Name)
}

func TestFileStoreLoadFailsSoft(t *testing.T) {
	ctx := context.Background()

	t.Run("absent file", func(t *testing.T) {
		core, logs := observer.New(zapcore.InfoLevel)
		store := NewFileStore(filepath.Join(t.TempDir(), "missing.json"), zap.New(core))

		snap, ok := store.Load(ctx)
		assert.False(t, ok)
		assert.Nil(t, snap)
		assert.Equal(t, 1, logs.FilterMessage("No saved session found.").Len())
	})

	t.Run("malformed file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "session.json")
		require.NoError(t, os.WriteFile(path, []byte("{truncated"), 0o600))
		core, logs := observer.New(zapcore.WarnLevel)
		store := NewFileStore(path, zap.New(core))

		snap, ok := store.Load(ctx)
		assert.False(t, ok)
		assert.Nil(t, snap)
		require.Equal(t, 1, logs.Len())
		assert.Equal(t, zapcore.WarnLevel, logs.All()[0].Level)
	})

	t.Run("legacy cookie array", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "session.json")
		require.NoError(t, os.WriteFile(path, []byte(`[{"name":"sid","value":"v","domain":"forum.example","path":"/"}]`), 0o600))

		snap, ok := NewFileStore(path, zap.NewNop()).Load(ctx)
		require.True(t, ok)
		assert.Len(t, snap.Cookies, 1)
	})
}

func TestFileStoreSaveHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	path := filepath.Join(t.TempDir(), "session.json")

	err := NewFileStore(path, zap.NewNop()).Save(ctx, sampleSnapshot())
	assert.ErrorIs(t, err, context.Canceled)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}
