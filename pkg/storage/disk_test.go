package storage

import (
	"context"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"

	"grape/models"
)

func TestDiskStorePutFetchDelete(t *testing.T) {
	ctx := context.Background()
	store, err := NewDiskStore(filepath.Join(t.TempDir(), "archives"))
	require.NoError(t, err)

	archive, err := store.Put(ctx, "p1", strings.NewReader("zip bytes"), 9)
	require.NoError(t, err)

	sum := blake3.Sum256([]byte("zip bytes"))
	assert.Equal(t, int64(9), archive.Size)
	assert.Equal(t, hex.EncodeToString(sum[:]), archive.Digest)

	path, release, err := store.Fetch(ctx, "p1")
	require.NoError(t, err)
	defer release()

	body, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "zip bytes", string(body))

	require.NoError(t, store.Delete(ctx, "p1"))
	require.NoError(t, store.Delete(ctx, "p1"), "deleting twice is fine")

	_, _, err = store.Fetch(ctx, "p1")
	assert.True(t, models.IsNotFound(err))
}

func TestDiskStoreNeverOverwrites(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewDiskStore(dir)
	require.NoError(t, err)

	_, err = store.Put(ctx, "p1", strings.NewReader("first"), 5)
	require.NoError(t, err)

	_, err = store.Put(ctx, "p1", strings.NewReader("second"), 6)
	assert.True(t, models.IsConflict(err))

	path, release, err := store.Fetch(ctx, "p1")
	require.NoError(t, err)
	defer release()
	body, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "first", string(body))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files are cleaned up")
}
