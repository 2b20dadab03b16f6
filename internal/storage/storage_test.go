package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishKey(t *testing.T) {
	key, err := PublishKey("{project}/{asset}/{subset}/v{version:03}/{file}", map[string]any{
		"project": "demo",
		"asset":   "sh010",
		"subset":  "modelMain",
		"version": 7,
		"file":    "modelMain.abc",
	})
	require.NoError(t, err)
	assert.Equal(t, "demo/sh010/modelMain/v007/modelMain.abc", key)

	key, err = PublishKey("/{project}/v{version:04}", map[string]any{"project": "demo", "version": float64(12)})
	require.NoError(t, err)
	assert.Equal(t, "demo/v0012", key)

	_, err = PublishKey("{project}/{task}", map[string]any{"project": "demo"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "task")
}

func TestLocalBucket(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	bucket, err := NewLocal(root)
	require.NoError(t, err)

	src := filepath.Join(t.TempDir(), "model.abc")
	require.NoError(t, os.WriteFile(src, []byte("alembic"), 0o644))
	require.NoError(t, PutFile(ctx, bucket, "demo/sh010/v001/model.abc", src))

	exists, err := bucket.Exists(ctx, "demo/sh010/v001/model.abc")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, filepath.Join(root, "demo", "sh010", "v001", "model.abc"), bucket.URL("demo/sh010/v001/model.abc"))

	reader, err := bucket.Get(ctx, "demo/sh010/v001/model.abc")
	require.NoError(t, err)
	data, err := io.ReadAll(reader)
	require.NoError(t, reader.Close())
	require.NoError(t, err)
	assert.Equal(t, "alembic", string(data))

	_, err = bucket.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotExist)
	exists, err = bucket.Exists(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, exists)

	assert.Error(t, bucket.Put(ctx, "../escape", strings.NewReader("x"), 1))
	assert.Error(t, bucket.Put(ctx, "short", strings.NewReader("x"), 5))
}
