package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Storage {
	t.Helper()
	local, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	return map[string]Storage{
		"local":  local,
		"memory": NewMemoryStorage(),
	}
}

func TestStorage_ReadWriteDelete(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Read(ctx, "workflows/missing.yaml")
			require.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Write(ctx, "workflows/a.yaml", []byte("one")))
			require.NoError(t, s.Write(ctx, "workflows/a.yaml", []byte("two")))

			data, err := s.Read(ctx, "workflows/a.yaml")
			require.NoError(t, err)
			assert.Equal(t, "two", string(data))

			exists, err := s.Exists(ctx, "workflows/a.yaml")
			require.NoError(t, err)
			assert.True(t, exists)

			require.NoError(t, s.Delete(ctx, "workflows/a.yaml"))
			require.ErrorIs(t, s.Delete(ctx, "workflows/a.yaml"), ErrNotFound)

			exists, err = s.Exists(ctx, "workflows/a.yaml")
			require.NoError(t, err)
			assert.False(t, exists)
		})
	}
}

func TestStorage_ListDirectChildrenOnly(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Write(ctx, "workflows/b.yaml", []byte("b")))
			require.NoError(t, s.Write(ctx, "workflows/a.yaml", []byte("a")))
			require.NoError(t, s.Write(ctx, "workflows/nested/c.yaml", []byte("c")))

			paths, err := s.List(ctx, "workflows")
			require.NoError(t, err)
			assert.Equal(t, []string{"workflows/a.yaml", "workflows/b.yaml"}, paths)

			empty, err := s.List(ctx, "nothing-here")
			require.NoError(t, err)
			assert.Empty(t, empty)
		})
	}
}

func TestLocalStorage_ConfinedToBasePath(t *testing.T) {
	base := t.TempDir()
	s, err := NewLocalStorage(filepath.Join(base, "data"))
	require.NoError(t, err)

	require.NoError(t, s.Write(context.Background(), "../escape.yaml", []byte("x")))

	_, err = os.Stat(filepath.Join(base, "escape.yaml"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(base, "data", "escape.yaml"))
	assert.NoError(t, err)
}

func TestLocalStorage_ListSkipsTempFiles(t *testing.T) {
	s, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(s.BasePath(), "workflows"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(s.BasePath(), "workflows", "x.yaml.123.tmp"), []byte("partial"), 0o644))

	paths, err := s.List(context.Background(), "workflows")
	require.NoError(t, err)
	assert.Empty(t, paths)
}
