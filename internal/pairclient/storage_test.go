package pairclient

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStorage(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	s := NewFileStorage(dir)

	_, err := s.Load(tokenKey)
	assert.ErrorIs(t, err, ErrNoValue)

	require.NoError(t, s.Save(tokenKey, []byte(`{"token":"a"}`)))
	require.NoError(t, s.Save(tokenKey, []byte(`{"token":"b"}`)))

	data, err := s.Load(tokenKey)
	require.NoError(t, err)
	assert.Equal(t, `{"token":"b"}`, string(data))

	info, err := os.Stat(filepath.Join(dir, tokenKey+".json"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")

	require.NoError(t, s.Delete(tokenKey))
	require.NoError(t, s.Delete(tokenKey))
	_, err = s.Load(tokenKey)
	assert.ErrorIs(t, err, ErrNoValue)
}

func TestMemoryStorage_CopiesValues(t *testing.T) {
	s := NewMemoryStorage()
	value := []byte("abc")
	require.NoError(t, s.Save("k", value))
	value[0] = 'z'

	got, err := s.Load("k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))
}
