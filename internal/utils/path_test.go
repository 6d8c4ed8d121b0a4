package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePath(t *testing.T) {
	_, err := ResolvePath("")
	assert.ErrorIs(t, err, ErrEmptyPath)

	abs, err := ResolvePath("./data/../data")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(abs))
	assert.Equal(t, "data", filepath.Base(abs))

	home, err := os.UserHomeDir()
	require.NoError(t, err)
	got, err := ResolvePath("~/.farmsync")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".farmsync"), got)
}

func TestEnsureParent(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "a", "b", "farmsync.db")

	require.NoError(t, EnsureParent(file))
	assert.True(t, DirExists(filepath.Dir(file)))
	assert.False(t, FileExists(file))

	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	assert.True(t, FileExists(file))
	assert.False(t, DirExists(file))
}

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, "", MaskSecret(""))
	assert.Equal(t, "*****", MaskSecret("abc"))
	assert.Equal(t, "abcd*****", MaskSecret("abcdefgh"))
}

func TestNormalizeBaseURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"http://localhost:8090/", "http://localhost:8090", false},
		{" https://farm.example.com/base/ ", "https://farm.example.com/base", false},
		{"https://farm.example.com?x=1", "https://farm.example.com", false},
		{"", "", true},
		{"ftp://farm.example.com", "", true},
		{"http://", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizeBaseURL(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
