package cache

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type searchResult struct {
	ID     string  `json:"id"`
	Clouds float64 `json:"clouds"`
}

func TestSetGetRoundtrip(t *testing.T) {
	fc := NewFileCache[[]searchResult](t.TempDir(), "search")

	want := []searchResult{{ID: "S2A_20210301", Clouds: 12.3}, {ID: "S2B_20210305", Clouds: 0}}
	require.NoError(t, fc.Set("abc", want))

	got, ok := fc.Get("abc")
	require.True(t, ok)
	assert.Equal(t, want, got)
}

func TestGetMissesOnAbsentKey(t *testing.T) {
	fc := NewFileCache[string](t.TempDir(), "search")

	_, ok := fc.Get("never-set")
	assert.False(t, ok)
}

func TestGetMissesOnCorruptedEntry(t *testing.T) {
	dir := t.TempDir()
	fc := NewFileCache[[]searchResult](dir, "search")
	require.NoError(t, fc.Set("abc", []searchResult{{ID: "S2A_20210301"}}))

	cacheFile := filepath.Join(dir, "search", "abc.json")
	data, err := os.ReadFile(cacheFile)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), "S2A_20210301", "S2X_20991231", 1)
	require.NoError(t, os.WriteFile(cacheFile, []byte(tampered), 0644))

	_, ok := fc.Get("abc")
	assert.False(t, ok, "checksum mismatch must read as a miss")
}

func TestGenerateKeyIsStableAndDistinct(t *testing.T) {
	fc := NewFileCache[string](t.TempDir(), "search")

	a := fc.GenerateKey("sentinel2-msi", "2021-03-01", "2021-03-08")
	b := fc.GenerateKey("sentinel2-msi", "2021-03-01", "2021-03-08")
	c := fc.GenerateKey("sentinel2-msi", "2021-03-01", "2021-03-09")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 40)
}
