package watermark

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(y, m, d int) time.Time {
	return time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
}

func TestReadReturnsDefaultWhenAbsent(t *testing.T) {
	dir := t.TempDir()
	def := date(2017, 1, 1)

	got, err := Read(dir, def)
	require.NoError(t, err)
	assert.Equal(t, def, got)
}

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, Write(dir, date(2021, 3, 5)))

	got, err := Read(dir, date(2017, 1, 1))
	require.NoError(t, err)
	assert.Equal(t, date(2021, 3, 5), got)

	raw, err := os.ReadFile(filepath.Join(dir, FileName))
	require.NoError(t, err)
	assert.Equal(t, "2021-03-05", string(raw))
}

func TestWriteClampsFutureDates(t *testing.T) {
	dir := t.TempDir()
	fixed := date(2021, 3, 10)
	now = func() time.Time { return fixed }
	defer func() { now = time.Now }()

	require.NoError(t, Write(dir, date(2030, 1, 1)))

	got, err := Read(dir, date(2017, 1, 1))
	require.NoError(t, err)
	assert.Equal(t, fixed, got, "watermark must never be in the future")
}

func TestWriteIsMonotonicAcrossRuns(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, Write(dir, date(2021, 3, 1)))
	require.NoError(t, Write(dir, date(2021, 3, 5)))

	got, err := Read(dir, date(2017, 1, 1))
	require.NoError(t, err)
	assert.Equal(t, date(2021, 3, 5), got)
}

func TestReadMalformedIsFatal(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("not-a-date"), 0644))

	_, err := Read(dir, date(2017, 1, 1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformed))
}

func TestReadTrimsTrailingNewline(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("2021-03-05\n"), 0644))

	got, err := Read(dir, date(2017, 1, 1))
	require.NoError(t, err)
	assert.Equal(t, date(2021, 3, 5), got)
}

func TestWriteLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Write(dir, date(2021, 3, 5)))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, FileName, entries[0].Name())
}
