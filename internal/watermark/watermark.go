// Package watermark persists the date of the most recently processed
// scene for one monitored output folder in a plain-text file named
// latest_scene.
package watermark

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FileName of the watermark inside a monitored folder. The file holds a
// single YYYY-MM-DD date and is consumed by external tooling, so the
// format is part of the contract.
const FileName = "latest_scene"

const dateLayout = "2006-01-02"

// ErrMalformed means the watermark file exists but does not parse. This
// is fatal: silently falling back to the default date would reprocess
// or skip history.
var ErrMalformed = errors.New("malformed latest_scene file")

// for tests
var now = time.Now

// Read returns the persisted watermark, or def when no watermark file
// exists yet.
func Read(dir string, def time.Time) (time.Time, error) {
	raw, err := os.ReadFile(filepath.Join(dir, FileName))
	if errors.Is(err, os.ErrNotExist) {
		return def, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("reading watermark in %s: %w", dir, err)
	}
	t, err := time.Parse(dateLayout, strings.TrimSpace(string(raw)))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w in %s: %q", ErrMalformed, dir, strings.TrimSpace(string(raw)))
	}
	return t, nil
}

// Write persists t as the new watermark, clamped so it never lies in
// the future. The file is written to a temp name and renamed so a
// reader never observes a partial value.
func Write(dir string, t time.Time) error {
	if n := now(); t.After(n) {
		t = n
	}
	path := filepath.Join(dir, FileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(t.Format(dateLayout)), 0644); err != nil {
		return fmt.Errorf("failed to write temp watermark file: %v", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename temp watermark file: %v", err)
	}
	return nil
}
