package datesplit

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

const spillPrefix = "BookKeeping_raw_spill_"

var spillNameRe = regexp.MustCompile(`^BookKeeping_raw_spill_(\d{4}-\d{2}-\d{2})\.csv$`)

// SpillFileName returns the canonical spill file name for a date.
func SpillFileName(date string) string {
	return spillPrefix + date + ".csv"
}

// SpillDate extracts the date from a spill file name. Returns "" when the
// name does not match the spill naming scheme.
func SpillDate(name string) string {
	m := spillNameRe.FindStringSubmatch(filepath.Base(name))
	if m == nil {
		return ""
	}
	return m[1]
}

// SpillStore locates, consumes, and archives spill files for one company.
type SpillStore struct {
	dir string
}

// NewSpillStore creates a store rooted at dir. The directory is created
// lazily on first write.
func NewSpillStore(dir string) *SpillStore {
	return &SpillStore{dir: dir}
}

// Dir returns the store's root directory.
func (s *SpillStore) Dir() string {
	return s.dir
}

// Find returns the spill file path for date, or "" when none exists.
func (s *SpillStore) Find(date string) (string, error) {
	path := filepath.Join(s.dir, SpillFileName(date))
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to stat spill file %s: %w", path, err)
	}
	return path, nil
}

// List returns all spill dates currently on disk, sorted ascending.
func (s *SpillStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list spill directory %s: %w", s.dir, err)
	}
	var dates []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if date := SpillDate(e.Name()); date != "" {
			dates = append(dates, date)
		}
	}
	sort.Strings(dates)
	return dates, nil
}

// Archive moves a consumed spill file into an archived/ subdirectory with a
// timestamp suffix so a later run for the same date never re-reads it.
func (s *SpillStore) Archive(date string, now time.Time) (string, error) {
	src := filepath.Join(s.dir, SpillFileName(date))
	archDir := filepath.Join(s.dir, "archived")
	if err := os.MkdirAll(archDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create spill archive directory: %w", err)
	}
	base := strings.TrimSuffix(SpillFileName(date), ".csv")
	dst := filepath.Join(archDir, base+".consumed_"+now.Format("20060102T150405")+".csv")
	if err := os.Rename(src, dst); err != nil {
		return "", fmt.Errorf("failed to archive spill file %s: %w", src, err)
	}
	return dst, nil
}
