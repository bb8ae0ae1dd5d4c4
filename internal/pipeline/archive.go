package pipeline

import (
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
)

// archiveDate moves one processed date's artifacts into Uploaded/<date>/:
// the split file as RAW_SPLIT_, the merged file as RAW_COMBINED_ when a
// merge happened, a RAW_SPILL_ copy of any consumed spill, and the
// normalized CSV plus its metadata as-is.
func (r *run) archiveDate(date, splitPath, sourcePath, spillPath, normalized, metadata string) error {
	destDir := r.layout.ArchiveDir(date)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("failed to create archive dir: %w", err)
	}

	if err := moveWithPrefix(splitPath, destDir, "RAW_SPLIT_"); err != nil {
		return err
	}
	if sourcePath != splitPath {
		if err := moveWithPrefix(sourcePath, destDir, "RAW_COMBINED_"); err != nil {
			return err
		}
	}
	if spillPath != "" {
		if err := copyWithPrefix(spillPath, destDir, "RAW_SPILL_"); err != nil {
			return err
		}
		if _, err := r.spills.Archive(date, r.now()); err != nil {
			log.Printf("[pipeline] failed to mark spill consumed for %s: %v", date, err)
		}
	}

	if err := moveWithPrefix(normalized, destDir, ""); err != nil {
		return err
	}
	if metadata != "" {
		if err := moveWithPrefix(metadata, destDir, ""); err != nil {
			return err
		}
	}
	return nil
}

// archiveOriginal moves the raw export next to the given date's artifacts.
// Failures are warnings: the data is uploaded, only housekeeping is late.
func (r *run) archiveOriginal(originalPath, date string) {
	destDir := r.layout.ArchiveDir(date)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		log.Printf("[pipeline] failed to create archive dir for original: %v", err)
		return
	}
	if err := moveWithPrefix(originalPath, destDir, "ORIGINAL_"); err != nil {
		log.Printf("[pipeline] failed to archive original export: %v", err)
	}
}

func moveWithPrefix(src, destDir, prefix string) error {
	dest := filepath.Join(destDir, prefix+filepath.Base(src))
	if err := os.Rename(src, dest); err == nil {
		return nil
	}
	// Rename fails across filesystems; fall back to copy then remove.
	if err := copyFile(src, dest); err != nil {
		return fmt.Errorf("failed to archive %s: %w", src, err)
	}
	return os.Remove(src)
}

func copyWithPrefix(src, destDir, prefix string) error {
	dest := filepath.Join(destDir, prefix+filepath.Base(src))
	if err := copyFile(src, dest); err != nil {
		return fmt.Errorf("failed to archive %s: %w", src, err)
	}
	return nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func countCSVDataRows(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	n := -1
	for {
		if _, err := r.Read(); err != nil {
			if err == io.EOF {
				break
			}
			return 0, err
		}
		n++
	}
	if n < 0 {
		n = 0
	}
	return n, nil
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
