package datesplit

import (
	"encoding/csv"
	"fmt"
	"io"
	"log"
	"os"
)

// Merge concatenates the per-date split file with a previously captured
// spill file for the same date, writing the header exactly once. When
// spillPath is empty the split file is returned unchanged. When splitPath
// is empty the spill file alone becomes the merged output. Returns the path
// to read for downstream processing and the total data-row count.
func Merge(splitPath, spillPath, outPath string) (string, int, error) {
	if spillPath == "" {
		n, err := countDataRows(splitPath)
		if err != nil {
			return "", 0, err
		}
		return splitPath, n, nil
	}

	sources := []string{}
	if splitPath != "" {
		sources = append(sources, splitPath)
	}
	sources = append(sources, spillPath)

	out, err := os.Create(outPath)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create merged CSV %s: %w", outPath, err)
	}
	defer out.Close()

	w := csv.NewWriter(out)
	rows := 0
	headerWritten := false

	for _, src := range sources {
		f, err := os.Open(src)
		if err != nil {
			return "", 0, fmt.Errorf("failed to open merge input %s: %w", src, err)
		}
		r := csv.NewReader(f)
		r.FieldsPerRecord = -1

		header, err := r.Read()
		if err != nil {
			f.Close()
			if err == io.EOF {
				continue
			}
			return "", 0, fmt.Errorf("failed to read header of %s: %w", src, err)
		}
		if !headerWritten {
			if err := w.Write(header); err != nil {
				f.Close()
				return "", 0, fmt.Errorf("failed to write merged header: %w", err)
			}
			headerWritten = true
		}

		for {
			row, err := r.Read()
			if err == io.EOF {
				break
			}
			if err != nil {
				f.Close()
				return "", 0, fmt.Errorf("failed to read merge input %s: %w", src, err)
			}
			if err := w.Write(row); err != nil {
				f.Close()
				return "", 0, fmt.Errorf("failed to write merged row: %w", err)
			}
			rows++
		}
		f.Close()
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return "", 0, fmt.Errorf("failed to flush merged CSV %s: %w", outPath, err)
	}
	if err := out.Close(); err != nil {
		return "", 0, fmt.Errorf("failed to close merged CSV %s: %w", outPath, err)
	}

	log.Printf("[split] merged %d source file(s) into %s (%d rows)", len(sources), outPath, rows)
	return outPath, rows, nil
}

func countDataRows(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open CSV %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	if _, err := r.Read(); err != nil {
		if err == io.EOF {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read header of %s: %w", path, err)
	}
	n := 0
	for {
		if _, err := r.Read(); err != nil {
			if err == io.EOF {
				return n, nil
			}
			return 0, fmt.Errorf("failed to read CSV %s: %w", path, err)
		}
		n++
	}
}
