package transform

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oreva/oiat/internal/config"
)

// Metadata is the transform_metadata record archived next to each
// normalized CSV. It records enough to audit which raw file produced which
// documents for which date.
type Metadata struct {
	RawFile        string   `json:"raw_file"`
	RawFilePath    string   `json:"raw_file_path"`
	ProcessedFiles []string `json:"processed_files"`
	NormalizedDate string   `json:"normalized_date"`
	TargetDate     string   `json:"target_date"`
	RowsTotal      int      `json:"rows_total"`
	RowsKept       int      `json:"rows_kept"`
	RowsNonTarget  int      `json:"rows_non_target"`
	DatesPresent   []string `json:"dates_present"`
	ProcessedAt    string   `json:"processed_at"`
	CompanyKey     string   `json:"company_key"`
	Grouping       []string `json:"grouping"`
	SourceMode     string   `json:"source_mode"`
}

func (rt *ReceiptTransformer) writeMetadata(outDir, rawPath, normalizedPath string, cfg *config.CompanyConfig, targetDate string, stats Stats) (string, error) {
	now := time.Now
	if rt.Now != nil {
		now = rt.Now
	}
	meta := Metadata{
		RawFile:        filepath.Base(rawPath),
		RawFilePath:    rawPath,
		ProcessedFiles: []string{filepath.Base(normalizedPath)},
		NormalizedDate: targetDate,
		TargetDate:     targetDate,
		RowsTotal:      stats.RowsTotal,
		RowsKept:       stats.RowsKept,
		RowsNonTarget:  stats.RowsNonTarget,
		DatesPresent:   stats.DatesPresent,
		ProcessedAt:    now().Format(time.RFC3339),
		CompanyKey:     cfg.CompanyKey,
		Grouping:       cfg.Transform.GroupBy,
		SourceMode:     sourceMode(rawPath),
	}

	path := filepath.Join(outDir, cfg.Output.MetadataFile)
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal transform metadata: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write transform metadata %s: %w", path, err)
	}
	return path, nil
}

// sourceMode classifies the raw input for diagnostics: a merged split+spill
// file, a plain per-date split file, or a directly supplied export.
func sourceMode(rawPath string) string {
	base := filepath.Base(rawPath)
	switch {
	case strings.HasPrefix(base, "CombinedRaw_"):
		return "raw_combined"
	case strings.HasPrefix(base, "BookKeeping_"):
		return "raw_split"
	default:
		return "raw_direct"
	}
}
