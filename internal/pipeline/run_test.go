package pipeline

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oreva/oiat/internal/config"
	"github.com/oreva/oiat/internal/datesplit"
	"github.com/oreva/oiat/internal/db"
	"github.com/oreva/oiat/internal/notify"
	"github.com/oreva/oiat/internal/transform"
	"github.com/oreva/oiat/internal/upload"
)

func writeCSV(t *testing.T, path string, rows [][]string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.Create(path)
	require.NoError(t, err)
	w := csv.NewWriter(f)
	require.NoError(t, w.WriteAll(rows))
	require.NoError(t, f.Close())
}

type fakeDownloader struct {
	rows  [][]string
	err   error
	calls int
}

func (f *fakeDownloader) Download(_ context.Context, _ *config.CompanyConfig, _, _, destDir, filename string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(destDir, filename)
	out, err := os.Create(path)
	if err != nil {
		return "", err
	}
	w := csv.NewWriter(out)
	if err := w.WriteAll(f.rows); err != nil {
		return "", err
	}
	return path, out.Close()
}

type fakeTransformer struct {
	calls []string
}

func (f *fakeTransformer) Transform(rawPath, outDir string, _ *config.CompanyConfig, targetDate string) (*transform.Result, error) {
	f.calls = append(f.calls, targetDate)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, err
	}
	normalized := filepath.Join(outDir, "normalized_"+targetDate+".csv")
	metadata := filepath.Join(outDir, "transform_metadata_"+targetDate+".json")
	if err := os.WriteFile(normalized, []byte("doc,total\n"), 0o644); err != nil {
		return nil, err
	}
	if err := os.WriteFile(metadata, []byte("{}"), 0o644); err != nil {
		return nil, err
	}
	return &transform.Result{
		NormalizedPath: normalized,
		MetadataPath:   metadata,
		Stats:          transform.Stats{RowsTotal: 2, RowsKept: 2},
	}, nil
}

type fakeUploader struct {
	failDate string
	dates    []string
}

func (f *fakeUploader) Upload(_ context.Context, _, targetDate string, _ upload.Options) (*upload.Result, error) {
	f.dates = append(f.dates, targetDate)
	if targetDate == f.failDate {
		return nil, fmt.Errorf("remote returned 401")
	}
	return &upload.Result{
		Attempted:   2,
		Created:     2,
		SourceTotal: decimal.NewFromInt(100),
		RemoteTotal: decimal.NewFromInt(100),
		Reconciled:  true,
	}, nil
}

type fakeArtifacts struct {
	saved []db.RunArtifactInput
}

func (f *fakeArtifacts) SaveRunArtifact(_ context.Context, input db.RunArtifactInput) (*db.RunArtifact, error) {
	f.saved = append(f.saved, input)
	return &db.RunArtifact{}, nil
}

type fakeNotifier struct {
	started   int
	succeeded []notify.Summary
	failed    int
}

func (f *fakeNotifier) Started(_ context.Context, _, _, _ string)          { f.started++ }
func (f *fakeNotifier) Succeeded(_ context.Context, s notify.Summary)      { f.succeeded = append(f.succeeded, s) }
func (f *fakeNotifier) Failed(_ context.Context, _, _, _ string, _ error)  { f.failed++ }

func testConfig() *config.CompanyConfig {
	return &config.CompanyConfig{
		CompanyKey:  "demo",
		DisplayName: "Demo Stores",
		Timezone:    "UTC",
	}
}

func baseOptions(t *testing.T, dl *fakeDownloader) (Options, *fakeArtifacts, *fakeNotifier, *[]Event) {
	t.Helper()
	arts := &fakeArtifacts{}
	notif := &fakeNotifier{}
	var events []Event
	return Options{
		Config:      testConfig(),
		BaseDir:     t.TempDir(),
		Downloader:  dl,
		Transformer: &fakeTransformer{},
		Uploader:    &fakeUploader{},
		Artifacts:   arts,
		Notifier:    notif,
		OnEvent:     func(ev Event) { events = append(events, ev) },
	}, arts, notif, &events
}

func phases(events []Event) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Phase)
	}
	return out
}

func TestRunSingleDateSuccess(t *testing.T) {
	dl := &fakeDownloader{rows: [][]string{
		{"Date/Time", "Staff", "Total"},
		{"27/12/2025 10:00:00", "alice", "60"},
		{"27/12/2025 14:30:00", "bob", "40"},
		{"29/12/2025 09:00:00", "alice", "15"},
	}}
	opts, arts, notif, events := baseOptions(t, dl)
	opts.FromDate = "2025-12-27"
	opts.ToDate = "2025-12-27"

	summary, err := Run(context.Background(), opts)
	require.NoError(t, err)
	require.Len(t, summary.Outcomes, 1)
	assert.Equal(t, "MATCH", summary.Outcomes[0].ReconcileStatus)
	assert.Equal(t, 2, summary.Stats.InRangeRows)
	assert.Equal(t, 1, summary.Stats.FutureRows)

	archive := filepath.Join(opts.BaseDir, "Uploaded", "Demo_Stores", "2025-12-27")
	assert.FileExists(t, filepath.Join(archive, "RAW_SPLIT_BookKeeping_2025-12-27.csv"))
	assert.FileExists(t, filepath.Join(archive, "normalized_2025-12-27.csv"))
	assert.FileExists(t, filepath.Join(archive, "transform_metadata_2025-12-27.json"))

	// Original export archived alongside the only date.
	entries, err := os.ReadDir(archive)
	require.NoError(t, err)
	foundOriginal := false
	for _, e := range entries {
		if len(e.Name()) > 9 && e.Name()[:9] == "ORIGINAL_" {
			foundOriginal = true
		}
	}
	assert.True(t, foundOriginal)

	// Staging is gone after a clean run.
	assert.NoDirExists(t, filepath.Join(opts.BaseDir, "uploads", "range_raw", "Demo_Stores", "2025-12-27_to_2025-12-27"))

	ph := phases(*events)
	assert.Contains(t, ph, "pipeline_started")
	assert.Contains(t, ph, "spill_created")
	assert.Contains(t, ph, "upload_summary")
	assert.Contains(t, ph, "reconcile")
	assert.Contains(t, ph, "pipeline_succeeded")

	require.Len(t, arts.saved, 1)
	assert.Equal(t, "high", arts.saved[0].ReliabilityStatus)
	assert.Equal(t, "MATCH", arts.saved[0].ReconcileStatus)
	assert.NotEmpty(t, arts.saved[0].SourceHash)

	assert.Equal(t, 1, notif.started)
	require.Len(t, notif.succeeded, 1)
	assert.Equal(t, "2025-12-27", notif.succeeded[0].TargetDate)
}

func TestRunMergesSpill(t *testing.T) {
	dl := &fakeDownloader{rows: [][]string{
		{"Date/Time", "Staff", "Total"},
		{"27/12/2025 10:00:00", "alice", "60"},
	}}
	opts, _, _, events := baseOptions(t, dl)
	opts.FromDate = "2025-12-27"
	opts.ToDate = "2025-12-27"

	spillDir := filepath.Join(opts.BaseDir, "uploads", "spill_raw", "Demo_Stores")
	writeCSV(t, filepath.Join(spillDir, datesplit.SpillFileName("2025-12-27")), [][]string{
		{"Date/Time", "Staff", "Total"},
		{"27/12/2025 23:50:00", "carol", "25"},
	})

	summary, err := Run(context.Background(), opts)
	require.NoError(t, err)
	require.Len(t, summary.Outcomes, 1)
	assert.Equal(t, 1, summary.Outcomes[0].RowsSpilled)
	assert.Contains(t, phases(*events), "spill_merged")

	archive := filepath.Join(opts.BaseDir, "Uploaded", "Demo_Stores", "2025-12-27")
	assert.FileExists(t, filepath.Join(archive, "RAW_COMBINED_CombinedRaw_2025-12-27.csv"))
	assert.FileExists(t, filepath.Join(archive, "RAW_SPILL_"+datesplit.SpillFileName("2025-12-27")))

	// Consumed spill no longer sits in the live spill directory.
	assert.NoFileExists(t, filepath.Join(spillDir, datesplit.SpillFileName("2025-12-27")))
}

func TestRunRangeAbortsOnFailure(t *testing.T) {
	dl := &fakeDownloader{rows: [][]string{
		{"Date/Time", "Staff", "Total"},
		{"27/12/2025 10:00:00", "alice", "60"},
		{"28/12/2025 11:00:00", "bob", "40"},
	}}
	opts, _, notif, _ := baseOptions(t, dl)
	opts.FromDate = "2025-12-27"
	opts.ToDate = "2025-12-28"
	opts.Uploader = &fakeUploader{failDate: "2025-12-28"}

	summary, err := Run(context.Background(), opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2025-12-28")

	// The first date is already archived and stays archived.
	require.Len(t, summary.Outcomes, 1)
	assert.FileExists(t, filepath.Join(opts.BaseDir, "Uploaded", "Demo_Stores", "2025-12-27",
		"RAW_SPLIT_BookKeeping_2025-12-27.csv"))

	// Staging survives for a skip-download retry of the failed date.
	staging := filepath.Join(opts.BaseDir, "uploads", "range_raw", "Demo_Stores", "2025-12-27_to_2025-12-28")
	assert.FileExists(t, filepath.Join(staging, "BookKeeping_2025-12-28.csv"))

	// The original export is not archived until every date lands.
	downloads, readErr := os.ReadDir(filepath.Join(opts.BaseDir, "downloads", "Demo_Stores"))
	require.NoError(t, readErr)
	assert.NotEmpty(t, downloads)

	assert.Equal(t, 1, notif.failed)
}

func TestRunCancelBetweenDates(t *testing.T) {
	dl := &fakeDownloader{rows: [][]string{
		{"Date/Time", "Staff", "Total"},
		{"27/12/2025 10:00:00", "alice", "60"},
		{"28/12/2025 11:00:00", "bob", "40"},
	}}
	opts, arts, _, _ := baseOptions(t, dl)
	opts.FromDate = "2025-12-27"
	opts.ToDate = "2025-12-28"

	// Checks 1-4 are run start, post-download, the first date, and its
	// pre-upload check; the fifth, at the second date, cancels.
	checks := 0
	opts.CancelRequested = func(context.Context) bool {
		checks++
		return checks > 4
	}

	_, err := Run(context.Background(), opts)
	require.ErrorIs(t, err, ErrCancelled)

	// Nothing past the cancellation point was uploaded or recorded.
	assert.LessOrEqual(t, len(arts.saved), 1)
	staging := filepath.Join(opts.BaseDir, "uploads", "range_raw", "Demo_Stores", "2025-12-27_to_2025-12-28")
	assert.DirExists(t, staging)
}

func TestRunSkipDownloadReusesStagedFiles(t *testing.T) {
	dl := &fakeDownloader{}
	opts, _, _, _ := baseOptions(t, dl)
	opts.FromDate = "2025-12-27"
	opts.ToDate = "2025-12-27"
	opts.SkipDownload = true

	staging := filepath.Join(opts.BaseDir, "uploads", "range_raw", "Demo_Stores", "2025-12-27_to_2025-12-27")
	writeCSV(t, filepath.Join(staging, "BookKeeping_2025-12-27.csv"), [][]string{
		{"Date/Time", "Staff", "Total"},
		{"27/12/2025 10:00:00", "alice", "60"},
	})

	summary, err := Run(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, 0, dl.calls)
	require.Len(t, summary.Outcomes, 1)

	// No fresh export means no ORIGINAL_ in the archive.
	archive := filepath.Join(opts.BaseDir, "Uploaded", "Demo_Stores", "2025-12-27")
	entries, err := os.ReadDir(archive)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), "ORIGINAL_")
	}
}

func TestRunSkipDownloadPrefersCombined(t *testing.T) {
	opts, _, _, _ := baseOptions(t, &fakeDownloader{})
	opts.FromDate = "2025-12-27"
	opts.ToDate = "2025-12-27"
	opts.SkipDownload = true

	staging := filepath.Join(opts.BaseDir, "uploads", "range_raw", "Demo_Stores", "2025-12-27_to_2025-12-27")
	writeCSV(t, filepath.Join(staging, "BookKeeping_2025-12-27.csv"), [][]string{
		{"Date/Time", "Staff"}, {"27/12/2025 10:00:00", "alice"},
	})
	writeCSV(t, filepath.Join(staging, "CombinedRaw_2025-12-27.csv"), [][]string{
		{"Date/Time", "Staff"}, {"27/12/2025 10:00:00", "alice"}, {"27/12/2025 23:50:00", "carol"},
	})

	r := &run{opts: opts, cfg: opts.Config, layout: NewLayout(opts.BaseDir, opts.Config.DisplayName)}
	files, err := r.findStagedSplits(staging)
	require.NoError(t, err)
	assert.Contains(t, files["2025-12-27"], "CombinedRaw_")
}

func TestRunSkipDownloadWithEmptyStagingFails(t *testing.T) {
	opts, _, _, _ := baseOptions(t, &fakeDownloader{})
	opts.FromDate = "2025-12-27"
	opts.ToDate = "2025-12-27"
	opts.SkipDownload = true

	_, err := Run(context.Background(), opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no staged files")
}

func TestRunNoRowsForSingleDate(t *testing.T) {
	dl := &fakeDownloader{rows: [][]string{
		{"Date/Time", "Staff", "Total"},
		{"20/12/2025 10:00:00", "alice", "60"},
	}}
	opts, _, notif, _ := baseOptions(t, dl)
	opts.FromDate = "2025-12-27"
	opts.ToDate = "2025-12-27"

	_, err := Run(context.Background(), opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no rows found for target date")
	assert.Equal(t, 1, notif.failed)
}

func TestCompanyDirName(t *testing.T) {
	cases := []struct{ in, want string }{
		{"Demo Stores", "Demo_Stores"},
		{"joe's cafe & grill", "Joe_S_Cafe_Grill"},
		{"ACME", "Acme"},
		{"  spaced   out  ", "Spaced_Out"},
		{"***", "Company"},
		{"", "Company"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, CompanyDirName(tc.in), tc.in)
	}
}

func TestNextDate(t *testing.T) {
	assert.Equal(t, "2025-12-28", nextDate("2025-12-27"))
	assert.Equal(t, "2026-01-01", nextDate("2025-12-31"))
	assert.Equal(t, "", nextDate("garbage"))
}
