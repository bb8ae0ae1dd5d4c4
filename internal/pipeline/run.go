// Package pipeline orchestrates one company's end-to-end run: download the
// back-office export, split it into per-date files, then for each date
// merge spill rows, transform, upload, record the outcome, and archive.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/oreva/oiat/internal/config"
	"github.com/oreva/oiat/internal/datesplit"
	"github.com/oreva/oiat/internal/db"
	"github.com/oreva/oiat/internal/notify"
	"github.com/oreva/oiat/internal/transform"
	"github.com/oreva/oiat/internal/upload"
)

// ErrCancelled is returned when an operator cancellation lands between
// phases. The in-flight date is rolled back: staging stays on disk and no
// archive move happens.
var ErrCancelled = errors.New("run cancelled by operator")

// Downloader exports the raw bookkeeping CSV for a date range.
type Downloader interface {
	Download(ctx context.Context, cfg *config.CompanyConfig, fromDate, toDate, destDir, filename string) (string, error)
}

// Uploader pushes one normalized file to the accounting service.
type Uploader interface {
	Upload(ctx context.Context, normalizedPath, targetDate string, opts upload.Options) (*upload.Result, error)
}

// ArtifactRecorder persists per-date processing outcomes.
type ArtifactRecorder interface {
	SaveRunArtifact(ctx context.Context, input db.RunArtifactInput) (*db.RunArtifact, error)
}

// Notifier receives lifecycle messages. notify.Notifier satisfies this.
type Notifier interface {
	Started(ctx context.Context, company, dateScope, logPath string)
	Succeeded(ctx context.Context, s notify.Summary)
	Failed(ctx context.Context, company, dateScope, logPath string, err error)
}

// Event is one structured progress update.
type Event struct {
	Phase   string         `json:"phase"`
	Date    string         `json:"date,omitempty"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// EventCallback is called for each progress event.
type EventCallback func(Event)

// Options holds everything one run needs.
type Options struct {
	Config  *config.CompanyConfig
	BaseDir string

	// FromDate and ToDate bound the run, inclusive, YYYY-MM-DD. Equal
	// dates make a single-date run.
	FromDate string
	ToDate   string

	// SkipDownload reuses split files already in staging instead of
	// exporting a fresh report.
	SkipDownload bool

	UploadOptions upload.Options

	Downloader  Downloader
	Transformer transform.Transformer
	Uploader    Uploader

	// Artifacts may be nil; recording failures degrade to log warnings.
	Artifacts ArtifactRecorder
	// Notifier may be nil.
	Notifier Notifier

	JobID   *uuid.UUID
	LogPath string

	// CancelRequested is polled between phases and at date boundaries.
	// Nil means never cancelled.
	CancelRequested func(ctx context.Context) bool

	OnEvent EventCallback
	Now     func() time.Time
}

// DateOutcome is the result of processing one date.
type DateOutcome struct {
	Date            string
	RowsKept        int
	RowsSpilled     int
	Upload          *upload.Result
	ReconcileStatus string
	ArchiveDir      string
}

// Summary is the outcome of a whole run.
type Summary struct {
	Company  string
	Dates    []string
	Outcomes []*DateOutcome
	Stats    datesplit.Stats
}

type run struct {
	opts   Options
	cfg    *config.CompanyConfig
	layout *Layout
	spills *datesplit.SpillStore
	now    func() time.Time
}

// Run executes the pipeline for opts. On failure the current date's staging
// files are preserved for a skip-download retry; dates already archived
// stay archived.
func Run(ctx context.Context, opts Options) (*Summary, error) {
	if opts.Config == nil {
		return nil, errors.New("pipeline: company config is required")
	}
	if opts.ToDate == "" {
		opts.ToDate = opts.FromDate
	}
	if opts.FromDate == "" {
		return nil, errors.New("pipeline: from date is required")
	}
	for _, d := range []string{opts.FromDate, opts.ToDate} {
		if _, err := time.Parse("2006-01-02", d); err != nil {
			return nil, fmt.Errorf("pipeline: invalid date %q: %w", d, err)
		}
	}
	if opts.ToDate < opts.FromDate {
		return nil, fmt.Errorf("pipeline: date range inverted: %s after %s", opts.FromDate, opts.ToDate)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	r := &run{
		opts:   opts,
		cfg:    opts.Config,
		layout: NewLayout(opts.BaseDir, opts.Config.DisplayName),
		now:    opts.Now,
	}
	r.spills = datesplit.NewSpillStore(r.layout.SpillDir())

	scope := opts.FromDate
	if opts.ToDate != opts.FromDate {
		scope = opts.FromDate + " to " + opts.ToDate
	}
	if opts.Notifier != nil {
		opts.Notifier.Started(ctx, r.cfg.DisplayName, scope, opts.LogPath)
	}
	r.emit(Event{Phase: "pipeline_started", Message: "run started", Fields: map[string]any{
		"company": r.cfg.CompanyKey, "scope": scope,
	}})

	summary, err := r.execute(ctx)
	if err != nil {
		r.emit(Event{Phase: "pipeline_failed", Message: notify.Reason(err)})
		if opts.Notifier != nil {
			opts.Notifier.Failed(ctx, r.cfg.DisplayName, scope, opts.LogPath, err)
		}
		return summary, err
	}

	r.emit(Event{Phase: "pipeline_succeeded", Message: "run completed"})
	return summary, nil
}

func (r *run) execute(ctx context.Context) (*Summary, error) {
	summary := &Summary{Company: r.cfg.CompanyKey}
	for d := r.opts.FromDate; d <= r.opts.ToDate; d = nextDate(d) {
		summary.Dates = append(summary.Dates, d)
	}
	if err := r.checkCancel(ctx); err != nil {
		return summary, err
	}

	originalPath, splitFiles, stats, err := r.acquireSplits(ctx)
	if err != nil {
		return summary, err
	}
	summary.Stats = stats

	for _, date := range summary.Dates {
		if err := r.checkCancel(ctx); err != nil {
			return summary, err
		}

		splitPath, ok := splitFiles[date]
		if !ok {
			if len(summary.Dates) == 1 {
				return summary, fmt.Errorf("no rows found for target date %s", date)
			}
			r.emit(Event{Phase: "split", Date: date, Message: "no rows for date, skipping"})
			continue
		}

		outcome, err := r.processDate(ctx, date, splitPath)
		if err != nil {
			return summary, fmt.Errorf("date %s: %w", date, err)
		}
		summary.Outcomes = append(summary.Outcomes, outcome)

		// Single-date runs archive the original alongside the date; range
		// runs keep it until every date lands.
		if len(summary.Dates) == 1 && originalPath != "" {
			r.archiveOriginal(originalPath, date)
		}

		if r.opts.Notifier != nil && len(summary.Dates) > 1 {
			r.opts.Notifier.Succeeded(ctx, r.notifySummary(outcome))
		}
	}

	if len(summary.Dates) > 1 && originalPath != "" {
		r.archiveOriginal(originalPath, r.opts.ToDate)
	}

	if err := os.RemoveAll(r.layout.StagingDir(r.opts.FromDate, r.opts.ToDate)); err != nil {
		log.Printf("[pipeline] failed to remove staging dir: %v", err)
	}

	if r.opts.Notifier != nil {
		last := &DateOutcome{Date: r.opts.ToDate, ReconcileStatus: "NOT RUN"}
		if n := len(summary.Outcomes); n > 0 {
			last = summary.Outcomes[n-1]
		}
		r.opts.Notifier.Succeeded(ctx, r.notifySummary(last))
	}
	return summary, nil
}

// acquireSplits produces the per-date split files, either by downloading
// and splitting a fresh export or by reusing staged files.
func (r *run) acquireSplits(ctx context.Context) (string, map[string]string, datesplit.Stats, error) {
	stagingDir := r.layout.StagingDir(r.opts.FromDate, r.opts.ToDate)

	if r.opts.SkipDownload {
		files, err := r.findStagedSplits(stagingDir)
		if err != nil {
			return "", nil, datesplit.Stats{}, err
		}
		r.emit(Event{Phase: "split", Message: fmt.Sprintf("reusing %d staged file(s)", len(files))})
		return "", files, datesplit.Stats{}, nil
	}

	filename := r.layout.DownloadFileName(r.opts.FromDate, r.opts.ToDate, r.now())
	r.emit(Event{Phase: "download", Message: "exporting report"})
	originalPath, err := r.opts.Downloader.Download(ctx, r.cfg, r.opts.FromDate, r.opts.ToDate, r.layout.DownloadDir(), filename)
	if err != nil {
		return "", nil, datesplit.Stats{}, fmt.Errorf("download failed: %w", err)
	}

	if err := r.checkCancel(ctx); err != nil {
		return "", nil, datesplit.Stats{}, err
	}

	cutoffHour, cutoffMinute := r.cfg.Cutoff()
	res, err := datesplit.Split(originalPath, datesplit.Options{
		StagingDir:   stagingDir,
		SpillDir:     r.layout.SpillDir(),
		From:         r.opts.FromDate,
		To:           r.opts.ToDate,
		Location:     r.cfg.Location(),
		TradingDay:   r.cfg.TradingDayEnabled(),
		CutoffHour:   cutoffHour,
		CutoffMinute: cutoffMinute,
	})
	if err != nil {
		return "", nil, datesplit.Stats{}, fmt.Errorf("split failed: %w", err)
	}

	for date, path := range res.SpillFiles {
		r.emit(Event{Phase: "spill_created", Date: date, Message: "future rows spilled", Fields: map[string]any{
			"rows": res.Stats.FutureByDate[date], "path": filepath.Base(path),
		}})
	}
	return originalPath, res.SplitFiles, res.Stats, nil
}

// findStagedSplits maps dates to files already in staging, preferring a
// merged CombinedRaw file over the plain split when both exist.
func (r *run) findStagedSplits(stagingDir string) (map[string]string, error) {
	files := make(map[string]string)
	for d := r.opts.FromDate; d <= r.opts.ToDate; d = nextDate(d) {
		combined := filepath.Join(stagingDir, "CombinedRaw_"+d+".csv")
		plain := filepath.Join(stagingDir, "BookKeeping_"+d+".csv")
		switch {
		case fileExists(combined):
			files[d] = combined
		case fileExists(plain):
			files[d] = plain
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("skip-download requested but no staged files found in %s", stagingDir)
	}
	return files, nil
}

// processDate runs merge, transform, upload, artifact recording, and
// archival for one date.
func (r *run) processDate(ctx context.Context, date, splitPath string) (*DateOutcome, error) {
	outcome := &DateOutcome{Date: date, ReconcileStatus: "NOT RUN"}

	spillPath, err := r.spills.Find(date)
	if err != nil {
		return nil, err
	}
	sourcePath, mergedRows, err := datesplit.Merge(splitPath, spillPath,
		r.layout.CombinedPath(r.opts.FromDate, r.opts.ToDate, date))
	if err != nil {
		return nil, fmt.Errorf("merge failed: %w", err)
	}
	if spillPath != "" {
		spillRows, err := countCSVDataRows(spillPath)
		if err != nil {
			return nil, fmt.Errorf("merge failed: %w", err)
		}
		outcome.RowsSpilled = spillRows
		r.emit(Event{Phase: "spill_merged", Date: date, Message: "spill rows merged", Fields: map[string]any{
			"spill_rows": spillRows, "final_rows": mergedRows, "spill": filepath.Base(spillPath),
		}})
	}

	tres, err := r.opts.Transformer.Transform(sourcePath, r.layout.OutputDir(), r.cfg, date)
	if err != nil {
		return nil, fmt.Errorf("transform failed: %w", err)
	}
	outcome.RowsKept = tres.Stats.RowsKept

	if err := r.checkCancel(ctx); err != nil {
		return nil, err
	}

	ures, err := r.opts.Uploader.Upload(ctx, tres.NormalizedPath, date, r.opts.UploadOptions)
	if err != nil {
		return nil, fmt.Errorf("upload failed: %w", err)
	}
	outcome.Upload = ures
	r.emit(Event{Phase: "upload_summary", Date: date, Message: "upload finished", Fields: map[string]any{
		"attempted": ures.Attempted, "created": ures.Created,
		"skipped": ures.SkippedDup, "failed": ures.Failed,
	}})

	outcome.ReconcileStatus = "MISMATCH"
	if ures.Reconciled {
		outcome.ReconcileStatus = "MATCH"
	}
	r.emit(Event{Phase: "reconcile", Date: date, Message: outcome.ReconcileStatus, Fields: map[string]any{
		"source_total": ures.SourceTotal.String(), "remote_total": ures.RemoteTotal.String(),
	}})

	r.recordArtifact(ctx, date, sourcePath, tres, ures)

	outcome.ArchiveDir = r.layout.ArchiveDir(date)
	if err := r.archiveDate(date, splitPath, sourcePath, spillPath, tres.NormalizedPath, tres.MetadataPath); err != nil {
		// Archival is housekeeping; the upload already happened.
		log.Printf("[pipeline] archive failed for %s: %v", date, err)
		r.emit(Event{Phase: "archive", Date: date, Message: "archive failed: " + err.Error()})
	}
	return outcome, nil
}

// recordArtifact persists the date's outcome; failures are warnings.
func (r *run) recordArtifact(ctx context.Context, date, sourcePath string, tres *transform.Result, ures *upload.Result) {
	if r.opts.Artifacts == nil {
		return
	}

	reliability := "high"
	if ures.Failed > 0 || !ures.Reconciled {
		reliability = "warning"
	}
	hash, err := fileSHA256(sourcePath)
	if err != nil {
		log.Printf("[pipeline] failed to hash %s: %v", sourcePath, err)
	}
	diff, _ := ures.SourceTotal.Sub(ures.RemoteTotal).Abs().Float64()

	_, err = r.opts.Artifacts.SaveRunArtifact(ctx, db.RunArtifactInput{
		JobID:             r.opts.JobID,
		CompanyKey:        r.cfg.CompanyKey,
		TargetDate:        date,
		RowsTotal:         tres.Stats.RowsTotal,
		RowsKept:          tres.Stats.RowsKept,
		RowsNonTarget:     tres.Stats.RowsNonTarget,
		ReliabilityStatus: reliability,
		UploadStats: map[string]any{
			"attempted": ures.Attempted, "created": ures.Created,
			"skipped_duplicate": ures.SkippedDup, "failed": ures.Failed,
		},
		ReconcileStatus:     map[bool]string{true: "MATCH", false: "MISMATCH"}[ures.Reconciled],
		ReconcileDifference: diff,
		SourcePath:          sourcePath,
		SourceHash:          hash,
	})
	if err != nil {
		log.Printf("[pipeline] failed to record artifact for %s: %v", date, err)
	}
}

func (r *run) notifySummary(o *DateOutcome) notify.Summary {
	s := notify.Summary{
		Company:         r.cfg.DisplayName,
		TargetDate:      o.Date,
		LogPath:         r.opts.LogPath,
		RowsKept:        o.RowsKept,
		RowsSpilled:     o.RowsSpilled,
		ReconcileStatus: o.ReconcileStatus,
	}
	if o.Upload != nil {
		s.Attempted = o.Upload.Attempted
		s.Created = o.Upload.Created
		s.SkippedDup = o.Upload.SkippedDup
		s.Failed = o.Upload.Failed
		s.Warnings = o.Upload.Warnings
	}
	return s
}

func (r *run) checkCancel(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return ErrCancelled
	}
	if r.opts.CancelRequested != nil && r.opts.CancelRequested(ctx) {
		return ErrCancelled
	}
	return nil
}

func (r *run) emit(ev Event) {
	if ev.Date != "" {
		log.Printf("[pipeline] %s %s: %s", ev.Phase, ev.Date, ev.Message)
	} else {
		log.Printf("[pipeline] %s: %s", ev.Phase, ev.Message)
	}
	if r.opts.OnEvent != nil {
		r.opts.OnEvent(ev)
	}
}

// nextDate advances a YYYY-MM-DD string one calendar day. Malformed input
// returns an empty string, which ends range iteration.
func nextDate(date string) string {
	t, err := time.Parse("2006-01-02", date)
	if err != nil {
		return ""
	}
	return t.AddDate(0, 0, 1).Format("2006-01-02")
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
