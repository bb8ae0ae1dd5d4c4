package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/oreva/oiat/internal/config"
	"github.com/oreva/oiat/internal/db"
	"github.com/oreva/oiat/internal/download"
	"github.com/oreva/oiat/internal/ledger"
	"github.com/oreva/oiat/internal/notify"
	"github.com/oreva/oiat/internal/observability"
	"github.com/oreva/oiat/internal/pipeline"
	"github.com/oreva/oiat/internal/qbo"
	"github.com/oreva/oiat/internal/tokens"
	"github.com/oreva/oiat/internal/transform"
	"github.com/oreva/oiat/internal/upload"
)

var runCommand = &cobra.Command{
	Use:   "run",
	Short: "Process one company for a date or date range",
	Long: `Downloads the back-office export, splits it per trading date, then
transforms, uploads, and archives each date in order. Holds the global run
lock for the duration; a second concurrent run exits with code 2.`,
	RunE: runOne,
}

var (
	runTenant         string
	runDate           string
	runFrom           string
	runTo             string
	runSkipDownload   bool
	runDryRun         bool
	runInvSyncMode    string
	runBypassInvStart bool
	runVerbose        bool
)

func init() {
	runCommand.Flags().StringVar(&runTenant, "tenant", "", "Company key to process (required)")
	runCommand.Flags().StringVar(&runDate, "date", "", "Single target date YYYY-MM-DD (mutually exclusive with --from/--to)")
	runCommand.Flags().StringVar(&runFrom, "from", "", "Range start date YYYY-MM-DD")
	runCommand.Flags().StringVar(&runTo, "to", "", "Range end date YYYY-MM-DD (defaults to --from)")
	runCommand.Flags().BoolVar(&runSkipDownload, "skip-download", false, "Reuse staged split files instead of downloading")
	runCommand.Flags().BoolVar(&runDryRun, "dry-run", false, "Validate configuration and credentials, print the plan, and exit")
	runCommand.Flags().StringVar(&runInvSyncMode, "inventory-sync-mode", "", "Override inventory sync mode (inline or upload_fast)")
	runCommand.Flags().BoolVar(&runBypassInvStart, "bypass-inventory-startdate", false, "Allow backdated documents before the inventory start date")
	runCommand.Flags().BoolVar(&runVerbose, "verbose", false, "Print per-phase progress and per-date result boxes")
	rootCmd.AddCommand(runCommand)
}

func runOne(cmd *cobra.Command, args []string) error {
	fromDate, toDate, err := resolveDates()
	if err != nil {
		return exitWith(exitLocked, err)
	}
	if runTenant == "" {
		return exitWith(exitLocked, fmt.Errorf("--tenant is required"))
	}
	if runInvSyncMode != "" && runInvSyncMode != "inline" && runInvSyncMode != "upload_fast" {
		return exitWith(exitLocked, fmt.Errorf("--inventory-sync-mode must be inline or upload_fast"))
	}

	cfg, err := loadTenantConfig(runTenant)
	if err != nil {
		return err
	}
	applyInventoryFlags(cfg, fromDate)

	if runDryRun {
		return dryRun(cfg, fromDate, toDate)
	}

	// A parent run-all batch already holds the lock for its children.
	if os.Getenv("OIAT_LOCK_HELD") != "1" {
		lock := newRunLock()
		if reaped, err := lock.ReapIfStale(); err == nil && reaped > 0 {
			log.Printf("[run] reaped stale lock held by dead pid %d", reaped)
		}
		held, holder, err := lock.TryAcquire(os.Getpid())
		if err != nil {
			return err
		}
		if !held {
			return exitWith(exitLocked, fmt.Errorf("another run is in progress (pid %d)", holder))
		}
		defer func() {
			if err := lock.Release(); err != nil {
				log.Printf("[run] failed to release run lock: %v", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := pipeline.Options{
		Config:       cfg,
		BaseDir:      baseDir(),
		FromDate:     fromDate,
		ToDate:       toDate,
		SkipDownload: runSkipDownload,
		Downloader:   download.NewBrowser(),
		Transformer:  transform.NewReceiptTransformer(),
		Notifier:     notify.New(cfg.SlackWebhookURL()),
	}
	if mf := mappingFile(cfg); mf != "" {
		opts.UploadOptions.MappingFile = mf
	}

	uploader, closeUploader, err := buildUploader(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeUploader()
	opts.Uploader = uploader

	if cleanup, err := wireJobTracking(ctx, &opts); err != nil {
		log.Printf("[run] job tracking unavailable: %v", err)
	} else if cleanup != nil {
		defer cleanup()
	}

	var printer *observability.Printer
	if runVerbose {
		printer = observability.NewPrinter(os.Stdout)
		opts.OnEvent = printer.PrintEvent
	}

	summary, err := pipeline.Run(ctx, opts)
	if err != nil {
		return err
	}
	if printer != nil {
		for _, outcome := range summary.Outcomes {
			printer.PrintDateOutcome(outcome)
		}
		printer.PrintRunSummary(summary)
	}
	return nil
}

func resolveDates() (string, string, error) {
	if runDate != "" && (runFrom != "" || runTo != "") {
		return "", "", fmt.Errorf("--date and --from/--to are mutually exclusive")
	}
	if runDate != "" {
		return runDate, runDate, nil
	}
	if runFrom == "" {
		return "", "", fmt.Errorf("one of --date or --from is required")
	}
	to := runTo
	if to == "" {
		to = runFrom
	}
	return runFrom, to, nil
}

func loadTenantConfig(key string) (*config.CompanyConfig, error) {
	configs, err := config.LoadDir(companiesDir())
	if err != nil {
		return nil, err
	}
	cfg, ok := configs[key]
	if !ok {
		return nil, fmt.Errorf("unknown tenant %q; available: %v", key, config.AvailableCompanies(companiesDir()))
	}
	return cfg, nil
}

func applyInventoryFlags(cfg *config.CompanyConfig, fromDate string) {
	if cfg.Inventory == nil {
		return
	}
	if runInvSyncMode != "" {
		cfg.Inventory.SyncMode = runInvSyncMode
	}
	if runBypassInvStart {
		cfg.Inventory.StartDate = fromDate
		cfg.Inventory.StartDateFloor = fromDate
	}
}

func dryRun(cfg *config.CompanyConfig, fromDate, toDate string) error {
	if _, _, err := cfg.EPOSCredentials(); err != nil && !runSkipDownload {
		return err
	}
	scope := fromDate
	if toDate != fromDate {
		scope = fromDate + " to " + toDate
	}
	fmt.Printf("would run %s (%s) for %s\n", cfg.CompanyKey, cfg.DisplayName, scope)
	fmt.Printf("  realm:         %s\n", cfg.QBO.RealmID)
	fmt.Printf("  skip download: %v\n", runSkipDownload)
	fmt.Printf("  inventory:     %v\n", cfg.InventoryEnabled())
	return nil
}

func mappingFile(cfg *config.CompanyConfig) string {
	if cfg.Inventory == nil {
		return ""
	}
	return cfg.Inventory.ProductMappingFile
}

// tenantTokens adapts the shared token manager to one company's realm.
type tenantTokens struct {
	manager    *tokens.Manager
	companyKey string
	realmID    string
}

func (t *tenantTokens) AccessToken(ctx context.Context) (string, error) {
	return t.manager.AccessToken(ctx, t.companyKey, t.realmID)
}

func (t *tenantTokens) Refresh(ctx context.Context) (string, error) {
	rec, err := t.manager.Refresh(ctx, t.companyKey, t.realmID)
	if err != nil {
		return "", err
	}
	return rec.AccessToken, nil
}

func buildUploader(ctx context.Context, cfg *config.CompanyConfig) (pipeline.Uploader, func(), error) {
	store, err := tokens.Open(tokensDBPath())
	if err != nil {
		return nil, nil, err
	}
	if err := store.VerifyRealmMatch(ctx, cfg.CompanyKey, cfg.QBO.RealmID); err != nil {
		store.Close()
		return nil, nil, err
	}
	manager, err := tokens.NewManager(store)
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	source := &tenantTokens{manager: manager, companyKey: cfg.CompanyKey, realmID: cfg.QBO.RealmID}
	client := qbo.NewClient(cfg.QBO.RealmID, source)

	led, err := ledger.Open(filepath.Join(baseDir(), "outputs", cfg.Output.LedgerFile))
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	closeFn := func() {
		if err := store.Close(); err != nil {
			log.Printf("[run] failed to close token store: %v", err)
		}
	}
	return upload.NewEngine(client, led, cfg), closeFn, nil
}

// wireJobTracking connects the run to its dispatcher job row when invoked
// as a subprocess: cancel polling and artifact recording.
func wireJobTracking(ctx context.Context, opts *pipeline.Options) (func(), error) {
	rawID := os.Getenv("OIAT_JOB_ID")
	if rawID == "" || databaseURL() == "" {
		return nil, nil
	}
	jobID, err := uuid.Parse(rawID)
	if err != nil {
		return nil, fmt.Errorf("invalid OIAT_JOB_ID %q: %w", rawID, err)
	}
	store, err := db.Connect(ctx, databaseURL())
	if err != nil {
		return nil, err
	}

	opts.JobID = &jobID
	opts.Artifacts = store
	opts.CancelRequested = func(ctx context.Context) bool {
		cancelled, err := store.CancelRequested(ctx, jobID)
		if err != nil {
			log.Printf("[run] cancel poll failed: %v", err)
			return false
		}
		return cancelled
	}
	return store.Close, nil
}
