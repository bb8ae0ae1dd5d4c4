// Package download drives a headless browser through the EPOS back office
// to export the bookkeeping report CSV for a date range. Requires
// Chrome/Chromium to be installed on the system.
package download

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/chromedp"

	"github.com/oreva/oiat/internal/config"
)

// defaultReportURL is the back-office reporting page the export starts from.
const defaultReportURL = "https://www.eposnowhq.com/Pages/Reporting/SageReport.aspx"

// DefaultTimeout bounds one full login-and-export session.
const DefaultTimeout = 5 * time.Minute

// Browser downloads reports from the EPOS back office.
type Browser struct {
	// ReportURL overrides the reporting page. Empty uses the
	// OIAT_EPOS_REPORT_URL env var, then the built-in default.
	ReportURL string

	// Timeout bounds the whole session. Zero means DefaultTimeout.
	Timeout time.Duration

	// Headless is almost always true; set false for local debugging.
	Headless bool
}

// NewBrowser returns a headless downloader with default settings.
func NewBrowser() *Browser {
	return &Browser{Headless: true}
}

func (b *Browser) reportURL() string {
	if b.ReportURL != "" {
		return b.ReportURL
	}
	if v := os.Getenv("OIAT_EPOS_REPORT_URL"); v != "" {
		return v
	}
	return defaultReportURL
}

// Download logs into the back office with the company's credentials,
// exports the bookkeeping report for [fromDate, toDate], and saves it as
// destDir/filename. Dates are YYYY-MM-DD. Returns the saved path.
func (b *Browser) Download(ctx context.Context, cfg *config.CompanyConfig, fromDate, toDate, destDir, filename string) (string, error) {
	// Resolve credentials before paying for a browser launch.
	username, password, err := cfg.EPOSCredentials()
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create download dir: %w", err)
	}
	absDir, err := filepath.Abs(destDir)
	if err != nil {
		return "", err
	}

	timeout := b.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	log.Printf("[BROWSER] Starting headless browser for %s (%s to %s)", cfg.CompanyKey, fromDate, toDate)

	allocCtx, cancel := chromedp.NewExecAllocator(ctx,
		append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", b.Headless),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
		)...,
	)
	defer cancel()

	browserCtx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	browserCtx, cancel = context.WithTimeout(browserCtx, timeout)
	defer cancel()

	done := make(chan string, 1)
	chromedp.ListenTarget(browserCtx, func(ev interface{}) {
		if progress, ok := ev.(*browser.EventDownloadProgress); ok {
			if progress.State == browser.DownloadProgressStateCompleted {
				select {
				case done <- progress.GUID:
				default:
				}
			}
		}
	})

	err = chromedp.Run(browserCtx,
		browser.SetDownloadBehavior(browser.SetDownloadBehaviorBehaviorAllowAndName).
			WithDownloadPath(absDir).
			WithEventsEnabled(true),
		chromedp.Navigate(b.reportURL()),
		chromedp.WaitVisible(`input[type="text"]`, chromedp.ByQuery),
		chromedp.SendKeys(`input[type="text"]`, username, chromedp.ByQuery),
		chromedp.SendKeys(`input[type="password"]`, password, chromedp.ByQuery),
		chromedp.Click(`//button[contains(., "Log in")] | //input[@value="Log in"]`, chromedp.BySearch),
		chromedp.WaitVisible(`select`, chromedp.ByQuery),
		// "Show data from" range picker, then kick off the CSV export.
		chromedp.SetValue(`select`, "custom", chromedp.ByQuery),
		chromedp.SetValue(`input[name="from"]`, fromDate, chromedp.ByQuery),
		chromedp.SetValue(`input[name="to"]`, toDate, chromedp.ByQuery),
		chromedp.Click(`//a[contains(., "Export to .csv")] | //button[contains(., "Export to .csv")]`, chromedp.BySearch),
	)
	if err != nil {
		return "", fmt.Errorf("browser export failed: %w", err)
	}

	var guid string
	select {
	case guid = <-done:
	case <-browserCtx.Done():
		return "", fmt.Errorf("download did not complete: %w", browserCtx.Err())
	}

	// The browser saved the file under its GUID; give it the real name.
	dest := filepath.Join(absDir, filename)
	if err := os.Rename(filepath.Join(absDir, guid), dest); err != nil {
		return "", fmt.Errorf("failed to move downloaded file: %w", err)
	}

	info, err := os.Stat(dest)
	if err != nil {
		return "", err
	}
	log.Printf("[BROWSER] Downloaded %s (%d bytes)", dest, info.Size())
	return dest, nil
}
