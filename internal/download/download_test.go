package download

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oreva/oiat/internal/config"
)

func TestDownloadFailsFastWithoutCredentials(t *testing.T) {
	cfg := &config.CompanyConfig{
		CompanyKey: "demo",
	}
	cfg.EPOS.UsernameEnvKey = "OIAT_TEST_MISSING_USER"
	cfg.EPOS.PasswordEnvKey = "OIAT_TEST_MISSING_PASS"

	b := NewBrowser()
	b.Timeout = time.Second

	_, err := b.Download(context.Background(), cfg, "2025-12-27", "2025-12-27", t.TempDir(), "out.csv")
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrCredentialMissing)
}

func TestReportURLResolution(t *testing.T) {
	b := NewBrowser()
	assert.Equal(t, defaultReportURL, b.reportURL())

	t.Setenv("OIAT_EPOS_REPORT_URL", "https://example.test/report")
	assert.Equal(t, "https://example.test/report", b.reportURL())

	b.ReportURL = "https://override.test/report"
	assert.Equal(t, "https://override.test/report", b.reportURL())
}

func TestDefaultsAreHeadlessWithTimeout(t *testing.T) {
	b := NewBrowser()
	assert.True(t, b.Headless)
	assert.Zero(t, b.Timeout)
}
