// Package config provides per-company configuration loading and validation,
// plus portal session and password settings.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// ErrCredentialMissing is returned when a credential env var named by the
// company config is not set.
var ErrCredentialMissing = errors.New("credential missing")

// TaxMode selects how line tax is computed for a company.
type TaxMode string

const (
	// TaxModeVATInclusive treats POS gross amounts as tax-inclusive and
	// backs the tax component out at the configured rate.
	TaxModeVATInclusive TaxMode = "vat_inclusive"
	// TaxModeSalesTax applies tax on top of net amounts using a named
	// tax code resolved at upload time.
	TaxModeSalesTax TaxMode = "sales_tax"
)

// CompanyConfig is the per-tenant configuration record. It is loaded from a
// JSON file, overridden by environment variables, and read-only at runtime.
type CompanyConfig struct {
	CompanyKey  string `json:"company_key" validate:"required,min=1"`
	DisplayName string `json:"display_name,omitempty"`

	// Timezone is the business timezone for date assignment
	// (default: OIAT_BUSINESS_TIMEZONE, then Europe/London).
	Timezone string `json:"timezone,omitempty"`

	QBO       QBOConfig       `json:"qbo"`
	EPOS      EPOSConfig      `json:"epos"`
	Transform TransformConfig `json:"transform"`
	Output    OutputConfig    `json:"output"`

	Slack      *SlackConfig      `json:"slack,omitempty"`
	TradingDay *TradingDayConfig `json:"trading_day,omitempty"`
	Inventory  *InventoryConfig  `json:"inventory,omitempty"`
}

// QBOConfig holds the remote accounting realm and tax settings.
type QBOConfig struct {
	RealmID        string `json:"realm_id" validate:"required"`
	DepositAccount string `json:"deposit_account" validate:"required"`

	TaxMode     TaxMode `json:"tax_mode,omitempty" validate:"omitempty,oneof=vat_inclusive sales_tax"`
	TaxRate     float64 `json:"tax_rate,omitempty" validate:"gte=0,lt=1"` // fraction, e.g. 0.075
	TaxCodeID   string  `json:"tax_code_id,omitempty"`
	TaxCodeName string  `json:"tax_code_name,omitempty"`

	// PaymentMethods maps tender names from the POS export to remote
	// payment-method ids. Unmapped tenders upload without a method ref.
	PaymentMethods map[string]string `json:"payment_methods,omitempty"`

	BypassIncomeAccountID string `json:"bypass_income_account_id,omitempty"`
}

// EPOSConfig names the env vars carrying back-office credentials.
type EPOSConfig struct {
	UsernameEnvKey string `json:"username_env_key" validate:"required"`
	PasswordEnvKey string `json:"password_env_key" validate:"required"`
}

// TransformConfig drives grouping and document numbering.
type TransformConfig struct {
	GroupBy             []string          `json:"group_by" validate:"required,min=1,dive,oneof=date location tender"`
	DateFormat          string            `json:"date_format" validate:"required"`
	ReceiptPrefix       string            `json:"receipt_prefix" validate:"required"`
	ReceiptNumberFormat string            `json:"receipt_number_format" validate:"required,oneof=date_tender_sequence date_location_sequence"`
	LocationMapping     map[string]string `json:"location_mapping,omitempty"`
}

// OutputConfig names per-company output files.
type OutputConfig struct {
	CSVPrefix    string `json:"csv_prefix" validate:"required"`
	MetadataFile string `json:"metadata_file" validate:"required"`
	LedgerFile   string `json:"uploaded_docnumbers_file" validate:"required"`
}

// SlackConfig routes run notifications. WebhookURLEnvKey is either an env
// var name or a literal webhook URL.
type SlackConfig struct {
	WebhookURLEnvKey string `json:"webhook_url_env_key"`
}

// TradingDayConfig shifts rows before the daily cutoff to the prior date.
type TradingDayConfig struct {
	Enabled     bool `json:"enabled"`
	StartHour   int  `json:"start_hour" validate:"gte=0,lte=23"`
	StartMinute int  `json:"start_minute" validate:"gte=0,lte=59"`
}

// InventoryConfig gates inventory-item handling during upload.
type InventoryConfig struct {
	Enabled                  bool   `json:"enable_inventory_items"`
	AllowNegative            bool   `json:"allow_negative_inventory"`
	SyncMode                 string `json:"inventory_sync_mode,omitempty" validate:"omitempty,oneof=inline upload_fast"`
	StartDate                string `json:"inventory_start_date,omitempty"`
	StartDateFloor           string `json:"inv_start_date_floor,omitempty"`
	DefaultQtyOnHand         int    `json:"default_qty_on_hand"`
	AutoFixWrongTypeItems    bool   `json:"auto_fix_wrong_type_items"`
	AutoFixStartDateBlockers bool   `json:"auto_fix_inv_start_date_blockers"`
	ProductMappingFile       string `json:"product_mapping_file,omitempty"`
}

// Load reads, defaults, env-overrides, and validates a company config file.
// Unknown JSON fields are rejected so config drift surfaces immediately.
func Load(path string) (*CompanyConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read company config %s: %w", path, err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var cfg CompanyConfig
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse company config %s: %w", path, err)
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid company config %s: %w", path, err)
	}

	return &cfg, nil
}

// LoadDir loads every *.json company config in dir, keyed by company key.
func LoadDir(dir string) (map[string]*CompanyConfig, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read companies directory %s: %w", dir, err)
	}

	configs := make(map[string]*CompanyConfig)
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		cfg, err := Load(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		configs[cfg.CompanyKey] = cfg
	}
	return configs, nil
}

// AvailableCompanies returns the sorted company keys found in dir.
// Unreadable or malformed files are skipped.
func AvailableCompanies(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var keys []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		var probe struct {
			CompanyKey string `json:"company_key"`
		}
		if json.Unmarshal(data, &probe) == nil && probe.CompanyKey != "" {
			keys = append(keys, probe.CompanyKey)
		}
	}
	sort.Strings(keys)
	return keys
}

func (c *CompanyConfig) applyDefaults() {
	if c.DisplayName == "" {
		c.DisplayName = c.CompanyKey
	}
	if c.Timezone == "" {
		c.Timezone = os.Getenv("OIAT_BUSINESS_TIMEZONE")
	}
	if c.Timezone == "" {
		c.Timezone = "Europe/London"
	}
	if c.QBO.TaxMode == "" {
		c.QBO.TaxMode = TaxModeVATInclusive
	}
	if c.QBO.TaxMode == TaxModeVATInclusive && c.QBO.TaxRate == 0 {
		c.QBO.TaxRate = 0.075
	}
	if c.TradingDay != nil && c.TradingDay.Enabled {
		if c.TradingDay.StartHour == 0 && c.TradingDay.StartMinute == 0 {
			c.TradingDay.StartHour = 5
		}
	}
	if c.Inventory != nil {
		if c.Inventory.SyncMode == "" {
			c.Inventory.SyncMode = "inline"
		}
		if c.Inventory.StartDate == "" {
			c.Inventory.StartDate = "today"
		}
		if c.Inventory.ProductMappingFile == "" {
			c.Inventory.ProductMappingFile = filepath.Join("mappings", "Product.Mapping.csv")
		}
	}
}

// applyEnvOverrides applies <KEY>_* environment overrides on top of the file
// values. Precedence: env, then JSON, then defaults.
func (c *CompanyConfig) applyEnvOverrides() {
	prefix := strings.ToUpper(strings.ReplaceAll(c.CompanyKey, "-", "_"))

	if c.Inventory == nil {
		// Inventory can be switched on purely through the environment.
		if _, ok := os.LookupEnv(prefix + "_ENABLE_INVENTORY_ITEMS"); ok {
			c.Inventory = &InventoryConfig{SyncMode: "inline", StartDate: "today",
				ProductMappingFile: filepath.Join("mappings", "Product.Mapping.csv")}
		} else {
			if v := os.Getenv(prefix + "_BYPASS_INCOME_ACCOUNT_ID"); v != "" {
				c.QBO.BypassIncomeAccountID = strings.TrimSpace(v)
			}
			return
		}
	}

	inv := c.Inventory
	overrideBool(prefix+"_ENABLE_INVENTORY_ITEMS", &inv.Enabled)
	overrideBool(prefix+"_ALLOW_NEGATIVE_INVENTORY", &inv.AllowNegative)
	overrideBool(prefix+"_AUTO_FIX_WRONG_TYPE_ITEMS", &inv.AutoFixWrongTypeItems)
	overrideBool(prefix+"_AUTO_FIX_INV_START_DATE_BLOCKERS", &inv.AutoFixStartDateBlockers)
	overrideInt(prefix+"_DEFAULT_QTY_ON_HAND", &inv.DefaultQtyOnHand)

	if v := strings.ToLower(strings.TrimSpace(os.Getenv(prefix + "_INVENTORY_SYNC_MODE"))); v == "inline" || v == "upload_fast" {
		inv.SyncMode = v
	}
	if v := os.Getenv(prefix + "_INVENTORY_START_DATE"); v != "" {
		inv.StartDate = v
	}
	if v := os.Getenv(prefix + "_BYPASS_INCOME_ACCOUNT_ID"); v != "" {
		c.QBO.BypassIncomeAccountID = strings.TrimSpace(v)
	}
}

func overrideBool(key string, dst *bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "on":
		*dst = true
	default:
		*dst = false
	}
}

func overrideInt(key string, dst *int) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return
	}
	*dst = n
}

// Validate checks structural validity and cross-field constraints.
func (c *CompanyConfig) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("unknown timezone %q: %w", c.Timezone, err)
	}

	switch c.QBO.TaxMode {
	case TaxModeVATInclusive:
		if c.QBO.TaxCodeID == "" {
			return fmt.Errorf("tax_mode %s requires qbo.tax_code_id", c.QBO.TaxMode)
		}
	case TaxModeSalesTax:
		if c.QBO.TaxCodeName == "" {
			return fmt.Errorf("tax_mode %s requires qbo.tax_code_name", c.QBO.TaxMode)
		}
	}

	if c.Transform.ReceiptNumberFormat == "date_location_sequence" && len(c.Transform.LocationMapping) == 0 {
		return fmt.Errorf("receipt_number_format date_location_sequence requires transform.location_mapping")
	}

	return nil
}

// Location resolves the business timezone. Validate guarantees it loads.
func (c *CompanyConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// EPOSCredentials resolves the back-office username and password from the
// env vars named in the config.
func (c *CompanyConfig) EPOSCredentials() (username, password string, err error) {
	username = os.Getenv(c.EPOS.UsernameEnvKey)
	if username == "" {
		return "", "", fmt.Errorf("%w: %s is not set", ErrCredentialMissing, c.EPOS.UsernameEnvKey)
	}
	password = os.Getenv(c.EPOS.PasswordEnvKey)
	if password == "" {
		return "", "", fmt.Errorf("%w: %s is not set", ErrCredentialMissing, c.EPOS.PasswordEnvKey)
	}
	return username, password, nil
}

// SlackWebhookURL resolves the notification webhook. The config value may be
// a literal URL or the name of an env var holding one. Empty means disabled.
func (c *CompanyConfig) SlackWebhookURL() string {
	if c.Slack == nil || c.Slack.WebhookURLEnvKey == "" {
		return ""
	}
	v := c.Slack.WebhookURLEnvKey
	if strings.HasPrefix(v, "http://") || strings.HasPrefix(v, "https://") {
		return v
	}
	return os.Getenv(v)
}

// TradingDayEnabled reports whether trading-day date shifting applies.
func (c *CompanyConfig) TradingDayEnabled() bool {
	return c.TradingDay != nil && c.TradingDay.Enabled
}

// Cutoff returns the trading-day cutoff. Zero values when disabled.
func (c *CompanyConfig) Cutoff() (hour, minute int) {
	if !c.TradingDayEnabled() {
		return 0, 0
	}
	return c.TradingDay.StartHour, c.TradingDay.StartMinute
}

// InventoryEnabled reports whether inventory-item handling applies.
func (c *CompanyConfig) InventoryEnabled() bool {
	return c.Inventory != nil && c.Inventory.Enabled
}

// InventoryStartDate resolves the configured start date; "today" resolves to
// the current date in the business timezone.
func (c *CompanyConfig) InventoryStartDate(now time.Time) string {
	if c.Inventory == nil || c.Inventory.StartDate == "" || c.Inventory.StartDate == "today" {
		return now.In(c.Location()).Format("2006-01-02")
	}
	return c.Inventory.StartDate
}

// InvStartDateFloor is the earliest date an inventory start-date patch may
// set. Falls back to the resolved inventory start date.
func (c *CompanyConfig) InvStartDateFloor(now time.Time) string {
	if c.Inventory != nil && strings.TrimSpace(c.Inventory.StartDateFloor) != "" {
		s := strings.TrimSpace(c.Inventory.StartDateFloor)
		if len(s) > 10 {
			s = s[:10]
		}
		return s
	}
	return c.InventoryStartDate(now)
}
