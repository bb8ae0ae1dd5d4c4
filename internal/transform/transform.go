// Package transform converts a single-date raw POS export into the
// normalized sales-receipt CSV the upload engine consumes. Transformation is
// pure: no network and no database, only the input file, the tenant config,
// and the target date.
package transform

import (
	"encoding/csv"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/oreva/oiat/internal/config"
)

// requiredColumns must all be present in the raw export header.
var requiredColumns = []string{
	"Customer Full Name",
	"Location Name",
	"Quantity",
	"Product",
	"Category",
	"Date/Time",
	"TOTAL Sales",
}

// outputColumns is the normalized CSV header, in upload order.
var outputColumns = []string{
	"*SalesReceiptNo",
	"Customer",
	"*SalesReceiptDate",
	"*DepositAccount",
	"Location",
	"Memo",
	"Item(Product/Service)",
	"ItemDescription",
	"ItemQuantity",
	"ItemRate",
	"*ItemAmount",
	"*ItemTaxCode",
	"ItemTaxAmount",
	"Service Date",
}

var rawTimestampLayouts = []string{
	"02/01/2006 15:04:05",
	"2006-01-02 15:04:05",
	"02/01/2006",
	"2006-01-02",
}

// Stats reports row accounting for one transform invocation.
type Stats struct {
	RowsTotal       int
	RowsKept        int
	RowsNonTarget   int
	RowsMissingDate int
	Documents       int
	DatesPresent    []string
}

// Result names the files a transform produced.
type Result struct {
	NormalizedPath string
	MetadataPath   string
	Stats          Stats
}

// Transformer maps a raw CSV plus tenant config to a normalized document CSV.
type Transformer interface {
	Transform(rawPath, outDir string, cfg *config.CompanyConfig, targetDate string) (*Result, error)
}

// ReceiptTransformer is the production Transformer: per-line sales-receipt
// rows grouped into documents by the tenant's receipt numbering scheme.
type ReceiptTransformer struct {
	// Now stamps metadata; overridable in tests.
	Now func() time.Time
}

// NewReceiptTransformer returns a transformer using wall-clock time.
func NewReceiptTransformer() *ReceiptTransformer {
	return &ReceiptTransformer{Now: time.Now}
}

// Transform reads rawPath, keeps rows for targetDate in the tenant's
// business timezone, assigns deterministic document numbers, and writes the
// normalized CSV plus a metadata JSON file into outDir.
func (rt *ReceiptTransformer) Transform(rawPath, outDir string, cfg *config.CompanyConfig, targetDate string) (*Result, error) {
	loc := cfg.Location()
	if _, err := time.ParseInLocation("2006-01-02", targetDate, loc); err != nil {
		return nil, fmt.Errorf("invalid target date %q: %w", targetDate, err)
	}

	f, err := os.Open(rawPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open raw CSV %s: %w", rawPath, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read raw CSV header: %w", err)
	}
	cols, err := mapColumns(header)
	if err != nil {
		return nil, fmt.Errorf("raw CSV %s: %w", rawPath, err)
	}

	numbers := newReceiptNumberer(cfg.Transform)
	stats := Stats{}
	datesPresent := make(map[string]struct{})
	var outRows [][]string
	docs := make(map[string]struct{})

	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read raw CSV row: %w", err)
		}
		stats.RowsTotal++

		ts, ok := parseRawTimestamp(cols.get(row, "Date/Time"), loc)
		if !ok {
			// Fall back to a bare Date column when the export carries one.
			ts, ok = parseRawTimestamp(cols.get(row, "Date"), loc)
		}
		if !ok {
			stats.RowsMissingDate++
			continue
		}

		date := ts.Format("2006-01-02")
		datesPresent[date] = struct{}{}
		if date != targetDate {
			stats.RowsNonTarget++
			continue
		}
		stats.RowsKept++

		tender := strings.TrimSpace(cols.get(row, "Tender"))
		location := strings.TrimSpace(cols.get(row, "Location Name"))
		product := cols.get(row, "Product")

		docNo := numbers.next(ts, location, tender)
		docs[docNo] = struct{}{}

		serviceDate := ts
		if svc, ok := parseRawTimestamp(cols.get(row, "Date"), loc); ok {
			serviceDate = svc
		}

		outRows = append(outRows, []string{
			docNo,
			strings.TrimSpace(cols.get(row, "Customer Full Name")),
			ts.Format(cfg.Transform.DateFormat),
			cfg.QBO.DepositAccount,
			location,
			tender,
			product,
			cols.get(row, "Category"),
			parseAmount(cols.get(row, "Quantity")).String(),
			"",
			parseAmount(cols.get(row, "TOTAL Sales")).StringFixed(2),
			taxCodeFor(cfg.QBO.TaxMode, product),
			parseAmount(cols.get(row, "Tax")).StringFixed(2),
			serviceDate.Format(cfg.Transform.DateFormat),
		})
	}

	if stats.RowsMissingDate > 0 {
		log.Printf("[transform] skipped %d row(s) with missing date values", stats.RowsMissingDate)
	}
	if stats.RowsNonTarget > 0 {
		log.Printf("[transform] ignored %d row(s) not matching target date %s", stats.RowsNonTarget, targetDate)
	}
	if stats.RowsKept == 0 {
		return nil, fmt.Errorf("no rows found for target date %s in %s", targetDate, rawPath)
	}

	for d := range datesPresent {
		stats.DatesPresent = append(stats.DatesPresent, d)
	}
	sort.Strings(stats.DatesPresent)
	stats.Documents = len(docs)

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create transform output directory: %w", err)
	}

	base := strings.TrimSuffix(filepath.Base(rawPath), filepath.Ext(rawPath))
	outPath := filepath.Join(outDir, cfg.Output.CSVPrefix+"_"+base+".csv")
	if err := writeNormalized(outPath, outRows); err != nil {
		return nil, err
	}

	res := &Result{NormalizedPath: outPath, Stats: stats}
	res.MetadataPath, err = rt.writeMetadata(outDir, rawPath, outPath, cfg, targetDate, stats)
	if err != nil {
		return nil, err
	}

	log.Printf("[transform] %s: %d row(s) kept, %d document(s), wrote %s",
		targetDate, stats.RowsKept, stats.Documents, filepath.Base(outPath))
	return res, nil
}

func writeNormalized(path string, rows [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create normalized CSV %s: %w", path, err)
	}
	w := csv.NewWriter(f)
	if err := w.Write(outputColumns); err != nil {
		f.Close()
		return fmt.Errorf("failed to write normalized header: %w", err)
	}
	for _, row := range rows {
		if err := w.Write(row); err != nil {
			f.Close()
			return fmt.Errorf("failed to write normalized row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return fmt.Errorf("failed to flush normalized CSV %s: %w", path, err)
	}
	return f.Close()
}

// columnIndex resolves named raw columns once per file.
type columnIndex map[string]int

func mapColumns(header []string) (columnIndex, error) {
	idx := make(columnIndex, len(header))
	for i, name := range header {
		idx[strings.TrimSpace(name)] = i
	}
	var missing []string
	for _, c := range requiredColumns {
		if _, ok := idx[c]; !ok {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required column(s): %s", strings.Join(missing, ", "))
	}
	return idx, nil
}

func (c columnIndex) get(row []string, name string) string {
	i, ok := c[name]
	if !ok || i >= len(row) {
		return ""
	}
	return row[i]
}

func parseRawTimestamp(s string, loc *time.Location) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range rawTimestampLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// parseAmount tolerates thousands separators and blanks; unparseable values
// become zero, matching how the export writes empty numeric cells.
func parseAmount(s string) decimal.Decimal {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// taxCodeFor infers the per-line tax code. In VAT-inclusive mode delivery
// and packaging lines carry no VAT; everything else is standard-rated.
func taxCodeFor(mode config.TaxMode, product string) string {
	if mode == config.TaxModeVATInclusive {
		p := strings.ToLower(product)
		if strings.Contains(p, "delivery") || strings.Contains(p, "pack") {
			return "No VAT"
		}
	}
	return "Sales Tax"
}
