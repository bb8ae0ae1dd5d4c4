package upload

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Line is one normalized sales-receipt line as written by the transformer.
// Amount carries the gross (tax-inclusive) line total.
type Line struct {
	DocNumber   string
	Customer    string
	TxnDate     string
	Location    string
	Memo        string
	Item        string
	Description string
	Qty         decimal.Decimal
	Amount      decimal.Decimal
	TaxCode     string
	TaxAmount   decimal.Decimal
	ServiceDate string
}

// Document is one sales receipt to create: all lines sharing a document
// number, in file order.
type Document struct {
	DocNumber string
	TxnDate   string
	Location  string
	Memo      string
	Lines     []Line
}

// GrossTotal sums the gross line amounts.
func (d *Document) GrossTotal() decimal.Decimal {
	total := decimal.Zero
	for _, l := range d.Lines {
		total = total.Add(l.Amount)
	}
	return total
}

var normalizedRequired = []string{
	"*SalesReceiptNo",
	"*SalesReceiptDate",
	"Item(Product/Service)",
	"ItemQuantity",
	"*ItemAmount",
	"*ItemTaxCode",
}

// readDocuments loads a normalized CSV into ordered documents and returns
// the source-side gross total. Dates are converted from the tenant's display
// format to ISO for the remote API.
func readDocuments(path, dateFormat string) ([]*Document, decimal.Decimal, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, decimal.Zero, fmt.Errorf("failed to open normalized CSV %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		return nil, decimal.Zero, fmt.Errorf("failed to read normalized CSV header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.TrimSpace(name)] = i
	}
	var missing []string
	for _, c := range normalizedRequired {
		if _, ok := cols[c]; !ok {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return nil, decimal.Zero, fmt.Errorf("normalized CSV %s is missing column(s): %s", path, strings.Join(missing, ", "))
	}
	cell := func(row []string, name string) string {
		i, ok := cols[name]
		if !ok || i >= len(row) {
			return ""
		}
		return row[i]
	}

	var (
		order   []string
		byDoc   = make(map[string]*Document)
		total   = decimal.Zero
		lineNum = 1
	)
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, decimal.Zero, fmt.Errorf("failed to read normalized CSV row: %w", err)
		}
		lineNum++

		docNo := strings.TrimSpace(cell(row, "*SalesReceiptNo"))
		if docNo == "" {
			return nil, decimal.Zero, fmt.Errorf("normalized CSV %s row %d has no document number", path, lineNum)
		}

		txnDate, err := toISODate(cell(row, "*SalesReceiptDate"), dateFormat)
		if err != nil {
			return nil, decimal.Zero, fmt.Errorf("normalized CSV %s row %d: %w", path, lineNum, err)
		}
		serviceDate, err := toISODate(cell(row, "Service Date"), dateFormat)
		if err != nil {
			serviceDate = txnDate
		}

		line := Line{
			DocNumber:   docNo,
			Customer:    strings.TrimSpace(cell(row, "Customer")),
			TxnDate:     txnDate,
			Location:    strings.TrimSpace(cell(row, "Location")),
			Memo:        strings.TrimSpace(cell(row, "Memo")),
			Item:        strings.TrimSpace(cell(row, "Item(Product/Service)")),
			Description: strings.TrimSpace(cell(row, "ItemDescription")),
			Qty:         parseDecimal(cell(row, "ItemQuantity")),
			Amount:      parseDecimal(cell(row, "*ItemAmount")),
			TaxCode:     strings.TrimSpace(cell(row, "*ItemTaxCode")),
			TaxAmount:   parseDecimal(cell(row, "ItemTaxAmount")),
			ServiceDate: serviceDate,
		}
		total = total.Add(line.Amount)

		doc, ok := byDoc[docNo]
		if !ok {
			doc = &Document{
				DocNumber: docNo,
				TxnDate:   line.TxnDate,
				Location:  line.Location,
				Memo:      line.Memo,
			}
			byDoc[docNo] = doc
			order = append(order, docNo)
		}
		doc.Lines = append(doc.Lines, line)
	}

	docs := make([]*Document, 0, len(order))
	for _, dn := range order {
		docs = append(docs, byDoc[dn])
	}
	if len(docs) == 0 {
		return nil, decimal.Zero, fmt.Errorf("normalized CSV %s contains no document rows", path)
	}
	return docs, total, nil
}

// toISODate parses s with the tenant's display layout, falling back to ISO,
// and reformats as YYYY-MM-DD.
func toISODate(s, dateFormat string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("blank date value")
	}
	if t, err := time.Parse(dateFormat, s); err == nil {
		return t.Format("2006-01-02"), nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.Format("2006-01-02"), nil
	}
	return "", fmt.Errorf("unparseable date %q", s)
}

func parseDecimal(s string) decimal.Decimal {
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
