package upload

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
)

// CategoryAccounts is one row of the product mapping: the three account
// names an inventory item in that category posts to.
type CategoryAccounts struct {
	AssetAccount   string
	IncomeAccount  string
	ExpenseAccount string
}

// Mapping resolves a product category to its account triple. Lookups are
// case-insensitive on the trimmed category name.
type Mapping struct {
	byCategory map[string]CategoryAccounts
}

// mappingHeaderAliases maps the header spellings seen across tenant mapping
// files onto canonical column names.
var mappingHeaderAliases = map[string]string{
	"category":             "category",
	"categories":           "categories",
	"inventory account":    "inventory account",
	"revenue account":      "revenue account",
	"cost of sale account": "cost of sale account",
	"cost of sale":         "cost of sale account",
	"cogs":                 "cost of sale account",
}

// LoadMapping reads a category mapping CSV. Rows with a blank category are
// skipped; a duplicate category keeps the first row seen.
func LoadMapping(path string) (*Mapping, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open product mapping %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read product mapping header: %w", err)
	}

	cols := make(map[string]int)
	for i, name := range header {
		key := strings.ToLower(strings.TrimSpace(name))
		if canonical, ok := mappingHeaderAliases[key]; ok {
			if canonical == "categories" {
				canonical = "category"
			}
			if _, taken := cols[canonical]; !taken {
				cols[canonical] = i
			}
		}
	}
	for _, required := range []string{"category", "inventory account", "revenue account", "cost of sale account"} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("product mapping %s is missing column %q", path, required)
		}
	}

	m := &Mapping{byCategory: make(map[string]CategoryAccounts)}
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read product mapping row: %w", err)
		}
		cell := func(name string) string {
			i := cols[name]
			if i >= len(row) {
				return ""
			}
			return strings.TrimSpace(row[i])
		}
		category := strings.ToLower(cell("category"))
		if category == "" {
			continue
		}
		if _, dup := m.byCategory[category]; dup {
			continue
		}
		m.byCategory[category] = CategoryAccounts{
			AssetAccount:   cell("inventory account"),
			IncomeAccount:  cell("revenue account"),
			ExpenseAccount: cell("cost of sale account"),
		}
	}
	return m, nil
}

// Lookup returns the accounts for category.
func (m *Mapping) Lookup(category string) (CategoryAccounts, bool) {
	acc, ok := m.byCategory[strings.ToLower(strings.TrimSpace(category))]
	return acc, ok
}

// Len returns the number of mapped categories.
func (m *Mapping) Len() int {
	return len(m.byCategory)
}
