package upload

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oreva/oiat/internal/config"
	"github.com/oreva/oiat/internal/ledger"
	"github.com/oreva/oiat/internal/qbo"
)

type staticTokens struct{}

func (staticTokens) AccessToken(ctx context.Context) (string, error) { return "tok", nil }
func (staticTokens) Refresh(ctx context.Context) (string, error)     { return "tok", nil }

type fakeReceipt struct {
	DocNumber string
	TxnDate   string
	TotalAmt  float64
}

type fakeItem struct {
	ID             string
	Name           string
	Type           string
	UnitPrice      float64
	PurchaseCost   float64
	TrackQtyOnHand bool
	InvStartDate   string
}

type createFault struct {
	Status  int
	Type    string
	Code    string
	Message string
}

// fakeQBO is an in-memory stand-in for the accounting API covering the
// endpoints the engine touches.
type fakeQBO struct {
	mu sync.Mutex

	existing    []fakeReceipt
	items       map[string]fakeItem
	departments map[string]string
	accounts    map[string]string

	// createFaults rejects the first create for a document number.
	createFaults map[string]createFault

	queries         []string
	createdReceipts []map[string]any
	createdItems    []map[string]any
	patchedItems    []map[string]any

	nextItemID int
}

func newFakeQBO() *fakeQBO {
	return &fakeQBO{
		items:        make(map[string]fakeItem),
		departments:  make(map[string]string),
		accounts:     make(map[string]string),
		createFaults: make(map[string]createFault),
		nextItemID:   100,
	}
}

func (f *fakeQBO) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/query"):
			f.handleQuery(w, r)
		case strings.HasSuffix(r.URL.Path, "/salesreceipt"):
			f.handleCreateReceipt(w, r)
		case strings.HasSuffix(r.URL.Path, "/item"):
			f.handleItem(w, r)
		default:
			http.NotFound(w, r)
		}
	})
}

func (f *fakeQBO) handleQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("query")
	f.mu.Lock()
	f.queries = append(f.queries, q)
	f.mu.Unlock()

	switch {
	case strings.Contains(q, "from SalesReceipt where DocNumber in"):
		var out []map[string]any
		f.mu.Lock()
		for _, rec := range f.existing {
			if !strings.Contains(q, "'"+rec.DocNumber+"'") {
				continue
			}
			if strings.Contains(q, "and TxnDate =") && !strings.Contains(q, "'"+rec.TxnDate+"'") {
				continue
			}
			out = append(out, map[string]any{
				"Id": "r-" + rec.DocNumber, "SyncToken": "0",
				"DocNumber": rec.DocNumber, "TxnDate": rec.TxnDate, "TotalAmt": rec.TotalAmt,
			})
		}
		f.mu.Unlock()
		writeJSON(w, map[string]any{"QueryResponse": map[string]any{"SalesReceipt": out}})

	case strings.Contains(q, "from SalesReceipt where TxnDate"):
		var out []map[string]any
		if !strings.Contains(q, "startposition 1001") {
			f.mu.Lock()
			for _, p := range f.createdReceipts {
				out = append(out, map[string]any{
					"Id": "r-" + p["DocNumber"].(string), "SyncToken": "0",
					"DocNumber": p["DocNumber"], "TxnDate": p["TxnDate"],
					"TotalAmt": receiptGross(p),
				})
			}
			for _, rec := range f.existing {
				if strings.Contains(q, "'"+rec.TxnDate+"'") {
					out = append(out, map[string]any{
						"Id": "r-" + rec.DocNumber, "SyncToken": "0",
						"DocNumber": rec.DocNumber, "TxnDate": rec.TxnDate, "TotalAmt": rec.TotalAmt,
					})
				}
			}
			f.mu.Unlock()
		}
		writeJSON(w, map[string]any{"QueryResponse": map[string]any{"SalesReceipt": out}})

	case strings.Contains(q, "from Item where Name in"), strings.Contains(q, "from Item where Name ="):
		var out []map[string]any
		f.mu.Lock()
		for _, it := range f.items {
			if strings.Contains(q, "'"+strings.ReplaceAll(it.Name, "'", "''")+"'") {
				out = append(out, itemJSON(it))
			}
		}
		f.mu.Unlock()
		writeJSON(w, map[string]any{"QueryResponse": map[string]any{"Item": out}})

	case strings.Contains(q, "from Department"):
		var out []map[string]any
		f.mu.Lock()
		for name, id := range f.departments {
			if strings.Contains(q, "'"+name+"'") {
				out = append(out, map[string]any{"Id": id, "Name": name})
			}
		}
		f.mu.Unlock()
		writeJSON(w, map[string]any{"QueryResponse": map[string]any{"Department": out}})

	case strings.Contains(q, "from Account"):
		var out []map[string]any
		f.mu.Lock()
		for name, id := range f.accounts {
			if strings.Contains(q, "'"+name+"'") {
				out = append(out, map[string]any{"Id": id, "Name": name})
			}
		}
		f.mu.Unlock()
		writeJSON(w, map[string]any{"QueryResponse": map[string]any{"Account": out}})

	default:
		writeJSON(w, map[string]any{"QueryResponse": map[string]any{}})
	}
}

func (f *fakeQBO) handleCreateReceipt(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	doc, _ := payload["DocNumber"].(string)

	f.mu.Lock()
	if fault, ok := f.createFaults[doc]; ok {
		delete(f.createFaults, doc)
		f.mu.Unlock()
		w.WriteHeader(fault.Status)
		writeJSON(w, map[string]any{"Fault": map[string]any{
			"Error": []map[string]any{{"Message": fault.Message, "Detail": fault.Message, "code": fault.Code}},
			"type":  fault.Type,
		}})
		return
	}
	f.createdReceipts = append(f.createdReceipts, payload)
	f.mu.Unlock()

	writeJSON(w, map[string]any{"SalesReceipt": map[string]any{
		"Id": "r-" + doc, "SyncToken": "0", "DocNumber": doc,
		"TxnDate": payload["TxnDate"], "TotalAmt": receiptGross(payload),
	}})
}

func (f *fakeQBO) handleItem(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if sparse, _ := payload["sparse"].(bool); sparse {
		f.patchedItems = append(f.patchedItems, payload)
		id, _ := payload["Id"].(string)
		var current fakeItem
		for _, it := range f.items {
			if it.ID == id {
				current = it
				break
			}
		}
		writeJSON(w, map[string]any{"Item": itemJSON(current)})
		return
	}

	f.createdItems = append(f.createdItems, payload)
	f.nextItemID++
	it := fakeItem{
		ID:   fmt.Sprintf("it-%d", f.nextItemID),
		Name: payload["Name"].(string),
		Type: payload["Type"].(string),
	}
	if tracked, _ := payload["TrackQtyOnHand"].(bool); tracked {
		it.TrackQtyOnHand = true
	}
	f.items[it.Name] = it
	writeJSON(w, map[string]any{"Item": itemJSON(it)})
}

func receiptGross(payload map[string]any) float64 {
	total := 0.0
	lines, _ := payload["Line"].([]any)
	for _, raw := range lines {
		line, _ := raw.(map[string]any)
		detail, _ := line["SalesItemLineDetail"].(map[string]any)
		if detail != nil {
			if gross, ok := detail["TaxInclusiveAmt"].(float64); ok && gross > 0 {
				total += gross
				continue
			}
		}
		if amt, ok := line["Amount"].(float64); ok {
			total += amt
		}
	}
	return total
}

func itemJSON(it fakeItem) map[string]any {
	return map[string]any{
		"Id": it.ID, "SyncToken": "0", "Name": it.Name, "Type": it.Type,
		"Active": true, "UnitPrice": it.UnitPrice, "PurchaseCost": it.PurchaseCost,
		"TrackQtyOnHand": it.TrackQtyOnHand, "InvStartDate": it.InvStartDate,
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func uploadConfig() *config.CompanyConfig {
	return &config.CompanyConfig{
		CompanyKey: "company_a",
		Timezone:   "Europe/London",
		QBO: config.QBOConfig{
			RealmID:        "12345",
			DepositAccount: "Undeposited Funds",
			TaxMode:        config.TaxModeVATInclusive,
			TaxRate:        0.075,
			TaxCodeID:      "21",
			PaymentMethods: map[string]string{"Cash": "1", "Card": "3"},
		},
		Transform: config.TransformConfig{
			GroupBy:             []string{"date", "tender"},
			DateFormat:          "02/01/2006",
			ReceiptPrefix:       "SR",
			ReceiptNumberFormat: "date_tender_sequence",
		},
		Output: config.OutputConfig{
			CSVPrefix:    "Upload",
			MetadataFile: "transform_metadata.json",
			LedgerFile:   "uploaded.json",
		},
	}
}

var normalizedHeader = []string{
	"*SalesReceiptNo", "Customer", "*SalesReceiptDate", "*DepositAccount",
	"Location", "Memo", "Item(Product/Service)", "ItemDescription",
	"ItemQuantity", "ItemRate", "*ItemAmount", "*ItemTaxCode",
	"ItemTaxAmount", "Service Date",
}

func normalizedRow(doc, item, category, qty, gross, tax, tender string) []string {
	return []string{
		doc, "", "27/12/2025", "Undeposited Funds", "Main Street", tender,
		item, category, qty, "", gross, "Sales Tax", tax, "27/12/2025",
	}
}

func writeNormalizedCSV(t *testing.T, rows [][]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "Upload_BookKeeping_2025-12-27.csv")
	f, err := os.Create(path)
	require.NoError(t, err)
	w := csv.NewWriter(f)
	require.NoError(t, w.Write(normalizedHeader))
	require.NoError(t, w.WriteAll(rows))
	require.NoError(t, f.Close())
	return path
}

func newTestEngine(t *testing.T, fake *fakeQBO, cfg *config.CompanyConfig) (*Engine, *ledger.Ledger) {
	t.Helper()
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)
	client := qbo.NewClientWith(srv.URL, cfg.QBO.RealmID, staticTokens{}, srv.Client())
	led, err := ledger.Open(filepath.Join(t.TempDir(), "uploaded.json"))
	require.NoError(t, err)
	return NewEngine(client, led, cfg), led
}

func TestUpload_CreatesDocumentsAndRecordsLedger(t *testing.T) {
	fake := newFakeQBO()
	fake.departments["Main Street"] = "d-9"
	eng, led := newTestEngine(t, fake, uploadConfig())

	path := writeNormalizedCSV(t, [][]string{
		normalizedRow("SR-20251227-0001", "Latte", "Drinks", "2", "10.00", "0.70", "Cash"),
		normalizedRow("SR-20251227-0001", "Scone", "Food", "1", "5.00", "0.35", "Cash"),
		normalizedRow("SR-20251227-0002", "Latte", "Drinks", "1", "5.00", "0.35", "Card"),
	})

	res, err := eng.Upload(context.Background(), path, "2025-12-27", Options{})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Attempted)
	assert.Equal(t, 2, res.Created)
	assert.Equal(t, 0, res.SkippedDup)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, []string{"SR-20251227-0001", "SR-20251227-0002"}, res.CreatedDocs)
	assert.True(t, led.Contains("SR-20251227-0001"))
	assert.True(t, led.Contains("SR-20251227-0002"))

	assert.True(t, decimal.NewFromInt(20).Equal(res.SourceTotal), "source total %s", res.SourceTotal)
	assert.True(t, res.Reconciled, "remote total %s", res.RemoteTotal)

	require.Len(t, fake.createdReceipts, 2)
	first := fake.createdReceipts[0]
	assert.Equal(t, "2025-12-27", first["TxnDate"])
	assert.Equal(t, "TaxInclusive", first["GlobalTaxCalculation"])
	assert.Equal(t, map[string]any{"value": "1"}, first["PaymentMethodRef"])
	assert.Equal(t, map[string]any{"value": "d-9"}, first["DepartmentRef"])
	require.NotNil(t, first["TxnTaxDetail"])
}

func TestUpload_TaxInclusiveLineArithmetic(t *testing.T) {
	fake := newFakeQBO()
	eng, _ := newTestEngine(t, fake, uploadConfig())

	// Gross 10.00 with 0.70 tax over qty 3: net 9.30, unit 3.10.
	path := writeNormalizedCSV(t, [][]string{
		normalizedRow("SR-20251227-0001", "Latte", "Drinks", "3", "10.00", "0.70", "Cash"),
	})

	_, err := eng.Upload(context.Background(), path, "2025-12-27", Options{})
	require.NoError(t, err)

	require.Len(t, fake.createdReceipts, 1)
	lines := fake.createdReceipts[0]["Line"].([]any)
	require.Len(t, lines, 1)
	line := lines[0].(map[string]any)
	detail := line["SalesItemLineDetail"].(map[string]any)

	assert.InDelta(t, 9.30, line["Amount"].(float64), 1e-9)
	assert.InDelta(t, 3.10, detail["UnitPrice"].(float64), 1e-9)
	assert.InDelta(t, 10.00, detail["TaxInclusiveAmt"].(float64), 1e-9)
	assert.Equal(t, map[string]any{"value": "21"}, detail["TaxCodeRef"])

	taxDetail := fake.createdReceipts[0]["TxnTaxDetail"].(map[string]any)
	assert.InDelta(t, 0.70, taxDetail["TotalTax"].(float64), 1e-9)
	taxLine := taxDetail["TaxLine"].([]any)[0].(map[string]any)["TaxLineDetail"].(map[string]any)
	assert.InDelta(t, 7.5, taxLine["TaxPercent"].(float64), 1e-9)
	assert.InDelta(t, 9.30, taxLine["NetAmountTaxable"].(float64), 1e-9)
}

func TestUpload_SkipsExistingAndHealsStale(t *testing.T) {
	fake := newFakeQBO()
	fake.existing = []fakeReceipt{{DocNumber: "SR-20251227-0001", TxnDate: "2025-12-27", TotalAmt: 10}}
	eng, led := newTestEngine(t, fake, uploadConfig())

	// 0001 exists remotely; 0002 is a stale ledger entry absent remotely;
	// an entry from another run must survive the heal.
	require.NoError(t, led.Add("SR-20251227-0001"))
	require.NoError(t, led.Add("SR-20251227-0002"))
	require.NoError(t, led.Add("SR-20251201-0001"))

	path := writeNormalizedCSV(t, [][]string{
		normalizedRow("SR-20251227-0001", "Latte", "Drinks", "1", "10.00", "0.70", "Cash"),
		normalizedRow("SR-20251227-0002", "Latte", "Drinks", "1", "10.00", "0.70", "Card"),
	})

	res, err := eng.Upload(context.Background(), path, "2025-12-27", Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, res.SkippedDup)
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, []string{"SR-20251227-0002"}, res.StaleHealed)
	assert.Equal(t, []string{"SR-20251227-0002"}, res.CreatedDocs)
	assert.True(t, led.Contains("SR-20251201-0001"), "entries outside the run must not be healed away")
}

func TestUpload_RecordsRemoteOnlyDocumentInLedger(t *testing.T) {
	fake := newFakeQBO()
	fake.existing = []fakeReceipt{{DocNumber: "SR-20251227-0001", TxnDate: "2025-12-27", TotalAmt: 10}}
	eng, led := newTestEngine(t, fake, uploadConfig())

	path := writeNormalizedCSV(t, [][]string{
		normalizedRow("SR-20251227-0001", "Latte", "Drinks", "1", "10.00", "0.70", "Cash"),
	})

	res, err := eng.Upload(context.Background(), path, "2025-12-27", Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, res.SkippedDup)
	assert.Equal(t, 0, res.Created)
	assert.True(t, led.Contains("SR-20251227-0001"))
	assert.Empty(t, fake.createdReceipts)
}

func TestUpload_TradingDayFiltersExistenceByDate(t *testing.T) {
	fake := newFakeQBO()
	cfg := uploadConfig()
	cfg.TradingDay = &config.TradingDayConfig{Enabled: true, StartHour: 5}
	eng, _ := newTestEngine(t, fake, cfg)

	path := writeNormalizedCSV(t, [][]string{
		normalizedRow("SR-20251227-0001", "Latte", "Drinks", "1", "10.00", "0.70", "Cash"),
	})

	_, err := eng.Upload(context.Background(), path, "2025-12-27", Options{})
	require.NoError(t, err)

	var existenceQuery string
	for _, q := range fake.queries {
		if strings.Contains(q, "DocNumber in") {
			existenceQuery = q
		}
	}
	require.NotEmpty(t, existenceQuery)
	assert.Contains(t, existenceQuery, "and TxnDate = '2025-12-27'")
}

func TestUpload_RemoteDuplicateIsRecordedNotFailed(t *testing.T) {
	fake := newFakeQBO()
	fake.createFaults["SR-20251227-0001"] = createFault{
		Status: 400, Code: "6140", Message: "Duplicate Document Number Error",
	}
	eng, led := newTestEngine(t, fake, uploadConfig())

	path := writeNormalizedCSV(t, [][]string{
		normalizedRow("SR-20251227-0001", "Latte", "Drinks", "1", "10.00", "0.70", "Cash"),
	})

	res, err := eng.Upload(context.Background(), path, "2025-12-27", Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, res.SkippedDup)
	assert.Equal(t, 0, res.Failed)
	assert.True(t, led.Contains("SR-20251227-0001"))
}

func TestUpload_UnknownItemUsesDefaultWhenInventoryDisabled(t *testing.T) {
	fake := newFakeQBO()
	eng, _ := newTestEngine(t, fake, uploadConfig())

	path := writeNormalizedCSV(t, [][]string{
		normalizedRow("SR-20251227-0001", "Mystery Drink", "Drinks", "1", "10.00", "0.70", "Cash"),
	})

	res, err := eng.Upload(context.Background(), path, "2025-12-27", Options{})
	require.NoError(t, err)

	require.Len(t, fake.createdReceipts, 1)
	detail := fake.createdReceipts[0]["Line"].([]any)[0].(map[string]any)["SalesItemLineDetail"].(map[string]any)
	assert.Equal(t, map[string]any{"value": "1"}, detail["ItemRef"])
	assert.NotEmpty(t, res.Warnings)
	assert.Empty(t, fake.createdItems)
}

func writeMappingCSV(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "Product.Mapping.csv")
	content := "Category,Inventory Account,Revenue Account,Cost of Sale Account\n" +
		"Drinks,1200 - Stock,4000 - Sales,5000 - Cost of Sales\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func inventoryConfig() *config.CompanyConfig {
	cfg := uploadConfig()
	cfg.Inventory = &config.InventoryConfig{
		Enabled:          true,
		SyncMode:         "inline",
		StartDate:        "2025-12-01",
		DefaultQtyOnHand: 0,
	}
	return cfg
}

func TestUpload_InventoryCreatesMissingItems(t *testing.T) {
	fake := newFakeQBO()
	fake.accounts["1200 - Stock"] = "a-12"
	fake.accounts["4000 - Sales"] = "a-40"
	fake.accounts["5000 - Cost of Sales"] = "a-50"
	eng, _ := newTestEngine(t, fake, inventoryConfig())

	path := writeNormalizedCSV(t, [][]string{
		normalizedRow("SR-20251227-0001", "Latte", "Drinks", "1", "10.00", "0.70", "Cash"),
	})

	res, err := eng.Upload(context.Background(), path, "2025-12-27", Options{MappingFile: writeMappingCSV(t)})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)

	require.Len(t, fake.createdItems, 1)
	created := fake.createdItems[0]
	assert.Equal(t, "Latte", created["Name"])
	assert.Equal(t, "Inventory", created["Type"])
	assert.Equal(t, true, created["TrackQtyOnHand"])
	assert.Equal(t, "2025-12-01", created["InvStartDate"])
	assert.Equal(t, map[string]any{"value": "a-40"}, created["IncomeAccountRef"])
	assert.Equal(t, map[string]any{"value": "a-12"}, created["AssetAccountRef"])
	assert.Equal(t, map[string]any{"value": "a-50"}, created["ExpenseAccountRef"])
}

func TestUpload_InventoryUnmappedCategoryFails(t *testing.T) {
	fake := newFakeQBO()
	eng, _ := newTestEngine(t, fake, inventoryConfig())

	path := writeNormalizedCSV(t, [][]string{
		normalizedRow("SR-20251227-0001", "Latte", "Unmapped", "1", "10.00", "0.70", "Cash"),
	})

	_, err := eng.Upload(context.Background(), path, "2025-12-27", Options{MappingFile: writeMappingCSV(t)})
	require.Error(t, err)
	var cfgErr *qbo.ErrConfig
	assert.ErrorAs(t, err, &cfgErr)
}

func TestUpload_InlineSyncPatchesPriceDrift(t *testing.T) {
	fake := newFakeQBO()
	fake.items["Latte"] = fakeItem{
		ID: "it-7", Name: "Latte", Type: "Inventory",
		UnitPrice: 3.00, PurchaseCost: 1.50, TrackQtyOnHand: true, InvStartDate: "2025-12-01",
	}
	eng, _ := newTestEngine(t, fake, inventoryConfig())

	// Gross unit price 5.00 drifts well past 0.01 from the remote 3.00.
	path := writeNormalizedCSV(t, [][]string{
		normalizedRow("SR-20251227-0001", "Latte", "Drinks", "2", "10.00", "0.70", "Cash"),
	})

	_, err := eng.Upload(context.Background(), path, "2025-12-27", Options{MappingFile: writeMappingCSV(t)})
	require.NoError(t, err)

	require.Len(t, fake.patchedItems, 1)
	patch := fake.patchedItems[0]
	assert.Equal(t, "it-7", patch["Id"])
	assert.Equal(t, true, patch["sparse"])
	assert.InDelta(t, 5.00, patch["UnitPrice"].(float64), 1e-9)
	_, hasCost := patch["PurchaseCost"]
	assert.False(t, hasCost, "non-zero cost must not be patched")
}

func TestUpload_UploadFastNeverPatches(t *testing.T) {
	fake := newFakeQBO()
	fake.items["Latte"] = fakeItem{
		ID: "it-7", Name: "Latte", Type: "Inventory",
		UnitPrice: 3.00, TrackQtyOnHand: true, InvStartDate: "2025-12-01",
	}
	cfg := inventoryConfig()
	cfg.Inventory.SyncMode = "upload_fast"
	eng, _ := newTestEngine(t, fake, cfg)

	path := writeNormalizedCSV(t, [][]string{
		normalizedRow("SR-20251227-0001", "Latte", "Drinks", "2", "10.00", "0.70", "Cash"),
	})

	_, err := eng.Upload(context.Background(), path, "2025-12-27", Options{MappingFile: writeMappingCSV(t)})
	require.NoError(t, err)
	assert.Empty(t, fake.patchedItems)
}

func TestUpload_BypassSwapsBackdatedInventoryLines(t *testing.T) {
	fake := newFakeQBO()
	// Inventory starts after the document date, so a direct sale would be
	// rejected.
	fake.items["Latte"] = fakeItem{
		ID: "it-7", Name: "Latte", Type: "Inventory",
		UnitPrice: 5.00, PurchaseCost: 2.00, TrackQtyOnHand: true, InvStartDate: "2026-01-15",
	}
	cfg := inventoryConfig()
	cfg.Inventory.SyncMode = "upload_fast"
	cfg.QBO.BypassIncomeAccountID = "a-40"
	eng, _ := newTestEngine(t, fake, cfg)

	path := writeNormalizedCSV(t, [][]string{
		normalizedRow("SR-20251227-0001", "Latte", "Drinks", "1", "5.00", "0.35", "Cash"),
	})

	res, err := eng.Upload(context.Background(), path, "2025-12-27", Options{MappingFile: writeMappingCSV(t)})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)

	// The bypass service item was created once.
	require.Len(t, fake.createdItems, 1)
	assert.Equal(t, bypassItemName, fake.createdItems[0]["Name"])
	assert.Equal(t, "Service", fake.createdItems[0]["Type"])

	require.Len(t, fake.createdReceipts, 1)
	line := fake.createdReceipts[0]["Line"].([]any)[0].(map[string]any)
	detail := line["SalesItemLineDetail"].(map[string]any)
	bypassID := fake.items[bypassItemName].ID
	assert.Equal(t, map[string]any{"value": bypassID}, detail["ItemRef"])
	assert.Contains(t, line["Description"], "Original item: Latte")
}

func TestUpload_InventoryBlockedWithoutBypassFails(t *testing.T) {
	fake := newFakeQBO()
	fake.items["Latte"] = fakeItem{
		ID: "it-7", Name: "Latte", Type: "Inventory",
		UnitPrice: 5.00, PurchaseCost: 2.00, TrackQtyOnHand: true, InvStartDate: "2025-12-01",
	}
	fake.createFaults["SR-20251227-0001"] = createFault{
		Status: 400, Code: "2050", Message: "Quantity on hand cannot go negative",
	}
	cfg := inventoryConfig()
	cfg.Inventory.SyncMode = "upload_fast"
	eng, led := newTestEngine(t, fake, cfg)

	path := writeNormalizedCSV(t, [][]string{
		normalizedRow("SR-20251227-0001", "Latte", "Drinks", "1", "5.00", "0.35", "Cash"),
	})

	res, err := eng.Upload(context.Background(), path, "2025-12-27", Options{MappingFile: writeMappingCSV(t)})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 0, res.Created)
	assert.False(t, led.Contains("SR-20251227-0001"))
	assert.Contains(t, strings.Join(res.Warnings, "\n"), "allow_negative_inventory")
}

func TestUpload_NegativeInventoryAllowedContinuesOnWarning(t *testing.T) {
	fake := newFakeQBO()
	fake.items["Latte"] = fakeItem{
		ID: "it-7", Name: "Latte", Type: "Inventory",
		UnitPrice: 5.00, PurchaseCost: 2.00, TrackQtyOnHand: true, InvStartDate: "2025-12-01",
	}
	fake.createFaults["SR-20251227-0001"] = createFault{
		Status: 400, Type: "Warning", Code: "6000",
		Message: "Quantity on hand will go negative for Latte",
	}
	cfg := inventoryConfig()
	cfg.Inventory.SyncMode = "upload_fast"
	cfg.Inventory.AllowNegative = true
	eng, led := newTestEngine(t, fake, cfg)

	path := writeNormalizedCSV(t, [][]string{
		normalizedRow("SR-20251227-0001", "Latte", "Drinks", "1", "5.00", "0.35", "Cash"),
	})

	res, err := eng.Upload(context.Background(), path, "2025-12-27", Options{MappingFile: writeMappingCSV(t)})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Created)
	assert.Equal(t, 0, res.Failed)
	assert.True(t, led.Contains("SR-20251227-0001"))
	assert.Contains(t, strings.Join(res.Warnings, "\n"), "negative inventory warning")
}

func TestUpload_NegativeInventoryDisallowedFailsOnWarning(t *testing.T) {
	fake := newFakeQBO()
	fake.items["Latte"] = fakeItem{
		ID: "it-7", Name: "Latte", Type: "Inventory",
		UnitPrice: 5.00, PurchaseCost: 2.00, TrackQtyOnHand: true, InvStartDate: "2025-12-01",
	}
	fake.createFaults["SR-20251227-0001"] = createFault{
		Status: 400, Type: "Warning", Code: "6000",
		Message: "Quantity on hand will go negative for Latte",
	}
	cfg := inventoryConfig()
	cfg.Inventory.SyncMode = "upload_fast"
	eng, led := newTestEngine(t, fake, cfg)

	path := writeNormalizedCSV(t, [][]string{
		normalizedRow("SR-20251227-0001", "Latte", "Drinks", "1", "5.00", "0.35", "Cash"),
	})

	res, err := eng.Upload(context.Background(), path, "2025-12-27", Options{MappingFile: writeMappingCSV(t)})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 0, res.Created)
	assert.False(t, led.Contains("SR-20251227-0001"))
}

func TestUpload_ReconciliationMismatchWarns(t *testing.T) {
	fake := newFakeQBO()
	// A pre-existing remote receipt on the date inflates the remote total
	// past the tolerance.
	fake.existing = []fakeReceipt{{DocNumber: "SR-OLD", TxnDate: "2025-12-27", TotalAmt: 500}}
	eng, _ := newTestEngine(t, fake, uploadConfig())

	path := writeNormalizedCSV(t, [][]string{
		normalizedRow("SR-20251227-0001", "Latte", "Drinks", "1", "10.00", "0.70", "Cash"),
	})

	res, err := eng.Upload(context.Background(), path, "2025-12-27", Options{})
	require.NoError(t, err)

	assert.False(t, res.Reconciled)
	assert.True(t, decimal.NewFromInt(510).Equal(res.RemoteTotal), "remote total %s", res.RemoteTotal)
	require.NotEmpty(t, res.Warnings)
	assert.Contains(t, res.Warnings[len(res.Warnings)-1], "reconciliation mismatch")
}

func TestReadDocuments_GroupsByDocNumberInOrder(t *testing.T) {
	path := writeNormalizedCSV(t, [][]string{
		normalizedRow("SR-20251227-0002", "Latte", "Drinks", "1", "5.00", "0.35", "Card"),
		normalizedRow("SR-20251227-0001", "Scone", "Food", "1", "4.00", "0.28", "Cash"),
		normalizedRow("SR-20251227-0002", "Tea", "Drinks", "2", "6.00", "0.42", "Card"),
	})

	docs, total, err := readDocuments(path, "02/01/2006")
	require.NoError(t, err)

	require.Len(t, docs, 2)
	assert.Equal(t, "SR-20251227-0002", docs[0].DocNumber)
	assert.Len(t, docs[0].Lines, 2)
	assert.Equal(t, "SR-20251227-0001", docs[1].DocNumber)
	assert.Equal(t, "2025-12-27", docs[0].TxnDate)
	assert.True(t, decimal.NewFromInt(15).Equal(total), "total %s", total)
	assert.True(t, decimal.NewFromInt(11).Equal(docs[0].GrossTotal()))
}

func TestReadDocuments_RejectsMissingColumns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.csv")
	require.NoError(t, os.WriteFile(path, []byte("a,b\n1,2\n"), 0o644))

	_, _, err := readDocuments(path, "02/01/2006")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing column")
}

func TestReadDocuments_RejectsEmptyFile(t *testing.T) {
	path := writeNormalizedCSV(t, nil)
	_, _, err := readDocuments(path, "02/01/2006")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no document rows")
}

func TestLoadMapping_HeaderSynonyms(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mapping.csv")
	content := "Categories,Inventory Account,Revenue Account,COGS\n" +
		"Drinks,Stock,Sales,Cost of Sales\n" +
		",ignored,ignored,ignored\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	m, err := LoadMapping(path)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Len())

	acc, ok := m.Lookup("  drinks ")
	require.True(t, ok)
	assert.Equal(t, CategoryAccounts{AssetAccount: "Stock", IncomeAccount: "Sales", ExpenseAccount: "Cost of Sales"}, acc)

	_, ok = m.Lookup("Food")
	assert.False(t, ok)
}

func TestLoadMapping_MissingColumnFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mapping.csv")
	require.NoError(t, os.WriteFile(path, []byte("Category,Revenue Account\nDrinks,Sales\n"), 0o644))

	_, err := LoadMapping(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inventory account")
}
