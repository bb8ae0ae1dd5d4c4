package qbo

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
)

// Item is the remote product/service record, with the fields the upload
// engine inspects for inventory resolution.
type Item struct {
	ID                string          `json:"Id"`
	SyncToken         string          `json:"SyncToken"`
	Name              string          `json:"Name"`
	Type              string          `json:"Type"`
	Active            bool            `json:"Active"`
	Taxable           bool            `json:"Taxable"`
	UnitPrice         decimal.Decimal `json:"UnitPrice"`
	PurchaseCost      decimal.Decimal `json:"PurchaseCost"`
	TrackQtyOnHand    bool            `json:"TrackQtyOnHand"`
	QtyOnHand         decimal.Decimal `json:"QtyOnHand"`
	InvStartDate      string          `json:"InvStartDate,omitempty"`
	IncomeAccountRef  *Ref            `json:"IncomeAccountRef,omitempty"`
	AssetAccountRef   *Ref            `json:"AssetAccountRef,omitempty"`
	ExpenseAccountRef *Ref            `json:"ExpenseAccountRef,omitempty"`
}

type itemQueryResponse struct {
	QueryResponse struct {
		Item []Item `json:"Item"`
	} `json:"QueryResponse"`
}

type itemCreateResponse struct {
	Item *Item `json:"Item"`
}

// ItemsByName prefetches items for all names in one batched pass, so
// per-line uploads never issue item queries. The returned map is keyed by
// exact item name; absent names are simply missing from the map.
func (c *Client) ItemsByName(ctx context.Context, names []string) (map[string]*Item, error) {
	found := make(map[string]*Item)
	for start := 0; start < len(names); start += docNumberBatchSize {
		end := start + docNumberBatchSize
		if end > len(names) {
			end = len(names)
		}
		batch := names[start:end]

		quoted := make([]string, 0, len(batch))
		for _, n := range batch {
			if strings.TrimSpace(n) == "" {
				continue
			}
			quoted = append(quoted, "'"+escapeQueryString(n)+"'")
		}
		if len(quoted) == 0 {
			continue
		}

		statement := fmt.Sprintf(
			"select * from Item where Name in (%s) maxresults %d",
			strings.Join(quoted, ", "), queryPageSize)

		var resp itemQueryResponse
		if err := c.query(ctx, statement, &resp); err != nil {
			return nil, fmt.Errorf("failed to prefetch items: %w", err)
		}
		for i := range resp.QueryResponse.Item {
			it := resp.QueryResponse.Item[i]
			found[it.Name] = &it
		}
	}
	return found, nil
}

// ServiceItemSpec describes a service item to create.
type ServiceItemSpec struct {
	Name            string
	IncomeAccountID string
	TaxCodeID       string
}

// CreateServiceItem creates a plain service item.
func (c *Client) CreateServiceItem(ctx context.Context, spec ServiceItemSpec) (*Item, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return nil, &ErrConfig{Message: "service item name cannot be blank"}
	}
	if strings.TrimSpace(spec.IncomeAccountID) == "" {
		return nil, &ErrConfig{Message: "income account id is required to create item " + spec.Name}
	}

	payload := map[string]any{
		"Name":             strings.TrimSpace(spec.Name),
		"Type":             "Service",
		"Active":           true,
		"IncomeAccountRef": Ref{Value: spec.IncomeAccountID},
	}
	if spec.TaxCodeID != "" {
		payload["Taxable"] = true
		payload["SalesTaxIncluded"] = false
		payload["TaxCodeRef"] = Ref{Value: spec.TaxCodeID}
	}

	var resp itemCreateResponse
	if err := c.do(ctx, http.MethodPost, c.entityURL("item"), payload, &resp, ""); err != nil {
		return nil, fmt.Errorf("failed to create service item %q: %w", spec.Name, err)
	}
	if resp.Item == nil || resp.Item.ID == "" {
		return nil, fmt.Errorf("create response for item %q carried no id", spec.Name)
	}
	return resp.Item, nil
}

// InventoryItemSpec describes an inventory item to create. The three
// account refs come from the tenant's category mapping CSV.
type InventoryItemSpec struct {
	Name             string
	IncomeAccountID  string
	AssetAccountID   string
	ExpenseAccountID string
	InvStartDate     string
	QtyOnHand        decimal.Decimal
	TaxCodeID        string
}

// CreateInventoryItem creates a quantity-tracked inventory item.
func (c *Client) CreateInventoryItem(ctx context.Context, spec InventoryItemSpec) (*Item, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return nil, &ErrConfig{Message: "inventory item name cannot be blank"}
	}
	if spec.IncomeAccountID == "" || spec.AssetAccountID == "" || spec.ExpenseAccountID == "" {
		return nil, &ErrConfig{Message: "inventory item " + spec.Name + " needs income, asset, and expense accounts"}
	}
	if spec.InvStartDate == "" {
		return nil, &ErrConfig{Message: "inventory item " + spec.Name + " needs an inventory start date"}
	}

	qty, _ := spec.QtyOnHand.Float64()
	payload := map[string]any{
		"Name":              strings.TrimSpace(spec.Name),
		"Type":              "Inventory",
		"Active":            true,
		"TrackQtyOnHand":    true,
		"QtyOnHand":         qty,
		"InvStartDate":      spec.InvStartDate,
		"IncomeAccountRef":  Ref{Value: spec.IncomeAccountID},
		"AssetAccountRef":   Ref{Value: spec.AssetAccountID},
		"ExpenseAccountRef": Ref{Value: spec.ExpenseAccountID},
	}
	if spec.TaxCodeID != "" {
		payload["Taxable"] = true
		payload["TaxCodeRef"] = Ref{Value: spec.TaxCodeID}
	}

	var resp itemCreateResponse
	if err := c.do(ctx, http.MethodPost, c.entityURL("item"), payload, &resp, ""); err != nil {
		return nil, fmt.Errorf("failed to create inventory item %q: %w", spec.Name, err)
	}
	if resp.Item == nil || resp.Item.ID == "" {
		return nil, fmt.Errorf("create response for item %q carried no id", spec.Name)
	}
	return resp.Item, nil
}

// ItemPatch names the fields a sparse update may touch. Nil fields are
// left untouched remotely.
type ItemPatch struct {
	UnitPrice    *decimal.Decimal
	PurchaseCost *decimal.Decimal
	Type         string
	InvStartDate string
}

// SparseUpdateItem patches an item in place using the remote's sparse
// update semantics.
func (c *Client) SparseUpdateItem(ctx context.Context, item *Item, patch ItemPatch) (*Item, error) {
	payload := map[string]any{
		"Id":        item.ID,
		"SyncToken": item.SyncToken,
		"sparse":    true,
	}
	if patch.UnitPrice != nil {
		v, _ := patch.UnitPrice.Float64()
		payload["UnitPrice"] = v
	}
	if patch.PurchaseCost != nil {
		v, _ := patch.PurchaseCost.Float64()
		payload["PurchaseCost"] = v
	}
	if patch.Type != "" {
		payload["Type"] = patch.Type
	}
	if patch.InvStartDate != "" {
		payload["InvStartDate"] = patch.InvStartDate
	}

	var resp itemCreateResponse
	if err := c.do(ctx, http.MethodPost, c.entityURL("item"), payload, &resp, ""); err != nil {
		return nil, fmt.Errorf("failed to sparse-update item %q: %w", item.Name, err)
	}
	if resp.Item == nil {
		return nil, fmt.Errorf("sparse update response for item %q carried no item", item.Name)
	}
	return resp.Item, nil
}

// GetOrCreateServiceItem looks an item up by exact name and creates a
// service item when absent. Used by the backdated-inventory bypass, which
// routes blocked lines through a single fallback service item.
func (c *Client) GetOrCreateServiceItem(ctx context.Context, spec ServiceItemSpec) (*Item, error) {
	statement := fmt.Sprintf(
		"select * from Item where Name = '%s' maxresults 5", escapeQueryString(spec.Name))

	var resp itemQueryResponse
	if err := c.query(ctx, statement, &resp); err != nil {
		return nil, fmt.Errorf("failed to look up item %q: %w", spec.Name, err)
	}
	for i := range resp.QueryResponse.Item {
		it := resp.QueryResponse.Item[i]
		if strings.TrimSpace(it.Name) == strings.TrimSpace(spec.Name) && it.ID != "" {
			return &it, nil
		}
	}
	return c.CreateServiceItem(ctx, spec)
}
