package upload

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/oreva/oiat/internal/qbo"
)

const (
	// defaultItemID is the generic catch-all item used when inventory
	// handling is disabled and a line's item does not exist remotely.
	defaultItemID = "1"

	// bypassItemName is the single service item that absorbs lines blocked
	// by a later inventory start date.
	bypassItemName = "EPOS Sales Adjustment"

	prefetchChunk    = 50
	prefetchParallel = 4

	// priceDriftThreshold is the smallest unit-price difference worth a
	// sparse update in inline sync mode.
	priceDriftThreshold = "0.01"
)

// itemPlan is what the run learned about one item name before any document
// is created: its category and the latest gross unit price seen in the
// normalized file.
type itemPlan struct {
	name      string
	category  string
	unitGross decimal.Decimal
}

// resolveItems prefetches every item named in docs and creates or patches
// what the run needs, returning the name-keyed item map per-line payload
// building reads from.
func (e *Engine) resolveItems(ctx context.Context, docs []*Document, mapping *Mapping, res *Result) (map[string]*qbo.Item, error) {
	plans := collectItemPlans(docs)
	if len(plans) == 0 {
		return map[string]*qbo.Item{}, nil
	}

	names := make([]string, 0, len(plans))
	for _, p := range plans {
		names = append(names, p.name)
	}

	found, err := e.prefetchItems(ctx, names)
	if err != nil {
		return nil, err
	}
	log.Printf("[upload] prefetched %d of %d item(s)", len(found), len(names))

	inventoryOn := e.cfg.InventoryEnabled()
	for _, plan := range plans {
		item, ok := found[plan.name]
		if ok {
			patched, err := e.syncExistingItem(ctx, item, plan)
			if err != nil {
				return nil, err
			}
			if patched != nil {
				found[plan.name] = patched
			}
			continue
		}

		if !inventoryOn {
			// No catalog management for this tenant: route unknown
			// products through the generic item.
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("item %q not found remotely, using default item", plan.name))
			found[plan.name] = &qbo.Item{ID: defaultItemID, Name: plan.name}
			continue
		}

		created, err := e.createInventoryItem(ctx, plan, mapping)
		if err != nil {
			return nil, err
		}
		found[plan.name] = created
		log.Printf("[upload] created inventory item %q (id %s)", created.Name, created.ID)
	}

	return found, nil
}

// collectItemPlans walks the documents once and keeps, per item name, the
// category and the last gross unit price seen.
func collectItemPlans(docs []*Document) []itemPlan {
	index := make(map[string]int)
	var plans []itemPlan
	for _, doc := range docs {
		for _, line := range doc.Lines {
			if line.Item == "" {
				continue
			}
			i, ok := index[line.Item]
			if !ok {
				i = len(plans)
				index[line.Item] = i
				plans = append(plans, itemPlan{name: line.Item, category: line.Description})
			}
			qty := line.Qty
			if qty.IsZero() {
				qty = decimal.NewFromInt(1)
			}
			plans[i].unitGross = line.Amount.DivRound(qty, 2)
			if plans[i].category == "" {
				plans[i].category = line.Description
			}
		}
	}
	return plans
}

// prefetchItems queries the remote catalog for all names, chunked and
// bounded to four in-flight queries.
func (e *Engine) prefetchItems(ctx context.Context, names []string) (map[string]*qbo.Item, error) {
	found := make(map[string]*qbo.Item, len(names))
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(prefetchParallel)
	for start := 0; start < len(names); start += prefetchChunk {
		end := start + prefetchChunk
		if end > len(names) {
			end = len(names)
		}
		chunk := names[start:end]
		g.Go(func() error {
			items, err := e.client.ItemsByName(ctx, chunk)
			if err != nil {
				return err
			}
			mu.Lock()
			for name, item := range items {
				found[name] = item
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return found, nil
}

// syncExistingItem applies inline catalog maintenance to an item that
// already exists remotely. In upload_fast mode nothing is patched. Returns
// the patched item, or nil when no patch ran.
func (e *Engine) syncExistingItem(ctx context.Context, item *qbo.Item, plan itemPlan) (*qbo.Item, error) {
	if !e.cfg.InventoryEnabled() || e.cfg.Inventory.SyncMode != "inline" {
		return nil, nil
	}

	patch := qbo.ItemPatch{}
	dirty := false

	threshold := decimal.RequireFromString(priceDriftThreshold)
	if plan.unitGross.IsPositive() && item.UnitPrice.Sub(plan.unitGross).Abs().GreaterThan(threshold) {
		p := plan.unitGross
		patch.UnitPrice = &p
		dirty = true
	}
	if item.PurchaseCost.IsZero() && plan.unitGross.IsPositive() {
		c := plan.unitGross
		patch.PurchaseCost = &c
		dirty = true
	}
	if e.cfg.Inventory.AutoFixWrongTypeItems && item.Type != "Inventory" {
		patch.Type = "Inventory"
		if item.InvStartDate == "" {
			patch.InvStartDate = e.cfg.InventoryStartDate(e.now())
		}
		dirty = true
	}
	if e.cfg.Inventory.AutoFixStartDateBlockers && item.TrackQtyOnHand {
		floor := e.cfg.InvStartDateFloor(e.now())
		if item.InvStartDate != "" && floor < itemStartDate(item) {
			patch.InvStartDate = floor
			dirty = true
		}
	}
	if !dirty {
		return nil, nil
	}

	patched, err := e.client.SparseUpdateItem(ctx, item, patch)
	if err != nil {
		return nil, err
	}
	log.Printf("[upload] patched item %q (id %s)", item.Name, item.ID)
	return patched, nil
}

func itemStartDate(item *qbo.Item) string {
	s := item.InvStartDate
	if len(s) > 10 {
		s = s[:10]
	}
	return s
}

// createInventoryItem creates a quantity-tracked item for a product the
// remote catalog lacks, resolving the account triple from the category
// mapping. Account ids are cached per run.
func (e *Engine) createInventoryItem(ctx context.Context, plan itemPlan, mapping *Mapping) (*qbo.Item, error) {
	if mapping == nil || mapping.Len() == 0 {
		return nil, &qbo.ErrConfig{Message: fmt.Sprintf(
			"inventory item %q needs a product mapping file; none was loaded", plan.name)}
	}
	accounts, ok := mapping.Lookup(plan.category)
	if !ok {
		return nil, &qbo.ErrConfig{Message: fmt.Sprintf(
			"category %q for item %q is not in the product mapping; add a row for it", plan.category, plan.name)}
	}

	incomeID, err := e.accountID(ctx, accounts.IncomeAccount)
	if err != nil {
		return nil, err
	}
	assetID, err := e.accountID(ctx, accounts.AssetAccount)
	if err != nil {
		return nil, err
	}
	expenseID, err := e.accountID(ctx, accounts.ExpenseAccount)
	if err != nil {
		return nil, err
	}

	return e.client.CreateInventoryItem(ctx, qbo.InventoryItemSpec{
		Name:             plan.name,
		IncomeAccountID:  incomeID,
		AssetAccountID:   assetID,
		ExpenseAccountID: expenseID,
		InvStartDate:     e.cfg.InventoryStartDate(e.now()),
		QtyOnHand:        decimal.NewFromInt(int64(e.cfg.Inventory.DefaultQtyOnHand)),
		TaxCodeID:        e.cfg.QBO.TaxCodeID,
	})
}

// accountID resolves an account name once per run.
func (e *Engine) accountID(ctx context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if id, ok := e.accountCache[name]; ok {
		return id, nil
	}
	id, err := e.client.AccountIDByName(ctx, name)
	if err != nil {
		return "", err
	}
	e.accountCache[name] = id
	return id, nil
}

// bypassItem fetches (or creates) the fallback service item, once per run.
// Returns nil when the tenant has no bypass income account configured.
func (e *Engine) bypassItem(ctx context.Context) (*qbo.Item, error) {
	if e.cfg.QBO.BypassIncomeAccountID == "" {
		return nil, nil
	}
	if e.bypass != nil {
		return e.bypass, nil
	}
	item, err := e.client.GetOrCreateServiceItem(ctx, qbo.ServiceItemSpec{
		Name:            bypassItemName,
		IncomeAccountID: e.cfg.QBO.BypassIncomeAccountID,
		TaxCodeID:       e.cfg.QBO.TaxCodeID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to prepare bypass item: %w", err)
	}
	e.bypass = item
	return item, nil
}
