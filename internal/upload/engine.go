// Package upload creates sales receipts from a normalized CSV, with
// two-layer deduplication against a local ledger and the remote service,
// optional inventory catalog maintenance, and a reconciliation pass over
// the remote totals for the date.
package upload

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"github.com/oreva/oiat/internal/config"
	"github.com/oreva/oiat/internal/ledger"
	"github.com/oreva/oiat/internal/qbo"
)

// defaultTolerance is the reconciliation tolerance in currency units.
var defaultTolerance = decimal.NewFromInt(1)

// Options tunes one upload invocation.
type Options struct {
	// Tolerance overrides the reconciliation tolerance. Zero means the
	// default of 1.0 currency units.
	Tolerance decimal.Decimal

	// MappingFile overrides the tenant's product mapping path.
	MappingFile string
}

// Result is the outcome of one upload run.
type Result struct {
	Attempted  int
	SkippedDup int
	Created    int
	Failed     int

	CreatedDocs []string
	StaleHealed []string
	Warnings    []string

	SourceTotal decimal.Decimal
	RemoteTotal decimal.Decimal
	Reconciled  bool
}

// Engine uploads one normalized file per invocation. Document creation is
// serialized; only prefetch queries run in parallel.
type Engine struct {
	client *qbo.Client
	ledger *ledger.Ledger
	cfg    *config.CompanyConfig
	now    func() time.Time

	accountCache map[string]string
	bypass       *qbo.Item
}

// NewEngine builds an upload engine for one company.
func NewEngine(client *qbo.Client, led *ledger.Ledger, cfg *config.CompanyConfig) *Engine {
	return &Engine{
		client:       client,
		ledger:       led,
		cfg:          cfg,
		now:          time.Now,
		accountCache: make(map[string]string),
	}
}

// Upload reads normalizedPath, skips documents already uploaded, creates
// the rest, and reconciles source against remote totals for targetDate.
// Per-document failures are recorded and do not abort the run; token
// failures do.
func (e *Engine) Upload(ctx context.Context, normalizedPath, targetDate string, opts Options) (*Result, error) {
	docs, sourceTotal, err := readDocuments(normalizedPath, e.cfg.Transform.DateFormat)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Attempted:   len(docs),
		SourceTotal: sourceTotal,
	}

	existing, err := e.checkRemote(ctx, docs, targetDate, res)
	if err != nil {
		return nil, err
	}

	mapping, err := e.loadMapping(opts)
	if err != nil {
		return nil, err
	}

	items, err := e.resolveItems(ctx, pendingDocs(docs, existing), mapping, res)
	if err != nil {
		return nil, err
	}

	bypass, err := e.bypassItemIfNeeded(ctx, pendingDocs(docs, existing), items)
	if err != nil {
		return nil, err
	}

	for _, doc := range docs {
		if _, ok := existing[doc.DocNumber]; ok {
			if !e.ledger.Contains(doc.DocNumber) {
				if err := e.ledger.Add(doc.DocNumber); err != nil {
					return nil, err
				}
				log.Printf("[upload] %s exists remotely but was missing from the ledger, recorded", doc.DocNumber)
			}
			res.SkippedDup++
			continue
		}

		if err := e.createDocument(ctx, doc, items, bypass, res); err != nil {
			return nil, err
		}
	}

	if err := e.reconcile(ctx, targetDate, opts, res); err != nil {
		return nil, err
	}

	log.Printf("[upload] %s: %d attempted, %d created, %d skipped, %d failed",
		targetDate, res.Attempted, res.Created, res.SkippedDup, res.Failed)
	return res, nil
}

// checkRemote runs the bulk existence query and heals stale ledger entries
// among the run's candidates. In trading-day mode only documents on the
// target transaction date count as existing.
func (e *Engine) checkRemote(ctx context.Context, docs []*Document, targetDate string, res *Result) (map[string]qbo.Receipt, error) {
	candidates := make([]string, 0, len(docs))
	candidateSet := make(map[string]struct{}, len(docs))
	for _, d := range docs {
		candidates = append(candidates, d.DocNumber)
		candidateSet[d.DocNumber] = struct{}{}
	}

	txnDate := ""
	if e.cfg.TradingDayEnabled() {
		txnDate = targetDate
	}
	existing, err := e.client.ExistingDocNumbers(ctx, candidates, txnDate)
	if err != nil {
		return nil, err
	}

	// Heal only within this run's candidates: ledger entries from other
	// dates were not queried and must survive.
	remote := make(map[string]struct{}, len(existing))
	for _, dn := range e.ledger.All() {
		if _, mine := candidateSet[dn]; !mine {
			remote[dn] = struct{}{}
		}
	}
	for dn := range existing {
		remote[dn] = struct{}{}
	}
	healed, err := e.ledger.HealStale(remote)
	if err != nil {
		return nil, err
	}
	for _, dn := range healed {
		log.Printf("[upload] stale ledger entry %s: absent remotely, will retry", dn)
	}
	res.StaleHealed = healed

	return existing, nil
}

func (e *Engine) loadMapping(opts Options) (*Mapping, error) {
	if !e.cfg.InventoryEnabled() {
		return nil, nil
	}
	path := opts.MappingFile
	if path == "" {
		path = e.cfg.Inventory.ProductMappingFile
	}
	mapping, err := LoadMapping(path)
	if err != nil {
		return nil, err
	}
	log.Printf("[upload] loaded %d mapped categor(ies) from %s", mapping.Len(), path)
	return mapping, nil
}

// pendingDocs filters out documents the remote already has; their items
// never need resolution.
func pendingDocs(docs []*Document, existing map[string]qbo.Receipt) []*Document {
	pending := make([]*Document, 0, len(docs))
	for _, d := range docs {
		if _, ok := existing[d.DocNumber]; !ok {
			pending = append(pending, d)
		}
	}
	return pending
}

// bypassItemIfNeeded prepares the fallback service item only when some
// pending line would actually be blocked by its inventory start date.
func (e *Engine) bypassItemIfNeeded(ctx context.Context, docs []*Document, items map[string]*qbo.Item) (*qbo.Item, error) {
	if e.cfg.QBO.BypassIncomeAccountID == "" {
		return nil, nil
	}
	for _, doc := range docs {
		for _, line := range doc.Lines {
			if item, ok := items[line.Item]; ok && itemBlockedForDate(item, doc.TxnDate) {
				return e.bypassItem(ctx)
			}
		}
	}
	return nil, nil
}

// createDocument posts one receipt and updates counters. Duplicate and
// validation failures are absorbed into the result; token errors abort.
func (e *Engine) createDocument(ctx context.Context, doc *Document, items map[string]*qbo.Item, bypass *qbo.Item, res *Result) error {
	payload, err := e.buildPayload(ctx, doc, items, bypass)
	if err != nil {
		res.Failed++
		res.Warnings = append(res.Warnings, fmt.Sprintf("%s: %v", doc.DocNumber, err))
		return nil
	}

	created, err := e.client.CreateSalesReceipt(ctx, payload)
	if err == nil {
		if err := e.ledger.Add(doc.DocNumber); err != nil {
			return err
		}
		res.Created++
		res.CreatedDocs = append(res.CreatedDocs, doc.DocNumber)
		log.Printf("[upload] created %s (id %s, total %s)", doc.DocNumber, created.ID, created.TotalAmt)
		return nil
	}

	var dup *qbo.ErrDuplicate
	if errors.As(err, &dup) {
		if err := e.ledger.Add(doc.DocNumber); err != nil {
			return err
		}
		res.SkippedDup++
		res.Warnings = append(res.Warnings, fmt.Sprintf("%s: remote reported duplicate, recorded in ledger", doc.DocNumber))
		return nil
	}

	var blocked *qbo.ErrInventoryBlocked
	if errors.As(err, &blocked) {
		return e.handleInventoryBlocked(ctx, doc, items, res, blocked)
	}

	var token *qbo.ErrToken
	if errors.As(err, &token) {
		return err
	}

	res.Failed++
	res.Warnings = append(res.Warnings, fmt.Sprintf("%s: %v", doc.DocNumber, err))
	log.Printf("[upload] failed to create %s: %v", doc.DocNumber, err)
	return nil
}

// handleInventoryBlocked applies the tenant's negative-inventory policy and
// the start-date bypass to a document the remote rejected for inventory
// reasons.
func (e *Engine) handleInventoryBlocked(ctx context.Context, doc *Document, items map[string]*qbo.Item, res *Result, blocked *qbo.ErrInventoryBlocked) error {
	// A warnings-only fault means the remote accepted the document and
	// flagged the negative quantity. With allow_negative_inventory the run
	// continues; the document counts as created.
	if blocked.WarningsOnly && e.cfg.InventoryEnabled() && e.cfg.Inventory.AllowNegative {
		if err := e.ledger.Add(doc.DocNumber); err != nil {
			return err
		}
		res.Created++
		res.CreatedDocs = append(res.CreatedDocs, doc.DocNumber)
		res.Warnings = append(res.Warnings, fmt.Sprintf(
			"%s: created with negative inventory warning: %s", doc.DocNumber, blocked.Detail))
		log.Printf("[upload] created %s with negative inventory warning: %s", doc.DocNumber, blocked.Detail)
		return nil
	}

	bypass, err := e.bypassItem(ctx)
	if err != nil {
		return err
	}
	if bypass != nil {
		// Reroute every tracked line through the fallback item and retry
		// once, preserving monetary totals.
		swapped := make(map[string]*qbo.Item, len(items))
		for name, item := range items {
			if item.TrackQtyOnHand {
				swapped[name] = &qbo.Item{
					ID:             bypass.ID,
					Name:           item.Name,
					TrackQtyOnHand: false,
				}
			} else {
				swapped[name] = item
			}
		}
		payload, err := e.buildPayload(ctx, doc, swapped, nil)
		if err == nil {
			if created, err := e.client.CreateSalesReceipt(ctx, payload); err == nil {
				if err := e.ledger.Add(doc.DocNumber); err != nil {
					return err
				}
				res.Created++
				res.CreatedDocs = append(res.CreatedDocs, doc.DocNumber)
				res.Warnings = append(res.Warnings, fmt.Sprintf("%s: inventory blocked, rerouted through %s", doc.DocNumber, bypassItemName))
				log.Printf("[upload] created %s via bypass item (id %s)", doc.DocNumber, created.ID)
				return nil
			}
		}
	}

	res.Failed++
	if e.cfg.InventoryEnabled() && e.cfg.Inventory.AllowNegative {
		res.Warnings = append(res.Warnings, fmt.Sprintf(
			"%s: rejected for inventory quantity despite allow_negative_inventory: %s", doc.DocNumber, blocked.Detail))
	} else {
		res.Warnings = append(res.Warnings, fmt.Sprintf(
			"%s: blocked by inventory: %s; receive stock, enable allow_negative_inventory, or set a bypass income account",
			doc.DocNumber, blocked.Detail))
	}
	log.Printf("[upload] %s blocked by inventory: %s", doc.DocNumber, blocked.Detail)
	return nil
}

// reconcile compares the source-side gross total with the remote-side sum
// of receipt totals on the target date.
func (e *Engine) reconcile(ctx context.Context, targetDate string, opts Options, res *Result) error {
	receipts, err := e.client.ReceiptsForDate(ctx, targetDate)
	if err != nil {
		return fmt.Errorf("failed to reconcile %s: %w", targetDate, err)
	}

	remote := decimal.Zero
	for _, r := range receipts {
		remote = remote.Add(r.TotalAmt)
	}
	res.RemoteTotal = remote

	tolerance := opts.Tolerance
	if tolerance.IsZero() {
		tolerance = defaultTolerance
	}
	diff := res.SourceTotal.Sub(remote).Abs()
	res.Reconciled = diff.LessThanOrEqual(tolerance)
	if res.Reconciled {
		log.Printf("[upload] reconciled %s: source %s, remote %s", targetDate, res.SourceTotal, remote)
	} else {
		res.Warnings = append(res.Warnings, fmt.Sprintf(
			"reconciliation mismatch for %s: source %s, remote %s, difference %s exceeds tolerance %s",
			targetDate, res.SourceTotal, remote, diff, tolerance))
		log.Printf("[upload] reconciliation mismatch for %s: source %s, remote %s", targetDate, res.SourceTotal, remote)
	}
	return nil
}
