package upload

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/oreva/oiat/internal/config"
	"github.com/oreva/oiat/internal/qbo"
)

// taxCodeExempt is the remote tax code for lines the transform marked as
// carrying no VAT.
const taxCodeExempt = "NON"

// buildPayload converts one document into the remote create request. Line
// amounts are stored net with the gross carried as TaxInclusiveAmt, so the
// remote validation rule Amount == UnitPrice * Qty holds after rounding.
func (e *Engine) buildPayload(ctx context.Context, doc *Document, items map[string]*qbo.Item, bypass *qbo.Item) (*qbo.SalesReceiptPayload, error) {
	vatInclusive := e.cfg.QBO.TaxMode == config.TaxModeVATInclusive

	payload := &qbo.SalesReceiptPayload{
		TxnDate:     doc.TxnDate,
		PrivateNote: doc.Memo,
		DocNumber:   doc.DocNumber,
	}
	if vatInclusive {
		payload.GlobalTaxCalculation = "TaxInclusive"
	}

	grossTotal := decimal.Zero
	netTotal := decimal.Zero
	for _, line := range doc.Lines {
		item, note, err := e.lineItem(line, doc.TxnDate, items, bypass)
		if err != nil {
			return nil, err
		}

		gross := line.Amount
		tax := line.TaxAmount
		if !vatInclusive {
			tax = decimal.Zero
		}
		net := gross.Sub(tax)
		if net.IsNegative() {
			net = decimal.Zero
		}
		qty := line.Qty
		if qty.IsZero() {
			qty = decimal.NewFromInt(1)
		}
		unitNet := net.DivRound(qty, 2)
		amountNet := unitNet.Mul(qty).Round(2)

		description := line.Description
		if note != "" {
			if description != "" {
				description += " | "
			}
			description += note
		}

		taxCode := e.cfg.QBO.TaxCodeID
		if line.TaxCode == "No VAT" {
			taxCode = taxCodeExempt
		}
		detail := qbo.SalesItemDetail{
			ItemRef:     qbo.Ref{Value: item},
			Qty:         qty.InexactFloat64(),
			UnitPrice:   unitNet.InexactFloat64(),
			ServiceDate: line.ServiceDate,
		}
		if taxCode != "" {
			detail.TaxCodeRef = &qbo.Ref{Value: taxCode}
		}
		if vatInclusive {
			detail.TaxInclusiveAmt = gross.InexactFloat64()
		}

		payload.Line = append(payload.Line, qbo.ReceiptLine{
			DetailType:          "SalesItemLineDetail",
			Amount:              amountNet.InexactFloat64(),
			Description:         description,
			SalesItemLineDetail: detail,
		})
		grossTotal = grossTotal.Add(gross)
		netTotal = netTotal.Add(amountNet)
	}

	if vatInclusive && e.cfg.QBO.TaxCodeID != "" {
		totalTax := grossTotal.Sub(netTotal).Round(2)
		payload.TxnTaxDetail = &qbo.TxnTaxDetail{
			TotalTax: totalTax.InexactFloat64(),
			TaxLine: []qbo.TaxLine{{
				Amount:     totalTax.InexactFloat64(),
				DetailType: "TaxLineDetail",
				TaxLineDetail: qbo.TaxLineDetail{
					TaxRateRef:       qbo.Ref{Value: e.cfg.QBO.TaxCodeID},
					PercentBased:     true,
					TaxPercent:       e.cfg.QBO.TaxRate * 100,
					NetAmountTaxable: netTotal.InexactFloat64(),
				},
			}},
		}
	}

	if id, ok := e.cfg.QBO.PaymentMethods[strings.TrimSpace(doc.Memo)]; ok && id != "" {
		payload.PaymentMethodRef = &qbo.Ref{Value: id}
	}

	if doc.Location != "" {
		deptID, err := e.client.DepartmentID(ctx, doc.Location)
		if err != nil {
			return nil, err
		}
		if deptID != "" {
			payload.DepartmentRef = &qbo.Ref{Value: deptID}
		} else {
			log.Printf("[upload] location %q not found remotely, omitting department on %s", doc.Location, doc.DocNumber)
		}
	}

	return payload, nil
}

// lineItem resolves the item reference for one line. When a bypass item is
// available, lines blocked by a later inventory start date are rerouted to
// it and the swap is recorded in the line description.
func (e *Engine) lineItem(line Line, txnDate string, items map[string]*qbo.Item, bypass *qbo.Item) (id, note string, err error) {
	item, ok := items[line.Item]
	if !ok || item == nil {
		return "", "", fmt.Errorf("no resolved item for %q on %s", line.Item, line.DocNumber)
	}
	if bypass != nil && itemBlockedForDate(item, txnDate) {
		return bypass.ID, fmt.Sprintf("Original item: %s (inventory starts %s)", item.Name, item.InvStartDate), nil
	}
	return item.ID, "", nil
}

// itemBlockedForDate reports whether the remote would reject a sale of item
// on txnDate because the transaction predates its inventory start date.
func itemBlockedForDate(item *qbo.Item, txnDate string) bool {
	if !item.TrackQtyOnHand || item.InvStartDate == "" {
		return false
	}
	start := item.InvStartDate
	if len(start) > 10 {
		start = start[:10]
	}
	return txnDate < start
}
