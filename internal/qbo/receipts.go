package qbo

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
)

// Ref is a remote entity reference.
type Ref struct {
	Value string `json:"value"`
	Name  string `json:"name,omitempty"`
}

// Receipt is the slim sales-receipt view returned by queries and creates.
type Receipt struct {
	ID        string          `json:"Id"`
	SyncToken string          `json:"SyncToken"`
	DocNumber string          `json:"DocNumber"`
	TxnDate   string          `json:"TxnDate"`
	TotalAmt  decimal.Decimal `json:"TotalAmt"`
}

// SalesItemDetail is the per-line detail of a sales-receipt line.
type SalesItemDetail struct {
	ItemRef         Ref     `json:"ItemRef"`
	Qty             float64 `json:"Qty"`
	UnitPrice       float64 `json:"UnitPrice"`
	ServiceDate     string  `json:"ServiceDate,omitempty"`
	TaxCodeRef      *Ref    `json:"TaxCodeRef,omitempty"`
	TaxInclusiveAmt float64 `json:"TaxInclusiveAmt,omitempty"`
}

// ReceiptLine is one line of a sales-receipt payload.
type ReceiptLine struct {
	DetailType          string          `json:"DetailType"`
	Amount              float64         `json:"Amount"`
	Description         string          `json:"Description,omitempty"`
	SalesItemLineDetail SalesItemDetail `json:"SalesItemLineDetail"`
}

// TaxLineDetail is the percent-based tax breakdown attached to a payload.
type TaxLineDetail struct {
	TaxRateRef       Ref     `json:"TaxRateRef"`
	PercentBased     bool    `json:"PercentBased"`
	TaxPercent       float64 `json:"TaxPercent"`
	NetAmountTaxable float64 `json:"NetAmountTaxable"`
}

// TaxLine is one entry of TxnTaxDetail.
type TaxLine struct {
	Amount        float64       `json:"Amount"`
	DetailType    string        `json:"DetailType"`
	TaxLineDetail TaxLineDetail `json:"TaxLineDetail"`
}

// TxnTaxDetail is the explicit transaction-level tax summary.
type TxnTaxDetail struct {
	TotalTax float64   `json:"TotalTax"`
	TaxLine  []TaxLine `json:"TaxLine"`
}

// SalesReceiptPayload is the create request for one document.
type SalesReceiptPayload struct {
	TxnDate              string        `json:"TxnDate"`
	PrivateNote          string        `json:"PrivateNote,omitempty"`
	DocNumber            string        `json:"DocNumber"`
	GlobalTaxCalculation string        `json:"GlobalTaxCalculation,omitempty"`
	Line                 []ReceiptLine `json:"Line"`
	TxnTaxDetail         *TxnTaxDetail `json:"TxnTaxDetail,omitempty"`
	PaymentMethodRef     *Ref          `json:"PaymentMethodRef,omitempty"`
	DepartmentRef        *Ref          `json:"DepartmentRef,omitempty"`
}

type receiptQueryResponse struct {
	QueryResponse struct {
		SalesReceipt []Receipt `json:"SalesReceipt"`
	} `json:"QueryResponse"`
}

type receiptCreateResponse struct {
	SalesReceipt *Receipt `json:"SalesReceipt"`
}

// ExistingDocNumbers queries the remote service for which of docNumbers
// already exist, batching to stay under URL limits. When txnDate is
// non-empty only documents on that transaction date count as existing.
func (c *Client) ExistingDocNumbers(ctx context.Context, docNumbers []string, txnDate string) (map[string]Receipt, error) {
	existing := make(map[string]Receipt)
	for start := 0; start < len(docNumbers); start += docNumberBatchSize {
		end := start + docNumberBatchSize
		if end > len(docNumbers) {
			end = len(docNumbers)
		}
		batch := docNumbers[start:end]

		quoted := make([]string, len(batch))
		for i, d := range batch {
			quoted[i] = "'" + escapeQueryString(d) + "'"
		}
		statement := fmt.Sprintf(
			"select Id, SyncToken, DocNumber, TxnDate, TotalAmt from SalesReceipt where DocNumber in (%s)",
			strings.Join(quoted, ", "))
		if txnDate != "" {
			statement += fmt.Sprintf(" and TxnDate = '%s'", escapeQueryString(txnDate))
		}

		var resp receiptQueryResponse
		if err := c.query(ctx, statement, &resp); err != nil {
			return nil, fmt.Errorf("failed to query existing document numbers: %w", err)
		}
		for _, r := range resp.QueryResponse.SalesReceipt {
			if r.DocNumber != "" {
				existing[r.DocNumber] = r
			}
		}
	}
	return existing, nil
}

// ReceiptsForDate pages through all sales receipts with the given
// transaction date.
func (c *Client) ReceiptsForDate(ctx context.Context, date string) ([]Receipt, error) {
	var all []Receipt
	for startPosition := 1; ; startPosition += queryPageSize {
		statement := fmt.Sprintf(
			"select Id, SyncToken, DocNumber, TxnDate, TotalAmt from SalesReceipt where TxnDate = '%s' startposition %d maxresults %d",
			escapeQueryString(date), startPosition, queryPageSize)

		var resp receiptQueryResponse
		if err := c.query(ctx, statement, &resp); err != nil {
			return nil, fmt.Errorf("failed to query receipts for %s: %w", date, err)
		}
		batch := resp.QueryResponse.SalesReceipt
		if len(batch) == 0 {
			break
		}
		all = append(all, batch...)
		if len(batch) < queryPageSize {
			break
		}
	}
	return all, nil
}

// CreateSalesReceipt posts one document and returns the created receipt.
func (c *Client) CreateSalesReceipt(ctx context.Context, payload *SalesReceiptPayload) (*Receipt, error) {
	var resp receiptCreateResponse
	if err := c.do(ctx, http.MethodPost, c.entityURL("salesreceipt"), payload, &resp, payload.DocNumber); err != nil {
		return nil, err
	}
	if resp.SalesReceipt == nil {
		return nil, fmt.Errorf("create response for %s carried no document", payload.DocNumber)
	}
	return resp.SalesReceipt, nil
}
