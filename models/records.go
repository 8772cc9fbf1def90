package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// SupplierRecord is one accepted body record of a settlement file. Amounts
// are in minor units. Ordinal is the 1-based position among accepted records.
type SupplierRecord struct {
	Ordinal       int               `json:"ordinal"`
	Line          int               `json:"line"`
	TransactionId string            `json:"transaction_id"`
	Reference     string            `json:"reference"`
	Amount        decimal.Decimal   `json:"amount"`
	Commission    *decimal.Decimal  `json:"commission,omitempty"`
	Status        string            `json:"status"`
	Timestamp     time.Time         `json:"timestamp"`
	ProductCode   string            `json:"product_code"`
	ProductName   string            `json:"product_name"`
	Extra         map[string]string `json:"extra,omitempty"`
}

// Field returns a matchable field by canonical name.
func (r SupplierRecord) Field(name string) string {
	switch name {
	case FieldNameTransactionId:
		return r.TransactionId
	case FieldNameReference:
		return r.Reference
	case FieldNameAmount:
		return r.Amount.String()
	case FieldNameStatus:
		return r.Status
	case FieldNameProductCode:
		return r.ProductCode
	case FieldNameProductName:
		return r.ProductName
	}
	return r.Extra[name]
}

// PlatformRecord is the platform-side ledger transaction. SupplierTransactionId
// is the id the supplier returned when the transaction was placed and is what
// "transaction_id" keys against.
type PlatformRecord struct {
	Ordinal               int             `json:"ordinal"`
	Id                    string          `json:"id"`
	Reference             string          `json:"reference"`
	SupplierTransactionId string          `json:"supplier_transaction_id"`
	Amount                decimal.Decimal `json:"amount"`
	Commission            decimal.Decimal `json:"commission"`
	Status                string          `json:"status"`
	Timestamp             time.Time       `json:"timestamp"`
	ProductCode           string          `json:"product_code"`
	ProductName           string          `json:"product_name"`
}

func (r PlatformRecord) Field(name string) string {
	switch name {
	case FieldNameTransactionId:
		return r.SupplierTransactionId
	case FieldNameReference:
		return r.Reference
	case FieldNameAmount:
		return r.Amount.String()
	case FieldNameStatus:
		return r.Status
	case FieldNameProductCode:
		return r.ProductCode
	case FieldNameProductName:
		return r.ProductName
	case "platform_id":
		return r.Id
	}
	return ""
}
