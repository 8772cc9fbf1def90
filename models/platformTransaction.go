package models

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// PlatformTransaction belongs to the wallet/ledger service. The engine only
// reads it; the struct exists so the ledger query and the test harness share
// one column mapping.
type PlatformTransaction struct {
	ID                    string          `gorm:"size:64;primaryKey" json:"id"`
	SupplierCode          string          `gorm:"size:64;not null;index:idx_platform_supplier_time,priority:1" json:"supplier_code"`
	Reference             string          `gorm:"size:128;index" json:"reference"`
	SupplierTransactionId string          `gorm:"size:128;index" json:"supplier_transaction_id"`
	Amount                decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"amount"`
	Commission            decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"commission"`
	Status                string          `gorm:"size:32" json:"status"`
	ProductCode           string          `gorm:"size:64" json:"product_code"`
	ProductName           string          `gorm:"size:255" json:"product_name"`
	TransactedAt          time.Time       `gorm:"precision:6;not null;index:idx_platform_supplier_time,priority:2" json:"transacted_at"`
	CreatedAt             time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

func (t PlatformTransaction) ToRecord(ordinal int) PlatformRecord {
	return PlatformRecord{
		Ordinal:               ordinal,
		Id:                    t.ID,
		Reference:             t.Reference,
		SupplierTransactionId: t.SupplierTransactionId,
		Amount:                t.Amount,
		Commission:            t.Commission,
		Status:                t.Status,
		Timestamp:             t.TransactedAt.UTC(),
		ProductCode:           t.ProductCode,
		ProductName:           t.ProductName,
	}
}

// ListPlatformTransactions returns the window ordered by (transacted_at, id)
// so ordinals are stable across replays.
func ListPlatformTransactions(ctx context.Context, db *gorm.DB, supplierCode string, start, end time.Time) ([]PlatformTransaction, error) {
	var out []PlatformTransaction
	err := db.WithContext(ctx).
		Where("supplier_code = ? AND transacted_at >= ? AND transacted_at <= ?", supplierCode, start.UTC(), end.UTC()).
		Order("transacted_at ASC, id ASC").
		Find(&out).Error
	return out, err
}
