package models

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// DeliveryWindow is one expected file delivery per supplier per day.
// Unique constraint: (supplier_config_id, delivery_date).
type DeliveryWindow struct {
	ID               int                  `gorm:"primary_key" json:"id"`
	SupplierConfigId int                  `gorm:"not null;uniqueIndex:uniq_supplier_delivery_date,priority:1" json:"supplier_config_id"`
	SupplierCode     string               `gorm:"size:64;not null;index" json:"supplier_code"`
	DeliveryDate     string               `gorm:"size:10;not null;uniqueIndex:uniq_supplier_delivery_date,priority:2" json:"delivery_date"` // YYYY-MM-DD in the supplier's timezone
	ExpectedAt       time.Time            `gorm:"precision:6;not null" json:"expected_at"`
	DeadlineAt       time.Time            `gorm:"precision:6;not null;index" json:"deadline_at"`
	Status           DeliveryWindowStatus `gorm:"size:16;not null;index" json:"status"`
	RunId            *string              `gorm:"size:36" json:"run_id"`
	FulfilledAt      *time.Time           `gorm:"precision:6" json:"fulfilled_at"`
	MissedAt         *time.Time           `gorm:"precision:6" json:"missed_at"`
	CreatedAt        time.Time            `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time            `gorm:"autoUpdateTime" json:"updated_at"`
}

func ListOverdueWindows(ctx context.Context, db *gorm.DB, now time.Time) ([]DeliveryWindow, error) {
	var out []DeliveryWindow
	err := db.WithContext(ctx).
		Where("status = ? AND deadline_at < ?", DeliveryWindowOpen, now.UTC()).
		Order("deadline_at ASC, id ASC").
		Find(&out).Error
	return out, err
}

func ListDeliveryWindows(ctx context.Context, db *gorm.DB, supplierCode string, limit int) ([]DeliveryWindow, error) {
	var out []DeliveryWindow
	q := db.WithContext(ctx).Order("delivery_date DESC, supplier_code ASC").Limit(clampLimit(limit))
	if supplierCode != "" {
		q = q.Where("supplier_code = ?", supplierCode)
	}
	err := q.Find(&out).Error
	return out, err
}
