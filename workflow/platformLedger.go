package workflow

import (
	"context"
	"database/sql"
	"time"

	"github.com/mmdatafocus/vas_recon/models"
	"gorm.io/gorm"
)

// PlatformLedger is the read-only query into the wallet/ledger collaborator.
// One call must return a stable snapshot for the window.
type PlatformLedger interface {
	FetchPlatformRecords(ctx context.Context, supplierCode string, windowStart, windowEnd time.Time) ([]models.PlatformRecord, error)
}

// GormPlatformLedger reads platform_transactions directly.
type GormPlatformLedger struct {
	DB        *gorm.DB
	TxOptions *sql.TxOptions
}

func NewGormPlatformLedger(db *gorm.DB) *GormPlatformLedger {
	l := &GormPlatformLedger{DB: db}
	if db != nil && db.Dialector != nil && db.Dialector.Name() == "mysql" {
		l.TxOptions = &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}
	}
	return l
}

// FetchPlatformRecords reads the window inside one read-only transaction and
// numbers records 1..n in (transacted_at, id) order.
func (l *GormPlatformLedger) FetchPlatformRecords(ctx context.Context, supplierCode string, windowStart, windowEnd time.Time) ([]models.PlatformRecord, error) {
	var rows []models.PlatformTransaction
	fetch := func(tx *gorm.DB) error {
		var err error
		rows, err = models.ListPlatformTransactions(ctx, tx, supplierCode, windowStart, windowEnd)
		return err
	}
	var err error
	if l.TxOptions != nil {
		err = l.DB.WithContext(ctx).Transaction(fetch, l.TxOptions)
	} else {
		err = l.DB.WithContext(ctx).Transaction(fetch)
	}
	if err != nil {
		return nil, err
	}
	out := make([]models.PlatformRecord, len(rows))
	for i, r := range rows {
		out[i] = r.ToRecord(i + 1)
	}
	return out, nil
}

// FileArchive keeps the raw bytes of every received file so a run can be
// resumed or audited later.
type FileArchive interface {
	Archive(ctx context.Context, objectName string, data []byte) error
	Fetch(ctx context.Context, objectName string) ([]byte, error)
}
