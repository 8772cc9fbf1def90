package middlewares

import (
	"context"
	"time"

	"github.com/graph-gophers/dataloader/v7"
	"github.com/mmdatafocus/vas_recon/models"
	"gorm.io/gorm"
)

const (
	recentRunsPerSupplier = 5
	recentRunsLookback    = 7 * 24 * time.Hour
)

type supplierRunsReader struct {
	db    *gorm.DB
	limit int
}

// getRecentRuns returns up to limit runs per supplier from the lookback
// window, newest first.
func (r *supplierRunsReader) getRecentRuns(ctx context.Context, supplierConfigIds []int) []*dataloader.Result[[]*models.ReconciliationRun] {
	var results []models.ReconciliationRun
	err := r.db.WithContext(ctx).
		Omit("config_snapshot", "parse_report", "error_log").
		Where("supplier_config_id IN ? AND created_at >= ?", supplierConfigIds, time.Now().UTC().Add(-recentRunsLookback)).
		Order("created_at DESC, id DESC").
		Find(&results).Error
	if err != nil {
		return handleError[[]*models.ReconciliationRun](len(supplierConfigIds), err)
	}

	kept := make([]models.ReconciliationRun, 0, len(results))
	perSupplier := map[int]int{}
	for _, run := range results {
		if perSupplier[run.SupplierConfigId] >= r.limit {
			continue
		}
		perSupplier[run.SupplierConfigId]++
		kept = append(kept, run)
	}
	return generateLoaderArrayResults(kept, supplierConfigIds)
}

func GetRecentRuns(ctx context.Context, supplierConfigId int) ([]*models.ReconciliationRun, error) {
	loaders := For(ctx)
	return loaders.SupplierRunsLoader.Load(ctx, supplierConfigId)()
}
