package middlewares

import (
	"context"

	"github.com/graph-gophers/dataloader/v7"
	"github.com/mmdatafocus/vas_recon/models"
	"gorm.io/gorm"
)

type supplierConfigReader struct {
	db *gorm.DB
}

func (r *supplierConfigReader) getSupplierConfigs(ctx context.Context, ids []int) []*dataloader.Result[*models.SupplierConfig] {
	results, err := models.GetSupplierConfigsByIds(ctx, r.db, ids)
	if err != nil {
		return handleError[*models.SupplierConfig](len(ids), err)
	}
	return generateLoaderResults(results, ids)
}

func GetSupplierConfig(ctx context.Context, id int) (*models.SupplierConfig, error) {
	loaders := For(ctx)
	return loaders.SupplierConfigLoader.Load(ctx, id)()
}

func GetSupplierConfigs(ctx context.Context, ids []int) ([]*models.SupplierConfig, []error) {
	loaders := For(ctx)
	return loaders.SupplierConfigLoader.LoadMany(ctx, ids)()
}
