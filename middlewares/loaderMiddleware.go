package middlewares

import (
	"context"
	"time"

	"github.com/graph-gophers/dataloader/v7"
	"github.com/mmdatafocus/vas_recon/models"
	"gorm.io/gorm"
)

type ctxKey string

const (
	loadersKey = ctxKey("dataloaders")
)

// Loaders are request scoped so a listing of N runs costs one config query.
type Loaders struct {
	SupplierConfigLoader *dataloader.Loader[int, *models.SupplierConfig]
	SupplierRunsLoader   *dataloader.Loader[int, []*models.ReconciliationRun]
}

func NewLoaders(conn *gorm.DB) *Loaders {
	supplierConfigReader := &supplierConfigReader{db: conn}
	supplierRunsReader := &supplierRunsReader{db: conn, limit: recentRunsPerSupplier}

	return &Loaders{
		SupplierConfigLoader: dataloader.NewBatchedLoader(supplierConfigReader.getSupplierConfigs, dataloader.WithWait[int, *models.SupplierConfig](time.Millisecond)),
		SupplierRunsLoader:   dataloader.NewBatchedLoader(supplierRunsReader.getRecentRuns, dataloader.WithWait[int, []*models.ReconciliationRun](time.Millisecond)),
	}
}

func For(ctx context.Context) *Loaders {
	return ctx.Value(loadersKey).(*Loaders)
}

// WithLoaders attaches loaders outside the gin middleware (CLI, tests).
func WithLoaders(ctx context.Context, db *gorm.DB) context.Context {
	return context.WithValue(ctx, loadersKey, NewLoaders(db))
}

// handleError fails every key in the batch with the same error.
func handleError[T any](n int, err error) []*dataloader.Result[T] {
	out := make([]*dataloader.Result[T], n)
	for i := range out {
		out[i] = &dataloader.Result[T]{Error: err}
	}
	return out
}

// generateLoaderResults orders rows to match ids. A missing id gets the
// type's placeholder instead of an error so one deleted row cannot fail a
// whole listing.
func generateLoaderResults[T models.Data](rows []T, ids []int) []*dataloader.Result[*T] {
	byId := make(map[int]T, len(rows))
	for _, row := range rows {
		byId[row.GetId()] = row
	}
	out := make([]*dataloader.Result[*T], len(ids))
	for i, id := range ids {
		row, ok := byId[id]
		if !ok {
			row = row.GetDefault(id).(T)
		}
		out[i] = &dataloader.Result[*T]{Data: &row}
	}
	return out
}

// generateLoaderArrayResults groups rows under the id they reference. Keys
// with no rows resolve to an empty slice.
func generateLoaderArrayResults[T models.RelatedData](rows []T, referenceIds []int) []*dataloader.Result[[]*T] {
	grouped := make(map[int][]*T, len(referenceIds))
	for i := range rows {
		ref := rows[i].GetReferenceId()
		grouped[ref] = append(grouped[ref], &rows[i])
	}
	out := make([]*dataloader.Result[[]*T], len(referenceIds))
	for i, id := range referenceIds {
		out[i] = &dataloader.Result[[]*T]{Data: grouped[id]}
	}
	return out
}
