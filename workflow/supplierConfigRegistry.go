package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mmdatafocus/vas_recon/config"
	"github.com/mmdatafocus/vas_recon/models"
	"github.com/mmdatafocus/vas_recon/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const supplierConfigCacheTTL = 24 * time.Hour

// SupplierConfigRegistry serves configs from memory. It is filled once at
// startup; the admin write path refreshes single entries.
type SupplierConfigRegistry struct {
	DB     *gorm.DB
	Logger *logrus.Logger

	mu     sync.RWMutex
	byCode map[string]models.SupplierConfig
}

func NewSupplierConfigRegistry(db *gorm.DB, logger *logrus.Logger) *SupplierConfigRegistry {
	return &SupplierConfigRegistry{
		DB:     db,
		Logger: logger,
		byCode: map[string]models.SupplierConfig{},
	}
}

// Load replaces the cache with every stored config and mirrors them to Redis.
func (r *SupplierConfigRegistry) Load(ctx context.Context) error {
	configs, err := models.ListSupplierConfigs(ctx, r.DB, false)
	if err != nil {
		return err
	}
	byCode := make(map[string]models.SupplierConfig, len(configs))
	for _, c := range configs {
		byCode[c.Code] = c
		r.mirror(ctx, c)
	}
	r.mu.Lock()
	r.byCode = byCode
	r.mu.Unlock()
	return nil
}

// GetConfig fails closed: unknown or inactive suppliers are
// ErrConfigurationMissing.
func (r *SupplierConfigRegistry) GetConfig(ctx context.Context, supplierCode string) (*models.SupplierConfig, error) {
	r.mu.RLock()
	c, ok := r.byCode[supplierCode]
	r.mu.RUnlock()

	if !ok {
		var cached models.SupplierConfig
		if hit, err := config.GetRedisObject(ctx, models.SupplierConfigCacheKey(supplierCode), &cached); err == nil && hit {
			c, ok = cached, true
		}
	}
	if !ok {
		stored, err := models.GetSupplierConfigByCode(ctx, r.DB, supplierCode)
		if errors.Is(err, utils.ErrorRecordNotFound) {
			return nil, fmt.Errorf("supplier %q: %w", supplierCode, utils.ErrConfigurationMissing)
		}
		if err != nil {
			return nil, err
		}
		c, ok = *stored, true
		r.mirror(ctx, c)
	}
	r.remember(c)

	if !c.Active() {
		return nil, fmt.Errorf("supplier %q is inactive: %w", supplierCode, utils.ErrConfigurationMissing)
	}
	return &c, nil
}

func (r *SupplierConfigRegistry) List() []models.SupplierConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.SupplierConfig, 0, len(r.byCode))
	for _, c := range r.byCode {
		out = append(out, c)
	}
	sortConfigs(out)
	return out
}

// Active lists the active configs in code order.
func (r *SupplierConfigRegistry) Active() []models.SupplierConfig {
	var out []models.SupplierConfig
	for _, c := range r.List() {
		if c.Active() {
			out = append(out, c)
		}
	}
	return out
}

// SaveSupplierConfig is the administrative write path. It validates, bumps
// the version, audits the change and refreshes the cache after commit. It
// never touches runs that already hold a snapshot.
func (r *SupplierConfigRegistry) SaveSupplierConfig(ctx context.Context, cfg *models.SupplierConfig, actor Actor) (*models.SupplierConfig, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.IsActive == nil {
		cfg.IsActive = utils.NewTrue()
	}

	action := "created"
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.SupplierConfig
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("code = ?", cfg.Code).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			cfg.ID = 0
			cfg.Version = 1
			if err := tx.Create(cfg).Error; err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			action = "updated"
			cfg.ID = existing.ID
			cfg.Version = existing.Version + 1
			cfg.CreatedAt = existing.CreatedAt
			if err := tx.Save(cfg).Error; err != nil {
				return err
			}
		}
		_, err = AppendAudit(tx, AuditEntry{
			EventType:  models.AuditSupplierConfigChanged,
			Actor:      actor,
			EntityType: EntitySupplierConfig,
			EntityId:   cfg.Code,
			Payload: map[string]any{
				"action":    action,
				"version":   cfg.Version,
				"is_active": cfg.Active(),
			},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	r.remember(*cfg)
	r.mirror(ctx, *cfg)
	if r.Logger != nil {
		r.Logger.WithFields(logrus.Fields{
			"field":         "SupplierConfigRegistry",
			"supplier_code": cfg.Code,
			"version":       cfg.Version,
		}).Info("supplier config " + action)
	}
	return cfg, nil
}

// DeactivateSupplierConfig stops new files for a supplier without deleting
// the config that past runs reference.
func (r *SupplierConfigRegistry) DeactivateSupplierConfig(ctx context.Context, code string, actor Actor) (*models.SupplierConfig, error) {
	stored, err := models.GetSupplierConfigByCode(ctx, r.DB, code)
	if err != nil {
		return nil, err
	}
	stored.IsActive = utils.NewFalse()
	return r.SaveSupplierConfig(ctx, stored, actor)
}

func (r *SupplierConfigRegistry) remember(c models.SupplierConfig) {
	r.mu.Lock()
	r.byCode[c.Code] = c
	r.mu.Unlock()
}

func (r *SupplierConfigRegistry) mirror(ctx context.Context, c models.SupplierConfig) {
	if err := config.SetRedisObject(ctx, c.CacheKey(), c, supplierConfigCacheTTL); err != nil && r.Logger != nil {
		config.LogError(r.Logger, "SupplierConfigRegistry", "mirror", "redis set", c.Code, err)
	}
}

func sortConfigs(configs []models.SupplierConfig) {
	sort.Slice(configs, func(i, j int) bool { return configs[i].Code < configs[j].Code })
}
