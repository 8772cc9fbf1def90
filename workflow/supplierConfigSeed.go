package workflow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/vas_recon/models"
	"github.com/mmdatafocus/vas_recon/utils"
	"gopkg.in/yaml.v3"
)

// SupplierConfigFile is the YAML document seed-supplier-configs reads.
type SupplierConfigFile struct {
	Suppliers []models.SupplierConfig `yaml:"suppliers"`
}

// ParseSupplierConfigFile rejects unknown keys so a typo never silently
// drops a matching rule.
func ParseSupplierConfigFile(data []byte) ([]models.SupplierConfig, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var file SupplierConfigFile
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("parse supplier configs: %w", err)
	}
	seen := make(map[string]bool, len(file.Suppliers))
	for _, c := range file.Suppliers {
		if seen[c.Code] {
			return nil, fmt.Errorf("supplier %q appears more than once", c.Code)
		}
		seen[c.Code] = true
	}
	return file.Suppliers, nil
}

const (
	SeedCreated   = "created"
	SeedUpdated   = "updated"
	SeedUnchanged = "unchanged"
	SeedInvalid   = "invalid"
)

type SeedOutcome struct {
	Code    string
	Action  string
	Version int
	Err     error
}

// Seed saves each config whose content differs from what is stored. Invalid
// entries are reported and skipped; a storage error stops the seed.
func (r *SupplierConfigRegistry) Seed(ctx context.Context, configs []models.SupplierConfig, actor Actor, dryRun bool) ([]SeedOutcome, error) {
	out := make([]SeedOutcome, 0, len(configs))
	for i := range configs {
		cfg := configs[i]
		outcome := SeedOutcome{Code: cfg.Code}
		if err := cfg.Validate(); err != nil {
			outcome.Action, outcome.Err = SeedInvalid, err
			out = append(out, outcome)
			continue
		}

		existing, err := models.GetSupplierConfigByCode(ctx, r.DB, cfg.Code)
		switch {
		case errors.Is(err, utils.ErrorRecordNotFound):
			outcome.Action, outcome.Version = SeedCreated, 1
		case err != nil:
			return out, err
		default:
			same, err := sameSupplierConfig(*existing, cfg)
			if err != nil {
				return out, err
			}
			if same {
				outcome.Action, outcome.Version = SeedUnchanged, existing.Version
				out = append(out, outcome)
				continue
			}
			outcome.Action, outcome.Version = SeedUpdated, existing.Version+1
		}

		if !dryRun {
			saved, err := r.SaveSupplierConfig(ctx, &cfg, actor)
			if err != nil {
				return out, fmt.Errorf("supplier %q: %w", cfg.Code, err)
			}
			outcome.Version = saved.Version
		}
		out = append(out, outcome)
	}
	return out, nil
}

// sameSupplierConfig compares the rule content, ignoring identity and
// bookkeeping columns.
func sameSupplierConfig(a, b models.SupplierConfig) (bool, error) {
	left, err := comparableSnapshot(a)
	if err != nil {
		return false, err
	}
	right, err := comparableSnapshot(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(left, right), nil
}

func comparableSnapshot(c models.SupplierConfig) ([]byte, error) {
	c.ID = 0
	c.Version = 0
	c.CreatedAt = time.Time{}
	c.UpdatedAt = time.Time{}
	if c.Active() {
		c.IsActive = utils.NewTrue()
	} else {
		c.IsActive = utils.NewFalse()
	}
	return c.Snapshot()
}
