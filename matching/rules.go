package matching

import (
	"time"

	"github.com/mmdatafocus/vas_recon/models"
	"github.com/shopspring/decimal"
)

const (
	DefaultTierGap       = 0.10
	DefaultMinConfidence = 0.80
	DefaultFuzzyWindow   = 24 * time.Hour
)

type FuzzyRules struct {
	Enabled       bool
	MinConfidence float64
	TierGap       float64
	MaxTimeWindow time.Duration
	Weights       models.FuzzyWeights
}

// Rules is the matching slice of a supplier config.
type Rules struct {
	PrimaryFields      []string
	SecondaryFields    []string
	AmountTolerance    decimal.Decimal
	TimestampTolerance time.Duration
	Fuzzy              FuzzyRules
}

func RulesFromConfig(cfg models.SupplierConfig) Rules {
	r := Rules{
		PrimaryFields:      cfg.PrimaryMatchFields,
		SecondaryFields:    cfg.SecondaryMatchFields,
		AmountTolerance:    decimal.NewFromInt(cfg.AmountToleranceCents),
		TimestampTolerance: time.Duration(cfg.TimestampToleranceSeconds) * time.Second,
		Fuzzy: FuzzyRules{
			Enabled:       cfg.FuzzyMatch.Enabled,
			MinConfidence: cfg.FuzzyMatch.MinConfidence,
			TierGap:       cfg.FuzzyMatch.TierGap,
			MaxTimeWindow: time.Duration(cfg.FuzzyMatch.MaxTimeWindowSeconds) * time.Second,
			Weights:       models.DefaultFuzzyWeights,
		},
	}
	if cfg.FuzzyMatch.Weights != nil {
		r.Fuzzy.Weights = *cfg.FuzzyMatch.Weights
	}
	if r.Fuzzy.MinConfidence <= 0 {
		r.Fuzzy.MinConfidence = DefaultMinConfidence
	}
	if r.Fuzzy.TierGap <= 0 {
		r.Fuzzy.TierGap = DefaultTierGap
	}
	if r.Fuzzy.MaxTimeWindow <= 0 {
		r.Fuzzy.MaxTimeWindow = DefaultFuzzyWindow
	}
	return r
}

// CandidateWindow is how far outside the supplier file's time range platform
// records are fetched: timestamp tolerance plus the fuzzy window when enabled.
func (r Rules) CandidateWindow() time.Duration {
	w := r.TimestampTolerance
	if r.Fuzzy.Enabled {
		w += r.Fuzzy.MaxTimeWindow
	}
	return w
}

// secondaryEqualityFields are declared secondary fields other than the two
// compared with tolerance.
func (r Rules) secondaryEqualityFields() []string {
	out := make([]string, 0, len(r.SecondaryFields))
	for _, f := range r.SecondaryFields {
		if f == models.FieldNameAmount || f == models.FieldNameTimestamp {
			continue
		}
		out = append(out, f)
	}
	return out
}
