package matching

import (
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"github.com/shopspring/decimal"
	"golang.org/x/text/unicode/norm"
)

// normalizeText folds compatibility forms, case and whitespace so that
// "Top-Up 10K" and "top-up  10k" compare equal.
func normalizeText(s string) string {
	s = norm.NFKC.String(s)
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// TextSimilarity is the Levenshtein ratio of the normalized strings in [0,1].
func TextSimilarity(a, b string) float64 {
	a, b = normalizeText(a), normalizeText(b)
	if a == b {
		return 1
	}
	longest := utf8.RuneCountInString(a)
	if n := utf8.RuneCountInString(b); n > longest {
		longest = n
	}
	if longest == 0 {
		return 1
	}
	d := levenshtein.ComputeDistance(a, b)
	return 1 - float64(d)/float64(longest)
}

// AmountSimilarity is 1 minus the relative difference, floored at 0.
func AmountSimilarity(a, b decimal.Decimal) float64 {
	if a.Equal(b) {
		return 1
	}
	denom := decimal.Max(a.Abs(), b.Abs())
	if denom.IsZero() {
		return 1
	}
	rel, _ := a.Sub(b).Abs().Div(denom).Float64()
	return clamp01(1 - rel)
}

// TimeSimilarity decays linearly to 0 at window.
func TimeSimilarity(delta, window time.Duration) float64 {
	delta = absDuration(delta)
	if window <= 0 {
		if delta == 0 {
			return 1
		}
		return 0
	}
	return clamp01(1 - float64(delta)/float64(window))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// round4 keeps confidences stable across runs and storage (decimal(6,4)).
func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
