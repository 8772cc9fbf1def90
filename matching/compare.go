package matching

import (
	"fmt"

	"github.com/mmdatafocus/vas_recon/models"
)

// Difference describes one row whose pairing or confidence changed between
// a stored result and a fresh Match over the same inputs.
type Difference struct {
	MatchKey string `json:"match_key"`
	Stored   string `json:"stored"`
	Replayed string `json:"replayed"`
}

func describe(m models.TransactionMatch) string {
	return fmt.Sprintf("%s/%s/%.4f", m.MatchStatus, m.MatchMethod, m.Confidence)
}

// Compare returns the rows that differ by match key, status, method or
// confidence. An empty result means the replay reproduced the stored run.
func Compare(stored, replayed []models.TransactionMatch) []Difference {
	byKey := make(map[string]models.TransactionMatch, len(replayed))
	for _, m := range replayed {
		byKey[m.MatchKey] = m
	}
	var diffs []Difference
	seen := make(map[string]bool, len(stored))
	for _, s := range stored {
		seen[s.MatchKey] = true
		r, ok := byKey[s.MatchKey]
		if !ok {
			diffs = append(diffs, Difference{MatchKey: s.MatchKey, Stored: describe(s), Replayed: "absent"})
			continue
		}
		if describe(s) != describe(r) {
			diffs = append(diffs, Difference{MatchKey: s.MatchKey, Stored: describe(s), Replayed: describe(r)})
		}
	}
	for _, r := range replayed {
		if !seen[r.MatchKey] {
			diffs = append(diffs, Difference{MatchKey: r.MatchKey, Stored: "absent", Replayed: describe(r)})
		}
	}
	return diffs
}

// SupplierFromMatch rebuilds the supplier record snapshot kept on a row.
func SupplierFromMatch(m models.TransactionMatch) (models.SupplierRecord, bool) {
	if m.SupplierOrdinal == 0 {
		return models.SupplierRecord{}, false
	}
	r := models.SupplierRecord{
		Ordinal:       m.SupplierOrdinal,
		Line:          m.SupplierLine,
		TransactionId: m.SupplierTransactionId,
		Reference:     m.SupplierReference,
		Amount:        m.SupplierAmount.Decimal,
		Status:        m.SupplierStatus,
		ProductCode:   m.SupplierProductCode,
		ProductName:   m.SupplierProductName,
	}
	if m.SupplierCommission.Valid {
		c := m.SupplierCommission.Decimal
		r.Commission = &c
	}
	if m.SupplierTimestamp != nil {
		r.Timestamp = m.SupplierTimestamp.UTC()
	}
	return r, true
}

// PlatformFromMatch rebuilds the platform record snapshot kept on a row.
func PlatformFromMatch(m models.TransactionMatch) (models.PlatformRecord, bool) {
	if m.PlatformTransactionId == nil {
		return models.PlatformRecord{}, false
	}
	r := models.PlatformRecord{
		Ordinal:               m.PlatformOrdinal,
		Id:                    *m.PlatformTransactionId,
		Reference:             m.PlatformReference,
		SupplierTransactionId: m.PlatformSupplierTransactionId,
		Amount:                m.PlatformAmount.Decimal,
		Commission:            m.PlatformCommission.Decimal,
		Status:                m.PlatformStatus,
		ProductCode:           m.PlatformProductCode,
		ProductName:           m.PlatformProductName,
	}
	if m.PlatformTimestamp != nil {
		r.Timestamp = m.PlatformTimestamp.UTC()
	}
	return r, true
}
