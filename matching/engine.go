// Package matching pairs supplier records with platform records in three
// tiers (primary key, secondary key with tolerance, fuzzy). It is pure: the
// same inputs always produce the same pairings, confidences and order.
package matching

import (
	"sort"
	"strings"
	"time"

	"github.com/mmdatafocus/vas_recon/models"
	"github.com/shopspring/decimal"
)

// pairing is an accepted supplier/platform pair before it becomes a row.
type pairing struct {
	s          int // index into supplier slice
	p          int // index into platform slice
	method     models.MatchMethod
	confidence float64
}

// candidate is a scored pair competing within a tier.
type candidate struct {
	s, p    int
	score   float64
	dt      time.Duration
	dAmount decimal.Decimal
}

type engine struct {
	supplier  []models.SupplierRecord
	platform  []models.PlatformRecord
	rules     Rules
	usedS     []bool
	usedP     []bool
	pairings  []pairing
	byTimeIdx []int // platform indexes ordered by (timestamp, ordinal)
}

// Match runs every tier and returns one row per pair and per leftover record.
// Rows carry snapshots, status, method and confidence; ids and run scope are
// set by the caller.
func Match(supplier []models.SupplierRecord, platform []models.PlatformRecord, rules Rules) []models.TransactionMatch {
	e := &engine{
		supplier: supplier,
		platform: platform,
		rules:    rules,
		usedS:    make([]bool, len(supplier)),
		usedP:    make([]bool, len(platform)),
	}
	e.indexPlatformByTime()

	e.primaryTier()
	e.secondaryTier()
	if rules.Fuzzy.Enabled {
		e.fuzzyTier()
	}
	return e.rows()
}

func (e *engine) indexPlatformByTime() {
	e.byTimeIdx = make([]int, len(e.platform))
	for i := range e.platform {
		e.byTimeIdx[i] = i
	}
	sort.SliceStable(e.byTimeIdx, func(a, b int) bool {
		pa, pb := e.platform[e.byTimeIdx[a]], e.platform[e.byTimeIdx[b]]
		if !pa.Timestamp.Equal(pb.Timestamp) {
			return pa.Timestamp.Before(pb.Timestamp)
		}
		return pa.Ordinal < pb.Ordinal
	})
}

// platformWithin returns unconsumed platform indexes whose timestamp lies in
// [t-window, t+window].
func (e *engine) platformWithin(t time.Time, window time.Duration) []int {
	lo := t.Add(-window)
	start := sort.Search(len(e.byTimeIdx), func(i int) bool {
		return !e.platform[e.byTimeIdx[i]].Timestamp.Before(lo)
	})
	hi := t.Add(window)
	var out []int
	for i := start; i < len(e.byTimeIdx); i++ {
		idx := e.byTimeIdx[i]
		if e.platform[idx].Timestamp.After(hi) {
			break
		}
		if !e.usedP[idx] {
			out = append(out, idx)
		}
	}
	return out
}

func (e *engine) accept(s, p int, method models.MatchMethod, confidence float64) {
	e.usedS[s] = true
	e.usedP[p] = true
	e.pairings = append(e.pairings, pairing{s: s, p: p, method: method, confidence: round4(confidence)})
}

// primaryTier pairs records whose primary key occurs exactly once per side.
func (e *engine) primaryTier() {
	if len(e.rules.PrimaryFields) == 0 {
		return
	}
	sIdx := make(map[string][]int)
	for i, r := range e.supplier {
		if k, ok := compositeKey(e.rules.PrimaryFields, r.Field); ok {
			sIdx[k] = append(sIdx[k], i)
		}
	}
	pIdx := make(map[string][]int)
	for i, r := range e.platform {
		if k, ok := compositeKey(e.rules.PrimaryFields, r.Field); ok {
			pIdx[k] = append(pIdx[k], i)
		}
	}
	for i, r := range e.supplier {
		k, ok := compositeKey(e.rules.PrimaryFields, r.Field)
		if !ok || len(sIdx[k]) != 1 || len(pIdx[k]) != 1 {
			continue
		}
		e.accept(i, pIdx[k][0], models.MatchMethodPrimaryKey, 1.0)
	}
}

// secondaryTier pairs on amount and timestamp within tolerance plus equality
// of any other declared secondary field. Candidates are accepted greedily in
// tie-break order.
func (e *engine) secondaryTier() {
	tol := e.rules.TimestampTolerance
	eqFields := e.rules.secondaryEqualityFields()

	var cands []candidate
	for s, sr := range e.supplier {
		if e.usedS[s] || sr.Timestamp.IsZero() {
			continue
		}
		for _, p := range e.platformWithin(sr.Timestamp, tol) {
			pr := e.platform[p]
			dAmount := sr.Amount.Sub(pr.Amount).Abs()
			if dAmount.GreaterThan(e.rules.AmountTolerance) {
				continue
			}
			if !fieldsEqual(eqFields, sr.Field, pr.Field) {
				continue
			}
			cands = append(cands, candidate{s: s, p: p, dt: absDuration(sr.Timestamp.Sub(pr.Timestamp)), dAmount: dAmount})
		}
	}
	e.sortByTieBreak(cands)

	for _, c := range cands {
		if e.usedS[c.s] || e.usedP[c.p] {
			continue
		}
		e.accept(c.s, c.p, models.MatchMethodSecondaryKey, e.secondaryConfidence(c))
	}
}

// secondaryConfidence is 1.0 for an exact alignment and otherwise
// 1 - 0.2 * mean(consumed tolerance fraction), so it stays in [0.8, 1.0].
func (e *engine) secondaryConfidence(c candidate) float64 {
	if c.dt == 0 && c.dAmount.IsZero() {
		return 1.0
	}
	var amountFrac, timeFrac float64
	if e.rules.AmountTolerance.IsPositive() {
		amountFrac, _ = c.dAmount.Div(e.rules.AmountTolerance).Float64()
	}
	if e.rules.TimestampTolerance > 0 {
		timeFrac = float64(c.dt) / float64(e.rules.TimestampTolerance)
	}
	return 1 - 0.2*clamp01((amountFrac+timeFrac)/2)
}

// fuzzyTier scores remaining pairs and accepts the best only when it clears
// min confidence and leads the runner-up (for either record) by the tier gap.
// A record whose best candidate is a near-tie is left unmatched.
func (e *engine) fuzzyTier() {
	fr := e.rules.Fuzzy
	var cands []candidate
	for s, sr := range e.supplier {
		if e.usedS[s] || sr.Timestamp.IsZero() {
			continue
		}
		for _, p := range e.platformWithin(sr.Timestamp, fr.MaxTimeWindow) {
			pr := e.platform[p]
			score := round4(FuzzyScore(sr, pr, fr))
			c := candidate{s: s, p: p, score: score, dt: absDuration(sr.Timestamp.Sub(pr.Timestamp)), dAmount: sr.Amount.Sub(pr.Amount).Abs()}
			cands = append(cands, c)
		}
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].score != cands[j].score {
			return cands[i].score > cands[j].score
		}
		return e.tieBreakLess(cands[i], cands[j])
	})

	bySupplier := make(map[int][]candidate)
	byPlatform := make(map[int][]candidate)
	for _, c := range cands {
		bySupplier[c.s] = append(bySupplier[c.s], c)
		byPlatform[c.p] = append(byPlatform[c.p], c)
	}

	blockedS := make([]bool, len(e.supplier))
	blockedP := make([]bool, len(e.platform))
	for _, c := range cands {
		if e.usedS[c.s] || e.usedP[c.p] || blockedS[c.s] || blockedP[c.p] {
			continue
		}
		if c.score < fr.MinConfidence {
			// sorted by score; nothing further can qualify
			break
		}
		runnerUp := 0.0
		for _, o := range bySupplier[c.s] {
			if o.p != c.p && !e.usedP[o.p] && o.score > runnerUp {
				runnerUp = o.score
			}
		}
		for _, o := range byPlatform[c.p] {
			if o.s != c.s && !e.usedS[o.s] && o.score > runnerUp {
				runnerUp = o.score
			}
		}
		if c.score-runnerUp < fr.TierGap-1e-9 {
			blockedS[c.s] = true
			blockedP[c.p] = true
			continue
		}
		e.accept(c.s, c.p, models.MatchMethodFuzzy, c.score)
	}
}

// FuzzyScore is the weighted similarity of a pair. Text components absent on
// both sides and a timestamp missing on either side are dropped, and the
// remaining weights renormalized.
func FuzzyScore(s models.SupplierRecord, p models.PlatformRecord, fr FuzzyRules) float64 {
	w := fr.Weights
	var sum, weight float64

	sum += w.Amount * AmountSimilarity(s.Amount, p.Amount)
	weight += w.Amount

	if !s.Timestamp.IsZero() && !p.Timestamp.IsZero() {
		sum += w.Timestamp * TimeSimilarity(s.Timestamp.Sub(p.Timestamp), fr.MaxTimeWindow)
		weight += w.Timestamp
	}

	if s.ProductName != "" || p.ProductName != "" {
		sum += w.ProductName * TextSimilarity(s.ProductName, p.ProductName)
		weight += w.ProductName
	}
	if s.Reference != "" || p.Reference != "" {
		sum += w.Reference * TextSimilarity(s.Reference, p.Reference)
		weight += w.Reference
	}
	if weight == 0 {
		return 0
	}
	return sum / weight
}

func (e *engine) sortByTieBreak(cands []candidate) {
	sort.SliceStable(cands, func(i, j int) bool { return e.tieBreakLess(cands[i], cands[j]) })
}

// tieBreakLess: smallest timestamp delta, smallest amount delta, lowest
// supplier ordinal, lowest platform ordinal.
func (e *engine) tieBreakLess(a, b candidate) bool {
	if a.dt != b.dt {
		return a.dt < b.dt
	}
	if c := a.dAmount.Cmp(b.dAmount); c != 0 {
		return c < 0
	}
	if sa, sb := e.supplier[a.s].Ordinal, e.supplier[b.s].Ordinal; sa != sb {
		return sa < sb
	}
	return e.platform[a.p].Ordinal < e.platform[b.p].Ordinal
}

// rows emits pairs in tier order then leftovers: unmatched supplier records
// by ordinal followed by unmatched platform records by ordinal.
func (e *engine) rows() []models.TransactionMatch {
	sort.SliceStable(e.pairings, func(i, j int) bool {
		a, b := e.pairings[i], e.pairings[j]
		if a.method.Tier() != b.method.Tier() {
			return a.method.Tier() < b.method.Tier()
		}
		if sa, sb := e.supplier[a.s].Ordinal, e.supplier[b.s].Ordinal; sa != sb {
			return sa < sb
		}
		return e.platform[a.p].Ordinal < e.platform[b.p].Ordinal
	})

	out := make([]models.TransactionMatch, 0, len(e.pairings)+len(e.supplier)+len(e.platform)-2*len(e.pairings))
	for _, pr := range e.pairings {
		m := newRow()
		m.SetSupplier(e.supplier[pr.s])
		m.SetPlatform(e.platform[pr.p])
		m.MatchStatus = models.MatchStatusExact
		if pr.method == models.MatchMethodFuzzy {
			m.MatchStatus = models.MatchStatusFuzzy
		}
		m.MatchMethod = pr.method
		m.Confidence = pr.confidence
		m.MatchKey = m.Key()
		out = append(out, m)
	}

	leftS := make([]int, 0)
	for i := range e.supplier {
		if !e.usedS[i] {
			leftS = append(leftS, i)
		}
	}
	sort.SliceStable(leftS, func(a, b int) bool { return e.supplier[leftS[a]].Ordinal < e.supplier[leftS[b]].Ordinal })
	for _, i := range leftS {
		m := newRow()
		m.SetSupplier(e.supplier[i])
		m.MatchStatus = models.MatchStatusUnmatchedSupplier
		m.MatchKey = m.Key()
		out = append(out, m)
	}

	leftP := make([]int, 0)
	for i := range e.platform {
		if !e.usedP[i] {
			leftP = append(leftP, i)
		}
	}
	sort.SliceStable(leftP, func(a, b int) bool { return e.platform[leftP[a]].Ordinal < e.platform[leftP[b]].Ordinal })
	for _, i := range leftP {
		m := newRow()
		m.SetPlatform(e.platform[i])
		m.MatchStatus = models.MatchStatusUnmatchedPlatform
		m.MatchKey = m.Key()
		out = append(out, m)
	}
	return out
}

func newRow() models.TransactionMatch {
	return models.TransactionMatch{
		MatchMethod:      models.MatchMethodNone,
		Severity:         models.SeverityNone,
		ResolutionStatus: models.ResolutionPending,
	}
}

// compositeKey joins raw field values. Adapters trim on the way in, so keys
// compare byte for byte here.
func compositeKey(fields []string, get func(string) string) (string, bool) {
	parts := make([]string, len(fields))
	for i, f := range fields {
		v := get(f)
		if v == "" {
			return "", false
		}
		parts[i] = v
	}
	return strings.Join(parts, "\x1f"), true
}

// fieldsEqual compares secondary equality fields. Product codes compare
// case-insensitively, the same rule the classifier applies.
func fieldsEqual(fields []string, a, b func(string) string) bool {
	for _, f := range fields {
		if f == models.FieldNameProductCode {
			if !strings.EqualFold(strings.TrimSpace(a(f)), strings.TrimSpace(b(f))) {
				return false
			}
			continue
		}
		if strings.TrimSpace(a(f)) != strings.TrimSpace(b(f)) {
			return false
		}
	}
	return true
}
