// Package adapters turns raw supplier settlement files into normalized
// supplier records. Each format is a stateless Parser registered against an
// adapter class; Parse selects one by lookup.
package adapters

import (
	"fmt"
	"sort"
	"sync"

	"github.com/mmdatafocus/vas_recon/models"
	"github.com/mmdatafocus/vas_recon/utils"
	"github.com/shopspring/decimal"
)

type Rejection struct {
	Line   int    `json:"line"`
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// Totals declared by a header or footer section.
type Totals struct {
	Count      *int64           `json:"count,omitempty"`
	Amount     *decimal.Decimal `json:"amount,omitempty"`
	Commission *decimal.Decimal `json:"commission,omitempty"`
	// SettlementDate is the business day the section declares, as 2006-01-02.
	SettlementDate string `json:"settlement_date,omitempty"`
}

func (t Totals) empty() bool {
	return t.Count == nil && t.Amount == nil && t.Commission == nil && t.SettlementDate == ""
}

// SettlementDate is the day declared by the header, else by the footer.
func (r ParseReport) SettlementDate() string {
	if r.Header != nil && r.Header.SettlementDate != "" {
		return r.Header.SettlementDate
	}
	if r.Footer != nil {
		return r.Footer.SettlementDate
	}
	return ""
}

// ParseReport describes what happened to every record of a file.
type ParseReport struct {
	AdapterClass      models.AdapterClass      `json:"adapter_class"`
	DetectedType      string                   `json:"detected_type,omitempty"`
	Delimiter         string                   `json:"delimiter,omitempty"`
	BodyRecords       int                      `json:"body_records"`
	Accepted          int                      `json:"accepted"`
	Rejected          []Rejection              `json:"rejected"`
	SectionErrors     []Rejection              `json:"section_errors,omitempty"`
	Header            *Totals                  `json:"header,omitempty"`
	Footer            *Totals                  `json:"footer,omitempty"`
	FileDiscrepancies []models.FileDiscrepancy `json:"file_discrepancies,omitempty"`
}

// RejectRatio is rejected / (accepted + rejected) over body records.
func (r ParseReport) RejectRatio() float64 {
	total := r.Accepted + len(r.Rejected)
	if total == 0 {
		return 0
	}
	return float64(len(r.Rejected)) / float64(total)
}

// sectionResult is what a format-specific Parser returns.
type sectionResult struct {
	header    *rawRecord
	footer    *rawRecord
	body      []rawRecord
	malformed []Rejection // body lines that could not even be split into fields
	delimiter string
}

// Parser extracts header, body and footer sections from raw bytes.
type Parser func(raw []byte, schema models.FileSchema) (sectionResult, error)

var (
	registryMu sync.RWMutex
	registry   = map[models.AdapterClass]Parser{}
)

func Register(class models.AdapterClass, p Parser) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[class] = p
}

func Lookup(class models.AdapterClass) (Parser, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	p, ok := registry[class]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for %q: %w", class, utils.ErrConfigurationMissing)
	}
	return p, nil
}

func Registered() []models.AdapterClass {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]models.AdapterClass, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func init() {
	Register(models.AdapterCSV, parseDelimited)
	Register(models.AdapterXLSX, parseXLSX)
	Register(models.AdapterFixedWidth, parseFixedWidth)
	Register(models.AdapterJSON, parseJSON)
	Register(models.AdapterXML, parseXML)
}

// Parse normalizes raw into supplier records. The report is always returned,
// also alongside ErrSchemaMismatch, so callers can persist what was found.
func Parse(raw []byte, class models.AdapterClass, schema models.FileSchema, maxRejectRatio float64) ([]models.SupplierRecord, ParseReport, error) {
	report := ParseReport{AdapterClass: class, Rejected: []Rejection{}}

	detected, err := checkContentType(raw, class)
	report.DetectedType = detected
	if err != nil {
		return nil, report, err
	}

	parser, err := Lookup(class)
	if err != nil {
		return nil, report, err
	}
	sections, err := parser(raw, schema)
	if err != nil {
		return nil, report, fmt.Errorf("%s: %v: %w", class, err, utils.ErrSchemaMismatch)
	}
	report.Delimiter = sections.delimiter
	report.BodyRecords = len(sections.body) + len(sections.malformed)
	report.Rejected = append(report.Rejected, sections.malformed...)

	records := make([]models.SupplierRecord, 0, len(sections.body))
	seen := bodyTotals{count: int64(len(sections.malformed))}
	for _, rr := range sections.body {
		rec, amountOK, commissionOK, rej := buildRecord(rr, schema.Body, schema)
		seen.add(rec, amountOK, commissionOK)
		if rej != nil {
			report.Rejected = append(report.Rejected, *rej)
			continue
		}
		rec.Ordinal = len(records) + 1
		records = append(records, rec)
	}
	report.Accepted = len(records)
	sort.SliceStable(report.Rejected, func(i, j int) bool { return report.Rejected[i].Line < report.Rejected[j].Line })

	header, headerErrs := parseTotals(sections.header, schema.Header, schema)
	footer, footerErrs := parseTotals(sections.footer, schema.Footer, schema)
	report.SectionErrors = append(headerErrs, footerErrs...)
	if !header.empty() {
		report.Header = &header
	}
	if !footer.empty() {
		report.Footer = &footer
	}
	report.FileDiscrepancies = append(validateTotals(header, seen), validateTotals(footer, seen)...)

	if len(schema.Footer) > 0 && sections.footer == nil {
		report.SectionErrors = append(report.SectionErrors, Rejection{Field: "footer", Reason: "declared footer section not found"})
	}
	if len(report.SectionErrors) > 0 {
		return records, report, fmt.Errorf("malformed header/footer section: %w", utils.ErrSchemaMismatch)
	}
	if len(report.FileDiscrepancies) > 0 {
		return records, report, fmt.Errorf("declared totals disagree with body: %w", utils.ErrSchemaMismatch)
	}
	if report.RejectRatio() > maxRejectRatio {
		return records, report, fmt.Errorf("rejected %d of %d records (ceiling %.2f%%): %w",
			len(report.Rejected), report.Accepted+len(report.Rejected), maxRejectRatio*100, utils.ErrSchemaMismatch)
	}
	return records, report, nil
}

// bodyTotals sums every body line in the file, rejected or not, because a
// footer counts what the supplier wrote.
type bodyTotals struct {
	count      int64
	amount     decimal.Decimal
	commission decimal.Decimal
}

func (b *bodyTotals) add(rec models.SupplierRecord, amountOK, commissionOK bool) {
	b.count++
	if amountOK {
		b.amount = b.amount.Add(rec.Amount)
	}
	if commissionOK && rec.Commission != nil {
		b.commission = b.commission.Add(*rec.Commission)
	}
}

func validateTotals(declared Totals, seen bodyTotals) []models.FileDiscrepancy {
	var out []models.FileDiscrepancy
	if declared.Count != nil && *declared.Count != seen.count {
		out = append(out, models.FileDiscrepancy{
			Type:     models.DiscrepancyTotalCountMismatch,
			Field:    models.FieldNameTotalCount,
			Declared: fmt.Sprint(*declared.Count),
			Computed: fmt.Sprint(seen.count),
		})
	}
	if declared.Amount != nil && !declared.Amount.Equal(seen.amount) {
		out = append(out, models.FileDiscrepancy{
			Type:     models.DiscrepancyTotalAmountMismatch,
			Field:    models.FieldNameTotalAmount,
			Declared: declared.Amount.String(),
			Computed: seen.amount.String(),
		})
	}
	if declared.Commission != nil && !declared.Commission.Equal(seen.commission) {
		out = append(out, models.FileDiscrepancy{
			Type:     models.DiscrepancyTotalCommissionMismatch,
			Field:    models.FieldNameTotalCommission,
			Declared: declared.Commission.String(),
			Computed: seen.commission.String(),
		})
	}
	return out
}
