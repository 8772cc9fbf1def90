package adapters

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/mmdatafocus/vas_recon/models"
	"github.com/mmdatafocus/vas_recon/utils"
	"github.com/shopspring/decimal"
)

func csvSchema() models.FileSchema {
	return models.FileSchema{
		Delimiter:       ",",
		HasHeaderRow:    true,
		TimestampLayout: "2006-01-02 15:04:05",
		Timezone:        "UTC",
		HeaderMarker:    "H",
		FooterMarker:    "T",
		Header: []models.FieldDef{
			{Name: "file_date", Type: models.FieldDate, Required: true},
		},
		Body: []models.FieldDef{
			{Name: models.FieldNameTransactionId, Source: "txn_id", Type: models.FieldString, Required: true},
			{Name: models.FieldNameReference, Source: "ref", Type: models.FieldString},
			{Name: models.FieldNameAmount, Source: "amount", Type: models.FieldAmount, Required: true},
			{Name: models.FieldNameStatus, Source: "status", Type: models.FieldString},
			{Name: models.FieldNameTimestamp, Source: "paid_at", Type: models.FieldTimestamp, Required: true},
			{Name: "msisdn", Source: "msisdn", Type: models.FieldString},
		},
		Footer: []models.FieldDef{
			{Name: models.FieldNameTotalCount, Type: models.FieldInt, Required: true},
			{Name: models.FieldNameTotalAmount, Type: models.FieldAmount, Required: true},
		},
	}
}

func TestParse_CSVWithMarkersAndColumnRow(t *testing.T) {
	raw := strings.Join([]string{
		"H,2026-01-15",
		"txn_id,ref,amount,status,paid_at,msisdn",
		"S1,R1,10000,SUCCESS,2026-01-15 10:00:02,0991111",
		"S2,R2,2500,SUCCESS,2026-01-15 11:30:00,0992222",
		"T,2,12500",
	}, "\n")

	records, report, err := Parse([]byte(raw), models.AdapterCSV, csvSchema(), 0.05)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 2 || report.Accepted != 2 || len(report.Rejected) != 0 {
		t.Fatalf("expected 2 accepted records, got records=%d report=%+v", len(records), report)
	}
	r := records[0]
	if r.Ordinal != 1 || r.TransactionId != "S1" || r.Reference != "R1" || !r.Amount.Equal(decimal.NewFromInt(10000)) {
		t.Fatalf("unexpected first record: %+v", r)
	}
	want := time.Date(2026, 1, 15, 10, 0, 2, 0, time.UTC)
	if !r.Timestamp.Equal(want) {
		t.Fatalf("timestamp = %v, want %v", r.Timestamp, want)
	}
	if r.Extra["msisdn"] != "0991111" {
		t.Fatalf("expected extra msisdn, got %v", r.Extra)
	}
	if records[1].Ordinal != 2 || report.Delimiter != "," {
		t.Fatalf("ordinal/delimiter wrong: %d %q", records[1].Ordinal, report.Delimiter)
	}
	if report.Footer == nil || report.Footer.Count == nil || *report.Footer.Count != 2 {
		t.Fatalf("footer totals not reported: %+v", report.Footer)
	}
}

func TestParse_FooterMismatchIsFileDiscrepancy(t *testing.T) {
	raw := strings.Join([]string{
		"H,2026-01-15",
		"txn_id,ref,amount,status,paid_at,msisdn",
		"S1,R1,10000,SUCCESS,2026-01-15 10:00:02,",
		"T,1,10001",
	}, "\n")

	records, report, err := Parse([]byte(raw), models.AdapterCSV, csvSchema(), 0.05)
	if !errors.Is(err, utils.ErrSchemaMismatch) {
		t.Fatalf("expected schema mismatch, got %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("records should still be returned, got %d", len(records))
	}
	if len(report.FileDiscrepancies) != 1 {
		t.Fatalf("expected one file discrepancy, got %+v", report.FileDiscrepancies)
	}
	d := report.FileDiscrepancies[0]
	if d.Type != models.DiscrepancyTotalAmountMismatch || d.Declared != "10001" || d.Computed != "10000" {
		t.Fatalf("unexpected discrepancy: %+v", d)
	}
}

func TestParse_RejectsBadRecordsAndContinues(t *testing.T) {
	var b strings.Builder
	b.WriteString("txn_id,ref,amount,status,paid_at,msisdn\n")
	for i := 1; i <= 40; i++ {
		amount := fmt.Sprint(i * 100)
		if i == 7 {
			amount = "abc"
		}
		fmt.Fprintf(&b, "S%d,R%d,%s,SUCCESS,2026-01-15 10:00:00,\n", i, i, amount)
	}
	schema := csvSchema()
	schema.Header, schema.Footer = nil, nil

	records, report, err := Parse([]byte(b.String()), models.AdapterCSV, schema, 0.05)
	if err != nil {
		t.Fatalf("1 of 40 rejected is under the ceiling, got %v", err)
	}
	if len(records) != 39 || len(report.Rejected) != 1 {
		t.Fatalf("expected 39 accepted / 1 rejected, got %d / %d", len(records), len(report.Rejected))
	}
	rej := report.Rejected[0]
	if rej.Field != models.FieldNameAmount || rej.Line != 8 {
		t.Fatalf("unexpected rejection: %+v", rej)
	}
	// ordinals stay contiguous over accepted records
	for i, r := range records {
		if r.Ordinal != i+1 {
			t.Fatalf("record %d has ordinal %d", i, r.Ordinal)
		}
	}
}

func TestParse_RejectCeilingBreached(t *testing.T) {
	raw := strings.Join([]string{
		"txn_id,ref,amount,status,paid_at,msisdn",
		"S1,R1,100,OK,2026-01-15 10:00:00,",
		",R2,100,OK,2026-01-15 10:00:00,",
		"S3,R3,100,OK,not-a-time,",
	}, "\n")
	schema := csvSchema()
	schema.Header, schema.Footer = nil, nil

	_, report, err := Parse([]byte(raw), models.AdapterCSV, schema, 0.05)
	if !errors.Is(err, utils.ErrSchemaMismatch) {
		t.Fatalf("expected schema mismatch, got %v", err)
	}
	if report.Accepted != 1 || len(report.Rejected) != 2 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if report.Rejected[0].Reason != "required field missing" {
		t.Fatalf("unexpected reason: %q", report.Rejected[0].Reason)
	}
}

func TestParse_SniffsSemicolonDelimiter(t *testing.T) {
	raw := strings.Join([]string{
		"txn_id;ref;amount;status;paid_at;msisdn",
		"S1;R1;100;OK;20260115100000;0991",
		"S2;R2;200;OK;20260115100500;0992",
		"S3;R3;300;OK;20260115101000;0993",
	}, "\n")
	schema := csvSchema()
	schema.Header, schema.Footer = nil, nil
	schema.Delimiter = ""
	schema.TimestampLayout = "20060102150405"

	records, report, err := Parse([]byte(raw), models.AdapterCSV, schema, 0.05)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Delimiter != ";" || len(records) != 3 {
		t.Fatalf("delimiter=%q records=%d", report.Delimiter, len(records))
	}
}

func TestParse_MajorUnitAmountsAreScaled(t *testing.T) {
	raw := "txn_id,ref,amount,status,paid_at,msisdn\nS1,R1,\"1,234.56\",OK,2026-01-15 10:00:00,\n"
	schema := csvSchema()
	schema.Header, schema.Footer = nil, nil
	schema.AmountUnit = "major"

	records, _, err := Parse([]byte(raw), models.AdapterCSV, schema, 0.05)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !records[0].Amount.Equal(decimal.NewFromInt(123456)) {
		t.Fatalf("amount = %s, want 123456", records[0].Amount)
	}
}

func TestParse_FixedWidth(t *testing.T) {
	schema := models.FileSchema{
		TimestampLayout: "20060102150405",
		HeaderMarker:    "HDR",
		BodyMarker:      "D",
		FooterMarker:    "TRL",
		Body: []models.FieldDef{
			{Name: models.FieldNameTransactionId, Type: models.FieldString, Start: 1, Length: 6, Required: true},
			{Name: models.FieldNameAmount, Type: models.FieldAmount, Start: 7, Length: 8, Required: true},
			{Name: models.FieldNameTimestamp, Type: models.FieldTimestamp, Start: 15, Length: 14, Required: true},
		},
		Footer: []models.FieldDef{
			{Name: models.FieldNameTotalCount, Type: models.FieldInt, Start: 3, Length: 6},
		},
	}
	raw := strings.Join([]string{
		"HDR20260115",
		"DS00001    100020260115100000",
		"DS00002    250020260115101500",
		"TRL000002",
	}, "\r\n")

	records, report, err := Parse([]byte(raw), models.AdapterFixedWidth, schema, 0.05)
	if err != nil {
		t.Fatalf("unexpected error: %v (%+v)", err, report)
	}
	if len(records) != 2 || records[1].TransactionId != "S00002" || !records[1].Amount.Equal(decimal.NewFromInt(2500)) {
		t.Fatalf("unexpected records: %+v", records)
	}
	if got := records[0].Timestamp; !got.Equal(time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("timestamp = %v", got)
	}
}

func TestParse_HeaderSettlementDate(t *testing.T) {
	schema := models.FileSchema{
		TimestampLayout: "20060102150405",
		Timezone:        "Asia/Yangon",
		HeaderMarker:    "HDR",
		BodyMarker:      "D",
		Header: []models.FieldDef{
			{Name: models.FieldNameSettlementDate, Type: models.FieldDate, Start: 3, Length: 8, Layout: "20060102"},
		},
		Body: []models.FieldDef{
			{Name: models.FieldNameTransactionId, Type: models.FieldString, Start: 1, Length: 6, Required: true},
			{Name: models.FieldNameAmount, Type: models.FieldAmount, Start: 7, Length: 8, Required: true},
			{Name: models.FieldNameTimestamp, Type: models.FieldTimestamp, Start: 15, Length: 14, Required: true},
		},
	}
	raw := strings.Join([]string{
		"HDR20260114",
		"DS00001    100020260115001000",
	}, "\n")

	_, report, err := Parse([]byte(raw), models.AdapterFixedWidth, schema, 0.05)
	if err != nil {
		t.Fatalf("unexpected error: %v (%+v)", err, report)
	}
	if got := report.SettlementDate(); got != "2026-01-14" {
		t.Fatalf("settlement date = %q, want 2026-01-14", got)
	}
}

func TestParse_JSON(t *testing.T) {
	schema := models.FileSchema{
		RecordPath: "data.transactions",
		FooterPath: "summary",
		Body: []models.FieldDef{
			{Name: models.FieldNameTransactionId, Source: "id", Type: models.FieldString, Required: true},
			{Name: models.FieldNameAmount, Source: "amount", Type: models.FieldAmount, Required: true},
			{Name: models.FieldNameCommission, Source: "fee.value", Type: models.FieldAmount},
			{Name: models.FieldNameTimestamp, Source: "ts", Type: models.FieldTimestamp, Required: true},
			{Name: models.FieldNameProductName, Source: "product", Type: models.FieldString},
		},
		Footer: []models.FieldDef{
			{Name: models.FieldNameTotalCount, Source: "count", Type: models.FieldInt},
			{Name: models.FieldNameTotalCommission, Source: "fees", Type: models.FieldAmount},
		},
	}
	raw := `{"data":{"transactions":[
		{"id":"S1","amount":10000,"fee":{"value":150},"ts":"2026-01-15T10:00:02Z","product":"Top-up 10k"},
		{"id":"S2","amount":"2500","ts":"2026-01-15T11:00:00+06:30"}
	]},"summary":{"count":2,"fees":150}}`

	records, report, err := Parse([]byte(raw), models.AdapterJSON, schema, 0.05)
	if err != nil {
		t.Fatalf("unexpected error: %v (%+v)", err, report)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].Commission == nil || !records[0].Commission.Equal(decimal.NewFromInt(150)) {
		t.Fatalf("commission not read from nested key: %+v", records[0])
	}
	if records[1].Commission != nil {
		t.Fatalf("absent commission must stay nil")
	}
	if !records[1].Timestamp.Equal(time.Date(2026, 1, 15, 4, 30, 0, 0, time.UTC)) {
		t.Fatalf("timestamp not normalized to UTC: %v", records[1].Timestamp)
	}
}

func TestParse_XML(t *testing.T) {
	schema := models.FileSchema{
		RecordPath: "txn",
		FooterPath: "trailer",
		Body: []models.FieldDef{
			{Name: models.FieldNameTransactionId, Source: "@id", Type: models.FieldString, Required: true},
			{Name: models.FieldNameAmount, Source: "amount", Type: models.FieldAmount, Required: true},
			{Name: models.FieldNameTimestamp, Source: "time", Type: models.FieldTimestamp, Required: true},
			{Name: models.FieldNameStatus, Source: "result/code", Type: models.FieldString},
		},
		Footer: []models.FieldDef{
			{Name: models.FieldNameTotalCount, Source: "@count", Type: models.FieldInt},
		},
	}
	raw := `<?xml version="1.0"?>
<settlement>
  <txn id="S1"><amount>10000</amount><time>2026-01-15T10:00:02Z</time><result><code>00</code></result></txn>
  <txn id="S2"><amount>oops</amount><time>2026-01-15T10:00:02Z</time></txn>
  <trailer count="2"/>
</settlement>`

	records, report, err := Parse([]byte(raw), models.AdapterXML, schema, 0.6)
	if err != nil {
		t.Fatalf("unexpected error: %v (%+v)", err, report)
	}
	if len(records) != 1 || records[0].TransactionId != "S1" || records[0].Status != "00" {
		t.Fatalf("unexpected records: %+v", records)
	}
	if len(report.Rejected) != 1 || report.Rejected[0].Line != 4 {
		t.Fatalf("expected one rejection on line 4, got %+v", report.Rejected)
	}
}

func TestParse_UnknownAdapterClass(t *testing.T) {
	_, _, err := Parse([]byte("a,b"), models.AdapterClass("edifact"), models.FileSchema{}, 0.05)
	if !errors.Is(err, utils.ErrConfigurationMissing) {
		t.Fatalf("expected configuration missing, got %v", err)
	}
}

func TestParse_EmptyFile(t *testing.T) {
	_, _, err := Parse(nil, models.AdapterCSV, csvSchema(), 0.05)
	if !errors.Is(err, utils.ErrSchemaMismatch) {
		t.Fatalf("expected schema mismatch, got %v", err)
	}
}

func TestRegistered(t *testing.T) {
	got := Registered()
	want := []models.AdapterClass{models.AdapterCSV, models.AdapterFixedWidth, models.AdapterJSON, models.AdapterXLSX, models.AdapterXML}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("registered = %v, want %v", got, want)
	}
}
