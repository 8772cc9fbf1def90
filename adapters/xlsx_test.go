package adapters

import (
	"errors"
	"testing"

	"github.com/mmdatafocus/vas_recon/models"
	"github.com/mmdatafocus/vas_recon/utils"
	"github.com/xuri/excelize/v2"
)

func workbook(t *testing.T, rows [][]interface{}) []byte {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	for i, r := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			t.Fatal(err)
		}
		r := r
		if err := f.SetSheetRow("Sheet1", cell, &r); err != nil {
			t.Fatal(err)
		}
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestParse_XLSX(t *testing.T) {
	raw := workbook(t, [][]interface{}{
		{"txn_id", "ref", "amount", "status", "paid_at", "msisdn"},
		{"S1", "R1", "10000", "OK", "2026-01-15 10:00:02", "0991"},
		{"S2", "R2", "2500", "OK", "2026-01-15 10:05:00", "0992"},
	})
	schema := csvSchema()
	schema.Header, schema.Footer = nil, nil

	records, report, err := Parse(raw, models.AdapterXLSX, schema, 0.05)
	if err != nil {
		t.Fatalf("unexpected error: %v (%+v)", err, report)
	}
	if len(records) != 2 || records[1].TransactionId != "S2" {
		t.Fatalf("unexpected records: %+v", records)
	}
}

func TestParse_BinaryDeclaredAsCSV(t *testing.T) {
	raw := workbook(t, [][]interface{}{{"txn_id"}, {"S1"}})

	_, _, err := Parse(raw, models.AdapterCSV, csvSchema(), 0.05)
	if !errors.Is(err, utils.ErrSchemaMismatch) {
		t.Fatalf("expected schema mismatch for a workbook declared as csv, got %v", err)
	}
}

func TestParse_TextDeclaredAsXLSX(t *testing.T) {
	_, _, err := Parse([]byte("txn_id,amount\nS1,100\n"), models.AdapterXLSX, csvSchema(), 0.05)
	if !errors.Is(err, utils.ErrSchemaMismatch) {
		t.Fatalf("expected schema mismatch for text declared as xlsx, got %v", err)
	}
}
