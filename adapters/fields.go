package adapters

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mmdatafocus/vas_recon/models"
	"github.com/mmdatafocus/vas_recon/utils"
	"github.com/shopspring/decimal"
)

// rawRecord is one section record before typing, keyed by FieldDef.Name.
type rawRecord struct {
	line   int
	values map[string]string
}

// typedValue holds the parsed form of one field.
type typedValue struct {
	str string
	dec decimal.Decimal
	ts  time.Time
}

func parseField(def models.FieldDef, raw string, schema models.FileSchema) (typedValue, error) {
	v := strings.TrimSpace(raw)
	switch def.Type {
	case models.FieldString:
		return typedValue{str: v}, nil
	case models.FieldInt:
		n, err := strconv.ParseInt(strings.ReplaceAll(v, ",", ""), 10, 64)
		if err != nil {
			return typedValue{}, fmt.Errorf("not an integer: %q", v)
		}
		return typedValue{str: v, dec: decimal.NewFromInt(n)}, nil
	case models.FieldDecimal:
		d, err := utils.ParseDecimal(v)
		if err != nil {
			return typedValue{}, fmt.Errorf("not a decimal: %q", v)
		}
		return typedValue{str: v, dec: d}, nil
	case models.FieldAmount:
		d, err := utils.ParseDecimal(v)
		if err != nil {
			return typedValue{}, fmt.Errorf("not an amount: %q", v)
		}
		return typedValue{str: v, dec: d.Mul(schema.MinorUnitFactor())}, nil
	case models.FieldTimestamp:
		ts, err := parseTimestamp(v, firstNonEmpty(def.Layout, schema.TimestampLayout, time.RFC3339), schema.Location())
		if err != nil {
			return typedValue{}, err
		}
		return typedValue{str: v, ts: ts}, nil
	case models.FieldDate:
		ts, err := time.ParseInLocation(firstNonEmpty(def.Layout, "2006-01-02"), v, schema.Location())
		if err != nil {
			return typedValue{}, fmt.Errorf("not a date: %q", v)
		}
		return typedValue{str: v, ts: ts.UTC()}, nil
	}
	return typedValue{}, fmt.Errorf("unknown field type %q", def.Type)
}

// parseTimestamp understands Go layouts plus "unix" and "unix_ms".
func parseTimestamp(v, layout string, loc *time.Location) (time.Time, error) {
	switch layout {
	case "unix", "unix_ms":
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("not a unix timestamp: %q", v)
		}
		if layout == "unix_ms" {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}
	ts, err := time.ParseInLocation(layout, v, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp %q does not match layout %q", v, layout)
	}
	return ts.UTC(), nil
}

// buildRecord types one body record. A rejection is returned for the first
// failing field; rec still carries whatever amount/commission parsed so the
// footer totals can be checked against every body line.
func buildRecord(raw rawRecord, defs []models.FieldDef, schema models.FileSchema) (rec models.SupplierRecord, amountOK bool, commissionOK bool, rej *Rejection) {
	rec.Line = raw.line
	for _, def := range defs {
		v, present := raw.values[def.Name]
		if !present || strings.TrimSpace(v) == "" {
			if def.Required && rej == nil {
				rej = &Rejection{Line: raw.line, Field: def.Name, Reason: "required field missing"}
			}
			continue
		}
		tv, err := parseField(def, v, schema)
		if err != nil {
			if rej == nil {
				rej = &Rejection{Line: raw.line, Field: def.Name, Reason: err.Error()}
			}
			continue
		}
		switch def.Name {
		case models.FieldNameTransactionId:
			rec.TransactionId = tv.str
		case models.FieldNameReference:
			rec.Reference = tv.str
		case models.FieldNameAmount:
			rec.Amount = tv.dec
			amountOK = true
		case models.FieldNameCommission:
			c := tv.dec
			rec.Commission = &c
			commissionOK = true
		case models.FieldNameStatus:
			rec.Status = tv.str
		case models.FieldNameTimestamp:
			rec.Timestamp = tv.ts
		case models.FieldNameProductCode:
			rec.ProductCode = tv.str
		case models.FieldNameProductName:
			rec.ProductName = tv.str
		default:
			if rec.Extra == nil {
				rec.Extra = make(map[string]string)
			}
			rec.Extra[def.Name] = tv.str
		}
	}
	return rec, amountOK, commissionOK, rej
}

// parseTotals reads total_count/total_amount/total_commission and
// settlement_date from a header or footer section. Malformed totals are
// rejections of the section line.
func parseTotals(raw *rawRecord, defs []models.FieldDef, schema models.FileSchema) (Totals, []Rejection) {
	var t Totals
	if raw == nil {
		return t, nil
	}
	var rejected []Rejection
	for _, def := range defs {
		v, present := raw.values[def.Name]
		if !present || strings.TrimSpace(v) == "" {
			if def.Required {
				rejected = append(rejected, Rejection{Line: raw.line, Field: def.Name, Reason: "required field missing"})
			}
			continue
		}
		tv, err := parseField(def, v, schema)
		if err != nil {
			rejected = append(rejected, Rejection{Line: raw.line, Field: def.Name, Reason: err.Error()})
			continue
		}
		switch def.Name {
		case models.FieldNameTotalCount:
			n := tv.dec.IntPart()
			t.Count = &n
		case models.FieldNameTotalAmount:
			d := tv.dec
			t.Amount = &d
		case models.FieldNameTotalCommission:
			d := tv.dec
			t.Commission = &d
		case models.FieldNameSettlementDate:
			if tv.ts.IsZero() {
				rejected = append(rejected, Rejection{Line: raw.line, Field: def.Name, Reason: "settlement_date must be a date or timestamp"})
				continue
			}
			t.SettlementDate = tv.ts.In(schema.Location()).Format("2006-01-02")
		}
	}
	return t, rejected
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
