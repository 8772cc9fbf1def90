package adapters

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/mmdatafocus/vas_recon/models"
)

// parseJSON reads records from the array at schema.RecordPath (dot separated;
// empty means the document root) and totals from HeaderPath/FooterPath objects.
func parseJSON(raw []byte, schema models.FileSchema) (sectionResult, error) {
	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return sectionResult{}, fmt.Errorf("invalid json: %v", err)
	}

	var res sectionResult
	node, ok := walkPath(doc, schema.RecordPath)
	if !ok {
		return res, fmt.Errorf("record path %q not found", schema.RecordPath)
	}
	items, ok := node.([]any)
	if !ok {
		return res, fmt.Errorf("record path %q is not an array", schema.RecordPath)
	}
	for i, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			res.malformed = append(res.malformed, Rejection{Line: i + 1, Field: "*", Reason: "record is not an object"})
			continue
		}
		res.body = append(res.body, *objectRecord(i+1, obj, schema.Body))
	}

	if schema.HeaderPath != "" {
		if obj, ok := objectAt(doc, schema.HeaderPath); ok {
			res.header = objectRecord(0, obj, schema.Header)
		}
	}
	if schema.FooterPath != "" {
		if obj, ok := objectAt(doc, schema.FooterPath); ok {
			res.footer = objectRecord(len(items)+1, obj, schema.Footer)
		}
	}
	return res, nil
}

func walkPath(doc any, path string) (any, bool) {
	if path == "" {
		return doc, true
	}
	cur := doc
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func objectAt(doc any, path string) (map[string]any, bool) {
	node, ok := walkPath(doc, path)
	if !ok {
		return nil, false
	}
	obj, ok := node.(map[string]any)
	return obj, ok
}

func objectRecord(line int, obj map[string]any, defs []models.FieldDef) *rawRecord {
	rr := &rawRecord{line: line, values: make(map[string]string, len(defs))}
	for _, def := range defs {
		v, ok := walkPath(obj, def.SourceName())
		if !ok || v == nil {
			continue
		}
		rr.values[def.Name] = scalarString(v)
	}
	return rr
}

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}
