package adapters

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/mmdatafocus/vas_recon/models"
)

// xmlNode is a minimal element tree: attributes, direct text and children.
type xmlNode struct {
	name     string
	line     int
	attrs    map[string]string
	text     strings.Builder
	children []*xmlNode
}

func (n *xmlNode) child(name string) *xmlNode {
	for _, c := range n.children {
		if c.name == name {
			return c
		}
	}
	return nil
}

// value resolves "@attr", "child" or "child/grandchild" relative to n.
func (n *xmlNode) value(source string) (string, bool) {
	if strings.HasPrefix(source, "@") {
		v, ok := n.attrs[source[1:]]
		return v, ok
	}
	cur := n
	for _, part := range strings.Split(source, "/") {
		cur = cur.child(part)
		if cur == nil {
			return "", false
		}
	}
	return strings.TrimSpace(cur.text.String()), true
}

// parseXML treats every element named RecordPath as a body record and the
// first HeaderPath / FooterPath elements as the totals sections.
func parseXML(raw []byte, schema models.FileSchema) (sectionResult, error) {
	if schema.RecordPath == "" {
		return sectionResult{}, errors.New("xml schema needs record_path (record element name)")
	}
	root, err := decodeXML(raw)
	if err != nil {
		return sectionResult{}, err
	}

	var res sectionResult
	var walk func(n *xmlNode)
	walk = func(n *xmlNode) {
		switch {
		case n.name == schema.RecordPath:
			res.body = append(res.body, *elementRecord(n, schema.Body))
			return
		case schema.HeaderPath != "" && n.name == schema.HeaderPath && res.header == nil:
			res.header = elementRecord(n, schema.Header)
			return
		case schema.FooterPath != "" && n.name == schema.FooterPath && res.footer == nil:
			res.footer = elementRecord(n, schema.Footer)
			return
		}
		for _, c := range n.children {
			walk(c)
		}
	}
	walk(root)
	return res, nil
}

func elementRecord(n *xmlNode, defs []models.FieldDef) *rawRecord {
	rr := &rawRecord{line: n.line, values: make(map[string]string, len(defs))}
	for _, def := range defs {
		if v, ok := n.value(def.SourceName()); ok {
			rr.values[def.Name] = v
		}
	}
	return rr
}

func decodeXML(raw []byte) (*xmlNode, error) {
	dec := xml.NewDecoder(bytes.NewReader(raw))
	root := &xmlNode{name: "#document"}
	stack := []*xmlNode{root}
	for {
		line, _ := dec.InputPos()
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("invalid xml: %v", err)
		}
		top := stack[len(stack)-1]
		switch t := tok.(type) {
		case xml.StartElement:
			n := &xmlNode{name: t.Name.Local, line: line, attrs: make(map[string]string, len(t.Attr))}
			for _, a := range t.Attr {
				n.attrs[a.Name.Local] = a.Value
			}
			top.children = append(top.children, n)
			stack = append(stack, n)
		case xml.EndElement:
			if len(stack) > 1 {
				stack = stack[:len(stack)-1]
			}
		case xml.CharData:
			top.text.Write(t)
		}
	}
	if len(stack) != 1 {
		return nil, errors.New("invalid xml: unclosed element")
	}
	return root, nil
}
