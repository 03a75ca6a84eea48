// Package dmrpp reads DMR++ chunk-location documents closely enough to find
// variables that lack byte-offset information and to splice chunk blocks
// from one document into another.
//
// Scanning is token based and records byte spans into the original input so
// that edits leave every other byte of a document untouched.
package dmrpp

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// VariableTypes lists the DAP4 element names treated as data-bearing
// variables. Structure is included because its members' storage is described
// inside the structure block.
var VariableTypes = []string{
	"Float32", "Int32", "Float64", "Byte", "Int16", "UInt16", "String",
	"UInt32", "Int8", "Int64", "UInt64", "UInt8", "Char", "Structure",
}

var variableTypeSet = func() map[string]bool {
	m := make(map[string]bool, len(VariableTypes))
	for _, t := range VariableTypes {
		m[t] = true
	}
	return m
}()

// isEmbedded reports whether an element holds data inside the document.
func isEmbedded(local string) bool {
	switch local {
	case "compact", "missingdata", "vlsa", "specialstructuredata":
		return true
	}
	return false
}

// ChunkLocation is one byte range of variable data in a data file.
type ChunkLocation struct {
	Offset   uint64
	Length   uint64
	Position []uint64
	Href     string

	// tagClose is the offset of the "/>" or ">" that ends the chunk's start
	// tag, relative to the start of the document.
	tagClose int
}

// Span is a half-open byte range [Start, End) in a scanned document.
type Span struct {
	Start int
	End   int
}

// Variable is a data-bearing element of a DMR++ document.
type Variable struct {
	Type string
	Name string
	// Path is the fully qualified name, e.g. "/g1/temperature".
	Path string

	Chunks []ChunkLocation
	// Embedded is set when the data lives inside the document
	// (compact, missingdata, vlsa, specialstructuredata) or is described
	// entirely by a fill value.
	Embedded bool

	// Element spans the whole variable element.
	Element Span
	// StartTagEnd is the offset just past the variable's start tag.
	StartTagEnd int
	// EndTagStart is the offset of "</Type>"; equal to Element.End for a
	// self-closing element.
	EndTagStart int
	SelfClosing bool

	// Block spans the dmrpp:chunks element, or the run of bare dmrpp:chunk
	// elements when the variable has no chunks wrapper. Zero when absent.
	Block Span
	bare  bool
}

// HasData reports whether the variable carries chunk locations or
// embedded data.
func (v Variable) HasData() bool {
	return v.Embedded || len(v.Chunks) > 0
}

// Document is the scanned view of a DMR++ file.
type Document struct {
	Raw       []byte
	Variables []Variable
	// HasGroups is set when any Group element appears.
	HasGroups bool
}

// Lookup returns the variable with the given path. Root-level names match
// with or without a leading slash.
func (d *Document) Lookup(path string) (Variable, bool) {
	want := NormalizePath(path)
	for _, v := range d.Variables {
		if v.Path == want {
			return v, true
		}
	}
	return Variable{}, false
}

// Missing returns the variables without any data location, in document order.
func (d *Document) Missing() []Variable {
	var out []Variable
	for _, v := range d.Variables {
		if !v.HasData() {
			out = append(out, v)
		}
	}
	return out
}

// Complete reports whether every variable carries data locations.
func (d *Document) Complete() bool {
	return len(d.Missing()) == 0
}

// NormalizePath returns path with exactly one leading slash.
func NormalizePath(path string) string {
	p := strings.TrimSpace(path)
	return "/" + strings.TrimLeft(p, "/")
}

// Parse scans raw DMR++ bytes.
func Parse(raw []byte) (*Document, error) {
	doc := &Document{Raw: raw}
	scan, latin1 := scanInput(raw)
	dec := xml.NewDecoder(bytes.NewReader(scan))
	// Offsets must index raw, so the decoder never transcodes.
	dec.CharsetReader = func(_ string, in io.Reader) (io.Reader, error) { return in, nil }

	var (
		groups []string
		cur    *Variable
		depth  int // element depth inside cur
	)
	for {
		start := int(dec.InputOffset())
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("dmrpp: parse: %w", err)
		}
		end := int(dec.InputOffset())
		if _, ok := tok.(xml.StartElement); ok && latin1 && hasHighBytes(raw[start:end]) {
			if decoded, err := latin1StartElement(raw[start:end]); err == nil {
				tok = decoded
			}
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if cur != nil {
				depth++
				scanDataElement(cur, t, raw, start, end)
				continue
			}
			switch {
			case t.Name.Local == "Group":
				doc.HasGroups = true
				groups = append(groups, attr(t, "name"))
			case variableTypeSet[t.Name.Local]:
				name := attr(t, "name")
				cur = &Variable{
					Type:        t.Name.Local,
					Name:        name,
					Path:        joinPath(groups, name),
					Element:     Span{Start: start},
					StartTagEnd: end,
					SelfClosing: bytes.HasSuffix(raw[start:end], []byte("/>")),
				}
				depth = 0
			}
		case xml.EndElement:
			if cur != nil {
				if depth > 0 {
					depth--
					closeDataElement(cur, t, end)
					continue
				}
				cur.EndTagStart = start
				cur.Element.End = end
				if cur.SelfClosing {
					cur.EndTagStart = end
				}
				doc.Variables = append(doc.Variables, *cur)
				cur = nil
				continue
			}
			if t.Name.Local == "Group" && len(groups) > 0 {
				groups = groups[:len(groups)-1]
			}
		}
	}
	if cur != nil {
		return nil, fmt.Errorf("dmrpp: parse: variable %q is not closed", cur.Path)
	}
	return doc, nil
}

func scanDataElement(v *Variable, t xml.StartElement, raw []byte, start, end int) {
	switch local := t.Name.Local; {
	case local == "chunks":
		if v.Block == (Span{}) {
			v.Block = Span{Start: start}
		}
		if hasAttr(t, "fillValue") {
			v.Embedded = true
		}
	case local == "chunk" || local == "block":
		off, ok := attrUint(t, "offset")
		if !ok {
			return
		}
		length, _ := attrUint(t, "nBytes")
		loc := ChunkLocation{
			Offset:   off,
			Length:   length,
			Position: parsePosition(attr(t, "chunkPositionInArray")),
			Href:     attr(t, "href"),
			tagClose: tagCloseOffset(raw, start, end),
		}
		v.Chunks = append(v.Chunks, loc)
		switch {
		case v.Block == (Span{}):
			v.Block = Span{Start: start, End: end}
			v.bare = true
		case v.bare:
			v.Block.End = end
		}
	case isEmbedded(local):
		v.Embedded = true
	}
}

func closeDataElement(v *Variable, t xml.EndElement, end int) {
	switch local := t.Name.Local; {
	case local == "chunks" && !v.bare && v.Block.End == 0:
		v.Block.End = end
	case (local == "chunk" || local == "block") && v.bare:
		v.Block.End = end
	}
}

// scanInput returns the bytes handed to the XML decoder. Valid UTF-8 is
// scanned as is. Anything else is read as ISO-8859-1, the encoding DMR++
// files declare: bytes at or above 0x80 become '?' so the copy has the same
// length and token offsets still index raw.
func scanInput(raw []byte) ([]byte, bool) {
	if utf8.Valid(raw) {
		return raw, false
	}
	scan := make([]byte, len(raw))
	for i, c := range raw {
		if c >= utf8.RuneSelf {
			c = '?'
		}
		scan[i] = c
	}
	return scan, true
}

func hasHighBytes(b []byte) bool {
	for _, c := range b {
		if c >= utf8.RuneSelf {
			return true
		}
	}
	return false
}

// latin1StartElement re-reads one ISO-8859-1 start tag so names and
// attribute values keep their real characters.
func latin1StartElement(tag []byte) (xml.StartElement, error) {
	decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(tag)
	if err != nil {
		return xml.StartElement{}, err
	}
	tok, err := xml.NewDecoder(bytes.NewReader(decoded)).RawToken()
	if err != nil {
		return xml.StartElement{}, err
	}
	se, ok := tok.(xml.StartElement)
	if !ok {
		return xml.StartElement{}, fmt.Errorf("not a start tag")
	}
	return se, nil
}

// tagCloseOffset finds where the start tag in raw[start:end] closes.
func tagCloseOffset(raw []byte, start, end int) int {
	tag := raw[start:end]
	if bytes.HasSuffix(tag, []byte("/>")) {
		return end - 2
	}
	return end - 1
}

func joinPath(groups []string, name string) string {
	if len(groups) == 0 {
		return "/" + name
	}
	return "/" + strings.Join(groups, "/") + "/" + name
}

func attr(t xml.StartElement, local string) string {
	for _, a := range t.Attr {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

func hasAttr(t xml.StartElement, local string) bool {
	for _, a := range t.Attr {
		if a.Name.Local == local {
			return true
		}
	}
	return false
}

func attrUint(t xml.StartElement, local string) (uint64, bool) {
	for _, a := range t.Attr {
		if a.Name.Local != local {
			continue
		}
		n, err := strconv.ParseUint(strings.TrimSpace(a.Value), 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

// parsePosition reads chunkPositionInArray values like "[0,512]".
func parsePosition(s string) []uint64 {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]uint64, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.ParseUint(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil
		}
		out = append(out, n)
	}
	return out
}
