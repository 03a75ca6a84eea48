package besreq

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

type nodeKind int

const (
	elementNode nodeKind = iota
	textNode
	commentNode
	procInstNode
	directiveNode
)

// node is one item of a parsed request document. Names keep their raw
// prefixes (bes:request stays bes:request) because BES matches on them.
type node struct {
	kind        nodeKind
	name        xml.Name
	attr        []xml.Attr
	children    []*node
	selfClosing bool

	// text, comment, directive or processing-instruction body
	data   []byte
	target string
}

// localName returns the element name without its prefix.
func (n *node) localName() string {
	return n.name.Local
}

// soleText returns the element's text when it has exactly one text child.
func (n *node) soleText() (string, bool) {
	if n.kind != elementNode || len(n.children) != 1 || n.children[0].kind != textNode {
		return "", false
	}
	return string(n.children[0].data), true
}

func parseTree(raw []byte) ([]*node, error) {
	dec := xml.NewDecoder(bytes.NewReader(raw))
	dec.CharsetReader = func(_ string, in io.Reader) (io.Reader, error) { return in, nil }

	root := &node{kind: elementNode}
	stack := []*node{root}
	for {
		tok, err := dec.RawToken()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		end := int(dec.InputOffset())
		parent := stack[len(stack)-1]

		switch t := tok.(type) {
		case xml.StartElement:
			n := &node{
				kind:        elementNode,
				name:        t.Name,
				attr:        append([]xml.Attr(nil), t.Attr...),
				selfClosing: end >= 2 && string(raw[end-2:end]) == "/>",
			}
			parent.children = append(parent.children, n)
			stack = append(stack, n)
		case xml.EndElement:
			if len(stack) == 1 {
				return nil, fmt.Errorf("unexpected </%s>", qualified(t.Name))
			}
			open := stack[len(stack)-1]
			if open.name != t.Name {
				return nil, fmt.Errorf("element <%s> closed by </%s>", qualified(open.name), qualified(t.Name))
			}
			stack = stack[:len(stack)-1]
		case xml.CharData:
			parent.children = append(parent.children, &node{kind: textNode, data: append([]byte(nil), t...)})
		case xml.Comment:
			parent.children = append(parent.children, &node{kind: commentNode, data: append([]byte(nil), t...)})
		case xml.ProcInst:
			parent.children = append(parent.children, &node{kind: procInstNode, target: t.Target, data: append([]byte(nil), t.Inst...)})
		case xml.Directive:
			parent.children = append(parent.children, &node{kind: directiveNode, data: append([]byte(nil), t...)})
		}
	}
	if len(stack) != 1 {
		return nil, fmt.Errorf("element <%s> is not closed", qualified(stack[len(stack)-1].name))
	}
	return root.children, nil
}

// walk visits every element node depth first.
func walk(nodes []*node, fn func(*node)) {
	for _, n := range nodes {
		if n.kind != elementNode {
			continue
		}
		fn(n)
		walk(n.children, fn)
	}
}

func qualified(n xml.Name) string {
	if n.Space == "" {
		return n.Local
	}
	return n.Space + ":" + n.Local
}

var (
	textEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	attrEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")
)

// serialize writes nodes back out. subst replaces the text of slot elements.
func serialize(w *bytes.Buffer, nodes []*node, subst map[*node]string) {
	for _, n := range nodes {
		switch n.kind {
		case textNode:
			w.WriteString(textEscaper.Replace(string(n.data)))
		case commentNode:
			w.WriteString("<!--")
			w.Write(n.data)
			w.WriteString("-->")
		case procInstNode:
			w.WriteString("<?")
			w.WriteString(n.target)
			if len(n.data) > 0 {
				w.WriteByte(' ')
				w.Write(n.data)
			}
			w.WriteString("?>")
		case directiveNode:
			w.WriteString("<!")
			w.Write(n.data)
			w.WriteByte('>')
		case elementNode:
			w.WriteByte('<')
			w.WriteString(qualified(n.name))
			for _, a := range n.attr {
				w.WriteByte(' ')
				w.WriteString(qualified(a.Name))
				w.WriteString(`="`)
				w.WriteString(attrEscaper.Replace(a.Value))
				w.WriteByte('"')
			}
			if v, ok := subst[n]; ok {
				w.WriteByte('>')
				w.WriteString(textEscaper.Replace(v))
			} else if n.selfClosing && len(n.children) == 0 {
				w.WriteString("/>")
				continue
			} else {
				w.WriteByte('>')
				serialize(w, n.children, subst)
			}
			w.WriteString("</")
			w.WriteString(qualified(n.name))
			w.WriteByte('>')
		}
	}
}
