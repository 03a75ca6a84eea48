// Package besreq renders the XML command documents fed to besstandalone.
//
// A request template is an ordinary BES command document in which the data
// container and the constraint appear as placeholder element text. Templates
// are parsed into an element tree once; rendering substitutes the slot
// elements and serializes the tree, so prefixes, attribute order and
// whitespace of the template survive untouched.
package besreq

import (
	"bytes"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// Slot names a substitution point in a request template.
type Slot string

const (
	SlotContainer  Slot = "container"
	SlotConstraint Slot = "constraint"
)

// Placeholder is the literal element text that marks s in a template.
func (s Slot) Placeholder() string {
	return "@" + strings.ToUpper(string(s)) + "@"
}

//go:embed templates/*.bescmd
var embedded embed.FS

// Template is a parsed request document.
type Template struct {
	name  string
	nodes []*node
	slots map[Slot]*node
	// latin1 is set for templates read as ISO-8859-1; Render encodes back.
	latin1 bool
}

// Name identifies the template in error messages.
func (t *Template) Name() string { return t.name }

// Has reports whether the template defines s.
func (t *Template) Has(s Slot) bool {
	_, ok := t.slots[s]
	return ok
}

// ConstraintDelimiter is ";" when the constraint slot is a DAP4 constraint and
// "," for a DAP2 constraint.
func (t *Template) ConstraintDelimiter() string {
	if n, ok := t.slots[SlotConstraint]; ok && n.localName() == "constraint" {
		return ","
	}
	return ";"
}

// Parse reads a template and locates its slots. Every slot in required must
// appear exactly once, as the whole text of one element.
//
// Input that is not valid UTF-8 is read as ISO-8859-1.
func Parse(name string, raw []byte, required ...Slot) (*Template, error) {
	latin1 := !utf8.Valid(raw)
	if latin1 {
		decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(raw)
		if err != nil {
			return nil, fmt.Errorf("besreq: template %s: %w", name, err)
		}
		raw = decoded
	}
	nodes, err := parseTree(raw)
	if err != nil {
		return nil, fmt.Errorf("besreq: template %s: %w", name, err)
	}
	t := &Template{name: name, nodes: nodes, slots: map[Slot]*node{}, latin1: latin1}
	for _, s := range []Slot{SlotContainer, SlotConstraint} {
		n, err := findSlot(nodes, raw, s)
		if err != nil {
			return nil, fmt.Errorf("besreq: template %s: %w", name, err)
		}
		if n != nil {
			t.slots[s] = n
		}
	}
	for _, s := range required {
		if !t.Has(s) {
			return nil, fmt.Errorf("besreq: template %s: no %s placeholder %s", name, s, s.Placeholder())
		}
	}
	return t, nil
}

func findSlot(nodes []*node, raw []byte, s Slot) (*node, error) {
	ph := s.Placeholder()
	total := bytes.Count(raw, []byte(ph))
	if total == 0 {
		return nil, nil
	}
	var found []*node
	walk(nodes, func(n *node) {
		if text, ok := n.soleText(); ok && strings.TrimSpace(text) == ph {
			found = append(found, n)
		}
	})
	switch {
	case len(found) == 1 && total == 1:
		return found[0], nil
	case len(found) == 0:
		return nil, fmt.Errorf("%s placeholder %s is not the text of an element", s, ph)
	default:
		return nil, fmt.Errorf("%s placeholder %s occurs %d times, want exactly one", s, ph, total)
	}
}

// LoadFile parses a user-supplied template file.
func LoadFile(path string, required ...Slot) (*Template, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("besreq: %w", err)
	}
	return Parse(filepath.Base(path), raw, required...)
}

func mustEmbeddedTemplate(file string, required ...Slot) *Template {
	raw, err := embedded.ReadFile("templates/" + file)
	if err != nil {
		panic(fmt.Sprintf("embedded template %q: %v", file, err))
	}
	t, err := Parse(file, raw, required...)
	if err != nil {
		panic(err.Error())
	}
	return t
}

var (
	dataTemplate = mustEmbeddedTemplate("data.bescmd", SlotContainer, SlotConstraint)
	dmrTemplate  = mustEmbeddedTemplate("dmr.bescmd", SlotContainer)
)

// Data is the built-in request that writes the constrained dataset as
// netCDF-4.
func Data() *Template { return dataTemplate }

// DMR is the built-in request that returns the DMR of a dataset.
func DMR() *Template { return dmrTemplate }

// Request holds the slot values for one rendering.
type Request struct {
	// Container is the dataset path relative to the BES data root.
	Container string
	// Vars are the variables projected by the constraint.
	Vars []string
}

// Constraint joins the request's variables with the template's delimiter.
func (t *Template) Constraint(vars []string) string {
	return strings.Join(vars, t.ConstraintDelimiter())
}

// Render produces the request document.
func (t *Template) Render(req Request) ([]byte, error) {
	if !t.Has(SlotContainer) {
		return nil, fmt.Errorf("besreq: template %s has no container slot", t.name)
	}
	if strings.TrimSpace(req.Container) == "" {
		return nil, fmt.Errorf("besreq: template %s: empty container", t.name)
	}
	subst := map[*node]string{t.slots[SlotContainer]: req.Container}
	if n, ok := t.slots[SlotConstraint]; ok {
		if len(req.Vars) == 0 {
			return nil, fmt.Errorf("besreq: template %s: constraint has no variables", t.name)
		}
		subst[n] = t.Constraint(req.Vars)
	} else if len(req.Vars) > 0 {
		return nil, fmt.Errorf("besreq: template %s has no constraint slot", t.name)
	}
	var b bytes.Buffer
	serialize(&b, t.nodes, subst)
	if !bytes.HasSuffix(b.Bytes(), []byte("\n")) {
		b.WriteByte('\n')
	}
	if t.latin1 {
		out, err := charmap.ISO8859_1.NewEncoder().Bytes(b.Bytes())
		if err != nil {
			return nil, fmt.Errorf("besreq: template %s: request is not representable in ISO-8859-1: %w", t.name, err)
		}
		return out, nil
	}
	return b.Bytes(), nil
}

// ContainerPath expresses file relative to the BES catalog root. Files
// outside root cannot be served and are rejected.
func ContainerPath(root, file string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	absFile, err := filepath.Abs(file)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(absRoot, absFile)
	if err != nil {
		return "", err
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("besreq: %s is not below data root %s", file, root)
	}
	return filepath.ToSlash(rel), nil
}
