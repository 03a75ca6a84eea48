package dmrpp

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// MergeResult describes what Merge changed.
type MergeResult struct {
	// Merged lists the target paths that received chunk blocks.
	Merged []string
	// Skipped lists manifest paths whose target variable already had data.
	Skipped []string
}

type edit struct {
	at      int
	cut     int // bytes of the original removed at `at`
	content []byte
}

// Merge copies the chunk blocks of the manifest's variables from the
// supplemental document into target and returns the patched bytes. Chunk
// elements without an href receive href="<href>". Bytes outside the inserted
// blocks are preserved.
func Merge(supplemental, target *Document, href string, m Manifest) ([]byte, MergeResult, error) {
	var res MergeResult
	if m.Empty() {
		return append([]byte(nil), target.Raw...), res, nil
	}

	var (
		edits    []edit
		notFound []string
	)
	for _, path := range m.Vars {
		src, ok := supplemental.Lookup(path)
		if !ok || src.Block == (Span{}) {
			notFound = append(notFound, path)
			continue
		}
		dst, ok := target.Lookup(path)
		if !ok {
			return nil, res, fmt.Errorf("dmrpp: merge: variable %s not found in target document", NormalizePath(path))
		}
		if dst.Type != src.Type {
			return nil, res, fmt.Errorf("dmrpp: merge: variable %s is %s in target but %s in supplemental document", dst.Path, dst.Type, src.Type)
		}
		if dst.HasData() {
			res.Skipped = append(res.Skipped, dst.Path)
			continue
		}
		block := chunkBlock(supplemental.Raw, src, href)
		edits = append(edits, insertion(target.Raw, dst, block))
		res.Merged = append(res.Merged, dst.Path)
	}
	if len(notFound) > 0 {
		return nil, res, fmt.Errorf("dmrpp: merge: no chunk information for %s in supplemental document", strings.Join(notFound, ", "))
	}
	out := applyEdits(target.Raw, edits)
	if err := verifyMerge(out, res.Merged); err != nil {
		return nil, res, err
	}
	return out, res, nil
}

// verifyMerge re-scans the patched bytes; every merged path must now carry
// data locations.
func verifyMerge(out []byte, merged []string) error {
	if len(merged) == 0 {
		return nil
	}
	doc, err := Parse(out)
	if err != nil {
		return fmt.Errorf("dmrpp: merge produced an unreadable document: %w", err)
	}
	for _, path := range merged {
		if v, ok := doc.Lookup(path); !ok || !v.HasData() {
			return fmt.Errorf("dmrpp: merge: %s has no data locations after merge", path)
		}
	}
	return nil
}

// MergeFiles is the file-level form used by the merge command: it reads the
// supplemental document, the target document and the manifest, and rewrites
// the target in place.
func MergeFiles(supplementalPath, targetPath, href, manifestPath string) (MergeResult, error) {
	supRaw, err := os.ReadFile(supplementalPath)
	if err != nil {
		return MergeResult{}, err
	}
	sup, err := Parse(supRaw)
	if err != nil {
		return MergeResult{}, fmt.Errorf("%s: %w", supplementalPath, err)
	}
	tgtRaw, err := os.ReadFile(targetPath)
	if err != nil {
		return MergeResult{}, err
	}
	tgt, err := Parse(tgtRaw)
	if err != nil {
		return MergeResult{}, fmt.Errorf("%s: %w", targetPath, err)
	}
	m, err := ReadManifest(manifestPath)
	if err != nil {
		return MergeResult{}, err
	}
	out, res, err := Merge(sup, tgt, href, m)
	if err != nil {
		return res, err
	}
	if len(res.Merged) == 0 {
		return res, nil
	}
	return res, writeFileAtomic(targetPath, out)
}

// chunkBlock returns the source block, starting at the beginning of its line,
// with href attributes added to chunk elements that lack one.
func chunkBlock(raw []byte, v Variable, href string) []byte {
	start := lineStart(raw, v.Block.Start)
	var edits []edit
	if strings.TrimSpace(href) != "" {
		hrefAttr := []byte(` href="` + escapeAttr(href) + `"`)
		for _, c := range v.Chunks {
			if c.Href != "" || c.tagClose < v.Block.Start || c.tagClose >= v.Block.End {
				continue
			}
			edits = append(edits, edit{at: c.tagClose - start, content: hrefAttr})
		}
	}
	return applyEdits(raw[start:v.Block.End], edits)
}

// insertion places block just before the variable's end tag, after the last
// non-space byte of its content. Self-closing variables are opened up. A
// variable that already holds an empty chunks element has it replaced.
func insertion(raw []byte, v Variable, block []byte) edit {
	if v.Block != (Span{}) {
		at := lineStart(raw, v.Block.Start)
		return edit{at: at, cut: v.Block.End - at, content: block}
	}
	if v.SelfClosing {
		indent := raw[lineStart(raw, v.Element.Start):v.Element.Start]
		var b bytes.Buffer
		b.WriteString(">\n")
		b.Write(block)
		b.WriteByte('\n')
		b.Write(indent)
		b.WriteString("</" + v.Type + ">")
		// Replace the trailing "/>" of the start tag.
		return edit{at: v.StartTagEnd - 2, cut: 2, content: b.Bytes()}
	}
	at := v.EndTagStart
	for at > v.StartTagEnd && isSpace(raw[at-1]) {
		at--
	}
	content := make([]byte, 0, len(block)+1)
	content = append(content, '\n')
	content = append(content, block...)
	return edit{at: at, content: content}
}

func applyEdits(raw []byte, edits []edit) []byte {
	if len(edits) == 0 {
		return append([]byte(nil), raw...)
	}
	sort.SliceStable(edits, func(i, j int) bool { return edits[i].at < edits[j].at })
	var b bytes.Buffer
	b.Grow(len(raw))
	pos := 0
	for _, e := range edits {
		b.Write(raw[pos:e.at])
		b.Write(e.content)
		pos = e.at + e.cut
	}
	b.Write(raw[pos:])
	return b.Bytes()
}

func lineStart(raw []byte, pos int) int {
	i := pos
	for i > 0 && (raw[i-1] == ' ' || raw[i-1] == '\t') {
		i--
	}
	return i
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func escapeAttr(s string) string {
	r := strings.NewReplacer(`&`, "&amp;", `<`, "&lt;", `>`, "&gt;", `"`, "&quot;")
	return r.Replace(s)
}

func writeFileAtomic(path string, data []byte) error {
	mode := os.FileMode(0o644)
	if st, err := os.Stat(path); err == nil {
		mode = st.Mode().Perm()
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
