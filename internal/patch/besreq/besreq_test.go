package besreq

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestData_RendersContainerAndDAP4Constraint(t *testing.T) {
	out, err := Data().Render(Request{Container: "sub/grid.h5", Vars: []string{"/g1/temperature", "/g1/pressure"}})
	require.NoError(t, err)

	s := string(out)
	assert.Contains(t, s, `<bes:setContainer name="c" space="catalog">sub/grid.h5</bes:setContainer>`)
	assert.Contains(t, s, `<bes:dap4constraint>/g1/temperature;/g1/pressure</bes:dap4constraint>`)
	assert.Contains(t, s, `<bes:get type="dap" definition="d" returnAs="netcdf-4"/>`)
	assert.Contains(t, s, `xmlns:bes="http://xml.opendap.org/ns/bes/1.0#"`)
	assert.True(t, strings.HasPrefix(s, `<?xml version="1.0" encoding="UTF-8"?>`))
	assert.NotContains(t, s, "@CONTAINER@")
	assert.NotContains(t, s, "@CONSTRAINT@")
}

func TestDMR_RendersWithoutConstraint(t *testing.T) {
	out, err := DMR().Render(Request{Container: "grid_missing.h5"})
	require.NoError(t, err)
	assert.Contains(t, string(out), `<bes:get type="dmr" definition="d"/>`)
	assert.Contains(t, string(out), `<bes:container name="c"/>`)

	_, err = DMR().Render(Request{Container: "grid_missing.h5", Vars: []string{"x"}})
	require.Error(t, err)
}

func TestRender_EscapesValues(t *testing.T) {
	out, err := Data().Render(Request{Container: "a&b.h5", Vars: []string{"v<1>"}})
	require.NoError(t, err)
	assert.Contains(t, string(out), ">a&amp;b.h5<")
	assert.Contains(t, string(out), ">v&lt;1&gt;<")
}

func TestRender_RequiresVariablesForConstraint(t *testing.T) {
	_, err := Data().Render(Request{Container: "grid.h5"})
	require.Error(t, err)
}

const dap2Template = `<?xml version="1.0"?>
<request xmlns="http://xml.opendap.org/ns/bes/1.0#" reqID="x">
  <setContainer name="c" space="catalog">@CONTAINER@</setContainer>
  <define name="d">
    <container name="c">
      <constraint>@CONSTRAINT@</constraint>
    </container>
  </define>
  <!-- DAP2 form -->
  <get type="dods" definition="d" returnAs="netcdf-4"/>
</request>
`

func TestParse_DAP2ConstraintUsesComma(t *testing.T) {
	tmpl, err := Parse("dap2", []byte(dap2Template), SlotContainer, SlotConstraint)
	require.NoError(t, err)
	assert.Equal(t, ",", tmpl.ConstraintDelimiter())

	out, err := tmpl.Render(Request{Container: "grid.h5", Vars: []string{"a", "b"}})
	require.NoError(t, err)
	assert.Contains(t, string(out), "<constraint>a,b</constraint>")
	assert.Contains(t, string(out), "<!-- DAP2 form -->")
}

func TestParse_RejectsBadPlaceholders(t *testing.T) {
	cases := map[string]string{
		"missing":   `<r><c>x</c></r>`,
		"duplicate": `<r><c>@CONTAINER@</c><d>@CONTAINER@</d></r>`,
		"attribute": `<r><c name="@CONTAINER@">y</c></r>`,
		"mixed":     `<r><c>file @CONTAINER@</c></r>`,
		"unclosed":  `<r><c>@CONTAINER@</c>`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(name, []byte(raw), SlotContainer)
			require.Error(t, err)
		})
	}
}

func TestParse_Latin1TemplateRoundTrips(t *testing.T) {
	raw := "<?xml version=\"1.0\" encoding=\"ISO-8859-1\"?>\n" +
		"<request note=\"r\xe9sum\xe9\"><!-- \xb0 --><c>@CONTAINER@</c></request>\n"
	tmpl, err := Parse("latin1", []byte(raw), SlotContainer)
	require.NoError(t, err)

	out, err := tmpl.Render(Request{Container: "caf\u00e9.h5"})
	require.NoError(t, err)
	assert.Contains(t, string(out), "note=\"r\xe9sum\xe9\"")
	assert.Contains(t, string(out), "<!-- \xb0 -->")
	assert.Contains(t, string(out), "<c>caf\xe9.h5</c>")

	_, err = tmpl.Render(Request{Container: "\u20ac.h5"})
	require.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.bescmd")
	require.NoError(t, os.WriteFile(path, []byte(dap2Template), 0o644))

	tmpl, err := LoadFile(path, SlotContainer, SlotConstraint)
	require.NoError(t, err)
	assert.Equal(t, "custom.bescmd", tmpl.Name())
	assert.True(t, tmpl.Has(SlotConstraint))
}

func TestContainerPath(t *testing.T) {
	root := t.TempDir()

	rel, err := ContainerPath(root, filepath.Join(root, "sub", "grid.h5"))
	require.NoError(t, err)
	assert.Equal(t, "sub/grid.h5", rel)

	_, err = ContainerPath(filepath.Join(root, "sub"), filepath.Join(root, "grid.h5"))
	require.Error(t, err)
}
