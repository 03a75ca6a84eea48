package engine

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"text/template"
)

// BESConfName is the configuration file written into the run directory.
const BESConfName = "bes.conf"

// knownModules maps BES module names to their shared library file.
var knownModules = map[string]string{
	"dap":   "libdap_module.so",
	"cmd":   "libdap_xml_module.so",
	"h5":    "libhdf5_module.so",
	"h4":    "libhdf4_module.so",
	"dmrpp": "libdmrpp_module.so",
	"nc":    "libnc_module.so",
	"fonc":  "libfonc_module.so",
}

// typeMatch routes catalog files to the handler modules that serve them.
var typeMatch = []struct {
	module string
	rule   string
}{
	{"h5", `h5:.*\.(h5|he5|hdf5|HDF5)(\.bz2|\.gz|\.Z)?$;`},
	{"h4", `h4:.*\.(hdf|HDF|h4)(\.bz2|\.gz|\.Z)?$;`},
	{"nc", `nc:.*\.(nc|nc4)(\.bz2|\.gz|\.Z)?$;`},
}

var (
	goos         = runtime.GOOS
	evalSymlinks = filepath.EvalSymlinks
)

// platformModuleDirs are tried when neither modules.dir nor the
// besstandalone install prefix yields a module directory.
var platformModuleDirs = map[string][]string{
	"linux":  {"/usr/lib64/bes", "/usr/lib/bes"},
	"darwin": {"/usr/local/lib/bes", "/opt/homebrew/lib/bes"},
}

//go:embed templates/bes.conf.tmpl
var besConfTemplateRaw string

var besConfTmpl = template.Must(template.New("bes.conf").Parse(besConfTemplateRaw))

type besModule struct {
	Name string
	File string
	Path string
}

// parseModuleEntry splits a modules.load entry into name and library file.
func parseModuleEntry(entry string) (string, string, error) {
	name, file, hasFile := strings.Cut(strings.TrimSpace(entry), ":")
	name = strings.TrimSpace(name)
	if name == "" {
		return "", "", fmt.Errorf("invalid modules.load entry: %q", entry)
	}
	if hasFile {
		file = strings.TrimSpace(file)
		if file == "" {
			return "", "", fmt.Errorf("invalid modules.load entry: %q", entry)
		}
		return name, file, nil
	}
	file, ok := knownModules[name]
	if !ok {
		return "", "", fmt.Errorf("unknown BES module %q (use name:library.so)", name)
	}
	return name, file, nil
}

// moduleDirCandidates lists where to look for BES modules, in order.
func moduleDirCandidates(cfg *Config, besstandalone string) []string {
	if d := strings.TrimSpace(cfg.Modules.Dir); d != "" {
		return []string{d}
	}
	var out []string
	if besstandalone != "" {
		p := besstandalone
		if resolved, err := evalSymlinks(p); err == nil {
			p = resolved
		}
		out = append(out, filepath.Join(filepath.Dir(filepath.Dir(p)), "lib", "bes"))
	}
	return append(out, platformModuleDirs[goos]...)
}

// findModuleDir returns the first candidate directory holding every module
// in mods. When none does, the error names the files missing from the first
// candidate that exists.
func findModuleDir(cfg *Config, besstandalone string, mods []besModule) (string, error) {
	candidates := moduleDirCandidates(cfg, besstandalone)
	var (
		firstExisting string
		firstMissing  []string
	)
	for _, dir := range candidates {
		st, err := os.Stat(dir)
		if err != nil || !st.IsDir() {
			continue
		}
		var missing []string
		for _, m := range mods {
			if _, err := os.Stat(filepath.Join(dir, m.File)); err != nil {
				missing = append(missing, m.File)
			}
		}
		if len(missing) == 0 {
			return dir, nil
		}
		if firstExisting == "" {
			firstExisting, firstMissing = dir, missing
		}
	}
	if firstExisting == "" {
		return "", fmt.Errorf("no BES module directory found (tried %s)", strings.Join(candidates, ", "))
	}
	return "", fmt.Errorf("BES modules missing from %s: %s", firstExisting, strings.Join(firstMissing, ", "))
}

// SynthesizeBESConf writes <runDir>/bes.conf for this installation and
// returns its path.
func SynthesizeBESConf(cfg *Config, tc *Toolchain, runID, runDir, dataRoot string) (string, error) {
	fail := func(err error) (string, error) {
		return "", &Error{Kind: KindConfigGenerationFailure, Err: err}
	}

	mods := make([]besModule, 0, len(cfg.Modules.Load))
	loaded := map[string]bool{}
	for _, entry := range cfg.Modules.Load {
		name, file, err := parseModuleEntry(entry)
		if err != nil {
			return fail(err)
		}
		mods = append(mods, besModule{Name: name, File: file})
		loaded[name] = true
	}
	dir, err := findModuleDir(cfg, tc.BESStandalone, mods)
	if err != nil {
		return fail(err)
	}
	names := make([]string, 0, len(mods))
	for i := range mods {
		mods[i].Path = filepath.Join(dir, mods[i].File)
		names = append(names, mods[i].Name)
	}
	var rules []string
	for _, tm := range typeMatch {
		if loaded[tm.module] {
			rules = append(rules, tm.rule)
		}
	}

	var buf bytes.Buffer
	err = besConfTmpl.Execute(&buf, map[string]any{
		"RunID":       runID,
		"LogName":     cfg.BES.LogName,
		"ModuleNames": strings.Join(names, ","),
		"Modules":     mods,
		"DataRoot":    dataRoot,
		"TypeMatch":   strings.Join(rules, ""),
	})
	if err != nil {
		return fail(fmt.Errorf("render bes.conf: %w", err))
	}
	for _, frag := range []string{cfg.BES.UserConf, cfg.BES.SiteConf} {
		frag = strings.TrimSpace(frag)
		if frag == "" {
			continue
		}
		b, err := os.ReadFile(frag)
		if err != nil {
			return fail(fmt.Errorf("read bes.conf fragment: %w", err))
		}
		if !bytes.HasSuffix(buf.Bytes(), []byte("\n")) {
			buf.WriteByte('\n')
		}
		buf.Write(b)
	}

	path := filepath.Join(runDir, BESConfName)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fail(err)
	}
	return path, nil
}
