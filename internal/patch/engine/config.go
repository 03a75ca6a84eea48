package engine

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/joho/godotenv"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// BuiltinTool selects the in-process checker or merger.
const BuiltinTool = "builtin"

const (
	DefaultConfigFile = ".dmrpatch.yaml"
	DefaultEnvFile    = ".dmrpatch.env"
)

// Environment variables read by LoadConfig. They override the config file.
const (
	envBESStandalone = "DMRPATCH_BESSTANDALONE"
	envBuildDMRPP    = "DMRPATCH_BUILD_DMRPP"
	envCheckDMRPP    = "DMRPATCH_CHECK_DMRPP"
	envMergeDMRPP    = "DMRPATCH_MERGE_DMRPP"
	envSourceDir     = "DMRPATCH_SOURCE_DIR"
	envModuleDir     = "DMRPATCH_MODULE_DIR"
	envDataRoot      = "DMRPATCH_DATA_ROOT"
	envCXX           = "CXX"
)

type Config struct {
	Version int `json:"version" yaml:"version" toml:"version"`

	Tools struct {
		BESStandalone string `json:"besstandalone" yaml:"besstandalone" toml:"besstandalone"`
		BuildDMRPP    string `json:"build_dmrpp" yaml:"build_dmrpp" toml:"build_dmrpp"`
		CheckDMRPP    string `json:"check_dmrpp" yaml:"check_dmrpp" toml:"check_dmrpp"`
		MergeDMRPP    string `json:"merge_dmrpp" yaml:"merge_dmrpp" toml:"merge_dmrpp"`
		// SourceDir holds check_dmrpp.cc / merge_dmrpp.cc for on-demand builds.
		SourceDir string `json:"source_dir" yaml:"source_dir" toml:"source_dir"`
		CXX       string `json:"cxx" yaml:"cxx" toml:"cxx"`
	} `json:"tools" yaml:"tools" toml:"tools"`

	Modules struct {
		Dir string `json:"dir" yaml:"dir" toml:"dir"`
		// Load entries are module names ("h5") or name:file pairs
		// ("h5:libhdf5_module.so").
		Load []string `json:"load" yaml:"load" toml:"load"`
	} `json:"modules" yaml:"modules" toml:"modules"`

	BES struct {
		DataRoot string `json:"data_root" yaml:"data_root" toml:"data_root"`
		UserConf string `json:"user_conf" yaml:"user_conf" toml:"user_conf"`
		SiteConf string `json:"site_conf" yaml:"site_conf" toml:"site_conf"`
		LogName  string `json:"log_name" yaml:"log_name" toml:"log_name"`
	} `json:"bes" yaml:"bes" toml:"bes"`

	Requests struct {
		DataTemplate string `json:"data_template" yaml:"data_template" toml:"data_template"`
		DMRTemplate  string `json:"dmr_template" yaml:"dmr_template" toml:"dmr_template"`
	} `json:"requests" yaml:"requests" toml:"requests"`

	Inventory struct {
		DataPatterns   []string `json:"data_patterns" yaml:"data_patterns" toml:"data_patterns"`
		DocumentSuffix string   `json:"document_suffix" yaml:"document_suffix" toml:"document_suffix"`
	} `json:"inventory" yaml:"inventory" toml:"inventory"`

	Cleanup struct {
		SideEffects []string `json:"side_effects" yaml:"side_effects" toml:"side_effects"`
	} `json:"cleanup" yaml:"cleanup" toml:"cleanup"`

	// Env is added to the environment of every collaborator process.
	Env map[string]string `json:"env" yaml:"env" toml:"env"`
}

var (
	defaultModules      = []string{"dap", "cmd", "h5", "dmrpp", "nc", "fonc"}
	defaultDataPatterns = []string{"*.h5", "*.he5", "*.hdf5", "*.nc", "*.nc4", "*.h4", "*.hdf", "*.HDF"}
	defaultSideEffects  = []string{"bes.log", "bes.log.*", "*.ledger"}
)

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	cfg := &Config{}
	applyConfigDefaults(cfg)
	return cfg
}

//go:embed schema/config.schema.json
var configSchemaRaw []byte

var configSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource("config.schema.json", bytes.NewReader(configSchemaRaw)); err != nil {
		return nil, err
	}
	return c.Compile("config.schema.json")
})

// LoadConfigFile reads a YAML, JSON or TOML config file, chosen by extension,
// validates it against the config schema and fills in defaults.
func LoadConfigFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var (
		cfg     Config
		generic any
	)
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		if err := json.Unmarshal(b, &generic); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if err := json.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	case ".toml":
		var m map[string]any
		if err := toml.Unmarshal(b, &m); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		generic = m
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(b, &generic); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	if err := validateConfigDocument(generic); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	applyConfigDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}

// validateConfigDocument checks the decoded document against the schema. The
// value is normalized through JSON so YAML and TOML scalars compare the same
// way JSON ones do.
func validateConfigDocument(doc any) error {
	if doc == nil {
		return nil
	}
	schema, err := configSchema()
	if err != nil {
		return fmt.Errorf("config schema: %w", err)
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("config is not a plain mapping: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return err
	}
	return schema.Validate(v)
}

func applyConfigDefaults(cfg *Config) {
	if cfg == nil {
		return
	}
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if strings.TrimSpace(cfg.Tools.BESStandalone) == "" {
		cfg.Tools.BESStandalone = "besstandalone"
	}
	if strings.TrimSpace(cfg.Tools.BuildDMRPP) == "" {
		cfg.Tools.BuildDMRPP = "build_dmrpp"
	}
	if strings.TrimSpace(cfg.Tools.CheckDMRPP) == "" {
		cfg.Tools.CheckDMRPP = "check_dmrpp"
	}
	if strings.TrimSpace(cfg.Tools.MergeDMRPP) == "" {
		cfg.Tools.MergeDMRPP = "merge_dmrpp"
	}
	if strings.TrimSpace(cfg.Tools.CXX) == "" {
		cfg.Tools.CXX = "c++"
	}
	if len(cfg.Modules.Load) == 0 {
		cfg.Modules.Load = append([]string(nil), defaultModules...)
	}
	if strings.TrimSpace(cfg.BES.LogName) == "" {
		cfg.BES.LogName = "./bes.log"
	}
	if len(cfg.Inventory.DataPatterns) == 0 {
		cfg.Inventory.DataPatterns = append([]string(nil), defaultDataPatterns...)
	}
	if strings.TrimSpace(cfg.Inventory.DocumentSuffix) == "" {
		cfg.Inventory.DocumentSuffix = ".dmrpp"
	}
	if cfg.Cleanup.SideEffects == nil {
		cfg.Cleanup.SideEffects = append([]string(nil), defaultSideEffects...)
	}
	if cfg.Env == nil {
		cfg.Env = map[string]string{}
	}
}

func validateConfig(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Version != 1 {
		return fmt.Errorf("unsupported config version: %d", cfg.Version)
	}
	if cfg.Tools.BESStandalone == BuiltinTool || cfg.Tools.BuildDMRPP == BuiltinTool {
		return fmt.Errorf("tools.besstandalone and tools.build_dmrpp have no builtin implementation")
	}
	for _, entry := range cfg.Modules.Load {
		if _, _, err := parseModuleEntry(entry); err != nil {
			return err
		}
	}
	for _, p := range cfg.Inventory.DataPatterns {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("invalid inventory.data_patterns entry: %q", p)
		}
		if strings.Contains(p, "/") {
			return fmt.Errorf("inventory.data_patterns entry %q must match a file name, not a path", p)
		}
	}
	if !strings.HasPrefix(cfg.Inventory.DocumentSuffix, ".") {
		return fmt.Errorf("inventory.document_suffix must start with '.': %q", cfg.Inventory.DocumentSuffix)
	}
	for _, p := range cfg.Cleanup.SideEffects {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("invalid cleanup.side_effects entry: %q", p)
		}
	}
	for k := range cfg.Env {
		if strings.TrimSpace(k) == "" || strings.Contains(k, "=") {
			return fmt.Errorf("invalid env key: %q", k)
		}
	}
	return nil
}

// LoadOptions controls LoadConfig.
type LoadOptions struct {
	// ConfigPath is the --config flag. Empty means DefaultConfigFile in
	// WorkDir, if present.
	ConfigPath string
	WorkDir    string
	// LookupEnv defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

// LoadConfig layers defaults, the config file, the env file and the
// environment, in that order.
func LoadConfig(opts LoadOptions) (*Config, error) {
	workDir := opts.WorkDir
	if workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		workDir = wd
	}
	lookup := opts.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}

	var cfg *Config
	path := strings.TrimSpace(opts.ConfigPath)
	if path == "" {
		candidate := filepath.Join(workDir, DefaultConfigFile)
		if _, err := os.Stat(candidate); err == nil {
			path = candidate
		}
	}
	if path != "" {
		c, err := LoadConfigFile(path)
		if err != nil {
			return nil, err
		}
		cfg = c
	} else {
		cfg = DefaultConfig()
	}

	envFile, err := readEnvFile(filepath.Join(workDir, DefaultEnvFile))
	if err != nil {
		return nil, err
	}
	get := func(key string) string {
		if v, ok := lookup(key); ok {
			return strings.TrimSpace(v)
		}
		return strings.TrimSpace(envFile[key])
	}
	applyEnvOverrides(cfg, get)
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// readEnvFile reads KEY=value pairs. A missing file is not an error; values
// never replace variables already set in the process environment.
func readEnvFile(path string) (map[string]string, error) {
	m, err := godotenv.Read(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

func applyEnvOverrides(cfg *Config, get func(string) string) {
	set := func(dst *string, key string) {
		if v := get(key); v != "" {
			*dst = v
		}
	}
	set(&cfg.Tools.BESStandalone, envBESStandalone)
	set(&cfg.Tools.BuildDMRPP, envBuildDMRPP)
	set(&cfg.Tools.CheckDMRPP, envCheckDMRPP)
	set(&cfg.Tools.MergeDMRPP, envMergeDMRPP)
	set(&cfg.Tools.SourceDir, envSourceDir)
	set(&cfg.Tools.CXX, envCXX)
	set(&cfg.Modules.Dir, envModuleDir)
	set(&cfg.BES.DataRoot, envDataRoot)
}
