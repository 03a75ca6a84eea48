package engine

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigFile_YAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "patch.yaml")
	writeFile(t, path, `
version: 1
tools:
  besstandalone: /opt/bes/bin/besstandalone
  check_dmrpp: builtin
modules:
  load: [dap, h5, "custom:libcustom_module.so"]
env:
  BES_DEBUG: "1"
`)
	cfg, err := LoadConfigFile(path)
	require.NoError(t, err)
	assert.Equal(t, "/opt/bes/bin/besstandalone", cfg.Tools.BESStandalone)
	assert.Equal(t, "build_dmrpp", cfg.Tools.BuildDMRPP)
	assert.Equal(t, BuiltinTool, cfg.Tools.CheckDMRPP)
	assert.Equal(t, []string{"dap", "h5", "custom:libcustom_module.so"}, cfg.Modules.Load)
	assert.Equal(t, ".dmrpp", cfg.Inventory.DocumentSuffix)
	assert.Equal(t, "1", cfg.Env["BES_DEBUG"])
}

func TestLoadConfigFile_JSONAndTOML(t *testing.T) {
	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "patch.json")
	writeFile(t, jsonPath, `{"version": 1, "bes": {"data_root": "/data"}, "inventory": {"data_patterns": ["*.h5"]}}`)
	tomlPath := filepath.Join(dir, "patch.toml")
	writeFile(t, tomlPath, "version = 1\n[bes]\ndata_root = \"/data\"\n[inventory]\ndata_patterns = [\"*.h5\"]\n")

	for _, path := range []string{jsonPath, tomlPath} {
		cfg, err := LoadConfigFile(path)
		require.NoError(t, err, path)
		assert.Equal(t, "/data", cfg.BES.DataRoot, path)
		assert.Equal(t, []string{"*.h5"}, cfg.Inventory.DataPatterns, path)
		assert.Equal(t, "besstandalone", cfg.Tools.BESStandalone, path)
	}
}

func TestLoadConfigFile_SchemaRejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "patch.yaml")
	writeFile(t, path, "version: 1\ntools:\n  besstandlone: /x\n")
	_, err := LoadConfigFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "besstandlone")
}

func TestLoadConfigFile_Invalid(t *testing.T) {
	cases := map[string]string{
		"version":        "version: 2\n",
		"builtin server": "tools:\n  besstandalone: builtin\n",
		"unknown module": "modules:\n  load: [grib]\n",
		"bad pattern":    "inventory:\n  data_patterns: [\"[\"]\n",
		"path pattern":   "inventory:\n  data_patterns: [\"sub/*.h5\"]\n",
		"suffix":         "inventory:\n  document_suffix: dmrpp\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "patch.yaml")
			writeFile(t, path, body)
			_, err := LoadConfigFile(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig_DefaultsWithoutFiles(t *testing.T) {
	cfg, err := LoadConfig(LoadOptions{
		WorkDir:   t.TempDir(),
		LookupEnv: func(string) (string, bool) { return "", false },
	})
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
	assert.Equal(t, "check_dmrpp", cfg.Tools.CheckDMRPP)
	assert.Equal(t, []string{"dap", "cmd", "h5", "dmrpp", "nc", "fonc"}, cfg.Modules.Load)
}

func TestLoadConfig_Layering(t *testing.T) {
	work := t.TempDir()
	writeFile(t, filepath.Join(work, DefaultConfigFile), "tools:\n  besstandalone: /from/file\n  build_dmrpp: /from/file/build_dmrpp\n")
	writeFile(t, filepath.Join(work, DefaultEnvFile), "DMRPATCH_BESSTANDALONE=/from/envfile\nDMRPATCH_MODULE_DIR=/from/envfile/lib\n")

	env := map[string]string{
		"DMRPATCH_MODULE_DIR": "/from/env/lib",
		"CXX":                 "clang++",
	}
	cfg, err := LoadConfig(LoadOptions{
		WorkDir: work,
		LookupEnv: func(k string) (string, bool) {
			v, ok := env[k]
			return v, ok
		},
	})
	require.NoError(t, err)
	// env file beats config file; the process environment beats both.
	assert.Equal(t, "/from/envfile", cfg.Tools.BESStandalone)
	assert.Equal(t, "/from/file/build_dmrpp", cfg.Tools.BuildDMRPP)
	assert.Equal(t, "/from/env/lib", cfg.Modules.Dir)
	assert.Equal(t, "clang++", cfg.Tools.CXX)
}

func TestLoadConfig_ExplicitPathMustExist(t *testing.T) {
	_, err := LoadConfig(LoadOptions{
		ConfigPath: filepath.Join(t.TempDir(), "missing.yaml"),
		WorkDir:    t.TempDir(),
		LookupEnv:  func(string) (string, bool) { return "", false },
	})
	assert.Error(t, err)
}

func TestLoadConfig_EnvValueCannotSelectBuiltinServer(t *testing.T) {
	_, err := LoadConfig(LoadOptions{
		WorkDir: t.TempDir(),
		LookupEnv: func(k string) (string, bool) {
			if k == "DMRPATCH_BUILD_DMRPP" {
				return BuiltinTool, true
			}
			return "", false
		},
	})
	assert.Error(t, err)
}
