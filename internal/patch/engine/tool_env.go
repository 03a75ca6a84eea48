package engine

import (
	"os"
	"sort"
	"strings"
)

// buildToolEnv constructs the environment for collaborator processes: the
// process environment with the config's env overrides applied.
func buildToolEnv(overrides map[string]string) []string {
	clean := make(map[string]string, len(overrides))
	for k, v := range overrides {
		key := strings.TrimSpace(k)
		if key == "" {
			continue
		}
		clean[key] = v
	}
	return mergeEnvWithOverrides(os.Environ(), clean)
}

// stripEnvKey removes all entries with the given key from an env slice.
func stripEnvKey(env []string, key string) []string {
	prefix := key + "="
	out := make([]string, 0, len(env))
	for _, entry := range env {
		if strings.HasPrefix(entry, prefix) || entry == key {
			continue
		}
		out = append(out, entry)
	}
	return out
}

// mergeEnvWithOverrides replaces or appends each override. Overrides are
// appended in key order so the result is deterministic.
func mergeEnvWithOverrides(base []string, overrides map[string]string) []string {
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := append([]string(nil), base...)
	for _, k := range keys {
		out = stripEnvKey(out, k)
		out = append(out, k+"="+overrides[k])
	}
	return out
}
