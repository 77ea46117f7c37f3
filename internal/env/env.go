// Package env composes the environment of the managed process.
package env

import (
	"fmt"
	"sort"
	"strings"

	"github.com/joho/godotenv"
)

// LoadFiles reads dotenv files in order and returns their entries as
// "K=V" pairs. Within one file keys are sorted; a later file overrides an
// earlier one when the result is passed through Merge.
func LoadFiles(paths ...string) ([]string, error) {
	var out []string
	for _, p := range paths {
		m, err := godotenv.Read(p)
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out = append(out, k+"="+m[k])
		}
	}
	return out, nil
}

// Merge overlays layers of "K=V" entries on base, later entries winning,
// then expands ${VAR} references in layer values against the composed set.
// Base values are passed through untouched.
// Expansion is a single pass: substituted text is not expanded again and
// unknown references are left as written. Entries without '=' or with an
// empty key are dropped. The result is sorted by key.
func Merge(base []string, layers ...[]string) []string {
	m := make(map[string]string, len(base))
	layered := map[string]bool{}
	put := func(kvs []string, layer bool) {
		for _, kv := range kvs {
			k, v, ok := strings.Cut(kv, "=")
			if !ok || k == "" {
				continue
			}
			m[k] = v
			layered[k] = layer
		}
	}
	put(base, false)
	for _, l := range layers {
		put(l, true)
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		v := m[k]
		if layered[k] {
			v = Expand(v, m)
		}
		out = append(out, k+"="+v)
	}
	return out
}

// Expand replaces each ${NAME} in s whose NAME is in vars.
func Expand(s string, vars map[string]string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			break
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			b.WriteString(s)
			break
		}
		name := s[i+2 : i+2+j]
		b.WriteString(s[:i])
		if v, ok := vars[name]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
	return b.String()
}
