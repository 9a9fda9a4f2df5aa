package detect

import (
	"bufio"
	"io"
	"strings"
)

// DefaultEnv is injected into every built target before the workspace's
// own env file is applied.
var DefaultEnv = map[string]string{
	"APP_ENV":          "production",
	"NODE_ENV":         "production",
	"PYTHONUNBUFFERED": "1",
}

// ParseEnv reads KEY=VALUE lines. Blank lines and # comments are skipped,
// an "export " prefix is dropped and one layer of matching quotes is
// stripped from the value.
func ParseEnv(r io.Reader) (map[string]string, error) {
	out := make(map[string]string)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = unquote(strings.TrimSpace(val))
	}
	return out, sc.Err()
}

func unquote(v string) string {
	if len(v) >= 2 {
		first, last := v[0], v[len(v)-1]
		if first == last && (first == '"' || first == '\'') {
			return v[1 : len(v)-1]
		}
	}
	return v
}

// MergeEnv returns defaults overlaid with env. Neither input is modified.
func MergeEnv(defaults, env map[string]string) map[string]string {
	out := make(map[string]string, len(defaults)+len(env))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range env {
		out[k] = v
	}
	return out
}
