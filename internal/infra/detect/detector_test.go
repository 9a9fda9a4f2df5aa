package detect

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	domain "github.com/bryanwahyu/codeprobe/internal/domain/scans"
)

// writeTree creates files (path -> content) under a temp root.
func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for p, content := range files {
		full := filepath.Join(root, filepath.FromSlash(p))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
	return root
}

const composeAPI = `
services:
  api:
    build: ./api
    ports: ["8080:8000"]
  db:
    image: postgres:16
    ports: ["5432:5432"]
  worker:
    build:
      context: ./worker
      dockerfile: Dockerfile.worker
`

func TestDetect_MultiServiceBeatsShallowerSingle(t *testing.T) {
	t.Parallel()
	root := writeTree(t, map[string]string{
		"app/Dockerfile":                "FROM scratch",
		"app/deploy/docker-compose.yml": composeAPI,
	})

	dt, err := New().Detect(root)
	require.NoError(t, err)
	assert.Equal(t, domain.ShapeMultiService, dt.Shape)
	assert.Equal(t, filepath.Join(root, "app", "deploy", "docker-compose.yml"), dt.Manifest)

	require.Len(t, dt.Services, 1, "image-only and portless services are skipped")
	assert.Equal(t, "api", dt.Services[0].Name)
	assert.Equal(t, filepath.Join(root, "app", "deploy", "api"), dt.Services[0].Context)
	assert.Equal(t, []int{8000}, dt.Services[0].Ports)
}

func TestDetect_ShallowestSingleWins(t *testing.T) {
	t.Parallel()
	root := writeTree(t, map[string]string{
		"svc/Dockerfile":          "FROM alpine",
		"a/b/c/Dockerfile":        "FROM busybox",
		"node_modules/Dockerfile": "FROM node",
	})

	dt, err := New().Detect(root)
	require.NoError(t, err)
	assert.Equal(t, domain.ShapeSingleService, dt.Shape)
	assert.Equal(t, filepath.Join(root, "svc", "Dockerfile"), dt.Manifest)
}

func TestDetect_NothingBuildable(t *testing.T) {
	t.Parallel()
	root := writeTree(t, map[string]string{"main.py": "print(1)"})

	dt, err := New().Detect(root)
	require.NoError(t, err)
	assert.Equal(t, domain.ShapeNone, dt.Shape)
	assert.Equal(t, "production", dt.Env["APP_ENV"])
}

func TestDetect_EnvInExcludedDirNeverChosen(t *testing.T) {
	t.Parallel()
	root := writeTree(t, map[string]string{
		"Dockerfile":        "FROM alpine",
		"node_modules/.env": "SECRET=from-deps",
		"config/app/.env":   "SECRET=real\nNODE_ENV=staging",
	})

	dt, err := New().Detect(root)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "config", "app", ".env"), dt.EnvFile)
	assert.Equal(t, "real", dt.Env["SECRET"])
	assert.Equal(t, "staging", dt.Env["NODE_ENV"])
	assert.Equal(t, "1", dt.Env["PYTHONUNBUFFERED"])
}

func TestDetect_EnvPriorityAtSameDepth(t *testing.T) {
	t.Parallel()
	root := writeTree(t, map[string]string{
		"srv/.env.local": "MODE=local",
		"srv/.env":       "MODE=base",
		"deep/x/.env":    "MODE=deep",
	})

	dt, err := New().Detect(root)
	require.NoError(t, err)
	assert.Equal(t, "base", dt.Env["MODE"])
}

func TestFindShallowest_StopsWhenAllFound(t *testing.T) {
	t.Parallel()
	root := writeTree(t, map[string]string{
		"Dockerfile":   "",
		".env":         "",
		"x/Dockerfile": "",
	})

	ms, err := FindShallowest(root, []Predicate{nameIs("Dockerfile"), nameIs(".env")}, nil)
	require.NoError(t, err)
	assert.Equal(t, Match{Path: filepath.Join(root, "Dockerfile"), Depth: 0}, ms[0])
	assert.Equal(t, 0, ms[1].Depth)
}

func TestFindShallowest_MissingRoot(t *testing.T) {
	t.Parallel()

	_, err := FindShallowest(filepath.Join(t.TempDir(), "nope"), []Predicate{nameIs("x")}, nil)
	assert.Error(t, err)
}

func TestParseEnv(t *testing.T) {
	t.Parallel()
	in := strings.Join([]string{
		"# comment",
		"",
		"  PLAIN = value  ",
		`QUOTED="hello world"`,
		"SINGLE='x'",
		`MIXED="open'`,
		"export TOKEN=abc",
		"URL=postgres://u:p@h/db?sslmode=disable",
		"garbage line",
	}, "\n")

	env, err := ParseEnv(strings.NewReader(in))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"PLAIN":  "value",
		"QUOTED": "hello world",
		"SINGLE": "x",
		"MIXED":  `"open'`,
		"TOKEN":  "abc",
		"URL":    "postgres://u:p@h/db?sslmode=disable",
	}, env)
}

func TestMergeEnv_OverridesDefaults(t *testing.T) {
	t.Parallel()
	defaults := map[string]string{"APP_ENV": "production", "A": "1"}

	got := MergeEnv(defaults, map[string]string{"APP_ENV": "dev"})
	assert.Equal(t, map[string]string{"APP_ENV": "dev", "A": "1"}, got)
	assert.Equal(t, "production", defaults["APP_ENV"])
}

func TestContainerPort(t *testing.T) {
	t.Parallel()
	cases := map[string]int{
		"8080":                  8080,
		"80:8080":               8080,
		"127.0.0.1:80:8080/tcp": 8080,
		"3000-3005":             3000,
	}
	for in, want := range cases {
		got, ok := containerPort(scalar(in))
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := containerPort(scalar("${PORT}"))
	assert.False(t, ok)

	var long yaml.Node
	require.NoError(t, yaml.Unmarshal([]byte("target: 9000\npublished: 80"), &long))
	got, ok := containerPort(*long.Content[0])
	assert.True(t, ok)
	assert.Equal(t, 9000, got)
}

func scalar(v string) yaml.Node { return yaml.Node{Kind: yaml.ScalarNode, Value: v} }
