// Package detect classifies what an extracted workspace can be built into
// and finds the env file its targets should start with.
package detect

import (
	"fmt"
	"os"
	"path/filepath"

	domain "github.com/bryanwahyu/codeprobe/internal/domain/scans"
)

// ExcludedDirs are never searched for manifests or env files.
var ExcludedDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	"venv":         true,
	".venv":        true,
	"__pycache__":  true,
	".idea":        true,
	".vscode":      true,
	"dist":         true,
	"build":        true,
	"target":       true,
}

var (
	composeNames = []string{"docker-compose.yml", "docker-compose.yaml", "compose.yml", "compose.yaml"}
	// ordered by priority at equal depth
	envNames = []string{".env", ".env.production", ".env.local"}
)

type Detector struct {
	Skip     map[string]bool
	Defaults map[string]string
}

func New() *Detector {
	return &Detector{Skip: ExcludedDirs, Defaults: DefaultEnv}
}

// Detect walks root once. A multi-service manifest anywhere wins over a
// single-service one; within a kind the shallowest wins.
func (d *Detector) Detect(root string) (domain.DetectedTarget, error) {
	preds := []Predicate{nameIs(composeNames...), nameIs("Dockerfile")}
	for _, n := range envNames {
		preds = append(preds, nameIs(n))
	}
	matches, err := FindShallowest(root, preds, d.Skip)
	if err != nil {
		return domain.DetectedTarget{}, fmt.Errorf("walk workspace: %w", err)
	}
	compose, dockerfile := matches[0], matches[1]

	dt := domain.DetectedTarget{Root: root, Shape: domain.ShapeNone}
	switch {
	case compose.Found():
		services, err := parseCompose(compose.Path)
		if err != nil {
			return domain.DetectedTarget{}, err
		}
		dt.Shape = domain.ShapeMultiService
		dt.Manifest = compose.Path
		dt.Services = services
	case dockerfile.Found():
		dt.Shape = domain.ShapeSingleService
		dt.Manifest = dockerfile.Path
	}

	env := map[string]string{}
	if envFile := nearest(matches[2:]); envFile.Found() {
		f, err := os.Open(envFile.Path)
		if err != nil {
			return domain.DetectedTarget{}, err
		}
		env, err = ParseEnv(f)
		f.Close()
		if err != nil {
			return domain.DetectedTarget{}, fmt.Errorf("parse %s: %w", filepath.Base(envFile.Path), err)
		}
		dt.EnvFile = envFile.Path
	}
	dt.Env = MergeEnv(d.defaults(), env)
	return dt, nil
}

func (d *Detector) defaults() map[string]string {
	if d.Defaults == nil {
		return DefaultEnv
	}
	return d.Defaults
}

// nearest picks the shallowest match; ties go to the earlier candidate.
func nearest(ms []Match) Match {
	var best Match
	for _, m := range ms {
		if m.Found() && (!best.Found() || m.Depth < best.Depth) {
			best = m
		}
	}
	return best
}
