package detect

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	domain "github.com/bryanwahyu/codeprobe/internal/domain/scans"
)

type composeFile struct {
	Services map[string]composeService `yaml:"services"`
}

type composeService struct {
	Image  string       `yaml:"image"`
	Build  composeBuild `yaml:"build"`
	Ports  []yaml.Node  `yaml:"ports"`
	Expose []yaml.Node  `yaml:"expose"`
}

// composeBuild accepts both `build: ./dir` and the long form.
type composeBuild struct {
	Set        bool
	Context    string
	Dockerfile string
}

func (b *composeBuild) UnmarshalYAML(n *yaml.Node) error {
	b.Set = true
	if n.Kind == yaml.ScalarNode {
		b.Context = n.Value
		return nil
	}
	var long struct {
		Context    string `yaml:"context"`
		Dockerfile string `yaml:"dockerfile"`
	}
	if err := n.Decode(&long); err != nil {
		return err
	}
	b.Context, b.Dockerfile = long.Context, long.Dockerfile
	return nil
}

// parseCompose returns one ServiceDecl per service that is built from the
// workspace and declares ports or expose. Image-only services are skipped.
func parseCompose(path string) ([]domain.ServiceDecl, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cf composeFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}

	base := filepath.Dir(path)
	var out []domain.ServiceDecl
	for name, svc := range cf.Services {
		if !svc.Build.Set {
			continue
		}
		if len(svc.Ports) == 0 && len(svc.Expose) == 0 {
			continue
		}
		ctxDir := svc.Build.Context
		if ctxDir == "" {
			ctxDir = "."
		}
		decl := domain.ServiceDecl{
			Name:       name,
			Context:    filepath.Clean(filepath.Join(base, ctxDir)),
			Dockerfile: svc.Build.Dockerfile,
		}
		for _, n := range svc.Ports {
			if p, ok := containerPort(n); ok {
				decl.Ports = append(decl.Ports, p)
			}
		}
		for _, n := range svc.Expose {
			if p, ok := containerPort(n); ok {
				decl.Ports = append(decl.Ports, p)
			}
		}
		out = append(out, decl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// containerPort extracts the container side of a ports/expose entry:
// "8080", "80:8080", "127.0.0.1:80:8080/tcp", 8080 or {target: 8080}.
func containerPort(n yaml.Node) (int, bool) {
	if n.Kind == yaml.MappingNode {
		var long struct {
			Target int `yaml:"target"`
		}
		if err := n.Decode(&long); err != nil || long.Target <= 0 {
			return 0, false
		}
		return long.Target, true
	}
	v := n.Value
	if i := strings.LastIndex(v, ":"); i >= 0 {
		v = v[i+1:]
	}
	v, _, _ = strings.Cut(v, "/")
	// ranges like 3000-3005 use the first port
	v, _, _ = strings.Cut(v, "-")
	p, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || p <= 0 || p > 65535 {
		return 0, false
	}
	return p, true
}
