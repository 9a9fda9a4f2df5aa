package detect

import (
	"io/fs"
	"os"
	"path/filepath"
)

// Predicate reports whether a regular file matches. name is the base name.
type Predicate func(name string) bool

// Match is the shallowest hit for one predicate. Depth counts directories
// below root, so a file directly in root has depth 0. An empty Path means
// nothing matched.
type Match struct {
	Path  string
	Depth int
}

func (m Match) Found() bool { return m.Path != "" }

// FindShallowest walks root breadth-first and returns one Match per
// predicate. Entries are read in lexical order, so equal-depth ties go to
// the lexically first path. Directories whose name is in skip are never
// entered. The walk ends as soon as every predicate has a match.
func FindShallowest(root string, preds []Predicate, skip map[string]bool) ([]Match, error) {
	out := make([]Match, len(preds))
	remaining := len(preds)
	if remaining == 0 {
		return out, nil
	}

	level := []string{root}
	for depth := 0; len(level) > 0; depth++ {
		var next []string
		for _, dir := range level {
			entries, err := os.ReadDir(dir)
			if err != nil {
				if dir == root {
					return nil, err
				}
				// unreadable subdir, lanjut saja
				continue
			}
			for _, e := range entries {
				p := filepath.Join(dir, e.Name())
				if e.IsDir() {
					if !skip[e.Name()] {
						next = append(next, p)
					}
					continue
				}
				if !e.Type().IsRegular() && e.Type()&fs.ModeSymlink == 0 {
					continue
				}
				for i, pred := range preds {
					if out[i].Found() || !pred(e.Name()) {
						continue
					}
					out[i] = Match{Path: p, Depth: depth}
					remaining--
					if remaining == 0 {
						return out, nil
					}
				}
			}
		}
		level = next
	}
	return out, nil
}

// nameIs builds a predicate matching any of names exactly.
func nameIs(names ...string) Predicate {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return func(name string) bool { return set[name] }
}
