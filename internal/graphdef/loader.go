package graphdef

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rendis/conviction/pkg/schema"
)

// LoadFile parses and shape-validates one definition document.
func LoadFile(path string) (*Definition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition %s: %w", path, err)
	}
	def, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse definition %s: %w", path, err)
	}
	return def, nil
}

// LoadDir loads every .json definition in a directory, keyed by graph_id.
// Duplicate graph ids across files are rejected.
func LoadDir(dir string) (map[string]*Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read definitions dir %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	defs := make(map[string]*Definition, len(names))
	for _, name := range names {
		def, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		if _, exists := defs[def.GraphID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeConflict,
				"graph id %q defined in more than one file", def.GraphID)
		}
		defs[def.GraphID] = def
	}
	return defs, nil
}
