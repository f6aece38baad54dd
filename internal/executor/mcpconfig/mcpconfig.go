// Package mcpconfig edits agent MCP configuration files. Each agent
// keeps its server map at a different key path inside a JSON or TOML
// document; everything outside that map is opaque user data and must
// survive an edit byte-for-semantics.
package mcpconfig

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

// Format of the configuration document.
type Format string

const (
	FormatJSON Format = "json"
	FormatTOML Format = "toml"
)

// ErrNotServerMap is returned when the configured key path exists but
// does not hold a map.
var ErrNotServerMap = errors.New("mcpconfig: servers key is not a map")

// Spec locates one agent's server map.
type Spec struct {
	// Path is the config file location. A missing file is treated as
	// an empty document.
	Path   string
	Format Format
	// ServersPath is the nested key path to the server map, for
	// example ["mcpServers"] or ["mcp", "servers"].
	ServersPath []string
}

// ReadServers returns the current server map, empty when the file or
// the key path does not exist.
func ReadServers(spec Spec) (map[string]any, error) {
	doc, err := load(spec)
	if err != nil {
		return nil, err
	}
	servers, err := navigate(doc, spec.ServersPath, false)
	if err != nil {
		return nil, err
	}
	if servers == nil {
		return map[string]any{}, nil
	}
	return servers, nil
}

// ApplyServers merges the given server definitions into the document's
// server map and writes the file back. Existing servers with the same
// name are replaced; other servers and all unrelated keys are
// preserved. The write is atomic.
func ApplyServers(spec Spec, servers map[string]any) error {
	doc, err := load(spec)
	if err != nil {
		return err
	}
	target, err := navigate(doc, spec.ServersPath, true)
	if err != nil {
		return err
	}
	for name, def := range servers {
		target[name] = def
	}
	return store(spec, doc)
}

// RemoveServers deletes the named servers, leaving everything else
// untouched. Unknown names are ignored.
func RemoveServers(spec Spec, names ...string) error {
	doc, err := load(spec)
	if err != nil {
		return err
	}
	target, err := navigate(doc, spec.ServersPath, false)
	if err != nil {
		return err
	}
	if target == nil {
		return nil
	}
	for _, name := range names {
		delete(target, name)
	}
	return store(spec, doc)
}

func load(spec Spec) (map[string]any, error) {
	data, err := os.ReadFile(spec.Path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", spec.Path, err)
	}
	doc := map[string]any{}
	if len(data) == 0 {
		return doc, nil
	}
	switch spec.Format {
	case FormatTOML:
		if err := toml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", spec.Path, err)
		}
	default:
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", spec.Path, err)
		}
	}
	return doc, nil
}

func store(spec Spec, doc map[string]any) error {
	var data []byte
	var err error
	switch spec.Format {
	case FormatTOML:
		data, err = toml.Marshal(doc)
	default:
		data, err = json.MarshalIndent(doc, "", "  ")
		data = append(data, '\n')
	}
	if err != nil {
		return fmt.Errorf("encode %s: %w", spec.Path, err)
	}

	dir := filepath.Dir(spec.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".mcpconfig-*")
	if err != nil {
		return fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), spec.Path); err != nil {
		return fmt.Errorf("replace %s: %w", spec.Path, err)
	}
	return nil
}

// navigate walks the key path, optionally creating missing levels.
// Returns nil (no error) when the path is absent and create is false.
func navigate(doc map[string]any, path []string, create bool) (map[string]any, error) {
	if len(path) == 0 {
		return doc, nil
	}
	current := doc
	for _, key := range path {
		next, ok := current[key]
		if !ok {
			if !create {
				return nil, nil
			}
			child := map[string]any{}
			current[key] = child
			current = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: key %q", ErrNotServerMap, key)
		}
		current = child
	}
	return current, nil
}
