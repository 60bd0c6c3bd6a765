package schema

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ReadEntityFile reads and parses an entity JSON file from the given path.
func ReadEntityFile(path string) (*Entity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read entity file %s: %w", path, err)
	}

	var e Entity
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to parse entity file %s: %w", path, err)
	}

	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("invalid entity file %s: %w", path, err)
	}

	return &e, nil
}

// WriteEntityFile writes an entity to dir/{Type}.{id}.json.
// The file is written to a temporary name first and renamed into place so
// watchers never observe a partial file.
func WriteEntityFile(dir string, e Entity) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("cannot write invalid entity: %w", err)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create entity directory: %w", err)
	}

	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal entity %s: %w", e.Key(), err)
	}

	path := filepath.Join(dir, e.Filename())
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write entity file %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to rename entity file %s: %w", path, err)
	}

	return nil
}

// DeleteEntityFile removes the file for key from dir. A missing file is not
// an error.
func DeleteEntityFile(dir string, key Key) error {
	path := filepath.Join(dir, Entity{Type: key.Type, ID: key.ID}.Filename())
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete entity file %s: %w", path, err)
	}
	return nil
}

// KeyFromFilename parses a {Type}.{id}.json filename.
func KeyFromFilename(name string) (Key, bool) {
	base := filepath.Base(name)
	if !strings.HasSuffix(base, ".json") {
		return Key{}, false
	}
	base = strings.TrimSuffix(base, ".json")
	typ, id, ok := strings.Cut(base, ".")
	if !ok || id == "" {
		return Key{}, false
	}
	t := EntityType(typ)
	if !t.Valid() {
		return Key{}, false
	}
	return Key{Type: t, ID: id}, true
}

// ReadAllEntityFiles reads every entity file in dir.
// Invalid files are skipped with a warning to stderr.
func ReadAllEntityFiles(dir string) ([]*Entity, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*Entity{}, nil
		}
		return nil, fmt.Errorf("failed to read entity directory: %w", err)
	}

	var out []*Entity
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if _, ok := KeyFromFilename(entry.Name()); !ok {
			continue
		}

		e, err := ReadEntityFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: skipping invalid entity file %s: %v\n", entry.Name(), err)
			continue
		}
		out = append(out, e)
	}

	return out, nil
}
