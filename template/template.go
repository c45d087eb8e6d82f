// Package template loads starter project templates: named sets of files
// used to seed a new workspace before the runtime boots.
//
// Templates are YAML manifests:
//
//	name: vite-react
//	description: React + Vite starter
//	files:
//	  - path: package.json
//	    content: |
//	      {...}
//
// Built-in templates ship with the binary; user templates live as .yaml
// files under the config directory's templates/ subdirectory and shadow
// built-ins with the same name.
package template

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manifest describes one starter template.
type Manifest struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	Files       []File `yaml:"files"`
}

// File is one file seeded into a fresh workspace.
type File struct {
	Path    string `yaml:"path"`
	Content string `yaml:"content"`
}

// Load reads and parses a single template manifest file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read template: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse template %s: %w", path, err)
	}

	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid template %s: %w", path, err)
	}

	return &m, nil
}

// LoadDir reads all .yaml/.yml manifests in dir, keyed by template name.
// A missing directory is not an error; it returns an empty map.
func LoadDir(dir string) (map[string]*Manifest, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return map[string]*Manifest{}, nil
	}
	if err != nil {
		return nil, err
	}

	out := make(map[string]*Manifest)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		m, err := Load(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		out[m.Name] = m
	}
	return out, nil
}

// Resolve returns the template with the given name, preferring user
// templates in userDir over built-ins. An empty userDir skips the
// user lookup.
func Resolve(name, userDir string) (*Manifest, error) {
	if userDir != "" {
		user, err := LoadDir(userDir)
		if err != nil {
			return nil, err
		}
		if m, ok := user[name]; ok {
			return m, nil
		}
	}
	if m, ok := builtins[name]; ok {
		return m, nil
	}
	return nil, fmt.Errorf("unknown template: %s", name)
}

// Names returns the sorted names of all built-in templates.
func Names() []string {
	names := make([]string, 0, len(builtins))
	for name := range builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks the manifest for a usable name and safe, unique file paths.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("template has no name")
	}

	seen := make(map[string]bool, len(m.Files))
	for _, f := range m.Files {
		if f.Path == "" {
			return fmt.Errorf("template %s has a file with empty path", m.Name)
		}
		clean := filepath.ToSlash(filepath.Clean(f.Path))
		if strings.HasPrefix(clean, "/") || clean == ".." || strings.HasPrefix(clean, "../") {
			return fmt.Errorf("template %s: path escapes workspace: %s", m.Name, f.Path)
		}
		if seen[clean] {
			return fmt.Errorf("template %s: duplicate path: %s", m.Name, clean)
		}
		seen[clean] = true
	}
	return nil
}

// FileList returns a copy of the manifest's files with cleaned,
// slash-separated paths, ready to seed a workspace.
func (m *Manifest) FileList() []File {
	out := make([]File, len(m.Files))
	for i, f := range m.Files {
		out[i] = File{
			Path:    filepath.ToSlash(filepath.Clean(f.Path)),
			Content: f.Content,
		}
	}
	return out
}
