package runtime

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/MinLL/inja/nodes"
)

// Loader loads template source by name.
type Loader interface {
	Load(name string) (string, error)
}

// FileSystemLoader loads templates from one or more base directories,
// searched in order.
type FileSystemLoader struct {
	basePaths []string
	mu        sync.RWMutex
}

// NewFileSystemLoader creates a file system loader. When no paths are given
// it defaults to the current working directory.
func NewFileSystemLoader(basePaths ...string) *FileSystemLoader {
	paths := filteredSearchPaths(basePaths)
	if len(paths) == 0 {
		paths = []string{"."}
	}
	return &FileSystemLoader{basePaths: paths}
}

// Load reads the first matching file on the search path.
func (l *FileSystemLoader) Load(name string) (string, error) {
	l.mu.RLock()
	basePaths := append([]string(nil), l.basePaths...)
	l.mu.RUnlock()

	var tried []string
	for _, basePath := range basePaths {
		fullPath := filepath.Join(basePath, name)
		tried = append(tried, fullPath)

		data, err := os.ReadFile(fullPath)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return "", &Error{Kind: ErrFile, Message: fmt.Sprintf("failed accessing file at '%s'", fullPath), Cause: err}
		}
		return string(data), nil
	}

	return "", &Error{
		Kind:     ErrFile,
		Message:  fmt.Sprintf("template %s not found (tried: %s)", name, strings.Join(tried, ", ")),
		Location: nodes.SourceLocation{},
		Cause:    os.ErrNotExist,
	}
}

// SetSearchPath replaces the search path list. A copy is stored so callers
// can mutate their slice afterwards.
func (l *FileSystemLoader) SetSearchPath(paths ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	filtered := filteredSearchPaths(paths)
	if len(filtered) == 0 {
		filtered = []string{"."}
	}
	l.basePaths = filtered
}

// AddSearchPath appends a search path. Empty paths are ignored.
func (l *FileSystemLoader) AddSearchPath(path string) {
	if path == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.basePaths = append(l.basePaths, path)
}

// SearchPath returns a copy of the configured search paths.
func (l *FileSystemLoader) SearchPath() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]string(nil), l.basePaths...)
}

func filteredSearchPaths(paths []string) []string {
	filtered := make([]string, 0, len(paths))
	for _, p := range paths {
		if p == "" {
			continue
		}
		filtered = append(filtered, p)
	}
	return filtered
}

// MapLoader loads templates from an in-memory map.
type MapLoader struct {
	templates map[string]string
	mu        sync.RWMutex
}

// NewMapLoader creates a map loader over the given templates.
func NewMapLoader(templates map[string]string) *MapLoader {
	return &MapLoader{templates: templates}
}

// Load returns the named template source.
func (l *MapLoader) Load(name string) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	source, ok := l.templates[name]
	if !ok {
		return "", &Error{Kind: ErrFile, Message: fmt.Sprintf("template %s not found", name), Cause: os.ErrNotExist}
	}
	return source, nil
}
