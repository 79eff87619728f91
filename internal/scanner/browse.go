package scanner

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/TechnicallyBob202/FrameTagger/internal/apperr"
)

type Entry struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

type Listing struct {
	CurrentPath string  `json:"current_path"`
	ParentPath  string  `json:"parent_path"`
	Folders     []Entry `json:"folders"`
}

// CheckAllowed resolves path to a clean absolute directory and rejects it when
// it lies outside the configured root.
func (s *Scanner) CheckAllowed(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", apperr.Invalid("path", "must not be empty")
	}
	abs, err := filepath.Abs(filepath.FromSlash(path))
	if err != nil {
		return "", apperr.Invalid("path", err.Error())
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", apperr.NotFound("directory", abs)
		}
		return "", err
	}
	st, err := os.Stat(resolved)
	if err != nil {
		return "", err
	}
	if !st.IsDir() {
		return "", apperr.Invalid("path", abs+" is not a directory")
	}

	if s.opts.Root == "" {
		return resolved, nil
	}
	root, err := s.resolvedRoot()
	if err != nil {
		return "", err
	}
	if !within(root, resolved) {
		return "", &apperr.PathTraversalError{Path: path, Root: s.opts.Root}
	}
	return resolved, nil
}

func (s *Scanner) resolvedRoot() (string, error) {
	abs, err := filepath.Abs(s.opts.Root)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}

func within(root, path string) bool {
	return path == root || strings.HasPrefix(path, strings.TrimSuffix(root, string(os.PathSeparator))+string(os.PathSeparator))
}

// Browse lists the visible subdirectories of path. An empty path starts at
// the root, or the home directory when no root is configured.
func (s *Scanner) Browse(path string) (Listing, error) {
	if strings.TrimSpace(path) == "" {
		path = s.opts.Root
		if path == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				home = string(os.PathSeparator)
			}
			path = home
		}
	}
	current, err := s.CheckAllowed(path)
	if err != nil {
		return Listing{}, err
	}

	entries, err := os.ReadDir(current)
	if err != nil {
		return Listing{}, err
	}
	out := Listing{CurrentPath: current, Folders: []Entry{}}
	for _, e := range entries {
		if isHidden(e.Name()) {
			continue
		}
		full := filepath.Join(current, e.Name())
		if !e.IsDir() {
			// Follow symlinked directories, but keep them inside the root.
			if e.Type()&os.ModeSymlink == 0 {
				continue
			}
			if _, err := s.CheckAllowed(full); err != nil {
				continue
			}
		}
		out.Folders = append(out.Folders, Entry{Name: e.Name(), Path: full})
	}
	sort.Slice(out.Folders, func(i, j int) bool {
		return strings.ToLower(out.Folders[i].Name) < strings.ToLower(out.Folders[j].Name)
	})

	parent := filepath.Dir(current)
	switch {
	case parent == current:
	case s.opts.Root != "":
		root, err := s.resolvedRoot()
		if err == nil && current != root && within(root, parent) {
			out.ParentPath = parent
		}
	default:
		out.ParentPath = parent
	}
	return out, nil
}
