// Package entrypoint locates the script a deployment is launched with.
//
// Search order:
//  1. the priority names (main, app, bot, index, start, run + extension)
//     directly under the root; the first hit wins outright, so a root-level
//     file always beats anything nested;
//  2. a walk of the subtree, applying the same priority check in each visited
//     directory; the first directory with a hit wins;
//  3. the first file with the extension seen during that walk.
//
// Walk order is filepath.WalkDir order, which is lexical. That makes the
// result reproducible in Go, but "first directory" and "first file" are still
// artifacts of traversal order rather than anything the uploader chose; two
// nested candidates at different paths are picked by name sort, not intent.
package entrypoint

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

var ErrNotFound = errors.New("no entry point found")

// PriorityNames are the entry point base names, highest priority first.
var PriorityNames = []string{"main", "app", "bot", "index", "start", "run"}

// Resolver finds entry points for one script extension.
type Resolver struct {
	Ext string
}

func New(ext string) Resolver {
	if ext == "" {
		ext = ".py"
	}
	return Resolver{Ext: ext}
}

// Resolve returns the script path and the directory it should run in.
func (r Resolver) Resolve(root string) (script, workDir string, err error) {
	ext := r.Ext
	if ext == "" {
		ext = ".py"
	}
	fi, err := os.Stat(root)
	if err != nil || !fi.IsDir() {
		return "", "", ErrNotFound
	}
	if p, ok := r.priorityIn(root, ext); ok {
		return p, root, nil
	}

	var fallback string
	var found string
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// unreadable subtree: skip it, keep walking
			if d != nil && d.IsDir() && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if path == root {
				return nil
			}
			if SkipDir(d.Name()) {
				return filepath.SkipDir
			}
			if p, ok := r.priorityIn(path, ext); ok {
				found = p
				return filepath.SkipAll
			}
			return nil
		}
		if fallback == "" && d.Type().IsRegular() && strings.EqualFold(filepath.Ext(d.Name()), ext) {
			fallback = path
		}
		return nil
	})
	if walkErr != nil {
		return "", "", walkErr
	}
	if found == "" {
		found = fallback
	}
	if found == "" {
		return "", "", ErrNotFound
	}
	return found, filepath.Dir(found), nil
}

func (r Resolver) priorityIn(dir, ext string) (string, bool) {
	for _, name := range PriorityNames {
		p := filepath.Join(dir, name+ext)
		if fi, err := os.Stat(p); err == nil && fi.Mode().IsRegular() {
			return p, true
		}
	}
	return "", false
}

// SkipDir reports version-control and cache directories that are never
// searched for entry points, credentials or recipients.
func SkipDir(name string) bool {
	switch name {
	case ".git", ".hg", ".svn", "__pycache__", ".mypy_cache", ".pytest_cache":
		return true
	}
	return false
}
