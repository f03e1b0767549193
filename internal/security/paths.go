// Package security checks paths and names that arrive over the admin
// routes before anything is written to disk.
package security

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrOutsideRoot is returned when a path resolves outside its root.
var ErrOutsideRoot = errors.New("path escapes root directory")

// maxNameLen bounds names produced by SanitizeName.
const maxNameLen = 96

// WithinRoot reports an error unless path, with symlinks resolved, lies
// inside root. path need not exist yet: the longest existing prefix is
// resolved and the rest is appended, so a missing file under a symlinked
// directory is still caught. root must exist.
func WithinRoot(path, root string) error {
	canonicalRoot, err := resolve(root)
	if err != nil {
		return fmt.Errorf("resolve root %s: %w", root, err)
	}
	canonicalPath, err := resolveExistingPrefix(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}
	rel, err := filepath.Rel(canonicalRoot, canonicalPath)
	if err != nil || !filepath.IsLocal(rel) {
		return fmt.Errorf("%w: %s is not under %s", ErrOutsideRoot, path, root)
	}
	return nil
}

func resolve(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}

func resolveExistingPrefix(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	var rest []string
	for dir := abs; ; dir = filepath.Dir(dir) {
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			return filepath.Join(append([]string{resolved}, rest...)...), nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return abs, nil
		}
		rest = append([]string{filepath.Base(dir)}, rest...)
	}
}

// SanitizeName turns a caller-supplied label into a single path element:
// runs of characters outside [A-Za-z0-9._-] become one underscore, leading
// dots and underscores are dropped, and the result is truncated. An empty
// result becomes def.
func SanitizeName(s, def string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		if b.Len() >= maxNameLen {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
			lastUnderscore = r == '_'
		case !lastUnderscore:
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return def
	}
	return out
}
