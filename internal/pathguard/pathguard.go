// Package pathguard resolves caller supplied relative paths against a storage
// root and rejects anything that would land outside of it, whether through
// ".." segments, encoded separators or symlinked directories.
package pathguard

import (
	"errors"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/example/filevault/internal/apperr"
)

// Guard resolves paths against a fixed root. The root is canonicalized once at
// construction.
type Guard struct {
	root string
}

// New returns a Guard for root. The root must exist.
func New(root string) (*Guard, error) {
	canon, err := canonical(root)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidInput, "pathguard.new", err)
	}
	return &Guard{root: canon}, nil
}

// Root returns the canonical root.
func (g *Guard) Root() string {
	return g.root
}

// Resolve returns the absolute path of candidate under the root.
func (g *Guard) Resolve(candidate string) (string, error) {
	return resolve(g.root, candidate)
}

// Join resolves a relative slash path that is already decoded, such as one
// returned by Rel. Unlike Resolve it applies no percent decoding.
func (g *Guard) Join(rel string) (string, error) {
	if strings.ContainsRune(rel, 0) {
		return "", apperr.WithOp(apperr.ErrInvalidPath, "pathguard.join")
	}
	return resolveNormalized(g.root, strings.TrimLeft(filepath.ToSlash(rel), "/"))
}

// Rel returns abs relative to the root using forward slashes.
func (g *Guard) Rel(abs string) (string, error) {
	rel, err := filepath.Rel(g.root, abs)
	if err != nil || !isLocal(rel) {
		return "", apperr.WithOp(apperr.ErrPathEscape, "pathguard.rel")
	}
	return filepath.ToSlash(rel), nil
}

// Resolve validates candidate against root and returns the absolute path.
func Resolve(root, candidate string) (string, error) {
	canon, err := canonical(root)
	if err != nil {
		return "", apperr.WithOp(apperr.ErrInvalidPath, "pathguard.resolve")
	}
	return resolve(canon, candidate)
}

// Normalize decodes percent escapes, converts backslashes to forward slashes
// and strips leading separators. The result is a slash separated relative path
// that may still contain "..".
func Normalize(candidate string) (string, error) {
	decoded, err := url.PathUnescape(candidate)
	if err != nil {
		return "", apperr.WithOp(apperr.ErrInvalidPath, "pathguard.normalize")
	}
	if strings.ContainsRune(decoded, 0) {
		return "", apperr.WithOp(apperr.ErrInvalidPath, "pathguard.normalize")
	}
	decoded = strings.ReplaceAll(decoded, `\`, "/")
	return strings.TrimLeft(decoded, "/"), nil
}

func resolve(realRoot, candidate string) (string, error) {
	normalized, err := Normalize(candidate)
	if err != nil {
		return "", err
	}
	return resolveNormalized(realRoot, normalized)
}

func resolveNormalized(realRoot, normalized string) (string, error) {
	const op = "pathguard.resolve"

	target := filepath.Join(realRoot, filepath.FromSlash(normalized))
	rel, err := filepath.Rel(realRoot, target)
	if err != nil || !isLocal(rel) {
		return "", apperr.WithOp(apperr.ErrPathEscape, op)
	}

	dir, err := canonicalExisting(filepath.Dir(target))
	if err != nil {
		return "", apperr.WithOp(apperr.ErrInvalidPath, op)
	}
	if !within(realRoot, dir) {
		return "", apperr.WithOp(apperr.ErrPathEscape, op)
	}
	return target, nil
}

// canonicalExisting canonicalizes the deepest existing ancestor of p and
// re-appends the part that does not exist yet. The missing tail cannot hold
// symlinks, so the result is canonical.
func canonicalExisting(p string) (string, error) {
	var missing []string
	cur := p
	for {
		canon, err := filepath.EvalSymlinks(cur)
		if err == nil {
			info, err := os.Stat(canon)
			if err != nil {
				return "", err
			}
			if !info.IsDir() {
				return "", &fs.PathError{Op: "stat", Path: canon, Err: errors.New("not a directory")}
			}
			for i := len(missing) - 1; i >= 0; i-- {
				canon = filepath.Join(canon, missing[i])
			}
			return canon, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", err
		}
		missing = append(missing, filepath.Base(cur))
		cur = parent
	}
}

func canonical(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	canon, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(canon)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", &fs.PathError{Op: "stat", Path: canon, Err: errors.New("not a directory")}
	}
	return canon, nil
}

func within(root, p string) bool {
	if p == root {
		return true
	}
	prefix := root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(p, prefix)
}

func isLocal(rel string) bool {
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}
