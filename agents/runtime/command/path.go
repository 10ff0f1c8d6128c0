package command

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/coreagent/platform/agents/runtime/apperrors"
)

// ResolvePath joins arg onto root; if the result exists, canonicalize it and
// require that the canonical path is still rooted at root; if it doesn't
// exist, canonicalize its parent instead (the file itself may be about to be
// created) and apply the same containment check. root must already be
// canonical. Any symlink in the resolved path must itself land inside root;
// an unresolvable or escaping symlink fails closed. Exported so other
// session-scoped RPC handlers (gateway's file read/write) can reuse the same
// containment logic as command execution instead of a lexical-only check.
func ResolvePath(root, arg string) (string, error) {
	return resolvePath(root, arg)
}

func resolvePath(root, arg string) (string, error) {
	candidate := filepath.Join(root, arg)

	if _, err := os.Lstat(candidate); err == nil {
		canonical, err := filepath.EvalSymlinks(candidate)
		if err != nil {
			return "", apperrors.Permission("cannot resolve path", err)
		}
		if !isDescendant(root, canonical) {
			return "", apperrors.Permission("path escapes workspace", nil)
		}
		return canonical, nil
	}

	parent := filepath.Dir(candidate)
	canonicalParent, err := filepath.EvalSymlinks(parent)
	if err != nil {
		return "", apperrors.Permission("parent directory does not exist", err)
	}
	if !isDescendant(root, canonicalParent) {
		return "", apperrors.Permission("path escapes workspace", nil)
	}
	return filepath.Join(canonicalParent, filepath.Base(candidate)), nil
}

// ResolvePathAllowingMissing behaves like ResolvePath but tolerates arg
// pointing at a file nested under directories that don't exist yet (the
// caller is about to os.MkdirAll them). It walks up from the candidate to
// the nearest existing ancestor, canonicalizes and contains *that*, then
// rejoins the still-to-be-created remainder. Every existing path segment is
// still symlink-checked; only segments that don't exist yet (and so cannot
// be symlinks) skip the check.
func ResolvePathAllowingMissing(root, arg string) (string, error) {
	candidate := filepath.Clean(filepath.Join(root, arg))
	if !isDescendant(root, candidate) {
		return "", apperrors.Permission("path escapes workspace", nil)
	}

	dir := candidate
	for {
		if _, err := os.Lstat(dir); err == nil {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", apperrors.Permission("path escapes workspace", nil)
		}
		dir = parent
	}

	canonicalDir, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return "", apperrors.Permission("cannot resolve path", err)
	}
	if !isDescendant(root, canonicalDir) {
		return "", apperrors.Permission("path escapes workspace", nil)
	}

	remainder, err := filepath.Rel(dir, candidate)
	if err != nil {
		return "", apperrors.Permission("cannot resolve path", err)
	}
	return filepath.Join(canonicalDir, remainder), nil
}

func isDescendant(root, candidate string) bool {
	rel, err := filepath.Rel(root, candidate)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return !strings.HasPrefix(rel, "..")
}
