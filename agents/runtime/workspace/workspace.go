// Package workspace manages the per-session directory lifecycle that bounds
// every file operation the sandbox, the safe command executor, and the tool
// executor perform on behalf of a session.
package workspace

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/coreagent/platform/agents/runtime/apperrors"
	"github.com/coreagent/platform/agents/runtime/telemetry"
)

// Manager lazily creates and tracks per-session workspace directories rooted
// at a single configured root. Every path Manager hands back is guaranteed
// to canonicalize to a descendant of that root.
type Manager struct {
	root   string
	logger telemetry.Logger

	mu        sync.Mutex
	resolved  map[string]string // sessionID -> canonical workspace path
}

// New constructs a Manager rooted at root. root is canonicalized eagerly so
// every later containment check compares against a stable value.
func New(root string, logger telemetry.Logger) (*Manager, error) {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, apperrors.Internal("resolve workspace root", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, apperrors.Internal("create workspace root", err)
	}
	canonical, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, apperrors.Internal("canonicalize workspace root", err)
	}
	return &Manager{root: canonical, logger: logger, resolved: make(map[string]string)}, nil
}

// Root returns the canonicalized workspaces root directory.
func (m *Manager) Root() string { return m.root }

// validSessionID rejects session identifiers that could be used to escape
// the workspaces root: path separators, traversal tokens, and empty values.
func validSessionID(sessionID string) bool {
	if sessionID == "" {
		return false
	}
	if strings.ContainsAny(sessionID, `/\`) {
		return false
	}
	if sessionID == "." || sessionID == ".." {
		return false
	}
	return true
}

// GetWorkspace returns the directory for sessionID, creating it if it does
// not yet exist. The returned path always canonicalizes to a descendant of
// Root(); GetWorkspace fails closed with a KindPermission error otherwise.
func (m *Manager) GetWorkspace(ctx context.Context, sessionID string) (string, error) {
	if !validSessionID(sessionID) {
		return "", apperrors.Permission("invalid session id", nil)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if path, ok := m.resolved[sessionID]; ok {
		return path, nil
	}

	dir := filepath.Join(m.root, sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", apperrors.Internal("create session workspace", err)
	}
	canonical, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return "", apperrors.Internal("canonicalize session workspace", err)
	}
	if !isDescendant(m.root, canonical) {
		return "", apperrors.Permission("session workspace escapes workspaces root", nil)
	}

	m.resolved[sessionID] = canonical
	m.logger.Debug(ctx, "workspace ready", "session_id", sessionID, "path", canonical)
	return canonical, nil
}

// GetWorkspaceSize walks the session's workspace tree and returns the sum of
// regular file sizes. Callers performing this from a hot path should
// offload it to a worker pool: this method itself is synchronous.
func (m *Manager) GetWorkspaceSize(ctx context.Context, sessionID string) (int64, error) {
	dir, err := m.GetWorkspace(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	var total int64
	err = filepath.Walk(dir, func(_ string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, apperrors.Internal("walk workspace", err)
	}
	return total, nil
}

// EnforceQuota returns a KindResource error if adding additionalBytes to the
// session's current workspace usage would exceed capBytes. Callers invoke
// this before writing new file content.
func (m *Manager) EnforceQuota(ctx context.Context, sessionID string, additionalBytes, capBytes int64) error {
	if capBytes <= 0 {
		return nil
	}
	used, err := m.GetWorkspaceSize(ctx, sessionID)
	if err != nil {
		return err
	}
	if used+additionalBytes > capBytes {
		return apperrors.Resource("workspace quota exceeded", nil)
	}
	return nil
}

// isDescendant reports whether candidate is root itself or a descendant of
// root, compared on canonicalized paths.
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
