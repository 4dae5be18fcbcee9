package workspace

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Manager owns per-request scratch directories under a common root. A deploy request keeps
// its extracted manifest archive and transient kubeconfig there.
type Manager struct {
	root   string
	logger *slog.Logger
}

// New ensures the workspace root exists.
func New(root string, logger *slog.Logger) (*Manager, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("workspace root cannot be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o700); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{root: abs, logger: logger}, nil
}

// Root returns the absolute workspace root.
func (m *Manager) Root() string {
	return m.root
}

// Prepare creates a fresh private directory named after identifier plus a random suffix,
// so concurrent requests with the same identifier never share state.
func (m *Manager) Prepare(identifier string) (string, error) {
	if identifier == "" || strings.ContainsAny(identifier, `/\*`) || identifier == "." || identifier == ".." {
		return "", fmt.Errorf("invalid workspace identifier %q", identifier)
	}
	dir, err := os.MkdirTemp(m.root, identifier+"-*")
	if err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	return dir, nil
}

// Cleanup removes a workspace directory. Paths outside the root are refused.
func (m *Manager) Cleanup(path string) error {
	if path == "" {
		return nil
	}
	rel, err := filepath.Rel(m.root, path)
	if err != nil || rel == "." || rel == "" || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refusing to cleanup path outside workspace root")
	}
	return os.RemoveAll(path)
}

// CleanupByName removes the workspace directory called name under the root.
func (m *Manager) CleanupByName(name string) error {
	if name == "" {
		return fmt.Errorf("workspace name cannot be empty")
	}
	return m.Cleanup(filepath.Join(m.root, name))
}

// Release removes path and logs instead of failing; meant for deferred cleanup.
func (m *Manager) Release(path string) {
	if err := m.Cleanup(path); err != nil {
		m.logger.Warn("workspace cleanup failed", "path", path, "error", err)
	}
}

// Sweep removes workspaces last modified before now minus maxAge. It returns how many
// directories were removed. Used at startup to clear leftovers of a crashed process.
func (m *Manager) Sweep(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return 0, fmt.Errorf("read workspace root: %w", err)
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := m.CleanupByName(entry.Name()); err != nil {
			m.logger.Warn("stale workspace not removed", "workspace", entry.Name(), "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}
