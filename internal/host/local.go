package host

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
)

// SettingsStore persists key/value settings. Satisfied by the store
// package; kept as an interface so Local has no database dependency.
type SettingsStore interface {
	AllSettings() (map[string]string, error)
	PutSetting(key, value string) error
}

// Local implements API against the local machine: files under a workspace
// root, git via the git binary, and terminal sessions backed by tmux
// (sessions are named with the registry's session id, so capture and
// input address them directly).
type Local struct {
	root     string
	settings SettingsStore

	mu sync.Mutex // serializes tmux invocations
}

// LocalOpts holds parameters for creating a Local host.
type LocalOpts struct {
	Root     string
	Settings SettingsStore // optional; settings become read-only no-ops when nil
}

// NewLocal creates a Local host rooted at the given workspace directory.
func NewLocal(opts LocalOpts) (*Local, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("host: workspace root is required")
	}
	abs, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("host: resolve root %s: %w", opts.Root, err)
	}
	return &Local{root: abs, settings: opts.Settings}, nil
}

// resolve joins a workspace-relative path against the root, rejecting
// traversal outside it.
func (l *Local) resolve(rel string) (string, error) {
	full := filepath.Join(l.root, filepath.FromSlash(rel))
	full = filepath.Clean(full)
	if full != l.root && !strings.HasPrefix(full, l.root+string(filepath.Separator)) {
		return "", fmt.Errorf("host: path escapes workspace: %s", rel)
	}
	return full, nil
}

func (l *Local) WorkspaceInfo(ctx context.Context) (*WorkspaceInfo, error) {
	info := &WorkspaceInfo{
		Name: filepath.Base(l.root),
		Root: l.root,
	}
	out, err := l.git(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err == nil {
		info.GitBranch = strings.TrimSpace(out)
	}
	return info, nil
}

func (l *Local) ReadFile(ctx context.Context, path string) (string, error) {
	full, err := l.resolve(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "", fmt.Errorf("host: read %s: %w", path, err)
	}
	return string(data), nil
}

func (l *Local) WriteFile(ctx context.Context, path, content string) error {
	full, err := l.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("host: write %s: %w", path, err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return fmt.Errorf("host: write %s: %w", path, err)
	}
	return nil
}

func (l *Local) ListDirectory(ctx context.Context, path string) ([]DirEntry, error) {
	full, err := l.resolve(path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		return nil, fmt.Errorf("host: list %s: %w", path, err)
	}
	out := make([]DirEntry, 0, len(entries))
	for _, e := range entries {
		de := DirEntry{Name: e.Name(), IsDir: e.IsDir()}
		if info, err := e.Info(); err == nil {
			de.Size = info.Size()
		}
		out = append(out, de)
	}
	return out, nil
}

func (l *Local) GitStatus(ctx context.Context) (string, error) {
	out, err := l.git(ctx, "status", "--porcelain=v1", "-b")
	if err != nil {
		return "", fmt.Errorf("host: git status: %w", err)
	}
	return out, nil
}

// git runs a git command in the workspace root.
func (l *Local) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = l.root
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (l *Local) Settings(ctx context.Context) (map[string]string, error) {
	if l.settings == nil {
		return map[string]string{}, nil
	}
	settings, err := l.settings.AllSettings()
	if err != nil {
		return nil, fmt.Errorf("host: settings: %w", err)
	}
	return settings, nil
}

func (l *Local) UpdateSetting(ctx context.Context, key, value string) error {
	if l.settings == nil {
		return fmt.Errorf("host: settings store not configured")
	}
	if err := l.settings.PutSetting(key, value); err != nil {
		return fmt.Errorf("host: update setting %s: %w", key, err)
	}
	return nil
}

func (l *Local) CreateTerminal(ctx context.Context, id, name, cwd string) error {
	dir := cwd
	if dir == "" {
		dir = l.root
	}
	_, err := l.tmux(ctx, "new-session", "-d", "-s", id, "-c", dir)
	if err != nil {
		return fmt.Errorf("host: create terminal %s: %w", id, err)
	}
	return nil
}

func (l *Local) CaptureTerminal(ctx context.Context, id string) (string, error) {
	out, err := l.tmux(ctx, "capture-pane", "-p", "-t", id)
	if err != nil {
		return "", fmt.Errorf("host: capture terminal %s: %w", id, err)
	}
	return out, nil
}

func (l *Local) SendTerminalInput(ctx context.Context, id, text string) error {
	_, err := l.tmux(ctx, "send-keys", "-t", id, text, "Enter")
	if err != nil {
		return fmt.Errorf("host: send input to %s: %w", id, err)
	}
	return nil
}

func (l *Local) CloseTerminal(ctx context.Context, id string) error {
	_, err := l.tmux(ctx, "kill-session", "-t", id)
	if err != nil {
		return fmt.Errorf("host: close terminal %s: %w", id, err)
	}
	return nil
}

func (l *Local) OpenTerminals(ctx context.Context) ([]string, error) {
	out, err := l.tmux(ctx, "list-sessions", "-F", "#{session_name}")
	if err != nil {
		// No server running means no terminals, not a failure.
		if strings.Contains(err.Error(), "no server") {
			return nil, nil
		}
		return nil, fmt.Errorf("host: list terminals: %w", err)
	}
	var ids []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line != "" {
			ids = append(ids, line)
		}
	}
	return ids, nil
}

// tmux runs a tmux command. Invocations are serialized; tmux handles
// concurrent clients poorly on some platforms.
func (l *Local) tmux(ctx context.Context, args ...string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cmd := exec.CommandContext(ctx, "tmux", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("tmux %s: %v: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}
