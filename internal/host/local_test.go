package host

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestLocal(t *testing.T) (*Local, string) {
	t.Helper()
	root := t.TempDir()
	l, err := NewLocal(LocalOpts{Root: root})
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	return l, root
}

func TestNewLocal_RequiresRoot(t *testing.T) {
	if _, err := NewLocal(LocalOpts{}); err == nil {
		t.Fatal("expected error for empty root")
	}
}

func TestResolve_TraversalGuard(t *testing.T) {
	l, root := newTestLocal(t)

	tests := []struct {
		name    string
		rel     string
		wantErr bool
	}{
		{"plain file", "notes.md", false},
		{"nested file", "docs/readme.md", false},
		{"dot", ".", false},
		{"empty", "", false},
		{"parent escape", "../outside.txt", true},
		{"deep escape", "docs/../../outside.txt", true},
		{"sneaky absolute-ish", "../../etc/passwd", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := l.resolve(tt.rel)
			if tt.wantErr {
				if err == nil {
					t.Errorf("resolve(%q) = %q, want traversal error", tt.rel, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("resolve(%q): %v", tt.rel, err)
			}
			if got != root && !strings.HasPrefix(got, root+string(filepath.Separator)) {
				t.Errorf("resolve(%q) = %q, escapes root %q", tt.rel, got, root)
			}
		})
	}
}

func TestReadWriteFile_RoundTrip(t *testing.T) {
	l, _ := newTestLocal(t)
	ctx := context.Background()

	if err := l.WriteFile(ctx, "sub/dir/notes.md", "hello world"); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	got, err := l.ReadFile(ctx, "sub/dir/notes.md")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if got != "hello world" {
		t.Errorf("content = %q, want %q", got, "hello world")
	}
}

func TestReadFile_Missing(t *testing.T) {
	l, _ := newTestLocal(t)
	if _, err := l.ReadFile(context.Background(), "nope.txt"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestWriteFile_RejectsEscape(t *testing.T) {
	l, root := newTestLocal(t)
	if err := l.WriteFile(context.Background(), "../evil.txt", "x"); err == nil {
		t.Fatal("expected traversal error")
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(root), "evil.txt")); err == nil {
		t.Fatal("file written outside the workspace")
	}
}

func TestListDirectory(t *testing.T) {
	l, root := newTestLocal(t)
	ctx := context.Background()

	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("aa"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(root, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}

	entries, err := l.ListDirectory(ctx, "")
	if err != nil {
		t.Fatalf("ListDirectory: %v", err)
	}
	byName := make(map[string]DirEntry)
	for _, e := range entries {
		byName[e.Name] = e
	}
	if e, ok := byName["a.txt"]; !ok || e.IsDir || e.Size != 2 {
		t.Errorf("a.txt entry = %+v, want file of size 2", e)
	}
	if e, ok := byName["sub"]; !ok || !e.IsDir {
		t.Errorf("sub entry = %+v, want directory", e)
	}
}

func TestWorkspaceInfo_NoGitRepo(t *testing.T) {
	l, root := newTestLocal(t)
	info, err := l.WorkspaceInfo(context.Background())
	if err != nil {
		t.Fatalf("WorkspaceInfo: %v", err)
	}
	if info.Name != filepath.Base(root) {
		t.Errorf("Name = %q, want %q", info.Name, filepath.Base(root))
	}
	if info.Root != root {
		t.Errorf("Root = %q, want %q", info.Root, root)
	}
	// Not a git repo: branch stays empty rather than erroring.
	if info.GitBranch != "" {
		t.Errorf("GitBranch = %q, want empty outside a repo", info.GitBranch)
	}
}

func TestSettings_NoStore(t *testing.T) {
	l, _ := newTestLocal(t)
	ctx := context.Background()

	settings, err := l.Settings(ctx)
	if err != nil {
		t.Fatalf("Settings: %v", err)
	}
	if len(settings) != 0 {
		t.Errorf("settings = %v, want empty", settings)
	}
	if err := l.UpdateSetting(ctx, "theme", "dark"); err == nil {
		t.Error("expected error updating settings without a store")
	}
}

// memSettings is an in-memory SettingsStore.
type memSettings struct{ m map[string]string }

func (s *memSettings) AllSettings() (map[string]string, error) { return s.m, nil }
func (s *memSettings) PutSetting(key, value string) error {
	s.m[key] = value
	return nil
}

func TestSettings_WithStore(t *testing.T) {
	root := t.TempDir()
	mem := &memSettings{m: make(map[string]string)}
	l, err := NewLocal(LocalOpts{Root: root, Settings: mem})
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	ctx := context.Background()

	if err := l.UpdateSetting(ctx, "theme", "dark"); err != nil {
		t.Fatalf("UpdateSetting: %v", err)
	}
	settings, err := l.Settings(ctx)
	if err != nil {
		t.Fatalf("Settings: %v", err)
	}
	if settings["theme"] != "dark" {
		t.Errorf("theme = %q, want %q", settings["theme"], "dark")
	}
}
