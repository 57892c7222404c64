package host

import (
	"context"
	"fmt"
	"sync"
)

// Mock implements API for testing. It records calls and serves canned
// terminal text via SetCapture.
type Mock struct {
	mu        sync.Mutex
	files     map[string]string
	settings  map[string]string
	captures  map[string]string
	terminals map[string]bool
	inputs    []string
	calls     []string

	FailAll bool // every call returns an error when set
}

// NewMock creates an empty Mock host.
func NewMock() *Mock {
	return &Mock{
		files:     make(map[string]string),
		settings:  make(map[string]string),
		captures:  make(map[string]string),
		terminals: make(map[string]bool),
	}
}

func (m *Mock) record(call string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
	if m.FailAll {
		return fmt.Errorf("mock host: %s failed", call)
	}
	return nil
}

// Calls returns the names of all API methods invoked so far.
func (m *Mock) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// CallCount returns how many times the named method was invoked.
func (m *Mock) CallCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c == name {
			n++
		}
	}
	return n
}

func (m *Mock) WorkspaceInfo(ctx context.Context) (*WorkspaceInfo, error) {
	if err := m.record("WorkspaceInfo"); err != nil {
		return nil, err
	}
	return &WorkspaceInfo{Name: "mock", Root: "/mock", GitBranch: "main"}, nil
}

func (m *Mock) ReadFile(ctx context.Context, path string) (string, error) {
	if err := m.record("ReadFile"); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	content, ok := m.files[path]
	if !ok {
		return "", fmt.Errorf("mock host: no such file: %s", path)
	}
	return content, nil
}

func (m *Mock) WriteFile(ctx context.Context, path, content string) error {
	if err := m.record("WriteFile"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[path] = content
	return nil
}

func (m *Mock) ListDirectory(ctx context.Context, path string) ([]DirEntry, error) {
	if err := m.record("ListDirectory"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []DirEntry
	for name := range m.files {
		out = append(out, DirEntry{Name: name, Size: int64(len(m.files[name]))})
	}
	return out, nil
}

func (m *Mock) GitStatus(ctx context.Context) (string, error) {
	if err := m.record("GitStatus"); err != nil {
		return "", err
	}
	return "## main\n", nil
}

func (m *Mock) Settings(ctx context.Context) (map[string]string, error) {
	if err := m.record("Settings"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.settings))
	for k, v := range m.settings {
		out[k] = v
	}
	return out, nil
}

func (m *Mock) UpdateSetting(ctx context.Context, key, value string) error {
	if err := m.record("UpdateSetting"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[key] = value
	return nil
}

func (m *Mock) CreateTerminal(ctx context.Context, id, name, cwd string) error {
	if err := m.record("CreateTerminal"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terminals[id] = true
	return nil
}

func (m *Mock) CaptureTerminal(ctx context.Context, id string) (string, error) {
	if err := m.record("CaptureTerminal"); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.captures[id], nil
}

func (m *Mock) SendTerminalInput(ctx context.Context, id, text string) error {
	if err := m.record("SendTerminalInput"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inputs = append(m.inputs, text)
	return nil
}

func (m *Mock) CloseTerminal(ctx context.Context, id string) error {
	if err := m.record("CloseTerminal"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.terminals, id)
	return nil
}

func (m *Mock) OpenTerminals(ctx context.Context) ([]string, error) {
	if err := m.record("OpenTerminals"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id := range m.terminals {
		ids = append(ids, id)
	}
	return ids, nil
}

// --- Test helpers ---

// SetFile seeds file content for ReadFile.
func (m *Mock) SetFile(path, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[path] = content
}

// SetCapture seeds the text CaptureTerminal returns for a session.
func (m *Mock) SetCapture(id, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.captures[id] = text
}

// CloseTerminalOutOfBand simulates the host resource disappearing without
// an explicit kill, for reactive-prune tests.
func (m *Mock) CloseTerminalOutOfBand(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.terminals, id)
}

// Inputs returns all text sent via SendTerminalInput.
func (m *Mock) Inputs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.inputs...)
}
