// Package sessions tracks the logical sessions exposed to the remote
// client: the current chat session plus terminal sessions with their
// in-memory command history buffers.
package sessions

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tetherlabs/tether/internal/transcript"
)

// DefaultMaxHistory caps the per-terminal command history buffer.
const DefaultMaxHistory = 10

// Session identifies one logical interactive episode with the remote
// client. Starting a new one resets outbound dedup state.
type Session struct {
	SessionID string    `json:"sessionId"`
	CreatedAt time.Time `json:"createdAt"`
}

// Terminal is one tracked terminal session on the host.
type Terminal struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Cwd          string    `json:"cwd"`
	IsActive     bool      `json:"isActive"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`

	history []transcript.Command
}

// SyncStopper stops terminal monitoring for a session. Implemented by the
// sync scheduler; injected after construction to break the cycle between
// the registry and the scheduler.
type SyncStopper interface {
	StopTerminal(sessionID string)
}

// Registry is the process-wide session and terminal registry. All
// mutation goes through its methods; callers never touch Terminal fields
// directly.
type Registry struct {
	mu         sync.Mutex
	chat       *Session
	terminals  map[string]*Terminal
	stopper    SyncStopper
	maxHistory int
}

// RegistryOpts holds parameters for creating a Registry.
type RegistryOpts struct {
	MaxHistory int // defaults to DefaultMaxHistory
}

// NewRegistry creates a Registry.
func NewRegistry(opts RegistryOpts) *Registry {
	maxHistory := opts.MaxHistory
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	return &Registry{
		terminals:  make(map[string]*Terminal),
		maxHistory: maxHistory,
	}
}

// SetSyncStopper injects the scheduler used to stop monitoring when a
// terminal is killed or pruned.
func (r *Registry) SetSyncStopper(s SyncStopper) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopper = s
}

// NewChatSession starts a new chat session, replacing any previous one.
// Sessions are created only on explicit request, never automatically
// after pairing.
func (r *Registry) NewChatSession() Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Session{
		SessionID: uuid.NewString(),
		CreatedAt: time.Now(),
	}
	r.chat = &s
	return s
}

// ChatSession returns the current chat session, if any.
func (r *Registry) ChatSession() (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.chat == nil {
		return Session{}, false
	}
	return *r.chat, true
}

// Create registers a new terminal session and marks all others inactive
// (single-active-session convention). The history buffer starts empty.
func (r *Registry) Create(name, cwd string) *Terminal {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := uuid.NewString()
	if name == "" {
		name = fmt.Sprintf("terminal-%d", len(r.terminals)+1)
	}
	now := time.Now()
	for _, t := range r.terminals {
		t.IsActive = false
	}
	term := &Terminal{
		ID:           id,
		Name:         name,
		Cwd:          cwd,
		IsActive:     true,
		CreatedAt:    now,
		LastActivity: now,
	}
	r.terminals[id] = term
	return snapshot(term)
}

// Get returns a snapshot of the terminal with the given id.
func (r *Registry) Get(id string) (*Terminal, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.terminals[id]
	if !ok {
		return nil, false
	}
	return snapshot(t), true
}

// Kill stops any terminal-sync monitoring for the session first, then
// removes it and its history.
func (r *Registry) Kill(id string) error {
	r.mu.Lock()
	t, ok := r.terminals[id]
	stopper := r.stopper
	if ok {
		delete(r.terminals, id)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("sessions: terminal not found: %s", id)
	}
	if stopper != nil {
		stopper.StopTerminal(t.ID)
	}
	return nil
}

// SetActive marks the given terminal active and all others inactive.
func (r *Registry) SetActive(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.terminals[id]
	if !ok {
		return fmt.Errorf("sessions: terminal not found: %s", id)
	}
	for _, other := range r.terminals {
		other.IsActive = false
	}
	t.IsActive = true
	t.LastActivity = time.Now()
	return nil
}

// Touch refreshes the terminal's activity timestamp.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.terminals[id]; ok {
		t.LastActivity = time.Now()
	}
}

// List returns snapshots of all terminals, newest first.
func (r *Registry) List() []*Terminal {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Terminal, 0, len(r.terminals))
	for _, t := range r.terminals {
		out = append(out, snapshot(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// ListActive returns snapshots of terminals currently marked active.
func (r *Registry) ListActive() []*Terminal {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Terminal
	for _, t := range r.terminals {
		if t.IsActive {
			out = append(out, snapshot(t))
		}
	}
	return out
}

// SetHistory replaces the terminal's command history, keeping at most the
// configured number of most recent commands.
func (r *Registry) SetHistory(id string, cmds []transcript.Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.terminals[id]
	if !ok {
		return
	}
	if len(cmds) > r.maxHistory {
		cmds = cmds[len(cmds)-r.maxHistory:]
	}
	t.history = append([]transcript.Command(nil), cmds...)
	t.LastActivity = time.Now()
}

// History returns a copy of the terminal's command history.
func (r *Registry) History(id string) []transcript.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.terminals[id]
	if !ok {
		return nil
	}
	return append([]transcript.Command(nil), t.history...)
}

// PruneClosed removes registry entries whose backing host terminal has
// disappeared out-of-band. openIDs is the authoritative list of terminals
// the host still reports open; entries outside it are removed and their
// monitoring stopped. Returns the ids that were pruned.
func (r *Registry) PruneClosed(openIDs []string) []string {
	open := make(map[string]bool, len(openIDs))
	for _, id := range openIDs {
		open[id] = true
	}

	r.mu.Lock()
	var pruned []string
	for id := range r.terminals {
		if !open[id] {
			delete(r.terminals, id)
			pruned = append(pruned, id)
		}
	}
	stopper := r.stopper
	r.mu.Unlock()

	if stopper != nil {
		for _, id := range pruned {
			stopper.StopTerminal(id)
		}
	}
	return pruned
}

// snapshot copies a Terminal without its history buffer, so callers
// cannot mutate registry state through the returned pointer.
func snapshot(t *Terminal) *Terminal {
	copied := *t
	copied.history = nil
	return &copied
}
