// Package host defines the capability surface the dispatcher calls into.
// The operations themselves are thin pass-throughs to the host; the core
// treats this package as an external collaborator.
package host

import "context"

// WorkspaceInfo describes the workspace exposed to the remote client.
type WorkspaceInfo struct {
	Name      string `json:"name"`
	Root      string `json:"root"`
	GitBranch string `json:"gitBranch,omitempty"`
}

// DirEntry is one entry in a directory listing.
type DirEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"isDir"`
	Size  int64  `json:"size"`
}

// API is the host capability surface. Implementations must be safe for
// concurrent use; the dispatcher and the sync scheduler both call in.
type API interface {
	// WorkspaceInfo returns basic metadata about the exposed workspace.
	WorkspaceInfo(ctx context.Context) (*WorkspaceInfo, error)

	// ReadFile returns the contents of a workspace-relative file.
	ReadFile(ctx context.Context, path string) (string, error)

	// WriteFile replaces the contents of a workspace-relative file.
	WriteFile(ctx context.Context, path, content string) error

	// ListDirectory lists a workspace-relative directory.
	ListDirectory(ctx context.Context, path string) ([]DirEntry, error)

	// GitStatus returns porcelain git status output for the workspace.
	GitStatus(ctx context.Context) (string, error)

	// Settings returns the host settings visible to the remote client.
	Settings(ctx context.Context) (map[string]string, error)

	// UpdateSetting stores one setting.
	UpdateSetting(ctx context.Context, key, value string) error

	// CreateTerminal starts a terminal session addressed by id.
	CreateTerminal(ctx context.Context, id, name, cwd string) error

	// CaptureTerminal returns the current visible text of a terminal.
	// This is an inherently slow, externally-observed operation.
	CaptureTerminal(ctx context.Context, id string) (string, error)

	// SendTerminalInput types text into a terminal session.
	SendTerminalInput(ctx context.Context, id, text string) error

	// CloseTerminal tears down a terminal session.
	CloseTerminal(ctx context.Context, id string) error

	// OpenTerminals lists the ids of terminals the host still has open.
	// The registry prunes entries missing from this list.
	OpenTerminals(ctx context.Context) ([]string, error)
}
