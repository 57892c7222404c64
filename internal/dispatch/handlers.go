package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/tetherlabs/tether/internal/host"
	"github.com/tetherlabs/tether/internal/monitor"
	"github.com/tetherlabs/tether/internal/pairing"
	"github.com/tetherlabs/tether/internal/pool"
	"github.com/tetherlabs/tether/internal/relay"
	"github.com/tetherlabs/tether/internal/sessions"
)

// HandlerDeps collects the collaborators the command handlers close over.
type HandlerDeps struct {
	Host      host.API
	Registry  *sessions.Registry
	Scheduler *monitor.Scheduler
	Pool      *pool.Pool
	Pairing   *pairing.Manager
}

// NewHandlers builds the command table. Host-facing handlers are thin
// pass-throughs to the capability API; the interesting work happens in
// the session, sync, and pairing handlers.
func NewHandlers(deps HandlerDeps) (map[string]Handler, error) {
	if deps.Host == nil {
		return nil, fmt.Errorf("dispatch: host is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("dispatch: registry is required")
	}
	if deps.Scheduler == nil {
		return nil, fmt.Errorf("dispatch: scheduler is required")
	}
	if deps.Pool == nil {
		return nil, fmt.Errorf("dispatch: pool is required")
	}
	if deps.Pairing == nil {
		return nil, fmt.Errorf("dispatch: pairing manager is required")
	}

	return map[string]Handler{
		"ping": func(ctx context.Context, msg relay.Message) (interface{}, error) {
			return map[string]interface{}{
				"pong": true,
				"time": time.Now().UTC().Format(time.RFC3339),
			}, nil
		},

		"get_workspace_info": func(ctx context.Context, msg relay.Message) (interface{}, error) {
			return deps.Host.WorkspaceInfo(ctx)
		},

		"get_settings": func(ctx context.Context, msg relay.Message) (interface{}, error) {
			return deps.Host.Settings(ctx)
		},

		"update_settings": func(ctx context.Context, msg relay.Message) (interface{}, error) {
			key, err := stringParam(msg, "key")
			if err != nil {
				return nil, err
			}
			value, _ := optionalString(msg, "value")
			if err := deps.Host.UpdateSetting(ctx, key, value); err != nil {
				return nil, err
			}
			return map[string]interface{}{"updated": key}, nil
		},

		"read_file": func(ctx context.Context, msg relay.Message) (interface{}, error) {
			path, err := stringParam(msg, "path")
			if err != nil {
				return nil, err
			}
			content, err := deps.Host.ReadFile(ctx, path)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"path": path, "content": content}, nil
		},

		"write_file": func(ctx context.Context, msg relay.Message) (interface{}, error) {
			path, err := stringParam(msg, "path")
			if err != nil {
				return nil, err
			}
			content, _ := optionalString(msg, "content")
			if err := deps.Host.WriteFile(ctx, path, content); err != nil {
				return nil, err
			}
			return map[string]interface{}{"path": path, "bytes": len(content)}, nil
		},

		"list_directory": func(ctx context.Context, msg relay.Message) (interface{}, error) {
			path, _ := optionalString(msg, "path")
			return deps.Host.ListDirectory(ctx, path)
		},

		"git_status": func(ctx context.Context, msg relay.Message) (interface{}, error) {
			status, err := deps.Host.GitStatus(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"status": status}, nil
		},

		"reset_session": func(ctx context.Context, msg relay.Message) (interface{}, error) {
			s := deps.Registry.NewChatSession()
			deps.Pool.ResetSession(s.SessionID)
			return s, nil
		},

		"new_session": func(ctx context.Context, msg relay.Message) (interface{}, error) {
			name, _ := optionalString(msg, "name")
			cwd, _ := optionalString(msg, "cwd")
			term := deps.Registry.Create(name, cwd)
			if err := deps.Host.CreateTerminal(ctx, term.ID, term.Name, cwd); err != nil {
				deps.Registry.Kill(term.ID)
				return nil, err
			}
			return term, nil
		},

		"list_sessions": func(ctx context.Context, msg relay.Message) (interface{}, error) {
			return deps.Registry.List(), nil
		},

		"kill_session": func(ctx context.Context, msg relay.Message) (interface{}, error) {
			id, err := stringParam(msg, "sessionId")
			if err != nil {
				return nil, err
			}
			if err := deps.Registry.Kill(id); err != nil {
				return nil, err
			}
			// The host terminal may already be gone; killing the registry
			// entry is the authoritative part.
			_ = deps.Host.CloseTerminal(ctx, id)
			return map[string]interface{}{"killed": id}, nil
		},

		"send_terminal_input": func(ctx context.Context, msg relay.Message) (interface{}, error) {
			id, err := stringParam(msg, "sessionId")
			if err != nil {
				return nil, err
			}
			text, err := stringParam(msg, "text")
			if err != nil {
				return nil, err
			}
			if _, ok := deps.Registry.Get(id); !ok {
				return nil, fmt.Errorf("no such session: %s", id)
			}
			if err := deps.Host.SendTerminalInput(ctx, id, text); err != nil {
				return nil, err
			}
			deps.Registry.Touch(id)
			return map[string]interface{}{"sent": true}, nil
		},

		"get_terminal_history": func(ctx context.Context, msg relay.Message) (interface{}, error) {
			id, err := stringParam(msg, "sessionId")
			if err != nil {
				return nil, err
			}
			if _, ok := deps.Registry.Get(id); !ok {
				return nil, fmt.Errorf("no such session: %s", id)
			}
			return deps.Registry.History(id), nil
		},

		"start_chat_sync": func(ctx context.Context, msg relay.Message) (interface{}, error) {
			deps.Scheduler.StartChat()
			return map[string]interface{}{"syncType": string(monitor.ModeChat)}, nil
		},

		"stop_chat_sync": func(ctx context.Context, msg relay.Message) (interface{}, error) {
			deps.Scheduler.StopChat()
			return map[string]interface{}{"syncType": string(deps.Scheduler.Active())}, nil
		},

		"start_terminal_sync": func(ctx context.Context, msg relay.Message) (interface{}, error) {
			id, err := stringParam(msg, "sessionId")
			if err != nil {
				return nil, err
			}
			if _, ok := deps.Registry.Get(id); !ok {
				return nil, fmt.Errorf("no such session: %s", id)
			}
			deps.Scheduler.StartTerminal(id)
			return map[string]interface{}{"syncType": string(monitor.ModeTerminal), "sessionId": id}, nil
		},

		"stop_terminal_sync": func(ctx context.Context, msg relay.Message) (interface{}, error) {
			id, ok := optionalString(msg, "sessionId")
			if ok && id != "" {
				deps.Scheduler.StopTerminal(id)
			} else {
				deps.Scheduler.StopAllTerminals()
			}
			return map[string]interface{}{"syncType": string(deps.Scheduler.Active())}, nil
		},

		"unpair": func(ctx context.Context, msg relay.Message) (interface{}, error) {
			if err := deps.Pairing.Unpair(); err != nil {
				return nil, err
			}
			return map[string]interface{}{"unpaired": true, "pairingCode": deps.Pairing.Code()}, nil
		},
	}, nil
}

// stringParam extracts a required string field from the message data.
func stringParam(msg relay.Message, key string) (string, error) {
	v, ok := optionalString(msg, key)
	if !ok || v == "" {
		return "", fmt.Errorf("missing required parameter: %s", key)
	}
	return v, nil
}

// optionalString extracts an optional string field from the message data.
func optionalString(msg relay.Message, key string) (string, bool) {
	if msg.Data == nil {
		return "", false
	}
	v, ok := msg.Data[key].(string)
	return v, ok
}
