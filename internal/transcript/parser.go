// Package transcript reconstructs structured command/output records from
// raw captured terminal text. The source stream is plain text, so parsing
// is necessarily heuristic: unrecognized input degrades to an empty result
// rather than an error.
package transcript

import (
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxCommands is the number of most-recent commands Parse returns.
const MaxCommands = 10

// Command is one reconstructed command with its captured output.
type Command struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Command   string    `json:"command"`
	Output    string    `json:"output"`
	Timestamp time.Time `json:"timestamp"`
	IsRunning bool      `json:"isRunning"`
}

// promptPatterns match shell prompt lines. Each pattern captures the
// command text following the prompt marker. Order matters: the more
// specific patterns must run before the generic "$" and ">" forms.
var promptPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^>>> ?(.*)$`),                      // python REPL
	regexp.MustCompile(`^PS [^>]*> ?(.*)$`),                // PowerShell "PS C:\path>"
	regexp.MustCompile(`^[A-Za-z]:\\[^>]*> ?(.*)$`),        // cmd.exe "C:\path>"
	regexp.MustCompile(`^[\w.-]+@[\w.-]+:[^$]*\$ ?(.*)$`),  // "user@host:~/path$"
	regexp.MustCompile(`^\$ ?(.*)$`),                       // bare "$"
	regexp.MustCompile(`^> ?(.*)$`),                        // bare ">"
}

// matchPrompt reports whether line is a prompt line, and if so returns the
// command text following the marker.
func matchPrompt(line string) (string, bool) {
	for _, re := range promptPatterns {
		if m := re.FindStringSubmatch(line); m != nil {
			return strings.TrimSpace(m[1]), true
		}
	}
	return "", false
}

// Parse reconstructs the command history from raw captured text. It is a
// pure function: it never panics and returns at most MaxCommands records,
// oldest truncated. Input with no recognizable prompts yields nil.
func Parse(raw, sessionID string) []Command {
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	var (
		commands []Command
		current  *Command
		output   []string
	)

	closeCurrent := func() {
		if current == nil {
			return
		}
		// Trim trailing blank lines from the output buffer.
		for len(output) > 0 && strings.TrimSpace(output[len(output)-1]) == "" {
			output = output[:len(output)-1]
		}
		current.Output = strings.Join(output, "\n")
		current.IsRunning = false
		commands = append(commands, *current)
		current = nil
		output = nil
	}

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimRight(line, "\r")

		if cmd, ok := matchPrompt(line); ok {
			closeCurrent()
			if cmd == "" {
				// Bare prompt with no command: nothing to open.
				continue
			}
			current = &Command{
				ID:        uuid.NewString(),
				SessionID: sessionID,
				Command:   cmd,
				Timestamp: time.Now(),
				IsRunning: true,
			}
			continue
		}

		if current == nil {
			// Output before any recognized prompt is unattributable.
			continue
		}
		if strings.TrimSpace(line) == "" {
			// Blank lines survive only as separators inside open output.
			if len(output) > 0 {
				output = append(output, "")
			}
			continue
		}
		output = append(output, line)
	}
	closeCurrent()

	if len(commands) > MaxCommands {
		commands = commands[len(commands)-MaxCommands:]
	}
	return commands
}
