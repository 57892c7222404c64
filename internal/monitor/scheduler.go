// Package monitor implements the mutually exclusive, time-boxed sync
// modes: chat sync (progress forwarding) and terminal sync (periodic
// capture/parse of terminal text). Only one mode is ever live, and each
// auto-expires after a fixed window.
package monitor

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/tetherlabs/tether/internal/pool"
	"github.com/tetherlabs/tether/internal/relay"
	"github.com/tetherlabs/tether/internal/sessions"
	"github.com/tetherlabs/tether/internal/transcript"
)

// Mode is the active sync mode. The scheduler enforces that at most one
// non-None mode is live at a time.
type Mode string

const (
	ModeNone     Mode = "none"
	ModeChat     Mode = "chat"
	ModeTerminal Mode = "terminal"
)

// Default timings.
const (
	DefaultWindow         = 30 * time.Second
	DefaultTerminalTick   = 2 * time.Second
	DefaultCaptureTimeout = 5 * time.Second
)

// Emitter sends notifications toward the remote client. Satisfied by
// *relay.Channel.
type Emitter interface {
	Send(msg relay.Message) error
}

// Capturer captures the current text of a terminal session. Satisfied by
// the host capability collaborator.
type Capturer interface {
	CaptureTerminal(ctx context.Context, sessionID string) (string, error)
}

// terminalWatch owns the timers for one monitored terminal. stop is
// closed exactly once, under the scheduler lock, so a mid-flight tick
// cannot resurrect a cancelled watch.
type terminalWatch struct {
	ticker *time.Ticker
	expiry *time.Timer
	stop   chan struct{}
}

// Scheduler coordinates the sync modes. All state transitions happen
// under a single mutex; starting one mode fully stops the other first.
type Scheduler struct {
	emitter  Emitter
	capturer Capturer
	registry *sessions.Registry
	pool     *pool.Pool

	window         time.Duration
	tick           time.Duration
	captureTimeout time.Duration
	out            io.Writer

	mu         sync.Mutex
	mode       Mode
	chatActive bool
	chatTimer  *time.Timer
	watches    map[string]*terminalWatch
}

// SchedulerOpts holds parameters for creating a Scheduler.
type SchedulerOpts struct {
	Emitter        Emitter
	Capturer       Capturer
	Registry       *sessions.Registry
	Pool           *pool.Pool
	Window         time.Duration // defaults to DefaultWindow
	TerminalTick   time.Duration // defaults to DefaultTerminalTick
	CaptureTimeout time.Duration // defaults to DefaultCaptureTimeout
	Out            io.Writer     // defaults to os.Stdout
}

// NewScheduler creates a Scheduler.
func NewScheduler(opts SchedulerOpts) (*Scheduler, error) {
	if opts.Emitter == nil {
		return nil, fmt.Errorf("monitor: scheduler: emitter is required")
	}
	if opts.Capturer == nil {
		return nil, fmt.Errorf("monitor: scheduler: capturer is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("monitor: scheduler: registry is required")
	}
	if opts.Pool == nil {
		return nil, fmt.Errorf("monitor: scheduler: pool is required")
	}
	window := opts.Window
	if window <= 0 {
		window = DefaultWindow
	}
	tick := opts.TerminalTick
	if tick <= 0 {
		tick = DefaultTerminalTick
	}
	captureTimeout := opts.CaptureTimeout
	if captureTimeout <= 0 {
		captureTimeout = DefaultCaptureTimeout
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Scheduler{
		emitter:        opts.Emitter,
		capturer:       opts.Capturer,
		registry:       opts.Registry,
		pool:           opts.Pool,
		window:         window,
		tick:           tick,
		captureTimeout: captureTimeout,
		out:            out,
		mode:           ModeNone,
		watches:        make(map[string]*terminalWatch),
	}, nil
}

// Active returns the current sync mode.
func (s *Scheduler) Active() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// ChatActive reports whether chat sync is currently live.
func (s *Scheduler) ChatActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chatActive
}

// StartChat activates chat sync. Any terminal monitoring is stopped
// first, and a previous chat window is cancelled before re-arming, so the
// 30-second expiry is always counted from the most recent start.
func (s *Scheduler) StartChat() {
	s.mu.Lock()
	s.stopAllTerminalsLocked()
	if s.chatTimer != nil {
		s.chatTimer.Stop()
	}
	s.chatActive = true
	s.mode = ModeChat
	s.chatTimer = time.AfterFunc(s.window, s.StopChat)
	s.mu.Unlock()

	fmt.Fprintf(s.out, "monitor: chat sync started (window %s)\n", s.window)
}

// StopChat deactivates chat sync and reverts the mode to None.
func (s *Scheduler) StopChat() {
	s.mu.Lock()
	wasActive := s.chatActive
	s.chatActive = false
	if s.chatTimer != nil {
		s.chatTimer.Stop()
		s.chatTimer = nil
	}
	if s.mode == ModeChat {
		s.mode = ModeNone
	}
	s.mu.Unlock()

	if wasActive {
		fmt.Fprintf(s.out, "monitor: chat sync stopped\n")
	}
}

// ForwardProgress forwards a progress envelope through the relay channel,
// but only while chat sync is active; otherwise the update is silently
// dropped. Payloads already sent this session are deduplicated.
func (s *Scheduler) ForwardProgress(data map[string]interface{}) {
	if !s.ChatActive() {
		return
	}
	if s.pool.Seen(data) {
		return
	}
	s.pool.Add(data)
	if err := s.emitter.Send(relay.NewNotification(data)); err != nil {
		log.Printf("monitor: forward progress: %v", err)
		return
	}
	s.pool.MarkSent(data)
}

// StartTerminal begins monitoring the given terminal session: a capture
// tick plus an auto-stop timer. Chat sync is stopped first. Restarting an
// already-monitored session cancels its previous timers before re-arming.
func (s *Scheduler) StartTerminal(sessionID string) {
	s.mu.Lock()
	if s.chatActive {
		s.chatActive = false
		if s.chatTimer != nil {
			s.chatTimer.Stop()
			s.chatTimer = nil
		}
	}
	if w, ok := s.watches[sessionID]; ok {
		stopWatch(w)
		delete(s.watches, sessionID)
	}
	w := &terminalWatch{
		ticker: time.NewTicker(s.tick),
		stop:   make(chan struct{}),
	}
	w.expiry = time.AfterFunc(s.window, func() { s.StopTerminal(sessionID) })
	s.watches[sessionID] = w
	s.mode = ModeTerminal
	s.mu.Unlock()

	fmt.Fprintf(s.out, "monitor: terminal sync started [session=%s tick=%s window=%s]\n",
		sessionID, s.tick, s.window)
	go s.watchLoop(sessionID, w)
}

// StopTerminal cancels monitoring for one terminal session. When no
// sessions remain under monitoring, the mode reverts to None.
func (s *Scheduler) StopTerminal(sessionID string) {
	s.mu.Lock()
	w, ok := s.watches[sessionID]
	if ok {
		stopWatch(w)
		delete(s.watches, sessionID)
	}
	if len(s.watches) == 0 && s.mode == ModeTerminal {
		s.mode = ModeNone
	}
	s.mu.Unlock()

	if ok {
		fmt.Fprintf(s.out, "monitor: terminal sync stopped [session=%s]\n", sessionID)
	}
}

// StopAllTerminals cancels monitoring for every terminal session.
func (s *Scheduler) StopAllTerminals() {
	s.mu.Lock()
	s.stopAllTerminalsLocked()
	s.mu.Unlock()
}

// stopAllTerminalsLocked stops every watch. Caller holds mu.
func (s *Scheduler) stopAllTerminalsLocked() {
	for id, w := range s.watches {
		stopWatch(w)
		delete(s.watches, id)
	}
	if s.mode == ModeTerminal {
		s.mode = ModeNone
	}
}

// stopWatch cancels a watch's timers and signals its loop to exit.
func stopWatch(w *terminalWatch) {
	w.ticker.Stop()
	w.expiry.Stop()
	close(w.stop)
}

// watchLoop drives the capture cycle for one terminal until stopped.
func (s *Scheduler) watchLoop(sessionID string, w *terminalWatch) {
	for {
		select {
		case <-w.stop:
			return
		case <-w.ticker.C:
			s.captureCycle(sessionID, w)
		}
	}
}

// captureCycle runs one capture/parse/compare pass. If new commands
// appeared since the last pass, it emits a terminal_sync_update carrying
// the delta and the full recent history.
func (s *Scheduler) captureCycle(sessionID string, w *terminalWatch) {
	ctx, cancel := context.WithTimeout(context.Background(), s.captureTimeout)
	raw, err := s.capturer.CaptureTerminal(ctx, sessionID)
	cancel()
	if err != nil {
		log.Printf("monitor: capture terminal %s: %v", sessionID, err)
		return
	}

	parsed := transcript.Parse(raw, sessionID)
	prev := len(s.registry.History(sessionID))
	if len(parsed) <= prev {
		return
	}

	// The commit runs under the scheduler lock: a stop that raced this
	// tick has already removed the watch from the map, so a mid-flight
	// capture can neither mutate history nor emit after stop.
	s.mu.Lock()
	if cur, ok := s.watches[sessionID]; !ok || cur != w {
		s.mu.Unlock()
		return
	}
	s.registry.SetHistory(sessionID, parsed)
	newCommands := parsed[prev:]

	data := map[string]interface{}{
		"type":        "terminal_sync_update",
		"sessionId":   sessionID,
		"newCommands": newCommands,
		"fullHistory": parsed,
	}
	if s.pool.Seen(data) {
		s.mu.Unlock()
		return
	}
	s.pool.Add(data)
	err = s.emitter.Send(relay.NewNotification(data))
	if err == nil {
		s.pool.MarkSent(data)
	}
	s.mu.Unlock()

	if err != nil {
		log.Printf("monitor: terminal sync update %s: %v", sessionID, err)
	}
}
