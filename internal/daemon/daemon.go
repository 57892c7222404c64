// Package daemon wires the Tether subsystems together: store, pairing,
// relay channel, message pool, sync scheduler, dispatcher, and dashboard.
package daemon

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/tetherlabs/tether/internal/config"
	"github.com/tetherlabs/tether/internal/dashboard"
	"github.com/tetherlabs/tether/internal/dispatch"
	"github.com/tetherlabs/tether/internal/host"
	"github.com/tetherlabs/tether/internal/monitor"
	"github.com/tetherlabs/tether/internal/pairing"
	"github.com/tetherlabs/tether/internal/pool"
	"github.com/tetherlabs/tether/internal/relay"
	"github.com/tetherlabs/tether/internal/sessions"
	"github.com/tetherlabs/tether/internal/store"
)

// inboundBuffer bounds the queue between the channel's read loop and the
// dispatch worker. Messages beyond it are dropped with a log line rather
// than blocking the socket reader.
const inboundBuffer = 100

// defaultRatePerSec caps inbound command throughput.
const defaultRatePerSec = 20

// Daemon is the main Tether process.
type Daemon struct {
	cfg     *config.Config
	store   *store.Store
	hostAPI host.API
	dialer  relay.Dialer
	out     io.Writer

	pairingMgr *pairing.Manager
	channel    *relay.Channel
	msgPool    *pool.Pool
	registry   *sessions.Registry
	scheduler  *monitor.Scheduler
	dispatcher *dispatch.Dispatcher

	started time.Time

	mu         sync.Mutex
	connRecord uint
}

// Opts holds parameters for creating a Daemon.
type Opts struct {
	Config *config.Config
	Store  *store.Store
	Host   host.API     // optional; defaults to the local tmux-backed host
	Dialer relay.Dialer // optional; for testing
	Out    io.Writer    // defaults to os.Stdout
}

// New creates a Daemon and builds all subsystems.
func New(opts Opts) (*Daemon, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("daemon: config is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("daemon: store is required")
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}

	d := &Daemon{
		cfg:    opts.Config,
		store:  opts.Store,
		dialer: opts.Dialer,
		out:    out,
	}

	hostAPI := opts.Host
	if hostAPI == nil {
		local, err := host.NewLocal(host.LocalOpts{
			Root:     opts.Config.Workspace.Root,
			Settings: opts.Store,
		})
		if err != nil {
			return nil, fmt.Errorf("daemon: build host: %w", err)
		}
		hostAPI = local
	}
	d.hostAPI = hostAPI

	pairingMgr, err := pairing.NewManager(pairing.ManagerOpts{
		AuthURL: opts.Config.Relay.AuthURL,
		Store:   opts.Store,
	})
	if err != nil {
		return nil, fmt.Errorf("daemon: build pairing manager: %w", err)
	}
	d.pairingMgr = pairingMgr

	d.msgPool = pool.New(pool.Opts{
		Disabled:  opts.Config.Pool.Disabled,
		Retention: time.Duration(opts.Config.Pool.RetentionMin) * time.Minute,
		MaxSeen:   opts.Config.Pool.MaxSeen,
		TrimTo:    opts.Config.Pool.TrimTo,
	})

	d.registry = sessions.NewRegistry(sessions.RegistryOpts{
		MaxHistory: opts.Config.Sync.MaxHistoryCommands,
	})

	channel, err := relay.NewChannel(relay.ChannelOpts{
		URL:               opts.Config.Relay.URL,
		DeviceName:        opts.Config.Relay.DeviceName,
		HeartbeatInterval: time.Duration(opts.Config.Relay.HeartbeatIntervalSec) * time.Second,
		Dialer:            opts.Dialer,
		OnConnect:         d.auditConnect,
		OnDisconnect:      d.auditDisconnect,
		Out:               out,
	})
	if err != nil {
		return nil, fmt.Errorf("daemon: build channel: %w", err)
	}
	d.channel = channel

	scheduler, err := monitor.NewScheduler(monitor.SchedulerOpts{
		Emitter:        channel,
		Capturer:       hostAPI,
		Registry:       d.registry,
		Pool:           d.msgPool,
		Window:         time.Duration(opts.Config.Sync.WindowSec) * time.Second,
		TerminalTick:   time.Duration(opts.Config.Sync.TerminalTickSec) * time.Second,
		CaptureTimeout: time.Duration(opts.Config.Sync.CaptureTimeoutSec) * time.Second,
		Out:            out,
	})
	if err != nil {
		return nil, fmt.Errorf("daemon: build scheduler: %w", err)
	}
	d.scheduler = scheduler
	d.registry.SetSyncStopper(scheduler)

	handlers, err := dispatch.NewHandlers(dispatch.HandlerDeps{
		Host:      hostAPI,
		Registry:  d.registry,
		Scheduler: scheduler,
		Pool:      d.msgPool,
		Pairing:   pairingMgr,
	})
	if err != nil {
		return nil, fmt.Errorf("daemon: build handlers: %w", err)
	}
	dispatcher, err := dispatch.NewDispatcher(dispatch.DispatcherOpts{
		Channel:    channel,
		Pairing:    pairingMgr,
		Handlers:   handlers,
		RatePerSec: defaultRatePerSec,
		Out:        out,
	})
	if err != nil {
		return nil, fmt.Errorf("daemon: build dispatcher: %w", err)
	}
	d.dispatcher = dispatcher

	// Auth failures refresh the token and hand the channel fresh
	// credentials for its next dial.
	channel.SetAuthErrorHandler(func(ctx context.Context) error {
		if err := pairingMgr.Refresh(ctx); err != nil {
			return err
		}
		channel.SetCredentials(pairingMgr.Code(), pairingMgr.Token())
		return nil
	})
	channel.SetCredentials(pairingMgr.Code(), pairingMgr.Token())

	return d, nil
}

// Run starts the daemon and blocks until the context is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	d.started = time.Now()
	fmt.Fprintf(d.out, "Tether starting (device %q)\n", d.cfg.Relay.DeviceName)
	fmt.Fprintf(d.out, "Pairing code: %s\n", d.pairingMgr.Code())

	// Inbound messages are serialized through one worker so responses
	// follow command execution order.
	inbound := make(chan relay.Message, inboundBuffer)
	d.channel.SetHandler(func(msg relay.Message) {
		select {
		case inbound <- msg:
		default:
			log.Printf("daemon: inbound queue full, dropping %s message", msg.Type)
		}
	})

	go d.dispatchLoop(ctx, inbound)
	go d.healthLoop(ctx)
	go d.cleanupLoop(ctx)

	if d.cfg.Dashboard.Enabled {
		go func() {
			err := dashboard.Start(ctx, dashboard.StartOpts{
				Source: d,
				Port:   d.cfg.Dashboard.Port,
				Out:    d.out,
			})
			if err != nil {
				log.Printf("daemon: dashboard: %v", err)
			}
		}()
	}

	if err := d.channel.Connect(ctx); err != nil {
		// The reconnect machinery takes over; the daemon stays up.
		log.Printf("daemon: initial connect: %v", err)
		d.channel.ForceReconnect()
	}

	<-ctx.Done()
	fmt.Fprintf(d.out, "Tether shutting down...\n")
	d.scheduler.StopChat()
	d.scheduler.StopAllTerminals()
	if err := d.channel.Close(); err != nil {
		log.Printf("daemon: close channel: %v", err)
	}
	fmt.Fprintf(d.out, "Tether stopped\n")
	return nil
}

// dispatchLoop pumps inbound messages to the dispatcher. Non-command
// traffic is handled here: the relay announces pairings as notifications.
func (d *Daemon) dispatchLoop(ctx context.Context, inbound <-chan relay.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-inbound:
			if !ok {
				return
			}
			d.handleMessage(ctx, msg)
		}
	}
}

// handleMessage routes one inbound message by type.
func (d *Daemon) handleMessage(ctx context.Context, msg relay.Message) {
	switch msg.Type {
	case relay.TypeCommand:
		d.dispatcher.Handle(ctx, msg)
	case relay.TypeNotification:
		d.handleNotification(msg)
	default:
		fmt.Fprintf(d.out, "daemon: ignoring %s message\n", msg.Type)
	}
}

// handleNotification processes relay-originated notifications. A
// device_paired notification completes the pairing handshake: the relay
// validated the code the user typed and minted a device token.
func (d *Daemon) handleNotification(msg relay.Message) {
	kind, _ := msg.Data["type"].(string)
	switch kind {
	case "device_paired":
		deviceID, _ := msg.Data["deviceId"].(string)
		name, _ := msg.Data["deviceName"].(string)
		token, _ := msg.Data["token"].(string)
		if err := d.pairingMgr.Pair(deviceID, name, token); err != nil {
			log.Printf("daemon: pair device: %v", err)
			return
		}
		d.channel.SetCredentials(d.pairingMgr.Code(), d.pairingMgr.Token())
		fmt.Fprintf(d.out, "daemon: paired with device %q\n", name)
	case "device_unpaired":
		if err := d.pairingMgr.Unpair(); err != nil {
			log.Printf("daemon: unpair device: %v", err)
			return
		}
		fmt.Fprintf(d.out, "daemon: device unpaired; new pairing code %s\n", d.pairingMgr.Code())
	default:
		fmt.Fprintf(d.out, "daemon: ignoring notification %q\n", kind)
	}
}

// healthLoop periodically verifies the channel is connected, forcing a
// reconnect when it is not, and prunes terminals the host closed
// out-of-band. Failures are logged, never fatal.
func (d *Daemon) healthLoop(ctx context.Context) {
	interval := time.Duration(d.cfg.Relay.HealthIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !d.channel.IsConnected() {
				log.Printf("daemon: health check: channel down, forcing reconnect")
				d.channel.ForceReconnect()
			}
			d.pruneClosedTerminals(ctx)
		}
	}
}

// pruneClosedTerminals reconciles the registry against the host's open
// terminal list.
func (d *Daemon) pruneClosedTerminals(ctx context.Context) {
	if len(d.registry.List()) == 0 {
		return
	}
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	open, err := d.hostAPI.OpenTerminals(checkCtx)
	if err != nil {
		log.Printf("daemon: list open terminals: %v", err)
		return
	}
	for _, id := range d.registry.PruneClosed(open) {
		fmt.Fprintf(d.out, "daemon: pruned closed terminal %s\n", id)
	}
}

// cleanupLoop runs the pool cleanup on the configured cron schedule. The
// config layer validates the expression, but a bad schedule must never
// leave the pool uncleaned: it falls back to the default.
func (d *Daemon) cleanupLoop(ctx context.Context) {
	expr := d.cfg.Pool.CleanupCron
	delay, err := nextCleanupDelay(expr)
	if err != nil {
		log.Printf("%v (falling back to %q)", err, defaultCleanupCron)
		expr = defaultCleanupCron
		if delay, err = nextCleanupDelay(expr); err != nil {
			return
		}
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			d.msgPool.Cleanup()
			if delay, err = nextCleanupDelay(expr); err == nil {
				timer.Reset(delay)
			}
		}
	}
}

// auditConnect records a connection audit row.
func (d *Daemon) auditConnect() {
	id, err := d.store.RecordConnection()
	if err != nil {
		log.Printf("daemon: record connection: %v", err)
		return
	}
	d.mu.Lock()
	d.connRecord = id
	d.mu.Unlock()
}

// auditDisconnect closes the audit row for the dropped connection.
func (d *Daemon) auditDisconnect(reason string) {
	d.mu.Lock()
	id := d.connRecord
	d.connRecord = 0
	d.mu.Unlock()
	if id == 0 {
		return
	}
	if err := d.store.CloseConnection(id, reason); err != nil {
		log.Printf("daemon: close connection record: %v", err)
	}
}

// --- dashboard.Source ---

// Status implements dashboard.Source.
func (d *Daemon) Status() dashboard.Status {
	return dashboard.Status{
		Connected:  d.channel.IsConnected(),
		RelayURL:   d.cfg.Relay.URL,
		LastPong:   d.channel.LastPong(),
		SyncMode:   string(d.scheduler.Active()),
		ChatActive: d.scheduler.ChatActive(),
		Paired:     d.pairingMgr.Paired(),
		Uptime:     time.Since(d.started).Round(time.Second).String(),
	}
}

// Pairing implements dashboard.Source.
func (d *Daemon) Pairing() dashboard.PairingInfo {
	info := dashboard.PairingInfo{
		Paired:      d.pairingMgr.Paired(),
		PairingCode: d.pairingMgr.Code(),
	}
	if dev, ok := d.pairingMgr.Device(); ok {
		info.DeviceName = dev.Name
	}
	return info
}

// Sessions implements dashboard.Source.
func (d *Daemon) Sessions() []*sessions.Terminal {
	return d.registry.List()
}

// PoolStats implements dashboard.Source.
func (d *Daemon) PoolStats() pool.Stats {
	return d.msgPool.Stats()
}

// SyncMode implements dashboard.Source.
func (d *Daemon) SyncMode() monitor.Mode {
	return d.scheduler.Active()
}
