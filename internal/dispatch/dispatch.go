// Package dispatch routes inbound relay commands to handlers, applying
// the pairing gate, rate limiting, and response correlation.
package dispatch

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sort"

	"golang.org/x/time/rate"

	"github.com/tetherlabs/tether/internal/pairing"
	"github.com/tetherlabs/tether/internal/relay"
)

// ErrorCodePairingRequired marks errors returned to unpaired callers.
const ErrorCodePairingRequired = "PAIRING_REQUIRED"

// unpairedAllowed lists status/info commands that may run without a
// paired, authenticated remote peer.
var unpairedAllowed = map[string]bool{
	"ping":               true,
	"get_workspace_info": true,
	"get_settings":       true,
}

// Handler executes one command and returns its result payload.
type Handler func(ctx context.Context, msg relay.Message) (interface{}, error)

// Responder sends response messages back through the relay channel.
// Satisfied by *relay.Channel.
type Responder interface {
	Send(msg relay.Message) error
}

// PairingState is the dispatcher's view of the pairing manager.
type PairingState interface {
	Paired() bool
	Code() string
}

// Dispatcher is the top-level inbound message handler.
type Dispatcher struct {
	handlers map[string]Handler
	channel  Responder
	pairing  PairingState
	limiter  *rate.Limiter
	out      io.Writer
}

// DispatcherOpts holds parameters for creating a Dispatcher.
type DispatcherOpts struct {
	Channel  Responder
	Pairing  PairingState
	Handlers map[string]Handler
	// RatePerSec caps inbound command throughput; 0 disables limiting.
	RatePerSec float64
	Burst      int       // defaults to 2x the rate
	Out        io.Writer // defaults to os.Stdout
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(opts DispatcherOpts) (*Dispatcher, error) {
	if opts.Channel == nil {
		return nil, fmt.Errorf("dispatch: channel is required")
	}
	if opts.Pairing == nil {
		return nil, fmt.Errorf("dispatch: pairing state is required")
	}
	if len(opts.Handlers) == 0 {
		return nil, fmt.Errorf("dispatch: handler table is required")
	}
	var limiter *rate.Limiter
	if opts.RatePerSec > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = int(opts.RatePerSec * 2)
			if burst < 1 {
				burst = 1
			}
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), burst)
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Dispatcher{
		handlers: opts.Handlers,
		channel:  opts.Channel,
		pairing:  opts.Pairing,
		limiter:  limiter,
		out:      out,
	}, nil
}

// Commands returns the sorted command names the dispatcher knows.
func (d *Dispatcher) Commands() []string {
	names := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Handle processes one inbound message and returns the response that was
// (or would be) sent. The response echoes the inbound correlation id
// exactly once; it is sent through the channel only when a correlation id
// is present, matching the wire contract.
func (d *Dispatcher) Handle(ctx context.Context, msg relay.Message) relay.Message {
	msg = relay.Normalize(msg)
	corrID := msg.CorrelationID()

	fmt.Fprintf(d.out, "dispatch: recv command=%q corr=%q\n", msg.Command, corrID)

	resp := d.execute(ctx, msg, corrID)
	if corrID != "" {
		if err := d.channel.Send(resp); err != nil {
			log.Printf("dispatch: send response for %q: %v", msg.Command, err)
		}
	}
	return resp
}

// execute applies the rate limit and pairing gate, then dispatches.
func (d *Dispatcher) execute(ctx context.Context, msg relay.Message, corrID string) relay.Message {
	if d.limiter != nil && !d.limiter.Allow() {
		return relay.NewResponse(corrID, map[string]interface{}{
			"success": false,
			"command": msg.Command,
			"error":   "rate limit exceeded, slow down",
		})
	}

	// Pairing gate: only the allow-list runs unpaired. Everything else
	// short-circuits before touching any host state.
	if !unpairedAllowed[msg.Command] && !d.pairing.Paired() {
		return relay.NewResponse(corrID, map[string]interface{}{
			"success":             false,
			"error":               fmt.Sprintf("command %q requires a paired device", msg.Command),
			"errorCode":           ErrorCodePairingRequired,
			"pairingInstructions": pairing.Instructions,
			"pairingCode":         d.pairing.Code(),
		})
	}

	handler, ok := d.handlers[msg.Command]
	if !ok {
		return relay.NewResponse(corrID, map[string]interface{}{
			"success": false,
			"command": msg.Command,
			"error":   fmt.Sprintf("unknown command: %q", msg.Command),
		})
	}

	result, err := d.safeInvoke(ctx, handler, msg)
	if err != nil {
		return relay.NewResponse(corrID, map[string]interface{}{
			"success": false,
			"command": msg.Command,
			"error":   err.Error(),
		})
	}
	return relay.NewResponse(corrID, map[string]interface{}{
		"success": true,
		"command": msg.Command,
		"result":  result,
	})
}

// safeInvoke runs a handler, converting panics into errors so a broken
// handler never takes down the process.
func (d *Dispatcher) safeInvoke(ctx context.Context, handler Handler, msg relay.Message) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, msg)
}
