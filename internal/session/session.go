// Package session owns the lifecycle of the single WhatsApp session:
// bring-up, pairing-code tracking, the reconnect-vs-reset decision on
// disconnects, and handing the live transport to the dispatch layer.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/types"
)

// ErrNotReady is returned when a send is attempted without a live,
// authenticated transport.
var ErrNotReady = errors.New("whatsapp session not initialized")

// Phase is the lifecycle phase of the session.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseOpen
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseConnecting:
		return "connecting"
	case PhaseOpen:
		return "open"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnState mirrors the transport's connection-status updates.
type ConnState int

const (
	// StatePairing carries a fresh pairing code; the transport is up but
	// not yet authenticated.
	StatePairing ConnState = iota
	StateOpen
	StateClosed
)

// ConnEvent is one connection-status update pushed by the transport.
type ConnEvent struct {
	State ConnState
	QR    string // pairing code, set when State == StatePairing
	// LoggedOut marks a close whose disconnect reason was a remote
	// logout; any other close is treated as transient.
	LoggedOut bool
}

// Identity is the authenticated self-identity of an open session.
type Identity struct {
	JID      string `json:"me"`
	PushName string `json:"pushName"`
}

// Status is a consistent snapshot of the session, safe to read from any
// phase.
type Status struct {
	Connected bool
	QR        string
	Identity  *Identity
}

// Receipt is the opaque key the transport hands back for a sent message.
// It is passed through to callers uninterpreted.
type Receipt struct {
	ID        string `json:"id"`
	RemoteJID string `json:"remoteJid"`
	FromMe    bool   `json:"fromMe"`
}

// Transport is one live protocol connection. Implementations push
// connection-status updates on Events until Release is called.
type Transport interface {
	Connect() error
	Logout(ctx context.Context) error
	// Release tears the connection down and closes the event channel.
	Release()
	Identity() (Identity, bool)
	Events() <-chan ConnEvent

	Upload(ctx context.Context, data []byte, kind whatsmeow.MediaType) (whatsmeow.UploadResponse, error)
	Send(ctx context.Context, to types.JID, msg *waE2E.Message) (Receipt, error)
	IsOnWhatsApp(ctx context.Context, phones []string) ([]types.IsOnWhatsAppResponse, error)
}

// AuthStore owns the persisted credential set. The session manager only
// ever asks it to load-or-create a device and to irrecoverably wipe
// everything.
type AuthStore interface {
	Device(ctx context.Context) (*store.Device, error)
	Wipe(ctx context.Context) error
}

// Dialer builds a new transport bound to the given credentials.
type Dialer func(ctx context.Context, device *store.Device) (Transport, error)

// Manager is the single owner of session lifecycle state. Transport
// event pumps and HTTP-driven operations both funnel their mutations
// through the manager's lock; a connection generation counter keeps
// events from superseded transports from touching current state.
type Manager struct {
	log  zerolog.Logger
	auth AuthStore
	dial Dialer

	retrySleep func(time.Duration)

	mu         sync.Mutex
	phase      Phase
	conn       Transport
	qr         string
	identity   *Identity
	connecting bool // re-entrancy guard: at most one connect attempt in flight
	want       bool // true while the session should be kept up
	gen        uint64
}

func NewManager(auth AuthStore, dial Dialer, log zerolog.Logger) *Manager {
	return &Manager{
		log:        log,
		auth:       auth,
		dial:       dial,
		retrySleep: time.Sleep,
	}
}

// Start brings the session up: load-or-create credentials, dial a fresh
// transport, and begin consuming its connection events. A Start while a
// connect attempt is already in flight is a no-op.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.connecting {
		m.mu.Unlock()
		return nil
	}
	m.connecting = true
	m.want = true
	m.phase = PhaseConnecting
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	device, err := m.auth.Device(ctx)
	if err != nil {
		m.abandon(gen)
		return err
	}

	conn, err := m.dial(ctx, device)
	if err != nil {
		m.abandon(gen)
		return err
	}

	m.mu.Lock()
	if gen != m.gen {
		// A reset raced us; this transport is already obsolete.
		m.mu.Unlock()
		conn.Release()
		return nil
	}
	m.conn = conn
	m.mu.Unlock()

	go m.pump(conn, gen)

	if err := conn.Connect(); err != nil {
		m.log.Error().Err(err).Msg("transport connect failed")
		m.abandon(gen)
		return err
	}
	return nil
}

// pump forwards one transport's connection events into the manager until
// the transport's event channel closes.
func (m *Manager) pump(conn Transport, gen uint64) {
	for ev := range conn.Events() {
		m.handleEvent(ev, gen)
	}
}

func (m *Manager) handleEvent(ev ConnEvent, gen uint64) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}

	switch ev.State {
	case StatePairing:
		m.qr = ev.QR
		m.identity = nil
		if m.phase == PhaseOpen {
			m.phase = PhaseConnecting
		}
		m.mu.Unlock()
		m.log.Info().Int("len", len(ev.QR)).Msg("pairing code received")

	case StateOpen:
		m.phase = PhaseOpen
		m.qr = ""
		m.connecting = false
		if id, ok := m.conn.Identity(); ok {
			m.identity = &id
		}
		id := m.identity
		m.mu.Unlock()
		if id != nil {
			m.log.Info().Str("jid", id.JID).Str("push_name", id.PushName).Msg("session open")
		} else {
			m.log.Info().Msg("session open")
		}

	case StateClosed:
		m.phase = PhaseClosed
		m.identity = nil
		m.connecting = false
		conn := m.conn
		m.conn = nil
		m.mu.Unlock()
		if conn != nil {
			conn.Release()
		}

		if ev.LoggedOut {
			// Credentials were invalidated remotely; only re-pairing can
			// recover, so wipe before redialing.
			m.log.Warn().Msg("logged out remotely, resetting session")
			if err := m.auth.Wipe(context.Background()); err != nil {
				m.log.Error().Err(err).Msg("auth wipe failed")
			}
		} else {
			// Transient close: reconnect with the same credentials.
			m.log.Warn().Msg("connection closed, reconnecting")
		}
		m.reconnectLoop()
	default:
		m.mu.Unlock()
	}
}

const reconnectDelay = 2 * time.Second

// reconnectLoop redials until a connect attempt sticks or the session is
// torn down. A dial that fails synchronously emits no events, so nothing
// else would retrigger Start.
func (m *Manager) reconnectLoop() {
	for {
		err := m.Start(context.Background())
		if err == nil {
			return
		}
		m.log.Error().Err(err).Msg("reconnect failed, retrying")
		m.retrySleep(reconnectDelay)
		m.mu.Lock()
		want := m.want
		m.mu.Unlock()
		if !want {
			return
		}
	}
}

// HardReset irrecoverably deletes the persisted auth material, drops all
// session state, and starts over. This is the only way to force a fresh
// pairing code.
func (m *Manager) HardReset(ctx context.Context) error {
	conn := m.reset()
	if conn != nil {
		conn.Release()
	}
	if err := m.auth.Wipe(ctx); err != nil {
		// Deletion failure must not block rebuilding the session.
		m.log.Error().Err(err).Msg("auth wipe failed")
	}
	if err := m.Start(ctx); err != nil {
		// Keep redialing in the background; the caller still sees the
		// first failure.
		go m.reconnectLoop()
		return err
	}
	return nil
}

// ForceNewQR invalidates current credentials so the transport issues a
// fresh pairing code.
func (m *Manager) ForceNewQR(ctx context.Context) error {
	return m.HardReset(ctx)
}

// ClearCache deletes the persisted auth material and the pending pairing
// code but deliberately leaves the connection alone: no reconnect.
func (m *Manager) ClearCache(ctx context.Context) error {
	if err := m.auth.Wipe(ctx); err != nil {
		m.log.Error().Err(err).Msg("auth wipe failed")
	}
	m.mu.Lock()
	m.qr = ""
	m.mu.Unlock()
	return nil
}

// Disconnect performs a best-effort logout handshake and teardown, then
// clears all session state. A later Start is required to reconnect.
func (m *Manager) Disconnect(ctx context.Context) error {
	conn := m.reset()
	if conn != nil {
		if err := conn.Logout(ctx); err != nil {
			m.log.Warn().Err(err).Msg("logout failed")
		}
		conn.Release()
	}
	if err := m.auth.Wipe(ctx); err != nil {
		m.log.Error().Err(err).Msg("auth wipe failed")
	}
	return nil
}

// Close releases the transport handle without touching persisted
// credentials. Used on process shutdown.
func (m *Manager) Close() {
	conn := m.reset()
	if conn != nil {
		conn.Release()
	}
}

// Status returns a consistent snapshot of the session. Never blocks on
// I/O.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{
		Connected: m.phase == PhaseOpen,
		QR:        m.qr,
	}
	if m.identity != nil {
		id := *m.identity
		st.Identity = &id
	}
	return st
}

// Live returns the current transport, or ErrNotReady when the session is
// not open. Dispatch never queues or waits for a transport to appear.
func (m *Manager) Live() (Transport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != PhaseOpen || m.conn == nil {
		return nil, ErrNotReady
	}
	return m.conn, nil
}

// reset clears all lifecycle state, orphans any event pump for the
// current transport, and returns the transport so the caller can tear it
// down outside the lock.
func (m *Manager) reset() Transport {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn := m.conn
	m.conn = nil
	m.qr = ""
	m.identity = nil
	m.phase = PhaseIdle
	m.connecting = false
	m.want = false
	m.gen++
	return conn
}

// abandon rolls back a failed connect attempt and tears down its
// transport, unless a newer generation has already taken over.
func (m *Manager) abandon(gen uint64) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	conn := m.conn
	m.conn = nil
	m.connecting = false
	m.phase = PhaseClosed
	m.mu.Unlock()
	if conn != nil {
		conn.Release()
	}
}
