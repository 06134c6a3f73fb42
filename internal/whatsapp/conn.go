// Package whatsapp adapts a whatsmeow client to the session transport
// interface: it maps the client's event stream onto connection-status
// updates and exposes the narrow send/upload/lookup surface the
// dispatcher needs.
package whatsapp

import (
	"context"
	"os"
	"sync"

	"github.com/mdp/qrterminal"
	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/thiagociavolela/waconnect/internal/session"
)

// Conn wraps one whatsmeow client for the lifetime of a single
// connection attempt. Auto-reconnect is disabled on the client: the
// session manager decides whether a close means reconnect or re-pair.
type Conn struct {
	client *whatsmeow.Client
	log    zerolog.Logger

	renderQR bool

	mu     sync.Mutex
	closed bool
	events chan session.ConnEvent
}

// Dialer builds transports bound to a device record. renderQR also
// prints pairing codes to stdout for operators running in a terminal.
func Dialer(log zerolog.Logger, renderQR bool) session.Dialer {
	return func(ctx context.Context, device *store.Device) (session.Transport, error) {
		client := whatsmeow.NewClient(device, waLog.Zerolog(log.With().Str("component", "whatsmeow").Logger()))
		client.EnableAutoReconnect = false

		c := &Conn{
			client:   client,
			log:      log,
			renderQR: renderQR,
			events:   make(chan session.ConnEvent, 16),
		}
		client.AddEventHandler(c.handleEvent)

		if client.Store.ID == nil {
			// Unpaired device: the QR channel must be claimed before
			// Connect or the codes are lost.
			qrChan, err := client.GetQRChannel(ctx)
			if err != nil {
				return nil, err
			}
			go c.pumpQR(qrChan)
		}
		return c, nil
	}
}

func (c *Conn) Connect() error { return c.client.Connect() }

func (c *Conn) Logout(ctx context.Context) error { return c.client.Logout(ctx) }

// Release closes the event channel and tears the socket down. Safe to
// call more than once.
func (c *Conn) Release() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.events)
	c.mu.Unlock()

	c.client.Disconnect()
}

func (c *Conn) Identity() (session.Identity, bool) {
	id := c.client.Store.ID
	if id == nil {
		return session.Identity{}, false
	}
	return session.Identity{
		JID:      id.ToNonAD().String(),
		PushName: c.client.Store.PushName,
	}, true
}

func (c *Conn) Events() <-chan session.ConnEvent { return c.events }

func (c *Conn) Upload(ctx context.Context, data []byte, kind whatsmeow.MediaType) (whatsmeow.UploadResponse, error) {
	return c.client.Upload(ctx, data, kind)
}

func (c *Conn) Send(ctx context.Context, to types.JID, msg *waE2E.Message) (session.Receipt, error) {
	resp, err := c.client.SendMessage(ctx, to, msg)
	if err != nil {
		return session.Receipt{}, err
	}
	return session.Receipt{ID: string(resp.ID), RemoteJID: to.String(), FromMe: true}, nil
}

func (c *Conn) IsOnWhatsApp(ctx context.Context, phones []string) ([]types.IsOnWhatsAppResponse, error) {
	return c.client.IsOnWhatsApp(ctx, phones)
}

func (c *Conn) handleEvent(evt interface{}) {
	switch e := evt.(type) {
	case *events.Connected:
		if c.client.Store.PushName != "" {
			if err := c.client.SendPresence(context.Background(), types.PresenceAvailable); err != nil {
				c.log.Warn().Err(err).Msg("announce presence")
			}
		}
		c.emit(session.ConnEvent{State: session.StateOpen})

	case *events.PairSuccess:
		c.log.Info().Str("jid", e.ID.String()).Msg("paired")

	case *events.LoggedOut:
		c.log.Warn().Stringer("reason", e.Reason).Msg("logged out by server")
		c.emit(session.ConnEvent{State: session.StateClosed, LoggedOut: true})

	case *events.StreamReplaced:
		c.log.Warn().Msg("stream replaced by another client")
		c.emit(session.ConnEvent{State: session.StateClosed})

	case *events.TemporaryBan:
		c.log.Error().Stringer("reason", e.Code).Dur("expire", e.Expire).Msg("temporarily banned")
		c.emit(session.ConnEvent{State: session.StateClosed})

	case *events.ConnectFailure:
		c.log.Error().Stringer("reason", e.Reason).Msg("connect failure")
		c.emit(session.ConnEvent{State: session.StateClosed})

	case *events.Disconnected:
		c.emit(session.ConnEvent{State: session.StateClosed})
	}
}

func (c *Conn) pumpQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		switch item.Event {
		case "code":
			if c.renderQR {
				qrterminal.GenerateHalfBlock(item.Code, qrterminal.L, os.Stdout)
			}
			c.emit(session.ConnEvent{State: session.StatePairing, QR: item.Code})
		case "error":
			c.log.Error().Err(item.Error).Msg("pairing error")
		default:
			// success / timeout / client-outdated: the connection events
			// carry the outcome.
			c.log.Debug().Str("event", item.Event).Msg("pairing channel")
		}
	}
}

// emit drops events rather than blocking the whatsmeow event loop.
func (c *Conn) emit(ev session.ConnEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	default:
		c.log.Warn().Msg("connection event dropped")
	}
}
