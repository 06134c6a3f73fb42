// Package dispatch turns typed outbound requests into protocol messages
// on the live transport, with bounded retry around every send.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"

	"github.com/thiagociavolela/waconnect/internal/jid"
	"github.com/thiagociavolela/waconnect/internal/session"
	"github.com/thiagociavolela/waconnect/internal/tts"
)

const (
	defaultAttempts = 3
	defaultBackoff  = 200 * time.Millisecond
)

// Source hands out the live transport, or session.ErrNotReady.
type Source interface {
	Live() (session.Transport, error)
}

// Dispatcher owns the outbound path. Retry suspends only the calling
// goroutine; concurrent sends are unaffected.
type Dispatcher struct {
	src      Source
	speech   tts.Fetcher
	log      zerolog.Logger
	attempts int
	backoff  time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
}

func New(src Source, speech tts.Fetcher, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		src:      src,
		speech:   speech,
		log:      log,
		attempts: defaultAttempts,
		backoff:  defaultBackoff,
		sleep:    sleepCtx,
	}
}

// SetRetry overrides the retry policy. Zero values keep the defaults.
func (d *Dispatcher) SetRetry(attempts int, backoff time.Duration) {
	if attempts > 0 {
		d.attempts = attempts
	}
	if backoff > 0 {
		d.backoff = backoff
	}
}

// SendText delivers a plain text message.
func (d *Dispatcher) SendText(ctx context.Context, req TextRequest) (session.Receipt, error) {
	conn, err := d.src.Live()
	if err != nil {
		return session.Receipt{}, err
	}
	to, err := jid.Parse(req.To)
	if err != nil {
		return session.Receipt{}, fmt.Errorf("parse recipient: %w", err)
	}
	return d.withRetry(ctx, "text", func(ctx context.Context) (session.Receipt, error) {
		msg := &waE2E.Message{Conversation: proto.String(req.Body)}
		return conn.Send(ctx, to, msg)
	})
}

// SendMedia uploads the blob and delivers it shaped by its kind.
func (d *Dispatcher) SendMedia(ctx context.Context, req MediaRequest) (session.Receipt, error) {
	conn, err := d.src.Live()
	if err != nil {
		return session.Receipt{}, err
	}
	to, err := jid.Parse(req.To)
	if err != nil {
		return session.Receipt{}, fmt.Errorf("parse recipient: %w", err)
	}

	kind := kindOf(req.Kind, req.Mime)
	if req.Mime == "" {
		if kind == whatsmeow.MediaAudio {
			req.Mime = defaultAudioMime
		} else {
			req.Mime = defaultDocumentMime
		}
	}
	if req.FileName == "" {
		req.FileName = defaultDocumentName
	}

	return d.withRetry(ctx, "media", func(ctx context.Context) (session.Receipt, error) {
		return d.uploadAndSend(ctx, conn, to, req, kind)
	})
}

// uploadAndSend is the single upload-then-send path every media-shaped
// message goes through.
func (d *Dispatcher) uploadAndSend(ctx context.Context, conn session.Transport, to types.JID, req MediaRequest, kind whatsmeow.MediaType) (session.Receipt, error) {
	up, err := conn.Upload(ctx, req.Data, kind)
	if err != nil {
		return session.Receipt{}, fmt.Errorf("upload media: %w", err)
	}
	return conn.Send(ctx, to, buildMediaMessage(up, req, kind))
}

// SendContact delivers a contact card.
func (d *Dispatcher) SendContact(ctx context.Context, req ContactRequest) (session.Receipt, error) {
	conn, err := d.src.Live()
	if err != nil {
		return session.Receipt{}, err
	}
	to, err := jid.Parse(req.To)
	if err != nil {
		return session.Receipt{}, fmt.Errorf("parse recipient: %w", err)
	}
	return d.withRetry(ctx, "contact", func(ctx context.Context) (session.Receipt, error) {
		msg := &waE2E.Message{ContactMessage: &waE2E.ContactMessage{
			DisplayName: proto.String(req.Name),
			Vcard:       proto.String(vcard(req.Name, req.Phone)),
		}}
		return conn.Send(ctx, to, msg)
	})
}

// SendNarration synthesizes the text and delivers it as an MPEG audio
// message. The speech fetch sits inside the retry loop, so a transient
// synthesis failure is retried like a transient send failure.
func (d *Dispatcher) SendNarration(ctx context.Context, req NarrationRequest) (session.Receipt, error) {
	conn, err := d.src.Live()
	if err != nil {
		return session.Receipt{}, err
	}
	to, err := jid.Parse(req.To)
	if err != nil {
		return session.Receipt{}, fmt.Errorf("parse recipient: %w", err)
	}
	lang := req.Lang
	if lang == "" {
		lang = "pt-BR"
	}
	return d.withRetry(ctx, "narration", func(ctx context.Context) (session.Receipt, error) {
		audio, err := d.speech.Fetch(ctx, req.Text, lang, req.Slow)
		if err != nil {
			return session.Receipt{}, fmt.Errorf("synthesize narration: %w", err)
		}
		media := MediaRequest{
			Data:     audio,
			Mime:     "audio/mpeg",
			FileName: "narration.mp3",
		}
		return d.uploadAndSend(ctx, conn, to, media, whatsmeow.MediaAudio)
	})
}

// CheckNumber asks the server whether a phone number is registered.
// Lookups are not retried.
func (d *Dispatcher) CheckNumber(ctx context.Context, phone string) (bool, string, error) {
	conn, err := d.src.Live()
	if err != nil {
		return false, "", err
	}
	digits := jid.Digits(phone)
	if digits == "" {
		return false, "", fmt.Errorf("no digits in %q", phone)
	}
	resp, err := conn.IsOnWhatsApp(ctx, []string{"+" + digits})
	if err != nil {
		return false, "", fmt.Errorf("check number: %w", err)
	}
	if len(resp) == 0 {
		return false, "", nil
	}
	return resp[0].IsIn, resp[0].JID.String(), nil
}

// withRetry runs fn up to d.attempts times, sleeping backoff×attempt
// between failures. The final failure is returned unchanged, with no
// trailing sleep.
func (d *Dispatcher) withRetry(ctx context.Context, op string, fn func(ctx context.Context) (session.Receipt, error)) (session.Receipt, error) {
	var lastErr error
	for attempt := 1; attempt <= d.attempts; attempt++ {
		receipt, err := fn(ctx)
		if err == nil {
			return receipt, nil
		}
		lastErr = err
		d.log.Warn().Err(err).Str("op", op).Int("attempt", attempt).Msg("send failed")
		if attempt < d.attempts {
			if err := d.sleep(ctx, d.backoff*time.Duration(attempt)); err != nil {
				return session.Receipt{}, err
			}
		}
	}
	return session.Receipt{}, lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
