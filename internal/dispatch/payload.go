package dispatch

import (
	"fmt"
	"strings"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"google.golang.org/protobuf/proto"

	"github.com/thiagociavolela/waconnect/internal/jid"
)

// TextRequest sends a plain conversation message.
type TextRequest struct {
	To   string
	Body string
}

// MediaRequest sends an uploaded binary. Kind selects the message shape
// (image, video, audio, document); when empty it is deduced from the
// mimetype prefix, falling back to document.
type MediaRequest struct {
	To       string
	Data     []byte
	Mime     string
	FileName string
	Caption  string
	Kind     string
}

// ContactRequest sends a contact card.
type ContactRequest struct {
	To    string
	Name  string
	Phone string
}

// NarrationRequest synthesizes Text to speech and sends it as an audio
// message.
type NarrationRequest struct {
	To   string
	Text string
	Lang string
	Slow bool
}

const (
	defaultAudioMime    = "audio/ogg; codecs=opus"
	defaultDocumentMime = "application/octet-stream"
	defaultDocumentName = "document"
)

// kindOf deduces the media kind: an explicit kind wins, otherwise the
// mimetype prefix decides, otherwise document.
func kindOf(kind, mime string) whatsmeow.MediaType {
	switch kind {
	case "image":
		return whatsmeow.MediaImage
	case "video":
		return whatsmeow.MediaVideo
	case "audio":
		return whatsmeow.MediaAudio
	case "document":
		return whatsmeow.MediaDocument
	}
	switch {
	case strings.HasPrefix(mime, "image/"):
		return whatsmeow.MediaImage
	case strings.HasPrefix(mime, "video/"):
		return whatsmeow.MediaVideo
	case strings.HasPrefix(mime, "audio/"):
		return whatsmeow.MediaAudio
	default:
		return whatsmeow.MediaDocument
	}
}

// buildMediaMessage shapes the uploaded blob into the message type for
// its kind. Ogg/opus audio becomes a voice note with duration and
// waveform; other audio is sent plain.
func buildMediaMessage(up whatsmeow.UploadResponse, in MediaRequest, kind whatsmeow.MediaType) *waE2E.Message {
	msg := &waE2E.Message{}
	switch kind {
	case whatsmeow.MediaImage:
		msg.ImageMessage = &waE2E.ImageMessage{
			Caption:       proto.String(in.Caption),
			Mimetype:      proto.String(in.Mime),
			URL:           &up.URL,
			DirectPath:    &up.DirectPath,
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &up.FileLength,
		}
	case whatsmeow.MediaVideo:
		msg.VideoMessage = &waE2E.VideoMessage{
			Caption:       proto.String(in.Caption),
			Mimetype:      proto.String(in.Mime),
			URL:           &up.URL,
			DirectPath:    &up.DirectPath,
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &up.FileLength,
		}
	case whatsmeow.MediaAudio:
		audio := &waE2E.AudioMessage{
			Mimetype:      proto.String(in.Mime),
			URL:           &up.URL,
			DirectPath:    &up.DirectPath,
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &up.FileLength,
		}
		lower := strings.ToLower(in.Mime)
		if strings.Contains(lower, "ogg") || strings.Contains(lower, "opus") {
			secs, err := oggDuration(in.Data)
			if err != nil {
				secs = 30
			}
			audio.Seconds = proto.Uint32(secs)
			audio.PTT = proto.Bool(true)
			audio.Waveform = syntheticWaveform(secs)
		}
		msg.AudioMessage = audio
	default:
		msg.DocumentMessage = &waE2E.DocumentMessage{
			Title:         proto.String(in.FileName),
			Caption:       proto.String(in.Caption),
			FileName:      proto.String(in.FileName),
			Mimetype:      proto.String(in.Mime),
			URL:           &up.URL,
			DirectPath:    &up.DirectPath,
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &up.FileLength,
		}
	}
	return msg
}

// vcard renders the minimal card WhatsApp needs to show a tappable
// contact. The waid parameter is the contact's number reduced to digits.
func vcard(name, phone string) string {
	lines := []string{
		"BEGIN:VCARD",
		"VERSION:3.0",
		fmt.Sprintf("FN:%s", name),
		fmt.Sprintf("TEL;type=CELL;type=VOICE;waid=%s:%s", jid.Digits(phone), phone),
		"END:VCARD",
	}
	return strings.Join(lines, "\n")
}
