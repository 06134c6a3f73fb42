// Package httpapi exposes the gateway over HTTP: session lifecycle
// routes, the send surface with auth, idempotency and rate admission,
// and health endpoints.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// Options tunes the HTTP surface. Zero values select the defaults.
type Options struct {
	Token          string
	RateMax        int
	RateWindow     time.Duration
	IdempotencyTTL time.Duration
	MediaMaxBytes  int64
}

const (
	defaultRateMax        = 3
	defaultRateWindow     = time.Second
	defaultIdempotencyTTL = 5 * time.Minute
	defaultMediaMaxBytes  = 25 << 20
)

type Server struct {
	session SessionControl
	sender  Sender
	log     zerolog.Logger

	mediaMaxBytes int64
	router        chi.Router
}

func NewServer(sess SessionControl, sender Sender, log zerolog.Logger, opts Options) *Server {
	if opts.RateMax <= 0 {
		opts.RateMax = defaultRateMax
	}
	if opts.RateWindow <= 0 {
		opts.RateWindow = defaultRateWindow
	}
	if opts.IdempotencyTTL <= 0 {
		opts.IdempotencyTTL = defaultIdempotencyTTL
	}
	if opts.MediaMaxBytes <= 0 {
		opts.MediaMaxBytes = defaultMediaMaxBytes
	}

	s := &Server{
		session:       sess,
		sender:        sender,
		log:           log,
		mediaMaxBytes: opts.MediaMaxBytes,
	}

	window := newSendWindow(opts.RateMax, opts.RateWindow)
	idem := newIdemCache(opts.IdempotencyTTL)

	r := chi.NewRouter()
	r.Use(accessLog(log))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)

	r.Route("/api", func(r chi.Router) {
		r.Use(requireToken(opts.Token))

		r.Get("/qr", s.handleQR)
		r.Get("/status", s.handleStatus)
		r.Post("/qr/new", s.handleNewQR)
		r.Post("/disconnect", s.handleDisconnect)
		r.Post("/clear-cache", s.handleClearCache)
		r.Post("/check-number", s.handleCheckNumber)

		r.Route("/send", func(r chi.Router) {
			r.Use(window.middleware)

			r.With(idem.idempotent).Post("/text", s.handleSendText)
			r.Post("/media", s.handleSendMedia)
			r.Post("/contact", s.handleSendContact)
			r.With(idem.idempotent).Post("/narration", s.handleSendNarration)
		})
	})

	s.router = r
	return s
}

func (s *Server) Handler() http.Handler { return s.router }
