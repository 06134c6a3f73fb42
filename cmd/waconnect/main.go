package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"golang.org/x/term"

	"github.com/thiagociavolela/waconnect/internal/authstore"
	"github.com/thiagociavolela/waconnect/internal/config"
	"github.com/thiagociavolela/waconnect/internal/dispatch"
	"github.com/thiagociavolela/waconnect/internal/httpapi"
	"github.com/thiagociavolela/waconnect/internal/session"
	"github.com/thiagociavolela/waconnect/internal/tts"
	"github.com/thiagociavolela/waconnect/internal/whatsapp"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	interactive := term.IsTerminal(int(os.Stdout.Fd()))
	log := newLogger(cfg.LogLevel, interactive)

	auth := authstore.New(cfg.AuthDir, log.With().Str("component", "authstore").Logger())
	dial := whatsapp.Dialer(log, interactive)
	manager := session.NewManager(auth, dial, log.With().Str("component", "session").Logger())

	speech := tts.NewClient(cfg.TTSBase)
	sender := dispatch.New(manager, speech, log.With().Str("component", "dispatch").Logger())
	sender.SetRetry(cfg.SendRetryAttempts, cfg.SendRetryBackoff)

	api := httpapi.NewServer(manager, sender, log.With().Str("component", "http").Logger(), httpapi.Options{
		Token:          cfg.APIToken,
		RateMax:        cfg.SendRateMax,
		RateWindow:     cfg.SendRateWindow,
		IdempotencyTTL: cfg.IdempotencyTTL,
		MediaMaxBytes:  cfg.MediaMaxBytes,
	})

	// Bring the session up in the background; pairing or reconnecting
	// must not delay the HTTP surface.
	go func() {
		if err := manager.Start(context.Background()); err != nil {
			log.Error().Err(err).Msg("session bootstrap failed")
		}
	}()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	// Drop the connection but keep credentials so the next boot resumes
	// the session.
	manager.Close()
}

func newLogger(level string, interactive bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if interactive {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen})
	} else {
		logger = zerolog.New(os.Stdout)
	}
	return logger.Level(lvl).With().Timestamp().Logger()
}
