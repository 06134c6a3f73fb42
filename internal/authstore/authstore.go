// Package authstore persists WhatsApp pairing credentials in a sqlite
// database under a dedicated directory, and knows how to destroy them
// when the session must be re-paired from scratch.
package authstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	waLog "go.mau.fi/whatsmeow/util/log"
)

const dbFile = "session.db"

// Store is a lazily opened sqlstore container rooted at a directory.
// Wipe closes the container and deletes the directory; the next Device
// call rebuilds everything, which is what forces a fresh pairing.
type Store struct {
	dir string
	log zerolog.Logger

	mu        sync.Mutex
	container *sqlstore.Container
}

func New(dir string, log zerolog.Logger) *Store {
	return &Store{dir: dir, log: log}
}

// Device returns the stored device, creating the database and a blank
// device on first use.
func (s *Store) Device(ctx context.Context) (*store.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.container == nil {
		if err := os.MkdirAll(s.dir, 0o755); err != nil {
			return nil, fmt.Errorf("create auth dir: %w", err)
		}
		dsn := fmt.Sprintf("file:%s?_foreign_keys=on", filepath.Join(s.dir, dbFile))
		container, err := sqlstore.New(ctx, "sqlite3", dsn, waLog.Zerolog(s.log))
		if err != nil {
			return nil, fmt.Errorf("open auth store: %w", err)
		}
		s.container = container
	}

	device, err := s.container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("load device: %w", err)
	}
	return device, nil
}

// Wipe closes the container and removes the auth directory wholesale.
func (s *Store) Wipe(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.container != nil {
		if err := s.container.Close(); err != nil {
			s.log.Warn().Err(err).Msg("closing auth store before wipe")
		}
		s.container = nil
	}
	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("remove auth dir: %w", err)
	}
	return nil
}
