// Package store is the credentials store façade (spec §4.1): it composes
// the metadata tier, the secrets tier and the write-through cache behind a
// single query/update surface. Every public call clears and then (on
// failure) records a "last error" kind the caller can inspect. Calls that
// write both tiers write them one after the other, not in one
// transaction: when the second write fails, the first one stays in place.
package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/stacklok/signond/pkg/errors"
	"github.com/stacklok/signond/pkg/store/cache"
	"github.com/stacklok/signond/pkg/store/metadata"
	"github.com/stacklok/signond/pkg/store/secretsdb"
	"github.com/stacklok/signond/pkg/wire"
)

// TierState is the secrets tier's lifecycle state (spec §4.1 state machine).
type TierState int

// Tier states. The tier is re-openable: Open -> Closed -> Opening -> Open.
const (
	TierClosed TierState = iota
	TierOpening
	TierOpen
)

func (s TierState) String() string {
	switch s {
	case TierClosed:
		return "closed"
	case TierOpening:
		return "opening"
	case TierOpen:
		return "open"
	default:
		return "unknown"
	}
}

// LastError is the façade's own coarse error taxonomy, exposed alongside
// the richer pkg/errors.Kind that individual calls return (spec §4.1).
type LastError int

// Recognized last_error values.
const (
	NoError LastError = iota
	NotOpen
	ConnectionError
	StatementError
	UnknownError
)

// Store is the credentials store façade.
type Store struct {
	metadata *metadata.Store
	cache    *cache.Cache

	mu          sync.Mutex
	secrets     *secretsdb.Store
	secretsPath string
	tierState   TierState
	lastErr     LastError
}

// Open opens the metadata tier at metadataPath. The secrets tier starts
// Closed; call OpenSecretsTier to bring it up.
func Open(ctx context.Context, metadataPath string) (*Store, error) {
	md, err := metadata.Open(ctx, metadataPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open credentials store: %w", err)
	}
	return &Store{metadata: md, cache: cache.New()}, nil
}

// Close closes every open tier.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	if s.secrets != nil {
		if err := s.secrets.Close(); err != nil {
			firstErr = err
		}
	}
	if err := s.metadata.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// LastError returns the last error kind recorded by the most recently
// completed public call.
func (s *Store) LastError() LastError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// TierState reports the secrets tier's current lifecycle state.
func (s *Store) TierState() TierState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tierState
}

func (s *Store) beginCall() {
	s.mu.Lock()
	s.lastErr = NoError
	s.mu.Unlock()
}

func (s *Store) fail(kind LastError) {
	s.mu.Lock()
	s.lastErr = kind
	s.mu.Unlock()
}

// OpenSecretsTier opens the secrets tier at path (or reopens the one
// already configured, if path is empty) and flushes the cache into it.
// Driven externally by "secure storage available" events (spec §4.1).
func (s *Store) OpenSecretsTier(ctx context.Context, path string) error {
	s.mu.Lock()
	if path != "" {
		s.secretsPath = path
	}
	if s.secretsPath == "" {
		s.mu.Unlock()
		return errors.New(errors.InternalServer, "no secrets tier path configured")
	}
	s.tierState = TierOpening
	openPath := s.secretsPath
	s.mu.Unlock()

	db, err := secretsdb.Open(ctx, openPath)
	if err != nil {
		s.mu.Lock()
		s.tierState = TierClosed
		s.mu.Unlock()
		return fmt.Errorf("failed to open secrets tier: %w", err)
	}

	flushErr := s.cache.Flush(
		func(id uint32, secret cache.CachedSecret) error {
			return db.SetCredentials(ctx, id, secret.Username, secret.Password)
		},
		func(id uint32, methodID int64, data map[string][]byte) error {
			return db.StoreData(ctx, id, methodID, data)
		},
	)

	s.mu.Lock()
	s.secrets = db
	s.tierState = TierOpen
	s.mu.Unlock()

	if flushErr != nil {
		return fmt.Errorf("failed to flush secrets cache: %w", flushErr)
	}
	return nil
}

// CloseSecretsTier closes the secrets tier, e.g. in response to a
// "secure storage unavailable" event. Subsequent writes route to the cache.
func (s *Store) CloseSecretsTier() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.secrets == nil {
		s.tierState = TierClosed
		return nil
	}
	err := s.secrets.Close()
	s.secrets = nil
	s.tierState = TierClosed
	return err
}

func (s *Store) secretsTier() (*secretsdb.Store, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.secrets, s.tierState == TierOpen
}

func secretUsername(info *wire.Identity) string {
	if info.UsernameIsSecret {
		return info.Username
	}
	return ""
}
