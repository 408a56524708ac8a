package store

import (
	"context"
	stderrors "errors"

	"github.com/stacklok/signond/pkg/errors"
	"github.com/stacklok/signond/pkg/store/cache"
	"github.com/stacklok/signond/pkg/store/secretsdb"
	"github.com/stacklok/signond/pkg/wire"
)

// InsertCredentials persists a new identity, returning its assigned id.
// The secrets-tier write (if any) is cached instead of persisted while the
// secrets tier is closed (spec §4.1 insert_credentials).
func (s *Store) InsertCredentials(ctx context.Context, info *wire.Identity) (uint32, error) {
	s.beginCall()

	id, err := s.metadata.Insert(ctx, info)
	if err != nil {
		s.fail(StatementError)
		return 0, err
	}

	if err := s.writeSecret(ctx, id, info); err != nil {
		s.fail(ConnectionError)
		return id, err
	}
	return id, nil
}

// UpdateCredentials overwrites an existing identity's metadata, and its
// secret unless the secrets tier is closed, in which case the new secret
// is cached (spec §4.1 update_credentials).
func (s *Store) UpdateCredentials(ctx context.Context, info *wire.Identity) error {
	s.beginCall()

	if err := s.metadata.Update(ctx, info); err != nil {
		s.fail(StatementError)
		return err
	}

	if err := s.writeSecret(ctx, info.ID, info); err != nil {
		s.fail(ConnectionError)
		return err
	}
	return nil
}

func (s *Store) writeSecret(ctx context.Context, id uint32, info *wire.Identity) error {
	secret := cache.CachedSecret{
		Username:      secretUsername(info),
		Password:      info.Password,
		StorePassword: info.StorePassword,
	}

	tier, open := s.secretsTier()
	if !open {
		s.cache.PutSecret(id, secret)
		return nil
	}
	if !info.StorePassword {
		// Never persisted to the tier; lives only in the cache for the
		// life of the process (spec invariant 3).
		s.cache.PutSecret(id, secret)
		return nil
	}
	return tier.SetCredentials(ctx, id, secret.Username, secret.Password)
}

// RemoveCredentials deletes an identity from both tiers. It requires the
// secrets tier to be open: destructive operations need both tiers (spec
// §4.1 remove_credentials).
func (s *Store) RemoveCredentials(ctx context.Context, id uint32) error {
	s.beginCall()

	tier, open := s.secretsTier()
	if !open {
		s.fail(NotOpen)
		return errors.New(errors.ServiceNotAvailable, "secrets tier is closed")
	}

	if err := tier.DeleteCredentials(ctx, id); err != nil {
		s.fail(ConnectionError)
		return err
	}
	if err := s.metadata.Delete(ctx, id); err != nil {
		s.fail(StatementError)
		return err
	}
	return nil
}

// Credentials fetches an identity's metadata, optionally filling in its
// password from whichever of the tier or the cache currently holds it
// (spec §4.1 credentials(id, with_password)).
func (s *Store) Credentials(ctx context.Context, id uint32, withPassword bool) (*wire.Identity, error) {
	s.beginCall()

	info, err := s.metadata.Get(ctx, id)
	if err != nil {
		s.fail(StatementError)
		return nil, err
	}

	if !withPassword {
		return info, nil
	}

	if cached, ok := s.cache.Secret(id); ok {
		info.Password = cached.Password
		if info.UsernameIsSecret {
			info.Username = cached.Username
		}
		return info, nil
	}

	if tier, open := s.secretsTier(); open {
		username, password, err := tier.Credentials(ctx, id)
		if err == nil {
			info.Password = password
			if info.UsernameIsSecret {
				info.Username = username
			}
		}
	}
	return info, nil
}

// CredentialsList returns every identity matching filter. filter is
// currently unused: spec §4.1 leaves it as a design hook.
func (s *Store) CredentialsList(ctx context.Context, filter map[string]string) ([]*wire.Identity, error) {
	s.beginCall()
	all, err := s.metadata.List(ctx, filter)
	if err != nil {
		s.fail(StatementError)
		return nil, err
	}
	return all, nil
}

// CheckPassword validates username/password against a stored identity. If
// the identity's username is itself a secret, both fields are validated
// against the secrets tier; otherwise only the password is, against the
// metadata tier's plaintext username (spec §4.1 check_password).
func (s *Store) CheckPassword(ctx context.Context, id uint32, username, password string) (bool, error) {
	s.beginCall()

	info, err := s.metadata.Get(ctx, id)
	if err != nil {
		s.fail(StatementError)
		return false, err
	}

	if !info.UsernameIsSecret && info.Username != username {
		return false, nil
	}

	// check_password only asks the secrets tier to validate the secret
	// (spec §4.1): unlike credentials(id, with_password), it does not fall
	// back to the cache while the tier is open, only while it is closed.
	tier, open := s.secretsTier()
	if !open {
		cached, ok := s.cache.Secret(id)
		if !ok {
			return false, nil
		}
		if info.UsernameIsSecret {
			return cached.Username == username && cached.Password == password, nil
		}
		return cached.Password == password, nil
	}

	gotUsername, gotPassword, err := tier.Credentials(ctx, id)
	if err != nil {
		if stderrors.Is(err, secretsdb.ErrNotFound) {
			return false, nil
		}
		s.fail(ConnectionError)
		return false, err
	}
	if info.UsernameIsSecret {
		return gotUsername == username && gotPassword == password, nil
	}
	return gotPassword == password, nil
}

// Clear removes every identity from both tiers and empties the cache. It
// requires the secrets tier to be open (spec §4.1 clear()).
func (s *Store) Clear(ctx context.Context) error {
	s.beginCall()

	tier, open := s.secretsTier()
	if !open {
		s.fail(NotOpen)
		return errors.New(errors.ServiceNotAvailable, "secrets tier is closed")
	}
	if err := tier.Clear(ctx); err != nil {
		s.fail(ConnectionError)
		return err
	}
	if err := s.metadata.Clear(ctx); err != nil {
		s.fail(StatementError)
		return err
	}
	s.cache.Clear()
	return nil
}
