package store

import (
	"context"

	"github.com/stacklok/signond/pkg/errors"
	"github.com/stacklok/signond/pkg/store/secretsdb"
)

// LoadData returns the session data blob for (id, method), preferring the
// cache over the tier when both could have a value: a write made while the
// tier was closed is still the most recent one (spec §4.1 load_data).
func (s *Store) LoadData(ctx context.Context, id uint32, method string) (map[string][]byte, error) {
	s.beginCall()

	methodID, err := s.metadata.EnsureMethodID(ctx, method)
	if err != nil {
		s.fail(StatementError)
		return nil, err
	}

	if data, ok := s.cache.Data(id, methodID); ok {
		return data, nil
	}

	tier, open := s.secretsTier()
	if !open {
		return map[string][]byte{}, nil
	}
	data, err := tier.LoadData(ctx, id, methodID)
	if err != nil {
		s.fail(ConnectionError)
		return nil, err
	}
	return data, nil
}

// StoreData replaces the session data blob for (id, method), routing the
// write to the cache while the secrets tier is closed (spec §4.1
// store_data). The 4 KiB budget (secretsdb.BlobBudgetBytes) is checked here
// before either path, so a write that would exceed it fails the same way
// regardless of tier state.
func (s *Store) StoreData(ctx context.Context, id uint32, method string, data map[string][]byte) error {
	s.beginCall()

	methodID, err := s.metadata.EnsureMethodID(ctx, method)
	if err != nil {
		s.fail(StatementError)
		return err
	}

	if err := checkBlobBudget(data); err != nil {
		s.fail(StatementError)
		return err
	}

	tier, open := s.secretsTier()
	if !open {
		s.cache.PutData(id, methodID, data)
		return nil
	}
	if err := tier.StoreData(ctx, id, methodID, data); err != nil {
		s.fail(ConnectionError)
		return err
	}
	return nil
}

// RemoveData deletes session data for id, for a single method if given or
// every method if not (spec §4.1 remove_data(id, method?)). Requires the
// secrets tier to be open.
func (s *Store) RemoveData(ctx context.Context, id uint32, method *string) error {
	s.beginCall()

	tier, open := s.secretsTier()
	if !open {
		s.fail(NotOpen)
		return errors.New(errors.ServiceNotAvailable, "secrets tier is closed")
	}

	var methodID *int64
	if method != nil {
		resolved, err := s.metadata.EnsureMethodID(ctx, *method)
		if err != nil {
			s.fail(StatementError)
			return err
		}
		methodID = &resolved
	}

	s.cache.RemoveData(id, methodID)
	if err := tier.RemoveData(ctx, id, methodID); err != nil {
		s.fail(ConnectionError)
		return err
	}
	return nil
}

func checkBlobBudget(data map[string][]byte) error {
	size := 0
	for k, v := range data {
		size += len(k) + len(v)
	}
	if size > secretsdb.BlobBudgetBytes {
		return errors.New(errors.StoreFailed, "session data exceeds %d byte budget (%d bytes)", secretsdb.BlobBudgetBytes, size)
	}
	return nil
}
