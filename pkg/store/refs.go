package store

import (
	"context"

	"github.com/stacklok/signond/pkg/store/metadata"
)

// Reference is a single cross-identity reference, re-exported from the
// metadata tier since reference tracking is a pure metadata operation
// (spec §4.1: "add_reference / remove_reference / references | pure
// metadata ops").
type Reference = metadata.Reference

// AddReference records that token holds ref on identity id.
func (s *Store) AddReference(ctx context.Context, id uint32, token, ref string) error {
	s.beginCall()
	if err := s.metadata.AddReference(ctx, id, token, ref); err != nil {
		s.fail(StatementError)
		return err
	}
	return nil
}

// RemoveReference drops a (token, ref) pair from identity id.
func (s *Store) RemoveReference(ctx context.Context, id uint32, token, ref string) error {
	s.beginCall()
	if err := s.metadata.RemoveReference(ctx, id, token, ref); err != nil {
		s.fail(StatementError)
		return err
	}
	return nil
}

// References lists every (token, ref) pair recorded for identity id.
func (s *Store) References(ctx context.Context, id uint32) ([]Reference, error) {
	s.beginCall()
	refs, err := s.metadata.References(ctx, id)
	if err != nil {
		s.fail(StatementError)
		return nil, err
	}
	return refs, nil
}
