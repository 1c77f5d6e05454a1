package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"fieldsync/internal/domain/record"
)

type table struct {
	mu        sync.RWMutex
	rows      map[int64]*record.Record
	byRemote  map[string]int64
	byKey     map[string]int64
	watermark time.Time
	refs      []record.Reference
}

// Store is an in-memory record.Store. It backs the client when no SQLite
// file can be opened and is used by tests.
type Store struct {
	nextID atomic.Int64
	tables map[record.EntityType]*table
}

func New() *Store {
	s := &Store{tables: make(map[record.EntityType]*table)}
	for _, t := range record.AllEntityTypes() {
		s.tables[t] = &table{
			rows:     make(map[int64]*record.Record),
			byRemote: make(map[string]int64),
			byKey:    make(map[string]int64),
		}
	}
	return s
}

func (s *Store) table(t record.EntityType) (*table, error) {
	tb, ok := s.tables[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", record.ErrUnknownType, t)
	}
	return tb, nil
}

func (s *Store) Insert(_ context.Context, rec *record.Record) (*record.Record, error) {
	tb, err := s.table(rec.Type)
	if err != nil {
		return nil, err
	}
	tb.mu.Lock()
	defer tb.mu.Unlock()

	row := rec.Clone()
	row.LocalID = s.nextID.Add(1)
	if err := tb.checkUnique(row); err != nil {
		return nil, err
	}
	tb.put(nil, row)

	return row.Clone(), nil
}

func (s *Store) Get(_ context.Context, t record.EntityType, localID int64) (*record.Record, error) {
	tb, err := s.table(t)
	if err != nil {
		return nil, err
	}
	tb.mu.RLock()
	defer tb.mu.RUnlock()

	row, ok := tb.rows[localID]
	if !ok {
		return nil, record.ErrNotFound
	}
	return row.Clone(), nil
}

func (s *Store) FindByRemoteID(_ context.Context, t record.EntityType, remoteID string) (*record.Record, error) {
	tb, err := s.table(t)
	if err != nil {
		return nil, err
	}
	tb.mu.RLock()
	defer tb.mu.RUnlock()

	if row := tb.lookup(record.MatchKey{RemoteID: remoteID}); row != nil {
		return row.Clone(), nil
	}
	return nil, record.ErrNotFound
}

func (s *Store) FindByDomainKey(_ context.Context, t record.EntityType, key string) (*record.Record, error) {
	tb, err := s.table(t)
	if err != nil {
		return nil, err
	}
	tb.mu.RLock()
	defer tb.mu.RUnlock()

	if row := tb.lookup(record.MatchKey{DomainKey: key}); row != nil {
		return row.Clone(), nil
	}
	return nil, record.ErrNotFound
}

func (s *Store) List(_ context.Context, t record.EntityType) ([]*record.Record, error) {
	return s.filter(t, func(*record.Record) bool { return true }, byLocalID)
}

func (s *Store) ListByState(_ context.Context, t record.EntityType, states ...record.SendState) ([]*record.Record, error) {
	want := make(map[record.SendState]struct{}, len(states))
	for _, st := range states {
		want[st] = struct{}{}
	}
	return s.filter(t, func(r *record.Record) bool {
		_, ok := want[r.State]
		return ok
	}, byLocalID)
}

func (s *Store) ListUpdatedSince(_ context.Context, t record.EntityType, since time.Time) ([]*record.Record, error) {
	return s.filter(t, func(r *record.Record) bool {
		return r.UpdatedAt.After(since)
	}, func(a, b *record.Record) bool {
		if a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.LocalID < b.LocalID
		}
		return a.UpdatedAt.Before(b.UpdatedAt)
	})
}

func (s *Store) Update(_ context.Context, t record.EntityType, localID int64, fn func(*record.Record) error) (*record.Record, error) {
	tb, err := s.table(t)
	if err != nil {
		return nil, err
	}
	tb.mu.Lock()
	defer tb.mu.Unlock()

	old, ok := tb.rows[localID]
	if !ok {
		return nil, record.ErrNotFound
	}
	next := old.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.LocalID, next.Type = old.LocalID, old.Type
	if err := tb.checkUnique(next); err != nil {
		return nil, err
	}
	tb.put(old, next)

	return next.Clone(), nil
}

func (s *Store) Merge(_ context.Context, t record.EntityType, key record.MatchKey, fn record.MergeFunc) (*record.Record, error) {
	tb, err := s.table(t)
	if err != nil {
		return nil, err
	}
	tb.mu.Lock()
	defer tb.mu.Unlock()

	existing := tb.lookup(key)
	next, op, err := fn(existing.Clone())
	if err != nil {
		return nil, err
	}

	switch op {
	case record.MergePut:
		row := next.Clone()
		row.Type = t
		if existing != nil {
			row.LocalID = existing.LocalID
		} else {
			row.LocalID = s.nextID.Add(1)
		}
		if err := tb.checkUnique(row); err != nil {
			return nil, err
		}
		tb.put(existing, row)
		return row.Clone(), nil
	case record.MergeDelete:
		if existing == nil {
			return nil, nil
		}
		tb.remove(existing)
		return existing.Clone(), nil
	default:
		return existing.Clone(), nil
	}
}

func (s *Store) Delete(_ context.Context, t record.EntityType, localID int64) error {
	tb, err := s.table(t)
	if err != nil {
		return err
	}
	tb.mu.Lock()
	defer tb.mu.Unlock()

	row, ok := tb.rows[localID]
	if !ok {
		return record.ErrNotFound
	}
	tb.remove(row)
	return nil
}

func (s *Store) Watermark(_ context.Context, t record.EntityType) (time.Time, error) {
	tb, err := s.table(t)
	if err != nil {
		return time.Time{}, err
	}
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	return tb.watermark, nil
}

func (s *Store) AdvanceWatermark(_ context.Context, t record.EntityType, ts time.Time) (time.Time, error) {
	tb, err := s.table(t)
	if err != nil {
		return time.Time{}, err
	}
	tb.mu.Lock()
	defer tb.mu.Unlock()

	if ts.After(tb.watermark) {
		tb.watermark = ts
	}
	return tb.watermark, nil
}

func (s *Store) AddReference(_ context.Context, ref record.Reference) error {
	tb, err := s.table(ref.Type)
	if err != nil {
		return err
	}
	tb.mu.Lock()
	defer tb.mu.Unlock()

	if _, ok := tb.rows[ref.OwnerLocalID]; !ok {
		return record.ErrNotFound
	}
	for _, r := range tb.refs {
		if r.OwnerLocalID == ref.OwnerLocalID && r.Kind == ref.Kind && r.Key == ref.Key {
			return nil
		}
	}
	tb.refs = append(tb.refs, ref)
	return nil
}

func (s *Store) References(_ context.Context, t record.EntityType, ownerLocalID int64) ([]record.Reference, error) {
	tb, err := s.table(t)
	if err != nil {
		return nil, err
	}
	tb.mu.RLock()
	defer tb.mu.RUnlock()

	var out []record.Reference
	for _, r := range tb.refs {
		if r.OwnerLocalID == ownerLocalID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) RemapReferences(_ context.Context, t record.EntityType, fromLocalID, toLocalID int64, remoteID string) error {
	tb, err := s.table(t)
	if err != nil {
		return err
	}
	tb.mu.Lock()
	defer tb.mu.Unlock()

	for i := range tb.refs {
		if tb.refs[i].OwnerLocalID == fromLocalID {
			tb.refs[i].OwnerLocalID = toLocalID
			tb.refs[i].OwnerRemoteID = remoteID
		}
	}
	return nil
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) filter(t record.EntityType, keep func(*record.Record) bool, less func(a, b *record.Record) bool) ([]*record.Record, error) {
	tb, err := s.table(t)
	if err != nil {
		return nil, err
	}
	tb.mu.RLock()
	defer tb.mu.RUnlock()

	out := make([]*record.Record, 0, len(tb.rows))
	for _, r := range tb.rows {
		if keep(r) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out, nil
}

func byLocalID(a, b *record.Record) bool {
	return a.LocalID < b.LocalID
}

func (tb *table) lookup(key record.MatchKey) *record.Record {
	if key.DomainKey != "" {
		if id, ok := tb.byKey[key.DomainKey]; ok {
			return tb.rows[id]
		}
	}
	if key.RemoteID != "" {
		if id, ok := tb.byRemote[key.RemoteID]; ok {
			return tb.rows[id]
		}
	}
	return nil
}

func (tb *table) checkUnique(row *record.Record) error {
	if row.RemoteID != "" {
		if id, ok := tb.byRemote[row.RemoteID]; ok && id != row.LocalID {
			return fmt.Errorf("%w: %s", record.ErrRemoteIDTaken, row.RemoteID)
		}
	}
	if row.DomainKey != "" {
		if id, ok := tb.byKey[row.DomainKey]; ok && id != row.LocalID {
			return fmt.Errorf("%w: %s", record.ErrDomainKeyTaken, row.DomainKey)
		}
	}
	return nil
}

func (tb *table) put(old, row *record.Record) {
	if old != nil {
		delete(tb.byRemote, old.RemoteID)
		delete(tb.byKey, old.DomainKey)
	}
	tb.rows[row.LocalID] = row
	if row.RemoteID != "" {
		tb.byRemote[row.RemoteID] = row.LocalID
	}
	if row.DomainKey != "" {
		tb.byKey[row.DomainKey] = row.LocalID
	}
}

func (tb *table) remove(row *record.Record) {
	delete(tb.rows, row.LocalID)
	if row.RemoteID != "" {
		delete(tb.byRemote, row.RemoteID)
	}
	if row.DomainKey != "" {
		delete(tb.byKey, row.DomainKey)
	}
	kept := tb.refs[:0]
	for _, r := range tb.refs {
		if r.OwnerLocalID != row.LocalID {
			kept = append(kept, r)
		}
	}
	tb.refs = kept
}
