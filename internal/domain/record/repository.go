package record

import (
	"context"
	"time"
)

// MergeOp tells Store.Merge what to do with the row a MergeFunc produced.
type MergeOp int

const (
	MergeSkip MergeOp = iota
	MergePut
	MergeDelete
)

// MatchKey carries the identities a remote record can be matched by.
// DomainKey takes precedence over RemoteID.
type MatchKey struct {
	DomainKey string
	RemoteID  string
}

// MergeFunc receives the matched row (nil when none) and returns the row to
// persist. A returned record with LocalID 0 is inserted.
type MergeFunc func(existing *Record) (*Record, MergeOp, error)

// Store is the per-entity-type local table. Writes to one entity type are
// serialized; reads may run concurrently with them.
type Store interface {
	Insert(ctx context.Context, rec *Record) (*Record, error)
	Get(ctx context.Context, t EntityType, localID int64) (*Record, error)
	FindByRemoteID(ctx context.Context, t EntityType, remoteID string) (*Record, error)
	FindByDomainKey(ctx context.Context, t EntityType, key string) (*Record, error)
	List(ctx context.Context, t EntityType) ([]*Record, error)
	ListByState(ctx context.Context, t EntityType, states ...SendState) ([]*Record, error)
	ListUpdatedSince(ctx context.Context, t EntityType, since time.Time) ([]*Record, error)

	// Update loads the row, applies fn and writes the result back atomically.
	// An error from fn aborts the write and is returned as is.
	Update(ctx context.Context, t EntityType, localID int64, fn func(*Record) error) (*Record, error)
	// Merge finds the row matching key and applies fn atomically.
	Merge(ctx context.Context, t EntityType, key MatchKey, fn MergeFunc) (*Record, error)
	Delete(ctx context.Context, t EntityType, localID int64) error

	Watermark(ctx context.Context, t EntityType) (time.Time, error)
	// AdvanceWatermark stores max(current, ts) and returns the stored value.
	AdvanceWatermark(ctx context.Context, t EntityType, ts time.Time) (time.Time, error)

	AddReference(ctx context.Context, ref Reference) error
	References(ctx context.Context, t EntityType, ownerLocalID int64) ([]Reference, error)
	// RemapReferences points every reference owned by fromLocalID at
	// toLocalID and remoteID.
	RemapReferences(ctx context.Context, t EntityType, fromLocalID, toLocalID int64, remoteID string) error

	Close() error
}
