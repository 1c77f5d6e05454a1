package authority

import (
	"context"
	"encoding/json"
	"time"

	"fieldsync/internal/domain/record"
)

// Repository persists the authoritative copy of every record. Deletes are
// soft so that incremental pulls observe them as tombstones.
type Repository interface {
	// ListSince returns records of t changed after since, oldest first,
	// tombstones included.
	ListSince(ctx context.Context, t record.EntityType, since time.Time) ([]record.RemoteRecord, error)
	Get(ctx context.Context, t record.EntityType, id string) (*record.RemoteRecord, error)
	// FindByDomainKey also returns deleted records.
	FindByDomainKey(ctx context.Context, t record.EntityType, key string) (*record.RemoteRecord, error)
	// Create returns ErrDomainKeyTaken when key is already used.
	Create(ctx context.Context, rec record.RemoteRecord) (*record.RemoteRecord, error)
	Update(ctx context.Context, t record.EntityType, id string, payload json.RawMessage) (*record.RemoteRecord, error)
	SoftDelete(ctx context.Context, t record.EntityType, id string) error
}
