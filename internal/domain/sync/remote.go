package sync

import (
	"context"
	"encoding/json"
	"time"

	"fieldsync/internal/domain/event"
	"fieldsync/internal/domain/record"
)

// RemoteAuthority is the server side of synchronization. Implementations
// report failures wrapping ErrUnauthorized, ErrRemoteNotFound, ErrServerError,
// ErrUnreachable or ErrMalformedResponse.
type RemoteAuthority interface {
	// FetchSince returns records changed after since, oldest first.
	FetchSince(ctx context.Context, t record.EntityType, since time.Time) ([]record.RemoteRecord, error)
	Create(ctx context.Context, t record.EntityType, domainKey string, payload json.RawMessage) (*record.RemoteRecord, error)
	Update(ctx context.Context, t record.EntityType, id string, payload json.RawMessage) (*record.RemoteRecord, error)
	Delete(ctx context.Context, t record.EntityType, id string) error
}

// AttachmentVerifier checks that a bound file can still be sent.
type AttachmentVerifier interface {
	Verify(path string) error
}

// AttachmentUploader stores an attachment and returns its object key.
type AttachmentUploader interface {
	Upload(ctx context.Context, t record.EntityType, domainKey string, path string) (string, error)
}

// Publisher is the part of the event notifier the sync core needs.
type Publisher interface {
	Publish(topic event.Topic, payload any)
}

// Clock timestamps local creations and updates.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock returns the wall clock in UTC.
func SystemClock() Clock { return systemClock{} }
