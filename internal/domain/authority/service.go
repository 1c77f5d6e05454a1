package authority

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/slog"

	"fieldsync/internal/domain/record"
)

type Servicer interface {
	FetchSince(ctx context.Context, t record.EntityType, since time.Time) ([]record.RemoteRecord, error)
	Create(ctx context.Context, t record.EntityType, domainKey string, payload json.RawMessage) (*record.RemoteRecord, error)
	Update(ctx context.Context, t record.EntityType, id string, payload json.RawMessage) (*record.RemoteRecord, error)
	Delete(ctx context.Context, t record.EntityType, id string) error
}

// Service is the server side of synchronization.
type Service struct {
	repo  Repository
	newID func() string
	log   *slog.Logger
}

func NewService(repo Repository, log *slog.Logger) *Service {
	return &Service{
		repo:  repo,
		newID: uuid.NewString,
		log:   log.With("component", "authority_service"),
	}
}

func (s *Service) FetchSince(ctx context.Context, t record.EntityType, since time.Time) ([]record.RemoteRecord, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	records, err := s.repo.ListSince(ctx, t, since)
	if err != nil {
		s.log.Error("failed to list records", "type", t, "since", since, "error", err)
		return nil, fmt.Errorf("list %s since %s: %w", t, since.Format(time.RFC3339Nano), err)
	}
	return records, nil
}

// Create stores a new record. A create naming the domain key of an existing
// record returns that record, so a client retrying a lost response never
// produces a duplicate.
func (s *Service) Create(ctx context.Context, t record.EntityType, domainKey string, payload json.RawMessage) (*record.RemoteRecord, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if err := validPayload(payload); err != nil {
		return nil, err
	}

	if t.HasDomainKey() {
		if domainKey == "" {
			domainKey = record.DomainKeyFromPayload(t, payload)
		}
		if domainKey == "" {
			domainKey = s.newID()
		}
		var err error
		if payload, err = record.SetPayloadField(payload, t.DomainKeyField(), domainKey); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}

		existing, err := s.existing(ctx, t, domainKey)
		if existing != nil || err != nil {
			return existing, err
		}
	} else {
		domainKey = ""
	}

	created, err := s.repo.Create(ctx, record.RemoteRecord{
		ID:        s.newID(),
		Type:      t,
		DomainKey: domainKey,
		Payload:   payload,
	})
	if errors.Is(err, ErrDomainKeyTaken) {
		// Lost a race with a concurrent create of the same key.
		existing, ferr := s.existing(ctx, t, domainKey)
		if existing != nil || ferr != nil {
			return existing, ferr
		}
	}
	if err != nil {
		s.log.Error("failed to create record", "type", t, "domain_key", domainKey, "error", err)
		return nil, fmt.Errorf("create %s: %w", t, err)
	}

	s.log.Info("record created", "type", t, "id", created.ID, "domain_key", domainKey)
	return created, nil
}

func (s *Service) existing(ctx context.Context, t record.EntityType, key string) (*record.RemoteRecord, error) {
	rec, err := s.repo.FindByDomainKey(ctx, t, key)
	switch {
	case errors.Is(err, ErrNotFound):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("find %s by domain key: %w", t, err)
	case rec.Deleted:
		return nil, fmt.Errorf("%w: %s", ErrDomainKeyDeleted, key)
	}
	s.log.Debug("create replayed", "type", t, "id", rec.ID, "domain_key", key)
	return rec, nil
}

func (s *Service) Update(ctx context.Context, t record.EntityType, id string, payload json.RawMessage) (*record.RemoteRecord, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if err := validPayload(payload); err != nil {
		return nil, err
	}

	current, err := s.repo.Get(ctx, t, id)
	if err != nil {
		return nil, err
	}
	if current.Deleted {
		return nil, ErrNotFound
	}
	// The domain key is immutable.
	if t.HasDomainKey() {
		if payload, err = record.SetPayloadField(payload, t.DomainKeyField(), current.DomainKey); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	}

	updated, err := s.repo.Update(ctx, t, id, payload)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.log.Error("failed to update record", "type", t, "id", id, "error", err)
		}
		return nil, err
	}

	s.log.Info("record updated", "type", t, "id", id)
	return updated, nil
}

func (s *Service) Delete(ctx context.Context, t record.EntityType, id string) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if err := s.repo.SoftDelete(ctx, t, id); err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.log.Error("failed to delete record", "type", t, "id", id, "error", err)
		}
		return err
	}

	s.log.Info("record deleted", "type", t, "id", id)
	return nil
}

func validPayload(payload json.RawMessage) error {
	if len(payload) == 0 || !json.Valid(payload) {
		return fmt.Errorf("%w: payload must be a JSON document", ErrInvalidPayload)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil {
		return fmt.Errorf("%w: payload must be a JSON object", ErrInvalidPayload)
	}
	return nil
}
