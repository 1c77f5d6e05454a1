package record

import (
	"encoding/json"
	"fmt"
	"time"
)

// Record is a locally cached row of any synchronized entity type.
type Record struct {
	LocalID      int64           `json:"local_id"`
	RemoteID     string          `json:"remote_id,omitempty"`
	Type         EntityType      `json:"type"`
	DomainKey    string          `json:"domain_key,omitempty"`
	Payload      json.RawMessage `json:"payload"`
	Attachment   string          `json:"attachment,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	State        SendState       `json:"state"`
	FailedToSend bool            `json:"failed_to_send"`
	Unread       bool            `json:"unread"`
	Snapshot     *Snapshot       `json:"snapshot,omitempty"`
	Generation   int64           `json:"generation"`
}

// Snapshot is the rollback point taken before a speculative update or delete.
type Snapshot struct {
	RemoteID     string          `json:"remote_id,omitempty"`
	DomainKey    string          `json:"domain_key,omitempty"`
	Payload      json.RawMessage `json:"payload"`
	State        SendState       `json:"state"`
	UpdatedAt    time.Time       `json:"updated_at"`
	FailedToSend bool            `json:"failed_to_send"`
}

// Clone returns a deep copy so callers never share payload buffers with the store.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Payload = cloneRaw(r.Payload)
	if r.Snapshot != nil {
		s := *r.Snapshot
		s.Payload = cloneRaw(r.Snapshot.Payload)
		c.Snapshot = &s
	}
	return &c
}

// IsBusy reports whether the row holds the per-record operation lock.
func (r *Record) IsBusy() bool {
	return r.State.IsBusy()
}

func (r *Record) takeSnapshot() *Snapshot {
	return &Snapshot{
		RemoteID:     r.RemoteID,
		DomainKey:    r.DomainKey,
		Payload:      cloneRaw(r.Payload),
		State:        r.State,
		UpdatedAt:    r.UpdatedAt,
		FailedToSend: r.FailedToSend,
	}
}

func (r *Record) restore(s *Snapshot) {
	r.RemoteID = s.RemoteID
	r.DomainKey = s.DomainKey
	r.Payload = cloneRaw(s.Payload)
	r.State = s.State
	r.UpdatedAt = s.UpdatedAt
	r.FailedToSend = s.FailedToSend
	r.Snapshot = nil
}

// RemoteRecord is a row as the remote authority reports it.
type RemoteRecord struct {
	ID        string          `json:"id"`
	Type      EntityType      `json:"type"`
	DomainKey string          `json:"domain_key,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	Deleted   bool            `json:"deleted,omitempty"`
}

// Timestamp is the watermark contribution of the record.
func (r RemoteRecord) Timestamp() time.Time {
	if r.UpdatedAt.After(r.CreatedAt) {
		return r.UpdatedAt
	}
	return r.CreatedAt
}

// Validate rejects records that cannot be merged into the local table.
func (r RemoteRecord) Validate(expected EntityType) error {
	if r.ID == "" {
		return fmt.Errorf("%w: missing remote id", ErrInvalidPayload)
	}
	if r.Type != "" && r.Type != expected {
		return fmt.Errorf("%w: type %s, expected %s", ErrInvalidPayload, r.Type, expected)
	}
	if r.Deleted {
		return nil
	}
	if len(r.Payload) == 0 || !json.Valid(r.Payload) {
		return fmt.Errorf("%w: record %s has no valid payload", ErrInvalidPayload, r.ID)
	}
	return nil
}

// Reference is a locally held foreign reference derived from a record,
// e.g. a hazard geofence generated from an EOD report.
type Reference struct {
	Type          EntityType `json:"type"`
	OwnerLocalID  int64      `json:"owner_local_id"`
	OwnerRemoteID string     `json:"owner_remote_id,omitempty"`
	Kind          string     `json:"kind"`
	Key           string     `json:"key"`
}

// DomainKeyFromPayload extracts the domain key field for the type, if any.
func DomainKeyFromPayload(t EntityType, payload json.RawMessage) string {
	field := t.DomainKeyField()
	if field == "" || len(payload) == 0 {
		return ""
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return ""
	}
	raw, ok := fields[field]
	if !ok {
		return ""
	}
	var key string
	if err := json.Unmarshal(raw, &key); err != nil {
		return ""
	}
	return key
}

// SetPayloadField returns payload with field set to value.
func SetPayloadField(payload json.RawMessage, field string, value any) (json.RawMessage, error) {
	fields := map[string]json.RawMessage{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &fields); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", field, err)
	}
	fields[field] = raw
	out, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return out, nil
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	out := make(json.RawMessage, len(b))
	copy(out, b)
	return out
}
