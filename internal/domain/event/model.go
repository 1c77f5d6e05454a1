package event

import (
	"time"

	"fieldsync/internal/domain/record"
)

// Topic names a class of sync lifecycle events.
type Topic string

const (
	TopicRecordReceived Topic = "record.received"
	TopicRecordSaved    Topic = "record.saved"
	TopicRecordFailed   Topic = "record.failed"
	TopicRecordDeleted  Topic = "record.deleted"
	TopicRecordPurged   Topic = "record.purged"
	TopicRecordsChanged Topic = "records.changed"
	TopicSyncProgress   Topic = "sync.progress"
	TopicAuthRequired   Topic = "auth.required"
)

func (t Topic) String() string {
	return string(t)
}

// Event is a wake-up hint. The store stays the source of truth.
type Event struct {
	Topic   Topic     `json:"topic"`
	Payload any       `json:"payload,omitempty"`
	At      time.Time `json:"at"`
}

// RecordEvent is the payload of the record.* topics.
type RecordEvent struct {
	Type     record.EntityType `json:"type"`
	LocalID  int64             `json:"local_id"`
	RemoteID string            `json:"remote_id,omitempty"`
	State    record.SendState  `json:"state,omitempty"`
	Reason   string            `json:"reason,omitempty"`
}

// ChangeEvent is the payload of records.changed.
type ChangeEvent struct {
	Type record.EntityType `json:"type"`
}

// ProgressEvent is the payload of sync.progress.
type ProgressEvent struct {
	Type      record.EntityType `json:"type,omitempty"`
	Phase     string            `json:"phase"`
	Merged    int               `json:"merged,omitempty"`
	Deleted   int               `json:"deleted,omitempty"`
	Succeeded int               `json:"succeeded,omitempty"`
	Failed    int               `json:"failed,omitempty"`
}

// AuthEvent is the payload of auth.required.
type AuthEvent struct {
	Reason string `json:"reason"`
}
