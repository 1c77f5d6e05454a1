package sync

import (
	"bytes"
	"time"

	"fieldsync/internal/domain/record"
)

// UnreadPolicy decides whether a remote copy that is newer than the local
// row marks the row unread. local is nil for rows seen for the first time.
type UnreadPolicy func(local *record.Record, remote record.RemoteRecord) bool

// UnreadAlways marks every new or changed remote copy unread.
func UnreadAlways(*record.Record, record.RemoteRecord) bool { return true }

// UnreadNever leaves the unread flag untouched.
func UnreadNever(local *record.Record, _ record.RemoteRecord) bool {
	return local != nil && local.Unread
}

// Resolver reconciles a pulled remote record with the matching local row.
// The remote copy wins every field except LocalID.
type Resolver struct {
	unread UnreadPolicy
}

func NewResolver(unread UnreadPolicy) *Resolver {
	if unread == nil {
		unread = UnreadAlways
	}
	return &Resolver{unread: unread}
}

// Match returns the identities used to find the local row for remote.
// Types without a domain key are matched by remote id only.
func (r *Resolver) Match(t record.EntityType, remote record.RemoteRecord) record.MatchKey {
	key := record.MatchKey{RemoteID: remote.ID}
	if !t.HasDomainKey() {
		return key
	}
	key.DomainKey = remote.DomainKey
	if key.DomainKey == "" {
		key.DomainKey = record.DomainKeyFromPayload(t, remote.Payload)
	}
	return key
}

// Merge returns the row to persist for remote and whether it differs from
// local. Busy rows keep their lock: an in-flight create adopts the server
// identity, while updating and deleting rows only get their rollback point
// refreshed.
func (r *Resolver) Merge(t record.EntityType, local *record.Record, remote record.RemoteRecord) (*record.Record, bool) {
	key := r.Match(t, remote)

	if local == nil {
		ts := remote.Timestamp()
		return &record.Record{
			RemoteID:  remote.ID,
			Type:      t,
			DomainKey: key.DomainKey,
			Payload:   remote.Payload,
			CreatedAt: orTime(remote.CreatedAt, ts),
			UpdatedAt: ts,
			State:     record.StateReceived,
			Unread:    r.unread(nil, remote),
		}, true
	}

	switch local.State {
	case record.StateUpdating, record.StateDeleting:
		return r.refreshSnapshot(local, remote, key)
	}

	if r.upToDate(local, remote) {
		return local, false
	}

	next, err := record.Transition(*local, record.EventReceived)
	if err != nil {
		return local, false
	}

	newer := remote.Timestamp().After(local.UpdatedAt)
	if newer || local.RemoteID != remote.ID {
		next.Unread = r.unread(local, remote)
	}

	next.RemoteID = remote.ID
	if key.DomainKey != "" {
		next.DomainKey = key.DomainKey
	}
	next.Payload = remote.Payload
	next.CreatedAt = orTime(remote.CreatedAt, local.CreatedAt)
	next.UpdatedAt = remote.Timestamp()

	return &next, true
}

func (r *Resolver) upToDate(local *record.Record, remote record.RemoteRecord) bool {
	return local.State == record.StateReceived &&
		local.RemoteID == remote.ID &&
		!remote.Timestamp().After(local.UpdatedAt) &&
		bytes.Equal(local.Payload, remote.Payload)
}

func (r *Resolver) refreshSnapshot(local *record.Record, remote record.RemoteRecord, key record.MatchKey) (*record.Record, bool) {
	if local.Snapshot == nil {
		return local, false
	}
	next := local.Clone()
	snap := next.Snapshot
	if snap.RemoteID == remote.ID && bytes.Equal(snap.Payload, remote.Payload) && !remote.Timestamp().After(snap.UpdatedAt) {
		return local, false
	}

	snap.RemoteID = remote.ID
	if key.DomainKey != "" {
		snap.DomainKey = key.DomainKey
	}
	snap.Payload = remote.Payload
	snap.UpdatedAt = remote.Timestamp()
	snap.State = record.StateReceived
	snap.FailedToSend = false
	if next.RemoteID == "" {
		next.RemoteID = remote.ID
	}

	return next, true
}

func orTime(v, fallback time.Time) time.Time {
	if v.IsZero() {
		return fallback
	}
	return v
}
