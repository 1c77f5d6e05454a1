package sync

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldsync/internal/domain/record"
)

func TestResolver_Match(t *testing.T) {
	r := NewResolver(nil)

	tests := []struct {
		name   string
		t      record.EntityType
		remote record.RemoteRecord
		want   record.MatchKey
	}{
		{
			name:   "explicit domain key",
			t:      record.EntityEODReport,
			remote: record.RemoteRecord{ID: "R1", DomainKey: "F-1"},
			want:   record.MatchKey{DomainKey: "F-1", RemoteID: "R1"},
		},
		{
			name:   "domain key from payload",
			t:      record.EntityMarkupFeature,
			remote: record.RemoteRecord{ID: "R2", Payload: json.RawMessage(`{"feature_id":"feat-2"}`)},
			want:   record.MatchKey{DomainKey: "feat-2", RemoteID: "R2"},
		},
		{
			name:   "chat ignores payload keys",
			t:      record.EntityChat,
			remote: record.RemoteRecord{ID: "C1", DomainKey: "F-1", Payload: json.RawMessage(`{"form_id":"F-1"}`)},
			want:   record.MatchKey{RemoteID: "C1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.Match(tt.t, tt.remote))
		})
	}
}

func TestResolver_Merge(t *testing.T) {
	r := NewResolver(UnreadAlways)
	t0 := baseTime
	t1 := baseTime.Add(time.Minute)

	remote := record.RemoteRecord{
		ID:        "R1",
		Type:      record.EntityEODReport,
		DomainKey: "F-1",
		Payload:   json.RawMessage(`{"form_id":"F-1","v":2}`),
		CreatedAt: t0,
		UpdatedAt: t1,
	}

	t.Run("new row", func(t *testing.T) {
		got, changed := r.Merge(record.EntityEODReport, nil, remote)
		require.True(t, changed)
		assert.Equal(t, record.StateReceived, got.State)
		assert.Equal(t, "F-1", got.DomainKey)
		assert.Equal(t, t1, got.UpdatedAt)
		assert.True(t, got.Unread)
	})

	t.Run("up to date row is untouched", func(t *testing.T) {
		local := &record.Record{
			LocalID: 7, RemoteID: "R1", Type: record.EntityEODReport, DomainKey: "F-1",
			Payload: remote.Payload, UpdatedAt: t1, State: record.StateReceived,
		}
		got, changed := r.Merge(record.EntityEODReport, local, remote)
		assert.False(t, changed)
		assert.Same(t, local, got)
	})

	t.Run("saved row takes remote copy", func(t *testing.T) {
		local := &record.Record{
			LocalID: 7, RemoteID: "R1", Type: record.EntityEODReport, DomainKey: "F-1",
			Payload: json.RawMessage(`{"form_id":"F-1","v":1}`), UpdatedAt: t0, State: record.StateSaved,
			Generation: 3,
		}
		got, changed := r.Merge(record.EntityEODReport, local, remote)
		require.True(t, changed)
		assert.Equal(t, int64(7), got.LocalID)
		assert.Equal(t, record.StateReceived, got.State)
		assert.Equal(t, remote.Payload, got.Payload)
		assert.Equal(t, int64(4), got.Generation)
	})

	t.Run("in-flight create adopts identity", func(t *testing.T) {
		local := &record.Record{
			LocalID: 9, Type: record.EntityEODReport, DomainKey: "F-1",
			Payload: json.RawMessage(`{"form_id":"F-1"}`), UpdatedAt: t0, State: record.StateSending,
		}
		got, changed := r.Merge(record.EntityEODReport, local, remote)
		require.True(t, changed)
		assert.Equal(t, "R1", got.RemoteID)
		assert.Equal(t, record.StateReceived, got.State)
		assert.Greater(t, got.Generation, local.Generation)
	})

	t.Run("deleting row keeps its lock", func(t *testing.T) {
		local := &record.Record{
			LocalID: 7, RemoteID: "R1", Type: record.EntityEODReport, DomainKey: "F-1",
			Payload: json.RawMessage(`{"form_id":"F-1","v":1}`), UpdatedAt: t0, State: record.StateDeleting,
			Snapshot: &record.Snapshot{
				RemoteID: "R1", DomainKey: "F-1", Payload: json.RawMessage(`{"form_id":"F-1","v":1}`),
				UpdatedAt: t0, State: record.StateReceived,
			},
		}
		got, changed := r.Merge(record.EntityEODReport, local, remote)
		require.True(t, changed)
		assert.Equal(t, record.StateDeleting, got.State)
		assert.Equal(t, local.Generation, got.Generation)
		assert.Equal(t, remote.Payload, got.Snapshot.Payload)
		assert.Equal(t, t1, got.Snapshot.UpdatedAt)
		assert.JSONEq(t, `{"form_id":"F-1","v":1}`, string(local.Snapshot.Payload))
	})

	t.Run("older remote copy leaves unread alone", func(t *testing.T) {
		always := NewResolver(UnreadAlways)
		local := &record.Record{
			LocalID: 7, RemoteID: "R1", Type: record.EntityEODReport, DomainKey: "F-1",
			Payload: json.RawMessage(`{"form_id":"F-1","v":1}`), UpdatedAt: t1.Add(time.Hour), State: record.StateSaved,
		}
		got, changed := always.Merge(record.EntityEODReport, local, remote)
		require.True(t, changed)
		assert.False(t, got.Unread)
	})
}
