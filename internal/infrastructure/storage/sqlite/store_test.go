package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"

	"fieldsync/internal/domain/record"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "cache.db"), slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func eod(remoteID, key string) *record.Record {
	return &record.Record{
		RemoteID:  remoteID,
		Type:      record.EntityEODReport,
		DomainKey: key,
		Payload:   json.RawMessage(`{"form_id":"` + key + `"}`),
		CreatedAt: t0,
		UpdatedAt: t0,
		State:     record.StateReceived,
	}
}

func TestStore_RoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	in := eod("R1", "F-1")
	in.Attachment = "/photos/1.jpg"
	in.Unread = true
	in.Generation = 5

	saved, err := s.Insert(ctx, in)
	require.NoError(t, err)
	require.NotZero(t, saved.LocalID)

	got, err := s.Get(ctx, record.EntityEODReport, saved.LocalID)
	require.NoError(t, err)
	assert.Equal(t, saved.LocalID, got.LocalID)
	assert.Equal(t, "R1", got.RemoteID)
	assert.Equal(t, "F-1", got.DomainKey)
	assert.JSONEq(t, `{"form_id":"F-1"}`, string(got.Payload))
	assert.Equal(t, "/photos/1.jpg", got.Attachment)
	assert.True(t, got.CreatedAt.Equal(t0))
	assert.Equal(t, record.StateReceived, got.State)
	assert.True(t, got.Unread)
	assert.False(t, got.FailedToSend)
	assert.Equal(t, int64(5), got.Generation)
	assert.Nil(t, got.Snapshot)

	byRemote, err := s.FindByRemoteID(ctx, record.EntityEODReport, "R1")
	require.NoError(t, err)
	assert.Equal(t, saved.LocalID, byRemote.LocalID)

	byKey, err := s.FindByDomainKey(ctx, record.EntityEODReport, "F-1")
	require.NoError(t, err)
	assert.Equal(t, saved.LocalID, byKey.LocalID)

	_, err = s.Get(ctx, record.EntityChat, saved.LocalID)
	assert.ErrorIs(t, err, record.ErrNotFound)
}

func TestStore_SnapshotSurvivesRoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	rec, err := s.Insert(ctx, eod("R1", "F-1"))
	require.NoError(t, err)

	updating, err := s.Update(ctx, record.EntityEODReport, rec.LocalID, func(r *record.Record) error {
		next, err := record.Transition(*r, record.EventUpdate)
		if err != nil {
			return err
		}
		next.Payload = json.RawMessage(`{"form_id":"F-1","v":2}`)
		*r = next
		return nil
	})
	require.NoError(t, err)
	require.NotNil(t, updating.Snapshot)

	got, err := s.Get(ctx, record.EntityEODReport, rec.LocalID)
	require.NoError(t, err)
	require.NotNil(t, got.Snapshot)
	assert.Equal(t, record.StateUpdating, got.State)
	assert.JSONEq(t, `{"form_id":"F-1"}`, string(got.Snapshot.Payload))
	assert.Equal(t, record.StateReceived, got.Snapshot.State)
	assert.Equal(t, "R1", got.Snapshot.RemoteID)
	assert.Equal(t, rec.Generation+1, got.Generation)
}

func TestStore_Uniqueness(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	_, err := s.Insert(ctx, eod("R1", "F-1"))
	require.NoError(t, err)

	_, err = s.Insert(ctx, eod("R1", "F-2"))
	assert.ErrorIs(t, err, record.ErrRemoteIDTaken)

	_, err = s.Insert(ctx, eod("R2", "F-1"))
	assert.ErrorIs(t, err, record.ErrDomainKeyTaken)

	// Rows without a remote id or key never collide.
	for i := 0; i < 3; i++ {
		_, err := s.Insert(ctx, &record.Record{Type: record.EntityChat, Payload: json.RawMessage(`{}`), State: record.StateWaitingToSend})
		require.NoError(t, err)
	}

	other, err := s.Insert(ctx, eod("", "F-3"))
	require.NoError(t, err)
	_, err = s.Update(ctx, record.EntityEODReport, other.LocalID, func(r *record.Record) error {
		r.RemoteID = "R1"
		return nil
	})
	assert.ErrorIs(t, err, record.ErrRemoteIDTaken)

	unchanged, err := s.Get(ctx, record.EntityEODReport, other.LocalID)
	require.NoError(t, err)
	assert.Empty(t, unchanged.RemoteID)

	// The same remote id may exist in another entity type.
	_, err = s.Insert(ctx, &record.Record{RemoteID: "R1", Type: record.EntityChat, Payload: json.RawMessage(`{}`), State: record.StateReceived})
	assert.NoError(t, err)
}

func TestStore_MergeMatchesDomainKeyFirst(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	pending, err := s.Insert(ctx, eod("", "F-1"))
	require.NoError(t, err)

	merged, err := s.Merge(ctx, record.EntityEODReport, record.MatchKey{DomainKey: "F-1", RemoteID: "R1"},
		func(existing *record.Record) (*record.Record, record.MergeOp, error) {
			require.NotNil(t, existing)
			existing.RemoteID = "R1"
			return existing, record.MergePut, nil
		})
	require.NoError(t, err)
	assert.Equal(t, pending.LocalID, merged.LocalID)
	assert.Equal(t, "R1", merged.RemoteID)

	inserted, err := s.Merge(ctx, record.EntityEODReport, record.MatchKey{RemoteID: "R2"},
		func(existing *record.Record) (*record.Record, record.MergeOp, error) {
			assert.Nil(t, existing)
			return eod("R2", "F-2"), record.MergePut, nil
		})
	require.NoError(t, err)
	assert.NotEqual(t, pending.LocalID, inserted.LocalID)

	deleted, err := s.Merge(ctx, record.EntityEODReport, record.MatchKey{RemoteID: "R2"},
		func(existing *record.Record) (*record.Record, record.MergeOp, error) {
			return existing, record.MergeDelete, nil
		})
	require.NoError(t, err)
	assert.Equal(t, inserted.LocalID, deleted.LocalID)

	rows, err := s.List(ctx, record.EntityEODReport)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestStore_ListQueries(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	a := eod("R1", "F-1")
	a.UpdatedAt = t0.Add(2 * time.Minute)
	b := eod("R2", "F-2")
	b.State = record.StateUpdating
	b.UpdatedAt = t0.Add(time.Minute)
	c := eod("", "F-3")
	c.State = record.StateWaitingToSend

	for _, r := range []*record.Record{a, b, c} {
		_, err := s.Insert(ctx, r)
		require.NoError(t, err)
	}

	busy, err := s.ListByState(ctx, record.EntityEODReport, record.StateUpdating, record.StateWaitingToSend)
	require.NoError(t, err)
	assert.Len(t, busy, 2)

	none, err := s.ListByState(ctx, record.EntityEODReport)
	require.NoError(t, err)
	assert.Empty(t, none)

	since, err := s.ListUpdatedSince(ctx, record.EntityEODReport, t0)
	require.NoError(t, err)
	require.Len(t, since, 2)
	assert.Equal(t, "R2", since[0].RemoteID)
	assert.Equal(t, "R1", since[1].RemoteID)

	_, err = s.List(ctx, record.EntityType("card"))
	assert.ErrorIs(t, err, record.ErrUnknownType)
}

func TestStore_Watermark(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	wm, err := s.Watermark(ctx, record.EntityChat)
	require.NoError(t, err)
	assert.True(t, wm.IsZero())

	wm, err = s.AdvanceWatermark(ctx, record.EntityChat, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, wm.Equal(t0.Add(time.Hour)))

	wm, err = s.AdvanceWatermark(ctx, record.EntityChat, t0)
	require.NoError(t, err)
	assert.True(t, wm.Equal(t0.Add(time.Hour)))

	wm, err = s.Watermark(ctx, record.EntityChat)
	require.NoError(t, err)
	assert.True(t, wm.Equal(t0.Add(time.Hour)))
}

func TestStore_References(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	owner, err := s.Insert(ctx, eod("", "F-1"))
	require.NoError(t, err)
	target, err := s.Insert(ctx, eod("R2", "F-2"))
	require.NoError(t, err)

	ref := record.Reference{Type: record.EntityEODReport, OwnerLocalID: owner.LocalID, Kind: "hazard_geofence", Key: "zone-1"}
	require.NoError(t, s.AddReference(ctx, ref))
	require.NoError(t, s.AddReference(ctx, ref))

	require.NoError(t, s.AddReference(ctx, record.Reference{Type: record.EntityEODReport, OwnerLocalID: target.LocalID, Kind: "hazard_geofence", Key: "zone-1"}))

	require.NoError(t, s.RemapReferences(ctx, record.EntityEODReport, owner.LocalID, target.LocalID, "R2"))

	refs, err := s.References(ctx, record.EntityEODReport, target.LocalID)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "R2", refs[0].OwnerRemoteID)

	refs, err = s.References(ctx, record.EntityEODReport, owner.LocalID)
	require.NoError(t, err)
	assert.Empty(t, refs)

	require.NoError(t, s.Delete(ctx, record.EntityEODReport, target.LocalID))
	refs, err = s.References(ctx, record.EntityEODReport, target.LocalID)
	require.NoError(t, err)
	assert.Empty(t, refs)

	assert.ErrorIs(t, s.Delete(ctx, record.EntityEODReport, target.LocalID), record.ErrNotFound)
	assert.ErrorIs(t, s.AddReference(ctx, record.Reference{Type: record.EntityEODReport, OwnerLocalID: 999, Kind: "k", Key: "v"}), record.ErrNotFound)
}

func TestStore_ConcurrentUpdatesAreSerialized(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	rec, err := s.Insert(ctx, &record.Record{Type: record.EntityDeviceTrack, Payload: json.RawMessage(`{}`), State: record.StateReceived})
	require.NoError(t, err)

	var wg gosync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Update(ctx, record.EntityDeviceTrack, rec.LocalID, func(r *record.Record) error {
				r.Generation++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := s.Get(ctx, record.EntityDeviceTrack, rec.LocalID)
	require.NoError(t, err)
	assert.Equal(t, int64(20), got.Generation)
}

func TestStore_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	ctx := context.Background()

	s, err := Open(ctx, path, slog.Default())
	require.NoError(t, err)
	rec, err := s.Insert(ctx, eod("R1", "F-1"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(ctx, path, slog.Default())
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get(ctx, record.EntityEODReport, rec.LocalID)
	require.NoError(t, err)
	assert.Equal(t, "R1", got.RemoteID)
}
