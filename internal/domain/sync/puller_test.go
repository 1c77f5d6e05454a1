package sync

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldsync/internal/domain/event"
	"fieldsync/internal/domain/record"
)

func remoteEOD(id, formID, description string, at time.Time) record.RemoteRecord {
	return record.RemoteRecord{
		ID:        id,
		Type:      record.EntityEODReport,
		DomainKey: formID,
		Payload:   json.RawMessage(`{"form_id":"` + formID + `","description":"` + description + `"}`),
		CreatedAt: at,
		UpdatedAt: at,
	}
}

func TestPuller_PullIsIdempotent(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	env.remote.serve(
		remoteEOD("R1", "F-1", "first", baseTime.Add(time.Minute)),
		remoteEOD("R2", "F-2", "second", baseTime.Add(2*time.Minute)),
	)

	res, err := env.engine.Refresh(ctx, record.EntityEODReport)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Fetched)
	assert.Equal(t, 2, res.Inserted)
	assert.True(t, res.Changed())
	assert.Equal(t, baseTime.Add(2*time.Minute), res.Watermark)

	first, err := env.store.List(ctx, record.EntityEODReport)
	require.NoError(t, err)

	res, err = env.engine.Refresh(ctx, record.EntityEODReport)
	require.NoError(t, err)
	assert.Zero(t, res.Fetched)
	assert.False(t, res.Changed())

	second, err := env.store.List(ctx, record.EntityEODReport)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestPuller_WatermarkNeverMovesBackwards(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	_, err := env.store.AdvanceWatermark(ctx, record.EntityChat, baseTime.Add(time.Hour))
	require.NoError(t, err)

	env.remote.serve(record.RemoteRecord{
		ID:        "C-1",
		Type:      record.EntityChat,
		Payload:   json.RawMessage(`{"text":"late"}`),
		CreatedAt: baseTime.Add(2 * time.Hour),
	})
	res, err := env.engine.Refresh(ctx, record.EntityChat)
	require.NoError(t, err)
	assert.Equal(t, baseTime.Add(2*time.Hour), res.Watermark)

	wm, err := env.store.AdvanceWatermark(ctx, record.EntityChat, baseTime)
	require.NoError(t, err)
	assert.Equal(t, baseTime.Add(2*time.Hour), wm)
}

func TestPuller_MalformedBatchIsNoOp(t *testing.T) {
	tests := []struct {
		name  string
		batch []record.RemoteRecord
	}{
		{
			name: "missing id",
			batch: []record.RemoteRecord{
				remoteEOD("R1", "F-1", "ok", baseTime.Add(time.Minute)),
				{Type: record.EntityEODReport, Payload: json.RawMessage(`{}`), UpdatedAt: baseTime.Add(2 * time.Minute)},
			},
		},
		{
			name: "wrong type",
			batch: []record.RemoteRecord{
				{ID: "X", Type: record.EntityChat, Payload: json.RawMessage(`{}`), UpdatedAt: baseTime.Add(time.Minute)},
			},
		},
		{
			name: "invalid payload",
			batch: []record.RemoteRecord{
				{ID: "R9", Type: record.EntityEODReport, Payload: json.RawMessage(`{"form_id":`), UpdatedAt: baseTime.Add(time.Minute)},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, Options{})
			ctx := context.Background()
			env.remote.records[record.EntityEODReport] = tt.batch

			res, err := env.engine.Refresh(ctx, record.EntityEODReport)
			require.NoError(t, err)
			assert.False(t, res.Changed())

			rows, err := env.store.List(ctx, record.EntityEODReport)
			require.NoError(t, err)
			assert.Empty(t, rows)

			wm, err := env.store.Watermark(ctx, record.EntityEODReport)
			require.NoError(t, err)
			assert.True(t, wm.IsZero())
		})
	}
}

func TestPuller_FetchErrors(t *testing.T) {
	tests := []struct {
		name       string
		fetchErr   error
		wantErr    error
		wantPaused bool
	}{
		{
			name:     "unreachable",
			fetchErr: &RemoteError{Kind: ErrUnreachable, Msg: "dial tcp"},
			wantErr:  ErrNetwork,
		},
		{
			name:     "server error",
			fetchErr: &RemoteError{Kind: ErrServerError, Status: 500},
			wantErr:  ErrNetwork,
		},
		{
			name:       "unauthorized",
			fetchErr:   &RemoteError{Kind: ErrUnauthorized, Status: 401},
			wantErr:    ErrAuth,
			wantPaused: true,
		},
		{
			name:     "malformed response",
			fetchErr: &RemoteError{Kind: ErrMalformedResponse, Msg: "unexpected EOF"},
		},
		{
			name:     "cancelled",
			fetchErr: context.Canceled,
			wantErr:  context.Canceled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, Options{})
			auth := env.notifier.Subscribe(event.TopicAuthRequired)
			defer auth.Close()
			env.remote.fetchErr = tt.fetchErr

			res, err := env.engine.Refresh(context.Background(), record.EntityChat)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.False(t, res.Changed())
			assert.Equal(t, tt.wantPaused, env.engine.Paused())

			select {
			case <-auth.C():
				assert.True(t, tt.wantPaused, "unexpected auth.required")
			default:
				assert.False(t, tt.wantPaused, "auth.required not published")
			}
		})
	}
}

func TestPuller_Tombstones(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	idle := env.received(t, record.EntityEODReport, "R1", `{"form_id":"F-1"}`)
	busy := env.received(t, record.EntityEODReport, "R2", `{"form_id":"F-2"}`)
	require.NoError(t, env.engine.RequestUpdate(ctx, record.EntityEODReport, busy.LocalID, json.RawMessage(`{"form_id":"F-2","v":1}`)))

	env.remote.serve(
		record.RemoteRecord{ID: "R1", Type: record.EntityEODReport, DomainKey: "F-1", Deleted: true, UpdatedAt: baseTime.Add(time.Minute)},
		record.RemoteRecord{ID: "R2", Type: record.EntityEODReport, DomainKey: "F-2", Deleted: true, UpdatedAt: baseTime.Add(time.Minute)},
		record.RemoteRecord{ID: "R3", Type: record.EntityEODReport, DomainKey: "F-3", Deleted: true, UpdatedAt: baseTime.Add(time.Minute)},
	)

	res, err := env.engine.Refresh(ctx, record.EntityEODReport)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deleted)
	assert.Equal(t, 2, res.Skipped)

	_, err = env.store.Get(ctx, record.EntityEODReport, idle.LocalID)
	assert.ErrorIs(t, err, record.ErrNotFound)
	assert.Equal(t, record.StateUpdating, env.get(t, record.EntityEODReport, busy.LocalID).State)
}

func TestPuller_RemoteWinsOverIdleRow(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	local := env.received(t, record.EntityEODReport, "R1", `{"form_id":"F-1","description":"old"}`)
	env.remote.serve(remoteEOD("R1", "F-1", "new", baseTime.Add(time.Minute)))

	res, err := env.engine.Refresh(ctx, record.EntityEODReport)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Merged)

	merged := env.get(t, record.EntityEODReport, local.LocalID)
	assert.JSONEq(t, `{"form_id":"F-1","description":"new"}`, string(merged.Payload))
	assert.True(t, merged.Unread)
	assert.Equal(t, baseTime.Add(time.Minute), merged.UpdatedAt)
}

func TestPuller_RefreshesRollbackPointOfUpdatingRow(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	local := env.received(t, record.EntityEODReport, "R1", `{"form_id":"F-1","description":"old"}`)
	require.NoError(t, env.engine.RequestUpdate(ctx, record.EntityEODReport, local.LocalID, json.RawMessage(`{"form_id":"F-1","description":"mine"}`)))

	env.remote.serve(remoteEOD("R1", "F-1", "theirs", baseTime.Add(time.Minute)))
	_, err := env.engine.Refresh(ctx, record.EntityEODReport)
	require.NoError(t, err)

	updating := env.get(t, record.EntityEODReport, local.LocalID)
	assert.Equal(t, record.StateUpdating, updating.State)
	assert.JSONEq(t, `{"form_id":"F-1","description":"mine"}`, string(updating.Payload))
	require.NotNil(t, updating.Snapshot)
	assert.JSONEq(t, `{"form_id":"F-1","description":"theirs"}`, string(updating.Snapshot.Payload))

	env.remote.updateErr = &RemoteError{Kind: ErrServerError, Status: 500}
	_, err = env.engine.Drain(ctx)
	require.NoError(t, err)

	restored := env.get(t, record.EntityEODReport, local.LocalID)
	assert.JSONEq(t, `{"form_id":"F-1","description":"theirs"}`, string(restored.Payload))
}

func TestPuller_UnreadPolicy(t *testing.T) {
	tests := []struct {
		name   string
		policy UnreadPolicy
		want   bool
	}{
		{name: "always", policy: UnreadAlways, want: true},
		{name: "never", policy: UnreadNever, want: false},
		{name: "default", policy: nil, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, Options{Unread: tt.policy})
			ctx := context.Background()
			env.remote.serve(record.RemoteRecord{
				ID:        "C-1",
				Type:      record.EntityChat,
				Payload:   json.RawMessage(`{"text":"hi"}`),
				CreatedAt: baseTime.Add(time.Minute),
			})

			_, err := env.engine.Refresh(ctx, record.EntityChat)
			require.NoError(t, err)

			rows, err := env.store.List(ctx, record.EntityChat)
			require.NoError(t, err)
			require.Len(t, rows, 1)
			assert.Equal(t, tt.want, rows[0].Unread)

			if tt.want {
				require.NoError(t, env.engine.MarkRead(ctx, record.EntityChat, rows[0].LocalID))
				assert.False(t, env.get(t, record.EntityChat, rows[0].LocalID).Unread)
			}
		})
	}
}

func TestPuller_PublishesEvents(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()
	sub := env.notifier.Subscribe(event.TopicRecordReceived, event.TopicRecordsChanged)
	defer sub.Close()

	env.remote.serve(remoteEOD("R1", "F-1", "x", baseTime.Add(time.Minute)))
	_, err := env.engine.Refresh(ctx, record.EntityEODReport)
	require.NoError(t, err)

	var topics []event.Topic
	for len(topics) < 2 {
		select {
		case ev := <-sub.C():
			topics = append(topics, ev.Topic)
		case <-time.After(time.Second):
			t.Fatalf("got %v", topics)
		}
	}
	assert.Equal(t, []event.Topic{event.TopicRecordReceived, event.TopicRecordsChanged}, topics)
}

func TestPuller_RejectsUnknownType(t *testing.T) {
	env := newTestEnv(t, Options{})
	_, err := env.engine.Refresh(context.Background(), record.EntityType("card"))
	assert.True(t, errors.Is(err, record.ErrUnknownType))
}

func TestEngine_RefreshAllPullsEveryType(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.remote.serve(
		remoteEOD("R1", "F-1", "x", baseTime.Add(time.Minute)),
		record.RemoteRecord{ID: "C-1", Type: record.EntityChat, Payload: json.RawMessage(`{}`), CreatedAt: baseTime},
	)

	results, err := env.engine.RefreshAll(context.Background())
	require.NoError(t, err)
	require.Len(t, results, len(record.AllEntityTypes()))
	assert.Equal(t, len(record.AllEntityTypes()), env.remote.callCount("fetch"))

	total := 0
	for _, r := range results {
		total += r.Inserted
	}
	assert.Equal(t, 2, total)
}
