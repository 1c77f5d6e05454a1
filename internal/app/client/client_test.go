package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	gosync "sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"

	"fieldsync/internal/app/client/config"
	"fieldsync/internal/domain/record"
	"fieldsync/internal/domain/sync"
)

// fakeServer accepts creates and serves empty pulls.
type fakeServer struct {
	mu      gosync.Mutex
	created []createRequest
	token   string
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+f.token {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")

	switch r.Method {
	case http.MethodGet:
		_, _ = io.WriteString(w, `{"records":[]}`)
	case http.MethodPost:
		var body createRequest
		_ = json.NewDecoder(r.Body).Decode(&body)

		f.mu.Lock()
		f.created = append(f.created, body)
		f.mu.Unlock()

		_ = json.NewEncoder(w).Encode(record.RemoteRecord{
			ID:        "srv-1",
			DomainKey: body.DomainKey,
			Payload:   body.Payload,
		})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestApp(t *testing.T, srv *httptest.Server, token string) *App {
	t.Helper()
	dir := t.TempDir()

	cfg := &config.Config{
		Env:            "local",
		ServerAddress:  strings.TrimPrefix(srv.URL, "http://"),
		ConfigDir:      dir,
		TokenPath:      filepath.Join(dir, "token"),
		DataPath:       filepath.Join(dir, "records.db"),
		SyncInterval:   60,
		RequestTimeout: 5,
		MaxInFlight:    2,
	}
	if token != "" {
		require.NoError(t, os.WriteFile(cfg.TokenPath, []byte(token), 0o600))
	}

	app, err := New(context.Background(), cfg, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })
	return app
}

func TestApp_SubmitAndSync(t *testing.T) {
	fake := &fakeServer{token: "tok"}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	app := newTestApp(t, srv, "tok")
	ctx := context.Background()

	localID, err := app.Engine().Submit(ctx, record.EntityEODReport, sync.SubmitRequest{
		DomainKey: "F-1",
		Payload:   json.RawMessage(`{"description":"bridge inspection"}`),
	})
	require.NoError(t, err)

	result, err := app.Scheduler().Sync(ctx)
	require.NoError(t, err)
	assert.True(t, result.Success)
	app.Engine().Wait()

	rec, err := app.Engine().Get(ctx, record.EntityEODReport, localID)
	require.NoError(t, err)
	assert.Equal(t, record.StateSaved, rec.State)
	assert.Equal(t, "srv-1", rec.RemoteID)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Len(t, fake.created, 1)
	assert.Equal(t, "F-1", fake.created[0].DomainKey)
}

func TestApp_StartsPausedWithoutToken(t *testing.T) {
	fake := &fakeServer{token: "tok"}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	app := newTestApp(t, srv, "")
	ctx := context.Background()

	assert.False(t, app.Authenticated())
	assert.True(t, app.Engine().Paused())

	_, err := app.Engine().Submit(ctx, record.EntityChat, sync.SubmitRequest{Payload: json.RawMessage(`{"text":"hi"}`)})
	require.NoError(t, err)

	_, err = app.Engine().Drain(ctx)
	assert.ErrorIs(t, err, sync.ErrQueuePaused)

	require.NoError(t, app.Login(ctx, "tok"))
	assert.True(t, app.Authenticated())
	assert.False(t, app.Engine().Paused())

	outcomes, err := app.Engine().Drain(ctx)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, sync.OutcomeSaved, outcomes[0].Status)

	require.NoError(t, app.Logout(ctx))
	assert.True(t, app.Engine().Paused())
	assert.NoFileExists(t, app.Config().TokenPath)
}

func TestApp_CheckConnection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/health", r.URL.Path)
		_, _ = io.WriteString(w, `{"status":"ok"}`)
	}))
	defer srv.Close()

	app := newTestApp(t, srv, "")
	assert.NoError(t, app.CheckConnection(context.Background()))
}
