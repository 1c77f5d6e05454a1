package sync

import (
	"context"
	"encoding/json"
	"fmt"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"

	"fieldsync/internal/domain/event"
	"fieldsync/internal/domain/record"
	"fieldsync/internal/domain/session"
	"fieldsync/internal/infrastructure/storage/memory"
)

var baseTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

// fakeRemote is an in-process remote authority.
type fakeRemote struct {
	mu      gosync.Mutex
	records map[record.EntityType][]record.RemoteRecord
	nextID  int
	tick    time.Duration

	fetchErr  error
	createErr error
	updateErr error
	deleteErr error

	createResp func(domainKey string, payload json.RawMessage) *record.RemoteRecord

	// block, when set, holds every mutating call until it is closed.
	block chan struct{}

	calls       map[string]int
	inflight    map[string]int
	maxInflight int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		records:  make(map[record.EntityType][]record.RemoteRecord),
		calls:    make(map[string]int),
		inflight: make(map[string]int),
	}
}

func (f *fakeRemote) serve(rr ...record.RemoteRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range rr {
		f.records[r.Type] = append(f.records[r.Type], r)
	}
}

func (f *fakeRemote) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeRemote) setErr(target *error, err error) {
	f.mu.Lock()
	*target = err
	f.mu.Unlock()
}

func (f *fakeRemote) enter(name, id string) func() {
	f.mu.Lock()
	f.calls[name]++
	f.inflight[id]++
	if f.inflight[id] > f.maxInflight {
		f.maxInflight = f.inflight[id]
	}
	block := f.block
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	return func() {
		f.mu.Lock()
		f.inflight[id]--
		f.mu.Unlock()
	}
}

func (f *fakeRemote) FetchSince(_ context.Context, t record.EntityType, since time.Time) ([]record.RemoteRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["fetch"]++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	var out []record.RemoteRecord
	for _, r := range f.records[t] {
		if r.Timestamp().After(since) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeRemote) Create(_ context.Context, t record.EntityType, domainKey string, payload json.RawMessage) (*record.RemoteRecord, error) {
	done := f.enter("create", domainKey+string(payload))
	defer done()

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	if f.createResp != nil {
		return f.createResp(domainKey, payload), nil
	}
	f.nextID++
	f.tick += time.Second
	rr := record.RemoteRecord{
		ID:        fmt.Sprintf("R%d", f.nextID),
		Type:      t,
		DomainKey: domainKey,
		Payload:   payload,
		CreatedAt: baseTime.Add(f.tick),
		UpdatedAt: baseTime.Add(f.tick),
	}
	return &rr, nil
}

func (f *fakeRemote) Update(_ context.Context, t record.EntityType, id string, payload json.RawMessage) (*record.RemoteRecord, error) {
	done := f.enter("update", id)
	defer done()

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	f.tick += time.Second
	return &record.RemoteRecord{ID: id, Type: t, Payload: payload, UpdatedAt: baseTime.Add(f.tick)}, nil
}

func (f *fakeRemote) Delete(_ context.Context, _ record.EntityType, id string) error {
	done := f.enter("delete", id)
	defer done()

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deleteErr
}

type testEnv struct {
	store    *memory.Store
	remote   *fakeRemote
	notifier *event.Notifier
	session  *session.Session
	engine   *Engine
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()

	log := slog.Default()
	env := &testEnv{
		store:    memory.New(),
		remote:   newFakeRemote(),
		notifier: event.NewNotifier(log, 256),
		session:  session.New("token"),
	}
	if opts.Clock == nil {
		opts.Clock = fixedClock{baseTime}
	}
	env.engine = NewEngine(env.store, env.remote, env.notifier, env.session, opts, log)
	t.Cleanup(env.engine.Wait)

	return env
}

func (e *testEnv) get(t *testing.T, typ record.EntityType, id int64) *record.Record {
	t.Helper()
	rec, err := e.store.Get(context.Background(), typ, id)
	require.NoError(t, err)
	return rec
}

// received inserts a row as if it had been pulled from the server.
func (e *testEnv) received(t *testing.T, typ record.EntityType, remoteID, payload string) *record.Record {
	t.Helper()
	rec, err := e.store.Insert(context.Background(), &record.Record{
		RemoteID:  remoteID,
		Type:      typ,
		DomainKey: record.DomainKeyFromPayload(typ, json.RawMessage(payload)),
		Payload:   json.RawMessage(payload),
		CreatedAt: baseTime,
		UpdatedAt: baseTime,
		State:     record.StateReceived,
	})
	require.NoError(t, err)
	return rec
}

func outcomeFor(outcomes []Outcome, id int64) (Outcome, bool) {
	for _, o := range outcomes {
		if o.LocalID == id {
			return o, true
		}
	}
	return Outcome{}, false
}
