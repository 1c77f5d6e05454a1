package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/slog"
	"golang.org/x/sync/errgroup"

	"fieldsync/internal/domain/event"
	"fieldsync/internal/domain/record"
	"fieldsync/internal/domain/session"
)

// Options configures an Engine.
type Options struct {
	Processor ProcessorConfig
	Unread    UnreadPolicy
	Verifier  AttachmentVerifier
	Uploader  AttachmentUploader
	Clock     Clock
	// NewKey generates domain keys for types that carry one.
	NewKey func() string
}

// SubmitRequest describes a locally authored record.
type SubmitRequest struct {
	Payload    json.RawMessage
	DomainKey  string
	Attachment string
}

// Engine is the interface the UI layer talks to. Network failures never
// escape it as errors of a mutation call: they become send states and events.
type Engine struct {
	store     record.Store
	notifier  *event.Notifier
	session   *session.Session
	puller    *Puller
	processor *Processor
	clock     Clock
	newKey    func() string
	log       *slog.Logger
}

func NewEngine(
	store record.Store,
	remote RemoteAuthority,
	notifier *event.Notifier,
	sess *session.Session,
	opts Options,
	log *slog.Logger,
) *Engine {
	if opts.Clock == nil {
		opts.Clock = SystemClock()
	}
	if opts.NewKey == nil {
		opts.NewKey = uuid.NewString
	}

	resolver := NewResolver(opts.Unread)
	processor := NewProcessor(store, remote, resolver, notifier, sess, opts.Processor, log).
		WithAttachments(opts.Verifier, opts.Uploader).
		WithClock(opts.Clock)

	return &Engine{
		store:     store,
		notifier:  notifier,
		session:   sess,
		puller:    NewPuller(store, remote, resolver, notifier, sess, log),
		processor: processor,
		clock:     opts.Clock,
		newKey:    opts.NewKey,
		log:       log.With("component", "sync_engine"),
	}
}

// Submit stages a new record and queues it for sending.
func (e *Engine) Submit(ctx context.Context, t record.EntityType, req SubmitRequest) (int64, error) {
	if err := t.Validate(); err != nil {
		return 0, err
	}
	if len(req.Payload) == 0 {
		req.Payload = json.RawMessage(`{}`)
	}
	if !json.Valid(req.Payload) {
		return 0, fmt.Errorf("%w: payload is not valid JSON", record.ErrInvalidPayload)
	}

	payload := req.Payload
	key := req.DomainKey
	if t.HasDomainKey() {
		if key == "" {
			key = record.DomainKeyFromPayload(t, payload)
		}
		if key == "" {
			key = e.newKey()
		}
		var err error
		if payload, err = record.SetPayloadField(payload, t.DomainKeyField(), key); err != nil {
			return 0, err
		}
	}

	now := e.clock.Now()
	rec, err := e.store.Insert(ctx, &record.Record{
		Type:       t,
		DomainKey:  key,
		Payload:    payload,
		Attachment: req.Attachment,
		CreatedAt:  now,
		UpdatedAt:  now,
		State:      record.StateWaitingToSend,
	})
	if err != nil {
		return 0, fmt.Errorf("stage %s: %w", t, err)
	}

	if err := e.processor.Enqueue(ctx, t, rec.LocalID, Create()); err != nil {
		return rec.LocalID, fmt.Errorf("enqueue %s/%d: %w", t, rec.LocalID, err)
	}

	e.log.Debug("record submitted", "type", t, "local_id", rec.LocalID, "domain_key", key)
	return rec.LocalID, nil
}

// RequestUpdate replaces the payload of a record. Rows the server has not
// seen yet are edited in place.
func (e *Engine) RequestUpdate(ctx context.Context, t record.EntityType, localID int64, payload json.RawMessage) error {
	if !json.Valid(payload) {
		return fmt.Errorf("%w: payload is not valid JSON", record.ErrInvalidPayload)
	}

	rec, err := e.store.Get(ctx, t, localID)
	if err != nil {
		return err
	}
	if rec.State != record.StateWaitingToSend {
		return e.processor.Enqueue(ctx, t, localID, Update(payload))
	}

	if _, err := e.store.Update(ctx, t, localID, func(r *record.Record) error {
		next, err := record.Transition(*r, record.EventEdit)
		if err != nil {
			return err
		}
		next.Payload = payload
		next.UpdatedAt = e.clock.Now()
		*r = next
		return nil
	}); err != nil {
		return err
	}
	e.notifier.Publish(event.TopicRecordsChanged, event.ChangeEvent{Type: t})

	return nil
}

func (e *Engine) RequestDelete(ctx context.Context, t record.EntityType, localID int64) error {
	return e.processor.Enqueue(ctx, t, localID, Delete())
}

// ResendFailed re-queues a create that failed earlier.
func (e *Engine) ResendFailed(ctx context.Context, t record.EntityType, localID int64) error {
	rec, err := e.store.Get(ctx, t, localID)
	if err != nil {
		return err
	}
	if rec.State != record.StateWaitingToSend || !rec.FailedToSend {
		return ErrNothingToResend
	}
	return e.processor.Enqueue(ctx, t, localID, Create())
}

// ResendAllFailed re-queues every failed create of t and returns how many
// were queued.
func (e *Engine) ResendAllFailed(ctx context.Context, t record.EntityType) (int, error) {
	rows, err := e.store.ListByState(ctx, t, record.StateWaitingToSend)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range rows {
		if !r.FailedToSend {
			continue
		}
		if err := e.processor.Enqueue(ctx, t, r.LocalID, Create()); err != nil {
			if errors.Is(err, record.ErrRecordBusy) {
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}

// Refresh pulls t immediately.
func (e *Engine) Refresh(ctx context.Context, t record.EntityType) (PullResult, error) {
	return e.puller.Pull(ctx, t)
}

// RefreshAll pulls every entity type concurrently.
func (e *Engine) RefreshAll(ctx context.Context) ([]PullResult, error) {
	types := record.AllEntityTypes()
	results := make([]PullResult, len(types))

	var g errgroup.Group
	for i, t := range types {
		g.Go(func() error {
			res, err := e.puller.Pull(ctx, t)
			results[i] = res
			return err
		})
	}
	return results, g.Wait()
}

func (e *Engine) Drain(ctx context.Context) ([]Outcome, error) {
	return e.processor.Drain(ctx)
}

func (e *Engine) Cancel(ctx context.Context, t record.EntityType, localID int64) error {
	return e.processor.Cancel(ctx, t, localID)
}

// Recover re-queues operations interrupted by a previous shutdown.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	return e.processor.Recover(ctx)
}

func (e *Engine) Pending() int {
	return e.processor.Pending()
}

func (e *Engine) Get(ctx context.Context, t record.EntityType, localID int64) (*record.Record, error) {
	return e.store.Get(ctx, t, localID)
}

func (e *Engine) List(ctx context.Context, t record.EntityType) ([]*record.Record, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return e.store.List(ctx, t)
}

// MarkRead clears the unread flag of a row.
func (e *Engine) MarkRead(ctx context.Context, t record.EntityType, localID int64) error {
	if _, err := e.store.Update(ctx, t, localID, func(r *record.Record) error {
		r.Unread = false
		return nil
	}); err != nil {
		return err
	}
	e.notifier.Publish(event.TopicRecordsChanged, event.ChangeEvent{Type: t})
	return nil
}

// Attach binds a locally derived reference, e.g. a hazard geofence, to a row.
// References follow the row when the server assigns it a remote id.
func (e *Engine) Attach(ctx context.Context, t record.EntityType, localID int64, kind, key string) error {
	rec, err := e.store.Get(ctx, t, localID)
	if err != nil {
		return err
	}
	return e.store.AddReference(ctx, record.Reference{
		Type:          t,
		OwnerLocalID:  rec.LocalID,
		OwnerRemoteID: rec.RemoteID,
		Kind:          kind,
		Key:           key,
	})
}

func (e *Engine) References(ctx context.Context, t record.EntityType, localID int64) ([]record.Reference, error) {
	return e.store.References(ctx, t, localID)
}

// Reauthenticated resumes an outbound queue paused by an auth failure.
func (e *Engine) Reauthenticated() {
	e.session.Resume()
	e.log.Info("outbound queue resumed")
}

func (e *Engine) Paused() bool {
	return e.session.Paused()
}

// Subscribe exposes the event notifier to observers.
func (e *Engine) Subscribe(topics ...event.Topic) *event.Subscription {
	return e.notifier.Subscribe(topics...)
}

// Wait blocks until late responses of timed out requests are handled.
func (e *Engine) Wait() {
	e.processor.Wait()
}

// ObserveRecords returns a live view of the table for t. The first emission
// is the current contents; every mutation of t triggers another.
func (e *Engine) ObserveRecords(ctx context.Context, t record.EntityType) (*RecordStream, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}

	sub := e.notifier.Subscribe(event.TopicRecordsChanged)
	ctx, cancel := context.WithCancel(ctx)
	s := &RecordStream{
		ch:     make(chan []*record.Record, 1),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go s.run(ctx, sub, func() ([]*record.Record, error) {
		return e.store.List(ctx, t)
	}, t, e.log)

	return s, nil
}

// RecordStream delivers snapshots of one entity table. Only the most recent
// snapshot is buffered; a slow reader skips intermediate ones.
type RecordStream struct {
	ch     chan []*record.Record
	cancel context.CancelFunc
	done   chan struct{}
	once   gosync.Once
}

func (s *RecordStream) C() <-chan []*record.Record {
	return s.ch
}

// Close stops the stream and waits for its goroutine to exit.
func (s *RecordStream) Close() {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
}

func (s *RecordStream) run(
	ctx context.Context,
	sub *event.Subscription,
	list func() ([]*record.Record, error),
	t record.EntityType,
	log *slog.Logger,
) {
	defer close(s.done)
	defer close(s.ch)
	defer sub.Close()

	emit := func() {
		rows, err := list()
		if err != nil {
			if ctx.Err() == nil {
				log.Error("failed to list records for observer", "type", t, "error", err)
			}
			return
		}
		select {
		case <-s.ch:
		default:
		}
		s.ch <- rows
	}

	emit()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if ce, isChange := ev.Payload.(event.ChangeEvent); isChange && ce.Type != t {
				continue
			}
			emit()
		}
	}
}

// SyncResult is the result of one scheduler cycle.
type SyncResult struct {
	Success   bool          `json:"success"`
	Pulls     []PullResult  `json:"pulls"`
	Outcomes  []Outcome     `json:"outcomes"`
	Errors    []string      `json:"errors,omitempty"`
	Duration  time.Duration `json:"duration"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
}
