package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"golang.org/x/exp/slog"
	"golang.org/x/sync/errgroup"

	"fieldsync/internal/domain/event"
	"fieldsync/internal/domain/record"
	"fieldsync/internal/domain/session"
)

const (
	DefaultMaxInFlight    = 4
	DefaultRequestTimeout = 30 * time.Second

	// AttachmentKeyField is the payload field that carries an uploaded
	// attachment's object key.
	AttachmentKeyField = "attachment_key"
)

// OpKind is the kind of outbound operation.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// Operation is a request to push a local change to the remote authority.
type Operation struct {
	Kind    OpKind
	Payload json.RawMessage
}

func Create() Operation { return Operation{Kind: OpCreate} }

func Update(payload json.RawMessage) Operation {
	return Operation{Kind: OpUpdate, Payload: payload}
}

func Delete() Operation { return Operation{Kind: OpDelete} }

// OutcomeStatus is the terminal result of one dispatched operation.
type OutcomeStatus string

const (
	OutcomeSaved    OutcomeStatus = "saved"
	OutcomeDeleted  OutcomeStatus = "deleted"
	OutcomeFailed   OutcomeStatus = "failed"
	OutcomePurged   OutcomeStatus = "purged"
	OutcomeStale    OutcomeStatus = "stale"
	OutcomeRequeued OutcomeStatus = "requeued"
	OutcomeSkipped  OutcomeStatus = "skipped"
)

// Outcome reports what a drain did with one operation.
type Outcome struct {
	Type     record.EntityType `json:"type"`
	LocalID  int64             `json:"local_id"`
	Op       OpKind            `json:"op"`
	Status   OutcomeStatus     `json:"status"`
	RemoteID string            `json:"remote_id,omitempty"`
	State    record.SendState  `json:"state,omitempty"`
	// FoldedInto is set when the create response named a remote id that an
	// existing row already owned; the speculative row was merged into it.
	FoldedInto int64 `json:"folded_into,omitempty"`
	Err        error `json:"-"`
}

// ProcessorConfig tunes the outbound processor.
type ProcessorConfig struct {
	MaxInFlight    int
	RequestTimeout time.Duration
	// KeepPurged keeps rows with unusable attachments in StateFailed instead
	// of removing them.
	KeepPurged bool
}

type opKey struct {
	t  record.EntityType
	id int64
}

type pendingOp struct {
	key        opKey
	kind       OpKind
	generation int64
}

// Processor drains pending local writes to the remote authority. The send
// state of a row is its lock: a row is queued at most once and has at most
// one request in flight.
type Processor struct {
	store    record.Store
	remote   RemoteAuthority
	resolver *Resolver
	notifier Publisher
	session  *session.Session
	verifier AttachmentVerifier
	uploader AttachmentUploader
	clock    Clock
	cfg      ProcessorConfig
	log      *slog.Logger

	mu       gosync.Mutex
	queue    []pendingOp
	queued   map[opKey]struct{}
	inflight map[opKey]struct{}
	// followUp holds operations accepted while the same row was in flight.
	// They are queued when the in-flight dispatch finishes.
	followUp map[opKey]pendingOp

	drainMu gosync.Mutex
	late    gosync.WaitGroup
}

func NewProcessor(
	store record.Store,
	remote RemoteAuthority,
	resolver *Resolver,
	notifier Publisher,
	sess *session.Session,
	cfg ProcessorConfig,
	log *slog.Logger,
) *Processor {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultMaxInFlight
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	return &Processor{
		store:    store,
		remote:   remote,
		resolver: resolver,
		notifier: notifier,
		session:  sess,
		clock:    SystemClock(),
		cfg:      cfg,
		log:      log.With("component", "outbound"),
		queued:   make(map[opKey]struct{}),
		inflight: make(map[opKey]struct{}),
		followUp: make(map[opKey]pendingOp),
	}
}

// WithAttachments sets the attachment checks applied before a create.
func (p *Processor) WithAttachments(v AttachmentVerifier, u AttachmentUploader) *Processor {
	p.verifier = v
	p.uploader = u
	return p
}

// WithClock replaces the wall clock used for local timestamps.
func (p *Processor) WithClock(c Clock) *Processor {
	p.clock = c
	return p
}

// Enqueue moves the row into the lock state for op and queues it. A delete of
// a row the remote authority never saw completes locally.
func (p *Processor) Enqueue(ctx context.Context, t record.EntityType, localID int64, op Operation) error {
	var ev record.Event
	switch op.Kind {
	case OpCreate:
		ev = record.EventEnqueue
	case OpUpdate:
		if !json.Valid(op.Payload) {
			return fmt.Errorf("%w: update payload is not valid JSON", record.ErrInvalidPayload)
		}
		ev = record.EventUpdate
	case OpDelete:
		ev = record.EventDelete
	default:
		return fmt.Errorf("unknown operation %q", op.Kind)
	}

	rec, err := p.store.Update(ctx, t, localID, func(r *record.Record) error {
		next, err := record.Transition(*r, ev)
		if err != nil {
			return err
		}
		if op.Kind == OpUpdate {
			next.Payload = op.Payload
			next.UpdatedAt = p.clock.Now()
		}
		*r = next
		return nil
	})
	if err != nil {
		return err
	}

	if op.Kind == OpDelete && rec.RemoteID == "" {
		return p.deleteLocal(ctx, rec)
	}

	p.schedule(pendingOp{key: opKey{t, localID}, kind: op.Kind, generation: rec.Generation})
	p.notifier.Publish(event.TopicRecordsChanged, event.ChangeEvent{Type: t})
	p.log.Debug("operation queued", "type", t, "local_id", localID, "op", op.Kind)

	return nil
}

// Recover re-queues rows a previous process left in a lock state.
func (p *Processor) Recover(ctx context.Context) (int, error) {
	busy := []record.SendState{record.StateSending, record.StateSent, record.StateUpdating, record.StateDeleting}
	n := 0
	for _, t := range record.AllEntityTypes() {
		rows, err := p.store.ListByState(ctx, t, busy...)
		if err != nil {
			return n, fmt.Errorf("list busy %s: %w", t, err)
		}
		for _, r := range rows {
			kind := OpCreate
			switch r.State {
			case record.StateUpdating:
				kind = OpUpdate
			case record.StateDeleting:
				kind = OpDelete
			}
			if p.push(pendingOp{key: opKey{t, r.LocalID}, kind: kind, generation: r.Generation}, false) {
				n++
			}
		}
	}
	if n > 0 {
		p.log.Info("recovered pending operations", "count", n)
	}
	return n, nil
}

// Cancel withdraws a queued operation that has not been dispatched yet and
// rolls the row back to its pre-request state.
func (p *Processor) Cancel(ctx context.Context, t record.EntityType, localID int64) error {
	key := opKey{t, localID}

	p.mu.Lock()
	if _, ok := p.followUp[key]; ok {
		delete(p.followUp, key)
	} else if _, ok := p.inflight[key]; ok {
		p.mu.Unlock()
		return ErrAlreadyDispatched
	} else if _, ok := p.queued[key]; !ok {
		p.mu.Unlock()
		return ErrNotQueued
	}
	delete(p.queued, key)
	for i, op := range p.queue {
		if op.key == key {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			break
		}
	}
	p.mu.Unlock()

	if _, err := p.store.Update(ctx, t, localID, func(r *record.Record) error {
		next, err := record.Transition(*r, record.EventCancel)
		if err != nil {
			return err
		}
		*r = next
		return nil
	}); err != nil {
		return fmt.Errorf("cancel %s/%d: %w", t, localID, err)
	}

	p.notifier.Publish(event.TopicRecordsChanged, event.ChangeEvent{Type: t})
	return nil
}

// Pending returns the number of accepted operations not dispatched yet.
func (p *Processor) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue) + len(p.followUp)
}

// Drain dispatches every queued operation through a bounded worker pool and
// returns their outcomes. It returns ErrQueuePaused when the session needs
// re-authentication; operations not dispatched stay queued.
func (p *Processor) Drain(ctx context.Context) ([]Outcome, error) {
	p.drainMu.Lock()
	defer p.drainMu.Unlock()

	if p.session.Paused() {
		return nil, ErrQueuePaused
	}

	batch := p.takeAll()
	if len(batch) == 0 {
		return nil, nil
	}

	var (
		mu       gosync.Mutex
		outcomes = make([]Outcome, 0, len(batch))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.MaxInFlight)

	for i, op := range batch {
		if p.session.Paused() || gctx.Err() != nil {
			p.requeue(batch[i:])
			break
		}
		g.Go(func() error {
			out, gen := p.dispatch(gctx, op)
			retry := op
			retry.generation = gen
			p.finish(retry, out.Status == OutcomeRequeued)

			mu.Lock()
			outcomes = append(outcomes, out)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	p.publishProgress(outcomes)

	if p.session.Paused() {
		return outcomes, ErrQueuePaused
	}
	return outcomes, ctx.Err()
}

// Wait blocks until responses that arrived after their timeout are handled.
func (p *Processor) Wait() {
	p.late.Wait()
}

// schedule queues op, replacing a queued operation for the same row. While
// the row is in flight op is held until that dispatch finishes.
func (p *Processor) schedule(op pendingOp) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.inflight[op.key]; ok {
		p.followUp[op.key] = op
		return
	}
	if _, ok := p.queued[op.key]; ok {
		for i := range p.queue {
			if p.queue[i].key == op.key {
				p.queue[i] = op
				break
			}
		}
		return
	}
	p.queued[op.key] = struct{}{}
	p.queue = append(p.queue, op)
}

func (p *Processor) push(op pendingOp, front bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.queued[op.key]; ok {
		return false
	}
	if _, ok := p.inflight[op.key]; ok {
		return false
	}
	p.queued[op.key] = struct{}{}
	if front {
		p.queue = append([]pendingOp{op}, p.queue...)
	} else {
		p.queue = append(p.queue, op)
	}
	return true
}

func (p *Processor) takeAll() []pendingOp {
	p.mu.Lock()
	defer p.mu.Unlock()

	batch := p.queue
	p.queue = nil
	for _, op := range batch {
		delete(p.queued, op.key)
		p.inflight[op.key] = struct{}{}
	}
	return batch
}

func (p *Processor) requeue(ops []pendingOp) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, op := range ops {
		p.release(op, true, false)
	}
}

func (p *Processor) finish(op pendingOp, requeue bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.release(op, requeue, true)
}

// release clears the in-flight mark of op. A held follow-up supersedes op.
// Callers hold p.mu.
func (p *Processor) release(op pendingOp, requeue, front bool) {
	delete(p.inflight, op.key)
	if next, ok := p.followUp[op.key]; ok {
		delete(p.followUp, op.key)
		op, requeue = next, true
	}
	if !requeue {
		return
	}
	if _, ok := p.queued[op.key]; ok {
		return
	}
	p.queued[op.key] = struct{}{}
	if front {
		p.queue = append([]pendingOp{op}, p.queue...)
	} else {
		p.queue = append(p.queue, op)
	}
}

type callResult struct {
	remote *record.RemoteRecord
	err    error
}

// dispatch sends op and returns its outcome with the generation the row held
// for it, which differs from op.generation after a local echo.
func (p *Processor) dispatch(ctx context.Context, op pendingOp) (Outcome, int64) {
	t, id := op.key.t, op.key.id
	out := Outcome{Type: t, LocalID: id, Op: op.kind}
	log := p.log.With("type", t, "local_id", id, "op", op.kind)
	gen := op.generation

	// Writes after dispatch must land even if the drain is cancelled.
	wctx := context.WithoutCancel(ctx)

	rec, err := p.store.Get(wctx, t, id)
	if err != nil {
		out.Status, out.Err = OutcomeSkipped, err
		return out, gen
	}
	if rec.Generation != op.generation {
		log.Debug("row changed since enqueue, operation dropped")
		out.Status, out.State = OutcomeStale, rec.State
		return out, gen
	}

	payload := rec.Payload

	if op.kind == OpCreate {
		if rec.Attachment != "" {
			if p.verifier != nil {
				if err := p.verifier.Verify(rec.Attachment); err != nil {
					return p.purge(wctx, rec, err), gen
				}
			}
			if p.uploader != nil {
				key, err := p.uploader.Upload(ctx, t, rec.DomainKey, rec.Attachment)
				if err != nil {
					return p.fail(wctx, op, gen, fmt.Errorf("upload attachment: %w", err)), gen
				}
				if payload, err = record.SetPayloadField(payload, AttachmentKeyField, key); err != nil {
					return p.fail(wctx, op, gen, err), gen
				}
			}
		}

		if t.EchoesLocally() {
			echoed, err := p.store.Update(wctx, t, id, func(r *record.Record) error {
				if r.Generation != gen {
					return errStaleResponse
				}
				next, err := record.Transition(*r, record.EventEcho)
				if err != nil {
					return err
				}
				*r = next
				return nil
			})
			if err != nil {
				out.Status, out.Err = OutcomeStale, err
				return out, gen
			}
			gen = echoed.Generation
			p.notifier.Publish(event.TopicRecordsChanged, event.ChangeEvent{Type: t})
		}
	}

	resCh := make(chan callResult, 1)
	go func() {
		resCh <- p.call(wctx, t, rec, op.kind, payload)
	}()

	timer := time.NewTimer(p.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case res := <-resCh:
		return p.complete(wctx, op, gen, res), gen
	case <-timer.C:
		log.Warn("request timed out", "timeout", p.cfg.RequestTimeout)
		out = p.fail(wctx, op, gen, ErrTimeout)
	case <-ctx.Done():
		out = p.fail(wctx, op, gen, ctx.Err())
	}

	p.late.Add(1)
	go func() {
		defer p.late.Done()
		late := p.complete(wctx, op, gen, <-resCh)
		log.Debug("late response handled", "status", late.Status)
	}()

	return out, gen
}

func (p *Processor) call(ctx context.Context, t record.EntityType, rec *record.Record, kind OpKind, payload json.RawMessage) callResult {
	switch kind {
	case OpCreate:
		rr, err := p.remote.Create(ctx, t, rec.DomainKey, payload)
		return callResult{remote: rr, err: err}
	case OpUpdate:
		if rec.RemoteID == "" {
			return callResult{err: fmt.Errorf("%w: row has no remote id", record.ErrInvalidTransition)}
		}
		rr, err := p.remote.Update(ctx, t, rec.RemoteID, payload)
		return callResult{remote: rr, err: err}
	default:
		err := p.remote.Delete(ctx, t, rec.RemoteID)
		if errors.Is(err, ErrRemoteNotFound) {
			err = nil
		}
		return callResult{err: err}
	}
}

func (p *Processor) complete(ctx context.Context, op pendingOp, gen int64, res callResult) Outcome {
	t, id := op.key.t, op.key.id

	if res.err != nil {
		if errors.Is(res.err, ErrUnauthorized) {
			return p.pauseFor(ctx, op, gen, res.err)
		}
		return p.fail(ctx, op, gen, res.err)
	}

	p.session.MarkContact(time.Now())

	if op.kind == OpDelete {
		return p.confirmDelete(ctx, op, gen)
	}

	rr := res.remote
	if rr == nil || rr.ID == "" {
		return p.fail(ctx, op, gen, fmt.Errorf("%w: response carries no record id", ErrMalformedResponse))
	}
	if len(rr.Payload) > 0 && !json.Valid(rr.Payload) {
		return p.fail(ctx, op, gen, fmt.Errorf("%w: response payload is not valid JSON", ErrMalformedResponse))
	}

	out := Outcome{Type: t, LocalID: id, Op: op.kind, RemoteID: rr.ID}

	saved, err := p.store.Update(ctx, t, id, func(r *record.Record) error {
		if r.Generation != gen {
			return errStaleResponse
		}
		next, err := record.Transition(*r, record.EventSaved)
		if err != nil {
			return err
		}
		next.RemoteID = rr.ID
		if rr.DomainKey != "" {
			next.DomainKey = rr.DomainKey
		}
		if len(rr.Payload) > 0 {
			next.Payload = rr.Payload
		}
		if !rr.CreatedAt.IsZero() {
			next.CreatedAt = rr.CreatedAt
		}
		if ts := rr.Timestamp(); !ts.IsZero() {
			next.UpdatedAt = ts
		}
		*r = next
		return nil
	})
	switch {
	case errors.Is(err, errStaleResponse), errors.Is(err, record.ErrNotFound):
		p.log.Debug("stale response discarded", "type", t, "local_id", id, "op", op.kind)
		out.Status = OutcomeStale
		return out
	case errors.Is(err, record.ErrRemoteIDTaken):
		return p.fold(ctx, op, *rr)
	case err != nil:
		out.Status, out.Err = OutcomeFailed, err
		return out
	}

	if err := p.store.RemapReferences(ctx, t, id, id, rr.ID); err != nil {
		p.log.Error("failed to remap references", "type", t, "local_id", id, "error", err)
	}

	out.Status, out.State = OutcomeSaved, saved.State
	p.notifier.Publish(event.TopicRecordSaved, event.RecordEvent{Type: t, LocalID: id, RemoteID: rr.ID, State: saved.State})
	p.notifier.Publish(event.TopicRecordsChanged, event.ChangeEvent{Type: t})
	p.log.Info("record saved", "type", t, "local_id", id, "remote_id", rr.ID, "op", op.kind)

	return out
}

// fold merges a speculative row into the row that already owns the remote
// id the server assigned to it.
func (p *Processor) fold(ctx context.Context, op pendingOp, rr record.RemoteRecord) Outcome {
	t, id := op.key.t, op.key.id
	out := Outcome{Type: t, LocalID: id, Op: op.kind, RemoteID: rr.ID}

	owner, err := p.store.FindByRemoteID(ctx, t, rr.ID)
	if err != nil {
		out.Status, out.Err = OutcomeFailed, fmt.Errorf("find owner of %s: %w", rr.ID, err)
		return out
	}

	if err := p.store.RemapReferences(ctx, t, id, owner.LocalID, rr.ID); err != nil {
		p.log.Error("failed to remap references", "type", t, "local_id", id, "error", err)
	}
	if err := p.store.Delete(ctx, t, id); err != nil && !errors.Is(err, record.ErrNotFound) {
		out.Status, out.Err = OutcomeFailed, err
		return out
	}

	merged, err := p.store.Merge(ctx, t, record.MatchKey{RemoteID: rr.ID}, func(existing *record.Record) (*record.Record, record.MergeOp, error) {
		next, changed := p.resolver.Merge(t, existing, rr)
		if !changed {
			return existing, record.MergeSkip, nil
		}
		return next, record.MergePut, nil
	})
	if err != nil {
		out.Status, out.Err = OutcomeFailed, fmt.Errorf("fold into owner of %s: %w", rr.ID, err)
		return out
	}
	if merged == nil {
		merged = owner
	}

	out.Status, out.State, out.FoldedInto = OutcomeSaved, merged.State, merged.LocalID
	p.notifier.Publish(event.TopicRecordSaved, event.RecordEvent{Type: t, LocalID: merged.LocalID, RemoteID: rr.ID, State: merged.State})
	p.notifier.Publish(event.TopicRecordsChanged, event.ChangeEvent{Type: t})
	p.log.Info("speculative row folded into existing record", "type", t, "local_id", id, "owner", merged.LocalID, "remote_id", rr.ID)

	return out
}

func (p *Processor) fail(ctx context.Context, op pendingOp, gen int64, cause error) Outcome {
	t, id := op.key.t, op.key.id
	out := Outcome{Type: t, LocalID: id, Op: op.kind, Err: cause}

	ev := record.EventSendFailed
	switch op.kind {
	case OpUpdate:
		ev = record.EventUpdateFailed
	case OpDelete:
		ev = record.EventDeleteFailed
	}

	rec, err := p.store.Update(ctx, t, id, func(r *record.Record) error {
		if r.Generation != gen {
			return errStaleResponse
		}
		next, err := record.Transition(*r, ev)
		if err != nil {
			return err
		}
		*r = next
		return nil
	})
	if err != nil {
		if errors.Is(err, errStaleResponse) || errors.Is(err, record.ErrNotFound) {
			out.Status = OutcomeStale
			return out
		}
		out.Status, out.Err = OutcomeFailed, errors.Join(cause, err)
		return out
	}

	out.Status, out.State = OutcomeFailed, rec.State
	p.notifier.Publish(event.TopicRecordFailed, event.RecordEvent{Type: t, LocalID: id, RemoteID: rec.RemoteID, State: rec.State, Reason: cause.Error()})
	p.notifier.Publish(event.TopicRecordsChanged, event.ChangeEvent{Type: t})
	p.log.Warn("send failed", "type", t, "local_id", id, "op", op.kind, "error", cause)

	return out
}

func (p *Processor) confirmDelete(ctx context.Context, op pendingOp, gen int64) Outcome {
	t, id := op.key.t, op.key.id
	out := Outcome{Type: t, LocalID: id, Op: op.kind}

	rec, err := p.store.Update(ctx, t, id, func(r *record.Record) error {
		if r.Generation != gen {
			return errStaleResponse
		}
		next, err := record.Transition(*r, record.EventDeleteConfirmed)
		if err != nil {
			return err
		}
		*r = next
		return nil
	})
	if err != nil {
		if errors.Is(err, errStaleResponse) || errors.Is(err, record.ErrNotFound) {
			out.Status = OutcomeStale
			return out
		}
		out.Status, out.Err = OutcomeFailed, err
		return out
	}

	if err := p.store.Delete(ctx, t, id); err != nil && !errors.Is(err, record.ErrNotFound) {
		out.Status, out.Err = OutcomeFailed, err
		return out
	}

	out.Status, out.RemoteID = OutcomeDeleted, rec.RemoteID
	p.notifier.Publish(event.TopicRecordDeleted, event.RecordEvent{Type: t, LocalID: id, RemoteID: rec.RemoteID})
	p.notifier.Publish(event.TopicRecordsChanged, event.ChangeEvent{Type: t})
	p.log.Info("record deleted", "type", t, "local_id", id, "remote_id", rec.RemoteID)

	return out
}

func (p *Processor) deleteLocal(ctx context.Context, rec *record.Record) error {
	next, err := record.Transition(*rec, record.EventDeleteConfirmed)
	if err != nil {
		return err
	}
	if err := p.store.Delete(ctx, next.Type, next.LocalID); err != nil {
		return fmt.Errorf("delete local %s/%d: %w", next.Type, next.LocalID, err)
	}

	p.notifier.Publish(event.TopicRecordDeleted, event.RecordEvent{Type: next.Type, LocalID: next.LocalID})
	p.notifier.Publish(event.TopicRecordsChanged, event.ChangeEvent{Type: next.Type})
	p.log.Debug("unsent record deleted locally", "type", next.Type, "local_id", next.LocalID)

	return nil
}

func (p *Processor) purge(ctx context.Context, rec *record.Record, cause error) Outcome {
	t, id := rec.Type, rec.LocalID
	out := Outcome{Type: t, LocalID: id, Op: OpCreate, Status: OutcomePurged, Err: fmt.Errorf("%w: %w", ErrAttachment, cause)}

	var err error
	if p.cfg.KeepPurged {
		var kept *record.Record
		kept, err = p.store.Update(ctx, t, id, func(r *record.Record) error {
			next, err := record.Transition(*r, record.EventPurge)
			if err != nil {
				return err
			}
			*r = next
			return nil
		})
		if err == nil {
			out.State = kept.State
		}
	} else {
		err = p.store.Delete(ctx, t, id)
	}
	if err != nil && !errors.Is(err, record.ErrNotFound) {
		out.Status, out.Err = OutcomeFailed, errors.Join(out.Err, err)
		return out
	}

	p.notifier.Publish(event.TopicRecordPurged, event.RecordEvent{Type: t, LocalID: id, State: out.State, Reason: cause.Error()})
	p.notifier.Publish(event.TopicRecordsChanged, event.ChangeEvent{Type: t})
	p.log.Warn("record purged, attachment unusable", "type", t, "local_id", id, "attachment", rec.Attachment, "error", cause)

	return out
}

func (p *Processor) pauseFor(ctx context.Context, op pendingOp, gen int64, cause error) Outcome {
	t, id := op.key.t, op.key.id
	out := Outcome{Type: t, LocalID: id, Op: op.kind, Status: OutcomeRequeued, Err: cause}

	rec, err := p.store.Get(ctx, t, id)
	if err != nil || rec.Generation != gen {
		out.Status = OutcomeStale
		return out
	}
	out.State = rec.State

	if p.session.Pause(cause.Error()) {
		p.notifier.Publish(event.TopicAuthRequired, event.AuthEvent{Reason: cause.Error()})
	}
	p.log.Warn("authentication rejected, outbound queue paused", "type", t, "local_id", id, "error", cause)

	return out
}

func (p *Processor) publishProgress(outcomes []Outcome) {
	var ok, failed int
	for _, o := range outcomes {
		switch o.Status {
		case OutcomeSaved, OutcomeDeleted:
			ok++
		case OutcomeFailed, OutcomePurged:
			failed++
		}
	}
	p.notifier.Publish(event.TopicSyncProgress, event.ProgressEvent{Phase: "drain", Succeeded: ok, Failed: failed})
}
