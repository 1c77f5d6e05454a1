package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"golang.org/x/exp/slog"

	"fieldsync/internal/domain/event"
	"fieldsync/internal/domain/record"
	"fieldsync/internal/domain/session"
)

// PullResult summarizes one incremental pull.
type PullResult struct {
	Type      record.EntityType `json:"type"`
	Fetched   int               `json:"fetched"`
	Inserted  int               `json:"inserted"`
	Merged    int               `json:"merged"`
	Deleted   int               `json:"deleted"`
	Skipped   int               `json:"skipped"`
	Watermark time.Time         `json:"watermark"`
}

// Changed reports whether the pull modified the local table.
func (r PullResult) Changed() bool {
	return r.Inserted+r.Merged+r.Deleted > 0
}

// Puller runs incremental pulls. Pulls of one entity type are mutually
// exclusive; different types proceed independently.
type Puller struct {
	store    record.Store
	remote   RemoteAuthority
	resolver *Resolver
	notifier Publisher
	session  *session.Session
	log      *slog.Logger

	mu    gosync.Mutex
	locks map[record.EntityType]*gosync.Mutex
}

func NewPuller(store record.Store, remote RemoteAuthority, resolver *Resolver, notifier Publisher, sess *session.Session, log *slog.Logger) *Puller {
	return &Puller{
		store:    store,
		remote:   remote,
		resolver: resolver,
		notifier: notifier,
		session:  sess,
		log:      log.With("component", "puller"),
		locks:    make(map[record.EntityType]*gosync.Mutex),
	}
}

func (p *Puller) typeLock(t record.EntityType) *gosync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()

	l, ok := p.locks[t]
	if !ok {
		l = &gosync.Mutex{}
		p.locks[t] = l
	}
	return l
}

// Pull fetches everything newer than the type's watermark and merges it into
// the store in server order. Empty and malformed responses are no-ops.
func (p *Puller) Pull(ctx context.Context, t record.EntityType) (PullResult, error) {
	res := PullResult{Type: t}
	if err := t.Validate(); err != nil {
		return res, err
	}

	lock := p.typeLock(t)
	lock.Lock()
	defer lock.Unlock()

	log := p.log.With("type", t)

	since, err := p.store.Watermark(ctx, t)
	if err != nil {
		return res, fmt.Errorf("read watermark: %w", err)
	}
	res.Watermark = since

	remotes, err := p.remote.FetchSince(ctx, t, since)
	if err != nil {
		return res, p.classify(log, err)
	}
	p.session.MarkContact(time.Now())

	res.Fetched = len(remotes)
	if len(remotes) == 0 {
		log.Debug("nothing new", "since", since)
		return res, nil
	}

	for i, rr := range remotes {
		if err := rr.Validate(t); err != nil {
			log.Warn("malformed pull batch ignored", "index", i, "error", err)
			return res, nil
		}
	}

	type change struct {
		ev      event.RecordEvent
		deleted bool
	}
	var (
		maxTS    time.Time
		changed  []change
		applyErr error
	)
	for _, rr := range remotes {
		ev, outcome, err := p.apply(ctx, t, rr)
		if err != nil {
			applyErr = err
			break
		}
		if rr.Timestamp().After(maxTS) {
			maxTS = rr.Timestamp()
		}
		switch outcome {
		case pullInserted:
			res.Inserted++
		case pullMerged:
			res.Merged++
		case pullDeleted:
			res.Deleted++
		default:
			res.Skipped++
			continue
		}
		changed = append(changed, change{ev: ev, deleted: outcome == pullDeleted})
	}

	if !maxTS.IsZero() {
		wm, err := p.store.AdvanceWatermark(ctx, t, maxTS)
		if err != nil {
			return res, fmt.Errorf("advance watermark: %w", err)
		}
		res.Watermark = wm
	}

	for _, c := range changed {
		if c.deleted {
			p.notifier.Publish(event.TopicRecordDeleted, c.ev)
			continue
		}
		p.notifier.Publish(event.TopicRecordReceived, c.ev)
	}
	if res.Changed() {
		p.notifier.Publish(event.TopicRecordsChanged, event.ChangeEvent{Type: t})
	}
	p.notifier.Publish(event.TopicSyncProgress, event.ProgressEvent{
		Type:    t,
		Phase:   "pull",
		Merged:  res.Inserted + res.Merged,
		Deleted: res.Deleted,
	})

	if applyErr != nil {
		return res, fmt.Errorf("merge %s: %w", t, applyErr)
	}

	log.Info("pull complete",
		"fetched", res.Fetched,
		"inserted", res.Inserted,
		"merged", res.Merged,
		"deleted", res.Deleted,
		"watermark", res.Watermark,
	)

	return res, nil
}

type pullOutcome int

const (
	pullSkipped pullOutcome = iota
	pullInserted
	pullMerged
	pullDeleted
)

func (p *Puller) apply(ctx context.Context, t record.EntityType, rr record.RemoteRecord) (event.RecordEvent, pullOutcome, error) {
	key := p.resolver.Match(t, rr)
	outcome := pullSkipped

	stored, err := p.store.Merge(ctx, t, key, func(existing *record.Record) (*record.Record, record.MergeOp, error) {
		if rr.Deleted {
			if existing == nil || existing.IsBusy() {
				return nil, record.MergeSkip, nil
			}
			outcome = pullDeleted
			return existing, record.MergeDelete, nil
		}

		next, changed := p.resolver.Merge(t, existing, rr)
		if !changed {
			return nil, record.MergeSkip, nil
		}
		if existing == nil {
			outcome = pullInserted
		} else {
			outcome = pullMerged
		}
		return next, record.MergePut, nil
	})
	if err != nil {
		if errors.Is(err, record.ErrRemoteIDTaken) {
			p.log.Warn("remote id owned by another row, skipped", "type", t, "remote_id", rr.ID)
			return event.RecordEvent{}, pullSkipped, nil
		}
		return event.RecordEvent{}, pullSkipped, err
	}

	ev := event.RecordEvent{Type: t, RemoteID: rr.ID}
	if stored != nil {
		ev.LocalID = stored.LocalID
		ev.State = stored.State
	}
	return ev, outcome, nil
}

func (p *Puller) classify(log *slog.Logger, err error) error {
	switch {
	case errors.Is(err, ErrUnauthorized):
		if p.session.Pause(err.Error()) {
			p.notifier.Publish(event.TopicAuthRequired, event.AuthEvent{Reason: err.Error()})
		}
		log.Warn("pull rejected, re-authentication required", "error", err)
		return fmt.Errorf("%w: %w", ErrAuth, err)
	case errors.Is(err, ErrMalformedResponse):
		log.Warn("malformed pull response ignored", "error", err)
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		log.Warn("pull failed", "error", err)
		return fmt.Errorf("%w: %w", ErrNetwork, err)
	}
}
