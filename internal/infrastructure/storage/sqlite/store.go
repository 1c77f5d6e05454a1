// Package sqlite is the persistent record.Store of the field client.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/mattn/go-sqlite3"
	"golang.org/x/exp/slog"

	"fieldsync/internal/domain/record"
	"fieldsync/internal/infrastructure/migration"
	"fieldsync/migrations"
)

const dsnOptions = "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"

const recordColumns = `local_id, entity_type, remote_id, domain_key, payload, attachment,
	created_at, updated_at, state, failed_to_send, unread, snapshot, generation`

// Store keeps every entity type in one table. Writes of one type are
// serialized; reads run concurrently.
type Store struct {
	db  *sql.DB
	log *slog.Logger

	mu     sync.Mutex
	writes map[record.EntityType]*sync.Mutex
}

// Open migrates the database at path and opens it.
func Open(ctx context.Context, path string, log *slog.Logger) (*Store, error) {
	if err := migration.NewMigration(migrations.SQLite, migrations.SQLiteDir, migration.SQLiteURL(path), nil).Up(); err != nil {
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}

	db, err := sql.Open("sqlite3", path+dsnOptions)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", path, err)
	}

	s := &Store{
		db:     db,
		log:    log.With("component", "sqlite_store"),
		writes: make(map[record.EntityType]*sync.Mutex),
	}
	s.log.Info("record store opened", "path", path)

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) writeLock(t record.EntityType) (*sync.Mutex, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.writes[t]
	if !ok {
		l = &sync.Mutex{}
		s.writes[t] = l
	}
	return l, nil
}

// withTx runs fn in a write transaction holding the type's write lock.
func (s *Store) withTx(ctx context.Context, t record.EntityType, fn func(tx *sql.Tx) error) error {
	l, err := s.writeLock(t)
	if err != nil {
		return err
	}
	l.Lock()
	defer l.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Store) Insert(ctx context.Context, rec *record.Record) (*record.Record, error) {
	var out *record.Record
	err := s.withTx(ctx, rec.Type, func(tx *sql.Tx) error {
		row := rec.Clone()
		row.LocalID = 0
		if err := checkUnique(ctx, tx, row); err != nil {
			return err
		}
		id, err := insertRow(ctx, tx, row)
		if err != nil {
			return err
		}
		row.LocalID = id
		out = row
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) Get(ctx context.Context, t record.EntityType, localID int64) (*record.Record, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return getOne(ctx, s.db, `WHERE entity_type = ? AND local_id = ?`, t, localID)
}

func (s *Store) FindByRemoteID(ctx context.Context, t record.EntityType, remoteID string) (*record.Record, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return getOne(ctx, s.db, `WHERE entity_type = ? AND remote_id = ?`, t, remoteID)
}

func (s *Store) FindByDomainKey(ctx context.Context, t record.EntityType, key string) (*record.Record, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return getOne(ctx, s.db, `WHERE entity_type = ? AND domain_key = ?`, t, key)
}

func (s *Store) List(ctx context.Context, t record.EntityType) ([]*record.Record, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return getMany(ctx, s.db, `WHERE entity_type = ? ORDER BY local_id`, t)
}

func (s *Store) ListByState(ctx context.Context, t record.EntityType, states ...record.SendState) ([]*record.Record, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if len(states) == 0 {
		return []*record.Record{}, nil
	}
	args := []any{t}
	marks := make([]string, len(states))
	for i, st := range states {
		marks[i] = "?"
		args = append(args, st)
	}
	where := `WHERE entity_type = ? AND state IN (` + strings.Join(marks, ", ") + `) ORDER BY local_id`
	return getMany(ctx, s.db, where, args...)
}

func (s *Store) ListUpdatedSince(ctx context.Context, t record.EntityType, since time.Time) ([]*record.Record, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return getMany(ctx, s.db, `WHERE entity_type = ? AND updated_at > ? ORDER BY updated_at, local_id`, t, toNanos(since))
}

func (s *Store) Update(ctx context.Context, t record.EntityType, localID int64, fn func(*record.Record) error) (*record.Record, error) {
	var out *record.Record
	err := s.withTx(ctx, t, func(tx *sql.Tx) error {
		old, err := getOne(ctx, tx, `WHERE entity_type = ? AND local_id = ?`, t, localID)
		if err != nil {
			return err
		}
		next := old.Clone()
		if err := fn(next); err != nil {
			return err
		}
		next.LocalID, next.Type = old.LocalID, old.Type
		if err := checkUnique(ctx, tx, next); err != nil {
			return err
		}
		if err := updateRow(ctx, tx, next); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) Merge(ctx context.Context, t record.EntityType, key record.MatchKey, fn record.MergeFunc) (*record.Record, error) {
	var out *record.Record
	err := s.withTx(ctx, t, func(tx *sql.Tx) error {
		existing, err := lookup(ctx, tx, t, key)
		if err != nil {
			return err
		}
		next, op, err := fn(existing.Clone())
		if err != nil {
			return err
		}

		switch op {
		case record.MergePut:
			row := next.Clone()
			row.Type = t
			if existing != nil {
				row.LocalID = existing.LocalID
			} else {
				row.LocalID = 0
			}
			if err := checkUnique(ctx, tx, row); err != nil {
				return err
			}
			if existing != nil {
				err = updateRow(ctx, tx, row)
			} else {
				row.LocalID, err = insertRow(ctx, tx, row)
			}
			if err != nil {
				return err
			}
			out = row
		case record.MergeDelete:
			if existing == nil {
				return nil
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE local_id = ?`, existing.LocalID); err != nil {
				return fmt.Errorf("delete %d: %w", existing.LocalID, err)
			}
			out = existing
		default:
			out = existing
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) Delete(ctx context.Context, t record.EntityType, localID int64) error {
	return s.withTx(ctx, t, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM records WHERE entity_type = ? AND local_id = ?`, t, localID)
		if err != nil {
			return fmt.Errorf("delete %d: %w", localID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return record.ErrNotFound
		}
		return nil
	})
}

func (s *Store) Watermark(ctx context.Context, t record.EntityType) (time.Time, error) {
	if err := t.Validate(); err != nil {
		return time.Time{}, err
	}
	var ns int64
	err := s.db.QueryRowContext(ctx, `SELECT watermark FROM watermarks WHERE entity_type = ?`, t).Scan(&ns)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("read watermark: %w", err)
	}
	return fromNanos(ns), nil
}

func (s *Store) AdvanceWatermark(ctx context.Context, t record.EntityType, ts time.Time) (time.Time, error) {
	var out time.Time
	err := s.withTx(ctx, t, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO watermarks (entity_type, watermark) VALUES (?, ?)
			ON CONFLICT(entity_type) DO UPDATE SET watermark = MAX(watermark, excluded.watermark)
		`, t, toNanos(ts)); err != nil {
			return fmt.Errorf("advance watermark: %w", err)
		}
		var ns int64
		if err := tx.QueryRowContext(ctx, `SELECT watermark FROM watermarks WHERE entity_type = ?`, t).Scan(&ns); err != nil {
			return fmt.Errorf("read watermark: %w", err)
		}
		out = fromNanos(ns)
		return nil
	})
	return out, err
}

func (s *Store) AddReference(ctx context.Context, ref record.Reference) error {
	return s.withTx(ctx, ref.Type, func(tx *sql.Tx) error {
		if _, err := getOne(ctx, tx, `WHERE entity_type = ? AND local_id = ?`, ref.Type, ref.OwnerLocalID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO record_references (entity_type, owner_local_id, owner_remote_id, kind, ref_key)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(owner_local_id, kind, ref_key) DO NOTHING
		`, ref.Type, ref.OwnerLocalID, ref.OwnerRemoteID, ref.Kind, ref.Key)
		if err != nil {
			return fmt.Errorf("add reference: %w", err)
		}
		return nil
	})
}

func (s *Store) References(ctx context.Context, t record.EntityType, ownerLocalID int64) ([]record.Reference, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_type, owner_local_id, owner_remote_id, kind, ref_key
		FROM record_references
		WHERE entity_type = ? AND owner_local_id = ?
		ORDER BY kind, ref_key
	`, t, ownerLocalID)
	if err != nil {
		return nil, fmt.Errorf("list references: %w", err)
	}
	defer rows.Close()

	var out []record.Reference
	for rows.Next() {
		var r record.Reference
		if err := rows.Scan(&r.Type, &r.OwnerLocalID, &r.OwnerRemoteID, &r.Kind, &r.Key); err != nil {
			return nil, fmt.Errorf("scan reference: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) RemapReferences(ctx context.Context, t record.EntityType, fromLocalID, toLocalID int64, remoteID string) error {
	return s.withTx(ctx, t, func(tx *sql.Tx) error {
		if fromLocalID != toLocalID {
			// Drop refs the target already holds so the move cannot collide.
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM record_references
				WHERE owner_local_id = ? AND EXISTS (
					SELECT 1 FROM record_references o
					WHERE o.owner_local_id = ? AND o.kind = record_references.kind AND o.ref_key = record_references.ref_key
				)
			`, fromLocalID, toLocalID); err != nil {
				return fmt.Errorf("remap references: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE record_references SET owner_local_id = ?, owner_remote_id = ?
			WHERE entity_type = ? AND owner_local_id = ?
		`, toLocalID, remoteID, t, fromLocalID); err != nil {
			return fmt.Errorf("remap references: %w", err)
		}
		return nil
	})
}

func lookup(ctx context.Context, q queryer, t record.EntityType, key record.MatchKey) (*record.Record, error) {
	if key.DomainKey != "" {
		rec, err := getOne(ctx, q, `WHERE entity_type = ? AND domain_key = ?`, t, key.DomainKey)
		if err == nil || !errors.Is(err, record.ErrNotFound) {
			return rec, err
		}
	}
	if key.RemoteID != "" {
		rec, err := getOne(ctx, q, `WHERE entity_type = ? AND remote_id = ?`, t, key.RemoteID)
		if err == nil || !errors.Is(err, record.ErrNotFound) {
			return rec, err
		}
	}
	return nil, nil
}

func checkUnique(ctx context.Context, q queryer, row *record.Record) error {
	var id int64
	if row.RemoteID != "" {
		err := q.QueryRowContext(ctx, `SELECT local_id FROM records WHERE entity_type = ? AND remote_id = ? AND local_id <> ?`,
			row.Type, row.RemoteID, row.LocalID).Scan(&id)
		if err == nil {
			return fmt.Errorf("%w: %s", record.ErrRemoteIDTaken, row.RemoteID)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check remote id: %w", err)
		}
	}
	if row.DomainKey != "" {
		err := q.QueryRowContext(ctx, `SELECT local_id FROM records WHERE entity_type = ? AND domain_key = ? AND local_id <> ?`,
			row.Type, row.DomainKey, row.LocalID).Scan(&id)
		if err == nil {
			return fmt.Errorf("%w: %s", record.ErrDomainKeyTaken, row.DomainKey)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check domain key: %w", err)
		}
	}
	return nil
}

func insertRow(ctx context.Context, tx *sql.Tx, row *record.Record) (int64, error) {
	snap, err := encodeSnapshot(row.Snapshot)
	if err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO records (entity_type, remote_id, domain_key, payload, attachment,
			created_at, updated_at, state, failed_to_send, unread, snapshot, generation)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, row.Type, nullable(row.RemoteID), nullable(row.DomainKey), []byte(row.Payload), row.Attachment,
		toNanos(row.CreatedAt), toNanos(row.UpdatedAt), row.State, row.FailedToSend, row.Unread, snap, row.Generation)
	if err != nil {
		return 0, constraintError(fmt.Errorf("insert %s: %w", row.Type, err), err)
	}
	return res.LastInsertId()
}

func updateRow(ctx context.Context, tx *sql.Tx, row *record.Record) error {
	snap, err := encodeSnapshot(row.Snapshot)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE records SET remote_id = ?, domain_key = ?, payload = ?, attachment = ?,
			created_at = ?, updated_at = ?, state = ?, failed_to_send = ?, unread = ?,
			snapshot = ?, generation = ?
		WHERE local_id = ?
	`, nullable(row.RemoteID), nullable(row.DomainKey), []byte(row.Payload), row.Attachment,
		toNanos(row.CreatedAt), toNanos(row.UpdatedAt), row.State, row.FailedToSend, row.Unread,
		snap, row.Generation, row.LocalID)
	if err != nil {
		return constraintError(fmt.Errorf("update %s/%d: %w", row.Type, row.LocalID, err), err)
	}
	return nil
}

// constraintError maps unique index violations onto the store's sentinels.
func constraintError(wrapped, err error) error {
	var serr sqlite3.Error
	if !errors.As(err, &serr) || serr.ExtendedCode != sqlite3.ErrConstraintUnique {
		return wrapped
	}
	switch {
	case strings.Contains(serr.Error(), "remote_id"):
		return fmt.Errorf("%w: %v", record.ErrRemoteIDTaken, err)
	case strings.Contains(serr.Error(), "domain_key"):
		return fmt.Errorf("%w: %v", record.ErrDomainKeyTaken, err)
	}
	return wrapped
}

func getOne(ctx context.Context, q queryer, where string, args ...any) (*record.Record, error) {
	row := q.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records `+where, args...)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, record.ErrNotFound
	}
	return rec, err
}

func getMany(ctx context.Context, q queryer, where string, args ...any) ([]*record.Record, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+recordColumns+` FROM records `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	out := []*record.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*record.Record, error) {
	var (
		rec                  record.Record
		remoteID, domainKey  sql.NullString
		payload, snap        []byte
		createdAt, updatedAt int64
	)
	err := sc.Scan(&rec.LocalID, &rec.Type, &remoteID, &domainKey, &payload, &rec.Attachment,
		&createdAt, &updatedAt, &rec.State, &rec.FailedToSend, &rec.Unread, &snap, &rec.Generation)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan record: %w", err)
	}

	rec.RemoteID = remoteID.String
	rec.DomainKey = domainKey.String
	rec.Payload = json.RawMessage(payload)
	rec.CreatedAt = fromNanos(createdAt)
	rec.UpdatedAt = fromNanos(updatedAt)
	if rec.Snapshot, err = decodeSnapshot(snap); err != nil {
		return nil, fmt.Errorf("record %d: %w", rec.LocalID, err)
	}
	return &rec, nil
}

func encodeSnapshot(s *record.Snapshot) ([]byte, error) {
	if s == nil {
		return nil, nil
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return snappy.Encode(nil, raw), nil
}

func decodeSnapshot(b []byte) (*record.Snapshot, error) {
	if len(b) == 0 {
		return nil, nil
	}
	raw, err := snappy.Decode(nil, b)
	if err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	var s record.Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &s, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}
