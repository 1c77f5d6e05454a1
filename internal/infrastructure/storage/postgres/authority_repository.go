package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/exp/slog"

	"fieldsync/internal/domain/authority"
	"fieldsync/internal/domain/record"
)

const recordColumns = `id::text, entity_type, domain_key, payload, created_at, updated_at, deleted_at`

// AuthorityRepository is the authority.Repository on PostgreSQL.
type AuthorityRepository struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

func NewAuthorityRepository(pool *pgxpool.Pool, log *slog.Logger) *AuthorityRepository {
	return &AuthorityRepository{
		pool: pool,
		log:  log.With("component", "authority_repository"),
	}
}

func (r *AuthorityRepository) ListSince(ctx context.Context, t record.EntityType, since time.Time) ([]record.RemoteRecord, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM records
		WHERE entity_type = $1 AND updated_at > $2
		ORDER BY updated_at, id`

	rows, err := r.pool.Query(ctx, query, string(t), since)
	if err != nil {
		r.log.Error("failed to list records", "type", t, "error", err)
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	out := []record.RemoteRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return out, nil
}

func (r *AuthorityRepository) Get(ctx context.Context, t record.EntityType, id string) (*record.RemoteRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM records WHERE entity_type = $1 AND id::text = $2`
	return r.one(ctx, r.pool, query, string(t), id)
}

func (r *AuthorityRepository) FindByDomainKey(ctx context.Context, t record.EntityType, key string) (*record.RemoteRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM records WHERE entity_type = $1 AND domain_key = $2`
	return r.one(ctx, r.pool, query, string(t), key)
}

func (r *AuthorityRepository) Create(ctx context.Context, rec record.RemoteRecord) (*record.RemoteRecord, error) {
	query := `
		INSERT INTO records (id, entity_type, domain_key, payload, created_at, updated_at)
		VALUES ($1::uuid, $2, $3, $4::jsonb, clock_timestamp(), clock_timestamp())
		RETURNING ` + recordColumns

	var created *record.RemoteRecord
	err := r.write(ctx, rec.Type, func(tx pgx.Tx) error {
		var err error
		created, err = scanRecord(tx.QueryRow(ctx, query, rec.ID, string(rec.Type), rec.DomainKey, string(rec.Payload)))
		return err
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return nil, fmt.Errorf("%w: %s", authority.ErrDomainKeyTaken, rec.DomainKey)
		}
		r.log.Error("failed to create record", "type", rec.Type, "error", err)
		return nil, fmt.Errorf("create record: %w", err)
	}
	return created, nil
}

func (r *AuthorityRepository) Update(ctx context.Context, t record.EntityType, id string, payload json.RawMessage) (*record.RemoteRecord, error) {
	query := `
		UPDATE records
		SET payload = $3::jsonb, updated_at = clock_timestamp()
		WHERE entity_type = $1 AND id::text = $2 AND deleted_at IS NULL
		RETURNING ` + recordColumns

	var updated *record.RemoteRecord
	err := r.write(ctx, t, func(tx pgx.Tx) error {
		var err error
		updated, err = r.one(ctx, tx, query, string(t), id, string(payload))
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *AuthorityRepository) SoftDelete(ctx context.Context, t record.EntityType, id string) error {
	const query = `
		UPDATE records
		SET deleted_at = clock_timestamp(), updated_at = clock_timestamp()
		WHERE entity_type = $1 AND id::text = $2 AND deleted_at IS NULL`

	return r.write(ctx, t, func(tx pgx.Tx) error {
		result, err := tx.Exec(ctx, query, string(t), id)
		if err != nil {
			r.log.Error("failed to soft delete record", "type", t, "id", id, "error", err)
			return fmt.Errorf("soft delete record: %w", err)
		}
		if result.RowsAffected() == 0 {
			return authority.ErrNotFound
		}
		return nil
	})
}

// write runs fn in a transaction holding the per-type advisory lock. Writes
// of one type therefore commit in updated_at order, so a reader that has
// seen updated_at T never misses a later commit stamped at or before T.
func (r *AuthorityRepository) write(ctx context.Context, t record.EntityType, fn func(pgx.Tx) error) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "records:"+string(t)); err != nil {
			return fmt.Errorf("lock %s writes: %w", t, err)
		}
		return fn(tx)
	})
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (r *AuthorityRepository) one(ctx context.Context, q querier, query string, args ...any) (*record.RemoteRecord, error) {
	rec, err := scanRecord(q.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, authority.ErrNotFound
		}
		r.log.Error("failed to query record", "error", err)
		return nil, err
	}
	return rec, nil
}

func scanRecord(row pgx.Row) (*record.RemoteRecord, error) {
	var (
		rec       record.RemoteRecord
		typ       string
		payload   []byte
		deletedAt *time.Time
	)
	if err := row.Scan(&rec.ID, &typ, &rec.DomainKey, &payload, &rec.CreatedAt, &rec.UpdatedAt, &deletedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan record: %w", err)
	}

	rec.Type = record.EntityType(typ)
	rec.Payload = json.RawMessage(payload)
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	if deletedAt != nil {
		rec.Deleted = true
		rec.Payload = nil
	}
	return &rec, nil
}
