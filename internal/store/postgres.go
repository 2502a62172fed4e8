package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/hashicorp/terraform-plugin-log/tflog"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/isometry/ldapsync/internal/dbx"
)

// Postgres stores records in the users table created by Migrate.
type Postgres struct {
	db         *sql.DB
	softDelete bool
}

// Open connects to PostgreSQL through the pgx database/sql driver.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return db, nil
}

func NewPostgres(db *sql.DB, softDelete bool) *Postgres {
	return &Postgres{db: db, softDelete: softDelete}
}

func (p *Postgres) SupportsSoftDelete() bool {
	return p.softDelete
}

func (p *Postgres) FindByGUID(ctx context.Context, guid string, withTrashed bool) (*Record, error) {
	query :=
		`SELECT id, guid, attributes, created_at, updated_at, deleted_at FROM users
		 WHERE guid = $1`
	if p.softDelete && !withTrashed {
		query += ` AND deleted_at IS NULL`
	}

	rec, err := scanRecord(p.db.QueryRowContext(ctx, query, guid))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}

	return rec, nil
}

func (p *Postgres) Save(ctx context.Context, rec *Record) (bool, error) {
	attrs, err := json.Marshal(rec.Attributes)
	if err != nil {
		return false, fmt.Errorf("encode attributes: %w", err)
	}

	insert := !rec.Exists()
	id := rec.ID
	if insert {
		id = uuid.NewString()
	}

	var saved Record
	err = dbx.WithTx(ctx, p.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		query :=
			`UPDATE users SET guid = $2, attributes = $3, updated_at = now()
			 WHERE id = $1
			 RETURNING created_at, updated_at`
		if insert {
			query =
				`INSERT INTO users (id, guid, attributes)
				 VALUES ($1, $2, $3)
				 RETURNING created_at, updated_at`
		}
		return tx.QueryRowContext(ctx, query, id, rec.GUID, string(attrs)).Scan(&saved.CreatedAt, &saved.UpdatedAt)
	})
	if err != nil {
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return false, ErrNotFound
		case isUniqueViolation(err):
			return false, fmt.Errorf("%w: %w", ErrUniqueViolation, err)
		}
		return false, fmt.Errorf("db error: %w", err)
	}

	rec.ID = id
	rec.CreatedAt = saved.CreatedAt
	rec.UpdatedAt = saved.UpdatedAt

	tflog.SubsystemDebug(ctx, Subsystem, "Saved record", map[string]any{
		"id":      rec.ID,
		"guid":    rec.GUID,
		"created": insert,
	})

	return insert, nil
}

func (p *Postgres) Trash(ctx context.Context, rec *Record) error {
	return p.setDeletedAt(ctx, rec,
		`UPDATE users SET deleted_at = now(), updated_at = now()
		 WHERE id = $1
		 RETURNING updated_at, deleted_at`)
}

func (p *Postgres) Restore(ctx context.Context, rec *Record) error {
	return p.setDeletedAt(ctx, rec,
		`UPDATE users SET deleted_at = NULL, updated_at = now()
		 WHERE id = $1
		 RETURNING updated_at, deleted_at`)
}

func (p *Postgres) setDeletedAt(ctx context.Context, rec *Record, query string) error {
	if !p.softDelete {
		return ErrSoftDeleteUnsupported
	}

	var deletedAt sql.NullTime
	err := p.db.QueryRowContext(ctx, query, rec.ID).Scan(&rec.UpdatedAt, &deletedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("db error: %w", err)
	}

	rec.DeletedAt = nil
	if deletedAt.Valid {
		rec.DeletedAt = &deletedAt.Time
	}
	return nil
}

func (p *Postgres) MissingIDs(ctx context.Context, seen []string) ([]string, error) {
	query := `SELECT id, guid FROM users WHERE guid <> ''`
	if p.softDelete {
		query += ` AND deleted_at IS NULL`
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	set := seenSet(seen)
	var missing []string
	for rows.Next() {
		var id, guid string
		if err := rows.Scan(&id, &guid); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		if _, ok := set[guid]; !ok {
			missing = append(missing, id)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}

	slices.Sort(missing)
	return missing, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec       Record
		attrs     []byte
		deletedAt sql.NullTime
	)

	if err := row.Scan(&rec.ID, &rec.GUID, &attrs, &rec.CreatedAt, &rec.UpdatedAt, &deletedAt); err != nil {
		return nil, err
	}

	rec.Attributes = make(map[string]any)
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &rec.Attributes); err != nil {
			return nil, fmt.Errorf("decode attributes: %w", err)
		}
	}
	if deletedAt.Valid {
		rec.DeletedAt = &deletedAt.Time
	}

	return &rec, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.UniqueViolation
	}
	return false
}
