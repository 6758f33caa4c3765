package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// pgUniqueViolation is the Postgres error code for unique constraint
// violations; the alias uniqueness constraints map those to ErrAliasTaken.
const pgUniqueViolation = "23505"

// PostgresRepository is an alias Repository on Postgres. Upsert-by-raw-name
// and the per-scope unique index on the alias column enforce the invariants
// in the database, so concurrent writers within a scope cannot race past the
// collision check.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns an alias repository that uses the given db.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// RawDeviceName implements Repository.RawDeviceName.
func (r *PostgresRepository) RawDeviceName(ctx context.Context, apiKey, alias string) (string, error) {
	var rawName string
	err := r.db.QueryRowContext(ctx,
		`SELECT raw_name FROM device_aliases WHERE api_key = $1 AND alias = $2`,
		apiKey, alias).Scan(&rawName)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrAliasNotFound
	}
	if err != nil {
		return "", wrapAliasPgErr(err)
	}
	return rawName, nil
}

// RawAppName implements Repository.RawAppName.
func (r *PostgresRepository) RawAppName(ctx context.Context, apiKey, device, alias string) (string, error) {
	var rawName string
	err := r.db.QueryRowContext(ctx,
		`SELECT raw_name FROM app_aliases WHERE api_key = $1 AND device_name = $2 AND alias = $3`,
		apiKey, device, alias).Scan(&rawName)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrAliasNotFound
	}
	if err != nil {
		return "", wrapAliasPgErr(err)
	}
	return rawName, nil
}

// SetDeviceAlias implements Repository.SetDeviceAlias.
func (r *PostgresRepository) SetDeviceAlias(ctx context.Context, apiKey, rawName, alias string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO device_aliases (api_key, raw_name, alias)
		VALUES ($1, $2, $3)
		ON CONFLICT (api_key, raw_name) DO UPDATE SET alias = EXCLUDED.alias`,
		apiKey, rawName, alias)
	return wrapAliasPgErr(err)
}

// SetAppAlias implements Repository.SetAppAlias.
func (r *PostgresRepository) SetAppAlias(ctx context.Context, apiKey, device, rawName, alias string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO app_aliases (api_key, device_name, raw_name, alias)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (api_key, device_name, raw_name) DO UPDATE SET alias = EXCLUDED.alias`,
		apiKey, device, rawName, alias)
	return wrapAliasPgErr(err)
}

// Clear implements Repository.Clear.
func (r *PostgresRepository) Clear(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `TRUNCATE device_aliases, app_aliases`)
	return wrapAliasPgErr(err)
}

func wrapAliasPgErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return ErrAliasTaken
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
