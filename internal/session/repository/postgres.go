package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/logflume/logflume/internal/session/domain"
)

// PostgresStore is a Store implementation on Postgres. Batch appends run in
// one transaction with the session row locked, so a batch is contiguous and
// concurrent writers to the same session serialize on the row only.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore returns a store that uses the given db for persistence.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// StoreLogs implements Store.StoreLogs.
func (s *PostgresStore) StoreLogs(ctx context.Context, key domain.SessionKey, osType domain.OSType, entries []domain.LogEntry) error {
	key = key.Normalize()
	if err := key.Validate(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapPgErr(err)
	}
	defer func() { _ = tx.Rollback() }()

	sessionID, closed, err := lockSession(ctx, tx, key)
	if err != nil {
		return wrapPgErr(err)
	}
	if sessionID == 0 {
		// Create if absent. A concurrent first batch may win the insert, so
		// tolerate the conflict and re-lock the surviving row instead of
		// trusting RETURNING.
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (api_key, device_name, app_name, start_time, os_type, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (api_key, device_name, app_name, start_time) DO NOTHING`,
			key.APIKey, key.Device, key.App, key.StartTime, string(osType), time.Now().UTC()); err != nil {
			return wrapPgErr(err)
		}
		sessionID, closed, err = lockSession(ctx, tx, key)
		if err != nil {
			return wrapPgErr(err)
		}
		if sessionID == 0 {
			return wrapPgErr(errors.New("session row missing after insert"))
		}
	}
	if closed {
		return ErrSessionClosed
	}

	var nextSeq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM log_entries WHERE session_id = $1`,
		sessionID).Scan(&nextSeq); err != nil {
		return wrapPgErr(err)
	}
	for i := range entries {
		payload, err := json.Marshal(entries[i])
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO log_entries (session_id, seq, entry) VALUES ($1, $2, $3)`,
			sessionID, nextSeq+int64(i), payload); err != nil {
			return wrapPgErr(err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO device_apps (api_key, device_name, app_name)
		VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
		key.APIKey, key.Device, key.App); err != nil {
		return wrapPgErr(err)
	}
	return wrapPgErr(tx.Commit())
}

// SetSessionOver implements Store.SetSessionOver.
func (s *PostgresStore) SetSessionOver(ctx context.Context, key domain.SessionKey) error {
	key = key.Normalize()
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET closed = TRUE
		WHERE api_key = $1 AND device_name = $2 AND app_name = $3 AND start_time = $4`,
		key.APIKey, key.Device, key.App, key.StartTime)
	if err != nil {
		return wrapPgErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapPgErr(err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RetrieveLogs implements Store.RetrieveLogs.
func (s *PostgresStore) RetrieveLogs(ctx context.Context, key domain.SessionKey) (domain.OSType, []domain.LogEntry, error) {
	key = key.Normalize()
	var sessionID int64
	var osType string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, os_type FROM sessions
		WHERE api_key = $1 AND device_name = $2 AND app_name = $3 AND start_time = $4`,
		key.APIKey, key.Device, key.App, key.StartTime).Scan(&sessionID, &osType)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil, ErrNotFound
	}
	if err != nil {
		return "", nil, wrapPgErr(err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT entry FROM log_entries WHERE session_id = $1 ORDER BY seq`, sessionID)
	if err != nil {
		return "", nil, wrapPgErr(err)
	}
	defer rows.Close()
	var entries []domain.LogEntry
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return "", nil, wrapPgErr(err)
		}
		var e domain.LogEntry
		if err := json.Unmarshal(payload, &e); err != nil {
			return "", nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return "", nil, wrapPgErr(err)
	}
	return domain.OSType(osType), entries, nil
}

// RetrieveDevices implements Store.RetrieveDevices.
func (s *PostgresStore) RetrieveDevices(ctx context.Context, apiKey string) ([]string, error) {
	return s.listNames(ctx,
		`SELECT DISTINCT device_name FROM device_apps WHERE api_key = $1 ORDER BY device_name`,
		apiKey)
}

// RetrieveApps implements Store.RetrieveApps.
func (s *PostgresStore) RetrieveApps(ctx context.Context, apiKey, device string) ([]string, error) {
	return s.listNames(ctx,
		`SELECT app_name FROM device_apps WHERE api_key = $1 AND device_name = $2 ORDER BY app_name`,
		apiKey, device)
}

// RetrieveSessions implements Store.RetrieveSessions.
func (s *PostgresStore) RetrieveSessions(ctx context.Context, apiKey, device, app string) ([]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT start_time FROM sessions
		WHERE api_key = $1 AND device_name = $2 AND app_name = $3
		ORDER BY start_time`,
		apiKey, device, app)
	if err != nil {
		return nil, wrapPgErr(err)
	}
	defer rows.Close()
	var out []time.Time
	for rows.Next() {
		var t time.Time
		if err := rows.Scan(&t); err != nil {
			return nil, wrapPgErr(err)
		}
		out = append(out, t.UTC())
	}
	if err := rows.Err(); err != nil {
		return nil, wrapPgErr(err)
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

// AddDeviceApp implements Store.AddDeviceApp.
func (s *PostgresStore) AddDeviceApp(ctx context.Context, apiKey, device, app string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_apps (api_key, device_name, app_name)
		VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
		apiKey, device, app)
	return wrapPgErr(err)
}

// ClearDatastore implements Store.ClearDatastore.
func (s *PostgresStore) ClearDatastore(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`TRUNCATE sessions, log_entries, device_apps, device_aliases, app_aliases`)
	return wrapPgErr(err)
}

// lockSession takes a row lock on the session and returns its id and closed
// flag. A zero id means the session does not exist.
func lockSession(ctx context.Context, tx *sql.Tx, key domain.SessionKey) (int64, bool, error) {
	var id int64
	var closed bool
	err := tx.QueryRowContext(ctx, `
		SELECT id, closed FROM sessions
		WHERE api_key = $1 AND device_name = $2 AND app_name = $3 AND start_time = $4
		FOR UPDATE`,
		key.APIKey, key.Device, key.App, key.StartTime).Scan(&id, &closed)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	return id, closed, err
}

func (s *PostgresStore) listNames(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapPgErr(err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, wrapPgErr(err)
		}
		out = append(out, name)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapPgErr(err)
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

// wrapPgErr surfaces database failures as ErrUnavailable so callers can
// retry; domain sentinels pass through.
func wrapPgErr(err error) error {
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrSessionClosed) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
