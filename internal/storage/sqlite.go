// Package storage handles database connections, schema migrations, and registry operations using SQLite.
//
// Writes are grouped in batches. Every batch is one transaction and every item
// of a batch runs behind its own savepoint, so a failing item is rolled back
// alone while the rest of the batch commits together.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/woozymasta/masterlist/internal/models"
	_ "modernc.org/sqlite" // Driver sqlite
)

var (
	// ErrNotFound is reported for an item that targets a server which was never registered.
	ErrNotFound = errors.New("server not found")

	// ErrIdentityConflict is reported when a derived identifier already belongs to another address.
	ErrIdentityConflict = errors.New("identifier already used by another address")
)

// Result is the outcome of one item of a batch.
type Result struct {
	// Err is the item error, the item was rolled back when set.
	Err error

	// Changed reports that the item altered data visible in a snapshot.
	Changed bool
}

// Repository manages the SQLite database connection.
type Repository struct {
	db *sql.DB
}

// New initializes a new SQLite connection, sets connection pool parameters, and runs migrations.
func New(dbPath string) (*Repository, error) {
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(1 * time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Repository{db: db}, nil
}

// Close closes the underlying database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Ping verifies the database is reachable.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// UpsertServers inserts new servers or refreshes existing ones keyed by ID, marking all of them active.
// An existing row is only updated when its address matches, otherwise the item fails with ErrIdentityConflict.
func (r *Repository) UpsertServers(ctx context.Context, servers []models.ServerRecord) ([]Result, error) {
	const query = `
	INSERT INTO servers (
		id, name, ip, port, game_mode, map, max_players, current_players,
		country_code, registered_from, active, first_seen_at, last_seen_at
	)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name            = excluded.name,
		game_mode       = excluded.game_mode,
		map             = excluded.map,
		max_players     = excluded.max_players,
		current_players = excluded.current_players,
		registered_from = excluded.registered_from,
		active          = 1,
		last_seen_at    = MAX(servers.last_seen_at, excluded.last_seen_at),

		-- Keep the known country if the lookup failed this time
		country_code = CASE WHEN excluded.country_code != '' THEN excluded.country_code ELSE servers.country_code END
	WHERE servers.ip = excluded.ip AND servers.port = excluded.port;
	`

	return r.batch(ctx, len(servers), func(tx *sql.Tx, i int) (bool, error) {
		s := servers[i]
		res, err := tx.ExecContext(ctx, query,
			int64(s.ID), s.Name, s.Address.IP, int(s.Address.Port), s.GameMode, s.Map, s.MaxPlayers, s.CurrentPlayers,
			s.CountryCode, s.RegisteredFrom, s.FirstSeenAt.UnixMilli(), s.LastSeenAt.UnixMilli(),
		)
		if err != nil {
			return false, err
		}

		n, err := res.RowsAffected()
		if err != nil {
			return false, err
		}
		if n == 0 {
			return false, ErrIdentityConflict
		}

		return true, nil
	})
}

// CheckinServers refreshes liveness and the mutable fields of registered servers.
// Empty name, game mode and map keep the stored values. Unknown servers fail with ErrNotFound and are never created.
func (r *Repository) CheckinServers(ctx context.Context, servers []models.ServerRecord) ([]Result, error) {
	const query = `
	UPDATE servers SET
		name            = CASE WHEN ? != '' THEN ? ELSE name END,
		game_mode       = CASE WHEN ? != '' THEN ? ELSE game_mode END,
		map             = CASE WHEN ? != '' THEN ? ELSE map END,
		max_players     = ?,
		current_players = ?,
		active          = 1,
		last_seen_at    = MAX(last_seen_at, ?)
	WHERE id = ? AND ip = ? AND port = ?;
	`

	return r.batch(ctx, len(servers), func(tx *sql.Tx, i int) (bool, error) {
		s := servers[i]
		res, err := tx.ExecContext(ctx, query,
			s.Name, s.Name, s.GameMode, s.GameMode, s.Map, s.Map, s.MaxPlayers, s.CurrentPlayers, s.LastSeenAt.UnixMilli(),
			int64(s.ID), s.Address.IP, int(s.Address.Port),
		)
		if err != nil {
			return false, err
		}

		n, err := res.RowsAffected()
		if err != nil {
			return false, err
		}
		if n == 0 {
			return false, ErrNotFound
		}

		return true, nil
	})
}

// DeactivateServers flips the given servers to inactive. Rows are kept for history.
// Changed is false for a server that was already inactive.
func (r *Repository) DeactivateServers(ctx context.Context, ids []models.ServerID) ([]Result, error) {
	return r.batch(ctx, len(ids), func(tx *sql.Tx, i int) (bool, error) {
		var active bool
		err := tx.QueryRowContext(ctx, `SELECT active FROM servers WHERE id = ?`, int64(ids[i])).Scan(&active)
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrNotFound
		}
		if err != nil {
			return false, err
		}
		if !active {
			return false, nil
		}

		if _, err := tx.ExecContext(ctx, `UPDATE servers SET active = 0 WHERE id = ?`, int64(ids[i])); err != nil {
			return false, err
		}

		return true, nil
	})
}

// ExpireServers deactivates, in a single statement and transaction, every active server
// last seen strictly before cutoff. It returns the number of servers deactivated.
func (r *Repository) ExpireServers(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin sweep: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE servers SET active = 0 WHERE active = 1 AND last_seen_at < ?`,
		cutoff.UnixMilli(),
	)
	if err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("failed to expire servers: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit sweep: %w", err)
	}

	return n, nil
}

// PruneInactive physically removes inactive servers last seen before the given time.
// The engine never calls it; it exists for explicit maintenance runs.
func (r *Repository) PruneInactive(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM servers WHERE active = 0 AND last_seen_at < ?`,
		before.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}

const selectServers = `
	SELECT id, name, ip, port, game_mode, map, max_players, current_players,
	       country_code, registered_from, active, first_seen_at, last_seen_at
	FROM servers
`

// ActiveServers returns every active server sorted by name and address.
func (r *Repository) ActiveServers(ctx context.Context) ([]models.ServerRecord, error) {
	return r.queryServers(ctx, selectServers+` WHERE active = 1 ORDER BY name, ip, port`)
}

// ListServers returns all servers, or only the active ones, most recently seen first.
func (r *Repository) ListServers(ctx context.Context, activeOnly bool) ([]models.ServerRecord, error) {
	query := selectServers
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY last_seen_at DESC`

	return r.queryServers(ctx, query)
}

// GetServer retrieves a server by ID regardless of its active flag.
func (r *Repository) GetServer(ctx context.Context, id models.ServerID) (*models.ServerRecord, error) {
	row := r.db.QueryRowContext(ctx, selectServers+` WHERE id = ?`, int64(id))

	s, err := scanServer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return &s, nil
}

// AppendLogs writes log entries in one transaction.
func (r *Repository) AppendLogs(ctx context.Context, entries []models.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO logs (time, severity, message, origin) VALUES (?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer func() { _ = stmt.Close() }()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.Time.UnixMilli(), e.Severity, e.Message, e.Origin); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to write log entry: %w", err)
		}
	}

	return tx.Commit()
}

// RecentLogs returns up to limit log entries, newest first.
func (r *Repository) RecentLogs(ctx context.Context, limit int) ([]models.LogEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT time, severity, message, origin FROM logs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []models.LogEntry
	for rows.Next() {
		var (
			e  models.LogEntry
			ts int64
		)
		if err := rows.Scan(&ts, &e.Severity, &e.Message, &e.Origin); err != nil {
			return nil, err
		}
		e.Time = time.UnixMilli(ts).UTC()
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// batch runs fn for n items inside one transaction, isolating each item behind a savepoint.
// The returned error is set only when the whole batch could not be committed.
func (r *Repository) batch(ctx context.Context, n int, fn func(tx *sql.Tx, i int) (bool, error)) ([]Result, error) {
	if n == 0 {
		return nil, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin batch: %w", err)
	}

	results := make([]Result, n)
	for i := 0; i < n; i++ {
		if _, err := tx.ExecContext(ctx, "SAVEPOINT item"); err != nil {
			_ = tx.Rollback()
			return nil, fmt.Errorf("failed to open savepoint: %w", err)
		}

		changed, err := fn(tx, i)
		if err != nil {
			results[i].Err = err
			if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT item"); rbErr != nil {
				_ = tx.Rollback()
				return nil, fmt.Errorf("failed to roll back item: %w", rbErr)
			}
		}
		results[i].Changed = changed && err == nil

		if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT item"); err != nil {
			_ = tx.Rollback()
			return nil, fmt.Errorf("failed to release savepoint: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit batch: %w", err)
	}

	return results, nil
}

func (r *Repository) queryServers(ctx context.Context, query string, args ...any) ([]models.ServerRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var servers []models.ServerRecord
	for rows.Next() {
		s, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		servers = append(servers, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return servers, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanServer(row scanner) (models.ServerRecord, error) {
	var (
		s         models.ServerRecord
		id        int64
		port      int
		firstSeen int64
		lastSeen  int64
	)

	err := row.Scan(
		&id, &s.Name, &s.Address.IP, &port, &s.GameMode, &s.Map, &s.MaxPlayers, &s.CurrentPlayers,
		&s.CountryCode, &s.RegisteredFrom, &s.Active, &firstSeen, &lastSeen,
	)
	if err != nil {
		return s, err
	}

	s.ID = models.ServerID(uint64(id))
	s.Address.Port = models.Port(port)
	s.FirstSeenAt = time.UnixMilli(firstSeen).UTC()
	s.LastSeenAt = time.UnixMilli(lastSeen).UTC()

	return s, nil
}
