package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/seantiz/mercury/internal/model"

	_ "modernc.org/sqlite"
)

const createFlightsTable = `
CREATE TABLE IF NOT EXISTS flights (
    id          TEXT PRIMARY KEY,
    provider    TEXT NOT NULL,
    prompt      TEXT NOT NULL,
    state       TEXT NOT NULL,
    context_id  TEXT NOT NULL DEFAULT '',
    result      TEXT NOT NULL DEFAULT '',
    error       TEXT NOT NULL DEFAULT '',
    error_kind  TEXT NOT NULL DEFAULT '',
    strategy    TEXT NOT NULL DEFAULT '',
    duration_ms INTEGER,
    timeout_ms  INTEGER NOT NULL DEFAULT 0,
    retry_count INTEGER NOT NULL DEFAULT 0,
    max_retries INTEGER NOT NULL DEFAULT 0,
    extra       TEXT,
    history     TEXT,
    start_time  DATETIME NOT NULL,
    end_time    DATETIME
)`

const createFlightsStartIndex = `CREATE INDEX IF NOT EXISTS flights_start_time ON flights (start_time DESC)`

const flightColumns = `id, provider, prompt, state, context_id, result, error, error_kind,
	strategy, duration_ms, timeout_ms, retry_count, max_retries, extra, history,
	start_time, end_time`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Each connection to ":memory:" is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createFlightsTable, createFlightsStartIndex} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate flights table: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveFlight inserts the flight or replaces the stored copy.
func (s *SQLiteStore) SaveFlight(ctx context.Context, f *model.Flight) error {
	extra, err := marshalNullable(f.Metadata.Extra, len(f.Metadata.Extra) == 0)
	if err != nil {
		return fmt.Errorf("encode flight extra: %w", err)
	}
	history, err := marshalNullable(f.History, len(f.History) == 0)
	if err != nil {
		return fmt.Errorf("encode flight history: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO flights (`+flightColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			context_id = excluded.context_id,
			result = excluded.result,
			error = excluded.error,
			error_kind = excluded.error_kind,
			strategy = excluded.strategy,
			duration_ms = excluded.duration_ms,
			retry_count = excluded.retry_count,
			extra = excluded.extra,
			history = excluded.history,
			end_time = excluded.end_time`,
		f.ID, f.ProviderKey, f.Prompt, string(f.State), f.ContextID, f.Result, f.Error, f.ErrorKind,
		f.Strategy, f.DurationMS, f.Metadata.TimeoutMS, f.Metadata.RetryCount, f.Metadata.MaxRetries,
		extra, history, f.StartTime, f.EndTime,
	)
	if err != nil {
		return fmt.Errorf("save flight: %w", err)
	}
	return nil
}

// GetFlight retrieves a flight by ID.
func (s *SQLiteStore) GetFlight(ctx context.Context, id string) (*model.Flight, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+flightColumns+` FROM flights WHERE id = ?`, id)
	f, err := scanFlight(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get flight: %w", err)
	}
	return f, nil
}

// ListFlights returns a page of flights ordered by start time, newest first,
// along with the total count.
func (s *SQLiteStore) ListFlights(ctx context.Context, limit, offset int) ([]*model.Flight, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM flights").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count flights: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+flightColumns+` FROM flights ORDER BY start_time DESC, id DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list flights: %w", err)
	}
	defer rows.Close()

	var flights []*model.Flight
	for rows.Next() {
		f, err := scanFlight(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan flight: %w", err)
		}
		flights = append(flights, f)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate flights: %w", err)
	}

	return flights, total, nil
}

// GetFlightStats returns aggregate counts and the mean duration of flights
// that recorded one.
func (s *SQLiteStore) GetFlightStats(ctx context.Context) (*FlightStats, error) {
	stats := &FlightStats{
		CountByState:    make(map[string]int),
		CountByProvider: make(map[string]int),
		CountByStrategy: make(map[string]int),
	}

	var avg sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), AVG(duration_ms) FROM flights",
	).Scan(&stats.Total, &avg)
	if err != nil {
		return nil, fmt.Errorf("flight totals: %w", err)
	}
	if avg.Valid {
		stats.AvgDurationMS = avg.Float64
	}

	groups := []struct {
		column string
		into   map[string]int
	}{
		{"state", stats.CountByState},
		{"provider", stats.CountByProvider},
		{"strategy", stats.CountByStrategy},
	}
	for _, g := range groups {
		if err := s.countBy(ctx, g.column, g.into); err != nil {
			return nil, err
		}
	}
	return stats, nil
}

func (s *SQLiteStore) countBy(ctx context.Context, column string, into map[string]int) error {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+column+", COUNT(*) FROM flights WHERE "+column+" != '' GROUP BY "+column)
	if err != nil {
		return fmt.Errorf("count flights by %s: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan %s count: %w", column, err)
		}
		into[key] = n
	}
	return rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFlight(sc scanner) (*model.Flight, error) {
	f := &model.Flight{}
	var (
		state          string
		extra, history sql.NullString
	)
	err := sc.Scan(
		&f.ID, &f.ProviderKey, &f.Prompt, &state, &f.ContextID, &f.Result, &f.Error, &f.ErrorKind,
		&f.Strategy, &f.DurationMS, &f.Metadata.TimeoutMS, &f.Metadata.RetryCount, &f.Metadata.MaxRetries,
		&extra, &history, &f.StartTime, &f.EndTime,
	)
	if err != nil {
		return nil, err
	}
	f.State = model.FlightState(state)
	if extra.Valid {
		if err := json.Unmarshal([]byte(extra.String), &f.Metadata.Extra); err != nil {
			return nil, fmt.Errorf("decode flight extra: %w", err)
		}
	}
	if history.Valid {
		if err := json.Unmarshal([]byte(history.String), &f.History); err != nil {
			return nil, fmt.Errorf("decode flight history: %w", err)
		}
	}
	return f, nil
}

func marshalNullable(v any, empty bool) (sql.NullString, error) {
	if empty {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}
