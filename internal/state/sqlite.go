package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/stratforge/crypto-strategy-engine/internal/orders"
)

const sqliteSchema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS instance_states (
    instance_id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    symbol TEXT NOT NULL,
    status TEXT NOT NULL,
    saved_at TEXT NOT NULL,
    payload TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS order_records (
    local_id TEXT PRIMARY KEY,
    instance_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    kind TEXT NOT NULL,
    status TEXT NOT NULL,
    quantity REAL NOT NULL,
    price REAL DEFAULT 0,
    filled_quantity REAL DEFAULT 0,
    avg_fill_price REAL DEFAULT 0,
    payload TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_order_records_instance ON order_records(instance_id);
`

// SQLiteStore persists snapshots and order records in a single SQLite
// file. Order records are upserted by local ID, so the table always shows
// each order's latest status.
type SQLiteStore struct {
	db   *sql.DB
	log  *logrus.Logger
	opts Options
}

// NewSQLiteStore opens (and creates if needed) the database at path.
func NewSQLiteStore(path string, log *logrus.Logger, opts Options) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite prefers a single writer.
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db, log: log, opts: opts}, nil
}

// SaveState implements Store.
func (s *SQLiteStore) SaveState(st InstanceState) error {
	if st.InstanceID == "" {
		return fmt.Errorf("state has no instance id")
	}
	st.Version = stateVersion
	st.SavedAt = time.Now()

	payload, err := json.Marshal(&st)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO instance_states (instance_id, kind, symbol, status, saved_at, payload)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(instance_id) DO UPDATE SET
			kind = excluded.kind,
			symbol = excluded.symbol,
			status = excluded.status,
			saved_at = excluded.saved_at,
			payload = excluded.payload`,
		st.InstanceID, st.Kind, st.Symbol, st.Status,
		st.SavedAt.Format(time.RFC3339Nano), string(payload))
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

// LoadState implements Store.
func (s *SQLiteStore) LoadState(instanceID string) (InstanceState, bool, error) {
	var payload string
	err := s.db.QueryRow(
		`SELECT payload FROM instance_states WHERE instance_id = ?`, instanceID,
	).Scan(&payload)
	if err == sql.ErrNoRows {
		return InstanceState{}, false, nil
	}
	if err != nil {
		return InstanceState{}, false, fmt.Errorf("load state: %w", err)
	}

	var st InstanceState
	if err := json.Unmarshal([]byte(payload), &st); err != nil {
		return InstanceState{}, false, fmt.Errorf("parse state payload: %w", err)
	}
	if err := s.opts.validate(st, time.Now()); err != nil {
		s.log.WithError(err).WithField("instance", instanceID).Warn("discarding unusable snapshot")
		return InstanceState{}, false, nil
	}
	return st, true, nil
}

// ListStates implements Store.
func (s *SQLiteStore) ListStates() ([]InstanceState, error) {
	rows, err := s.db.Query(`SELECT instance_id FROM instance_states ORDER BY instance_id`)
	if err != nil {
		return nil, fmt.Errorf("list states: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan state row: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate state rows: %w", err)
	}

	var out []InstanceState
	for _, id := range ids {
		st, ok, err := s.LoadState(id)
		if err != nil {
			s.log.WithError(err).WithField("instance", id).Warn("skipping unreadable snapshot")
			continue
		}
		if ok {
			out = append(out, st)
		}
	}
	return out, nil
}

// AppendOrderRecord implements Store.
func (s *SQLiteStore) AppendOrderRecord(o orders.Order) error {
	payload, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal order record: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO order_records
			(local_id, instance_id, symbol, side, kind, status, quantity, price,
			 filled_quantity, avg_fill_price, payload, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(local_id) DO UPDATE SET
			status = excluded.status,
			filled_quantity = excluded.filled_quantity,
			avg_fill_price = excluded.avg_fill_price,
			payload = excluded.payload,
			updated_at = excluded.updated_at`,
		o.LocalID, o.InstanceID, o.Symbol, string(o.Side), string(o.Kind), string(o.Status),
		o.Quantity, o.Price, o.FilledQuantity, o.AvgFillPrice,
		string(payload), o.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save order record: %w", err)
	}
	return nil
}

// OrderRecords implements Store. Empty instanceID returns all instances.
func (s *SQLiteStore) OrderRecords(instanceID string) ([]orders.Order, error) {
	query := `SELECT payload FROM order_records ORDER BY updated_at`
	args := []interface{}{}
	if instanceID != "" {
		query = `SELECT payload FROM order_records WHERE instance_id = ? ORDER BY updated_at`
		args = append(args, instanceID)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query order records: %w", err)
	}
	defer rows.Close()

	var out []orders.Order
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan order row: %w", err)
		}
		var o orders.Order
		if err := json.Unmarshal([]byte(payload), &o); err != nil {
			s.log.WithError(err).Warn("skipping corrupt order payload")
			continue
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order rows: %w", err)
	}
	return out, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error { return s.db.Close() }
