package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/nao1215/torpeer/internal/model"
)

// EventKind names a setup event.
type EventKind string

const (
	// EventTorReady is recorded when Tor became usable.
	EventTorReady EventKind = "tor_ready"
	// EventPublished is recorded with the node address once the hidden service is reachable.
	EventPublished EventKind = "published"
	// EventSetupFailed is recorded with the error kind and message.
	EventSetupFailed EventKind = "setup_failed"
	// EventCustomBridgesRequested is recorded when Tor could not start with the default bridges.
	EventCustomBridgesRequested EventKind = "custom_bridges_requested"
	// EventShutdown is recorded when the node has shut down.
	EventShutdown EventKind = "shutdown"
)

// Event is one journal row.
type Event struct {
	ID        int64
	Session   string
	Mode      string
	Kind      EventKind
	Address   string
	ErrorKind string
	Detail    string
	Timestamp time.Time
}

// Journal is the SQLite-backed event store.
type Journal struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// Open opens or creates the journal at path, creating parent directories.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?mode=rwc")
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	// SQLite has a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	j := &Journal{db: db, path: path, now: time.Now}

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if err := j.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return j, nil
}

// Path returns the database file.
func (j *Journal) Path() string {
	return j.path
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) createTables(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session TEXT NOT NULL,
		mode TEXT NOT NULL,
		kind TEXT NOT NULL,
		address TEXT NOT NULL DEFAULT '',
		error_kind TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT '',
		timestamp TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_session ON events(session);
	CREATE INDEX IF NOT EXISTS idx_events_mode_kind ON events(mode, kind);
	`
	_, err := j.db.ExecContext(ctx, schema)
	return err
}

// Record appends e and returns its ID. A zero Timestamp is set to now.
func (j *Journal) Record(ctx context.Context, e Event) (int64, error) {
	if e.Session == "" || e.Mode == "" || e.Kind == "" {
		return 0, errors.New("journal event requires session, mode and kind")
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = j.now()
	}

	res, err := j.db.ExecContext(ctx, `
	INSERT INTO events (session, mode, kind, address, error_kind, detail, timestamp)
	VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Session, e.Mode, string(e.Kind), e.Address, e.ErrorKind, e.Detail,
		e.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to record %s event: %w", e.Kind, err)
	}
	return res.LastInsertId()
}

// Query filters Events. Zero fields match everything.
type Query struct {
	Session string
	Mode    string
	Kind    EventKind
	// Limit keeps only the most recent events. Zero means no limit.
	Limit int
}

// Events returns matching events oldest first.
func (j *Journal) Events(ctx context.Context, q Query) ([]Event, error) {
	query := `
	SELECT id, session, mode, kind, address, error_kind, detail, timestamp
	FROM events
	WHERE (? = '' OR session = ?) AND (? = '' OR mode = ?) AND (? = '' OR kind = ?)
	ORDER BY id DESC`
	args := []any{q.Session, q.Session, q.Mode, q.Mode, string(q.Kind), string(q.Kind)}
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e    Event
			kind string
			ts   string
		)
		if err := rows.Scan(&e.ID, &e.Session, &e.Mode, &kind, &e.Address, &e.ErrorKind, &e.Detail, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Kind = EventKind(kind)
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for l, r := 0, len(events)-1; l < r; l, r = l+1, r-1 {
		events[l], events[r] = events[r], events[l]
	}
	return events, nil
}

// LastPublishedAddress returns the most recently published address for
// mode. ok is false when the mode never published.
func (j *Journal) LastPublishedAddress(ctx context.Context, mode string) (model.NodeAddress, bool, error) {
	var addr string
	err := j.db.QueryRowContext(ctx, `
	SELECT address FROM events
	WHERE mode = ? AND kind = ? AND address != ''
	ORDER BY id DESC LIMIT 1`, mode, string(EventPublished)).Scan(&addr)
	if errors.Is(err, sql.ErrNoRows) {
		return model.NodeAddress{}, false, nil
	}
	if err != nil {
		return model.NodeAddress{}, false, fmt.Errorf("failed to query last published address: %w", err)
	}

	a, err := model.ParseNodeAddress(addr)
	if err != nil {
		return model.NodeAddress{}, false, fmt.Errorf("journal holds an invalid address %q: %w", addr, err)
	}
	return a, true, nil
}
