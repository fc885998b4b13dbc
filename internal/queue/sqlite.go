package queue

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	defaultLease = 30 * time.Second
	pollInterval = 50 * time.Millisecond
)

// SQLite is a single-node queue stored in a SQLite database. Received
// messages are leased; a lease that expires without Ack or DeadLetter makes
// the message visible again.
type SQLite struct {
	db    *sql.DB
	queue string
	dlq   string
	lease time.Duration
	now   func() time.Time
}

// OpenSQLite opens (or creates) the database at path and runs pending
// migrations. Pass ":memory:" for an in-memory queue (used by tests).
func OpenSQLite(path, queue, dlq string) (*SQLite, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating queue directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Single connection avoids "database is locked" and keeps :memory: alive.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	q := &SQLite{
		db:    db,
		queue: queue,
		dlq:   dlq,
		lease: defaultLease,
		now:   func() time.Time { return time.Now().UTC() },
	}
	if err := q.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return q, nil
}

// Close closes the underlying database connection.
func (q *SQLite) Close() error {
	return q.db.Close()
}

func (q *SQLite) migrate() error {
	if _, err := q.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		var version int
		if _, err := fmt.Sscanf(entry.Name(), "%d_", &version); err != nil {
			return fmt.Errorf("parsing migration version from %q: %w", entry.Name(), err)
		}

		var exists int
		if err := q.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := q.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}
	return nil
}

// Send implements Sender.
func (q *SQLite) Send(ctx context.Context, e Envelope) error {
	return q.SendBatch(ctx, []Envelope{e})
}

// SendBatch inserts all envelopes in one transaction.
func (q *SQLite) SendBatch(ctx context.Context, es []Envelope) error {
	if len(es) == 0 {
		return nil
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: beginning send: %w", ErrTransport, err)
	}
	defer tx.Rollback()

	now := q.now().UnixMilli()
	for _, e := range es {
		body, err := e.Encode()
		if err != nil {
			return fmt.Errorf("encoding envelope %s: %w", e.MessageID, err)
		}
		id := e.MessageID
		if id == "" {
			id = uuid.NewString()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, queue, body, status, created_at, updated_at)
			VALUES (?, ?, ?, 'pending', ?, ?)`,
			id, q.queue, body, now, now,
		); err != nil {
			return fmt.Errorf("%w: inserting message %s: %w", ErrTransport, id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: committing send: %w", ErrTransport, err)
	}
	return nil
}

// Receive leases up to limit visible messages, polling until at least one is
// available or wait elapses.
func (q *SQLite) Receive(ctx context.Context, limit int, wait time.Duration) ([]Delivery, error) {
	if limit <= 0 {
		limit = 1
	}
	deadline := time.Now().Add(wait)
	for {
		ds, err := q.claim(ctx, limit)
		if err != nil || len(ds) > 0 {
			return ds, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(min(pollInterval, remaining)):
		}
	}
}

func (q *SQLite) claim(ctx context.Context, limit int) ([]Delivery, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: beginning claim: %w", ErrTransport, err)
	}
	defer tx.Rollback()

	now := q.now()
	rows, err := tx.QueryContext(ctx, `
		SELECT id, body FROM messages
		WHERE queue = ? AND (status = 'pending' OR (status = 'leased' AND lease_until <= ?))
		ORDER BY seq ASC
		LIMIT ?`,
		q.queue, now.UnixMilli(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: selecting messages: %w", ErrTransport, err)
	}
	var out []Delivery
	for rows.Next() {
		var d Delivery
		if err := rows.Scan(&d.ID, &d.Body); err != nil {
			rows.Close()
			return nil, fmt.Errorf("%w: scanning message: %w", ErrTransport, err)
		}
		out = append(out, d)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("%w: reading messages: %w", ErrTransport, err)
	}
	if len(out) == 0 {
		return nil, nil
	}

	leaseUntil := now.Add(q.lease).UnixMilli()
	for _, d := range out {
		if _, err := tx.ExecContext(ctx, `
			UPDATE messages SET status = 'leased', lease_until = ?, deliveries = deliveries + 1, updated_at = ?
			WHERE id = ?`,
			leaseUntil, now.UnixMilli(), d.ID,
		); err != nil {
			return nil, fmt.Errorf("%w: leasing message %s: %w", ErrTransport, d.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: committing claim: %w", ErrTransport, err)
	}
	return out, nil
}

// Ack removes a settled message.
func (q *SQLite) Ack(ctx context.Context, d Delivery) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, d.ID); err != nil {
		return fmt.Errorf("%w: acking %s: %w", ErrTransport, d.ID, err)
	}
	return nil
}

// DeadLetter moves a message to the dead-letter queue with a reason.
func (q *SQLite) DeadLetter(ctx context.Context, d Delivery, reason, description string) error {
	if _, err := q.db.ExecContext(ctx, `
		UPDATE messages SET queue = ?, status = 'dead', reason = ?, description = ?, updated_at = ?
		WHERE id = ?`,
		q.dlq, reason, description, q.now().UnixMilli(), d.ID,
	); err != nil {
		return fmt.Errorf("%w: dead-lettering %s: %w", ErrTransport, d.ID, err)
	}
	return nil
}

// DeadLetterEntry is a message parked on the dead-letter queue.
type DeadLetterEntry struct {
	ID          string
	Body        []byte
	Reason      string
	Description string
}

// DeadLetters returns up to limit dead-lettered messages, oldest first.
func (q *SQLite) DeadLetters(ctx context.Context, limit int) ([]DeadLetterEntry, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, body, COALESCE(reason, ''), COALESCE(description, '') FROM messages
		WHERE queue = ? AND status = 'dead'
		ORDER BY seq ASC LIMIT ?`, q.dlq, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: listing dead letters: %w", ErrTransport, err)
	}
	defer rows.Close()

	var out []DeadLetterEntry
	for rows.Next() {
		var e DeadLetterEntry
		if err := rows.Scan(&e.ID, &e.Body, &e.Reason, &e.Description); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Stats implements Transport.
func (q *SQLite) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := q.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN queue = ? AND status = 'pending' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN queue = ? AND status = 'leased' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN queue = ? AND status = 'dead' THEN 1 ELSE 0 END), 0)
		FROM messages`, q.queue, q.queue, q.dlq,
	).Scan(&s.Pending, &s.InFlight, &s.DeadLetters)
	if err != nil {
		return Stats{}, fmt.Errorf("%w: counting messages: %w", ErrTransport, err)
	}
	return s, nil
}
