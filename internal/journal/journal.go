// Package journal records the raw strings exchanged by a bridge into SQLite.
// The journal only observes the traffic, the protocol state is never
// read back from it.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/FerroO2000/msgbridge/envelope"
	"github.com/FerroO2000/msgbridge/internal/telemetry"
	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS frames (
	rowid       INTEGER PRIMARY KEY AUTOINCREMENT,
	session     TEXT    NOT NULL,
	direction   TEXT    NOT NULL,
	raw         TEXT    NOT NULL,
	protocol    INTEGER NOT NULL,
	seq         TEXT    NOT NULL DEFAULT '',
	id          INTEGER NOT NULL DEFAULT 0,
	name        TEXT    NOT NULL DEFAULT '',
	received_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS frames_session ON frames (session, rowid);
`

// Direction is the direction of a recorded string.
type Direction string

const (
	// DirectionIn marks the strings received from the peer.
	DirectionIn Direction = "in"
	// DirectionOut marks the strings delivered to the peer.
	DirectionOut Direction = "out"
)

// Entry is a recorded string. The envelope fields are only set
// for protocol messages that could be decoded.
type Entry struct {
	Session   string
	Direction Direction
	Raw       string

	Protocol bool
	Seq      envelope.Sequence
	ID       int64
	Name     string

	ReceivedAt time.Time
}

// Journal stores the entries of a session.
type Journal struct {
	tel *telemetry.Telemetry

	db      *sql.DB
	codec   *envelope.Codec
	session string

	recorded atomic.Int64
	failures atomic.Int64
}

// Open opens (or creates) the journal stored at path.
// The prefix identifies the protocol messages, an empty one selects the default.
func Open(path, prefix string) (*Journal, error) {
	path, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("journal: unable to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("journal: unable to open database: %w", err)
	}

	return newJournal(db, prefix)
}

// OpenMemory opens a journal that lives in memory.
func OpenMemory(prefix string) (*Journal, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("journal: unable to open database: %w", err)
	}

	// Every connection would get its own in-memory database
	db.SetMaxOpenConns(1)

	return newJournal(db, prefix)
}

func newJournal(db *sql.DB, prefix string) (*Journal, error) {
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: unable to initialize database: %w", err)
	}

	j := &Journal{
		tel: telemetry.New("journal", "sqlite"),

		db:      db,
		codec:   envelope.NewCodec(prefix),
		session: uuid.NewString(),
	}

	j.tel.NewCounter("recorded_entries", func() int64 { return j.recorded.Load() })
	j.tel.NewCounter("record_failures", func() int64 { return j.failures.Load() })

	j.tel.LogInfo("journal opened", "session", j.session)

	return j, nil
}

// Session returns the id of the session recorded by this journal.
func (j *Journal) Session() string {
	return j.session
}

// Record stores a string seen in the given direction.
func (j *Journal) Record(ctx context.Context, dir Direction, raw string) error {
	entry := Entry{
		Session:    j.session,
		Direction:  dir,
		Raw:        raw,
		ReceivedAt: time.Now(),
	}

	if env, err := j.codec.Decode(raw); err == nil {
		entry.Protocol = true
		entry.Seq = env.Seq
		entry.ID = env.ID
		entry.Name = env.Name
	}

	_, err := j.db.ExecContext(ctx,
		`INSERT INTO frames (session, direction, raw, protocol, seq, id, name, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Session, string(entry.Direction), entry.Raw, entry.Protocol,
		string(entry.Seq), entry.ID, entry.Name, entry.ReceivedAt.UnixNano(),
	)
	if err != nil {
		j.failures.Add(1)
		return fmt.Errorf("journal: unable to record entry: %w", err)
	}

	j.recorded.Add(1)
	return nil
}

// List returns the entries of a session in the order they were recorded.
// An empty session selects the current one.
func (j *Journal) List(ctx context.Context, session string) ([]Entry, error) {
	if session == "" {
		session = j.session
	}

	rows, err := j.db.QueryContext(ctx,
		`SELECT session, direction, raw, protocol, seq, id, name, received_at
		FROM frames WHERE session = ? ORDER BY rowid`, session)
	if err != nil {
		return nil, fmt.Errorf("journal: unable to list entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			entry      Entry
			dir, seq   string
			receivedAt int64
		)

		if err := rows.Scan(&entry.Session, &dir, &entry.Raw, &entry.Protocol,
			&seq, &entry.ID, &entry.Name, &receivedAt); err != nil {
			return nil, fmt.Errorf("journal: unable to read entry: %w", err)
		}

		entry.Direction = Direction(dir)
		entry.Seq = envelope.Sequence(seq)
		entry.ReceivedAt = time.Unix(0, receivedAt)

		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

// Sessions returns the ids of the recorded sessions, oldest first.
func (j *Journal) Sessions(ctx context.Context) ([]string, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT session FROM frames GROUP BY session ORDER BY MIN(rowid)`)
	if err != nil {
		return nil, fmt.Errorf("journal: unable to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []string
	for rows.Next() {
		var session string
		if err := rows.Scan(&session); err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}

	return sessions, rows.Err()
}

// Close closes the database.
func (j *Journal) Close() error {
	if err := j.db.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		return err
	}
	return nil
}
