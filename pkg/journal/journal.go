// Package journal keeps a persistent history of gear shifts and
// emergency stops in a sqlite database.
package journal

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sugawarayuuta/sonnet"

	gberrors "mh400e-gearbox/pkg/errors"
	"mh400e-gearbox/pkg/log"
)

// Kind classifies journal entries.
type Kind string

const (
	KindShift     Kind = "shift"
	KindOvershoot Kind = "overshoot"
	KindEStop     Kind = "emergency_stop"
	KindReset     Kind = "reset"
)

// Entry is one journal record.
type Entry struct {
	ID         string                 `json:"id"`
	Time       time.Time              `json:"time"`
	Kind       Kind                   `json:"kind"`
	FromRPM    uint                   `json:"from_rpm"`
	ToRPM      uint                   `json:"to_rpm"`
	Elapsed    time.Duration          `json:"elapsed_ns"`
	Overshoots int                    `json:"overshoots"`
	Reason     string                 `json:"reason,omitempty"`
	Context    map[string]interface{} `json:"context,omitempty"`
}

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id         TEXT PRIMARY KEY,
	ts         INTEGER NOT NULL,
	kind       TEXT NOT NULL,
	from_rpm   INTEGER NOT NULL DEFAULT 0,
	to_rpm     INTEGER NOT NULL DEFAULT 0,
	elapsed_ns INTEGER NOT NULL DEFAULT 0,
	overshoots INTEGER NOT NULL DEFAULT 0,
	reason     TEXT NOT NULL DEFAULT '',
	context    TEXT
);
CREATE INDEX IF NOT EXISTS events_ts ON events(ts);
CREATE INDEX IF NOT EXISTS events_kind_ts ON events(kind, ts);
`

// Journal is a sqlite backed event store. It is safe for concurrent use.
type Journal struct {
	db     *sql.DB
	insert *sql.Stmt
	logger *log.Logger
}

// Open opens or creates the journal database at path.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, gberrors.JournalError(err, "open "+path)
	}
	if err := configureDatabase(db); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, gberrors.JournalError(err, "create schema")
	}
	insert, err := db.Prepare(`INSERT INTO events
		(id, ts, kind, from_rpm, to_rpm, elapsed_ns, overshoots, reason, context)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		db.Close()
		return nil, gberrors.JournalError(err, "prepare insert")
	}
	return &Journal{db: db, insert: insert, logger: log.GetLogger("journal")}, nil
}

func configureDatabase(db *sql.DB) error {
	// A single connection keeps writes serialized.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	} {
		if _, err := db.Exec(pragma); err != nil {
			return gberrors.JournalError(err, pragma)
		}
	}
	return nil
}

// Record stores e. A missing ID or time is filled in; the stored ID is
// returned.
func (j *Journal) Record(e Entry) (string, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	var ctx sql.NullString
	if len(e.Context) > 0 {
		b, err := sonnet.Marshal(e.Context)
		if err != nil {
			return "", gberrors.JournalError(err, "encode context")
		}
		ctx = sql.NullString{String: string(b), Valid: true}
	}
	_, err := j.insert.Exec(e.ID, e.Time.UnixNano(), string(e.Kind),
		e.FromRPM, e.ToRPM, int64(e.Elapsed), e.Overshoots, e.Reason, ctx)
	if err != nil {
		return "", gberrors.JournalError(err, "insert")
	}
	return e.ID, nil
}

// Recent returns up to limit entries, newest first. An empty kind
// matches all entries.
func (j *Journal) Recent(limit int, kind Kind) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, ts, kind, from_rpm, to_rpm, elapsed_ns, overshoots, reason, context
		FROM events`
	args := []interface{}{}
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, string(kind))
	}
	query += ` ORDER BY ts DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := j.db.Query(query, args...)
	if err != nil {
		return nil, gberrors.JournalError(err, "query")
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			ts      int64
			kindStr string
			elapsed int64
			ctx     sql.NullString
		)
		if err := rows.Scan(&e.ID, &ts, &kindStr, &e.FromRPM, &e.ToRPM, &elapsed,
			&e.Overshoots, &e.Reason, &ctx); err != nil {
			return nil, gberrors.JournalError(err, "scan")
		}
		e.Time = time.Unix(0, ts)
		e.Kind = Kind(kindStr)
		e.Elapsed = time.Duration(elapsed)
		if ctx.Valid {
			if err := sonnet.Unmarshal([]byte(ctx.String), &e.Context); err != nil {
				return nil, gberrors.JournalError(err, fmt.Sprintf("decode context of %s", e.ID))
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, gberrors.JournalError(err, "query")
	}
	return out, nil
}

// Count returns the number of entries of kind, or of all kinds.
func (j *Journal) Count(kind Kind) (int, error) {
	var n int
	var err error
	if kind == "" {
		err = j.db.QueryRow("SELECT COUNT(*) FROM events").Scan(&n)
	} else {
		err = j.db.QueryRow("SELECT COUNT(*) FROM events WHERE kind = ?", string(kind)).Scan(&n)
	}
	if err != nil {
		return 0, gberrors.JournalError(err, "count")
	}
	return n, nil
}

// Prune deletes entries older than cutoff and returns how many went.
func (j *Journal) Prune(cutoff time.Time) (int64, error) {
	res, err := j.db.Exec("DELETE FROM events WHERE ts < ?", cutoff.UnixNano())
	if err != nil {
		return 0, gberrors.JournalError(err, "prune")
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		j.logger.Info("pruned %d entries", n)
	}
	return n, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	j.insert.Close()
	return j.db.Close()
}
