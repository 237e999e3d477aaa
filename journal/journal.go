// Package journal records link events in a SQLite database.
//
// A Journal is a vm.Observer. OnLink never blocks the linking goroutine:
// events go through a bounded queue to a single writer goroutine, and
// events that find the queue full are counted and dropped.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chazu/indy/vm"
	"github.com/google/uuid"
	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"
)

var log = commonlog.GetLogger("indy.journal")

// DefaultQueueSize is the event queue capacity when none is given.
const DefaultQueueSize = 1024

// ErrClosed is returned by operations on a closed journal.
var ErrClosed = errors.New("journal closed")

const schema = `CREATE TABLE IF NOT EXISTS link_events (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	instruction TEXT    NOT NULL,
	caller      TEXT    NOT NULL,
	name        TEXT    NOT NULL,
	descriptor  TEXT    NOT NULL,
	site_kind   TEXT    NOT NULL,
	outcome     TEXT    NOT NULL,
	error       TEXT    NOT NULL DEFAULT '',
	duration_ns INTEGER NOT NULL,
	at_ns       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS link_events_caller ON link_events (caller);
CREATE INDEX IF NOT EXISTS link_events_at ON link_events (at_ns);`

// Entry is one stored link event.
type Entry struct {
	Seq         int64
	Instruction uuid.UUID
	Caller      string
	Name        string
	Descriptor  string
	SiteKind    string
	Outcome     string
	Error       string
	Duration    time.Duration
	Time        time.Time
}

// Filter selects entries. Zero fields match everything.
type Filter struct {
	Instruction uuid.UUID
	Caller      string
	Outcome     string
	Since       time.Time
	Limit       int
}

// Journal stores link events.
type Journal struct {
	db   *sql.DB
	path string

	mu     sync.RWMutex
	closed bool

	events  chan vm.LinkEvent
	flushes chan chan error
	done    chan struct{}

	written atomic.Uint64
	dropped atomic.Uint64
}

// Option configures a Journal.
type Option func(*options)

type options struct {
	queueSize int
}

// WithQueueSize sets the event queue capacity.
func WithQueueSize(n int) Option {
	return func(o *options) { o.queueSize = n }
}

// Open opens (creating if needed) the journal database at path.
func Open(path string, opts ...Option) (*Journal, error) {
	o := options{queueSize: DefaultQueueSize}
	for _, opt := range opts {
		opt(&o)
	}
	if o.queueSize <= 0 {
		o.queueSize = DefaultQueueSize
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating journal directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}

	j := &Journal{
		db:      db,
		path:    path,
		events:  make(chan vm.LinkEvent, o.queueSize),
		flushes: make(chan chan error),
		done:    make(chan struct{}),
	}
	go j.run()
	log.Debugf("journal opened at %s", path)
	return j, nil
}

// Path returns the database path.
func (j *Journal) Path() string { return j.path }

// Written returns the number of events stored so far.
func (j *Journal) Written() uint64 { return j.written.Load() }

// Dropped returns the number of events lost to a full queue or a closed
// journal.
func (j *Journal) Dropped() uint64 { return j.dropped.Load() }

// OnLink queues ev for writing.
func (j *Journal) OnLink(ev vm.LinkEvent) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		j.dropped.Add(1)
		return
	}
	select {
	case j.events <- ev:
	default:
		j.dropped.Add(1)
	}
}

func (j *Journal) run() {
	defer close(j.done)
	for {
		select {
		case ev, ok := <-j.events:
			if !ok {
				return
			}
			j.write(ev)
		case reply := <-j.flushes:
			j.drain()
			reply <- nil
		}
	}
}

// drain writes everything queued so far.
func (j *Journal) drain() {
	for {
		select {
		case ev, ok := <-j.events:
			if !ok {
				return
			}
			j.write(ev)
		default:
			return
		}
	}
}

func (j *Journal) write(ev vm.LinkEvent) {
	var msg string
	if ev.Err != nil {
		msg = ev.Err.Error()
	}
	_, err := j.db.Exec(`INSERT INTO link_events
		(instruction, caller, name, descriptor, site_kind, outcome, error, duration_ns, at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.Instruction.String(), ev.Caller, ev.Name, ev.Descriptor, ev.SiteKind,
		ev.Outcome.String(), msg, int64(ev.Duration), ev.Time.UnixNano())
	if err != nil {
		j.dropped.Add(1)
		log.Errorf("journal write failed: %s", err)
		return
	}
	j.written.Add(1)
}

// Flush blocks until every event queued before the call is stored.
func (j *Journal) Flush(ctx context.Context) error {
	j.mu.RLock()
	closed := j.closed
	j.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	reply := make(chan error, 1)
	select {
	case j.flushes <- reply:
	case <-j.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stores the queued events and closes the database. Later events
// are dropped.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	close(j.events)
	j.mu.Unlock()

	<-j.done
	log.Debugf("journal closed: %d written, %d dropped", j.Written(), j.Dropped())
	return j.db.Close()
}

func (f Filter) where() (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if f.Instruction != uuid.Nil {
		clauses = append(clauses, "instruction = ?")
		args = append(args, f.Instruction.String())
	}
	if f.Caller != "" {
		clauses = append(clauses, "caller = ?")
		args = append(args, f.Caller)
	}
	if f.Outcome != "" {
		clauses = append(clauses, "outcome = ?")
		args = append(args, f.Outcome)
	}
	if !f.Since.IsZero() {
		clauses = append(clauses, "at_ns >= ?")
		args = append(args, f.Since.UnixNano())
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// Query returns the matching entries, oldest first.
func (j *Journal) Query(ctx context.Context, f Filter) ([]Entry, error) {
	where, args := f.where()
	query := `SELECT seq, instruction, caller, name, descriptor, site_kind, outcome, error, duration_ns, at_ns
		FROM link_events` + where + ` ORDER BY seq`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying journal: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e        Entry
			id       string
			duration int64
			at       int64
		)
		if err := rows.Scan(&e.Seq, &id, &e.Caller, &e.Name, &e.Descriptor, &e.SiteKind,
			&e.Outcome, &e.Error, &duration, &at); err != nil {
			return nil, fmt.Errorf("scanning journal entry: %w", err)
		}
		if e.Instruction, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("journal entry %d: %w", e.Seq, err)
		}
		e.Duration = time.Duration(duration)
		e.Time = time.Unix(0, at)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading journal: %w", err)
	}
	return entries, nil
}

// Count returns the number of matching entries. Filter.Limit is ignored.
func (j *Journal) Count(ctx context.Context, f Filter) (int, error) {
	where, args := f.where()
	var n int
	if err := j.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM link_events"+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting journal entries: %w", err)
	}
	return n, nil
}

// Prune deletes entries recorded before the given time and returns how
// many were removed.
func (j *Journal) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx, "DELETE FROM link_events WHERE at_ns < ?", before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("pruning journal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("pruning journal: %w", err)
	}
	if n > 0 {
		log.Infof("pruned %d journal entries", n)
	}
	return n, nil
}
