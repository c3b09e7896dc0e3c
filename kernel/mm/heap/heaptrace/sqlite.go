// Package heaptrace records heap allocator activity into a SQLite database.
package heaptrace

import (
	"database/sql"
	"os"
	gosync "sync"

	"github.com/gmelodie/cruzos/kernel/kfmt"
	"github.com/gmelodie/cruzos/kernel/mm/heap"
	"github.com/pkg/errors"
	"github.com/rs/xid"
	"github.com/tebeka/atexit"

	// Need to use SQLite connections.
	_ "github.com/mattn/go-sqlite3"
)

var log = kfmt.Logger("heaptrace")

// record is a buffered heap event.
type record struct {
	id  string
	pos string
	ev  heap.Event
}

// SQLiteTracer is a heap hook that writes every allocator event to a
// SQLite database. Events are buffered and written in batches.
type SQLiteTracer struct {
	*sql.DB
	statement *sql.Stmt

	mu        gosync.Mutex
	dbName    string
	buffered  []record
	batchSize int
	err       error
}

// NewSQLiteTracer creates a tracer that writes to path.sqlite3. If path is
// empty a unique name is generated when the database is created.
func NewSQLiteTracer(path string) *SQLiteTracer {
	t := &SQLiteTracer{
		dbName:    path,
		batchSize: 10000,
	}

	atexit.Register(func() { _ = t.Flush() })

	return t
}

// Init creates the database and prepares the insert statement.
func (t *SQLiteTracer) Init() error {
	if err := t.createDatabase(xid.New().String()); err != nil {
		return err
	}

	if err := t.createTable(); err != nil {
		return err
	}

	stmt, err := t.Prepare(`INSERT INTO heap_event VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return errors.Wrap(err, "prepare heap_event insert")
	}
	t.statement = stmt

	return nil
}

// FileName returns the path of the database file.
func (t *SQLiteTracer) FileName() string {
	return t.dbName + ".sqlite3"
}

func (t *SQLiteTracer) createDatabase(fileName string) error {
	if t.dbName == "" {
		t.dbName = "cruzos_heap_" + fileName
	}

	filename := t.FileName()
	if _, err := os.Stat(filename); err == nil {
		return errors.Errorf("file %s already exists", filename)
	}

	db, err := sql.Open("sqlite3", filename)
	if err != nil {
		return errors.Wrapf(err, "open %s", filename)
	}

	log.WithField("file", filename).Info("heap trace is collected in database")
	t.DB = db
	return nil
}

func (t *SQLiteTracer) createTable() error {
	_, err := t.Exec(`
		create table heap_event
		(
			event_id       varchar(200) not null,
			pos            varchar(100) not null,
			op             varchar(100) not null,
			addr           integer      not null,
			size           integer      not null,
			align          integer      not null,
			from_free_list integer      not null,
			live           integer      not null,
			err            varchar(200) default ''
		);
	`)
	if err != nil {
		return errors.Wrap(err, "create heap_event table")
	}

	_, err = t.Exec(`create index heap_event_pos_index on heap_event (pos);`)
	return errors.Wrap(err, "create heap_event index")
}

// Func implements heap.Hook.
func (t *SQLiteTracer) Func(ctx heap.HookCtx) {
	t.mu.Lock()
	t.buffered = append(t.buffered, record{id: xid.New().String(), pos: ctx.Pos.Name, ev: ctx.Item})
	full := len(t.buffered) >= t.batchSize
	t.mu.Unlock()

	if full {
		if err := t.Flush(); err != nil {
			log.WithError(err).Error("failed to flush heap events")
		}
	}
}

// Flush writes all the buffered events to the database.
func (t *SQLiteTracer) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.buffered) == 0 || t.statement == nil {
		return t.err
	}

	tx, err := t.Begin()
	if err != nil {
		return t.setErr(errors.Wrap(err, "begin transaction"))
	}

	stmt := tx.Stmt(t.statement)
	for _, r := range t.buffered {
		var errMsg string
		if r.ev.Err != nil {
			errMsg = r.ev.Err.Message
		}

		fromFreeList := 0
		if r.ev.FromFreeList {
			fromFreeList = 1
		}

		_, err = stmt.Exec(
			r.id,
			r.pos,
			r.ev.Op,
			int64(r.ev.Addr),
			int64(r.ev.Size),
			int64(r.ev.Align),
			fromFreeList,
			int64(r.ev.Live),
			errMsg,
		)
		if err != nil {
			_ = tx.Rollback()
			return t.setErr(errors.Wrapf(err, "insert heap event %s", r.id))
		}
	}

	if err = tx.Commit(); err != nil {
		return t.setErr(errors.Wrap(err, "commit transaction"))
	}

	t.buffered = nil
	return nil
}

func (t *SQLiteTracer) setErr(err error) error {
	if t.err == nil {
		t.err = err
	}
	return err
}

// Counts returns the number of recorded events for each hook position.
// Buffered events are flushed first.
func (t *SQLiteTracer) Counts() (map[string]int, error) {
	if err := t.Flush(); err != nil {
		return nil, err
	}

	rows, err := t.Query(`SELECT pos, COUNT(*) FROM heap_event GROUP BY pos`)
	if err != nil {
		return nil, errors.Wrap(err, "query heap events")
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			pos   string
			count int
		)
		if err = rows.Scan(&pos, &count); err != nil {
			return nil, errors.Wrap(err, "scan heap event count")
		}
		counts[pos] = count
	}

	return counts, errors.Wrap(rows.Err(), "iterate heap event counts")
}

// Close flushes the buffered events and closes the database.
func (t *SQLiteTracer) Close() error {
	if t.DB == nil {
		return nil
	}

	flushErr := t.Flush()
	if err := t.DB.Close(); err != nil {
		return errors.Wrap(err, "close heap trace database")
	}
	return flushErr
}
