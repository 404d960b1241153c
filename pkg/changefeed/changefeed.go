// Package changefeed translates the storage engine's row-level change
// notifications into cache invalidation and host-visible change batches.
//
// Events arrive synchronously during write execution, before the enclosing
// transaction commits. The feed buffers them per in-flight transaction: a
// commit flushes the distinct set of changed tables to the result cache's
// invalidation, a rollback discards the buffer untouched. Large writes
// coalesce: once the row-event buffer reaches its limit only the table set
// is retained, which is all that table-granularity invalidation needs.
package changefeed

import (
	"sort"

	"github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"

	"github.com/vaultsq/vaultsq/pkg/wire"
)

// Op is the kind of row-level change.
type Op int

const (
	OpInsert Op = iota
	OpUpdate
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	}
	return "unknown"
}

// Event is a single row-level change. It is transient: consumed by the feed
// and never persisted.
//
// Pre and Post carry the row images when the engine supplies them. The
// update-hook notification source reports only operation, table and rowid,
// so both are nil in this build.
type Event struct {
	Table string
	RowID int64
	Op    Op
	Pre   []wire.Value
	Post  []wire.Value
}

// Batch is the committed change set delivered to an observer.
type Batch struct {
	// Tables is the sorted, distinct set of tables changed by the commit.
	Tables []string
	// Events holds the buffered row events, truncated to the feed's event
	// limit. Truncated is set when row events were dropped by coalescing.
	Events    []Event
	Truncated bool
}

// DefaultEventLimit bounds retained row events per transaction.
const DefaultEventLimit = 256

// Feed buffers change events for the single in-flight transaction and
// flushes them on commit. It runs entirely within the task serializer's
// execution context and is not safe for concurrent use.
type Feed struct {
	invalidate func(table string)
	observer   func(Batch)
	eventLimit int

	events    []Event
	tables    map[string]struct{}
	truncated bool
}

// New creates a Feed which flushes committed table sets to invalidate.
func New(invalidate func(table string)) *Feed {
	return &Feed{
		invalidate: invalidate,
		eventLimit: DefaultEventLimit,
		tables:     make(map[string]struct{}),
	}
}

// SetObserver registers fn to receive every committed change batch. The
// callback runs in the serializer context; observers that hand batches to a
// host must dispatch asynchronously.
func (f *Feed) SetObserver(fn func(Batch)) { f.observer = fn }

// SetEventLimit overrides the per-transaction row-event buffer bound.
func (f *Feed) SetEventLimit(n int) {
	if n > 0 {
		f.eventLimit = n
	}
}

// Attach registers the feed against conn's update, commit and rollback
// hooks. It is called once per established connection, at open time.
func (f *Feed) Attach(conn *sqlite3.SQLiteConn) {
	conn.RegisterUpdateHook(f.onChange)
	conn.RegisterCommitHook(f.onCommit)
	conn.RegisterRollbackHook(f.onRollback)
}

func (f *Feed) onChange(op int, db, table string, rowid int64) {
	f.tables[table] = struct{}{}

	if len(f.events) >= f.eventLimit {
		f.truncated = true
		return
	}
	var kind Op
	switch op {
	case sqlite3.SQLITE_INSERT:
		kind = OpInsert
	case sqlite3.SQLITE_UPDATE:
		kind = OpUpdate
	case sqlite3.SQLITE_DELETE:
		kind = OpDelete
	default:
		return
	}
	f.events = append(f.events, Event{Table: table, RowID: rowid, Op: kind})
}

// onCommit flushes the buffered table set to the cache and the observer.
// Returning zero allows the commit to proceed.
func (f *Feed) onCommit() int {
	if len(f.tables) == 0 {
		return 0
	}

	tables := make([]string, 0, len(f.tables))
	for t := range f.tables {
		tables = append(tables, t)
	}
	sort.Strings(tables)

	for _, t := range tables {
		f.invalidate(t)
	}
	log.WithFields(log.Fields{"tables": tables, "events": len(f.events)}).
		Debug("committed change batch")

	if f.observer != nil {
		f.observer(Batch{Tables: tables, Events: f.events, Truncated: f.truncated})
	}
	f.reset()
	return 0
}

// onRollback discards the buffer: a rolled-back transaction must leave the
// cache exactly as it was.
func (f *Feed) onRollback() {
	if len(f.tables) > 0 {
		log.WithField("tables", len(f.tables)).Debug("discarded change batch on rollback")
	}
	f.reset()
}

func (f *Feed) reset() {
	f.events = nil
	f.tables = make(map[string]struct{})
	f.truncated = false
}
