// Package engine owns the single open connection to the encrypted store and
// the task serializer: a dedicated worker goroutine through which every
// database operation is funneled. The storage engine tolerates exactly one
// execution context; the serializer is what makes it safely usable from many
// concurrent callers. The result cache and change feed live inside the
// worker's context, so cache consults, storage execution and invalidation
// never race.
package engine

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/vaultsq/vaultsq/pkg/changefeed"
	"github.com/vaultsq/vaultsq/pkg/dberr"
	"github.com/vaultsq/vaultsq/pkg/metrics"
	"github.com/vaultsq/vaultsq/pkg/resultcache"
)

// State is the lifecycle state of a connection.
type State int32

const (
	StateClosed State = iota
	StateOpening
	StateOpen
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Options configures an Engine. Every instance is independent; there is no
// process-wide connection state.
type Options struct {
	// Path of the database file. ":memory:" opens a transient store.
	Path string
	// Key is the encryption key material applied as the keying pragma at
	// connection establishment. Empty opens an unencrypted store.
	Key []byte
	// CacheCapacity bounds the result cache. Zero selects the default.
	CacheCapacity int
	// BusyRetries bounds internal retries of busy storage operations.
	BusyRetries int
	// BusyBackoff is the initial retry backoff, doubled per attempt.
	BusyBackoff time.Duration
	// QueueDepth is the serializer's submission queue length.
	QueueDepth int
	// Schema statements are executed once at open, before any submitted
	// operation runs.
	Schema []string
	// ChangeObserver, when set, receives every committed change batch. It
	// runs in the serializer context and must not block.
	ChangeObserver func(changefeed.Batch)
}

const (
	defaultBusyRetries = 5
	defaultBusyBackoff = 5 * time.Millisecond
	defaultQueueDepth  = 64
)

// Result is the terminal outcome of a submitted operation. Exactly one
// Result is delivered per submission.
type Result struct {
	Value interface{}
	Err   error
}

type op struct {
	name string
	run  func() (interface{}, error)
	done chan Result
}

// Engine is the storage handle plus task serializer of one connection.
type Engine struct {
	opts  Options
	db    *sql.DB
	cache *resultcache.Cache
	feed  *changefeed.Feed

	state int32

	mu     sync.Mutex
	closed bool
	ops    chan *op
	done   chan struct{}

	// execHook is invoked per storage-engine execution (never for cache
	// hits). Test instrumentation; set before submitting operations.
	execHook func(stmt string)
}

// driverSeq distinguishes per-instance driver registrations, so each
// engine's connect hook binds its own change feed.
var driverSeq uint64

// Open establishes the connection, applies key material, runs schema
// statements, and starts the serializer worker.
func Open(opts Options) (*Engine, error) {
	if opts.Path == "" {
		return nil, dberr.New(dberr.CodeValidation, "database path is required")
	}
	if opts.BusyRetries <= 0 {
		opts.BusyRetries = defaultBusyRetries
	}
	if opts.BusyBackoff <= 0 {
		opts.BusyBackoff = defaultBusyBackoff
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = defaultQueueDepth
	}

	cache, err := resultcache.New(opts.CacheCapacity)
	if err != nil {
		return nil, dberr.Wrap(err, dberr.CodeStorage, "initializing result cache")
	}

	e := &Engine{
		opts:  opts,
		cache: cache,
		ops:   make(chan *op, opts.QueueDepth),
		done:  make(chan struct{}),
	}
	e.feed = changefeed.New(func(table string) { cache.Invalidate(table) })
	if opts.ChangeObserver != nil {
		e.feed.SetObserver(opts.ChangeObserver)
	}
	e.setState(StateOpening)

	driver := fmt.Sprintf("sqlite3_vaultsq_%d", atomic.AddUint64(&driverSeq, 1))
	sql.Register(driver, &sqlite3.SQLiteDriver{ConnectHook: e.onConnect})

	db, err := sql.Open(driver, opts.Path)
	if err != nil {
		e.setState(StateClosed)
		return nil, dberr.Wrap(err, dberr.CodeStorage, "opening database")
	}
	// The engine is a sequential resource: exactly one connection, reused
	// for the connection's lifetime.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// Establishes the connection and exercises the key material. A wrong
	// key surfaces here as "file is not a database".
	if _, err := db.Exec("SELECT count(*) FROM sqlite_master"); err != nil {
		db.Close()
		e.setState(StateClosed)
		return nil, dberr.Wrap(err, dberr.CodeStorage, "database unreadable: key material rejected or file corrupt")
	}
	for _, stmt := range opts.Schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			e.setState(StateClosed)
			return nil, dberr.Wrap(err, dberr.CodeStorage, "initializing schema")
		}
	}

	e.db = db
	e.setState(StateOpen)
	go e.loop()

	log.WithFields(log.Fields{
		"path":      opts.Path,
		"encrypted": len(opts.Key) > 0,
	}).Info("opened database")
	return e, nil
}

func (e *Engine) onConnect(conn *sqlite3.SQLiteConn) error {
	if len(e.opts.Key) > 0 {
		pragma := fmt.Sprintf(`PRAGMA key = "x'%s'"`, hex.EncodeToString(e.opts.Key))
		if _, err := conn.Exec(pragma, nil); err != nil {
			return errors.Wrap(err, "applying key material")
		}
	}
	if _, err := conn.Exec("PRAGMA foreign_keys = ON", nil); err != nil {
		return errors.Wrap(err, "enabling foreign keys")
	}
	e.feed.Attach(conn)
	return nil
}

// State returns the connection's lifecycle state.
func (e *Engine) State() State {
	return State(atomic.LoadInt32(&e.state))
}

func (e *Engine) setState(s State) {
	atomic.StoreInt32(&e.state, int32(s))
}

// SetExecHook installs the storage-invocation instrumentation hook. Install
// it before submitting operations.
func (e *Engine) SetExecHook(fn func(stmt string)) { e.execHook = fn }

// submit enqueues a named operation and returns its one-shot completion
// channel. Callers may stop listening; the operation still runs.
func (e *Engine) submit(name string, run func() (interface{}, error)) (<-chan Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, dberr.New(dberr.CodeClosed, "connection is closed")
	}
	if e.State() == StateFailed {
		return nil, errFailed()
	}
	o := &op{name: name, run: run, done: make(chan Result, 1)}
	e.ops <- o
	return o.done, nil
}

// loop is the serializer: operations execute strictly in submission order,
// one at a time to completion.
func (e *Engine) loop() {
	defer close(e.done)
	for o := range e.ops {
		if e.State() == StateFailed {
			o.done <- Result{Err: errFailed()}
			continue
		}

		v, err := e.runWithRetry(o)
		if err != nil && isFatalErr(err) {
			e.setState(StateFailed)
			e.cache.Purge()
			metrics.FatalErrorsTotal.Inc()
			log.WithFields(log.Fields{"op": o.name, "err": err}).
				Error("fatal storage engine error; connection failed")
			err = dberr.Wrap(err, dberr.CodeFatal, "storage engine failure")
		}
		o.done <- Result{Value: v, Err: err}
	}
}

func (e *Engine) runWithRetry(o *op) (interface{}, error) {
	backoff := e.opts.BusyBackoff
	for attempt := 0; ; attempt++ {
		v, err := o.run()
		if err == nil || !isBusyErr(err) {
			return v, err
		}
		if attempt >= e.opts.BusyRetries {
			return nil, dberr.Wrap(err, dberr.CodeBusy, "storage engine busy")
		}
		metrics.BusyRetriesTotal.Inc()
		log.WithFields(log.Fields{"op": o.name, "attempt": attempt + 1}).
			Debug("retrying busy operation")
		time.Sleep(backoff)
		backoff *= 2
	}
}

// Close drains in-flight work, then releases the storage handle. It is
// idempotent.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.ops)
	e.mu.Unlock()

	<-e.done

	var err error
	if e.db != nil {
		err = e.db.Close()
	}
	e.setState(StateClosed)
	log.WithField("path", e.opts.Path).Info("closed database")
	return dberr.Wrap(err, dberr.CodeStorage, "closing database")
}

func errFailed() error {
	return dberr.New(dberr.CodeFatal, "connection has failed; reopen required")
}

func isBusyErr(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

func isFatalErr(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrCorrupt, sqlite3.ErrNotADB, sqlite3.ErrIoErr, sqlite3.ErrCantOpen:
			return true
		}
	}
	return false
}
