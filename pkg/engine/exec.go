package engine

import (
	"github.com/vaultsq/vaultsq/pkg/dberr"
	"github.com/vaultsq/vaultsq/pkg/metrics"
	"github.com/vaultsq/vaultsq/pkg/resultcache"
	"github.com/vaultsq/vaultsq/pkg/sqlkey"
	"github.com/vaultsq/vaultsq/pkg/wire"
)

// ReadResult is the outcome of a read operation. Rows may be the cached
// snapshot, shared with every other caller of the same query: treat it as
// immutable and never modify it in place.
type ReadResult struct {
	Columns   []string
	Rows      [][]wire.Value
	FromCache bool
}

// WriteResult is the outcome of a write operation.
type WriteResult struct {
	Affected     int64
	LastInsertID int64
}

// StatementResult is the outcome of one statement within a transaction.
// Rows is set for read statements, Affected for the rest.
type StatementResult struct {
	Affected int64
	Rows     *wire.Rows
}

// BatchResult aggregates a committed transaction.
type BatchResult struct {
	Statements []StatementResult
	Affected   int64
}

// SubmitRead enqueues a cached read. The cache consult happens inside the
// serializer context, never on the caller's goroutine.
func (e *Engine) SubmitRead(key sqlkey.Key, stmt string, params []wire.Value) (<-chan Result, error) {
	return e.submit("read", func() (interface{}, error) {
		return e.execRead(key, stmt, params)
	})
}

// SubmitWrite enqueues a write or schema-change statement. Cache
// invalidation completes before the result is released.
func (e *Engine) SubmitWrite(stmt string, params []wire.Value) (<-chan Result, error) {
	return e.submit("write", func() (interface{}, error) {
		return e.execWrite(stmt, params)
	})
}

// SubmitBatch enqueues a statement batch executed as one transaction. The
// batch commits or rolls back atomically; its statements never interleave
// with other operations.
func (e *Engine) SubmitBatch(stmts []wire.Statement) (<-chan Result, error) {
	return e.submit("transaction", func() (interface{}, error) {
		return e.execBatch(stmts)
	})
}

func (e *Engine) execRead(key sqlkey.Key, stmt string, params []wire.Value) (interface{}, error) {
	if cached, ok := e.cache.Lookup(key); ok {
		metrics.CacheHitsTotal.Inc()
		return &ReadResult{Columns: cached.Columns, Rows: cached.Rows, FromCache: true}, nil
	}
	metrics.CacheMissesTotal.Inc()

	cols, rows, err := e.queryAll(stmt, params)
	if err != nil {
		return nil, err
	}

	// Cache only when the dependency set is known; the source-tables set
	// must be a superset of everything the statement read.
	if tables, ok := sqlkey.SourceTables(stmt); ok {
		e.cache.Insert(&resultcache.CachedResult{
			Key:          key,
			Columns:      cols,
			Rows:         rows,
			SourceTables: tables,
		})
	}
	return &ReadResult{Columns: cols, Rows: rows}, nil
}

func (e *Engine) execWrite(stmt string, params []wire.Value) (interface{}, error) {
	e.countExec(stmt)
	res, err := e.db.Exec(stmt, argsOf(params)...)
	if err != nil {
		return nil, dberr.Wrap(err, dberr.CodeStorage, "executing write")
	}
	affected, _ := res.RowsAffected()
	last, _ := res.LastInsertId()

	e.invalidateBeyondHooks(stmt)

	return &WriteResult{Affected: affected, LastInsertID: last}, nil
}

func (e *Engine) execBatch(stmts []wire.Statement) (interface{}, error) {
	tx, err := e.db.Begin()
	if err != nil {
		return nil, dberr.Wrap(err, dberr.CodeStorage, "beginning transaction")
	}

	var out BatchResult
	var committed []string
	for _, s := range stmts {
		if sqlkey.IsRead(s.SQL) {
			// Reads inside a transaction observe its uncommitted state and
			// bypass the cache entirely, in both directions.
			e.countExec(s.SQL)
			cols, rows, err := queryTx(tx, s.SQL, s.Params)
			if err != nil {
				tx.Rollback()
				return nil, err
			}
			out.Statements = append(out.Statements, StatementResult{
				Rows: &wire.Rows{Columns: cols, Rows: rows},
			})
			continue
		}

		e.countExec(s.SQL)
		res, err := tx.Exec(s.SQL, argsOf(s.Params)...)
		if err != nil {
			tx.Rollback()
			return nil, dberr.Wrap(err, dberr.CodeStorage, "executing transaction statement")
		}
		n, _ := res.RowsAffected()
		out.Statements = append(out.Statements, StatementResult{Affected: n})
		out.Affected += n
		committed = append(committed, s.SQL)
	}

	if err := tx.Commit(); err != nil {
		tx.Rollback()
		return nil, dberr.Wrap(err, dberr.CodeStorage, "committing transaction")
	}
	// Invalidation of hook-visible changes ran during Commit; cover the
	// statements the hooks cannot see.
	for _, stmt := range committed {
		e.invalidateBeyondHooks(stmt)
	}
	return &out, nil
}

// invalidateBeyondHooks handles committed statements the update hook does
// not report: schema changes, and DELETE without WHERE, which may take the
// truncate path that bypasses row-level notifications.
func (e *Engine) invalidateBeyondHooks(stmt string) {
	switch sqlkey.KindOf(stmt) {
	case sqlkey.KindDDL:
		e.cache.Purge()
	case sqlkey.KindDelete:
		if tables, ok := sqlkey.SourceTables(stmt); ok {
			for _, t := range tables {
				e.cache.Invalidate(t)
			}
		} else {
			e.cache.Purge()
		}
	}
}

func (e *Engine) queryAll(stmt string, params []wire.Value) ([]string, [][]wire.Value, error) {
	e.countExec(stmt)
	rows, err := e.db.Query(stmt, argsOf(params)...)
	if err != nil {
		return nil, nil, dberr.Wrap(err, dberr.CodeStorage, "executing read")
	}
	defer rows.Close()
	return scanAll(rows)
}

func queryTx(tx txQueryer, stmt string, params []wire.Value) ([]string, [][]wire.Value, error) {
	rows, err := tx.Query(stmt, argsOf(params)...)
	if err != nil {
		return nil, nil, dberr.Wrap(err, dberr.CodeStorage, "executing read")
	}
	defer rows.Close()
	return scanAll(rows)
}

func (e *Engine) countExec(stmt string) {
	metrics.StorageExecTotal.Inc()
	if e.execHook != nil {
		e.execHook(stmt)
	}
}

func argsOf(params []wire.Value) []interface{} {
	if len(params) == 0 {
		return nil
	}
	args := make([]interface{}, len(params))
	for i, p := range params {
		args[i] = p.Arg()
	}
	return args
}
