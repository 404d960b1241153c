// Package router is the async-facing API surface of the access layer. It
// accepts calls from arbitrary goroutines, validates them, wraps them as
// serializer submissions, and resolves each caller's completion exactly
// once, with a result or a single taxonomy error.
//
// Cancellation is cooperative: an expired or cancelled context detaches the
// caller, but an accepted operation always runs to completion and commits or
// rolls back atomically at the storage layer. Its result is discarded if
// nobody is listening; no partial commits are left dangling.
package router

import (
	"context"

	"github.com/vaultsq/vaultsq/pkg/dberr"
	"github.com/vaultsq/vaultsq/pkg/engine"
	"github.com/vaultsq/vaultsq/pkg/sqlkey"
	"github.com/vaultsq/vaultsq/pkg/wire"
)

// Router routes requests into an engine's serializer.
type Router struct {
	eng *engine.Engine
}

// New returns a Router over eng.
func New(eng *engine.Engine) *Router {
	return &Router{eng: eng}
}

// Read executes a SELECT, serving repeated identical queries from the
// result cache. The cache consult happens inside the serializer context.
func (r *Router) Read(ctx context.Context, stmt string, params []wire.Value) (*engine.ReadResult, error) {
	if stmt == "" {
		return nil, dberr.New(dberr.CodeValidation, "empty statement")
	}
	if !sqlkey.IsRead(stmt) {
		return nil, dberr.New(dberr.CodeValidation, "read requires a SELECT statement")
	}

	key := sqlkey.Compute(stmt, params)
	fut, err := r.eng.SubmitRead(key, stmt, params)
	if err != nil {
		return nil, err
	}
	v, err := await(ctx, fut)
	if err != nil {
		return nil, err
	}
	return v.(*engine.ReadResult), nil
}

// Write executes a mutating or schema-change statement and returns the
// affected row count. Cache invalidation completes before Write returns.
func (r *Router) Write(ctx context.Context, stmt string, params []wire.Value) (*engine.WriteResult, error) {
	if stmt == "" {
		return nil, dberr.New(dberr.CodeValidation, "empty statement")
	}
	if sqlkey.IsRead(stmt) {
		return nil, dberr.New(dberr.CodeValidation, "write cannot be a SELECT statement")
	}

	fut, err := r.eng.SubmitWrite(stmt, params)
	if err != nil {
		return nil, err
	}
	v, err := await(ctx, fut)
	if err != nil {
		return nil, err
	}
	return v.(*engine.WriteResult), nil
}

// Transaction executes a statement batch atomically and returns the
// aggregate result.
func (r *Router) Transaction(ctx context.Context, stmts []wire.Statement) (*engine.BatchResult, error) {
	if len(stmts) == 0 {
		return nil, dberr.New(dberr.CodeValidation, "empty statement batch")
	}
	for _, s := range stmts {
		if s.SQL == "" {
			return nil, dberr.New(dberr.CodeValidation, "empty statement in batch")
		}
	}

	fut, err := r.eng.SubmitBatch(stmts)
	if err != nil {
		return nil, err
	}
	v, err := await(ctx, fut)
	if err != nil {
		return nil, err
	}
	return v.(*engine.BatchResult), nil
}

// await resolves the caller's completion: the operation's result, or
// CANCELLED when the caller's context ends first. The submitted operation
// runs to completion either way.
func await(ctx context.Context, fut <-chan engine.Result) (interface{}, error) {
	select {
	case res := <-fut:
		return res.Value, res.Err
	case <-ctx.Done():
		return nil, dberr.Wrap(ctx.Err(), dberr.CodeCancelled, "caller abandoned operation")
	}
}
