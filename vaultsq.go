// Package vaultsq provides concurrency-safe, cached access to a single-file
// encrypted SQLite store through a serialized execution context.
package vaultsq

import (
	"github.com/vaultsq/vaultsq/pkg/engine"
	"github.com/vaultsq/vaultsq/pkg/router"
	"github.com/vaultsq/vaultsq/pkg/wire"
)

// DB is one open connection: the serializer engine plus its async router.
type DB struct {
	*router.Router
	eng *engine.Engine
}

// Open opens the store described by opts and starts its serializer.
func Open(opts engine.Options) (*DB, error) {
	eng, err := engine.Open(opts)
	if err != nil {
		return nil, err
	}
	return &DB{Router: router.New(eng), eng: eng}, nil
}

// Close drains in-flight operations and releases the connection.
func (db *DB) Close() error {
	return db.eng.Close()
}

// Engine returns the underlying serializer engine.
func (db *DB) Engine() *engine.Engine {
	return db.eng
}

// Re-export types for convenience
type (
	Options   = engine.Options
	Statement = wire.Statement
	Value     = wire.Value
)
