package engine

import (
	"database/sql"

	"github.com/vaultsq/vaultsq/pkg/dberr"
	"github.com/vaultsq/vaultsq/pkg/wire"
)

type txQueryer interface {
	Query(query string, args ...interface{}) (*sql.Rows, error)
}

// scanAll drains rows into typed values. Result sets are fully materialized:
// cached results are immutable snapshots, and the connection must be free
// before the next operation runs.
func scanAll(rows *sql.Rows) ([]string, [][]wire.Value, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, dberr.Wrap(err, dberr.CodeStorage, "reading result columns")
	}

	var out [][]wire.Value
	raw := make([]interface{}, len(cols))
	ptrs := make([]interface{}, len(cols))
	for i := range raw {
		ptrs[i] = &raw[i]
	}

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, dberr.Wrap(err, dberr.CodeStorage, "scanning result row")
		}
		row := make([]wire.Value, len(cols))
		for i := range raw {
			row[i] = wire.ValueOf(raw[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, dberr.Wrap(err, dberr.CodeStorage, "iterating result rows")
	}
	return cols, out, nil
}
