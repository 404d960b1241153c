// Package sqlkey computes the identity of a query: the canonical statement
// text plus its ordered, type-tagged bound parameters. Two requests with the
// same identity are cache-equivalent. The package also extracts the source
// tables a statement reads, which the result cache uses for conservative
// invalidation.
package sqlkey

import (
	"encoding/binary"
	"strings"

	"github.com/vaultsq/vaultsq/pkg/wire"
	"github.com/xwb1989/sqlparser"
)

// Key is the deterministic cache key of a statement and its parameters.
// It embeds the binary parameter encoding and is opaque to callers.
type Key string

// Compute derives the Key of stmt bound with params. Statements that differ
// only in whitespace or formatting map to the same Key; any difference in
// statement text, parameter order, type or payload yields a distinct Key.
// The statement is length-prefixed so that no byte of it can be read as part
// of the parameter encoding, whatever the statement contains.
func Compute(stmt string, params []wire.Value) Key {
	norm := Normalize(stmt)
	buf := make([]byte, 0, 4+len(norm))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(norm)))
	buf = append(buf, norm...)
	buf = append(buf, wire.EncodeValues(params)...)
	return Key(buf)
}

// Normalize returns the canonical form of stmt: the parser's rendering when
// the statement parses, otherwise the text with whitespace collapsed.
func Normalize(stmt string) string {
	parsed, err := sqlparser.Parse(stmt)
	if err != nil {
		return strings.Join(strings.Fields(stmt), " ")
	}
	return sqlparser.String(parsed)
}

// SourceTables returns the set of table names stmt reads, lowercased and
// deduplicated. ok is false when the statement cannot be parsed, in which
// case the caller must not cache the result (the dependency set is unknown).
//
// The walk visits every table reference in the statement, including joins
// and subqueries. Aliases referenced by qualified columns may appear as
// extra entries; a superset is safe, since invalidation is conservative.
func SourceTables(stmt string) ([]string, bool) {
	parsed, err := sqlparser.Parse(stmt)
	if err != nil {
		return nil, false
	}

	seen := make(map[string]struct{})
	_ = sqlparser.Walk(func(node sqlparser.SQLNode) (bool, error) {
		if tn, isTable := node.(sqlparser.TableName); isTable {
			if name := tn.Name.String(); name != "" {
				seen[strings.ToLower(name)] = struct{}{}
			}
		}
		return true, nil
	}, parsed)

	tables := make([]string, 0, len(seen))
	for t := range seen {
		tables = append(tables, t)
	}
	return tables, true
}

// Kind classifies a statement by its leading action.
type Kind int

const (
	KindOther Kind = iota
	KindSelect
	KindInsert
	KindUpdate
	KindDelete
	KindDDL
)

// KindOf determines the kind of action from the SQL statement text.
func KindOf(stmt string) Kind {
	upper := strings.ToUpper(strings.TrimSpace(stmt))
	switch {
	case strings.HasPrefix(upper, "SELECT"):
		return KindSelect
	case strings.HasPrefix(upper, "INSERT"), strings.HasPrefix(upper, "REPLACE"):
		return KindInsert
	case strings.HasPrefix(upper, "UPDATE"):
		return KindUpdate
	case strings.HasPrefix(upper, "DELETE"):
		return KindDelete
	case strings.HasPrefix(upper, "CREATE"),
		strings.HasPrefix(upper, "DROP"),
		strings.HasPrefix(upper, "ALTER"):
		return KindDDL
	default:
		return KindOther
	}
}

// IsRead reports whether stmt is a read (cacheable) statement.
func IsRead(stmt string) bool { return KindOf(stmt) == KindSelect }
