// Package naming derives deterministic identifiers for constraints and
// indexes so repeated invocations of the same logical change always target
// the same catalog object.
package naming

import (
	"crypto/sha256"
	"fmt"
	"strings"
)

// MaxIdentifierLength is PostgreSQL's NAMEDATALEN - 1.
const MaxIdentifierLength = 63

// CheckConstraint returns the name of a check constraint on table with the
// given expression.
func CheckConstraint(table, expression string) string {
	return "chk_" + hashed(table+"_"+expression)
}

// TextLimit returns the name of the length check on table.column.
func TextLimit(table, column string) string {
	return CheckConstraint(table, column+"_max_length")
}

// ForeignKey returns the name of a foreign key on table.column.
func ForeignKey(table, column string) string {
	return "fk_rails_" + hashed(table+"_"+column+"_fk")
}

// Index returns the default index name for columns of table. Names that would
// exceed MaxIdentifierLength are shortened with a hash suffix.
func Index(table string, columns []string) string {
	name := fmt.Sprintf("index_%s_on_%s", unqualified(table), strings.Join(columns, "_and_"))
	if len(name) <= MaxIdentifierLength {
		return name
	}

	suffix := "_" + hashed(name)
	prefix := "idx_on_" + strings.Join(columns, "_")
	if room := MaxIdentifierLength - len(suffix); len(prefix) > room {
		prefix = prefix[:room]
	}
	return prefix + suffix
}

func unqualified(table string) string {
	if i := strings.LastIndex(table, "."); i >= 0 {
		return table[i+1:]
	}
	return table
}

// hashed returns the first 10 hex characters of the sha256 of s.
func hashed(s string) string {
	h := sha256.Sum256([]byte(s))
	return fmt.Sprintf("%x", h[:5])
}

// QuoteIdent quotes a possibly schema-qualified identifier.
func QuoteIdent(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = `"` + strings.ReplaceAll(p, `"`, `""`) + `"`
	}
	return strings.Join(parts, ".")
}
