package query

// QueryDialect is the part of a database dialect the Builder needs to render
// statements. The database package dialects satisfy it structurally.
type QueryDialect interface {
	// Placeholder returns the bind parameter for the 1-based argument index:
	// "?" for SQLite, "$n" for PostgreSQL.
	Placeholder(index int) string

	// QuoteColumn quotes an identifier coming from model.Fields.
	QuoteColumn(name string) string
}

type sqliteDialect struct{}

func (sqliteDialect) Placeholder(int) string         { return "?" }
func (sqliteDialect) QuoteColumn(name string) string { return name }

// DefaultDialect renders SQLite SQL. Builders created with a nil dialect and
// Predicate.WhereClause use it.
var DefaultDialect QueryDialect = sqliteDialect{}
