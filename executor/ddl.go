package executor

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/quarrydb/quarry"
	"github.com/quarrydb/quarry/store"
)

var identifierRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*$`)

// validateIdentifier ensures an identifier contains only safe characters for SQL.
// Returns an error if the identifier contains characters that could be used for SQL injection.
func validateIdentifier(name, fieldName string) error {
	if name == "" {
		return fmt.Errorf("%s cannot be empty", fieldName)
	}
	if !identifierRegex.MatchString(name) {
		return fmt.Errorf("%s must start with a letter and contain only letters, numbers, and underscores (got: %s)", fieldName, name)
	}
	return nil
}

func quoteIdent(name string) string {
	return `"` + name + `"`
}

// typeSQL maps a logical type to its declared SQL type for a dialect.
func typeSQL(d store.Dialect, t quarry.LogicalType) (string, error) {
	switch t {
	case quarry.TypeInteger:
		if d == store.DialectPostgres {
			return "BIGINT", nil
		}
		return "INTEGER", nil
	case quarry.TypeReal:
		if d == store.DialectPostgres {
			return "DOUBLE PRECISION", nil
		}
		return "REAL", nil
	case quarry.TypeText:
		return "TEXT", nil
	case quarry.TypeBlob:
		if d == store.DialectPostgres {
			return "BYTEA", nil
		}
		return "BLOB", nil
	case quarry.TypeBoolean:
		return "BOOLEAN", nil
	case quarry.TypeTimestamp:
		return "TIMESTAMP", nil
	}
	return "", fmt.Errorf("unknown logical type %q", t)
}

// defaultLiteral renders a column default per its logical type and the
// dialect: quoted for text and timestamp, a hex blob literal in the
// dialect's form, boolean and numeric literals otherwise.
func defaultLiteral(d store.Dialect, col quarry.ColumnDescriptor) (string, error) {
	if col.Default == nil {
		return "", fmt.Errorf("column %q has no default", col.Name)
	}
	v := *col.Default
	switch col.Type {
	case quarry.TypeText, quarry.TypeTimestamp:
		return "'" + strings.ReplaceAll(v, "'", "''") + "'", nil
	case quarry.TypeBlob:
		for _, c := range v {
			if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
				return "", fmt.Errorf("blob default for column %q must be hex digits", col.Name)
			}
		}
		if d == store.DialectPostgres {
			return `'\x` + v + "'", nil
		}
		return "X'" + v + "'", nil
	case quarry.TypeBoolean:
		truthy := "1"
		falsy := "0"
		if d == store.DialectPostgres {
			truthy, falsy = "TRUE", "FALSE"
		}
		switch strings.ToLower(v) {
		case "true", "1":
			return truthy, nil
		case "false", "0":
			return falsy, nil
		}
		return "", fmt.Errorf("boolean default for column %q must be true/false or 0/1 (got %q)", col.Name, v)
	case quarry.TypeInteger, quarry.TypeReal:
		for _, c := range v {
			if !strings.ContainsRune("0123456789+-.eE", c) {
				return "", fmt.Errorf("numeric default for column %q must be a literal number (got %q)", col.Name, v)
			}
		}
		return v, nil
	}
	return "", fmt.Errorf("unknown logical type %q", col.Type)
}

func columnDDL(d store.Dialect, col quarry.ColumnDescriptor) (string, error) {
	if err := validateIdentifier(col.Name, "column name"); err != nil {
		return "", err
	}
	sqlType, err := typeSQL(d, col.Type)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString(quoteIdent(col.Name))
	b.WriteString(" ")
	b.WriteString(sqlType)
	if !col.Nullable {
		b.WriteString(" NOT NULL")
	}
	if col.Default != nil {
		lit, err := defaultLiteral(d, col)
		if err != nil {
			return "", err
		}
		b.WriteString(" DEFAULT ")
		b.WriteString(lit)
	}
	return b.String(), nil
}

func constraintDDL(c quarry.ConstraintDescriptor) (string, error) {
	if err := validateIdentifier(c.Name, "constraint name"); err != nil {
		return "", err
	}
	prefix := "CONSTRAINT " + quoteIdent(c.Name) + " "
	switch c.Kind {
	case quarry.ConstraintPrimaryKey:
		return prefix + "PRIMARY KEY (" + quoteAll(c.Columns) + ")", nil
	case quarry.ConstraintUnique:
		return prefix + "UNIQUE (" + quoteAll(c.Columns) + ")", nil
	case quarry.ConstraintForeignKey:
		if err := validateIdentifier(c.RefTable, "referenced table"); err != nil {
			return "", err
		}
		return prefix + "FOREIGN KEY (" + quoteAll(c.Columns) + ") REFERENCES " +
			quoteIdent(c.RefTable) + " (" + quoteAll(c.RefColumns) + ")", nil
	case quarry.ConstraintCheck:
		if c.Expr == "" {
			return "", fmt.Errorf("check constraint %q has no expression", c.Name)
		}
		return prefix + "CHECK (" + c.Expr + ")", nil
	}
	return "", fmt.Errorf("unknown constraint kind %q", c.Kind)
}

func quoteAll(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = quoteIdent(n)
	}
	return strings.Join(quoted, ", ")
}

// createTableSQL builds the CREATE TABLE statement for a descriptor,
// under an override name when creating a shadow table. Constraints ride
// in the table DDL; indices are created separately.
func createTableSQL(d store.Dialect, td quarry.TableDescriptor, name string) (string, error) {
	if err := validateIdentifier(name, "table name"); err != nil {
		return "", err
	}
	if len(td.Columns) == 0 {
		return "", fmt.Errorf("table %q has no columns", td.Name)
	}
	parts := make([]string, 0, len(td.Columns)+len(td.Constraints))
	for _, col := range td.Columns {
		ddl, err := columnDDL(d, col)
		if err != nil {
			return "", fmt.Errorf("table %q: %w", td.Name, err)
		}
		parts = append(parts, ddl)
	}
	for _, c := range td.Constraints {
		ddl, err := constraintDDL(c)
		if err != nil {
			return "", fmt.Errorf("table %q: %w", td.Name, err)
		}
		parts = append(parts, ddl)
	}
	return "CREATE TABLE " + quoteIdent(name) + " (\n\t" + strings.Join(parts, ",\n\t") + "\n)", nil
}

// addColumnSQL builds an in-place column addition. A non-nullable
// column without a default cannot be added in place: existing rows
// would have nothing to hold.
func addColumnSQL(d store.Dialect, table string, col quarry.ColumnDescriptor) (string, error) {
	if err := validateIdentifier(table, "table name"); err != nil {
		return "", err
	}
	if !col.Nullable && col.Default == nil {
		return "", fmt.Errorf("column %q is not nullable and has no default; it cannot be added in place", col.Name)
	}
	ddl, err := columnDDL(d, col)
	if err != nil {
		return "", err
	}
	return "ALTER TABLE " + quoteIdent(table) + " ADD COLUMN " + ddl, nil
}

func dropColumnSQL(table, column string) (string, error) {
	if err := validateIdentifier(table, "table name"); err != nil {
		return "", err
	}
	if err := validateIdentifier(column, "column name"); err != nil {
		return "", err
	}
	return "ALTER TABLE " + quoteIdent(table) + " DROP COLUMN " + quoteIdent(column), nil
}

func createIndexSQL(table string, ix quarry.IndexDescriptor) (string, error) {
	if err := validateIdentifier(table, "table name"); err != nil {
		return "", err
	}
	if err := validateIdentifier(ix.Name, "index name"); err != nil {
		return "", err
	}
	if len(ix.Columns) == 0 {
		return "", fmt.Errorf("index %q has no columns", ix.Name)
	}
	for _, c := range ix.Columns {
		if err := validateIdentifier(c, "indexed column"); err != nil {
			return "", err
		}
	}
	unique := ""
	if ix.Unique {
		unique = "UNIQUE "
	}
	return "CREATE " + unique + "INDEX " + quoteIdent(ix.Name) + " ON " +
		quoteIdent(table) + " (" + quoteAll(ix.Columns) + ")", nil
}

func dropIndexSQL(name string) (string, error) {
	if err := validateIdentifier(name, "index name"); err != nil {
		return "", err
	}
	return "DROP INDEX " + quoteIdent(name), nil
}

func dropTableSQL(name string) (string, error) {
	if err := validateIdentifier(name, "table name"); err != nil {
		return "", err
	}
	return "DROP TABLE " + quoteIdent(name), nil
}

func renameTableSQL(from, to string) (string, error) {
	if err := validateIdentifier(from, "table name"); err != nil {
		return "", err
	}
	if err := validateIdentifier(to, "table name"); err != nil {
		return "", err
	}
	return "ALTER TABLE " + quoteIdent(from) + " RENAME TO " + quoteIdent(to), nil
}

// conversionExpr returns the expression converting an old column's
// value to the target logical type during the rebuild row copy. The
// rules are total: every (from, to) pair yields an expression in the
// given dialect.
func conversionExpr(d store.Dialect, column string, from, to quarry.LogicalType) string {
	if from == to {
		return column
	}
	switch to {
	case quarry.TypeInteger:
		if d == store.DialectPostgres {
			return "CAST(" + column + " AS BIGINT)"
		}
		return "CAST(" + column + " AS INTEGER)"
	case quarry.TypeReal:
		if d == store.DialectPostgres {
			return "CAST(" + column + " AS DOUBLE PRECISION)"
		}
		return "CAST(" + column + " AS REAL)"
	case quarry.TypeText:
		return "CAST(" + column + " AS TEXT)"
	case quarry.TypeBlob:
		if d == store.DialectPostgres {
			return "CAST(" + column + " AS BYTEA)"
		}
		return "CAST(" + column + " AS BLOB)"
	case quarry.TypeBoolean:
		if d == store.DialectPostgres {
			return "CASE WHEN " + column + " IS NULL THEN NULL WHEN CAST(" + column + " AS BIGINT) = 0 THEN FALSE ELSE TRUE END"
		}
		return "CASE WHEN " + column + " IS NULL THEN NULL WHEN CAST(" + column + " AS INTEGER) = 0 THEN 0 ELSE 1 END"
	case quarry.TypeTimestamp:
		if from == quarry.TypeInteger || from == quarry.TypeReal {
			// Numeric sources are taken as Unix epoch seconds.
			if d == store.DialectPostgres {
				return "to_timestamp(" + column + ")"
			}
			return "datetime(" + column + ", 'unixepoch')"
		}
		if d == store.DialectPostgres {
			return "CAST(" + column + " AS TIMESTAMP)"
		}
		return "CAST(" + column + " AS TEXT)"
	}
	return column
}
