package sql

import (
	"strings"

	"github.com/ekaya-inc/ekaya-tables/pkg/models"
	"github.com/ekaya-inc/ekaya-tables/pkg/naming"
)

// ColumnDef is the physical shape of one column in a CREATE TABLE or ADD COLUMN.
// Default and Check hold backend expressions that were already screened and
// rewritten to physical names.
type ColumnDef struct {
	Name       string
	Type       string
	NotNull    bool
	PrimaryKey bool
	Default    *string
	Check      *string
	CheckName  string
}

// ColumnDefFor builds the definition of a column descriptor. The check expression
// is left to the caller since it must be rewritten first.
func ColumnDefFor(tablePhysical string, c *models.Column) ColumnDef {
	return ColumnDef{
		Name:       c.PhysicalName,
		Type:       c.NativeType,
		NotNull:    !c.IsNullable || c.IsPrimaryKey,
		PrimaryKey: c.IsPrimaryKey,
		Default:    c.DefaultValue,
		CheckName:  CheckConstraintName(tablePhysical, c.PhysicalName),
	}
}

// CheckConstraintName derives the check constraint name of a column.
func CheckConstraintName(tablePhysical, columnPhysical string) string {
	return naming.Generate(naming.KindCheck, tablePhysical, columnPhysical)
}

// UniqueConstraintName derives the single-column unique constraint name of a column.
func UniqueConstraintName(tablePhysical, columnPhysical string) string {
	return naming.Generate(naming.KindUnique, tablePhysical, columnPhysical)
}

// TenantIndexName derives the name of the tenant filter index of a table.
func TenantIndexName(tablePhysical string) string {
	return naming.Generate(naming.KindIndex, tablePhysical, models.SystemColumnTenantID)
}

func columnClause(c ColumnDef) string {
	var b strings.Builder
	b.WriteString(QuoteIdentifier(c.Name))
	b.WriteString(" ")
	b.WriteString(c.Type)
	if c.NotNull {
		b.WriteString(" NOT NULL")
	}
	if c.Default != nil {
		b.WriteString(" DEFAULT ")
		b.WriteString(*c.Default)
	}
	if c.Check != nil {
		if c.CheckName != "" {
			b.WriteString(" CONSTRAINT ")
			b.WriteString(QuoteIdentifier(c.CheckName))
		}
		b.WriteString(" CHECK (")
		b.WriteString(*c.Check)
		b.WriteString(")")
	}
	return b.String()
}

// CreateTable emits CREATE TABLE with an inline primary key clause covering every
// column flagged PrimaryKey. The clause is omitted when no column is flagged.
func CreateTable(table string, columns []ColumnDef) string {
	parts := make([]string, 0, len(columns)+1)
	var pk []string
	for _, c := range columns {
		parts = append(parts, columnClause(c))
		if c.PrimaryKey {
			pk = append(pk, c.Name)
		}
	}
	if len(pk) > 0 {
		parts = append(parts, "PRIMARY KEY ("+quoteList(pk)+")")
	}
	return "CREATE TABLE " + QuoteIdentifier(table) + " (\n  " + strings.Join(parts, ",\n  ") + "\n)"
}

// DropTable emits DROP TABLE.
func DropTable(table string) string {
	return "DROP TABLE " + QuoteIdentifier(table)
}

// RenameTable emits ALTER TABLE ... RENAME TO.
func RenameTable(table, newName string) string {
	return "ALTER TABLE " + QuoteIdentifier(table) + " RENAME TO " + QuoteIdentifier(newName)
}

// AddColumn emits ALTER TABLE ... ADD COLUMN.
func AddColumn(table string, c ColumnDef) string {
	return "ALTER TABLE " + QuoteIdentifier(table) + " ADD COLUMN " + columnClause(c)
}

// DropColumn emits ALTER TABLE ... DROP COLUMN.
func DropColumn(table, column string) string {
	return "ALTER TABLE " + QuoteIdentifier(table) + " DROP COLUMN " + QuoteIdentifier(column)
}

// RenameColumn emits ALTER TABLE ... RENAME COLUMN.
func RenameColumn(table, column, newName string) string {
	return "ALTER TABLE " + QuoteIdentifier(table) + " RENAME COLUMN " +
		QuoteIdentifier(column) + " TO " + QuoteIdentifier(newName)
}

func alterColumn(table, column, action string) string {
	return "ALTER TABLE " + QuoteIdentifier(table) + " ALTER COLUMN " + QuoteIdentifier(column) + " " + action
}

// SetNotNull emits ALTER COLUMN ... SET NOT NULL.
func SetNotNull(table, column string) string {
	return alterColumn(table, column, "SET NOT NULL")
}

// DropNotNull emits ALTER COLUMN ... DROP NOT NULL.
func DropNotNull(table, column string) string {
	return alterColumn(table, column, "DROP NOT NULL")
}

// SetDefault emits ALTER COLUMN ... SET DEFAULT expr.
func SetDefault(table, column, expr string) string {
	return alterColumn(table, column, "SET DEFAULT "+expr)
}

// DropDefault emits ALTER COLUMN ... DROP DEFAULT.
func DropDefault(table, column string) string {
	return alterColumn(table, column, "DROP DEFAULT")
}

// AddUniqueConstraint emits ADD CONSTRAINT ... UNIQUE over the given columns.
func AddUniqueConstraint(table, constraint string, columns ...string) string {
	return "ALTER TABLE " + QuoteIdentifier(table) + " ADD CONSTRAINT " + QuoteIdentifier(constraint) +
		" UNIQUE (" + quoteList(columns) + ")"
}

// AddCheckConstraint emits ADD CONSTRAINT ... CHECK (expr).
func AddCheckConstraint(table, constraint, expr string) string {
	return "ALTER TABLE " + QuoteIdentifier(table) + " ADD CONSTRAINT " + QuoteIdentifier(constraint) +
		" CHECK (" + expr + ")"
}

// DropConstraint emits ALTER TABLE ... DROP CONSTRAINT.
func DropConstraint(table, constraint string) string {
	return "ALTER TABLE " + QuoteIdentifier(table) + " DROP CONSTRAINT " + QuoteIdentifier(constraint)
}

// IndexDef is the physical shape of an index. Where is a screened, rewritten predicate.
type IndexDef struct {
	Name    string
	Columns []models.IndexColumn
	Kind    models.IndexKind
	Unique  bool
	Where   string
}

// CreateIndex emits CREATE INDEX. USING is only emitted for non-default kinds.
func CreateIndex(table string, idx IndexDef) string {
	var b strings.Builder
	b.WriteString("CREATE ")
	if idx.Unique {
		b.WriteString("UNIQUE ")
	}
	b.WriteString("INDEX ")
	b.WriteString(QuoteIdentifier(idx.Name))
	b.WriteString(" ON ")
	b.WriteString(QuoteIdentifier(table))
	if idx.Kind != "" && idx.Kind != models.DefaultIndexKind {
		b.WriteString(" USING ")
		b.WriteString(string(idx.Kind))
	}

	keys := make([]string, len(idx.Columns))
	for i, c := range idx.Columns {
		key := QuoteIdentifier(c.PhysicalName)
		if c.Direction == models.SortDesc {
			key += " DESC"
		}
		switch c.Nulls {
		case models.NullsFirst:
			key += " NULLS FIRST"
		case models.NullsLast:
			key += " NULLS LAST"
		}
		keys[i] = key
	}
	b.WriteString(" (")
	b.WriteString(strings.Join(keys, ", "))
	b.WriteString(")")

	if idx.Where != "" {
		b.WriteString(" WHERE ")
		b.WriteString(idx.Where)
	}
	return b.String()
}

// DropIndex emits DROP INDEX.
func DropIndex(index string) string {
	return "DROP INDEX " + QuoteIdentifier(index)
}

// ForeignKeyDef is the physical shape of a relation's constraint.
type ForeignKeyDef struct {
	Table     string
	Name      string
	Column    string
	RefTable  string
	RefColumn string
	OnDelete  models.ReferentialAction
	OnUpdate  models.ReferentialAction
}

// AddForeignKey emits ADD CONSTRAINT ... FOREIGN KEY with explicit referential actions.
func AddForeignKey(fk ForeignKeyDef) string {
	return "ALTER TABLE " + QuoteIdentifier(fk.Table) +
		" ADD CONSTRAINT " + QuoteIdentifier(fk.Name) +
		" FOREIGN KEY (" + QuoteIdentifier(fk.Column) + ")" +
		" REFERENCES " + QuoteIdentifier(fk.RefTable) + " (" + QuoteIdentifier(fk.RefColumn) + ")" +
		" ON DELETE " + fk.OnDelete.Keyword() +
		" ON UPDATE " + fk.OnUpdate.Keyword()
}

// DropForeignKey emits DROP CONSTRAINT for a relation.
func DropForeignKey(table, constraint string) string {
	return DropConstraint(table, constraint)
}
