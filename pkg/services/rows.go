package services

import (
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-tables/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-tables/pkg/models"
	"github.com/ekaya-inc/ekaya-tables/pkg/query"
	"github.com/ekaya-inc/ekaya-tables/pkg/typemap"
)

// fieldLookup maps a result column alias to the logical field it carries.
type fieldLookup func(alias string) query.Field

// tableFields maps the physical column names of table back to logical fields.
func tableFields(table *models.Table) fieldLookup {
	byPhysical := make(map[string]query.Field, len(table.Columns))
	for _, c := range table.Columns {
		if c.IsActive {
			byPhysical[c.PhysicalName] = query.Field{Name: c.LogicalName, Alias: c.PhysicalName, DataType: c.DataType}
		}
	}
	return func(alias string) query.Field {
		if f, ok := byPhysical[alias]; ok {
			return f
		}
		return query.Field{Name: alias, Alias: alias}
	}
}

// returningColumns lists every active physical column in ordinal order.
func returningColumns(table *models.Table) []string {
	out := make([]string, 0, len(table.Columns))
	for _, c := range table.Columns {
		if c.IsActive {
			out = append(out, c.PhysicalName)
		}
	}
	return out
}

// collectRows scans every result row into a logical row and closes rows.
func collectRows(rows pgx.Rows, lookup fieldLookup) ([]*models.Row, error) {
	defer rows.Close()

	descs := rows.FieldDescriptions()
	fields := make([]query.Field, len(descs))
	for i, d := range descs {
		fields[i] = lookup(d.Name)
	}

	out := make([]*models.Row, 0)
	for rows.Next() {
		dest := make([]any, len(fields))
		for i, f := range fields {
			dest[i] = typemap.ScanTarget(f.DataType)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		row := models.NewRow(len(fields))
		for i, f := range fields {
			v, err := typemap.FromStorageValue(f.DataType, typemap.ScannedValue(dest[i]))
			if err != nil {
				return nil, fmt.Errorf("decode %s: %w", f.Name, err)
			}
			row.Set(f.Name, v)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// systemColumn returns one of the table's system columns.
func systemColumn(table *models.Table, name string) (*models.Column, error) {
	c, ok := table.ColumnByName(name)
	if !ok || !c.IsSystem {
		return nil, apperrors.Execution("resolve system column",
			fmt.Errorf("table %q has no system column %q", table.LogicalName, name))
	}
	return c, nil
}
