package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ekaya-inc/ekaya-tables/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-tables/pkg/models"
	"github.com/ekaya-inc/ekaya-tables/pkg/services"
)

// schemaFile is the YAML layout accepted by apply-schema:
//
//	tables:
//	  - name: customers
//	    columns:
//	      - name: email
//	        type: string
//	        unique: true
type schemaFile struct {
	Tables []models.CreateTableRequest `yaml:"tables"`
}

func parseSchemaFile(r io.Reader) (*schemaFile, error) {
	var f schemaFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("schema file is empty")
		}
		return nil, fmt.Errorf("parse schema file: %w", err)
	}

	seen := make(map[string]bool, len(f.Tables))
	for i, t := range f.Tables {
		if t.Name == "" {
			return nil, fmt.Errorf("tables[%d]: name is required", i)
		}
		if seen[t.Name] {
			return nil, fmt.Errorf("tables[%d]: table %q declared twice", i, t.Name)
		}
		seen[t.Name] = true
	}
	return &f, nil
}

// applyResult counts what an apply run changed.
type applyResult struct {
	TablesCreated   int
	ColumnsAdded    int
	TablesUnchanged int
}

type applier struct {
	schema services.SchemaService
	logger *zap.Logger
	dryRun bool
}

// apply creates every declared table that does not exist yet and adds
// declared columns missing from existing tables. Existing columns are never
// altered, so running the same file twice is a no-op.
func (a *applier) apply(ctx context.Context, tenantID uuid.UUID, f *schemaFile) (*applyResult, error) {
	res := &applyResult{}

	for i := range f.Tables {
		def := &f.Tables[i]

		existing, err := a.schema.GetTable(ctx, tenantID, def.Name)
		if err != nil {
			if apperrors.CodeOf(err) != apperrors.CodeNotFound {
				return res, fmt.Errorf("look up table %q: %w", def.Name, err)
			}
			if err := a.createTable(ctx, tenantID, def); err != nil {
				return res, err
			}
			res.TablesCreated++
			continue
		}

		added, err := a.addMissingColumns(ctx, tenantID, existing, def.Columns)
		if err != nil {
			return res, err
		}
		if added == 0 {
			res.TablesUnchanged++
		}
		res.ColumnsAdded += added
	}

	return res, nil
}

func (a *applier) createTable(ctx context.Context, tenantID uuid.UUID, def *models.CreateTableRequest) error {
	a.logger.Info("Creating table",
		zap.String("table", def.Name),
		zap.Int("columns", len(def.Columns)),
		zap.Bool("dry_run", a.dryRun))
	if a.dryRun {
		return nil
	}
	if _, err := a.schema.CreateTable(ctx, tenantID, def); err != nil {
		return fmt.Errorf("create table %q: %w", def.Name, err)
	}
	return nil
}

func (a *applier) addMissingColumns(ctx context.Context, tenantID uuid.UUID, table *models.Table, defs []models.ColumnDefinition) (int, error) {
	added := 0
	version := table.SchemaVersion
	for _, col := range defs {
		if _, ok := table.ColumnByName(col.Name); ok {
			continue
		}
		a.logger.Info("Adding column",
			zap.String("table", table.LogicalName),
			zap.String("column", col.Name),
			zap.Bool("dry_run", a.dryRun))
		added++
		if a.dryRun {
			continue
		}

		// Each successful add bumps the table version by one.
		expected := version
		if _, err := a.schema.AddColumn(ctx, tenantID, table.LogicalName, &models.AddColumnRequest{
			Column:          col,
			ExpectedVersion: &expected,
		}); err != nil {
			return added, fmt.Errorf("add column %q to %q: %w", col.Name, table.LogicalName, err)
		}
		version++
	}
	return added, nil
}
