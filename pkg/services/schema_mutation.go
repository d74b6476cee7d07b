package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-tables/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-tables/pkg/audit"
	"github.com/ekaya-inc/ekaya-tables/pkg/database"
	"github.com/ekaya-inc/ekaya-tables/pkg/lock"
	"github.com/ekaya-inc/ekaya-tables/pkg/logging"
	"github.com/ekaya-inc/ekaya-tables/pkg/models"
	"github.com/ekaya-inc/ekaya-tables/pkg/sql"
)

// Mutation phases, logged at debug level as a mutation advances.
const (
	phaseValidating         = "validating"
	phaseVersionChecking    = "version_checking"
	phaseLockAcquiring      = "lock_acquiring"
	phaseExecutingDDL       = "executing_ddl"
	phasePersistingMetadata = "persisting_metadata"
	phaseAuditing           = "auditing"
	phaseDone               = "done"
)

// mutation is one structural change, planned after validation. Everything that
// follows the version check runs in a single transaction holding the table
// locks, so DDL, descriptors, version and change log commit together.
type mutation struct {
	op       models.ChangeOperation // set by run
	tenantID uuid.UUID              // set by run
	// tableID receives the version bump and the change-log entry.
	tableID uuid.UUID
	// lockIDs are every table the change touches. tableID is always locked.
	lockIDs  []uuid.UUID
	expected *int
	// create marks table creation: there is no prior version and the new
	// table starts at version 1.
	create bool

	// guard runs under the locks, before any DDL.
	guard func(ctx context.Context) error
	// ddl returns the statements to execute. Called after guard.
	ddl     func() []string
	persist func(ctx context.Context) error

	payload map[string]any
	changed map[string]models.FieldChange
}

func (m *mutation) lockKeys() []string {
	keys := []string{lock.TableKey(m.tableID)}
	for _, id := range m.lockIDs {
		keys = append(keys, lock.TableKey(id))
	}
	return keys
}

// run validates and plans a mutation, then drives it through its phases and
// returns the table's new version.
func (s *schemaService) run(
	ctx context.Context,
	tenantID uuid.UUID,
	op models.ChangeOperation,
	plan func(ctx context.Context) (*mutation, error),
) (int, error) {
	log := s.logger.With(
		zap.String("tenant_id", tenantID.String()),
		zap.String("operation", string(op)),
	)

	ctx, cleanup, err := ensureTenantScope(ctx, s.tenantCtx, tenantID)
	if err != nil {
		return 0, s.failed(log, apperrors.Execution("acquire tenant connection", err))
	}
	defer cleanup()

	log.Debug("Mutation phase", zap.String("phase", phaseValidating))
	m, err := plan(ctx)
	if err != nil {
		return 0, s.failed(log, err)
	}
	m.op = op
	m.tenantID = tenantID
	log = log.With(zap.String("table_id", m.tableID.String()))

	if !m.create {
		log.Debug("Mutation phase", zap.String("phase", phaseVersionChecking))
		if err := validateExpectedVersion(m.expected); err != nil {
			return 0, s.failed(log, err)
		}
		if err := s.checkVersion(ctx, m.tableID, m.expected); err != nil {
			return 0, s.failed(log, err)
		}
	}

	var version int
	err = database.InTx(ctx, func(txCtx context.Context) error {
		tx, ok := database.GetTx(txCtx)
		if !ok {
			return apperrors.Execution("begin transaction", errors.New("no transaction in context"))
		}

		log.Debug("Mutation phase", zap.String("phase", phaseLockAcquiring))
		if _, err := s.locks.AcquireAll(txCtx, tx, 0, m.lockKeys()...); err != nil {
			return err
		}

		if !m.create {
			// Another mutation may have committed while we waited for the lock.
			if err := s.checkVersion(txCtx, m.tableID, m.expected); err != nil {
				return err
			}
		}
		if m.guard != nil {
			if err := m.guard(txCtx); err != nil {
				return err
			}
		}

		log.Debug("Mutation phase", zap.String("phase", phaseExecutingDDL))
		if m.ddl != nil {
			for _, stmt := range m.ddl() {
				if _, err := tx.Exec(txCtx, stmt); err != nil {
					log.Debug("DDL statement failed", zap.String("statement", logging.SanitizeStatement(stmt)), zap.Error(err))
					return apperrors.Execution(string(m.op), err)
				}
			}
		}

		log.Debug("Mutation phase", zap.String("phase", phasePersistingMetadata))
		if m.persist != nil {
			if err := m.persist(txCtx); err != nil {
				return err
			}
		}

		log.Debug("Mutation phase", zap.String("phase", phaseAuditing))
		if m.create {
			version = 1
		} else {
			v, err := s.metadata.IncrementVersion(txCtx, m.tableID)
			if err != nil {
				return fmt.Errorf("increment version: %w", err)
			}
			version = v
		}

		prov, ok := models.GetProvenance(txCtx)
		if !ok {
			prov = models.ProvenanceContext{Source: models.SourceSystem}
		}
		entry := &models.ChangeLogEntry{
			TenantID:      m.tenantID,
			TableID:       m.tableID,
			Operation:     m.op,
			SchemaVersion: version,
			Payload:       m.payload,
			Actor:         prov.ActorPtr(),
			Source:        prov.Source.String(),
			ChangedFields: m.changed,
		}
		if err := s.changeLog.Append(txCtx, entry); err != nil {
			return fmt.Errorf("append change log: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, s.failed(log, err)
	}

	log.Debug("Mutation phase", zap.String("phase", phaseDone))
	s.notify(ctx, SchemaChangeEvent{
		TenantID:      m.tenantID,
		TableID:       m.tableID,
		Operation:     m.op,
		SchemaVersion: version,
	})
	log.Info("Schema mutation applied", zap.Int("schema_version", version))
	return version, nil
}

// checkVersion compares the caller's expected version with the stored one.
// A nil expectation skips the check.
func (s *schemaService) checkVersion(ctx context.Context, tableID uuid.UUID, expected *int) error {
	if expected == nil {
		return nil
	}
	current, err := s.metadata.CurrentVersion(ctx, tableID)
	if err != nil {
		return err
	}
	if current != *expected {
		return apperrors.ConcurrencyConflict(*expected, current)
	}
	return nil
}

// failed normalizes err and logs it. Caller mistakes are warnings; storage
// failures are errors.
func (s *schemaService) failed(log *zap.Logger, err error) error {
	e := apperrors.Normalize("schema mutation", err)
	if e.Code == apperrors.CodeExecution {
		log.Error("Schema mutation failed", zap.String("code", e.Code), zap.Error(err))
	} else {
		log.Warn("Schema mutation rejected", zap.String("code", e.Code), zap.String("reason", e.Message))
	}
	return e
}

func (s *schemaService) notify(ctx context.Context, event SchemaChangeEvent) {
	for _, l := range s.listeners {
		l.OnSchemaChange(ctx, event)
	}
}

// ============================================================================
// Validation
// ============================================================================

// validateName checks a user-supplied logical name.
func (s *schemaService) validateName(kind, name string) error {
	if strings.TrimSpace(name) == "" {
		return apperrors.Validation("%s name is required", kind)
	}
	if utf8.RuneCountInString(name) > s.cfg.MaxNameLength {
		return apperrors.Validation("%s name exceeds %d characters", kind, s.cfg.MaxNameLength)
	}
	if s.cfg.ReservedPrefix != "" && strings.HasPrefix(strings.ToLower(name), strings.ToLower(s.cfg.ReservedPrefix)) {
		return apperrors.Validation("%s name %q uses the reserved prefix %q", kind, name, s.cfg.ReservedPrefix)
	}
	// Queries address joined columns as table.column.
	if strings.Contains(name, ".") {
		return apperrors.Validation("%s name %q must not contain '.'", kind, name)
	}
	return nil
}

func (s *schemaService) validateColumnDefinition(def models.ColumnDefinition) error {
	if err := s.validateName("column", def.Name); err != nil {
		return err
	}
	if models.IsSystemColumnName(def.Name) {
		return apperrors.Validation("column name %q is reserved for a system column", def.Name)
	}
	if !def.DataType.IsUserAssignable() {
		return apperrors.Validation("column %q has unsupported data type %q", def.Name, def.DataType)
	}
	if def.IsUnique && def.DataType.IsStructured() {
		return apperrors.Validation("column %q of type %s cannot be unique", def.Name, def.DataType)
	}
	return nil
}

func validateExpectedVersion(expected *int) error {
	if expected != nil && *expected < 1 {
		return apperrors.Validation("expected_version must be at least 1")
	}
	return nil
}

// ============================================================================
// SQL fragments
// ============================================================================

// columnResolver resolves logical column names among active columns.
func columnResolver(columns []*models.Column) sql.Resolver {
	return func(name string) (string, bool) {
		for _, c := range columns {
			if c.IsActive && c.LogicalName == name {
				return c.PhysicalName, true
			}
		}
		return "", false
	}
}

// rewriteFragment screens a user-supplied expression and rewrites its column
// references. Rejections are reported to the security auditor.
func (s *schemaService) rewriteFragment(ctx context.Context, tenantID uuid.UUID, table, field, fragment string, resolve sql.Resolver) (string, error) {
	out, err := sql.RewriteFragment(fragment, resolve)
	if err == nil {
		return out, nil
	}
	var fe *sql.FragmentError
	if !errors.As(err, &fe) {
		return "", err
	}
	if s.auditor != nil {
		s.auditor.LogFragmentRejected(ctx, tenantID, table, audit.FragmentDetails{
			Field:       field,
			Fragment:    fe.Fragment,
			Reason:      fe.Reason,
			Fingerprint: fe.Fingerprint,
		})
	}
	return "", apperrors.Validation("invalid %s: %s", field, fe.Reason).WithDetail("field", field)
}
