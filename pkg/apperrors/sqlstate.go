package apperrors

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// SQLSTATE codes the engine reacts to.
const (
	SQLStateUniqueViolation     = "23505"
	SQLStateForeignKeyViolation = "23503"
	SQLStateLockNotAvailable    = "55P03"
	SQLStateQueryCanceled       = "57014"
)

// PgCode returns the SQLSTATE of a PostgreSQL error, or "".
func PgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// IsUniqueViolation reports whether err is a unique_violation.
func IsUniqueViolation(err error) bool {
	return PgCode(err) == SQLStateUniqueViolation
}

// SQLStateCode maps a PostgreSQL error to a readable code, or "" if err is not one.
func SQLStateCode(err error) string {
	state := PgCode(err)
	if state == "" {
		return ""
	}
	return mapSQLStateToCode(state)
}

// SQLErrorMessage returns the server message without SQLSTATE decoration.
func SQLErrorMessage(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Message
	}
	return ""
}

func mapSQLStateToCode(sqlState string) string {
	if len(sqlState) < 2 {
		return "sql_error"
	}

	switch sqlState {
	case "42601":
		return "syntax_error"
	case "42703":
		return "undefined_column"
	case "42P01":
		return "undefined_table"
	case "42710":
		return "duplicate_object"
	case "42P07":
		return "duplicate_table"
	case "42701":
		return "duplicate_column"
	case "42830":
		return "invalid_foreign_key"
	case "42804":
		return "datatype_mismatch"
	case SQLStateUniqueViolation:
		return "unique_violation"
	case SQLStateForeignKeyViolation:
		return "foreign_key_violation"
	case "23502":
		return "not_null_violation"
	case "23514":
		return "check_violation"
	case "22001":
		return "value_too_long"
	case "22003":
		return "numeric_out_of_range"
	case "22007":
		return "invalid_datetime"
	case "22012":
		return "division_by_zero"
	case "22P02":
		return "invalid_input"
	case SQLStateLockNotAvailable:
		return "lock_not_available"
	case SQLStateQueryCanceled:
		return "query_canceled"
	}

	switch sqlState[:2] {
	case "22":
		return "data_exception"
	case "23":
		return "constraint_violation"
	case "42":
		return "sql_error"
	case "08":
		return "connection_exception"
	case "40":
		return "transaction_rollback"
	}
	return "sql_error"
}
