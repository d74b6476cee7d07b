// Package audit provides security audit logging for SIEM consumption.
// It logs security-relevant events in structured JSON format for easy parsing
// and integration with security information and event management systems.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-tables/pkg/models"
)

// SecurityEventType categorizes security-relevant events for filtering and alerting.
type SecurityEventType string

const (
	// EventFragmentRejected is logged when a user-supplied SQL fragment (check
	// expression, default expression, partial-index predicate) fails screening.
	EventFragmentRejected SecurityEventType = "sql_fragment_rejected"
	// EventFilteredMutation is logged for every predicate-based bulk update or delete.
	EventFilteredMutation SecurityEventType = "filtered_mutation"
)

// SecurityEvent represents an auditable security event with all relevant context
// for SIEM ingestion and analysis.
type SecurityEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	EventType SecurityEventType `json:"event_type"`
	TenantID  uuid.UUID         `json:"tenant_id"`
	Table     string            `json:"table"`
	Actor     string            `json:"actor,omitempty"`
	Source    string            `json:"source,omitempty"`
	Details   any               `json:"details"`
	Severity  string            `json:"severity"` // info, warning, critical
}

// FragmentDetails describes a rejected SQL fragment.
type FragmentDetails struct {
	Field       string `json:"field"` // check_expression, default_value, where
	Fragment    string `json:"fragment"`
	Reason      string `json:"reason"`
	Fingerprint string `json:"fingerprint,omitempty"` // libinjection fingerprint for pattern analysis
}

// FilteredMutationDetails describes a predicate-based bulk update or delete.
type FilteredMutationDetails struct {
	Operation       string `json:"operation"` // UPDATE or DELETE
	Predicate       string `json:"predicate"` // logical form, literals inlined
	RowsAffected    int64  `json:"rows_affected"`
	Success         bool   `json:"success"`
	ErrorMessage    string `json:"error_message,omitempty"`
	ExecutionTimeMs int64  `json:"execution_time_ms"`
}

// SecurityAuditor logs security events for SIEM consumption.
// Events are logged in structured JSON format with appropriate severity levels.
type SecurityAuditor struct {
	logger *zap.Logger
}

// NewSecurityAuditor creates a new security auditor with a dedicated logger namespace.
// The logger is automatically configured with "security_audit" namespace for easy
// filtering in SIEM systems.
func NewSecurityAuditor(logger *zap.Logger) *SecurityAuditor {
	return &SecurityAuditor{logger: logger.Named("security_audit")}
}

func newEvent(ctx context.Context, eventType SecurityEventType, tenantID uuid.UUID, table string, details any, severity string) SecurityEvent {
	event := SecurityEvent{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		TenantID:  tenantID,
		Table:     table,
		Details:   details,
		Severity:  severity,
	}
	if prov, ok := models.GetProvenance(ctx); ok {
		event.Actor = prov.Actor
		event.Source = prov.Source.String()
	}
	return event
}

// LogFragmentRejected records a rejected SQL fragment. A fragment flagged by
// libinjection is logged at ERROR with "critical" severity; anything else that
// failed screening (comments, statement keywords, unknown identifiers) is a
// WARN with "warning" severity.
//
// Example usage:
//
//	auditor.LogFragmentRejected(ctx, tenantID, "customers",
//	    audit.FragmentDetails{
//	        Field:       "check_expression",
//	        Fragment:    "age > 0 OR '1'='1'",
//	        Reason:      "injection pattern in string literal",
//	        Fingerprint: "s&sos",
//	    },
//	)
func (a *SecurityAuditor) LogFragmentRejected(ctx context.Context, tenantID uuid.UUID, table string, details FragmentDetails) {
	severity := "warning"
	if details.Fingerprint != "" {
		severity = "critical"
	}
	event := newEvent(ctx, EventFragmentRejected, tenantID, table, details, severity)

	// Ignoring error as marshaling known types should never fail
	eventJSON, _ := json.Marshal(event)

	fields := []zap.Field{
		zap.String("event_json", string(eventJSON)),
		zap.String("tenant_id", tenantID.String()),
		zap.String("table", table),
		zap.String("field", details.Field),
		zap.String("reason", details.Reason),
		zap.String("fingerprint", details.Fingerprint),
		zap.String("actor", event.Actor),
		zap.String("severity", severity),
	}
	if severity == "critical" {
		a.logger.Error("SQL injection attempt detected", fields...)
		return
	}
	a.logger.Warn("SQL fragment rejected", fields...)
}

// LogFilteredMutation records a predicate-based bulk update or delete.
// Successful runs are logged at INFO, failures at ERROR.
func (a *SecurityAuditor) LogFilteredMutation(ctx context.Context, tenantID uuid.UUID, table string, details FilteredMutationDetails) {
	severity := "info"
	if !details.Success {
		severity = "warning"
	}
	event := newEvent(ctx, EventFilteredMutation, tenantID, table, details, severity)
	eventJSON, _ := json.Marshal(event)

	fields := []zap.Field{
		zap.String("event_json", string(eventJSON)),
		zap.String("tenant_id", tenantID.String()),
		zap.String("table", table),
		zap.String("operation", details.Operation),
		zap.Int64("rows_affected", details.RowsAffected),
		zap.Int64("execution_time_ms", details.ExecutionTimeMs),
		zap.String("actor", event.Actor),
		zap.String("severity", severity),
	}
	if !details.Success {
		a.logger.Error("Filtered mutation failed", append(fields, zap.String("error", details.ErrorMessage))...)
		return
	}
	a.logger.Info("Filtered mutation executed", fields...)
}
