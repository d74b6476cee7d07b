// Package models contains domain types for ekaya-tables.
package models

import (
	"context"
)

// ProvenanceSource represents which front end initiated a schema or data operation.
type ProvenanceSource string

const (
	SourceAPI    ProvenanceSource = "api"    // REST adapter
	SourceCLI    ProvenanceSource = "cli"    // apply-schema command
	SourceSystem ProvenanceSource = "system" // engine-internal operations
)

// String returns the string representation of a ProvenanceSource.
func (s ProvenanceSource) String() string {
	return string(s)
}

// IsValid returns true if the source is a valid provenance source.
func (s ProvenanceSource) IsValid() bool {
	switch s {
	case SourceAPI, SourceCLI, SourceSystem:
		return true
	default:
		return false
	}
}

// ProvenanceContext carries source and actor information through operations.
// Actor is recorded on change-log entries and may be empty.
type ProvenanceContext struct {
	Source ProvenanceSource
	Actor  string
}

// ActorPtr returns the actor as a pointer, nil when empty.
func (p ProvenanceContext) ActorPtr() *string {
	if p.Actor == "" {
		return nil
	}
	a := p.Actor
	return &a
}

type provenanceKey struct{}

// WithProvenance returns a new context with provenance information attached.
func WithProvenance(ctx context.Context, p ProvenanceContext) context.Context {
	return context.WithValue(ctx, provenanceKey{}, p)
}

// GetProvenance retrieves provenance information from the context.
// Returns the provenance context and true if present, otherwise a zero value and false.
func GetProvenance(ctx context.Context) (ProvenanceContext, bool) {
	p, ok := ctx.Value(provenanceKey{}).(ProvenanceContext)
	return p, ok
}

// WithAPIProvenance returns a context with REST provenance set.
func WithAPIProvenance(ctx context.Context, actor string) context.Context {
	return WithProvenance(ctx, ProvenanceContext{Source: SourceAPI, Actor: actor})
}

// WithCLIProvenance returns a context with CLI provenance set.
func WithCLIProvenance(ctx context.Context, actor string) context.Context {
	return WithProvenance(ctx, ProvenanceContext{Source: SourceCLI, Actor: actor})
}
