package store

import "context"

// Storage persists one analysis snapshot. ClearAll wipes every table; the
// pipeline runs a single-snapshot model where each run replaces the last.
type Storage interface {
	ClearAll(ctx context.Context) error
	UpsertCommunity(ctx context.Context, community Community) error
	// AddEvidence is idempotent on the evidence id.
	AddEvidence(ctx context.Context, evidence Evidence) error
	AddMention(ctx context.Context, mention Mention) error
	AddRelationship(ctx context.Context, relationship Relationship) error
	// GetOrCreateEntity merges name aliases into an existing entity with the
	// same canonical name (case-insensitive) or creates a new one.
	GetOrCreateEntity(ctx context.Context, canonicalName, entityType string, aliases []string) (Entity, error)
	ListEntities(ctx context.Context) ([]Entity, error)
	SetAnalysisContext(ctx context.Context, analysisCtx AnalysisContext) error
	Close()
}
