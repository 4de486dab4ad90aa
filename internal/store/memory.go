package store

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Memory is an in-process Storage implementation. It backs tests and
// database-less deployments.
type Memory struct {
	mu            sync.Mutex
	communities   map[string]Community
	evidence      map[string]Evidence
	mentions      []Mention
	relationships []Relationship
	entities      []Entity
	analysisCtx   *AnalysisContext
}

// NewMemory builds an empty in-memory store.
func NewMemory() *Memory {
	m := &Memory{}
	m.reset()
	return m
}

func (m *Memory) reset() {
	m.communities = make(map[string]Community)
	m.evidence = make(map[string]Evidence)
	m.mentions = nil
	m.relationships = nil
	m.entities = nil
	m.analysisCtx = nil
}

// ClearAll wipes every record.
func (m *Memory) ClearAll(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reset()
	return nil
}

// UpsertCommunity inserts or replaces a community by name.
func (m *Memory) UpsertCommunity(_ context.Context, community Community) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.communities[community.Name] = community
	return nil
}

// AddEvidence stores an evidence item, ignoring duplicates by id.
func (m *Memory) AddEvidence(_ context.Context, evidence Evidence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.evidence[evidence.ID]; ok {
		return nil
	}
	m.evidence[evidence.ID] = evidence
	return nil
}

// AddMention appends a mention record.
func (m *Memory) AddMention(_ context.Context, mention Mention) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mention.ID == "" {
		mention.ID = uuid.NewString()
	}
	m.mentions = append(m.mentions, mention)
	return nil
}

// AddRelationship appends a relationship record.
func (m *Memory) AddRelationship(_ context.Context, relationship Relationship) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if relationship.ID == "" {
		relationship.ID = uuid.NewString()
	}
	m.relationships = append(m.relationships, relationship)
	return nil
}

// GetOrCreateEntity merges into an entity with the same canonical name
// (case-insensitive) or creates a new one.
func (m *Memory) GetOrCreateEntity(_ context.Context, canonicalName, entityType string, aliases []string) (Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.entities {
		if strings.EqualFold(m.entities[i].CanonicalName, canonicalName) {
			m.entities[i].Aliases = MergeAliases(m.entities[i].Aliases, aliases)
			if m.entities[i].Type == "" {
				m.entities[i].Type = entityType
			}
			return m.entities[i], nil
		}
	}
	entity := Entity{
		ID:            uuid.NewString(),
		CanonicalName: canonicalName,
		Type:          entityType,
		Aliases:       MergeAliases(aliases),
	}
	m.entities = append(m.entities, entity)
	return entity, nil
}

// ListEntities returns a copy of all entities.
func (m *Memory) ListEntities(_ context.Context) ([]Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entity, len(m.entities))
	copy(out, m.entities)
	return out, nil
}

// SetAnalysisContext records the company profile for the run.
func (m *Memory) SetAnalysisContext(_ context.Context, analysisCtx AnalysisContext) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.analysisCtx = &analysisCtx
	return nil
}

// Close is a no-op.
func (m *Memory) Close() {}

// Snapshot returns copies of the stored records, for assertions and the run
// summary.
func (m *Memory) Snapshot() (communities []Community, evidence []Evidence, mentions []Mention, relationships []Relationship, entities []Entity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.communities {
		communities = append(communities, c)
	}
	for _, e := range m.evidence {
		evidence = append(evidence, e)
	}
	mentions = append(mentions, m.mentions...)
	relationships = append(relationships, m.relationships...)
	entities = append(entities, m.entities...)
	return communities, evidence, mentions, relationships, entities
}

// AnalysisContextSnapshot returns the recorded context, if any.
func (m *Memory) AnalysisContextSnapshot() *AnalysisContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.analysisCtx == nil {
		return nil
	}
	cp := *m.analysisCtx
	return &cp
}
