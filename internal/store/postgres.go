package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresConfig controls the connection pool for the Postgres store.
type PostgresConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Postgres implements Storage over a pgx connection pool. Alias and
// competitor lists are stored as jsonb.
type Postgres struct {
	pool querier
}

// NewPostgres connects a pool using the provided config.
func NewPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// NewPostgresWithPool constructs a store from an existing pool (primarily
// for testing).
func NewPostgresWithPool(pool querier) (*Postgres, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Postgres{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *Postgres) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// ClearAll truncates every analysis table.
func (s *Postgres) ClearAll(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE TABLE mentions, relationships, evidence, entities, communities, analysis_context`)
	if err != nil {
		return fmt.Errorf("clear analysis state: %w", err)
	}
	return nil
}

// UpsertCommunity inserts or updates a community row keyed by name.
func (s *Postgres) UpsertCommunity(ctx context.Context, community Community) error {
	query := `
INSERT INTO communities (name, mention_count, engagement_sum, subscribers, active_users, description, relevant, score)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (name) DO UPDATE SET
	mention_count = EXCLUDED.mention_count,
	engagement_sum = EXCLUDED.engagement_sum,
	subscribers = EXCLUDED.subscribers,
	active_users = EXCLUDED.active_users,
	description = EXCLUDED.description,
	relevant = EXCLUDED.relevant,
	score = EXCLUDED.score`
	_, err := s.pool.Exec(ctx, query,
		community.Name,
		community.MentionCount,
		community.EngagementSum,
		community.Subscribers,
		community.ActiveUsers,
		community.Description,
		community.Relevant,
		community.Score,
	)
	if err != nil {
		return fmt.Errorf("upsert community: %w", err)
	}
	return nil
}

// AddEvidence inserts an evidence row, ignoring duplicates by id.
func (s *Postgres) AddEvidence(ctx context.Context, evidence Evidence) error {
	if evidence.ID == "" {
		return fmt.Errorf("evidence id is required")
	}
	query := `
INSERT INTO evidence (id, kind, community, author, title, text, permalink, created_utc, score, num_comments)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (id) DO NOTHING`
	_, err := s.pool.Exec(ctx, query,
		evidence.ID,
		evidence.Kind,
		evidence.Community,
		evidence.Author,
		evidence.Title,
		evidence.Text,
		evidence.Permalink,
		evidence.CreatedUTC,
		evidence.Score,
		evidence.NumComments,
	)
	if err != nil {
		return fmt.Errorf("insert evidence: %w", err)
	}
	return nil
}

// AddMention inserts a mention row.
func (s *Postgres) AddMention(ctx context.Context, mention Mention) error {
	if mention.ID == "" {
		mention.ID = uuid.NewString()
	}
	query := `
INSERT INTO mentions (id, entity_id, evidence_id, surface_form, snippet, confidence)
VALUES ($1,$2,$3,$4,$5,$6)`
	_, err := s.pool.Exec(ctx, query,
		mention.ID,
		mention.EntityID,
		mention.EvidenceID,
		mention.SurfaceForm,
		mention.Snippet,
		mention.Confidence,
	)
	if err != nil {
		return fmt.Errorf("insert mention: %w", err)
	}
	return nil
}

// AddRelationship inserts a relationship row.
func (s *Postgres) AddRelationship(ctx context.Context, relationship Relationship) error {
	if relationship.ID == "" {
		relationship.ID = uuid.NewString()
	}
	query := `
INSERT INTO relationships (id, subject_id, type, object_id, confidence, evidence_id, evidence)
VALUES ($1,$2,$3,$4,$5,$6,$7)`
	_, err := s.pool.Exec(ctx, query,
		relationship.ID,
		relationship.SubjectID,
		relationship.Type,
		relationship.ObjectID,
		relationship.Confidence,
		relationship.EvidenceID,
		relationship.Evidence,
	)
	if err != nil {
		return fmt.Errorf("insert relationship: %w", err)
	}
	return nil
}

// GetOrCreateEntity merges into an entity with the same canonical name
// (case-insensitive) or creates a new one.
func (s *Postgres) GetOrCreateEntity(ctx context.Context, canonicalName, entityType string, aliases []string) (Entity, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, canonical_name, entity_type, aliases FROM entities WHERE lower(canonical_name) = lower($1)`,
		canonicalName)

	var entity Entity
	var aliasesJSON []byte
	err := row.Scan(&entity.ID, &entity.CanonicalName, &entity.Type, &aliasesJSON)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		entity = Entity{
			ID:            uuid.NewString(),
			CanonicalName: canonicalName,
			Type:          entityType,
			Aliases:       MergeAliases(aliases),
		}
		payload, err := json.Marshal(entity.Aliases)
		if err != nil {
			return Entity{}, fmt.Errorf("marshal aliases: %w", err)
		}
		_, err = s.pool.Exec(ctx,
			`INSERT INTO entities (id, canonical_name, entity_type, aliases) VALUES ($1,$2,$3,$4)`,
			entity.ID, entity.CanonicalName, entity.Type, payload)
		if err != nil {
			return Entity{}, fmt.Errorf("insert entity: %w", err)
		}
		return entity, nil
	case err != nil:
		return Entity{}, fmt.Errorf("lookup entity: %w", err)
	}

	var existing []string
	if len(aliasesJSON) > 0 {
		if err := json.Unmarshal(aliasesJSON, &existing); err != nil {
			return Entity{}, fmt.Errorf("unmarshal aliases: %w", err)
		}
	}
	entity.Aliases = MergeAliases(existing, aliases)
	if entity.Type == "" {
		entity.Type = entityType
	}
	payload, err := json.Marshal(entity.Aliases)
	if err != nil {
		return Entity{}, fmt.Errorf("marshal aliases: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE entities SET entity_type = $2, aliases = $3 WHERE id = $1`,
		entity.ID, entity.Type, payload)
	if err != nil {
		return Entity{}, fmt.Errorf("update entity: %w", err)
	}
	return entity, nil
}

// ListEntities returns every persisted entity.
func (s *Postgres) ListEntities(ctx context.Context) ([]Entity, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, canonical_name, entity_type, aliases FROM entities`)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()

	var entities []Entity
	for rows.Next() {
		var entity Entity
		var aliasesJSON []byte
		if err := rows.Scan(&entity.ID, &entity.CanonicalName, &entity.Type, &aliasesJSON); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		if len(aliasesJSON) > 0 {
			if err := json.Unmarshal(aliasesJSON, &entity.Aliases); err != nil {
				return nil, fmt.Errorf("unmarshal aliases: %w", err)
			}
		}
		entities = append(entities, entity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entities: %w", err)
	}
	return entities, nil
}

// SetAnalysisContext replaces the single analysis context row.
func (s *Postgres) SetAnalysisContext(ctx context.Context, analysisCtx AnalysisContext) error {
	aliasesJSON, err := json.Marshal(analysisCtx.Aliases)
	if err != nil {
		return fmt.Errorf("marshal aliases: %w", err)
	}
	competitorsJSON, err := json.Marshal(analysisCtx.Competitors)
	if err != nil {
		return fmt.Errorf("marshal competitors: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM analysis_context`); err != nil {
		return fmt.Errorf("clear analysis context: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO analysis_context (company, aliases, competitors) VALUES ($1,$2,$3)`,
		analysisCtx.Company, aliasesJSON, competitorsJSON)
	if err != nil {
		return fmt.Errorf("insert analysis context: %w", err)
	}
	return nil
}
