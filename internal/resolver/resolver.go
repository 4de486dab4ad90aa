// Package resolver maps observed name variants to canonical entities.
package resolver

import (
	"context"
	"strings"
	"unicode"

	"github.com/agext/levenshtein"

	"github.com/socialintel/engine/internal/store"
)

// stopwords are dropped during normalization: articles and corporate
// suffixes that carry no identity.
var stopwords = map[string]bool{
	"a":            true,
	"an":           true,
	"and":          true,
	"company":      true,
	"co":           true,
	"corp":         true,
	"corporation":  true,
	"inc":          true,
	"incorporated": true,
	"llc":          true,
	"ltd":          true,
	"limited":      true,
	"the":          true,
}

// Normalize reduces a name to its comparison key: lowercase, leading "@"
// stripped, "&" spelled out, punctuation collapsed, stopwords dropped, and
// the remaining tokens concatenated.
func Normalize(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = strings.TrimPrefix(s, "@")
	s = strings.ReplaceAll(s, "&", "and")

	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}

	var out strings.Builder
	for _, token := range strings.Fields(b.String()) {
		if stopwords[token] {
			continue
		}
		out.WriteString(token)
	}
	return out.String()
}

// Store is the persistence surface the resolver needs.
type Store interface {
	ListEntities(ctx context.Context) ([]store.Entity, error)
	GetOrCreateEntity(ctx context.Context, canonicalName, entityType string, aliases []string) (store.Entity, error)
}

// Resolver keeps a run-scoped index from normalized name keys to entities.
// It is not synchronized; one resolver belongs to one pipeline run.
type Resolver struct {
	store  Store
	index  map[string]store.Entity
	params *levenshtein.Params
}

// New builds a resolver seeded from all previously persisted entities.
func New(ctx context.Context, s Store) (*Resolver, error) {
	r := &Resolver{
		store:  s,
		index:  make(map[string]store.Entity),
		params: levenshtein.NewParams(),
	}
	entities, err := s.ListEntities(ctx)
	if err != nil {
		return nil, err
	}
	for _, entity := range entities {
		r.indexEntity(entity)
	}
	return r, nil
}

func (r *Resolver) indexEntity(entity store.Entity) {
	for _, variant := range append([]string{entity.CanonicalName}, entity.Aliases...) {
		if key := Normalize(variant); key != "" {
			r.index[key] = entity
		}
	}
}

// bandConfidence maps a similarity ratio onto fixed confidence bands. Fuzzy
// confidence never reaches the exact-match 1.0.
func bandConfidence(ratio float64) (float64, bool) {
	switch {
	case ratio >= 0.96:
		return 0.9, true
	case ratio >= 0.92:
		return 0.85, true
	case ratio >= 0.88:
		return 0.8, true
	case ratio >= 0.82:
		return 0.7, true
	}
	return 0, false
}

// Resolve maps a name and its aliases to an entity. Exact key hits win with
// confidence 1.0; otherwise the best fuzzy band across all candidates is
// used. No match creates a fresh entity. The index absorbs the result
// immediately so later candidates in the same run can hit it exactly.
//
// This is a greedy single pass: resolution outcomes depend on the order
// names arrive, which is accepted at this scale.
func (r *Resolver) Resolve(ctx context.Context, name, entityType string, aliases []string) (store.Entity, float64, error) {
	candidates := append([]string{name}, aliases...)

	var matched *store.Entity
	confidence := 0.0

	for _, candidate := range candidates {
		key := Normalize(candidate)
		if key == "" {
			continue
		}
		if entity, ok := r.index[key]; ok {
			matched = &entity
			confidence = 1.0
			break
		}
	}

	if matched == nil {
		for _, candidate := range candidates {
			key := Normalize(candidate)
			if len(key) < 3 {
				continue
			}
			for indexedKey, entity := range r.index {
				if len(indexedKey) < 3 {
					continue
				}
				ratio := levenshtein.Similarity(key, indexedKey, r.params)
				if conf, ok := bandConfidence(ratio); ok && conf > confidence {
					e := entity
					matched = &e
					confidence = conf
				}
			}
		}
	}

	if matched != nil {
		merged, err := r.store.GetOrCreateEntity(ctx, matched.CanonicalName, entityType, store.MergeAliases([]string{name}, aliases))
		if err != nil {
			return store.Entity{}, 0, err
		}
		r.indexEntity(merged)
		return merged, confidence, nil
	}

	created, err := r.store.GetOrCreateEntity(ctx, name, entityType, store.MergeAliases([]string{name}, aliases))
	if err != nil {
		return store.Entity{}, 0, err
	}
	r.indexEntity(created)
	return created, 1.0, nil
}
