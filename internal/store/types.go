// Package store defines the analysis data model and its persistence
// implementations.
package store

import (
	"sort"
	"strings"
)

// Community is one scored discussion forum.
type Community struct {
	Name          string
	MentionCount  int
	EngagementSum int
	Subscribers   int
	ActiveUsers   int
	Description   string
	Relevant      bool
	Score         float64
}

// Evidence is one ingested post or comment used as a textual source.
type Evidence struct {
	ID          string
	Kind        string // "post" or "comment"
	Community   string
	Author      string
	Title       string
	Text        string
	Permalink   string
	CreatedUTC  float64
	Score       int
	NumComments int
}

// Entity is the single persisted identity for all observed name variants of
// a person or organization.
type Entity struct {
	ID            string
	CanonicalName string
	Type          string
	Aliases       []string
}

// Mention ties an entity to the evidence text it was observed in.
type Mention struct {
	ID          string
	EntityID    string
	EvidenceID  string
	SurfaceForm string
	Snippet     string
	Confidence  float64
}

// Relationship is a typed, directed edge between two entities.
type Relationship struct {
	ID         string
	SubjectID  string
	Type       string
	ObjectID   string
	Confidence float64
	EvidenceID string
	Evidence   string
}

// AnalysisContext records the company profile a run was performed for.
type AnalysisContext struct {
	Company     string
	Aliases     []string
	Competitors []string
}

// MergeAliases combines alias lists with case-insensitive deduplication and
// returns them in alphabetical order.
func MergeAliases(lists ...[]string) []string {
	seen := make(map[string]string)
	for _, list := range lists {
		for _, alias := range list {
			alias = strings.TrimSpace(alias)
			if alias == "" {
				continue
			}
			key := strings.ToLower(alias)
			if _, ok := seen[key]; !ok {
				seen[key] = alias
			}
		}
	}
	merged := make([]string, 0, len(seen))
	for _, alias := range seen {
		merged = append(merged, alias)
	}
	sort.Slice(merged, func(i, j int) bool {
		return strings.ToLower(merged[i]) < strings.ToLower(merged[j])
	})
	return merged
}
