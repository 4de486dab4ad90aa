package resolver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/socialintel/engine/internal/store"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "Acme", "acme"},
		{"corporate suffix", "Acme Inc.", "acme"},
		{"all caps", "ACME", "acme"},
		{"leading handle", "@acme", "acme"},
		{"article", "The Acme Company", "acme"},
		{"ampersand", "Johnson & Johnson", "johnsonjohnson"},
		{"tight ampersand", "AT&T", "atandt"},
		{"punctuation", "acme-widgets, llc", "acmewidgets"},
		{"multi word", "Acme Widgets", "acmewidgets"},
		{"empty", "", ""},
		{"only stopwords", "The Inc", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Normalize(tc.in)
			assert.Equal(t, tc.want, got)
			// Idempotence.
			assert.Equal(t, got, Normalize(got))
		})
	}
}

func newResolver(t *testing.T) (*Resolver, *store.Memory) {
	t.Helper()
	m := store.NewMemory()
	r, err := New(context.Background(), m)
	require.NoError(t, err)
	return r, m
}

func TestResolveCreatesNewEntity(t *testing.T) {
	r, _ := newResolver(t)

	entity, confidence, err := r.Resolve(context.Background(), "Acme Widgets", "organization", []string{"Acme"})
	require.NoError(t, err)
	assert.Equal(t, "Acme Widgets", entity.CanonicalName)
	assert.Equal(t, 1.0, confidence)
	assert.Equal(t, []string{"Acme", "Acme Widgets"}, entity.Aliases)
}

func TestResolveExactMatchIsAlwaysOne(t *testing.T) {
	r, _ := newResolver(t)

	first, _, err := r.Resolve(context.Background(), "Acme Inc.", "organization", nil)
	require.NoError(t, err)

	// Same normalized key through a different surface form.
	second, confidence, err := r.Resolve(context.Background(), "ACME", "", nil)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1.0, confidence)
}

func TestResolveFuzzyBands(t *testing.T) {
	r, _ := newResolver(t)

	first, _, err := r.Resolve(context.Background(), "Acme Widgets", "organization", nil)
	require.NoError(t, err)

	// "acmewidget" vs "acmewidgets": one edit over eleven runes, ratio
	// ~0.909, which lands in the 0.88 band.
	second, confidence, err := r.Resolve(context.Background(), "Acme Widget", "", nil)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 0.8, confidence)
}

func TestResolveNoFuzzyMatchBelowLowestBand(t *testing.T) {
	r, _ := newResolver(t)

	first, _, err := r.Resolve(context.Background(), "Acme Widgets", "organization", nil)
	require.NoError(t, err)

	second, confidence, err := r.Resolve(context.Background(), "Globex", "organization", nil)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 1.0, confidence)
}

func TestResolveAliasHitMatchesEntity(t *testing.T) {
	r, _ := newResolver(t)

	first, _, err := r.Resolve(context.Background(), "Acme Widgets", "organization", []string{"Acme"})
	require.NoError(t, err)

	// The alias "Acme" was indexed during the first resolve.
	second, confidence, err := r.Resolve(context.Background(), "acme", "", nil)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1.0, confidence)
}

func TestResolveNeverDuplicatesNormalizedKeys(t *testing.T) {
	r, m := newResolver(t)
	ctx := context.Background()

	names := []string{"Acme Inc.", "ACME", "acme, llc", "The Acme Company", "@acme"}
	for _, name := range names {
		_, _, err := r.Resolve(ctx, name, "organization", nil)
		require.NoError(t, err)
	}

	entities, err := m.ListEntities(ctx)
	require.NoError(t, err)

	keys := make(map[string]bool)
	for _, entity := range entities {
		key := Normalize(entity.CanonicalName)
		assert.False(t, keys[key], "duplicate normalized key %q", key)
		keys[key] = true
	}
	assert.Len(t, entities, 1)
}

func TestResolveSeedsFromPersistedEntities(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	seeded, err := m.GetOrCreateEntity(ctx, "Acme Widgets", "organization", []string{"Acme"})
	require.NoError(t, err)

	r, err := New(ctx, m)
	require.NoError(t, err)

	entity, confidence, err := r.Resolve(ctx, "Acme", "", nil)
	require.NoError(t, err)
	assert.Equal(t, seeded.ID, entity.ID)
	assert.Equal(t, 1.0, confidence)
}

func TestBandConfidence(t *testing.T) {
	cases := []struct {
		ratio float64
		want  float64
		ok    bool
	}{
		{0.99, 0.9, true},
		{0.96, 0.9, true},
		{0.93, 0.85, true},
		{0.90, 0.8, true},
		{0.83, 0.7, true},
		{0.81, 0, false},
		{0.0, 0, false},
	}
	for _, tc := range cases {
		got, ok := bandConfidence(tc.ratio)
		assert.Equal(t, tc.ok, ok)
		assert.Equal(t, tc.want, got)
	}
}
