package store

import (
	"context"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Postgres, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	s, err := NewPostgresWithPool(mock)
	require.NoError(t, err)
	return s, mock
}

func TestNewPostgresWithPoolRequiresPool(t *testing.T) {
	_, err := NewPostgresWithPool(nil)
	require.Error(t, err)
}

func TestClearAllTruncates(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	mock.ExpectExec("TRUNCATE TABLE mentions").
		WillReturnResult(pgxmock.NewResult("TRUNCATE", 0))

	require.NoError(t, s.ClearAll(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertCommunity(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	community := Community{
		Name:          "startups",
		MentionCount:  7,
		EngagementSum: 120,
		Subscribers:   100000,
		ActiveUsers:   420,
		Description:   "startup talk",
		Relevant:      true,
		Score:         0.83,
	}
	mock.ExpectExec("INSERT INTO communities").
		WithArgs(
			community.Name,
			community.MentionCount,
			community.EngagementSum,
			community.Subscribers,
			community.ActiveUsers,
			community.Description,
			community.Relevant,
			community.Score,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.UpsertCommunity(context.Background(), community))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAddEvidenceRequiresID(t *testing.T) {
	t.Parallel()
	s, _ := newMockStore(t)
	err := s.AddEvidence(context.Background(), Evidence{})
	require.Error(t, err)
}

func TestAddEvidenceInsertsRow(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	evidence := Evidence{
		ID:        "t3_abc",
		Kind:      "post",
		Community: "startups",
		Author:    "someone",
		Title:     "Acme rocks",
		Text:      "Acme is great",
		Permalink: "/r/startups/comments/abc",
	}
	mock.ExpectExec("INSERT INTO evidence").
		WithArgs(
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
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.AddEvidence(context.Background(), evidence))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetOrCreateEntityCreates(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id, canonical_name, entity_type, aliases FROM entities").
		WithArgs("Acme").
		WillReturnRows(pgxmock.NewRows([]string{"id", "canonical_name", "entity_type", "aliases"}))
	mock.ExpectExec("INSERT INTO entities").
		WithArgs(pgxmock.AnyArg(), "Acme", "organization", []byte(`["Acme","Acme Widgets"]`)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	entity, err := s.GetOrCreateEntity(context.Background(), "Acme", "organization", []string{"Acme Widgets", "Acme"})
	require.NoError(t, err)
	assert.NotEmpty(t, entity.ID)
	assert.Equal(t, []string{"Acme", "Acme Widgets"}, entity.Aliases)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetOrCreateEntityMergesAliases(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id, canonical_name, entity_type, aliases FROM entities").
		WithArgs("acme").
		WillReturnRows(pgxmock.NewRows([]string{"id", "canonical_name", "entity_type", "aliases"}).
			AddRow("ent-1", "Acme", "organization", []byte(`["Acme"]`)))
	mock.ExpectExec("UPDATE entities").
		WithArgs("ent-1", "organization", []byte(`["Acme","Acme Widgets"]`)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	entity, err := s.GetOrCreateEntity(context.Background(), "acme", "", []string{"Acme Widgets"})
	require.NoError(t, err)
	assert.Equal(t, "ent-1", entity.ID)
	assert.Equal(t, "Acme", entity.CanonicalName)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListEntities(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id, canonical_name, entity_type, aliases FROM entities").
		WillReturnRows(pgxmock.NewRows([]string{"id", "canonical_name", "entity_type", "aliases"}).
			AddRow("ent-1", "Acme", "organization", []byte(`["Acme"]`)).
			AddRow("ent-2", "Jane Doe", "person", []byte(nil)))

	entities, err := s.ListEntities(context.Background())
	require.NoError(t, err)
	require.Len(t, entities, 2)
	assert.Equal(t, []string{"Acme"}, entities[0].Aliases)
	assert.Empty(t, entities[1].Aliases)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetAnalysisContext(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	mock.ExpectExec("DELETE FROM analysis_context").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec("INSERT INTO analysis_context").
		WithArgs("Acme Widgets", []byte(`["Acme Widgets","Acme"]`), []byte(`["Widgets Inc"]`)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.SetAnalysisContext(context.Background(), AnalysisContext{
		Company:     "Acme Widgets",
		Aliases:     []string{"Acme Widgets", "Acme"},
		Competitors: []string{"Widgets Inc"},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMergeAliases(t *testing.T) {
	t.Parallel()
	merged := MergeAliases([]string{"acme", "Beta"}, []string{"ACME", "alpha", ""})
	assert.Equal(t, []string{"acme", "alpha", "Beta"}, merged)
}
