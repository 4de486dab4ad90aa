package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/socialintel/engine/internal/llm"
	"github.com/socialintel/engine/internal/reddit"
	"github.com/socialintel/engine/internal/store"
)

type fakeAPI struct {
	searchPages map[string]reddit.Listing // global search by query
	posts       map[string]reddit.Listing // community search by community
	comments    map[string][]reddit.Listing
	commentsErr error
	abouts      map[string]reddit.About
}

func (f *fakeAPI) SearchPosts(_ context.Context, q reddit.SearchQuery) (reddit.Listing, error) {
	if q.After != "" {
		return reddit.Listing{}, nil
	}
	return f.searchPages[q.Query], nil
}

func (f *fakeAPI) CommunityAbout(_ context.Context, community string) (reddit.About, error) {
	return f.abouts[community], nil
}

func (f *fakeAPI) CommunitySearchPosts(_ context.Context, community string, _ reddit.SearchQuery) (reddit.Listing, error) {
	return f.posts[community], nil
}

func (f *fakeAPI) CommunityPosts(context.Context, string, reddit.ListOptions) (reddit.Listing, error) {
	return reddit.Listing{}, nil
}

func (f *fakeAPI) Comments(_ context.Context, postID string, _ reddit.CommentOptions) ([]reddit.Listing, error) {
	if f.commentsErr != nil {
		return nil, f.commentsErr
	}
	return f.comments[postID], nil
}

func (f *fakeAPI) Close() {}

type fakeExtractor struct {
	profile    llm.CompanyProfile
	results    map[string][]llm.ItemResult // keyed by first evidence id in batch
	batchErrs  map[string]error
	batchCalls int
	batches    [][]llm.EvidenceInput
}

func (f *fakeExtractor) ResolveCompany(context.Context, string, string) (llm.CompanyProfile, error) {
	return f.profile, nil
}

func (f *fakeExtractor) ExtractBatch(_ context.Context, _ string, _ []string, batch []llm.EvidenceInput) ([]llm.ItemResult, error) {
	f.batchCalls++
	f.batches = append(f.batches, batch)
	if len(batch) == 0 {
		return nil, nil
	}
	key := batch[0].ID
	if err := f.batchErrs[key]; err != nil {
		return nil, err
	}
	return f.results[key], nil
}

func listing(after string, things ...reddit.Thing) reddit.Listing {
	return reddit.Listing{Kind: "Listing", Data: reddit.ListingData{After: after, Children: things}}
}

func postThing(id, community, title, selftext string) reddit.Thing {
	return reddit.Thing{Kind: "t3", Data: reddit.ThingData{
		ID: id, Name: "t3_" + id, Subreddit: community, Title: title, SelfText: selftext, Score: 5, NumComments: 2,
	}}
}

func commentThing(id, body string) reddit.Thing {
	return reddit.Thing{Kind: "t1", Data: reddit.ThingData{ID: id, Name: "t1_" + id, Body: body, Score: 1}}
}

func acmeFixture() (*fakeAPI, *fakeExtractor) {
	api := &fakeAPI{
		searchPages: map[string]reddit.Listing{
			"Acme Widgets": listing("", postThing("d1", "startups", "Acme Widgets launch", "")),
			"Acme":         listing("", postThing("d2", "startups", "Acme thread", "")),
		},
		abouts: map[string]reddit.About{
			"startups": {Data: reddit.AboutData{Subscribers: 1000, PublicDescription: "startup talk"}},
		},
		posts: map[string]reddit.Listing{
			"startups": listing("", postThing("p1", "startups", "Thoughts on Acme?", "Acme is great, I love their widgets")),
		},
		comments: map[string][]reddit.Listing{},
	}
	extractor := &fakeExtractor{
		profile: llm.CompanyProfile{Name: "Acme Widgets", Aliases: []string{"Acme Widgets", "Acme"}},
		results: map[string][]llm.ItemResult{
			"t3_p1": {{
				ID:       "t3_p1",
				Entities: []llm.CandidateEntity{{Name: "Acme", Confidence: 0.9}},
			}},
		},
	}
	return api, extractor
}

func TestRunEndToEnd(t *testing.T) {
	api, extractor := acmeFixture()
	mem := store.NewMemory()
	p := New(api, mem, extractor, Config{BatchSize: 5}, nil)

	var stages []string
	summary, err := p.Run(context.Background(), Request{Domain: "acmewidgets.io"}, func(stage string) {
		stages = append(stages, stage)
	})
	require.NoError(t, err)

	assert.Equal(t, "Acme Widgets", summary.Company.Name)
	assert.Equal(t, 1, summary.Communities)
	assert.Equal(t, 1, summary.Evidence)
	assert.Equal(t, 1, summary.Entities)
	assert.Equal(t, 1, summary.Mentions)
	assert.Zero(t, summary.Relationships)
	assert.NotEmpty(t, stages)
	assert.Equal(t, "complete", stages[len(stages)-1])

	communities, evidence, mentions, _, entities := mem.Snapshot()
	require.Len(t, communities, 1)
	assert.Equal(t, "startups", communities[0].Name)
	require.Len(t, evidence, 1)
	assert.Equal(t, "t3_p1", evidence[0].ID)
	require.Len(t, mentions, 1)
	assert.Equal(t, "Acme", mentions[0].SurfaceForm)
	assert.InDelta(t, 0.9, mentions[0].Confidence, 1e-9)
	assert.Contains(t, mentions[0].Snippet, "Acme is great")
	require.Len(t, entities, 1)
	assert.Equal(t, "Acme", entities[0].CanonicalName)

	analysisCtx := mem.AnalysisContextSnapshot()
	require.NotNil(t, analysisCtx)
	assert.Equal(t, "Acme Widgets", analysisCtx.Company)
}

func TestRunSkipsFailedBatch(t *testing.T) {
	api, extractor := acmeFixture()
	// Add a second evidence post so BatchSize 1 yields two batches.
	api.posts["startups"] = listing("",
		postThing("p1", "startups", "Thoughts on Acme?", "Acme is great, I love their widgets"),
		postThing("p2", "startups", "More Acme talk", "Acme shipped a new widget"),
	)
	extractor.batchErrs = map[string]error{
		"t3_p2": &llm.ExtractionError{Reason: "model refused"},
	}

	mem := store.NewMemory()
	p := New(api, mem, extractor, Config{BatchSize: 1}, nil)

	summary, err := p.Run(context.Background(), Request{Domain: "acmewidgets.io"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Evidence)
	// Only the first batch's mention landed.
	assert.Equal(t, 1, summary.Mentions)
	assert.Equal(t, 2, extractor.batchCalls)
}

func TestRunFiltersLowConfidenceAndUnknownTypes(t *testing.T) {
	api, extractor := acmeFixture()
	extractor.results["t3_p1"] = []llm.ItemResult{{
		ID: "t3_p1",
		Entities: []llm.CandidateEntity{
			{Name: "Acme", Confidence: 0.9},
			{Name: "Whisper Corp", Confidence: 0.2}, // below threshold
		},
		Relationships: []llm.CandidateRelationship{
			{Subject: "Jane Doe", Type: "ceo", Object: "Acme", Confidence: 0.8},
			{Subject: "Jane Doe", Type: "bestFriend", Object: "Acme", Confidence: 0.95}, // unknown type
			{Subject: "Jane Doe", Type: "investor", Object: "Acme", Confidence: 0.1},    // below threshold
		},
	}}

	mem := store.NewMemory()
	p := New(api, mem, extractor, Config{ConfidenceThreshold: 0.7}, nil)

	summary, err := p.Run(context.Background(), Request{Domain: "acmewidgets.io"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Mentions)
	assert.Equal(t, 1, summary.Relationships)

	_, _, _, relationships, _ := mem.Snapshot()
	require.Len(t, relationships, 1)
	assert.Equal(t, "ceo", relationships[0].Type)
	assert.InDelta(t, 0.8, relationships[0].Confidence, 1e-9)
}

func TestGatherEvidenceIncludesComments(t *testing.T) {
	api, extractor := acmeFixture()
	api.comments["p1"] = []reddit.Listing{
		listing("", postThing("p1", "startups", "Thoughts on Acme?", "")),
		listing("", commentThing("c1", "I switched to Acme last year"), commentThing("c2", "")),
	}

	mem := store.NewMemory()
	p := New(api, mem, extractor, Config{}, nil)

	_, err := p.Run(context.Background(), Request{Domain: "acmewidgets.io"}, nil)
	require.NoError(t, err)

	_, evidence, _, _, _ := mem.Snapshot()
	ids := make(map[string]string)
	for _, item := range evidence {
		ids[item.ID] = item.Kind
	}
	assert.Equal(t, "post", ids["t3_p1"])
	assert.Equal(t, "comment", ids["t1_c1"])
	// Empty-bodied comments are persisted but kept out of extraction.
	assert.Equal(t, "comment", ids["t1_c2"])
	for _, batch := range extractor.batches {
		for _, input := range batch {
			assert.NotEqual(t, "t1_c2", input.ID)
		}
	}
}

func TestGatherEvidenceCapsExtractionSet(t *testing.T) {
	api, extractor := acmeFixture()
	var things []reddit.Thing
	for _, id := range []string{"p1", "p2", "p3", "p4"} {
		things = append(things, postThing(id, "startups", "Acme post "+id, "body"))
	}
	api.posts["startups"] = listing("", things...)

	mem := store.NewMemory()
	p := New(api, mem, extractor, Config{MaxSources: 2}, nil)

	summary, err := p.Run(context.Background(), Request{Domain: "acmewidgets.io"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Evidence)

	// All four fetched posts are persisted; only two reach extraction.
	_, evidence, _, _, _ := mem.Snapshot()
	assert.Len(t, evidence, 4)
	sent := 0
	for _, batch := range extractor.batches {
		sent += len(batch)
	}
	assert.Equal(t, 2, sent)
}

func TestRunDropsResultsForUnknownEvidence(t *testing.T) {
	api, extractor := acmeFixture()
	extractor.results["t3_p1"] = []llm.ItemResult{{
		ID:       "t3_unrelated",
		Entities: []llm.CandidateEntity{{Name: "Acme", Confidence: 0.9}},
	}}

	mem := store.NewMemory()
	p := New(api, mem, extractor, Config{}, nil)

	summary, err := p.Run(context.Background(), Request{Domain: "acmewidgets.io"}, nil)
	require.NoError(t, err)
	assert.Zero(t, summary.Mentions)

	_, _, mentions, _, _ := mem.Snapshot()
	assert.Empty(t, mentions)
}

func TestRunPropagatesCommentFetchFailure(t *testing.T) {
	api, extractor := acmeFixture()
	api.commentsErr = &reddit.RequestError{Method: "GET", Path: "/comments/p1", StatusCode: 502}

	mem := store.NewMemory()
	p := New(api, mem, extractor, Config{}, nil)

	_, err := p.Run(context.Background(), Request{Domain: "acmewidgets.io"}, nil)
	require.Error(t, err)
	var reqErr *reddit.RequestError
	assert.ErrorAs(t, err, &reqErr)
}

func TestHeuristicName(t *testing.T) {
	cases := map[string]string{
		"acmewidgets.io":             "Acmewidgets",
		"www.acmewidgets.io":         "Acmewidgets",
		"https://acmewidgets.io/abc": "Acmewidgets",
		"ACME.com":                   "Acme",
		"":                           "",
	}
	for in, want := range cases {
		assert.Equal(t, want, HeuristicName(in), "input %q", in)
	}
}

func TestQuotedQuery(t *testing.T) {
	q := quotedQuery(llm.CompanyProfile{
		Name:    "Acme Widgets",
		Aliases: []string{"Acme Widgets", "Acme", "AW", "AcmeW", "Widgets by Acme", "Sixth Alias"},
	})
	assert.Equal(t, `"Acme Widgets" OR "Acme" OR "AW" OR "AcmeW" OR "Widgets by Acme"`, q)
}

func TestSurfaceFormWindow(t *testing.T) {
	text := "People say Acme is great, and honestly the widgets justify the hype."
	surface, snippet := surfaceForm(text, []string{"Globex", "acme"})
	assert.Equal(t, "Acme", surface)
	assert.Contains(t, snippet, "Acme is great")

	surface, snippet = surfaceForm(text, []string{"Globex"})
	assert.Empty(t, surface)
	assert.Empty(t, snippet)
}

func TestMergeCompetitors(t *testing.T) {
	got := mergeCompetitors(
		[]string{"globex.com", "Initech", " ", "initech"},
		[]string{"Globex", "Umbrella"},
	)
	assert.Equal(t, []string{"Globex", "Initech", "Umbrella"}, got)
}
