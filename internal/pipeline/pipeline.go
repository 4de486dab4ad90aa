// Package pipeline orchestrates a full analysis run: resolve the company,
// discover communities, gather evidence, extract entities, and persist one
// snapshot.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/socialintel/engine/internal/discovery"
	"github.com/socialintel/engine/internal/llm"
	"github.com/socialintel/engine/internal/metrics"
	"github.com/socialintel/engine/internal/reddit"
	"github.com/socialintel/engine/internal/resolver"
	"github.com/socialintel/engine/internal/store"
)

const (
	maxDiscoveryTerms   = 3
	maxQueryAliases     = 4
	evidenceCommunities = 5
	snippetRadius       = 60
)

// Extractor is the LLM collaborator surface the pipeline consumes.
type Extractor interface {
	ResolveCompany(ctx context.Context, domain, hintName string) (llm.CompanyProfile, error)
	ExtractBatch(ctx context.Context, company string, aliases []string, batch []llm.EvidenceInput) ([]llm.ItemResult, error)
}

// Config bounds one analysis run.
type Config struct {
	TopCommunities      int
	PostsPerCommunity   int
	CommentsPerPost     int
	MaxSources          int
	BatchSize           int
	ConfidenceThreshold float64
	MaxEvidenceChars    int
	DiscoveryPageLimit  int
	TimeFilter          string
}

func (c *Config) applyDefaults() {
	if c.TopCommunities <= 0 {
		c.TopCommunities = 20
	}
	if c.PostsPerCommunity <= 0 {
		c.PostsPerCommunity = 10
	}
	if c.CommentsPerPost <= 0 {
		c.CommentsPerPost = 10
	}
	if c.MaxSources <= 0 {
		c.MaxSources = 100
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 5
	}
	if c.ConfidenceThreshold <= 0 {
		c.ConfidenceThreshold = 0.7
	}
	if c.MaxEvidenceChars <= 0 {
		c.MaxEvidenceChars = 2000
	}
	if c.DiscoveryPageLimit <= 0 {
		c.DiscoveryPageLimit = 2
	}
	if c.TimeFilter == "" {
		c.TimeFilter = "year"
	}
}

// Request identifies the company under analysis. Competitors may be given as
// names or bare domains.
type Request struct {
	Domain      string
	Competitors []string
}

// Summary is the terminal result attached to a completed job.
type Summary struct {
	Company       llm.CompanyProfile `json:"company"`
	Communities   int                `json:"communities"`
	Evidence      int                `json:"evidence"`
	Entities      int                `json:"entities"`
	Mentions      int                `json:"mentions"`
	Relationships int                `json:"relationships"`
}

// Pipeline wires the fetch client, storage, and LLM collaborators together.
// One Pipeline instance runs one job at a time; the caller enforces
// single-flight.
type Pipeline struct {
	api       reddit.API
	storage   store.Storage
	extractor Extractor
	cfg       Config
	logger    *zap.Logger
}

// New builds a Pipeline.
func New(api reddit.API, storage store.Storage, extractor Extractor, cfg Config, logger *zap.Logger) *Pipeline {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{api: api, storage: storage, extractor: extractor, cfg: cfg, logger: logger}
}

// Run executes a full analysis for one company domain. progress receives a
// human-readable marker before each stage; it may be nil.
func (p *Pipeline) Run(ctx context.Context, req Request, progress func(string)) (Summary, error) {
	report := func(stage string) {
		p.logger.Info("analysis stage", zap.String("stage", stage), zap.String("domain", req.Domain))
		if progress != nil {
			progress(stage)
		}
	}

	report("clearing previous analysis")
	if err := p.storage.ClearAll(ctx); err != nil {
		return Summary{}, fmt.Errorf("clear previous analysis: %w", err)
	}

	report("resolving company identity")
	profile, err := p.extractor.ResolveCompany(ctx, req.Domain, HeuristicName(req.Domain))
	if err != nil {
		return Summary{}, err
	}
	profile.Competitors = mergeCompetitors(req.Competitors, profile.Competitors)
	if err := p.storage.SetAnalysisContext(ctx, store.AnalysisContext{
		Company:     profile.Name,
		Aliases:     profile.Aliases,
		Competitors: profile.Competitors,
	}); err != nil {
		return Summary{}, fmt.Errorf("record analysis context: %w", err)
	}

	report("discovering communities")
	aliasTerms := dedupeTerms(profile.Name, profile.Aliases)
	terms := aliasTerms
	if len(terms) > maxDiscoveryTerms {
		terms = terms[:maxDiscoveryTerms]
	}
	disc := discovery.New(p.api, discovery.Options{
		PageLimit:      p.cfg.DiscoveryPageLimit,
		MaxCommunities: p.cfg.TopCommunities,
		TimeFilter:     p.cfg.TimeFilter,
		Logger:         p.logger,
	})
	candidates, err := disc.Discover(ctx, terms, aliasTerms)
	if err != nil {
		return Summary{}, err
	}

	report("persisting communities")
	for _, cand := range candidates {
		err := p.storage.UpsertCommunity(ctx, store.Community{
			Name:          cand.Name,
			MentionCount:  cand.MentionCount,
			EngagementSum: cand.EngagementSum,
			Subscribers:   cand.Subscribers,
			ActiveUsers:   cand.ActiveUsers,
			Description:   cand.Description,
			Relevant:      cand.Relevant,
			Score:         cand.Score,
		})
		if err != nil {
			return Summary{}, fmt.Errorf("persist community %s: %w", cand.Name, err)
		}
	}

	report("gathering evidence")
	evidence, err := p.gatherEvidence(ctx, candidates, profile)
	if err != nil {
		return Summary{}, err
	}

	report("persisting evidence")
	for _, item := range evidence {
		if err := p.storage.AddEvidence(ctx, item); err != nil {
			return Summary{}, fmt.Errorf("persist evidence %s: %w", item.ID, err)
		}
	}

	// Every fetched item is persisted; only non-empty text goes to
	// extraction, capped at MaxSources.
	extractable := make([]store.Evidence, 0, len(evidence))
	for _, item := range evidence {
		if strings.TrimSpace(item.Text) == "" {
			continue
		}
		extractable = append(extractable, item)
	}
	if len(extractable) > p.cfg.MaxSources {
		extractable = extractable[:p.cfg.MaxSources]
	}

	report("extracting entities")
	entityCount, mentionCount, relationshipCount, err := p.extractAndResolve(ctx, profile, extractable)
	if err != nil {
		return Summary{}, err
	}

	summary := Summary{
		Company:       profile,
		Communities:   len(candidates),
		Evidence:      len(extractable),
		Entities:      entityCount,
		Mentions:      mentionCount,
		Relationships: relationshipCount,
	}
	report("complete")
	return summary, nil
}

// gatherEvidence pulls posts and their comments from the strongest
// communities. Everything fetched is returned; empty-text filtering and the
// MaxSources cap apply to the extraction set, not here.
func (p *Pipeline) gatherEvidence(ctx context.Context, candidates []discovery.Candidate, profile llm.CompanyProfile) ([]store.Evidence, error) {
	query := quotedQuery(profile)

	top := candidates
	if len(top) > evidenceCommunities {
		top = top[:evidenceCommunities]
	}

	var evidence []store.Evidence
	seen := make(map[string]bool)
	add := func(item store.Evidence) {
		if item.ID == "" || seen[item.ID] {
			return
		}
		seen[item.ID] = true
		evidence = append(evidence, item)
	}

	for _, community := range top {
		listing, err := p.api.CommunitySearchPosts(ctx, community.Name, reddit.SearchQuery{
			Query:      query,
			Sort:       "relevance",
			TimeFilter: p.cfg.TimeFilter,
			Limit:      p.cfg.PostsPerCommunity,
		})
		if err != nil {
			return nil, err
		}

		for _, child := range listing.Data.Children {
			post := child.Data
			text := strings.TrimSpace(strings.TrimSpace(post.Title) + "\n" + strings.TrimSpace(post.SelfText))
			add(store.Evidence{
				ID:          fullname("t3", post),
				Kind:        "post",
				Community:   community.Name,
				Author:      post.Author,
				Title:       post.Title,
				Text:        text,
				Permalink:   post.Permalink,
				CreatedUTC:  post.CreatedUTC,
				Score:       post.Score,
				NumComments: post.NumComments,
			})

			comments, err := p.comments(ctx, post, community.Name)
			if err != nil {
				return nil, err
			}
			for _, comment := range comments {
				add(comment)
			}
		}
	}
	return evidence, nil
}

// comments fetches up to the configured number of top-level comments for one
// post.
func (p *Pipeline) comments(ctx context.Context, post reddit.ThingData, community string) ([]store.Evidence, error) {
	listings, err := p.api.Comments(ctx, post.ID, reddit.CommentOptions{
		Limit: p.cfg.CommentsPerPost,
		Sort:  "top",
	})
	if err != nil {
		return nil, fmt.Errorf("comments for %s: %w", post.ID, err)
	}
	if len(listings) < 2 {
		return nil, nil
	}

	var out []store.Evidence
	for _, child := range listings[1].Data.Children {
		if child.Kind != "t1" {
			continue
		}
		if len(out) >= p.cfg.CommentsPerPost {
			break
		}
		comment := child.Data
		out = append(out, store.Evidence{
			ID:         fullname("t1", comment),
			Kind:       "comment",
			Community:  community,
			Author:     comment.Author,
			Text:       strings.TrimSpace(comment.Body),
			Permalink:  comment.Permalink,
			CreatedUTC: comment.CreatedUTC,
			Score:      comment.Score,
		})
	}
	return out, nil
}

// extractAndResolve batches evidence through the extraction collaborator and
// records mentions and relationships. A failed batch is skipped.
func (p *Pipeline) extractAndResolve(ctx context.Context, profile llm.CompanyProfile, evidence []store.Evidence) (entities, mentions, relationships int, err error) {
	res, err := resolver.New(ctx, p.storage)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("seed entity resolver: %w", err)
	}

	textByID := make(map[string]string, len(evidence))
	for _, item := range evidence {
		textByID[item.ID] = item.Text
	}

	resolved := make(map[string]bool)

	for start := 0; start < len(evidence); start += p.cfg.BatchSize {
		end := start + p.cfg.BatchSize
		if end > len(evidence) {
			end = len(evidence)
		}
		batch := make([]llm.EvidenceInput, 0, end-start)
		for _, item := range evidence[start:end] {
			batch = append(batch, llm.EvidenceInput{ID: item.ID, Text: truncate(item.Text, p.cfg.MaxEvidenceChars)})
		}

		results, err := p.extractor.ExtractBatch(ctx, profile.Name, profile.Aliases, batch)
		if err != nil {
			p.logger.Warn("extraction batch failed, skipping", zap.Int("start", start), zap.Error(err))
			metrics.ObserveExtractionBatch("failed")
			continue
		}
		metrics.ObserveExtractionBatch("ok")

		for _, result := range results {
			text, known := textByID[result.ID]
			if !known {
				p.logger.Debug("dropping result for unknown evidence id", zap.String("id", result.ID))
				continue
			}
			m, err := p.recordEntities(ctx, res, result, text, resolved)
			if err != nil {
				return 0, 0, 0, err
			}
			mentions += m

			r, err := p.recordRelationships(ctx, res, result, resolved)
			if err != nil {
				return 0, 0, 0, err
			}
			relationships += r
		}
	}
	return len(resolved), mentions, relationships, nil
}

func (p *Pipeline) recordEntities(ctx context.Context, res *resolver.Resolver, result llm.ItemResult, text string, resolved map[string]bool) (mentions int, err error) {
	for _, candidate := range result.Entities {
		if candidate.Name == "" || candidate.Confidence < p.cfg.ConfidenceThreshold {
			continue
		}
		entity, resolution, err := res.Resolve(ctx, candidate.Name, candidate.Type, candidate.Aliases)
		if err != nil {
			return 0, fmt.Errorf("resolve entity %q: %w", candidate.Name, err)
		}
		resolved[entity.ID] = true

		surface, snippet := surfaceForm(text, append([]string{candidate.Name}, candidate.Aliases...))
		if surface == "" {
			surface = candidate.Name
		}
		confidence := candidate.Confidence * resolution
		if confidence > 1.0 {
			confidence = 1.0
		}
		err = p.storage.AddMention(ctx, store.Mention{
			EntityID:    entity.ID,
			EvidenceID:  result.ID,
			SurfaceForm: surface,
			Snippet:     snippet,
			Confidence:  confidence,
		})
		if err != nil {
			return 0, fmt.Errorf("persist mention: %w", err)
		}
		mentions++
	}
	return mentions, nil
}

func (p *Pipeline) recordRelationships(ctx context.Context, res *resolver.Resolver, result llm.ItemResult, resolved map[string]bool) (int, error) {
	count := 0
	for _, candidate := range result.Relationships {
		if candidate.Subject == "" || candidate.Object == "" {
			continue
		}
		if candidate.Confidence < p.cfg.ConfidenceThreshold {
			continue
		}
		if !llm.IsRelationshipType(candidate.Type) {
			p.logger.Debug("dropping unknown relationship type", zap.String("type", candidate.Type))
			continue
		}

		subject, _, err := res.Resolve(ctx, candidate.Subject, "", nil)
		if err != nil {
			return 0, fmt.Errorf("resolve relationship subject %q: %w", candidate.Subject, err)
		}
		object, _, err := res.Resolve(ctx, candidate.Object, "", nil)
		if err != nil {
			return 0, fmt.Errorf("resolve relationship object %q: %w", candidate.Object, err)
		}
		resolved[subject.ID] = true
		resolved[object.ID] = true

		err = p.storage.AddRelationship(ctx, store.Relationship{
			SubjectID:  subject.ID,
			Type:       candidate.Type,
			ObjectID:   object.ID,
			Confidence: candidate.Confidence,
			EvidenceID: result.ID,
			Evidence:   candidate.Evidence,
		})
		if err != nil {
			return 0, fmt.Errorf("persist relationship: %w", err)
		}
		count++
	}
	return count, nil
}

// HeuristicName derives a starting company name guess from a domain:
// "acmewidgets.io" becomes "Acmewidgets".
func HeuristicName(domain string) string {
	domain = strings.TrimSpace(strings.ToLower(domain))
	domain = strings.TrimPrefix(domain, "https://")
	domain = strings.TrimPrefix(domain, "http://")
	domain = strings.TrimPrefix(domain, "www.")
	if i := strings.IndexAny(domain, "/"); i >= 0 {
		domain = domain[:i]
	}
	if i := strings.Index(domain, "."); i >= 0 {
		domain = domain[:i]
	}
	if domain == "" {
		return ""
	}
	runes := []rune(domain)
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}

// mergeCompetitors folds caller-supplied competitors (names or bare domains)
// together with the resolved profile's list. Domains become name guesses via
// HeuristicName; duplicates are dropped case-insensitively, caller entries
// first.
func mergeCompetitors(requested, resolved []string) []string {
	var out []string
	seen := make(map[string]bool)
	push := func(name string) {
		name = strings.TrimSpace(name)
		if name == "" {
			return
		}
		key := strings.ToLower(name)
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, name)
	}
	for _, raw := range requested {
		raw = strings.TrimSpace(raw)
		if strings.Contains(raw, ".") && !strings.ContainsAny(raw, " \t") {
			push(HeuristicName(raw))
			continue
		}
		push(raw)
	}
	for _, name := range resolved {
		push(name)
	}
	return out
}

// dedupeTerms merges the name and aliases case-insensitively, preserving
// listed order.
func dedupeTerms(name string, aliases []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, term := range append([]string{name}, aliases...) {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		key := strings.ToLower(term)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, term)
	}
	return out
}

// quotedQuery builds the community search query: the company name and up to
// four aliases, each quoted, joined with OR.
func quotedQuery(profile llm.CompanyProfile) string {
	terms := dedupeTerms(profile.Name, profile.Aliases)
	if len(terms) > maxQueryAliases+1 {
		terms = terms[:maxQueryAliases+1]
	}
	quoted := make([]string, 0, len(terms))
	for _, term := range terms {
		quoted = append(quoted, `"`+term+`"`)
	}
	return strings.Join(quoted, " OR ")
}

// surfaceForm finds the first variant present case-insensitively in the
// text, returning it and a snippet window around the match.
func surfaceForm(text string, variants []string) (string, string) {
	lower := strings.ToLower(text)
	for _, variant := range variants {
		v := strings.TrimSpace(variant)
		if v == "" {
			continue
		}
		idx := strings.Index(lower, strings.ToLower(v))
		if idx < 0 {
			continue
		}
		start := idx - snippetRadius
		if start < 0 {
			start = 0
		}
		end := idx + len(v) + snippetRadius
		if end > len(text) {
			end = len(text)
		}
		return text[idx : idx+len(v)], text[start:end]
	}
	return "", ""
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func fullname(kind string, thing reddit.ThingData) string {
	if thing.Name != "" {
		return thing.Name
	}
	if thing.ID == "" {
		return ""
	}
	return kind + "_" + thing.ID
}
