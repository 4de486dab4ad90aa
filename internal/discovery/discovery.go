// Package discovery finds and ranks the communities where a company is
// discussed.
package discovery

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/socialintel/engine/internal/reddit"
)

const (
	maxSearchTerms = 3

	weightMentions    = 0.35
	weightEngagement  = 0.30
	weightSubscribers = 0.20
	weightRelevance   = 0.15
)

// Candidate accumulates per-community statistics during discovery and
// carries the final composite score.
type Candidate struct {
	Name            string
	MentionCount    int
	EngagementSum   int
	EngagementCount int
	Subscribers     int
	ActiveUsers     int
	Description     string
	Relevant        bool
	Score           float64
}

// AvgEngagement is the mean of score+comments across the community's
// matched posts.
func (c *Candidate) AvgEngagement() float64 {
	if c.EngagementCount == 0 {
		return 0
	}
	return float64(c.EngagementSum) / float64(c.EngagementCount)
}

// Options bounds the discovery crawl.
type Options struct {
	PageLimit      int
	PageSize       int
	MaxCommunities int
	TimeFilter     string
	Logger         *zap.Logger
}

// Discoverer pages through keyword search and aggregates results by
// community.
type Discoverer struct {
	api    reddit.API
	opts   Options
	logger *zap.Logger
}

// New builds a Discoverer over the given fetch client.
func New(api reddit.API, opts Options) *Discoverer {
	if opts.PageLimit <= 0 {
		opts.PageLimit = 2
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	if opts.MaxCommunities <= 0 {
		opts.MaxCommunities = 20
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Discoverer{api: api, opts: opts, logger: opts.Logger}
}

// Discover searches for up to three seed terms, aggregates matched posts by
// community, enriches the strongest candidates with community metadata, and
// scores them. aliasTerms drive the topic-relevance check against community
// descriptions.
func (d *Discoverer) Discover(ctx context.Context, terms, aliasTerms []string) ([]Candidate, error) {
	if len(terms) > maxSearchTerms {
		terms = terms[:maxSearchTerms]
	}

	seenPosts := make(map[string]bool)
	byName := make(map[string]*Candidate)
	var order []string

	for _, term := range terms {
		if err := d.searchTerm(ctx, term, seenPosts, byName, &order); err != nil {
			return nil, err
		}
	}

	candidates := make([]Candidate, 0, len(order))
	for _, name := range order {
		candidates = append(candidates, *byName[name])
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].MentionCount != candidates[j].MentionCount {
			return candidates[i].MentionCount > candidates[j].MentionCount
		}
		return candidates[i].EngagementSum > candidates[j].EngagementSum
	})
	if len(candidates) > d.opts.MaxCommunities {
		candidates = candidates[:d.opts.MaxCommunities]
	}

	if err := d.enrich(ctx, candidates, aliasTerms); err != nil {
		return nil, err
	}
	Score(candidates)

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})
	d.logger.Debug("discovery complete", zap.Int("communities", len(candidates)))
	return candidates, nil
}

// searchTerm pages through one term's search results, following pagination
// cursors and stopping early when a page comes back empty.
func (d *Discoverer) searchTerm(ctx context.Context, term string, seenPosts map[string]bool, byName map[string]*Candidate, order *[]string) error {
	after := ""
	for page := 0; page < d.opts.PageLimit; page++ {
		listing, err := d.api.SearchPosts(ctx, reddit.SearchQuery{
			Query:      term,
			Sort:       "relevance",
			TimeFilter: d.opts.TimeFilter,
			Limit:      d.opts.PageSize,
			After:      after,
		})
		if err != nil {
			return err
		}
		if len(listing.Data.Children) == 0 {
			return nil
		}
		for _, child := range listing.Data.Children {
			post := child.Data
			if post.ID == "" || seenPosts[post.ID] {
				continue
			}
			seenPosts[post.ID] = true
			if post.Subreddit == "" {
				continue
			}
			cand, ok := byName[post.Subreddit]
			if !ok {
				cand = &Candidate{Name: post.Subreddit}
				byName[post.Subreddit] = cand
				*order = append(*order, post.Subreddit)
			}
			cand.MentionCount++
			cand.EngagementSum += post.Score + post.NumComments
			cand.EngagementCount++
		}
		after = listing.Data.After
		if after == "" {
			return nil
		}
	}
	return nil
}

// enrich fetches metadata for each retained candidate.
func (d *Discoverer) enrich(ctx context.Context, candidates []Candidate, aliasTerms []string) error {
	for i := range candidates {
		about, err := d.api.CommunityAbout(ctx, candidates[i].Name)
		if err != nil {
			return fmt.Errorf("community metadata for %s: %w", candidates[i].Name, err)
		}
		candidates[i].Subscribers = about.Data.Subscribers
		candidates[i].ActiveUsers = about.Data.ActiveUserCount
		candidates[i].Description = about.Data.PublicDescription
		candidates[i].Relevant = descriptionMentions(about.Data.PublicDescription, aliasTerms)
	}
	return nil
}

// descriptionMentions reports whether any alias term of length >= 3 appears
// case-insensitively in the description.
func descriptionMentions(description string, aliasTerms []string) bool {
	desc := strings.ToLower(description)
	for _, term := range aliasTerms {
		term = strings.ToLower(strings.TrimSpace(term))
		if len(term) < 3 {
			continue
		}
		if strings.Contains(desc, term) {
			return true
		}
	}
	return false
}

// Score assigns each candidate a composite score in place: min-max
// normalized mentions and average engagement, log-scale normalized
// subscribers against the pool maximum, and a 0/1 relevance signal.
func Score(candidates []Candidate) {
	if len(candidates) == 0 {
		return
	}

	minMentions, maxMentions := candidates[0].MentionCount, candidates[0].MentionCount
	minEng, maxEng := candidates[0].AvgEngagement(), candidates[0].AvgEngagement()
	maxSubs := 0
	for i := range candidates {
		c := &candidates[i]
		if c.MentionCount < minMentions {
			minMentions = c.MentionCount
		}
		if c.MentionCount > maxMentions {
			maxMentions = c.MentionCount
		}
		eng := c.AvgEngagement()
		if eng < minEng {
			minEng = eng
		}
		if eng > maxEng {
			maxEng = eng
		}
		if c.Subscribers > maxSubs {
			maxSubs = c.Subscribers
		}
	}

	for i := range candidates {
		c := &candidates[i]
		mentionNorm := minMaxNorm(float64(c.MentionCount), float64(minMentions), float64(maxMentions))
		engNorm := minMaxNorm(c.AvgEngagement(), minEng, maxEng)
		subNorm := logNorm(c.Subscribers, maxSubs)
		relevance := 0.0
		if c.Relevant {
			relevance = 1.0
		}
		c.Score = weightMentions*mentionNorm +
			weightEngagement*engNorm +
			weightSubscribers*subNorm +
			weightRelevance*relevance
	}
}

// minMaxNorm maps v into [0,1]; a degenerate dimension yields 0.5.
func minMaxNorm(v, min, max float64) float64 {
	if max == min {
		return 0.5
	}
	return (v - min) / (max - min)
}

// logNorm scales log10(v) against log10(max), 0 if either operand is not
// positive.
func logNorm(v, max int) float64 {
	if v <= 0 || max <= 0 {
		return 0
	}
	logMax := math.Log10(float64(max))
	if logMax <= 0 {
		return 0
	}
	n := math.Log10(float64(v)) / logMax
	if n < 0 {
		return 0
	}
	if n > 1 {
		return 1
	}
	return n
}
