// Package llm wraps an OpenAI-compatible endpoint for company resolution and
// entity/relationship extraction.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// RelationshipTypes is the closed set of accepted relationship labels.
// Anything outside it is dropped at the pipeline boundary.
var RelationshipTypes = []string{
	"founder",
	"ceo",
	"employee",
	"investor",
	"competitor",
	"parentCompany",
	"subsidiary",
	"partner",
	"acquiredBy",
	"boardMember",
	"advisor",
	"alumniOf",
	"affiliation",
	"critic",
}

// IsRelationshipType reports whether t is in the closed enumeration.
func IsRelationshipType(t string) bool {
	for _, known := range RelationshipTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ExtractionError marks a failed extraction call. The pipeline skips the
// affected batch and continues.
type ExtractionError struct {
	Reason string
	Err    error
}

func (e *ExtractionError) Error() string {
	if e.Err != nil {
		return "extraction: " + e.Reason + ": " + e.Err.Error()
	}
	return "extraction: " + e.Reason
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// CompanyProfile is the resolved identity of the analyzed company.
type CompanyProfile struct {
	Name        string   `json:"name"`
	Aliases     []string `json:"aliases"`
	Competitors []string `json:"competitors,omitempty"`
}

// CandidateEntity is one extracted entity before resolution.
type CandidateEntity struct {
	Name       string   `json:"name"`
	Aliases    []string `json:"aliases,omitempty"`
	Type       string   `json:"type,omitempty"`
	Confidence float64  `json:"confidence"`
}

// CandidateRelationship is one extracted relationship before resolution.
type CandidateRelationship struct {
	Subject    string  `json:"subject"`
	Type       string  `json:"type"`
	Object     string  `json:"object"`
	Confidence float64 `json:"confidence"`
	Evidence   string  `json:"evidence,omitempty"`
}

// EvidenceInput is one truncated text source sent for extraction.
type EvidenceInput struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// ItemResult groups the candidates extracted from one evidence item.
type ItemResult struct {
	ID            string                  `json:"id"`
	Entities      []CandidateEntity       `json:"entities"`
	Relationships []CandidateRelationship `json:"relationships"`
}

// Config holds configuration for creating an extraction client.
type Config struct {
	APIKey      string
	BaseURL     string // Optional; defaults to the public OpenAI endpoint.
	Model       string
	Temperature float64
}

// Client performs both collaborator roles: company resolution and batch
// extraction.
type Client struct {
	client      *openai.Client
	model       string
	temperature float32
	logger      *zap.Logger
}

// New creates an extraction client.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}

	return &Client{
		client:      openai.NewClientWithConfig(clientConfig),
		model:       cfg.Model,
		temperature: float32(cfg.Temperature),
		logger:      logger.Named("llm"),
	}, nil
}

func (c *Client) complete(ctx context.Context, system, prompt string) (string, error) {
	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: c.temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}
	c.logger.Debug("llm request completed",
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens),
		zap.Duration("elapsed", time.Since(start)))
	return resp.Choices[0].Message.Content, nil
}

// ResolveCompany maps a domain plus a heuristic name hint to a company
// profile with aliases.
func (c *Client) ResolveCompany(ctx context.Context, domain, hintName string) (CompanyProfile, error) {
	system := "You identify companies from their web domain. Respond with a single JSON object " +
		`of the form {"name": string, "aliases": [string], "competitors": [string]}. ` +
		"Aliases are short name variants people use in casual discussion. No prose."
	prompt := fmt.Sprintf("Domain: %s\nLikely name: %s", domain, hintName)

	content, err := c.complete(ctx, system, prompt)
	if err != nil {
		return CompanyProfile{}, fmt.Errorf("resolve company: %w", err)
	}
	payload, err := ExtractJSONObject(content)
	if err != nil {
		return CompanyProfile{}, fmt.Errorf("resolve company: %w", err)
	}
	var profile CompanyProfile
	if err := json.Unmarshal([]byte(payload), &profile); err != nil {
		return CompanyProfile{}, fmt.Errorf("resolve company: decode profile: %w", err)
	}
	if profile.Name == "" {
		profile.Name = hintName
	}
	if len(profile.Aliases) == 0 {
		profile.Aliases = []string{profile.Name}
	}
	return profile, nil
}

// ExtractBatch runs entity and relationship extraction over one batch of
// evidence. Every failure mode is reported as an ExtractionError.
func (c *Client) ExtractBatch(ctx context.Context, company string, aliases []string, batch []EvidenceInput) ([]ItemResult, error) {
	if len(batch) == 0 {
		return nil, nil
	}

	inputJSON, err := json.Marshal(batch)
	if err != nil {
		return nil, &ExtractionError{Reason: "encode batch", Err: err}
	}

	system := fmt.Sprintf(
		"You extract entities and relationships about the company %q (also known as: %s) from community discussion text. "+
			`Respond with a single JSON object {"results": [{"id": string, "entities": [{"name": string, "aliases": [string], "type": string, "confidence": number}], `+
			`"relationships": [{"subject": string, "type": string, "object": string, "confidence": number, "evidence": string}]}]}. `+
			"Relationship type must be one of: %s. Confidence is in [0,1]. No prose.",
		company, strings.Join(aliases, ", "), strings.Join(RelationshipTypes, ", "))

	content, err := c.complete(ctx, system, string(inputJSON))
	if err != nil {
		return nil, &ExtractionError{Reason: "completion failed", Err: err}
	}

	payload, err := ExtractJSONObject(content)
	if err != nil {
		return nil, &ExtractionError{Reason: "no JSON object in response", Err: err}
	}

	var decoded struct {
		Results []ItemResult `json:"results"`
	}
	if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
		return nil, &ExtractionError{Reason: "decode results", Err: err}
	}
	return decoded.Results, nil
}

// ExtractJSONObject pulls the first-to-last-brace span out of free-form
// text. A brace inside a string value can corrupt the span; accepted as a
// known limitation of this heuristic.
func ExtractJSONObject(text string) (string, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "", fmt.Errorf("no JSON object found in text")
	}
	return text[start : end+1], nil
}
