// Package search finds related academic papers for gap validation. A
// Provider speaks to one upstream search API; the Client layers query
// degradation and duplicate suppression on top and never fails the caller: a
// broken upstream yields an empty result set.
package search

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hyperifyio/gapanalyzer/internal/retry"
)

// Result is a single paper found by a provider.
type Result struct {
	Title           string
	Abstract        string
	DOI             string
	URL             string
	PDFURL          string
	PublicationDate string
	Authors         []string
	Venue           string
}

// Provider abstracts a single search backend.
type Provider interface {
	Name() string
	Search(ctx context.Context, query string, limit int) ([]Result, error)
}

// dedupeThreshold is the Jaccard title similarity above which two results are
// considered the same paper.
const dedupeThreshold = 0.8

// Client wraps a Provider with fallback query strategies and deduplication.
type Client struct {
	Provider Provider

	// MaxAttempts per upstream call including the first. Default 3.
	MaxAttempts int
	// RetryBaseDelay seeds the per-call retry backoff. Default 1s.
	RetryBaseDelay time.Duration
}

// SearchPapers runs the query, degrading to the first two words and then the
// first word when nothing matches, deduplicates by title similarity, and
// returns at most maxResults. Permanent upstream failures produce an empty
// list, never an error.
func (c *Client) SearchPapers(ctx context.Context, query string, maxResults int) []Result {
	if maxResults <= 0 {
		maxResults = 5
	}
	log.Info().Str("query", query).Int("max", maxResults).Msg("starting paper search")

	results := c.searchOnce(ctx, query, maxResults)
	if len(results) == 0 {
		words := strings.Fields(query)
		if len(words) > 2 {
			fallback := strings.Join(words[:2], " ")
			log.Info().Str("query", fallback).Msg("no results, degrading to two-word query")
			results = c.searchOnce(ctx, fallback, maxResults)
		}
		if len(results) == 0 && len(words) > 1 {
			log.Info().Str("query", words[0]).Msg("no results, degrading to single-word query")
			results = c.searchOnce(ctx, words[0], maxResults)
		}
	}

	unique := dedupe(results)
	log.Info().Int("total", len(results)).Int("unique", len(unique)).Msg("paper search completed")
	if len(unique) > maxResults {
		unique = unique[:maxResults]
	}
	return unique
}

func (c *Client) searchOnce(ctx context.Context, query string, limit int) []Result {
	var out []Result
	opts := retry.Options{MaxAttempts: c.MaxAttempts, BaseDelay: c.RetryBaseDelay}
	err := retry.Do(ctx, opts, func(ctx context.Context) error {
		results, err := c.Provider.Search(ctx, query, limit)
		if err != nil {
			return err
		}
		out = results
		return nil
	})
	if err != nil {
		log.Warn().Err(err).Str("query", query).Msg("search failed, returning no results")
		return nil
	}
	return out
}

// dedupe keeps the first-seen result of every similar-title cluster.
func dedupe(results []Result) []Result {
	if len(results) == 0 {
		return nil
	}
	unique := results[:1]
	for _, r := range results[1:] {
		duplicate := false
		for _, u := range unique {
			if jaccard(r.Title, u.Title) > dedupeThreshold {
				duplicate = true
				break
			}
		}
		if !duplicate {
			unique = append(unique, r)
		}
	}
	return unique
}

// jaccard computes token-set similarity over lowercased whitespace splits.
func jaccard(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	setA := tokenSet(a)
	setB := tokenSet(b)
	var intersection int
	for tok := range setA {
		if _, ok := setB[tok]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func tokenSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		set[tok] = struct{}{}
	}
	return set
}
