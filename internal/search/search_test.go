package search

import (
	"context"
	"errors"
	"testing"
)

// scriptedProvider maps queries to canned results and records the queries it
// was asked.
type scriptedProvider struct {
	results map[string][]Result
	err     error
	queries []string
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	p.queries = append(p.queries, query)
	if p.err != nil {
		return nil, p.err
	}
	return p.results[query], nil
}

func TestSearchPapers_OriginalQueryWins(t *testing.T) {
	p := &scriptedProvider{results: map[string][]Result{
		"graph neural networks": {{Title: "GNN survey"}},
	}}
	c := &Client{Provider: p, RetryBaseDelay: 1}

	got := c.SearchPapers(context.Background(), "graph neural networks", 5)
	if len(got) != 1 || got[0].Title != "GNN survey" {
		t.Fatalf("unexpected results: %v", got)
	}
	if len(p.queries) != 1 {
		t.Fatalf("expected no degradation, got queries %v", p.queries)
	}
}

func TestSearchPapers_DegradesToTwoThenOneWord(t *testing.T) {
	p := &scriptedProvider{results: map[string][]Result{
		"quantum": {{Title: "Quantum computing intro"}},
	}}
	c := &Client{Provider: p, RetryBaseDelay: 1}

	got := c.SearchPapers(context.Background(), "quantum error correction hardware", 5)
	if len(got) != 1 {
		t.Fatalf("expected the single-word fallback to find results, got %v", got)
	}
	want := []string{"quantum error correction hardware", "quantum error", "quantum"}
	if len(p.queries) != len(want) {
		t.Fatalf("expected queries %v, got %v", want, p.queries)
	}
	for i := range want {
		if p.queries[i] != want[i] {
			t.Fatalf("query %d: expected %q, got %q", i, want[i], p.queries[i])
		}
	}
}

func TestSearchPapers_PermanentFailureReturnsEmpty(t *testing.T) {
	p := &scriptedProvider{err: errors.New("service down")}
	c := &Client{Provider: p, MaxAttempts: 2, RetryBaseDelay: 1}

	got := c.SearchPapers(context.Background(), "anything at all", 5)
	if len(got) != 0 {
		t.Fatalf("expected empty results, got %v", got)
	}
}

func TestSearchPapers_CapsResults(t *testing.T) {
	p := &scriptedProvider{results: map[string][]Result{
		"topic": {
			{Title: "completely different paper one"},
			{Title: "another unrelated study two"},
			{Title: "a third distinct article"},
		},
	}}
	c := &Client{Provider: p, RetryBaseDelay: 1}

	got := c.SearchPapers(context.Background(), "topic", 2)
	if len(got) != 2 {
		t.Fatalf("expected 2 results after cap, got %d", len(got))
	}
}

func TestDedupe_TrailingPunctuationVariant(t *testing.T) {
	results := []Result{
		{Title: "A comprehensive survey of deep learning methods for natural language processing"},
		{Title: "A comprehensive survey of deep learning methods for natural language processing."},
		{Title: "Reinforcement learning for robotics"},
	}
	unique := dedupe(results)
	if len(unique) != 2 {
		t.Fatalf("expected punctuation variant suppressed, got %d results", len(unique))
	}
	if unique[0].Title != results[0].Title {
		t.Fatalf("first-seen result must win")
	}
}

func TestJaccard(t *testing.T) {
	cases := []struct {
		a, b string
		want float64
	}{
		{"deep learning", "deep learning", 1},
		{"deep learning", "shallow parsing", 0},
		{"", "anything", 0},
		{"a b c d", "a b c e", 0.6},
	}
	for _, tc := range cases {
		if got := jaccard(tc.a, tc.b); got != tc.want {
			t.Fatalf("jaccard(%q, %q) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}
