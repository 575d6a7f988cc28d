package search

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

const atomFixture = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <entry>
    <id>http://arxiv.org/abs/2101.00001</id>
    <title>Deep learning
      for protein folding</title>
    <summary> Predicting structures with neural networks. </summary>
    <published>2021-01-04T18:00:00Z</published>
    <link href="http://arxiv.org/abs/2101.00001" rel="alternate" type="text/html"/>
    <link href="http://arxiv.org/pdf/2101.00001" rel="related" type="application/pdf" title="pdf"/>
    <author><name>A. Researcher</name></author>
    <author><name>B. Scientist</name></author>
  </entry>
  <entry>
    <id>http://arxiv.org/abs/2101.00002</id>
    <title>Untitled follow-up</title>
    <summary>Second entry without a pdf link.</summary>
    <published>2021-02-01T00:00:00Z</published>
  </entry>
</feed>`

func TestArxivSearch_ParsesFeed(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("search_query")
		w.Header().Set("Content-Type", "application/atom+xml")
		_, _ = w.Write([]byte(atomFixture))
	}))
	defer srv.Close()

	a := &Arxiv{BaseURL: srv.URL, UserAgent: "gapanalyzer-test"}
	results, err := a.Search(context.Background(), "Protein Folding", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotQuery != "all:protein folding" {
		t.Fatalf("unexpected search_query: %q", gotQuery)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}

	first := results[0]
	if first.Title != "Deep learning for protein folding" {
		t.Fatalf("title whitespace not normalized: %q", first.Title)
	}
	if first.PDFURL != "http://arxiv.org/pdf/2101.00001" {
		t.Fatalf("pdf link not picked up: %q", first.PDFURL)
	}
	if first.PublicationDate != "2021-01-04" {
		t.Fatalf("publication date not truncated: %q", first.PublicationDate)
	}
	if len(first.Authors) != 2 || first.Authors[0] != "A. Researcher" {
		t.Fatalf("authors not parsed: %v", first.Authors)
	}
	if first.Venue != "arXiv" {
		t.Fatalf("unexpected venue: %q", first.Venue)
	}
	if results[1].PDFURL != "" {
		t.Fatalf("second entry should have no pdf url")
	}
}

func TestArxivSearch_Non2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	a := &Arxiv{BaseURL: srv.URL}
	if _, err := a.Search(context.Background(), "x", 5); err == nil {
		t.Fatalf("expected error on 502")
	}
}

func TestArxivSearch_RespectsLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(atomFixture))
	}))
	defer srv.Close()

	a := &Arxiv{BaseURL: srv.URL}
	results, err := a.Search(context.Background(), "x", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected limit of 1 to hold, got %d", len(results))
	}
}
