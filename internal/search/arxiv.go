package search

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hyperifyio/gapanalyzer/internal/limit"
)

// Arxiv implements Provider against the arXiv Atom query API.
type Arxiv struct {
	BaseURL    string // e.g. https://export.arxiv.org/api/query
	HTTPClient *http.Client
	UserAgent  string // optional custom UA
	Limiter    *limit.Limiter
}

func (a *Arxiv) Name() string { return "arxiv" }

func (a *Arxiv) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	if a.BaseURL == "" {
		return nil, fmt.Errorf("missing arxiv base url")
	}
	if limit <= 0 {
		limit = 10
	}
	if a.Limiter != nil {
		if err := a.Limiter.Acquire(ctx); err != nil {
			return nil, err
		}
	}

	u, err := url.Parse(a.BaseURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("search_query", "all:"+strings.ToLower(strings.TrimSpace(query)))
	q.Set("start", "0")
	q.Set("max_results", fmt.Sprintf("%d", limit))
	q.Set("sortBy", "relevance")
	q.Set("sortOrder", "descending")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if a.UserAgent != "" {
		req.Header.Set("User-Agent", a.UserAgent)
	}
	hc := a.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("arxiv status: %d", resp.StatusCode)
	}

	var feed atomFeed
	if err := xml.NewDecoder(resp.Body).Decode(&feed); err != nil {
		return nil, fmt.Errorf("parse arxiv feed: %w", err)
	}

	out := make([]Result, 0, len(feed.Entries))
	for _, e := range feed.Entries {
		title := strings.Join(strings.Fields(e.Title), " ")
		if title == "" {
			continue
		}
		r := Result{
			Title:    title,
			Abstract: strings.TrimSpace(e.Summary),
			URL:      strings.TrimSpace(e.ID),
			DOI:      strings.TrimSpace(e.DOI),
			Venue:    "arXiv",
		}
		if len(e.Published) >= 10 {
			r.PublicationDate = e.Published[:10]
		}
		for _, l := range e.Links {
			if l.Type == "application/pdf" || l.Title == "pdf" {
				r.PDFURL = l.Href
			}
		}
		for _, au := range e.Authors {
			if name := strings.TrimSpace(au.Name); name != "" {
				r.Authors = append(r.Authors, name)
			}
		}
		out = append(out, r)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

type atomFeed struct {
	XMLName xml.Name    `xml:"feed"`
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	ID        string `xml:"id"`
	Title     string `xml:"title"`
	Summary   string `xml:"summary"`
	Published string `xml:"published"`
	DOI       string `xml:"doi"`
	Links     []struct {
		Href  string `xml:"href,attr"`
		Type  string `xml:"type,attr"`
		Title string `xml:"title,attr"`
	} `xml:"link"`
	Authors []struct {
		Name string `xml:"name"`
	} `xml:"author"`
}
