// Package extract pulls structured text out of related papers' PDFs through
// a GROBID instance. Downloads fall back through a ladder of strategies
// (direct, browser user agent, derived alternative URLs); extraction retries
// the service's overload responses and gives up fast on corrupt input. Papers
// without a PDF still contribute their metadata to validation context.
package extract

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"regexp"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/hyperifyio/gapanalyzer/internal/search"
)

// minPDFBytes rejects error pages served with a 200: anything smaller is not
// a plausible PDF.
const minPDFBytes = 1000

// browserUserAgent is presented when a direct download is refused.
const browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"

// Section is one titled body section of an extracted paper.
type Section struct {
	Title   string
	Content string
}

// Content is the structured text pulled from one paper.
type Content struct {
	Title      string
	Abstract   string
	Sections   []Section
	Methods    string
	Results    string
	Conclusion string
	Success    bool
	Err        string
}

// Client talks to a GROBID service.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	UserAgent  string

	// BatchSize papers are processed per serial batch. Default 3.
	BatchSize int
	// BatchPause separates consecutive batches. Default 3s.
	BatchPause time.Duration
	// MaxConcurrent bounds in-flight extractions inside a batch. Default 2.
	MaxConcurrent int

	sem *semaphore.Weighted

	// sleep is overridable for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 5 * time.Minute}
}

func (c *Client) batchSize() int {
	if c.BatchSize <= 0 {
		return 3
	}
	return c.BatchSize
}

func (c *Client) batchPause() time.Duration {
	if c.BatchPause <= 0 {
		return 3 * time.Second
	}
	return c.BatchPause
}

func (c *Client) semaphore() *semaphore.Weighted {
	if c.sem == nil {
		n := c.MaxConcurrent
		if n <= 0 {
			n = 2
		}
		c.sem = semaphore.NewWeighted(int64(n))
	}
	return c.sem
}

func (c *Client) doSleep(ctx context.Context, d time.Duration) error {
	if c.sleep != nil {
		return c.sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// IsAlive probes the service's health endpoint.
func (c *Client) IsAlive(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/api/isalive", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("extraction service status: %d", resp.StatusCode)
	}
	return nil
}

// ExtractBatch processes papers in serial batches with a pause in between;
// inside a batch, extractions run concurrently but bounded. Results keep the
// input order.
func (c *Client) ExtractBatch(ctx context.Context, papers []search.Result) []Content {
	log.Info().Int("papers", len(papers)).Msg("starting batch extraction")
	out := make([]Content, len(papers))
	size := c.batchSize()
	sem := c.semaphore()

	for start := 0; start < len(papers); start += size {
		end := start + size
		if end > len(papers) {
			end = len(papers)
		}
		done := make(chan struct{})
		for i := start; i < end; i++ {
			go func(i int, paper search.Result) {
				defer func() { done <- struct{}{} }()
				if paper.PDFURL == "" {
					out[i] = metadataOnly(paper)
					return
				}
				if err := sem.Acquire(ctx, 1); err != nil {
					out[i] = Content{Title: paper.Title, Err: err.Error()}
					return
				}
				defer sem.Release(1)
				out[i] = c.ExtractFromURL(ctx, paper.PDFURL)
			}(i, papers[i])
		}
		for i := start; i < end; i++ {
			<-done
		}

		if end < len(papers) {
			log.Debug().Dur("pause", c.batchPause()).Msg("pausing before next extraction batch")
			if err := c.doSleep(ctx, c.batchPause()); err != nil {
				for i := end; i < len(papers); i++ {
					out[i] = Content{Title: papers[i].Title, Err: err.Error()}
				}
				break
			}
		}
	}

	successful := 0
	for _, r := range out {
		if r.Success {
			successful++
		}
	}
	log.Info().Int("successful", successful).Int("total", len(papers)).Msg("batch extraction completed")
	return out
}

// ExtractFromURL downloads the PDF and runs it through the service.
func (c *Client) ExtractFromURL(ctx context.Context, pdfURL string) Content {
	pdf, err := c.download(ctx, pdfURL)
	if err != nil {
		log.Warn().Err(err).Str("url", pdfURL).Msg("pdf download failed")
		return Content{Err: fmt.Sprintf("download failed: %v", err)}
	}
	return c.extractBytes(ctx, pdf)
}

// download tries the URL directly, then with a browser user agent, then any
// alternative URLs derivable from known repository patterns.
func (c *Client) download(ctx context.Context, pdfURL string) ([]byte, error) {
	body, err := c.get(ctx, pdfURL, c.UserAgent)
	if err == nil {
		return body, nil
	}
	log.Debug().Err(err).Str("url", pdfURL).Msg("direct download failed, retrying with browser user agent")
	body, uaErr := c.get(ctx, pdfURL, browserUserAgent)
	if uaErr == nil {
		return body, nil
	}
	for _, alt := range alternativeURLs(pdfURL) {
		log.Debug().Str("url", alt).Msg("trying alternative download url")
		if body, altErr := c.get(ctx, alt, browserUserAgent); altErr == nil {
			return body, nil
		}
	}
	return nil, err
}

func (c *Client) get(ctx context.Context, url, userAgent string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download status: %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(body) < minPDFBytes {
		return nil, fmt.Errorf("downloaded file too small (%d bytes), likely an error page", len(body))
	}
	return body, nil
}

var (
	arxivAbsPattern = regexp.MustCompile(`arxiv\.org/abs/(\d+\.\d+)`)
	pmcPattern      = regexp.MustCompile(`pmc/articles/(PMC\d+)`)
)

// alternativeURLs derives candidate PDF locations from known repository
// page-URL shapes.
func alternativeURLs(url string) []string {
	if m := arxivAbsPattern.FindStringSubmatch(url); m != nil {
		return []string{
			"https://arxiv.org/pdf/" + m[1] + ".pdf",
			"https://arxiv.org/e-print/" + m[1],
		}
	}
	if m := pmcPattern.FindStringSubmatch(url); m != nil {
		return []string{
			"https://www.ncbi.nlm.nih.gov/pmc/articles/" + m[1] + "/pdf/",
			"https://europepmc.org/articles/" + m[1] + "?pdf=render",
		}
	}
	return nil
}

// extractBytes posts the PDF to the service. 503 backs off 5s/10s/20s across
// three attempts; 500 means corrupt input and fails immediately.
func (c *Client) extractBytes(ctx context.Context, pdf []byte) Content {
	if len(pdf) < minPDFBytes {
		return Content{Err: fmt.Sprintf("pdf too small (%d bytes), likely invalid", len(pdf))}
	}

	const maxAttempts = 3
	for attempt := 0; attempt < maxAttempts; attempt++ {
		status, body, err := c.postPDF(ctx, pdf)
		if err != nil {
			if attempt < maxAttempts-1 {
				wait := time.Duration(1<<attempt) * 2 * time.Second
				log.Warn().Err(err).Dur("wait", wait).Msg("extraction call failed, retrying")
				if c.doSleep(ctx, wait) != nil {
					break
				}
				continue
			}
			break
		}
		switch {
		case status == http.StatusOK:
			return parseTEI(body)
		case status == http.StatusServiceUnavailable:
			wait := time.Duration(1<<attempt) * 5 * time.Second
			log.Warn().Dur("wait", wait).Int("attempt", attempt+1).Msg("extraction service unavailable (503)")
			if c.doSleep(ctx, wait) != nil {
				return Content{Err: "extraction cancelled during backoff"}
			}
		case status == http.StatusInternalServerError:
			return Content{Err: "extraction service internal error - pdf may be corrupted"}
		default:
			return Content{Err: fmt.Sprintf("extraction service error: %d", status)}
		}
	}
	return Content{Err: "extraction failed after all retry attempts"}
}

func (c *Client) postPDF(ctx context.Context, pdf []byte) (int, []byte, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("input", "document.pdf")
	if err != nil {
		return 0, nil, err
	}
	if _, err := part.Write(pdf); err != nil {
		return 0, nil, err
	}
	_ = w.WriteField("consolidateHeader", "1")
	_ = w.WriteField("consolidateCitations", "0")
	if err := w.Close(); err != nil {
		return 0, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/processFulltextDocument", &buf)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read extraction response: %w", err)
	}
	return resp.StatusCode, body, nil
}

// metadataOnly builds validation context from search metadata when no PDF is
// available; it is marked successful so the paper still counts.
func metadataOnly(paper search.Result) Content {
	var sections []Section
	if paper.Abstract != "" {
		sections = append(sections, Section{Title: "Abstract", Content: paper.Abstract})
	}
	return Content{
		Title:    paper.Title,
		Abstract: paper.Abstract,
		Sections: sections,
		Success:  true,
	}
}
