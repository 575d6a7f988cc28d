package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/hyperifyio/gapanalyzer/internal/llm"
)

// LoadPaper joins the paper's metadata with its persisted extraction:
// sections with ordered paragraphs, figure captions, and table captions. The
// extraction tables are owned by another service; this worker only reads
// them. A missing extraction yields empty content, not an error.
func (sess *Session) LoadPaper(ctx context.Context, paperID, extractionID uuid.UUID) (llm.PaperData, llm.SourceContent, error) {
	var paper llm.PaperData
	var title, abstract, doi, pubDate *string
	err := sess.conn.QueryRow(ctx,
		`SELECT title, abstract_text, doi, publication_date::text FROM papers WHERE id = $1`,
		paperID).Scan(&title, &abstract, &doi, &pubDate)
	if errors.Is(err, pgx.ErrNoRows) {
		return llm.PaperData{}, llm.SourceContent{}, ErrPaperNotFound
	}
	if err != nil {
		return llm.PaperData{}, llm.SourceContent{}, fmt.Errorf("load paper: %w", err)
	}
	paper.Title = deref(title)
	paper.Abstract = deref(abstract)
	paper.DOI = deref(doi)
	paper.PublicationDate = deref(pubDate)

	var exists bool
	if err := sess.conn.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM paper_extractions WHERE id = $1)`,
		extractionID).Scan(&exists); err != nil {
		return paper, llm.SourceContent{}, fmt.Errorf("load extraction: %w", err)
	}
	if !exists {
		return paper, llm.SourceContent{}, nil
	}

	content, err := sess.loadSourceContent(ctx, extractionID)
	if err != nil {
		return paper, llm.SourceContent{}, err
	}
	return paper, content, nil
}

func (sess *Session) loadSourceContent(ctx context.Context, extractionID uuid.UUID) (llm.SourceContent, error) {
	var content llm.SourceContent

	rows, err := sess.conn.Query(ctx, `
SELECT s.id, s.title, s.section_type,
       COALESCE(array_agg(p.text ORDER BY p.order_index) FILTER (WHERE p.text IS NOT NULL), '{}')
FROM extracted_sections s
LEFT JOIN extracted_paragraphs p ON p.section_id = s.id
WHERE s.paper_extraction_id = $1
GROUP BY s.id, s.title, s.section_type, s.order_index
ORDER BY s.order_index`, extractionID)
	if err != nil {
		return content, fmt.Errorf("load sections: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id uuid.UUID
		var title, secType *string
		var paragraphs []string
		if err := rows.Scan(&id, &title, &secType, &paragraphs); err != nil {
			return content, fmt.Errorf("scan section: %w", err)
		}
		sec := llm.SourceSection{Title: deref(title), Type: deref(secType), Paragraphs: paragraphs}
		content.Sections = append(content.Sections, sec)
		if strings.Contains(strings.ToLower(sec.Title), "conclusion") {
			content.Conclusion = strings.Join(paragraphs, " ")
		}
	}
	if err := rows.Err(); err != nil {
		return content, fmt.Errorf("iterate sections: %w", err)
	}

	content.Figures, err = sess.loadCaptions(ctx, "extracted_figures", extractionID)
	if err != nil {
		return content, err
	}
	content.Tables, err = sess.loadCaptions(ctx, "extracted_tables", extractionID)
	if err != nil {
		return content, err
	}
	return content, nil
}

func (sess *Session) loadCaptions(ctx context.Context, table string, extractionID uuid.UUID) ([]llm.SourceCaption, error) {
	rows, err := sess.conn.Query(ctx,
		`SELECT label, caption FROM `+table+` WHERE paper_extraction_id = $1 ORDER BY order_index`,
		extractionID)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", table, err)
	}
	defer rows.Close()
	var out []llm.SourceCaption
	for rows.Next() {
		var label, caption *string
		if err := rows.Scan(&label, &caption); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		out = append(out, llm.SourceCaption{Label: deref(label), Caption: deref(caption)})
	}
	return out, rows.Err()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
