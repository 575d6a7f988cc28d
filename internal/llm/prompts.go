package llm

import (
	"fmt"
	"strings"

	"github.com/hyperifyio/gapanalyzer/internal/extract"
)

// Context bounds keep prompts inside the model's window: at most ten source
// sections of three paragraphs each truncated to ~1000 chars, five captions
// per kind, and 500 chars per field of a related paper.
const (
	maxContextSections   = 10
	maxSectionParagraphs = 3
	maxSectionChars      = 1000
	maxCaptions          = 5
	maxValidationPapers  = 10
	maxValidationChars   = 500
)

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// buildPaperContext renders the source paper for gap generation.
func buildPaperContext(paper PaperData, content SourceContent) string {
	var sb strings.Builder
	sb.WriteString("Title: ")
	sb.WriteString(paper.Title)
	sb.WriteString("\nAbstract: ")
	sb.WriteString(paper.Abstract)

	if len(content.Sections) > 0 {
		sb.WriteString("\n\nKEY SECTIONS:")
		sections := content.Sections
		if len(sections) > maxContextSections {
			sections = sections[:maxContextSections]
		}
		for _, sec := range sections {
			if sec.Title == "" {
				continue
			}
			sb.WriteString("\n\n")
			sb.WriteString(sec.Title)
			sb.WriteString(":\n")
			paras := sec.Paragraphs
			if len(paras) > maxSectionParagraphs {
				paras = paras[:maxSectionParagraphs]
			}
			sb.WriteString(truncate(strings.Join(paras, " "), maxSectionChars))
		}
	}
	if content.Conclusion != "" {
		sb.WriteString("\n\nCONCLUSION:\n")
		sb.WriteString(truncate(content.Conclusion, maxSectionChars))
	}
	writeCaptions(&sb, "FIGURE CAPTIONS", content.Figures)
	writeCaptions(&sb, "TABLE CAPTIONS", content.Tables)
	return sb.String()
}

func writeCaptions(sb *strings.Builder, heading string, captions []SourceCaption) {
	if len(captions) == 0 {
		return
	}
	sb.WriteString("\n\n")
	sb.WriteString(heading)
	sb.WriteString(":")
	if len(captions) > maxCaptions {
		captions = captions[:maxCaptions]
	}
	for _, c := range captions {
		if c.Caption == "" {
			continue
		}
		sb.WriteString("\n- ")
		sb.WriteString(c.Caption)
	}
}

func buildGapPrompt(paper PaperData, content SourceContent) string {
	var sb strings.Builder
	sb.WriteString("Analyze the following academic paper and identify research gaps:\n\n")
	sb.WriteString(buildPaperContext(paper, content))
	sb.WriteString("\n\nIdentify 3-7 significant research gaps in this paper. For each gap, provide:\n")
	sb.WriteString("1. A concise name (max 100 characters)\n")
	sb.WriteString("2. A detailed description of the gap\n")
	sb.WriteString("3. Category (theoretical, methodological, empirical, application, or interdisciplinary)\n")
	sb.WriteString("4. Reasoning why this is a gap\n")
	sb.WriteString("5. Evidence from the paper supporting this gap\n\n")
	sb.WriteString(`Format your response as a JSON array with objects containing:
{"name": "gap name", "description": "detailed description", "category": "category", "reasoning": "why this is a gap", "evidence": "evidence from paper"}

Focus on:
- Limitations explicitly mentioned by authors
- Future work suggestions
- Unexplored methodologies or approaches
- Missing comparative analyses
- Scalability or generalization issues
- Theoretical gaps or assumptions
- Interdisciplinary opportunities

Respond ONLY with a valid JSON array.`)
	return sb.String()
}

func buildQueryPrompt(gap InitialGap) string {
	var sb strings.Builder
	sb.WriteString("Generate a simple search query to find academic papers related to this research gap:\n\n")
	fmt.Fprintf(&sb, "Gap Name: %s\nDescription: %s\nCategory: %s\n\n", gap.Name, gap.Description, gap.Category)
	sb.WriteString(`Create a simple search query that:
1. Uses only 2-4 key terms (no boolean operators)
2. Focuses on the main topic/domain
3. Uses common academic terminology
4. Is suitable for a simple keyword search

Examples of good queries:
- "machine learning protein structure"
- "neural networks computer vision"
- "quantum computing algorithms"

Return ONLY the search terms separated by spaces, nothing else.`)
	return sb.String()
}

func buildValidationPrompt(gap InitialGap, papers []extract.Content) string {
	var sb strings.Builder
	sb.WriteString("Validate if the following research gap is still valid based on recent papers:\n\n")
	sb.WriteString("RESEARCH GAP:\n")
	fmt.Fprintf(&sb, "Name: %s\nDescription: %s\nCategory: %s\nReasoning: %s\n", gap.Name, gap.Description, gap.Category, gap.Reasoning)
	sb.WriteString("\nRELATED PAPERS ANALYZED:\n")
	if len(papers) > maxValidationPapers {
		papers = papers[:maxValidationPapers]
	}
	for i, p := range papers {
		fmt.Fprintf(&sb, "\nPAPER %d:\nTitle: %s\n", i+1, p.Title)
		if p.Abstract != "" {
			fmt.Fprintf(&sb, "Abstract: %s\n", truncate(p.Abstract, maxValidationChars))
		}
		if p.Methods != "" {
			fmt.Fprintf(&sb, "Methods: %s\n", truncate(p.Methods, maxValidationChars))
		}
		if p.Results != "" {
			fmt.Fprintf(&sb, "Results: %s\n", truncate(p.Results, maxValidationChars))
		}
		if p.Conclusion != "" {
			fmt.Fprintf(&sb, "Conclusion: %s\n", truncate(p.Conclusion, maxValidationChars))
		}
	}
	sb.WriteString(`
Analyze whether this gap:
1. Has been fully addressed by any of these papers
2. Has been partially addressed
3. Remains completely unaddressed
4. Should be modified based on new findings

Provide your analysis as JSON:
{"is_valid": true, "confidence": 0.0, "reasoning": "detailed reasoning", "should_modify": false, "modification_suggestion": null, "supporting_papers": [{"title": "paper title", "reason": "why it supports the gap"}], "conflicting_papers": [{"title": "paper title", "reason": "why it conflicts with the gap"}]}

Be critical and thorough. A gap is only invalid if it has been comprehensively addressed.
Respond ONLY with valid JSON.`)
	return sb.String()
}

func buildExpandPrompt(gap InitialGap, validation ValidationResult) string {
	var sb strings.Builder
	sb.WriteString("Provide comprehensive details about this validated research gap:\n\n")
	sb.WriteString("GAP INFORMATION:\n")
	fmt.Fprintf(&sb, "Name: %s\nDescription: %s\nCategory: %s\nValidation Confidence: %.2f\n\n", gap.Name, gap.Description, gap.Category, validation.Confidence)
	sb.WriteString(`Generate detailed information in JSON format:
{
  "potential_impact": "Explain the potential scientific and practical impact",
  "research_hints": "Provide specific hints and directions for researchers",
  "implementation_suggestions": "Suggest concrete steps to address this gap",
  "risks_and_challenges": "Identify potential risks and challenges",
  "required_resources": "List required resources (expertise, equipment, data, etc.)",
  "estimated_difficulty": "low/medium/high with justification",
  "estimated_timeline": "Realistic timeline estimate with milestones",
  "suggested_topics": [
    {
      "title": "Research topic title",
      "description": "Topic description",
      "research_questions": ["question1", "question2"],
      "methodology_suggestions": "Suggested methodologies",
      "expected_outcomes": "Expected outcomes",
      "relevance_score": 0.0
    }
  ]
}

Provide at least 3-5 suggested research topics.
Be specific, practical, and actionable.
Respond ONLY with valid JSON.`)
	return sb.String()
}
