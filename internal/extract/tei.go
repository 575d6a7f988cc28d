package extract

import (
	"encoding/xml"
	"strings"

	"github.com/rs/zerolog/log"
)

// parseTEI turns the service's TEI XML into Content, deriving the
// methods/results/conclusion fields from section titles.
func parseTEI(data []byte) Content {
	var doc teiDocument
	if err := xml.Unmarshal(data, &doc); err != nil {
		log.Error().Err(err).Msg("failed to parse TEI response")
		return Content{Err: "xml parsing error: " + err.Error()}
	}

	out := Content{
		Title:    strings.TrimSpace(string(doc.Header.Title)),
		Abstract: strings.TrimSpace(string(doc.Header.Abstract)),
		Success:  true,
	}

	for _, div := range doc.Text.Body.Divs {
		title := strings.TrimSpace(string(div.Head))
		paras := make([]string, 0, len(div.Paragraphs))
		for _, p := range div.Paragraphs {
			if t := strings.TrimSpace(string(p)); t != "" {
				paras = append(paras, t)
			}
		}
		if len(paras) == 0 {
			continue
		}
		content := strings.Join(paras, " ")
		out.Sections = append(out.Sections, Section{Title: title, Content: content})

		lower := strings.ToLower(title)
		switch {
		case strings.Contains(lower, "method") || strings.Contains(lower, "approach"):
			out.Methods = content
		case strings.Contains(lower, "result") || strings.Contains(lower, "experiment"):
			out.Results = content
		case strings.Contains(lower, "conclusion") || strings.Contains(lower, "discussion"):
			out.Conclusion = content
		}
	}
	return out
}

type teiDocument struct {
	XMLName xml.Name  `xml:"TEI"`
	Header  teiHeader `xml:"teiHeader"`
	Text    teiText   `xml:"text"`
}

type teiHeader struct {
	Title    flatText `xml:"fileDesc>titleStmt>title"`
	Abstract flatText `xml:"profileDesc>abstract"`
}

type teiText struct {
	Body teiBody `xml:"body"`
}

type teiBody struct {
	Divs []teiDiv `xml:"div"`
}

type teiDiv struct {
	Head       flatText   `xml:"head"`
	Paragraphs []flatText `xml:"p"`
}

// flatText collects all character data beneath an element, flattening nested
// markup such as <ref> and <hi> the way an itertext walk would.
type flatText string

func (f *flatText) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	var sb strings.Builder
	depth := 0
	for {
		tok, err := d.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.CharData:
			sb.Write(t)
		case xml.StartElement:
			depth++
		case xml.EndElement:
			if depth == 0 {
				*f = flatText(sb.String())
				return nil
			}
			depth--
		}
	}
}
