package sections

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/xhad/doctorbot/internal/models"
)

// ParseHTML extracts sections from an HTML rendering of the reference text.
// h1 opens a chapter, h2 and h3 open a section, and p/li text accumulates into
// the open section. Page numbers come from the nearest data-page attribute.
func ParseHTML(r io.Reader) ([]models.Section, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}
	return ParseDocument(doc), nil
}

// ParseDocument is ParseHTML over an already parsed document.
func ParseDocument(doc *goquery.Document) []models.Section {
	var (
		out     []models.Section
		chapter string
		cur     *models.Section
		body    strings.Builder
	)

	flush := func() {
		if cur == nil {
			return
		}
		cur.Content = strings.TrimSpace(body.String())
		if cur.Content != "" {
			out = append(out, *cur)
		}
		cur = nil
		body.Reset()
	}

	doc.Find("h1, h2, h3, p, li").Each(func(_ int, s *goquery.Selection) {
		text := cleanText(s.Text())
		page := pageOf(s)

		switch goquery.NodeName(s) {
		case "h1":
			flush()
			chapter = text
		case "h2", "h3":
			flush()
			cur = &models.Section{Chapter: chapter, Title: text, PageStart: page, PageEnd: page}
		default:
			if text == "" {
				return
			}
			if cur == nil {
				cur = &models.Section{Chapter: chapter, Title: chapter, PageStart: page, PageEnd: page}
			}
			if page > cur.PageEnd {
				cur.PageEnd = page
			}
			if body.Len() > 0 {
				body.WriteByte(' ')
			}
			body.WriteString(text)
		}
	})
	flush()

	return out
}

func pageOf(s *goquery.Selection) int {
	v, ok := s.Closest("[data-page]").Attr("data-page")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0
	}
	return n
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
