// Package scraper crawls an online edition of the reference text and turns
// each page into sections ready for the chunker.
package scraper

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/phuslu/log"
	"github.com/xhad/doctorbot/internal/models"
	"github.com/xhad/doctorbot/pkg/errs"
	"github.com/xhad/doctorbot/pkg/logging"
	"github.com/xhad/doctorbot/pkg/sections"
	"golang.org/x/time/rate"
)

type ScraperConfig struct {
	BaseURL           string
	MaxDepth          int
	MaxPages          int
	RateLimit         float64 // requests per second
	IgnorePatterns    []string
	AllowedExtensions []string
	Timeout           time.Duration
	OnProgress        func(url string)
	Logger            *log.Logger
}

type Scraper struct {
	config   ScraperConfig
	client   *http.Client
	limiter  *rate.Limiter
	baseHost string
	logger   *log.Logger
}

// Report summarizes one crawl.
type Report struct {
	Pages   int
	Failed  int
	Skipped int // pages that yielded no sections
}

func NewWithConfig(config ScraperConfig) (*Scraper, error) {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxDepth == 0 {
		config.MaxDepth = 3
	}
	if config.MaxPages == 0 {
		config.MaxPages = 500
	}
	if config.RateLimit == 0 {
		config.RateLimit = 2
	}
	if len(config.AllowedExtensions) == 0 {
		config.AllowedExtensions = []string{".html", ".htm", "/", ""}
	}

	parsedURL, err := url.Parse(config.BaseURL)
	if err != nil {
		return nil, errs.Configuration("invalid base URL %q: %v", config.BaseURL, err)
	}
	if parsedURL.Host == "" {
		return nil, errs.Configuration("base URL %q has no host", config.BaseURL)
	}

	return &Scraper{
		config:   config,
		client:   &http.Client{Timeout: config.Timeout},
		limiter:  rate.NewLimiter(rate.Limit(config.RateLimit), 1),
		baseHost: parsedURL.Host,
		logger:   logging.OrNop(config.Logger),
	}, nil
}

func (s *Scraper) shouldProcessURL(u *url.URL) bool {
	if u.Host != s.baseHost {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}

	path := strings.ToLower(u.Path)
	if last := path[strings.LastIndex(path, "/")+1:]; strings.Contains(last, ".") {
		valid := false
		for _, ext := range s.config.AllowedExtensions {
			if ext != "" && ext != "/" && strings.HasSuffix(path, ext) {
				valid = true
				break
			}
		}
		if !valid {
			return false
		}
	}

	for _, pattern := range s.config.IgnorePatterns {
		if strings.Contains(u.String(), pattern) {
			return false
		}
	}
	return true
}

// mainContent narrows the document to its main content area so navigation
// and footers do not leak into the sections.
func mainContent(doc *goquery.Document) *goquery.Document {
	for _, selector := range []string{"main", "article", ".content", "#content"} {
		if sel := doc.Find(selector).First(); sel.Length() > 0 {
			return goquery.NewDocumentFromNode(sel.Nodes[0])
		}
	}
	return doc
}

type queued struct {
	url   *url.URL
	depth int
}

// Scrape crawls breadth-first from the base URL and returns the sections of
// every page in visit order. Pages without page markers are numbered by
// their position in the crawl. A failed page is logged and skipped; only
// cancellation or a failed start page aborts the crawl.
func (s *Scraper) Scrape(ctx context.Context) ([]models.Section, Report, error) {
	var (
		out    []models.Section
		report Report
	)

	start, _ := url.Parse(s.config.BaseURL)
	start.Fragment = ""
	visited := map[string]bool{start.String(): true}
	queue := []queued{{url: start}}

	for len(queue) > 0 && report.Pages < s.config.MaxPages {
		item := queue[0]
		queue = queue[1:]

		if err := s.limiter.Wait(ctx); err != nil {
			return out, report, errs.FromContext("scrape", err)
		}
		if s.config.OnProgress != nil {
			s.config.OnProgress(item.url.String())
		}

		doc, err := s.fetch(ctx, item.url.String())
		if err != nil {
			if ctx.Err() != nil {
				return out, report, errs.FromContext("scrape", ctx.Err())
			}
			if item.depth == 0 {
				return nil, report, err
			}
			report.Failed++
			s.logger.Warn().Err(err).Str("url", item.url.String()).Msg("skipping page")
			continue
		}
		report.Pages++

		secs := sections.ParseDocument(mainContent(doc))
		title := cleanTitle(doc.Find("title").First().Text())
		for i := range secs {
			if secs[i].Chapter == "" {
				secs[i].Chapter = title
			}
			if secs[i].Title == "" {
				secs[i].Title = title
			}
			if secs[i].PageStart == 0 {
				secs[i].PageStart = report.Pages
				secs[i].PageEnd = report.Pages
			}
		}
		if len(secs) == 0 {
			report.Skipped++
		}
		out = append(out, secs...)
		s.logger.Debug().Str("url", item.url.String()).Int("sections", len(secs)).Int("depth", item.depth).Msg("scraped page")

		if item.depth >= s.config.MaxDepth {
			continue
		}
		doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
			href, _ := sel.Attr("href")
			ref, err := url.Parse(strings.TrimSpace(href))
			if err != nil {
				return
			}
			next := item.url.ResolveReference(ref)
			next.Fragment = ""
			key := next.String()
			if visited[key] || !s.shouldProcessURL(next) {
				return
			}
			visited[key] = true
			queue = append(queue, queued{url: next, depth: item.depth + 1})
		})
	}

	s.logger.Info().Int("pages", report.Pages).Int("failed", report.Failed).Int("sections", len(out)).Msg("crawl finished")
	return out, report, nil
}

func (s *Scraper) fetch(ctx context.Context, urlStr string) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", urlStr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("received status code %d for URL: %s", resp.StatusCode, urlStr)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "html") {
		return nil, fmt.Errorf("unexpected content type %q for URL: %s", ct, urlStr)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", urlStr, err)
	}
	return doc, nil
}

func cleanTitle(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
