// Package spider holds the stock spiders: a link-following site crawler and
// a fixed-list fetcher.
package spider

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlengine/internal/crawler"
)

// Page is the item a LinkSpider emits for every parsed document.
type Page struct {
	URL         string    `json:"url"`
	Status      int       `json:"status"`
	Title       string    `json:"title,omitempty"`
	Description string    `json:"description,omitempty"`
	Links       []string  `json:"links,omitempty"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// LinkConfig configures a LinkSpider.
type LinkConfig struct {
	StartURLs []string
	// AllowedDomains restricts followed links to these hosts and their
	// subdomains. Empty allows every host.
	AllowedDomains []string
	Clock          crawler.Clock
}

// LinkSpider starts from a set of URLs, emits a Page per response and follows
// every in-scope anchor.
type LinkSpider struct {
	cfg     LinkConfig
	domains []string
	logger  *zap.Logger
}

// NewLinkSpider validates start URLs and builds the spider.
func NewLinkSpider(cfg LinkConfig, logger *zap.Logger) (*LinkSpider, error) {
	if len(cfg.StartURLs) == 0 {
		return nil, fmt.Errorf("at least one start url is required")
	}
	for _, raw := range cfg.StartURLs {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("invalid start url %q", raw)
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	domains := make([]string, 0, len(cfg.AllowedDomains))
	for _, d := range cfg.AllowedDomains {
		if d = strings.ToLower(strings.TrimSpace(d)); d != "" {
			domains = append(domains, strings.TrimPrefix(d, "."))
		}
	}
	return &LinkSpider{cfg: cfg, domains: domains, logger: logger.Named("spider")}, nil
}

// StartRequests returns one GET per start URL.
func (s *LinkSpider) StartRequests(context.Context) ([]*crawler.Request, error) {
	reqs := make([]*crawler.Request, 0, len(s.cfg.StartURLs))
	for _, raw := range s.cfg.StartURLs {
		reqs = append(reqs, crawler.NewRequest(raw))
	}
	return reqs, nil
}

// Parse emits a Page followed by requests for in-scope links. Non-HTML
// responses yield only the Page.
func (s *LinkSpider) Parse(_ context.Context, resp *crawler.Response) ([]any, error) {
	page := Page{URL: resp.URL, Status: resp.Status, FetchedAt: s.now()}
	if !isHTML(resp) {
		return []any{page}, nil
	}
	text, err := resp.Text()
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", resp.URL, err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(text))
	if err != nil {
		return nil, fmt.Errorf("parse html %s: %w", resp.URL, err)
	}
	page.Title = strings.TrimSpace(doc.Find("title").First().Text())
	if desc, ok := doc.Find(`meta[name="description"]`).Attr("content"); ok {
		page.Description = strings.TrimSpace(desc)
	}

	page.Links = s.extractLinks(doc, resp.URL)
	results := make([]any, 0, len(page.Links)+1)
	results = append(results, page)
	for _, link := range page.Links {
		if s.allowed(link) {
			results = append(results, crawler.NewRequest(link))
		}
	}
	s.logger.Debug("parsed page",
		zap.String("url", resp.URL),
		zap.Int("links", len(page.Links)),
		zap.Int("followed", len(results)-1),
	)
	return results, nil
}

func (s *LinkSpider) extractLinks(doc *goquery.Document, pageURL string) []string {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if b, err := base.Parse(strings.TrimSpace(href)); err == nil {
			base = b
		}
	}
	seen := make(map[string]struct{})
	var links []string
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		u, err := base.Parse(href)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return
		}
		u.Fragment = ""
		link := u.String()
		if _, dup := seen[link]; dup {
			return
		}
		seen[link] = struct{}{}
		links = append(links, link)
	})
	return links
}

func (s *LinkSpider) allowed(link string) bool {
	if len(s.domains) == 0 {
		return true
	}
	u, err := url.Parse(link)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, d := range s.domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

func (s *LinkSpider) now() time.Time {
	if s.cfg.Clock == nil {
		return time.Now().UTC()
	}
	return s.cfg.Clock.Now()
}

func isHTML(resp *crawler.Response) bool {
	ct := strings.ToLower(resp.Headers.Get("Content-Type"))
	return ct == "" || strings.Contains(ct, "html")
}
