package httpfetch

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/cockroachdb/errors"
	"github.com/user/download-manager/internal/entity"
	"github.com/user/download-manager/internal/executor"
	"github.com/user/download-manager/pkg/utils"
)

const defaultLinkSelector = "a[href]"

type catalogOptions struct {
	Selector  string `json:"selector,omitempty"`
	CrossSite bool   `json:"cross_site,omitempty"`
}

type catalogMetadata struct {
	catalogOptions
	Title string `json:"title,omitempty"`
	Links int    `json:"links"`
}

// CatalogExecutor reads an HTML listing page and reports the links on it as
// discovered downloads. It is only used when named explicitly.
type CatalogExecutor struct {
	fetcher *Fetcher
}

func NewCatalogExecutor(fetcher *Fetcher) *CatalogExecutor {
	return &CatalogExecutor{fetcher: fetcher}
}

func (e *CatalogExecutor) Info() executor.Info {
	return executor.Info{
		Name:       "catalog",
		PrettyName: "Catalog page",
		Priority:   60,
		Listable:   true,
		Timeout:    5 * time.Minute,
	}
}

func (e *CatalogExecutor) Matches(context.Context, string) (bool, json.RawMessage) {
	return false, nil
}

// AlreadyDone is always false; catalogs change between visits.
func (e *CatalogExecutor) AlreadyDone(context.Context, string) bool {
	return false
}

// Execute honours a "selector" and "cross_site" in the download metadata.
func (e *CatalogExecutor) Execute(ctx context.Context, d *entity.Download) (*entity.Outcome, error) {
	opts := catalogOptions{Selector: defaultLinkSelector}
	if len(d.Metadata) > 0 {
		if err := json.Unmarshal(d.Metadata, &opts); err != nil {
			return nil, executor.Permanent(errors.Wrap(err, "decode catalog options"))
		}
		if opts.Selector == "" {
			opts.Selector = defaultLinkSelector
		}
	}

	resp, err := e.fetcher.Get(ctx, d.URL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s", d.URL)
	}
	links := extractLinks(doc, resp.Request.URL, opts)

	return &entity.Outcome{
		Success:        true,
		DiscoveredURLs: links,
		Metadata: mustJSON(catalogMetadata{
			catalogOptions: opts,
			Title:          strings.TrimSpace(doc.Find("title").First().Text()),
			Links:          len(links),
		}),
	}, nil
}

func extractLinks(doc *goquery.Document, base *url.URL, opts catalogOptions) []string {
	seen := map[string]bool{}
	var links []string
	doc.Find(opts.Selector).Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok {
			return
		}
		u, err := utils.Resolve(base, href)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return
		}
		if !opts.CrossSite && !strings.EqualFold(u.Host, base.Host) {
			return
		}
		link := u.String()
		if link == base.String() || seen[link] {
			return
		}
		seen[link] = true
		links = append(links, link)
	})
	return links
}
