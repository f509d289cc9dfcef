package httpfetch

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"io"
	"path"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/user/download-manager/internal/entity"
	"github.com/user/download-manager/internal/executor"
)

const maxFeedSize = 10 << 20

// feedDocument decodes both RSS 2.0 (<rss><channel>) and Atom (<feed>).
type feedDocument struct {
	XMLName xml.Name
	Channel struct {
		Title string    `xml:"title"`
		Items []rssItem `xml:"item"`
	} `xml:"channel"`
	Title   string      `xml:"title"`
	Entries []atomEntry `xml:"entry"`
}

type rssItem struct {
	Link      string `xml:"link"`
	Enclosure struct {
		URL string `xml:"url,attr"`
	} `xml:"enclosure"`
}

type atomEntry struct {
	Links []struct {
		Href string `xml:"href,attr"`
		Rel  string `xml:"rel,attr"`
	} `xml:"link"`
}

type feedSummary struct {
	Title   string `json:"title,omitempty"`
	Entries int    `json:"entries"`
}

type parsedFeed struct {
	title string
	links []string
}

// FeedExecutor turns RSS and Atom feeds into discovered downloads for its
// sub-executor. It is internal: users schedule feeds as recurring downloads.
type FeedExecutor struct {
	fetcher *Fetcher
}

func NewFeedExecutor(fetcher *Fetcher) *FeedExecutor {
	return &FeedExecutor{fetcher: fetcher}
}

func (e *FeedExecutor) Info() executor.Info {
	return executor.Info{
		Name:       "feed",
		PrettyName: "RSS/Atom feed",
		Priority:   30,
		Listable:   false,
		Timeout:    time.Minute,
	}
}

// Matches fetches URLs that look like feeds and accepts them if they parse.
func (e *FeedExecutor) Matches(ctx context.Context, rawURL string) (bool, json.RawMessage) {
	u, ok := isHTTP(rawURL)
	if !ok {
		return false, nil
	}
	p := strings.ToLower(u.Path)
	switch ext := path.Ext(p); {
	case ext == ".rss", ext == ".xml", ext == ".atom":
	case strings.Contains(p, "feed"), strings.Contains(p, "rss"):
	default:
		return false, nil
	}

	feed, err := e.fetch(ctx, rawURL)
	if err != nil {
		return false, nil
	}
	return true, mustJSON(feedSummary{Title: feed.title, Entries: len(feed.links)})
}

func (e *FeedExecutor) AlreadyDone(context.Context, string) bool {
	return false
}

func (e *FeedExecutor) Execute(ctx context.Context, d *entity.Download) (*entity.Outcome, error) {
	feed, err := e.fetch(ctx, d.URL)
	if err != nil {
		return nil, err
	}
	return &entity.Outcome{
		Success:        true,
		DiscoveredURLs: feed.links,
		Metadata:       mustJSON(feedSummary{Title: feed.title, Entries: len(feed.links)}),
	}, nil
}

func (e *FeedExecutor) fetch(ctx context.Context, rawURL string) (*parsedFeed, error) {
	resp, err := e.fetcher.Get(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedSize))
	if err != nil {
		return nil, errors.Wrapf(err, "read feed %s", rawURL)
	}
	return parseFeed(body)
}

func parseFeed(body []byte) (*parsedFeed, error) {
	var doc feedDocument
	dec := xml.NewDecoder(bytes.NewReader(body))
	dec.Strict = false
	if err := dec.Decode(&doc); err != nil {
		return nil, errors.Wrap(err, "decode feed")
	}

	feed := &parsedFeed{}
	switch doc.XMLName.Local {
	case "rss":
		feed.title = strings.TrimSpace(doc.Channel.Title)
		for _, item := range doc.Channel.Items {
			link := strings.TrimSpace(item.Link)
			if link == "" {
				link = strings.TrimSpace(item.Enclosure.URL)
			}
			if link != "" {
				feed.links = append(feed.links, link)
			}
		}
	case "feed":
		feed.title = strings.TrimSpace(doc.Title)
		for _, entry := range doc.Entries {
			if link := atomLink(entry); link != "" {
				feed.links = append(feed.links, link)
			}
		}
	default:
		return nil, errors.Newf("unsupported feed root <%s>", doc.XMLName.Local)
	}
	return feed, nil
}

func atomLink(entry atomEntry) string {
	for _, l := range entry.Links {
		if l.Rel == "" || l.Rel == "alternate" {
			return strings.TrimSpace(l.Href)
		}
	}
	if len(entry.Links) > 0 {
		return strings.TrimSpace(entry.Links[0].Href)
	}
	return ""
}
