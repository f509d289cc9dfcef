package chromedp_page

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// PageData is the metadata kept for a rendered page snapshot.
type PageData struct {
	Title       string            `json:"title,omitempty"`
	Description string            `json:"description,omitempty"`
	MetaTags    map[string]string `json:"meta_tags,omitempty"`
	Headers     []string          `json:"headers,omitempty"`
	Images      []string          `json:"images,omitempty"`
	StatusCode  int64             `json:"status_code,omitempty"`
}

// ExtractPageData parses rendered HTML into PageData.
func ExtractPageData(htmlContent string) (*PageData, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlContent))
	if err != nil {
		return nil, err
	}

	data := &PageData{
		Title:    strings.TrimSpace(doc.Find("title").First().Text()),
		MetaTags: make(map[string]string),
	}

	doc.Find("meta").Each(func(i int, s *goquery.Selection) {
		name, _ := s.Attr("name")
		property, _ := s.Attr("property")
		content, _ := s.Attr("content")
		key := name
		if property != "" {
			key = property
		}
		if key != "" && content != "" {
			data.MetaTags[key] = content
		}
	})
	data.Description = data.MetaTags["description"]
	if og := data.MetaTags["og:description"]; data.Description == "" && og != "" {
		data.Description = og
	}

	doc.Find("h1, h2, h3").Each(func(i int, s *goquery.Selection) {
		if text := strings.TrimSpace(s.Text()); text != "" {
			data.Headers = append(data.Headers, text)
		}
	})

	doc.Find("img").Each(func(i int, s *goquery.Selection) {
		src, exists := s.Attr("src")
		if exists && src != "" {
			data.Images = append(data.Images, src)
		}
	})

	return data, nil
}
