// Package extract turns rendered page snapshots into clip documents. Each
// ExtractorKind maps to one function over the page's HTML.
package extract

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/tabclip/internal/bookmarks"
	"github.com/JakeFAU/tabclip/internal/clipper"
)

// ErrNoContent is returned when a page has nothing worth clipping.
var ErrNoContent = errors.New("no readable content found")

// noise is removed from the content root before conversion.
const noise = "script, style, noscript, nav, footer, header, aside, form, iframe, svg, button"

var statusPath = regexp.MustCompile(`^/([^/]+)/status/(\d+)`)

// Extractor converts snapshots to Markdown documents.
type Extractor struct {
	md *converter.Converter
}

// New builds an Extractor.
func New() *Extractor {
	return &Extractor{
		md: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
	}
}

// Document runs the extractor for kind. ExtractorBookmarks is not a document
// kind; use Bookmarks.
func (e *Extractor) Document(kind clipper.ExtractorKind, snap clipper.PageSnapshot) (clipper.ExtractedData, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(snap.HTML))
	if err != nil {
		return clipper.ExtractedData{}, fmt.Errorf("parse html: %w", err)
	}
	switch kind {
	case clipper.ExtractorGeneric:
		return e.generic(doc, snap)
	case clipper.ExtractorYouTube:
		return e.youtube(doc, snap)
	case clipper.ExtractorTwitter:
		return e.twitter(doc, snap)
	case clipper.ExtractorPerplexity:
		return e.perplexity(doc, snap)
	default:
		return clipper.ExtractedData{}, fmt.Errorf("extractor %q does not produce documents", kind)
	}
}

func (e *Extractor) generic(doc *goquery.Document, snap clipper.PageSnapshot) (clipper.ExtractedData, error) {
	root := firstOf(doc, "article", "main", `[role="main"]`, "body")
	if root == nil {
		return clipper.ExtractedData{}, ErrNoContent
	}
	root.Find(noise).Remove()
	html, err := root.Html()
	if err != nil {
		return clipper.ExtractedData{}, err
	}
	content, err := e.markdown(html, snap.URL)
	if err != nil {
		return clipper.ExtractedData{}, err
	}
	if content == "" {
		return clipper.ExtractedData{}, ErrNoContent
	}
	return clipper.ExtractedData{
		Title:       title(doc, snap),
		URL:         snap.URL,
		Content:     content,
		Author:      meta(doc, `meta[name="author"]`, `meta[property="article:author"]`),
		Published:   published(doc),
		Description: meta(doc, `meta[name="description"]`, `meta[property="og:description"]`),
	}, nil
}

func (e *Extractor) youtube(doc *goquery.Document, snap clipper.PageSnapshot) (clipper.ExtractedData, error) {
	var b strings.Builder
	desc := strings.TrimSpace(firstText(doc, "#description-inline-expander", "#description"))
	if desc == "" {
		desc = meta(doc, `meta[name="description"]`, `meta[property="og:description"]`)
	}
	if desc != "" {
		b.WriteString("## Description\n\n")
		b.WriteString(desc)
		b.WriteString("\n\n")
	}
	var lines []string
	doc.Find("ytd-transcript-segment-renderer").Each(func(_ int, s *goquery.Selection) {
		text := strings.TrimSpace(s.Find(".segment-text").Text())
		if text == "" {
			return
		}
		if ts := strings.TrimSpace(s.Find(".segment-timestamp").Text()); ts != "" {
			text = "[" + ts + "] " + text
		}
		lines = append(lines, text)
	})
	if len(lines) > 0 {
		b.WriteString("## Transcript\n\n")
		b.WriteString(strings.Join(lines, "\n"))
		b.WriteString("\n")
	}
	if b.Len() == 0 {
		return clipper.ExtractedData{}, ErrNoContent
	}
	return clipper.ExtractedData{
		Title:       firstNonEmpty(firstText(doc, "h1.ytd-watch-metadata", "h1"), title(doc, snap)),
		URL:         snap.URL,
		Content:     b.String(),
		Author:      firstNonEmpty(firstText(doc, "ytd-channel-name a", "#owner #channel-name a"), meta(doc, `link[itemprop="name"]`)),
		Published:   meta(doc, `meta[itemprop="uploadDate"]`, `meta[itemprop="datePublished"]`),
		Description: truncate(desc, 300),
		Source:      "youtube",
		Type:        "video",
	}, nil
}

func (e *Extractor) twitter(doc *goquery.Document, snap clipper.PageSnapshot) (clipper.ExtractedData, error) {
	tweets := doc.Find(`article[data-testid="tweet"]`)
	if tweets.Length() == 0 {
		return clipper.ExtractedData{}, ErrNoContent
	}
	first := tweets.First()
	author := strings.TrimSpace(first.Find(`[data-testid="User-Name"]`).First().Text())
	published, _ := first.Find("time").First().Attr("datetime")

	var parts []string
	tweets.Each(func(_ int, s *goquery.Selection) {
		html, err := s.Find(`[data-testid="tweetText"]`).First().Html()
		if err != nil || strings.TrimSpace(html) == "" {
			return
		}
		md, err := e.markdown(html, snap.URL)
		if err == nil && md != "" {
			parts = append(parts, md)
		}
	})
	if len(parts) == 0 {
		return clipper.ExtractedData{}, ErrNoContent
	}
	text := parts[0]
	return clipper.ExtractedData{
		Title:       tweetTitle(author, text),
		URL:         snap.URL,
		Content:     strings.Join(parts, "\n\n---\n\n"),
		Author:      author,
		Published:   published,
		Description: truncate(text, 200),
		Source:      "twitter",
		Type:        "tweet",
	}, nil
}

func (e *Extractor) perplexity(doc *goquery.Document, snap clipper.PageSnapshot) (clipper.ExtractedData, error) {
	var b strings.Builder
	doc.Find(`[class*="prose"]`).Each(func(_ int, s *goquery.Selection) {
		s.Find(noise).Remove()
		html, err := s.Html()
		if err != nil {
			return
		}
		md, err := e.markdown(html, snap.URL)
		if err != nil || md == "" {
			return
		}
		if b.Len() > 0 {
			b.WriteString("\n\n---\n\n")
		}
		b.WriteString(md)
	})
	if b.Len() == 0 {
		return clipper.ExtractedData{}, ErrNoContent
	}
	query := firstNonEmpty(firstText(doc, "h1"), title(doc, snap))
	return clipper.ExtractedData{
		Title:   query,
		URL:     snap.URL,
		Content: "## Query\n\n" + query + "\n\n## Answer\n\n" + b.String(),
		Source:  "perplexity",
		Type:    "conversation",
	}, nil
}

// Bookmarks collects the tweet links on a bookmarks timeline, first
// occurrence wins.
func (e *Extractor) Bookmarks(snap clipper.PageSnapshot) (bookmarks.Scraped, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(snap.HTML))
	if err != nil {
		return bookmarks.Scraped{}, fmt.Errorf("parse html: %w", err)
	}
	page, err := url.Parse(snap.URL)
	if err != nil {
		return bookmarks.Scraped{}, fmt.Errorf("parse page url: %w", err)
	}
	out := bookmarks.Scraped{Bookmarks: []bookmarks.Bookmark{}}
	seen := map[string]bool{}
	doc.Find(`article[data-testid="tweet"] a[href*="/status/"]`).Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		ref, err := page.Parse(href)
		if err != nil {
			return
		}
		m := statusPath.FindStringSubmatch(ref.Path)
		if m == nil || seen[m[2]] {
			return
		}
		seen[m[2]] = true
		out.Bookmarks = append(out.Bookmarks, bookmarks.Bookmark{
			TweetID: m[2],
			URL:     fmt.Sprintf("https://x.com/%s/status/%s", m[1], m[2]),
		})
	})
	out.TotalFound = len(out.Bookmarks)
	return out, nil
}

func (e *Extractor) markdown(html, pageURL string) (string, error) {
	md, err := e.md.ConvertString(html, converter.WithDomain(pageURL))
	if err != nil {
		return "", fmt.Errorf("convert to markdown: %w", err)
	}
	return strings.TrimSpace(md), nil
}

func firstOf(doc *goquery.Document, selectors ...string) *goquery.Selection {
	for _, sel := range selectors {
		if s := doc.Find(sel).First(); s.Length() > 0 {
			return s
		}
	}
	return nil
}

func firstText(doc *goquery.Document, selectors ...string) string {
	for _, sel := range selectors {
		if text := strings.TrimSpace(doc.Find(sel).First().Text()); text != "" {
			return text
		}
	}
	return ""
}

// meta returns the first non-empty content attribute among selectors.
func meta(doc *goquery.Document, selectors ...string) string {
	for _, sel := range selectors {
		if v, ok := doc.Find(sel).First().Attr("content"); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func title(doc *goquery.Document, snap clipper.PageSnapshot) string {
	return firstNonEmpty(
		meta(doc, `meta[property="og:title"]`),
		strings.TrimSpace(doc.Find("title").First().Text()),
		snap.Title,
		firstText(doc, "h1"),
		"Untitled",
	)
}

func published(doc *goquery.Document) string {
	if v := meta(doc, `meta[property="article:published_time"]`, `meta[name="date"]`); v != "" {
		return v
	}
	v, _ := doc.Find("time[datetime]").First().Attr("datetime")
	return v
}

func tweetTitle(author, text string) string {
	name := author
	if i := strings.Index(name, "@"); i > 0 {
		name = strings.TrimSpace(name[:i])
	}
	if name == "" {
		name = "Tweet"
	}
	return name + ": " + truncate(strings.Join(strings.Fields(text), " "), 60)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n])) + "..."
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
