// Package pagecheck inspects rendered page snapshots for CAPTCHA challenges,
// archive completion and bypass success.
package pagecheck

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/tabclip/internal/clipper"
)

// ArchiveDomains are the hostnames of the archive service and its mirrors.
var ArchiveDomains = []string{"archive.ph", "archive.today", "archive.is", "archive.md", "archive.vn"}

var captchaMarkers = []string{
	"complete the security check",
	"One more step",
	"Why do I have to complete a CAPTCHA",
}

var (
	archiveHashPattern = regexp.MustCompile(`archive\.(ph|today|is|md|vn)/[a-zA-Z0-9]{5,}`)
	archivedIndicators = []*regexp.Regexp{
		regexp.MustCompile(`(?i)archived?\s+\d+\s+(second|minute|hour|day|week|month|year)s?\s+ago`),
		regexp.MustCompile(`(?i)saved?\s+\d+\s+(second|minute|hour|day|week|month|year)s?\s+ago`),
		regexp.MustCompile(`(?i)archiv(ed|iert)\s+vor\s+\d+`),
		regexp.MustCompile(`(?i)snapshot\s+from`),
		regexp.MustCompile(`(?i)webpage\s+capture`),
	}
)

var bypassErrorMarkers = []string{
	"service unavailable",
	"failed to load article",
	"freedium error",
	"unable to fetch",
	"article not found",
	"403 forbidden",
	"500 internal",
	"502 bad gateway",
	"503 service",
	"cloudflare",
}

var articleSelectors = []string{"article", `[role="article"]`, ".post-content", ".article-content"}

// captchaSelectors are tried in order after visible checkboxes.
var captchaSelectors = []string{
	`iframe[src*="hcaptcha"]`,
	"#h-captcha iframe",
	".h-captcha iframe",
	`iframe[src*="recaptcha"]`,
	".g-recaptcha iframe",
	"#rc-anchor-container",
	`input[type="checkbox"]`,
	".checkbox",
	`[role="checkbox"]`,
}

// Page is a parsed snapshot.
type Page struct {
	URL   string
	Title string
	doc   *goquery.Document
	text  string
}

// Parse builds a Page from a browser snapshot.
func Parse(snap clipper.PageSnapshot) (*Page, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(snap.HTML))
	if err != nil {
		return nil, fmt.Errorf("parse snapshot: %w", err)
	}
	title := snap.Title
	if title == "" {
		title = strings.TrimSpace(doc.Find("title").First().Text())
	}
	return &Page{
		URL:   snap.URL,
		Title: title,
		doc:   doc,
		text:  doc.Find("body").Text(),
	}, nil
}

// Text returns the body text.
func (p *Page) Text() string { return p.text }

// HasCaptcha reports whether the page is a security-check interstitial.
func (p *Page) HasCaptcha() bool {
	for _, m := range captchaMarkers {
		if strings.Contains(p.text, m) {
			return true
		}
	}
	return strings.Contains(p.Title, "Just a moment")
}

// ClickTarget is the element an automated CAPTCHA attempt should click.
type ClickTarget struct {
	Selector string
	Kind     string
}

// AutoClickTarget picks the element to click. ok is false when nothing
// clickable was found or the challenge lives in a cross-origin iframe, both of
// which need a human.
func (p *Page) AutoClickTarget() (ClickTarget, bool) {
	var found *goquery.Selection
	p.doc.Find(`input[type="checkbox"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if _, checked := s.Attr("checked"); checked || !visible(s) {
			return true
		}
		found = s
		return false
	})
	if found != nil {
		return ClickTarget{Selector: selectorFor(found), Kind: "checkbox"}, true
	}

	for _, sel := range captchaSelectors {
		s := p.doc.Find(sel).First()
		if s.Length() == 0 {
			continue
		}
		if goquery.NodeName(s) == "iframe" {
			return ClickTarget{Kind: "iframe-found"}, false
		}
		return ClickTarget{Selector: selectorFor(s), Kind: sel}, true
	}

	p.doc.Find(`button, input[type="submit"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := strings.ToLower(s.Text())
		if text == "" {
			text = strings.ToLower(s.AttrOr("value", ""))
		}
		if strings.Contains(text, "verify") || strings.Contains(text, "continue") || strings.Contains(text, "submit") {
			found = s
			return false
		}
		return true
	})
	if found != nil {
		return ClickTarget{Selector: selectorFor(found), Kind: "verify-button"}, true
	}
	return ClickTarget{Kind: "none"}, false
}

// ArchiveComplete reports whether the page is a finished archive snapshot.
func (p *Page) ArchiveComplete() bool {
	if !archiveHashPattern.MatchString(p.URL) {
		return false
	}
	if strings.Contains(p.URL, "/submit") || strings.Contains(p.URL, "/newest/") || strings.Contains(p.URL, "?url=") {
		return false
	}
	for _, re := range archivedIndicators {
		if re.MatchString(p.text) {
			return true
		}
	}
	return p.doc.Find("#HEADER, .HEADER, #CONTENT, #TEXT-BLOCK").Length() > 0
}

// ArchiveContentLoaded reports whether an archive snapshot has real content.
func (p *Page) ArchiveContentLoaded() bool {
	if !IsArchiveDomain(p.URL) {
		return false
	}
	if strings.Contains(p.URL, "/newest/") || strings.Contains(p.URL, "/submit/") || strings.Contains(p.URL, "challenge") {
		return false
	}
	if strings.Contains(p.text, "complete the security check") {
		return false
	}
	return len(p.text) > 1000
}

// BypassSuccess reports whether a bypass service rendered the article.
func (p *Page) BypassSuccess() bool {
	if IsArchiveDomain(p.URL) {
		return false
	}
	if p.hasBypassError() {
		return false
	}
	for _, sel := range articleSelectors {
		if p.doc.Find(sel).Length() > 0 {
			return true
		}
	}
	return len(p.text) > 500
}

func (p *Page) hasBypassError() bool {
	body := strings.ToLower(p.text)
	for _, m := range bypassErrorMarkers {
		if strings.Contains(body, m) {
			return true
		}
	}
	title := strings.ToLower(p.Title)
	return strings.Contains(title, "error") || strings.Contains(title, "blocked")
}

// IsArchiveDomain reports whether rawURL points at the archive service.
func IsArchiveDomain(rawURL string) bool {
	if rawURL == "" {
		return false
	}
	for _, d := range ArchiveDomains {
		if strings.Contains(rawURL, d) {
			return true
		}
	}
	return false
}

func visible(s *goquery.Selection) bool {
	for n := s; n.Length() > 0; n = n.Parent() {
		if _, hidden := n.Attr("hidden"); hidden {
			return false
		}
		style := strings.ReplaceAll(strings.ToLower(n.AttrOr("style", "")), " ", "")
		if strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden") {
			return false
		}
	}
	return true
}

// selectorFor builds a CSS selector that addresses s uniquely in its document.
func selectorFor(s *goquery.Selection) string {
	var parts []string
	for n := s; n.Length() > 0; n = n.Parent() {
		name := goquery.NodeName(n)
		if name == "" || name == "#document" {
			break
		}
		if id, ok := n.Attr("id"); ok && id != "" {
			parts = append(parts, "#"+cssEscape(id))
			break
		}
		if name == "html" {
			parts = append(parts, name)
			break
		}
		idx := n.PrevAllFiltered(name).Length() + 1
		parts = append(parts, fmt.Sprintf("%s:nth-of-type(%d)", name, idx))
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, " > ")
}

func cssEscape(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			fmt.Fprintf(&b, `\%x `, r)
		}
	}
	return b.String()
}
