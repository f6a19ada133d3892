// Package render turns extracted documents into Markdown artifacts with a YAML
// front-matter block.
package render

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/tabclip/internal/clipper"
)

// WordsPerMinute is the reading speed used for reading_time.
const WordsPerMinute = 200

const maxSlugLength = 50

// DefaultTags are attached to every artifact.
var DefaultTags = []string{"clipping/web", "to-process"}

// FrontMatter is the YAML header of an artifact.
type FrontMatter struct {
	Title       string   `yaml:"title"`
	Source      string   `yaml:"source"`
	URL         string   `yaml:"url"`
	Author      string   `yaml:"author,omitempty"`
	Published   string   `yaml:"published,omitempty"`
	Created     string   `yaml:"created"`
	Description string   `yaml:"description,omitempty"`
	Type        string   `yaml:"type"`
	WordCount   int      `yaml:"word_count"`
	ReadingTime int      `yaml:"reading_time"`
	Tags        []string `yaml:"tags"`
}

// Stats summarize document length.
type Stats struct {
	WordCount   int
	ReadingTime int
}

var (
	codeBlockRe  = regexp.MustCompile("(?s)```.*?```")
	inlineCodeRe = regexp.MustCompile("`[^`]+`")
	linkRe       = regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`)
	markupRe     = regexp.MustCompile("[#*_~`]")
	slugRe       = regexp.MustCompile(`[^a-z0-9]+`)
)

// ReadingStats counts words outside Markdown syntax. Non-empty content reads
// in at least one minute.
func ReadingStats(content string) Stats {
	if strings.TrimSpace(content) == "" {
		return Stats{}
	}
	plain := codeBlockRe.ReplaceAllString(content, "")
	plain = inlineCodeRe.ReplaceAllString(plain, "")
	plain = linkRe.ReplaceAllString(plain, "$1")
	plain = markupRe.ReplaceAllString(plain, "")
	words := len(strings.Fields(plain))
	minutes := (words + WordsPerMinute - 1) / WordsPerMinute
	if minutes == 0 {
		minutes = 1
	}
	return Stats{WordCount: words, ReadingTime: minutes}
}

// Filename returns "YYYY-MM-DD--slug.md" for title.
func Filename(title string, now time.Time) string {
	slug := strings.Trim(slugRe.ReplaceAllString(strings.ToLower(title), "-"), "-")
	if len(slug) > maxSlugLength {
		slug = slug[:maxSlugLength]
	}
	if slug == "" {
		slug = "untitled"
	}
	return fmt.Sprintf("%s--%s.md", now.Format(time.DateOnly), slug)
}

// ContentType classifies a document for the front-matter.
func ContentType(data clipper.ExtractedData) string {
	switch {
	case data.Type != "":
		return data.Type
	case strings.Contains(data.URL, "youtube.com") || strings.Contains(data.URL, "youtu.be"):
		return "video"
	default:
		return "article"
	}
}

// Document renders data as a Markdown artifact saved at now.
func Document(data clipper.ExtractedData, now time.Time) (string, error) {
	stats := ReadingStats(data.Content)
	fm := FrontMatter{
		Title:       data.Title,
		Source:      "web-clip",
		URL:         data.URL,
		Author:      data.Author,
		Published:   data.Published,
		Created:     now.Format(time.DateOnly),
		Description: data.Description,
		Type:        ContentType(data),
		WordCount:   stats.WordCount,
		ReadingTime: stats.ReadingTime,
		Tags:        DefaultTags,
	}
	if data.Source != "" && data.Source != "web" {
		fm.Tags = append(append([]string(nil), DefaultTags...), "source/"+data.Source)
	}

	var buf bytes.Buffer
	buf.WriteString("---\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(fm); err != nil {
		return "", fmt.Errorf("encode front matter: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("encode front matter: %w", err)
	}
	buf.WriteString("---\n\n")

	fmt.Fprintf(&buf, "# %s\n\n", data.Title)
	fmt.Fprintf(&buf, "**URL:** %s\n", data.URL)
	fmt.Fprintf(&buf, "**Saved:** %s\n", now.Format(time.RFC1123))
	if stats.WordCount > 0 {
		fmt.Fprintf(&buf, "**Words:** %d (~%d min read)\n", stats.WordCount, stats.ReadingTime)
	}
	buf.WriteString("\n")
	if data.Description != "" {
		fmt.Fprintf(&buf, "**Description:** %s\n\n", data.Description)
	}
	if data.Author != "" {
		fmt.Fprintf(&buf, "**Author:** %s\n\n", data.Author)
	}
	buf.WriteString("---\n\n")
	buf.WriteString(data.Content)
	buf.WriteString("\n\n---\n\n## Notes\n\n<!-- Add your thoughts here -->\n")
	return buf.String(), nil
}

// ParseFrontMatter reads the YAML header back out of a rendered document.
func ParseFrontMatter(doc string) (FrontMatter, error) {
	var fm FrontMatter
	rest, ok := strings.CutPrefix(doc, "---\n")
	if !ok {
		return fm, fmt.Errorf("document has no front matter")
	}
	header, _, ok := strings.Cut(rest, "\n---\n")
	if !ok {
		return fm, fmt.Errorf("unterminated front matter")
	}
	if err := yaml.Unmarshal([]byte(header), &fm); err != nil {
		return fm, fmt.Errorf("decode front matter: %w", err)
	}
	return fm, nil
}
