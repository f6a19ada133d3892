package render

import (
	"regexp"
	"strings"

	"github.com/JakeFAU/tabclip/internal/clipper"
)

var (
	timestampRe    = regexp.MustCompile(`\*?\*?\[?\d{1,2}:\d{2}(?::\d{2})?\]?\*?\*?\s*`)
	transcriptRe   = regexp.MustCompile(`(?s)## Transcript\n\n(.*?)(\n## |\n---\n|\z)`)
	emptySectionRe = regexp.MustCompile(`## \w+\n\n(## |---)`)
	repeatedRuleRe = regexp.MustCompile(`(---\n\n){2,}`)
	multiSpaceRe   = regexp.MustCompile(`\s{2,}`)
	manyNewlinesRe = regexp.MustCompile(`\n{3,}`)
)

// CleanYouTube strips transcript timestamps, keeps the first description
// section and flattens the transcript into running text. Non-YouTube
// documents are returned unchanged.
func CleanYouTube(data clipper.ExtractedData) clipper.ExtractedData {
	if !strings.Contains(data.URL, "youtube.com") && !strings.Contains(data.URL, "youtu.be") {
		return data
	}
	content := timestampRe.ReplaceAllString(data.Content, "")
	content = dropRepeatedDescriptions(content)

	if m := transcriptRe.FindStringSubmatchIndex(content); m != nil {
		body := content[m[2]:m[3]]
		body = timestampRe.ReplaceAllString(body, "")
		body = manyNewlinesRe.ReplaceAllString(body, "\n\n")
		body = strings.ReplaceAll(body, "\n", " ")
		body = strings.TrimSpace(multiSpaceRe.ReplaceAllString(body, " "))
		content = content[:m[0]] + "## Transcript\n\n" + body + "\n\n" + content[m[4]:]
	}

	content = emptySectionRe.ReplaceAllString(content, "$1")
	content = repeatedRuleRe.ReplaceAllString(content, "---\n\n")
	data.Content = content
	return data
}

func dropRepeatedDescriptions(content string) string {
	const heading = "## Description\n\n"
	first := strings.Index(content, heading)
	if first < 0 {
		return content
	}
	head, rest := content[:first+len(heading)], content[first+len(heading):]
	for {
		i := strings.Index(rest, heading)
		if i < 0 {
			return head + rest
		}
		rest = rest[:i] + rest[sectionEnd(rest, i+len(heading)):]
	}
}

// sectionEnd returns the index of the next heading or rule at or after from.
func sectionEnd(s string, from int) int {
	end := len(s)
	for _, term := range []string{"\n## ", "\n---"} {
		if j := strings.Index(s[from:], term); j >= 0 && from+j < end {
			end = from + j
		}
	}
	return end
}
