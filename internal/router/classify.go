package router

import (
	"strings"

	"github.com/JakeFAU/tabclip/internal/clipper"
	"github.com/JakeFAU/tabclip/internal/settings"
)

var uncapturablePrefixes = []string{"chrome://", "chrome-extension://", "about:", "edge://", "devtools://"}

// Capturable reports whether a tab at url can be clipped at all. Browser
// internal pages and blank tabs cannot.
func Capturable(url string) bool {
	url = strings.TrimSpace(url)
	if url == "" {
		return false
	}
	lower := strings.ToLower(url)
	for _, p := range uncapturablePrefixes {
		if strings.HasPrefix(lower, p) {
			return false
		}
	}
	return true
}

// Classify picks the handler for url. The first matching rule wins:
// archive-eligible, bypass-eligible, then platform rules, then generic.
// Site lists match by substring, so "nytimes.com" also covers subdomains.
func Classify(url string, s settings.Settings) clipper.HandlerKind {
	lower := strings.ToLower(url)
	switch {
	case s.AutoArchive && containsAny(lower, s.ArchiveSites):
		return clipper.KindArchive
	case s.BypassMedium && containsAny(lower, s.BypassDomains):
		return clipper.KindBypass
	case strings.Contains(lower, "youtube.com/shorts"):
		return clipper.KindYouTubeShorts
	case strings.Contains(lower, "youtube.com/watch"), strings.Contains(lower, "youtu.be/"):
		return clipper.KindYouTube
	case strings.Contains(lower, "twitter.com/"), strings.Contains(lower, "x.com/"):
		return clipper.KindTwitter
	case strings.Contains(lower, "perplexity.ai"):
		return clipper.KindPerplexity
	default:
		return clipper.KindGeneric
	}
}

func containsAny(url string, sites []string) bool {
	for _, site := range sites {
		site = strings.ToLower(strings.TrimSpace(site))
		if site != "" && strings.Contains(url, site) {
			return true
		}
	}
	return false
}

func extractorFor(kind clipper.HandlerKind) clipper.ExtractorKind {
	switch kind {
	case clipper.KindYouTube, clipper.KindYouTubeShorts:
		return clipper.ExtractorYouTube
	case clipper.KindTwitter:
		return clipper.ExtractorTwitter
	case clipper.KindPerplexity:
		return clipper.ExtractorPerplexity
	default:
		return clipper.ExtractorGeneric
	}
}
