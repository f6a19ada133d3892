package extract

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/tabclip/internal/clipper"
)

func TestGenericPrefersArticleAndDropsNoise(t *testing.T) {
	t.Parallel()

	snap := clipper.PageSnapshot{
		URL: "https://blog.example.com/posts/1",
		HTML: `<html><head>
			<title>Fallback Title</title>
			<meta property="og:title" content="Real Title">
			<meta name="author" content="Ada">
			<meta name="description" content="About things">
			<meta property="article:published_time" content="2025-02-03">
		</head><body>
			<nav>Home | About</nav>
			<article><h2>Section</h2><p>Body with <a href="/rel">a link</a>.</p><script>track()</script></article>
			<footer>Copyright</footer>
		</body></html>`,
	}
	data, err := New().Document(clipper.ExtractorGeneric, snap)
	require.NoError(t, err)
	require.Equal(t, "Real Title", data.Title)
	require.Equal(t, "Ada", data.Author)
	require.Equal(t, "2025-02-03", data.Published)
	require.Equal(t, "About things", data.Description)
	require.Contains(t, data.Content, "## Section")
	require.Contains(t, data.Content, "https://blog.example.com/rel")
	require.NotContains(t, data.Content, "track()")
	require.NotContains(t, data.Content, "Home | About")
}

func TestGenericEmptyPage(t *testing.T) {
	t.Parallel()

	_, err := New().Document(clipper.ExtractorGeneric, clipper.PageSnapshot{URL: "https://e.com", HTML: `<html><body><script>x()</script></body></html>`})
	require.ErrorIs(t, err, ErrNoContent)
}

func TestYouTubeSections(t *testing.T) {
	t.Parallel()

	snap := clipper.PageSnapshot{
		URL: "https://www.youtube.com/watch?v=abc",
		HTML: `<html><body>
			<h1 class="ytd-watch-metadata">Video Title</h1>
			<ytd-channel-name><a>Channel</a></ytd-channel-name>
			<div id="description-inline-expander">Great video</div>
			<ytd-transcript-segment-renderer><div class="segment-timestamp">0:01</div><div class="segment-text">hello</div></ytd-transcript-segment-renderer>
			<ytd-transcript-segment-renderer><div class="segment-timestamp">0:05</div><div class="segment-text">world</div></ytd-transcript-segment-renderer>
		</body></html>`,
	}
	data, err := New().Document(clipper.ExtractorYouTube, snap)
	require.NoError(t, err)
	require.Equal(t, "Video Title", data.Title)
	require.Equal(t, "Channel", data.Author)
	require.Equal(t, "video", data.Type)
	require.Contains(t, data.Content, "## Description\n\nGreat video")
	require.Contains(t, data.Content, "## Transcript\n\n[0:01] hello\n[0:05] world")
}

func TestTwitterThread(t *testing.T) {
	t.Parallel()

	snap := clipper.PageSnapshot{
		URL: "https://x.com/ada/status/1",
		HTML: `<html><body>
			<article data-testid="tweet"><div data-testid="User-Name">Ada Lovelace @ada</div><time datetime="2025-01-01T00:00:00Z"></time><div data-testid="tweetText">First tweet</div></article>
			<article data-testid="tweet"><div data-testid="tweetText">Reply</div></article>
		</body></html>`,
	}
	data, err := New().Document(clipper.ExtractorTwitter, snap)
	require.NoError(t, err)
	require.Equal(t, "Ada Lovelace: First tweet", data.Title)
	require.Equal(t, "2025-01-01T00:00:00Z", data.Published)
	require.Equal(t, "First tweet\n\n---\n\nReply", data.Content)
	require.Equal(t, "twitter", data.Source)
}

func TestPerplexityThread(t *testing.T) {
	t.Parallel()

	snap := clipper.PageSnapshot{
		URL:  "https://www.perplexity.ai/search/q",
		HTML: `<html><body><h1>What is Go?</h1><div class="prose dark">A language.</div></body></html>`,
	}
	data, err := New().Document(clipper.ExtractorPerplexity, snap)
	require.NoError(t, err)
	require.Equal(t, "What is Go?", data.Title)
	require.Equal(t, "## Query\n\nWhat is Go?\n\n## Answer\n\nA language.", data.Content)
}

func TestDocumentRejectsBookmarksKind(t *testing.T) {
	t.Parallel()

	_, err := New().Document(clipper.ExtractorBookmarks, clipper.PageSnapshot{HTML: "<html></html>"})
	require.Error(t, err)
}

func TestBookmarksDeduplicatesTweets(t *testing.T) {
	t.Parallel()

	snap := clipper.PageSnapshot{
		URL: "https://x.com/i/bookmarks",
		HTML: `<html><body>
			<article data-testid="tweet"><a href="/ada/status/11">t</a><a href="/ada/status/11/photo/1">p</a></article>
			<article data-testid="tweet"><a href="https://twitter.com/bob/status/22">t</a></article>
			<a href="/carol/status/33">outside a tweet</a>
		</body></html>`,
	}
	got, err := New().Bookmarks(snap)
	require.NoError(t, err)
	require.Equal(t, 2, got.TotalFound)
	require.Equal(t, "11", got.Bookmarks[0].TweetID)
	require.Equal(t, "https://x.com/ada/status/11", got.Bookmarks[0].URL)
	require.Equal(t, "https://x.com/bob/status/22", got.Bookmarks[1].URL)
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	require.Equal(t, "short", truncate("short", 10))
	require.Equal(t, "abc...", truncate("abcdef", 3))
}
