package clipper

import (
	"context"
	"io"
	"time"
)

// Browser drives tabs on behalf of the orchestrator. Extraction results are not
// returned by InjectExtractor; they arrive later as CONTENT_EXTRACTED messages.
type Browser interface {
	OpenTab(ctx context.Context, url string, active bool) (TabHandle, error)
	CloseTab(ctx context.Context, tab TabHandle) error
	ActivateTab(ctx context.Context, tab TabHandle) error
	TabExists(ctx context.Context, tab TabHandle) (bool, error)
	TabInfo(ctx context.Context, tab TabHandle) (TabInfo, error)
	ListTabs(ctx context.Context, windowID string) ([]TabInfo, error)
	WaitLoad(ctx context.Context, tab TabHandle) error
	Snapshot(ctx context.Context, tab TabHandle) (PageSnapshot, error)
	Click(ctx context.Context, tab TabHandle, selector string) error
	SubmitForm(ctx context.Context, tab TabHandle, inputSelector, value string) error
	InjectExtractor(ctx context.Context, tab TabHandle, kind ExtractorKind) error
}

// KV is the opaque persistence layer for settings and history.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// ArtifactStore persists rendered Markdown and returns a URI.
type ArtifactStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Notifier surfaces user-visible messages.
type Notifier interface {
	Notify(ctx context.Context, title, message string)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// Sleeper pauses for a duration or until ctx is done.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// Extractor injects a content extractor into tab and waits for its result.
// originalURL, when set, replaces the URL of the delivered document.
type Extractor interface {
	Extract(
		ctx context.Context,
		tab TabHandle,
		kind ExtractorKind,
		timeout time.Duration,
		originalURL string,
	) (ExtractedData, error)
}
