package clipper

import (
	"time"
)

// TabHandle identifies a browser tab for the lifetime of that tab.
type TabHandle string

// HandlerKind selects the acquisition strategy for a target.
type HandlerKind string

// Supported handler kinds, in classification priority order.
const (
	KindArchive       HandlerKind = "archive"
	KindBypass        HandlerKind = "medium"
	KindYouTube       HandlerKind = "youtube"
	KindYouTubeShorts HandlerKind = "youtube-shorts"
	KindTwitter       HandlerKind = "twitter"
	KindPerplexity    HandlerKind = "perplexity"
	KindGeneric       HandlerKind = "standard"
)

// IsPlatform reports whether the kind is served by a platform-specific extractor.
func (k HandlerKind) IsPlatform() bool {
	switch k {
	case KindYouTube, KindYouTubeShorts, KindTwitter, KindPerplexity:
		return true
	default:
		return false
	}
}

// ExtractorKind names the script a browser injects into a tab.
type ExtractorKind string

// Extractors understood by Browser implementations.
const (
	ExtractorGeneric    ExtractorKind = "generic"
	ExtractorYouTube    ExtractorKind = "youtube"
	ExtractorTwitter    ExtractorKind = "twitter"
	ExtractorPerplexity ExtractorKind = "perplexity"
	ExtractorBookmarks  ExtractorKind = "bookmarks"
)

// ClipRequest is created when a user action or scheduled sync initiates a capture.
type ClipRequest struct {
	TargetURL   string    `json:"url"`
	Title       string    `json:"title,omitempty"`
	Tab         TabHandle `json:"tabId"`
	RequestedAt time.Time `json:"requestedAt"`
	// Source tags captures that did not come from a user click (e.g. "twitter-bookmark").
	Source string `json:"source,omitempty"`
}

// ExtractedData is the payload delivered by a content extractor.
type ExtractedData struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Content     string `json:"content"`
	Author      string `json:"author,omitempty"`
	Published   string `json:"published,omitempty"`
	Description string `json:"description,omitempty"`
	Source      string `json:"source,omitempty"`
	Type        string `json:"type,omitempty"`
}

// HistoryStatus is the terminal state of a capture attempt.
type HistoryStatus string

// History statuses.
const (
	StatusSuccess HistoryStatus = "success"
	StatusFailed  HistoryStatus = "failed"
)

// HistoryEntry records one past capture attempt. Summary entries written by
// bulk and sync runs carry a Type and Stats.
type HistoryEntry struct {
	URL       string         `json:"url"`
	Title     string         `json:"title"`
	Timestamp time.Time      `json:"timestamp"`
	Status    HistoryStatus  `json:"status"`
	Error     string         `json:"error,omitempty"`
	Type      string         `json:"type,omitempty"`
	Stats     map[string]int `json:"stats,omitempty"`
}

// TabStatus tracks a single bulk item.
type TabStatus string

// Bulk item statuses.
const (
	TabPending    TabStatus = "pending"
	TabProcessing TabStatus = "processing"
	TabSuccess    TabStatus = "success"
	TabFailed     TabStatus = "failed"
)

// BulkClipTabState is observed by the bulk status UI.
type BulkClipTabState struct {
	Tab            TabHandle   `json:"tabId"`
	URL            string      `json:"url"`
	Title          string      `json:"title"`
	Status         TabStatus   `json:"status"`
	ProcessingKind HandlerKind `json:"processingType"`
	Error          string      `json:"error,omitempty"`
}

// BulkClipJob is the state of the latest bulk invocation.
type BulkClipJob struct {
	ID                string             `json:"id"`
	WindowID          string             `json:"windowId"`
	Items             []BulkClipTabState `json:"tabs"`
	StartedAt         time.Time          `json:"startedAt"`
	FinishedAt        *time.Time         `json:"finishedAt,omitempty"`
	SuccessCount      int                `json:"successCount"`
	FailCount         int                `json:"failCount"`
	DuplicatesSkipped int                `json:"duplicatesSkipped"`
}

// Clone returns a deep copy safe to hand to observers.
func (j BulkClipJob) Clone() BulkClipJob {
	out := j
	out.Items = append([]BulkClipTabState(nil), j.Items...)
	if j.FinishedAt != nil {
		finished := *j.FinishedAt
		out.FinishedAt = &finished
	}
	return out
}

// TabInfo describes an open tab.
type TabInfo struct {
	Tab      TabHandle `json:"tabId"`
	WindowID string    `json:"windowId"`
	URL      string    `json:"url"`
	Title    string    `json:"title"`
}

// PageSnapshot is the rendered state of a tab at one instant.
type PageSnapshot struct {
	URL   string
	Title string
	HTML  string
}

// Artifact describes a saved Markdown document.
type Artifact struct {
	Filename string `json:"filename"`
	URI      string `json:"uri"`
}

// Outcome is the result of a single capture. Router callers never receive an
// error; failures are reported through Status and Err.
type Outcome struct {
	Request   ClipRequest      `json:"request"`
	Kind      HandlerKind      `json:"kind"`
	Status    HistoryStatus    `json:"status"`
	Data      ExtractedData    `json:"data"`
	Artifact  Artifact         `json:"artifact"`
	Duplicate *DuplicateNotice `json:"duplicate,omitempty"`
	Err       error            `json:"-"`
	// Native is set when the platform exported the document itself.
	Native bool `json:"native,omitempty"`
}

// ErrorText returns the failure message, if any.
func (o Outcome) ErrorText() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}
