// Package messages decodes the JSON message protocol spoken by content
// scripts and the status UI into a closed set of Go types, and dispatches each
// kind to its handler.
package messages

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/JakeFAU/tabclip/internal/bookmarks"
	"github.com/JakeFAU/tabclip/internal/clipper"
)

// Kind is the wire "type" tag.
type Kind string

// Message kinds.
const (
	KindContentExtracted       Kind = "CONTENT_EXTRACTED"
	KindGetSettings            Kind = "GET_SETTINGS"
	KindSyncBookmarks          Kind = "SYNC_TWITTER_BOOKMARKS"
	KindBookmarksScraped       Kind = "BOOKMARKS_SCRAPED"
	KindBookmarksScrapeFailed  Kind = "BOOKMARKS_SCRAPE_FAILED"
	KindBookmarkScrapeProgress Kind = "BOOKMARK_SCRAPE_PROGRESS"
	KindUpdateSyncSettings     Kind = "UPDATE_TWITTER_SYNC_SETTINGS"
	KindResetSyncTracking      Kind = "RESET_TWITTER_SYNC_TRACKING"
	KindBulkClipTabs           Kind = "BULK_CLIP_TABS"
	KindGetBulkClipState       Kind = "GET_BULK_CLIP_STATE"
	KindClipError              Kind = "CLIP_ERROR"
	KindPerplexityStatus       Kind = "PERPLEXITY_STATUS"
	KindClipTab                Kind = "CLIP_TAB"
)

// Kinds lists every kind Decode accepts.
func Kinds() []Kind {
	kinds := make([]Kind, 0, len(decoders))
	for k := range decoders {
		kinds = append(kinds, k)
	}
	return kinds
}

// ErrUnknownKind is returned by Decode for an unrecognized type tag.
var ErrUnknownKind = errors.New("unknown message type")

// Message is one decoded protocol message. The set of implementations is
// closed: only the types in this package satisfy it.
type Message interface {
	Kind() Kind
	sealed()
}

// Envelope is the raw wire shape shared by all kinds.
type Envelope struct {
	Type     Kind            `json:"type"`
	TabID    json.RawMessage `json:"tabId,omitempty"`
	WindowID json.RawMessage `json:"windowId,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Error    string          `json:"error,omitempty"`
	Status   string          `json:"status,omitempty"`
}

// ContentExtracted carries a document from an extractor.
type ContentExtracted struct {
	Tab  clipper.TabHandle
	Data clipper.ExtractedData
}

// GetSettings asks for the current settings.
type GetSettings struct{}

// SyncBookmarks starts a bookmark sync and waits for its stats.
type SyncBookmarks struct{}

// BookmarksScraped carries the scraper's result.
type BookmarksScraped struct {
	Tab    clipper.TabHandle
	Result bookmarks.Scraped
}

// BookmarksScrapeFailed reports a scraper failure.
type BookmarksScrapeFailed struct {
	Tab   clipper.TabHandle
	Error string
}

// BookmarkScrapeProgress is an opaque progress report from the scraper.
type BookmarkScrapeProgress struct {
	Tab  clipper.TabHandle
	Data json.RawMessage
}

// UpdateSyncSettings changes the auto-sync schedule.
type UpdateSyncSettings struct {
	Update bookmarks.SettingsUpdate
}

// ResetSyncTracking forgets every synced tweet.
type ResetSyncTracking struct{}

// BulkClipTabs starts a bulk clip of a window.
type BulkClipTabs struct {
	WindowID string
}

// GetBulkClipState asks for the latest bulk job.
type GetBulkClipState struct{}

// ClipError reports an extractor failure.
type ClipError struct {
	Tab   clipper.TabHandle
	Error string
}

// PerplexityStatus reports the Perplexity exporter's progress.
type PerplexityStatus struct {
	Tab    clipper.TabHandle
	Status string
}

// ClipTab re-clips an open tab.
type ClipTab struct {
	Tab clipper.TabHandle
}

func (ContentExtracted) Kind() Kind       { return KindContentExtracted }
func (GetSettings) Kind() Kind            { return KindGetSettings }
func (SyncBookmarks) Kind() Kind          { return KindSyncBookmarks }
func (BookmarksScraped) Kind() Kind       { return KindBookmarksScraped }
func (BookmarksScrapeFailed) Kind() Kind  { return KindBookmarksScrapeFailed }
func (BookmarkScrapeProgress) Kind() Kind { return KindBookmarkScrapeProgress }
func (UpdateSyncSettings) Kind() Kind     { return KindUpdateSyncSettings }
func (ResetSyncTracking) Kind() Kind      { return KindResetSyncTracking }
func (BulkClipTabs) Kind() Kind           { return KindBulkClipTabs }
func (GetBulkClipState) Kind() Kind       { return KindGetBulkClipState }
func (ClipError) Kind() Kind              { return KindClipError }
func (PerplexityStatus) Kind() Kind       { return KindPerplexityStatus }
func (ClipTab) Kind() Kind                { return KindClipTab }

func (ContentExtracted) sealed()       {}
func (GetSettings) sealed()            {}
func (SyncBookmarks) sealed()          {}
func (BookmarksScraped) sealed()       {}
func (BookmarksScrapeFailed) sealed()  {}
func (BookmarkScrapeProgress) sealed() {}
func (UpdateSyncSettings) sealed()     {}
func (ResetSyncTracking) sealed()      {}
func (BulkClipTabs) sealed()           {}
func (GetBulkClipState) sealed()       {}
func (ClipError) sealed()              {}
func (PerplexityStatus) sealed()       {}
func (ClipTab) sealed()                {}

var decoders = map[Kind]func(Envelope) (Message, error){
	KindContentExtracted: func(e Envelope) (Message, error) {
		var m ContentExtracted
		if err := decodeData(e.Data, &m.Data); err != nil {
			return nil, err
		}
		if m.Data.URL == "" {
			return nil, errors.New("data.url is required")
		}
		m.Tab = handle(e.TabID)
		return m, nil
	},
	KindGetSettings:   func(Envelope) (Message, error) { return GetSettings{}, nil },
	KindSyncBookmarks: func(Envelope) (Message, error) { return SyncBookmarks{}, nil },
	KindBookmarksScraped: func(e Envelope) (Message, error) {
		m := BookmarksScraped{Tab: handle(e.TabID)}
		return m, decodeData(e.Data, &m.Result)
	},
	KindBookmarksScrapeFailed: func(e Envelope) (Message, error) {
		return BookmarksScrapeFailed{Tab: handle(e.TabID), Error: e.Error}, nil
	},
	KindBookmarkScrapeProgress: func(e Envelope) (Message, error) {
		return BookmarkScrapeProgress{Tab: handle(e.TabID), Data: e.Data}, nil
	},
	KindUpdateSyncSettings: func(e Envelope) (Message, error) {
		var m UpdateSyncSettings
		return m, decodeData(e.Data, &m.Update)
	},
	KindResetSyncTracking: func(Envelope) (Message, error) { return ResetSyncTracking{}, nil },
	KindBulkClipTabs: func(e Envelope) (Message, error) {
		return BulkClipTabs{WindowID: string(handle(e.WindowID))}, nil
	},
	KindGetBulkClipState: func(Envelope) (Message, error) { return GetBulkClipState{}, nil },
	KindClipError: func(e Envelope) (Message, error) {
		return ClipError{Tab: handle(e.TabID), Error: e.Error}, nil
	},
	KindPerplexityStatus: func(e Envelope) (Message, error) {
		return PerplexityStatus{Tab: handle(e.TabID), Status: e.Status}, nil
	},
	KindClipTab: func(e Envelope) (Message, error) {
		tab := handle(e.TabID)
		if tab == "" {
			return nil, errors.New("tabId is required")
		}
		return ClipTab{Tab: tab}, nil
	},
}

// Decode parses one wire message.
func Decode(raw []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return DecodeEnvelope(env)
}

// DecodeEnvelope converts an already parsed envelope.
func DecodeEnvelope(env Envelope) (Message, error) {
	dec, ok := decoders[env.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Type)
	}
	msg, err := dec(env)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return msg, nil
}

func decodeData(raw json.RawMessage, v any) error {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// handle accepts tab and window IDs sent as JSON numbers or strings.
func handle(raw json.RawMessage) clipper.TabHandle {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return clipper.TabHandle(s)
	}
	return clipper.TabHandle(strings.TrimSpace(string(raw)))
}
