// Package settings holds user preferences and the bookmark sync state, stored
// as one JSON document in the KV store.
package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/tabclip/internal/actor"
	"github.com/JakeFAU/tabclip/internal/clipper"
)

// Key is the KV key for the settings document.
const Key = "settings"

// DefaultSaveLocation is the folder artifacts are written under.
const DefaultSaveLocation = "Obsidian-Clips"

// DefaultArchiveSites are routed through the archive service when AutoArchive is on.
var DefaultArchiveSites = []string{
	"nytimes.com",
	"newyorker.com",
	"washingtonpost.com",
	"ft.com",
	"wsj.com",
	"forbes.com",
	"economist.com",
	"bloomberg.com",
	"theatlantic.com",
	"wired.com",
	"theinformation.com",
	"barrons.com",
	"telegraph.co.uk",
	"thetimes.co.uk",
	"foreignpolicy.com",
	"hbr.org",
	"scientificamerican.com",
	"newscientist.com",
	"businessinsider.com",
	"visualcapitalist.com",
	"seekingalpha.com",
}

// DefaultBypassDomains host Medium-network articles.
var DefaultBypassDomains = []string{
	"medium.com",
	"towardsdatascience.com",
	"betterprogramming.pub",
	"levelup.gitconnected.com",
	"javascript.plainenglish.io",
	"python.plainenglish.io",
	"blog.devgenius.io",
	"uxplanet.org",
}

// SyncState is the persisted bookmark sync record.
type SyncState struct {
	Enabled             bool       `json:"enabled"`
	IntervalMinutes     int        `json:"autoSyncInterval"`
	SyncedIDs           []string   `json:"syncedTweetIds"`
	LastSync            *time.Time `json:"lastSyncTimestamp,omitempty"`
	TotalBookmarksFound int        `json:"totalBookmarksFound"`
	TotalNewlySynced    int        `json:"totalNewlySynced"`
	InProgress          bool       `json:"syncInProgress"`
	LockTimestamp       *time.Time `json:"syncLockTimestamp,omitempty"`
}

// HasSynced reports whether id was already clipped.
func (s SyncState) HasSynced(id string) bool {
	for _, v := range s.SyncedIDs {
		if v == id {
			return true
		}
	}
	return false
}

// MarkSynced records id once.
func (s *SyncState) MarkSynced(id string) {
	if !s.HasSynced(id) {
		s.SyncedIDs = append(s.SyncedIDs, id)
	}
}

// LockIsStale reports whether an in-progress lock is older than maxAge.
// A lock without a timestamp is always stale.
func (s SyncState) LockIsStale(now time.Time, maxAge time.Duration) bool {
	if !s.InProgress {
		return false
	}
	if s.LockTimestamp == nil {
		return true
	}
	return !s.LockTimestamp.After(now.Add(-maxAge))
}

// Settings are the user preferences.
type Settings struct {
	SaveLocation  string    `json:"saveLocation"`
	Notifications bool      `json:"notifications"`
	TrackHistory  bool      `json:"trackHistory"`
	AutoArchive   bool      `json:"autoArchive"`
	BypassMedium  bool      `json:"bypassMedium"`
	ArchiveSites  []string  `json:"archiveSites"`
	BypassDomains []string  `json:"bypassDomains"`
	BookmarkSync  SyncState `json:"twitterBookmarkSync"`
}

// Defaults returns a fresh copy of the default settings.
func Defaults() Settings {
	return Settings{
		SaveLocation:  DefaultSaveLocation,
		Notifications: true,
		TrackHistory:  true,
		ArchiveSites:  append([]string(nil), DefaultArchiveSites...),
		BypassDomains: append([]string(nil), DefaultBypassDomains...),
		BookmarkSync: SyncState{
			IntervalMinutes: 30,
			SyncedIDs:       []string{},
		},
	}
}

// Clone deep-copies s.
func (s Settings) Clone() Settings {
	out := s
	out.ArchiveSites = append([]string(nil), s.ArchiveSites...)
	out.BypassDomains = append([]string(nil), s.BypassDomains...)
	out.BookmarkSync.SyncedIDs = append([]string{}, s.BookmarkSync.SyncedIDs...)
	if s.BookmarkSync.LastSync != nil {
		t := *s.BookmarkSync.LastSync
		out.BookmarkSync.LastSync = &t
	}
	if s.BookmarkSync.LockTimestamp != nil {
		t := *s.BookmarkSync.LockTimestamp
		out.BookmarkSync.LockTimestamp = &t
	}
	return out
}

// Store serializes access to the settings document on one goroutine.
type Store struct {
	kv     clipper.KV
	owner  *actor.Actor
	logger *zap.Logger
}

// NewStore creates a Store over kv.
func NewStore(kv clipper.KV, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{kv: kv, owner: actor.New(64), logger: logger}
}

// Get returns the current settings merged over the defaults.
func (s *Store) Get(ctx context.Context) (Settings, error) {
	var out Settings
	err := s.owner.Do(ctx, func(ctx context.Context) error {
		cur, err := s.load(ctx)
		out = cur
		return err
	})
	return out, err
}

// Update applies fn to the current settings and persists the result. If fn
// returns an error nothing is written.
func (s *Store) Update(ctx context.Context, fn func(*Settings) error) (Settings, error) {
	var out Settings
	err := s.owner.Do(ctx, func(ctx context.Context) error {
		cur, err := s.load(ctx)
		if err != nil {
			return err
		}
		if err := fn(&cur); err != nil {
			return err
		}
		if err := s.save(ctx, cur); err != nil {
			return err
		}
		out = cur.Clone()
		return nil
	})
	return out, err
}

// Close stops the owning goroutine.
func (s *Store) Close(ctx context.Context) error {
	return s.owner.Stop(ctx)
}

func (s *Store) load(ctx context.Context) (Settings, error) {
	cur := Defaults()
	raw, ok, err := s.kv.Get(ctx, Key)
	if err != nil {
		return cur, fmt.Errorf("load settings: %w", err)
	}
	if !ok || len(raw) == 0 {
		return cur, nil
	}
	if err := json.Unmarshal(raw, &cur); err != nil {
		s.logger.Warn("settings are corrupt, using defaults", zap.Error(err))
		return Defaults(), nil
	}
	if cur.BookmarkSync.IntervalMinutes <= 0 {
		cur.BookmarkSync.IntervalMinutes = 30
	}
	if cur.BookmarkSync.SyncedIDs == nil {
		cur.BookmarkSync.SyncedIDs = []string{}
	}
	return cur, nil
}

func (s *Store) save(ctx context.Context, cur Settings) error {
	raw, err := json.Marshal(cur)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	if err := s.kv.Put(ctx, Key, raw); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}
