// Package history keeps the bounded, newest-first log of capture attempts.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/tabclip/internal/actor"
	"github.com/JakeFAU/tabclip/internal/clipper"
	"github.com/JakeFAU/tabclip/internal/clock/system"
)

const (
	// Key is the KV key holding the serialized log.
	Key = "clippingHistory"
	// MaxEntries bounds the log; the oldest entry is evicted first.
	MaxEntries = 500
)

// Store appends to the log stored in a clipper.KV. Every read-modify-write
// runs on one actor goroutine so concurrent bulk and sync runs cannot lose
// each other's entries.
type Store struct {
	kv     clipper.KV
	clock  clipper.Clock
	owner  *actor.Actor
	logger *zap.Logger
	max    int
}

// Option customizes a Store.
type Option func(*Store)

// WithMaxEntries overrides MaxEntries (tests only).
func WithMaxEntries(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.max = n
		}
	}
}

// New creates a Store over kv. Entries appended without a timestamp are
// stamped from clock.
func New(kv clipper.KV, clock clipper.Clock, logger *zap.Logger, opts ...Option) *Store {
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		kv:     kv,
		clock:  clock,
		owner:  actor.New(128),
		logger: logger,
		max:    MaxEntries,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append inserts entry at the head of the log, evicting the oldest entries
// beyond the bound.
func (s *Store) Append(ctx context.Context, entry clipper.HistoryEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.clock.Now().UTC()
	}
	return s.owner.Do(ctx, func(ctx context.Context) error {
		entries, err := s.load(ctx)
		if err != nil {
			return err
		}
		entries = append([]clipper.HistoryEntry{entry}, entries...)
		if len(entries) > s.max {
			entries = entries[:s.max]
		}
		return s.save(ctx, entries)
	})
}

// List returns the log, newest first.
func (s *Store) List(ctx context.Context) ([]clipper.HistoryEntry, error) {
	var out []clipper.HistoryEntry
	err := s.owner.Do(ctx, func(ctx context.Context) error {
		entries, err := s.load(ctx)
		out = entries
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes every entry recorded at ts. It reports whether any matched.
func (s *Store) Delete(ctx context.Context, ts time.Time) (bool, error) {
	removed := false
	err := s.owner.Do(ctx, func(ctx context.Context) error {
		entries, err := s.load(ctx)
		if err != nil {
			return err
		}
		kept := entries[:0]
		for _, e := range entries {
			if e.Timestamp.Equal(ts) {
				removed = true
				continue
			}
			kept = append(kept, e)
		}
		if !removed {
			return nil
		}
		return s.save(ctx, kept)
	})
	return removed, err
}

// Clear empties the log.
func (s *Store) Clear(ctx context.Context) error {
	return s.owner.Do(ctx, func(ctx context.Context) error {
		if err := s.kv.Delete(ctx, Key); err != nil {
			return fmt.Errorf("clear history: %w", err)
		}
		return nil
	})
}

// Close stops the owning goroutine after queued writes finish.
func (s *Store) Close(ctx context.Context) error {
	if err := s.owner.Stop(ctx); err != nil {
		return fmt.Errorf("history close: %w", err)
	}
	return nil
}

func (s *Store) load(ctx context.Context) ([]clipper.HistoryEntry, error) {
	raw, ok, err := s.kv.Get(ctx, Key)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	if !ok || len(raw) == 0 {
		return []clipper.HistoryEntry{}, nil
	}
	var entries []clipper.HistoryEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		s.logger.Warn("history is corrupt, starting fresh", zap.Error(err))
		return []clipper.HistoryEntry{}, nil
	}
	return entries, nil
}

func (s *Store) save(ctx context.Context, entries []clipper.HistoryEntry) error {
	raw, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	if err := s.kv.Put(ctx, Key, raw); err != nil {
		return fmt.Errorf("save history: %w", err)
	}
	return nil
}
