package persistence

import (
	"context"
	"encoding/json"
	"time"
)

// Snapshotter periodically persists a JSON-serializable snapshot function's
// output to a Backend under a fixed key. Components in this module keep
// their authoritative state in process memory (spec §6 treats every entity
// as in-memory with a documented, opt-in persistence contract); Snapshotter
// is that opt-in path, giving operators a recent-state record to inspect or
// replay after a crash without requiring every component to support being
// rehydrated from storage.
type Snapshotter struct {
	backend  Backend
	key      string
	interval time.Duration
	source   func() any
}

// NewSnapshotter builds a Snapshotter that calls source on each tick and
// saves its JSON encoding to key.
func NewSnapshotter(backend Backend, key string, interval time.Duration, source func() any) *Snapshotter {
	return &Snapshotter{backend: backend, key: key, interval: interval, source: source}
}

// Run blocks, saving a snapshot on every tick until ctx is cancelled.
func (s *Snapshotter) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = s.snapshotOnce(ctx)
		}
	}
}

func (s *Snapshotter) snapshotOnce(ctx context.Context) error {
	data, err := json.Marshal(s.source())
	if err != nil {
		return err
	}
	return s.backend.Save(ctx, s.key, data)
}

// Last loads and decodes the most recently saved snapshot into v.
func (s *Snapshotter) Last(ctx context.Context, v any) error {
	data, err := s.backend.Load(ctx, s.key)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
