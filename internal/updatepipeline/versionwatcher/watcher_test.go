package versionwatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/fleetctl/internal/domain"
	"github.com/r3e-network/fleetctl/internal/events"
)

type fakeFetcher struct {
	mu       sync.Mutex
	versions map[domain.ProviderID]string
	err      error
}

func (f *fakeFetcher) Fetch(_ context.Context, source domain.UpstreamSource) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	return f.versions[source.ProviderID], nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *recordingSink) Emit(_ context.Context, ev events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) all() []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]events.Event(nil), s.events...)
}

func TestWatchRegistersCronEntry(t *testing.T) {
	fetcher := &fakeFetcher{versions: map[domain.ProviderID]string{domain.ProviderCodex: "1.0.0"}}
	w := New(Config{DefaultCheckInterval: time.Hour, HTTPTimeout: time.Second}, fetcher, events.NoopSink, nil)

	id, err := w.Watch(domain.UpstreamSource{ProviderID: domain.ProviderCodex, URL: "http://example.invalid", CheckIntervalMs: 60_000})
	require.NoError(t, err)
	assert.NotZero(t, id)
}

func TestPollEmitsVersionDiscoveredOnChange(t *testing.T) {
	fetcher := &fakeFetcher{versions: map[domain.ProviderID]string{domain.ProviderCodex: "1.2.0"}}
	sink := &recordingSink{}
	w := New(Config{DefaultCheckInterval: time.Hour, HTTPTimeout: time.Second}, fetcher, sink, nil)

	source := domain.UpstreamSource{ProviderID: domain.ProviderCodex, URL: "http://example.invalid"}
	w.poll(context.Background(), source)

	evs := sink.all()
	require.Len(t, evs, 1)
	assert.Equal(t, events.TypeVersionDiscovered, evs[0].Type)
	payload := evs[0].Payload.(VersionDiscoveredPayload)
	assert.Equal(t, "1.2.0", payload.Version)
	assert.Empty(t, payload.PreviousVersion)

	// Polling again with the same version must not re-emit.
	w.poll(context.Background(), source)
	assert.Len(t, sink.all(), 1)

	// A version bump re-emits with the previous version recorded.
	fetcher.mu.Lock()
	fetcher.versions[domain.ProviderCodex] = "1.3.0"
	fetcher.mu.Unlock()
	w.poll(context.Background(), source)

	evs = sink.all()
	require.Len(t, evs, 2)
	payload = evs[1].Payload.(VersionDiscoveredPayload)
	assert.Equal(t, "1.3.0", payload.Version)
	assert.Equal(t, "1.2.0", payload.PreviousVersion)
}

func TestPollEmitsCheckErrorOnFetchFailure(t *testing.T) {
	fetcher := &fakeFetcher{err: errors.New("upstream unreachable")}
	sink := &recordingSink{}
	w := New(Config{DefaultCheckInterval: time.Hour, HTTPTimeout: time.Second}, fetcher, sink, nil)

	w.poll(context.Background(), domain.UpstreamSource{ProviderID: domain.ProviderCodex, URL: "http://example.invalid"})

	evs := sink.all()
	require.Len(t, evs, 1)
	assert.Equal(t, events.TypeCheckError, evs[0].Type)
	payload := evs[0].Payload.(CheckErrorPayload)
	assert.Equal(t, "upstream unreachable", payload.Error)
}

func TestRegisterHeartbeatVersionSkipsFetcher(t *testing.T) {
	fetcher := &fakeFetcher{}
	sink := &recordingSink{}
	w := New(Config{DefaultCheckInterval: time.Hour, HTTPTimeout: time.Second}, fetcher, sink, nil)

	w.RegisterHeartbeatVersion(context.Background(), domain.ProviderClaudeCode, "9.9.9")

	evs := sink.all()
	require.Len(t, evs, 1)
	payload := evs[0].Payload.(VersionDiscoveredPayload)
	assert.Equal(t, "9.9.9", payload.Version)

	w.RegisterHeartbeatVersion(context.Background(), domain.ProviderClaudeCode, "9.9.9")
	assert.Len(t, sink.all(), 1, "no-op on unchanged version")
}

func TestStartStopLifecycle(t *testing.T) {
	w := New(Config{DefaultCheckInterval: time.Hour, HTTPTimeout: time.Second}, &fakeFetcher{}, events.NoopSink, nil)
	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, w.Stop(context.Background()))
	assert.Equal(t, "update_pipeline.version_watcher", w.Name())
}
