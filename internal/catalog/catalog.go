// Package catalog holds the provider/model metadata table. Requests read an
// immutable Snapshot; Refresh swaps in a new one without disturbing requests
// that already hold the old one.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jordanhubbard/llmproxy/internal/events"
	"github.com/jordanhubbard/llmproxy/internal/router"
)

// Snapshot is one immutable version of the catalog.
type Snapshot struct {
	entries    map[string]router.ModelEntry
	byProvider map[string][]router.ModelEntry
	providers  []string
	loadedAt   time.Time
	version    uint64
}

func key(provider, model string) string { return provider + "/" + model }

// NewSnapshot validates entries and indexes them. Entries are listed per
// provider in model-name order.
func NewSnapshot(entries []router.ModelEntry) (*Snapshot, error) {
	if err := Validate(entries); err != nil {
		return nil, err
	}
	s := &Snapshot{
		entries:    make(map[string]router.ModelEntry, len(entries)),
		byProvider: make(map[string][]router.ModelEntry),
		loadedAt:   time.Now(),
	}
	for _, e := range entries {
		s.entries[key(e.Provider, e.Model)] = e
		s.byProvider[e.Provider] = append(s.byProvider[e.Provider], e)
	}
	for p, list := range s.byProvider {
		sort.Slice(list, func(i, j int) bool { return list[i].Model < list[j].Model })
		s.providers = append(s.providers, p)
	}
	sort.Strings(s.providers)
	return s, nil
}

// Lookup returns the entry for provider/model. Unknown pairs are an error,
// never a default.
func (s *Snapshot) Lookup(provider, model string) (router.ModelEntry, error) {
	if s != nil {
		if e, ok := s.entries[key(provider, model)]; ok {
			return e, nil
		}
	}
	return router.ModelEntry{}, &router.ModelUnavailableError{Provider: provider, Model: model, Reason: "not in catalog"}
}

// ListByProvider returns a copy of the provider's entries.
func (s *Snapshot) ListByProvider(provider string) []router.ModelEntry {
	if s == nil {
		return nil
	}
	return append([]router.ModelEntry(nil), s.byProvider[provider]...)
}

// All returns every entry ordered by provider, then model.
func (s *Snapshot) All() []router.ModelEntry {
	if s == nil {
		return nil
	}
	out := make([]router.ModelEntry, 0, len(s.entries))
	for _, p := range s.providers {
		out = append(out, s.byProvider[p]...)
	}
	return out
}

func (s *Snapshot) Providers() []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s.providers...)
}

func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.entries)
}

func (s *Snapshot) LoadedAt() time.Time { return s.loadedAt }
func (s *Snapshot) Version() uint64     { return s.version }

// Validate rejects malformed or duplicate entries.
func Validate(entries []router.ModelEntry) error {
	if len(entries) == 0 {
		return errors.New("catalog: no models")
	}
	var errs []error
	seen := make(map[string]bool, len(entries))
	for i, e := range entries {
		k := key(e.Provider, e.Model)
		switch {
		case e.Provider == "" || e.Model == "":
			errs = append(errs, fmt.Errorf("entry %d: provider and model are required", i))
		case seen[k]:
			errs = append(errs, fmt.Errorf("%s: duplicate entry", k))
		case e.ContextWindow <= 0:
			errs = append(errs, fmt.Errorf("%s: context_window must be positive", k))
		case e.InputPricePerMTok < 0 || e.OutputPricePerMTok < 0:
			errs = append(errs, fmt.Errorf("%s: prices must not be negative", k))
		case e.Weight < 0 || e.Weight > 10:
			errs = append(errs, fmt.Errorf("%s: weight must be within 0-10", k))
		case e.MaxOutputTokens < 0 || e.MaxOutputTokens > e.ContextWindow:
			errs = append(errs, fmt.Errorf("%s: max_output_tokens must be within the context window", k))
		}
		seen[k] = true
	}
	if len(errs) > 0 {
		return fmt.Errorf("catalog: %w", errors.Join(errs...))
	}
	return nil
}

// Catalog is the live, refreshable catalog.
type Catalog struct {
	source    Source
	current   atomic.Pointer[Snapshot]
	versions  atomic.Uint64
	group     singleflight.Group
	bus       *events.Bus
	onRefresh func(models int, err error)
	logger    *slog.Logger
}

type Option func(*Catalog)

func WithEventBus(bus *events.Bus) Option {
	return func(c *Catalog) { c.bus = bus }
}

// WithOnRefresh registers a callback run after every refresh attempt.
func WithOnRefresh(fn func(models int, err error)) Option {
	return func(c *Catalog) { c.onRefresh = fn }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Catalog) {
		if l != nil {
			c.logger = l
		}
	}
}

// New loads the initial snapshot from src. A catalog that cannot load once
// is an error.
func New(ctx context.Context, src Source, opts ...Option) (*Catalog, error) {
	c := &Catalog{source: src, logger: slog.Default()}
	for _, o := range opts {
		o(c)
	}
	if _, err := c.Refresh(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Snapshot returns the current snapshot. Callers keep it for the whole
// request.
func (c *Catalog) Snapshot() *Snapshot { return c.current.Load() }

func (c *Catalog) Lookup(provider, model string) (router.ModelEntry, error) {
	return c.Snapshot().Lookup(provider, model)
}

func (c *Catalog) ListByProvider(provider string) []router.ModelEntry {
	return c.Snapshot().ListByProvider(provider)
}

func (c *Catalog) SourceName() string { return c.source.Name() }

// Refresh reloads from the source. Concurrent calls share one load. On
// failure the previous snapshot stays in place and the error is returned.
func (c *Catalog) Refresh(ctx context.Context) (*Snapshot, error) {
	v, err, _ := c.group.Do("refresh", func() (any, error) {
		entries, err := c.source.Load(ctx)
		if err == nil {
			var snap *Snapshot
			snap, err = NewSnapshot(entries)
			if err == nil {
				snap.version = c.versions.Add(1)
				c.current.Store(snap)
				c.report(snap.Len(), nil)
				return snap, nil
			}
		}
		err = fmt.Errorf("catalog: refresh from %s: %w", c.source.Name(), err)
		c.report(c.Snapshot().Len(), err)
		return nil, err
	})
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot), nil
}

func (c *Catalog) report(models int, err error) {
	ev := events.Event{Type: events.EventCatalogRefresh, ModelCount: models}
	if err != nil {
		ev.Error = err.Error()
		c.logger.Warn("catalog refresh failed, keeping previous snapshot",
			slog.String("source", c.source.Name()), slog.String("error", err.Error()))
	} else {
		c.logger.Info("catalog loaded", slog.String("source", c.source.Name()), slog.Int("models", models))
	}
	if c.onRefresh != nil {
		c.onRefresh(models, err)
	}
	c.bus.Publish(ev)
}

// Watch refreshes every interval until ctx is done. Failures are logged and
// the previous snapshot keeps serving.
func (c *Catalog) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = c.Refresh(ctx)
		}
	}
}
