package catalog

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/jordanhubbard/llmproxy/internal/router"
	"github.com/jordanhubbard/llmproxy/internal/store"
)

// Source produces the full list of catalog entries.
type Source interface {
	Name() string
	Load(ctx context.Context) ([]router.ModelEntry, error)
}

// StaticSource serves a fixed list.
type StaticSource []router.ModelEntry

func (s StaticSource) Name() string { return "static" }

func (s StaticSource) Load(context.Context) ([]router.ModelEntry, error) {
	return append([]router.ModelEntry(nil), s...), nil
}

// FileSource reads a YAML document with a top-level models list. The file
// is re-read on every Load.
type FileSource struct {
	Path string
}

type fileDoc struct {
	Models []router.ModelEntry `yaml:"models"`
}

func (f FileSource) Name() string { return "file:" + f.Path }

func (f FileSource) Load(context.Context) ([]router.ModelEntry, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.Path, err)
	}
	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", f.Path, err)
	}
	return doc.Models, nil
}

// StoreSource reads enabled models from the database.
type StoreSource struct {
	Store store.Store
}

func (s StoreSource) Name() string { return "store" }

func (s StoreSource) Load(ctx context.Context) ([]router.ModelEntry, error) {
	recs, err := s.Store.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]router.ModelEntry, 0, len(recs))
	for _, r := range recs {
		if r.Enabled {
			out = append(out, FromRecord(r))
		}
	}
	return out, nil
}

// FromRecord converts a stored row to a catalog entry.
func FromRecord(r store.ModelRecord) router.ModelEntry {
	return router.ModelEntry{
		Provider:           r.Provider,
		Model:              r.Model,
		ContextWindow:      r.ContextWindow,
		MaxOutputTokens:    r.MaxOutputTokens,
		InputPricePerMTok:  r.InputPricePerMTok,
		OutputPricePerMTok: r.OutputPricePerMTok,
		Capabilities: router.Capabilities{
			Tools:     r.Tools,
			Vision:    r.Vision,
			Reasoning: r.Reasoning,
		},
		FreeTier: r.FreeTier,
		Weight:   r.Weight,
	}
}

// ToRecord converts a catalog entry to an enabled row.
func ToRecord(e router.ModelEntry) store.ModelRecord {
	return store.ModelRecord{
		Provider:           e.Provider,
		Model:              e.Model,
		ContextWindow:      e.ContextWindow,
		MaxOutputTokens:    e.MaxOutputTokens,
		InputPricePerMTok:  e.InputPricePerMTok,
		OutputPricePerMTok: e.OutputPricePerMTok,
		Tools:              e.Capabilities.Tools,
		Vision:             e.Capabilities.Vision,
		Reasoning:          e.Capabilities.Reasoning,
		FreeTier:           e.FreeTier,
		Weight:             e.Weight,
		Enabled:            true,
	}
}

// Seed writes entries into an empty models table and reports how many were
// written. A table that already has rows is left alone.
func Seed(ctx context.Context, st store.Store, entries []router.ModelEntry) (int, error) {
	existing, err := st.ListModels(ctx)
	if err != nil {
		return 0, err
	}
	if len(existing) > 0 {
		return 0, nil
	}
	for _, e := range entries {
		if err := st.UpsertModel(ctx, ToRecord(e)); err != nil {
			return 0, fmt.Errorf("seed %s/%s: %w", e.Provider, e.Model, err)
		}
	}
	return len(entries), nil
}
