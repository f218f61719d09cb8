package service

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/joeblew999/plat-cropwater/internal/explorer"
)

// CatalogService answers resolve and reference queries from the layer,
// style and statistics services. It satisfies explorer.Catalog and
// explorer.ReferenceSource so in-process sessions skip HTTP.
type CatalogService struct {
	layers *LayerService
	styles *StyleService
	stats  *StatisticsService
	cache  ResolveCache
	log    *zap.Logger

	// mu orders cache writes against invalidation; gen counts invalidations
	// so a resolve that raced one does not store what it read.
	mu  sync.Mutex
	gen uint64
}

// NewCatalogService wires the catalog. stats and cache may be nil.
func NewCatalogService(layers *LayerService, styles *StyleService, stats *StatisticsService, cache ResolveCache, log *zap.Logger) *CatalogService {
	if log == nil {
		log = zap.NewNop()
	}
	if cache == nil {
		cache = NewMemoryCache(0)
	}
	return &CatalogService{layers: layers, styles: styles, stats: stats, cache: cache, log: log}
}

// Cache returns the resolve cache.
func (s *CatalogService) Cache() ResolveCache {
	return s.cache
}

// ResolveLayer returns at most q.Limit records for the enabled layers
// answering q.
func (s *CatalogService) ResolveLayer(ctx context.Context, q explorer.Query) ([]explorer.LayerRecord, error) {
	key := q.Key()
	gen := s.generation()
	if records, ok := s.cache.Get(ctx, key); ok {
		return records, nil
	}

	matches := s.layers.Match(q)
	limit := q.Limit
	if limit < 1 {
		limit = 1
	}
	if len(matches) > limit {
		matches = matches[:limit]
	}

	records := make([]explorer.LayerRecord, 0, len(matches))
	for _, l := range matches {
		rec, err := s.record(ctx, l)
		if err != nil {
			return nil, fmt.Errorf("layer %q: %w", l.ID, err)
		}
		records = append(records, rec)
	}

	s.mu.Lock()
	if s.gen == gen {
		s.cache.Set(ctx, key, records)
	}
	s.mu.Unlock()
	s.log.Debug("resolved", zap.String("query", key), zap.Int("records", len(records)))
	return records, nil
}

func (s *CatalogService) record(ctx context.Context, l Layer) (explorer.LayerRecord, error) {
	rec := explorer.LayerRecord{
		LayerID:           l.ID,
		InterpolationType: l.InterpolationType,
		LabelDisplayMode:  l.LabelDisplayMode,
		LabelCount:        l.LabelCount,
	}

	if l.StyleID != "" {
		if style, ok := s.styles.Get(l.StyleID); ok {
			rec.Style = style.Stops
			if rec.InterpolationType == "" {
				rec.InterpolationType = style.InterpolationType
			}
			if rec.LabelDisplayMode == "" {
				rec.LabelDisplayMode = style.LabelDisplayMode
			}
			if rec.LabelCount == 0 {
				rec.LabelCount = style.LabelCount
			}
		} else {
			s.log.Warn("layer references unknown style", zap.String("layer", l.ID), zap.String("style", l.StyleID))
		}
	}

	if s.stats == nil {
		return rec, nil
	}
	values, err := s.stats.CountryValues(ctx, l.ID)
	if err != nil {
		return rec, err
	}
	rec.CountryValues = values
	avg, err := s.stats.GlobalAverage(ctx, l.ID, l.StatVariable())
	if err != nil {
		return rec, err
	}
	rec.GlobalAverage = avg
	return rec, nil
}

// Availability reports which ids occur in enabled layers.
func (s *CatalogService) Availability(_ context.Context) (explorer.Availability, error) {
	return s.layers.Availability(), nil
}

func (s *CatalogService) generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// Invalidate flushes the resolve cache. Resolves already in flight when it
// runs answer their caller but are not cached.
func (s *CatalogService) Invalidate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	return s.cache.Flush(ctx)
}

// InvalidateOn flushes the cache whenever a catalog resource changes on
// bus, which covers events replayed from other instances. Local writers
// call Invalidate directly. It returns when ctx is done.
func (s *CatalogService) InvalidateOn(ctx context.Context, bus *EventBus) {
	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			if !ev.Catalog() {
				continue
			}
			if err := s.Invalidate(ctx); err != nil {
				s.log.Warn("cache flush failed", zap.Error(err))
				continue
			}
			s.log.Debug("cache flushed", zap.String("resource", ev.Resource), zap.String("action", ev.Action), zap.String("id", ev.ID))
		}
	}
}
