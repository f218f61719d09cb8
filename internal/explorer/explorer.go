package explorer

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/paulmach/orb/geojson"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrShowcaseActive is returned for manual selections while the showcase
// owns the store.
var ErrShowcaseActive = errors.New("showcase is active")

// ReferenceSource returns which ids the catalog currently offers.
type ReferenceSource interface {
	Availability(ctx context.Context) (Availability, error)
}

// PolygonSource returns the country boundaries drawn under the layer.
type PolygonSource interface {
	Countries(ctx context.Context) (*geojson.FeatureCollection, error)
}

// Panel names the side panel that is open.
type Panel string

const (
	PanelNone Panel = ""
	PanelInfo Panel = "info"
)

// Config tunes an Explorer.
type Config struct {
	Showcase   ShowcaseConfig
	Script     []Slide
	Vocabulary Vocabulary
	Now        func() time.Time
	Logger     *zap.Logger
}

// Snapshot is everything the display reads.
type Snapshot struct {
	Selection Selection            `json:"selection"`
	Layer     ResolvedLayer        `json:"layer"`
	Ready     bool                 `json:"ready"`
	Loading   map[string]bool      `json:"loading"`
	Showcase  ShowcaseStatus       `json:"showcase"`
	Panel     Panel                `json:"panel"`
	Items     map[Dimension][]Item `json:"items,omitempty"`
}

// Explorer is the root controller of one map session. It owns the store,
// resolver, URL hydration, showcase and readiness and wires them together.
type Explorer struct {
	cfg     Config
	log     *zap.Logger
	refs    ReferenceSource
	polys   PolygonSource
	ctx     context.Context
	cancel  context.CancelFunc
	feed    *InteractionFeed
	onEvent func()

	store     *Store
	resolver  *Resolver
	urls      *URLSync
	showcase  *Showcase
	readiness *Readiness

	mu        sync.RWMutex
	ref       *ReferenceData
	countries *geojson.FeatureCollection
	panel     Panel
	started   bool
	closed    bool

	wg sync.WaitGroup
}

// New assembles an explorer for a page opened with params. onEvent is
// called after any observable change; it must not block.
func New(ctx context.Context, catalog Catalog, refs ReferenceSource, polys PolygonSource, params url.Values, cfg Config, onEvent func()) *Explorer {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Showcase == (ShowcaseConfig{}) {
		cfg.Showcase = DefaultShowcaseConfig
	}
	if cfg.Vocabulary == nil {
		cfg.Vocabulary = DefaultVocabulary
	}
	ctx, cancel := context.WithCancel(ctx)

	e := &Explorer{
		cfg:     cfg,
		log:     cfg.Logger,
		refs:    refs,
		polys:   polys,
		ctx:     ctx,
		cancel:  cancel,
		feed:    NewInteractionFeed(),
		onEvent: onEvent,
		urls:    NewURLSync(params),
	}

	e.readiness = NewReadiness(func(bool) { e.emit() })
	e.resolver = NewResolver(ctx, catalog, cfg.Logger)
	e.resolver.OnLoading(func(loading bool) { e.readiness.Set(LoadResolution, loading) })
	e.resolver.OnChange(e.emit)
	e.store = NewStore(func(sel Selection) {
		e.resolver.Resolve(sel)
		e.emit()
	})
	e.showcase = NewShowcase(cfg.Showcase, cfg.Script, e.store, cfg.Now)
	e.showcase.OnExit(e.resolver.Clear)
	e.showcase.OnChange(e.emit)
	return e
}

func (e *Explorer) emit() {
	if e.onEvent != nil {
		e.onEvent()
	}
}

// Start loads reference data and polygons concurrently. As soon as the
// reference data is in, either the shared link is applied or the showcase
// starts; the decision is taken before any slide is written. Polygon
// failures are logged only. Start returns the reference load error.
func (e *Explorer) Start() error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.mu.Unlock()

	fromLink := e.urls.Present()
	e.readiness.Set(LoadReference, true)
	e.readiness.Set(LoadPolygons, true)

	var g errgroup.Group
	g.Go(func() error {
		defer e.readiness.Set(LoadReference, false)
		avail, err := e.refs.Availability(e.ctx)
		if err != nil {
			e.log.Error("loading reference data", zap.Error(err))
			return fmt.Errorf("loading reference data: %w", err)
		}
		ref := NewReferenceData(e.cfg.Vocabulary, avail)
		e.mu.Lock()
		e.ref = ref
		e.mu.Unlock()
		e.activate(fromLink, ref)
		return nil
	})
	g.Go(func() error {
		defer e.readiness.Set(LoadPolygons, false)
		if e.polys == nil {
			return nil
		}
		fc, err := e.polys.Countries(e.ctx)
		if err != nil {
			e.log.Warn("loading country polygons", zap.Error(err))
			return nil
		}
		e.mu.Lock()
		e.countries = fc
		e.mu.Unlock()
		e.emit()
		return nil
	})
	return g.Wait()
}

func (e *Explorer) activate(fromLink bool, ref *ReferenceData) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()

	if fromLink {
		defer e.wg.Done()
		e.SetPanel(PanelInfo)
		e.urls.Apply(ref, e.store)
		e.log.Debug("applied shared link", zap.Any("selection", e.store.Selection()))
		return
	}

	unsubscribe := e.showcase.Listen(e.feed)
	if !e.showcase.Start() {
		unsubscribe()
		e.wg.Done()
		return
	}
	go func() {
		defer e.wg.Done()
		defer unsubscribe()
		e.showcase.Run(e.ctx, nil)
	}()
}

// Close stops timers and waits for in-flight resolutions.
func (e *Explorer) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.cancel()
	e.wg.Wait()
	e.resolver.Wait()
}

// Select is the manual panel command. It closes the open panel.
func (e *Explorer) Select(d Dimension, value string) error {
	if e.showcase.State() != ShowcaseInactive {
		return ErrShowcaseActive
	}
	if !d.Valid() {
		return fmt.Errorf("unknown dimension %q", d)
	}
	if err := e.store.Select(d, value); err != nil {
		return err
	}
	e.SetPanel(PanelNone)
	return nil
}

// SetPanel opens a panel, or closes it with PanelNone.
func (e *Explorer) SetPanel(p Panel) {
	e.mu.Lock()
	changed := e.panel != p
	e.panel = p
	e.mu.Unlock()
	if changed {
		e.emit()
	}
}

// Interact forwards a map interaction to the showcase.
func (e *Explorer) Interact(kind Interaction) { e.feed.Emit(kind) }

// Showcase exposes the play/pause/next/prev/goTo/exit controls.
func (e *Explorer) Showcase() *Showcase { return e.showcase }

// Store exposes the selection store for read access and programmatic writes.
func (e *Explorer) Store() *Store { return e.store }

// Resolver exposes the layer resolver.
func (e *Explorer) Resolver() *Resolver { return e.resolver }

// Ready reports the aggregated readiness.
func (e *Explorer) Ready() bool { return e.readiness.Ready() }

// Countries returns the loaded boundaries, or nil.
func (e *Explorer) Countries() *geojson.FeatureCollection {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.countries
}

// Reference returns the loaded reference data, or nil.
func (e *Explorer) Reference() *ReferenceData {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ref
}

// Snapshot collects the current display state.
func (e *Explorer) Snapshot() Snapshot {
	snap := Snapshot{
		Selection: e.store.Selection(),
		Layer:     e.resolver.Layer(),
		Ready:     e.readiness.Ready(),
		Loading:   make(map[string]bool, 3),
		Showcase:  e.showcase.Status(),
	}
	for _, f := range []LoadFlag{LoadReference, LoadPolygons, LoadResolution} {
		snap.Loading[f.String()] = e.readiness.Loading(f)
	}

	e.mu.RLock()
	snap.Panel = e.panel
	ref := e.ref
	e.mu.RUnlock()

	if ref != nil {
		snap.Items = make(map[Dimension][]Item, len(Dimensions))
		for _, d := range Dimensions {
			snap.Items[d] = ref.Items(d)
		}
	}
	return snap
}
