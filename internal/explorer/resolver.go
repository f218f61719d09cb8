package explorer

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Interpolation and label display modes.
const (
	InterpolationLinear   = "linear"
	InterpolationDiscrete = "discrete"
	LabelsAuto            = "auto"
	LabelsManual          = "manual"
	DefaultLabelCount     = 5
	HistoricalScenario    = "historical"
)

// StyleStop is one color ramp stop.
type StyleStop struct {
	Value   float64 `json:"value"`
	Red     uint8   `json:"red"`
	Green   uint8   `json:"green"`
	Blue    uint8   `json:"blue"`
	Opacity float64 `json:"opacity"`
	Label   string  `json:"label"`
}

// LayerRecord is one match returned by the catalog. Optional fields may be
// zero; Normalize fills the defaults.
type LayerRecord struct {
	LayerID           string                        `json:"layer_id"`
	CountryValues     map[string]map[string]float64 `json:"country_values,omitempty"`
	GlobalAverage     *float64                      `json:"global_average,omitempty"`
	Style             []StyleStop                   `json:"style,omitempty"`
	InterpolationType string                        `json:"interpolation_type,omitempty"`
	LabelDisplayMode  string                        `json:"label_display_mode,omitempty"`
	LabelCount        int                           `json:"label_count,omitempty"`
}

// Catalog resolves queries to layer records.
type Catalog interface {
	ResolveLayer(ctx context.Context, q Query) ([]LayerRecord, error)
}

// Status distinguishes "not asked yet" from "asked, nothing there".
type Status string

const (
	StatusUnresolved  Status = "unresolved"
	StatusUnavailable Status = "unavailable"
	StatusResolved    Status = "resolved"
)

// ResolvedLayer is the committed result of the latest resolution cycle.
type ResolvedLayer struct {
	Status            Status                        `json:"status"`
	LayerID           string                        `json:"layer_id,omitempty"`
	CountryAverages   map[string]map[string]float64 `json:"country_averages,omitempty"`
	GlobalAverage     *float64                      `json:"global_average,omitempty"`
	Style             []StyleStop                   `json:"style"`
	InterpolationType string                        `json:"interpolation_type"`
	LabelDisplayMode  string                        `json:"label_display_mode"`
	LabelCount        int                           `json:"label_count"`
	LegendVariable    string                        `json:"legend_variable,omitempty"`
}

func emptyLayer(status Status) ResolvedLayer {
	return ResolvedLayer{
		Status:            status,
		Style:             []StyleStop{},
		InterpolationType: InterpolationLinear,
		LabelDisplayMode:  LabelsAuto,
		LabelCount:        DefaultLabelCount,
	}
}

// Normalize turns a catalog record into a fully defaulted layer.
func Normalize(rec LayerRecord) ResolvedLayer {
	layer := emptyLayer(StatusResolved)
	layer.LayerID = rec.LayerID
	layer.CountryAverages = rec.CountryValues
	layer.GlobalAverage = rec.GlobalAverage
	if rec.Style != nil {
		layer.Style = append([]StyleStop(nil), rec.Style...)
	}
	if rec.InterpolationType == InterpolationDiscrete {
		layer.InterpolationType = InterpolationDiscrete
	}
	if rec.LabelDisplayMode == LabelsManual {
		layer.LabelDisplayMode = LabelsManual
	}
	if rec.LabelCount > 0 {
		layer.LabelCount = rec.LabelCount
	}
	return layer
}

// Resolver turns selections into resolved layers. Every call to Resolve
// starts a new generation; a response is committed only if its generation
// is still the latest when it arrives.
type Resolver struct {
	catalog Catalog
	log     *zap.Logger
	ctx     context.Context

	mu        sync.Mutex
	gen       uint64
	loading   bool
	layer     ResolvedLayer
	legendVar string

	wg        sync.WaitGroup
	onLoading func(bool)
	onChange  func()
}

// NewResolver creates a resolver. ctx bounds every catalog call.
func NewResolver(ctx context.Context, catalog Catalog, log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{
		catalog: catalog,
		log:     log,
		ctx:     ctx,
		layer:   emptyLayer(StatusUnresolved),
	}
}

// OnLoading registers the loading-flag listener.
func (r *Resolver) OnLoading(fn func(bool)) { r.onLoading = fn }

// OnChange registers a listener for committed layer changes.
func (r *Resolver) OnChange(fn func()) { r.onChange = fn }

// Resolve starts a resolution cycle for sel.
func (r *Resolver) Resolve(sel Selection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.gen++
	gen := r.gen
	r.legendVar = sel.LegendVariable()

	q, ok := QueryFor(sel)
	if !ok {
		r.layer = emptyLayer(StatusUnresolved)
		r.setLoading(false)
		r.changed()
		return
	}

	r.setLoading(true)
	r.wg.Add(1)
	go r.run(gen, q)
}

// Clear drops the resolved layer and supersedes any in-flight cycle.
func (r *Resolver) Clear() {
	r.Resolve(Selection{})
}

func (r *Resolver) run(gen uint64, q Query) {
	defer r.wg.Done()

	records, err := r.catalog.ResolveLayer(r.ctx, q)

	r.mu.Lock()
	defer r.mu.Unlock()

	if gen != r.gen {
		r.log.Debug("discarding superseded resolution",
			zap.Uint64("generation", gen), zap.Uint64("current", r.gen))
		return
	}
	if err != nil {
		r.log.Warn("layer resolution failed",
			zap.String("crop", q.Crop), zap.Int("year", q.Year), zap.Error(err))
		r.setLoading(false)
		return
	}

	if len(records) == 1 {
		r.layer = Normalize(records[0])
	} else {
		r.layer = emptyLayer(StatusUnavailable)
	}
	r.setLoading(false)
	r.changed()
}

func (r *Resolver) setLoading(loading bool) {
	if r.loading == loading {
		return
	}
	r.loading = loading
	if r.onLoading != nil {
		r.onLoading(loading)
	}
}

func (r *Resolver) changed() {
	if r.onChange != nil {
		r.onChange()
	}
}

// Layer returns the committed layer with the current legend variable.
func (r *Resolver) Layer() ResolvedLayer {
	r.mu.Lock()
	defer r.mu.Unlock()
	layer := r.layer
	layer.LegendVariable = r.legendVar
	return layer
}

// Loading reports whether the current cycle is still in flight.
func (r *Resolver) Loading() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loading
}

// Generation returns the latest started cycle.
func (r *Resolver) Generation() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gen
}

// Wait blocks until every started cycle has returned.
func (r *Resolver) Wait() {
	r.wg.Wait()
}
