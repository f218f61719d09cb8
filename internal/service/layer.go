package service

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/joeblew999/plat-cropwater/internal/explorer"
)

// LayerService manages the raster layer catalog.
type LayerService struct {
	dataDir string
	log     *zap.Logger
	layers  map[string]Layer
	mu      sync.RWMutex
}

// NewLayerService creates a new layer service backed by layers.json.
func NewLayerService(dataDir string, log *zap.Logger) *LayerService {
	if log == nil {
		log = zap.NewNop()
	}
	s := &LayerService{
		dataDir: dataDir,
		log:     log,
		layers:  make(map[string]Layer),
	}
	s.loadFromDisk()
	return s
}

// List returns all layers sorted by ID.
func (s *LayerService) List() []Layer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]Layer, 0, len(s.layers))
	for _, v := range s.layers {
		result = append(result, v)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Get returns a layer by ID.
func (s *LayerService) Get(id string) (Layer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	layer, ok := s.layers[id]
	return layer, ok
}

// Create adds a new layer.
func (s *LayerService) Create(layer Layer) (Layer, error) {
	if err := layer.Validate(); err != nil {
		return Layer{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if layer.ID == "" {
		layer.ID = layerID(layer)
	}
	if layer.Name == "" {
		layer.Name = layer.ID
	}
	if _, exists := s.layers[layer.ID]; exists {
		return Layer{}, fmt.Errorf("layer %q: %w", layer.ID, ErrExists)
	}

	s.layers[layer.ID] = layer
	if err := s.saveToDisk(); err != nil {
		delete(s.layers, layer.ID)
		return Layer{}, err
	}
	return layer, nil
}

// Update replaces a layer by ID.
func (s *LayerService) Update(id string, layer Layer) (Layer, error) {
	if err := layer.Validate(); err != nil {
		return Layer{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, exists := s.layers[id]
	if !exists {
		return Layer{}, fmt.Errorf("layer %q: %w", id, ErrNotFound)
	}

	layer.ID = id
	if layer.Name == "" {
		layer.Name = id
	}
	s.layers[id] = layer
	if err := s.saveToDisk(); err != nil {
		s.layers[id] = prev
		return Layer{}, err
	}
	return layer, nil
}

// SetEnabled toggles whether resolve serves the layer.
func (s *LayerService) SetEnabled(id string, enabled bool) (Layer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	layer, exists := s.layers[id]
	if !exists {
		return Layer{}, fmt.Errorf("layer %q: %w", id, ErrNotFound)
	}
	prev := layer
	layer.Enabled = enabled
	s.layers[id] = layer
	if err := s.saveToDisk(); err != nil {
		s.layers[id] = prev
		return Layer{}, err
	}
	return layer, nil
}

// Delete removes a layer by ID.
func (s *LayerService) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, exists := s.layers[id]
	if !exists {
		return fmt.Errorf("layer %q: %w", id, ErrNotFound)
	}

	delete(s.layers, id)
	if err := s.saveToDisk(); err != nil {
		s.layers[id] = prev
		return err
	}
	return nil
}

// Match returns the enabled layers answering q, sorted by ID.
func (s *LayerService) Match(q explorer.Query) []Layer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []Layer
	for _, l := range s.layers {
		if l.Enabled && l.Matches(q) {
			result = append(result, l)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Availability lists, per dimension, the ids that occur in at least one
// enabled layer. The historical baseline is not a selectable scenario.
func (s *LayerService) Availability() explorer.Availability {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := map[explorer.Dimension]map[string]bool{}
	add := func(d explorer.Dimension, id string) {
		if id == "" {
			return
		}
		if seen[d] == nil {
			seen[d] = map[string]bool{}
		}
		seen[d][id] = true
	}

	for _, l := range s.layers {
		if !l.Enabled {
			continue
		}
		add(explorer.DimCrop, l.Crop)
		if l.IsCrop() {
			add(explorer.DimCropVariable, l.CropVariable)
			continue
		}
		add(explorer.DimWaterModel, l.WaterModel)
		add(explorer.DimClimateModel, l.ClimateModel)
		add(explorer.DimVariable, l.Variable)
		add(explorer.DimYear, strconv.Itoa(l.Year))
		if l.Scenario != explorer.HistoricalScenario {
			add(explorer.DimScenario, l.Scenario)
		}
	}

	avail := explorer.Availability{}
	for d, ids := range seen {
		list := make([]string, 0, len(ids))
		for id := range ids {
			list = append(list, id)
		}
		sort.Strings(list)
		avail[d] = list
	}
	return avail
}

func (s *LayerService) configFile() string {
	return filepath.Join(s.dataDir, "layers.json")
}

func (s *LayerService) loadFromDisk() {
	var layers map[string]Layer
	if err := loadJSON(s.configFile(), &layers); err != nil {
		s.log.Warn("ignoring unreadable layer catalog", zap.String("path", s.configFile()), zap.Error(err))
		return
	}
	if layers != nil {
		s.layers = layers
	}
}

func (s *LayerService) saveToDisk() error {
	return saveJSON(s.configFile(), s.layers)
}
