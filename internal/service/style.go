package service

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/joeblew999/plat-cropwater/internal/explorer"
)

// StyleService manages named color ramps.
type StyleService struct {
	dataDir string
	log     *zap.Logger
	styles  map[string]Style
	mu      sync.RWMutex
}

// NewStyleService creates a new style service backed by styles.json.
func NewStyleService(dataDir string, log *zap.Logger) *StyleService {
	if log == nil {
		log = zap.NewNop()
	}
	s := &StyleService{
		dataDir: dataDir,
		log:     log,
		styles:  make(map[string]Style),
	}
	s.loadFromDisk()
	return s
}

// List returns all styles sorted by ID.
func (s *StyleService) List() []Style {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]Style, 0, len(s.styles))
	for _, v := range s.styles {
		result = append(result, v)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Get returns a style by ID.
func (s *StyleService) Get(id string) (Style, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	style, ok := s.styles[id]
	return style, ok
}

// Put creates or replaces a style. Stops are stored sorted by value.
func (s *StyleService) Put(style Style) (Style, error) {
	if style.ID == "" {
		style.ID = generateID(style.Name)
	}
	if style.ID == "" {
		return Style{}, fmt.Errorf("style needs a name")
	}
	stops := append([]explorer.StyleStop(nil), style.Stops...)
	sortStops(stops)
	if stops == nil {
		stops = []explorer.StyleStop{}
	}
	style.Stops = stops

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, had := s.styles[style.ID]
	s.styles[style.ID] = style
	if err := s.saveToDisk(); err != nil {
		if had {
			s.styles[style.ID] = prev
		} else {
			delete(s.styles, style.ID)
		}
		return Style{}, err
	}
	return style, nil
}

// Delete removes a style by ID.
func (s *StyleService) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, exists := s.styles[id]
	if !exists {
		return fmt.Errorf("style %q: %w", id, ErrNotFound)
	}

	delete(s.styles, id)
	if err := s.saveToDisk(); err != nil {
		s.styles[id] = prev
		return err
	}
	return nil
}

func (s *StyleService) configFile() string {
	return filepath.Join(s.dataDir, "styles.json")
}

func (s *StyleService) loadFromDisk() {
	var styles map[string]Style
	if err := loadJSON(s.configFile(), &styles); err != nil {
		s.log.Warn("ignoring unreadable style catalog", zap.String("path", s.configFile()), zap.Error(err))
		return
	}
	if styles != nil {
		s.styles = styles
	}
}

func (s *StyleService) saveToDisk() error {
	return saveJSON(s.configFile(), s.styles)
}
