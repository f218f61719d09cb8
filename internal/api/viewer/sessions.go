package viewer

import (
	"context"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/joeblew999/plat-cropwater/internal/explorer"
	"github.com/joeblew999/plat-cropwater/internal/service"
)

// Session is one open map page.
type Session struct {
	ID       string
	Created  time.Time
	Explorer *explorer.Explorer

	// notify holds at most one pending change; streams render the latest
	// snapshot, so bursts collapse into one frame.
	notify chan struct{}
	done   chan struct{}
}

// Changes signals whenever the session state changed.
func (s *Session) Changes() <-chan struct{} {
	return s.notify
}

// Done is closed when the session is deleted.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) poke() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Sources are the catalog collaborators of every session.
type Sources struct {
	Catalog   explorer.Catalog
	Reference explorer.ReferenceSource
	Polygons  explorer.PolygonSource
}

// Manager owns the open sessions.
type Manager struct {
	src Sources
	cfg explorer.Config
	bus *service.EventBus
	log *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a session manager. bus may be nil.
func NewManager(src Sources, cfg explorer.Config, bus *service.EventBus, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Logger == nil {
		cfg.Logger = log
	}
	return &Manager{
		src:      src,
		cfg:      cfg,
		bus:      bus,
		log:      log,
		sessions: make(map[string]*Session),
	}
}

// Create opens a session for a page loaded with params and starts loading
// in the background.
func (m *Manager) Create(params url.Values) *Session {
	s := &Session{
		ID:      uuid.NewString(),
		Created: time.Now(),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	cfg := m.cfg
	cfg.Logger = m.log.With(zap.String("session", s.ID))
	s.Explorer = explorer.New(context.Background(), m.src.Catalog, m.src.Reference, m.src.Polygons, params, cfg, s.poke)

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	go func() {
		if err := s.Explorer.Start(); err != nil {
			cfg.Logger.Warn("session started without reference data", zap.Error(err))
		}
		s.poke()
	}()
	m.publish("created", s.ID)
	return s
}

// Get returns a session by ID.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// List returns the open session IDs, oldest first.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		result = append(result, s)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Created.Before(result[j].Created) })
	return result
}

// Delete closes a session. It blocks until its timers have stopped and
// in-flight resolutions have returned.
func (m *Manager) Delete(id string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return false
	}
	close(s.done)
	s.Explorer.Close()
	m.publish("deleted", id)
	return true
}

// Close closes every session.
func (m *Manager) Close() {
	for _, s := range m.List() {
		m.Delete(s.ID)
	}
}

func (m *Manager) publish(action, id string) {
	if m.bus != nil {
		m.bus.Publish(service.Event{Resource: service.ResourceExplorer, Action: action, ID: id})
	}
}
