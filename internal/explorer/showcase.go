package explorer

import (
	"context"
	_ "embed"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed showcase.yaml
var defaultScript []byte

// Slide is one scripted showcase entry.
type Slide struct {
	Title       string    `yaml:"title" json:"title"`
	Description string    `yaml:"description" json:"description"`
	Selection   Selection `yaml:"selection" json:"selection"`
}

// DefaultScript returns the embedded showcase script.
func DefaultScript() ([]Slide, error) {
	return ParseScript(defaultScript)
}

// LoadScript reads a showcase script from a YAML file.
func LoadScript(path string) ([]Slide, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening showcase script: %w", err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("reading showcase script: %w", err)
	}
	return ParseScript(data)
}

// ParseScript decodes a YAML script. Every slide must be a complete selection.
func ParseScript(data []byte) ([]Slide, error) {
	var doc struct {
		Slides []Slide `yaml:"slides"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing showcase script: %w", err)
	}
	if len(doc.Slides) == 0 {
		return nil, fmt.Errorf("showcase script has no slides")
	}
	for i, s := range doc.Slides {
		if !s.Selection.Complete() {
			return nil, fmt.Errorf("showcase slide %d (%q) is not a complete selection", i, s.Title)
		}
		if s.Selection.CropVariable != "" && s.Selection.HasClimate() {
			return nil, fmt.Errorf("showcase slide %d (%q) mixes crop-specific and climate fields", i, s.Title)
		}
	}
	return doc.Slides, nil
}

// ShowcaseState is the sequencer state.
type ShowcaseState string

const (
	ShowcaseInactive ShowcaseState = "inactive"
	ShowcasePlaying  ShowcaseState = "playing"
	ShowcasePaused   ShowcaseState = "paused"
)

// Interaction is a pointer-down, wheel or touch-start on the map surface.
type Interaction string

const (
	InteractPointerDown Interaction = "pointerdown"
	InteractWheel       Interaction = "wheel"
	InteractTouchStart  Interaction = "touchstart"
)

// InteractionSource delivers map interactions. Subscribe returns the
// function that removes the handler.
type InteractionSource interface {
	Subscribe(fn func(Interaction)) (unsubscribe func())
}

// InteractionFeed is an InteractionSource the host pushes events into.
type InteractionFeed struct {
	mu   sync.Mutex
	next int
	subs map[int]func(Interaction)
}

// NewInteractionFeed creates an empty feed.
func NewInteractionFeed() *InteractionFeed {
	return &InteractionFeed{subs: make(map[int]func(Interaction))}
}

// Subscribe implements InteractionSource.
func (f *InteractionFeed) Subscribe(fn func(Interaction)) func() {
	f.mu.Lock()
	id := f.next
	f.next++
	f.subs[id] = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}
}

// Emit delivers an interaction to every subscriber.
func (f *InteractionFeed) Emit(i Interaction) {
	f.mu.Lock()
	subs := make([]func(Interaction), 0, len(f.subs))
	for _, fn := range f.subs {
		subs = append(subs, fn)
	}
	f.mu.Unlock()
	for _, fn := range subs {
		fn(i)
	}
}

// ShowcaseConfig holds the sequencer timings.
type ShowcaseConfig struct {
	Tick       time.Duration
	Rotation   time.Duration
	Quiet      time.Duration
	NavSpacing time.Duration
}

// DefaultShowcaseConfig ticks every 100ms and rotates every 10s.
var DefaultShowcaseConfig = ShowcaseConfig{
	Tick:       100 * time.Millisecond,
	Rotation:   10 * time.Second,
	Quiet:      1500 * time.Millisecond,
	NavSpacing: 300 * time.Millisecond,
}

// ShowcaseStatus is a snapshot for display.
type ShowcaseStatus struct {
	State    ShowcaseState `json:"state"`
	Index    int           `json:"index"`
	Progress float64       `json:"progress"`
	Slide    *Slide        `json:"slide,omitempty"`
	Count    int           `json:"count"`
}

// Showcase drives the store from a fixed script while active. The tick
// keeps running while paused; paused ticks just do not accumulate.
type Showcase struct {
	cfg    ShowcaseConfig
	script []Slide
	store  *Store
	now    func() time.Time

	mu         sync.Mutex
	active     bool
	index      int
	elapsed    time.Duration
	held       bool
	quietUntil time.Time
	lastNav    time.Time

	onExit   func()
	onChange func()
}

// NewShowcase builds a sequencer writing into store. now defaults to
// time.Now.
func NewShowcase(cfg ShowcaseConfig, script []Slide, store *Store, now func() time.Time) *Showcase {
	if now == nil {
		now = time.Now
	}
	return &Showcase{cfg: cfg, script: script, store: store, now: now}
}

// OnExit registers the hook run after Exit cleared the store.
func (s *Showcase) OnExit(fn func()) { s.onExit = fn }

// OnChange registers a listener for state, index or progress changes.
func (s *Showcase) OnChange(fn func()) { s.onChange = fn }

// Start activates the showcase at the first slide.
func (s *Showcase) Start() bool {
	s.mu.Lock()
	if s.active || len(s.script) == 0 {
		s.mu.Unlock()
		return false
	}
	s.active = true
	s.held = false
	s.quietUntil = time.Time{}
	s.goToLocked(0)
	s.mu.Unlock()
	s.changed()
	return true
}

// Tick advances progress by one tick period.
func (s *Showcase) Tick() {
	s.mu.Lock()
	if !s.active || s.pausedLocked() {
		s.mu.Unlock()
		return
	}
	s.elapsed += s.cfg.Tick
	if s.elapsed >= s.cfg.Rotation {
		s.goToLocked((s.index + 1) % len(s.script))
	}
	s.mu.Unlock()
	s.changed()
}

// Interact pauses playback until the quiet period passes without another
// interaction.
func (s *Showcase) Interact() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.quietUntil = s.now().Add(s.cfg.Quiet)
	s.mu.Unlock()
	s.changed()
}

// Pause holds playback until Play.
func (s *Showcase) Pause() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.held = true
	s.mu.Unlock()
	s.changed()
}

// Play releases any pause.
func (s *Showcase) Play() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.held = false
	s.quietUntil = time.Time{}
	s.mu.Unlock()
	s.changed()
}

// Next moves to the following slide.
func (s *Showcase) Next() bool {
	return s.navigate(func(i, n int) int { return (i + 1) % n })
}

// Prev moves to the previous slide.
func (s *Showcase) Prev() bool {
	return s.navigate(func(i, n int) int { return (i - 1 + n) % n })
}

// GoTo jumps to slide i.
func (s *Showcase) GoTo(i int) bool {
	if i < 0 || i >= len(s.script) {
		return false
	}
	return s.navigate(func(int, int) int { return i })
}

// navigate applies a manual move. Clicks closer than NavSpacing to the
// previous accepted one are dropped.
func (s *Showcase) navigate(target func(i, n int) int) bool {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return false
	}
	now := s.now()
	if !s.lastNav.IsZero() && now.Sub(s.lastNav) < s.cfg.NavSpacing {
		s.mu.Unlock()
		return false
	}
	s.lastNav = now
	s.held = false
	s.quietUntil = time.Time{}
	s.goToLocked(target(s.index, len(s.script)))
	s.mu.Unlock()
	s.changed()
	return true
}

// Exit leaves the showcase for manual browsing, clearing the selection.
func (s *Showcase) Exit() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	s.elapsed = 0
	s.held = false
	s.quietUntil = time.Time{}
	s.store.Clear()
	s.mu.Unlock()

	if s.onExit != nil {
		s.onExit()
	}
	s.changed()
}

// goToLocked switches slides and applies the slide as one store write.
func (s *Showcase) goToLocked(i int) {
	s.index = i
	s.elapsed = 0
	s.store.Replace(s.script[i].Selection)
}

func (s *Showcase) pausedLocked() bool {
	return s.held || s.now().Before(s.quietUntil)
}

// State reports the sequencer state.
func (s *Showcase) State() ShowcaseState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Showcase) stateLocked() ShowcaseState {
	switch {
	case !s.active:
		return ShowcaseInactive
	case s.pausedLocked():
		return ShowcasePaused
	}
	return ShowcasePlaying
}

// Status returns a display snapshot.
func (s *Showcase) Status() ShowcaseStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := ShowcaseStatus{
		State:    s.stateLocked(),
		Index:    s.index,
		Progress: s.progressLocked(),
		Count:    len(s.script),
	}
	if s.active {
		slide := s.script[s.index]
		st.Slide = &slide
	}
	return st
}

// Progress is the percentage of the current rotation elapsed.
func (s *Showcase) Progress() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progressLocked()
}

func (s *Showcase) progressLocked() float64 {
	if s.cfg.Rotation <= 0 {
		return 0
	}
	return float64(s.elapsed) / float64(s.cfg.Rotation) * 100
}

// Index is the current slide index.
func (s *Showcase) Index() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index
}

// Listen pauses playback on every interaction from src until the returned
// function is called.
func (s *Showcase) Listen(src InteractionSource) (unsubscribe func()) {
	return src.Subscribe(func(Interaction) { s.Interact() })
}

// Run ticks until ctx is done. A non-nil src is listened to for the same
// span; both the ticker and the subscription are released on return.
func (s *Showcase) Run(ctx context.Context, src InteractionSource) {
	if src != nil {
		defer s.Listen(src)()
	}
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}

func (s *Showcase) changed() {
	if s.onChange != nil {
		s.onChange()
	}
}
