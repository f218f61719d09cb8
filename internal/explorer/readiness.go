package explorer

import "sync"

// LoadFlag names one constituent of readiness.
type LoadFlag int

const (
	LoadReference LoadFlag = iota
	LoadPolygons
	LoadResolution
)

func (f LoadFlag) String() string {
	switch f {
	case LoadReference:
		return "reference"
	case LoadPolygons:
		return "polygons"
	case LoadResolution:
		return "resolution"
	}
	return "unknown"
}

func (f LoadFlag) valid() bool {
	return f >= LoadReference && f <= LoadResolution
}

// Readiness folds the independent loading flags into one signal.
type Readiness struct {
	mu       sync.Mutex
	loading  [3]bool
	onChange func(ready bool)
}

// NewReadiness returns an aggregator with every flag cleared. onChange runs
// whenever the aggregate flips.
func NewReadiness(onChange func(ready bool)) *Readiness {
	return &Readiness{onChange: onChange}
}

// Set updates one flag. Unknown flags are ignored.
func (r *Readiness) Set(flag LoadFlag, loading bool) {
	if !flag.valid() {
		return
	}
	r.mu.Lock()
	before := r.readyLocked()
	r.loading[flag] = loading
	after := r.readyLocked()
	r.mu.Unlock()

	if before != after && r.onChange != nil {
		r.onChange(after)
	}
}

// Loading reports the current value of one flag.
func (r *Readiness) Loading(flag LoadFlag) bool {
	if !flag.valid() {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loading[flag]
}

// Ready is true when nothing is loading.
func (r *Readiness) Ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readyLocked()
}

func (r *Readiness) readyLocked() bool {
	return !(r.loading[LoadReference] || r.loading[LoadPolygons] || r.loading[LoadResolution])
}
