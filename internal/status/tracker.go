// Package status tracks the aggregate load of the process across every
// connection and decides whether a new session may be admitted.
package status

import (
	"errors"
	"sync"

	"github.com/loqalabs/voicewire/internal/config"
)

// ErrOverloaded is returned when admitting a session would push utilization
// past the configured maximum and overload is not allowed.
var ErrOverloaded = errors.New("server is at capacity")

// Snapshot is a point-in-time view of the tracker.
type Snapshot struct {
	Utilization    float64 `json:"utilization"`
	MaxUtilization float64 `json:"max_utilization"`
	CanOverload    bool    `json:"can_overload"`
	Active         int     `json:"active"`
	Capacity       int     `json:"capacity"`
}

type Tracker struct {
	mu          sync.Mutex
	active      int
	capacity    int
	maxUtil     float64
	canOverload bool
}

func NewTracker(cfg config.StatusConfig) *Tracker {
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = 1
	}
	maxUtil := cfg.MaxUtilization
	if maxUtil <= 0 {
		maxUtil = 1
	}
	return &Tracker{capacity: capacity, maxUtil: maxUtil, canOverload: cfg.CanOverload}
}

// Acquire reserves a slot for one session. The returned release func is
// idempotent.
func (t *Tracker) Acquire() (func(), error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.canOverload && float64(t.active+1)/float64(t.capacity) > t.maxUtil {
		return nil, ErrOverloaded
	}
	t.active++
	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			t.active--
			t.mu.Unlock()
		})
	}, nil
}

func (t *Tracker) Utilization() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return float64(t.active) / float64(t.capacity)
}

func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		Utilization:    float64(t.active) / float64(t.capacity),
		MaxUtilization: t.maxUtil,
		CanOverload:    t.canOverload,
		Active:         t.active,
		Capacity:       t.capacity,
	}
}
