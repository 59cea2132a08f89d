// Package paramstore implements the Parameter Store (§4.B): a thread-safe
// serial-to-ParameterSet map with a default, per-field validation, and a
// bounded change log.
package paramstore

import (
	"fmt"
	"sync"
	"time"
)

// TriggerMode is the camera's trigger source. The controller always issues
// an explicit software snap regardless of this value (see SPEC_FULL.md); it
// is carried on the Parameter Set so a rig operator can see how a camera is
// physically wired.
type TriggerMode string

const (
	TriggerOff      TriggerMode = "off"
	TriggerSoftware TriggerMode = "software"
	TriggerHardware TriggerMode = "hardware"
)

// Limits holds the validation bounds for one camera (§3).
type Limits struct {
	MinExposureUs int
	MaxExposureUs int
	MinGain       float64
	MaxGainNormal float64
	MaxGainRetry  float64 // extended bound used during desperate retries (§4.F)
}

// DefaultLimits are the §3 bounds: exposure 500-100000µs, gain 1.0-4.0
// nominal extended to 6.0 during desperate retries.
func DefaultLimits() Limits {
	return Limits{
		MinExposureUs: 500,
		MaxExposureUs: 100_000,
		MinGain:       1.0,
		MaxGainNormal: 4.0,
		MaxGainRetry:  6.0,
	}
}

// ParameterSet is a camera's full imaging parameter block (§3), extended
// per SPEC_FULL.md with white balance and trigger/frame-rate fields carried
// over from original_source/backend/src/CameraConfigManager.hpp.
type ParameterSet struct {
	ExposureUs   int
	Gain         float64
	BlackLevel   int
	AutoExposure bool
	AutoGain     bool
	PixelFormat  string

	RedBalance   float64
	GreenBalance float64
	BlueBalance  float64

	TriggerMode          TriggerMode
	AcquisitionFrameRate int

	Limits Limits
}

// DefaultParameterSet mirrors the original rig's compiled-in defaults.
func DefaultParameterSet() ParameterSet {
	return ParameterSet{
		ExposureUs:           40_000,
		Gain:                 1.0,
		BlackLevel:           40,
		AutoExposure:         false,
		AutoGain:             false,
		PixelFormat:          "BayerRG12",
		RedBalance:           1.60156,
		GreenBalance:         1.0,
		BlueBalance:          1.89844,
		TriggerMode:          TriggerOff,
		AcquisitionFrameRate: 4,
		Limits:               DefaultLimits(),
	}
}

// ChangeEvent is one successful set-parameter entry in the change log.
type ChangeEvent struct {
	At       time.Time
	Serial   string
	Field    string
	OldValue any
	NewValue any
	Source   string
}

const changeLogCapacity = 100

// Store is the thread-safe serial -> ParameterSet map of §4.B. The zero
// value is not usable; construct with New.
type Store struct {
	mu      sync.RWMutex
	byLine  map[string]ParameterSet
	def     ParameterSet
	changes []ChangeEvent // ring buffer, oldest evicted past changeLogCapacity

	listenersMu sync.Mutex
	listeners   []func(ChangeEvent)
}

// New constructs a Store with the given default Parameter Set.
func New(def ParameterSet) *Store {
	return &Store{
		byLine: make(map[string]ParameterSet),
		def:    def,
	}
}

// Get returns serial's Parameter Set, falling back to the Default if the
// serial is unknown.
func (s *Store) Get(serial string) ParameterSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.byLine[serial]; ok {
		return p
	}
	return s.def
}

// Default returns the Store's current Default Parameter Set.
func (s *Store) Default() ParameterSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.def
}

// SetDefault replaces the Default Parameter Set wholesale.
func (s *Store) SetDefault(p ParameterSet) {
	s.mu.Lock()
	s.def = p
	s.mu.Unlock()
}

// Register ensures serial has an entry, seeded from the current Default,
// if it doesn't already have per-camera overrides. Used by discovery when a
// newly enumerated serial is in the configuration's camera_positions but has
// no override block yet (SPEC_FULL.md).
func (s *Store) Register(serial string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byLine[serial]; !ok {
		s.byLine[serial] = s.def
	}
}

// Unregister drops serial's Parameter Set entirely; subsequent Get falls
// back to the Default.
func (s *Store) Unregister(serial string) {
	s.mu.Lock()
	delete(s.byLine, serial)
	s.mu.Unlock()
}

// Validate is the pure, lock-free bounds check of §4.B, honoring the bounds
// in §3 (using p's own Limits, since extended gain bounds are per-camera).
func Validate(name string, value any, p ParameterSet) error {
	switch name {
	case "exposure_us":
		v, ok := value.(int)
		if !ok {
			return fmt.Errorf("exposure_us: expected int, got %T", value)
		}
		if v < p.Limits.MinExposureUs || v > p.Limits.MaxExposureUs {
			return fmt.Errorf("exposure_us %d out of range [%d, %d]", v, p.Limits.MinExposureUs, p.Limits.MaxExposureUs)
		}
	case "gain":
		v, ok := value.(float64)
		if !ok {
			return fmt.Errorf("gain: expected float64, got %T", value)
		}
		if v < p.Limits.MinGain || v > p.Limits.MaxGainNormal {
			return fmt.Errorf("gain %v out of range [%v, %v]", v, p.Limits.MinGain, p.Limits.MaxGainNormal)
		}
	case "black_level":
		v, ok := value.(int)
		if !ok {
			return fmt.Errorf("black_level: expected int, got %T", value)
		}
		if v < 0 || v > 255 {
			return fmt.Errorf("black_level %d out of range [0, 255]", v)
		}
	case "auto_exposure", "auto_gain":
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("%s: expected bool, got %T", name, value)
		}
	case "pixel_format":
		if _, ok := value.(string); !ok {
			return fmt.Errorf("pixel_format: expected string, got %T", value)
		}
	case "red_balance", "green_balance", "blue_balance":
		v, ok := value.(float64)
		if !ok {
			return fmt.Errorf("%s: expected float64, got %T", name, value)
		}
		if v < 0.5 || v > 3.0 {
			return fmt.Errorf("%s %v out of range [0.5, 3.0]", name, v)
		}
	case "trigger_mode":
		v, ok := value.(TriggerMode)
		if !ok {
			return fmt.Errorf("trigger_mode: expected TriggerMode, got %T", value)
		}
		switch v {
		case TriggerOff, TriggerSoftware, TriggerHardware:
		default:
			return fmt.Errorf("trigger_mode %q not one of off/software/hardware", v)
		}
	case "acquisition_frame_rate":
		v, ok := value.(int)
		if !ok {
			return fmt.Errorf("acquisition_frame_rate: expected int, got %T", value)
		}
		if v < 1 || v > 30 {
			return fmt.Errorf("acquisition_frame_rate %d out of range [1, 30]", v)
		}
	default:
		return fmt.Errorf("unknown parameter field %q", name)
	}
	return nil
}

// Set validates and applies one field write, logging the change on success.
// A write of the value the field already holds is a no-op: it adds no
// change-log entry and fires no listener. source identifies the caller
// (e.g. "api", "retry-engine") for the change log.
func (s *Store) Set(serial, name string, value any, source string) error {
	s.mu.Lock()
	current, ok := s.byLine[serial]
	if !ok {
		current = s.def
	}
	if err := Validate(name, value, current); err != nil {
		s.mu.Unlock()
		return err
	}

	old := applyField(&current, name, value)
	s.byLine[serial] = current
	if old == value {
		s.mu.Unlock()
		return nil
	}
	event := ChangeEvent{At: time.Now(), Serial: serial, Field: name, OldValue: old, NewValue: value, Source: source}
	s.appendChangeLocked(event)
	s.mu.Unlock()

	s.fireListeners(event)
	return nil
}

// Mutate applies fn directly to serial's Parameter Set, bypassing Validate.
// Used by the Retry Engine (§4.F), whose desperate-retry strategies force
// values (e.g. exposure 150 000 µs) outside the normal operator-facing
// bounds; those writes are not a validation hole since they never
// originate from set-parameter, only from the Retry Engine's own fixed
// strategy table.
func (s *Store) Mutate(serial string, fn func(*ParameterSet)) {
	s.mu.Lock()
	current, ok := s.byLine[serial]
	if !ok {
		current = s.def
	}
	fn(&current)
	s.byLine[serial] = current
	event := ChangeEvent{At: time.Now(), Serial: serial, Field: "*retry*", Source: "retry-engine"}
	s.appendChangeLocked(event)
	s.mu.Unlock()

	s.fireListeners(event)
}

// SetBulk atomically replaces serial's entire Parameter Set.
func (s *Store) SetBulk(serial string, p ParameterSet) error {
	s.mu.Lock()
	s.byLine[serial] = p
	event := ChangeEvent{At: time.Now(), Serial: serial, Field: "*bulk*", Source: "bulk"}
	s.appendChangeLocked(event)
	s.mu.Unlock()

	s.fireListeners(event)
	return nil
}

// appendChangeLocked must be called with mu held for writing.
func (s *Store) appendChangeLocked(e ChangeEvent) {
	s.changes = append(s.changes, e)
	if len(s.changes) > changeLogCapacity {
		s.changes = s.changes[len(s.changes)-changeLogCapacity:]
	}
}

// ChangeLog returns a snapshot of the change log, oldest first.
func (s *Store) ChangeLog() []ChangeEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ChangeEvent, len(s.changes))
	copy(out, s.changes)
	return out
}

// RegisterChangeListener registers a callback invoked after every Set that
// changes a value and after every SetBulk/Mutate. Per §4.B, listeners must not call back into the
// Store from the same goroutine that invoked them — fireListeners runs
// outside the Store's lock, but a listener calling Store.Set synchronously
// from within itself would reenter on the same goroutine and is the
// caller's bug, not this Store's.
func (s *Store) RegisterChangeListener(cb func(ChangeEvent)) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, cb)
}

func (s *Store) fireListeners(e ChangeEvent) {
	s.listenersMu.Lock()
	cbs := make([]func(ChangeEvent), len(s.listeners))
	copy(cbs, s.listeners)
	s.listenersMu.Unlock()

	for _, cb := range cbs {
		cb(e)
	}
}

// Cache is the Capture Pipeline's per-serial "last applied Parameter Set"
// fast path (§4.B): the hot "did parameters change since last applied?"
// check must be lock-light, so reads take only a shared lock and the rare
// mutation (an actual parameter change) upgrades to exclusive only for the
// bookkeeping, never across the device call itself.
type Cache struct {
	mu      sync.RWMutex
	applied map[string]ParameterSet
}

// NewCache builds an empty apply cache.
func NewCache() *Cache {
	return &Cache{applied: make(map[string]ParameterSet)}
}

// NeedsApply reports whether current differs from what was last recorded as
// applied for serial. A cache miss (never applied before) also needs apply.
func (c *Cache) NeedsApply(serial string, current ParameterSet) bool {
	c.mu.RLock()
	last, ok := c.applied[serial]
	c.mu.RUnlock()
	return !ok || last != current
}

// Record marks current as the last-applied Parameter Set for serial. Call
// this after the device-side write actually succeeds.
func (c *Cache) Record(serial string, current ParameterSet) {
	c.mu.Lock()
	c.applied[serial] = current
	c.mu.Unlock()
}

// applyField mutates p's named field to value and returns the old value.
func applyField(p *ParameterSet, name string, value any) any {
	switch name {
	case "exposure_us":
		old := p.ExposureUs
		p.ExposureUs = value.(int)
		return old
	case "gain":
		old := p.Gain
		p.Gain = value.(float64)
		return old
	case "black_level":
		old := p.BlackLevel
		p.BlackLevel = value.(int)
		return old
	case "auto_exposure":
		old := p.AutoExposure
		p.AutoExposure = value.(bool)
		return old
	case "auto_gain":
		old := p.AutoGain
		p.AutoGain = value.(bool)
		return old
	case "pixel_format":
		old := p.PixelFormat
		p.PixelFormat = value.(string)
		return old
	case "red_balance":
		old := p.RedBalance
		p.RedBalance = value.(float64)
		return old
	case "green_balance":
		old := p.GreenBalance
		p.GreenBalance = value.(float64)
		return old
	case "blue_balance":
		old := p.BlueBalance
		p.BlueBalance = value.(float64)
		return old
	case "trigger_mode":
		old := p.TriggerMode
		p.TriggerMode = value.(TriggerMode)
		return old
	case "acquisition_frame_rate":
		old := p.AcquisitionFrameRate
		p.AcquisitionFrameRate = value.(int)
		return old
	}
	return nil
}
