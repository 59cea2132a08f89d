// Package bandwidth implements the Bandwidth Controller (§4.D): the
// process-wide admission gate that caps concurrent in-flight captures,
// enforces inter-capture spacing, tracks per-camera throttle state, and
// adaptively searches for the maximum safe concurrency limit at runtime.
package bandwidth

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Timing constants from §4.D.1 and §4.E.
const (
	MinInterCapture = 150 * time.Millisecond
	ThrottleDelay   = 250 * time.Millisecond
	PriorityHoldoff = 80 * time.Millisecond

	awaitSlotPoll    = 5 * time.Millisecond
	awaitSlotTimeout = 5 * time.Second

	emaWeight = 0.3
)

// CameraState is one camera's runtime health counters (§3).
type CameraState struct {
	LastCaptureInstant          time.Time
	RollingAverageCaptureMs     float64
	ConsecutiveBandwidthFailures int
	BandwidthPriority            int // 0 normal, 1 high, 2 critical
	NeedsThrottling               bool
	BlackImageCount               int
	HadRecentBlackImage            bool
}

// phase is the adaptive concurrency-limit search's state (§4.D.3).
type phase int

const (
	phaseBaseline phase = iota
	phaseScaling
	phaseOptimized
)

// Controller mediates all capture admission. The zero value is not usable;
// construct with New.
type Controller struct {
	logger *slog.Logger

	globalLimiter *rate.Limiter // paces MIN_INTER_CAPTURE globally

	mu       sync.Mutex
	cameras  map[string]*CameraState
	active   int
	nCameras int

	limit int

	ph                   phase
	consecutiveSuccesses int // global, reset on any failure; drives phase transitions
	window               []bool // up to 5 outcomes, used for the rate-based phase checks
	optimizedEvalCount   int    // completions since the last Optimized-phase evaluation
}

// New constructs a Controller sized for nCameras. The adaptive search is
// clamped to [1, nCameras] throughout.
func New(nCameras int, logger *slog.Logger) *Controller {
	return &Controller{
		logger:        logger,
		globalLimiter: rate.NewLimiter(rate.Every(MinInterCapture), 1),
		cameras:       make(map[string]*CameraState),
		nCameras:      nCameras,
		limit:         clamp(2, 1, nCameras),
		ph:            phaseBaseline,
	}
}

// RegisterCamera adds serial to the controller's tracked set if absent.
func (c *Controller) RegisterCamera(serial string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.cameras[serial]; !ok {
		c.cameras[serial] = &CameraState{}
	}
}

func (c *Controller) stateLocked(serial string) *CameraState {
	s, ok := c.cameras[serial]
	if !ok {
		s = &CameraState{}
		c.cameras[serial] = s
	}
	return s
}

// Snapshot returns a copy of serial's current state, for tests and
// telemetry.
func (c *Controller) Snapshot(serial string) CameraState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *c.stateLocked(serial)
}

// Limit returns the controller's current concurrency limit.
func (c *Controller) Limit() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.limit
}

// ActiveCaptures returns the current in-flight capture count.
func (c *Controller) ActiveCaptures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// MayStart is the non-blocking admission test of §4.D.1.
func (c *Controller) MayStart(serial string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mayStartLocked(serial, time.Now())
}

func (c *Controller) mayStartLocked(serial string, now time.Time) bool {
	if c.active >= c.limit {
		return false
	}
	// Peek at the global pacing limiter without consuming from it: reserve
	// a token, read the delay it would need, then cancel the reservation
	// so a MayStart probe that returns false doesn't starve the capture
	// that eventually calls OnStart.
	reservation := c.globalLimiter.ReserveN(now, 1)
	if !reservation.OK() {
		return false
	}
	delay := reservation.DelayFrom(now)
	reservation.Cancel()
	if delay > 0 {
		return false
	}

	s := c.stateLocked(serial)
	if s.NeedsThrottling && !s.LastCaptureInstant.IsZero() && now.Sub(s.LastCaptureInstant) < ThrottleDelay {
		return false
	}
	if s.BandwidthPriority > 0 && !s.LastCaptureInstant.IsZero() && now.Sub(s.LastCaptureInstant) < PriorityHoldoff {
		return false
	}
	if s.HadRecentBlackImage && !s.LastCaptureInstant.IsZero() && now.Sub(s.LastCaptureInstant) < 2*MinInterCapture {
		return false
	}
	return true
}

// AwaitSlot blocks, polling at awaitSlotPoll granularity, until MayStart is
// true or the awaitSlotTimeout safety cap fires. A timeout is logged and
// returned as ErrAdmissionTimeout; it leaves the camera's state untouched,
// and what happens next is up to the caller (the Capture Pipeline fails
// that attempt without calling OnStart).
func (c *Controller) AwaitSlot(ctx context.Context, serial string) error {
	deadline := time.Now().Add(awaitSlotTimeout)
	ticker := time.NewTicker(awaitSlotPoll)
	defer ticker.Stop()

	if c.MayStart(serial) {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if c.MayStart(serial) {
				return nil
			}
			if now.After(deadline) {
				c.logger.Warn("admission safety timeout", "serial", serial)
				return ErrAdmissionTimeout
			}
		}
	}
}

// ErrAdmissionTimeout is returned by AwaitSlot when the 5s safety cap
// fires (§7 AdmissionTimeout).
var ErrAdmissionTimeout = admissionTimeoutError{}

type admissionTimeoutError struct{}

func (admissionTimeoutError) Error() string { return "bandwidth: admission safety timeout" }

// OnStart records a capture's admission: increments the active count and
// stamps last-capture-instant globally and per camera.
func (c *Controller) OnStart(serial string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	c.active++
	c.globalLimiter.AllowN(now, 1)

	s := c.stateLocked(serial)
	s.LastCaptureInstant = now
}

// OnEnd records a capture's completion: decrements the active count,
// updates the rolling average capture time via EMA, and updates the
// failure/priority/adaptive-limit state per §4.D.2 and §4.D.3.
func (c *Controller) OnEnd(serial string, success bool, elapsedMs float64, dark bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active > 0 {
		c.active--
	}

	s := c.stateLocked(serial)
	if s.RollingAverageCaptureMs == 0 {
		s.RollingAverageCaptureMs = elapsedMs
	} else {
		s.RollingAverageCaptureMs = emaWeight*elapsedMs + (1-emaWeight)*s.RollingAverageCaptureMs
	}

	if dark {
		s.BlackImageCount++
		s.HadRecentBlackImage = true
	} else if success {
		s.HadRecentBlackImage = false
	}

	if success {
		s.ConsecutiveBandwidthFailures = max(0, s.ConsecutiveBandwidthFailures-1)
		c.consecutiveSuccesses++
		if s.ConsecutiveBandwidthFailures == 0 && c.consecutiveSuccesses >= 3 {
			s.NeedsThrottling = false
			s.BandwidthPriority = max(0, s.BandwidthPriority-1)
		}
	} else {
		s.ConsecutiveBandwidthFailures++
		if s.ConsecutiveBandwidthFailures >= 1 {
			s.NeedsThrottling = true
			s.BandwidthPriority = min(2, s.BandwidthPriority+1)
		}
		c.consecutiveSuccesses = 0
	}

	c.adaptLocked(success)
}

// EscalateCritical force-sets a camera to the critical, throttled state.
// Used by the Retry Engine on terminal failure for error kinds §4.F calls
// out as bandwidth-escalating (transport timeouts, dark-image exhaustion).
func (c *Controller) EscalateCritical(serial string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stateLocked(serial)
	s.NeedsThrottling = true
	s.BandwidthPriority = 2
}

// ResetStats clears per-camera bandwidth flags without changing the
// adaptive search's phase (§4.D.3).
func (c *Controller) ResetStats() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.cameras {
		s.ConsecutiveBandwidthFailures = 0
		s.NeedsThrottling = false
		s.BandwidthPriority = 0
		s.HadRecentBlackImage = false
	}
}

// adaptLocked runs the §4.D.3 three-phase concurrency search. Must be
// called with mu held, after consecutiveSuccesses has already been updated
// for this outcome. Baseline and Scaling transitions are driven directly
// off consecutiveSuccesses/the trailing window, same as before. Optimized
// is different: its "any failure: limit−1" rule is specified as a
// once-per-5-completions check, not a per-call one — evaluating it on
// every OnEnd against a continuously-sliding window let one failure that
// lingers in the window for 4 more calls cost up to 5 decrements instead
// of 1. optimizedEvalCount gates Optimized's evaluation to once every 5
// completions, resetting the window each time so a stale outcome can't be
// counted twice.
func (c *Controller) adaptLocked(success bool) {
	c.pushWindow(success)
	rate := windowSuccessRate(c.window)

	switch c.ph {
	case phaseBaseline:
		if c.consecutiveSuccesses >= 8 {
			c.ph = phaseScaling
			c.consecutiveSuccesses = 0
			c.window = nil
		}
	case phaseScaling:
		if rate >= 99 && c.consecutiveSuccesses >= 4 {
			c.limit = clamp(c.limit+1, 1, c.nCameras)
			c.consecutiveSuccesses = 0
			c.window = nil
		} else if rate < 98 {
			c.limit = clamp(c.limit-1, 2, c.nCameras)
			c.ph = phaseOptimized
			c.consecutiveSuccesses = 0
			c.window = nil
			c.optimizedEvalCount = 0
		}
	case phaseOptimized:
		c.optimizedEvalCount++
		if c.optimizedEvalCount >= 5 {
			if rate < 100 {
				c.limit = clamp(c.limit-1, 1, c.nCameras)
			}
			c.optimizedEvalCount = 0
			c.window = nil
		}
		if c.consecutiveSuccesses >= 20 {
			c.limit = clamp(c.limit+1, 1, c.nCameras)
			c.consecutiveSuccesses = 0
		}
	}
}

// pushWindow appends an outcome to the rolling window, keeping at most the
// last 5.
func (c *Controller) pushWindow(success bool) {
	c.window = append(c.window, success)
	if len(c.window) > 5 {
		c.window = c.window[len(c.window)-5:]
	}
}

func windowSuccessRate(window []bool) float64 {
	if len(window) == 0 {
		return 100
	}
	successes := 0
	for _, ok := range window {
		if ok {
			successes++
		}
	}
	return float64(successes) / float64(len(window)) * 100
}

// Phase returns a human-readable name of the adaptive search's current
// phase, for telemetry.
func (c *Controller) Phase() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.ph {
	case phaseBaseline:
		return "baseline"
	case phaseScaling:
		return "scaling"
	case phaseOptimized:
		return "optimized"
	default:
		return "unknown"
	}
}

func clamp(v, lo, hi int) int {
	if hi < lo {
		hi = lo
	}
	return min(max(v, lo), hi)
}
