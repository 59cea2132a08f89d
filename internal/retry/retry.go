// Package retry implements the Retry Engine (§4.F): wraps one Capture
// Pipeline attempt with up to five retries, each applying an
// exposure/gain strategy indexed by retry number before re-attempting.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/ethan/camrig/internal/adapter"
	"github.com/ethan/camrig/internal/bandwidth"
	"github.com/ethan/camrig/internal/capture"
	"github.com/ethan/camrig/internal/paramstore"
	"github.com/ethan/camrig/pkg/logger"
)

const maxRetries = 5 // six total attempts

// strategy is one row of §4.F's retry table.
type strategy struct {
	mutate func(p *paramstore.ParameterSet)
	settle time.Duration
	ultra  bool
}

var strategies = [maxRetries]strategy{
	{ // retry 1
		mutate: func(p *paramstore.ParameterSet) {
			p.ExposureUs = clampInt(p.ExposureUs*2, 0, 150_000)
		},
		settle: 500 * time.Millisecond,
	},
	{ // retry 2
		mutate: func(p *paramstore.ParameterSet) {
			p.Gain = clampFloat(p.Gain*1.5, 0, 6.0)
		},
		settle: 300 * time.Millisecond,
	},
	{ // retry 3
		mutate: func(p *paramstore.ParameterSet) {
			p.ExposureUs = 100_000
			p.Gain = 4.0
		},
		settle: 750 * time.Millisecond,
	},
	{ // retry 4, ultra-conservative
		mutate: func(p *paramstore.ParameterSet) {
			p.ExposureUs = 120_000
			p.Gain = 5.0
		},
		settle: 1000 * time.Millisecond,
		ultra:  true,
	},
	{ // retry 5, last resort
		mutate: func(p *paramstore.ParameterSet) {
			p.ExposureUs = 150_000
			p.Gain = 6.0
		},
		settle: 1500 * time.Millisecond,
		ultra:  true,
	},
}

func clampInt(v, lo, hi int) int { return min(max(v, lo), hi) }
func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Engine runs the Retry Engine over a Pipeline.
type Engine struct {
	Pipeline *capture.Pipeline
	Store    *paramstore.Store
	BW       *bandwidth.Controller
	Logger   *logger.Logger
}

// Run attempts a capture up to six total times (the initial attempt plus
// five retries), mutating the camera's persisted parameters between
// attempts per §4.F's strategy table. The returned Result's RetryCount is
// the number of retries that were exhausted before success or final
// failure.
func (e *Engine) Run(ctx context.Context, dev *adapter.Device, serial string, opts capture.Options) capture.Result {
	log := e.Logger.With("serial", serial)

	var result capture.Result
	for attempt := 0; attempt <= maxRetries; attempt++ {
		attemptOpts := opts
		if attempt > 0 {
			attemptOpts.UltraConservative = attemptOpts.UltraConservative || strategies[attempt-1].ultra
			attemptOpts.SkipSettle = true
		}

		result = e.Pipeline.Attempt(ctx, dev, serial, attemptOpts)
		result.RetryCount = attempt

		if result.Success {
			// The camera's failure counter already unwound inside
			// Pipeline.Attempt's bw.OnEnd(success=true) call.
			return result
		}

		if attempt == maxRetries {
			e.escalateIfNeeded(serial, result, log)
			return result
		}

		s := strategies[attempt]
		log.Warn("capture attempt failed, applying retry strategy", "attempt", attempt+1, "dark", result.Dark)
		before := e.Store.Get(serial)
		e.Store.Mutate(serial, s.mutate)
		after := e.Store.Get(serial)
		if before.ExposureUs != after.ExposureUs {
			log.DebugParameterMutation(serial, "exposure_us", before.ExposureUs, after.ExposureUs)
		}
		if before.Gain != after.Gain {
			log.DebugParameterMutation(serial, "gain", before.Gain, after.Gain)
		}
		time.Sleep(s.settle)
	}
	return result
}

// escalateIfNeeded flips bandwidth state on terminal failure for the two
// §4.F-named escalating error kinds: transport timeouts and dark-image
// exhaustion.
func (e *Engine) escalateIfNeeded(serial string, result capture.Result, log *logger.Logger) {
	if result.Dark {
		e.BW.EscalateCritical(serial)
		log.Error("dark-image exhaustion, escalating bandwidth state", "serial", serial)
		return
	}
	var capErr *capture.CaptureError
	if errors.As(result.Err, &capErr) && capErr.Kind == capture.KindTransportTimeout {
		e.BW.EscalateCritical(serial)
		log.Error("transport timeout exhaustion, escalating bandwidth state", "serial", serial)
	}
}
