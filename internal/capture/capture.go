// Package capture implements the Capture Pipeline (§4.E): the per-camera
// state machine that executes one capture attempt end-to-end —
// ADMIT → PARAM_APPLY → SNAP → WAIT → CONVERT → VALIDATE → ENQUEUE_SAVE → DONE.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethan/camrig/internal/adapter"
	"github.com/ethan/camrig/internal/bandwidth"
	"github.com/ethan/camrig/internal/filewriter"
	"github.com/ethan/camrig/internal/paramstore"
	"github.com/ethan/camrig/pkg/logger"
)

// Kind is the error taxonomy of §7.
type Kind int

const (
	KindNone Kind = iota
	KindDevice
	KindTransportTimeout
	KindConversion
	KindAdmissionTimeout
	KindInvalidFrame
)

func (k Kind) String() string {
	switch k {
	case KindDevice:
		return "device_error"
	case KindTransportTimeout:
		return "transport_timeout"
	case KindConversion:
		return "conversion_error"
	case KindAdmissionTimeout:
		return "admission_timeout"
	case KindInvalidFrame:
		return "invalid_frame"
	default:
		return "none"
	}
}

// CaptureError carries an error's §7 kind alongside its underlying cause.
type CaptureError struct {
	Kind Kind
	Err  error
}

func (e *CaptureError) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }
func (e *CaptureError) Unwrap() error { return e.Err }

func fail(kind Kind, err error) *CaptureError { return &CaptureError{Kind: kind, Err: err} }

// Result is one Capture Result (§3): one per attempt.
type Result struct {
	Success       bool
	RetryCount    int // filled in by the Retry Engine, zero at the pipeline level
	BrightPercent float64
	Dark          bool
	ElapsedMs     float64
	Err           error
	Path          string
}

// Options parameterizes one attempt.
type Options struct {
	Path              string
	Format            string
	UltraConservative bool
	// SkipSettle suppresses PARAM_APPLY's generic post-write settle sleep.
	// The Retry Engine sets this on every retried attempt: its own §4.F
	// strategy table already specifies the exact settle duration for that
	// retry, superseding the pipeline's generic exposure-based formula.
	SkipSettle bool
}

// bright-pixel threshold and dark-image percentage threshold, §4.E / GLOSSARY.
const (
	brightChannelThreshold = 30
	darkPercentThreshold   = 12
	maxSamplePixels        = 1000
)

// WAIT deadline constants, §4.E.
const (
	waitBaselineNormal = 10 * time.Second
	waitBufferNormal   = 6 * time.Second
	waitBaselineUltra  = 15 * time.Second
	waitBufferUltra    = 12 * time.Second

	waitRetryPause     = 200 * time.Millisecond
	waitRetryExtension = 5 * time.Second
	maxWaitRetries     = 3
)

// Pipeline runs one capture attempt's state machine. It is stateless aside
// from its collaborators and safe for concurrent use across different
// cameras (never the same camera concurrently — the Orchestrator never
// schedules two workers against one Camera Record at once, §5).
type Pipeline struct {
	Store  *paramstore.Store
	Cache  *paramstore.Cache
	BW     *bandwidth.Controller
	Writer *filewriter.Writer
	Logger *logger.Logger
}

// Attempt runs the full ADMIT..DONE state machine once for serial, using
// dev's handle quadruple.
func (p *Pipeline) Attempt(ctx context.Context, dev *adapter.Device, serial string, opts Options) Result {
	start := time.Now()
	log := p.Logger.With("serial", serial, "path", opts.Path)

	// ADMIT
	if err := p.BW.AwaitSlot(ctx, serial); err != nil {
		if errors.Is(err, bandwidth.ErrAdmissionTimeout) {
			log.Warn("admission safety timeout, failing this attempt without advancing")
			return Result{Success: false, ElapsedMs: elapsedMs(start), Err: fail(KindAdmissionTimeout, err)}
		}
		return Result{Success: false, ElapsedMs: elapsedMs(start), Err: err}
	}
	p.BW.OnStart(serial)

	// PARAM_APPLY
	current := p.Store.Get(serial)
	if p.Cache.NeedsApply(serial, current) {
		if err := applyParameters(dev, current); err != nil {
			p.BW.OnEnd(serial, false, elapsedMs(start), false)
			return Result{Success: false, ElapsedMs: elapsedMs(start), Err: fail(KindDevice, err)}
		}
		p.Cache.Record(serial, current)
		if !opts.SkipSettle {
			time.Sleep(settleDelay(current.ExposureUs, opts.UltraConservative))
		}
	}

	img, brightPct, dark, capErr := p.snapWaitConvertValidate(ctx, dev, serial, current.ExposureUs, opts.UltraConservative, log.Logger)
	if capErr != nil {
		p.BW.OnEnd(serial, false, elapsedMs(start), dark)
		return Result{Success: false, ElapsedMs: elapsedMs(start), Err: capErr, Dark: dark, BrightPercent: brightPct}
	}
	log.DebugFrame(serial, brightPct, dark)

	if dark {
		// One inline re-snap attempt (§4.E VALIDATE).
		log.Warn("dark frame detected, re-snapping once", "bright_percent", brightPct)
		time.Sleep(300 * time.Millisecond)
		img2, brightPct2, dark2, capErr2 := p.snapWaitConvertValidate(ctx, dev, serial, current.ExposureUs, true, log.Logger)
		if capErr2 == nil {
			log.DebugFrame(serial, brightPct2, dark2)
		}
		if capErr2 == nil && !dark2 {
			img, brightPct, dark = img2, brightPct2, dark2
		} else {
			// Keep the original dark result; record it on the camera's
			// health counters and bubble up to the Retry Engine.
			p.recordDark(serial)
			p.BW.OnEnd(serial, false, elapsedMs(start), true)
			return Result{Success: false, ElapsedMs: elapsedMs(start), Dark: true, BrightPercent: brightPct}
		}
	}

	// ENQUEUE_SAVE
	p.Writer.Enqueue(img, opts.Path, opts.Format)

	// DONE
	elapsed := elapsedMs(start)
	p.BW.OnEnd(serial, true, elapsed, false)
	return Result{Success: true, ElapsedMs: elapsed, BrightPercent: brightPct, Dark: false, Path: opts.Path}
}

// recordDark does nothing itself: the camera's §3 dark-image counters
// (BlackImageCount, HadRecentBlackImage) live only in the Bandwidth
// Controller, which updates them through OnEnd(dark=true).
func (p *Pipeline) recordDark(serial string) {
	// The Bandwidth Controller is the single source of truth for
	// BlackImageCount/HadRecentBlackImage (§3); OnEnd(dark=true) updates
	// it under its own lock, called by the DONE/failure path above.
	_ = serial
}

// snapWaitConvertValidate runs SNAP, WAIT, CONVERT, VALIDATE once and
// returns the converted image, its bright-pixel percentage, whether it's
// dark, and any terminal error.
func (p *Pipeline) snapWaitConvertValidate(ctx context.Context, dev *adapter.Device, serial string, exposureUs int, ultraConservative bool, log *slog.Logger) (*adapter.Image, float64, bool, error) {
	// SNAP
	if err := dev.SnapOneFrame(); err != nil {
		return nil, 0, false, fail(KindDevice, fmt.Errorf("snap: %w", err))
	}

	// WAIT
	throttled := p.BW.Snapshot(serial).NeedsThrottling
	deadline := waitDeadline(exposureUs, ultraConservative, throttled)

	var frame adapter.FrameBuffer
	var waitErr error
	for attempt := 0; ; attempt++ {
		frame, waitErr = dev.WaitForCompletion(ctx, deadline)
		if waitErr == nil {
			break
		}
		if attempt >= maxWaitRetries {
			p.BW.EscalateCritical(serial)
			return nil, 0, false, fail(KindTransportTimeout, waitErr)
		}
		log.Warn("WAIT timed out, retrying", "attempt", attempt+1, "deadline", deadline)
		time.Sleep(waitRetryPause)
		dev.AbortTransfer()
		deadline += waitRetryExtension
	}

	// CONVERT
	if throttled {
		time.Sleep(25 * time.Millisecond)
	}
	converted, convErr := dev.ColorConvert(frame)
	if convErr != nil {
		time.Sleep(50 * time.Millisecond)
		converted, convErr = dev.ColorConvert(frame)
		if convErr != nil {
			return nil, 0, false, fail(KindConversion, convErr)
		}
	}

	// VALIDATE
	img, ok := converted.(*adapter.Image)
	if !ok || img.Width <= 0 || img.Height <= 0 || len(img.Pixels) == 0 {
		return nil, 0, false, fail(KindInvalidFrame, fmt.Errorf("invalid converted buffer for %s", serial))
	}
	brightPct := brightPercent(img)
	dark := brightPct < darkPercentThreshold
	return img, brightPct, dark, nil
}

// applyParameters pushes every field of p to the device. Real hardware
// would name each feature distinctly; this facade writes the whole struct
// as one batch of named SetFeature calls, through the Device Adapter's own
// settling contract (§4.A).
func applyParameters(dev *adapter.Device, p paramstore.ParameterSet) error {
	fields := map[string]adapter.FeatureValue{
		"exposure_us":            p.ExposureUs,
		"gain":                   p.Gain,
		"black_level":            p.BlackLevel,
		"auto_exposure":          p.AutoExposure,
		"auto_gain":              p.AutoGain,
		"pixel_format":           p.PixelFormat,
		"red_balance":            p.RedBalance,
		"green_balance":          p.GreenBalance,
		"blue_balance":           p.BlueBalance,
		"trigger_mode":           string(p.TriggerMode),
		"acquisition_frame_rate": p.AcquisitionFrameRate,
	}
	return dev.ApplyFeatures(fields, p.ExposureUs)
}

// settleDelay is §4.E PARAM_APPLY's post-write settling sleep.
func settleDelay(exposureUs int, ultraConservative bool) time.Duration {
	if ultraConservative {
		switch {
		case exposureUs > 100_000:
			return 750 * time.Millisecond
		case exposureUs > 50_000:
			return 650 * time.Millisecond
		default:
			return 500 * time.Millisecond
		}
	}
	if exposureUs > 50_000 {
		return 120 * time.Millisecond
	}
	return 80 * time.Millisecond
}

// waitDeadline computes §4.E WAIT's deadline.
func waitDeadline(exposureUs int, ultraConservative, throttled bool) time.Duration {
	baseline, buffer := waitBaselineNormal, waitBufferNormal
	if ultraConservative {
		baseline, buffer = waitBaselineUltra, waitBufferUltra
	}
	fromExposure := time.Duration(exposureUs)*time.Microsecond + buffer
	deadline := baseline
	if fromExposure > deadline {
		deadline = fromExposure
	}
	if throttled {
		deadline *= 2
	}
	return deadline
}

// brightPercent samples up to maxSamplePixels pixels at a fixed stride and
// computes the percentage considered "bright": any of R, G, B exceeds
// brightChannelThreshold on an 8-bit scale (GLOSSARY).
func brightPercent(img *adapter.Image) float64 {
	total := img.Width * img.Height
	if total == 0 {
		return 0
	}
	stride := total / maxSamplePixels
	if stride < 1 {
		stride = 1
	}

	sampled, bright := 0, 0
	for i := 0; i < total; i += stride {
		off := i * 3
		if off+2 >= len(img.Pixels) {
			break
		}
		r, g, b := img.Pixels[off], img.Pixels[off+1], img.Pixels[off+2]
		sampled++
		if r > brightChannelThreshold || g > brightChannelThreshold || b > brightChannelThreshold {
			bright++
		}
	}
	if sampled == 0 {
		return 0
	}
	return float64(bright) / float64(sampled) * 100
}

func elapsedMs(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
