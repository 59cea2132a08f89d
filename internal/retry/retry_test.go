package retry_test

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethan/camrig/internal/adapter"
	"github.com/ethan/camrig/internal/adapter/adaptertest"
	"github.com/ethan/camrig/internal/bandwidth"
	"github.com/ethan/camrig/internal/capture"
	"github.com/ethan/camrig/internal/filewriter"
	"github.com/ethan/camrig/internal/paramstore"
	"github.com/ethan/camrig/internal/retry"
	"github.com/ethan/camrig/pkg/logger"
)

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func silentPipelineLogger() *logger.Logger {
	cfg := logger.NewConfig()
	cfg.EnableCategory(logger.DebugCapture)
	cfg.EnableCategory(logger.DebugRetry)
	return logger.Wrap(silentLogger(), cfg)
}

func newEngine(t *testing.T, serial string, configure func(*adaptertest.CameraScript)) (*retry.Engine, *adapter.Device, *adaptertest.Fake) {
	t.Helper()
	fake := adaptertest.NewFake([]adapter.EnumeratedDevice{{Index: 0, Serial: serial, Model: "m"}})
	if configure != nil {
		configure(fake.Scripts[serial])
	}

	dev, err := adapter.Connect(context.Background(), fake, 0)
	require.NoError(t, err)

	store := paramstore.New(paramstore.DefaultParameterSet())
	bw := bandwidth.New(1, silentLogger())
	bw.RegisterCamera(serial)
	writer := filewriter.New(fake, silentLogger(), 8)
	writer.Start()

	p := &capture.Pipeline{Store: store, Cache: paramstore.NewCache(), BW: bw, Writer: writer, Logger: silentPipelineLogger()}
	e := &retry.Engine{Pipeline: p, Store: store, BW: bw, Logger: silentPipelineLogger()}
	return e, dev, fake
}

// Scenario 2 — dark image recovered by retry 1 (§8). A camera forced to
// minimum exposure (500µs) starts dark; retry 1 doubles exposure to 1000µs.
// The fake's brightness model is driven by its script, not by exposure
// directly, so a change listener flips the script bright the moment the
// Store reflects retry 1's doubled exposure — standing in for "a longer
// exposure collects more light."
func TestDarkImageRecoveredByRetryOneDoublesExposure(t *testing.T) {
	e, dev, fake := newEngine(t, "S1", func(s *adaptertest.CameraScript) { s.BrightPercent = 5 })
	e.Store.Mutate("S1", func(p *paramstore.ParameterSet) { p.ExposureUs = 500 })

	e.Store.RegisterChangeListener(func(ev paramstore.ChangeEvent) {
		if ev.Serial == "S1" && e.Store.Get("S1").ExposureUs == 1000 {
			fake.Scripts["S1"].BrightPercent = 100
		}
	})

	result := e.Run(context.Background(), dev, "S1", capture.Options{Path: filepath.Join(t.TempDir(), "s2.tiff"), Format: "tiff"})

	assert.True(t, result.Success)
	assert.GreaterOrEqual(t, result.RetryCount, 1)
	assert.Equal(t, 1000, e.Store.Get("S1").ExposureUs)
}

// Scenario 3 — dark image exhausted (§8): every frame stays dark regardless
// of parameter changes, so all five retries are spent and the camera is
// left throttled at critical priority.
func TestDarkImageExhaustionEscalatesBandwidth(t *testing.T) {
	e, dev, _ := newEngine(t, "S2", func(s *adaptertest.CameraScript) { s.BrightPercent = 5 })

	result := e.Run(context.Background(), dev, "S2", capture.Options{Path: filepath.Join(t.TempDir(), "s3.tiff"), Format: "tiff"})

	assert.False(t, result.Success)
	assert.Equal(t, 5, result.RetryCount)
	snap := e.BW.Snapshot("S2")
	assert.True(t, snap.NeedsThrottling)
	assert.Equal(t, 2, snap.BandwidthPriority)
}

func TestSuccessOnFirstAttemptHasZeroRetries(t *testing.T) {
	e, dev, _ := newEngine(t, "S3", func(s *adaptertest.CameraScript) { s.BrightPercent = 100 })

	result := e.Run(context.Background(), dev, "S3", capture.Options{Path: filepath.Join(t.TempDir(), "s1.tiff"), Format: "tiff"})

	assert.True(t, result.Success)
	assert.Equal(t, 0, result.RetryCount)
}

func TestTransportTimeoutExhaustionEscalatesBandwidth(t *testing.T) {
	e, dev, _ := newEngine(t, "S4", func(s *adaptertest.CameraScript) { s.BrightPercent = 100; s.WaitTimeouts = 1000 })

	result := e.Run(context.Background(), dev, "S4", capture.Options{Path: filepath.Join(t.TempDir(), "s4.tiff"), Format: "tiff"})

	assert.False(t, result.Success)
	snap := e.BW.Snapshot("S4")
	assert.True(t, snap.NeedsThrottling)
}
