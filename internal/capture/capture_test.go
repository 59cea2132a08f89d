package capture_test

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
	"github.com/ethan/camrig/pkg/logger"
)

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func silentPipelineLogger() *logger.Logger {
	cfg := logger.NewConfig()
	cfg.EnableCategory(logger.DebugCapture)
	return logger.Wrap(silentLogger(), cfg)
}

func newRig(t *testing.T, serial string, configure func(*adaptertest.CameraScript)) (*capture.Pipeline, *adapter.Device, *filewriter.Writer) {
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

	p := &capture.Pipeline{
		Store:  store,
		Cache:  paramstore.NewCache(),
		BW:     bw,
		Writer: writer,
		Logger: silentPipelineLogger(),
	}
	return p, dev, writer
}

func TestHappyPathSucceeds(t *testing.T) {
	p, dev, writer := newRig(t, "S1", func(s *adaptertest.CameraScript) { s.BrightPercent = 100 })

	result := p.Attempt(context.Background(), dev, "S1", capture.Options{Path: filepath.Join(t.TempDir(), "a.tiff"), Format: "tiff"})
	require.NoError(t, writer.AwaitDrain(context.Background()))

	assert.True(t, result.Success)
	assert.False(t, result.Dark)
	assert.Equal(t, 0, result.RetryCount)
}

func TestDarkFrameExhaustsInlineResnap(t *testing.T) {
	// A camera stuck dark on every frame: the inline one-shot re-snap also
	// comes back dark, so the pipeline reports a dark failure rather than
	// looping forever.
	p, dev, writer := newRig(t, "S2", func(s *adaptertest.CameraScript) { s.BrightPercent = 5 })

	result := p.Attempt(context.Background(), dev, "S2", capture.Options{Path: filepath.Join(t.TempDir(), "b.tiff"), Format: "tiff"})
	require.NoError(t, writer.AwaitDrain(context.Background()))

	assert.False(t, result.Success)
	assert.True(t, result.Dark)
	assert.Equal(t, int64(0), writer.Pending())
}

func TestDeviceErrorOnSnapFailsWithoutEnqueue(t *testing.T) {
	p, dev, writer := newRig(t, "S3", func(s *adaptertest.CameraScript) { s.SnapErr = errSnap })
	result := p.Attempt(context.Background(), dev, "S3", capture.Options{Path: filepath.Join(t.TempDir(), "c.tiff"), Format: "tiff"})
	require.NoError(t, writer.AwaitDrain(context.Background()))

	assert.False(t, result.Success)
	assert.Equal(t, int64(0), writer.Pending())
}

func TestTransportTimeoutExhaustsAfterThreeRetries(t *testing.T) {
	p, dev, _ := newRig(t, "S4", func(s *adaptertest.CameraScript) { s.BrightPercent = 100; s.WaitTimeouts = 10 })
	result := p.Attempt(context.Background(), dev, "S4", capture.Options{Path: filepath.Join(t.TempDir(), "d.tiff"), Format: "tiff"})

	assert.False(t, result.Success)
	var capErr *capture.CaptureError
	require.ErrorAs(t, result.Err, &capErr)
	assert.Equal(t, capture.KindTransportTimeout, capErr.Kind)
}

func TestConversionRetriedOnceThenFails(t *testing.T) {
	p, dev, _ := newRig(t, "S5", func(s *adaptertest.CameraScript) { s.BrightPercent = 100; s.ConvertFailures = 5 })
	result := p.Attempt(context.Background(), dev, "S5", capture.Options{Path: filepath.Join(t.TempDir(), "e.tiff"), Format: "tiff"})

	assert.False(t, result.Success)
	var capErr *capture.CaptureError
	require.ErrorAs(t, result.Err, &capErr)
	assert.Equal(t, capture.KindConversion, capErr.Kind)
}

type snapError string

func (e snapError) Error() string { return string(e) }

var errSnap = snapError("snap failed")
