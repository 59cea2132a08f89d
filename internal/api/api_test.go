package api_test

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethan/camrig/internal/adapter"
	"github.com/ethan/camrig/internal/adapter/adaptertest"
	"github.com/ethan/camrig/internal/api"
	"github.com/ethan/camrig/internal/bandwidth"
	"github.com/ethan/camrig/internal/capture"
	"github.com/ethan/camrig/internal/filewriter"
	"github.com/ethan/camrig/internal/orchestrator"
	"github.com/ethan/camrig/internal/paramstore"
	"github.com/ethan/camrig/internal/retry"
	"github.com/ethan/camrig/pkg/logger"
)

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func silentPipelineLogger() *logger.Logger {
	return logger.Wrap(silentLogger(), nil)
}

func newService(t *testing.T, serials []string, connected map[string]bool) (*api.Service, *paramstore.Store) {
	t.Helper()
	devices := make([]adapter.EnumeratedDevice, len(serials))
	for i, s := range serials {
		devices[i] = adapter.EnumeratedDevice{Index: i, Serial: s, Model: "m"}
	}
	fake := adaptertest.NewFake(devices)

	store := paramstore.New(paramstore.DefaultParameterSet())
	bw := bandwidth.New(len(serials), silentLogger())
	writer := filewriter.New(fake, silentLogger(), 8)
	writer.Start()
	p := &capture.Pipeline{Store: store, Cache: paramstore.NewCache(), BW: bw, Writer: writer, Logger: silentPipelineLogger()}
	engine := &retry.Engine{Pipeline: p, Store: store, BW: bw, Logger: silentPipelineLogger()}
	orch := &orchestrator.Orchestrator{Engine: engine, Writer: writer, Logger: silentLogger()}

	cameras := make([]*api.Camera, len(serials))
	for i, s := range serials {
		store.Register(s)
		bw.RegisterCamera(s)
		fake.Scripts[s].BrightPercent = 100
		var dev *adapter.Device
		if connected == nil || connected[s] {
			var err error
			dev, err = adapter.Connect(context.Background(), fake, i)
			require.NoError(t, err)
		}
		cameras[i] = &api.Camera{Serial: s, Position: i + 1, Model: "m", Device: dev}
	}

	return api.NewService(store, engine, orch, silentLogger(), cameras), store
}

func TestListCamerasReportsConnectionState(t *testing.T) {
	svc, _ := newService(t, []string{"A", "B"}, map[string]bool{"A": true, "B": false})
	list := svc.ListCameras()
	require.Len(t, list, 2)

	byLine := map[string]api.CameraSummary{}
	for _, c := range list {
		byLine[c.Serial] = c
	}
	assert.True(t, byLine["A"].Connected)
	assert.False(t, byLine["B"].Connected)
}

func TestGetCameraUnknownSerialReturnsNotFound(t *testing.T) {
	svc, _ := newService(t, []string{"A"}, nil)
	_, err := svc.GetCamera("Z")
	assert.ErrorIs(t, err, api.ErrNotFound)
}

func TestSetParameterValidatesAndPersists(t *testing.T) {
	svc, store := newService(t, []string{"A"}, nil)
	_, err := svc.SetParameter("A", "exposure_us", 60_000)
	require.NoError(t, err)
	assert.Equal(t, 60_000, store.Get("A").ExposureUs)

	_, err = svc.SetParameter("A", "exposure_us", 999_999)
	assert.Error(t, err)
}

func TestSetParameterUnknownSerialReturnsNotFound(t *testing.T) {
	svc, _ := newService(t, []string{"A"}, nil)
	_, err := svc.SetParameter("Z", "gain", 1.5)
	assert.ErrorIs(t, err, api.ErrNotFound)
}

func TestCaptureOneDisconnectedCameraErrors(t *testing.T) {
	svc, _ := newService(t, []string{"A"}, map[string]bool{"A": false})
	_, err := svc.CaptureOne(context.Background(), "A", api.CaptureOneRequest{OutputDir: t.TempDir(), Format: "tiff"})
	assert.Error(t, err)
}

func TestCaptureOneSucceeds(t *testing.T) {
	svc, _ := newService(t, []string{"A"}, nil)
	outputDir := t.TempDir()
	result, err := svc.CaptureOne(context.Background(), "A", api.CaptureOneRequest{OutputDir: outputDir, Format: "tiff"})
	require.NoError(t, err)
	assert.True(t, result.Success)

	assert.Equal(t, outputDir, filepath.Dir(result.Path))
	assert.Regexp(t, regexp.MustCompile(`^pos01_A_shot01_01_\d{8}_\d{6}\.tiff$`), filepath.Base(result.Path))
}

func TestCaptureAllRejectsOutOfRangeShots(t *testing.T) {
	svc, _ := newService(t, []string{"A"}, nil)
	_, err := svc.CaptureAll(context.Background(), api.CaptureAllRequest{Shots: 11, OutputDir: t.TempDir(), Format: "tiff"})
	assert.ErrorIs(t, err, api.ErrInvalidShots)
}

func TestCaptureAllRunsEveryConnectedCamera(t *testing.T) {
	svc, _ := newService(t, []string{"A", "B"}, nil)
	summary, err := svc.CaptureAll(context.Background(), api.CaptureAllRequest{Shots: 1, OutputDir: t.TempDir(), Format: "png"})
	require.NoError(t, err)
	assert.Len(t, summary.Results, 2)
}

func TestGetAndSetDefaults(t *testing.T) {
	svc, _ := newService(t, []string{"A"}, nil)
	def := svc.GetDefaults()
	def.Gain = 2.5
	updated := svc.SetDefaults(def)
	assert.Equal(t, 2.5, updated.Gain)
}
