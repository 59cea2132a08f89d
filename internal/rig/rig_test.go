package rig_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethan/camrig/internal/adapter"
	"github.com/ethan/camrig/internal/adapter/adaptertest"
	"github.com/ethan/camrig/internal/config"
	"github.com/ethan/camrig/internal/rig"
	"github.com/ethan/camrig/pkg/logger"
)

func silentLogger() *logger.Logger {
	return logger.Wrap(slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
}

func writeDoc(t *testing.T, content string) *config.Document {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rig.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	doc, err := config.Load(path)
	require.NoError(t, err)
	return doc
}

const twoCameraDoc = `{
  "camera_positions": [
    {"position": 1, "full_serial": "S1"},
    {"position": 2, "full_serial": "S2"}
  ],
  "camera_settings": {"default": {}, "overrides": {}}
}`

func TestBuildConnectsEnumeratedConfiguredCameras(t *testing.T) {
	doc := writeDoc(t, twoCameraDoc)
	fake := adaptertest.NewFake([]adapter.EnumeratedDevice{
		{Index: 0, Serial: "S1", Model: "m"},
		{Index: 1, Serial: "S2", Model: "m"},
	})

	r, err := rig.Build(context.Background(), fake, doc, silentLogger())
	require.NoError(t, err)
	assert.Len(t, r.Devices, 2)

	list := r.Service.ListCameras()
	assert.Len(t, list, 2)
	for _, c := range list {
		assert.True(t, c.Connected)
	}
}

func TestBuildLeavesUnenumeratedCameraDisconnected(t *testing.T) {
	doc := writeDoc(t, twoCameraDoc)
	fake := adaptertest.NewFake([]adapter.EnumeratedDevice{
		{Index: 0, Serial: "S1", Model: "m"},
	})

	r, err := rig.Build(context.Background(), fake, doc, silentLogger())
	require.NoError(t, err)
	assert.Len(t, r.Devices, 1)

	cam, err := r.Service.GetCamera("S2")
	require.NoError(t, err)
	assert.False(t, cam.Connected)
}

func TestCloseReleasesAllDevices(t *testing.T) {
	doc := writeDoc(t, twoCameraDoc)
	fake := adaptertest.NewFake([]adapter.EnumeratedDevice{
		{Index: 0, Serial: "S1", Model: "m"},
		{Index: 1, Serial: "S2", Model: "m"},
	})

	r, err := rig.Build(context.Background(), fake, doc, silentLogger())
	require.NoError(t, err)
	assert.NoError(t, r.Close())
}
