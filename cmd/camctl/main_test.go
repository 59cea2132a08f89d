package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleConfig = `{
  "camera_positions": [{"position": 1, "full_serial": "S1"}],
  "camera_settings": {"default": {}, "overrides": {}}
}`

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rig.json")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o644))
	return path
}

func TestRunRequiresConfigFlag(t *testing.T) {
	code := run([]string{"-list-cameras"})
	require.Equal(t, 1, code)
}

func TestRunRejectsMissingCommand(t *testing.T) {
	code := run([]string{"-config", writeConfig(t)})
	require.Equal(t, 1, code)
}

func TestRunListCamerasSucceeds(t *testing.T) {
	code := run([]string{"-config", writeConfig(t), "-list-cameras", "-json"})
	require.Equal(t, 0, code)
}

func TestRunGetParamsUnknownCameraFails(t *testing.T) {
	code := run([]string{"-config", writeConfig(t), "-get-params", "-camera", "unknown"})
	require.Equal(t, 1, code)
}

func TestRunCaptureAllSucceedsWithNoConnectedCameras(t *testing.T) {
	code := run([]string{"-config", writeConfig(t), "-capture-all", "-output", t.TempDir()})
	require.Equal(t, 0, code)
}
