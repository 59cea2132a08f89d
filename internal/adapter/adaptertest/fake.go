// Package adaptertest provides an in-memory stand-in for the vendor camera
// SDK (internal/adapter.SDK), shared by internal/capture, internal/retry,
// internal/orchestrator and internal/rig tests so each doesn't hand-roll its
// own fake.
package adaptertest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ethan/camrig/internal/adapter"
)

// CameraScript controls one serial's simulated behavior.
type CameraScript struct {
	// BrightPercent is returned by the fake's color-convert output: the
	// fraction (0-100) of sampled pixels considered bright. Mutate it
	// mid-test (e.g. after N snaps) to simulate a recovering camera.
	BrightPercent float64

	OpenErr   error
	SnapErr   error
	// ConvertFailures makes the first N ColorConvert calls fail before
	// succeeding, modeling §4.E CONVERT's one local retry.
	ConvertFailures int

	// WaitTimeouts makes the first N WaitForCompletion calls return a
	// transport-timeout error immediately (without waiting out the
	// deadline), modeling §4.E WAIT's escalating retries.
	WaitTimeouts int

	snapCount    int
	convertCalls int
	waitCalls    int
	features     map[string]adapter.FeatureValue
}

// Fake is a scriptable adapter.SDK.
type Fake struct {
	mu      sync.Mutex
	Devices []adapter.EnumeratedDevice
	Scripts map[string]*CameraScript // keyed by serial

	byIndex map[int]string // enumIndex -> serial, filled from Devices
}

// NewFake builds a Fake enumerating the given devices, each starting with a
// bright (100%) default script.
func NewFake(devices []adapter.EnumeratedDevice) *Fake {
	f := &Fake{
		Devices: devices,
		Scripts: map[string]*CameraScript{},
		byIndex: map[int]string{},
	}
	for _, d := range devices {
		f.byIndex[d.Index] = d.Serial
		f.Scripts[d.Serial] = &CameraScript{BrightPercent: 100, features: map[string]adapter.FeatureValue{}}
	}
	return f
}

func (f *Fake) script(serial string) *CameraScript {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.Scripts[serial]
	if !ok {
		s = &CameraScript{BrightPercent: 100, features: map[string]adapter.FeatureValue{}}
		f.Scripts[serial] = s
	}
	return s
}

func (f *Fake) EnumerateDevices(ctx context.Context) ([]adapter.EnumeratedDevice, error) {
	return f.Devices, nil
}

func (f *Fake) OpenDevice(ctx context.Context, idx int) (adapter.DeviceHandle, string, string, error) {
	f.mu.Lock()
	serial, ok := f.byIndex[idx]
	model := "fake-model"
	for _, d := range f.Devices {
		if d.Index == idx && d.Model != "" {
			model = d.Model
		}
	}
	f.mu.Unlock()
	if !ok {
		return nil, "", "", fmt.Errorf("no device at index %d", idx)
	}
	s := f.script(serial)
	if s.OpenErr != nil {
		return nil, "", "", s.OpenErr
	}
	return serial, serial, model, nil
}

func (f *Fake) CreateBufferRing(dev adapter.DeviceHandle, depth int) (adapter.BufferRingHandle, error) {
	return "rb", nil
}
func (f *Fake) CreateTransfer(dev adapter.DeviceHandle, rb adapter.BufferRingHandle) (adapter.TransferHandle, error) {
	return dev, nil
}
func (f *Fake) CreateColorConverter(dev adapter.DeviceHandle) (adapter.ColorConverterHandle, error) {
	return dev, nil
}

func (f *Fake) SetFeature(dev adapter.DeviceHandle, name string, value adapter.FeatureValue) error {
	serial, _ := dev.(string)
	s := f.script(serial)
	f.mu.Lock()
	s.features[name] = value
	f.mu.Unlock()
	return nil
}

func (f *Fake) GetFeature(dev adapter.DeviceHandle, name string) (adapter.FeatureValue, error) {
	serial, _ := dev.(string)
	s := f.script(serial)
	f.mu.Lock()
	defer f.mu.Unlock()
	return s.features[name], nil
}

func (f *Fake) StartTransfer(t adapter.TransferHandle) error { return nil }

func (f *Fake) SnapOneFrame(t adapter.TransferHandle) error {
	serial, _ := t.(string)
	s := f.script(serial)
	f.mu.Lock()
	s.snapCount++
	f.mu.Unlock()
	if s.SnapErr != nil {
		return s.SnapErr
	}
	return nil
}

func (f *Fake) WaitForCompletion(ctx context.Context, t adapter.TransferHandle, deadline time.Duration) (adapter.FrameBuffer, error) {
	serial, _ := t.(string)
	s := f.script(serial)
	f.mu.Lock()
	timeoutsLeft := s.WaitTimeouts - s.waitCalls
	s.waitCalls++
	f.mu.Unlock()
	if timeoutsLeft > 0 {
		return nil, fmt.Errorf("transport timeout waiting for %s", serial)
	}
	return serial, nil // the "frame" is just the serial; convert looks it up
}

func (f *Fake) AbortTransfer(t adapter.TransferHandle) error { return nil }

func (f *Fake) ColorConvert(cc adapter.ColorConverterHandle, frame adapter.FrameBuffer) (adapter.ConvertedBuffer, error) {
	serial, _ := frame.(string)
	s := f.script(serial)
	f.mu.Lock()
	failuresLeft := s.ConvertFailures - s.convertCalls
	s.convertCalls++
	pct := s.BrightPercent
	f.mu.Unlock()
	if failuresLeft > 0 {
		return nil, fmt.Errorf("color convert failed for %s", serial)
	}
	return syntheticImage(pct), nil
}

// SaveBuffer writes a small placeholder file at path so tests exercising
// the full Orchestrator can assert on-disk session layout without a real
// vendor SDK.
func (f *Fake) SaveBuffer(buf adapter.ConvertedBuffer, path string, format string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte("fake-"+format), 0o644)
}

func (f *Fake) CloseColorConverter(cc adapter.ColorConverterHandle) error { return nil }
func (f *Fake) CloseTransfer(t adapter.TransferHandle) error              { return nil }
func (f *Fake) CloseBufferRing(rb adapter.BufferRingHandle) error         { return nil }
func (f *Fake) CloseDevice(dev adapter.DeviceHandle) error                { return nil }

// syntheticImage builds a 100x100 RGB image where brightPercent of the
// pixels have a channel above the §4.E bright threshold (30) and the rest
// are at or below it.
func syntheticImage(brightPercent float64) *adapter.Image {
	const w, h = 100, 100
	total := w * h
	bright := int(float64(total) * brightPercent / 100)

	pixels := make([]byte, total*3)
	for i := 0; i < total; i++ {
		var v byte
		if i < bright {
			v = 200
		} else {
			v = 10
		}
		pixels[i*3] = v
		pixels[i*3+1] = v
		pixels[i*3+2] = v
	}
	return &adapter.Image{Width: w, Height: h, Pixels: pixels}
}

var _ adapter.SDK = (*Fake)(nil)
