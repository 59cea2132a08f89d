// Package adapter is the thin facade over the vendor camera SDK (§4.A).
//
// The vendor SDK itself is an external collaborator (§1, out of scope): it is
// declared here as the SDK interface so the rest of the module can be built
// and tested against a fake, never against a concrete device driver.
package adapter

import (
	"context"
	"fmt"
	"time"
)

// EnumeratedDevice is one entry the vendor SDK reports when scanning the bus.
type EnumeratedDevice struct {
	Index  int
	Serial string
	Model  string
}

// Opaque handle types. The real SDK returns pointers/ints into its own
// runtime; all this package needs is to hold them and hand them back.
type (
	DeviceHandle         any
	BufferRingHandle     any
	TransferHandle       any
	ColorConverterHandle any
	FrameBuffer          any
	ConvertedBuffer      any
)

// FeatureValue is whatever typed value a named device feature accepts
// (exposure in µs, gain as float64, pixel format as string, ...).
type FeatureValue = any

// Image is the concrete shape a ColorConvert call produces: an RGB8
// interleaved buffer. The SDK interface carries it behind the opaque
// ConvertedBuffer/FrameBuffer aliases (the real vendor type is unknown to
// this module); callers that need to inspect pixels, such as the capture
// pipeline's VALIDATE stage, type-assert back to *Image.
type Image struct {
	Width  int
	Height int
	// Pixels is RGB8 interleaved, len == Width*Height*3.
	Pixels []byte
}

// SDK is the vendor camera SDK contract. Implementations are provided by
// whatever talks to the real hardware; internal/adapter never implements it
// itself.
type SDK interface {
	EnumerateDevices(ctx context.Context) ([]EnumeratedDevice, error)
	OpenDevice(ctx context.Context, enumIndex int) (DeviceHandle, string, string, error)
	CreateBufferRing(dev DeviceHandle, depth int) (BufferRingHandle, error)
	CreateTransfer(dev DeviceHandle, rb BufferRingHandle) (TransferHandle, error)
	CreateColorConverter(dev DeviceHandle) (ColorConverterHandle, error)

	SetFeature(dev DeviceHandle, name string, value FeatureValue) error
	GetFeature(dev DeviceHandle, name string) (FeatureValue, error)

	StartTransfer(t TransferHandle) error
	SnapOneFrame(t TransferHandle) error
	WaitForCompletion(ctx context.Context, t TransferHandle, deadline time.Duration) (FrameBuffer, error)
	AbortTransfer(t TransferHandle) error

	ColorConvert(cc ColorConverterHandle, frame FrameBuffer) (ConvertedBuffer, error)
	SaveBuffer(buf ConvertedBuffer, path string, format string) error

	CloseColorConverter(cc ColorConverterHandle) error
	CloseTransfer(t TransferHandle) error
	CloseBufferRing(rb BufferRingHandle) error
	CloseDevice(dev DeviceHandle) error
}

// bufferRingDepth is the number of buffers in the transfer's ring. The
// original rig's tuning (§ original_source/backend/src/refactored_capture.cpp)
// used 5 buffers per camera to absorb USB/bus jitter without stalling the
// next snap; this adapter keeps the same depth.
const bufferRingDepth = 5

// quadruple is the one owning aggregate per §3's "device-adapter handle
// quadruple": device, buffer ring, transfer, color-converter. Device wraps
// it with the serial/model the SDK reported at open time.
type Device struct {
	sdk    SDK
	Serial string
	Model  string

	quad quadruple
}

type quadruple struct {
	device    DeviceHandle
	buffers   BufferRingHandle
	transfer  TransferHandle
	converter ColorConverterHandle
}

// Connect opens the enumerated device at enumIndex and builds its handle
// quadruple. Any failure after a partial construction releases everything
// already created, in reverse order, before returning the error — §4.A's
// "destruction must release every sub-resource even on partial-construction
// failure."
func Connect(ctx context.Context, sdk SDK, enumIndex int) (dev *Device, err error) {
	d := &Device{sdk: sdk}

	d.quad.device, d.Serial, d.Model, err = sdk.OpenDevice(ctx, enumIndex)
	if err != nil {
		return nil, fmt.Errorf("open device at index %d: %w", enumIndex, err)
	}
	defer func() {
		if err != nil {
			sdk.CloseDevice(d.quad.device)
		}
	}()

	d.quad.buffers, err = sdk.CreateBufferRing(d.quad.device, bufferRingDepth)
	if err != nil {
		return nil, fmt.Errorf("create buffer ring for %s: %w", d.Serial, err)
	}
	defer func() {
		if err != nil {
			sdk.CloseBufferRing(d.quad.buffers)
		}
	}()

	d.quad.transfer, err = sdk.CreateTransfer(d.quad.device, d.quad.buffers)
	if err != nil {
		return nil, fmt.Errorf("create transfer for %s: %w", d.Serial, err)
	}
	defer func() {
		if err != nil {
			sdk.CloseTransfer(d.quad.transfer)
		}
	}()

	d.quad.converter, err = sdk.CreateColorConverter(d.quad.device)
	if err != nil {
		return nil, fmt.Errorf("create color converter for %s: %w", d.Serial, err)
	}
	defer func() {
		if err != nil {
			sdk.CloseColorConverter(d.quad.converter)
		}
	}()

	if err = sdk.StartTransfer(d.quad.transfer); err != nil {
		return nil, fmt.Errorf("start transfer for %s: %w", d.Serial, err)
	}

	return d, nil
}

// Close releases every sub-resource of the quadruple in reverse
// construction order. Close must be called at most once; callers must
// not reuse the Device afterward.
func (d *Device) Close() error {
	var errs []error
	if err := d.sdk.CloseColorConverter(d.quad.converter); err != nil {
		errs = append(errs, fmt.Errorf("close color converter: %w", err))
	}
	if err := d.sdk.CloseTransfer(d.quad.transfer); err != nil {
		errs = append(errs, fmt.Errorf("close transfer: %w", err))
	}
	if err := d.sdk.CloseBufferRing(d.quad.buffers); err != nil {
		errs = append(errs, fmt.Errorf("close buffer ring: %w", err))
	}
	if err := d.sdk.CloseDevice(d.quad.device); err != nil {
		errs = append(errs, fmt.Errorf("close device: %w", err))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("releasing %s handle quadruple: %v", d.Serial, errs)
}

// SetFeature writes one named feature to the device.
func (d *Device) SetFeature(name string, value FeatureValue) error {
	return d.sdk.SetFeature(d.quad.device, name, value)
}

// GetFeature reads one named feature from the device.
func (d *Device) GetFeature(name string) (FeatureValue, error) {
	return d.sdk.GetFeature(d.quad.device, name)
}

// ApplyFeatures writes every named feature to the device as one batch,
// then observes §4.A's settling delay, sized off exposureUs, before
// returning. This is the device-adapter's own settling contract: it
// applies to every feature write regardless of whatever settle a caller's
// own pipeline stage adds on top afterward.
func (d *Device) ApplyFeatures(fields map[string]FeatureValue, exposureUs int) error {
	for name, value := range fields {
		if err := d.sdk.SetFeature(d.quad.device, name, value); err != nil {
			return fmt.Errorf("set %s: %w", name, err)
		}
	}
	time.Sleep(SettlingDelay(exposureUs))
	return nil
}

// SnapOneFrame triggers a single frame grab.
func (d *Device) SnapOneFrame() error {
	return d.sdk.SnapOneFrame(d.quad.transfer)
}

// WaitForCompletion blocks for the grabbed frame up to deadline.
func (d *Device) WaitForCompletion(ctx context.Context, deadline time.Duration) (FrameBuffer, error) {
	return d.sdk.WaitForCompletion(ctx, d.quad.transfer, deadline)
}

// AbortTransfer cancels an in-flight transfer, e.g. between WAIT retries.
func (d *Device) AbortTransfer() error {
	return d.sdk.AbortTransfer(d.quad.transfer)
}

// ColorConvert converts a grabbed frame (Bayer) to the preset alignment.
func (d *Device) ColorConvert(frame FrameBuffer) (ConvertedBuffer, error) {
	return d.sdk.ColorConvert(d.quad.converter, frame)
}

// SaveBuffer hands a converted buffer to the vendor SDK's file writer.
// Exposed on SDK directly too (internal/filewriter calls the SDK, not a
// specific Device, since saving doesn't need the device handle).
func (d *Device) SaveBuffer(buf ConvertedBuffer, path, format string) error {
	return d.sdk.SaveBuffer(buf, path, format)
}

// SDK exposes the underlying SDK handle, e.g. so the file writer can call
// SaveBuffer without needing to route back through a specific Device.
func (d *Device) SDK() SDK { return d.sdk }

// Settling delay thresholds (µs) and their corresponding delays, §4.A.
const (
	settleDefault    = 25 * time.Millisecond
	settleAbove30ms  = 35 * time.Millisecond
	settleAbove50ms  = 50 * time.Millisecond
	exposureThresh30 = 30_000 // µs
	exposureThresh50 = 50_000 // µs
)

// SettlingDelay returns the delay to observe after a batch of feature writes
// and before the next snap, proportional to the exposure that was just set.
func SettlingDelay(exposureUs int) time.Duration {
	switch {
	case exposureUs > exposureThresh50:
		return settleAbove50ms
	case exposureUs > exposureThresh30:
		return settleAbove30ms
	default:
		return settleDefault
	}
}
