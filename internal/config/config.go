// Package config loads the rig's configuration document (§6.1): a JSON
// file naming each camera's position/serial, the compiled-in default
// overrides, and per-camera parameter overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ethan/camrig/internal/paramstore"
)

// CameraPosition is one entry of camera_positions.
type CameraPosition struct {
	Position   int    `json:"position"`
	FullSerial string `json:"full_serial"`
}

// DefaultSettings overrides the compiled-in Default Parameter Set. Fields
// left absent in the JSON document keep the compiled-in default (nil
// pointers distinguish "absent" from "explicitly zero").
type DefaultSettings struct {
	ExposureTime *int     `json:"exposure_time"`
	Gain         *float64 `json:"gain"`
	AutoExposure *bool    `json:"auto_exposure"`
	AutoGain     *bool    `json:"auto_gain"`
}

// ParameterOverride is a partial Parameter Set: only present fields
// override the default for that camera.
type ParameterOverride struct {
	ExposureTime         *int     `json:"exposure_time,omitempty"`
	Gain                 *float64 `json:"gain,omitempty"`
	AutoExposure         *bool    `json:"auto_exposure,omitempty"`
	AutoGain             *bool    `json:"auto_gain,omitempty"`
	BlackLevel           *int     `json:"black_level,omitempty"`
	PixelFormat          *string  `json:"pixel_format,omitempty"`
	RedBalance           *float64 `json:"red_balance,omitempty"`
	GreenBalance         *float64 `json:"green_balance,omitempty"`
	BlueBalance          *float64 `json:"blue_balance,omitempty"`
	TriggerMode          *string  `json:"trigger_mode,omitempty"`
	AcquisitionFrameRate *int     `json:"acquisition_frame_rate,omitempty"`
}

// CameraSettings is the camera_settings block.
type CameraSettings struct {
	Default   DefaultSettings              `json:"default"`
	Overrides map[string]ParameterOverride `json:"overrides"`
}

// Document is the full configuration document (§6.1).
type Document struct {
	CameraPositions []CameraPosition `json:"camera_positions"`
	CameraSettings  CameraSettings   `json:"camera_settings"`
}

// Error wraps a configuration problem; §7 calls this kind fatal at
// startup.
type Error struct {
	Msg string
}

func (e *Error) Error() string { return "configuration: " + e.Msg }

func configErr(format string, args ...any) *Error { return &Error{Msg: fmt.Sprintf(format, args...)} }

// Load reads and parses the configuration document at path, then
// validates it: every override must reference a camera named in
// camera_positions, and positions/serials must be unique.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, configErr("read %s: %v", path, err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, configErr("parse %s: %v", path, err)
	}

	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Validate checks the document for the errors §7's ConfigurationError
// names: unknown serial referenced by an override, duplicate positions,
// duplicate serials, and out-of-range default/override parameter values.
func (d *Document) Validate() error {
	serials := make(map[string]bool, len(d.CameraPositions))
	positions := make(map[int]bool, len(d.CameraPositions))
	for _, p := range d.CameraPositions {
		if p.FullSerial == "" {
			return configErr("camera_positions entry at position %d has an empty full_serial", p.Position)
		}
		if serials[p.FullSerial] {
			return configErr("duplicate serial %q in camera_positions", p.FullSerial)
		}
		if positions[p.Position] {
			return configErr("duplicate position %d in camera_positions", p.Position)
		}
		serials[p.FullSerial] = true
		positions[p.Position] = true
	}

	base := paramstore.DefaultParameterSet()
	if err := validateDefaultSettings(d.CameraSettings.Default, base); err != nil {
		return err
	}

	for serial, override := range d.CameraSettings.Overrides {
		if !serials[serial] {
			return configErr("camera_settings.overrides references unknown serial %q", serial)
		}
		if err := validateOverride(serial, override, base); err != nil {
			return err
		}
	}
	return nil
}

// validateDefaultSettings checks camera_settings.default's present fields
// against the Parameter Store's bounds (§3): an out-of-range compiled
// default is a fatal ConfigurationError at Load, not a value that silently
// seeds every camera (§7).
func validateDefaultSettings(s DefaultSettings, base paramstore.ParameterSet) error {
	if s.ExposureTime != nil {
		if err := paramstore.Validate("exposure_us", *s.ExposureTime, base); err != nil {
			return configErr("camera_settings.default.exposure_time: %v", err)
		}
	}
	if s.Gain != nil {
		if err := paramstore.Validate("gain", *s.Gain, base); err != nil {
			return configErr("camera_settings.default.gain: %v", err)
		}
	}
	if s.AutoExposure != nil {
		if err := paramstore.Validate("auto_exposure", *s.AutoExposure, base); err != nil {
			return configErr("camera_settings.default.auto_exposure: %v", err)
		}
	}
	if s.AutoGain != nil {
		if err := paramstore.Validate("auto_gain", *s.AutoGain, base); err != nil {
			return configErr("camera_settings.default.auto_gain: %v", err)
		}
	}
	return nil
}

// validateOverride checks one camera_settings.overrides entry's present
// fields against the same bounds.
func validateOverride(serial string, o ParameterOverride, base paramstore.ParameterSet) error {
	fail := func(field string, err error) error {
		return configErr("camera_settings.overrides[%q].%s: %v", serial, field, err)
	}
	if o.ExposureTime != nil {
		if err := paramstore.Validate("exposure_us", *o.ExposureTime, base); err != nil {
			return fail("exposure_time", err)
		}
	}
	if o.Gain != nil {
		if err := paramstore.Validate("gain", *o.Gain, base); err != nil {
			return fail("gain", err)
		}
	}
	if o.AutoExposure != nil {
		if err := paramstore.Validate("auto_exposure", *o.AutoExposure, base); err != nil {
			return fail("auto_exposure", err)
		}
	}
	if o.AutoGain != nil {
		if err := paramstore.Validate("auto_gain", *o.AutoGain, base); err != nil {
			return fail("auto_gain", err)
		}
	}
	if o.BlackLevel != nil {
		if err := paramstore.Validate("black_level", *o.BlackLevel, base); err != nil {
			return fail("black_level", err)
		}
	}
	if o.PixelFormat != nil {
		if err := paramstore.Validate("pixel_format", *o.PixelFormat, base); err != nil {
			return fail("pixel_format", err)
		}
	}
	if o.RedBalance != nil {
		if err := paramstore.Validate("red_balance", *o.RedBalance, base); err != nil {
			return fail("red_balance", err)
		}
	}
	if o.GreenBalance != nil {
		if err := paramstore.Validate("green_balance", *o.GreenBalance, base); err != nil {
			return fail("green_balance", err)
		}
	}
	if o.BlueBalance != nil {
		if err := paramstore.Validate("blue_balance", *o.BlueBalance, base); err != nil {
			return fail("blue_balance", err)
		}
	}
	if o.TriggerMode != nil {
		if err := paramstore.Validate("trigger_mode", paramstore.TriggerMode(*o.TriggerMode), base); err != nil {
			return fail("trigger_mode", err)
		}
	}
	if o.AcquisitionFrameRate != nil {
		if err := paramstore.Validate("acquisition_frame_rate", *o.AcquisitionFrameRate, base); err != nil {
			return fail("acquisition_frame_rate", err)
		}
	}
	return nil
}

// BuildDefault merges the document's default overrides onto the
// compiled-in Default Parameter Set.
func (d *Document) BuildDefault() paramstore.ParameterSet {
	p := paramstore.DefaultParameterSet()
	s := d.CameraSettings.Default
	if s.ExposureTime != nil {
		p.ExposureUs = *s.ExposureTime
	}
	if s.Gain != nil {
		p.Gain = *s.Gain
	}
	if s.AutoExposure != nil {
		p.AutoExposure = *s.AutoExposure
	}
	if s.AutoGain != nil {
		p.AutoGain = *s.AutoGain
	}
	return p
}

// ApplyOverride merges override onto base, returning a new Parameter Set
// with only override's present fields changed.
func ApplyOverride(base paramstore.ParameterSet, override ParameterOverride) paramstore.ParameterSet {
	p := base
	if override.ExposureTime != nil {
		p.ExposureUs = *override.ExposureTime
	}
	if override.Gain != nil {
		p.Gain = *override.Gain
	}
	if override.AutoExposure != nil {
		p.AutoExposure = *override.AutoExposure
	}
	if override.AutoGain != nil {
		p.AutoGain = *override.AutoGain
	}
	if override.BlackLevel != nil {
		p.BlackLevel = *override.BlackLevel
	}
	if override.PixelFormat != nil {
		p.PixelFormat = *override.PixelFormat
	}
	if override.RedBalance != nil {
		p.RedBalance = *override.RedBalance
	}
	if override.GreenBalance != nil {
		p.GreenBalance = *override.GreenBalance
	}
	if override.BlueBalance != nil {
		p.BlueBalance = *override.BlueBalance
	}
	if override.TriggerMode != nil {
		p.TriggerMode = paramstore.TriggerMode(*override.TriggerMode)
	}
	if override.AcquisitionFrameRate != nil {
		p.AcquisitionFrameRate = *override.AcquisitionFrameRate
	}
	return p
}

// Positions returns the position each serial was configured at, for
// filename generation (§6.3).
func (d *Document) Positions() map[string]int {
	out := make(map[string]int, len(d.CameraPositions))
	for _, p := range d.CameraPositions {
		out[p.FullSerial] = p.Position
	}
	return out
}

// Seed builds the Default Parameter Set and populates store with every
// configured camera's merged (default + override) Parameter Set.
func (d *Document) Seed(store *paramstore.Store) {
	def := d.BuildDefault()
	store.SetDefault(def)

	for _, pos := range d.CameraPositions {
		p := def
		if override, ok := d.CameraSettings.Overrides[pos.FullSerial]; ok {
			p = ApplyOverride(def, override)
		}
		_ = store.SetBulk(pos.FullSerial, p)
	}
}
