// Package api is the HTTP-surface service contract of §6.2: the
// operations an external router would translate HTTP verbs/paths into.
// The router itself is out of scope (§1) — this package only implements
// the calls the router would dispatch to.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/ethan/camrig/internal/adapter"
	"github.com/ethan/camrig/internal/capture"
	"github.com/ethan/camrig/internal/orchestrator"
	"github.com/ethan/camrig/internal/paramstore"
	"github.com/ethan/camrig/internal/retry"
)

// CameraSummary is one entry of list-cameras.
type CameraSummary struct {
	Serial    string                  `json:"serial"`
	Position  int                     `json:"position"`
	Connected bool                    `json:"connected"`
	Model     string                  `json:"model"`
	Params    paramstore.ParameterSet `json:"params"`
}

// ErrNotFound is returned by get-camera for an unknown serial.
var ErrNotFound = fmt.Errorf("camera not found")

// ErrInvalidShots is returned by capture-all whenever shots falls outside
// [1, 10]; the service rejects such a request instead of passing it on to
// the Orchestrator's own collapse-to-1 handling.
var ErrInvalidShots = fmt.Errorf("shots must be in [1, 10]")

// Camera is one tracked camera slot backing the service.
type Camera struct {
	Serial   string
	Position int
	Model    string
	Device   *adapter.Device // nil when disconnected
}

// Service implements §6.2's contract over a running rig.
type Service struct {
	Store    *paramstore.Store
	Engine   *retry.Engine
	Orch     *orchestrator.Orchestrator
	Logger   *slog.Logger

	cameras map[string]*Camera
}

// NewService constructs a Service over the given camera set.
func NewService(store *paramstore.Store, engine *retry.Engine, orch *orchestrator.Orchestrator, logger *slog.Logger, cameras []*Camera) *Service {
	byLine := make(map[string]*Camera, len(cameras))
	for _, c := range cameras {
		byLine[c.Serial] = c
	}
	return &Service{Store: store, Engine: engine, Orch: orch, Logger: logger, cameras: byLine}
}

// ListCameras implements list-cameras.
func (s *Service) ListCameras() []CameraSummary {
	out := make([]CameraSummary, 0, len(s.cameras))
	for _, c := range s.cameras {
		out = append(out, CameraSummary{
			Serial:    c.Serial,
			Position:  c.Position,
			Connected: c.Device != nil,
			Model:     c.Model,
			Params:    s.Store.Get(c.Serial),
		})
	}
	return out
}

// GetCamera implements get-camera.
func (s *Service) GetCamera(serial string) (CameraSummary, error) {
	c, ok := s.cameras[serial]
	if !ok {
		return CameraSummary{}, ErrNotFound
	}
	return CameraSummary{
		Serial:    c.Serial,
		Position:  c.Position,
		Connected: c.Device != nil,
		Model:     c.Model,
		Params:    s.Store.Get(serial),
	}, nil
}

// GetParameters implements get-parameters: the camera's current Parameter
// Set plus its validation bounds.
func (s *Service) GetParameters(serial string) (paramstore.ParameterSet, error) {
	if _, ok := s.cameras[serial]; !ok {
		return paramstore.ParameterSet{}, ErrNotFound
	}
	return s.Store.Get(serial), nil
}

// SetParameter implements set-parameter.
func (s *Service) SetParameter(serial, name string, value any) (paramstore.ParameterSet, error) {
	if _, ok := s.cameras[serial]; !ok {
		return paramstore.ParameterSet{}, ErrNotFound
	}
	if err := s.Store.Set(serial, name, value, "api"); err != nil {
		return paramstore.ParameterSet{}, err
	}
	return s.Store.Get(serial), nil
}

// SetParameters implements set-parameters: a bulk replacement of serial's
// Parameter Set.
func (s *Service) SetParameters(serial string, p paramstore.ParameterSet) (paramstore.ParameterSet, error) {
	if _, ok := s.cameras[serial]; !ok {
		return paramstore.ParameterSet{}, ErrNotFound
	}
	if err := s.Store.SetBulk(serial, p); err != nil {
		return paramstore.ParameterSet{}, err
	}
	return s.Store.Get(serial), nil
}

// CaptureOneRequest is capture-one's input.
type CaptureOneRequest struct {
	OutputDir string
	Format    string // tiff, png, jpg
}

// CaptureOne implements capture-one.
func (s *Service) CaptureOne(ctx context.Context, serial string, req CaptureOneRequest) (capture.Result, error) {
	c, ok := s.cameras[serial]
	if !ok {
		return capture.Result{}, ErrNotFound
	}
	if c.Device == nil {
		return capture.Result{}, fmt.Errorf("camera %s is disconnected", serial)
	}
	path := filepath.Join(req.OutputDir, orchestrator.Filename(c.Position, serial, 1, 1, req.Format))
	return s.Engine.Run(ctx, c.Device, serial, capture.Options{Path: path, Format: req.Format}), nil
}

// CaptureAllRequest is capture-all's input.
type CaptureAllRequest struct {
	Shots     int
	OutputDir string
	Format    string
}

// CaptureAll implements capture-all.
func (s *Service) CaptureAll(ctx context.Context, req CaptureAllRequest) (*orchestrator.Summary, error) {
	if req.Shots < 1 || req.Shots > 10 {
		return nil, ErrInvalidShots
	}
	records := make([]orchestrator.CameraRecord, 0, len(s.cameras))
	for _, c := range s.cameras {
		records = append(records, orchestrator.CameraRecord{Serial: c.Serial, Position: c.Position, Device: c.Device})
	}
	return s.Orch.RunBatch(ctx, records, orchestrator.Options{Shots: req.Shots, OutputDir: req.OutputDir, Format: req.Format})
}

// GetDefaults implements get-defaults.
func (s *Service) GetDefaults() paramstore.ParameterSet {
	return s.Store.Default()
}

// SetDefaults implements set-defaults.
func (s *Service) SetDefaults(p paramstore.ParameterSet) paramstore.ParameterSet {
	s.Store.SetDefault(p)
	return s.Store.Default()
}
