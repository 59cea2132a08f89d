// Package rig wires the Parameter Store, Bandwidth Controller, File
// Writer, Capture Pipeline, Retry Engine, and Batch Orchestrator into one
// running controller, the way cmd/camctl and internal/api both need it
// assembled.
package rig

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethan/camrig/internal/adapter"
	"github.com/ethan/camrig/internal/api"
	"github.com/ethan/camrig/internal/bandwidth"
	"github.com/ethan/camrig/internal/capture"
	"github.com/ethan/camrig/internal/config"
	"github.com/ethan/camrig/internal/filewriter"
	"github.com/ethan/camrig/internal/orchestrator"
	"github.com/ethan/camrig/internal/paramstore"
	"github.com/ethan/camrig/internal/retry"
	"github.com/ethan/camrig/pkg/logger"
)

// writerQueueDepth bounds the File Writer's in-flight save queue across a
// whole rig; see internal/filewriter.New's own note on why this has no
// spec-mandated value.
const writerQueueDepth = 64

// Rig is the fully-wired controller: every collaborator the service layer
// and the CLI need, built once at startup.
type Rig struct {
	Store        *paramstore.Store
	BW           *bandwidth.Controller
	Writer       *filewriter.Writer
	Pipeline     *capture.Pipeline
	Engine       *retry.Engine
	Orchestrator *orchestrator.Orchestrator
	Service      *api.Service

	Devices []*adapter.Device
	Logger  *slog.Logger
}

// Build discovers every camera the vendor SDK enumerates, connects the ones
// named in doc's camera_positions (logging, not failing, on the rest), seeds
// the Parameter Store from doc, and assembles the full controller. log's
// category config flows through to the Capture Pipeline and Retry Engine,
// the two collaborators whose debug output is category-gated.
func Build(ctx context.Context, sdk adapter.SDK, doc *config.Document, log *logger.Logger) (*Rig, error) {
	enumerated, err := sdk.EnumerateDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerate devices: %w", err)
	}

	positions := doc.Positions()
	store := paramstore.New(paramstore.DefaultParameterSet())
	doc.Seed(store)

	bw := bandwidth.New(len(positions), log.With("component", "bandwidth").Logger)
	writer := filewriter.New(sdk, log.With("component", "filewriter").Logger, writerQueueDepth)
	writer.Start()

	pipeline := &capture.Pipeline{Store: store, Cache: paramstore.NewCache(), BW: bw, Writer: writer, Logger: log.With("component", "capture")}
	engine := &retry.Engine{Pipeline: pipeline, Store: store, BW: bw, Logger: log.With("component", "retry")}
	orch := &orchestrator.Orchestrator{Engine: engine, Writer: writer, Logger: log.With("component", "orchestrator").Logger}

	r := &Rig{Store: store, BW: bw, Writer: writer, Pipeline: pipeline, Engine: engine, Orchestrator: orch, Logger: log.Logger}

	cameras := make([]*api.Camera, 0, len(positions))
	byEnumSerial := make(map[string]adapter.EnumeratedDevice, len(enumerated))
	for _, e := range enumerated {
		byEnumSerial[e.Serial] = e
	}

	for serial, position := range positions {
		enumDev, found := byEnumSerial[serial]
		cam := &api.Camera{Serial: serial, Position: position}
		store.Register(serial)
		bw.RegisterCamera(serial)

		if !found {
			log.Warn("configured camera not enumerated by SDK, leaving disconnected", "serial", serial, "position", position)
			cameras = append(cameras, cam)
			continue
		}

		dev, err := adapter.Connect(ctx, sdk, enumDev.Index)
		if err != nil {
			log.Error("failed to connect configured camera, leaving disconnected", "serial", serial, "error", err)
			cameras = append(cameras, cam)
			continue
		}
		cam.Device = dev
		cam.Model = dev.Model
		r.Devices = append(r.Devices, dev)
		cameras = append(cameras, cam)
	}

	r.Service = api.NewService(store, engine, orch, log.With("component", "api").Logger, cameras)
	return r, nil
}

// Close releases every connected device's handle quadruple, in no
// particular order (each Device.Close is independent).
func (r *Rig) Close() error {
	var firstErr error
	for _, dev := range r.Devices {
		if err := dev.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
