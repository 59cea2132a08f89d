package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/ethan/camrig/internal/adapter/adaptertest"
	"github.com/ethan/camrig/internal/api"
	"github.com/ethan/camrig/internal/config"
	"github.com/ethan/camrig/internal/rig"
	"github.com/ethan/camrig/pkg/logger"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("camctl", flag.ContinueOnError)
	logFlags := logger.RegisterFlags(fs)

	configPath := fs.String("config", "", "path to the rig configuration document (required)")
	listCameras := fs.Bool("list-cameras", false, "list configured cameras and exit")
	asJSON := fs.Bool("json", false, "format -list-cameras/-get-params output as JSON")
	captureAll := fs.Bool("capture-all", false, "run a batch capture session across every connected camera")
	capture := fs.Bool("capture", false, "capture from a single camera (requires -camera)")
	getParams := fs.Bool("get-params", false, "print a single camera's current parameters (requires -camera)")
	camera := fs.String("camera", "", "camera serial, for -capture/-get-params")
	output := fs.String("output", "./captures", "output directory for -capture/-capture-all")
	format := fs.String("format", "tiff", "image format: tiff, png, jpg")
	shots := fs.Int("shots", 1, "number of shots per camera for -capture-all")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s -config <path> [command]\n\n", fs.Name())
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  -list-cameras [-json]\n")
		fmt.Fprintf(os.Stderr, "  -get-params -camera <serial> [-json]\n")
		fmt.Fprintf(os.Stderr, "  -capture -camera <serial> [-output <dir>] [-format <fmt>]\n")
		fmt.Fprintf(os.Stderr, "  -capture-all [-shots <n>] [-output <dir>] [-format <fmt>]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return 1
	}

	logCfg, err := logFlags.ToConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error configuring logger: %v\n", err)
		return 1
	}
	log, err := logger.New(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating logger: %v\n", err)
		return 1
	}
	defer log.Close()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "error: -config is required")
		fs.Usage()
		return 1
	}

	doc, err := config.Load(*configPath)
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		return 1
	}

	// The vendor camera SDK is an external collaborator this module never
	// implements (out of scope); camctl drives the in-repo simulator so the
	// full command surface stays runnable without real hardware attached.
	sdk := adaptertest.NewFake(nil)

	ctx := context.Background()
	r, err := rig.Build(ctx, sdk, doc, log)
	if err != nil {
		log.Error("failed to initialize rig", "error", err)
		return 1
	}
	defer r.Close()

	switch {
	case *listCameras:
		return cmdListCameras(r.Service, *asJSON)
	case *getParams:
		return cmdGetParams(r.Service, *camera, *asJSON)
	case *capture:
		log.DebugCapture("dispatching single-camera capture", "camera", *camera, "output", *output)
		return cmdCapture(ctx, r.Service, *camera, *output, *format)
	case *captureAll:
		log.DebugOrchestrator("dispatching batch capture session", "shots", *shots, "output", *output)
		return cmdCaptureAll(ctx, r.Service, *shots, *output, *format)
	default:
		fmt.Fprintln(os.Stderr, "error: no command given")
		fs.Usage()
		return 1
	}
}

func cmdListCameras(svc *api.Service, asJSON bool) int {
	cameras := svc.ListCameras()
	if asJSON {
		return printJSON(cameras)
	}
	for _, c := range cameras {
		fmt.Printf("pos=%d serial=%s model=%s connected=%t exposure_us=%d gain=%.2f\n",
			c.Position, c.Serial, c.Model, c.Connected, c.Params.ExposureUs, c.Params.Gain)
	}
	return 0
}

func cmdGetParams(svc *api.Service, serial string, asJSON bool) int {
	if serial == "" {
		fmt.Fprintln(os.Stderr, "error: -camera is required for -get-params")
		return 1
	}
	params, err := svc.GetParameters(serial)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	if asJSON {
		return printJSON(params)
	}
	fmt.Printf("%+v\n", params)
	return 0
}

func cmdCapture(ctx context.Context, svc *api.Service, serial, outputDir, format string) int {
	if serial == "" {
		fmt.Fprintln(os.Stderr, "error: -camera is required for -capture")
		return 1
	}
	result, err := svc.CaptureOne(ctx, serial, api.CaptureOneRequest{OutputDir: outputDir, Format: format})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	if !result.Success {
		fmt.Fprintf(os.Stderr, "capture failed after %d retries: %v\n", result.RetryCount, result.Err)
		return 1
	}
	fmt.Printf("saved %s (retries=%d elapsed_ms=%d)\n", result.Path, result.RetryCount, result.ElapsedMs)
	return 0
}

func cmdCaptureAll(ctx context.Context, svc *api.Service, shots int, outputDir, format string) int {
	summary, err := svc.CaptureAll(ctx, api.CaptureAllRequest{Shots: shots, OutputDir: outputDir, Format: format})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	fmt.Printf("session %s: %d results, %d total retries, avg sub-batch %.1fms\n",
		summary.SessionDir, len(summary.Results), summary.TotalRetries, summary.AverageSubBatchMs)
	for serial, failures := range summary.PerCameraFailures {
		fmt.Printf("  %s: %d failed shots\n", serial, failures)
	}
	return 0
}

func printJSON(v any) int {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "error encoding JSON: %v\n", err)
		return 1
	}
	return 0
}
