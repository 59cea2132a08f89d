package logger

import (
	"flag"
	"fmt"
	"strings"
)

// Flags holds all logging-related command-line flags
type Flags struct {
	LogLevel          string
	LogFormat         string
	LogFile           string
	DebugCapture      bool
	DebugRetry        bool
	DebugBandwidth    bool
	DebugOrchestrator bool
	DebugAll          bool
}

// RegisterFlags registers logging flags with the given FlagSet
func RegisterFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{}

	fs.StringVar(&f.LogLevel, "log-level", "info",
		"Log level: debug, info, warn, error")
	fs.StringVar(&f.LogLevel, "l", "info",
		"Log level (shorthand)")

	fs.StringVar(&f.LogFormat, "log-format", "text",
		"Log output format: text, json")

	fs.StringVar(&f.LogFile, "log-file", "",
		"Log output file path (default: stdout)")
	fs.StringVar(&f.LogFile, "o", "",
		"Log output file path (shorthand)")

	// Debug category flags
	fs.BoolVar(&f.DebugCapture, "debug-capture", false,
		"Enable detailed Capture Pipeline debugging (stage transitions, frame brightness samples)")
	fs.BoolVar(&f.DebugRetry, "debug-retry", false,
		"Enable Retry Engine debugging (strategy table, parameter mutations)")
	fs.BoolVar(&f.DebugBandwidth, "debug-bandwidth", false,
		"Enable Bandwidth Controller debugging (admission, throttle, priority decisions)")
	fs.BoolVar(&f.DebugOrchestrator, "debug-orchestrator", false,
		"Enable Batch Orchestrator debugging (sub-batch scheduling, progress events)")
	fs.BoolVar(&f.DebugAll, "debug-all", false,
		"Enable all debug categories")

	return f
}

// ToConfig converts Flags to a logger Config
func (f *Flags) ToConfig() (*Config, error) {
	cfg := NewConfig()

	// Parse log level
	level, err := ParseLevel(f.LogLevel)
	if err != nil {
		return nil, err
	}
	cfg.Level = level

	// Parse format
	format, err := ParseFormat(f.LogFormat)
	if err != nil {
		return nil, err
	}
	cfg.Format = format

	// Set output file
	cfg.OutputFile = f.LogFile

	// Enable debug categories
	if f.DebugAll {
		cfg.EnableCategory(DebugAll)
		// Force debug level when any debug category is enabled
		cfg.Level = LevelDebug
	} else {
		if f.DebugCapture {
			cfg.EnableCategory(DebugCapture)
			cfg.Level = LevelDebug
		}
		if f.DebugRetry {
			cfg.EnableCategory(DebugRetry)
			cfg.Level = LevelDebug
		}
		if f.DebugBandwidth {
			cfg.EnableCategory(DebugBandwidth)
			cfg.Level = LevelDebug
		}
		if f.DebugOrchestrator {
			cfg.EnableCategory(DebugOrchestrator)
			cfg.Level = LevelDebug
		}
	}

	return cfg, nil
}

// PrintUsageExamples prints usage examples for logging flags
func PrintUsageExamples() {
	examples := `
Logging Examples:

  Basic usage (INFO level, text format to stdout):
    ./camctl -config rig.json -list-cameras

  Enable DEBUG level:
    ./camctl -config rig.json --log-level debug -list-cameras
    ./camctl -config rig.json -l debug -list-cameras

  Log to file:
    ./camctl -config rig.json --log-file camctl.log -capture-all
    ./camctl -config rig.json -o camctl.log -capture-all

  JSON format for structured logging:
    ./camctl -config rig.json --log-format json -o camctl.json -capture-all

  Debug Capture Pipeline stage transitions only:
    ./camctl -config rig.json --debug-capture -capture -camera S1

  Debug Retry Engine strategy application only:
    ./camctl -config rig.json --debug-retry -capture-all

  Debug multiple categories:
    ./camctl -config rig.json --debug-capture --debug-retry --debug-bandwidth -capture-all

  Debug everything:
    ./camctl -config rig.json --debug-all -o debug.log -capture-all

  Production logging (WARN level, JSON to file):
    ./camctl -config rig.json -l warn --log-format json -o production.log -capture-all
`
	fmt.Println(examples)
}

// String returns a string representation of enabled flags
func (f *Flags) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("level=%s", f.LogLevel))
	parts = append(parts, fmt.Sprintf("format=%s", f.LogFormat))

	if f.LogFile != "" {
		parts = append(parts, fmt.Sprintf("output=%s", f.LogFile))
	} else {
		parts = append(parts, "output=stdout")
	}

	var debugCategories []string
	if f.DebugAll {
		debugCategories = append(debugCategories, "all")
	} else {
		if f.DebugCapture {
			debugCategories = append(debugCategories, "capture")
		}
		if f.DebugRetry {
			debugCategories = append(debugCategories, "retry")
		}
		if f.DebugBandwidth {
			debugCategories = append(debugCategories, "bandwidth")
		}
		if f.DebugOrchestrator {
			debugCategories = append(debugCategories, "orchestrator")
		}
	}

	if len(debugCategories) > 0 {
		parts = append(parts, fmt.Sprintf("debug=[%s]", strings.Join(debugCategories, ",")))
	}

	return strings.Join(parts, " ")
}
