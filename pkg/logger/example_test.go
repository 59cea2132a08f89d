package logger_test

import (
	"fmt"
	"os"

	"github.com/ethan/camrig/pkg/logger"
)

// Example showing basic logger usage
func ExampleLogger_basic() {
	// Create logger with default config
	cfg := logger.NewConfig()
	cfg.Level = logger.LevelInfo
	cfg.Format = logger.FormatText

	log, err := logger.New(cfg)
	if err != nil {
		panic(err)
	}
	defer log.Close()

	// Basic logging
	log.Info("application started", "version", "1.0.0")
	log.Warn("deprecated API used", "endpoint", "/v1/users")
	log.Error("failed to connect", "error", "connection timeout")
}

// Example showing debug category usage
func ExampleLogger_categories() {
	cfg := logger.NewConfig()
	cfg.Level = logger.LevelDebug
	cfg.EnableCategory(logger.DebugCapture)
	cfg.EnableCategory(logger.DebugRetry)

	log, err := logger.New(cfg)
	if err != nil {
		panic(err)
	}
	defer log.Close()

	// Capture debugging (only logged if DebugCapture enabled)
	log.DebugFrame("S1128470", 62.5, false)

	// Retry debugging (only logged if DebugRetry enabled)
	log.DebugParameterMutation("S1128470", "exposure_us", 40000, 80000)

	// Generic category logging
	log.DebugCapture("stage transition", "stage", "SNAP")
	log.DebugRetry("applying strategy", "attempt", 1)
}

// Example showing command-line flags integration
func ExampleFlags() {
	// In main.go:
	// import (
	//     "flag"
	//     "github.com/ethan/camrig/pkg/logger"
	// )
	//
	// fs := flag.NewFlagSet("myapp", flag.ExitOnError)
	// logFlags := logger.RegisterFlags(fs)
	// fs.Parse(os.Args[1:])
	//
	// logConfig, _ := logFlags.ToConfig()
	// log, _ := logger.New(logConfig)
	// defer log.Close()

	fmt.Println("See cmd/camctl/main.go for complete example")
}

// Example showing JSON format output
func ExampleLogger_json() {
	cfg := logger.NewConfig()
	cfg.Level = logger.LevelInfo
	cfg.Format = logger.FormatJSON
	cfg.OutputFile = "app.json"

	log, err := logger.New(cfg)
	if err != nil {
		panic(err)
	}
	defer log.Close()
	defer os.Remove("app.json") // Cleanup

	log.Info("user logged in",
		"user_id", "12345",
		"ip", "192.168.1.1",
		"duration_ms", 250)

	// Output will be in JSON format:
	// {"time":"...","level":"INFO","msg":"user logged in","user_id":"12345","ip":"192.168.1.1","duration_ms":250}
}

// Example showing conditional debug logging
func ExampleLogger_conditional() {
	cfg := logger.NewConfig()
	cfg.EnableCategory(logger.DebugRetry)

	log, err := logger.New(cfg)
	if err != nil {
		panic(err)
	}
	defer log.Close()

	// This will only execute if DebugRetry is enabled
	// No performance overhead if disabled
	log.DebugParameterMutation("S1128470", "gain", 1.0, 1.5)

	// Category methods automatically check if enabled
	// No manual check needed - zero cost if disabled
	log.DebugRetry("strategy applied", "attempt", 2)
}

func computeExpensiveStats() string {
	return "expensive computation result"
}
