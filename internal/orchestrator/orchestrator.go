// Package orchestrator implements the Batch Orchestrator (§4.G): drives a
// full capture session across a fleet of cameras, partitioning each shot
// into fixed-size sub-batches run in parallel, and assembles the final
// per-camera summary.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ethan/camrig/internal/adapter"
	"github.com/ethan/camrig/internal/capture"
	"github.com/ethan/camrig/internal/filewriter"
	"github.com/ethan/camrig/internal/retry"
)

// Timing constants, §4.G / §5.
const (
	InterBatch = 100 * time.Millisecond
	InterShot  = 200 * time.Millisecond

	defaultSubBatchSize = 2
	minShots            = 1
	maxShots            = 10
)

// CameraRecord is one camera slot the Orchestrator schedules against.
// Device is nil when the camera's handle quadruple is missing (never
// connected, or dropped after a DeviceError) — such cameras are skipped,
// not retried, for every shot of the session.
type CameraRecord struct {
	Serial   string
	Position int
	Device   *adapter.Device
}

// ShotResult is one camera's Capture Result for one shot, tagged with its
// position in the session for filename/reporting purposes.
type ShotResult struct {
	Serial string
	Shot   int
	capture.Result
}

// ProgressEvent reports one sub-batch's lifecycle, for the §4.G "emits
// progress events" contract.
type ProgressEvent struct {
	Shot      int
	SubBatch  int
	Serials   []string
	Started   time.Time
	Completed time.Time
}

// Summary is the session's final report.
type Summary struct {
	SessionDir        string
	Results           []ShotResult
	PerCameraFailures map[string]int
	TotalRetries      int
	AverageSubBatchMs float64
}

// Options configures one RunBatch call.
type Options struct {
	Shots        int
	OutputDir    string
	Format       string // tiff, png, jpg
	SubBatchSize int    // 0 defaults to 2
}

// Orchestrator wires the Retry Engine and File Writer into full sessions.
type Orchestrator struct {
	Engine *retry.Engine
	Writer *filewriter.Writer
	Logger *slog.Logger

	// OnProgress, if set, is invoked after every completed sub-batch.
	OnProgress func(ProgressEvent)
}

// RunBatch executes one capture session: K shots over every CameraRecord
// with a live Device, partitioned into sub-batches of fixed size, saving
// through the File Writer and draining it before returning.
func (o *Orchestrator) RunBatch(ctx context.Context, cameras []CameraRecord, opts Options) (*Summary, error) {
	shots := normalizeShots(opts.Shots)
	subBatchSize := opts.SubBatchSize
	if subBatchSize <= 0 {
		subBatchSize = defaultSubBatchSize
	}

	sessionDir, err := createSessionDir(opts.OutputDir)
	if err != nil {
		return nil, fmt.Errorf("session directory: %w", err)
	}

	summary := &Summary{
		SessionDir:        sessionDir,
		PerCameraFailures: make(map[string]int),
	}

	var subBatchDurations []time.Duration

	for shot := 1; shot <= shots; shot++ {
		batches := partition(cameras, subBatchSize)
		for bi, batch := range batches {
			started := time.Now()
			results := o.runSubBatch(ctx, batch, shot, shots, opts.Format, sessionDir)
			completed := time.Now()

			for _, r := range results {
				summary.Results = append(summary.Results, r)
				summary.TotalRetries += r.RetryCount
				if !r.Success {
					summary.PerCameraFailures[r.Serial]++
				}
			}
			subBatchDurations = append(subBatchDurations, completed.Sub(started))

			if o.OnProgress != nil {
				serials := make([]string, len(batch))
				for i, c := range batch {
					serials[i] = c.Serial
				}
				o.OnProgress(ProgressEvent{Shot: shot, SubBatch: bi + 1, Serials: serials, Started: started, Completed: completed})
			}

			if bi < len(batches)-1 {
				time.Sleep(InterBatch)
			}
		}
		if shot < shots {
			time.Sleep(InterShot)
		}
	}

	if err := o.Writer.AwaitDrain(ctx); err != nil {
		return summary, fmt.Errorf("await drain: %w", err)
	}

	summary.AverageSubBatchMs = averageMs(subBatchDurations)
	return summary, nil
}

// runSubBatch launches one worker per camera in the batch, in parallel, and
// waits for all of them before returning. Cameras with a nil Device are
// skipped (logged) and recorded as a failed Capture Result.
func (o *Orchestrator) runSubBatch(ctx context.Context, batch []CameraRecord, shot, totalShots int, format, sessionDir string) []ShotResult {
	results := make([]ShotResult, len(batch))
	var wg sync.WaitGroup

	for i, cam := range batch {
		if cam.Device == nil {
			o.Logger.Warn("camera has no handle quadruple, skipping shot", "serial", cam.Serial, "shot", shot)
			results[i] = ShotResult{Serial: cam.Serial, Shot: shot, Result: capture.Result{Success: false}}
			continue
		}

		wg.Add(1)
		go func(i int, cam CameraRecord) {
			defer wg.Done()
			path := filepath.Join(sessionDir, Filename(cam.Position, cam.Serial, shot, totalShots, format))
			result := o.Engine.Run(ctx, cam.Device, cam.Serial, capture.Options{Path: path, Format: format})
			results[i] = ShotResult{Serial: cam.Serial, Shot: shot, Result: result}
		}(i, cam)
	}

	wg.Wait()
	return results
}

// partition splits cameras into fixed-size groups, the last possibly
// shorter.
func partition(cameras []CameraRecord, size int) [][]CameraRecord {
	var out [][]CameraRecord
	for i := 0; i < len(cameras); i += size {
		end := i + size
		if end > len(cameras) {
			end = len(cameras)
		}
		out = append(out, cameras[i:end])
	}
	return out
}

// normalizeShots collapses an out-of-range shot count to 1, per §8's
// boundary-behavior table.
func normalizeShots(n int) int {
	if n < minShots || n > maxShots {
		return 1
	}
	return n
}

// createSessionDir creates <parent>/capture_session_<timestamp>/ (§6.3),
// falling back to a short uuid-suffixed name on the rare collision where
// two sessions start within the same second.
func createSessionDir(parent string) (string, error) {
	base := fmt.Sprintf("capture_session_%s", time.Now().Format("2006-01-02_15-04-05"))
	path := filepath.Join(parent, base)

	if err := os.MkdirAll(parent, 0o755); err != nil {
		return "", fmt.Errorf("create parent directory %s: %w", parent, err)
	}

	if err := os.Mkdir(path, 0o755); err != nil {
		if !os.IsExist(err) {
			return "", fmt.Errorf("create session directory %s: %w", path, err)
		}
		path = path + "-" + uuid.NewString()[:8]
		if err := os.Mkdir(path, 0o755); err != nil {
			return "", fmt.Errorf("create session directory %s: %w", path, err)
		}
	}
	return path, nil
}

// Filename builds one capture's destination filename per §6.3's grammar:
// pos<PP>_<SERIAL7>_shot<SS>_<TT>_<YYYYMMDD_HHMMSS>.<ext>
func Filename(position int, serial string, shot, totalShots int, format string) string {
	serial7 := serial
	if len(serial7) > 7 {
		serial7 = serial7[len(serial7)-7:]
	}
	ts := time.Now().Format("20060102_150405")
	return fmt.Sprintf("pos%02d_%s_shot%02d_%02d_%s.%s", position, serial7, shot, totalShots, ts, format)
}

func averageMs(durations []time.Duration) float64 {
	if len(durations) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range durations {
		total += d
	}
	return float64(total.Milliseconds()) / float64(len(durations))
}
