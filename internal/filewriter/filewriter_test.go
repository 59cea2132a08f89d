package filewriter_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethan/camrig/internal/adapter"
	"github.com/ethan/camrig/internal/filewriter"
)

type countingSDK struct {
	adapter.SDK
	saved atomic.Int64
	err   error
	delay time.Duration
}

func (c *countingSDK) SaveBuffer(buf adapter.ConvertedBuffer, path, format string) error {
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	c.saved.Add(1)
	return c.err
}

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEnqueueIsNonBlockingAndDrains(t *testing.T) {
	sdk := &countingSDK{}
	w := filewriter.New(sdk, silentLogger(), 8)
	w.Start()

	for i := 0; i < 5; i++ {
		w.Enqueue("buf", "p.tiff", "tiff")
	}

	require.NoError(t, w.AwaitDrain(context.Background()))
	assert.Equal(t, int64(5), sdk.saved.Load())
	assert.Equal(t, int64(0), w.Pending())
}

func TestEnqueueRejectsNilBufferOrEmptyPath(t *testing.T) {
	sdk := &countingSDK{}
	w := filewriter.New(sdk, silentLogger(), 8)
	w.Start()

	w.Enqueue(nil, "p.tiff", "tiff")
	w.Enqueue("buf", "", "tiff")

	require.NoError(t, w.AwaitDrain(context.Background()))
	assert.Equal(t, int64(0), sdk.saved.Load())
	assert.Equal(t, int64(0), w.Pending())
}

func TestSaveErrorDoesNotPropagateButDecrementsPending(t *testing.T) {
	sdk := &countingSDK{err: assertErr("disk full")}
	w := filewriter.New(sdk, silentLogger(), 8)
	w.Start()

	w.Enqueue("buf", "p.tiff", "tiff")
	require.NoError(t, w.AwaitDrain(context.Background()))
	assert.Equal(t, int64(0), w.Pending())
}

func TestStopDrainsBeforeReturning(t *testing.T) {
	sdk := &countingSDK{delay: 10 * time.Millisecond}
	w := filewriter.New(sdk, silentLogger(), 32)
	w.Start()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Enqueue("buf", "p.tiff", "tiff")
		}()
	}
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, w.Stop(ctx))
	assert.Equal(t, int64(10), sdk.saved.Load())
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
