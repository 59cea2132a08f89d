package adapter_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ethan/camrig/internal/adapter"
	"github.com/ethan/camrig/internal/adapter/adaptertest"
)

func TestConnectAndClose(t *testing.T) {
	fake := adaptertest.NewFake([]adapter.EnumeratedDevice{
		{Index: 0, Serial: "S1128470", Model: "VX-9"},
	})

	dev, err := adapter.Connect(context.Background(), fake, 0)
	require.NoError(t, err)
	require.Equal(t, "S1128470", dev.Serial)
	require.Equal(t, "VX-9", dev.Model)

	require.NoError(t, dev.SetFeature("exposure_us", 40000))
	v, err := dev.GetFeature("exposure_us")
	require.NoError(t, err)
	require.Equal(t, 40000, v)

	require.NoError(t, dev.SnapOneFrame())
	frame, err := dev.WaitForCompletion(context.Background(), time.Second)
	require.NoError(t, err)

	converted, err := dev.ColorConvert(frame)
	require.NoError(t, err)
	img, ok := converted.(*adapter.Image)
	require.True(t, ok)
	require.Equal(t, 100*100*3, len(img.Pixels))

	require.NoError(t, dev.Close())
}

func TestConnectOpenFailure(t *testing.T) {
	fake := adaptertest.NewFake([]adapter.EnumeratedDevice{{Index: 0, Serial: "S1", Model: "M"}})
	fake.Scripts["S1"].OpenErr = assertErr

	_, err := adapter.Connect(context.Background(), fake, 0)
	require.Error(t, err)
}

var assertErr = errFixture("boom")

type errFixture string

func (e errFixture) Error() string { return string(e) }

func TestApplyFeaturesWritesAndSettles(t *testing.T) {
	fake := adaptertest.NewFake([]adapter.EnumeratedDevice{{Index: 0, Serial: "S1", Model: "M"}})
	dev, err := adapter.Connect(context.Background(), fake, 0)
	require.NoError(t, err)

	start := time.Now()
	err = dev.ApplyFeatures(map[string]adapter.FeatureValue{"exposure_us": 40000, "gain": 2.0}, 40000)
	require.NoError(t, err)
	require.GreaterOrEqual(t, time.Since(start), adapter.SettlingDelay(40000))

	v, err := dev.GetFeature("exposure_us")
	require.NoError(t, err)
	require.Equal(t, 40000, v)
}

func TestSettlingDelay(t *testing.T) {
	require.Equal(t, 25*time.Millisecond, adapter.SettlingDelay(10_000))
	require.Equal(t, 35*time.Millisecond, adapter.SettlingDelay(30_001))
	require.Equal(t, 50*time.Millisecond, adapter.SettlingDelay(50_001))
}
