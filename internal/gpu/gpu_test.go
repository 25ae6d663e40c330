package gpu

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeRunner(out string, err error) commandRunner {
	return func(ctx context.Context) (string, error) {
		return out, err
	}
}

func TestParseDeviceString(t *testing.T) {
	cases := []struct {
		device string
		want   []int
	}{
		{"", nil},
		{"auto", nil},
		{"AUTO", nil},
		{"cpu", nil},
		{"0", []int{0}},
		{"3", []int{3}},
		{"[0,1,2]", []int{0, 1, 2}},
		{"[0, 1]", []int{0, 1}},
		{"cuda:0", []int{0}},
		{" 1 ", []int{1}},
		{"garbage", nil},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%q", tc.device), func(t *testing.T) {
			assert.Equal(t, tc.want, ParseDeviceString(tc.device))
		})
	}
}

func TestMemoryUsage(t *testing.T) {
	p := &Probe{threshold: 20, run: fakeRunner("0, 24576, 12288, 12288\n1, 24576, 100, 24476\n", nil)}
	info := p.MemoryUsage(context.Background())
	require.Len(t, info, 2)
	assert.Equal(t, 24576, info[0].MemoryTotal)
	assert.InDelta(t, 50.0, info[0].MemoryUsedPercent, 0.01)
	assert.InDelta(t, 0.4, info[1].MemoryUsedPercent, 0.01)
}

func TestMemoryUsageToolFailure(t *testing.T) {
	p := &Probe{threshold: 20, run: fakeRunner("", fmt.Errorf("nvidia-smi: not found"))}
	assert.Empty(t, p.MemoryUsage(context.Background()))
}

func TestCheckAvailability(t *testing.T) {
	ctx := context.Background()

	t.Run("NoGPURequested", func(t *testing.T) {
		p := &Probe{threshold: 20, run: fakeRunner("", fmt.Errorf("unused"))}
		for _, device := range []string{"", "auto", "cpu"} {
			check := p.CheckAvailability(ctx, device)
			assert.True(t, check.Available, device)
		}
	})

	t.Run("BusyGPU", func(t *testing.T) {
		p := &Probe{threshold: 20, run: fakeRunner("0, 24576, 20000, 4576\n1, 24576, 100, 24476\n", nil)}
		check := p.CheckAvailability(ctx, "0")
		require.False(t, check.Available)
		assert.Equal(t, []int{0}, check.BusyGPUs)
		assert.Contains(t, check.Message, "GPU 0")
	})

	t.Run("FreeGPU", func(t *testing.T) {
		p := &Probe{threshold: 20, run: fakeRunner("0, 24576, 20000, 4576\n1, 24576, 100, 24476\n", nil)}
		check := p.CheckAvailability(ctx, "1")
		assert.True(t, check.Available)
		assert.Empty(t, check.BusyGPUs)
	})

	t.Run("MultiGPUOneBusy", func(t *testing.T) {
		p := &Probe{threshold: 20, run: fakeRunner("0, 24576, 20000, 4576\n1, 24576, 100, 24476\n", nil)}
		check := p.CheckAvailability(ctx, "[0,1]")
		require.False(t, check.Available)
		assert.Equal(t, []int{0}, check.BusyGPUs)
	})

	t.Run("ProbeFailureAssumesAvailable", func(t *testing.T) {
		// Missing telemetry never blocks a launch.
		p := &Probe{threshold: 20, run: fakeRunner("", fmt.Errorf("timeout"))}
		check := p.CheckAvailability(ctx, "0")
		assert.True(t, check.Available)
		assert.Contains(t, check.Message, "assuming available")
	})

	t.Run("UnknownIndexNotBusy", func(t *testing.T) {
		p := &Probe{threshold: 20, run: fakeRunner("0, 24576, 100, 24476\n", nil)}
		check := p.CheckAvailability(ctx, "7")
		assert.True(t, check.Available)
	})
}
