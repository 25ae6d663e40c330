package gpu

// GPU availability probe backed by nvidia-smi. When telemetry is missing
// (tool absent, query timeout) the probe reports available: the system
// favors forward progress over over-caution.

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	"github.com/benderick/EOLO-WEB/internal/config"
)

// MemoryInfo is the current memory state of one device.
type MemoryInfo struct {
	MemoryTotal       int     `json:"memory_total"`
	MemoryUsed        int     `json:"memory_used"`
	MemoryUsedPercent float64 `json:"memory_used_percent"`
}

// Availability is the probe verdict for a device specifier.
type Availability struct {
	Available bool               `json:"available"`
	Indices   []int              `json:"gpu_indices"`
	Status    map[int]MemoryInfo `json:"gpu_status"`
	BusyGPUs  []int              `json:"busy_gpus"`
	Message   string             `json:"message"`
}

// Prober answers device availability questions.
type Prober interface {
	CheckAvailability(ctx context.Context, device string) Availability
}

// commandRunner runs the query tool and returns its stdout. Injectable
// for tests.
type commandRunner func(ctx context.Context) (string, error)

type Probe struct {
	threshold float64
	run       commandRunner
}

// NewProbe builds a probe with the configured busy threshold (percent of
// device memory in use).
func NewProbe() *Probe {
	return &Probe{
		threshold: config.Get(config.GPU_MEMORY_THRESHOLD),
		run:       runNvidiaSMI,
	}
}

func runNvidiaSMI(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=index,memory.total,memory.used,memory.free",
		"--format=csv,noheader,nounits").Output()
	return string(out), err
}

// ParseDeviceString extracts GPU indices from a device specifier.
// "", "auto" and "cpu" carry no GPU claim and yield nil. Supported forms:
// "3", "[0,1,2]", "cuda:0".
func ParseDeviceString(device string) []int {
	device = strings.TrimSpace(device)
	if device == "" || strings.EqualFold(device, "auto") || strings.EqualFold(device, "cpu") {
		return nil
	}
	if strings.HasPrefix(device, "[") && strings.HasSuffix(device, "]") {
		device = device[1 : len(device)-1]
	}
	device = strings.TrimPrefix(device, "cuda:")

	var indices []int
	for _, part := range strings.Split(device, ",") {
		part = strings.TrimSpace(part)
		if idx, err := strconv.Atoi(part); err == nil && idx >= 0 {
			indices = append(indices, idx)
		}
	}
	return indices
}

// MemoryUsage queries per-device memory utilization. Any failure of the
// underlying tool yields an empty map, never an error to the caller.
func (p *Probe) MemoryUsage(ctx context.Context) map[int]MemoryInfo {
	ctx, cancel := context.WithTimeout(ctx, config.Get(config.GPU_PROBE_TIMEOUT))
	defer cancel()

	out, err := p.run(ctx)
	if err != nil {
		return nil
	}

	info := make(map[int]MemoryInfo)
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		parts := strings.Split(line, ",")
		if len(parts) < 3 {
			continue
		}
		index, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil {
			continue
		}
		total, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil {
			continue
		}
		used, err := strconv.Atoi(strings.TrimSpace(parts[2]))
		if err != nil {
			continue
		}
		var percent float64
		if total > 0 {
			percent = float64(used) / float64(total) * 100
		}
		info[index] = MemoryInfo{
			MemoryTotal:       total,
			MemoryUsed:        used,
			MemoryUsedPercent: percent,
		}
	}
	return info
}

// CheckAvailability maps a device specifier to a busy/free verdict
// against the configured memory threshold.
func (p *Probe) CheckAvailability(ctx context.Context, device string) Availability {
	indices := ParseDeviceString(device)
	if len(indices) == 0 {
		return Availability{
			Available: true,
			Message:   "no GPU device requested, or automatic placement",
		}
	}

	info := p.MemoryUsage(ctx)
	if len(info) == 0 {
		return Availability{
			Available: true,
			Indices:   indices,
			Message:   "could not determine GPU usage, assuming available",
		}
	}

	status := make(map[int]MemoryInfo, len(indices))
	var busy []int
	for _, idx := range indices {
		mem, ok := info[idx]
		if !ok {
			// unknown device index, nothing to claim
			status[idx] = MemoryInfo{}
			continue
		}
		status[idx] = mem
		if mem.MemoryUsedPercent > p.threshold {
			busy = append(busy, idx)
		}
	}
	sort.Ints(busy)

	result := Availability{
		Available: len(busy) == 0,
		Indices:   indices,
		Status:    status,
		BusyGPUs:  busy,
	}
	if result.Available {
		result.Message = fmt.Sprintf("all requested GPUs %v available", indices)
	} else {
		var details []string
		for _, idx := range busy {
			details = append(details, fmt.Sprintf("GPU %d: %.1f%%", idx, status[idx].MemoryUsedPercent))
		}
		result.Message = fmt.Sprintf("memory usage above %.0f%% on: %s", p.threshold, strings.Join(details, ", "))
	}
	return result
}
