package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/container"
)

// StatCounters is one instantaneous stats reading. CPU percent is computed
// from the daemon's built-in previous sample; network and block counters are
// cumulative since container start.
type StatCounters struct {
	CPUPercent      float64
	MemoryBytes     int64
	NetworkRxBytes  int64
	NetworkTxBytes  int64
	BlockReadBytes  int64
	BlockWriteBytes int64
}

// ContainerStats takes a one-shot stats reading for a container.
func (e *Engine) ContainerStats(ctx context.Context, id string) (StatCounters, error) {
	resp, err := e.api.ContainerStatsOneShot(ctx, id)
	if err != nil {
		return StatCounters{}, fmt.Errorf("container stats: %w", err)
	}
	defer resp.Body.Close()

	var stats container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return StatCounters{}, fmt.Errorf("decode container stats: %w", err)
	}
	return CountersFromStats(stats), nil
}

// CountersFromStats converts a raw daemon stats payload into counters.
func CountersFromStats(stats container.StatsResponse) StatCounters {
	counters := StatCounters{
		CPUPercent:  cpuPercent(stats),
		MemoryBytes: memoryUsage(stats),
	}
	for _, network := range stats.Networks {
		counters.NetworkRxBytes += int64(network.RxBytes)
		counters.NetworkTxBytes += int64(network.TxBytes)
	}
	for _, entry := range stats.BlkioStats.IoServiceBytesRecursive {
		switch strings.ToLower(entry.Op) {
		case "read":
			counters.BlockReadBytes += int64(entry.Value)
		case "write":
			counters.BlockWriteBytes += int64(entry.Value)
		}
	}
	return counters
}

// cpuPercent derives CPU usage from the stats call's own current/previous
// pair, scaled by the number of online CPUs.
func cpuPercent(stats container.StatsResponse) float64 {
	cpuDelta := float64(stats.CPUStats.CPUUsage.TotalUsage) - float64(stats.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(stats.CPUStats.SystemUsage) - float64(stats.PreCPUStats.SystemUsage)
	if cpuDelta <= 0 || systemDelta <= 0 {
		return 0
	}
	onlineCPUs := float64(stats.CPUStats.OnlineCPUs)
	if onlineCPUs == 0 {
		onlineCPUs = float64(len(stats.CPUStats.CPUUsage.PercpuUsage))
	}
	if onlineCPUs == 0 {
		return 0
	}
	return (cpuDelta / systemDelta) * onlineCPUs * 100
}

// memoryUsage reports used memory with the page cache excluded, matching
// what `docker stats` shows.
func memoryUsage(stats container.StatsResponse) int64 {
	usage := int64(stats.MemoryStats.Usage)
	if cache, ok := stats.MemoryStats.Stats["cache"]; ok {
		usage -= int64(cache)
	}
	if usage < 0 {
		return 0
	}
	return usage
}
