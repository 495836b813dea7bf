package agent

import (
	"bufio"
	"context"
	"os"
	"strconv"
	"strings"

	"sentinelmon/internal/model"
)

// Sample is one observation produced by a collector. The runtime wraps
// samples into wire events with IDs and sequence numbers.
type Sample struct {
	Type         string
	SeverityHint model.Severity
	Payload      map[string]any
}

// Collector produces samples on each tick of the agent's collection loop.
type Collector interface {
	Name() string
	Collect(ctx context.Context) ([]Sample, error)
}

// cpuReading holds cumulative jiffies from the aggregate line of
// /proc/stat. busy excludes guest time, which the kernel already folds
// into user and nice.
type cpuReading struct {
	busy uint64
	idle uint64
}

// netReading holds cumulative byte counters summed over all non-loopback
// interfaces in /proc/net/dev.
type netReading struct {
	sent uint64
	recv uint64
}

// SystemMetrics samples CPU, memory, and network utilization from /proc.
// CPU and network values are deltas between consecutive collections, so
// the first collection reports zeros for those.
type SystemMetrics struct {
	procRoot string

	prevCPU *cpuReading
	prevNet *netReading
}

// NewSystemMetrics creates a /proc based system sampler.
func NewSystemMetrics() *SystemMetrics {
	return &SystemMetrics{procRoot: "/proc"}
}

func (s *SystemMetrics) Name() string { return "system_metrics" }

// Collect returns a single system_metric sample.
func (s *SystemMetrics) Collect(ctx context.Context) ([]Sample, error) {
	payload := map[string]any{
		"cpu_percent":        0.0,
		"memory_percent":     0.0,
		"network_bytes_sent": uint64(0),
		"network_bytes_recv": uint64(0),
	}

	if cur := readCPUStats(s.procRoot + "/stat"); cur != nil {
		payload["cpu_percent"] = cpuPercent(s.prevCPU, cur)
		s.prevCPU = cur
	}
	if pct, ok := readMemoryPercent(s.procRoot + "/meminfo"); ok {
		payload["memory_percent"] = pct
	}
	if cur := readNetStats(s.procRoot + "/net/dev"); cur != nil {
		if s.prevNet != nil {
			payload["network_bytes_sent"] = counterDelta(s.prevNet.sent, cur.sent)
			payload["network_bytes_recv"] = counterDelta(s.prevNet.recv, cur.recv)
		}
		s.prevNet = cur
	}

	return []Sample{{Type: model.EventSystemMetric, Payload: payload}}, nil
}

// readCPUStats parses the first line of /proc/stat. Returns nil on any
// parse failure; the caller keeps the previous reading in that case.
func readCPUStats(path string) *cpuReading {
	file, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	if !scanner.Scan() {
		return nil
	}
	fields := strings.Fields(scanner.Text())
	if len(fields) < 9 || fields[0] != "cpu" {
		return nil
	}

	values := make([]uint64, 0, len(fields)-1)
	for _, f := range fields[1:] {
		v, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return nil
		}
		values = append(values, v)
	}

	// user nice system idle iowait irq softirq steal
	busy := values[0] + values[1] + values[2] + values[5] + values[6] + values[7]
	idle := values[3] + values[4]
	return &cpuReading{busy: busy, idle: idle}
}

// cpuPercent computes utilization from two sequential readings.
func cpuPercent(prev, cur *cpuReading) float64 {
	if prev == nil || cur == nil {
		return 0
	}
	busyDelta := counterDelta(prev.busy, cur.busy)
	idleDelta := counterDelta(prev.idle, cur.idle)
	total := busyDelta + idleDelta
	if total == 0 {
		return 0
	}
	return float64(busyDelta) / float64(total) * 100
}

// readMemoryPercent computes used memory from /proc/meminfo using
// MemAvailable, which accounts for reclaimable caches.
func readMemoryPercent(path string) (float64, bool) {
	file, err := os.Open(path)
	if err != nil {
		return 0, false
	}
	defer file.Close()

	var total, available uint64
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		v, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total = v
		case "MemAvailable:":
			available = v
		}
	}
	if total == 0 || available > total {
		return 0, false
	}
	return float64(total-available) / float64(total) * 100, true
}

// readNetStats sums transmit and receive byte counters across all
// interfaces except loopback.
func readNetStats(path string) *netReading {
	file, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer file.Close()

	var reading netReading
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		name, rest, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		if strings.TrimSpace(name) == "lo" {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) < 9 {
			continue
		}
		recv, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			continue
		}
		sent, err := strconv.ParseUint(fields[8], 10, 64)
		if err != nil {
			continue
		}
		reading.recv += recv
		reading.sent += sent
	}
	return &reading
}

// counterDelta guards against kernel counter resets.
func counterDelta(prev, cur uint64) uint64 {
	if cur < prev {
		return cur
	}
	return cur - prev
}
