// Package sysinfo reads container memory usage for admission control and
// tracks the dependency-cache readiness signal exposed by /api/health.
package sysinfo

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// PressureThreshold is the usage/limit ratio above which new agents are
// refused.
const PressureThreshold = 0.85

const (
	cgroupCurrentPath = "/sys/fs/cgroup/memory.current"
	cgroupMaxPath     = "/sys/fs/cgroup/memory.max"
	procStatusPath    = "/proc/self/status"
	procMeminfoPath   = "/proc/meminfo"
)

// MemoryStats is a snapshot of container memory usage.
type MemoryStats struct {
	UsedBytes  uint64  `json:"usedBytes"`
	LimitBytes uint64  `json:"limitBytes,omitempty"` // 0 when unlimited
	Ratio      float64 `json:"ratio"`
	Source     string  `json:"source"` // "cgroup" or "rss"
}

// UnderPressure reports whether the threshold is exceeded. An unlimited
// cgroup never reports pressure.
func (s MemoryStats) UnderPressure() bool {
	return s.LimitBytes > 0 && s.Ratio >= PressureThreshold
}

// MemoryProbe reads memory usage from cgroup v2, falling back to process
// RSS against total system memory when not running in a limited cgroup.
// Paths are fields so tests can point the probe at fixtures.
type MemoryProbe struct {
	CurrentPath string
	MaxPath     string
	StatusPath  string
	MeminfoPath string
}

// NewMemoryProbe returns a probe wired to the standard kernel paths.
func NewMemoryProbe() *MemoryProbe {
	return &MemoryProbe{
		CurrentPath: cgroupCurrentPath,
		MaxPath:     cgroupMaxPath,
		StatusPath:  procStatusPath,
		MeminfoPath: procMeminfoPath,
	}
}

// Read returns the current memory snapshot.
func (p *MemoryProbe) Read() (MemoryStats, error) {
	if stats, err := p.readCgroup(); err == nil {
		return stats, nil
	}
	return p.readRSS()
}

// UnderPressure is the admission-control view. Probe errors never block
// admission.
func (p *MemoryProbe) UnderPressure() bool {
	stats, err := p.Read()
	if err != nil {
		return false
	}
	return stats.UnderPressure()
}

func (p *MemoryProbe) readCgroup() (MemoryStats, error) {
	current, err := readUintFile(p.CurrentPath)
	if err != nil {
		return MemoryStats{}, err
	}

	stats := MemoryStats{UsedBytes: current, Source: "cgroup"}

	raw, err := os.ReadFile(p.MaxPath)
	if err != nil {
		return MemoryStats{}, err
	}
	limit := strings.TrimSpace(string(raw))
	if limit != "max" {
		n, err := strconv.ParseUint(limit, 10, 64)
		if err != nil {
			return MemoryStats{}, fmt.Errorf("parse %s: %w", p.MaxPath, err)
		}
		stats.LimitBytes = n
		if n > 0 {
			stats.Ratio = float64(current) / float64(n)
		}
	}
	return stats, nil
}

func (p *MemoryProbe) readRSS() (MemoryStats, error) {
	rss, err := scanKBField(p.StatusPath, "VmRSS:")
	if err != nil {
		return MemoryStats{}, err
	}
	stats := MemoryStats{UsedBytes: rss * 1024, Source: "rss"}

	if total, err := scanKBField(p.MeminfoPath, "MemTotal:"); err == nil && total > 0 {
		stats.LimitBytes = total * 1024
		stats.Ratio = float64(stats.UsedBytes) / float64(stats.LimitBytes)
	}
	return stats, nil
}

func readUintFile(path string) (uint64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	return n, nil
}

// scanKBField finds a "Field:   12345 kB" line and returns the number.
func scanKBField(path, field string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, field) {
			continue
		}
		parts := strings.Fields(strings.TrimPrefix(line, field))
		if len(parts) == 0 {
			break
		}
		return strconv.ParseUint(parts[0], 10, 64)
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("%s not found in %s", field, path)
}
