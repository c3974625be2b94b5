package common

import (
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// AutoscaleBounds describes the worker pool sizing derived from host
// resources. Max is the pool ceiling, Min the idle floor.
type AutoscaleBounds struct {
	RAMGB float64 `json:"ram_gb"`
	CPUs  int     `json:"cpus"`
	Min   int     `json:"autoscale_min"`
	Max   int     `json:"autoscale_max"`
}

// DetectAutoscaleBounds reads total system memory and CPU count and applies
// the RAM-tiered ceiling. Memory detection falls back to 8 GB when
// /proc/meminfo is unavailable.
func DetectAutoscaleBounds() AutoscaleBounds {
	return boundsFor(totalRAMGB(), runtime.NumCPU())
}

func boundsFor(ramGB float64, cpus int) AutoscaleBounds {
	if cpus < 1 {
		cpus = 1
	}

	var ceiling int
	switch {
	case ramGB <= 8:
		ceiling = min(2, max(1, cpus))
	case ramGB <= 16:
		ceiling = min(4, max(2, cpus))
	case ramGB <= 32:
		ceiling = min(8, max(3, cpus*2/3))
	case ramGB <= 64:
		ceiling = min(12, cpus*2)
	default:
		ceiling = min(24, cpus*4)
	}
	if ceiling < 1 {
		ceiling = 1
	}

	floor := ceiling / 2
	if floor < 1 {
		floor = 1
	}

	return AutoscaleBounds{
		RAMGB: ramGB,
		CPUs:  cpus,
		Min:   floor,
		Max:   ceiling,
	}
}

// totalRAMGB reads MemTotal from /proc/meminfo. The value is reported in kB.
func totalRAMGB() float64 {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 8
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}
		kb, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			break
		}
		return kb / (1024 * 1024)
	}
	return 8
}
