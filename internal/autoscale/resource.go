package autoscale

import (
	"bufio"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	cgroupV2Root = "/sys/fs/cgroup"
	cgroupV1CPU  = "/sys/fs/cgroup/cpu"
	cgroupV1Mem  = "/sys/fs/cgroup/memory"
)

// cgroupVersion identifies which cgroup interface, if any, is present. The
// core detects this by file existence rather than trusting a config flag,
// per spec §4.4.
type cgroupVersion int

const (
	cgroupNone cgroupVersion = iota
	cgroupV1
	cgroupV2
)

func detectCgroupVersion() cgroupVersion {
	if _, err := os.Stat(filepath.Join(cgroupV2Root, "cpu.max")); err == nil {
		return cgroupV2
	}
	if _, err := os.Stat(filepath.Join(cgroupV1CPU, "cpu.cfs_quota_us")); err == nil {
		return cgroupV1
	}
	return cgroupNone
}

// ResourceSampler implements Sampler using cgroup v1/v2 interfaces when
// available, falling back to host-wide /proc metrics otherwise. Event-loop
// lag is approximated by how far a scheduled tick's actual fire time
// drifted from its target.
type ResourceSampler struct {
	version cgroupVersion
	logger  *slog.Logger

	mu           sync.Mutex
	lastCPUUsage uint64
	lastCPUAt    time.Time
	lagRatio     float64
}

// NewResourceSampler detects the cgroup interface and begins lag sampling.
func NewResourceSampler(logger *slog.Logger) *ResourceSampler {
	v := detectCgroupVersion()
	logger.Info("resource sampler initialized", "cgroup_version", cgroupVersionName(v))
	rs := &ResourceSampler{version: v, logger: logger.With("component", "resource_sampler")}
	go rs.lagMonitor()
	return rs
}

func cgroupVersionName(v cgroupVersion) string {
	switch v {
	case cgroupV1:
		return "v1"
	case cgroupV2:
		return "v2"
	default:
		return "none"
	}
}

// CPURatio returns cgroup-scoped CPU usage as a fraction of the allotted
// quota, or, if no cgroup is present, this process's own CPU usage against
// one core.
func (r *ResourceSampler) CPURatio() float64 {
	switch r.version {
	case cgroupV2:
		return r.cpuRatioV2()
	case cgroupV1:
		return r.cpuRatioV1()
	default:
		return r.cpuRatioHost()
	}
}

func (r *ResourceSampler) cpuRatioV2() float64 {
	data, err := os.ReadFile(filepath.Join(cgroupV2Root, "cpu.max"))
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(data))
	if len(fields) != 2 || fields[0] == "max" {
		return r.cpuRatioHost()
	}
	quota, err1 := strconv.ParseFloat(fields[0], 64)
	period, err2 := strconv.ParseFloat(fields[1], 64)
	if err1 != nil || err2 != nil || period == 0 {
		return 0
	}
	usage, err := readCgroupUint(filepath.Join(cgroupV2Root, "cpu.stat"), "usage_usec")
	if err != nil {
		return 0
	}
	return r.cpuDelta(usage, quota/period)
}

func (r *ResourceSampler) cpuRatioV1() float64 {
	quotaUs, err1 := readCgroupUint(filepath.Join(cgroupV1CPU, "cpu.cfs_quota_us"), "")
	periodUs, err2 := readCgroupUint(filepath.Join(cgroupV1CPU, "cpu.cfs_period_us"), "")
	if err1 != nil || err2 != nil || periodUs == 0 {
		return r.cpuRatioHost()
	}
	usage, err := readCgroupUint(filepath.Join(cgroupV1CPU, "cpuacct.usage"), "")
	if err != nil {
		return 0
	}
	// cpuacct.usage is in nanoseconds; quota/period are in microseconds.
	allowedPerSec := float64(quotaUs) / float64(periodUs)
	return r.cpuDelta(usage/1000, allowedPerSec)
}

func (r *ResourceSampler) cpuDelta(usageUsec uint64, allowedCoresPerSec float64) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	if r.lastCPUAt.IsZero() {
		r.lastCPUUsage = usageUsec
		r.lastCPUAt = now
		return 0
	}
	elapsed := now.Sub(r.lastCPUAt).Seconds()
	if elapsed <= 0 {
		return 0
	}
	deltaUsage := float64(usageUsec-r.lastCPUUsage) / 1e6 // to seconds of CPU time
	r.lastCPUUsage = usageUsec
	r.lastCPUAt = now
	if allowedCoresPerSec <= 0 {
		return 0
	}
	return deltaUsage / (elapsed * allowedCoresPerSec)
}

func (r *ResourceSampler) cpuRatioHost() float64 {
	// Host-wide fallback: proportion of time the process's own CPU usage
	// (from /proc/self/stat) has consumed against one core since the last
	// sample. A coarse approximation; real deployments are expected to run
	// under a cgroup.
	data, err := os.ReadFile("/proc/self/stat")
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(data))
	if len(fields) < 15 {
		return 0
	}
	utime, _ := strconv.ParseUint(fields[13], 10, 64)
	stime, _ := strconv.ParseUint(fields[14], 10, 64)
	clockTicks := uint64(100) // USER_HZ, typically 100 on Linux
	usageUsec := (utime + stime) * 1_000_000 / clockTicks
	return r.cpuDelta(usageUsec, 1.0)
}

// MemoryRatio returns cgroup memory usage as a fraction of its limit, or
// host memory usage if no cgroup is present.
func (r *ResourceSampler) MemoryRatio() float64 {
	switch r.version {
	case cgroupV2:
		usage, err1 := readCgroupUint(filepath.Join(cgroupV2Root, "memory.current"), "")
		limit, err2 := readCgroupUint(filepath.Join(cgroupV2Root, "memory.max"), "")
		if err1 == nil && err2 == nil && limit > 0 {
			return float64(usage) / float64(limit)
		}
	case cgroupV1:
		usage, err1 := readCgroupUint(filepath.Join(cgroupV1Mem, "memory.usage_in_bytes"), "")
		limit, err2 := readCgroupUint(filepath.Join(cgroupV1Mem, "memory.limit_in_bytes"), "")
		if err1 == nil && err2 == nil && limit > 0 && limit < 1<<62 {
			return float64(usage) / float64(limit)
		}
	}
	return r.memoryRatioHost()
}

func (r *ResourceSampler) memoryRatioHost() float64 {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0
	}
	defer f.Close()

	var total, available uint64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "MemTotal:"):
			total = parseMeminfoLine(line)
		case strings.HasPrefix(line, "MemAvailable:"):
			available = parseMeminfoLine(line)
		}
	}
	if total == 0 {
		return 0
	}
	return float64(total-available) / float64(total)
}

func parseMeminfoLine(line string) uint64 {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	v, _ := strconv.ParseUint(fields[1], 10, 64)
	return v * 1024 // kB -> bytes
}

// readCgroupUint reads a cgroup pseudo-file, optionally extracting a named
// field from a "key value" formatted file (cpu.stat style) when key != "".
func readCgroupUint(path, key string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	if key == "" {
		v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
		return v, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[0] == key {
			return strconv.ParseUint(fields[1], 10, 64)
		}
	}
	return 0, os.ErrNotExist
}

// lagMonitor samples scheduler lag by measuring drift of a fixed-interval
// ticker against wall-clock time, a proxy for event-loop/goroutine
// scheduling delay under load.
func (r *ResourceSampler) lagMonitor() {
	const interval = 200 * time.Millisecond
	const lagThreshold = 50 * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var samples, delayed int
	last := time.Now()
	windowStart := time.Now()

	for now := range ticker.C {
		drift := now.Sub(last) - interval
		last = now
		samples++
		if drift > lagThreshold {
			delayed++
		}
		if time.Since(windowStart) >= 5*time.Second {
			r.mu.Lock()
			if samples > 0 {
				r.lagRatio = float64(delayed) / float64(samples)
			}
			r.mu.Unlock()
			samples, delayed = 0, 0
			windowStart = time.Now()
		}
	}
}

// EventLoopLagRatio returns the fraction of the recent window where the
// sampling loop's actual tick lagged its target by more than the
// threshold.
func (r *ResourceSampler) EventLoopLagRatio() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lagRatio
}
