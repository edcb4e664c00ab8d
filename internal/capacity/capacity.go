// Package capacity estimates how many client slots a server can safely
// accept right now, based on measured CPU headroom and a container memory
// limit read from cgroup files. It only ever gates new connects — it never
// inspects or touches slots already connected.
package capacity

import (
	"math"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
)

// Config bounds and tunes the capacity estimate.
type Config struct {
	MinSlots        int           // floor, regardless of measured headroom
	MaxSlots        int           // ceiling, regardless of measured headroom
	CPUTargetMax    float64       // target max system CPU percent to leave headroom under
	SafetyMargin    float64       // multiplier applied to the raw estimate, e.g. 0.8
	BytesPerSlot    int64         // assumed memory cost per connected slot
	RuntimeOverhead int64         // bytes reserved for the Go runtime and baseline heap
	SampleInterval  time.Duration // how often Recalculate expects to be called
}

// DefaultConfig matches the conservative defaults the reference capacity
// manager starts with: 180KB per slot, an 80% safety margin. The CPU
// estimate (cpuCapacity) allows 10 slots per percent of headroom per
// GOMAXPROCS.
func DefaultConfig() Config {
	return Config{
		MinSlots:        16,
		MaxSlots:        20000,
		CPUTargetMax:    80,
		SafetyMargin:    0.8,
		BytesPerSlot:    180 * 1024,
		RuntimeOverhead: 128 * 1024 * 1024,
		SampleInterval:  30 * time.Second,
	}
}

// Manager tracks the current allowed slot ceiling and recalculates it on
// demand (typically from a ticker in the hosting binary, not from this
// package — Manager itself runs no goroutines).
type Manager struct {
	mu sync.RWMutex

	cfg    Config
	memory int64 // bytes, from cgroup, 0 if undetected

	allowed int
}

// New constructs a Manager and performs an initial calculation using
// whatever cgroup memory limit can be detected.
func New(cfg Config) *Manager {
	mem, err := cgroupMemoryLimit()
	if err != nil || mem == 0 {
		mem = 256 * 1024 * 1024
	}
	m := &Manager{cfg: cfg, memory: mem, allowed: cfg.MinSlots}
	m.Recalculate()
	return m
}

// AllowedSlots returns the current ceiling a server should admit new
// connects against. Satisfies server.CapacityManager.
func (m *Manager) AllowedSlots() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.allowed
}

// Recalculate samples current CPU usage and memory, and updates the
// allowed-slots ceiling. Intended to be called periodically (see
// Config.SampleInterval) by the hosting binary.
func (m *Manager) Recalculate() {
	cpuSlots := m.cpuCapacity()
	memSlots := m.memoryCapacity()

	n := int(math.Min(float64(cpuSlots), float64(memSlots)))
	n = int(float64(n) * m.cfg.SafetyMargin)

	if n < m.cfg.MinSlots {
		n = m.cfg.MinSlots
	}
	if n > m.cfg.MaxSlots {
		n = m.cfg.MaxSlots
	}

	m.mu.Lock()
	m.allowed = n
	m.mu.Unlock()
}

func (m *Manager) cpuCapacity() int {
	percent, err := cpu.Percent(0, false)
	if err != nil || len(percent) == 0 {
		return runtime.GOMAXPROCS(0) * 250
	}

	headroom := m.cfg.CPUTargetMax - percent[0]
	if headroom < 10 {
		headroom = 10
	}
	return int(10 * headroom * float64(runtime.GOMAXPROCS(0)))
}

func (m *Manager) memoryCapacity() int {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)

	baseline := m.cfg.RuntimeOverhead
	if int64(stats.Alloc) > baseline {
		baseline = int64(stats.Alloc)
	}

	reserved := int64(float64(m.memory) * 0.2)
	usable := m.memory - baseline - reserved
	if usable < 0 {
		return m.cfg.MinSlots
	}
	if m.cfg.BytesPerSlot <= 0 {
		return m.cfg.MaxSlots
	}
	return int(usable / m.cfg.BytesPerSlot)
}

// cgroupMemoryLimit reads the container memory limit, trying cgroup v2 then
// falling back to v1. Returns 0 with no error if neither is present (bare
// metal, most dev machines).
func cgroupMemoryLimit() (int64, error) {
	if data, err := os.ReadFile("/sys/fs/cgroup/memory.max"); err == nil {
		limit := strings.TrimSpace(string(data))
		if limit != "max" {
			return strconv.ParseInt(limit, 10, 64)
		}
		return 0, nil
	}
	if data, err := os.ReadFile("/sys/fs/cgroup/memory/memory.limit_in_bytes"); err == nil {
		return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	}
	return 0, nil
}
