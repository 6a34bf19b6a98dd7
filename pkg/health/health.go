package health

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/psantana5/ffmpeg-jobs/pkg/runner"
)

const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
)

// Pool is the part of the runner health reads
type Pool interface {
	Stats() runner.Stats
}

// Report is the /health response
type Report struct {
	Status  string            `json:"status"`
	Uptime  string            `json:"uptime"`
	Jobs    runner.Stats      `json:"jobs"`
	Host    HostReport        `json:"host"`
	Volumes []VolumeReport    `json:"volumes"`
	Tools   map[string]string `json:"tools"`
}

type HostReport struct {
	CPUPercent        float64 `json:"cpu_percent"`
	MemUsedPercent    float64 `json:"mem_used_percent"`
	MemAvailableBytes uint64  `json:"mem_available_bytes"`
}

type VolumeReport struct {
	Path        string  `json:"path"`
	FreeBytes   uint64  `json:"free_bytes"`
	UsedPercent float64 `json:"used_percent"`
	Error       string  `json:"error,omitempty"`
}

// Checker assembles health reports
type Checker struct {
	pool         Pool
	volumes      []string
	tools        map[string]func() error
	minFreeBytes uint64
	cpuSample    time.Duration
	startedAt    time.Time
}

// Option customizes a Checker
type Option func(*Checker)

// WithVolumes lists directories whose filesystems must have room for output
func WithVolumes(paths ...string) Option {
	return func(c *Checker) { c.volumes = append(c.volumes, paths...) }
}

// WithTool adds an availability probe for an external tool
func WithTool(name string, probe func() error) Option {
	return func(c *Checker) { c.tools[name] = probe }
}

// WithMinFreeBytes marks the report degraded below this much free space
func WithMinFreeBytes(n uint64) Option {
	return func(c *Checker) { c.minFreeBytes = n }
}

// WithCPUSample sets how long CPU usage is sampled; zero compares with the previous call
func WithCPUSample(d time.Duration) Option {
	return func(c *Checker) { c.cpuSample = d }
}

func NewChecker(pool Pool, opts ...Option) *Checker {
	c := &Checker{
		pool:         pool,
		tools:        make(map[string]func() error),
		minFreeBytes: 1 << 30,
		cpuSample:    100 * time.Millisecond,
		startedAt:    time.Now(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Check builds a report. Host metrics that cannot be read are left zero.
func (c *Checker) Check(ctx context.Context) Report {
	r := Report{
		Status:  StatusOK,
		Uptime:  time.Since(c.startedAt).Round(time.Second).String(),
		Volumes: make([]VolumeReport, 0, len(c.volumes)),
		Tools:   make(map[string]string, len(c.tools)),
	}

	if c.pool != nil {
		r.Jobs = c.pool.Stats()
		if r.Jobs.QueueCapacity > 0 && r.Jobs.Queued >= r.Jobs.QueueCapacity {
			r.Status = StatusDegraded
		}
	}

	if pct, err := cpu.PercentWithContext(ctx, c.cpuSample, false); err == nil && len(pct) > 0 {
		r.Host.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		r.Host.MemUsedPercent = vm.UsedPercent
		r.Host.MemAvailableBytes = vm.Available
	}

	for _, path := range c.volumes {
		v := VolumeReport{Path: path}
		usage, err := disk.UsageWithContext(ctx, path)
		if err != nil {
			v.Error = err.Error()
			r.Status = StatusDegraded
		} else {
			v.FreeBytes = usage.Free
			v.UsedPercent = usage.UsedPercent
			if usage.Free < c.minFreeBytes {
				r.Status = StatusDegraded
			}
		}
		r.Volumes = append(r.Volumes, v)
	}

	for name, probe := range c.tools {
		if err := probe(); err != nil {
			r.Tools[name] = err.Error()
			r.Status = StatusDegraded
			continue
		}
		r.Tools[name] = StatusOK
	}
	return r
}
