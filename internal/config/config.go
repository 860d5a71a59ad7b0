// Package config defines the explicit, validated configuration structs for
// every tunable named in the specification's external-interfaces section,
// replacing an open options bag with a constructor that rejects
// out-of-range values before a crawl starts.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// PoolConfig tunes AutoscaledPool.
type PoolConfig struct {
	MinConcurrency          int
	MaxConcurrency          int
	DesiredConcurrencyRatio float64
	ScaleUpStepRatio        float64
	ScaleDownStepRatio      float64
	MaybeRunInterval        time.Duration
	AutoscaleInterval       time.Duration
	LoggingInterval         time.Duration // zero disables periodic logging
}

// SnapshotterConfig tunes Snapshotter.
type SnapshotterConfig struct {
	EventLoopSnapshotInterval time.Duration
	MemorySnapshotInterval    time.Duration
	CPUSnapshotInterval       time.Duration
	ClientSnapshotInterval    time.Duration
	MaxBlockedMillis          float64
	MaxUsedMemoryRatio        float64
	MaxUsedCPURatio           float64
	MaxClientErrors           int
	SnapshotHistory           time.Duration
	MaxMemoryBytes            uint64
}

// SystemStatusConfig tunes SystemStatus.
type SystemStatusConfig struct {
	CurrentHistory              time.Duration
	MaxEventLoopOverloadedRatio float64
	MaxMemoryOverloadedRatio    float64
	MaxCPUOverloadedRatio       float64
	MaxClientOverloadedRatio    float64
}

// CrawlerConfig tunes BasicCrawler.
type CrawlerConfig struct {
	MaxRequestRetries     int
	MaxRequestsPerCrawl   int // 0 means unbounded
	HandleRequestTimeout  time.Duration
}

// FetchConfig tunes the production httpfetch.Client.
type FetchConfig struct {
	RequestTimeout time.Duration
	MaxBodyBytes   int64
	UserAgent      string
}

// Config is the top-level, validated configuration for a crawl run.
type Config struct {
	Pool          PoolConfig
	Snapshotter   SnapshotterConfig
	SystemStatus  SystemStatusConfig
	Crawler       CrawlerConfig
	Fetch         FetchConfig
}

// Default returns the configuration with every default named in the
// specification.
func Default() Config {
	return Config{
		Pool: PoolConfig{
			MinConcurrency:          1,
			MaxConcurrency:          1000,
			DesiredConcurrencyRatio: 0.90,
			ScaleUpStepRatio:        0.05,
			ScaleDownStepRatio:      0.05,
			MaybeRunInterval:        500 * time.Millisecond,
			AutoscaleInterval:       10 * time.Second,
			LoggingInterval:         60 * time.Second,
		},
		Snapshotter: SnapshotterConfig{
			EventLoopSnapshotInterval: 500 * time.Millisecond,
			MemorySnapshotInterval:    time.Second,
			CPUSnapshotInterval:       time.Second,
			ClientSnapshotInterval:    time.Second,
			MaxBlockedMillis:          50,
			MaxUsedMemoryRatio:        0.7,
			MaxUsedCPURatio:           0.95,
			MaxClientErrors:           3,
			SnapshotHistory:           30 * time.Second,
			MaxMemoryBytes:            1 << 32, // 4 GiB
		},
		SystemStatus: SystemStatusConfig{
			CurrentHistory:              5 * time.Second,
			MaxEventLoopOverloadedRatio: 0.4,
			MaxMemoryOverloadedRatio:    0.4,
			MaxCPUOverloadedRatio:       0.4,
			MaxClientOverloadedRatio:    0.3,
		},
		Crawler: CrawlerConfig{
			MaxRequestRetries:    3,
			MaxRequestsPerCrawl:  0,
			HandleRequestTimeout: 60 * time.Second,
		},
		Fetch: FetchConfig{
			RequestTimeout: 30 * time.Second,
			MaxBodyBytes:   10 << 20, // 10 MiB
			UserAgent:      "surgecrawl/1.0 (+https://github.com/surgecrawl/surgecrawl)",
		},
	}
}

// Validate rejects configurations that would produce nonsensical pool or
// crawler behavior: inverted min/max, ratios outside (0, 1], non-positive
// intervals.
func (c Config) Validate() error {
	p := c.Pool
	if p.MinConcurrency < 1 {
		return fmt.Errorf("config: pool.minConcurrency must be >= 1, got %d", p.MinConcurrency)
	}
	if p.MaxConcurrency < p.MinConcurrency {
		return fmt.Errorf("config: pool.maxConcurrency (%d) must be >= minConcurrency (%d)", p.MaxConcurrency, p.MinConcurrency)
	}
	if p.DesiredConcurrencyRatio <= 0 || p.DesiredConcurrencyRatio > 1 {
		return fmt.Errorf("config: pool.desiredConcurrencyRatio must be in (0, 1], got %v", p.DesiredConcurrencyRatio)
	}
	if p.ScaleUpStepRatio <= 0 || p.ScaleDownStepRatio <= 0 {
		return fmt.Errorf("config: pool scale step ratios must be > 0")
	}
	if p.MaybeRunInterval <= 0 || p.AutoscaleInterval <= 0 {
		return fmt.Errorf("config: pool intervals must be > 0")
	}

	s := c.Snapshotter
	if s.MaxUsedMemoryRatio <= 0 || s.MaxUsedMemoryRatio > 1 {
		return fmt.Errorf("config: snapshotter.maxUsedMemoryRatio must be in (0, 1], got %v", s.MaxUsedMemoryRatio)
	}
	if s.MaxUsedCPURatio <= 0 || s.MaxUsedCPURatio > 1 {
		return fmt.Errorf("config: snapshotter.maxUsedCpuRatio must be in (0, 1], got %v", s.MaxUsedCPURatio)
	}
	if s.MaxMemoryBytes == 0 {
		return fmt.Errorf("config: snapshotter.maxMemoryBytes must be > 0")
	}
	if s.SnapshotHistory <= 0 {
		return fmt.Errorf("config: snapshotter.snapshotHistorySecs must be > 0")
	}

	ss := c.SystemStatus
	for name, ratio := range map[string]float64{
		"maxEventLoopOverloadedRatio": ss.MaxEventLoopOverloadedRatio,
		"maxMemoryOverloadedRatio":    ss.MaxMemoryOverloadedRatio,
		"maxCpuOverloadedRatio":       ss.MaxCPUOverloadedRatio,
		"maxClientOverloadedRatio":    ss.MaxClientOverloadedRatio,
	} {
		if ratio <= 0 || ratio > 1 {
			return fmt.Errorf("config: systemStatus.%s must be in (0, 1], got %v", name, ratio)
		}
	}
	if ss.CurrentHistory <= 0 {
		return fmt.Errorf("config: systemStatus.currentHistorySecs must be > 0")
	}
	if ss.CurrentHistory > s.SnapshotHistory {
		return fmt.Errorf("config: systemStatus.currentHistorySecs must not exceed snapshotter.snapshotHistorySecs")
	}

	cr := c.Crawler
	if cr.MaxRequestRetries < 0 {
		return fmt.Errorf("config: crawler.maxRequestRetries must be >= 0")
	}
	if cr.MaxRequestsPerCrawl < 0 {
		return fmt.Errorf("config: crawler.maxRequestsPerCrawl must be >= 0")
	}
	if cr.HandleRequestTimeout <= 0 {
		return fmt.Errorf("config: crawler.handleRequestTimeoutSecs must be > 0")
	}

	f := c.Fetch
	if f.RequestTimeout <= 0 {
		return fmt.Errorf("config: fetch.requestTimeout must be > 0")
	}
	if f.MaxBodyBytes <= 0 {
		return fmt.Errorf("config: fetch.maxBodyBytes must be > 0")
	}

	return nil
}

// GetStateDir returns the directory surgecrawl uses for its SQLite queue
// file and debug logs, honoring SURGECRAWL_HOME and falling back to the OS
// user-config directory.
func GetStateDir() string {
	if dir := os.Getenv("SURGECRAWL_HOME"); dir != "" {
		return dir
	}
	base, err := os.UserConfigDir()
	if err != nil {
		base = os.TempDir()
	}
	return filepath.Join(base, "surgecrawl")
}
