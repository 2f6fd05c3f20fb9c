// Package guard watches the worker's heap and kills runaway encodes
// before the host OOM killer does.
package guard

import (
	"context"
	"log/slog"
	"runtime"
	"runtime/debug"
	"time"
)

const (
	defaultSampleInterval = 5 * time.Minute
	defaultSoftLimit      = 1536 << 20 // 1.5 GiB
	defaultHardLimit      = 10 << 30   // 10 GiB
)

type Config struct {
	SampleInterval time.Duration
	SoftLimitBytes uint64
	HardLimitBytes uint64
	Logger         *slog.Logger

	// KillChildren terminates every external encoder process.
	KillChildren func()
	// Abort ends the process so the supervisor restarts it. Tests
	// substitute this; production wires it to os.Exit(1).
	Abort func()
}

type Guard struct {
	cfg      Config
	logger   *slog.Logger
	readHeap func() uint64
	freeOS   func()
}

func New(cfg Config) *Guard {
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = defaultSampleInterval
	}
	if cfg.SoftLimitBytes == 0 {
		cfg.SoftLimitBytes = defaultSoftLimit
	}
	if cfg.HardLimitBytes == 0 {
		cfg.HardLimitBytes = defaultHardLimit
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		cfg:    cfg,
		logger: logger,
		readHeap: func() uint64 {
			var ms runtime.MemStats
			runtime.ReadMemStats(&ms)
			return ms.HeapAlloc
		},
		freeOS: debug.FreeOSMemory,
	}
}

// Run samples until the context is cancelled.
func (g *Guard) Run(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Sample()
		}
	}
}

// Sample takes one heap reading and reacts to it.
func (g *Guard) Sample() {
	heap := g.readHeap()
	switch {
	case heap >= g.cfg.HardLimitBytes:
		g.logger.Error("heap above hard limit, aborting",
			"heap_mb", heap>>20, "hard_limit_mb", g.cfg.HardLimitBytes>>20)
		if g.cfg.KillChildren != nil {
			g.cfg.KillChildren()
		}
		if g.cfg.Abort != nil {
			g.cfg.Abort()
		}
	case heap >= g.cfg.SoftLimitBytes:
		g.logger.Warn("heap above soft limit, compacting",
			"heap_mb", heap>>20, "soft_limit_mb", g.cfg.SoftLimitBytes>>20)
		g.freeOS()
	default:
		g.logger.Debug("heap sample", "heap_mb", heap>>20)
	}
}
