// Command memtrack exercises the native memory tracker against the running
// process and prints the resulting accounting report. It reserves and
// commits a scratch range, registers the current thread stack, reconciles it
// against OS ground truth, and dumps per-tag totals. Intended as a
// diagnostic harness, not as part of the tracker contract.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/c2h5oh/datasize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/orizon-lang/memtrack/internal/config"
	"github.com/orizon-lang/memtrack/internal/osmem"
	"github.com/orizon-lang/memtrack/internal/vmtracker"
)

const scratchPages = 64

func main() {
	var (
		cfg        = config.DefaultConfig()
		configFile string
		serve      bool
	)
	cfg.RegisterFlags(flag.CommandLine)
	flag.StringVar(&configFile, "config", "", "Path to a yaml config file; watched for level downgrades.")
	flag.BoolVar(&serve, "serve", false, "Keep running after the report to serve metrics and watch the config.")
	flag.Parse()

	if configFile != "" {
		applyConfigFile(&cfg, configFile)
	}

	logger := newLogger(cfg.LogLevel)
	lvl, err := cfg.TrackingLevel()
	if err != nil {
		level.Error(logger).Log("msg", "invalid configuration", "err", err)
		os.Exit(1)
	}

	backend := osmem.NewSystemBackend()
	tracker := vmtracker.New(backend, lvl, logger, prometheus.DefaultRegisterer)
	level.Info(logger).Log("msg", "tracker initialized", "level", lvl,
		"page_size", backend.PageSize())

	if err := run(tracker, backend, logger); err != nil {
		level.Error(logger).Log("msg", "tracking run failed", "err", err)
		os.Exit(1)
	}
	report(tracker, os.Stdout)

	if serve {
		serveUntilSignal(&cfg, configFile, tracker, logger)
	}
}

// applyConfigFile layers file values under flags explicitly set on the
// command line.
func applyConfigFile(cfg *config.Config, path string) {
	fileCfg := config.DefaultConfig()
	if err := fileCfg.Load(path); err != nil {
		fmt.Fprintf(os.Stderr, "memtrack: %v\n", err)
		os.Exit(1)
	}
	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if !set["tracking.level"] {
		cfg.Level = fileCfg.Level
	}
	if !set["metrics.listen-addr"] {
		cfg.MetricsListenAddr = fileCfg.MetricsListenAddr
	}
	if !set["log.level"] {
		cfg.LogLevel = fileCfg.LogLevel
	}
}

func newLogger(lvl string) log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	var opt level.Option
	switch lvl {
	case "debug":
		opt = level.AllowDebug()
	case "warn":
		opt = level.AllowWarn()
	case "error":
		opt = level.AllowError()
	default:
		opt = level.AllowInfo()
	}
	logger = level.NewFilter(logger, opt)
	return log.With(logger, "ts", log.DefaultTimestampUTC)
}

// run drives one reserve/commit/touch/snapshot cycle through the tracker.
func run(tracker *vmtracker.Tracker, backend osmem.Backend, logger log.Logger) error {
	pageSize := backend.PageSize()
	size := scratchPages * pageSize

	base, err := backend.Reserve(size)
	if err != nil {
		return err
	}
	tracker.AddReservedRegion(base, size, vmtracker.CallerSite(0), vmtracker.TagTest)

	// Commit and touch the first half so the pages are actually resident.
	half := size / 2
	if err := backend.Commit(base, half, false); err != nil {
		return err
	}
	tracker.MarkCommitted(base, half)
	touch(base, half, pageSize)

	if stackEnd, stackSize, err := backend.CurrentThreadStackBounds(); err != nil {
		level.Warn(logger).Log("msg", "thread stack bounds unavailable", "err", err)
	} else {
		tracker.AddReservedRegion(stackEnd, stackSize, vmtracker.CallerSite(0), vmtracker.TagThreadStack)
		tracker.RecordThreadStack(stackEnd, stackSize)
		if err := tracker.SnapshotThreadStacks(); err != nil {
			return err
		}
	}
	return nil
}

func report(tracker *vmtracker.Tracker, w *os.File) {
	fmt.Fprintf(w, "Native memory tracking (%s)\n\n", tracker.Level())
	tracker.EachSummary(func(tag vmtracker.MemTag, s vmtracker.Summary) {
		if s.Reserved == 0 && s.Committed == 0 {
			return
		}
		fmt.Fprintf(w, "- %-12s reserved=%s committed=%s\n", tag,
			datasize.ByteSize(s.Reserved).HumanReadable(),
			datasize.ByteSize(s.Committed).HumanReadable())
	})
	tracker.VisitReservedRegions(func(r vmtracker.ReservedMemoryRegion) bool {
		fmt.Fprintf(w, "\n[%#x - %#x) %s %s\n", r.Base, r.End(), r.Tag, r.CallSite)
		tracker.VisitCommittedRegions(r, func(c vmtracker.CommittedMemoryRegion) bool {
			fmt.Fprintf(w, "  committed [%#x - %#x) %s\n", c.Base, c.End(),
				datasize.ByteSize(c.Size).HumanReadable())
			return true
		})
		return true
	})
}

func serveUntilSignal(cfg *config.Config, configFile string, tracker *vmtracker.Tracker, logger log.Logger) {
	if configFile != "" {
		watcher, err := config.WatchLevel(configFile, logger, func(lvl vmtracker.TrackingLevel) {
			if err := tracker.LowerLevel(lvl); err != nil {
				level.Warn(logger).Log("msg", "ignoring level change", "err", err)
			}
		})
		if err != nil {
			level.Error(logger).Log("msg", "config watch failed", "err", err)
		} else {
			defer watcher.Close()
		}
	}

	if cfg.MetricsListenAddr != "" {
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.MetricsListenAddr, nil); err != nil {
				level.Error(logger).Log("msg", "metrics listener failed", "err", err)
			}
		}()
		level.Info(logger).Log("msg", "serving metrics", "addr", cfg.MetricsListenAddr)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
}
