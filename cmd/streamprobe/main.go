// Command streamprobe opens a remote media file through the streaming cache
// and reports time to first byte and per-seek wait times.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // intentional profiling endpoint
	"os"
	"runtime"
	"runtime/pprof"
	"strconv"
	"strings"
	"time"

	units "github.com/docker/go-units"
	"github.com/opencontainers/go-digest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meigma/streamcache"
	"github.com/meigma/streamcache/backend/httpbackend"
	"github.com/meigma/streamcache/metrics"
)

const fileID = "media"

type config struct {
	url          string
	digest       string
	simulateSize int64
	trailing     bool
	seeks        string
	readSize     int64
	httpLatency  time.Duration
	httpBPS      int64
	chunkSize    int64
	cacheSize    int64
	windowSize   int64
	prefixScan   int64
	readyTimeout time.Duration
	seekTimeout  time.Duration
	metricsAddr  string
	pprofAddr    string
	cpuProfile   string
	memProfile   string
	tempDir      string
	hold         time.Duration
	verbose      bool
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := run(context.Background(), cfg); err != nil {
		fmt.Fprintln(os.Stderr, "streamprobe:", err)
		os.Exit(1)
	}
}

//nolint:gocognit,gocyclo // main flow complexity is acceptable for CLI tool
func run(ctx context.Context, cfg config) error {
	level := slog.LevelInfo
	if cfg.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	if cfg.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		go func() {
			logger.Info("metrics listening", "addr", cfg.metricsAddr)
			//nolint:gosec // intentional metrics server without timeouts for a probe
			if err := http.ListenAndServe(cfg.metricsAddr, mux); err != nil {
				logger.Error("metrics server", "error", err)
			}
		}()
	}
	if cfg.pprofAddr != "" {
		go func() {
			logger.Info("pprof listening", "addr", cfg.pprofAddr)
			//nolint:gosec // intentional pprof server without timeouts for profiling
			if err := http.ListenAndServe(cfg.pprofAddr, nil); err != nil {
				logger.Error("pprof server", "error", err)
			}
		}()
	}

	url := cfg.url
	if url == "" {
		srv, err := serveSimulated(cfg.simulateSize, cfg.trailing)
		if err != nil {
			return err
		}
		defer srv.Close()
		url = srv.URL
		logger.Info("serving simulated movie", "url", url, "size", units.HumanSize(float64(cfg.simulateSize)), "faststart", !cfg.trailing)
	}

	src := httpbackend.Source{URL: url}
	if cfg.digest != "" {
		d, err := digest.Parse(cfg.digest)
		if err != nil {
			return fmt.Errorf("digest: %w", err)
		}
		src.Digest = d
	}
	b, err := httpbackend.New(
		httpbackend.StaticResolver(map[string]httpbackend.Source{fileID: src}),
		httpbackend.WithClient(newHTTPClient(cfg)),
		httpbackend.WithDir(cfg.tempDir),
		httpbackend.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			logger.Warn("backend close", "error", err)
		}
	}()

	engineCfg := streamcache.DefaultConfig()
	engineCfg.ChunkSize = cfg.chunkSize
	engineCfg.MaxChunks = int(max(cfg.cacheSize/cfg.chunkSize, 1))
	engineCfg.WindowSize = cfg.windowSize
	engineCfg.MaxPrefixScan = cfg.prefixScan
	engineCfg.MinPrefixForValidation = min(engineCfg.MinPrefixForValidation, cfg.prefixScan)
	engineCfg.ReadyTimeout = cfg.readyTimeout
	engineCfg.WindowTimeout = cfg.seekTimeout
	engineCfg.MinReadAhead = min(engineCfg.MinReadAhead, cfg.windowSize)

	engine, err := streamcache.New(b,
		streamcache.WithConfig(engineCfg),
		streamcache.WithLogger(logger),
		streamcache.WithMetrics(m),
	)
	if err != nil {
		return err
	}
	defer engine.Close(context.WithoutCancel(ctx)) //nolint:errcheck // shutdown errors are non-fatal in probe

	if cfg.cpuProfile != "" {
		cpuFile, err := os.Create(cfg.cpuProfile)
		if err != nil {
			return err
		}
		if err := pprof.StartCPUProfile(cpuFile); err != nil {
			_ = cpuFile.Close()
			return err
		}
		defer func() {
			pprof.StopCPUProfile()
			_ = cpuFile.Close()
		}()
	}

	start := time.Now()
	s, err := engine.Open(ctx, fileID)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer s.Close()
	ready := s.Ready()
	fmt.Printf("ready in %s: size=%s metadata=%s@%d complete=%t\n",
		time.Since(start).Round(time.Millisecond),
		units.HumanSize(float64(s.Size())),
		ready.Metadata.Type, ready.Metadata.Offset, ready.Complete,
	)

	positions, err := parseSeeks(cfg.seeks, s.Size())
	if err != nil {
		return err
	}
	buf := make([]byte, cfg.readSize)
	var failed int
	for _, pos := range positions {
		start := time.Now()
		n, err := s.ReadAtContext(ctx, buf, pos)
		elapsed := time.Since(start).Round(time.Microsecond)
		if err != nil && !(n > 0 && errors.Is(err, io.EOF)) {
			failed++
			fmt.Printf("seek %12d: error after %s: %v\n", pos, elapsed, err)
			continue
		}
		fmt.Printf("seek %12d: %s in %s (state=%s)\n", pos, units.HumanSize(float64(n)), elapsed, s.State())
	}

	stats := engine.Cache().Stats()
	fmt.Printf("cache: chunks=%d/%d hits=%d misses=%d evictions=%d\n",
		stats.ResidentChunks, stats.MaxChunks, stats.Hits, stats.Misses, stats.Evictions)

	if cfg.memProfile != "" {
		runtime.GC()
		f, err := os.Create(cfg.memProfile)
		if err != nil {
			return err
		}
		if err := pprof.WriteHeapProfile(f); err != nil {
			_ = f.Close()
			return err
		}
		_ = f.Close()
	}

	if cfg.hold > 0 {
		logger.Info("holding for metrics scrape", "duration", cfg.hold)
		time.Sleep(cfg.hold)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d seeks failed", failed, len(positions))
	}
	return nil
}

func parseFlags(args []string) (config, error) {
	var cfg config
	var (
		simulateSize, readSize, httpBPS  string
		chunkSize, cacheSize, windowSize string
		prefixScan                       string
	)
	fs := flag.NewFlagSet("streamprobe", flag.ContinueOnError)
	fs.StringVar(&cfg.url, "url", "", "remote file URL (empty serves a simulated movie locally)")
	fs.StringVar(&cfg.digest, "digest", "", "expected content digest (e.g. sha256:...)")
	fs.StringVar(&simulateSize, "simulate-size", "64MiB", "size of the simulated movie")
	fs.BoolVar(&cfg.trailing, "trailing", false, "put the simulated movie's metadata at the end (not streamable)")
	fs.StringVar(&cfg.seeks, "seeks", "0,25%,50%,75%,99%", "comma-separated seek positions: bytes, sizes (4MiB) or percentages")
	fs.StringVar(&readSize, "read-size", "64KiB", "bytes read at each seek position")
	fs.DurationVar(&cfg.httpLatency, "http-latency", 0, "per-request latency added to HTTP requests")
	fs.StringVar(&httpBPS, "http-bps", "", "bytes/sec throttle for HTTP responses (e.g. 10MiB)")
	fs.StringVar(&chunkSize, "chunk-size", "512KiB", "cache chunk size")
	fs.StringVar(&cacheSize, "cache-size", "128MiB", "cache capacity")
	fs.StringVar(&windowSize, "window-size", "16MiB", "download window size")
	fs.StringVar(&prefixScan, "max-prefix-scan", "8MiB", "how far to look for the metadata box")
	fs.DurationVar(&cfg.readyTimeout, "ready-timeout", 30*time.Second, "readiness timeout")
	fs.DurationVar(&cfg.seekTimeout, "seek-timeout", 30*time.Second, "per-seek wait timeout")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", "", "Prometheus metrics listen address (e.g. :9090)")
	fs.StringVar(&cfg.pprofAddr, "pprof-addr", "", "pprof listen address (e.g. :6060)")
	fs.StringVar(&cfg.cpuProfile, "cpuprofile", "", "write CPU profile to file")
	fs.StringVar(&cfg.memProfile, "memprofile", "", "write heap profile to file")
	fs.StringVar(&cfg.tempDir, "temp-dir", "", "directory for partial downloads")
	fs.DurationVar(&cfg.hold, "hold", 0, "keep running after the probe so metrics can be scraped")
	fs.BoolVar(&cfg.verbose, "v", false, "debug logging")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	sizes := []struct {
		name  string
		value string
		dst   *int64
	}{
		{"simulate-size", simulateSize, &cfg.simulateSize},
		{"read-size", readSize, &cfg.readSize},
		{"chunk-size", chunkSize, &cfg.chunkSize},
		{"cache-size", cacheSize, &cfg.cacheSize},
		{"window-size", windowSize, &cfg.windowSize},
		{"max-prefix-scan", prefixScan, &cfg.prefixScan},
	}
	for _, s := range sizes {
		n, err := parseSize(s.value)
		if err != nil {
			return config{}, fmt.Errorf("%s: %w", s.name, err)
		}
		*s.dst = n
	}
	if httpBPS != "" {
		bps, err := parseBytesPerSecond(httpBPS)
		if err != nil {
			return config{}, fmt.Errorf("http-bps: %w", err)
		}
		cfg.httpBPS = bps
	}
	return cfg, nil
}

// parseSize accepts binary sizes such as "512KiB", "16MB" or "1024".
func parseSize(value string) (int64, error) {
	n, err := units.RAMInBytes(strings.TrimSpace(value))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid size %q", value)
	}
	return n, nil
}

// parseSeeks resolves a comma-separated list of positions against size.
// Entries are byte sizes or percentages of the file.
func parseSeeks(value string, size int64) ([]int64, error) {
	var out []int64
	for _, field := range strings.Split(value, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		if pct, ok := strings.CutSuffix(field, "%"); ok {
			f, err := strconv.ParseFloat(pct, 64)
			if err != nil || f < 0 || f > 100 {
				return nil, fmt.Errorf("invalid seek percentage %q", field)
			}
			if size < 0 {
				return nil, fmt.Errorf("seek %q: file size unknown", field)
			}
			out = append(out, min(int64(float64(size)*f/100), max(size-1, 0)))
			continue
		}
		n, err := units.RAMInBytes(field)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid seek position %q", field)
		}
		out = append(out, n)
	}
	return out, nil
}
