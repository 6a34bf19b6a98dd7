package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"

	"github.com/psantana5/ffmpeg-jobs/pkg/api"
	"github.com/psantana5/ffmpeg-jobs/pkg/cleanup"
	"github.com/psantana5/ffmpeg-jobs/pkg/config"
	"github.com/psantana5/ffmpeg-jobs/pkg/health"
	"github.com/psantana5/ffmpeg-jobs/pkg/logging"
	"github.com/psantana5/ffmpeg-jobs/pkg/metrics"
	"github.com/psantana5/ffmpeg-jobs/pkg/ratelimit"
	"github.com/psantana5/ffmpeg-jobs/pkg/runner"
	"github.com/psantana5/ffmpeg-jobs/pkg/shutdown"
	"github.com/psantana5/ffmpeg-jobs/pkg/status"
	"github.com/psantana5/ffmpeg-jobs/pkg/store"
	tlsutil "github.com/psantana5/ffmpeg-jobs/pkg/tls"
	"github.com/psantana5/ffmpeg-jobs/pkg/tool"
	"github.com/psantana5/ffmpeg-jobs/pkg/tracing"
)

// limiterIdle is how long an unused per-client limiter is kept
const limiterIdle = 10 * time.Minute

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the job service",
	Long: `Runs the HTTP API, the bounded job runner and the retention sweeper.
Settings come from defaults, the --config file, FFJOBS_* environment
variables and the flags below, in increasing priority.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	d := config.Default()
	f := serveCmd.Flags()
	f.String("addr", d.Server.Addr, "API listen address")
	f.String("metrics-addr", d.Server.MetricsAddr, "Prometheus listen address (empty disables)")
	f.Int("workers", d.Jobs.Workers, "concurrent jobs")
	f.Int("queue-size", d.Jobs.QueueSize, "jobs waiting for a worker before new ones are rejected")
	f.Duration("job-timeout", d.Jobs.Timeout, "per-job timeout (0 disables)")
	f.String("conversion-dir", d.Jobs.ConversionDir, "conversion output directory")
	f.String("download-dir", d.Jobs.DownloadDir, "download output directory")
	f.String("staging-dir", d.Jobs.StagingDir, "upload staging directory")
	f.String("ffmpeg", d.Tools.FFmpegPath, "ffmpeg binary")
	f.String("yt-dlp", d.Tools.YTDLPPath, "yt-dlp binary")
	f.Duration("retention", d.Retention.MaxAge, "how long finished jobs are kept")
	f.String("log-level", d.Log.Level, "log level: debug, info, warn, error")
	f.String("log-format", d.Log.Format, "log format: json or console")
	f.String("tls-cert", "", "TLS certificate (enables HTTPS)")
	f.String("tls-key", "", "TLS private key")

	for key, flag := range map[string]string{
		"server.addr":         "addr",
		"server.metrics_addr": "metrics-addr",
		"server.tls_cert":     "tls-cert",
		"server.tls_key":      "tls-key",
		"jobs.workers":        "workers",
		"jobs.queue_size":     "queue-size",
		"jobs.timeout":        "job-timeout",
		"jobs.conversion_dir": "conversion-dir",
		"jobs.download_dir":   "download-dir",
		"jobs.staging_dir":    "staging-dir",
		"tools.ffmpeg_path":   "ffmpeg",
		"tools.ytdlp_path":    "yt-dlp",
		"retention.max_age":   "retention",
		"log.level":           "log-level",
		"log.format":          "log-format",
	} {
		_ = v.BindPFlag(key, f.Lookup(flag))
	}
}

func newLogger(cfg config.LogConfig) (*logging.Logger, error) {
	level := logging.ParseLevel(cfg.Level)
	jsonFormat := cfg.Format != "console"
	if cfg.Dir != "" {
		return logging.NewFileLogger(cfg.Dir, "ffjobs", "server", level, jsonFormat)
	}
	return logging.NewLogger(level, jsonFormat), nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(v, cfgFile)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Close()

	mgr := shutdown.New(cfg.Server.ShutdownTimeout, logger)

	tracer, err := tracing.InitTracer(tracing.Config{
		ServiceName:    "ffjobs",
		ServiceVersion: Version,
		Environment:    cfg.Tracing.Environment,
		OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
		Enabled:        cfg.Tracing.Enabled,
		SampleRatio:    cfg.Tracing.SampleRatio,
	}, logger)
	if err != nil {
		return err
	}
	mgr.Register("tracer", tracer.Shutdown)

	ffmpeg := tool.NewFFmpeg(cfg.Tools.FFmpegPath)
	ytdlp := tool.NewYTDLP(cfg.Tools.YTDLPPath, cfg.Tools.AudioFormat, cfg.Tools.AudioQuality)
	if err := ffmpeg.Available(); err != nil {
		logger.Warn("ffmpeg not available, conversions will fail", map[string]interface{}{"error": err})
	}
	if err := ytdlp.Available(); err != nil {
		logger.Warn("yt-dlp not available, downloads will fail", map[string]interface{}{"error": err})
	}

	var volumes []string
	for _, dir := range []string{cfg.Jobs.ConversionDir, cfg.Jobs.DownloadDir, cfg.Jobs.StagingDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			_ = mgr.Shutdown()
			return fmt.Errorf("create %s: %w", dir, err)
		}
		volumes = append(volumes, dir)
	}

	registry := store.NewMemoryStore()
	progress := store.NewMemoryProgress()
	collector := metrics.NewCollector(nil)

	sweeper := cleanup.NewSweeper(cleanup.Config{
		Enabled:       cfg.Retention.Enabled,
		MaxAge:        cfg.Retention.MaxAge,
		Interval:      cfg.Retention.Interval,
		ConversionDir: cfg.Jobs.ConversionDir,
		DownloadDir:   cfg.Jobs.DownloadDir,
		StagingDir:    cfg.Jobs.StagingDir,
	}, registry, progress,
		cleanup.WithLogger(logger.WithField("component", "sweeper")),
		cleanup.WithRecorder(collector),
	)
	sweeper.Start()
	mgr.Register("sweeper", shutdown.StopFunc(sweeper.Stop))

	jobRunner, err := runner.New(runner.Config{
		Workers:           cfg.Jobs.Workers,
		QueueSize:         cfg.Jobs.QueueSize,
		Timeout:           cfg.Jobs.Timeout,
		ConversionDir:     cfg.Jobs.ConversionDir,
		DownloadDir:       cfg.Jobs.DownloadDir,
		EstimatorInterval: cfg.Tools.EstimatorInterval,
		MaxBatchSize:      cfg.Jobs.MaxBatchSize,
	}, registry, progress, ffmpeg, ytdlp,
		runner.WithLogger(logger.WithField("component", "runner")),
		runner.WithRecorder(collector),
		runner.WithTracer(tracer),
	)
	if err != nil {
		_ = mgr.Shutdown()
		return err
	}
	mgr.Register("job runner", jobRunner.Close)

	handler := api.NewJobsHandler(jobRunner, status.NewService(registry, progress, logger), cfg.Jobs.StagingDir, logger.WithField("component", "api"))
	handler.SetHealthChecker(health.NewChecker(jobRunner,
		health.WithVolumes(volumes...),
		health.WithTool("ffmpeg", ffmpeg.Available),
		health.WithTool("yt-dlp", ytdlp.Available),
	))

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if cfg.RateLimit.Enabled {
		limiter := ratelimit.NewLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
		handler.SetRateLimiter(limiter)
		go func() {
			ticker := time.NewTicker(limiterIdle)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if n := limiter.CleanupOldLimiters(limiterIdle); n > 0 {
						logger.Debug("dropped idle rate limiters", map[string]interface{}{"count": n})
					}
				}
			}
		}()
	}

	router := mux.NewRouter()
	router.Use(tracing.HTTPMiddleware(tracer, api.RouteName), collector.Middleware(api.RouteName))
	handler.RegisterRoutes(router)

	if cfg.Server.MetricsAddr != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", collector.Handler())
		metricsServer := &http.Server{Addr: cfg.Server.MetricsAddr, Handler: metricsMux, ReadHeaderTimeout: 10 * time.Second}
		go serveHTTP(cancel, logger, metricsServer, "metrics")
		mgr.Register("metrics server", shutdown.StopHTTPServer(metricsServer))
	}

	apiServer := &http.Server{Addr: cfg.Server.Addr, Handler: router, ReadHeaderTimeout: 10 * time.Second}
	if cfg.Server.TLSCert != "" {
		apiServer.TLSConfig, err = tlsutil.ServerConfig(cfg.Server.TLSCert, cfg.Server.TLSKey, cfg.Server.TLSClientCA)
		if err != nil {
			_ = mgr.Shutdown()
			return err
		}
	}
	go serveHTTP(cancel, logger, apiServer, "api")
	mgr.Register("api server", shutdown.StopHTTPServer(apiServer))

	logger.Info("ffjobs started", map[string]interface{}{
		"addr":         cfg.Server.Addr,
		"metrics_addr": cfg.Server.MetricsAddr,
		"tls":          apiServer.TLSConfig != nil,
		"workers":      cfg.Jobs.Workers,
		"queue_size":   cfg.Jobs.QueueSize,
	})
	return mgr.Wait(ctx)
}

// serveHTTP runs server until it is shut down. Any other exit cancels the
// service context so Wait starts the shutdown.
func serveHTTP(cancel context.CancelFunc, logger *logging.Logger, server *http.Server, name string) {
	var err error
	if server.TLSConfig != nil {
		err = server.ListenAndServeTLS("", "")
	} else {
		err = server.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error(name+" server failed", map[string]interface{}{"addr": server.Addr, "error": err})
		cancel()
	}
}
