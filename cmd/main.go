package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/MimeLyc/video-downsizer/internal/config"
	"github.com/MimeLyc/video-downsizer/internal/httpapi"
	"github.com/MimeLyc/video-downsizer/internal/jobs"
	"github.com/MimeLyc/video-downsizer/internal/media"
	"github.com/MimeLyc/video-downsizer/internal/pipeline"
	"github.com/MimeLyc/video-downsizer/internal/resolver"
	"github.com/MimeLyc/video-downsizer/internal/retention"
	"github.com/MimeLyc/video-downsizer/internal/service"
	"github.com/MimeLyc/video-downsizer/pkg/file"
	"github.com/MimeLyc/video-downsizer/pkg/icron"
	"github.com/MimeLyc/video-downsizer/pkg/log"
)

const shutdownTimeout = 10 * time.Second

type scheduler interface {
	Schedule(ctx context.Context) error
}

type cronEngine interface {
	Start()
	Stop() context.Context
}

type pipelineDriver interface {
	Start(ctx context.Context)
	Stop()
}

type httpServer interface {
	ListenAndServe(addr string) error
	Shutdown(ctx context.Context) error
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("Failed to load .env: %v", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal("Failed to load configuration: %v", err)
	}
	log.InitLogger(log.ParseLevel(cfg.System.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := build(cfg)
	if err != nil {
		log.Fatal("Failed to build application: %v", err)
	}

	if err := runWithComponents(ctx, cfg, app.scheduler, app.cron, app.driver, app.http); err != nil {
		log.Fatal("Server stopped: %v", err)
	}
}

// loadConfig applies the persisted runtime settings, if any, over the
// environment.
func loadConfig() (*config.Config, error) {
	cfg, err := config.NewFromEnv()
	if err != nil {
		return nil, err
	}

	settings, err := config.LoadRuntimeSettingsFile(cfg.Storage.SettingsFile)
	switch {
	case err == nil:
		return config.NewFromEnv(config.WithRuntimeSettings(settings))
	case errors.Is(err, os.ErrNotExist):
		return cfg, nil
	default:
		log.Warn("Ignoring settings file %s: %v", cfg.Storage.SettingsFile, err)
		return cfg, nil
	}
}

type application struct {
	scheduler *retention.Scheduler
	cron      *cron.Cron
	driver    *pipeline.Driver
	http      *httpapi.Server
}

func build(cfg *config.Config) (*application, error) {
	for _, dir := range []string{cfg.Storage.OutputDir, cfg.Storage.TempDir} {
		if err := file.EnsureDir(dir); err != nil {
			return nil, err
		}
	}

	profile := media.Profile240p
	layout := jobs.NewLayout(cfg.Storage.OutputDir, cfg.Storage.TempDir, profile.Label, profile.Container)
	store := jobs.NewStore(layout)

	resolverCfg := &resolver.Config{
		APIURL:    cfg.Resolver.APIURL,
		Quality:   cfg.Resolver.Quality,
		Timeout:   cfg.Resolver.Timeout,
		RateLimit: cfg.Resolver.RateLimit,
		UserAgent: cfg.Resolver.UserAgent,
		Referer:   cfg.Resolver.Referer,
	}
	bilibili, err := resolver.NewBilibiliClient(resolverCfg)
	if err != nil {
		return nil, fmt.Errorf("create resolver: %w", err)
	}

	runner := pipeline.NewRunner(
		store,
		bilibili,
		pipeline.NewHTTPDownloader(resolverCfg.Headers()),
		media.NewTranscoder(cfg.Pipeline.FFmpegPath),
		pipeline.WithProfile(profile),
		pipeline.WithTimeouts(cfg.Pipeline.DownloadTimeout, cfg.Pipeline.TranscodeTimeout),
	)
	driver := pipeline.NewDriver(runner, cfg.Pipeline.PollInterval)

	policy, err := retention.ParsePolicy(cfg.Retention.Policy)
	if err != nil {
		return nil, err
	}
	cronEngine := cron.New(cron.WithParser(icron.Parser))
	sweeper := retention.NewSweeper(store, policy, driver)
	sched := retention.NewScheduler(sweeper, cronEngine, cfg.Retention.CronExpr)

	settings, err := config.NewRuntimeSettingsStore(cfg.Storage.SettingsFile, cfg.RuntimeSettings())
	if err != nil {
		return nil, err
	}

	svc := service.New(
		store,
		bilibili,
		service.WithResolveOnSubmit(cfg.Pipeline.ResolveOnSubmit),
		service.WithRetention(sweeper, sched, settings),
	)

	return &application{
		scheduler: sched,
		cron:      cronEngine,
		driver:    driver,
		http:      httpapi.NewServer(svc),
	}, nil
}

// runWithComponents starts every long-running component and blocks until
// ctx is cancelled or the HTTP server fails.
func runWithComponents(
	ctx context.Context,
	cfg *config.Config,
	sched scheduler,
	cronEngine cronEngine,
	driver pipelineDriver,
	httpSrv httpServer,
) error {
	if err := sched.Schedule(ctx); err != nil {
		return fmt.Errorf("schedule cleanup: %w", err)
	}
	cronEngine.Start()
	driver.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening on %s", cfg.HTTP.Addr)
		errCh <- httpSrv.ListenAndServe(cfg.HTTP.Addr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			runErr = err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP shutdown: %v", err)
	}
	<-cronEngine.Stop().Done()
	driver.Stop()
	log.Info("Shutdown complete")
	return runErr
}
