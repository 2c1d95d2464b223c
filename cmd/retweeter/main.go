package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/blackmichael/retweet-curator/internal/backup"
	"github.com/blackmichael/retweet-curator/internal/config"
	"github.com/blackmichael/retweet-curator/internal/detector"
	"github.com/blackmichael/retweet-curator/internal/domain"
	"github.com/blackmichael/retweet-curator/internal/httpserver"
	"github.com/blackmichael/retweet-curator/internal/media"
	"github.com/blackmichael/retweet-curator/internal/metrics"
	"github.com/blackmichael/retweet-curator/internal/retry"
	"github.com/blackmichael/retweet-curator/internal/sqlite"
	"github.com/blackmichael/retweet-curator/internal/twitter"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var once bool
	fs := flag.NewFlagSet("retweeter", flag.ContinueOnError)
	fs.StringVar(&cfg.StorePath, "store", cfg.StorePath, "SQLite store path")
	fs.BoolVar(&once, "once", false, "Run the pipeline once and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))

	policy, err := config.LoadPolicy(cfg.PolicyPath)
	if err != nil {
		return fmt.Errorf("load policy: %w", err)
	}
	policies := config.NewPolicyHolder(policy)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	if cfg.PolicyPath != "" {
		if err := config.WatchPolicy(ctx, cfg.PolicyPath, policies, logger); err != nil {
			return fmt.Errorf("watch policy: %w", err)
		}
	}

	repo, err := sqlite.Open(cfg.StorePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer repo.Close()
	logger.Info("opened store", "path", repo.Path())

	client := twitter.NewClient(twitter.Config{
		APIBase:      cfg.APIBase,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		AccessToken:  cfg.AccessToken,
		RefreshToken: cfg.RefreshToken,
	}, logger)
	if err := client.Authenticate(ctx); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	logger.Info("authenticated", "username", client.Account().Username)

	recorder := metrics.NewRecorder()
	calls := retry.Config{
		MaxRetries: policy.Retry.MaxRetries,
		Wait:       policy.Retry.Wait,
	}
	retrier := retry.New(calls, client, logger)
	// Downloads and frame classification do not touch the API session.
	mediaRetrier := retry.New(calls, nil, logger)

	tools := media.Tools{YTDLP: cfg.YTDLPPath, FFprobe: cfg.FFprobePath, FFmpeg: cfg.FFmpegPath}
	videos := media.NewDownloader(tools, policy.DownloadTimeout, logger)

	sampler := media.NewSampler(tools)

	var classifier *detector.Client
	if cfg.DetectorURL != "" {
		classifier = detector.NewClient(cfg.DetectorURL, policy.Visual.Threshold, logger)
		defer classifier.Close()
	} else {
		logger.Warn("DETECTOR_URL not set, visual inspection disabled")
	}

	supervisor := retry.NewFibonacci(policy.Retry.BackoffUnit, policy.Retry.BackoffStart)

	base := strings.TrimSuffix(filepath.Base(cfg.StorePath), filepath.Ext(cfg.StorePath))
	rotator := backup.NewRotator(repo, cfg.BackupDir, base, cfg.BackupKeep, logger)
	scheduler, err := rotator.Schedule(ctx, cfg.BackupSchedule, func(err error) {
		recorder.ObserveBackup(err)
		if err == nil {
			supervisor.Reset()
		}
	})
	if err != nil {
		return err
	}
	defer func() { <-scheduler.Stop().Done() }()

	server := httpserver.NewServer(cfg.Port, repo, recorder.Registry(), logger)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server exited with error", "error", err)
		}
	}()
	defer func() {
		if err := server.Shutdown(context.Background()); err != nil {
			logger.Error("error shutting down http server", "error", err)
		}
	}()

	runOnce := func(ctx context.Context) error {
		p := policies.Current()
		runLogger := logger.With("run_id", uuid.NewString())

		blocklist, err := domain.NewBlocklist(p.Blocklist)
		if err != nil {
			return fmt.Errorf("compile blocklist: %w", err)
		}
		var inspector domain.Inspector
		if classifier != nil {
			inspector = domain.NewVisualInspector(videos, sampler, classifier, mediaRetrier, p.InspectorOptions(cfg.WorkDir), runLogger)
		}
		pipeline, err := domain.NewPipeline(p.PipelineOptions(), domain.PipelineDeps{
			Store:       repo,
			Searcher:    client,
			Retweeter:   client,
			Caller:      retrier,
			Duplicates:  domain.NewMediaDuplicateDetector(repo, videos, mediaRetrier, p.SizeTolerancePercent, cfg.WorkDir, runLogger),
			Sameness:    domain.NewWordOverlapDetector(repo, p.SamenessRatio, runLogger),
			Reliability: domain.NewReliabilityFilter(repo, p.ReliabilityTiers, runLogger),
			Policy:      blocklist,
			Inspector:   inspector,
			Metrics:     recorder,
		}, runLogger)
		if err != nil {
			return fmt.Errorf("build pipeline: %w", err)
		}

		runLogger.Info("run started")
		summary, err := pipeline.Run(ctx)
		runLogger.Info("run finished",
			"searches", summary.Searches,
			"evaluated", summary.Evaluated,
			"rejected", summary.Rejected,
			"retweeted", summary.Retweeted,
			"refused", summary.Refused,
		)
		return err
	}

	logger.Info("retweeter started", "port", cfg.Port, "store", cfg.StorePath, "once", once)

	if once {
		return runOnce(ctx)
	}
	if err := retry.Forever(ctx, supervisor, logger, runOnce); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
