// Package main wires together the social-intel analysis server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/socialintel/engine/internal/api"
	"github.com/socialintel/engine/internal/config"
	"github.com/socialintel/engine/internal/jobs"
	"github.com/socialintel/engine/internal/llm"
	"github.com/socialintel/engine/internal/logging"
	"github.com/socialintel/engine/internal/metrics"
	"github.com/socialintel/engine/internal/pipeline"
	"github.com/socialintel/engine/internal/proxy"
	"github.com/socialintel/engine/internal/reddit"
	"github.com/socialintel/engine/internal/store"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var rotator reddit.Rotator
	if cfg.Proxy.Enabled {
		pool := proxy.New(proxy.Config{
			ListURL:         cfg.Proxy.ListURL,
			DefaultScheme:   cfg.Proxy.DefaultScheme,
			RefreshInterval: cfg.ProxyRefreshInterval(),
			Timeout:         time.Duration(cfg.Proxy.TimeoutSeconds) * time.Second,
			PoolSize:        cfg.Proxy.PoolSize,
			CachePath:       cfg.Proxy.CachePath,
			CacheEnabled:    cfg.Proxy.CacheEnabled,
			UserAgent:       cfg.Reddit.UserAgent,
			Provider: proxy.ProviderOptions{
				APIKey:       cfg.Proxy.Provider.APIKey,
				Protocol:     cfg.Proxy.Provider.Protocol,
				Anonymity:    cfg.Proxy.Provider.Anonymity,
				Country:      cfg.Proxy.Provider.Country,
				HTTPSOnly:    cfg.Proxy.Provider.HTTPSOnly,
				MaxLatencyMs: cfg.Proxy.Provider.MaxLatencyMs,
				MaxRetries:   cfg.Proxy.Provider.MaxRetries,
				Backoff:      time.Duration(cfg.Proxy.Provider.BackoffSeconds) * time.Second,
				Cooldown:     time.Duration(cfg.Proxy.Provider.CooldownSeconds) * time.Second,
				MaxWait:      time.Duration(cfg.Proxy.Provider.MaxWaitSeconds) * time.Second,
			},
		}, logger.Named("proxy"))
		pool.Start(ctx)
		defer pool.Stop()
		rotator = pool
	}

	httpClient, err := reddit.NewClient(reddit.Options{
		ClientID:     cfg.Reddit.ClientID,
		ClientSecret: cfg.Reddit.ClientSecret,
		Username:     cfg.Reddit.Username,
		Password:     cfg.Reddit.Password,
		UserAgent:    cfg.Reddit.UserAgent,
		Timeout:      cfg.RedditTimeout(),
		MinInterval:  cfg.MinRequestInterval(),
		Rotator:      rotator,
		Logger:       logger.Named("reddit"),
	})
	if err != nil {
		logger.Fatal("reddit client init failed", zap.Error(err))
	}

	var browser reddit.API
	if cfg.Browser.Enabled {
		browser = reddit.NewBrowser(reddit.BrowserOptions{
			UserAgent:         cfg.Reddit.UserAgent,
			NavigationTimeout: cfg.BrowserTimeout(),
			MinInterval:       cfg.MinRequestInterval(),
			Headed:            !cfg.Browser.Headless,
			Logger:            logger.Named("browser"),
		})
	}
	fetcher := reddit.NewHybrid(browser, httpClient, logger.Named("fetch"))
	defer fetcher.Close()

	var storage store.Storage
	if cfg.Database.DSN != "" {
		pg, err := store.NewPostgres(ctx, store.PostgresConfig{
			DSN:      cfg.Database.DSN,
			MaxConns: cfg.Database.MaxConns,
			MinConns: cfg.Database.MinConns,
		})
		if err != nil {
			logger.Fatal("postgres init failed", zap.Error(err))
		}
		storage = pg
	} else {
		logger.Warn("no database configured, using in-memory storage")
		storage = store.NewMemory()
	}
	defer storage.Close()

	extractor, err := llm.New(llm.Config{
		APIKey:  cfg.OpenAI.APIKey,
		BaseURL: cfg.OpenAI.BaseURL,
		Model:   cfg.OpenAI.Model,
	}, logger.Named("llm"))
	if err != nil {
		logger.Fatal("llm client init failed", zap.Error(err))
	}

	runner := pipeline.New(fetcher, storage, extractor, pipeline.Config{
		TopCommunities:      cfg.Analysis.MaxCommunities,
		PostsPerCommunity:   cfg.Analysis.MaxPostsPerCommunity,
		CommentsPerPost:     cfg.Analysis.MaxCommentsPerPost,
		MaxSources:          cfg.Analysis.MaxEvidenceItems,
		BatchSize:           cfg.Analysis.ExtractionBatchSize,
		ConfidenceThreshold: cfg.Analysis.ConfidenceThreshold,
		MaxEvidenceChars:    cfg.Analysis.MaxEvidenceChars,
		DiscoveryPageLimit:  cfg.Analysis.MaxDiscoveryPages,
		TimeFilter:          cfg.Reddit.SearchTimeFilter,
	}, logger.Named("pipeline"))

	manager := jobs.NewManager()
	apiServer := api.NewServer(manager, runner, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}
