// Package app wires configuration into a runnable mirror: the orchestrator,
// its fetch pipeline, the storage backends and the admin server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/substack-mirror/internal/api"
	"github.com/JakeFAU/substack-mirror/internal/cache"
	"github.com/JakeFAU/substack-mirror/internal/clock/system"
	"github.com/JakeFAU/substack-mirror/internal/config"
	"github.com/JakeFAU/substack-mirror/internal/crawler"
	"github.com/JakeFAU/substack-mirror/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/substack-mirror/internal/fetcher/colly"
	"github.com/JakeFAU/substack-mirror/internal/id/uuid"
	"github.com/JakeFAU/substack-mirror/internal/orchestrator"
	"github.com/JakeFAU/substack-mirror/internal/policy/ratelimit"
	"github.com/JakeFAU/substack-mirror/internal/pool"
	"github.com/JakeFAU/substack-mirror/internal/progress"
	"github.com/JakeFAU/substack-mirror/internal/progress/sinks"
	pubsubpublisher "github.com/JakeFAU/substack-mirror/internal/publisher/pubsub"
	"github.com/JakeFAU/substack-mirror/internal/render"
	gcsstore "github.com/JakeFAU/substack-mirror/internal/storage/gcs"
	localstore "github.com/JakeFAU/substack-mirror/internal/storage/local"
	memstore "github.com/JakeFAU/substack-mirror/internal/storage/memory"
	"github.com/JakeFAU/substack-mirror/internal/storage/postgres"
	"github.com/JakeFAU/substack-mirror/internal/substack"
	"github.com/JakeFAU/substack-mirror/internal/syncstate"
	"github.com/JakeFAU/substack-mirror/internal/throttle"
	"github.com/JakeFAU/substack-mirror/internal/worker"
)

// App holds the long-lived collaborators of one process.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  crawler.Clock

	store   *cache.Store
	content *cache.Content
	sync    *syncstate.Manager
	images  *ratelimit.Limiter
	blobs   crawler.BlobStore

	shared   *pipeline
	executor string
	progress *progress.Hub

	gcsClient    *storage.Client
	index        *postgres.PostIndex
	pubsubClient *pubsub.Client
	publisher    *pubsubpublisher.Publisher

	orch *orchestrator.Orchestrator
}

// pipeline is one connection pool with the throttle and client bound to it.
type pipeline struct {
	pool   *pool.Pool
	client *substack.Client
	source substack.PostSource
}

// Build constructs the application graph. Callers must Close the result.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	strategy, err := orchestrator.ParseStrategy(cfg.Crawler.Strategy)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:      cfg,
		logger:   logger,
		clock:    system.New(),
		executor: cfg.Crawler.Executor,
		images: ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.Crawler.ImageRPS,
			DefaultBurst: cfg.Crawler.ImageBurst,
		}),
	}

	a.setupCache(ctx)
	a.sync = syncstate.NewManager(cfg.Sync.Dir, a.clock, logger)

	if err := a.setupStorage(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.setupDatabase(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.setupPublisher(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.setupProgress(); err != nil {
		a.Close()
		return nil, err
	}

	a.shared = a.newPipeline()

	var index orchestrator.PostCounter
	if a.index != nil {
		index = a.index
	}
	a.orch = orchestrator.New(orchestrator.Deps{
		Discovery: a.shared.client,
		Cache:     a.content,
		Sync:      a.sync,
		Executor:  a.ExecutorFactory,
		IDs:       uuid.New(),
		Index:     index,
		Progress:  a.progress,
	}, orchestrator.Config{
		Strategy: strategy,
		PageSize: cfg.Crawler.PageSize,
		MaxPages: cfg.Crawler.MaxPages,
	}, logger)

	logger.Info("mirror ready",
		zap.String("strategy", string(strategy)),
		zap.String("executor", a.executor),
		zap.String("storage", cfg.Storage.Backend),
		zap.Bool("authenticated", cfg.Auth.Token != ""),
		zap.Bool("cache", cfg.Cache.Enabled),
	)
	return a, nil
}

func (a *App) setupCache(ctx context.Context) {
	ttl := a.cfg.Cache.TTL
	if a.cfg.Cache.Enabled {
		store, err := cache.Open(ctx, cache.Config{Path: a.cfg.Cache.Path, DefaultTTL: ttl.Default}, a.clock, a.logger)
		if err != nil {
			a.logger.Warn("cache unavailable; continuing without it", zap.String("path", a.cfg.Cache.Path), zap.Error(err))
			store = cache.Disabled(a.logger)
		}
		a.store = store
	} else {
		a.store = cache.Disabled(a.logger)
	}
	a.content = cache.NewContent(a.store, cache.TTLs{
		cache.TypeDefault:    ttl.Default,
		cache.TypePost:       ttl.Post,
		cache.TypePostsList:  ttl.PostsList,
		cache.TypeComments:   ttl.Comments,
		cache.TypeNewsletter: ttl.Newsletter,
		cache.TypeAuthor:     ttl.Author,
		cache.TypePage:       ttl.Page,
	}, a.logger)
}

func (a *App) setupStorage(ctx context.Context) error {
	switch a.cfg.Storage.Backend {
	case config.BackendGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("create gcs client: %w", err)
		}
		a.gcsClient = client
		blobs, err := gcsstore.New(client, gcsstore.Config{Bucket: a.cfg.Storage.GCSBucket, Prefix: a.cfg.Storage.Prefix})
		if err != nil {
			return fmt.Errorf("init gcs storage: %w", err)
		}
		a.blobs = blobs
	case config.BackendMemory:
		a.blobs = memstore.NewBlobStore()
	default:
		blobs, err := localstore.New(localstore.Config{BaseDir: a.cfg.Storage.OutputDir})
		if err != nil {
			return fmt.Errorf("init local storage: %w", err)
		}
		a.blobs = blobs
	}
	return nil
}

func (a *App) setupDatabase(ctx context.Context) error {
	if a.cfg.DB.DSN == "" {
		return nil
	}
	index, err := postgres.New(ctx, postgres.Config{
		DSN:             a.cfg.DB.DSN,
		Table:           a.cfg.DB.Table,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("connect post index: %w", err)
	}
	a.index = index
	if err := index.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure post index schema: %w", err)
	}
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	if a.cfg.PubSub.ProjectID == "" || (a.cfg.PubSub.TopicName == "" && a.cfg.PubSub.ProgressTopic == "") {
		return nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("create pubsub client: %w", err)
	}
	a.pubsubClient = client
	a.publisher = pubsubpublisher.New(client)
	return nil
}

func (a *App) setupProgress() error {
	hubSinks := []progress.Sink{sinks.NewLogSink(a.logger)}
	if a.publisher != nil && a.cfg.PubSub.ProgressTopic != "" {
		sink, err := sinks.NewPublishSink(a.publisher, a.cfg.PubSub.ProgressTopic)
		if err != nil {
			return fmt.Errorf("init progress publisher: %w", err)
		}
		hubSinks = append(hubSinks, sink)
	}
	a.progress = progress.NewHub(progress.Config{Clock: a.clock, Logger: a.logger}, hubSinks...)
	return nil
}

func (a *App) newPipeline() *pipeline {
	p := pool.New(pool.Config{
		MaxTotal:       a.cfg.Pool.MaxTotal,
		MaxPerHost:     a.cfg.Pool.MaxPerHost,
		ConnectTimeout: a.cfg.Pool.ConnectTimeout,
		ReadTimeout:    a.cfg.Pool.ReadTimeout,
		KeepAlive:      a.cfg.Pool.KeepAlive,
		Proxy: pool.ProxyConfig{
			Enabled:        a.cfg.Proxy.Enabled,
			Gateway:        a.cfg.Proxy.Gateway,
			Sticky:         a.cfg.Proxy.Sticky,
			SessionMinutes: a.cfg.Proxy.SessionTime,
			Descriptor: pool.ProxyDescriptor{
				Username:    a.cfg.Proxy.Username,
				Password:    a.cfg.Proxy.Password,
				CountryCode: a.cfg.Proxy.CountryCode,
				City:        a.cfg.Proxy.City,
				State:       a.cfg.Proxy.State,
				SessionID:   a.cfg.Proxy.SessionID,
				SessionTime: a.cfg.Proxy.SessionTime,
			},
		},
	}, a.logger)
	th := throttle.New(throttle.Config{
		MinDelay:      a.cfg.Throttle.MinDelay,
		MaxDelay:      a.cfg.Throttle.MaxDelay,
		BackoffFactor: a.cfg.Throttle.BackoffFactor,
		DecayFactor:   a.cfg.Throttle.DecayFactor,
		DecayAfter:    a.cfg.Throttle.DecayAfter,
		Jitter:        a.cfg.Throttle.Jitter,
	}, a.logger)
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:   a.cfg.Crawler.UserAgent,
		Timeout:     a.cfg.Crawler.Timeout,
		MaxBodySize: a.cfg.Crawler.MaxBodyBytes,
	}, p.Transport())
	client := substack.NewClient(substack.Config{
		Token:   a.cfg.Auth.Token,
		BaseURL: a.cfg.Crawler.BaseURL,
	}, fetcher, p, th, a.logger)
	source := substack.NewBreakerSource(client, substack.BreakerConfig{
		ConsecutiveFailures: a.cfg.Crawler.BreakerFailures,
		OpenTimeout:         a.cfg.Crawler.BreakerOpenDelay,
	}, a.logger)
	return &pipeline{pool: p, client: client, source: source}
}

func (a *App) newWorker(p *pipeline) *worker.Worker {
	deps := worker.Deps{
		API:       p.source,
		Remote:    p.client,
		Endpoints: p.client.Endpoints(),
		Cache:     a.content,
		Blobs:     a.blobs,
		Converter: render.NewConverter(),
		Images:    a.images,
		Clock:     a.clock,
	}
	if a.index != nil {
		deps.Index = a.index
	}
	if a.publisher != nil && a.cfg.PubSub.TopicName != "" {
		deps.Publisher = a.publisher
	}
	return worker.New(deps, worker.Config{
		MaxRetries: a.cfg.Crawler.MaxRetries,
		Comments:   a.cfg.Crawler.Comments,
		Images:     a.cfg.Crawler.Images,
		Topic:      a.cfg.PubSub.TopicName,
	}, a.logger)
}

// ExecutorFactory returns the configured executor sized to concurrency. The
// cooperative executor shares one pipeline; the isolated executor gives each
// slot a private pool, throttle and client.
func (a *App) ExecutorFactory(concurrency int) dispatcher.Executor {
	if a.executor == config.ExecutorIsolated {
		return dispatcher.NewIsolated(func(slot int) (dispatcher.Processor, func(), error) {
			p := a.newPipeline()
			a.logger.Debug("isolated worker built", zap.Int("slot", slot))
			return a.newWorker(p), p.pool.Close, nil
		}, concurrency, a.logger)
	}
	return dispatcher.NewCooperative(a.newWorker(a.shared), concurrency, a.logger)
}

// Orchestrator exposes the download and maintenance surface.
func (a *App) Orchestrator() *orchestrator.Orchestrator {
	return a.orch
}

// Serve runs the admin server until ctx is cancelled or SIGINT/SIGTERM
// arrives, then shuts down gracefully.
func (a *App) Serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := api.NewServer(a.orch, a.clock, api.Config{
		APIKey:             a.cfg.Server.APIKey,
		RequestTimeout:     a.cfg.Server.RequestTimeout,
		DefaultConcurrency: a.cfg.Crawler.Concurrency,
	}, a.logger)
	defer server.Close()

	httpServer := &http.Server{
		Addr:              ":" + strconv.Itoa(a.cfg.Server.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("admin server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok && err != nil {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info("shutting down admin server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown admin server: %w", err)
	}
	return nil
}

// Close releases every client the app opened. It is safe on a partially
// built App.
func (a *App) Close() {
	if a.progress != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := a.progress.Close(ctx); err != nil {
			a.logger.Warn("close progress hub", zap.Error(err))
		}
		cancel()
	}
	if a.shared != nil {
		a.shared.pool.Close()
	}
	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("close pubsub client", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("close storage client", zap.Error(err))
		}
	}
	if a.index != nil {
		a.index.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("close cache", zap.Error(err))
		}
	}
}
