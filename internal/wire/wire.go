// Package wire 组装应用依赖
package wire

import (
	"context"
	"time"

	"content-pipeline-api/internal/application/cache"
	"content-pipeline-api/internal/application/cost"
	"content-pipeline-api/internal/application/ratelimit"
	"content-pipeline-api/internal/application/resource"
	"content-pipeline-api/internal/config"
	"content-pipeline-api/internal/domain/repository"
	"content-pipeline-api/internal/domain/service"
	"content-pipeline-api/internal/infrastructure/filecache"
	"content-pipeline-api/internal/infrastructure/freepik"
	"content-pipeline-api/internal/infrastructure/messaging"
	"content-pipeline-api/internal/infrastructure/persistence/postgres"
	"content-pipeline-api/internal/infrastructure/persistence/redis"
	"content-pipeline-api/internal/interfaces/http/handler"
	"content-pipeline-api/internal/interfaces/http/router"
	"content-pipeline-api/pkg/logger"
)

var _ repository.UsageRecordRepository = (*postgres.UsageRecordRepository)(nil)

// DataLayer 可选的共享存储，均可能为 nil
type DataLayer struct {
	RedisClient *redis.Client
	PgClient    *postgres.Client
	FileStore   *filecache.Store
}

// App 组装完成的应用
type App struct {
	Router   *router.Router
	Sweeper  *cache.Sweeper
	Cache    *cache.Service
	Limiter  *ratelimit.RateLimiter
	Tracker  *cost.Tracker
	Freepik  *freepik.Client
	Resource *resource.Service
	Data     *DataLayer
}

// InitializeDataLayer 连接可选存储；连接失败只降级，不阻止启动
func InitializeDataLayer(ctx context.Context, cfg *config.Config) (*DataLayer, func()) {
	data := &DataLayer{}
	var cleanups []func()

	if cfg.Cache.Redis.Enabled {
		client, cleanup, err := ProvideRedisClient(cfg)
		if err != nil {
			logger.Warn(ctx, "redis unavailable, running with local state only", "error", err.Error())
		} else {
			data.RedisClient = client
			cleanups = append(cleanups, cleanup)
		}
	}

	if cfg.Database.Postgres.Enabled {
		client, cleanup, err := ProvidePostgresClient(cfg)
		if err != nil {
			logger.Warn(ctx, "postgres unavailable, usage ledger will not be persisted", "error", err.Error())
		} else {
			data.PgClient = client
			cleanups = append(cleanups, cleanup)
		}
	}

	if cfg.Cache.FileDir != "" {
		store, err := filecache.NewOS(cfg.Cache.FileDir)
		if err != nil {
			logger.Warn(ctx, "file cache disabled", "dir", cfg.Cache.FileDir, "error", err.Error())
		} else {
			data.FileStore = store
		}
	}

	return data, func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}
}

// InitializeApp 初始化 API 网关
func InitializeApp(ctx context.Context, cfg *config.Config, version string) (*App, func(), error) {
	data, cleanup := InitializeDataLayer(ctx, cfg)

	limiter := ProvideRateLimiter(cfg, data)
	tracker := ProvideCostTracker(cfg, data)
	cacheSvc := ProvideCacheService(cfg, data)
	client := freepik.New(cfg.Freepik,
		freepik.WithRateLimiter(limiter),
		freepik.WithCostTracker(tracker),
	)
	resourceSvc := resource.NewService(client, cacheSvc)

	deps := map[string]handler.Pinger{"redis": nil, "postgres": nil}
	if data.RedisClient != nil {
		deps["redis"] = data.RedisClient
	}
	if data.PgClient != nil {
		deps["postgres"] = data.PgClient
	}

	r := router.New(cfg, router.Handlers{
		Health:   handler.NewHealthHandler(version, deps),
		Resource: handler.NewResourceHandler(resourceSvc),
		Usage:    handler.NewUsageHandler(client, tracker, cacheSvc),
		Cache:    handler.NewCacheHandler(cacheSvc),
	})

	return &App{
		Router:   r,
		Sweeper:  cache.NewSweeper(cacheSvc, cfg.Cache.CleanupSchedule),
		Cache:    cacheSvc,
		Limiter:  limiter,
		Tracker:  tracker,
		Freepik:  client,
		Resource: resourceSvc,
		Data:     data,
	}, cleanup, nil
}

// ProvidePostgresClient 提供 PostgreSQL 客户端
func ProvidePostgresClient(cfg *config.Config) (*postgres.Client, func(), error) {
	client, err := postgres.NewClient(&cfg.Database.Postgres)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		client.Close()
	}
	return client, cleanup, nil
}

// ProvideRedisClient 提供 Redis 客户端
func ProvideRedisClient(cfg *config.Config) (*redis.Client, func(), error) {
	client, err := redis.NewClient(&cfg.Cache.Redis)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		client.Close()
	}
	return client, cleanup, nil
}

// ProvideMessagingProducer 提供消息生产者
func ProvideMessagingProducer(redisClient *redis.Client, cfg *config.Config) *messaging.Producer {
	maxLen := cfg.Messaging.RedisStream.MaxLen
	if maxLen <= 0 {
		maxLen = 100000
	}
	return messaging.NewProducer(redisClient.Redis(), int64(maxLen))
}

// ProvideRateLimiter 提供限流器，Redis 可用且开启分布式时共享滑动窗口
func ProvideRateLimiter(cfg *config.Config, data *DataLayer) *ratelimit.RateLimiter {
	var opts []ratelimit.Option
	if cfg.RateLimit.Distributed && data.RedisClient != nil {
		opts = append(opts, ratelimit.WithWindowStore(redis.NewWindowCounter(data.RedisClient)))
	}
	return ratelimit.NewRateLimiter(cfg.RateLimit, opts...)
}

// ProvideCostTracker 提供成本记账器并挂载流水与告警出口
func ProvideCostTracker(cfg *config.Config, data *DataLayer) *cost.Tracker {
	var sinks []service.UsageSink
	if cfg.Budget.PersistLedger && data.RedisClient != nil {
		sinks = append(sinks, redis.NewUsageLedger(data.RedisClient))
	}
	if data.PgClient != nil {
		sinks = append(sinks, postgres.NewUsageRecordRepository(data.PgClient))
	}

	tracker := cost.NewTracker(cfg.Budget, cost.WithSinks(sinks...))
	if cfg.Messaging.RedisStream.Enabled && data.RedisClient != nil {
		tracker.AddAlertCallback(cost.PublisherCallback(ProvideMessagingProducer(data.RedisClient, cfg)))
	}
	return tracker
}

// ProvideCacheService 提供三级缓存服务
func ProvideCacheService(cfg *config.Config, data *DataLayer) *cache.Service {
	var opts []cache.ServiceOption
	if data.RedisClient != nil {
		opts = append(opts, cache.WithSharedStore(redis.NewSharedCache(data.RedisClient)))
	}
	if data.FileStore != nil {
		opts = append(opts, cache.WithFileStore(data.FileStore))
	}

	return cache.NewService(cache.Options{
		LocalCapacity: cfg.Cache.LocalCapacity,
		DefaultTTL:    cfg.Cache.DefaultTTL,
		TypeTTL: map[cache.Type]time.Duration{
			cache.TypeSearch:   cfg.Cache.TTL.Search,
			cache.TypeResource: cfg.Cache.TTL.Resource,
			cache.TypeDownload: cfg.Cache.TTL.Download,
		},
	}, opts...)
}
