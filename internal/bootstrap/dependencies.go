// Package bootstrap wires every adapter and core service into the two
// runnable shapes the binary exposes: an HTTP API and a background
// worker pool, mirroring how the module under study splits
// NewDependencies from NewAPI/NewWorker so each process mode only pays
// for the connections it actually uses.
package bootstrap

import (
	"context"
	"fmt"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/inboundrelay/gateway/adapter/in/worker"
	"github.com/inboundrelay/gateway/adapter/out/blobstore"
	"github.com/inboundrelay/gateway/adapter/out/cooldown"
	"github.com/inboundrelay/gateway/adapter/out/flags"
	"github.com/inboundrelay/gateway/adapter/out/notify"
	"github.com/inboundrelay/gateway/adapter/out/persistence"
	"github.com/inboundrelay/gateway/adapter/out/sesclient"
	"github.com/inboundrelay/gateway/config"
	"github.com/inboundrelay/gateway/core/port/in"
	"github.com/inboundrelay/gateway/core/port/out"
	"github.com/inboundrelay/gateway/core/service/bounce"
	"github.com/inboundrelay/gateway/core/service/forwarder"
	"github.com/inboundrelay/gateway/core/service/guard"
	"github.com/inboundrelay/gateway/core/service/routing"
	"github.com/inboundrelay/gateway/core/service/spike"
	"github.com/inboundrelay/gateway/core/service/threading"
	"github.com/inboundrelay/gateway/core/service/webhook"
	"github.com/inboundrelay/gateway/infra/database"
	"github.com/inboundrelay/gateway/pkg/cache"
	"github.com/inboundrelay/gateway/pkg/httputil"
	"github.com/inboundrelay/gateway/pkg/logger"
	"github.com/inboundrelay/gateway/pkg/metrics"
	"github.com/inboundrelay/gateway/pkg/ratelimit"
)

// Dependencies holds every connection, repository, and service built
// from Config. Both NewAPI and NewWorker build their own
// Dependencies, so API and worker processes never share a connection
// pool - each scales and fails independently.
type Dependencies struct {
	Config *config.Config

	DB    *pgxpool.Pool
	SQLDB *sqlx.DB
	Redis *redis.Client
	Mongo *mongo.Client

	Emails         out.EmailRepository
	SentEmails     out.SentEmailRepository
	Threads        out.ThreadRepository
	Endpoints      out.EndpointRepository
	Addresses      out.AddressRepository
	Domains        out.DomainRepository
	Deliveries     out.DeliveryRepository
	GuardRules     out.GuardRuleRepository
	Blocklist      out.BlocklistRepository
	DeliveryEvents out.DeliveryEventRepository
	UserLookup     *persistence.UserLookupAdapter

	Blobs    out.BlobStore
	Sender   out.OutboundSender
	Notifier out.NotificationSender
	Flags    out.FeatureFlags
	Cooldown *cooldown.RedisAdapter

	Guard     in.GuardService
	Threader  in.ThreaderService
	Webhook   in.WebhookDeliverer
	Forwarder in.Forwarder
	Bounce    in.DSNAnalyzer
	Spike     in.SpikeDetector
	Routing   in.RoutingService

	Pool *worker.Pool
}

func NewDependencies(cfg *config.Config) (*Dependencies, func(), error) {
	deps := &Dependencies{Config: cfg}
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres pool: %w", err)
	}
	deps.DB = db
	cleanups = append(cleanups, func() { db.Close() })

	sqlxURL := cfg.DatabaseURL
	if strings.Contains(sqlxURL, "?") {
		sqlxURL += "&default_query_exec_mode=simple_protocol"
	} else {
		sqlxURL += "?default_query_exec_mode=simple_protocol"
	}
	sqlDB, err := sqlx.Connect("pgx", sqlxURL)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("connect postgres (sqlx): %w", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)
	deps.SQLDB = sqlDB
	cleanups = append(cleanups, func() { sqlDB.Close() })
	metrics.RegisterPool("postgres", sqlDB.DB)

	redisClient, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("connect redis: %w", err)
	}
	deps.Redis = redisClient
	cleanups = append(cleanups, func() { redisClient.Close() })

	mongoClient, err := database.NewMongo(cfg.MongoDBURL)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("connect mongo: %w", err)
	}
	deps.Mongo = mongoClient
	cleanups = append(cleanups, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mongoClient.Disconnect(ctx)
	})

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("load aws config: %w", err)
	}
	sesClient := sesv2.NewFromConfig(awsCfg)

	deps.Blobs = blobstore.NewMongoAdapter(deps.Mongo, cfg.MongoDBName)

	deps.Emails = persistence.NewEmailAdapter(deps.SQLDB, deps.Blobs)
	deps.SentEmails = persistence.NewSentEmailAdapter(deps.SQLDB)
	deps.Threads = persistence.NewThreadAdapter(deps.SQLDB)
	deps.Endpoints = persistence.NewEndpointAdapter(deps.SQLDB, cfg.EncryptionKey)
	deps.Addresses = persistence.NewAddressAdapter(deps.SQLDB)
	deps.Domains = persistence.NewDomainAdapter(deps.SQLDB)
	deps.Deliveries = persistence.NewDeliveryAdapter(deps.SQLDB)
	deps.GuardRules = persistence.NewGuardRuleAdapter(deps.SQLDB)
	deps.Blocklist = persistence.NewBlocklistAdapter(deps.SQLDB)
	deps.UserLookup = persistence.NewUserLookupAdapter(deps.SQLDB)
	deps.DeliveryEvents = persistence.NewDeliveryEventAdapter(deps.SQLDB, deps.Blobs)

	deps.Sender = sesclient.New(sesClient)
	deps.Notifier = notify.NewSlackAdapter(cfg.SlackAdminWebhookURL)
	deps.Flags = flags.New(deps.SQLDB, time.Duration(cfg.FeatureFlagCacheTTLSec)*time.Second)
	deps.Cooldown = cooldown.NewRedisAdapter(deps.Redis)

	guardCache := cache.NewRedisCache(deps.Redis)
	deps.Guard = guard.New(deps.GuardRules).
		WithRuleCache(guardCache, time.Duration(cfg.GuardRuleCacheTTLSec)*time.Second)
	deps.Threader = threading.New(deps.Emails, deps.SentEmails, deps.Threads)
	webhookProtector := ratelimit.NewAPIProtector(deps.Redis, ratelimit.DefaultConfig())
	deps.Webhook = webhook.New(deps.Deliveries, deps.Endpoints, httputil.WebhookClient(), cfg.PublicBaseURL).
		WithRateLimiting(webhookProtector)
	deps.Forwarder = forwarder.New(deps.Deliveries, deps.Blocklist, deps.Domains, deps.Sender)
	deps.Bounce = bounce.New(deps.Emails, deps.SentEmails, deps.DeliveryEvents, deps.Blocklist, deps.Domains)

	spikeCfg := spike.Config{
		HistoricalDays:           cfg.SpikeHistoricalDays,
		ThresholdMultiplier:      cfg.SpikeThresholdMultiplier,
		MinHistoricalEmails:      cfg.SpikeMinHistoricalEmails,
		MinCurrentEmailsForAlert: cfg.SpikeMinCurrentForAlert,
		AlertCooldown:            time.Duration(cfg.SpikeAlertCooldownHours) * time.Hour,
	}
	spikeService := spike.New(deps.SentEmails, deps.Notifier, deps.UserLookup, spikeCfg)
	if cfg.SpikeDetectorUseRedis {
		spikeService = spikeService.WithRedisCooldown(deps.Cooldown)
	}
	deps.Spike = spikeService

	routingService := routing.New(
		deps.Emails,
		deps.Addresses,
		deps.Domains,
		deps.Endpoints,
		deps.Deliveries,
		deps.Flags,
		deps.Threader,
		deps.Guard,
		deps.Webhook,
		deps.Forwarder,
	)
	deps.Routing = routingService

	handler := worker.NewHandler(deps.Routing, deps.Bounce, deps.Spike)
	poolCfg := worker.DefaultPoolConfig()
	poolCfg.MaxWorkers = cfg.WorkerMax
	poolCfg.QueueSize = cfg.WorkerQueueSize
	poolCfg.MaxRetriesByType = map[worker.JobType]int{
		worker.JobRetryWebhook: cfg.WebhookMaxRetries,
	}
	poolCfg.BackoffBaseByType = map[worker.JobType]time.Duration{
		worker.JobRetryWebhook: time.Duration(cfg.WebhookRetryDelaySec) * time.Second,
	}
	deps.Pool = worker.NewPool(handler, poolCfg)

	// The pool's handler closes over deps.Routing, so the dispatcher
	// that lets routing enqueue DSN/spike jobs back onto that same pool
	// can only be attached once the pool itself exists.
	routingService.WithJobDispatcher(worker.NewDispatcher(deps.Pool))

	logger.Info("dependencies initialized (worker_id=%s)", cfg.WorkerID)

	return deps, cleanup, nil
}
