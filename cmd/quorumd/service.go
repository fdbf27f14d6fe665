package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/imgquorum/quorum/adapters"
	"github.com/imgquorum/quorum/cachestore"
	"github.com/imgquorum/quorum/consensus"
	"github.com/imgquorum/quorum/countstore"
	"github.com/imgquorum/quorum/notify"
	"github.com/imgquorum/quorum/persist"
	"github.com/imgquorum/quorum/pipeline"
	"github.com/imgquorum/quorum/policy"
	"github.com/imgquorum/quorum/review"
	"github.com/imgquorum/quorum/util"
	"github.com/imgquorum/quorum/util/cliutil"

	"github.com/redis/go-redis/v9"
	cli "github.com/urfave/cli/v2"
)

type Config struct {
	DatabaseURL      string
	MaxDBConnections int
	RedisURL         string

	ProviderHost      string
	ProviderAPIKey    string
	ProviderModel     string
	ProviderModels    map[string]string
	ProviderRateLimit float64
	MaxConcurrency    int

	Policy           string
	Depth            string
	LenientParse     bool
	AdaptiveWeights  bool
	RosterFile       string
	QuarantineQuota  int
	SlackWebhookURL  string
	ResultCacheTTL   time.Duration
	ResultCacheItems int
}

func configFromCLI(cctx *cli.Context) Config {
	return Config{
		DatabaseURL:      cctx.String("database-url"),
		MaxDBConnections: cctx.Int("max-db-connections"),
		RedisURL:         cctx.String("redis-url"),
		ProviderHost:     cctx.String("provider-host"),
		ProviderAPIKey:   cctx.String("provider-api-key"),
		ProviderModel:    cctx.String("provider-model"),
		ProviderModels: map[string]string{
			adapters.VisionModelName:    cctx.String("vision-model"),
			adapters.ReasoningModelName: cctx.String("reasoning-model"),
			adapters.TextModelName:      cctx.String("text-model"),
		},
		ProviderRateLimit: cctx.Float64("provider-rate-limit"),
		MaxConcurrency:    cctx.Int("max-concurrency"),
		Policy:            cctx.String("policy"),
		Depth:             cctx.String("depth"),
		LenientParse:      cctx.Bool("lenient-parse"),
		AdaptiveWeights:   !cctx.Bool("disable-adaptive-weights"),
		RosterFile:        cctx.String("roster-file"),
		QuarantineQuota:   cctx.Int("quota-quarantine-day"),
		SlackWebhookURL:   cctx.String("slack-webhook-url"),
		ResultCacheTTL:    24 * time.Hour,
		ResultCacheItems:  50_000,
	}
}

// Everything the daemon and the one-shot CLI share.
type Service struct {
	Pipeline  *pipeline.Pipeline
	Engine    *consensus.Engine
	Tracker   *consensus.Tracker
	Scheduler *review.Scheduler
	Store     persist.Store
	Logger    *slog.Logger
}

func NewService(ctx context.Context, config Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}

	thresholds, err := policy.PresetByName(config.Policy)
	if err != nil {
		return nil, err
	}
	opts := adapters.DefaultOptions()
	switch config.Depth {
	case "", adapters.DepthStandard:
	case adapters.DepthDeep:
		opts.Depth = adapters.DepthDeep
	default:
		return nil, fmt.Errorf("unknown analysis depth: %q", config.Depth)
	}
	opts.AllowLenientParse = config.LenientParse

	db, err := cliutil.SetupDatabase(config.DatabaseURL, config.MaxDBConnections)
	if err != nil {
		return nil, err
	}
	store := persist.NewGormStore(db, nil, logger)
	if err := store.Migrate(); err != nil {
		return nil, fmt.Errorf("database migration: %w", err)
	}

	roster := review.DefaultRoster()
	if config.RosterFile != "" {
		roster, err = review.LoadRosterJSON(config.RosterFile)
		if err != nil {
			return nil, err
		}
	}
	sched := review.NewScheduler(roster, logger)

	tcfg := consensus.DefaultTrackerConfig()
	tcfg.AdaptiveLearning = config.AdaptiveWeights
	tracker, err := consensus.NewTracker(tcfg, logger)
	if err != nil {
		return nil, err
	}
	engine := consensus.NewEngine(tracker, consensus.DefaultConfig(), 0, logger)

	client := adapters.NewChatClient(adapters.ChatClientConfig{
		Host:          config.ProviderHost,
		APIKey:        config.ProviderAPIKey,
		RatePerSecond: config.ProviderRateLimit,
		Retry:         util.DefaultRetryOptions(),
		Logger:        logger,
	})
	adps := adapters.NewDefaultAdapters(client, config.ProviderModel, config.ProviderModels, logger)

	pcfg := pipeline.DefaultConfig()
	pcfg.Thresholds = thresholds
	pcfg.Options = opts
	pcfg.MaxConcurrency = int64(config.MaxConcurrency)
	pcfg.QuarantineQuota = config.QuarantineQuota
	p := pipeline.NewPipeline(adps, engine, sched, store, pcfg, logger)

	if config.RedisURL != "" {
		opt, err := redis.ParseURL(config.RedisURL)
		if err != nil {
			return nil, err
		}
		rdb := redis.NewClient(opt)
		// check redis connection
		if _, err := rdb.Ping(ctx).Result(); err != nil {
			return nil, fmt.Errorf("redis connection: %w", err)
		}
		p.Cache = cachestore.NewRedisResultCache(rdb, config.ResultCacheTTL)
		p.Counters = countstore.NewRedisCountStore(rdb)
	} else {
		p.Cache = cachestore.NewMemResultCache(config.ResultCacheItems, config.ResultCacheTTL)
		p.Counters = countstore.NewMemCountStore()
	}
	if config.SlackWebhookURL != "" {
		p.Notifier = &notify.SlackNotifier{
			SlackWebhookURL: config.SlackWebhookURL,
			Client:          util.RobustHTTPClient(),
		}
	}

	return &Service{
		Pipeline:  p,
		Engine:    engine,
		Tracker:   tracker,
		Scheduler: sched,
		Store:     store,
		Logger:    logger,
	}, nil
}
