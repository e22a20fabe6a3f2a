package bootstrap

import (
	"context"
	"time"

	"ingest_server/adapter/out/graph"
	"ingest_server/adapter/out/messaging"
	"ingest_server/adapter/out/mongodb"
	"ingest_server/adapter/out/notify"
	"ingest_server/adapter/out/persistence"
	"ingest_server/config"
	"ingest_server/core/agent/llm"
	"ingest_server/core/port/out"
	"ingest_server/core/service/classification"
	"ingest_server/infra/database"
	"ingest_server/pkg/apperr"
	"ingest_server/pkg/cache"
	"ingest_server/pkg/logger"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
)

// Dependencies holds every wired component of the service.
type Dependencies struct {
	Config *config.Config

	// Storage
	Store out.ClassificationStore
	Redis *redis.Client
	Cache *cache.RedisCache
	Queue *messaging.RedisProducer
	Mongo *mongo.Client

	// Adapters
	Documents *mongodb.DocumentAdapter
	Notifier  out.Notifier
	RunLock   out.RunLock
	LLM       out.URLClassifier
	Costs     *llm.CostTracker

	// Services
	Heuristics   *classification.HeuristicFilter
	Pipeline     *classification.URLPipeline
	Reevaluation *classification.ReevaluationService
}

// OpenStore connects the classification store selected by driver.
func OpenStore(ctx context.Context, cfg *config.Config, driver string) (out.ClassificationStore, error) {
	pl := cfg.PatternLearning()

	switch driver {
	case config.StoreSQLite:
		db, err := database.NewSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, apperr.DatabaseError("open sqlite", err)
		}
		store, err := persistence.NewSQLClassificationStore(ctx, db, pl)
		if err != nil {
			db.Close()
			return nil, err
		}
		return store, nil

	case config.StorePostgres:
		db, err := database.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, apperr.DatabaseError("open postgres", err)
		}
		store, err := persistence.NewSQLClassificationStore(ctx, db, pl)
		if err != nil {
			db.Close()
			return nil, err
		}
		return store, nil

	case config.StoreNeo4j:
		driver, err := graph.NewDriver(cfg.Neo4jURL, cfg.Neo4jUsername, cfg.Neo4jPassword)
		if err != nil {
			return nil, apperr.DatabaseError("open neo4j", err)
		}
		store, err := graph.NewClassificationStore(ctx, driver, cfg.Neo4jDatabase, pl)
		if err != nil {
			driver.Close(context.Background())
			return nil, err
		}
		return store, nil
	}
	return nil, apperr.ConfigError("unknown store driver: " + driver)
}

// NewDependencies wires every adapter and service. Optional backends (Redis,
// MongoDB, Slack, the LLM) are skipped with a warning when unavailable.
func NewDependencies(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	deps := &Dependencies{Config: cfg, Costs: llm.NewCostTracker()}
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	// Classification store
	store, err := OpenStore(ctx, cfg, cfg.StoreDriver)
	if err != nil {
		return nil, nil, err
	}
	deps.Store = store
	cleanups = append(cleanups, func() { store.Close() })
	logger.Info("Classification store ready (driver=%s)", cfg.StoreDriver)

	// Redis: LLM answer cache and run lock
	if cfg.RedisURL != "" {
		redisClient, err := database.NewRedis(cfg.RedisURL)
		if err != nil {
			logger.Warn("Redis connection failed: %v", err)
		} else {
			deps.Redis = redisClient
			deps.Cache = cache.NewRedisCache(redisClient, "ingest:")
			deps.Queue = messaging.NewRedisProducer(redisClient, cfg.StreamName)
			cleanups = append(cleanups, func() { redisClient.Close() })
		}
	}
	if deps.Cache != nil {
		deps.RunLock = deps.Cache
	} else {
		deps.RunLock = cache.NewLocalLock()
	}

	// MongoDB archive
	if cfg.MongoDBURL != "" {
		mongoClient, err := mongodb.NewClient(cfg.MongoDBURL)
		if err != nil {
			logger.Warn("MongoDB connection failed: %v", err)
		} else {
			deps.Mongo = mongoClient
			cleanups = append(cleanups, func() { mongoClient.Disconnect(context.Background()) })
			deps.Documents = mongodb.NewDocumentAdapter(mongoClient.Database(cfg.MongoDBName), cfg.MongoDBCollection, cfg.StorageTimeout())
		}
	}

	// Slack
	if cfg.SlackBotToken != "" && cfg.SlackChannelID != "" {
		deps.Notifier = notify.NewSlackNotifier(cfg.SlackBotToken, cfg.SlackChannelID)
	} else {
		deps.Notifier = notify.NopNotifier{}
	}

	// LLM
	var answerCache llm.JSONCache
	if deps.Cache != nil {
		answerCache = deps.Cache
	}
	classifier, err := llm.NewProviderClassifier(llm.ProviderConfig{
		Provider:          cfg.LLMProvider,
		OpenAIKey:         cfg.OpenAIAPIKey,
		AnthropicKey:      cfg.AnthropicAPIKey,
		Model:             cfg.LLMModel,
		MaxTokens:         cfg.LLMMaxTokens,
		Timeout:           cfg.LLMTimeout(),
		RequestsPerMinute: cfg.LLMRequestsPerMin,
		CacheTTL:          time.Duration(cfg.LLMCacheTTLMin) * time.Minute,
	}, deps.Costs, answerCache)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	deps.LLM = classifier
	if classifier == nil {
		logger.Warn("No API key for LLM provider %q, LLM tier disabled", cfg.LLMProvider)
	}

	// Services
	heuristics, err := classification.LoadHeuristicFilter(cfg.HeuristicRulesPath)
	if err != nil {
		cleanup()
		return nil, nil, apperr.ConfigError(err.Error())
	}
	deps.Heuristics = heuristics

	deps.Pipeline = classification.NewURLPipeline(store, heuristics, classifier, &classification.PipelineConfig{
		PromotionThreshold: cfg.PromotionThreshold,
		LLMTimeout:         cfg.LLMTimeout(),
		WriteBack:          cfg.WriteBackURLLists,
	})
	if deps.Documents != nil {
		deps.Pipeline.SetDocumentSource(deps.Documents, deps.Documents)
	}

	if classifier != nil {
		reevalCfg := classification.DefaultReevaluationConfig()
		reevalCfg.MinCount = cfg.ReevalMinCount
		reevalCfg.Concurrency = cfg.ReevalConcurrency
		reevalCfg.PromotionThreshold = cfg.PromotionThreshold
		reevalCfg.BudgetUSD = cfg.ReevalBudgetUSD
		reevalCfg.LLMTimeout = cfg.LLMTimeout()

		deps.Reevaluation = classification.NewReevaluationService(store, classifier, reevalCfg).
			WithNotifier(deps.Notifier).
			WithRunLock(deps.RunLock)
		if deps.Documents != nil {
			deps.Reevaluation.WithDocumentSource(deps.Documents)
		}
	}

	return deps, cleanup, nil
}

// HealthCheck pings every configured backend.
func (d *Dependencies) HealthCheck(ctx context.Context) error {
	if err := d.Store.Ping(ctx); err != nil {
		return err
	}
	if d.Cache != nil {
		if err := d.Cache.Ping(ctx); err != nil {
			return apperr.DatabaseError("redis ping", err)
		}
	}
	if d.Mongo != nil {
		if err := d.Mongo.Ping(ctx, nil); err != nil {
			return apperr.DatabaseError("mongodb ping", err)
		}
	}
	return nil
}
