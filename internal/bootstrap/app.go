package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"botgpt/internal/ai"
	appsvc "botgpt/internal/app"
	"botgpt/internal/cache"
	"botgpt/internal/config"
	"botgpt/internal/model"
	"botgpt/internal/pipeline"
	mysqlClient "botgpt/internal/platform/mysql"
	rabbitmqClient "botgpt/internal/platform/rabbitmq"
	redisClient "botgpt/internal/platform/redis"
	sqliteClient "botgpt/internal/platform/sqlite"
	"botgpt/internal/repository"
	"botgpt/internal/worker"
)

type Services struct {
	Auth          *appsvc.AuthService
	Conversations *appsvc.ConversationService
	Documents     *appsvc.DocumentService
}

type App struct {
	Config        *config.Config
	Logger        *slog.Logger
	DB            *gorm.DB
	Redis         *redis.Client
	MQConn        *amqp.Connection
	UsageRecorder *worker.UsageRecorder
	Lanes         *worker.Lanes
	Services      Services

	StartedAt time.Time
}

type Option func(*options)

type options struct {
	gateway appsvc.ModelGateway
	cache   appsvc.HistoryCache
}

// WithGateway replaces the HTTP model gateway, mostly for tests.
func WithGateway(g appsvc.ModelGateway) Option {
	return func(o *options) { o.gateway = g }
}

// WithHistoryCache puts c in front of message history when redis is off.
func WithHistoryCache(c appsvc.HistoryCache) Option {
	return func(o *options) { o.cache = c }
}

func New(ctx context.Context) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	return Build(ctx, cfg)
}

// Build connects every backing service cfg enables and wires the
// application services on top of them.
func Build(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	logger := NewLogger(cfg.App)
	a := &App{Config: cfg, Logger: logger, StartedAt: time.Now()}

	db, err := OpenDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.DB = db

	historyCache := o.cache
	if cfg.Redis.Enabled {
		a.Redis, err = redisClient.New(ctx, redisClient.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		historyCache = cache.NewHistoryCache(
			a.Redis,
			time.Duration(cfg.Redis.HistoryTTLSeconds)*time.Second,
			time.Duration(cfg.Redis.HistoryDirtyTTLSeconds)*time.Second,
		)
	}

	convRepo := repository.NewConversationRepository(db)
	messageRepo := repository.NewMessageRepository(db)
	docRepo := repository.NewDocumentRepository(db)
	usageRepo := repository.NewUsageRepository(db)
	userRepo := repository.NewUserRepository(db)

	var events appsvc.EventPublisher
	if cfg.RabbitMQ.Enabled {
		a.MQConn, err = rabbitmqClient.New(ctx, cfg.RabbitMQ.URL)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		events = rabbitmqClient.NewTurnEventPublisher(a.MQConn, cfg.RabbitMQ.UsageQueue)
		a.UsageRecorder = worker.NewUsageRecorder(a.MQConn, usageRepo, cfg.RabbitMQ.UsageQueue, logger)
		if err := a.UsageRecorder.Start(context.WithoutCancel(ctx)); err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("start usage recorder failed: %w", err)
		}
	} else {
		events = directUsageSink{repo: usageRepo}
	}

	gateway := o.gateway
	if gateway == nil {
		gateway = ai.NewGateway(
			ai.NewOpenAICompatibleClient(&http.Client{}),
			ai.GatewayConfig{
				BaseURL:     cfg.LLM.BaseURL,
				APIKey:      cfg.LLM.APIKey,
				Model:       cfg.LLM.Model,
				MaxTokens:   cfg.Pipeline.MaxCompletionTokens,
				Timeout:     cfg.LLMTimeout(),
				MaxAttempts: cfg.LLM.MaxAttempts,
				BaseDelay:   cfg.RetryBaseDelay(),
			},
			logger.With("component", "gateway"),
		)
	}

	a.Lanes = worker.NewLanes()
	store := appsvc.NewStore(convRepo, messageRepo, docRepo, historyCache, logger)
	orchestrator := appsvc.NewOrchestrator(
		store,
		gateway,
		pipeline.NewAssembler(pipeline.CharEstimator{}),
		pipeline.NewRetriever(pipeline.KeywordScorer{}),
		appsvc.OrchestratorConfig{
			ContextBudget:  cfg.ContextBudget(),
			TopK:           cfg.Pipeline.TopK,
			SystemPreamble: cfg.Pipeline.SystemPreamble,
			RAGPreamble:    cfg.Pipeline.RAGPreamble,
			Model:          cfg.LLM.Model,
		},
		logger,
		appsvc.WithEvents(events),
		appsvc.WithSerializer(a.Lanes),
	)

	a.Services = Services{
		Auth: appsvc.NewAuthService(
			userRepo,
			cfg.Auth.JWTSecret,
			time.Duration(cfg.Auth.JWTExpireMinute)*time.Minute,
		),
		Conversations: appsvc.NewConversationService(
			convRepo, docRepo, usageRepo, store, orchestrator, cfg.Pipeline.TitleMaxChars,
		),
		Documents: appsvc.NewDocumentService(
			docRepo, cfg.Pipeline.ChunkSize, int64(cfg.Pipeline.MaxUploadMB)<<20,
		),
	}

	logger.Info("application wired",
		"database", cfg.Database.Driver,
		"redis", cfg.Redis.Enabled,
		"rabbitmq", cfg.RabbitMQ.Enabled,
		"model", cfg.LLM.Model,
		"context_budget", cfg.ContextBudget(),
	)
	return a, nil
}

// OpenDatabase connects the configured driver and migrates the schema.
func OpenDatabase(ctx context.Context, cfg *config.Config) (*gorm.DB, error) {
	var (
		db  *gorm.DB
		err error
	)
	switch cfg.Database.Driver {
	case "mysql":
		db, err = mysqlClient.New(ctx, cfg.MySQLDSN(), mysqlClient.PoolOptions{
			MaxIdleConns: cfg.MySQL.MaxIdleConns,
			MaxOpenConns: cfg.MySQL.MaxOpenConns,
		})
	case "sqlite":
		db, err = sqliteClient.New(ctx, cfg.SQLite.Path)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(model.All()...); err != nil {
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			_ = sqlDB.Close()
		}
		return nil, fmt.Errorf("auto migrate tables failed: %w", err)
	}
	return db, nil
}

// directUsageSink records turn events synchronously when no broker is
// configured.
type directUsageSink struct {
	repo *repository.UsageRepository
}

func (s directUsageSink) Publish(ctx context.Context, event model.TurnEvent) error {
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	rec := model.NewUsageRecord(event)
	return s.repo.Record(ctx, &rec)
}

func (a *App) Close() error {
	var closeErr error
	if a.Lanes != nil {
		a.Lanes.Close()
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			closeErr = err
		}
	}
	if a.UsageRecorder != nil {
		a.UsageRecorder.Close()
	}
	if a.MQConn != nil {
		if err := a.MQConn.Close(); err != nil {
			closeErr = err
		}
	}
	if a.DB != nil {
		sqlDB, err := a.DB.DB()
		if err == nil {
			if err := sqlDB.Close(); err != nil {
				closeErr = err
			}
		}
	}
	return closeErr
}
