package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/mongo"

	"leadflow/crm/internal/cache"
	"leadflow/crm/internal/config"
	"leadflow/crm/internal/db"
	"leadflow/crm/internal/email"
	"leadflow/crm/internal/logger"
	"leadflow/crm/internal/services"
	"leadflow/crm/internal/storage"
	"leadflow/crm/internal/tasks"
)

// app is the wired dependency graph shared by the commands.
type app struct {
	cfg         *config.Config
	mongoClient *mongo.Client
	redisClient *redis.Client
	taskClient  *asynq.Client
	inspector   *asynq.Inspector

	recurring services.IRecurringInvoiceService
	invoices  services.IInvoiceService
	contacts  services.IContactService
	templates services.IEmailTemplateService
	processor *tasks.TaskProcessor

	log zerolog.Logger
}

// newApp loads configuration, connects to MongoDB and Redis and builds the services.
func newApp(ctx context.Context, runMode string) (*app, error) {
	cfg, err := config.Load(runMode)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := logger.Setup(logger.LogConfig{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: os.Stdout}); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	a := &app{cfg: cfg, log: logger.WithComponent("app")}

	var mongoDb *mongo.Database
	a.mongoClient, mongoDb, err = db.ConnectDB(cfg.MongoURI, cfg.MongoDbName)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.EnsureIndexes(ctx, mongoDb); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to ensure indexes: %w", err)
	}

	a.redisClient, err = cache.ConnectRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	archive, err := storage.NewS3Archive(cfg)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize invoice archive: %w", err)
	}
	if archive == nil {
		a.log.Info().Msg("AWS_S3_BUCKET not set, invoice archiving disabled")
	}

	a.invoices = services.NewInvoiceService(mongoDb)
	a.contacts = services.NewContactService(mongoDb)
	a.templates = services.NewEmailTemplateService(mongoDb)
	locker := cache.NewRunLocker(a.redisClient, cfg.RunLockTTL)
	a.recurring = services.NewRecurringInvoiceService(services.NewRecurringInvoiceRepository(mongoDb), a.invoices, locker, cfg)

	a.taskClient = tasks.NewClient(a.redisClient)
	a.inspector = tasks.NewInspector(a.redisClient)
	a.processor = tasks.NewTaskProcessor(cfg, a.recurring, a.invoices, a.contacts, a.templates, a.emailSender(), archive, a.taskClient, a.inspector)
	return a, nil
}

// emailSender composes the primary sender with the optional LOG_EMAILS file sender.
func (a *app) emailSender() email.Sender {
	var primary email.Sender
	if os.Getenv("MOCK_SERVICES") == "true" {
		a.log.Info().Msg("MOCK_SERVICES enabled, storing emails in Redis")
		primary = email.NewRedisSender(a.redisClient, a.cfg)
	} else {
		primary = email.NewSMTPSender(a.cfg)
	}
	composite := email.NewCompositeEmailSender(primary)

	if path := os.Getenv("LOG_EMAILS"); path != "" {
		fileSender, err := email.NewFileEmailSender(path)
		if err != nil {
			a.log.Warn().Err(err).Str("path", path).Msg("file email logger disabled")
		} else {
			composite.AddSender(fileSender)
			a.log.Info().Str("path", path).Msg("file email logger enabled")
		}
	}
	return composite
}

// Close releases connections in reverse order of creation.
func (a *app) Close() {
	if a.inspector != nil {
		if err := a.inspector.Close(); err != nil {
			a.log.Warn().Err(err).Msg("error closing task inspector")
		}
	}
	if a.taskClient != nil {
		if err := a.taskClient.Close(); err != nil {
			a.log.Warn().Err(err).Msg("error closing task client")
		}
	}
	if a.redisClient != nil {
		if err := cache.DisconnectRedis(a.redisClient); err != nil {
			a.log.Warn().Err(err).Msg("error disconnecting from Redis")
		}
	}
	if a.mongoClient != nil {
		if err := db.DisconnectDB(a.mongoClient); err != nil {
			a.log.Warn().Err(err).Msg("error disconnecting from MongoDB")
		}
	}
}
