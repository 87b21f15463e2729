// Package bootstrap wires configuration, stores and services into the api
// and worker processes.
package bootstrap

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"mailbridge/adapter/out/llm"
	"mailbridge/adapter/out/persistence"
	"mailbridge/adapter/out/provider/gmail"
	imapprovider "mailbridge/adapter/out/provider/imap"
	"mailbridge/adapter/out/queue"
	"mailbridge/adapter/out/search"
	"mailbridge/adapter/out/webhook"
	"mailbridge/config"
	"mailbridge/core/domain"
	out "mailbridge/core/port/out"
	"mailbridge/core/service/auth"
	"mailbridge/core/service/categorize"
	"mailbridge/core/service/credential"
	"mailbridge/core/service/mailbox"
	"mailbridge/core/service/reconcile"
	"mailbridge/core/service/supervisor"
	"mailbridge/infra/database"
	"mailbridge/pkg/crypto"
	"mailbridge/pkg/logger"
)

// Dependencies is the shared object graph.
type Dependencies struct {
	Config *config.Config

	DB     *pgxpool.Pool
	SQLX   *sqlx.DB
	Redis  *redis.Client
	Mongo  *mongo.Client

	Users    out.UserRepository
	Accounts out.AccountRepository
	Tokens   out.TokenRepository
	Messages out.MessageRepository
	Search   out.SearchStore

	Producer *queue.Producer

	Credentials *credential.Service
	Coordinator *mailbox.Coordinator
	SearchSvc   *mailbox.SearchService
	Categorizer *categorize.Service
	Reconciler  *reconcile.Service
	Supervisor  *supervisor.Supervisor
	AuthFlow    *auth.Service
	Notifier    out.Notifier
}

func NewDependencies(cfg *config.Config) (*Dependencies, func(), error) {
	if err := crypto.Init(cfg.EncryptionKey); err != nil {
		return nil, nil, err
	}

	pool, db, err := database.NewPostgres(cfg.RowStoreURL)
	if err != nil {
		return nil, nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := persistence.Migrate(ctx, db); err != nil {
		pool.Close()
		return nil, nil, err
	}

	// Queue broker is optional: without it the write coordinator indexes
	// synchronously.
	var redisClient *redis.Client
	if cfg.QueueBrokerURL != "" {
		redisClient, err = database.NewRedis(cfg.QueueBrokerURL)
		if err != nil {
			logger.Warn("queue broker unreachable, running without queue: %v", err)
			redisClient = nil
		}
	}

	mongoClient, err := database.NewMongo(cfg.SearchStoreURL)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}

	searchStore := search.NewStore(mongoClient, cfg.SearchStoreDB)
	if err := searchStore.EnsureIndexes(ctx); err != nil {
		logger.Warn("failed to ensure search indexes: %v", err)
	}

	users := persistence.NewUserAdapter(db)
	accounts := persistence.NewAccountAdapter(db)
	tokens := persistence.NewTokenAdapter(db)
	messages := persistence.NewMessageAdapter(db)

	producer := queue.NewProducer(redisClient, cfg.QueueMaxRetries)

	credentials := credential.NewService(tokens, accounts, credential.OAuthSettings{
		ClientID:     cfg.OAuthClientID,
		ClientSecret: cfg.OAuthClientSecret,
		RedirectURI:  cfg.OAuthRedirectURI,
	})

	coordinator := mailbox.NewCoordinator(messages, searchStore, producer)
	searchSvc := mailbox.NewSearchService(messages, searchStore)

	notifier := webhook.NewNotifier(webhook.Settings{
		SlackWebhookURL:   cfg.SlackWebhookURL,
		GenericWebhookURL: cfg.GenericWebhookURL,
		Timeout:           cfg.WebhookTimeout,
	})

	var categorizer *categorize.Service
	if cfg.LLMAPIKey != "" {
		classifier := llm.NewClient(llm.Settings{
			APIKey:    cfg.LLMAPIKey,
			Model:     cfg.LLMModel,
			MaxTokens: cfg.LLMMaxTokens,
			Timeout:   cfg.LLMTimeout,
		})
		categorizer = categorize.NewService(messages, accounts, coordinator, classifier, notifier, categorize.Settings{
			BatchSize:  cfg.CategorizerBatchSize,
			BatchDelay: cfg.CategorizerBatchDelay,
		})
	} else {
		logger.Warn("LLM_API_KEY not set, categorization disabled")
	}

	reconciler := reconcile.NewService(messages, searchStore, producer, accounts, cfg.ReconciliationInterval)

	sup := supervisor.New(accounts, ingestorFactory(cfg, credentials, coordinator, accounts))

	authFlow := auth.NewService(users, accounts, searchStore, credentials, sup)

	deps := &Dependencies{
		Config:      cfg,
		DB:          pool,
		SQLX:        db,
		Redis:       redisClient,
		Mongo:       mongoClient,
		Users:       users,
		Accounts:    accounts,
		Tokens:      tokens,
		Messages:    messages,
		Search:      searchStore,
		Producer:    producer,
		Credentials: credentials,
		Coordinator: coordinator,
		SearchSvc:   searchSvc,
		Categorizer: categorizer,
		Reconciler:  reconciler,
		Supervisor:  sup,
		AuthFlow:    authFlow,
		Notifier:    notifier,
	}

	cleanup := func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer closeCancel()
		if redisClient != nil {
			redisClient.Close()
		}
		mongoClient.Disconnect(closeCtx)
		db.Close()
		pool.Close()
	}
	return deps, cleanup, nil
}

// ingestorFactory picks the provider implementation per account.
func ingestorFactory(cfg *config.Config, credentials *credential.Service, sink out.MessageSink, accounts out.AccountRepository) supervisor.IngestorFactory {
	return func(account *domain.MailAccount) (out.Ingestor, error) {
		switch account.AuthType {
		case domain.AuthTypeOAuth:
			return gmail.NewPoller(account, credentials, sink, accounts, gmail.Settings{
				DaysBack:     cfg.InitialSyncDaysBack,
				PollInterval: cfg.GmailPollInterval,
				MaxResults:   cfg.GmailMaxResults,
				Concurrency:  cfg.GmailConcurrency,
				BatchSize:    cfg.IngestBatchSize,
			}), nil
		case domain.AuthTypeIMAP:
			return imapprovider.NewIngestor(account, credentials, sink, accounts, imapprovider.Settings{
				DaysBack: cfg.InitialSyncDaysBack,
			}), nil
		default:
			return nil, domain.ErrUnknownAuthType
		}
	}
}
