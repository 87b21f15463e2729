package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// generateWorkerID creates a unique worker ID using hostname and PID.
func generateWorkerID() string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "worker"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

type Config struct {
	Port        string
	Environment string
	WorkerID    string
	LogLevel    string

	// Stores
	RowStoreURL    string
	SearchStoreURL string
	SearchStoreDB  string
	QueueBrokerURL string

	// Queue
	QueueConcurrency int
	QueueMaxRetries  int
	QueueRetryDelay  time.Duration
	QueueStallAfter  time.Duration
	BulkJobTimeout   time.Duration

	// Reconciliation
	ReconciliationInterval  time.Duration
	AutoStartReconciliation bool

	// Categorizer
	CategorizerBatchSize  int
	CategorizerBatchDelay time.Duration
	LLMAPIKey             string
	LLMModel              string
	LLMMaxTokens          int
	LLMTimeout            time.Duration

	// OAuth - Google
	OAuthClientID     string
	OAuthClientSecret string
	OAuthRedirectURI  string

	// Ingestion
	InitialSyncDaysBack int
	GmailMaxResults     int64
	GmailPollInterval   time.Duration
	GmailConcurrency    int
	IngestBatchSize     int

	// Notifications
	SlackWebhookURL   string
	GenericWebhookURL string
	WebhookTimeout    time.Duration

	// Secrets
	EncryptionKey string
}

func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENV", "development"),
		WorkerID:    getEnv("WORKER_ID", generateWorkerID()),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		RowStoreURL:    getEnv("ROW_STORE_URL", ""),
		SearchStoreURL: getEnv("SEARCH_STORE_URL", ""),
		SearchStoreDB:  getEnv("SEARCH_STORE_DB", "mailbridge_search"),
		QueueBrokerURL: getEnv("QUEUE_BROKER_URL", ""),

		QueueConcurrency: getEnvInt("QUEUE_CONCURRENCY", 5),
		QueueMaxRetries:  getEnvInt("QUEUE_MAX_RETRIES", 3),
		QueueRetryDelay:  time.Duration(getEnvInt("QUEUE_RETRY_DELAY_MS", 2000)) * time.Millisecond,
		QueueStallAfter:  time.Duration(getEnvInt("QUEUE_STALL_AFTER_SEC", 60)) * time.Second,
		BulkJobTimeout:   time.Duration(getEnvInt("BULK_JOB_TIMEOUT_MIN", 10)) * time.Minute,

		ReconciliationInterval:  time.Duration(getEnvInt("RECONCILIATION_INTERVAL_MS", 300000)) * time.Millisecond,
		AutoStartReconciliation: getEnvBool("AUTO_START_RECONCILIATION", true),

		CategorizerBatchSize:  getEnvInt("CATEGORIZER_BATCH_SIZE", 10),
		CategorizerBatchDelay: time.Duration(getEnvInt("CATEGORIZER_BATCH_DELAY_MS", 0)) * time.Millisecond,
		LLMAPIKey:             getEnv("LLM_API_KEY", ""),
		LLMModel:              getEnv("LLM_MODEL", "gpt-4o-mini"),
		LLMMaxTokens:          getEnvInt("LLM_MAX_TOKENS", 2048),
		LLMTimeout:            time.Duration(getEnvInt("LLM_TIMEOUT_SEC", 60)) * time.Second,

		OAuthClientID:     getEnv("OAUTH_CLIENT_ID", ""),
		OAuthClientSecret: getEnv("OAUTH_CLIENT_SECRET", ""),
		OAuthRedirectURI:  getEnv("OAUTH_REDIRECT_URI", ""),

		InitialSyncDaysBack: getEnvInt("INITIAL_SYNC_DAYS_BACK", 30),
		GmailMaxResults:     int64(getEnvInt("GMAIL_MAX_RESULTS", 500)),
		GmailPollInterval:   time.Duration(getEnvInt("GMAIL_POLL_INTERVAL_SEC", 60)) * time.Second,
		GmailConcurrency:    getEnvInt("GMAIL_CONCURRENCY", 10),
		IngestBatchSize:     getEnvInt("INGEST_BATCH_SIZE", 50),

		SlackWebhookURL:   getEnv("SLACK_WEBHOOK_URL", ""),
		GenericWebhookURL: getEnv("GENERIC_WEBHOOK_URL", ""),
		WebhookTimeout:    time.Duration(getEnvInt("WEBHOOK_TIMEOUT_SEC", 10)) * time.Second,

		EncryptionKey: getEnv("ENCRYPTION_KEY", ""),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate rejects configurations that would fail at first use. The
// encryption key is checked again byte-for-byte by the crypto package.
func (c *Config) validate() error {
	if c.RowStoreURL == "" {
		return fmt.Errorf("ROW_STORE_URL is required")
	}
	if len(c.EncryptionKey) != 64 {
		return fmt.Errorf("ENCRYPTION_KEY must be 64 hex characters, got %d", len(c.EncryptionKey))
	}
	for _, r := range c.EncryptionKey {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return fmt.Errorf("ENCRYPTION_KEY must be hex")
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
