package config

import (
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Port        string `envconfig:"PORT" default:"8080"`
	Environment string `envconfig:"ENV" default:"development"`

	// Postgres (Supabase) connection
	DBConnectionString string `envconfig:"DB_CONNECTION_STRING" required:"true"`

	// Supabase JWT secret used to verify inbound bearer tokens
	JWTSecret string `envconfig:"SUPABASE_JWT_SECRET" required:"true"`

	// LangGraph agent service settings
	AgentServiceBaseURL    string `envconfig:"AGENT_SERVICE_BASE_URL" required:"true"`
	AgentCommJWTSecret     string `envconfig:"AGENT_COMM_JWT_SECRET" required:"true"`
	AgentRequestTimeoutSec int    `envconfig:"AGENT_REQUEST_TIMEOUT_SEC" default:"60"`
	AgentDefaultModel      string `envconfig:"AGENT_DEFAULT_MODEL" default:"gpt-4o-mini"`

	// Streaming relay settings
	StreamChunkSizeBytes   int `envconfig:"STREAM_CHUNK_SIZE_BYTES" default:"1024"`
	StreamConnectRetries   int `envconfig:"STREAM_CONNECT_RETRIES" default:"3"`
	StreamBackoffInitialMs int `envconfig:"STREAM_BACKOFF_INITIAL_MS" default:"200"`
	StreamBackoffMaxMs     int `envconfig:"STREAM_BACKOFF_MAX_MS" default:"5000"`
	StreamMaxConnections   int `envconfig:"STREAM_MAX_CONNECTIONS" default:"64"`

	// S3-compatible storage for SQL result exports
	S3URL       string `envconfig:"EXPORT_S3_URL" required:"true"`
	S3Bucket    string `envconfig:"EXPORT_S3_BUCKET" required:"true"`
	S3Region    string `envconfig:"EXPORT_S3_REGION" required:"true"`
	S3AccessKey string `envconfig:"EXPORT_S3_ACCESS_KEY" required:"true"`
	S3SecretKey string `envconfig:"EXPORT_S3_SECRET_KEY" required:"true"`

	// GCP settings (audit events, optional pharmacy secret source)
	GCPProjectID       string `envconfig:"GCP_PROJECT_ID"`
	PubSubEmulatorHost string `envconfig:"PUBSUB_EMULATOR_HOST"`
	AuditTopic         string `envconfig:"AUDIT_TOPIC" default:"credit_audit_events"`
	UseSecretManager   bool   `envconfig:"USE_SECRET_MANAGER" default:"false"`

	// Settlement reconciler settings
	SettlementQueueName           string `envconfig:"SETTLEMENT_QUEUE_NAME" default:"settlement_queue"`
	SettlementPollTimeoutSec      int    `envconfig:"SETTLEMENT_POLL_TIMEOUT_SEC" default:"30"`
	SettlementPollMaxMsg          int    `envconfig:"SETTLEMENT_POLL_MAX_MSG" default:"1"`
	SettlementMaxRetries          int    `envconfig:"SETTLEMENT_MAX_RETRIES" default:"5"`
	SettlementBackoffInitialSec   int    `envconfig:"SETTLEMENT_BACKOFF_INITIAL_SEC" default:"1"`
	SettlementBackoffMaxSec       int    `envconfig:"SETTLEMENT_BACKOFF_MAX_SEC" default:"60"`
	SettlementDeadLetterQueueName string `envconfig:"SETTLEMENT_DEAD_LETTER_QUEUE_NAME" default:"settlement_queue_dlq"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
