package config

import "time"

type Config struct {
	AppName                       string   `env:"APP_NAME" env-default:"settler-api"`
	Port                          int      `env:"PORT" env-default:"3000"`
	LogLevel                      string   `env:"LOG_LEVEL" env-default:"info"`
	PrettyLogs                    bool     `env:"PRETTY_LOGS" env-default:"false"`
	HttpServerWriteTimeoutSeconds int      `env:"HTTP_SERVER_WRITE_TIMEOUT_SECONDS" env-default:"10"`
	HttpServerReadTimeoutSeconds  int      `env:"HTTP_SERVER_READ_TIMEOUT_SECONDS" env-default:"10"`
	HttpServerIdleTimeoutSeconds  int      `env:"HTTP_SERVER_IDLE_TIMEOUT_SECONDS" env-default:"10"`
	MaxHeaderBytes                int      `env:"HTTP_SERVER_MAX_HEADER_BYTES" env-default:"64000"` // 64KB
	ReadHeaderTimeoutSeconds      int      `env:"HTTP_SERVER_READ_HEADER_TIMEOUT_SECONDS" env-default:"10"`
	AllowOrigins                  []string `env:"HTTP_SERVER_ALLOW_ORIGINS" env-default:"*"`
	AllowMethods                  []string `env:"HTTP_SERVER_ALLOW_METHODS" env-default:"GET,POST,PUT,DELETE"`

	// Database driver
	DatabaseDriver string `env:"DB_DRIVER" env-default:"postgres"`
	// Database host
	DatabaseHost string `env:"DB_HOST" env-default:""`
	// Database port
	DatabasePort string `env:"DB_PORT" env-default:"5432"`
	// Database user
	DatabaseUserName string `env:"DB_USER_NAME" env-default:""`
	// Database user password
	DatabasePassword string `env:"DB_PASSWORD" env-default:""`
	// Database name
	DatabaseName string `env:"DB_NAME" env-default:"settler"`
	// Database SSL Mode
	DatabaseSSLMode string `env:"DB_SQL_MODE" env-default:"disable"`
	// Max Open Conns
	DatabaseMaxOpenConns int `env:"DB_MAX_OPEN_CONNS" env-default:"25"`
	// Max Idle Conns
	DatabaseMaxIdleConns int `env:"DB_MAX_IDLE_CONNS" env-default:"10"`
	// Conn Max Lifetime
	DatabaseConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" env-default:"10s"`
	// Migration Folder Path
	DatabaseMigrationFolderPath string `env:"DB_MIGRATION_FOLDER_PATH" env-default:"db/pg"`
	// Database Migration Version
	DatabaseMigrationVersion int `env:"DB_MIGRATION_VERSION" env-default:"0"`
	// Database Migration Force
	DatabaseMigrationForce int `env:"DB_MIGRATION_FORCE" env-default:"0"`
	// Database Migration Auto Rollback
	DatabaseMigrationAutoRollback bool `env:"DB_MIGRATION_AUTO_ROLLBACK" env-default:"true"`

	// Redis host
	RedisHost string `env:"REDIS_HOST" env-default:"localhost"`
	// Redis port
	RedisPort int `env:"REDIS_PORT" env-default:"6379"`
	// Redis password
	RedisPassword string `env:"REDIS_PASSWORD" env-default:""`
	// Redis database number
	RedisDB int `env:"REDIS_DB" env-default:"0"`

	// Kafka brokers (comma-separated)
	KafkaBrokers string `env:"KAFKA_BROKERS" env-default:"localhost:9092"`
	// Kafka topic carrying contract-completion events from trade capture
	KafkaCompletionTopic string `env:"KAFKA_COMPLETION_TOPIC" env-default:"contract-completions"`
	// Kafka consumer group for the completion consumer
	KafkaConsumerGroup string `env:"KAFKA_CONSUMER_GROUP" env-default:"settler-engine"`
	// Enable/disable the completion consumer
	KafkaConsumerEnabled bool `env:"KAFKA_CONSUMER_ENABLED" env-default:"true"`
	// Kafka topic for settlement lifecycle and rule run events
	KafkaEventsTopic string `env:"KAFKA_EVENTS_TOPIC" env-default:"settlement-events"`
	// Kafka topic for notify/escalate action output
	KafkaNotificationsTopic string `env:"KAFKA_NOTIFICATIONS_TOPIC" env-default:"settlement-notifications"`

	// Engine settings
	// Default sub-batch cap when a rule sets no max_settlements_per_execution
	EngineMaxBatchSize int `env:"ENGINE_MAX_BATCH_SIZE" env-default:"50"`
	// Concurrent group workers per grouped run
	EngineGroupWorkers int `env:"ENGINE_GROUP_WORKERS" env-default:"4"`
	// Window within which a redelivered trigger is deduplicated
	EngineDedupeWindow time.Duration `env:"ENGINE_DEDUPE_WINDOW" env-default:"24h"`

	// Scheduler settings
	// Scheduler poll interval
	SchedulerPollInterval time.Duration `env:"SCHEDULER_POLL_INTERVAL" env-default:"30s"`
	// Scheduler cycle lock TTL
	SchedulerLockTTL time.Duration `env:"SCHEDULER_LOCK_TTL" env-default:"60s"`
	// Enable/disable the scheduler
	SchedulerEnabled bool `env:"SCHEDULER_ENABLED" env-default:"true"`

	// Redis Streams settings
	// Run queue stream name
	RedisStreamsRunQueue string `env:"REDIS_STREAMS_RUN_QUEUE" env-default:"settler:runs"`
	// Consumer group name
	RedisStreamsConsumerGroup string `env:"REDIS_STREAMS_CONSUMER_GROUP" env-default:"settler-workers"`
	// Consumer name (defaults to hostname if empty)
	RedisStreamsConsumerName string `env:"REDIS_STREAMS_CONSUMER_NAME" env-default:""`
	// Queue worker count
	QueueWorkerCount int `env:"QUEUE_WORKER_COUNT" env-default:"4"`

	// Tracing settings
	// Enable OTLP tracing export (set to true to send traces to collector)
	OTLPEnabled bool `env:"OTLP_ENABLED" env-default:"false"`
	// OTLP collector endpoint
	OTLPEndpoint string `env:"OTLP_ENDPOINT" env-default:"localhost:4317"`
	// OTLP protocol (grpc or http)
	OTLPProtocol string `env:"OTLP_PROTOCOL" env-default:"grpc"`
	// Disable TLS for OTLP (for local development)
	OTLPInsecure bool `env:"OTLP_INSECURE" env-default:"true"`

	// Trade capture facts API base URL
	FactsBaseURL string `env:"FACTS_BASE_URL" env-default:"http://localhost:8080"`
	// Facts API request timeout
	FactsTimeout time.Duration `env:"FACTS_TIMEOUT" env-default:"10s"`
}
