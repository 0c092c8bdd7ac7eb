package config

import "fmt"

type Config struct {
	App               AppConfig               `mapstructure:"app"`
	Camunda           CamundaConfig           `mapstructure:"camunda"`
	Database          DatabaseConfig          `mapstructure:"database"`
	Queue             QueueConfig             `mapstructure:"queue"`
	WhatsApp          WhatsAppConfig          `mapstructure:"whatsapp"`
	Recurrence        RecurrenceConfig        `mapstructure:"recurrence"`
	ConversationIndex ConversationIndexConfig `mapstructure:"conversation_index"`
	Server            ServerConfig            `mapstructure:"server"`
	Workers           map[string]WorkerConfig `mapstructure:"workers"`
	Logging           LoggingConfig           `mapstructure:"logging"`
	Tracing           TracingConfig           `mapstructure:"tracing"`
}

type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

// CamundaConfig enables the optional Zeebe trigger for dispatch jobs.
type CamundaConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	BrokerAddress  string `mapstructure:"broker_address"`
	MaxJobsActive  int    `mapstructure:"max_jobs_active"`
	Timeout        int    `mapstructure:"timeout"`         // milliseconds
	RequestTimeout int    `mapstructure:"request_timeout"` // milliseconds
}

type DatabaseConfig struct {
	Postgres      PostgresConfig      `mapstructure:"postgres"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	Redis         RedisConfig         `mapstructure:"redis"`
}

type PostgresConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MaxIdle        int    `mapstructure:"max_idle"`
	SSLMode        string `mapstructure:"sslmode"`
}

func (p PostgresConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

type ElasticsearchConfig struct {
	Addresses []string `mapstructure:"addresses"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type QueueConfig struct {
	Name            string `mapstructure:"name"`
	Workers         int    `mapstructure:"workers"`
	PollTimeout     int    `mapstructure:"poll_timeout"`     // milliseconds
	PromoteInterval int    `mapstructure:"promote_interval"` // milliseconds
}

type WhatsAppConfig struct {
	APIBaseURL     string `mapstructure:"api_base_url"`
	APIVersion     string `mapstructure:"api_version"`
	RequestTimeout int    `mapstructure:"request_timeout"` // milliseconds
	RateInterval   int    `mapstructure:"rate_interval"`   // milliseconds between sends
	DefaultCountry string `mapstructure:"default_country"`
}

type RecurrenceConfig struct {
	Timezone string `mapstructure:"timezone"`
}

type ConversationIndexConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Index   string `mapstructure:"index"`
}

type ServerConfig struct {
	Address        string   `mapstructure:"address"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type WorkerConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxJobsActive int  `mapstructure:"max_jobs_active"`
	Timeout       int  `mapstructure:"timeout"`        // milliseconds, Zeebe job lease
	CommitTimeout int  `mapstructure:"commit_timeout"` // milliseconds
	MaxRetries    int  `mapstructure:"max_retries"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

type TracingConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	JaegerEndpoint string  `mapstructure:"jaeger_endpoint"`
	SampleRatio    float64 `mapstructure:"sample_ratio"`
}
