package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Environment   Environment         `mapstructure:"environment"`
	Version       string              `mapstructure:"version"`
	Debug         bool                `mapstructure:"debug"`
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Blobstore     BlobstoreConfig     `mapstructure:"blobstore"`
	Gateway       GatewayConfig       `mapstructure:"gateway"`
	Manager       ManagerConfig       `mapstructure:"manager"`
	Security      SecurityConfig      `mapstructure:"security"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Integration   IntegrationConfig   `mapstructure:"integration"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	MetricsPort  int           `mapstructure:"metrics_port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	MaxUpload    int64         `mapstructure:"max_upload_bytes"`
}

// DatabaseConfig selects the metadata index. Driver "memory" keeps
// everything in process; "postgres" and "sqlite" use DSN.
type DatabaseConfig struct {
	Driver         string        `mapstructure:"driver"`
	DSN            string        `mapstructure:"dsn"`
	CreateSchema   bool          `mapstructure:"create_schema"`
	MaxOpenConns   int           `mapstructure:"max_open_conns"`
	MaxIdleConns   int           `mapstructure:"max_idle_conns"`
	MaxLifetime    time.Duration `mapstructure:"max_lifetime"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type BlobstoreConfig struct {
	Backend    string        `mapstructure:"backend"`
	Root       string        `mapstructure:"root"`
	GCInterval time.Duration `mapstructure:"gc_interval"`

	// GracePeriod protects fresh references from reconciliation.
	GracePeriod time.Duration `mapstructure:"grace_period"`
}

type GatewayConfig struct {
	BufferSize   int           `mapstructure:"buffer_size"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
}

type ManagerConfig struct {
	ReleaseRetries uint64        `mapstructure:"release_retries"`
	RetryInterval  time.Duration `mapstructure:"retry_interval"`
}

type SecurityConfig struct {
	CORS      CORSConfig      `mapstructure:"cors"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// RateLimitConfig limits each client address to Requests per Window on
// the API. Zero Requests turns limiting off.
type RateLimitConfig struct {
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
	Burst    int           `mapstructure:"burst"`
}

func (c RateLimitConfig) Enabled() bool {
	return c.Requests > 0 && c.Window > 0
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
	AllowedHeaders []string `mapstructure:"allowed_headers"`
}

type NotificationsConfig struct {
	SlackWebhookURL string `mapstructure:"slack_webhook_url"`
	BufferSize      int    `mapstructure:"buffer_size"`
}

// IntegrationConfig describes the containers started by integration tests.
type IntegrationConfig struct {
	PostgresImage string `mapstructure:"postgres_container_image"`
	PostgresPort  string `mapstructure:"postgres_container_port"`
	PostgresDSN   string `mapstructure:"postgres_dsn"`
}

// SetUpConfig reads config/<configFileName>.toml. A missing file is not an
// error: defaults and NOVATRA_* environment variables still apply.
func SetUpConfig(configFileName string) *viper.Viper {
	conf := viper.New()
	setDefaults(conf)
	conf.SetConfigName(configFileName)
	conf.SetConfigType("toml")
	conf.AddConfigPath("./config")
	conf.AddConfigPath("../config")
	conf.AddConfigPath("/etc/novatra")
	conf.SetEnvPrefix("NOVATRA")
	conf.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	conf.AutomaticEnv()
	err := conf.ReadInConfig()
	if err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			panic(fmt.Errorf("reading config file failed: %v", err))
		}
	}

	return conf
}

// InitConfig decodes conf into a typed Config.
func InitConfig(conf *viper.Viper) (*Config, error) {
	var c Config
	if err := conf.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	return &c, nil
}

// New loads the configuration for the environment named by ENV.
func New() (*Config, error) {
	env := GetEnv()
	conf := SetUpConfig(string(env))
	conf.SetDefault("environment", string(env))
	return InitConfig(conf)
}

func setDefaults(conf *viper.Viper) {
	conf.SetDefault("version", "1.0.0")
	conf.SetDefault("debug", false)

	conf.SetDefault("server.host", "0.0.0.0")
	conf.SetDefault("server.port", 8080)
	conf.SetDefault("server.metrics_port", 9090)
	conf.SetDefault("server.read_timeout", "30s")
	// event streams hold responses open, so writes are bounded per message
	conf.SetDefault("server.write_timeout", "0s")
	conf.SetDefault("server.idle_timeout", "60s")
	conf.SetDefault("server.max_upload_bytes", 512<<20)

	conf.SetDefault("database.driver", "memory")
	conf.SetDefault("database.create_schema", true)
	conf.SetDefault("database.max_open_conns", 25)
	conf.SetDefault("database.max_idle_conns", 5)
	conf.SetDefault("database.max_lifetime", "5m")
	conf.SetDefault("database.connect_timeout", "30s")

	conf.SetDefault("blobstore.backend", "memory")
	conf.SetDefault("blobstore.root", "./data/blobs")
	conf.SetDefault("blobstore.gc_interval", "1m")
	conf.SetDefault("blobstore.grace_period", "10m")

	conf.SetDefault("gateway.buffer_size", 256)
	conf.SetDefault("gateway.write_timeout", "10s")
	conf.SetDefault("gateway.ping_interval", "30s")

	conf.SetDefault("notifications.buffer_size", 128)

	conf.SetDefault("integration.postgres_container_image", "postgres:15-alpine")
	conf.SetDefault("integration.postgres_container_port", "5432")

	conf.SetDefault("manager.release_retries", 5)
	conf.SetDefault("manager.retry_interval", "100ms")

	conf.SetDefault("security.rate_limit.requests", 100)
	conf.SetDefault("security.rate_limit.window", "60s")
	conf.SetDefault("security.rate_limit.burst", 0)
	conf.SetDefault("security.cors.allowed_origins", []string{"*"})
	conf.SetDefault("security.cors.allowed_methods", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"})
	conf.SetDefault("security.cors.allowed_headers", []string{"Origin", "Content-Type", "Authorization", "X-Novatra-Actor"})
}

func (c *Config) IsProduction() bool {
	return c.Environment == Production
}

func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (c *Config) MetricsAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.MetricsPort)
}
