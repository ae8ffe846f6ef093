package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	DatabasePath string `mapstructure:"DB_PATH"`
	ListenAddr   string `mapstructure:"LISTEN_ADDR"`
	LogLevel     string `mapstructure:"LOG_LEVEL"`
	LogFormat    string `mapstructure:"LOG_FORMAT"`

	RedisAddr      string `mapstructure:"REDIS_ADDR"`
	RedisPassword  string `mapstructure:"REDIS_PASSWORD"`
	RedisDB        int    `mapstructure:"REDIS_DB"`
	JobQueuePrefix string `mapstructure:"JOB_QUEUE_PREFIX"`

	// Billing sync is disabled while BillingAPIHost is empty.
	BillingAPIHost      string        `mapstructure:"BILLING_API_HOST"`
	BillingAPIKey       string        `mapstructure:"BILLING_API_KEY"`
	BillingNodeID       string        `mapstructure:"BILLING_NODE_ID"`
	BillingNodeType     string        `mapstructure:"BILLING_NODE_TYPE"`
	BillingTimeout      time.Duration `mapstructure:"BILLING_TIMEOUT"`
	BillingMaxRetries   int           `mapstructure:"BILLING_MAX_RETRIES"`
	BillingRetryBackoff time.Duration `mapstructure:"BILLING_RETRY_BACKOFF"`

	IptablesTable     string   `mapstructure:"IPTABLES_TABLE"`
	IptablesChains    []string `mapstructure:"IPTABLES_CHAINS"`
	TrafficAccumulate bool     `mapstructure:"TRAFFIC_ACCUMULATE"`
}

func (c *Config) BillingEnabled() bool {
	return c.BillingAPIHost != ""
}

func LoadConfig() (*Config, error) {
	return Load(".env")
}

// Load reads PORTMETER_* environment variables, falling back to envFile.
func Load(envFile string) (*Config, error) {
	v := viper.New()
	v.SetDefault("DB_PATH", "portmeter.db")
	v.SetDefault("LISTEN_ADDR", ":8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "text")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("JOB_QUEUE_PREFIX", "portmeter:jobs")
	v.SetDefault("BILLING_API_HOST", "")
	v.SetDefault("BILLING_API_KEY", "")
	v.SetDefault("BILLING_NODE_ID", "1")
	v.SetDefault("BILLING_NODE_TYPE", "v2ray")
	v.SetDefault("BILLING_TIMEOUT", 10*time.Second)
	v.SetDefault("BILLING_MAX_RETRIES", 2)
	v.SetDefault("BILLING_RETRY_BACKOFF", 500*time.Millisecond)
	v.SetDefault("IPTABLES_TABLE", "filter")
	v.SetDefault("IPTABLES_CHAINS", []string{"PORTMETER-IN", "PORTMETER-OUT"})
	v.SetDefault("TRAFFIC_ACCUMULATE", false)

	v.SetEnvPrefix("PORTMETER")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if envFile != "" {
		v.SetConfigFile(envFile)
		v.SetConfigType("env")
		// A missing .env is fine.
		_ = v.ReadInConfig()
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}
	config.BillingAPIHost = strings.TrimRight(strings.TrimSpace(config.BillingAPIHost), "/")

	return &config, nil
}
