package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Config top-level struct
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Paystack  PaystackConfig  `yaml:"paystack"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	APIKeys   APIKeyConfig    `yaml:"apikeys"`
	Google    GoogleConfig    `yaml:"google"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

type PaystackConfig struct {
	BaseURL           string `yaml:"base_url"`
	SecretKey         string `yaml:"secret_key"`
	WebhookSecret     string `yaml:"webhook_secret"`
	InitTimeoutSecs   int    `yaml:"init_timeout_seconds"`
	VerifyTimeoutSecs int    `yaml:"verify_timeout_seconds"`
}

type ReconcileConfig struct {
	Enabled          bool `yaml:"enabled"`
	TickSeconds      int  `yaml:"tick_seconds"`
	ShortInterval    int  `yaml:"short_interval_seconds"`
	LongInterval     int  `yaml:"long_interval_seconds"`
	AttemptThreshold int  `yaml:"attempt_threshold"`
}

type APIKeyConfig struct {
	MaxActive int `yaml:"max_active"`
}

type GoogleConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURI  string `yaml:"redirect_uri"`
	Issuer       string `yaml:"issuer"`
}

// Load reads yaml file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	// secrets come from env when present
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" {
		cfg.Postgres.DSN = cfg.Postgres.DSN + " password=" + pw
	}
	if sk := os.Getenv("PAYSTACK_SECRET_KEY"); sk != "" {
		cfg.Paystack.SecretKey = sk
	}
	if ws := os.Getenv("PAYSTACK_WEBHOOK_SECRET"); ws != "" {
		cfg.Paystack.WebhookSecret = ws
	}
	if cs := os.Getenv("GOOGLE_CLIENT_SECRET"); cs != "" {
		cfg.Google.ClientSecret = cs
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Paystack.BaseURL == "" {
		c.Paystack.BaseURL = "https://api.paystack.co"
	}
	if c.Paystack.InitTimeoutSecs == 0 {
		c.Paystack.InitTimeoutSecs = 15
	}
	if c.Paystack.VerifyTimeoutSecs == 0 {
		c.Paystack.VerifyTimeoutSecs = 10
	}
	if c.Reconcile.TickSeconds == 0 {
		c.Reconcile.TickSeconds = 15
	}
	if c.Reconcile.ShortInterval == 0 {
		c.Reconcile.ShortInterval = 60
	}
	if c.Reconcile.LongInterval == 0 {
		c.Reconcile.LongInterval = 120
	}
	if c.Reconcile.AttemptThreshold == 0 {
		c.Reconcile.AttemptThreshold = 5
	}
	if c.APIKeys.MaxActive == 0 {
		c.APIKeys.MaxActive = 5
	}
	if c.Google.Issuer == "" {
		c.Google.Issuer = "accounts.google.com"
	}
}
