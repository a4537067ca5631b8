// Package config resolves runtime settings for every binary: defaults, then an
// optional YAML file, then RETAIL_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Services that cmd/api can run.
const (
	ServiceAuth    = "auth"
	ServiceOutlet  = "outlet"
	ServiceProduct = "product"
	ServicePOS     = "pos"
	ServiceExpense = "expense"
	// ServiceAll runs every service in one process, typically over the
	// memory bus.
	ServiceAll     = "all"
)

// Bus kinds.
const (
	BusMemory   = "memory"
	BusKafka    = "kafka"
	BusRabbitMQ = "rabbitmq"
)

// Config is the resolved runtime configuration.
type Config struct {
	Service  string
	HTTPAddr string
	GRPCAddr string
	LogLevel string

	DatabaseURL string
	RedisURL    string
	POSGRPCAddr string

	Bus            string
	KafkaBrokers   []string
	RabbitURL      string
	RabbitExchange string

	Issuer         string
	HMACSecret     string
	RSAPrivateKey  string
	RSAPublicKey   string
	KeyID          string
	AccessTTL      time.Duration
	RefreshTTL     time.Duration
	ClockLeeway    time.Duration
	DedupRetention time.Duration

	OutboxInterval    time.Duration
	OutboxBatchSize   int
	OutboxClaimTTL    time.Duration
	OutboxMaxAttempts int

	Upstreams      map[string]string
	RateRPS        float64
	RateBurst      int
	TrustedProxies []string

	BootstrapTenant   string
	BootstrapAdmin    string
	BootstrapEmail    string
	BootstrapPassword string
}

type fileConfig struct {
	Service struct {
		Name     string `yaml:"name"`
		HTTPAddr string `yaml:"http_addr"`
		GRPCAddr string `yaml:"grpc_addr"`
		LogLevel string `yaml:"log_level"`
	} `yaml:"service"`
	Dependencies struct {
		PostgresURL string `yaml:"postgres_url"`
		RedisURL    string `yaml:"redis_url"`
		POSGRPCAddr string `yaml:"pos_grpc_addr"`
	} `yaml:"dependencies"`
	Bus struct {
		Kind     string   `yaml:"kind"`
		Brokers  []string `yaml:"kafka_brokers"`
		URL      string   `yaml:"rabbitmq_url"`
		Exchange string   `yaml:"rabbitmq_exchange"`
	} `yaml:"bus"`
	Auth struct {
		Issuer     string `yaml:"issuer"`
		KeyID      string `yaml:"key_id"`
		AccessTTL  string `yaml:"access_ttl"`
		RefreshTTL string `yaml:"refresh_ttl"`
	} `yaml:"auth"`
	Outbox struct {
		Interval    string `yaml:"interval"`
		BatchSize   int    `yaml:"batch_size"`
		ClaimTTL    string `yaml:"claim_ttl"`
		MaxAttempts int    `yaml:"max_attempts"`
	} `yaml:"outbox"`
	Gateway struct {
		Upstreams      map[string]string `yaml:"upstreams"`
		RateRPS        float64           `yaml:"rate_rps"`
		RateBurst      int               `yaml:"rate_burst"`
		TrustedProxies []string          `yaml:"trusted_proxies"`
	} `yaml:"gateway"`
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		Service:           ServiceAuth,
		HTTPAddr:          ":8080",
		GRPCAddr:          ":9090",
		LogLevel:          "info",
		Bus:               BusMemory,
		RabbitExchange:    "retail.events",
		Issuer:            "retailops",
		AccessTTL:         15 * time.Minute,
		RefreshTTL:        7 * 24 * time.Hour,
		ClockLeeway:       5 * time.Second,
		DedupRetention:    7 * 24 * time.Hour,
		OutboxInterval:    time.Second,
		OutboxBatchSize:   100,
		OutboxClaimTTL:    30 * time.Second,
		OutboxMaxAttempts: 8,
		Upstreams:         map[string]string{},
		RateRPS:           50,
		RateBurst:         100,
	}
}

// Load resolves configuration in priority order: defaults, file, env. A
// missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := applyFile(&cfg, raw); err != nil {
				return Config{}, err
			}
		case !errors.Is(err, os.ErrNotExist):
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func applyFile(cfg *Config, raw []byte) error {
	var f fileConfig
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	setString(&cfg.Service, f.Service.Name)
	setString(&cfg.HTTPAddr, f.Service.HTTPAddr)
	setString(&cfg.GRPCAddr, f.Service.GRPCAddr)
	setString(&cfg.LogLevel, f.Service.LogLevel)
	setString(&cfg.DatabaseURL, f.Dependencies.PostgresURL)
	setString(&cfg.RedisURL, f.Dependencies.RedisURL)
	setString(&cfg.POSGRPCAddr, f.Dependencies.POSGRPCAddr)
	setString(&cfg.Bus, f.Bus.Kind)
	if len(f.Bus.Brokers) > 0 {
		cfg.KafkaBrokers = f.Bus.Brokers
	}
	setString(&cfg.RabbitURL, f.Bus.URL)
	setString(&cfg.RabbitExchange, f.Bus.Exchange)
	setString(&cfg.Issuer, f.Auth.Issuer)
	setString(&cfg.KeyID, f.Auth.KeyID)
	for _, d := range []struct {
		dst *time.Duration
		raw string
		key string
	}{
		{&cfg.AccessTTL, f.Auth.AccessTTL, "auth.access_ttl"},
		{&cfg.RefreshTTL, f.Auth.RefreshTTL, "auth.refresh_ttl"},
		{&cfg.OutboxInterval, f.Outbox.Interval, "outbox.interval"},
		{&cfg.OutboxClaimTTL, f.Outbox.ClaimTTL, "outbox.claim_ttl"},
	} {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}
	if f.Outbox.BatchSize > 0 {
		cfg.OutboxBatchSize = f.Outbox.BatchSize
	}
	if f.Outbox.MaxAttempts > 0 {
		cfg.OutboxMaxAttempts = f.Outbox.MaxAttempts
	}
	for prefix, target := range f.Gateway.Upstreams {
		cfg.Upstreams[prefix] = target
	}
	if f.Gateway.RateRPS > 0 {
		cfg.RateRPS = f.Gateway.RateRPS
	}
	if f.Gateway.RateBurst > 0 {
		cfg.RateBurst = f.Gateway.RateBurst
	}
	if len(f.Gateway.TrustedProxies) > 0 {
		cfg.TrustedProxies = f.Gateway.TrustedProxies
	}
	return nil
}

func applyEnv(cfg *Config) error {
	cfg.Service = envOrDefault("SERVICE", cfg.Service)
	cfg.HTTPAddr = envOrDefault("HTTP_ADDR", cfg.HTTPAddr)
	cfg.GRPCAddr = envOrDefault("GRPC_ADDR", cfg.GRPCAddr)
	cfg.LogLevel = envOrDefault("LOG_LEVEL", cfg.LogLevel)
	cfg.DatabaseURL = envOrDefault("PG_DSN", cfg.DatabaseURL)
	cfg.RedisURL = envOrDefault("REDIS_URL", cfg.RedisURL)
	cfg.POSGRPCAddr = envOrDefault("POS_GRPC_ADDR", cfg.POSGRPCAddr)
	cfg.Bus = strings.ToLower(envOrDefault("BUS", cfg.Bus))
	cfg.KafkaBrokers = envCSV("KAFKA_BROKERS", cfg.KafkaBrokers)
	cfg.RabbitURL = envOrDefault("RABBITMQ_URL", cfg.RabbitURL)
	cfg.RabbitExchange = envOrDefault("RABBITMQ_EXCHANGE", cfg.RabbitExchange)
	cfg.Issuer = envOrDefault("JWT_ISSUER", cfg.Issuer)
	cfg.HMACSecret = envOrDefault("JWT_SECRET", cfg.HMACSecret)
	cfg.KeyID = envOrDefault("JWT_KEY_ID", cfg.KeyID)
	cfg.BootstrapTenant = envOrDefault("BOOTSTRAP_TENANT", cfg.BootstrapTenant)
	cfg.BootstrapAdmin = envOrDefault("BOOTSTRAP_ADMIN", cfg.BootstrapAdmin)
	cfg.BootstrapEmail = envOrDefault("BOOTSTRAP_EMAIL", cfg.BootstrapEmail)
	cfg.BootstrapPassword = envOrDefault("BOOTSTRAP_PASSWORD", cfg.BootstrapPassword)
	cfg.OutboxBatchSize = envInt("OUTBOX_BATCH_SIZE", cfg.OutboxBatchSize)
	cfg.OutboxMaxAttempts = envInt("OUTBOX_MAX_ATTEMPTS", cfg.OutboxMaxAttempts)
	cfg.RateBurst = envInt("RATE_BURST", cfg.RateBurst)
	cfg.TrustedProxies = envCSV("TRUSTED_PROXIES", cfg.TrustedProxies)
	if v := env("RATE_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.RateRPS = f
		}
	}

	for key, dst := range map[string]*string{
		"JWT_PRIVATE_KEY_FILE": &cfg.RSAPrivateKey,
		"JWT_PUBLIC_KEY_FILE":  &cfg.RSAPublicKey,
	} {
		path := env(key)
		if path == "" {
			continue
		}
		pem, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", envPrefix+key, err)
		}
		*dst = string(pem)
	}

	for key, dst := range map[string]*time.Duration{
		"ACCESS_TTL":       &cfg.AccessTTL,
		"REFRESH_TTL":      &cfg.RefreshTTL,
		"OUTBOX_INTERVAL":  &cfg.OutboxInterval,
		"OUTBOX_CLAIM_TTL": &cfg.OutboxClaimTTL,
		"DEDUP_RETENTION":  &cfg.DedupRetention,
	} {
		v, err := envDuration(key, *dst)
		if err != nil {
			return err
		}
		*dst = v
	}

	// RETAIL_UPSTREAMS=/v1/auth=http://auth:8080,/v1/outlets=http://outlet:8080
	for _, pair := range envCSV("UPSTREAMS", nil) {
		prefix, target, ok := strings.Cut(pair, "=")
		if !ok {
			return fmt.Errorf("%sUPSTREAMS: %q is not prefix=url", envPrefix, pair)
		}
		cfg.Upstreams[strings.TrimSpace(prefix)] = strings.TrimSpace(target)
	}
	return nil
}

// Validate rejects combinations the binaries cannot start with.
func (c Config) Validate() error {
	switch c.Service {
	case ServiceAuth, ServiceOutlet, ServiceProduct, ServicePOS, ServiceExpense, ServiceAll:
	default:
		return fmt.Errorf("config: unknown service %q", c.Service)
	}
	switch c.Bus {
	case BusMemory:
	case BusKafka:
		if len(c.KafkaBrokers) == 0 {
			return errors.New("config: kafka bus requires RETAIL_KAFKA_BROKERS")
		}
	case BusRabbitMQ:
		if c.RabbitURL == "" {
			return errors.New("config: rabbitmq bus requires RETAIL_RABBITMQ_URL")
		}
	default:
		return fmt.Errorf("config: unknown bus %q", c.Bus)
	}
	if c.AccessTTL <= 0 || c.RefreshTTL <= 0 {
		return errors.New("config: token ttls must be positive")
	}
	if c.OutboxBatchSize <= 0 || c.OutboxMaxAttempts <= 0 {
		return errors.New("config: outbox batch size and attempts must be positive")
	}
	return nil
}

// HasSigningKey reports whether a token signing key is configured.
func (c Config) HasSigningKey() bool {
	return c.HMACSecret != "" || c.RSAPrivateKey != ""
}

const envPrefix = "RETAIL_"

func env(key string) string {
	return strings.TrimSpace(os.Getenv(envPrefix + key))
}

func envOrDefault(key, fallback string) string {
	if v := env(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := env(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := env(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s%s: %w", envPrefix, key, err)
	}
	return d, nil
}

func envCSV(key string, fallback []string) []string {
	v := env(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}
