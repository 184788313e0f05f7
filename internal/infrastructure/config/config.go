package config

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. INV_REDIS_HOST.
const EnvPrefix = "INV"

// Config holds all service configuration
type Config struct {
	App        AppConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Cache      CacheConfig
	Breaker    BreakerConfig
	Supervisor SupervisorConfig
	Peer       PeerConfig
	Peers      map[string]string // entity type -> peer base URL
	Log        LogConfig
	HTTP       HTTPConfig
	Telemetry  TelemetryConfig
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

// AppConfig identifies the service and the entity type it owns.
type AppConfig struct {
	Name       string
	Env        string
	Port       string
	EntityType string
	// Channel is where this service publishes its change events.
	Channel string
	// Subscriptions lists the entity types whose change events are consumed.
	Subscriptions []string
	// ValidateReferences rejects writes whose {peer}_id fields do not resolve.
	ValidateReferences bool
}

// DatabaseConfig holds the authoritative store settings
type DatabaseConfig struct {
	Driver          string // postgres, sqlite
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	Path            string // sqlite file, ":memory:" allowed
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime int // minutes
	ConnMaxIdleTime int // minutes
	LogLevel        string
	SlowThreshold   time.Duration
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host         string
	Port         int
	Password     string
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// CacheConfig holds cache TTLs and the optional in-process tier
type CacheConfig struct {
	EntityTTL     time.Duration
	ListTTL       time.Duration
	LocalSize     int
	LocalTTL      time.Duration
	WarmOnStartup bool
	// PeerRefreshInterval re-warms peer entities periodically; zero disables it.
	PeerRefreshInterval time.Duration
}

// BreakerConfig is shared by every peer breaker
type BreakerConfig struct {
	FailureThreshold int
	Timeout          time.Duration
}

// SupervisorConfig is the restart policy of background workers
type SupervisorConfig struct {
	MaxRetries        int
	RetryDelay        time.Duration
	CheckInterval     time.Duration
	LivenessTimeout   time.Duration
	HeartbeatInterval time.Duration
	StopGrace         time.Duration
}

// PeerConfig holds outbound HTTP settings
type PeerConfig struct {
	Timeout time.Duration
}

// HTTPConfig holds HTTP server settings
type HTTPConfig struct {
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	MaxHeaderBytes  int
	ShutdownTimeout time.Duration
}

// TelemetryConfig holds OpenTelemetry settings
type TelemetryConfig struct {
	Enabled           bool
	MetricsEnabled    bool
	CollectorEndpoint string
	SamplingRatio     float64
	ServiceName       string
	Insecure          bool
	MetricsInterval   time.Duration
}

// Load reads config.toml (optional), applies INV_* environment overrides,
// fills defaults and validates the result.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		App: AppConfig{
			Name:          v.GetString("app.name"),
			Env:           v.GetString("app.env"),
			Port:          v.GetString("app.port"),
			EntityType:    v.GetString("app.entity_type"),
			Channel:       v.GetString("app.channel"),
			Subscriptions: splitList(v.Get("app.subscriptions")),

			ValidateReferences: v.GetBool("app.validate_references"),
		},
		Database: DatabaseConfig{
			Driver:          v.GetString("database.driver"),
			Host:            v.GetString("database.host"),
			Port:            v.GetInt("database.port"),
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			DBName:          v.GetString("database.dbname"),
			SSLMode:         v.GetString("database.sslmode"),
			Path:            v.GetString("database.path"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetInt("database.conn_max_lifetime"),
			ConnMaxIdleTime: v.GetInt("database.conn_max_idle_time"),
			LogLevel:        v.GetString("database.log_level"),
			SlowThreshold:   v.GetDuration("database.slow_threshold"),
		},
		Redis: RedisConfig{
			Host:         v.GetString("redis.host"),
			Port:         v.GetInt("redis.port"),
			Password:     v.GetString("redis.password"),
			DB:           v.GetInt("redis.db"),
			PoolSize:     v.GetInt("redis.pool_size"),
			DialTimeout:  v.GetDuration("redis.dial_timeout"),
			ReadTimeout:  v.GetDuration("redis.read_timeout"),
			WriteTimeout: v.GetDuration("redis.write_timeout"),
		},
		Cache: CacheConfig{
			EntityTTL:     v.GetDuration("cache.entity_ttl"),
			ListTTL:       v.GetDuration("cache.list_ttl"),
			LocalSize:     v.GetInt("cache.local_size"),
			LocalTTL:      v.GetDuration("cache.local_ttl"),
			WarmOnStartup: !v.IsSet("cache.warm_on_startup") || v.GetBool("cache.warm_on_startup"),

			PeerRefreshInterval: v.GetDuration("cache.peer_refresh_interval"),
		},
		Breaker: BreakerConfig{
			FailureThreshold: v.GetInt("breaker.failure_threshold"),
			Timeout:          v.GetDuration("breaker.timeout"),
		},
		Supervisor: SupervisorConfig{
			MaxRetries:        v.GetInt("supervisor.max_retries"),
			RetryDelay:        v.GetDuration("supervisor.retry_delay"),
			CheckInterval:     v.GetDuration("supervisor.check_interval"),
			LivenessTimeout:   v.GetDuration("supervisor.liveness_timeout"),
			HeartbeatInterval: v.GetDuration("supervisor.heartbeat_interval"),
			StopGrace:         v.GetDuration("supervisor.stop_grace"),
		},
		Peer: PeerConfig{
			Timeout: v.GetDuration("peer.timeout"),
		},
		Peers: loadPeers(v),
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		HTTP: HTTPConfig{
			ReadTimeout:     v.GetDuration("http.read_timeout"),
			WriteTimeout:    v.GetDuration("http.write_timeout"),
			IdleTimeout:     v.GetDuration("http.idle_timeout"),
			MaxHeaderBytes:  v.GetInt("http.max_header_bytes"),
			ShutdownTimeout: v.GetDuration("http.shutdown_timeout"),
		},
		Telemetry: TelemetryConfig{
			Enabled:           v.GetBool("telemetry.enabled"),
			MetricsEnabled:    v.GetBool("telemetry.metrics_enabled"),
			CollectorEndpoint: v.GetString("telemetry.collector_endpoint"),
			SamplingRatio:     v.GetFloat64("telemetry.sampling_ratio"),
			ServiceName:       v.GetString("telemetry.service_name"),
			Insecure:          v.GetBool("telemetry.insecure"),
			MetricsInterval:   v.GetDuration("telemetry.metrics_interval"),
		},
	}

	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadPeers reads the [peers] table from the config file. INV_PEERS, a
// comma separated list of type=url pairs, replaces it when set.
func loadPeers(v *viper.Viper) map[string]string {
	peers := make(map[string]string)
	for k, u := range v.GetStringMapString("peers") {
		peers[strings.ToLower(k)] = u
	}

	raw := v.GetString("peers")
	if raw == "" || !strings.Contains(raw, "=") {
		return peers
	}
	peers = make(map[string]string)
	for _, pair := range splitList(raw) {
		name, u, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		peers[strings.TrimSpace(name)] = strings.TrimSpace(u)
	}
	return peers
}

// splitList accepts a TOML array or a comma/space separated env string.
func splitList(value any) []string {
	var items []string
	switch val := value.(type) {
	case nil:
		return nil
	case string:
		items = strings.FieldsFunc(val, func(r rune) bool { return r == ',' || r == ' ' })
	case []string:
		items = val
	case []any:
		for _, item := range val {
			items = append(items, fmt.Sprint(item))
		}
	default:
		items = []string{fmt.Sprint(val)}
	}

	out := make([]string, 0, len(items))
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "inventory-service"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.App.Port == "" {
		cfg.App.Port = "8080"
	}
	if cfg.App.EntityType == "" {
		cfg.App.EntityType = "product"
	}
	if cfg.App.Channel == "" {
		cfg.App.Channel = cfg.App.EntityType + "_events"
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.User == "" {
		cfg.Database.User = "postgres"
	}
	if cfg.Database.DBName == "" {
		cfg.Database.DBName = "inventory"
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = cfg.App.EntityType + ".db"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 60
	}
	if cfg.Database.ConnMaxIdleTime == 0 {
		cfg.Database.ConnMaxIdleTime = 30
	}
	if cfg.Database.LogLevel == "" {
		cfg.Database.LogLevel = "warn"
	}
	if cfg.Database.SlowThreshold == 0 {
		cfg.Database.SlowThreshold = 200 * time.Millisecond
	}

	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = 20
	}
	if cfg.Redis.DialTimeout == 0 {
		cfg.Redis.DialTimeout = 5 * time.Second
	}
	if cfg.Redis.ReadTimeout == 0 {
		cfg.Redis.ReadTimeout = 3 * time.Second
	}
	if cfg.Redis.WriteTimeout == 0 {
		cfg.Redis.WriteTimeout = 3 * time.Second
	}

	if cfg.Cache.EntityTTL == 0 {
		cfg.Cache.EntityTTL = 24 * time.Hour
	}
	if cfg.Cache.ListTTL == 0 {
		cfg.Cache.ListTTL = time.Hour
	}
	if cfg.Cache.LocalSize > 0 && cfg.Cache.LocalTTL == 0 {
		cfg.Cache.LocalTTL = 30 * time.Second
	}

	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker.FailureThreshold = 5
	}
	if cfg.Breaker.Timeout == 0 {
		cfg.Breaker.Timeout = 30 * time.Second
	}

	if cfg.Supervisor.MaxRetries == 0 {
		cfg.Supervisor.MaxRetries = 3
	}
	if cfg.Supervisor.RetryDelay == 0 {
		cfg.Supervisor.RetryDelay = 5 * time.Second
	}
	if cfg.Supervisor.CheckInterval == 0 {
		cfg.Supervisor.CheckInterval = 5 * time.Second
	}
	if cfg.Supervisor.HeartbeatInterval == 0 {
		cfg.Supervisor.HeartbeatInterval = 5 * time.Second
	}
	if cfg.Supervisor.StopGrace == 0 {
		cfg.Supervisor.StopGrace = 10 * time.Second
	}

	if cfg.Peer.Timeout == 0 {
		cfg.Peer.Timeout = 5 * time.Second
	}
	if cfg.Peers == nil {
		cfg.Peers = make(map[string]string)
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}

	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 15 * time.Second
	}
	if cfg.HTTP.WriteTimeout == 0 {
		cfg.HTTP.WriteTimeout = 15 * time.Second
	}
	if cfg.HTTP.IdleTimeout == 0 {
		cfg.HTTP.IdleTimeout = 60 * time.Second
	}
	if cfg.HTTP.MaxHeaderBytes == 0 {
		cfg.HTTP.MaxHeaderBytes = 1 << 20
	}
	if cfg.HTTP.ShutdownTimeout == 0 {
		cfg.HTTP.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Telemetry.CollectorEndpoint == "" {
		cfg.Telemetry.CollectorEndpoint = "localhost:4317"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = cfg.App.Name
	}
	if cfg.Telemetry.SamplingRatio == 0 && cfg.Telemetry.Enabled {
		cfg.Telemetry.SamplingRatio = 1.0
	}
	if cfg.Telemetry.MetricsInterval == 0 {
		cfg.Telemetry.MetricsInterval = 60 * time.Second
	}
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("database.driver must be postgres or sqlite, got %q", c.Database.Driver)
	}
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database.max_open_conns must be positive")
	}
	if c.Database.MaxIdleConns < 0 {
		return fmt.Errorf("database.max_idle_conns cannot be negative")
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("database.max_idle_conns (%d) cannot exceed database.max_open_conns (%d)",
			c.Database.MaxIdleConns, c.Database.MaxOpenConns)
	}

	if c.Breaker.FailureThreshold < 0 {
		return fmt.Errorf("breaker.failure_threshold must be positive, got %d", c.Breaker.FailureThreshold)
	}
	if c.Supervisor.MaxRetries < 0 {
		return fmt.Errorf("supervisor.max_retries cannot be negative")
	}
	if c.Cache.LocalSize < 0 {
		return fmt.Errorf("cache.local_size cannot be negative")
	}
	if c.Cache.PeerRefreshInterval < 0 {
		return fmt.Errorf("cache.peer_refresh_interval cannot be negative")
	}

	for _, sub := range c.App.Subscriptions {
		if sub == c.App.EntityType {
			return fmt.Errorf("app.subscriptions must not include the owned entity type %q", sub)
		}
	}
	for name, raw := range c.Peers {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("peers.%s must be an absolute http(s) URL, got %q", name, raw)
		}
	}

	if c.App.Env == "production" {
		if c.Database.Driver == "postgres" && c.Database.Password == "" {
			return fmt.Errorf("database.password is required in production")
		}
		if c.Database.Driver == "sqlite" {
			return fmt.Errorf("database.driver sqlite is not allowed in production")
		}
	}

	if c.Telemetry.SamplingRatio < 0.0 || c.Telemetry.SamplingRatio > 1.0 {
		return fmt.Errorf("telemetry.sampling_ratio must be between 0.0 and 1.0, got %f", c.Telemetry.SamplingRatio)
	}

	return nil
}

// PeerTypes returns the configured peer entity types in a stable order.
func (c *Config) PeerTypes() []string {
	types := make([]string, 0, len(c.Peers))
	for t := range c.Peers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// DSN returns the postgres connection string with properly escaped values
func (d *DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   d.DBName,
	}
	q := u.Query()
	q.Set("sslmode", d.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

// Addr returns host:port of the Redis server
func (r *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}
