package config

import "time"

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Policy    PolicyConfig    `yaml:"policy"`
	Audit     AuditConfig     `yaml:"audit"`
	OpsAuth   OpsAuthConfig   `yaml:"ops_auth"`
}

type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
}

type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Name            string        `yaml:"name"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

func (d DatabaseConfig) DSN() string {
	return "postgres://" + d.User + ":" + d.Password + "@" + d.Host + ":" + itoa(d.Port) + "/" + d.Name + "?sslmode=disable"
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	s := ""
	for i > 0 {
		s = string(rune('0'+i%10)) + s
		i /= 10
	}
	return s
}

type RedisConfig struct {
	Addresses []string `yaml:"addresses"`
	Password  string   `yaml:"password"`
	DB        int      `yaml:"db"`
	PoolSize  int      `yaml:"pool_size"`
}

type TelemetryConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// DispatchConfig holds process-wide defaults for the fallback loop. Per-call
// values supplied by the caller override these.
type DispatchConfig struct {
	DefaultTimeout         time.Duration `yaml:"default_timeout"`
	DefaultStrategy        string        `yaml:"default_strategy"`
	GraceWait              time.Duration `yaml:"grace_wait"`
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures"`
	ExtendedCooldown       time.Duration `yaml:"extended_cooldown"`
	Pacing                 PacingConfig  `yaml:"pacing"`
}

// PacingConfig enables client-side request pacing per backend, so a backend
// close to its provider-side rate limit is skipped without burning an attempt.
type PacingConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Window     time.Duration `yaml:"window"`
	DefaultRPM int64         `yaml:"default_rpm"`
}

type DiscoveryConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

type PolicyConfig struct {
	Enabled           bool          `yaml:"enabled"`
	BundlePath        string        `yaml:"bundle_path"`
	EvaluationTimeout time.Duration `yaml:"evaluation_timeout"`
}

type AuditConfig struct {
	Enabled bool `yaml:"enabled"`
}

// OpsAuthConfig lists the hashed API keys allowed to call the authenticated
// ops routes. Hashes come from cmd/keygen.
type OpsAuthConfig struct {
	Enabled bool     `yaml:"enabled"`
	Keys    []OpsKey `yaml:"keys"`
}

type OpsKey struct {
	Name string `yaml:"name"`
	Hash string `yaml:"hash"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8080,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     120 * time.Second,
			IdleTimeout:      120 * time.Second,
			GracefulShutdown: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			Name:            "dispatch",
			User:            "dispatch",
			MaxOpenConns:    25,
			MaxIdleConns:    10,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Addresses: []string{"localhost:6379"},
			DB:        0,
			PoolSize:  50,
		},
		Telemetry: TelemetryConfig{
			LogLevel:  "info",
			LogFormat: "json",
		},
		Dispatch: DispatchConfig{
			DefaultTimeout:         30 * time.Second,
			DefaultStrategy:        "balanced",
			GraceWait:              10 * time.Second,
			MaxConsecutiveFailures: 3,
			ExtendedCooldown:       5 * time.Minute,
			Pacing: PacingConfig{
				Enabled:    false,
				Window:     time.Minute,
				DefaultRPM: 60,
			},
		},
		Discovery: DiscoveryConfig{
			TTL: time.Minute,
		},
		Policy: PolicyConfig{
			Enabled:           false,
			BundlePath:        "/etc/dispatch/policies",
			EvaluationTimeout: 100 * time.Millisecond,
		},
		Audit: AuditConfig{Enabled: false},
	}
}
