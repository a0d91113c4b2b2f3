package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	Database   DatabaseConfig   `mapstructure:"database" yaml:"database"`
	Redis      RedisConfig      `mapstructure:"redis" yaml:"redis"`
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
	Monitoring MonitoringConfig `mapstructure:"monitoring" yaml:"monitoring"`
	Security   SecurityConfig   `mapstructure:"security" yaml:"security"`
	Automation AutomationConfig `mapstructure:"automation" yaml:"automation"`
	Commission CommissionConfig `mapstructure:"commission" yaml:"commission"`
	Notifier   NotifierConfig   `mapstructure:"notifier" yaml:"notifier"`
}

type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver" yaml:"driver"` // postgres, sqlite
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	User            string        `mapstructure:"user" yaml:"user"`
	Password        string        `mapstructure:"password" yaml:"password"`
	Name            string        `mapstructure:"name" yaml:"name"`
	SQLitePath      string        `mapstructure:"sqlite_path" yaml:"sqlite_path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

// DSN 返回 Postgres 连接串
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable TimeZone=UTC",
		d.Host, d.User, d.Password, d.Name, d.Port)
}

type RedisConfig struct {
	Host         string `mapstructure:"host" yaml:"host"`
	Port         int    `mapstructure:"port" yaml:"port"`
	Password     string `mapstructure:"password" yaml:"password"`
	DB           int    `mapstructure:"db" yaml:"db"`
	PoolSize     int    `mapstructure:"pool_size" yaml:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns" yaml:"min_idle_conns"`
}

func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"` // json, text
	Output     string `mapstructure:"output" yaml:"output"` // stdout, file, both
	FilePath   string `mapstructure:"file_path" yaml:"file_path"`
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size"`       // MB
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age"`         // days
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"` // number of backup files
	Compress   bool   `mapstructure:"compress" yaml:"compress"`       // compress backup files
}

type MonitoringConfig struct {
	Enabled     bool          `mapstructure:"enabled" yaml:"enabled"`
	MetricsPath string        `mapstructure:"metrics_path" yaml:"metrics_path"`
	Tracing     TracingConfig `mapstructure:"tracing" yaml:"tracing"`
}

// TracingConfig OpenTelemetry 追踪配置
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled" yaml:"enabled"`
	Endpoint    string  `mapstructure:"endpoint" yaml:"endpoint"`         // OTLP gRPC 端点，例如 http://otel-collector:4317
	Insecure    bool    `mapstructure:"insecure" yaml:"insecure"`         // 是否使用明文（本地/开发）
	SampleRatio float64 `mapstructure:"sample_ratio" yaml:"sample_ratio"` // 采样率 0.0~1.0
	ServiceName string  `mapstructure:"service_name" yaml:"service_name"` // 缺省使用 "bizflow"
}

type SecurityConfig struct {
	CORS CORSConfig `mapstructure:"cors" yaml:"cors"`
}

type CORSConfig struct {
	Enabled        bool     `mapstructure:"enabled" yaml:"enabled"`
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods" yaml:"allowed_methods"`
	AllowedHeaders []string `mapstructure:"allowed_headers" yaml:"allowed_headers"`
}

// AutomationConfig 自动化引擎配置
type AutomationConfig struct {
	ScanInterval    time.Duration `mapstructure:"scan_interval" yaml:"scan_interval"`
	ActionTimeout   time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"`
	MaxReentryDepth int           `mapstructure:"max_reentry_depth" yaml:"max_reentry_depth"` // 0 or 1, larger values are clamped
	FireLedger      string        `mapstructure:"fire_ledger" yaml:"fire_ledger"` // memory, database, redis
	FireLedgerTTL   time.Duration `mapstructure:"fire_ledger_ttl" yaml:"fire_ledger_ttl"`
	// 各实体类型的终态，终态实体不参与空闲扫描
	TerminalStatuses map[string][]string `mapstructure:"terminal_statuses" yaml:"terminal_statuses"`
}

// CommissionConfig 佣金计算配置
type CommissionConfig struct {
	AutoResolve bool   `mapstructure:"auto_resolve" yaml:"auto_resolve"`
	DealKind    string `mapstructure:"deal_kind" yaml:"deal_kind"`
	WonStatus   string `mapstructure:"won_status" yaml:"won_status"`
	MinorUnits  int32  `mapstructure:"minor_units" yaml:"minor_units"`
}

type NotifierConfig struct {
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker" yaml:"circuit_breaker"`
}

type CircuitBreakerConfig struct {
	Enabled         bool          `mapstructure:"enabled" yaml:"enabled"`
	MaxFailures     int           `mapstructure:"max_failures" yaml:"max_failures"`
	ResetTimeout    time.Duration `mapstructure:"reset_timeout" yaml:"reset_timeout"`
	HalfOpenMaxReqs int           `mapstructure:"half_open_max_requests" yaml:"half_open_max_requests"`
}

// Load 在默认配置之上合并 viper 已读取的配置
func Load() (*Config, error) {
	cfg := GetDefaultConfig()
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// GetDefaultConfig 返回默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			Host:            "localhost",
			Port:            5432,
			User:            "postgres",
			Password:        "password",
			Name:            "bizflow",
			SQLitePath:      "./bizflow.db",
			MaxOpenConns:    50,
			MaxIdleConns:    10,
			ConnMaxLifetime: 3600 * time.Second,
		},
		Redis: RedisConfig{
			Host:         "localhost",
			Port:         6379,
			DB:           0,
			PoolSize:     10,
			MinIdleConns: 2,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			FilePath:   "./logs/bizflow.log",
			MaxSize:    100,
			MaxAge:     7,
			MaxBackups: 3,
			Compress:   true,
		},
		Monitoring: MonitoringConfig{
			Enabled:     true,
			MetricsPath: "/metrics",
			Tracing: TracingConfig{
				Enabled:     false,
				Endpoint:    "http://localhost:4317",
				Insecure:    true,
				SampleRatio: 0.1,
				ServiceName: "bizflow",
			},
		},
		Security: SecurityConfig{
			CORS: CORSConfig{
				Enabled:        true,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "PUT", "DELETE"},
				AllowedHeaders: []string{"*"},
			},
		},
		Automation: AutomationConfig{
			ScanInterval:    4 * time.Hour,
			ActionTimeout:   10 * time.Second,
			MaxReentryDepth: 1,
			FireLedger:      "database",
			FireLedgerTTL:   72 * time.Hour,
			TerminalStatuses: map[string][]string{
				"deal": {"Closed Won", "Closed Lost"},
			},
		},
		Commission: CommissionConfig{
			AutoResolve: true,
			DealKind:    "deal",
			WonStatus:   "Closed Won",
			MinorUnits:  2,
		},
		Notifier: NotifierConfig{
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:         true,
				MaxFailures:     5,
				ResetTimeout:    60 * time.Second,
				HalfOpenMaxReqs: 3,
			},
		},
	}
}
