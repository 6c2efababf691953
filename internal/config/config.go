package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Log        LogConfig        `yaml:"log"`
	Realtime   RealtimeConfig   `yaml:"realtime"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Health     HealthConfig     `yaml:"health"`
	PrintAgent PrintAgentConfig `yaml:"printAgent"`
	Order      OrderConfig      `yaml:"order"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Name            string        `yaml:"name"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// RedisConfig enables cross-instance channel leases when Address is set.
type RedisConfig struct {
	Address  string        `yaml:"address"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	LeaseTTL time.Duration `yaml:"leaseTtl"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type RealtimeConfig struct {
	URL       string        `yaml:"url"`
	APIKey    string        `yaml:"apiKey"`
	Heartbeat time.Duration `yaml:"heartbeat"`
}

type GatewayConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"apiKey"`
}

type HealthConfig struct {
	BaseInterval      time.Duration `yaml:"baseInterval"`
	MaxInterval       time.Duration `yaml:"maxInterval"`
	QuiescentInterval time.Duration `yaml:"quiescentInterval"`
	QuiescentAfter    int           `yaml:"quiescentAfter"`
	CheckTimeout      time.Duration `yaml:"checkTimeout"`
}

type PrintAgentConfig struct {
	URL         string        `yaml:"url"`
	Timeout     time.Duration `yaml:"timeout"`
	PrinterName string        `yaml:"printerName"`
}

type OrderConfig struct {
	MaxRetryAttempts int           `yaml:"maxRetryAttempts"`
	WriteTimeout     time.Duration `yaml:"writeTimeout"`
}

func Load() (*Config, error) {
	// A missing .env file is normal outside local development.
	_ = godotenv.Load()

	viper.AutomaticEnv()

	viper.SetDefault("SERVER_PORT", 8080)
	viper.SetDefault("DB_HOST", "localhost")
	viper.SetDefault("DB_PORT", 3306)
	viper.SetDefault("DB_USER", "palantir")
	viper.SetDefault("DB_PASSWORD", "secret")
	viper.SetDefault("DB_NAME", "vincula")
	viper.SetDefault("DB_MAX_OPEN_CONNS", 25)
	viper.SetDefault("DB_MAX_IDLE_CONNS", 5)
	viper.SetDefault("DB_CONN_MAX_LIFETIME", "5m")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("REDIS_ADDRESS", "")
	viper.SetDefault("REDIS_PASSWORD", "")
	viper.SetDefault("REDIS_DB", 0)
	viper.SetDefault("CHANNEL_LEASE_TTL", "30s")
	viper.SetDefault("REALTIME_URL", "ws://localhost:4000/realtime/v1/websocket")
	viper.SetDefault("REALTIME_API_KEY", "")
	viper.SetDefault("REALTIME_HEARTBEAT", "30s")
	viper.SetDefault("GATEWAY_URL", "http://localhost:8081")
	viper.SetDefault("GATEWAY_API_KEY", "")
	viper.SetDefault("HEALTH_BASE_INTERVAL", "30s")
	viper.SetDefault("HEALTH_MAX_INTERVAL", "5m")
	viper.SetDefault("HEALTH_QUIESCENT_INTERVAL", "15m")
	viper.SetDefault("HEALTH_QUIESCENT_AFTER", 5)
	viper.SetDefault("HEALTH_CHECK_TIMEOUT", "10s")
	viper.SetDefault("PRINT_AGENT_URL", "ws://localhost:8182")
	viper.SetDefault("PRINT_TIMEOUT", "15s")
	viper.SetDefault("PRINTER_NAME", "")
	viper.SetDefault("ORDER_MAX_RETRY_ATTEMPTS", 3)
	viper.SetDefault("ORDER_WRITE_TIMEOUT", "5s")

	durations := map[string]time.Duration{}
	for _, key := range []string{
		"DB_CONN_MAX_LIFETIME",
		"CHANNEL_LEASE_TTL",
		"REALTIME_HEARTBEAT",
		"HEALTH_BASE_INTERVAL",
		"HEALTH_MAX_INTERVAL",
		"HEALTH_QUIESCENT_INTERVAL",
		"HEALTH_CHECK_TIMEOUT",
		"PRINT_TIMEOUT",
		"ORDER_WRITE_TIMEOUT",
	} {
		d, err := time.ParseDuration(viper.GetString(key))
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", key, err)
		}
		durations[key] = d
	}

	cfg := &Config{
		Server: ServerConfig{
			Port: viper.GetInt("SERVER_PORT"),
		},
		Database: DatabaseConfig{
			Host:            viper.GetString("DB_HOST"),
			Port:            viper.GetInt("DB_PORT"),
			User:            viper.GetString("DB_USER"),
			Password:        viper.GetString("DB_PASSWORD"),
			Name:            viper.GetString("DB_NAME"),
			MaxOpenConns:    viper.GetInt("DB_MAX_OPEN_CONNS"),
			MaxIdleConns:    viper.GetInt("DB_MAX_IDLE_CONNS"),
			ConnMaxLifetime: durations["DB_CONN_MAX_LIFETIME"],
		},
		Redis: RedisConfig{
			Address:  viper.GetString("REDIS_ADDRESS"),
			Password: viper.GetString("REDIS_PASSWORD"),
			DB:       viper.GetInt("REDIS_DB"),
			LeaseTTL: durations["CHANNEL_LEASE_TTL"],
		},
		Log: LogConfig{
			Level: viper.GetString("LOG_LEVEL"),
		},
		Realtime: RealtimeConfig{
			URL:       viper.GetString("REALTIME_URL"),
			APIKey:    viper.GetString("REALTIME_API_KEY"),
			Heartbeat: durations["REALTIME_HEARTBEAT"],
		},
		Gateway: GatewayConfig{
			URL:    viper.GetString("GATEWAY_URL"),
			APIKey: viper.GetString("GATEWAY_API_KEY"),
		},
		Health: HealthConfig{
			BaseInterval:      durations["HEALTH_BASE_INTERVAL"],
			MaxInterval:       durations["HEALTH_MAX_INTERVAL"],
			QuiescentInterval: durations["HEALTH_QUIESCENT_INTERVAL"],
			QuiescentAfter:    viper.GetInt("HEALTH_QUIESCENT_AFTER"),
			CheckTimeout:      durations["HEALTH_CHECK_TIMEOUT"],
		},
		PrintAgent: PrintAgentConfig{
			URL:         viper.GetString("PRINT_AGENT_URL"),
			Timeout:     durations["PRINT_TIMEOUT"],
			PrinterName: viper.GetString("PRINTER_NAME"),
		},
		Order: OrderConfig{
			MaxRetryAttempts: viper.GetInt("ORDER_MAX_RETRY_ATTEMPTS"),
			WriteTimeout:     durations["ORDER_WRITE_TIMEOUT"],
		},
	}

	return cfg, nil
}
