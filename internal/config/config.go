package config

import (
	"strings"
	"time"

	"voidlink-backend/internal/call"
	"voidlink-backend/pkg/env"
)

// Config holds the call-service configuration loaded from the environment
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Cassandra CassandraConfig
	JWT       JWTConfig
	Call      CallConfig
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Port        string
	Environment string
	ServiceName string
}

// DatabaseConfig holds CockroachDB settings
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// RedisConfig holds Redis settings
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
}

// CassandraConfig holds Cassandra settings
type CassandraConfig struct {
	Hosts    []string
	Keyspace string
}

// JWTConfig holds token settings
type JWTConfig struct {
	Secret             string
	AccessTokenExpiry  time.Duration
	RefreshTokenExpiry time.Duration
}

// CallConfig holds call engine tuning knobs
type CallConfig struct {
	STUNURLs          []string
	CandidatePoolSize int
	RingTimeout       time.Duration
	StatsInterval     time.Duration
}

// Load reads configuration from environment variables with sane defaults.
// Secrets support the _FILE suffix convention for Docker secrets.
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        env.GetString("PORT", "8083"),
			Environment: env.GetString("ENV", "development"),
			ServiceName: env.GetString("SERVICE_NAME", "call-service"),
		},
		Database: DatabaseConfig{
			Host:     env.GetString("DB_HOST", "localhost"),
			Port:     env.GetInt("DB_PORT", 26257),
			User:     env.GetString("DB_USER", "root"),
			Password: env.GetStringFromFile("DB_PASSWORD", ""),
			Database: env.GetString("DB_NAME", "voidlink"),
			SSLMode:  env.GetString("DB_SSL_MODE", "disable"),
		},
		Redis: RedisConfig{
			Host:     env.GetString("REDIS_HOST", "localhost"),
			Port:     env.GetInt("REDIS_PORT", 6379),
			Password: env.GetStringFromFile("REDIS_PASSWORD", ""),
			DB:       env.GetInt("REDIS_DB", 0),
			PoolSize: env.GetInt("REDIS_POOL_SIZE", 10),
		},
		Cassandra: CassandraConfig{
			Hosts:    strings.Split(env.GetString("CASSANDRA_HOSTS", "localhost"), ","),
			Keyspace: env.GetString("CASSANDRA_KEYSPACE", "voidlink"),
		},
		JWT: JWTConfig{
			Secret:             env.GetStringFromFile("JWT_SECRET", ""),
			AccessTokenExpiry:  env.GetDuration("JWT_ACCESS_EXPIRY", 15*time.Minute),
			RefreshTokenExpiry: env.GetDuration("JWT_REFRESH_EXPIRY", 30*24*time.Hour),
		},
		Call: CallConfig{
			STUNURLs:          strings.Split(env.GetString("CALL_STUN_URLS", "stun:stun.l.google.com:19302,stun:stun1.l.google.com:19302"), ","),
			CandidatePoolSize: env.GetInt("CALL_CANDIDATE_POOL_SIZE", 10),
			RingTimeout:       env.GetDuration("CALL_RING_TIMEOUT", call.DefaultRingTimeout),
			StatsInterval:     env.GetDuration("CALL_STATS_INTERVAL", 2*time.Second),
		},
	}
}

// ICEConfig converts the call settings into the engine's ICE configuration
func (c *Config) ICEConfig() call.ICEConfig {
	return call.ICEConfig{
		STUNURLs:          c.Call.STUNURLs,
		CandidatePoolSize: uint8(c.Call.CandidatePoolSize),
	}
}
