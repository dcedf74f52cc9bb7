// Package config loads broker settings from the environment, following the
// project's .env-plus-os.Getenv convention.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config holds every tunable named in the wire/ops contract (spec.md §6).
type Config struct {
	Port string

	PGHost     string
	PGPort     string
	PGUser     string
	PGPassword string
	PGDatabase string

	RedisAddr string
	RedisDB   int

	MaxPeers     int
	MaxLobbies   int
	MaxSaveGames int

	NoLobbyTimeout    time.Duration
	SealCloseTimeout  time.Duration
	PingInterval      time.Duration
	BulkFlushInterval time.Duration

	StoreRetryAttempts int

	// NotifyNonHostOnMigration toggles the commented-out secondary
	// HOST_CHANGED broadcast mentioned in spec.md §9. Default false
	// matches the active, observable behavior.
	NotifyNonHostOnMigration bool

	CodeGenSeed int64
}

// Load reads an optional .env file (soft failure if absent, mirroring the
// teacher's godotenv/autoload import) and then environment variables,
// applying the defaults from spec.md §6.
func Load(logger *logrus.Logger) Config {
	if err := godotenv.Load(); err != nil {
		logger.Debugf("no .env file loaded: %v", err)
	}

	return Config{
		Port: getEnv("PORT", "5050"),

		PGHost:     getEnv("PG_HOST", "localhost"),
		PGPort:     getEnv("PG_PORT", "5432"),
		PGUser:     getEnv("PG_USER", ""),
		PGPassword: getEnv("PG_PASSWORD", ""),
		PGDatabase: getEnv("PG_DATABASE", ""),

		RedisAddr: getEnv("REDIS_ADDR", "localhost:6379"),
		RedisDB:   getEnvInt("REDIS_DB", 0),

		MaxPeers:     getEnvInt("MAX_PEERS", 4096),
		MaxLobbies:   getEnvInt("MAX_LOBBIES", 1048576),
		MaxSaveGames: getEnvInt("MAX_SAVE_GAMES", 10000),

		NoLobbyTimeout:    getEnvDuration("NO_LOBBY_TIMEOUT", time.Second),
		SealCloseTimeout:  getEnvDuration("SEAL_CLOSE_TIMEOUT", 10*time.Second),
		PingInterval:      getEnvDuration("PING_INTERVAL", 10*time.Second),
		BulkFlushInterval: getEnvDuration("BULK_FLUSH_INTERVAL", 76*time.Second),

		StoreRetryAttempts: getEnvInt("STORE_RETRY_ATTEMPTS", 4),

		NotifyNonHostOnMigration: getEnvBool("NOTIFY_NON_HOST_ON_MIGRATION", false),

		CodeGenSeed: getEnvInt64("CODEGEN_SEED", 0x2545F4914F6CDD1D),
	}
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getEnvInt(key string, def int) int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

func getEnvInt64(key string, def int64) int64 {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return def
	}
	return v
}

func getEnvBool(key string, def bool) bool {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return def
	}
	return v
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return v
}
