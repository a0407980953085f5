package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Config holds service configuration.
type Config struct {
	ServerAddr string
	LogLevel   string
	LogPretty  bool

	IdleTimeout time.Duration

	StoreDriver    string
	DatabaseURL    string
	DatabaseMax    int32
	MigrationsDir  string
	RedisURL       string
	PresenceTTL    time.Duration
	KafkaBrokers   []string
	KafkaTopic     string
	AllowedOrigins []string
	WriteQueueSize int
	PingInterval   time.Duration
}

// Load reads configuration from the environment. When COLLAB_CONFIG_FILE names
// a YAML file its values are used as defaults that the environment overrides.
func Load() (*Config, error) {
	file := viper.New()
	if path := os.Getenv("COLLAB_CONFIG_FILE"); path != "" {
		file.SetConfigFile(path)
		if err := file.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}
	get := func(envKey, fileKey, def string) string {
		if v := os.Getenv(envKey); v != "" {
			return v
		}
		if file.IsSet(fileKey) {
			return file.GetString(fileKey)
		}
		return def
	}

	dsn := get("DATABASE_URL", "database.url", "")
	if dsn == "" {
		user := getenv("POSTGRES_USER", "atlas")
		pass := getenv("POSTGRES_PASSWORD", "atlas_pass")
		db := getenv("POSTGRES_DB", "atlas_collab")
		host := getenv("POSTGRES_HOST", "localhost")
		port := getenv("POSTGRES_PORT", "5432")
		sslmode := getenv("DATABASE_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, sslmode)
	}

	driver := strings.ToLower(get("STORE_DRIVER", "store.driver", StoreMemory))
	if driver != StoreMemory && driver != StorePostgres {
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}

	var origins []string
	if file.IsSet("ws.allowed_origins") && os.Getenv("WS_ALLOWED_ORIGINS") == "" {
		origins = file.GetStringSlice("ws.allowed_origins")
	} else {
		origins = splitCSV(os.Getenv("WS_ALLOWED_ORIGINS"))
	}
	var brokers []string
	if file.IsSet("kafka.brokers") && os.Getenv("KAFKA_BROKERS") == "" {
		brokers = file.GetStringSlice("kafka.brokers")
	} else {
		brokers = splitCSV(os.Getenv("KAFKA_BROKERS"))
	}

	return &Config{
		ServerAddr:     get("SERVER_ADDR", "server.addr", "0.0.0.0:8080"),
		LogLevel:       get("LOG_LEVEL", "log.level", "info"),
		LogPretty:      parseBool(get("LOG_PRETTY", "log.pretty", "false"), false),
		IdleTimeout:    parseDuration(get("COLLAB_IDLE_TIMEOUT", "collab.idle_timeout", "5m"), 5*time.Minute),
		StoreDriver:    driver,
		DatabaseURL:    dsn,
		DatabaseMax:    int32(parseInt(get("DATABASE_MAX_CONNS", "database.max_conns", "10"), 10)),
		MigrationsDir:  get("MIGRATIONS_DIR", "database.migrations_dir", "internal/migrations"),
		RedisURL:       get("REDIS_URL", "redis.url", ""),
		PresenceTTL:    parseDuration(get("PRESENCE_TTL", "presence.ttl", "2m"), 2*time.Minute),
		KafkaBrokers:   brokers,
		KafkaTopic:     get("KAFKA_TOPIC", "kafka.topic", "collab.events"),
		AllowedOrigins: origins,
		WriteQueueSize: parseInt(get("WS_WRITE_QUEUE", "ws.write_queue", "64"), 64),
		PingInterval:   parseDuration(get("WS_PING_INTERVAL", "ws.ping_interval", "30s"), 30*time.Second),
	}, nil
}

func getenv(key, def string) string {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	return val
}

func parseDuration(val string, def time.Duration) time.Duration {
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return def
	}
	return d
}

func parseBool(val string, def bool) bool {
	if val == "" {
		return def
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return def
	}
	return b
}

func parseInt(val string, def int) int {
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func splitCSV(s string) []string {
	out := []string{}
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
