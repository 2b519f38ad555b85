// Package config reads service configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type CartoCfg struct {
	Scheme  string
	Domain  string
	Account string
}

type ExtentCacheCfg struct {
	LRUSize      int
	RedisEnabled bool
	RedisAddr    string
	TTL          time.Duration
	OpTimeout    time.Duration
}

type EventsCfg struct {
	Enabled   bool
	Topic     string
	QueueSize int
	H3Res     int
}

type InvalidationCfg struct {
	Enabled bool
	Topic   string
	GroupID string
}

type Config struct {
	Addr          string
	LogLevel      string
	LogConsole    bool
	LogSampleN    int
	Carto         CartoCfg
	BoundsTimeout time.Duration
	ExtentCache   ExtentCacheCfg
	KafkaBrokers  []string
	Events        EventsCfg
	Invalidation  InvalidationCfg
	Metrics       MetricsCfg
}

type MetricsCfg struct {
	Enabled bool
	Addr    string
	Path    string
}

func FromEnv() Config {
	h3Res := getint("EVENTS_H3_RES", 9)
	if h3Res < 0 || h3Res > 15 {
		h3Res = 9
	}

	return Config{
		Addr:       getenv("ADDR", ":8090"),
		LogLevel:   getenv("LOG_LEVEL", "info"),
		LogConsole: getbool("LOG_CONSOLE", false),
		LogSampleN: getint("LOG_SAMPLE_N", 0),
		Carto: CartoCfg{
			Scheme:  getenv("CARTO_SCHEME", "https"),
			Domain:  getenv("CARTO_DOMAIN", "cartodb.com"),
			Account: getenv("CARTO_ACCOUNT", ""),
		},
		BoundsTimeout: getduration("BOUNDS_TIMEOUT", 10*time.Second),
		ExtentCache: ExtentCacheCfg{
			LRUSize:      getint("EXTENT_LRU_SIZE", 1024),
			RedisEnabled: getbool("EXTENT_CACHE_ENABLED", false),
			RedisAddr:    getenv("REDIS_ADDR", "localhost:6379"),
			TTL:          getduration("EXTENT_CACHE_TTL", 10*time.Minute),
			OpTimeout:    getduration("CACHE_OP_TIMEOUT", 250*time.Millisecond),
		},
		KafkaBrokers: splitCSV(getenv("KAFKA_BROKERS", "localhost:9092")),
		Events: EventsCfg{
			Enabled:   getbool("EVENTS_ENABLED", false),
			Topic:     getenv("EVENTS_TOPIC", "carto-interactions"),
			QueueSize: getint("EVENTS_QUEUE", 1024),
			H3Res:     h3Res,
		},
		Invalidation: InvalidationCfg{
			Enabled: getbool("INVALIDATION_ENABLED", false),
			Topic:   getenv("INVALIDATION_TOPIC", "carto-table-changes"),
			GroupID: getenv("KAFKA_GROUP_ID", "extent-invalidator"),
		},
		Metrics: MetricsCfg{
			Enabled: getbool("METRICS_ENABLED", false),
			Addr:    getenv("METRICS_ADDR", ":9090"),
			Path:    getenv("METRICS_PATH", "/metrics"),
		},
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	var out []string
	for p := range strings.SplitSeq(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
