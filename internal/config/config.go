package config

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/chatsync/internal/logger"
	"gopkg.in/yaml.v3"
)

// loadEnv reads .env outside production only (in containers/prod the config
// comes from the environment).
func loadEnv() {
	if os.Getenv("APP_ENV") == "production" {
		return
	}
	dir, err := os.Getwd()
	if err != nil {
		return
	}
	for i := 0; i < 5; i++ {
		path := dir + "/.env"
		f, err := os.Open(path)
		if err == nil {
			loadEnvFrom(f)
			f.Close()
			return
		}
		parent := strings.TrimSuffix(dir, "/")
		if idx := strings.LastIndex(parent, "/"); idx <= 0 {
			return
		} else {
			dir = parent[:idx]
			if dir == "" {
				dir = "/"
			}
		}
	}
}

func loadEnvFrom(f *os.File) {
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.Index(line, "=")
		if idx <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		if key == "" {
			continue
		}
		if len(val) >= 2 && (val[0] == '"' && val[len(val)-1] == '"' || val[0] == '\'' && val[len(val)-1] == '\'') {
			val = val[1 : len(val)-1]
		}
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// CacheConfig selects the persistent cache backend and its freshness window.
type CacheConfig struct {
	// Backend is one of "memory", "redis", "postgres".
	Backend string `yaml:"backend"`
	// FreshMinutes is how long a cached snapshot is usable without a remote
	// round-trip.
	FreshMinutes int    `yaml:"fresh_minutes"`
	RedisURL     string `yaml:"redis_url"`
	DatabaseURL  string `yaml:"database_url"`
}

// ConnConfig tunes the push-channel connection and its retry policy.
type ConnConfig struct {
	HandshakeTimeout time.Duration `yaml:"-"`
	BackoffBase      time.Duration `yaml:"-"`
	BackoffMax       time.Duration `yaml:"-"`
	MaxRetries       int           `yaml:"max_retries"`
	ProbeInterval    time.Duration `yaml:"-"`
	PongTimeout      time.Duration `yaml:"-"`
	WriteTimeout     time.Duration `yaml:"-"`
	MaxMessageSize   int64         `yaml:"-"`
	SendBufferSize   int           `yaml:"send_buffer_size"`
}

// Config holds engine settings.
// Precedence: environment variables > YAML file > defaults.
type Config struct {
	// ServerURL is the base URL of the chat service (http/https); the push
	// channel derives its ws/wss URL from it.
	ServerURL string `yaml:"server_url"`

	// PageLimit is the message page size for timeline loads.
	PageLimit int `yaml:"page_limit"`

	Cache CacheConfig `yaml:"cache"`
	Conn  ConnConfig  `yaml:"conn"`

	LogLevel string `yaml:"log_level"`
}

// yamlConfig is the intermediate parse target (durations arrive in seconds).
type yamlConfig struct {
	ServerURL string `yaml:"server_url"`
	PageLimit int    `yaml:"page_limit"`
	LogLevel  string `yaml:"log_level"`

	Cache struct {
		Backend      string `yaml:"backend"`
		FreshMinutes int    `yaml:"fresh_minutes"`
		RedisURL     string `yaml:"redis_url"`
		DatabaseURL  string `yaml:"database_url"`
	} `yaml:"cache"`

	Conn struct {
		HandshakeTimeout int   `yaml:"handshake_timeout"`
		BackoffBase      int   `yaml:"backoff_base"`
		BackoffMax       int   `yaml:"backoff_max"`
		MaxRetries       int   `yaml:"max_retries"`
		ProbeInterval    int   `yaml:"probe_interval"`
		PongTimeout      int   `yaml:"pong_timeout"`
		WriteTimeout     int   `yaml:"write_timeout"`
		MaxMessageSize   int64 `yaml:"max_message_size"`
		SendBufferSize   int   `yaml:"send_buffer_size"`
	} `yaml:"conn"`
}

// Load loads configuration. .env variables are applied first (if present),
// then YAML, then environment overrides (highest priority).
func Load() *Config {
	loadEnv()
	yc := yamlConfig{
		ServerURL: "http://localhost:8080",
		PageLimit: 50,
		LogLevel:  "info",
	}
	yc.Cache.Backend = "memory"
	yc.Cache.FreshMinutes = 5
	yc.Cache.RedisURL = "redis://localhost:6379"
	yc.Conn.HandshakeTimeout = 10
	yc.Conn.BackoffBase = 1
	yc.Conn.BackoffMax = 30
	yc.Conn.MaxRetries = 5
	yc.Conn.ProbeInterval = 30
	yc.Conn.PongTimeout = 60
	yc.Conn.WriteTimeout = 10
	yc.Conn.MaxMessageSize = 65536
	yc.Conn.SendBufferSize = 256

	paths := []string{os.Getenv("CONFIG_PATH"), "config/chatsync.yaml"}
	for _, path := range paths {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if err := yaml.Unmarshal(data, &yc); err != nil {
			logger.Errorf("config: parse %s: %v (using defaults)", path, err)
		} else {
			logger.Infof("config: loaded %s", path)
		}
		break
	}

	cfg := &Config{
		ServerURL: envStr("SERVER_URL", yc.ServerURL),
		PageLimit: envInt("PAGE_LIMIT", yc.PageLimit),
		LogLevel:  envStr("LOG_LEVEL", yc.LogLevel),
		Cache: CacheConfig{
			Backend:      envStr("CACHE_BACKEND", yc.Cache.Backend),
			FreshMinutes: envInt("CACHE_FRESH_MINUTES", yc.Cache.FreshMinutes),
			RedisURL:     envStr("REDIS_URL", yc.Cache.RedisURL),
			DatabaseURL:  envStr("DATABASE_URL", yc.Cache.DatabaseURL),
		},
		Conn: ConnConfig{
			HandshakeTimeout: time.Duration(envInt("CONN_HANDSHAKE_TIMEOUT", yc.Conn.HandshakeTimeout)) * time.Second,
			BackoffBase:      time.Duration(envInt("CONN_BACKOFF_BASE", yc.Conn.BackoffBase)) * time.Second,
			BackoffMax:       time.Duration(envInt("CONN_BACKOFF_MAX", yc.Conn.BackoffMax)) * time.Second,
			MaxRetries:       envInt("CONN_MAX_RETRIES", yc.Conn.MaxRetries),
			ProbeInterval:    time.Duration(envInt("CONN_PROBE_INTERVAL", yc.Conn.ProbeInterval)) * time.Second,
			PongTimeout:      time.Duration(envInt("CONN_PONG_TIMEOUT", yc.Conn.PongTimeout)) * time.Second,
			WriteTimeout:     time.Duration(envInt("CONN_WRITE_TIMEOUT", yc.Conn.WriteTimeout)) * time.Second,
			MaxMessageSize:   int64(envInt("CONN_MAX_MESSAGE_SIZE", int(yc.Conn.MaxMessageSize))),
			SendBufferSize:   envInt("CONN_SEND_BUFFER_SIZE", yc.Conn.SendBufferSize),
		},
	}
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = 50
	}
	if cfg.Cache.FreshMinutes <= 0 {
		cfg.Cache.FreshMinutes = 5
	}
	return cfg
}

// Freshness returns the cache freshness window as a duration.
func (c *Config) Freshness() time.Duration {
	return time.Duration(c.Cache.FreshMinutes) * time.Minute
}

// envStr returns the environment value or fallback.
func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// envInt returns the numeric environment value or fallback.
func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
