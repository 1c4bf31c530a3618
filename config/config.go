// Package config collects service settings from the environment.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
	"taskboard/sink"
)

// Storage backends selectable with STORAGE_BACKEND.
const (
	BackendFile   = "file"
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendTables = "tables"
)

// Config is the complete service configuration.
type Config struct {
	Debug      bool
	ListenAddr string

	Backend         string
	DataDir         string
	StorageConnStr  string
	SnapshotTable   string
	SnapshotCache   time.Duration
	NotifyQueue     string
	RedisConnStr    string
	NotifyChannel   string
	DeduperTTL      time.Duration
	AuthDomain      string
	AuthAudience    string
	AuthTestMode    bool
	CORSOrigins     []string
	Settings        domain.Settings
	Dispatcher      sink.Config
	FocusDuration   time.Duration
	ShutdownTimeout time.Duration
}

// Load reads an optional .env file and then the process environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.WithError(err).Warn("ignoring unreadable .env file")
	}
	return FromEnv()
}

// FromEnv builds a Config from the process environment only.
func FromEnv() (Config, error) {
	cfg := Config{
		Debug:           envBool("DEBUG", false),
		ListenAddr:      listenAddr(),
		Backend:         strings.ToLower(envString("STORAGE_BACKEND", BackendFile)),
		DataDir:         envString("DATA_DIR", "data"),
		StorageConnStr:  os.Getenv("STORAGE_CONNECTION_STRING"),
		SnapshotTable:   envString("SNAPSHOT_TABLE", "TaskboardSnapshots"),
		SnapshotCache:   envDur("SNAPSHOT_CACHE_TTL", 0),
		NotifyQueue:     os.Getenv("NOTIFICATION_QUEUE"),
		RedisConnStr:    os.Getenv("REDIS_CONNECTION_STRING"),
		NotifyChannel:   envString("NOTIFY_CHANNEL", sink.DefaultChannel),
		DeduperTTL:      envDur("DEDUPER_TTL", 24*time.Hour),
		AuthDomain:      os.Getenv("AUTH0_DOMAIN"),
		AuthAudience:    os.Getenv("AUTH0_AUDIENCE"),
		AuthTestMode:    os.Getenv("AUTH0_TEST_MODE") == "1",
		CORSOrigins:     envList("CORS_ALLOW_ORIGINS", []string{"*"}),
		FocusDuration:   envDur("FOCUS_DURATION", 25*time.Minute),
		ShutdownTimeout: envDur("SHUTDOWN_TIMEOUT", 10*time.Second),
		Settings: domain.Settings{
			WorkingHoursPerDay: envInt("WORKING_HOURS_PER_DAY", domain.DefaultWorkingHoursPerDay),
			ShowCompletedTasks: envBool("SHOW_COMPLETED_TASKS", true),
		},
	}

	def := sink.DefaultConfig()
	cfg.Dispatcher = sink.Config{
		Workers:        envInt("NOTIFY_WORKERS", def.Workers),
		Buffer:         envInt("NOTIFY_BUFFER", def.Buffer),
		DeliverTimeout: envDur("NOTIFY_DELIVER_TIMEOUT", def.DeliverTimeout),
		HandoffTimeout: envDur("NOTIFY_HANDOFF_TIMEOUT", def.HandoffTimeout),
		RetryInitial:   envDur("NOTIFY_RETRY_INITIAL", def.RetryInitial),
		RetryMax:       envDur("NOTIFY_RETRY_MAX", def.RetryMax),
		MaxAttempts:    envInt("NOTIFY_MAX_ATTEMPTS", def.MaxAttempts),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field requirements.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendFile:
		if c.DataDir == "" {
			return errors.New("DATA_DIR is required for the file backend")
		}
	case BackendMemory:
	case BackendRedis:
		if c.RedisConnStr == "" {
			return errors.New("REDIS_CONNECTION_STRING is required for the redis backend")
		}
	case BackendTables:
		if c.StorageConnStr == "" {
			return errors.New("STORAGE_CONNECTION_STRING is required for the tables backend")
		}
	default:
		return fmt.Errorf("unsupported STORAGE_BACKEND %q", c.Backend)
	}
	if c.NotifyQueue != "" && c.StorageConnStr == "" {
		return errors.New("STORAGE_CONNECTION_STRING is required when NOTIFICATION_QUEUE is set")
	}
	if c.SnapshotCache > 0 && c.RedisConnStr == "" {
		return errors.New("REDIS_CONNECTION_STRING is required when SNAPSHOT_CACHE_TTL is set")
	}
	if c.Settings.WorkingHoursPerDay <= 0 {
		return errors.New("WORKING_HOURS_PER_DAY must be greater than zero")
	}
	if (c.AuthDomain == "") != (c.AuthAudience == "") {
		return errors.New("AUTH0_DOMAIN and AUTH0_AUDIENCE must be set together")
	}
	return nil
}

// AuthEnabled reports whether requests must carry a bearer token.
func (c Config) AuthEnabled() bool {
	return c.AuthTestMode || c.AuthDomain != ""
}

// RedisOptions parses RedisConnStr. Both redis:// URLs and the Azure
// "host:port,password=...,ssl=true" form are accepted.
func (c Config) RedisOptions() (*redis.Options, error) {
	return ParseRedis(c.RedisConnStr)
}

func ParseRedis(conn string) (*redis.Options, error) {
	if conn == "" {
		return nil, errors.New("missing redis config")
	}
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts, nil
	}
	parts := strings.Split(conn, ",")
	if strings.TrimSpace(parts[0]) == "" {
		return nil, fmt.Errorf("invalid redis connection string")
	}
	opts := &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(strings.TrimSpace(kv[1]), "true") {
				opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			}
		}
	}
	return opts, nil
}

func listenAddr() string {
	if val, ok := os.LookupEnv("FUNCTIONS_CUSTOMHANDLER_PORT"); ok && val != "" {
		return ":" + val
	}
	if val, ok := os.LookupEnv("PORT"); ok && val != "" {
		return ":" + val
	}
	return ":8080"
}

func envInt(name string, def int) int {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
		log.Warnf("invalid %s=%q, using default %d", name, v, def)
	}
	return def
}

func envDur(name string, def time.Duration) time.Duration {
	if v := os.Getenv(name); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			return d
		}
		log.Warnf("invalid %s=%q, using default %v", name, v, def)
	}
	return def
}

func envString(name, def string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return def
}

func envBool(name string, def bool) bool {
	if v := os.Getenv(name); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
		log.Warnf("invalid %s=%q, using default %v", name, v, def)
	}
	return def
}

func envList(name string, def []string) []string {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
