package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the netwatch report server.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Auth      AuthConfig
	Worker    WorkerConfig
	Stream    StreamConfig
	Retention RetentionConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL         string
	SnapshotTTL time.Duration
	RateLimit   int
}

// AuthConfig enables bearer-key auth when KeyHash is a bcrypt hash.
type AuthConfig struct {
	KeyHash string
}

// WorkerConfig controls how the supervisor runs analysis workers.
type WorkerConfig struct {
	Command         []string
	MarkersFile     string
	EstimatedTime   time.Duration
	KillGrace       time.Duration
	StoreRetries    int
	StoreRetryDelay time.Duration
}

// StreamConfig controls the push emitter.
type StreamConfig struct {
	Interval    time.Duration
	MaxDuration time.Duration
}

type RetentionConfig struct {
	MaxAge        time.Duration
	SweepInterval time.Duration
}

// TrackerConfig is the single set of retry and timing knobs shared by the
// tracker's push and poll channels.
type TrackerConfig struct {
	GraceDelay       time.Duration
	PollInterval     time.Duration
	PollJitter       time.Duration
	MaxPollAttempts  int
	ExpectedDuration time.Duration
	SyntheticFloor   int
	SyntheticCap     int
	RequestTimeout   time.Duration
}

// ClientConfig is the configuration for reportctl.
type ClientConfig struct {
	ServerURL string
	APIKey    string
	Tracker   TrackerConfig
}

// DefaultTrackerConfig returns the tracker defaults: a 2s push head start,
// 2s polls and 300 attempts, which bounds the wait to roughly ten minutes.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		GraceDelay:       2 * time.Second,
		PollInterval:     2 * time.Second,
		PollJitter:       250 * time.Millisecond,
		MaxPollAttempts:  300,
		ExpectedDuration: 25 * time.Second,
		SyntheticFloor:   5,
		SyntheticCap:     95,
		RequestTimeout:   10 * time.Second,
	}
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("NETWATCH_PORT", 8080),
			Env:  envString("NETWATCH_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL:         os.Getenv("REDIS_URL"),
			SnapshotTTL: envDuration("REDIS_SNAPSHOT_TTL", 30*time.Minute),
			RateLimit:   envInt("NETWATCH_RATE_LIMIT_PER_MIN", 120),
		},
		Auth: AuthConfig{
			KeyHash: os.Getenv("NETWATCH_API_KEY_HASH"),
		},
		Worker: WorkerConfig{
			Command:         strings.Fields(os.Getenv("NETWATCH_WORKER_CMD")),
			MarkersFile:     os.Getenv("NETWATCH_MARKERS_FILE"),
			EstimatedTime:   envDurationSecs("NETWATCH_ESTIMATED_SECS", 25*time.Second),
			KillGrace:       envDuration("NETWATCH_WORKER_KILL_GRACE", 5*time.Second),
			StoreRetries:    envInt("NETWATCH_STORE_RETRIES", 3),
			StoreRetryDelay: envDuration("NETWATCH_STORE_RETRY_DELAY", 200*time.Millisecond),
		},
		Stream: StreamConfig{
			Interval:    envDuration("NETWATCH_STREAM_INTERVAL", time.Second),
			MaxDuration: envDuration("NETWATCH_STREAM_MAX_DURATION", 10*time.Minute),
		},
		Retention: RetentionConfig{
			MaxAge:        time.Duration(envInt("NETWATCH_RETENTION_HOURS", 24)) * time.Hour,
			SweepInterval: time.Duration(envInt("NETWATCH_SWEEP_INTERVAL_MINS", 60)) * time.Minute,
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadClient reads the reportctl configuration from environment variables.
func LoadClient() (*ClientConfig, error) {
	def := DefaultTrackerConfig()
	cfg := &ClientConfig{
		ServerURL: strings.TrimRight(envString("NETWATCH_SERVER_URL", "http://localhost:8080"), "/"),
		APIKey:    os.Getenv("NETWATCH_API_KEY"),
		Tracker: TrackerConfig{
			GraceDelay:       envDuration("NETWATCH_TRACKER_GRACE_DELAY", def.GraceDelay),
			PollInterval:     envDuration("NETWATCH_TRACKER_POLL_INTERVAL", def.PollInterval),
			PollJitter:       envDuration("NETWATCH_TRACKER_POLL_JITTER", def.PollJitter),
			MaxPollAttempts:  envInt("NETWATCH_TRACKER_MAX_POLLS", def.MaxPollAttempts),
			ExpectedDuration: envDurationSecs("NETWATCH_ESTIMATED_SECS", def.ExpectedDuration),
			SyntheticFloor:   def.SyntheticFloor,
			SyntheticCap:     def.SyntheticCap,
			RequestTimeout:   envDuration("NETWATCH_TRACKER_REQUEST_TIMEOUT", def.RequestTimeout),
		},
	}

	if !strings.HasPrefix(cfg.ServerURL, "http://") && !strings.HasPrefix(cfg.ServerURL, "https://") {
		return nil, fmt.Errorf("NETWATCH_SERVER_URL must start with http:// or https://, got %q", cfg.ServerURL)
	}
	if err := cfg.Tracker.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.Worker.Command) == 0 {
		return fmt.Errorf("NETWATCH_WORKER_CMD is required")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("NETWATCH_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Database.URL != "" &&
		!strings.HasPrefix(c.Database.URL, "postgres://") && !strings.HasPrefix(c.Database.URL, "postgresql://") {
		return fmt.Errorf("DATABASE_URL must start with postgres:// or postgresql://")
	}

	if c.Redis.URL != "" && !strings.HasPrefix(c.Redis.URL, "redis://") && !strings.HasPrefix(c.Redis.URL, "rediss://") {
		return fmt.Errorf("REDIS_URL must start with redis:// or rediss://")
	}

	if c.Worker.StoreRetries < 0 {
		return fmt.Errorf("NETWATCH_STORE_RETRIES must not be negative, got %d", c.Worker.StoreRetries)
	}

	if c.Stream.Interval <= 0 {
		return fmt.Errorf("NETWATCH_STREAM_INTERVAL must be positive")
	}
	if c.Stream.MaxDuration < c.Stream.Interval {
		return fmt.Errorf("NETWATCH_STREAM_MAX_DURATION must be at least NETWATCH_STREAM_INTERVAL")
	}

	return nil
}

// Validate checks the tracker knobs for values that would stall or spin the poll loop.
func (t TrackerConfig) Validate() error {
	if t.PollInterval <= 0 {
		return fmt.Errorf("tracker poll interval must be positive")
	}
	if t.MaxPollAttempts <= 0 {
		return fmt.Errorf("tracker max poll attempts must be positive, got %d", t.MaxPollAttempts)
	}
	if t.GraceDelay < 0 {
		return fmt.Errorf("tracker grace delay must not be negative")
	}
	if t.SyntheticCap >= 100 || t.SyntheticCap < t.SyntheticFloor {
		return fmt.Errorf("tracker synthetic cap must be below 100 and above the floor, got %d", t.SyntheticCap)
	}
	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
