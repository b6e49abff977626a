package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/MimeLyc/course-importer/pkg/icron"
	"github.com/MimeLyc/course-importer/pkg/log"
)

// Config holds all application configuration.
//
// Environment Variables:
// HTTP:
// - HTTP_ADDR: listen address (default: :8080)
//
// System:
// - DATA_DIR: database and upload root (default: ./data)
// - LOG_LEVEL: debug, info, warn, error (default: info)
//
// Storage:
// - TMP_UPLOADS_DIR: per-job temporary upload area (default: $DATA_DIR/tmp_uploads)
// - VIDEOS_DIR: permanent per-course media directory (default: $DATA_DIR/videos)
// - ALLOWED_VIDEO_EXTENSIONS: comma separated allow-list
// - MAX_UPLOAD_BYTES: per file upload limit (default: 2 GiB)
// - UPLOAD_SNIFF_CONTENT: reject uploads whose content is not video (default: true)
//
// Worker:
// - WORKER_BATCH_SIZE: default items advanced per tick (default: 5)
// - WORKER_MAX_BATCH_SIZE: upper clamp for the tick bound (default: 50)
// - WORKER_INTERNAL_TICK: run ticks from an in-process timer (default: false)
// - WORKER_TICK_SCHEDULE: timer schedule (default: @every 2s)
// - JANITOR_SCHEDULE / JANITOR_MIN_AGE: orphaned temp dir sweep
//
// Client:
// - IMPORT_SERVER_URL, CLIENT_PROFILE_DIR, CLIENT_POLL_INTERVAL, CLIENT_MAX_POLL_INTERVAL,
//   CLIENT_STALL_TIMEOUT, CLIENT_WATCHDOG_INTERVAL, CLIENT_RESCHEDULE_DELAY,
//   CLIENT_PAUSE_CHECK_INTERVAL, CLIENT_EMERGENCY_WINDOW, CLIENT_REQUEST_ATTEMPTS,
//   CLIENT_REQUEST_TIMEOUT, LOCAL_STORE (file|redis), LOCAL_STORE_REDIS_URL
//
// Ownership:
// - OWNER_HEARTBEAT_INTERVAL (default: 5s), OWNER_STALE_AFTER (default: 15s)
type Config struct {
	HTTP      HTTPConfig      `json:"http"`
	System    SystemConfig    `json:"system"`
	Storage   StorageConfig   `json:"storage"`
	Worker    WorkerConfig    `json:"worker"`
	Client    ClientConfig    `json:"client"`
	Ownership OwnershipConfig `json:"ownership"`
}

type HTTPConfig struct {
	Addr string `json:"addr"`
}

type SystemConfig struct {
	DataDir  string `json:"data_dir"`
	LogLevel string `json:"log_level"`
}

type StorageConfig struct {
	TmpDir            string   `json:"tmp_dir"`
	VideosDir         string   `json:"videos_dir"`
	AllowedExtensions []string `json:"allowed_extensions"`
	MaxUploadBytes    int64    `json:"max_upload_bytes"`
	SniffContent      bool     `json:"sniff_content"`
}

type WorkerConfig struct {
	BatchSize       int           `json:"batch_size"`
	MaxBatchSize    int           `json:"max_batch_size"`
	InternalTick    bool          `json:"internal_tick"`
	TickSchedule    string        `json:"tick_schedule"`
	JanitorSchedule string        `json:"janitor_schedule"`
	JanitorMinAge   time.Duration `json:"janitor_min_age"`
}

type ClientConfig struct {
	ServerURL          string        `json:"server_url"`
	ProfileDir         string        `json:"profile_dir"`
	PollInterval       time.Duration `json:"poll_interval"`
	MaxPollInterval    time.Duration `json:"max_poll_interval"`
	StallTimeout       time.Duration `json:"stall_timeout"`
	WatchdogInterval   time.Duration `json:"watchdog_interval"`
	RescheduleDelay    time.Duration `json:"reschedule_delay"`
	PauseCheckInterval time.Duration `json:"pause_check_interval"`
	EmergencyWindow    time.Duration `json:"emergency_window"`
	RequestAttempts    int           `json:"request_attempts"`
	RequestTimeout     time.Duration `json:"request_timeout"`
	Store              string        `json:"store"`
	RedisURL           string        `json:"redis_url"`
}

type OwnershipConfig struct {
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	StaleAfter        time.Duration `json:"stale_after"`
}

const (
	StoreFile  = "file"
	StoreRedis = "redis"

	dbFileName = "courseimport.db"
)

var defaultVideoExtensions = []string{"mp4", "avi", "mov", "wmv", "flv", "webm", "mkv", "m4v"}

// DBPath is the SQLite database location under DataDir.
func (c *Config) DBPath() string {
	return filepath.Join(c.System.DataDir, dbFileName)
}

// Option is a function type for configuring Config
type Option func(*Config)

// NewFromEnv loads .env (if present), reads the environment, applies options and validates.
func NewFromEnv(opts ...Option) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn("Failed to load .env: %v", err)
	}

	dataDir := getEnvString("DATA_DIR", "./data")
	config := &Config{
		HTTP: HTTPConfig{
			Addr: getEnvString("HTTP_ADDR", ":8080"),
		},
		System: SystemConfig{
			DataDir:  dataDir,
			LogLevel: getEnvString("LOG_LEVEL", "info"),
		},
		Storage: StorageConfig{
			TmpDir:            getEnvString("TMP_UPLOADS_DIR", filepath.Join(dataDir, "tmp_uploads")),
			VideosDir:         getEnvString("VIDEOS_DIR", filepath.Join(dataDir, "videos")),
			AllowedExtensions: getEnvList("ALLOWED_VIDEO_EXTENSIONS", defaultVideoExtensions),
			MaxUploadBytes:    getEnvInt64("MAX_UPLOAD_BYTES", 2<<30),
			SniffContent:      getEnvBool("UPLOAD_SNIFF_CONTENT", true),
		},
		Worker: WorkerConfig{
			BatchSize:       getEnvInt("WORKER_BATCH_SIZE", 5),
			MaxBatchSize:    getEnvInt("WORKER_MAX_BATCH_SIZE", 50),
			InternalTick:    getEnvBool("WORKER_INTERNAL_TICK", false),
			TickSchedule:    getEnvString("WORKER_TICK_SCHEDULE", "@every 2s"),
			JanitorSchedule: getEnvString("JANITOR_SCHEDULE", "@every 1h"),
			JanitorMinAge:   getEnvDuration("JANITOR_MIN_AGE", 24*time.Hour),
		},
		Client: ClientConfig{
			ServerURL:          getEnvString("IMPORT_SERVER_URL", "http://localhost:8080"),
			ProfileDir:         getEnvString("CLIENT_PROFILE_DIR", defaultProfileDir()),
			PollInterval:       getEnvDuration("CLIENT_POLL_INTERVAL", 1500*time.Millisecond),
			MaxPollInterval:    getEnvDuration("CLIENT_MAX_POLL_INTERVAL", 30*time.Second),
			StallTimeout:       getEnvDuration("CLIENT_STALL_TIMEOUT", 15*time.Minute),
			WatchdogInterval:   getEnvDuration("CLIENT_WATCHDOG_INTERVAL", 30*time.Second),
			RescheduleDelay:    getEnvDuration("CLIENT_RESCHEDULE_DELAY", 500*time.Millisecond),
			PauseCheckInterval: getEnvDuration("CLIENT_PAUSE_CHECK_INTERVAL", time.Second),
			EmergencyWindow:    getEnvDuration("CLIENT_EMERGENCY_WINDOW", 5*time.Minute),
			RequestAttempts:    getEnvInt("CLIENT_REQUEST_ATTEMPTS", 3),
			RequestTimeout:     getEnvDuration("CLIENT_REQUEST_TIMEOUT", 10*time.Minute),
			Store:              getEnvString("LOCAL_STORE", StoreFile),
			RedisURL:           getEnvString("LOCAL_STORE_REDIS_URL", "redis://localhost:6379/0"),
		},
		Ownership: OwnershipConfig{
			HeartbeatInterval: getEnvDuration("OWNER_HEARTBEAT_INTERVAL", 5*time.Second),
			StaleAfter:        getEnvDuration("OWNER_STALE_AFTER", 15*time.Second),
		},
	}

	for _, opt := range opts {
		opt(config)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}
	log.Debug("Config: %+v", config)

	return config, nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.System.DataDir) == "" {
		return fmt.Errorf("DATA_DIR is required")
	}
	if len(c.Storage.AllowedExtensions) == 0 {
		return fmt.Errorf("ALLOWED_VIDEO_EXTENSIONS must not be empty")
	}
	if c.Storage.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be positive")
	}
	if c.Worker.BatchSize < 1 {
		return fmt.Errorf("WORKER_BATCH_SIZE must be at least 1")
	}
	if c.Worker.MaxBatchSize < c.Worker.BatchSize {
		return fmt.Errorf("WORKER_MAX_BATCH_SIZE must be >= WORKER_BATCH_SIZE")
	}
	if err := icron.Validate(c.Worker.TickSchedule); err != nil {
		return fmt.Errorf("WORKER_TICK_SCHEDULE: %w", err)
	}
	if err := icron.Validate(c.Worker.JanitorSchedule); err != nil {
		return fmt.Errorf("JANITOR_SCHEDULE: %w", err)
	}
	if c.Client.PollInterval <= 0 {
		return fmt.Errorf("CLIENT_POLL_INTERVAL must be positive")
	}
	if c.Client.MaxPollInterval < c.Client.PollInterval {
		return fmt.Errorf("CLIENT_MAX_POLL_INTERVAL must be >= CLIENT_POLL_INTERVAL")
	}
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"CLIENT_STALL_TIMEOUT", c.Client.StallTimeout},
		{"CLIENT_WATCHDOG_INTERVAL", c.Client.WatchdogInterval},
		{"CLIENT_RESCHEDULE_DELAY", c.Client.RescheduleDelay},
		{"CLIENT_PAUSE_CHECK_INTERVAL", c.Client.PauseCheckInterval},
		{"CLIENT_EMERGENCY_WINDOW", c.Client.EmergencyWindow},
		{"CLIENT_REQUEST_TIMEOUT", c.Client.RequestTimeout},
		{"JANITOR_MIN_AGE", c.Worker.JanitorMinAge},
	} {
		if d.value <= 0 {
			return fmt.Errorf("%s must be positive, got %v", d.name, d.value)
		}
	}
	if c.Client.RequestAttempts < 1 {
		return fmt.Errorf("CLIENT_REQUEST_ATTEMPTS must be at least 1")
	}
	switch c.Client.Store {
	case StoreFile, StoreRedis:
	default:
		return fmt.Errorf("LOCAL_STORE must be %q or %q, got %q", StoreFile, StoreRedis, c.Client.Store)
	}
	if c.Ownership.HeartbeatInterval <= 0 {
		return fmt.Errorf("OWNER_HEARTBEAT_INTERVAL must be positive")
	}
	if c.Ownership.StaleAfter <= c.Ownership.HeartbeatInterval {
		return fmt.Errorf("OWNER_STALE_AFTER must exceed OWNER_HEARTBEAT_INTERVAL")
	}
	return nil
}

func defaultProfileDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".courseimport"
	}
	return filepath.Join(home, ".courseimport")
}

// getEnvString gets a string value from environment variables with default
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer value from environment variables with default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("1.5s") or bare milliseconds ("1500").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return append([]string(nil), defaultValue...)
	}
	var ret []string
	for _, part := range strings.Split(value, ",") {
		part = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(part), "."))
		if part != "" {
			ret = append(ret, part)
		}
	}
	return ret
}
