// Package config provides configuration management for the Heimdex ingest service.
// Configuration is loaded from environment variables with sensible defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	// Default values
	DefaultHost     = "0.0.0.0"
	DefaultPort     = 8790
	DefaultLogLevel = "info"
	DefaultDataDir  = ".heimdex-ingest"

	// Environment variable names
	EnvHost     = "HEIMDEX_HOST"
	EnvPort     = "HEIMDEX_PORT"
	EnvLogLevel = "HEIMDEX_LOG_LEVEL"
	EnvDataDir  = "HEIMDEX_DATA_DIR"

	// Object storage environment variable names
	EnvStorageDriver = "HEIMDEX_STORAGE_DRIVER"
	EnvS3Endpoint    = "HEIMDEX_S3_ENDPOINT"
	EnvS3AccessKey   = "HEIMDEX_S3_ACCESS_KEY"
	EnvS3SecretKey   = "HEIMDEX_S3_SECRET_KEY"
	EnvS3Bucket      = "HEIMDEX_S3_BUCKET"
	EnvS3Region      = "HEIMDEX_S3_REGION"
	EnvS3UseSSL      = "HEIMDEX_S3_USE_SSL"

	EnvRedisAddr     = "HEIMDEX_REDIS_ADDR"
	EnvRedisPassword = "HEIMDEX_REDIS_PASSWORD"
	EnvJWTSecret     = "HEIMDEX_JWT_SECRET"

	// Inference environment variable names
	EnvAudioURL      = "HEIMDEX_AUDIO_URL"
	EnvVisualURL     = "HEIMDEX_VISUAL_URL"
	EnvAudioTimeout  = "HEIMDEX_AUDIO_TIMEOUT_S"
	EnvVisualTimeout = "HEIMDEX_VISUAL_TIMEOUT_S"

	// Analysis environment variable names
	EnvSegmentSeconds    = "HEIMDEX_SEGMENT_SECONDS"
	EnvBatchSize         = "HEIMDEX_BATCH_SIZE"
	EnvMaxConcurrentRuns = "HEIMDEX_MAX_CONCURRENT_RUNS"
	EnvPrimaryEncoder    = "HEIMDEX_PRIMARY_ENCODER"
	EnvMaxUploadBytes    = "HEIMDEX_MAX_UPLOAD_BYTES"
	EnvFFmpegPath        = "HEIMDEX_FFMPEG_PATH"
	EnvFFprobePath       = "HEIMDEX_FFPROBE_PATH"

	// Database filename
	DBFilename = "ingest.db"

	StorageDriverMinio  = "minio"
	StorageDriverMemory = "memory"

	// Storage defaults
	DefaultS3Endpoint = "localhost:9000"
	DefaultS3Bucket   = "heimdex-videos"
	DefaultS3Region   = "us-east-1"

	// Inference defaults
	DefaultInferenceURL         = "http://localhost:8001"
	DefaultAudioTimeoutSeconds  = 120
	DefaultVisualTimeoutSeconds = 180

	// Analysis defaults
	DefaultSegmentSeconds    = 30
	DefaultBatchSize         = 5
	DefaultMaxConcurrentRuns = 2
	DefaultPrimaryEncoder    = "h264_nvenc"
	DefaultMaxUploadBytes    = 10 * 1024 * 1024 * 1024 // 10GB
)

// Config defines the application configuration interface
type Config interface {
	Host() string
	Port() int
	LogLevel() string
	DataDir() string
	DBPath() string
	WorkDir() string

	StorageDriver() string
	S3Endpoint() string
	S3AccessKey() string
	S3SecretKey() string
	S3Bucket() string
	S3Region() string
	S3UseSSL() bool

	RedisAddr() string
	RedisPassword() string
	JWTSecret() string

	AudioURL() string
	VisualURL() string
	AudioTimeout() time.Duration
	VisualTimeout() time.Duration

	SegmentLength() time.Duration
	BatchSize() int
	MaxConcurrentRuns() int
	PrimaryEncoder() string
	MaxUploadBytes() int64
	FFmpegPath() string
	FFprobePath() string
}

// EnvConfig reads configuration from environment variables
type EnvConfig struct {
	host     string
	port     int
	logLevel string
	dataDir  string

	storageDriver string
	s3Endpoint    string
	s3AccessKey   string
	s3SecretKey   string
	s3Bucket      string
	s3Region      string
	s3UseSSL      bool

	redisAddr     string
	redisPassword string
	jwtSecret     string

	audioURL      string
	visualURL     string
	audioTimeout  int
	visualTimeout int

	segmentSeconds    int
	batchSize         int
	maxConcurrentRuns int
	primaryEncoder    string
	maxUploadBytes    int64
	ffmpegPath        string
	ffprobePath       string
}

// New creates a new EnvConfig with defaults and environment variable overrides
func New() (*EnvConfig, error) {
	cfg := &EnvConfig{
		host:              DefaultHost,
		port:              DefaultPort,
		logLevel:          DefaultLogLevel,
		dataDir:           defaultDataDir(),
		storageDriver:     StorageDriverMinio,
		s3Endpoint:        DefaultS3Endpoint,
		s3Bucket:          DefaultS3Bucket,
		s3Region:          DefaultS3Region,
		audioURL:          DefaultInferenceURL,
		visualURL:         DefaultInferenceURL,
		audioTimeout:      DefaultAudioTimeoutSeconds,
		visualTimeout:     DefaultVisualTimeoutSeconds,
		segmentSeconds:    DefaultSegmentSeconds,
		batchSize:         DefaultBatchSize,
		maxConcurrentRuns: DefaultMaxConcurrentRuns,
		primaryEncoder:    DefaultPrimaryEncoder,
		maxUploadBytes:    DefaultMaxUploadBytes,
		ffmpegPath:        "ffmpeg",
		ffprobePath:       "ffprobe",
	}

	if h := os.Getenv(EnvHost); h != "" {
		cfg.host = h
	}

	// Override port from environment
	if p := os.Getenv(EnvPort); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvPort, err)
		}
		if port < 1 || port > 65535 {
			return nil, fmt.Errorf("invalid %s: port must be between 1 and 65535", EnvPort)
		}
		cfg.port = port
	}

	if ll := os.Getenv(EnvLogLevel); ll != "" {
		cfg.logLevel = ll
	}

	if dd := os.Getenv(EnvDataDir); dd != "" {
		cfg.dataDir = dd
	}

	if d := os.Getenv(EnvStorageDriver); d != "" {
		d = strings.ToLower(d)
		if d != StorageDriverMinio && d != StorageDriverMemory {
			return nil, fmt.Errorf("invalid %s: %q (want %s or %s)", EnvStorageDriver, d, StorageDriverMinio, StorageDriverMemory)
		}
		cfg.storageDriver = d
	}

	setString(&cfg.s3Endpoint, EnvS3Endpoint)
	setString(&cfg.s3Bucket, EnvS3Bucket)
	setString(&cfg.s3Region, EnvS3Region)
	cfg.s3AccessKey = os.Getenv(EnvS3AccessKey)
	cfg.s3SecretKey = os.Getenv(EnvS3SecretKey)
	if v := os.Getenv(EnvS3UseSSL); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvS3UseSSL, err)
		}
		cfg.s3UseSSL = b
	}

	cfg.redisAddr = os.Getenv(EnvRedisAddr)
	cfg.redisPassword = os.Getenv(EnvRedisPassword)
	cfg.jwtSecret = os.Getenv(EnvJWTSecret)

	setString(&cfg.audioURL, EnvAudioURL)
	setString(&cfg.visualURL, EnvVisualURL)
	setString(&cfg.primaryEncoder, EnvPrimaryEncoder)
	setString(&cfg.ffmpegPath, EnvFFmpegPath)
	setString(&cfg.ffprobePath, EnvFFprobePath)

	positiveInts := []struct {
		name string
		dst  *int
	}{
		{EnvAudioTimeout, &cfg.audioTimeout},
		{EnvVisualTimeout, &cfg.visualTimeout},
		{EnvSegmentSeconds, &cfg.segmentSeconds},
		{EnvBatchSize, &cfg.batchSize},
		{EnvMaxConcurrentRuns, &cfg.maxConcurrentRuns},
	}
	for _, p := range positiveInts {
		if err := setPositiveInt(p.dst, p.name); err != nil {
			return nil, err
		}
	}

	if v := os.Getenv(EnvMaxUploadBytes); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid %s: must be a positive integer", EnvMaxUploadBytes)
		}
		cfg.maxUploadBytes = n
	}

	return cfg, nil
}

func setString(dst *string, name string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func setPositiveInt(dst *int, name string) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	if n <= 0 {
		return fmt.Errorf("invalid %s: must be positive", name)
	}
	*dst = n
	return nil
}

// Host returns the HTTP bind host
func (c *EnvConfig) Host() string {
	return c.host
}

// Port returns the HTTP server port
func (c *EnvConfig) Port() int {
	return c.port
}

// LogLevel returns the log level (debug, info, warn, error)
func (c *EnvConfig) LogLevel() string {
	return c.logLevel
}

// DataDir returns the data directory path
func (c *EnvConfig) DataDir() string {
	return c.dataDir
}

// DBPath returns the full path to the SQLite database file
func (c *EnvConfig) DBPath() string {
	return filepath.Join(c.dataDir, DBFilename)
}

// WorkDir returns the scratch directory used by analysis runs
func (c *EnvConfig) WorkDir() string {
	return filepath.Join(c.dataDir, "work")
}

func (c *EnvConfig) StorageDriver() string {
	return c.storageDriver
}

func (c *EnvConfig) S3Endpoint() string {
	return c.s3Endpoint
}

func (c *EnvConfig) S3AccessKey() string {
	return c.s3AccessKey
}

func (c *EnvConfig) S3SecretKey() string {
	return c.s3SecretKey
}

func (c *EnvConfig) S3Bucket() string {
	return c.s3Bucket
}

func (c *EnvConfig) S3Region() string {
	return c.s3Region
}

func (c *EnvConfig) S3UseSSL() bool {
	return c.s3UseSSL
}

// RedisAddr returns the redis address; empty disables the distributed run lock
func (c *EnvConfig) RedisAddr() string {
	return c.redisAddr
}

func (c *EnvConfig) RedisPassword() string {
	return c.redisPassword
}

// JWTSecret returns the HMAC secret for owner tokens; empty means use the persisted one
func (c *EnvConfig) JWTSecret() string {
	return c.jwtSecret
}

func (c *EnvConfig) AudioURL() string {
	return strings.TrimRight(c.audioURL, "/")
}

func (c *EnvConfig) VisualURL() string {
	return strings.TrimRight(c.visualURL, "/")
}

func (c *EnvConfig) AudioTimeout() time.Duration {
	return time.Duration(c.audioTimeout) * time.Second
}

func (c *EnvConfig) VisualTimeout() time.Duration {
	return time.Duration(c.visualTimeout) * time.Second
}

// SegmentLength returns the nominal analysis segment duration
func (c *EnvConfig) SegmentLength() time.Duration {
	return time.Duration(c.segmentSeconds) * time.Second
}

// BatchSize returns how many segments are analyzed concurrently
func (c *EnvConfig) BatchSize() int {
	return c.batchSize
}

func (c *EnvConfig) MaxConcurrentRuns() int {
	return c.maxConcurrentRuns
}

func (c *EnvConfig) PrimaryEncoder() string {
	return c.primaryEncoder
}

func (c *EnvConfig) MaxUploadBytes() int64 {
	return c.maxUploadBytes
}

func (c *EnvConfig) FFmpegPath() string {
	return c.ffmpegPath
}

func (c *EnvConfig) FFprobePath() string {
	return c.ffprobePath
}

// defaultDataDir returns the default data directory path
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current directory if home is not available
		return DefaultDataDir
	}
	return filepath.Join(home, DefaultDataDir)
}

// Version information (set at build time via ldflags)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)
