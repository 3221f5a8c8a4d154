package common

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Cache      CacheConfig      `yaml:"cache"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Preprocess PreprocessConfig `yaml:"preprocess"`
	Inbox      InboxConfig      `yaml:"inbox"`
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	Driver           string        `yaml:"driver"` // "postgres" | "sqlite"
	DSN              string        `yaml:"dsn"`
	SQLitePath       string        `yaml:"sqlite_path"`
	MaxConns         int32         `yaml:"max_conns"`
	MinConns         int32         `yaml:"min_conns"`
	MaxConnLifetime  time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime  time.Duration `yaml:"max_conn_idle_time"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	StatementTimeout time.Duration `yaml:"statement_timeout"`
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	HTTPAddr       string `yaml:"http_addr"`
	GRPCAddr       string `yaml:"grpc_addr"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`
}

// StorageConfig configures the artifact blob store.
type StorageConfig struct {
	Root          string `yaml:"root"`
	PublicBaseURL string `yaml:"public_base_url"`
}

// CacheConfig configures the redis status cache. Empty RedisAddr disables it.
type CacheConfig struct {
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	TTL           time.Duration `yaml:"ttl"`
}

// PipelineConfig holds orchestrator tuning.
type PipelineConfig struct {
	Workers             int           `yaml:"workers"`
	QueueSize           int           `yaml:"queue_size"`
	RunTimeout          time.Duration `yaml:"run_timeout"`
	SliceCount          int           `yaml:"slice_count"`
	Plane               string        `yaml:"plane"`
	ViewerSliceCount    int           `yaml:"viewer_slice_count"`
	UploadViewerSlices  bool          `yaml:"upload_viewer_slices"`
	BrainThreshold      float64       `yaml:"brain_threshold"`
	ClassifyConcurrency int           `yaml:"classify_concurrency"`
	ClassifyTimeout     time.Duration `yaml:"classify_timeout"`
	UploadTimeout       time.Duration `yaml:"upload_timeout"`
	TempDir             string        `yaml:"temp_dir"`
}

// ClassifierConfig configures the inference subprocess.
type ClassifierConfig struct {
	Python        string        `yaml:"python"`
	Script        string        `yaml:"script"`
	WeightsPath   string        `yaml:"weights_path"`
	StartTimeout  time.Duration `yaml:"start_timeout"`
	ForceFallback bool          `yaml:"force_fallback"`
	Seed          int64         `yaml:"seed"`
}

// PreprocessConfig configures the external segmentation tool. Empty Binary disables it.
type PreprocessConfig struct {
	Binary  string        `yaml:"binary"`
	Args    []string      `yaml:"args"`
	WorkDir string        `yaml:"work_dir"`
	Timeout time.Duration `yaml:"timeout"`
}

// InboxConfig configures the directory watcher used by the batch binary.
type InboxConfig struct {
	Dir          string        `yaml:"dir"`
	AnalysisType string        `yaml:"analysis_type"`
	Debounce     time.Duration `yaml:"debounce"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver:          "postgres",
			SQLitePath:      "file:neuroscan.db?_pragma=busy_timeout(5000)",
			MaxConns:        20,
			MinConns:        5,
			MaxConnLifetime: 30 * time.Minute,
			MaxConnIdleTime: 5 * time.Minute,
			DialTimeout:     3 * time.Second,
		},
		Server: ServerConfig{
			HTTPAddr:       ":8080",
			GRPCAddr:       ":9090",
			MaxUploadBytes: 512 << 20,
		},
		Storage: StorageConfig{
			Root:          "./data/storage",
			PublicBaseURL: "http://localhost:8080/files",
		},
		Cache: CacheConfig{
			TTL: 24 * time.Hour,
		},
		Pipeline: PipelineConfig{
			Workers:             2,
			QueueSize:           64,
			SliceCount:          5,
			Plane:               "axial",
			ViewerSliceCount:    20,
			UploadViewerSlices:  true,
			BrainThreshold:      10,
			ClassifyConcurrency: 4,
			ClassifyTimeout:     30 * time.Second,
			UploadTimeout:       30 * time.Second,
			TempDir:             filepath.Join(os.TempDir(), "neuroscan"),
		},
		Classifier: ClassifierConfig{
			Python:       "python3",
			Script:       "./ml/infer.py",
			WeightsPath:  "./ml/weights/convit.pth",
			StartTimeout: 20 * time.Second,
		},
		Preprocess: PreprocessConfig{
			Timeout: 30 * time.Minute,
		},
		Inbox: InboxConfig{
			AnalysisType: "multi-disease",
			Debounce:     2 * time.Second,
		},
	}
}

// LoadConfig builds configuration from defaults, then the YAML file named by
// NEUROSCAN_CONFIG (if any), then environment variables.
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()
	if path := os.Getenv("NEUROSCAN_CONFIG"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, NewAppError("CONFIG_ERROR", "read config file", err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	db := &c.Database
	db.DSN = getEnv("DB_URL", db.DSN)
	db.Driver = getEnv("DB_DRIVER", db.Driver)
	db.SQLitePath = getEnv("SQLITE_PATH", db.SQLitePath)
	db.MaxConns = getEnvAsInt32("DB_MAX_CONNS", db.MaxConns)
	db.MinConns = getEnvAsInt32("DB_MIN_CONNS", db.MinConns)
	db.MaxConnLifetime = getEnvAsDuration("DB_MAX_CONN_LIFETIME", db.MaxConnLifetime)
	db.MaxConnIdleTime = getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", db.MaxConnIdleTime)
	db.DialTimeout = getEnvAsDuration("DB_DIAL_TIMEOUT", db.DialTimeout)
	db.StatementTimeout = getEnvAsDuration("DB_STATEMENT_TIMEOUT", db.StatementTimeout)

	c.Server.HTTPAddr = getEnv("HTTP_ADDR", c.Server.HTTPAddr)
	c.Server.GRPCAddr = getEnv("GRPC_ADDR", c.Server.GRPCAddr)

	c.Storage.Root = getEnv("STORAGE_ROOT", c.Storage.Root)
	c.Storage.PublicBaseURL = getEnv("STORAGE_PUBLIC_URL", c.Storage.PublicBaseURL)

	c.Cache.RedisAddr = getEnv("REDIS_ADDR", c.Cache.RedisAddr)
	c.Cache.RedisPassword = getEnv("REDIS_PASSWORD", c.Cache.RedisPassword)
	c.Cache.RedisDB = getEnvAsInt("REDIS_DB", c.Cache.RedisDB)
	c.Cache.TTL = getEnvAsDuration("STATUS_CACHE_TTL", c.Cache.TTL)

	p := &c.Pipeline
	p.Workers = getEnvAsInt("PIPELINE_WORKERS", p.Workers)
	p.QueueSize = getEnvAsInt("PIPELINE_QUEUE_SIZE", p.QueueSize)
	p.RunTimeout = getEnvAsDuration("PIPELINE_RUN_TIMEOUT", p.RunTimeout)
	p.SliceCount = getEnvAsInt("PIPELINE_SLICE_COUNT", p.SliceCount)
	p.Plane = getEnv("PIPELINE_PLANE", p.Plane)
	p.ViewerSliceCount = getEnvAsInt("PIPELINE_VIEWER_SLICES", p.ViewerSliceCount)
	p.UploadViewerSlices = getEnvAsBool("PIPELINE_UPLOAD_VIEWER_SLICES", p.UploadViewerSlices)
	p.ClassifyConcurrency = getEnvAsInt("PIPELINE_CLASSIFY_CONCURRENCY", p.ClassifyConcurrency)
	p.ClassifyTimeout = getEnvAsDuration("PIPELINE_CLASSIFY_TIMEOUT", p.ClassifyTimeout)
	p.TempDir = getEnv("PIPELINE_TEMP_DIR", p.TempDir)

	cl := &c.Classifier
	cl.Python = getEnv("CLASSIFIER_PYTHON", cl.Python)
	cl.Script = getEnv("CLASSIFIER_SCRIPT", cl.Script)
	cl.WeightsPath = getEnv("MODEL_WEIGHTS", cl.WeightsPath)
	cl.StartTimeout = getEnvAsDuration("CLASSIFIER_START_TIMEOUT", cl.StartTimeout)
	cl.ForceFallback = getEnvAsBool("USE_MOCK_MODEL", cl.ForceFallback)
	cl.Seed = int64(getEnvAsInt("CLASSIFIER_SEED", int(cl.Seed)))

	c.Preprocess.Binary = getEnv("PREPROCESS_BIN", c.Preprocess.Binary)
	if args := os.Getenv("PREPROCESS_ARGS"); args != "" {
		c.Preprocess.Args = strings.Fields(args)
	}
	c.Preprocess.WorkDir = getEnv("PREPROCESS_WORK_DIR", c.Preprocess.WorkDir)
	c.Preprocess.Timeout = getEnvAsDuration("PREPROCESS_TIMEOUT", c.Preprocess.Timeout)

	c.Inbox.Dir = getEnv("INBOX_DIR", c.Inbox.Dir)
	c.Inbox.AnalysisType = getEnv("INBOX_ANALYSIS_TYPE", c.Inbox.AnalysisType)
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsInt32(key string, defaultValue int32) int32 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 32); err == nil {
			return int32(intVal)
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// Validate validates the loaded configuration
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres":
		if c.Database.DSN == "" {
			return NewAppError("CONFIG_ERROR", "DB_URL is required", ErrInvalidInput)
		}
	case "sqlite":
		if c.Database.SQLitePath == "" {
			return NewAppError("CONFIG_ERROR", "SQLITE_PATH is required", ErrInvalidInput)
		}
	default:
		return NewAppError("CONFIG_ERROR", fmt.Sprintf("unknown DB_DRIVER %q", c.Database.Driver), ErrInvalidInput)
	}
	if c.Server.HTTPAddr == "" {
		return NewAppError("CONFIG_ERROR", "HTTP_ADDR is required", ErrInvalidInput)
	}
	if c.Pipeline.SliceCount <= 0 {
		return NewAppError("CONFIG_ERROR", "PIPELINE_SLICE_COUNT must be positive", ErrInvalidInput)
	}
	switch c.Pipeline.Plane {
	case "axial", "sagittal", "coronal":
	default:
		return NewAppError("CONFIG_ERROR", fmt.Sprintf("unknown PIPELINE_PLANE %q", c.Pipeline.Plane), ErrInvalidInput)
	}
	if c.Storage.Root == "" {
		return NewAppError("CONFIG_ERROR", "STORAGE_ROOT is required", ErrInvalidInput)
	}
	return nil
}
