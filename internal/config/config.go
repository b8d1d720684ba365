package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the application configuration
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Lock     LockConfig
	Log      LogConfig
	Metrics  MetricsConfig
	CORS     CORSConfig
	Archive  ArchiveConfig
	Reindex  ReindexConfig
	Ingest   IngestConfig
	Rules    RulesConfig
	DICOMWeb DICOMWebConfig
	Worker   WorkerConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// MaxUploadBytes caps a single STOW request body; zero disables the cap
	MaxUploadBytes int64
}

type DatabaseConfig struct {
	Driver     string // postgres, sqlite
	Host       string
	Port       int
	User       string
	Password   string
	DBName     string
	SSLMode    string
	SQLitePath string
	LogLevel   string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type LockConfig struct {
	Type string // redis, memory
	TTL  time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

type MetricsConfig struct {
	Enabled bool
}

type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
}

// Filesystem is a storage root that study folders are placed under
type Filesystem struct {
	Key      string
	Path     string
	ReadOnly bool
}

// Partition is a logical archive partition, keyed by its AE title
type Partition struct {
	AETitle string
	Folder  string
}

type ArchiveConfig struct {
	Filesystems              []Filesystem
	Partitions               []Partition
	DefaultPartition         string
	StagingRoot              string
	MinFreeBytes             uint64
	AllowConvertToUnicode    bool
	PatientNameCaseSensitive bool
	BackupOnEdit             bool
	ModifyingSystem          string
}

type ReindexConfig struct {
	Concurrency int
}

type IngestConfig struct {
	MaxRetries int
}

type RulesConfig struct {
	ApplyDeleteActions bool
	ApplyRouteActions  bool
}

// DICOMWebConfig points at a remote archive that instances can be pulled from
type DICOMWebConfig struct {
	URL           string
	Username      string
	Password      string
	APIKey        string
	Timeout       time.Duration
	SourceAETitle string
}

type WorkerConfig struct {
	Enabled      bool
	PollInterval time.Duration
}

// Load reads configuration from an optional .env file and the environment
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	filesystems, err := parseFilesystems(getEnv("ARCHIVE_FILESYSTEMS", "fs1=/var/lib/dicom-archive/fs1"))
	if err != nil {
		return nil, err
	}
	partitions, err := parsePartitions(getEnv("ARCHIVE_PARTITIONS", "ARCHIVE=archive"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:           getEnv("SERVER_HOST", "0.0.0.0"),
			Port:           getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:    getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:   getEnvDuration("SERVER_WRITE_TIMEOUT", 60*time.Second),
			MaxUploadBytes: getEnvInt64("SERVER_MAX_UPLOAD_BYTES", 2<<30),
		},
		Database: DatabaseConfig{
			Driver:     getEnv("DB_DRIVER", "postgres"),
			Host:       getEnv("DB_HOST", "localhost"),
			Port:       getEnvInt("DB_PORT", 5432),
			User:       getEnv("DB_USER", "postgres"),
			Password:   getEnv("DB_PASSWORD", ""),
			DBName:     getEnv("DB_NAME", "dicom_archive"),
			SSLMode:    getEnv("DB_SSLMODE", "disable"),
			SQLitePath: getEnv("DB_SQLITE_PATH", "archive.db"),
			LogLevel:   getEnv("DB_LOG_LEVEL", "warn"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Lock: LockConfig{
			Type: getEnv("LOCK_TYPE", "memory"),
			TTL:  getEnvDuration("LOCK_TTL", 6*time.Hour),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvBool("METRICS_ENABLED", true),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", "*"),
			AllowedMethods: getEnvList("CORS_ALLOWED_METHODS", "GET,POST,DELETE,OPTIONS"),
			AllowedHeaders: getEnvList("CORS_ALLOWED_HEADERS", "Accept,Content-Type,X-Archive-Partition"),
		},
		Archive: ArchiveConfig{
			Filesystems:              filesystems,
			Partitions:               partitions,
			DefaultPartition:         getEnv("ARCHIVE_DEFAULT_PARTITION", partitions[0].AETitle),
			StagingRoot:              getEnv("ARCHIVE_STAGING_ROOT", os.TempDir()),
			MinFreeBytes:             uint64(getEnvInt64("ARCHIVE_MIN_FREE_BYTES", 1<<30)),
			AllowConvertToUnicode:    getEnvBool("ARCHIVE_ALLOW_CONVERT_TO_UNICODE", true),
			PatientNameCaseSensitive: getEnvBool("ARCHIVE_PATIENT_NAME_CASE_SENSITIVE", true),
			BackupOnEdit:             getEnvBool("ARCHIVE_BACKUP_ON_EDIT", true),
			ModifyingSystem:          getEnv("ARCHIVE_MODIFYING_SYSTEM", "RIS_ARCHIVE"),
		},
		Reindex: ReindexConfig{
			Concurrency: getEnvInt("REINDEX_CONCURRENCY", 4),
		},
		Ingest: IngestConfig{
			MaxRetries: getEnvInt("INGEST_MAX_RETRIES", 3),
		},
		Rules: RulesConfig{
			ApplyDeleteActions: getEnvBool("RULES_APPLY_DELETE_ACTIONS", true),
			ApplyRouteActions:  getEnvBool("RULES_APPLY_ROUTE_ACTIONS", true),
		},
		DICOMWeb: DICOMWebConfig{
			URL:           getEnv("DICOMWEB_URL", ""),
			Username:      getEnv("DICOMWEB_USERNAME", ""),
			Password:      getEnv("DICOMWEB_PASSWORD", ""),
			APIKey:        getEnv("DICOMWEB_API_KEY", ""),
			Timeout:       getEnvDuration("DICOMWEB_TIMEOUT", 30*time.Second),
			SourceAETitle: getEnv("DICOMWEB_SOURCE_AE_TITLE", "DICOMWEB"),
		},
		Worker: WorkerConfig{
			Enabled:      getEnvBool("WORKER_ENABLED", true),
			PollInterval: getEnvDuration("WORKER_POLL_INTERVAL", 2*time.Second),
		},
	}

	return cfg, nil
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.Database.Driver)
	}
	switch c.Lock.Type {
	case "redis", "memory":
	default:
		return fmt.Errorf("unsupported LOCK_TYPE %q", c.Lock.Type)
	}
	if len(c.Archive.Filesystems) == 0 {
		return fmt.Errorf("at least one filesystem must be configured")
	}
	if len(c.Archive.Partitions) == 0 {
		return fmt.Errorf("at least one partition must be configured")
	}
	if _, ok := c.Archive.Partition(c.Archive.DefaultPartition); !ok {
		return fmt.Errorf("default partition %q is not configured", c.Archive.DefaultPartition)
	}
	if c.Reindex.Concurrency < 1 {
		return fmt.Errorf("REINDEX_CONCURRENCY must be at least 1")
	}
	if c.Ingest.MaxRetries < 0 {
		return fmt.Errorf("INGEST_MAX_RETRIES must not be negative")
	}
	return nil
}

// Partition looks up a partition by AE title
func (a ArchiveConfig) Partition(aeTitle string) (Partition, bool) {
	for _, p := range a.Partitions {
		if p.AETitle == aeTitle {
			return p, true
		}
	}
	return Partition{}, false
}

// Filesystem looks up a filesystem by key
func (a ArchiveConfig) Filesystem(key string) (Filesystem, bool) {
	for _, fs := range a.Filesystems {
		if fs.Key == key {
			return fs, true
		}
	}
	return Filesystem{}, false
}

// parseFilesystems parses "key=path[:ro],key=path"
func parseFilesystems(s string) ([]Filesystem, error) {
	var out []Filesystem
	for _, part := range splitList(s) {
		key, path, ok := strings.Cut(part, "=")
		if !ok || key == "" || path == "" {
			return nil, fmt.Errorf("invalid filesystem entry %q", part)
		}
		fs := Filesystem{Key: key, Path: path}
		if strings.HasSuffix(path, ":ro") {
			fs.Path = strings.TrimSuffix(path, ":ro")
			fs.ReadOnly = true
		}
		out = append(out, fs)
	}
	return out, nil
}

// parsePartitions parses "AETITLE=folder,AETITLE2=folder2"
func parsePartitions(s string) ([]Partition, error) {
	var out []Partition
	for _, part := range splitList(s) {
		ae, folder, ok := strings.Cut(part, "=")
		if !ok || ae == "" || folder == "" {
			return nil, fmt.Errorf("invalid partition entry %q", part)
		}
		out = append(out, Partition{AETitle: ae, Folder: folder})
	}
	return out, nil
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if v, err := strconv.ParseInt(os.Getenv(key), 10, 64); err == nil {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}

func getEnvList(key, fallback string) []string {
	return splitList(getEnv(key, fallback))
}
