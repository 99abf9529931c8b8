package utils

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"

	RunnerProcess = "process"
	RunnerDocker  = "docker"
)

// extractRatio bounds the unpacked size of an archive relative to the
// upload limit. Extraction buffers each file in memory, so the bound is
// also the per-worker memory ceiling.
const extractRatio = 4

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Auth     AuthConfig
	Storage  StorageConfig
	Minio    MinioConfig
	Redis    RedisConfig
	Upload   UploadConfig
	Build    BuildConfig
	App      AppConfig
}

type ServerConfig struct {
	Addr           string
	PlatformDomain string
	CorsOrigins    []string
}

type DatabaseConfig struct {
	Driver   string
	DSN      string
	Host     string
	Port     int
	User     string
	Password string
	Name     string
}

type AuthConfig struct {
	TokenSecret string
	TokenTTL    time.Duration
	BcryptCost  int
}

type StorageConfig struct {
	ArchivesPath  string
	SourcesPath   string
	ArtifactsPath string
}

// MinioConfig is optional: archives stay on local disk when Host is empty.
type MinioConfig struct {
	Host       string
	APIPort    string
	RootUser   string
	RootPass   string
	SecureConn bool
	Bucket     string
}

func (m MinioConfig) Enabled() bool {
	return m.Host != ""
}

func (m MinioConfig) Endpoint() string {
	if m.APIPort == "" {
		return m.Host
	}
	return fmt.Sprintf("%s:%s", m.Host, m.APIPort)
}

// RedisConfig is optional: status events are dropped when Addr is empty.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type UploadConfig struct {
	MaxBytes      int64
	RatePerMinute int
	RateBurst     int
}

type BuildConfig struct {
	Runner          string
	Tool            string
	ToolArgs        []string
	Timeout         time.Duration
	Workers         int
	QueueSize       int
	Image           string
	MemoryMB        int64
	CPUs            float64
	DockerCopy      bool
	ExtractMaxBytes int64
	ExtractMaxFiles int
	JanitorSchedule string
}

type AppConfig struct {
	Environment string
	LogLevel    string
	LogFormat   string
}

// LoadConfig reads the process environment, after loading envFile when it exists.
func LoadConfig(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("loading %s: %w", envFile, err)
		}
	}

	uploadMax := getEnvAsInt64("UPLOAD_MAX_BYTES", 100<<20)

	cfg := &Config{
		Server: ServerConfig{
			Addr:           getEnv("ADDR", ":8080"),
			PlatformDomain: getEnv("PLATFORM_DOMAIN", "grape.ai"),
			CorsOrigins:    getEnvAsList("CORS_ORIGINS", []string{"http://localhost:3000"}),
		},
		Database: DatabaseConfig{
			Driver:   getEnv("DB_DRIVER", DriverPostgres),
			DSN:      getEnv("DB_DSN", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			Name:     getEnv("DB_NAME", "grape"),
		},
		Auth: AuthConfig{
			TokenSecret: getEnv("TOKEN_SECRET", ""),
			TokenTTL:    getEnvAsDuration("TOKEN_TTL", 24*time.Hour),
			BcryptCost:  getEnvAsInt("BCRYPT_COST", 12),
		},
		Storage: StorageConfig{
			ArchivesPath:  getEnv("ARCHIVES_PATH", "./data/archives"),
			SourcesPath:   getEnv("SOURCES_PATH", "./data/sources"),
			ArtifactsPath: getEnv("ARTIFACTS_PATH", "./data/deploy"),
		},
		Minio: MinioConfig{
			Host:       getEnv("MINIO_HOST", ""),
			APIPort:    getEnv("MINIO_API_PORT", "9000"),
			RootUser:   getEnv("MINIO_ROOT_USER", ""),
			RootPass:   getEnv("MINIO_ROOT_PASSWORD", ""),
			SecureConn: getEnvAsBool("MINIO_SECURE_CONN", false),
			Bucket:     getEnv("MINIO_BUCKET", "archives"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Upload: UploadConfig{
			MaxBytes:      uploadMax,
			RatePerMinute: getEnvAsInt("UPLOAD_RATE_PER_MINUTE", 0),
			RateBurst:     getEnvAsInt("UPLOAD_RATE_BURST", 5),
		},
		Build: BuildConfig{
			Runner:          getEnv("BUILD_RUNNER", RunnerProcess),
			Tool:            getEnv("BUILD_TOOL", "python3"),
			ToolArgs:        getEnvAsFields("BUILD_TOOL_ARGS", []string{"worker.py"}),
			Timeout:         getEnvAsDuration("BUILD_TIMEOUT", 10*time.Minute),
			Workers:         getEnvAsInt("BUILD_WORKERS", 2),
			QueueSize:       getEnvAsInt("BUILD_QUEUE_SIZE", 32),
			Image:           getEnv("BUILD_IMAGE", "node:18"),
			MemoryMB:        getEnvAsInt64("BUILD_MEMORY_MB", 1024),
			CPUs:            getEnvAsFloat("BUILD_CPUS", 1),
			DockerCopy:      getEnvAsBool("BUILD_DOCKER_COPY", false),
			ExtractMaxBytes: getEnvAsInt64("EXTRACT_MAX_BYTES", extractRatio*uploadMax),
			ExtractMaxFiles: getEnvAsInt("EXTRACT_MAX_ENTRIES", 20000),
			JanitorSchedule: getEnv("JANITOR_SCHEDULE", "@every 1m"),
		},
		App: AppConfig{
			Environment: getEnv("APP_ENV", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("ADDR is required")
	}
	if c.Server.PlatformDomain == "" {
		return fmt.Errorf("PLATFORM_DOMAIN is required")
	}

	switch c.Database.Driver {
	case DriverPostgres:
		if c.Database.DSN == "" && c.Database.Host == "" {
			return fmt.Errorf("DB_DSN or DB_HOST is required")
		}
	case DriverSQLite:
		if c.Database.DSN == "" {
			return fmt.Errorf("DB_DSN is required for the sqlite driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.Database.Driver)
	}

	if c.Auth.TokenSecret == "" {
		return fmt.Errorf("TOKEN_SECRET is required")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("TOKEN_TTL must be positive")
	}

	if c.Upload.MaxBytes <= 0 {
		return fmt.Errorf("UPLOAD_MAX_BYTES must be positive")
	}

	switch c.Build.Runner {
	case RunnerProcess:
		if c.Build.Tool == "" {
			return fmt.Errorf("BUILD_TOOL is required for the process runner")
		}
	case RunnerDocker:
		if c.Build.Image == "" {
			return fmt.Errorf("BUILD_IMAGE is required for the docker runner")
		}
	default:
		return fmt.Errorf("unsupported BUILD_RUNNER %q", c.Build.Runner)
	}
	if c.Build.Workers < 1 {
		return fmt.Errorf("BUILD_WORKERS must be at least 1")
	}
	if c.Build.QueueSize < 0 {
		return fmt.Errorf("BUILD_QUEUE_SIZE cannot be negative")
	}
	if c.Build.Timeout <= 0 {
		return fmt.Errorf("BUILD_TIMEOUT must be positive")
	}

	return nil
}

// PostgresDSN returns DB_DSN, or assembles one from the discrete DB_* keys.
func (d DatabaseConfig) PostgresDSN() string {
	if d.DSN != "" {
		return d.DSN
	}
	return fmt.Sprintf(
		"user=%s dbname=%s password=%s host=%s port=%d sslmode=disable",
		d.User,
		d.Name,
		d.Password,
		d.Host,
		d.Port,
	)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	return strings.ToLower(valueStr) == "true"
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvAsFields(key string, defaultValue []string) []string {
	if _, set := os.LookupEnv(key); !set {
		return defaultValue
	}
	return strings.Fields(os.Getenv(key))
}
