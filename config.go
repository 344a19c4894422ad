package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"golang.org/x/exp/slog"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	StorageLocal = "local"
	StorageS3    = "s3"
)

var ErrMissingJWTSecret = errors.New("config: " + JWTSecretEnv + " is not set")

type S3Config struct {
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string
	PublicURL       string
}

type SMTPConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
}

func (c SMTPConfig) Enabled() bool {
	return c.Host != ""
}

type Config struct {
	Host string
	Port string

	DBDriver    string
	DatabaseURL string
	SQLitePath  string

	StorageDriver string
	UploadDir     string
	S3            S3Config
	MaxUploadSize int64

	RedisAddr     string
	RedisPassword string

	SMTP SMTPConfig

	SectionsPassword string
	CORSOrigins      []string
	LogLevel         slog.Level
}

func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Host, c.Port)
}

// LoadConfig reads the process environment. godotenv.Load is expected to have run first.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Host:             os.Getenv("APP_HOST"),
		Port:             getenv("APP_PORT", "4001"),
		DBDriver:         getenv("DB_DRIVER", DriverSQLite),
		SQLitePath:       getenv("SQLITE_PATH", "./photoshare.db"),
		StorageDriver:    getenv("STORAGE_DRIVER", StorageLocal),
		UploadDir:        getenv("UPLOAD_DIR", "./uploads"),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
		SectionsPassword: os.Getenv("SECTIONS_PASSWORD"),
		S3: S3Config{
			Region:          getenv("S3_REGION", "us-east-1"),
			Bucket:          os.Getenv("S3_BUCKET"),
			AccessKeyID:     os.Getenv("S3_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("S3_SECRET_ACCESS_KEY"),
			Endpoint:        os.Getenv("S3_ENDPOINT"),
			PublicURL:       strings.TrimSuffix(os.Getenv("S3_PUBLIC_URL"), "/"),
		},
		SMTP: SMTPConfig{
			Host:     os.Getenv("SMTP_HOST"),
			Port:     getenv("SMTP_PORT", "587"),
			Username: os.Getenv("SMTP_USERNAME"),
			Password: os.Getenv("SMTP_PASSWORD"),
			From:     os.Getenv("SMTP_FROM"),
		},
	}

	if os.Getenv(JWTSecretEnv) == "" {
		return nil, ErrMissingJWTSecret
	}

	switch cfg.DBDriver {
	case DriverPostgres:
		cfg.DatabaseURL = os.Getenv("DATABASE_URL")
		if cfg.DatabaseURL == "" {
			cfg.DatabaseURL = fmt.Sprintf("user=%s password=%s host=%s port=%s dbname=%s sslmode=%s",
				os.Getenv("POSTGRES_USER"),
				os.Getenv("POSTGRES_PASSWORD"),
				getenv("DB_HOST", "localhost"),
				getenv("DB_PORT", "5432"),
				getenv("DB_NAME", "photoshare"),
				getenv("DB_SSLMODE", "disable"),
			)
		}
	case DriverSQLite:
	default:
		return nil, fmt.Errorf("config: unsupported DB_DRIVER %q", cfg.DBDriver)
	}

	switch cfg.StorageDriver {
	case StorageLocal:
	case StorageS3:
		if cfg.S3.Bucket == "" {
			return nil, errors.New("config: S3_BUCKET is required for the s3 storage driver")
		}
	default:
		return nil, fmt.Errorf("config: unsupported STORAGE_DRIVER %q", cfg.StorageDriver)
	}

	maxMB, err := strconv.ParseInt(getenv("MAX_UPLOAD_MB", "50"), 10, 64)
	if err != nil || maxMB <= 0 {
		return nil, fmt.Errorf("config: invalid MAX_UPLOAD_MB %q", os.Getenv("MAX_UPLOAD_MB"))
	}
	cfg.MaxUploadSize = maxMB << 20

	origins := getenv("CORS_ORIGINS", "http://localhost:3000,http://localhost:3001")
	for _, o := range strings.Split(origins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.CORSOrigins = append(cfg.CORSOrigins, o)
		}
	}

	switch level := strings.ToLower(getenv("LOG_LEVEL", "info")); level {
	case "debug":
		cfg.LogLevel = slog.LevelDebug
	case "info":
		cfg.LogLevel = slog.LevelInfo
	case "warn", "warning":
		cfg.LogLevel = slog.LevelWarn
	case "error":
		cfg.LogLevel = slog.LevelError
	default:
		return nil, fmt.Errorf("config: invalid LOG_LEVEL %q", level)
	}

	return cfg, nil
}

func getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}

	return fallback
}
