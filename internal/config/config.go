package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port            string
	DatabaseURL     string
	AllowOrigins    []string
	LogstashTCPAddr string

	MinIOEndpoint      string
	MinIOAccessKey     string
	MinIOSecretKey     string
	MinIOUseSSL        bool
	MinIOBucketImports string

	ImportWorkers      int
	ImportMaxRows      int
	ImportMaxFileBytes int64
	ImportRowTimeout   time.Duration
	ImportRetryMax     int
	ImportRetryBackoff time.Duration
	PMIntervalMonths   int
}

func Load() Config {
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env file not found: %v", err)
	}

	maxFile := int64(8 * 1024 * 1024)
	if v, err := strconv.ParseInt(getenv("IMPORT_MAX_FILE_BYTES", "8388608"), 10, 64); err == nil && v > 0 {
		maxFile = v
	}

	return Config{
		Port:            getenv("PORT", "8080"),
		DatabaseURL:     must("DATABASE_URL"),
		AllowOrigins:    splitAndTrim(getenv("ALLOW_ORIGINS", "*")),
		LogstashTCPAddr: getenv("LOGSTASH_TCP_ADDR", ""),

		MinIOEndpoint:      getenv("MINIO_ENDPOINT", ""),
		MinIOAccessKey:     getenv("MINIO_ACCESS_KEY", ""),
		MinIOSecretKey:     getenv("MINIO_SECRET_KEY", ""),
		MinIOUseSSL:        getenv("MINIO_USE_SSL", "false") == "true",
		MinIOBucketImports: getenv("MINIO_BUCKET_IMPORTS", "equipcare-imports"),

		ImportWorkers:      intenv("IMPORT_WORKERS", 4),
		ImportMaxRows:      intenv("IMPORT_MAX_ROWS", 5000),
		ImportMaxFileBytes: maxFile,
		ImportRowTimeout:   durenv("IMPORT_ROW_TIMEOUT", 30*time.Second),
		ImportRetryMax:     intenv("IMPORT_RETRY_MAX", 3),
		ImportRetryBackoff: durenv("IMPORT_RETRY_BACKOFF", 250*time.Millisecond),
		PMIntervalMonths:   intenv("PM_INTERVAL_MONTHS", 3),
	}
}

func splitAndTrim(input string) []string {
	parts := strings.Split(input, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

func getenv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func intenv(k string, d int) int {
	if v, err := strconv.Atoi(getenv(k, "")); err == nil && v > 0 {
		return v
	}
	return d
}

func durenv(k string, d time.Duration) time.Duration {
	if v, err := time.ParseDuration(getenv(k, "")); err == nil && v > 0 {
		return v
	}
	return d
}

func must(k string) string {
	v := os.Getenv(k)
	if v == "" {
		panic("missing env: " + k)
	}
	return v
}
