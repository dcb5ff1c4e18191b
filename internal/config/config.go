// Package config loads all runtime configuration from environment
// variables, with .env support for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full runtime configuration, loaded once at startup and
// handed to the composition root.
type Config struct {
	Port      string
	JWTSecret string
	DB        DBConfig
	Askia     AskiaConfig
	Bictorys  BictorysConfig
	Upload    UploadConfig
}

// DBConfig configures the PostgreSQL pool.
type DBConfig struct {
	URL      string // postgres:// connection string
	MaxConns int32
}

// AskiaConfig configures the insurer API client.
type AskiaConfig struct {
	BaseURL    string
	AppClient  string
	PVCode     string // point-of-sale code
	BRCode     string // branch code (automobile)
	Timeout    time.Duration
	MaxRetries int
}

// BictorysConfig configures the checkout provider and the webhook it
// calls back on.
type BictorysConfig struct {
	BaseURL         string
	PublicKey       string
	WebhookSecret   string // shared secret checked on incoming webhooks
	ReferencePrefix string // payment reference prefix, e.g. "BWHITE_PAY"
	SuccessURL      string // where Bictorys redirects the customer after payment
	Timeout         time.Duration
}

// UploadConfig configures file storage. R2 fields empty means local
// filesystem storage.
type UploadConfig struct {
	Dir     string
	BaseURL string

	R2AccountID string
	R2AccessKey string
	R2Secret    string
	R2Bucket    string
	R2PublicURL string
}

// Load reads the environment (and .env if present) into a Config.
// JWT_SECRET and DATABASE_URL are required; everything else has a
// development default.
func Load() (*Config, error) {
	// .env is optional — in production everything comes from the
	// real environment.
	_ = godotenv.Load()

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	cfg := &Config{
		Port:      getenv("PORT", "8080"),
		JWTSecret: jwtSecret,
		DB: DBConfig{
			URL:      dbURL,
			MaxConns: int32(getenvInt("DB_MAX_CONNS", 10)),
		},
		Askia: AskiaConfig{
			BaseURL:    getenv("ASKIA_BASE_URL", "https://askiatest.link:8083/ws"),
			AppClient:  os.Getenv("ASKIA_APP_CLIENT"),
			PVCode:     os.Getenv("ASKIA_PV_CODE"),
			BRCode:     getenv("ASKIA_BR_CODE", "BR00000023"),
			Timeout:    getenvSeconds("ASKIA_TIMEOUT_SECONDS", 30),
			MaxRetries: getenvInt("ASKIA_MAX_RETRIES", 2),
		},
		Bictorys: BictorysConfig{
			BaseURL:         getenv("BICTORYS_API_BASE_URL", "https://api.test.bictorys.com"),
			PublicKey:       os.Getenv("BICTORYS_PUBLIC_KEY"),
			WebhookSecret:   os.Getenv("BICTORYS_WEBHOOK_SECRET"),
			ReferencePrefix: getenv("PAYMENT_REFERENCE_PREFIX", "BWHITE_PAY"),
			SuccessURL:      os.Getenv("CHECKOUT_SUCCESS_URL"),
			Timeout:         getenvSeconds("BICTORYS_TIMEOUT_SECONDS", 15),
		},
		Upload: UploadConfig{
			Dir:         getenv("UPLOAD_DIR", "./uploads"),
			BaseURL:     getenv("UPLOAD_BASE_URL", "/api/files"),
			R2AccountID: os.Getenv("R2_ACCOUNT_ID"),
			R2AccessKey: os.Getenv("R2_ACCESS_KEY_ID"),
			R2Secret:    os.Getenv("R2_SECRET_ACCESS_KEY"),
			R2Bucket:    os.Getenv("R2_BUCKET"),
			R2PublicURL: os.Getenv("R2_PUBLIC_URL"),
		},
	}
	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
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

func getenvSeconds(key string, fallback int) time.Duration {
	return time.Duration(getenvInt(key, fallback)) * time.Second
}
