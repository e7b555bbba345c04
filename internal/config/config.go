package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/alexjbarnes/chat-sync/internal/logging"
)

// Backend selects which remote chat store implementation to use.
const (
	BackendHTTP = "http"
	BackendS3   = "s3"
)

const (
	// maxPageSize caps the listing page size; the backend rejects
	// larger limits anyway.
	maxPageSize = 100

	// keyLen is the decoded length of CHAT_SYNC_KEY (AES-256).
	keyLen = 32
)

// Config holds all environment-based configuration for chat-sync.
type Config struct {
	// Backend selects the remote store: "http" (the chat backend API)
	// or "s3" (a self-hosted bucket).
	Backend string `env:"CHAT_SYNC_BACKEND" envDefault:"http"`

	// Backend API settings (required when Backend is "http").
	BackendURL string `env:"CHAT_SYNC_BACKEND_URL"`
	AuthToken  string `env:"CHAT_SYNC_AUTH_TOKEN"`

	// S3 settings (required when Backend is "s3"). Endpoint may point
	// at a MinIO-style compatible service; empty means AWS proper.
	S3Bucket   string `env:"CHAT_SYNC_S3_BUCKET"`
	S3Region   string `env:"CHAT_SYNC_S3_REGION" envDefault:"us-east-1"`
	S3Endpoint string `env:"CHAT_SYNC_S3_ENDPOINT"`

	// StatePath is where the local state database lives. Empty means
	// ~/.chat-sync/state.db.
	StatePath string `env:"CHAT_SYNC_STATE_PATH"`

	// KeyHex is an optional hex-encoded 32-byte chat key. When set the
	// daemon syncs with this key directly instead of waiting for a
	// passkey recovery flow from an embedding client.
	KeyHex string `env:"CHAT_SYNC_KEY"`

	// PageSize is the listing page size used by the pagination engine.
	PageSize int `env:"CHAT_SYNC_PAGE_SIZE" envDefault:"20"`

	// SyncInterval is how often the background sync loop runs.
	SyncInterval time.Duration `env:"CHAT_SYNC_INTERVAL" envDefault:"30s"`

	// DeviceName this client identifies as. Defaults to system hostname.
	DeviceName string `env:"DEVICE_NAME"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "chat-sync"
		}

		cfg.DeviceName = hostname
	}

	if cfg.StatePath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("determining home directory: %w", err)
		}

		cfg.StatePath = filepath.Join(home, ".chat-sync", "state.db")
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// Resolve StatePath to an absolute path at startup so the state
	// layer never depends on the working directory.
	absPath, err := filepath.Abs(cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("resolving state path to absolute path: %w", err)
	}

	cfg.StatePath = absPath

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Backend {
	case BackendHTTP:
		if c.BackendURL == "" {
			return fmt.Errorf("CHAT_SYNC_BACKEND_URL is required when the http backend is selected")
		}

		if c.AuthToken == "" {
			return fmt.Errorf("CHAT_SYNC_AUTH_TOKEN is required when the http backend is selected")
		}
	case BackendS3:
		if c.S3Bucket == "" {
			return fmt.Errorf("CHAT_SYNC_S3_BUCKET is required when the s3 backend is selected")
		}
	default:
		return fmt.Errorf("CHAT_SYNC_BACKEND must be %q or %q, got %q", BackendHTTP, BackendS3, c.Backend)
	}

	if c.KeyHex != "" {
		if _, err := c.Key(); err != nil {
			return err
		}
	}

	if c.PageSize < 1 || c.PageSize > maxPageSize {
		return fmt.Errorf("CHAT_SYNC_PAGE_SIZE must be between 1 and %d, got %d", maxPageSize, c.PageSize)
	}

	if c.SyncInterval < time.Second {
		return fmt.Errorf("CHAT_SYNC_INTERVAL must be at least 1s, got %s", c.SyncInterval)
	}

	return nil
}

// Key decodes CHAT_SYNC_KEY. Returns nil when no key is configured.
func (c *Config) Key() ([]byte, error) {
	if c.KeyHex == "" {
		return nil, nil
	}

	key, err := hex.DecodeString(c.KeyHex)
	if err != nil {
		return nil, fmt.Errorf("CHAT_SYNC_KEY must be hex encoded: %w", err)
	}

	if len(key) != keyLen {
		return nil, fmt.Errorf("CHAT_SYNC_KEY must decode to %d bytes, got %d", keyLen, len(key))
	}

	return key, nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == logging.EnvProduction
}
