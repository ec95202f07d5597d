// Package config provides configuration management for Engram.
// It loads settings from environment variables and provides sensible
// defaults for every option. An optional YAML file (ENGRAM_CONFIG_FILE)
// can overlay the environment for deployments that prefer files over
// ambient variables; environment variables win over the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration settings for the Engram service.
type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	MCP       MCPConfig
	Memory    MemoryConfig
	Embedding EmbeddingConfig
	Gateway   GatewayConfig
	OpenClaw  OpenClawConfig
	Backup    BackupConfig
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port int    // Server port (default: 8787)
	Host string // Server host (default: 127.0.0.1)
}

// Addr returns the host:port listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// StorageConfig contains database path configuration.
type StorageConfig struct {
	DataPath     string // Directory holding tenant databases (default: ./data)
	RegistryPath string // Path to the registry database (default: <DataPath>/registry.db)
}

// MCPConfig contains MCP transport limits.
type MCPConfig struct {
	MaxConnectionsPerKey int // Concurrent SSE sessions per API key (default: 5)
	MaxConnectionsPerIP  int // Concurrent SSE sessions per client IP (default: 20)
	SessionIdleMS        int // Idle ms before an SSE session is closed (default: 15 min)
	RequestsPerMinute    int // Per-key HTTP rate limit (default: 300)
}

// SessionIdle returns the idle timeout as a duration.
func (c MCPConfig) SessionIdle() time.Duration {
	return time.Duration(c.SessionIdleMS) * time.Millisecond
}

// MemoryConfig contains memory-layer behaviour settings.
type MemoryConfig struct {
	WorkingMemoryTTLHours int // TTL applied to working-layer memories (default: 24)
}

// WorkingMemoryTTL returns the working-layer TTL as a duration.
func (c MemoryConfig) WorkingMemoryTTL() time.Duration {
	return time.Duration(c.WorkingMemoryTTLHours) * time.Hour
}

// EmbeddingConfig contains embedding queue and backfill tuning.
type EmbeddingConfig struct {
	JobMaxAttempts      int    // Attempts before dead-letter (default: 5)
	RetryBaseMS         int    // Backoff base in ms (default: 500)
	RetryMaxMS          int    // Backoff ceiling in ms (default: 60000)
	ProcessingTimeoutMS int    // Stale-claim rescue threshold in ms (default: 120000)
	WorkerBatchSize     int    // Max jobs per worker pass (default: 10)
	BackfillBatchSize   int    // Memories scanned per backfill batch (default: 50)
	BackfillThrottleMS  int    // Sleep between backfill items in ms (default: 100)
	DefaultModelID      string // System-default embedding model id
}

// RetryBase returns the backoff base as a duration.
func (c EmbeddingConfig) RetryBase() time.Duration {
	return time.Duration(c.RetryBaseMS) * time.Millisecond
}

// RetryMax returns the backoff ceiling as a duration.
func (c EmbeddingConfig) RetryMax() time.Duration {
	return time.Duration(c.RetryMaxMS) * time.Millisecond
}

// ProcessingTimeout returns the stale-claim threshold as a duration.
func (c EmbeddingConfig) ProcessingTimeout() time.Duration {
	return time.Duration(c.ProcessingTimeoutMS) * time.Millisecond
}

// GatewayConfig contains the external AI gateway credentials used for
// embedding generation and the model catalog.
type GatewayConfig struct {
	APIKey  string // AI_GATEWAY_API_KEY
	BaseURL string // AI_GATEWAY_BASE_URL (default: https://ai-gateway.vercel.sh/v1)
}

// OpenClawConfig contains the opt-in OpenClaw collaborator settings.
type OpenClawConfig struct {
	FileModeEnabled bool // MEMORY_OPENCLAW_FILE_MODE_ENABLED (default: false)
}

// BackupConfig contains backup sweep settings.
type BackupConfig struct {
	Dir             string // Snapshot directory (default: <DataPath>/backups)
	IntervalMinutes int    // Minutes between sweeps (default: 60)
}

// Interval returns the sweep interval as a duration.
func (c BackupConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMinutes) * time.Minute
}

// fileOverlay mirrors Config for the optional YAML file. Only keys present
// in the file are applied; zero values left by the decoder are ignored.
type fileOverlay struct {
	Server struct {
		Port int    `yaml:"port"`
		Host string `yaml:"host"`
	} `yaml:"server"`
	Storage struct {
		DataPath     string `yaml:"data_path"`
		RegistryPath string `yaml:"registry_path"`
	} `yaml:"storage"`
	MCP struct {
		MaxConnectionsPerKey int `yaml:"max_connections_per_key"`
		MaxConnectionsPerIP  int `yaml:"max_connections_per_ip"`
		SessionIdleMS        int `yaml:"session_idle_ms"`
		RequestsPerMinute    int `yaml:"requests_per_minute"`
	} `yaml:"mcp"`
	Memory struct {
		WorkingMemoryTTLHours int `yaml:"working_memory_ttl_hours"`
	} `yaml:"memory"`
	Embedding struct {
		JobMaxAttempts      int    `yaml:"job_max_attempts"`
		RetryBaseMS         int    `yaml:"retry_base_ms"`
		RetryMaxMS          int    `yaml:"retry_max_ms"`
		ProcessingTimeoutMS int    `yaml:"processing_timeout_ms"`
		WorkerBatchSize     int    `yaml:"worker_batch_size"`
		BackfillBatchSize   int    `yaml:"backfill_batch_size"`
		BackfillThrottleMS  int    `yaml:"backfill_throttle_ms"`
		DefaultModelID      string `yaml:"default_model_id"`
	} `yaml:"embedding"`
	Gateway struct {
		APIKey  string `yaml:"api_key"`
		BaseURL string `yaml:"base_url"`
	} `yaml:"gateway"`
	OpenClaw struct {
		FileModeEnabled *bool `yaml:"file_mode_enabled"`
	} `yaml:"openclaw"`
	Backup struct {
		Dir             string `yaml:"dir"`
		IntervalMinutes int    `yaml:"interval_minutes"`
	} `yaml:"backup"`
}

// LoadConfig loads configuration from the optional YAML overlay and the
// environment. Environment variables take precedence over the file, and
// defaults fill whatever neither provides.
func LoadConfig() (*Config, error) {
	cfg := buildBaseConfig()

	path := os.Getenv("ENGRAM_CONFIG_FILE")
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}
	var file fileOverlay
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}
	applyOverlay(cfg, &file)
	return cfg, nil
}

// applyOverlay copies file values into cfg, but only for settings the
// environment did not set explicitly.
func applyOverlay(cfg *Config, file *fileOverlay) {
	overlayInt(&cfg.Server.Port, file.Server.Port, "ENGRAM_PORT")
	overlayStr(&cfg.Server.Host, file.Server.Host, "ENGRAM_HOST")
	overlayStr(&cfg.Storage.DataPath, file.Storage.DataPath, "ENGRAM_DATA_PATH")
	overlayStr(&cfg.Storage.RegistryPath, file.Storage.RegistryPath, "ENGRAM_REGISTRY_PATH")

	overlayInt(&cfg.MCP.MaxConnectionsPerKey, file.MCP.MaxConnectionsPerKey, "MCP_MAX_CONNECTIONS_PER_KEY")
	overlayInt(&cfg.MCP.MaxConnectionsPerIP, file.MCP.MaxConnectionsPerIP, "MCP_MAX_CONNECTIONS_PER_IP")
	overlayInt(&cfg.MCP.SessionIdleMS, file.MCP.SessionIdleMS, "MCP_SESSION_IDLE_MS")
	overlayInt(&cfg.MCP.RequestsPerMinute, file.MCP.RequestsPerMinute, "MCP_REQUESTS_PER_MINUTE")

	if os.Getenv("MEMORIES_WORKING_MEMORY_TTL_HOURS") == "" && os.Getenv("MCP_WORKING_MEMORY_TTL_HOURS") == "" &&
		file.Memory.WorkingMemoryTTLHours != 0 {
		cfg.Memory.WorkingMemoryTTLHours = file.Memory.WorkingMemoryTTLHours
	}

	overlayInt(&cfg.Embedding.JobMaxAttempts, file.Embedding.JobMaxAttempts, "SDK_EMBEDDING_JOB_MAX_ATTEMPTS")
	overlayInt(&cfg.Embedding.RetryBaseMS, file.Embedding.RetryBaseMS, "SDK_EMBEDDING_JOB_RETRY_BASE_MS")
	overlayInt(&cfg.Embedding.RetryMaxMS, file.Embedding.RetryMaxMS, "SDK_EMBEDDING_JOB_RETRY_MAX_MS")
	overlayInt(&cfg.Embedding.ProcessingTimeoutMS, file.Embedding.ProcessingTimeoutMS, "SDK_EMBEDDING_JOB_PROCESSING_TIMEOUT_MS")
	overlayInt(&cfg.Embedding.WorkerBatchSize, file.Embedding.WorkerBatchSize, "SDK_EMBEDDING_JOB_WORKER_BATCH_SIZE")
	overlayInt(&cfg.Embedding.BackfillBatchSize, file.Embedding.BackfillBatchSize, "SDK_EMBEDDING_JOB_BACKFILL_BATCH_SIZE")
	overlayInt(&cfg.Embedding.BackfillThrottleMS, file.Embedding.BackfillThrottleMS, "SDK_EMBEDDING_JOB_BACKFILL_THROTTLE_MS")
	overlayStr(&cfg.Embedding.DefaultModelID, file.Embedding.DefaultModelID, "SDK_DEFAULT_EMBEDDING_MODEL_ID")

	overlayStr(&cfg.Gateway.APIKey, file.Gateway.APIKey, "AI_GATEWAY_API_KEY")
	overlayStr(&cfg.Gateway.BaseURL, file.Gateway.BaseURL, "AI_GATEWAY_BASE_URL")

	if os.Getenv("MEMORY_OPENCLAW_FILE_MODE_ENABLED") == "" && file.OpenClaw.FileModeEnabled != nil {
		cfg.OpenClaw.FileModeEnabled = *file.OpenClaw.FileModeEnabled
	}

	overlayStr(&cfg.Backup.Dir, file.Backup.Dir, "ENGRAM_BACKUP_DIR")
	overlayInt(&cfg.Backup.IntervalMinutes, file.Backup.IntervalMinutes, "ENGRAM_BACKUP_INTERVAL_MINUTES")
}

func overlayInt(dst *int, fileValue int, envKey string) {
	if os.Getenv(envKey) == "" && fileValue != 0 {
		*dst = fileValue
	}
}

func overlayStr(dst *string, fileValue, envKey string) {
	if os.Getenv(envKey) == "" && fileValue != "" {
		*dst = fileValue
	}
}

// buildBaseConfig constructs a Config with values from environment variables
// and defaults.
func buildBaseConfig() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port: getEnvInt("ENGRAM_PORT", 8787),
			Host: getEnv("ENGRAM_HOST", "127.0.0.1"),
		},
		Storage: StorageConfig{
			DataPath:     getEnv("ENGRAM_DATA_PATH", "./data"),
			RegistryPath: getEnv("ENGRAM_REGISTRY_PATH", ""),
		},
		MCP: MCPConfig{
			MaxConnectionsPerKey: getEnvInt("MCP_MAX_CONNECTIONS_PER_KEY", 5),
			MaxConnectionsPerIP:  getEnvInt("MCP_MAX_CONNECTIONS_PER_IP", 20),
			SessionIdleMS:        getEnvInt("MCP_SESSION_IDLE_MS", 15*60*1000),
			RequestsPerMinute:    getEnvInt("MCP_REQUESTS_PER_MINUTE", 300),
		},
		Memory: MemoryConfig{
			WorkingMemoryTTLHours: workingMemoryTTLHours(),
		},
		Embedding: EmbeddingConfig{
			JobMaxAttempts:      getEnvInt("SDK_EMBEDDING_JOB_MAX_ATTEMPTS", 5),
			RetryBaseMS:         getEnvInt("SDK_EMBEDDING_JOB_RETRY_BASE_MS", 500),
			RetryMaxMS:          getEnvInt("SDK_EMBEDDING_JOB_RETRY_MAX_MS", 60_000),
			ProcessingTimeoutMS: getEnvInt("SDK_EMBEDDING_JOB_PROCESSING_TIMEOUT_MS", 120_000),
			WorkerBatchSize:     getEnvInt("SDK_EMBEDDING_JOB_WORKER_BATCH_SIZE", 10),
			BackfillBatchSize:   getEnvInt("SDK_EMBEDDING_JOB_BACKFILL_BATCH_SIZE", 50),
			BackfillThrottleMS:  getEnvInt("SDK_EMBEDDING_JOB_BACKFILL_THROTTLE_MS", 100),
			DefaultModelID:      getEnv("SDK_DEFAULT_EMBEDDING_MODEL_ID", "openai/text-embedding-3-small"),
		},
		Gateway: GatewayConfig{
			APIKey:  getEnv("AI_GATEWAY_API_KEY", ""),
			BaseURL: getEnv("AI_GATEWAY_BASE_URL", "https://ai-gateway.vercel.sh/v1"),
		},
		OpenClaw: OpenClawConfig{
			FileModeEnabled: getEnvBool("MEMORY_OPENCLAW_FILE_MODE_ENABLED", false),
		},
		Backup: BackupConfig{
			Dir:             getEnv("ENGRAM_BACKUP_DIR", ""),
			IntervalMinutes: getEnvInt("ENGRAM_BACKUP_INTERVAL_MINUTES", 60),
		},
	}
	if cfg.Storage.RegistryPath == "" {
		cfg.Storage.RegistryPath = cfg.Storage.DataPath + "/registry.db"
	}
	if cfg.Backup.Dir == "" {
		cfg.Backup.Dir = cfg.Storage.DataPath + "/backups"
	}
	return cfg
}

// workingMemoryTTLHours honours both spellings of the TTL variable, the
// MEMORIES_ one winning.
func workingMemoryTTLHours() int {
	if v := os.Getenv("MEMORIES_WORKING_MEMORY_TTL_HOURS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return getEnvInt("MCP_WORKING_MEMORY_TTL_HOURS", 24)
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default
// value. If the variable exists but cannot be parsed, the default is used.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns a default
// value. Accepts the forms strconv.ParseBool accepts.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
