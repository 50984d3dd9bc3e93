package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
)

// Environment variables consulted by FromEnv.
const (
	EnvHost         = "COMFYUI_HOST"
	EnvWorkflowsDir = "COMFYRUN_WORKFLOWS_DIR"
	EnvMappingsDir  = "COMFYRUN_MAPPINGS_DIR"
	EnvOutputDir    = "COMFYRUN_OUTPUT_DIR"
	EnvDBPath       = "COMFYRUN_DB"
)

// ClientConfig holds settings for talking to the image backend.
type ClientConfig struct {
	Host string // Backend base URL (default "http://localhost:8188")

	// RequestTimeout bounds submit, upload and download calls.
	// Zero means no timeout: a hung connection blocks until ctx is done.
	RequestTimeout time.Duration
}

// DefaultClientConfig returns configuration pointing at a local backend.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{Host: "http://localhost:8188"}
}

// PollConfig bounds how long a job is awaited.
type PollConfig struct {
	MaxAttempts  int
	Interval     time.Duration
	InitialDelay time.Duration // wait before the first history query
}

// DefaultPollConfig returns 60 attempts at 2s intervals.
func DefaultPollConfig() PollConfig {
	return PollConfig{MaxAttempts: 60, Interval: 2 * time.Second}
}

// Paths locates template storage, the artifact directory and the ledger.
type Paths struct {
	WorkflowsDir string // <dir>/<workflow_id>.json graph templates
	MappingsDir  string // <dir>/<workflow_id>.json parameter mappings
	OutputDir    string // downloaded artifacts
	DBPath       string // SQLite ledger; empty selects DefaultDBPath
}

// DefaultPaths returns paths relative to the working directory.
func DefaultPaths() Paths {
	return Paths{
		WorkflowsDir: "workflows",
		MappingsDir:  "mappings",
		OutputDir:    "output",
	}
}

// ServerConfig holds configuration for the comfyrun HTTP API.
type ServerConfig struct {
	Addr              string // Listen address (default ":8090")
	MaxConcurrentJobs int    // Background pipeline runs admitted at once
	ShutdownTimeout   time.Duration
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:              ":8090",
		MaxConcurrentJobs: 4,
		ShutdownTimeout:   10 * time.Second,
	}
}

// Config is the full runtime configuration.
type Config struct {
	Client ClientConfig
	Poll   PollConfig
	Paths  Paths
	Server ServerConfig
}

// Default returns the full default configuration.
func Default() Config {
	return Config{
		Client: DefaultClientConfig(),
		Poll:   DefaultPollConfig(),
		Paths:  DefaultPaths(),
		Server: DefaultServerConfig(),
	}
}

// FromEnv returns the defaults overridden by any set environment variables.
func FromEnv() Config {
	cfg := Default()
	if v := os.Getenv(EnvHost); v != "" {
		cfg.Client.Host = v
	}
	if v := os.Getenv(EnvWorkflowsDir); v != "" {
		cfg.Paths.WorkflowsDir = v
	}
	if v := os.Getenv(EnvMappingsDir); v != "" {
		cfg.Paths.MappingsDir = v
	}
	if v := os.Getenv(EnvOutputDir); v != "" {
		cfg.Paths.OutputDir = v
	}
	if v := os.Getenv(EnvDBPath); v != "" {
		cfg.Paths.DBPath = v
	}
	return cfg
}

// DefaultDBPath returns ~/.comfyrun/comfyrun.db, creating the directory.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".comfyrun")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("cannot create %s: %w", dir, err)
	}
	return filepath.Join(dir, "comfyrun.db"), nil
}

// LoadDotEnv loads KEY=VALUE pairs from path into the environment without
// overriding variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := godotenv.Load(abs); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	return nil
}
