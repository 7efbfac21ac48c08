// xmlorganizer: enumerated configuration with environment defaults
package main

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config is the full set of tunables. Every field has a cobra flag whose
// default comes from the matching environment variable.
type Config struct {
	SourceDir   string // SOURCE_DIRECTORY: inbox, scanned recursively
	ArchiveRoot string // DESTINATION_NETWORK_DIRECTORY: final archive tree
	DataRoot    string // DATA_ROOT: parent of staging areas, catalog and logs

	MaxWorkers             int           // MAX_WORKERS
	ScanInterval           time.Duration // SCAN_INTERVAL seconds
	BatchSize              int           // BATCH_SIZE
	MaxRetryAttempts       int           // MAX_RETRY_ATTEMPTS
	RetryDelayBase         float64       // RETRY_DELAY_BASE seconds
	ReconciliationInterval time.Duration // RECONCILIATION_INTERVAL seconds

	// FileTimeout bounds a single worker's wait before backoff sleeps are
	// added on top; see perFileTimeout.
	FileTimeout time.Duration

	// Reconciler thresholds.
	QuarantineStaleAge time.Duration
	StuckAuditAge      time.Duration
}

func defaultConfig() Config {
	return Config{
		SourceDir:              os.Getenv("SOURCE_DIRECTORY"),
		ArchiveRoot:            os.Getenv("DESTINATION_NETWORK_DIRECTORY"),
		DataRoot:               envOr("DATA_ROOT", "xml_organizer_data"),
		MaxWorkers:             envOrInt("MAX_WORKERS", 4),
		ScanInterval:           time.Duration(envOrInt("SCAN_INTERVAL", 30)) * time.Second,
		BatchSize:              envOrInt("BATCH_SIZE", 50),
		MaxRetryAttempts:       envOrInt("MAX_RETRY_ATTEMPTS", 5),
		RetryDelayBase:         envOrFloat("RETRY_DELAY_BASE", 2),
		ReconciliationInterval: time.Duration(envOrInt("RECONCILIATION_INTERVAL", 300)) * time.Second,
		FileTimeout:            60 * time.Second,
		QuarantineStaleAge:     300 * time.Second,
		StuckAuditAge:          10 * time.Minute,
	}
}

func (c Config) validate() error {
	if c.SourceDir == "" {
		return fmt.Errorf("source directory is required")
	}
	if c.ArchiveRoot == "" {
		return fmt.Errorf("archive root is required")
	}
	if c.MaxWorkers < 1 {
		return fmt.Errorf("max workers must be at least 1")
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batch size must be at least 1")
	}
	if c.MaxRetryAttempts < 1 {
		return fmt.Errorf("max retry attempts must be at least 1")
	}
	if c.RetryDelayBase <= 0 {
		return fmt.Errorf("retry delay base must be positive")
	}
	return nil
}

func (c Config) databasePath() string { return filepath.Join(c.DataRoot, "xmlorganizer.db") }
func (c Config) logPath() string      { return filepath.Join(c.DataRoot, "xmlorganizer.log") }
func (c Config) auditLogPath() string { return filepath.Join(c.DataRoot, "audit.log") }

// backoffBudget is the worst-case total sleep across the retry schedule:
// sum of base^k seconds for k = 1..attempts-1.
func (c Config) backoffBudget() time.Duration {
	var total float64
	for k := 1; k < c.MaxRetryAttempts; k++ {
		total += math.Pow(c.RetryDelayBase, float64(k))
	}
	return time.Duration(total * float64(time.Second))
}

// perFileTimeout bounds one worker's run over a file, expanded so the
// budgeted retries are never truncated by the base timeout alone.
func (c Config) perFileTimeout() time.Duration {
	return c.FileTimeout + c.backoffBudget()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
