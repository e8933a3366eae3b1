package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the AgentFleet control plane.
type Config struct {
	Port         int
	Version      string
	DataDir      string
	LogLevel     string
	APIKeys      []string
	Pool         PoolConfig
	Health       HealthConfig
	Coordination CoordinationConfig
	Backup       BackupConfig
	Telemetry    TelemetryConfig
}

type PoolConfig struct {
	Workers   int
	QueueSize int
}

type HealthConfig struct {
	Interval            time.Duration
	PerformanceInterval time.Duration
	ProbeTimeout        time.Duration
	AutoFailover        bool
}

type CoordinationConfig struct {
	RulesFile      string
	PolicyFile     string
	PropertiesFile string
	Workspace      string
	Environment    string
}

type BackupConfig struct {
	// Backend is the default driver: memory, local, sqlite or postgres.
	Backend         string
	Dir             string
	Compress        bool
	SQLitePath      string
	PostgresURL     string
	RetentionDays   int
	JanitorInterval time.Duration
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	Insecure     bool
	ServiceName  string
	// SampleRatio applies to root spans; children follow their parent.
	SampleRatio float64
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	dataDir := envStr("FLEET_DATA_DIR", "data")
	return &Config{
		Port:     envInt("FLEET_PORT", 8080),
		Version:  envStr("FLEET_VERSION", "0.1.0"),
		DataDir:  dataDir,
		LogLevel: envStr("FLEET_LOG_LEVEL", "info"),
		APIKeys:  envList("FLEET_API_KEYS"),
		Pool: PoolConfig{
			Workers:   envInt("FLEET_WORKERS", 10),
			QueueSize: envInt("FLEET_QUEUE_SIZE", 100),
		},
		Health: HealthConfig{
			Interval:            envDuration("FLEET_HEALTH_INTERVAL", 30*time.Second),
			PerformanceInterval: envDuration("FLEET_PERF_INTERVAL", 60*time.Second),
			ProbeTimeout:        envDuration("FLEET_PROBE_TIMEOUT", 5*time.Second),
			AutoFailover:        envBool("FLEET_AUTO_FAILOVER", true),
		},
		Coordination: CoordinationConfig{
			RulesFile:      envStr("FLEET_RULES_FILE", ""),
			PolicyFile:     envStr("FLEET_POLICY_FILE", ""),
			PropertiesFile: envStr("FLEET_PROPERTIES_FILE", ""),
			Workspace:      envStr("FLEET_WORKSPACE", "default"),
			Environment:    envStr("FLEET_ENVIRONMENT", "development"),
		},
		Backup: BackupConfig{
			Backend:         envStr("FLEET_BACKUP_BACKEND", "memory"),
			Dir:             envStr("FLEET_BACKUP_DIR", dataDir+"/backups"),
			Compress:        envBool("FLEET_BACKUP_COMPRESS", true),
			SQLitePath:      envStr("FLEET_BACKUP_SQLITE_PATH", ""),
			PostgresURL:     envStr("FLEET_BACKUP_POSTGRES_URL", ""),
			RetentionDays:   envInt("FLEET_BACKUP_RETENTION_DAYS", 30),
			JanitorInterval: envDuration("FLEET_BACKUP_JANITOR_INTERVAL", time.Hour),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:     envBool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "agentfleet-control-plane"),
			SampleRatio:  envFloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

// envDuration accepts Go durations ("45s") or plain seconds ("45").
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func envList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
