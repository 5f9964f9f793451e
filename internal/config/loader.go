package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "swarmgate.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// The YAML file is optional; a missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Run.Goal, "SWARMGATE_GOAL")
	setStrings(&cfg.Run.Phases, "SWARMGATE_PHASES")
	setString(&cfg.Surface.Dir, "SWARMGATE_SURFACE_DIR")
	setInt64(&cfg.Surface.CacheMB, "SWARMGATE_SURFACE_CACHE_MB")
	setBool(&cfg.Surface.WatchEvents, "SWARMGATE_SURFACE_WATCH")
	setString(&cfg.Bus.Kind, "SWARMGATE_BUS_KIND")
	setDuration(&cfg.Bus.Retention, "SWARMGATE_BUS_RETENTION")
	setString(&cfg.Bus.NATS.URL, "NATS_URL")
	setString(&cfg.Audit.Kind, "SWARMGATE_AUDIT_KIND")
	setString(&cfg.Audit.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Audit.Postgres.MaxConns, "SWARMGATE_PG_MAX_CONNS")
	setInt32(&cfg.Audit.Postgres.MinConns, "SWARMGATE_PG_MIN_CONNS")
	setDuration(&cfg.Audit.Postgres.MaxConnLifetime, "SWARMGATE_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Audit.Postgres.MaxConnIdleTime, "SWARMGATE_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Audit.Postgres.HealthCheck, "SWARMGATE_PG_HEALTH_CHECK")
	setString(&cfg.Server.Port, "SWARMGATE_PORT")
	setString(&cfg.Logging.Level, "SWARMGATE_LOG_LEVEL")
	setString(&cfg.Logging.Service, "SWARMGATE_LOG_SERVICE")
	setBool(&cfg.Telemetry.Enabled, "SWARMGATE_OTEL_ENABLED")
	setString(&cfg.Telemetry.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setStrings(&cfg.Supervisor.Command, "SWARMGATE_WORKER_COMMAND")
	setDuration(&cfg.Supervisor.RunTimeout, "SWARMGATE_RUN_TIMEOUT")
	setDuration(&cfg.Supervisor.GracePeriod, "SWARMGATE_GRACE_PERIOD")
	setDuration(&cfg.Supervisor.RestartBase, "SWARMGATE_RESTART_BASE")
	setFloat64(&cfg.Supervisor.RestartFactor, "SWARMGATE_RESTART_FACTOR")
	setInt(&cfg.Supervisor.RestartMax, "SWARMGATE_RESTART_MAX")
	setDuration(&cfg.Supervisor.PollInterval, "SWARMGATE_WORKER_POLL_INTERVAL")
	setDuration(&cfg.Coordinator.PollInterval, "SWARMGATE_COORD_POLL_INTERVAL")
	setDuration(&cfg.Coordinator.HeartbeatInterval, "SWARMGATE_HEARTBEAT_INTERVAL")
	setFloat64(&cfg.Coordinator.StalenessFactor, "SWARMGATE_STALENESS_FACTOR")
	setDuration(&cfg.Coordinator.ReclaimAfter, "SWARMGATE_RECLAIM_AFTER")
	setDuration(&cfg.Contracts.NegotiationTimeout, "SWARMGATE_CONTRACT_TIMEOUT")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Surface.Dir == "" {
		return errors.New("surface.dir is required")
	}
	if len(cfg.Run.Phases) == 0 {
		return errors.New("run.phases must list at least one phase")
	}
	switch cfg.Bus.Kind {
	case "file", "nats":
	default:
		return fmt.Errorf("bus.kind must be file or nats, got %q", cfg.Bus.Kind)
	}
	if cfg.Bus.Kind == "nats" && cfg.Bus.NATS.URL == "" {
		return errors.New("bus.nats.url is required for bus.kind nats")
	}
	switch cfg.Audit.Kind {
	case "file", "postgres":
	default:
		return fmt.Errorf("audit.kind must be file or postgres, got %q", cfg.Audit.Kind)
	}
	if cfg.Audit.Kind == "postgres" && cfg.Audit.Postgres.DSN == "" {
		return errors.New("audit.postgres.dsn is required for audit.kind postgres")
	}
	if len(cfg.Supervisor.Terminals) == 0 {
		return errors.New("supervisor.terminals must list at least one slot")
	}
	seen := make(map[string]bool, len(cfg.Supervisor.Terminals))
	for _, t := range cfg.Supervisor.Terminals {
		if t.ID == "" {
			return errors.New("supervisor.terminals entries require an id")
		}
		if seen[t.ID] {
			return fmt.Errorf("duplicate terminal id %q", t.ID)
		}
		seen[t.ID] = true
	}
	if cfg.Supervisor.RestartMax < 0 {
		return errors.New("supervisor.restart_max must be >= 0")
	}
	if cfg.Coordinator.StalenessFactor < 1 {
		return errors.New("coordinator.staleness_factor must be >= 1")
	}
	if cfg.Coordinator.PollInterval <= 0 {
		return errors.New("coordinator.poll_interval must be > 0")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// setStrings parses a comma-separated env value into a string slice.
func setStrings(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		var parts []string
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		*dst = parts
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
