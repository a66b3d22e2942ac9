package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/thatsimonsguy/touchline-bridge/internal/model"
)

type Config struct {
	ConfigFile string
	LogLevel   zerolog.Level
	LogFile    string

	ControllerHost      string             `json:"controller_host"`
	PollIntervalSeconds int                `json:"poll_interval_seconds"`
	CallTimeoutSeconds  int                `json:"call_timeout_seconds"`
	StaleThreshold      int                `json:"stale_threshold"`
	DisconnectCycles    int                `json:"disconnect_cycles"`
	APIPort             int                `json:"api_port"`
	SnapshotFile        string             `json:"snapshot_file"`
	Zones               []model.ZoneConfig `json:"zones"`

	EnableDatadog bool     `json:"enable_datadog"`
	DDAgentAddr   string   `json:"dd_agent_addr"`
	DDNamespace   string   `json:"dd_namespace"`
	DDTags        []string `json:"dd_tags"`

	NtfyTopic string `json:"ntfy_topic"`
}

func Load() Config {
	var cfg Config
	var logLevel string

	flag.StringVar(&cfg.ConfigFile, "config-file", "config.json", "Path to bridge config file")
	flag.StringVar(&cfg.LogFile, "log-file", "", "Log file path (default stderr)")
	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	cfg.LogLevel = parseLogLevel(logLevel)

	file, err := os.Open(cfg.ConfigFile)
	if err != nil {
		panic("Failed to load config file: " + err.Error())
	}
	defer file.Close()

	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		panic("Failed to parse config file: " + err.Error())
	}

	cfg.applyDefaults()
	cfg.validate()
	return cfg
}

func (cfg *Config) applyDefaults() {
	if cfg.PollIntervalSeconds == 0 {
		cfg.PollIntervalSeconds = 30
	}
	if cfg.CallTimeoutSeconds == 0 {
		cfg.CallTimeoutSeconds = 10
	}
	if cfg.StaleThreshold == 0 {
		cfg.StaleThreshold = 3
	}
	if cfg.DisconnectCycles == 0 {
		cfg.DisconnectCycles = 3
	}
	if cfg.APIPort == 0 {
		cfg.APIPort = 8080
	}
	if cfg.SnapshotFile == "" {
		cfg.SnapshotFile = "data/snapshot.db"
	}
	if cfg.DDAgentAddr == "" {
		cfg.DDAgentAddr = "127.0.0.1:8125"
	}
	if cfg.DDNamespace == "" {
		cfg.DDNamespace = "touchline."
	}
}

func (cfg *Config) validate() {
	var problems []string

	if cfg.ControllerHost == "" {
		problems = append(problems, "controller_host is required")
	}
	if cfg.PollIntervalSeconds < 0 {
		problems = append(problems, "poll_interval_seconds must be positive")
	}
	if cfg.CallTimeoutSeconds < 0 {
		problems = append(problems, "call_timeout_seconds must be positive")
	}
	if len(cfg.Zones) == 0 {
		problems = append(problems, "at least one zone is required")
	}

	seenIDs := map[string]bool{}
	seenIndexes := map[int]string{}
	for _, z := range cfg.Zones {
		if z.ID == "" {
			problems = append(problems, "zone with empty id")
			continue
		}
		if seenIDs[z.ID] {
			problems = append(problems, fmt.Sprintf("duplicate zone id %q", z.ID))
		}
		seenIDs[z.ID] = true

		if other, exists := seenIndexes[z.DeviceIndex]; exists {
			problems = append(problems, fmt.Sprintf("zones %q and %q both use device index %d", z.ID, other, z.DeviceIndex))
		} else {
			seenIndexes[z.DeviceIndex] = z.ID
		}
		if z.DeviceIndex < 0 {
			problems = append(problems, fmt.Sprintf("zone %q has negative device index", z.ID))
		}
	}

	if len(problems) > 0 {
		panic("Invalid config: " + strings.Join(problems, "; "))
	}
}

func parseLogLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
