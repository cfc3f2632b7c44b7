package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

// SlogLevel maps log_level onto a slog level; unknown values mean info.
func (t TelemetryConfig) SlogLevel() slog.Level {
	switch strings.ToLower(t.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Node        NodeConfig       `yaml:"node"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	STT         STTConfig        `yaml:"stt"`
	Assessment  AssessmentConfig `yaml:"assessment"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type NodeConfig struct {
	ID                string           `yaml:"id"`
	Role              string           `yaml:"role"`
	HeartbeatInterval int              `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int              `yaml:"heartbeat_timeout_ms"`
	Capabilities      []NodeCapability `yaml:"capabilities"`
}

type NodeCapability struct {
	Name       string            `yaml:"name"`
	Tier       string            `yaml:"tier"`
	Attributes map[string]string `yaml:"attributes"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// STTConfig configures the recognizer that turns buffered audio into
// assessment payloads.
type STTConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Mode            string `yaml:"mode"` // mock, exec
	Command         string `yaml:"command"`
	Language        string `yaml:"language"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	FrameDurationMS int    `yaml:"frame_duration_ms"`
	PartialEveryMS  int    `yaml:"partial_every_ms"`
	PublishInterim  bool   `yaml:"publish_interim"`
	TimeoutMS       int    `yaml:"timeout_ms"`
}

// AssessmentConfig holds the engine defaults applied to requests that leave
// a field unset.
type AssessmentConfig struct {
	Enabled              bool    `yaml:"enabled"`
	DefaultGranularity   string  `yaml:"default_granularity"`
	DefaultMiscue        bool    `yaml:"default_miscue"`
	PhonemeAlphabet      string  `yaml:"phoneme_alphabet"`
	NBestPhonemeCount    int     `yaml:"nbest_phoneme_count"`
	CompletenessFallback float64 `yaml:"completeness_fallback"`
	MaxAlignmentCells    int     `yaml:"max_alignment_cells"`
	PersistReports       bool    `yaml:"persist_reports"`
	ForwardPartials      bool    `yaml:"forward_partials"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-assess",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "loqa-assess-1",
			Role:              "assessor",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
			Capabilities: []NodeCapability{
				{Name: "pronunciation.assessment", Tier: "balanced"},
			},
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-assess.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		STT: STTConfig{
			Enabled:         false,
			Mode:            "mock",
			Language:        "en-US",
			SampleRate:      16000,
			Channels:        1,
			FrameDurationMS: 20,
			PartialEveryMS:  800,
			TimeoutMS:       30000,
		},
		Assessment: AssessmentConfig{
			Enabled:              true,
			DefaultGranularity:   "phoneme",
			DefaultMiscue:        true,
			PhonemeAlphabet:      "IPA",
			NBestPhonemeCount:    5,
			CompletenessFallback: 100,
			MaxAlignmentCells:    4_000_000,
			PersistReports:       true,
			ForwardPartials:      true,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "LOQA_NODE_ID")
	overrideString(&cfg.Node.Role, "LOQA_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "LOQA_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "LOQA_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideBool(&cfg.STT.Enabled, "LOQA_STT_ENABLED")
	overrideString(&cfg.STT.Mode, "LOQA_STT_MODE")
	overrideString(&cfg.STT.Command, "LOQA_STT_COMMAND")
	overrideString(&cfg.STT.Language, "LOQA_STT_LANGUAGE")
	overrideInt(&cfg.STT.SampleRate, "LOQA_STT_SAMPLE_RATE")
	overrideInt(&cfg.STT.Channels, "LOQA_STT_CHANNELS")
	overrideInt(&cfg.STT.FrameDurationMS, "LOQA_STT_FRAME_DURATION_MS")
	overrideInt(&cfg.STT.PartialEveryMS, "LOQA_STT_PARTIAL_EVERY_MS")
	overrideBool(&cfg.STT.PublishInterim, "LOQA_STT_PUBLISH_INTERIM")
	overrideInt(&cfg.STT.TimeoutMS, "LOQA_STT_TIMEOUT_MS")
	overrideBool(&cfg.Assessment.Enabled, "LOQA_ASSESSMENT_ENABLED")
	overrideString(&cfg.Assessment.DefaultGranularity, "LOQA_ASSESSMENT_DEFAULT_GRANULARITY")
	overrideBool(&cfg.Assessment.DefaultMiscue, "LOQA_ASSESSMENT_DEFAULT_MISCUE")
	overrideString(&cfg.Assessment.PhonemeAlphabet, "LOQA_ASSESSMENT_PHONEME_ALPHABET")
	overrideInt(&cfg.Assessment.NBestPhonemeCount, "LOQA_ASSESSMENT_NBEST_PHONEME_COUNT")
	overrideFloat(&cfg.Assessment.CompletenessFallback, "LOQA_ASSESSMENT_COMPLETENESS_FALLBACK")
	overrideInt(&cfg.Assessment.MaxAlignmentCells, "LOQA_ASSESSMENT_MAX_ALIGNMENT_CELLS")
	overrideBool(&cfg.Assessment.PersistReports, "LOQA_ASSESSMENT_PERSIST_REPORTS")
	overrideBool(&cfg.Assessment.ForwardPartials, "LOQA_ASSESSMENT_FORWARD_PARTIALS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

// validate reports every problem at once.
func validate(cfg Config) error {
	var errs []error
	fail := func(msg string) { errs = append(errs, errors.New(msg)) }

	if cfg.RuntimeName == "" {
		fail("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		fail("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		// -1 asks the embedded server for a random free port.
		if cfg.Bus.Port != -1 && (cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535) {
			fail("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else if len(cfg.Bus.Servers) == 0 {
		fail("bus.servers must not be empty when embedded mode is disabled")
	}
	if cfg.Node.ID == "" {
		fail("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		fail("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		fail("node.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	if len(cfg.Node.Capabilities) == 0 {
		fail("node.capabilities must not be empty")
	}
	if cfg.EventStore.Path == "" {
		fail("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		fail("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		fail("event_store.retention_days must be >= 0")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		fail("telemetry.log_level must be one of debug|info|warn|error")
	}
	if cfg.STT.Enabled {
		switch cfg.STT.Mode {
		case "mock", "exec":
		default:
			fail("stt.mode must be one of mock|exec")
		}
		if cfg.STT.SampleRate <= 0 {
			fail("stt.sample_rate must be positive")
		}
		if cfg.STT.Channels <= 0 {
			fail("stt.channels must be positive")
		}
		if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
			fail("stt.command must be set when mode=exec")
		}
	}
	if cfg.Assessment.Enabled {
		switch cfg.Assessment.DefaultGranularity {
		case "phoneme", "word", "text":
		default:
			fail("assessment.default_granularity must be one of phoneme|word|text")
		}
		if cfg.Assessment.CompletenessFallback < 0 || cfg.Assessment.CompletenessFallback > 100 {
			fail("assessment.completeness_fallback must be between 0 and 100")
		}
		if cfg.Assessment.MaxAlignmentCells <= 0 {
			fail("assessment.max_alignment_cells must be positive")
		}
		if cfg.Assessment.NBestPhonemeCount < 0 {
			fail("assessment.nbest_phoneme_count must be >= 0")
		}
	}
	return errors.Join(errs...)
}
