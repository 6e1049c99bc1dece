package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// SampleRate and Channels describe the only audio format the runtime accepts.
const (
	SampleRate = 16000
	Channels   = 1
)

type TelemetryConfig struct {
	LogLevel      string `yaml:"log_level"`
	LogFormat     string `yaml:"log_format"`
	TraceExporter string `yaml:"trace_exporter"` // none, stdout, otlp
	OTLPEndpoint  string `yaml:"otlp_endpoint"`
	OTLPInsecure  bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
	Port    int    `yaml:"port"`
}

type GRPCConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
	Port    int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	GRPC        GRPCConfig       `yaml:"grpc"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Node        NodeConfig       `yaml:"node"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Model       ModelConfig      `yaml:"model"`
	Engine      EngineConfig     `yaml:"engine"`
	STT         STTConfig        `yaml:"stt"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`

	// TranscriptStream names the JetStream stream retaining final
	// transcripts. Empty disables it.
	TranscriptStream string `yaml:"transcript_stream"`
	StreamMaxAgeHrs  int    `yaml:"transcript_stream_max_age_hours"`
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
	MaxRecords    int    `yaml:"max_records"`
	StoreText     bool   `yaml:"store_text"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// ModelConfig locates the acoustic model file. Path, when set, wins over the
// directory search.
type ModelConfig struct {
	File         string   `yaml:"file"`
	Path         string   `yaml:"path"`
	Directory    string   `yaml:"directory"`
	FallbackDirs []string `yaml:"fallback_dirs"`
}

type EngineConfig struct {
	Mode      string `yaml:"mode"` // mock, exec, whispercpp, vosk
	Command   string `yaml:"command"`
	Language  string `yaml:"language"`
	Threads   int    `yaml:"threads"`
	TimeoutMS int    `yaml:"timeout_ms"`
	MockText  string `yaml:"mock_text"`
}

type STTConfig struct {
	Enabled          bool    `yaml:"enabled"`
	SampleRate       int     `yaml:"sample_rate"`
	Channels         int     `yaml:"channels"`
	Confidence       float64 `yaml:"confidence"`
	VoiceThreshold   float64 `yaml:"voice_threshold"`
	RequestTimeoutMS int     `yaml:"request_timeout_ms"`
	MaxSessionBytes  int     `yaml:"max_session_bytes"`
	SessionIdleMS    int     `yaml:"session_idle_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "whisperd",
		Environment: "development",
		HTTP: HTTPConfig{
			Enabled: true,
			Bind:    "127.0.0.1",
			Port:    8080,
		},
		GRPC: GRPCConfig{
			Enabled: false,
			Bind:    "127.0.0.1",
			Port:    50051,
		},
		Telemetry: TelemetryConfig{
			LogLevel:      "info",
			LogFormat:     "json",
			TraceExporter: "none",
			OTLPInsecure:  true,
		},
		Bus: BusConfig{
			Enabled:          false,
			Embedded:         true,
			Host:             "127.0.0.1",
			Port:             4222,
			StoreDir:         "./data/nats",
			Servers:          []string{"nats://localhost:4222"},
			ConnectTimeout:   2000,
			TranscriptStream: "STT_TRANSCRIPTS",
			StreamMaxAgeHrs:  24,
		},
		Node: NodeConfig{
			ID:                "whisperd-1",
			Role:              "stt",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
			Capabilities: []NodeCapability{
				{Name: "stt.transcribe", Tier: "local"},
			},
		},
		EventStore: EventStoreConfig{
			Path:          "./data/whisperd-history.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxRecords:    10000,
			StoreText:     true,
		},
		Model: ModelConfig{
			File:         "ggml-base-q8_0.bin",
			Directory:    "./models",
			FallbackDirs: []string{"/usr/local/share/whisperd/models", "/usr/share/whisperd/models"},
		},
		Engine: EngineConfig{
			Mode:      "mock",
			Language:  "auto",
			TimeoutMS: 60000,
			MockText:  "this is a local speech recognition test result",
		},
		STT: STTConfig{
			Enabled:          false,
			SampleRate:       SampleRate,
			Channels:         Channels,
			Confidence:       0.8,
			VoiceThreshold:   0.01,
			RequestTimeoutMS: 45000,
			MaxSessionBytes:  SampleRate * 2 * 120,
			SessionIdleMS:    30000,
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
	overrideString(&cfg.RuntimeName, "WHISPERD_RUNTIME_NAME")
	overrideString(&cfg.Environment, "WHISPERD_RUNTIME_ENVIRONMENT")
	overrideBool(&cfg.HTTP.Enabled, "WHISPERD_HTTP_ENABLED")
	overrideString(&cfg.HTTP.Bind, "WHISPERD_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "WHISPERD_HTTP_PORT")
	overrideBool(&cfg.GRPC.Enabled, "WHISPERD_GRPC_ENABLED")
	overrideString(&cfg.GRPC.Bind, "WHISPERD_GRPC_BIND")
	overrideInt(&cfg.GRPC.Port, "WHISPERD_GRPC_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "WHISPERD_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFormat, "WHISPERD_TELEMETRY_LOG_FORMAT")
	overrideString(&cfg.Telemetry.TraceExporter, "WHISPERD_TELEMETRY_TRACE_EXPORTER")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "WHISPERD_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "WHISPERD_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Enabled, "WHISPERD_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "WHISPERD_BUS_EMBEDDED")
	overrideString(&cfg.Bus.Host, "WHISPERD_BUS_HOST")
	overrideInt(&cfg.Bus.Port, "WHISPERD_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "WHISPERD_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "WHISPERD_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "WHISPERD_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "WHISPERD_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "WHISPERD_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "WHISPERD_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "WHISPERD_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.TranscriptStream, "WHISPERD_BUS_TRANSCRIPT_STREAM")
	overrideInt(&cfg.Bus.StreamMaxAgeHrs, "WHISPERD_BUS_TRANSCRIPT_STREAM_MAX_AGE_HOURS")
	overrideString(&cfg.Node.ID, "WHISPERD_NODE_ID")
	overrideString(&cfg.Node.Role, "WHISPERD_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "WHISPERD_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "WHISPERD_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "WHISPERD_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "WHISPERD_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "WHISPERD_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxRecords, "WHISPERD_EVENT_STORE_MAX_RECORDS")
	overrideBool(&cfg.EventStore.StoreText, "WHISPERD_EVENT_STORE_STORE_TEXT")
	overrideBool(&cfg.EventStore.VacuumOnStart, "WHISPERD_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Model.File, "WHISPERD_MODEL_FILE")
	overrideString(&cfg.Model.Path, "WHISPERD_MODEL_PATH")
	overrideString(&cfg.Model.Directory, "WHISPERD_MODEL_DIRECTORY")
	overrideStringSlice(&cfg.Model.FallbackDirs, "WHISPERD_MODEL_FALLBACK_DIRS")
	overrideString(&cfg.Engine.Mode, "WHISPERD_ENGINE_MODE")
	overrideString(&cfg.Engine.Command, "WHISPERD_ENGINE_COMMAND")
	overrideString(&cfg.Engine.Language, "WHISPERD_ENGINE_LANGUAGE")
	overrideInt(&cfg.Engine.Threads, "WHISPERD_ENGINE_THREADS")
	overrideInt(&cfg.Engine.TimeoutMS, "WHISPERD_ENGINE_TIMEOUT_MS")
	overrideString(&cfg.Engine.MockText, "WHISPERD_ENGINE_MOCK_TEXT")
	overrideBool(&cfg.STT.Enabled, "WHISPERD_STT_ENABLED")
	overrideInt(&cfg.STT.SampleRate, "WHISPERD_STT_SAMPLE_RATE")
	overrideInt(&cfg.STT.Channels, "WHISPERD_STT_CHANNELS")
	overrideFloat(&cfg.STT.Confidence, "WHISPERD_STT_CONFIDENCE")
	overrideFloat(&cfg.STT.VoiceThreshold, "WHISPERD_STT_VOICE_THRESHOLD")
	overrideInt(&cfg.STT.RequestTimeoutMS, "WHISPERD_STT_REQUEST_TIMEOUT_MS")
	overrideInt(&cfg.STT.MaxSessionBytes, "WHISPERD_STT_MAX_SESSION_BYTES")
	overrideInt(&cfg.STT.SessionIdleMS, "WHISPERD_STT_SESSION_IDLE_MS")
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

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Enabled && (cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535) {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.GRPC.Enabled && (cfg.GRPC.Port <= 0 || cfg.GRPC.Port > 65535) {
		return errors.New("grpc.port must be between 1 and 65535")
	}
	switch cfg.Telemetry.LogFormat {
	case "json", "text":
	default:
		return errors.New("telemetry.log_format must be one of json|text")
	}
	switch cfg.Telemetry.TraceExporter {
	case "none", "stdout", "otlp":
	default:
		return errors.New("telemetry.trace_exporter must be one of none|stdout|otlp")
	}
	if cfg.Telemetry.TraceExporter == "otlp" && strings.TrimSpace(cfg.Telemetry.OTLPEndpoint) == "" {
		return errors.New("telemetry.otlp_endpoint must be set when trace_exporter=otlp")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Node.ID == "" {
			return errors.New("node.id must not be empty")
		}
		if cfg.Node.HeartbeatInterval <= 0 {
			return errors.New("node.heartbeat_interval_ms must be positive")
		}
		if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
			return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
		}
	}
	if cfg.STT.Enabled && !cfg.Bus.Enabled {
		return errors.New("stt.enabled requires bus.enabled")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Model.Path == "" && cfg.Model.File == "" {
		return errors.New("model.file must be set when model.path is empty")
	}
	switch cfg.Engine.Mode {
	case "mock", "exec", "whispercpp", "vosk":
	default:
		return errors.New("engine.mode must be one of mock|exec|whispercpp|vosk")
	}
	if cfg.Engine.Mode == "exec" && cfg.Engine.Command == "" {
		return errors.New("engine.command must be set when mode=exec")
	}
	if cfg.Engine.Threads < 0 {
		return errors.New("engine.threads must be >= 0")
	}
	if cfg.STT.SampleRate != SampleRate {
		return fmt.Errorf("stt.sample_rate must be %d", SampleRate)
	}
	if cfg.STT.Channels != Channels {
		return fmt.Errorf("stt.channels must be %d", Channels)
	}
	if cfg.STT.Confidence < 0 || cfg.STT.Confidence > 1 {
		return errors.New("stt.confidence must be within [0, 1]")
	}
	if cfg.STT.VoiceThreshold < 0 {
		return errors.New("stt.voice_threshold must be >= 0")
	}
	if cfg.STT.SessionIdleMS < 0 {
		return errors.New("stt.session_idle_ms must be >= 0")
	}
	return nil
}
