package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level" env:"LOQA_TELEMETRY_LOG_LEVEL"`
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"LOQA_TELEMETRY_OTLP_ENDPOINT"`
	OTLPInsecure bool   `yaml:"otlp_insecure" env:"LOQA_TELEMETRY_OTLP_INSECURE"`
	StdoutTraces bool   `yaml:"stdout_traces" env:"LOQA_TELEMETRY_STDOUT_TRACES"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind" env:"LOQA_HTTP_BIND"`
	Port int    `yaml:"port" env:"LOQA_HTTP_PORT"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name" env:"LOQA_RUNTIME_NAME"`
	Environment string           `yaml:"environment" env:"LOQA_RUNTIME_ENVIRONMENT"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Node        NodeConfig       `yaml:"node"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Capture     CaptureConfig    `yaml:"capture"`
	Engine      EngineConfig     `yaml:"engine"`
	Session     SessionConfig    `yaml:"session"`
	Sinks       SinksConfig      `yaml:"sinks"`
}

// NodeConfig identifies this daemon to peers on the bus.
type NodeConfig struct {
	ID                  string `yaml:"id" env:"LOQA_NODE_ID"`
	HeartbeatIntervalMS int    `yaml:"heartbeat_interval_ms" env:"LOQA_NODE_HEARTBEAT_INTERVAL_MS"`
	HeartbeatTimeoutMS  int    `yaml:"heartbeat_timeout_ms" env:"LOQA_NODE_HEARTBEAT_TIMEOUT_MS"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled" env:"LOQA_BUS_ENABLED"`
	Embedded       bool     `yaml:"embedded" env:"LOQA_BUS_EMBEDDED"`
	Port           int      `yaml:"port" env:"LOQA_BUS_PORT"`
	StoreDir       string   `yaml:"store_dir" env:"LOQA_BUS_STORE_DIR"`
	Servers        []string `yaml:"servers" env:"LOQA_BUS_SERVERS"`
	Username       string   `yaml:"username" env:"LOQA_BUS_USERNAME"`
	Password       string   `yaml:"password" env:"LOQA_BUS_PASSWORD"`
	Token          string   `yaml:"token" env:"LOQA_BUS_TOKEN"`
	TLSInsecure    bool     `yaml:"tls_insecure" env:"LOQA_BUS_TLS_INSECURE"`
	ConnectTimeout int      `yaml:"connect_timeout_ms" env:"LOQA_BUS_CONNECT_TIMEOUT_MS"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path" env:"LOQA_EVENT_STORE_PATH"`
	RetentionMode string `yaml:"retention_mode" env:"LOQA_EVENT_STORE_RETENTION_MODE"`
	RetentionDays int    `yaml:"retention_days" env:"LOQA_EVENT_STORE_RETENTION_DAYS"`
	MaxSessions   int    `yaml:"max_sessions" env:"LOQA_EVENT_STORE_MAX_SESSIONS"`
	VacuumOnStart bool   `yaml:"vacuum_on_start" env:"LOQA_EVENT_STORE_VACUUM_ON_START"`
}

// CaptureConfig selects the audio source a session records from.
type CaptureConfig struct {
	Mode     string `yaml:"mode" env:"LOQA_CAPTURE_MODE"` // wav, exec, bus
	File     string `yaml:"file" env:"LOQA_CAPTURE_FILE"`
	Realtime bool   `yaml:"realtime" env:"LOQA_CAPTURE_REALTIME"`
	Command  string `yaml:"command" env:"LOQA_CAPTURE_COMMAND"`
	// StartTimeoutMS bounds how long an exec recorder may take to deliver
	// its first frame.
	StartTimeoutMS int    `yaml:"start_timeout_ms" env:"LOQA_CAPTURE_START_TIMEOUT_MS"`
	Stream         string `yaml:"stream" env:"LOQA_CAPTURE_STREAM"`
	FrameMS        int    `yaml:"frame_ms" env:"LOQA_CAPTURE_FRAME_MS"`
	RecordDir      string `yaml:"record_dir" env:"LOQA_CAPTURE_RECORD_DIR"`
}

// EngineConfig selects the recognition backend.
type EngineConfig struct {
	Mode       string   `yaml:"mode" env:"LOQA_ENGINE_MODE"` // mock, exec, whisper
	Command    string   `yaml:"command" env:"LOQA_ENGINE_COMMAND"`
	ModelPaths []string `yaml:"model_paths" env:"LOQA_ENGINE_MODEL_PATHS"`
	Language   string   `yaml:"language" env:"LOQA_ENGINE_LANGUAGE"`
	Threads    int      `yaml:"threads" env:"LOQA_ENGINE_THREADS"`
	TimeoutMS  int      `yaml:"timeout_ms" env:"LOQA_ENGINE_TIMEOUT_MS"`
}

type SessionConfig struct {
	ChunkDurationMS             int `yaml:"chunk_duration_ms" env:"LOQA_SESSION_CHUNK_DURATION_MS"`
	SampleRate                  int `yaml:"sample_rate" env:"LOQA_SESSION_SAMPLE_RATE"`
	Channels                    int `yaml:"channels" env:"LOQA_SESSION_CHANNELS"`
	MaxConsecutiveEngineRetries int `yaml:"max_consecutive_engine_retries" env:"LOQA_SESSION_MAX_CONSECUTIVE_ENGINE_RETRIES"`
	QueueDepth                  int `yaml:"queue_depth" env:"LOQA_SESSION_QUEUE_DEPTH"`

	Live LiveConfig `yaml:"live"`
}

// LiveConfig tunes continuous subtitle sessions.
type LiveConfig struct {
	UpdateIntervalMS int     `yaml:"update_interval_ms" env:"LOQA_LIVE_UPDATE_INTERVAL_MS"`
	SilenceThreshold float64 `yaml:"silence_threshold" env:"LOQA_LIVE_SILENCE_THRESHOLD"`
	MaxDisplayChars  int     `yaml:"max_display_chars" env:"LOQA_LIVE_MAX_DISPLAY_CHARS"`
	ContextChunks    int     `yaml:"context_chunks" env:"LOQA_LIVE_CONTEXT_CHUNKS"`
}

// ChunkSamples is the number of mono samples in one fixed-size chunk.
func (s SessionConfig) ChunkSamples() int {
	return s.ChunkDurationMS * s.SampleRate / 1000
}

type SinksConfig struct {
	Bus       bool `yaml:"bus" env:"LOQA_SINKS_BUS"`
	Store     bool `yaml:"store" env:"LOQA_SINKS_STORE"`
	WebSocket bool `yaml:"websocket" env:"LOQA_SINKS_WEBSOCKET"`
	Log       bool `yaml:"log" env:"LOQA_SINKS_LOG"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-ime",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8765,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPInsecure: true,
		},
		Node: NodeConfig{
			ID:                  "loqa-ime",
			HeartbeatIntervalMS: 5000,
			HeartbeatTimeoutMS:  15000,
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-ime.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Capture: CaptureConfig{
			Mode:           "exec",
			Command:        "arecord -q -t raw -f S16_LE -r 16000 -c 1",
			Stream:         "default",
			FrameMS:        20,
			StartTimeoutMS: 2000,
		},
		Engine: EngineConfig{
			Mode:      "mock",
			Language:  "en",
			Threads:   4,
			TimeoutMS: 30000,
		},
		Session: SessionConfig{
			ChunkDurationMS:             560,
			SampleRate:                  16000,
			Channels:                    1,
			MaxConsecutiveEngineRetries: 1,
			QueueDepth:                  16,
			Live: LiveConfig{
				SilenceThreshold: 0.0015,
				MaxDisplayChars:  900,
				ContextChunks:    12,
			},
		},
		Sinks: SinksConfig{
			Bus:       true,
			Store:     true,
			WebSocket: true,
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

	if err := applyEnvOverrides(&cfg); err != nil {
		return cfg, err
	}
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("failed to apply env overrides: %w", err)
	}
	cfg.Bus.Servers = trimAll(cfg.Bus.Servers)
	cfg.Engine.ModelPaths = trimAll(cfg.Engine.ModelPaths)
	return nil
}

func trimAll(values []string) []string {
	var trimmed []string
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			trimmed = append(trimmed, s)
		}
	}
	return trimmed
}

// Validate reports the first invalid setting in cfg.
func Validate(cfg Config) error {
	return validate(cfg)
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
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
		if cfg.Node.HeartbeatIntervalMS <= 0 || cfg.Node.HeartbeatTimeoutMS < cfg.Node.HeartbeatIntervalMS {
			return errors.New("node heartbeat interval must be > 0 and not exceed the timeout")
		}
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}

	switch cfg.Capture.Mode {
	case "wav":
		if cfg.Capture.File == "" {
			return errors.New("capture.file must be set when mode=wav")
		}
	case "exec":
		if cfg.Capture.Command == "" {
			return errors.New("capture.command must be set when mode=exec")
		}
	case "bus":
		if !cfg.Bus.Enabled {
			return errors.New("capture.mode=bus requires bus.enabled")
		}
		if cfg.Capture.Stream == "" {
			return errors.New("capture.stream must be set when mode=bus")
		}
	default:
		return errors.New("capture.mode must be one of wav|exec|bus")
	}
	if cfg.Capture.FrameMS <= 0 {
		return errors.New("capture.frame_ms must be positive")
	}
	if cfg.Capture.StartTimeoutMS < 0 {
		return errors.New("capture.start_timeout_ms must be >= 0")
	}

	switch cfg.Engine.Mode {
	case "mock":
	case "exec":
		if cfg.Engine.Command == "" {
			return errors.New("engine.command must be set when mode=exec")
		}
	case "whisper":
		if len(cfg.Engine.ModelPaths) == 0 {
			return errors.New("engine.model_paths must not be empty when mode=whisper")
		}
	default:
		return errors.New("engine.mode must be one of mock|exec|whisper")
	}
	if cfg.Engine.TimeoutMS < 0 {
		return errors.New("engine.timeout_ms must be >= 0")
	}

	if cfg.Session.SampleRate <= 0 {
		return errors.New("session.sample_rate must be positive")
	}
	if cfg.Session.Channels <= 0 {
		return errors.New("session.channels must be positive")
	}
	if cfg.Session.ChunkDurationMS <= 0 {
		return errors.New("session.chunk_duration_ms must be positive")
	}
	if cfg.Session.ChunkSamples() <= 0 {
		return errors.New("session.chunk_duration_ms is too short for the sample rate")
	}
	if cfg.Session.MaxConsecutiveEngineRetries < 0 {
		return errors.New("session.max_consecutive_engine_retries must be >= 0")
	}
	if cfg.Session.QueueDepth <= 0 {
		return errors.New("session.queue_depth must be >= 1")
	}
	if live := cfg.Session.Live; live.UpdateIntervalMS < 0 || live.SilenceThreshold < 0 || live.MaxDisplayChars < 0 {
		return errors.New("session.live settings must be >= 0")
	}
	if cfg.Session.Live.ContextChunks <= 0 {
		return errors.New("session.live.context_chunks must be >= 1")
	}
	if cfg.Sinks.Bus && !cfg.Bus.Enabled {
		return errors.New("sinks.bus requires bus.enabled")
	}
	return nil
}
