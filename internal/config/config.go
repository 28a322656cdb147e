package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	TraceStdout  bool   `yaml:"trace_stdout"`
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
	Protocol    ProtocolConfig   `yaml:"protocol"`
	Bus         BusConfig        `yaml:"bus"`
	Node        NodeConfig       `yaml:"node"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	STT         STTConfig        `yaml:"stt"`
	TTS         TTSConfig        `yaml:"tts"`
	Status      StatusConfig     `yaml:"status"`
	Balancer    BalancerConfig   `yaml:"balancer"`
}

// ProtocolConfig controls the wire layout and the websocket transport.
type ProtocolConfig struct {
	InitParams     string `yaml:"init_params"` // initialize | finalize
	MaxFrameBytes  int    `yaml:"max_frame_bytes"`
	WriteQueue     int    `yaml:"write_queue"`
	PingIntervalMS int    `yaml:"ping_interval_ms"`
	PongTimeoutMS  int    `yaml:"pong_timeout_ms"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
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
	Advertise         string           `yaml:"advertise"`
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

type STTConfig struct {
	Enabled           bool     `yaml:"enabled"`
	Mode              string   `yaml:"mode"` // mock, exec
	Command           string   `yaml:"command"`
	ModelPath         string   `yaml:"model_path"`
	SampleRate        int      `yaml:"sample_rate"`
	Channels          int      `yaml:"channels"`
	Languages         []string `yaml:"languages"`
	Workers           int      `yaml:"workers"`
	// MaxSessionSamples caps buffered audio per session. Retired ids cost
	// memory too; each connection keeps at most session.MaxRetired of them.
	MaxSessionSamples int      `yaml:"max_session_samples"`
	DecodeTimeoutMS   int      `yaml:"decode_timeout_ms"`
}

type TTSConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Mode           string        `yaml:"mode"` // mock, engines
	Workers        int           `yaml:"workers"`
	MaxTextBytes   int           `yaml:"max_text_bytes"`
	SynthTimeoutMS int           `yaml:"synth_timeout_ms"`
	EspeakNg       EspeakConfig  `yaml:"espeak_ng"`
	Flite          FliteConfig   `yaml:"flite"`
	MaryTTS        MaryTTSConfig `yaml:"marytts"`
}

type EspeakConfig struct {
	Enabled bool   `yaml:"enabled"`
	Command string `yaml:"command"`
}

type FliteConfig struct {
	Enabled bool   `yaml:"enabled"`
	Command string `yaml:"command"`
}

type MaryTTSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

type StatusConfig struct {
	IntervalMS     int     `yaml:"interval_ms"`
	Capacity       int     `yaml:"capacity"`
	MaxUtilization float64 `yaml:"max_utilization"`
	CanOverload    bool    `yaml:"can_overload"`
}

type BalancerConfig struct {
	Upstreams    []string `yaml:"upstreams"`
	StaleAfterMS int      `yaml:"stale_after_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "voicewired",
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
		Protocol: ProtocolConfig{
			InitParams:     "initialize",
			MaxFrameBytes:  4 << 20,
			WriteQueue:     64,
			PingIntervalMS: 15000,
			PongTimeoutMS:  30000,
			WriteTimeoutMS: 5000,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "voicewire-node-1",
			Role:              "speech",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
			Capabilities: []NodeCapability{
				{Name: "stt", Tier: "balanced"},
				{Name: "tts", Tier: "balanced"},
			},
		},
		EventStore: EventStoreConfig{
			Path:          "./data/voicewire-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		STT: STTConfig{
			Enabled:           true,
			Mode:              "mock",
			SampleRate:        16000,
			Channels:          1,
			Workers:           4,
			MaxSessionSamples: 16000 * 60 * 5,
			DecodeTimeoutMS:   45000,
		},
		TTS: TTSConfig{
			Enabled:        true,
			Mode:           "mock",
			Workers:        4,
			MaxTextBytes:   16 << 10,
			SynthTimeoutMS: 30000,
			EspeakNg:       EspeakConfig{Enabled: true, Command: "espeak-ng"},
			Flite:          FliteConfig{Enabled: true, Command: "flite"},
			MaryTTS:        MaryTTSConfig{Enabled: false, Endpoint: "http://localhost:59125"},
		},
		Status: StatusConfig{
			IntervalMS:     1000,
			Capacity:       16,
			MaxUtilization: 1.0,
			CanOverload:    false,
		},
		Balancer: BalancerConfig{
			StaleAfterMS: 5000,
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
	overrideString(&cfg.RuntimeName, "VOICEWIRE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "VOICEWIRE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "VOICEWIRE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "VOICEWIRE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "VOICEWIRE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "VOICEWIRE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "VOICEWIRE_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.TraceStdout, "VOICEWIRE_TELEMETRY_TRACE_STDOUT")
	overrideString(&cfg.Protocol.InitParams, "VOICEWIRE_PROTOCOL_INIT_PARAMS")
	overrideInt(&cfg.Protocol.MaxFrameBytes, "VOICEWIRE_PROTOCOL_MAX_FRAME_BYTES")
	overrideInt(&cfg.Protocol.WriteQueue, "VOICEWIRE_PROTOCOL_WRITE_QUEUE")
	overrideInt(&cfg.Protocol.PingIntervalMS, "VOICEWIRE_PROTOCOL_PING_INTERVAL_MS")
	overrideInt(&cfg.Protocol.PongTimeoutMS, "VOICEWIRE_PROTOCOL_PONG_TIMEOUT_MS")
	overrideInt(&cfg.Protocol.WriteTimeoutMS, "VOICEWIRE_PROTOCOL_WRITE_TIMEOUT_MS")
	overrideBool(&cfg.Bus.Enabled, "VOICEWIRE_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "VOICEWIRE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "VOICEWIRE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "VOICEWIRE_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "VOICEWIRE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "VOICEWIRE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "VOICEWIRE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "VOICEWIRE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "VOICEWIRE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "VOICEWIRE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "VOICEWIRE_NODE_ID")
	overrideString(&cfg.Node.Role, "VOICEWIRE_NODE_ROLE")
	overrideString(&cfg.Node.Advertise, "VOICEWIRE_NODE_ADVERTISE")
	overrideInt(&cfg.Node.HeartbeatInterval, "VOICEWIRE_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "VOICEWIRE_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "VOICEWIRE_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "VOICEWIRE_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "VOICEWIRE_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "VOICEWIRE_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "VOICEWIRE_EVENT_STORE_VACUUM_ON_START")
	overrideBool(&cfg.STT.Enabled, "VOICEWIRE_STT_ENABLED")
	overrideString(&cfg.STT.Mode, "VOICEWIRE_STT_MODE")
	overrideString(&cfg.STT.Command, "VOICEWIRE_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "VOICEWIRE_STT_MODEL_PATH")
	overrideInt(&cfg.STT.SampleRate, "VOICEWIRE_STT_SAMPLE_RATE")
	overrideInt(&cfg.STT.Channels, "VOICEWIRE_STT_CHANNELS")
	overrideStringSlice(&cfg.STT.Languages, "VOICEWIRE_STT_LANGUAGES")
	overrideInt(&cfg.STT.Workers, "VOICEWIRE_STT_WORKERS")
	overrideInt(&cfg.STT.MaxSessionSamples, "VOICEWIRE_STT_MAX_SESSION_SAMPLES")
	overrideInt(&cfg.STT.DecodeTimeoutMS, "VOICEWIRE_STT_DECODE_TIMEOUT_MS")
	overrideBool(&cfg.TTS.Enabled, "VOICEWIRE_TTS_ENABLED")
	overrideString(&cfg.TTS.Mode, "VOICEWIRE_TTS_MODE")
	overrideInt(&cfg.TTS.Workers, "VOICEWIRE_TTS_WORKERS")
	overrideInt(&cfg.TTS.MaxTextBytes, "VOICEWIRE_TTS_MAX_TEXT_BYTES")
	overrideInt(&cfg.TTS.SynthTimeoutMS, "VOICEWIRE_TTS_SYNTH_TIMEOUT_MS")
	overrideBool(&cfg.TTS.EspeakNg.Enabled, "VOICEWIRE_TTS_ESPEAK_NG_ENABLED")
	overrideString(&cfg.TTS.EspeakNg.Command, "VOICEWIRE_TTS_ESPEAK_NG_COMMAND")
	overrideBool(&cfg.TTS.Flite.Enabled, "VOICEWIRE_TTS_FLITE_ENABLED")
	overrideString(&cfg.TTS.Flite.Command, "VOICEWIRE_TTS_FLITE_COMMAND")
	overrideBool(&cfg.TTS.MaryTTS.Enabled, "VOICEWIRE_TTS_MARYTTS_ENABLED")
	overrideString(&cfg.TTS.MaryTTS.Endpoint, "VOICEWIRE_TTS_MARYTTS_ENDPOINT")
	overrideInt(&cfg.Status.IntervalMS, "VOICEWIRE_STATUS_INTERVAL_MS")
	overrideInt(&cfg.Status.Capacity, "VOICEWIRE_STATUS_CAPACITY")
	overrideFloat(&cfg.Status.MaxUtilization, "VOICEWIRE_STATUS_MAX_UTILIZATION")
	overrideBool(&cfg.Status.CanOverload, "VOICEWIRE_STATUS_CAN_OVERLOAD")
	overrideStringSlice(&cfg.Balancer.Upstreams, "VOICEWIRE_BALANCER_UPSTREAMS")
	overrideInt(&cfg.Balancer.StaleAfterMS, "VOICEWIRE_BALANCER_STALE_AFTER_MS")
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
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch strings.ToLower(cfg.Protocol.InitParams) {
	case "", "initialize", "finalize":
	default:
		return errors.New("protocol.init_params must be one of initialize|finalize")
	}
	if cfg.Protocol.MaxFrameBytes <= 0 {
		return errors.New("protocol.max_frame_bytes must be positive")
	}
	if cfg.Protocol.WriteQueue <= 0 {
		return errors.New("protocol.write_queue must be positive")
	}
	if cfg.Protocol.PingIntervalMS <= 0 || cfg.Protocol.PongTimeoutMS <= cfg.Protocol.PingIntervalMS {
		return errors.New("protocol.pong_timeout_ms must be greater than a positive ping_interval_ms")
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
		if len(cfg.Node.Capabilities) == 0 {
			return errors.New("node.capabilities must not be empty")
		}
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if !cfg.STT.Enabled && !cfg.TTS.Enabled {
		return errors.New("at least one of stt.enabled or tts.enabled must be true")
	}
	if cfg.STT.Enabled {
		switch cfg.STT.Mode {
		case "mock", "exec":
		default:
			return errors.New("stt.mode must be one of mock|exec")
		}
		if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
		if cfg.STT.SampleRate <= 0 {
			return errors.New("stt.sample_rate must be positive")
		}
		if cfg.STT.Channels <= 0 {
			return errors.New("stt.channels must be positive")
		}
		if cfg.STT.Workers <= 0 {
			return errors.New("stt.workers must be >= 1")
		}
		if cfg.STT.MaxSessionSamples <= 0 {
			return errors.New("stt.max_session_samples must be positive")
		}
	}
	if cfg.TTS.Enabled {
		switch cfg.TTS.Mode {
		case "mock", "engines":
		default:
			return errors.New("tts.mode must be one of mock|engines")
		}
		if cfg.TTS.Workers <= 0 {
			return errors.New("tts.workers must be >= 1")
		}
		if cfg.TTS.MaxTextBytes <= 0 {
			return errors.New("tts.max_text_bytes must be positive")
		}
		if cfg.TTS.Mode == "engines" {
			if !cfg.TTS.EspeakNg.Enabled && !cfg.TTS.Flite.Enabled && !cfg.TTS.MaryTTS.Enabled {
				return errors.New("tts.mode=engines requires at least one enabled engine")
			}
			if cfg.TTS.EspeakNg.Enabled && cfg.TTS.EspeakNg.Command == "" {
				return errors.New("tts.espeak_ng.command must be set when enabled")
			}
			if cfg.TTS.Flite.Enabled && cfg.TTS.Flite.Command == "" {
				return errors.New("tts.flite.command must be set when enabled")
			}
			if cfg.TTS.MaryTTS.Enabled && cfg.TTS.MaryTTS.Endpoint == "" {
				return errors.New("tts.marytts.endpoint must be set when enabled")
			}
		}
	}
	if cfg.Status.IntervalMS <= 0 {
		return errors.New("status.interval_ms must be positive")
	}
	if cfg.Status.Capacity <= 0 {
		return errors.New("status.capacity must be >= 1")
	}
	if cfg.Status.MaxUtilization <= 0 {
		return errors.New("status.max_utilization must be positive")
	}
	if cfg.Balancer.StaleAfterMS < 0 {
		return errors.New("balancer.stale_after_ms must be >= 0")
	}
	return nil
}
