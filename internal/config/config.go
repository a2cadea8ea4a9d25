// Package config provides the configuration schema and loader for the
// LibertyCall gateway.
package config

// LogLevel controls log verbosity for the gateway process.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for the gateway.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader];
// environment overrides are applied by [ApplyEnv].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Switch   SwitchConfig   `yaml:"switch"`
	ASR      ASRConfig      `yaml:"asr"`
	Dialog   DialogConfig   `yaml:"dialog"`
	Routing  RoutingConfig  `yaml:"routing"`
	Paths    PathsConfig    `yaml:"paths"`
	Sessions SessionsConfig `yaml:"sessions"`
	Debug    DebugConfig    `yaml:"debug"`
}

// ServerConfig holds the network listeners owned by the gateway process.
type ServerConfig struct {
	// RTPPort is the UDP port caller audio arrives on ("0.0.0.0:<port>").
	RTPPort int `yaml:"rtp_port"`

	// WSAddr is the WebSocket audio listener address (default ":9001").
	WSAddr string `yaml:"ws_addr"`

	// InitAddr is the call-setup channel address. A "unix:" prefix selects a
	// UNIX socket, otherwise TCP (e.g. "127.0.0.1:9002").
	InitAddr string `yaml:"init_addr"`

	// AdminAddr serves /metrics and /healthz. Empty disables the listener.
	AdminAddr string `yaml:"admin_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// LogFile, when set, tees logs to a size-rotated file.
	LogFile string `yaml:"log_file"`
}

// SwitchConfig holds the softswitch command-channel settings.
type SwitchConfig struct {
	// Addr is the ESL-style command socket ("127.0.0.1:8021").
	Addr string `yaml:"addr"`

	// Password is sent in the auth handshake when non-empty.
	Password string `yaml:"password"`

	// CommandTimeoutMs bounds a single command round trip. Default 5000.
	CommandTimeoutMs int `yaml:"command_timeout_ms"`
}

// ASRConfig selects and configures the streaming speech recogniser.
type ASRConfig struct {
	// Provider names the recogniser backend. Only "google" is supported.
	Provider string `yaml:"provider"`

	// StreamingEnabled gates the ASR path entirely; when false, calls run on
	// timers only (used on test rigs without cloud credentials).
	StreamingEnabled bool `yaml:"streaming_enabled"`

	// ProjectID is the Google Cloud project used for quota attribution.
	ProjectID string `yaml:"project_id"`

	// CredentialsPath points at a service-account JSON key. When empty the
	// default application credentials chain is used.
	CredentialsPath string `yaml:"credentials_path"`

	// Language is the BCP-47 recognition language. Default "ja-JP".
	Language string `yaml:"language"`

	// PhraseHints boosts domain vocabulary in recognition results.
	PhraseHints []string `yaml:"phrase_hints"`
}

// DialogConfig tunes the per-call dialogue engine.
type DialogConfig struct {
	// BargeInThreshold is the normalised RMS level above which caller speech
	// interrupts playback. Default 0.005.
	BargeInThreshold float64 `yaml:"barge_in_threshold"`

	// SilenceTimeoutMs is the no-input window before the reprompt ladder
	// fires. Default 2000.
	SilenceTimeoutMs int `yaml:"silence_timeout_ms"`

	// FallbackTemplate is played when a selected template's audio file is
	// missing. Default "001".
	FallbackTemplate string `yaml:"fallback_template"`

	// NoiseSuppression enables the single-channel gate on ingress audio.
	NoiseSuppression bool `yaml:"noise_suppression"`

	// LLMAssist optionally names an any-llm provider ("openai", "gemini",
	// and so on) used as a side-path reranker for template selection.
	// Empty disables it; the rule classifier always runs first.
	LLMAssist LLMAssistConfig `yaml:"llm_assist"`
}

// LLMAssistConfig configures the optional LLM-assisted classifier side path.
type LLMAssistConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
}

// RoutingConfig maps telephone numbers to client profiles.
type RoutingConfig struct {
	// DefaultClient is used when no table matches. Default "000".
	DefaultClient string `yaml:"default_client"`

	// ByDestination maps the dialled number to a client id.
	ByDestination map[string]string `yaml:"by_destination"`

	// ByCaller maps the calling number to a client id.
	ByCaller map[string]string `yaml:"by_caller"`

	// SIPHeader names the SIP header whose value, when present in the init
	// frame, selects the client id directly. Default "X-LC-Client".
	SIPHeader string `yaml:"sip_header"`
}

// PathsConfig locates on-disk assets and artifacts.
type PathsConfig struct {
	// ClientsRoot holds per-client profile directories.
	// Default "/opt/libertycall/clients".
	ClientsRoot string `yaml:"clients_root"`

	// ConfigRoot holds the system-default template and keyword JSON files.
	// Default "/opt/libertycall/config".
	ConfigRoot string `yaml:"config_root"`

	// SessionsRoot receives per-call transcripts and summaries.
	// Default "/var/lib/libertycall/sessions".
	SessionsRoot string `yaml:"sessions_root"`

	// RTPInfoGlob matches the softswitch port-advertisement files.
	// Default "/tmp/rtp_info_*.txt".
	RTPInfoGlob string `yaml:"rtp_info_glob"`
}

// SessionsConfig controls session artifact retention and mirroring.
type SessionsConfig struct {
	// RetentionDays is how long session directories are kept. Default 30.
	RetentionDays int `yaml:"retention_days"`

	// PostgresDSN, when set, mirrors call summaries into Postgres.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// DebugConfig holds switches that only matter on test rigs.
type DebugConfig struct {
	// SaveWAV dumps the 8 kHz ingress audio of every call to the session dir.
	SaveWAV bool `yaml:"save_wav"`

	// ForceImmediateHangup kills every call right after the greeting.
	ForceImmediateHangup bool `yaml:"force_immediate_hangup"`
}
