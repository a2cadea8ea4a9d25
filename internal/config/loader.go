package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [LoadFromReader] before validation.
const (
	DefaultWSAddr           = ":9001"
	DefaultInitAddr         = "127.0.0.1:9002"
	DefaultRTPPort          = 16000
	DefaultClientID         = "000"
	DefaultSIPHeader        = "X-LC-Client"
	DefaultClientsRoot      = "/opt/libertycall/clients"
	DefaultConfigRoot       = "/opt/libertycall/config"
	DefaultSessionsRoot     = "/var/lib/libertycall/sessions"
	DefaultRTPInfoGlob      = "/tmp/rtp_info_*.txt"
	DefaultFallbackTemplate = "001"
	DefaultBargeInThreshold = 0.005
	DefaultSilenceTimeoutMs = 2000
	DefaultRetentionDays    = 30
	DefaultLanguage         = "ja-JP"
)

// Load reads the YAML configuration file at path, applies defaults and
// environment overrides, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills in defaults, applies
// environment overrides, and validates the result. Useful in tests where
// configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	ApplyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.WSAddr == "" {
		cfg.Server.WSAddr = DefaultWSAddr
	}
	if cfg.Server.RTPPort == 0 {
		cfg.Server.RTPPort = DefaultRTPPort
	}
	if cfg.Server.InitAddr == "" {
		cfg.Server.InitAddr = DefaultInitAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Switch.CommandTimeoutMs == 0 {
		cfg.Switch.CommandTimeoutMs = 5000
	}
	if cfg.ASR.Provider == "" {
		cfg.ASR.Provider = "google"
	}
	if cfg.ASR.Language == "" {
		cfg.ASR.Language = DefaultLanguage
	}
	if cfg.Dialog.BargeInThreshold == 0 {
		cfg.Dialog.BargeInThreshold = DefaultBargeInThreshold
	}
	if cfg.Dialog.SilenceTimeoutMs == 0 {
		cfg.Dialog.SilenceTimeoutMs = DefaultSilenceTimeoutMs
	}
	if cfg.Dialog.FallbackTemplate == "" {
		cfg.Dialog.FallbackTemplate = DefaultFallbackTemplate
	}
	if cfg.Routing.DefaultClient == "" {
		cfg.Routing.DefaultClient = DefaultClientID
	}
	if cfg.Routing.SIPHeader == "" {
		cfg.Routing.SIPHeader = DefaultSIPHeader
	}
	if cfg.Paths.ClientsRoot == "" {
		cfg.Paths.ClientsRoot = DefaultClientsRoot
	}
	if cfg.Paths.ConfigRoot == "" {
		cfg.Paths.ConfigRoot = DefaultConfigRoot
	}
	if cfg.Paths.SessionsRoot == "" {
		cfg.Paths.SessionsRoot = DefaultSessionsRoot
	}
	if cfg.Paths.RTPInfoGlob == "" {
		cfg.Paths.RTPInfoGlob = DefaultRTPInfoGlob
	}
	if cfg.Sessions.RetentionDays == 0 {
		cfg.Sessions.RetentionDays = DefaultRetentionDays
	}
}

// ApplyEnv overlays the LC_* environment variables onto cfg. The variable
// set is fixed; unknown LC_ variables are ignored. Called automatically by
// [LoadFromReader] so the environment always wins over the file.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv("LC_ASR_PROVIDER"); v != "" {
		cfg.ASR.Provider = v
	}
	if v, ok := envBool("LC_ASR_STREAMING_ENABLED"); ok {
		cfg.ASR.StreamingEnabled = v
	}
	if v := os.Getenv("LC_GOOGLE_PROJECT_ID"); v != "" {
		cfg.ASR.ProjectID = v
	}
	if v := os.Getenv("LC_GOOGLE_CREDENTIALS_PATH"); v != "" {
		cfg.ASR.CredentialsPath = v
	} else if v := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"); v != "" && cfg.ASR.CredentialsPath == "" {
		cfg.ASR.CredentialsPath = v
	}
	if v := os.Getenv("LC_ASR_PHRASE_HINTS"); v != "" {
		hints := strings.Split(v, ",")
		out := hints[:0]
		for _, h := range hints {
			if h = strings.TrimSpace(h); h != "" {
				out = append(out, h)
			}
		}
		cfg.ASR.PhraseHints = out
	}
	if v, ok := envBool("LC_FORCE_IMMEDIATE_HANGUP"); ok {
		cfg.Debug.ForceImmediateHangup = v
	}
	if v, ok := envBool("LC_DEBUG_SAVE_WAV"); ok {
		cfg.Debug.SaveWAV = v
	}
}

func envBool(key string) (value, ok bool) {
	switch os.Getenv(key) {
	case "1":
		return true, true
	case "0":
		return false, true
	}
	return false, false
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.RTPPort < 1 || cfg.Server.RTPPort > 65535 {
		errs = append(errs, fmt.Errorf("server.rtp_port %d is out of range [1, 65535]", cfg.Server.RTPPort))
	}
	if cfg.Switch.Addr == "" {
		errs = append(errs, errors.New("switch.addr is required"))
	}
	if cfg.ASR.Provider != "google" {
		errs = append(errs, fmt.Errorf("asr.provider %q is not supported; only \"google\"", cfg.ASR.Provider))
	}
	if cfg.Dialog.BargeInThreshold < 0 || cfg.Dialog.BargeInThreshold > 1 {
		errs = append(errs, fmt.Errorf("dialog.barge_in_threshold %v is out of range [0, 1]", cfg.Dialog.BargeInThreshold))
	}
	if cfg.Sessions.RetentionDays < 1 {
		errs = append(errs, fmt.Errorf("sessions.retention_days %d must be at least 1", cfg.Sessions.RetentionDays))
	}

	return errors.Join(errs...)
}
