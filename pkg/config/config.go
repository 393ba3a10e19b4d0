// Package config loads switchboard settings from a YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/harunnryd/switchboard/pkg/configutil"
	"github.com/harunnryd/switchboard/pkg/voice"
	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Twilio       TwilioConfig       `mapstructure:"twilio"`
	Realtime     RealtimeConfig     `mapstructure:"realtime"`
	CMS          CMSConfig          `mapstructure:"cms"`
	Voice        VoiceConfig        `mapstructure:"voice"`
	Relay        RelayConfig        `mapstructure:"relay"`
	Transcript   TranscriptConfig   `mapstructure:"transcript"`
	Destinations DestinationsConfig `mapstructure:"destinations"`
	CallCtx      CallCtxConfig      `mapstructure:"callctx"`
	Privacy      PrivacyConfig      `mapstructure:"privacy"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	LogLevel     string             `mapstructure:"log_level"`
	LogFormat    string             `mapstructure:"log_format"`
}

type ServerConfig struct {
	Addr               string `mapstructure:"addr"`
	PublicHost         string `mapstructure:"public_host"`
	FallbackHost       string `mapstructure:"fallback_host"`
	ValidateSignatures bool   `mapstructure:"validate_signatures"`
	DrainTimeoutS      int    `mapstructure:"drain_timeout_s"`
	DefaultPrompt      string `mapstructure:"default_prompt"`
}

type TwilioConfig struct {
	AccountSID string `mapstructure:"account_sid"`
	AuthToken  string `mapstructure:"auth_token"`
}

type RealtimeConfig struct {
	URL                string  `mapstructure:"url"`
	APIKey             string  `mapstructure:"api_key"`
	FullModel          string  `mapstructure:"full_model"`
	LightModel         string  `mapstructure:"light_model"`
	LightVoice         string  `mapstructure:"light_voice"`
	Temperature        float64 `mapstructure:"temperature"`
	TranscriptionModel string  `mapstructure:"transcription_model"`
	DialRetries        int     `mapstructure:"dial_retries"`
	DialBackoffMS      int     `mapstructure:"dial_backoff_ms"`
}

type CMSConfig struct {
	BaseURL           string `mapstructure:"base_url"`
	APIUser           string `mapstructure:"api_user"`
	APIPassword       string `mapstructure:"api_password"`
	TimeoutMS         int    `mapstructure:"timeout_ms"`
	CircuitThreshold  int    `mapstructure:"circuit_threshold"`
	CircuitCooldownMS int    `mapstructure:"circuit_cooldown_ms"`
}

type VoiceConfig struct {
	Default string `mapstructure:"default"`
}

type RelayConfig struct {
	IdleTimeoutS      int `mapstructure:"idle_timeout_s"`
	HeartbeatS        int `mapstructure:"heartbeat_s"`
	BargeInSuppressMS int `mapstructure:"barge_in_suppress_ms"`
	SpeakingStallS    int `mapstructure:"speaking_stall_s"`
	PersistTimeoutS   int `mapstructure:"persist_timeout_s"`
}

type TranscriptConfig struct {
	DedupeThreshold float64 `mapstructure:"dedupe_threshold"`
}

type DestinationsConfig struct {
	FuzzyCutoff float64 `mapstructure:"fuzzy_cutoff"`
	TTLS        int     `mapstructure:"ttl_s"`
	MaxAccounts int64   `mapstructure:"max_accounts"`
}

type CallCtxConfig struct {
	MaxAgeM        int `mapstructure:"max_age_m"`
	SweepIntervalS int `mapstructure:"sweep_interval_s"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Buffer  int  `mapstructure:"buffer"`
}

// Load reads path (optional) and the SWITCHBOARD_* environment. PUBLIC_HOST
// is honored as an alias for server.public_host.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("SWITCHBOARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("server.public_host", "SWITCHBOARD_SERVER_PUBLIC_HOST", "PUBLIC_HOST"); err != nil {
		return Config{}, fmt.Errorf("bind env: %w", err)
	}

	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	expandValue(reflect.ValueOf(&cfg))

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":5050")
	v.SetDefault("server.public_host", "")
	v.SetDefault("server.fallback_host", "")
	v.SetDefault("server.validate_signatures", false)
	v.SetDefault("server.drain_timeout_s", 30)
	v.SetDefault("server.default_prompt", "Default prompt: You are an AI receptionist. Answer calls professionally.")
	v.SetDefault("twilio.account_sid", "")
	v.SetDefault("twilio.auth_token", "")
	v.SetDefault("realtime.url", "wss://api.openai.com/v1/realtime")
	v.SetDefault("realtime.api_key", "")
	v.SetDefault("realtime.full_model", "gpt-4o-realtime-preview-2024-12-17")
	v.SetDefault("realtime.light_model", "gpt-4o-mini-realtime-preview-2024-12-17")
	v.SetDefault("realtime.light_voice", "alloy")
	v.SetDefault("realtime.temperature", 0.9)
	v.SetDefault("realtime.transcription_model", "whisper-1")
	v.SetDefault("realtime.dial_retries", 1)
	v.SetDefault("realtime.dial_backoff_ms", 250)
	v.SetDefault("cms.base_url", "")
	v.SetDefault("cms.api_user", "")
	v.SetDefault("cms.api_password", "")
	v.SetDefault("cms.timeout_ms", 10000)
	v.SetDefault("cms.circuit_threshold", 5)
	v.SetDefault("cms.circuit_cooldown_ms", 30000)
	v.SetDefault("voice.default", "alloy")
	v.SetDefault("relay.idle_timeout_s", 60)
	v.SetDefault("relay.heartbeat_s", 10)
	v.SetDefault("relay.barge_in_suppress_ms", 1000)
	v.SetDefault("relay.speaking_stall_s", 10)
	v.SetDefault("relay.persist_timeout_s", 20)
	v.SetDefault("transcript.dedupe_threshold", 0.90)
	v.SetDefault("destinations.fuzzy_cutoff", 0.70)
	v.SetDefault("destinations.ttl_s", 300)
	v.SetDefault("destinations.max_accounts", 1000)
	v.SetDefault("callctx.max_age_m", 240)
	v.SetDefault("callctx.sweep_interval_s", 300)
	v.SetDefault("privacy.redact_pii", true)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.buffer", 256)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
}

func (c *Config) Validate() error {
	var errs []error
	errs = append(errs,
		configutil.RequireString(c.Server.Addr, "server.addr"),
		configutil.RequireString(c.Realtime.URL, "realtime.url"),
		configutil.RequireString(c.Realtime.APIKey, "realtime.api_key"),
		configutil.RequireString(c.Realtime.FullModel, "realtime.full_model"),
		configutil.RequireString(c.CMS.BaseURL, "cms.base_url"),
		configutil.RequireRatio(c.Transcript.DedupeThreshold, "transcript.dedupe_threshold"),
		configutil.RequireRatio(c.Destinations.FuzzyCutoff, "destinations.fuzzy_cutoff"),
	)
	if !voice.Valid(voice.Voice(strings.ToLower(c.Voice.Default))) {
		errs = append(errs, fmt.Errorf("voice.default %q is not a supported voice", c.Voice.Default))
	}
	if c.Server.ValidateSignatures && strings.TrimSpace(c.Twilio.AuthToken) == "" {
		errs = append(errs, fmt.Errorf("twilio.auth_token is required when server.validate_signatures is set"))
	}
	if c.Relay.IdleTimeoutS <= 0 || c.Relay.HeartbeatS <= 0 {
		errs = append(errs, fmt.Errorf("relay.idle_timeout_s and relay.heartbeat_s must be positive"))
	}
	return errors.Join(errs...)
}

func (r RelayConfig) IdleTimeout() time.Duration { return time.Duration(r.IdleTimeoutS) * time.Second }
func (r RelayConfig) Heartbeat() time.Duration   { return time.Duration(r.HeartbeatS) * time.Second }
func (r RelayConfig) BargeInSuppress() time.Duration {
	return time.Duration(r.BargeInSuppressMS) * time.Millisecond
}
func (r RelayConfig) SpeakingStall() time.Duration  { return time.Duration(r.SpeakingStallS) * time.Second }
func (r RelayConfig) PersistTimeout() time.Duration { return time.Duration(r.PersistTimeoutS) * time.Second }

func (c CMSConfig) Timeout() time.Duration { return time.Duration(c.TimeoutMS) * time.Millisecond }
func (c CMSConfig) CircuitCooldown() time.Duration {
	return time.Duration(c.CircuitCooldownMS) * time.Millisecond
}

func (r RealtimeConfig) DialBackoff() time.Duration {
	return time.Duration(r.DialBackoffMS) * time.Millisecond
}

func (d DestinationsConfig) TTL() time.Duration { return time.Duration(d.TTLS) * time.Second }

func (c CallCtxConfig) MaxAge() time.Duration { return time.Duration(c.MaxAgeM) * time.Minute }
func (c CallCtxConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalS) * time.Second
}

func (s ServerConfig) DrainTimeout() time.Duration {
	return time.Duration(s.DrainTimeoutS) * time.Second
}

// expandValue applies ${VAR} expansion to every string field.
func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	}
}
