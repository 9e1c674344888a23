/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// MinCheckInterval is the lowest device status polling interval accepted.
const MinCheckInterval = 500 * time.Millisecond

// Config holds all configuration for the speaker service
type Config struct {
	Server  ServerConfig
	Speaker SpeakerConfig
	TTS     TTSConfig
	Logging LoggingConfig
	NATS    NATSConfig
	Storage StorageConfig
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Host         string
	Port         int
	GRPCPort     int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PublicURL    string // Base URL the device uses to fetch hosted clips; empty disables hosting
}

// SpeakerConfig holds the device and playback orchestration settings
type SpeakerConfig struct {
	DeviceID           string
	TTSMode            string // "native" or "external"
	SpeakCommand       [2]int // [siid, aiid] of the device speak-text action
	WakeCommand        [2]int // [siid, aiid] of the device wake-up action
	PlayingCommand     []int  // optional [siid, piid, playingValue]
	StatusPolling      bool   // Disable for devices that cannot report playback state
	CheckInterval      time.Duration
	CheckAfter         time.Duration
	RetryCeiling       int
	UnwakeWindow       time.Duration
	DispatchAttempts   int
	DispatchRetryDelay time.Duration
	CueURL             string
	SilentProbeText    string
	Boundaries         string
	MaxUnitRunes       int
}

// TTSConfig holds external Text-to-Speech service configuration
type TTSConfig struct {
	URL            string        // Base URL; empty forces the device's native engine
	DefaultSpeaker string        // Voice id used until a speaker is switched
	Timeout        time.Duration // Request timeout
	ClipCacheSize  int
	ClipTTL        time.Duration
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// NATSConfig holds NATS messaging configuration
type NATSConfig struct {
	URL             string
	DeviceSubject   string // Prefix for device bridge request subjects
	EventsSubject   string
	RespondSubject  string
	RequestTimeout  time.Duration
	MaxReconnect    int
	ReconnectWait   time.Duration
	DisableMessages bool
}

// StorageConfig holds playback event storage configuration
type StorageConfig struct {
	DBPath        string
	Retention     time.Duration // Events older than this are pruned; 0 keeps everything
	PruneInterval time.Duration
}

// envBindings maps config keys to the environment variables that override them
var envBindings = map[string]string{
	"server.host":                  "SPEAKER_HOST",
	"server.port":                  "SPEAKER_PORT",
	"server.grpc_port":             "SPEAKER_GRPC_PORT",
	"server.read_timeout":          "SPEAKER_READ_TIMEOUT",
	"server.write_timeout":         "SPEAKER_WRITE_TIMEOUT",
	"server.public_url":            "SPEAKER_PUBLIC_URL",
	"speaker.device_id":            "SPEAKER_DEVICE_ID",
	"speaker.tts_mode":             "SPEAKER_TTS",
	"speaker.speak_command":        "SPEAKER_TTS_COMMAND",
	"speaker.wake_command":         "SPEAKER_WAKE_COMMAND",
	"speaker.playing_command":      "SPEAKER_PLAYING_COMMAND",
	"speaker.status_polling":       "SPEAKER_STREAM_RESPONSE",
	"speaker.check_interval":       "SPEAKER_CHECK_INTERVAL",
	"speaker.check_after":          "SPEAKER_CHECK_AFTER",
	"speaker.retry_ceiling":        "SPEAKER_RETRY_CEILING",
	"speaker.unwake_window":        "SPEAKER_UNWAKE_WINDOW",
	"speaker.dispatch_attempts":    "SPEAKER_DISPATCH_ATTEMPTS",
	"speaker.dispatch_retry_delay": "SPEAKER_DISPATCH_RETRY_DELAY",
	"speaker.cue_url":              "AUDIO_BEEP",
	"speaker.silent_probe_text":    "SPEAKER_SILENT_TEXT",
	"speaker.boundaries":           "SPEAKER_BOUNDARIES",
	"speaker.max_unit_runes":       "SPEAKER_MAX_UNIT_RUNES",
	"tts.url":                      "TTS_BASE_URL",
	"tts.default_speaker":          "TTS_DEFAULT_SPEAKER",
	"tts.timeout":                  "TTS_TIMEOUT",
	"tts.clip_cache_size":          "TTS_CLIP_CACHE_SIZE",
	"tts.clip_ttl":                 "TTS_CLIP_TTL",
	"logging.level":                "LOG_LEVEL",
	"logging.format":               "LOG_FORMAT",
	"nats.url":                     "NATS_URL",
	"nats.device_subject":          "NATS_DEVICE_SUBJECT",
	"nats.events_subject":          "NATS_EVENTS_SUBJECT",
	"nats.respond_subject":         "NATS_RESPOND_SUBJECT",
	"nats.request_timeout":         "NATS_REQUEST_TIMEOUT",
	"nats.max_reconnect":           "NATS_MAX_RECONNECT",
	"nats.reconnect_wait":          "NATS_RECONNECT_WAIT",
	"nats.disabled":                "NATS_DISABLED",
	"storage.db_path":              "DB_PATH",
	"storage.retention":            "EVENT_RETENTION",
	"storage.prune_interval":       "EVENT_PRUNE_INTERVAL",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.grpc_port", 50051)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 5*time.Minute)
	v.SetDefault("server.public_url", "")

	v.SetDefault("speaker.device_id", "default")
	v.SetDefault("speaker.tts_mode", "external")
	v.SetDefault("speaker.speak_command", "5,1")
	v.SetDefault("speaker.wake_command", "5,3")
	v.SetDefault("speaker.playing_command", "")
	v.SetDefault("speaker.status_polling", true)
	v.SetDefault("speaker.check_interval", time.Second)
	v.SetDefault("speaker.check_after", 3*time.Second)
	v.SetDefault("speaker.retry_ceiling", 10)
	v.SetDefault("speaker.unwake_window", 3*time.Second)
	v.SetDefault("speaker.dispatch_attempts", 3)
	v.SetDefault("speaker.dispatch_retry_delay", 500*time.Millisecond)
	v.SetDefault("speaker.cue_url", "")
	v.SetDefault("speaker.silent_probe_text", "¿ʞо ∩оʎ ǝɹɐ")
	v.SetDefault("speaker.boundaries", "。！？!?")
	v.SetDefault("speaker.max_unit_runes", 0)

	v.SetDefault("tts.url", "")
	v.SetDefault("tts.default_speaker", "S_TDTaLFJj1")
	v.SetDefault("tts.timeout", 5*time.Second)
	v.SetDefault("tts.clip_cache_size", 64)
	v.SetDefault("tts.clip_ttl", 10*time.Minute)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.device_subject", "loqa.device")
	v.SetDefault("nats.events_subject", "loqa.speaker.events")
	v.SetDefault("nats.respond_subject", "loqa.speaker.respond")
	v.SetDefault("nats.request_timeout", 5*time.Second)
	v.SetDefault("nats.max_reconnect", -1)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.disabled", false)

	v.SetDefault("storage.db_path", "./data/loqa-speaker.db")
	v.SetDefault("storage.retention", 30*24*time.Hour)
	v.SetDefault("storage.prune_interval", time.Hour)
}

// Load loads configuration from defaults, an optional config file named by
// SPEAKER_CONFIG, a .env file, and environment variables (highest priority)
func Load() (*Config, error) {
	// A missing .env file is normal outside development
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if path := os.Getenv("SPEAKER_CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	speakCommand, err := parseActionCommand(listValue(v, "speaker.speak_command"))
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: speak command: %w", err)
	}
	wakeCommand, err := parseActionCommand(listValue(v, "speaker.wake_command"))
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: wake command: %w", err)
	}
	playingCommand, err := parseIntList(listValue(v, "speaker.playing_command"))
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: playing command: %w", err)
	}

	config := &Config{
		Server: ServerConfig{
			Host:         v.GetString("server.host"),
			Port:         v.GetInt("server.port"),
			GRPCPort:     v.GetInt("server.grpc_port"),
			ReadTimeout:  v.GetDuration("server.read_timeout"),
			WriteTimeout: v.GetDuration("server.write_timeout"),
			PublicURL:    strings.TrimSuffix(v.GetString("server.public_url"), "/"),
		},
		Speaker: SpeakerConfig{
			DeviceID:           v.GetString("speaker.device_id"),
			TTSMode:            strings.ToLower(v.GetString("speaker.tts_mode")),
			SpeakCommand:       speakCommand,
			WakeCommand:        wakeCommand,
			PlayingCommand:     playingCommand,
			StatusPolling:      v.GetBool("speaker.status_polling"),
			CheckInterval:      v.GetDuration("speaker.check_interval"),
			CheckAfter:         v.GetDuration("speaker.check_after"),
			RetryCeiling:       v.GetInt("speaker.retry_ceiling"),
			UnwakeWindow:       v.GetDuration("speaker.unwake_window"),
			DispatchAttempts:   v.GetInt("speaker.dispatch_attempts"),
			DispatchRetryDelay: v.GetDuration("speaker.dispatch_retry_delay"),
			CueURL:             v.GetString("speaker.cue_url"),
			SilentProbeText:    v.GetString("speaker.silent_probe_text"),
			Boundaries:         v.GetString("speaker.boundaries"),
			MaxUnitRunes:       v.GetInt("speaker.max_unit_runes"),
		},
		TTS: TTSConfig{
			URL:            strings.TrimSuffix(v.GetString("tts.url"), "/"),
			DefaultSpeaker: v.GetString("tts.default_speaker"),
			Timeout:        v.GetDuration("tts.timeout"),
			ClipCacheSize:  v.GetInt("tts.clip_cache_size"),
			ClipTTL:        v.GetDuration("tts.clip_ttl"),
		},
		Logging: LoggingConfig{
			Level:  v.GetString("logging.level"),
			Format: v.GetString("logging.format"),
		},
		NATS: NATSConfig{
			URL:             v.GetString("nats.url"),
			DeviceSubject:   v.GetString("nats.device_subject"),
			EventsSubject:   v.GetString("nats.events_subject"),
			RespondSubject:  v.GetString("nats.respond_subject"),
			RequestTimeout:  v.GetDuration("nats.request_timeout"),
			MaxReconnect:    v.GetInt("nats.max_reconnect"),
			ReconnectWait:   v.GetDuration("nats.reconnect_wait"),
			DisableMessages: v.GetBool("nats.disabled"),
		},
		Storage: StorageConfig{
			DBPath:        v.GetString("storage.db_path"),
			Retention:     v.GetDuration("storage.retention"),
			PruneInterval: v.GetDuration("storage.prune_interval"),
		},
	}

	config.Speaker.normalize()

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// normalize clamps the polling interval and fixes commands that are commonly
// entered the wrong way round (speak and wake share a service on most models)
func (s *SpeakerConfig) normalize() {
	if s.CheckInterval < MinCheckInterval {
		s.CheckInterval = MinCheckInterval
	}
	if s.SpeakCommand == [2]int{5, 3} {
		s.SpeakCommand = [2]int{5, 1}
	}
	if s.WakeCommand == [2]int{5, 1} {
		s.WakeCommand = [2]int{5, 3}
	}
}

// validate checks if the configuration is valid
func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Server.GRPCPort <= 0 || c.Server.GRPCPort > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.Server.GRPCPort)
	}

	if c.Speaker.TTSMode != "native" && c.Speaker.TTSMode != "external" {
		return fmt.Errorf("invalid TTS mode: %q (want native or external)", c.Speaker.TTSMode)
	}

	if c.Speaker.DeviceID == "" {
		return errors.New("speaker device id must be provided")
	}

	if n := len(c.Speaker.PlayingCommand); n != 0 && n != 3 {
		return fmt.Errorf("playing command needs siid,piid,value: got %d values", n)
	}

	if c.Speaker.RetryCeiling <= 0 {
		return fmt.Errorf("retry ceiling must be positive: %d", c.Speaker.RetryCeiling)
	}

	if c.Speaker.DispatchAttempts <= 0 {
		return fmt.Errorf("dispatch attempts must be positive: %d", c.Speaker.DispatchAttempts)
	}

	if c.Speaker.Boundaries == "" {
		return errors.New("sentence boundaries must not be empty")
	}

	if c.TTS.Timeout <= 0 {
		return fmt.Errorf("TTS timeout must be positive: %s", c.TTS.Timeout)
	}

	if c.Storage.Retention < 0 {
		return fmt.Errorf("event retention must not be negative: %s", c.Storage.Retention)
	}

	if c.Storage.Retention > 0 && c.Storage.PruneInterval <= 0 {
		return fmt.Errorf("prune interval must be positive: %s", c.Storage.PruneInterval)
	}

	return nil
}

// ExternalTTSConfigured reports whether an external TTS endpoint is set
func (c *Config) ExternalTTSConfigured() bool {
	return c.TTS.URL != ""
}

func parseActionCommand(value string) ([2]int, error) {
	values, err := parseIntList(value)
	if err != nil {
		return [2]int{}, err
	}
	if len(values) != 2 {
		return [2]int{}, fmt.Errorf("want siid,aiid: got %q", value)
	}
	return [2]int{values[0], values[1]}, nil
}

// listValue returns a command value as text whether it came from the
// environment ("5,1") or from a YAML list ([5, 1])
func listValue(v *viper.Viper, key string) string {
	switch value := v.Get(key).(type) {
	case []interface{}:
		parts := make([]string, len(value))
		for i, item := range value {
			parts[i] = fmt.Sprint(item)
		}
		return strings.Join(parts, ",")
	case []int:
		parts := make([]string, len(value))
		for i, item := range value {
			parts[i] = strconv.Itoa(item)
		}
		return strings.Join(parts, ",")
	default:
		return v.GetString(key)
	}
}

// parseIntList parses "5,1" or "[5, 1]" into integers
func parseIntList(value string) ([]int, error) {
	value = strings.Trim(strings.TrimSpace(value), "[]")
	if value == "" {
		return nil, nil
	}

	parts := strings.Split(value, ",")
	values := make([]int, 0, len(parts))
	for _, part := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("not an integer: %q", part)
		}
		values = append(values, n)
	}
	return values, nil
}
