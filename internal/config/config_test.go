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
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	clearEnvVars()
	defer clearEnvVars()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// Test server defaults
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "0.0.0.0")
	}
	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 3000)
	}
	if cfg.Server.GRPCPort != 50051 {
		t.Errorf("Server.GRPCPort = %d, want %d", cfg.Server.GRPCPort, 50051)
	}

	// Test speaker defaults
	if cfg.Speaker.TTSMode != "external" {
		t.Errorf("Speaker.TTSMode = %q, want %q", cfg.Speaker.TTSMode, "external")
	}
	if cfg.Speaker.SpeakCommand != [2]int{5, 1} {
		t.Errorf("Speaker.SpeakCommand = %v, want %v", cfg.Speaker.SpeakCommand, [2]int{5, 1})
	}
	if cfg.Speaker.WakeCommand != [2]int{5, 3} {
		t.Errorf("Speaker.WakeCommand = %v, want %v", cfg.Speaker.WakeCommand, [2]int{5, 3})
	}
	if cfg.Speaker.PlayingCommand != nil {
		t.Errorf("Speaker.PlayingCommand = %v, want nil", cfg.Speaker.PlayingCommand)
	}
	if !cfg.Speaker.StatusPolling {
		t.Error("Speaker.StatusPolling = false, want true")
	}
	if cfg.Speaker.CheckInterval != time.Second {
		t.Errorf("Speaker.CheckInterval = %v, want %v", cfg.Speaker.CheckInterval, time.Second)
	}
	if cfg.Speaker.CheckAfter != 3*time.Second {
		t.Errorf("Speaker.CheckAfter = %v, want %v", cfg.Speaker.CheckAfter, 3*time.Second)
	}
	if cfg.Speaker.UnwakeWindow != 3*time.Second {
		t.Errorf("Speaker.UnwakeWindow = %v, want %v", cfg.Speaker.UnwakeWindow, 3*time.Second)
	}
	if cfg.Speaker.Boundaries != "。！？!?" {
		t.Errorf("Speaker.Boundaries = %q, want %q", cfg.Speaker.Boundaries, "。！？!?")
	}

	// Test TTS defaults
	if cfg.TTS.URL != "" {
		t.Errorf("TTS.URL = %q, want empty", cfg.TTS.URL)
	}
	if cfg.ExternalTTSConfigured() {
		t.Error("ExternalTTSConfigured() = true without a TTS URL")
	}
	if cfg.TTS.Timeout != 5*time.Second {
		t.Errorf("TTS.Timeout = %v, want %v", cfg.TTS.Timeout, 5*time.Second)
	}

	// Test storage defaults
	if cfg.Storage.Retention != 30*24*time.Hour {
		t.Errorf("Storage.Retention = %v, want %v", cfg.Storage.Retention, 30*24*time.Hour)
	}
	if cfg.Storage.PruneInterval != time.Hour {
		t.Errorf("Storage.PruneInterval = %v, want %v", cfg.Storage.PruneInterval, time.Hour)
	}
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	tests := []struct {
		name     string
		envVars  map[string]string
		validate func(t *testing.T, cfg *Config)
	}{
		{
			name: "Server configuration",
			envVars: map[string]string{
				"SPEAKER_HOST":       "127.0.0.1",
				"SPEAKER_PORT":       "3100",
				"SPEAKER_GRPC_PORT":  "50052",
				"SPEAKER_PUBLIC_URL": "http://192.168.1.10:3100/",
			},
			validate: func(t *testing.T, cfg *Config) {
				if cfg.Server.Host != "127.0.0.1" {
					t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "127.0.0.1")
				}
				if cfg.Server.Port != 3100 {
					t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 3100)
				}
				if cfg.Server.GRPCPort != 50052 {
					t.Errorf("Server.GRPCPort = %d, want %d", cfg.Server.GRPCPort, 50052)
				}
				if cfg.Server.PublicURL != "http://192.168.1.10:3100" {
					t.Errorf("Server.PublicURL = %q, want trailing slash trimmed", cfg.Server.PublicURL)
				}
			},
		},
		{
			name: "Device commands",
			envVars: map[string]string{
				"SPEAKER_TTS_COMMAND":     "[7, 3]",
				"SPEAKER_WAKE_COMMAND":    "7,1",
				"SPEAKER_PLAYING_COMMAND": "3,1,1",
				"SPEAKER_STREAM_RESPONSE": "false",
			},
			validate: func(t *testing.T, cfg *Config) {
				if cfg.Speaker.SpeakCommand != [2]int{7, 3} {
					t.Errorf("Speaker.SpeakCommand = %v, want %v", cfg.Speaker.SpeakCommand, [2]int{7, 3})
				}
				if cfg.Speaker.WakeCommand != [2]int{7, 1} {
					t.Errorf("Speaker.WakeCommand = %v, want %v", cfg.Speaker.WakeCommand, [2]int{7, 1})
				}
				want := []int{3, 1, 1}
				if len(cfg.Speaker.PlayingCommand) != 3 {
					t.Fatalf("Speaker.PlayingCommand = %v, want %v", cfg.Speaker.PlayingCommand, want)
				}
				for i := range want {
					if cfg.Speaker.PlayingCommand[i] != want[i] {
						t.Errorf("Speaker.PlayingCommand = %v, want %v", cfg.Speaker.PlayingCommand, want)
					}
				}
				if cfg.Speaker.StatusPolling {
					t.Error("Speaker.StatusPolling = true, want false")
				}
			},
		},
		{
			name: "Swapped commands are corrected",
			envVars: map[string]string{
				"SPEAKER_TTS_COMMAND":  "5,3",
				"SPEAKER_WAKE_COMMAND": "5,1",
			},
			validate: func(t *testing.T, cfg *Config) {
				if cfg.Speaker.SpeakCommand != [2]int{5, 1} {
					t.Errorf("Speaker.SpeakCommand = %v, want %v", cfg.Speaker.SpeakCommand, [2]int{5, 1})
				}
				if cfg.Speaker.WakeCommand != [2]int{5, 3} {
					t.Errorf("Speaker.WakeCommand = %v, want %v", cfg.Speaker.WakeCommand, [2]int{5, 3})
				}
			},
		},
		{
			name: "Check interval is clamped",
			envVars: map[string]string{
				"SPEAKER_CHECK_INTERVAL": "100ms",
				"SPEAKER_CHECK_AFTER":    "15s",
			},
			validate: func(t *testing.T, cfg *Config) {
				if cfg.Speaker.CheckInterval != MinCheckInterval {
					t.Errorf("Speaker.CheckInterval = %v, want %v", cfg.Speaker.CheckInterval, MinCheckInterval)
				}
				if cfg.Speaker.CheckAfter != 15*time.Second {
					t.Errorf("Speaker.CheckAfter = %v, want %v", cfg.Speaker.CheckAfter, 15*time.Second)
				}
			},
		},
		{
			name: "TTS configuration",
			envVars: map[string]string{
				"TTS_BASE_URL":        "http://tts.local:8000/are-you-ok/api/",
				"TTS_DEFAULT_SPEAKER": "S_abc",
				"TTS_TIMEOUT":         "10s",
				"AUDIO_BEEP":          "http://tts.local/beep.mp3",
			},
			validate: func(t *testing.T, cfg *Config) {
				if cfg.TTS.URL != "http://tts.local:8000/are-you-ok/api" {
					t.Errorf("TTS.URL = %q, want trailing slash trimmed", cfg.TTS.URL)
				}
				if !cfg.ExternalTTSConfigured() {
					t.Error("ExternalTTSConfigured() = false with a TTS URL")
				}
				if cfg.TTS.DefaultSpeaker != "S_abc" {
					t.Errorf("TTS.DefaultSpeaker = %q, want %q", cfg.TTS.DefaultSpeaker, "S_abc")
				}
				if cfg.TTS.Timeout != 10*time.Second {
					t.Errorf("TTS.Timeout = %v, want %v", cfg.TTS.Timeout, 10*time.Second)
				}
				if cfg.Speaker.CueURL != "http://tts.local/beep.mp3" {
					t.Errorf("Speaker.CueURL = %q", cfg.Speaker.CueURL)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnvVars()
			for key, value := range tt.envVars {
				_ = os.Setenv(key, value)
			}
			defer clearEnvVars()

			cfg, err := Load()
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}

			tt.validate(t, cfg)
		})
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	clearEnvVars()
	defer clearEnvVars()

	path := filepath.Join(t.TempDir(), "speaker.yaml")
	content := `
speaker:
  device_id: living-room
  tts_mode: native
  speak_command: [5, 1]
  playing_command: [3, 1, 1]
tts:
  url: http://tts.local
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	_ = os.Setenv("SPEAKER_CONFIG", path)
	_ = os.Setenv("SPEAKER_DEVICE_ID", "kitchen")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Speaker.DeviceID != "kitchen" {
		t.Errorf("Speaker.DeviceID = %q, want environment to win over file", cfg.Speaker.DeviceID)
	}
	if cfg.Speaker.TTSMode != "native" {
		t.Errorf("Speaker.TTSMode = %q, want %q", cfg.Speaker.TTSMode, "native")
	}
	if len(cfg.Speaker.PlayingCommand) != 3 || cfg.Speaker.PlayingCommand[2] != 1 {
		t.Errorf("Speaker.PlayingCommand = %v, want [3 1 1]", cfg.Speaker.PlayingCommand)
	}
	if cfg.TTS.URL != "http://tts.local" {
		t.Errorf("TTS.URL = %q, want %q", cfg.TTS.URL, "http://tts.local")
	}
}

func TestLoad_InvalidConfiguration(t *testing.T) {
	tests := []struct {
		name          string
		envVars       map[string]string
		expectError   bool
		errorContains string
	}{
		{
			name:          "Invalid server port",
			envVars:       map[string]string{"SPEAKER_PORT": "0"},
			expectError:   true,
			errorContains: "invalid server port",
		},
		{
			name:          "Invalid gRPC port",
			envVars:       map[string]string{"SPEAKER_GRPC_PORT": "99999"},
			expectError:   true,
			errorContains: "invalid gRPC port",
		},
		{
			name:          "Unknown TTS mode",
			envVars:       map[string]string{"SPEAKER_TTS": "robot"},
			expectError:   true,
			errorContains: "invalid TTS mode",
		},
		{
			name:          "Malformed speak command",
			envVars:       map[string]string{"SPEAKER_TTS_COMMAND": "5"},
			expectError:   true,
			errorContains: "speak command",
		},
		{
			name:          "Playing command with two values",
			envVars:       map[string]string{"SPEAKER_PLAYING_COMMAND": "3,1"},
			expectError:   true,
			errorContains: "playing command",
		},
		{
			name:          "Zero retry ceiling",
			envVars:       map[string]string{"SPEAKER_RETRY_CEILING": "0"},
			expectError:   true,
			errorContains: "retry ceiling",
		},
		{
			name:          "Negative event retention",
			envVars:       map[string]string{"EVENT_RETENTION": "-1h"},
			expectError:   true,
			errorContains: "event retention",
		},
		{
			name:          "Zero prune interval",
			envVars:       map[string]string{"EVENT_PRUNE_INTERVAL": "0s"},
			expectError:   true,
			errorContains: "prune interval",
		},
		{
			name: "Valid configuration",
			envVars: map[string]string{
				"SPEAKER_TTS":  "native",
				"SPEAKER_PORT": "3000",
			},
			expectError: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnvVars()
			for key, value := range tt.envVars {
				_ = os.Setenv(key, value)
			}
			defer clearEnvVars()

			_, err := Load()

			if tt.expectError {
				if err == nil {
					t.Error("Expected error but got none")
				} else if tt.errorContains != "" && !strings.Contains(err.Error(), tt.errorContains) {
					t.Errorf("Expected error to contain %q, got: %v", tt.errorContains, err)
				}
			} else if err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
		})
	}
}

// Helper function to clear environment variables used in tests
func clearEnvVars() {
	_ = os.Unsetenv("SPEAKER_CONFIG")
	for _, envVar := range envBindings {
		_ = os.Unsetenv(envVar)
	}
}
