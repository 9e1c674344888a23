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

package speaker

import (
	"context"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-speaker/internal/config"
	"github.com/loqalabs/loqa-speaker/internal/device"
	"github.com/loqalabs/loqa-speaker/internal/logging"
	"github.com/loqalabs/loqa-speaker/internal/tts"
	"go.uber.org/zap"
)

// Synthesizer renders text through the external TTS service
type Synthesizer interface {
	Synthesize(ctx context.Context, text, speaker string) (*tts.Clip, error)
}

// ClipHost publishes a rendered clip and returns the URL the device should fetch
type ClipHost interface {
	Put(clip *tts.Clip) string
}

// VoiceResolver maps a speaker name to a voice id
type VoiceResolver interface {
	Resolve(ctx context.Context, name string) (string, bool)
}

// AudioHandle references audio that has been handed to the device
type AudioHandle struct {
	Mode Mode
	URL  string
	Text string
}

// Dispatcher sends one unit to the device, natively or as a rendered clip
type Dispatcher struct {
	gateway      device.Gateway
	synth        Synthesizer
	clips        ClipHost
	speakCommand [2]int
	attempts     int
	retryDelay   time.Duration
	sleep        func(ctx context.Context, d time.Duration) error
}

// NewDispatcher creates a dispatcher. synth may be nil when no external endpoint is configured,
// and clips may be nil to let the device fetch audio from the TTS service directly.
func NewDispatcher(gateway device.Gateway, synth Synthesizer, clips ClipHost, cfg config.SpeakerConfig) *Dispatcher {
	attempts := cfg.DispatchAttempts
	if attempts <= 0 {
		attempts = 1
	}
	return &Dispatcher{
		gateway:      gateway,
		synth:        synth,
		clips:        clips,
		speakCommand: cfg.SpeakCommand,
		attempts:     attempts,
		retryDelay:   cfg.DispatchRetryDelay,
		sleep:        sleepContext,
	}
}

// EffectiveMode forces native mode when no external endpoint is available
func (d *Dispatcher) EffectiveMode(mode Mode) Mode {
	if mode == ModeExternal && d.synth != nil {
		return ModeExternal
	}
	return ModeNative
}

// Speak renders unit with the given voice and starts playback on the device
func (d *Dispatcher) Speak(ctx context.Context, unit, voiceID string, mode Mode) (*AudioHandle, error) {
	mode = d.EffectiveMode(mode)

	if mode == ModeNative {
		err := d.withRetry(ctx, "speak", func(ctx context.Context) error {
			_, err := d.gateway.DoAction(ctx, d.speakCommand[0], d.speakCommand[1], unit)
			return err
		})
		if err != nil {
			return nil, err
		}
		return &AudioHandle{Mode: ModeNative, Text: unit}, nil
	}

	clip, err := d.synth.Synthesize(ctx, unit, voiceID)
	if err != nil {
		return nil, err
	}

	url := clip.SourceURL
	if d.clips != nil {
		url = d.clips.Put(clip)
	}
	if err := d.PlayURL(ctx, url); err != nil {
		return nil, err
	}
	return &AudioHandle{Mode: ModeExternal, URL: url, Text: unit}, nil
}

// PlayURL asks the device to play an audio URL, retrying transport failures
func (d *Dispatcher) PlayURL(ctx context.Context, url string) error {
	return d.withRetry(ctx, "play", func(ctx context.Context) error {
		return d.gateway.Play(ctx, url)
	})
}

// PlayCue plays a cue clip once; cues are never retried
func (d *Dispatcher) PlayCue(ctx context.Context, url string) error {
	logging.LogDeviceCommand("play_cue", zap.String("url", url))
	if err := d.gateway.Play(ctx, url); err != nil {
		return &TransportError{Op: "play cue", Err: err}
	}
	return nil
}

func (d *Dispatcher) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= d.attempts; attempt++ {
		logging.LogDeviceCommand(op, zap.Int("attempt", attempt))
		if lastErr = fn(ctx); lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		logging.LogWarn("Device command failed",
			zap.String("command", op),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", d.attempts),
			zap.Error(lastErr),
		)

		if attempt < d.attempts {
			if err := d.sleep(ctx, d.retryDelay); err != nil {
				return err
			}
		}
	}
	return &TransportError{Op: op, Err: fmt.Errorf("after %d attempts: %w", d.attempts, lastErr)}
}

// sleepContext waits for d or until ctx is done
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
