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
	"errors"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-speaker/internal/config"
	"github.com/loqalabs/loqa-speaker/internal/device"
	"github.com/loqalabs/loqa-speaker/internal/logging"
	"go.uber.org/zap"
)

// PlaybackObserver waits until audio handed to the device is finished
type PlaybackObserver interface {
	WaitForCompletion(ctx context.Context, isSuperseded func() bool) (Outcome, error)
}

// Watchdog observes playback by polling device state
type Watchdog struct {
	gateway        device.Gateway
	polling        bool
	checkAfter     time.Duration
	checkInterval  time.Duration
	retryCeiling   int
	playingCommand []int
	sleep          func(ctx context.Context, d time.Duration) error
}

// NewWatchdog creates a polling observer. The poll interval never drops below config.MinCheckInterval.
func NewWatchdog(gateway device.Gateway, cfg config.SpeakerConfig) *Watchdog {
	interval := cfg.CheckInterval
	if interval < config.MinCheckInterval {
		interval = config.MinCheckInterval
	}
	ceiling := cfg.RetryCeiling
	if ceiling <= 0 {
		ceiling = 1
	}
	return &Watchdog{
		gateway:        gateway,
		polling:        cfg.StatusPolling,
		checkAfter:     cfg.CheckAfter,
		checkInterval:  interval,
		retryCeiling:   ceiling,
		playingCommand: cfg.PlayingCommand,
		sleep:          sleepContext,
	}
}

// Interval is the effective poll interval
func (w *Watchdog) Interval() time.Duration {
	return w.checkInterval
}

// WaitForCompletion implements PlaybackObserver
func (w *Watchdog) WaitForCompletion(ctx context.Context, isSuperseded func() bool) (Outcome, error) {
	if !w.polling {
		return OutcomeCompleted, nil
	}
	if isSuperseded == nil {
		isSuperseded = func() bool { return false }
	}

	if err := w.sleep(ctx, w.checkAfter); err != nil {
		return OutcomeInterrupted, nil
	}

	failures := 0
	for {
		status, err := w.readStatus(ctx)

		if isSuperseded() || ctx.Err() != nil {
			return OutcomeInterrupted, nil
		}

		if err != nil {
			failures++
			logging.LogWarn("Device status read failed",
				zap.Int("consecutive_failures", failures),
				zap.Int("retry_ceiling", w.retryCeiling),
				zap.Error(err),
			)
			if failures >= w.retryCeiling {
				return OutcomeError, fmt.Errorf("%w: %d consecutive failures, last: %v", ErrPlaybackTimeout, failures, err)
			}
		} else {
			failures = 0
			if status.Foreign() {
				logging.LogWarn("Device started playing other media", zap.String("media_type", status.MediaType))
				return OutcomeInterrupted, nil
			}
			if !status.Playing() {
				return OutcomeCompleted, nil
			}
		}

		if err := w.sleep(ctx, w.checkInterval); err != nil {
			return OutcomeInterrupted, nil
		}
	}
}

var errNoStatus = errors.New("device returned no status")

// readStatus derives one DeviceState from either the playing property or the media status call
func (w *Watchdog) readStatus(ctx context.Context) (*device.Status, error) {
	if len(w.playingCommand) == 3 {
		value, err := w.gateway.GetProperty(ctx, w.playingCommand[0], w.playingCommand[1])
		if err != nil {
			return nil, &TransportError{Op: "get property", Err: err}
		}
		if value == nil {
			return nil, errNoStatus
		}
		if device.ValueEquals(value, w.playingCommand[2]) {
			return &device.Status{Status: device.StatusPlaying}, nil
		}
		return &device.Status{Status: device.StatusIdle}, nil
	}

	status, err := w.gateway.GetStatus(ctx)
	if err != nil {
		return nil, &TransportError{Op: "get status", Err: err}
	}
	if status == nil {
		return nil, errNoStatus
	}
	return status, nil
}
