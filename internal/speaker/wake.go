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
	"sync"
	"time"

	"github.com/loqalabs/loqa-speaker/internal/config"
	"github.com/loqalabs/loqa-speaker/internal/device"
	"github.com/loqalabs/loqa-speaker/internal/logging"
	"go.uber.org/zap"
)

// unwakeSettle separates the steps of a wake suspension
const unwakeSettle = 100 * time.Millisecond

// WakeControl suspends and restores the device assistant's listening state.
// One instance may be shared by every controller driving the same device.
type WakeControl struct {
	gateway      device.Gateway
	speakCommand [2]int
	wakeCommand  [2]int
	silentText   string
	window       time.Duration

	mu         sync.Mutex
	lastUnwake time.Time
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewWakeControl creates a wake controller for one device
func NewWakeControl(gateway device.Gateway, cfg config.SpeakerConfig) *WakeControl {
	return &WakeControl{
		gateway:      gateway,
		speakCommand: cfg.SpeakCommand,
		wakeCommand:  cfg.WakeCommand,
		silentText:   cfg.SilentProbeText,
		window:       cfg.UnwakeWindow,
		now:          time.Now,
		sleep:        sleepContext,
	}
}

// WakeUp puts the device back into listening state
func (w *WakeControl) WakeUp(ctx context.Context) error {
	logging.LogDeviceCommand("wake_up")
	if _, err := w.gateway.DoAction(ctx, w.wakeCommand[0], w.wakeCommand[1]); err != nil {
		return &TransportError{Op: "wake up", Err: err}
	}
	return nil
}

// UnWakeUp stops the device from listening to its own playback. Calls within the window
// of the previous suspension are skipped; the bool reports whether commands were sent.
func (w *WakeControl) UnWakeUp(ctx context.Context) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	if !w.lastUnwake.IsZero() && now.Sub(w.lastUnwake) < w.window {
		logging.LogDeviceCommand("unwake_skipped", zap.Duration("since_last", now.Sub(w.lastUnwake)))
		return false, nil
	}
	w.lastUnwake = now

	logging.LogDeviceCommand("unwake")
	if err := w.gateway.Pause(ctx); err != nil {
		return true, &TransportError{Op: "pause", Err: err}
	}
	if err := w.sleep(ctx, unwakeSettle); err != nil {
		return true, err
	}
	if _, err := w.gateway.DoAction(ctx, w.speakCommand[0], w.speakCommand[1], w.silentText); err != nil {
		return true, &TransportError{Op: "silent speak", Err: err}
	}
	if err := w.sleep(ctx, unwakeSettle); err != nil {
		return true, err
	}
	return true, nil
}
