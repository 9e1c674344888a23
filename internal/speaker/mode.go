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
	"strings"

	"github.com/loqalabs/loqa-speaker/internal/logging"
	"go.uber.org/zap"
)

// Mode selects who renders speech
type Mode string

const (
	// ModeNative lets the device speak text with its own engine
	ModeNative Mode = "native"
	// ModeExternal renders audio through the external TTS service and plays it by URL
	ModeExternal Mode = "external"
)

// ParseMode accepts "native" or "external"; the legacy names "xiaoai" and "custom" are accepted too
func ParseMode(value string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "native", "xiaoai":
		return ModeNative, nil
	case "external", "custom":
		return ModeExternal, nil
	default:
		return "", fmt.Errorf("unknown TTS mode %q", value)
	}
}

// Prober checks that an external TTS endpoint answers
type Prober interface {
	Probe(ctx context.Context) error
}

// ResolveMode decides the TTS mode once at startup. External needs a prober that succeeds.
func ResolveMode(ctx context.Context, preferred Mode, prober Prober) Mode {
	if preferred != ModeExternal {
		return ModeNative
	}
	if prober == nil {
		logging.LogWarn("External TTS requested without an endpoint, using native TTS")
		return ModeNative
	}
	if err := prober.Probe(ctx); err != nil {
		logging.LogWarn("External TTS probe failed, using native TTS", zap.Error(err))
		return ModeNative
	}
	logging.LogTTSOperation("mode_resolved", zap.String("mode", string(ModeExternal)))
	return ModeExternal
}
