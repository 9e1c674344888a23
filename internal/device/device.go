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

// Package device describes the command surface of a smart speaker.
package device

import (
	"context"
	"encoding/json"
	"strconv"
)

// Playback states reported by the device
const (
	StatusPlaying = "playing"
	StatusIdle    = "idle"
	StatusUnknown = "unknown"
)

// Status is one read of the device media player
type Status struct {
	Status    string `json:"status"`
	MediaType string `json:"media_type,omitempty"`
}

// Playing reports whether the device is playing anything
func (s *Status) Playing() bool {
	return s != nil && s.Status == StatusPlaying
}

// Foreign reports whether the device is playing media it started on its own (music, radio)
func (s *Status) Foreign() bool {
	return s.Playing() && s.MediaType != ""
}

// Gateway executes commands on one physical device. Ids are model specific integers.
type Gateway interface {
	DoAction(ctx context.Context, siid, aiid int, args ...interface{}) (interface{}, error)
	GetProperty(ctx context.Context, siid, piid int) (interface{}, error)
	Play(ctx context.Context, url string) error
	Pause(ctx context.Context) error
	GetStatus(ctx context.Context) (*Status, error)
}

// ValueEquals compares a raw property value against a configured integer
func ValueEquals(value interface{}, want int) bool {
	switch v := value.(type) {
	case int:
		return v == want
	case int32:
		return int(v) == want
	case int64:
		return v == int64(want)
	case float32:
		return v == float32(want)
	case float64:
		return v == float64(want)
	case json.Number:
		n, err := v.Int64()
		return err == nil && n == int64(want)
	case string:
		n, err := strconv.Atoi(v)
		return err == nil && n == want
	case bool:
		return (v && want == 1) || (!v && want == 0)
	default:
		return false
	}
}
