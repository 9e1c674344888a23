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

package events

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Outcomes recorded for a spoken turn
const (
	OutcomeCompleted   = "completed"
	OutcomeInterrupted = "interrupted"
	OutcomeError       = "error"
)

// Input kinds a turn can be built from
const (
	SourceText   = "text"
	SourceStream = "stream"
	SourceAudio  = "audio"
)

// PlaybackEvent records how one spoken turn ended. The spoken text is never stored.
type PlaybackEvent struct {
	UUID         string    `json:"uuid" db:"uuid"`
	TurnID       string    `json:"turn_id" db:"turn_id"`
	DeviceID     string    `json:"device_id" db:"device_id"`
	Source       string    `json:"source" db:"source"`
	Mode         string    `json:"mode" db:"mode"`
	Units        int       `json:"units" db:"units"`
	Outcome      string    `json:"outcome" db:"outcome"`
	ErrorKind    string    `json:"error_kind,omitempty" db:"error_kind"`
	ErrorMessage string    `json:"error_message,omitempty" db:"error_message"`
	StartedAt    time.Time `json:"started_at" db:"started_at"`
	DurationMS   int64     `json:"duration_ms" db:"duration_ms"`
}

// NewPlaybackEvent creates an event with a generated UUID and the current time
func NewPlaybackEvent(deviceID, turnID string) *PlaybackEvent {
	return &PlaybackEvent{
		UUID:      uuid.New().String(),
		TurnID:    turnID,
		DeviceID:  deviceID,
		StartedAt: time.Now(),
		Outcome:   OutcomeCompleted,
	}
}

// GetUUID returns the event id
func (e *PlaybackEvent) GetUUID() string {
	return e.UUID
}

// SetError marks the event as failed
func (e *PlaybackEvent) SetError(kind string, err error) {
	e.Outcome = OutcomeError
	e.ErrorKind = kind
	if err != nil {
		e.ErrorMessage = err.Error()
	}
}

// Succeeded reports whether the turn was spoken to the end
func (e *PlaybackEvent) Succeeded() bool {
	return e.Outcome == OutcomeCompleted
}

// IsValid performs basic validation on the playback event
func (e *PlaybackEvent) IsValid() error {
	if e.UUID == "" {
		return fmt.Errorf("UUID is required")
	}
	if e.DeviceID == "" {
		return fmt.Errorf("deviceID is required")
	}
	if e.StartedAt.IsZero() {
		return fmt.Errorf("startedAt is required")
	}
	switch e.Outcome {
	case OutcomeCompleted, OutcomeInterrupted, OutcomeError:
	default:
		return fmt.Errorf("unknown outcome %q", e.Outcome)
	}
	switch e.Source {
	case SourceText, SourceStream, SourceAudio:
	default:
		return fmt.Errorf("unknown source %q", e.Source)
	}
	if e.Units < 0 || e.DurationMS < 0 {
		return fmt.Errorf("units and duration must not be negative")
	}
	return nil
}

// String returns a human-readable representation of the playback event
func (e *PlaybackEvent) String() string {
	return fmt.Sprintf("PlaybackEvent{UUID: %s, TurnID: %s, DeviceID: %s, Source: %s, Units: %d, Outcome: %s}",
		e.UUID, e.TurnID, e.DeviceID, e.Source, e.Units, e.Outcome)
}
