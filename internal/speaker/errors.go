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

	"github.com/loqalabs/loqa-speaker/internal/tts"
	"go.opentelemetry.io/otel"
)

const scopeName = "github.com/loqalabs/loqa-speaker/internal/speaker"

var tracer = otel.Tracer(scopeName)

// Outcome is the result of one playback attempt or one whole turn
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeInterrupted
	OutcomeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeInterrupted:
		return "interrupted"
	case OutcomeError:
		return "error"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

var (
	// ErrPlaybackTimeout means the status retry budget ran out while polling
	ErrPlaybackTimeout = errors.New("playback status unavailable: retry budget exhausted")
	// ErrEmptyTurn means a turn produced no speakable content
	ErrEmptyTurn = errors.New("turn produced no speakable content")
	// ErrInvalidRequest means a request did not carry exactly one of text, stream or audio URL
	ErrInvalidRequest = errors.New("request must carry exactly one of text, stream or audio url")
	// ErrStreamClosed is returned when writing to a finished stream
	ErrStreamClosed = errors.New("stream already closed")
)

// TransportError wraps a failed device command
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("device %s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ErrorKind classifies a turn error for logs and stored events
func ErrorKind(err error) string {
	var transportErr *TransportError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrEmptyTurn):
		return "empty_turn"
	case errors.Is(err, ErrPlaybackTimeout):
		return "timeout"
	case errors.Is(err, tts.ErrServiceUnavailable), errors.Is(err, tts.ErrBadResponse):
		return "tts"
	case errors.As(err, &transportErr):
		return "transport"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "unknown"
	}
}
