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
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-speaker/internal/logging"
	"go.uber.org/zap"
)

// Reasons a turn stops early
const (
	InterruptReasonNewMessage  = "new_message"
	InterruptReasonUserRequest = "user_request"
	InterruptReasonShutdown    = "shutdown"
)

// Turn is one user turn whose answer is being spoken
type Turn struct {
	ID        string
	CreatedAt time.Time

	mu              sync.RWMutex
	interruptedAt   *time.Time
	interruptReason string
	finished        bool
}

// IsSuperseded is the cancellation predicate handed to the controller
func (t *Turn) IsSuperseded() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.interruptedAt != nil
}

// InterruptReason returns why the turn was interrupted, if it was
func (t *Turn) InterruptReason() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.interruptReason
}

func (t *Turn) interrupt(reason string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.interruptedAt != nil || t.finished {
		return false
	}
	now := time.Now()
	t.interruptedAt = &now
	t.interruptReason = reason
	return true
}

// TurnTracker keeps at most one live turn per device; starting a new one supersedes the old
type TurnTracker struct {
	mu               sync.RWMutex
	current          *Turn
	started          int
	interruptedCount int
	interruptReasons map[string]int
}

// TurnMetrics summarises turn activity
type TurnMetrics struct {
	ActiveTurn       string         `json:"active_turn,omitempty"`
	ActiveFor        time.Duration  `json:"active_for"`
	TurnsStarted     int            `json:"turns_started"`
	InterruptedCount int            `json:"interrupted_count"`
	InterruptReasons map[string]int `json:"interrupt_reasons"`
}

// NewTurnTracker creates an empty tracker
func NewTurnTracker() *TurnTracker {
	return &TurnTracker{
		interruptReasons: make(map[string]int),
	}
}

// Begin registers a new turn, superseding the one in flight. An empty id gets a generated one.
func (tt *TurnTracker) Begin(id string) *Turn {
	if id == "" {
		id = uuid.New().String()
	}
	turn := &Turn{ID: id, CreatedAt: time.Now()}

	tt.mu.Lock()
	previous := tt.current
	tt.current = turn
	tt.started++
	tt.mu.Unlock()

	if previous != nil {
		tt.interrupt(previous, InterruptReasonNewMessage)
	}
	return turn
}

// Finish marks a turn done. Finishing a turn that is no longer current is a no-op.
func (tt *TurnTracker) Finish(turn *Turn) {
	turn.mu.Lock()
	turn.finished = true
	turn.mu.Unlock()

	tt.mu.Lock()
	if tt.current == turn {
		tt.current = nil
	}
	tt.mu.Unlock()
}

// Current returns the live turn, or nil
func (tt *TurnTracker) Current() *Turn {
	tt.mu.RLock()
	defer tt.mu.RUnlock()
	return tt.current
}

// InterruptAll interrupts the live turn and reports whether there was one
func (tt *TurnTracker) InterruptAll(reason string) bool {
	tt.mu.Lock()
	turn := tt.current
	tt.current = nil
	tt.mu.Unlock()

	if turn == nil {
		return false
	}
	return tt.interrupt(turn, reason)
}

func (tt *TurnTracker) interrupt(turn *Turn, reason string) bool {
	if !turn.interrupt(reason) {
		return false
	}

	tt.mu.Lock()
	tt.interruptedCount++
	tt.interruptReasons[reason]++
	tt.mu.Unlock()

	logging.LogPlayback(turn.ID, "interrupted", zap.String("reason", reason))
	return true
}

// Metrics returns a snapshot of turn activity
func (tt *TurnTracker) Metrics() TurnMetrics {
	tt.mu.RLock()
	defer tt.mu.RUnlock()

	metrics := TurnMetrics{
		TurnsStarted:     tt.started,
		InterruptedCount: tt.interruptedCount,
		InterruptReasons: make(map[string]int, len(tt.interruptReasons)),
	}
	for reason, count := range tt.interruptReasons {
		metrics.InterruptReasons[reason] = count
	}
	if tt.current != nil {
		metrics.ActiveTurn = tt.current.ID
		metrics.ActiveFor = time.Since(tt.current.CreatedAt)
	}
	return metrics
}
