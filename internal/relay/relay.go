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

// Package relay owns turns: it feeds answers from HTTP and NATS into the speaker controller,
// makes every new turn supersede the previous one and records how each turn ended.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/loqalabs/loqa-speaker/internal/events"
	"github.com/loqalabs/loqa-speaker/internal/logging"
	"github.com/loqalabs/loqa-speaker/internal/messaging"
	"github.com/loqalabs/loqa-speaker/internal/security"
	"github.com/loqalabs/loqa-speaker/internal/speaker"
	"go.uber.org/zap"
)

// ErrClosed is returned once the relay is shutting down
var ErrClosed = errors.New("relay closed")

// Turn ids already begun are remembered so late deltas cannot reopen them
const (
	knownTurnsSize = 256
	knownTurnsTTL  = 30 * time.Minute
)

// Responder is the part of the speaker controller the relay drives
type Responder interface {
	RespondReport(ctx context.Context, req speaker.Request) speaker.TurnReport
	Segmenter() *speaker.Segmenter
	StopResponding()
}

// EventRecorder persists playback events
type EventRecorder interface {
	Insert(ctx context.Context, event *events.PlaybackEvent) error
}

// EventPublisher announces playback events
type EventPublisher interface {
	PublishPlaybackEvent(event *events.PlaybackEvent) error
}

// Options tweak a turn beyond its content
type Options struct {
	VoiceID   string
	Mode      speaker.Mode
	KeepAwake bool
	PlayCues  bool
}

// Relay serialises turns for one device
type Relay struct {
	controller Responder
	turns      *speaker.TurnTracker
	deviceID   string
	recorder   EventRecorder
	publisher  EventPublisher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	streams map[string]*speaker.StreamSource
	known   *expirable.LRU[string, struct{}]
	closed  bool
}

// NewRelay creates a relay. recorder and publisher may be nil.
func NewRelay(controller Responder, deviceID string, recorder EventRecorder, publisher EventPublisher) *Relay {
	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		controller: controller,
		turns:      speaker.NewTurnTracker(),
		deviceID:   deviceID,
		recorder:   recorder,
		publisher:  publisher,
		ctx:        ctx,
		cancel:     cancel,
		streams:    make(map[string]*speaker.StreamSource),
		known:      expirable.NewLRU[string, struct{}](knownTurnsSize, nil, knownTurnsTTL),
	}
}

// Turns exposes the turn tracker
func (r *Relay) Turns() *speaker.TurnTracker {
	return r.turns
}

// Speak runs a turn to its end on the caller's goroutine
func (r *Relay) Speak(ctx context.Context, turnID, text, audioURL string, opts Options) (speaker.TurnReport, error) {
	if (text == "") == (audioURL == "") {
		return speaker.TurnReport{}, speaker.ErrInvalidRequest
	}
	turn, err := r.begin(turnID, nil)
	if err != nil {
		return speaker.TurnReport{}, err
	}
	req := r.request(turn, opts)
	req.Text, req.AudioURL = text, audioURL
	return r.run(ctx, turn, req), nil
}

// Start runs a turn in the background and returns its id
func (r *Relay) Start(turnID, text, audioURL string, opts Options) (string, error) {
	if (text == "") == (audioURL == "") {
		return "", speaker.ErrInvalidRequest
	}
	turn, err := r.begin(turnID, nil)
	if err != nil {
		return "", err
	}
	req := r.request(turn, opts)
	req.Text, req.AudioURL = text, audioURL
	r.goRun(turn, req)
	return turn.ID, nil
}

// OpenStream starts a streamed turn. The caller writes deltas into the returned stream and closes it.
func (r *Relay) OpenStream(turnID string, opts Options) (string, *speaker.StreamSource, error) {
	stream := r.controller.Segmenter().NewStream()
	turn, err := r.begin(turnID, stream)
	if err != nil {
		return "", nil, err
	}

	req := r.request(turn, opts)
	req.Stream = stream
	r.goRun(turn, req)
	return turn.ID, stream, nil
}

// HandleMessage routes a NATS respond message. Deltas for a turn id never seen before open a new
// stream; deltas for a turn that was superseded, stopped or finished are dropped.
func (r *Relay) HandleMessage(msg *messaging.RespondMessage) {
	mode, err := ParseModeOverride(msg.Mode)
	if err != nil {
		logging.LogError(err, "Rejected respond message", zap.String("turn_id", security.SanitizeLogInput(msg.TurnID)))
		return
	}
	opts := Options{
		VoiceID:   msg.VoiceID,
		Mode:      mode,
		KeepAwake: msg.KeepAwake,
		PlayCues:  msg.PlayCues,
	}

	if !msg.Streaming() {
		if _, err := r.Start(msg.TurnID, msg.Text, msg.AudioURL, opts); err != nil {
			logging.LogError(err, "Rejected respond message", zap.String("turn_id", security.SanitizeLogInput(msg.TurnID)))
		}
		return
	}

	stream := r.stream(msg.TurnID)
	if stream == nil {
		if msg.TurnID == "" {
			logging.LogWarn("Dropping delta without turn id")
			return
		}
		if r.known.Contains(msg.TurnID) {
			logging.LogWarn("Dropping delta for ended turn",
				zap.String("turn_id", security.SanitizeLogInput(msg.TurnID)),
				zap.Bool("done", msg.Done),
			)
			return
		}
		_, stream, err = r.OpenStream(msg.TurnID, opts)
		if err != nil {
			logging.LogError(err, "Rejected respond stream", zap.String("turn_id", security.SanitizeLogInput(msg.TurnID)))
			return
		}
	}

	if msg.Delta != "" {
		if err := stream.Write(msg.Delta); err != nil {
			logging.LogWarn("Delta for finished turn", zap.String("turn_id", msg.TurnID), zap.Error(err))
		}
	}
	if msg.Done {
		stream.Close()
	}
}

// ParseModeOverride parses a per-turn mode; empty keeps the controller's mode
func ParseModeOverride(value string) (speaker.Mode, error) {
	if value == "" {
		return "", nil
	}
	mode, err := speaker.ParseMode(value)
	if err != nil {
		return "", fmt.Errorf("%w: %v", speaker.ErrInvalidRequest, err)
	}
	return mode, nil
}

// Stop interrupts the live turn and reports whether one was running
func (r *Relay) Stop() bool {
	r.mu.Lock()
	stopped := r.turns.InterruptAll(speaker.InterruptReasonUserRequest)
	r.cancelStreams()
	r.mu.Unlock()

	r.controller.StopResponding()
	return stopped
}

// Metrics returns turn activity
func (r *Relay) Metrics() speaker.TurnMetrics {
	return r.turns.Metrics()
}

// Close interrupts the live turn and waits for running turns to report
func (r *Relay) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.turns.InterruptAll(speaker.InterruptReasonShutdown)
	r.cancelStreams()
	r.mu.Unlock()

	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("relay shutdown: %w", ctx.Err())
	}
}

// begin supersedes the live turn and registers stream, if any, under the new turn's id
func (r *Relay) begin(turnID string, stream *speaker.StreamSource) (*speaker.Turn, error) {
	if turnID != "" {
		if err := security.ValidateID(turnID); err != nil {
			return nil, fmt.Errorf("%w: turn id: %v", speaker.ErrInvalidRequest, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}

	// Every begun turn must reach run, which releases this
	r.wg.Add(1)

	turn := r.turns.Begin(turnID)
	// The superseded turn's stream has nothing more worth speaking,
	// even when the new turn reuses its id
	r.cancelStreams()
	r.known.Add(turn.ID, struct{}{})
	if stream != nil {
		r.streams[turn.ID] = stream
	}

	return turn, nil
}

// cancelStreams drops every open stream. r.mu must be held.
func (r *Relay) cancelStreams() {
	for id, stream := range r.streams {
		stream.Cancel()
		delete(r.streams, id)
	}
}

func (r *Relay) request(turn *speaker.Turn, opts Options) speaker.Request {
	return speaker.Request{
		TurnID:       turn.ID,
		VoiceID:      opts.VoiceID,
		Mode:         opts.Mode,
		KeepAwake:    opts.KeepAwake,
		PlayCues:     opts.PlayCues,
		IsSuperseded: turn.IsSuperseded,
	}
}

func (r *Relay) goRun(turn *speaker.Turn, req speaker.Request) {
	go r.run(r.ctx, turn, req)
}

// run speaks a turn obtained from begin
func (r *Relay) run(ctx context.Context, turn *speaker.Turn, req speaker.Request) speaker.TurnReport {
	defer r.wg.Done()

	report := r.controller.RespondReport(ctx, req)

	r.turns.Finish(turn)
	r.mu.Lock()
	if r.streams[turn.ID] == req.Stream {
		delete(r.streams, turn.ID)
	}
	r.mu.Unlock()

	r.record(report)
	return report
}

func (r *Relay) stream(turnID string) *speaker.StreamSource {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.streams[turnID]
}

func (r *Relay) record(report speaker.TurnReport) {
	event := NewEvent(r.deviceID, report)
	logging.LogPlaybackEvent(event, "Playback event recorded",
		zap.String("turn_id", event.TurnID),
		zap.String("outcome", event.Outcome),
	)

	if r.recorder != nil {
		// The turn's own context may already be canceled
		if err := r.recorder.Insert(context.Background(), event); err != nil {
			logging.LogError(err, "Failed to store playback event", zap.String("uuid", event.UUID))
		}
	}
	if r.publisher != nil {
		if err := r.publisher.PublishPlaybackEvent(event); err != nil {
			logging.LogWarn("Failed to publish playback event", zap.String("uuid", event.UUID), zap.Error(err))
		}
	}
}

// NewEvent converts a turn report into a playback event
func NewEvent(deviceID string, report speaker.TurnReport) *events.PlaybackEvent {
	event := events.NewPlaybackEvent(deviceID, report.TurnID)
	event.Source = report.Source
	event.Mode = string(report.Mode)
	event.Units = report.Units
	event.StartedAt = report.StartedAt
	event.DurationMS = report.Duration.Milliseconds()

	switch report.Outcome {
	case speaker.OutcomeCompleted:
		event.Outcome = events.OutcomeCompleted
	case speaker.OutcomeInterrupted:
		event.Outcome = events.OutcomeInterrupted
	default:
		event.Outcome = events.OutcomeError
	}
	if report.Err != nil {
		event.SetError(speaker.ErrorKind(report.Err), report.Err)
	}
	return event
}
