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

package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-speaker/internal/events"
	"github.com/loqalabs/loqa-speaker/internal/messaging"
	"github.com/loqalabs/loqa-speaker/internal/speaker"
)

type fakeResponder struct {
	segmenter *speaker.Segmenter
	respond   func(ctx context.Context, req speaker.Request) speaker.TurnReport

	mu       sync.Mutex
	requests []speaker.Request
	units    map[string][]string
	stopped  int
}

func newFakeResponder() *fakeResponder {
	return &fakeResponder{
		segmenter: speaker.NewSegmenter("", 0),
		units:     make(map[string][]string),
	}
}

func (f *fakeResponder) RespondReport(ctx context.Context, req speaker.Request) speaker.TurnReport {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	respond := f.respond
	f.mu.Unlock()

	if respond != nil {
		return respond(ctx, req)
	}

	report := speaker.TurnReport{
		TurnID:    req.TurnID,
		Source:    req.Source(),
		Mode:      speaker.ModeExternal,
		Outcome:   speaker.OutcomeCompleted,
		StartedAt: time.Now(),
	}
	if req.Stream != nil {
		units := drain(req.Stream)
		f.mu.Lock()
		f.units[req.TurnID] = units
		f.mu.Unlock()
		report.Units = len(units)
	} else {
		report.Units = 1
	}
	return report
}

func (f *fakeResponder) Segmenter() *speaker.Segmenter {
	return f.segmenter
}

func (f *fakeResponder) StopResponding() {
	f.mu.Lock()
	f.stopped++
	f.mu.Unlock()
}

func (f *fakeResponder) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func drain(source speaker.SentenceSource) []string {
	var units []string
	deadline := time.After(2 * time.Second)
	for {
		unit, exhausted := source.Next()
		if unit != "" {
			units = append(units, unit)
		}
		if exhausted {
			return units
		}
		if unit == "" {
			select {
			case <-source.Updated():
			case <-time.After(10 * time.Millisecond):
			case <-deadline:
				return units
			}
		}
	}
}

type fakeRecorder struct {
	mu     sync.Mutex
	events []*events.PlaybackEvent
	err    error
}

func (f *fakeRecorder) Insert(ctx context.Context, event *events.PlaybackEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return f.err
}

func (f *fakeRecorder) byTurn(turnID string) *events.PlaybackEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, event := range f.events {
		if event.TurnID == turnID {
			return event
		}
	}
	return nil
}

type fakePublisher struct {
	fakeRecorder
}

func (f *fakePublisher) PublishPlaybackEvent(event *events.PlaybackEvent) error {
	return f.Insert(context.Background(), event)
}

func closeRelay(t *testing.T, r *Relay) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

func TestSpeakRecordsEvent(t *testing.T) {
	responder := newFakeResponder()
	recorder := &fakeRecorder{}
	publisher := &fakePublisher{}
	r := NewRelay(responder, "kitchen", recorder, publisher)
	defer closeRelay(t, r)

	report, err := r.Speak(context.Background(), "turn-1", "Hello.", "", Options{KeepAwake: true})
	if err != nil {
		t.Fatalf("Speak failed: %v", err)
	}
	if report.Outcome != speaker.OutcomeCompleted {
		t.Errorf("Expected completed, got %s", report.Outcome)
	}

	event := recorder.byTurn("turn-1")
	if event == nil {
		t.Fatal("Expected stored event")
	}
	if event.DeviceID != "kitchen" || event.Source != events.SourceText || event.Outcome != events.OutcomeCompleted {
		t.Errorf("Unexpected event: %s", event)
	}
	if publisher.byTurn("turn-1") == nil {
		t.Error("Expected published event")
	}

	if !responder.requests[0].KeepAwake {
		t.Error("Expected options to reach the controller")
	}
	if r.Turns().Current() != nil {
		t.Error("Expected no live turn after Speak")
	}
}

func TestSpeakRejectsInvalidInput(t *testing.T) {
	tests := []struct {
		name     string
		turnID   string
		text     string
		audioURL string
	}{
		{"no input", "t1", "", ""},
		{"both inputs", "t1", "Hi.", "http://x/a.mp3"},
		{"bad turn id", "../etc", "Hi.", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			responder := newFakeResponder()
			r := NewRelay(responder, "kitchen", nil, nil)
			defer closeRelay(t, r)

			_, err := r.Speak(context.Background(), tt.turnID, tt.text, tt.audioURL, Options{})
			if !errors.Is(err, speaker.ErrInvalidRequest) {
				t.Errorf("Expected ErrInvalidRequest, got %v", err)
			}
			if responder.requestCount() != 0 {
				t.Error("Controller must not be called for rejected input")
			}
		})
	}
}

func TestNewTurnSupersedesRunningTurn(t *testing.T) {
	responder := newFakeResponder()
	started := make(chan string, 2)
	responder.respond = func(ctx context.Context, req speaker.Request) speaker.TurnReport {
		started <- req.TurnID
		report := speaker.TurnReport{TurnID: req.TurnID, Source: req.Source(), StartedAt: time.Now()}
		if req.TurnID != "t1" {
			report.Outcome = speaker.OutcomeCompleted
			return report
		}

		deadline := time.After(2 * time.Second)
		for !req.IsSuperseded() {
			select {
			case <-deadline:
				report.Outcome = speaker.OutcomeCompleted
				return report
			case <-time.After(5 * time.Millisecond):
			}
		}
		report.Outcome = speaker.OutcomeInterrupted
		return report
	}

	recorder := &fakeRecorder{}
	r := NewRelay(responder, "kitchen", recorder, nil)

	if _, err := r.Start("t1", "A long answer.", "", Options{}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	<-started
	if _, err := r.Start("t2", "Short one.", "", Options{}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	<-started
	closeRelay(t, r)

	if event := recorder.byTurn("t1"); event == nil || event.Outcome != events.OutcomeInterrupted {
		t.Errorf("Expected t1 interrupted, got %v", event)
	}
	if event := recorder.byTurn("t2"); event == nil || event.Outcome != events.OutcomeCompleted {
		t.Errorf("Expected t2 completed, got %v", event)
	}

	metrics := r.Metrics()
	if metrics.TurnsStarted != 2 {
		t.Errorf("Expected 2 turns started, got %d", metrics.TurnsStarted)
	}
	if metrics.InterruptReasons[speaker.InterruptReasonNewMessage] != 1 {
		t.Errorf("Expected one new_message interrupt, got %v", metrics.InterruptReasons)
	}
}

func TestHandleMessageStreamsDeltas(t *testing.T) {
	responder := newFakeResponder()
	recorder := &fakeRecorder{}
	r := NewRelay(responder, "kitchen", recorder, nil)

	messages := []*messaging.RespondMessage{
		{TurnID: "t1", Delta: "Hello there! How"},
		{TurnID: "t1", Delta: " are you?"},
		{TurnID: "t1", Done: true},
	}
	for _, msg := range messages {
		r.HandleMessage(msg)
	}
	closeRelay(t, r)

	if responder.requestCount() != 1 {
		t.Fatalf("Expected one turn, got %d", responder.requestCount())
	}
	units := responder.units["t1"]
	want := []string{"Hello there!", "How are you?"}
	if len(units) != len(want) {
		t.Fatalf("Expected units %q, got %q", want, units)
	}
	for i := range want {
		if units[i] != want[i] {
			t.Errorf("Unit %d: expected %q, got %q", i, want[i], units[i])
		}
	}

	event := recorder.byTurn("t1")
	if event == nil || event.Source != events.SourceStream || event.Units != 2 {
		t.Errorf("Unexpected event: %v", event)
	}
}

func TestHandleMessageTextAndInvalid(t *testing.T) {
	responder := newFakeResponder()
	r := NewRelay(responder, "kitchen", nil, nil)

	r.HandleMessage(&messaging.RespondMessage{TurnID: "t1", Text: "Hi.", Mode: "native"})
	r.HandleMessage(&messaging.RespondMessage{TurnID: "t2", Text: "Hi.", Mode: "robot"})
	r.HandleMessage(&messaging.RespondMessage{Delta: "orphan"})
	closeRelay(t, r)

	if responder.requestCount() != 1 {
		t.Fatalf("Expected one accepted turn, got %d", responder.requestCount())
	}
	if responder.requests[0].Mode != speaker.ModeNative {
		t.Errorf("Expected native override, got %q", responder.requests[0].Mode)
	}
}

func TestStopInterruptsLiveTurn(t *testing.T) {
	responder := newFakeResponder()
	started := make(chan struct{})
	responder.respond = func(ctx context.Context, req speaker.Request) speaker.TurnReport {
		close(started)
		for !req.IsSuperseded() {
			time.Sleep(5 * time.Millisecond)
		}
		return speaker.TurnReport{TurnID: req.TurnID, Source: req.Source(), Outcome: speaker.OutcomeInterrupted}
	}
	r := NewRelay(responder, "kitchen", nil, nil)

	if _, err := r.Start("", "Long answer.", "", Options{}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	<-started

	if !r.Stop() {
		t.Error("Expected Stop to interrupt the live turn")
	}
	closeRelay(t, r)

	if r.Stop() {
		t.Error("Expected nothing to stop after the turn ended")
	}
	if responder.stopped != 2 {
		t.Errorf("Expected StopResponding on every Stop, got %d", responder.stopped)
	}
	if r.Metrics().InterruptReasons[speaker.InterruptReasonUserRequest] != 1 {
		t.Errorf("Unexpected interrupt reasons: %v", r.Metrics().InterruptReasons)
	}
}

func waitForEvent(t *testing.T, recorder *fakeRecorder, turnID string) *events.PlaybackEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if event := recorder.byTurn(turnID); event != nil {
			return event
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("No event recorded for turn %s", turnID)
	return nil
}

func TestLateDeltaForSupersededTurnIsDropped(t *testing.T) {
	responder := newFakeResponder()
	recorder := &fakeRecorder{}
	r := NewRelay(responder, "kitchen", recorder, nil)

	r.HandleMessage(&messaging.RespondMessage{TurnID: "old", Delta: "第一句。"})
	r.HandleMessage(&messaging.RespondMessage{TurnID: "new", Delta: "新的回答。"})
	// The model behind the superseded answer keeps streaming
	r.HandleMessage(&messaging.RespondMessage{TurnID: "old", Delta: "旧回答的剩余部分。"})
	r.HandleMessage(&messaging.RespondMessage{TurnID: "old", Done: true})
	r.HandleMessage(&messaging.RespondMessage{TurnID: "new", Done: true})

	waitForEvent(t, recorder, "new")
	closeRelay(t, r)

	if responder.requestCount() != 2 {
		t.Fatalf("Expected two turns, got %d", responder.requestCount())
	}
	for i, want := range []string{"old", "new"} {
		if got := responder.requests[i].TurnID; got != want {
			t.Errorf("Turn %d: expected %s, got %s", i, want, got)
		}
	}
	if units := responder.units["new"]; len(units) != 1 || units[0] != "新的回答。" {
		t.Errorf("Expected the new answer to be spoken alone, got %q", units)
	}
	if r.Metrics().TurnsStarted != 2 {
		t.Errorf("Expected 2 turns started, got %d", r.Metrics().TurnsStarted)
	}
}

func TestDeltaAfterStopIsDropped(t *testing.T) {
	responder := newFakeResponder()
	recorder := &fakeRecorder{}
	r := NewRelay(responder, "kitchen", recorder, nil)

	r.HandleMessage(&messaging.RespondMessage{TurnID: "t1", Delta: "First sentence."})
	r.Stop()
	r.HandleMessage(&messaging.RespondMessage{TurnID: "t1", Delta: " More text."})
	r.HandleMessage(&messaging.RespondMessage{TurnID: "t1", Done: true})

	waitForEvent(t, recorder, "t1")
	closeRelay(t, r)

	if responder.requestCount() != 1 {
		t.Errorf("Expected Stop to end the turn for good, got %d turns", responder.requestCount())
	}
}

func TestNewTurnCancelsStreamWithSameID(t *testing.T) {
	r := NewRelay(newFakeResponder(), "kitchen", nil, nil)
	defer closeRelay(t, r)

	_, first, err := r.OpenStream("t1", Options{})
	if err != nil {
		t.Fatalf("OpenStream failed: %v", err)
	}
	_, second, err := r.OpenStream("t1", Options{})
	if err != nil {
		t.Fatalf("OpenStream failed: %v", err)
	}

	if err := first.Write("stale."); !errors.Is(err, speaker.ErrStreamClosed) {
		t.Errorf("Expected the replaced stream to be closed, got %v", err)
	}
	if err := second.Write("fresh."); err != nil {
		t.Errorf("Expected the new stream to accept deltas, got %v", err)
	}
	second.Close()
}

func TestCloseWaitsForBlockingSpeak(t *testing.T) {
	responder := newFakeResponder()
	started := make(chan struct{})
	responder.respond = func(ctx context.Context, req speaker.Request) speaker.TurnReport {
		close(started)
		for !req.IsSuperseded() {
			time.Sleep(5 * time.Millisecond)
		}
		// Unwinding the device takes a moment after the interrupt
		time.Sleep(50 * time.Millisecond)
		return speaker.TurnReport{TurnID: req.TurnID, Source: req.Source(), Outcome: speaker.OutcomeInterrupted}
	}
	recorder := &fakeRecorder{}
	r := NewRelay(responder, "kitchen", recorder, nil)

	done := make(chan error, 1)
	go func() {
		_, err := r.Speak(context.Background(), "t1", "Long answer.", "", Options{})
		done <- err
	}()
	<-started

	closeRelay(t, r)
	if recorder.byTurn("t1") == nil {
		t.Error("Expected Close to wait until the running turn recorded its event")
	}
	if err := <-done; err != nil {
		t.Errorf("Speak failed: %v", err)
	}
}

func TestClosedRelayRejectsTurns(t *testing.T) {
	r := NewRelay(newFakeResponder(), "kitchen", nil, nil)
	closeRelay(t, r)

	if _, err := r.Start("t1", "Hi.", "", Options{}); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}

func TestNewEvent(t *testing.T) {
	started := time.Now()
	tests := []struct {
		name    string
		report  speaker.TurnReport
		outcome string
		kind    string
	}{
		{
			name:    "completed",
			report:  speaker.TurnReport{TurnID: "t1", Source: "text", Outcome: speaker.OutcomeCompleted, Units: 2},
			outcome: events.OutcomeCompleted,
		},
		{
			name:    "interrupted",
			report:  speaker.TurnReport{TurnID: "t1", Source: "stream", Outcome: speaker.OutcomeInterrupted},
			outcome: events.OutcomeInterrupted,
		},
		{
			name:    "timeout",
			report:  speaker.TurnReport{TurnID: "t1", Source: "text", Outcome: speaker.OutcomeError, Err: speaker.ErrPlaybackTimeout},
			outcome: events.OutcomeError,
			kind:    "timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.report.StartedAt = started
			tt.report.Duration = 1500 * time.Millisecond

			event := NewEvent("kitchen", tt.report)
			if event.Outcome != tt.outcome || event.ErrorKind != tt.kind {
				t.Errorf("Expected %s/%q, got %s/%q", tt.outcome, tt.kind, event.Outcome, event.ErrorKind)
			}
			if event.DurationMS != 1500 || !event.StartedAt.Equal(started) {
				t.Errorf("Unexpected timing: %d ms at %v", event.DurationMS, event.StartedAt)
			}
			if err := event.IsValid(); err != nil {
				t.Errorf("Expected valid event: %v", err)
			}
		})
	}
}
