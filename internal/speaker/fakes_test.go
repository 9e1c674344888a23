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
	"sync"
	"time"

	"github.com/loqalabs/loqa-speaker/internal/config"
	"github.com/loqalabs/loqa-speaker/internal/device"
	"github.com/loqalabs/loqa-speaker/internal/tts"
)

var errDeviceOffline = errors.New("device offline")

type statusRead struct {
	status *device.Status
	err    error
}

// fakeGateway records every command and replays scripted status reads
type fakeGateway struct {
	mu       sync.Mutex
	calls    []string
	statuses []statusRead
	props    []interface{}
	propErrs []error

	// failPlays fails that many Play calls before succeeding
	failPlays  int
	failPause  bool
	actionErr  error
	onStatus   func(read int)
	statusRead int
	propRead   int
}

func (f *fakeGateway) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeGateway) DoAction(ctx context.Context, siid, aiid int, args ...interface{}) (interface{}, error) {
	call := fmt.Sprintf("action %d,%d", siid, aiid)
	for _, arg := range args {
		call += fmt.Sprintf(" %v", arg)
	}
	f.record(call)
	if f.actionErr != nil {
		return nil, f.actionErr
	}
	return true, nil
}

func (f *fakeGateway) GetProperty(ctx context.Context, siid, piid int) (interface{}, error) {
	f.record(fmt.Sprintf("property %d,%d", siid, piid))
	f.mu.Lock()
	i := f.propRead
	f.propRead++
	f.mu.Unlock()

	if i >= len(f.props) {
		i = len(f.props) - 1
	}
	var err error
	if i < len(f.propErrs) {
		err = f.propErrs[i]
	}
	if err != nil {
		return nil, err
	}
	return f.props[i], nil
}

func (f *fakeGateway) Play(ctx context.Context, url string) error {
	f.record("play " + url)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPlays > 0 {
		f.failPlays--
		return errDeviceOffline
	}
	return nil
}

func (f *fakeGateway) Pause(ctx context.Context) error {
	f.record("pause")
	if f.failPause {
		return errDeviceOffline
	}
	return nil
}

func (f *fakeGateway) GetStatus(ctx context.Context) (*device.Status, error) {
	f.record("status")
	f.mu.Lock()
	i := f.statusRead
	f.statusRead++
	hook := f.onStatus
	f.mu.Unlock()

	if hook != nil {
		hook(i)
	}
	if len(f.statuses) == 0 {
		return &device.Status{Status: device.StatusIdle}, nil
	}
	if i >= len(f.statuses) {
		i = len(f.statuses) - 1
	}
	read := f.statuses[i]
	return read.status, read.err
}

func (f *fakeGateway) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeGateway) count(prefix string) int {
	n := 0
	for _, call := range f.Calls() {
		if len(call) >= len(prefix) && call[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

// fakeSynth renders text into clips served from a fake TTS host
type fakeSynth struct {
	mu       sync.Mutex
	texts    []string
	speakers []string
	err      error
	onCall   func(n int)
}

func (f *fakeSynth) Synthesize(ctx context.Context, text, speaker string) (*tts.Clip, error) {
	f.mu.Lock()
	f.texts = append(f.texts, text)
	f.speakers = append(f.speakers, speaker)
	n := len(f.texts)
	hook := f.onCall
	f.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	if f.err != nil {
		return nil, f.err
	}
	return &tts.Clip{
		Speaker:     speaker,
		ContentType: "audio/mpeg",
		Audio:       []byte("mp3"),
		SourceURL:   fmt.Sprintf("http://tts.local/tts.mp3?n=%d", n),
	}, nil
}

func (f *fakeSynth) Texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.texts))
	copy(out, f.texts)
	return out
}

type fakeResolver map[string]string

func (f fakeResolver) Resolve(ctx context.Context, name string) (string, bool) {
	id, ok := f[name]
	return id, ok
}

// sleepRecorder replaces real waits so tests run instantly
type sleepRecorder struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.sleeps = append(s.sleeps, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) Sleeps() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, len(s.sleeps))
	copy(out, s.sleeps)
	return out
}

func testSpeakerConfig() config.SpeakerConfig {
	return config.SpeakerConfig{
		DeviceID:           "test-device",
		TTSMode:            "external",
		SpeakCommand:       [2]int{5, 1},
		WakeCommand:        [2]int{5, 3},
		StatusPolling:      true,
		CheckInterval:      time.Second,
		CheckAfter:         3 * time.Second,
		RetryCeiling:       10,
		UnwakeWindow:       3 * time.Second,
		DispatchAttempts:   3,
		DispatchRetryDelay: 500 * time.Millisecond,
		CueURL:             "http://cues.local/beep.mp3",
		SilentProbeText:    "¿ʞо ∩оʎ ǝɹɐ",
		Boundaries:         DefaultBoundaries,
	}
}

type testRig struct {
	gateway    *fakeGateway
	synth      *fakeSynth
	sleeper    *sleepRecorder
	dispatcher *Dispatcher
	watchdog   *Watchdog
	wake       *WakeControl
	controller *Controller
}

// newTestRig builds a controller over fakes. A nil synth means no external endpoint.
func newTestRig(cfg config.SpeakerConfig, synth *fakeSynth, voices VoiceResolver) *testRig {
	rig := &testRig{
		gateway: &fakeGateway{},
		synth:   synth,
		sleeper: &sleepRecorder{},
	}

	var synthesizer Synthesizer
	if synth != nil {
		synthesizer = synth
	}

	rig.dispatcher = NewDispatcher(rig.gateway, synthesizer, nil, cfg)
	rig.dispatcher.sleep = rig.sleeper.sleep
	rig.watchdog = NewWatchdog(rig.gateway, cfg)
	rig.watchdog.sleep = rig.sleeper.sleep
	rig.wake = NewWakeControl(rig.gateway, cfg)
	rig.wake.sleep = rig.sleeper.sleep

	mode, _ := ParseMode(cfg.TTSMode)
	rig.controller = NewController(cfg, mode, rig.dispatcher, rig.watchdog, rig.wake, voices, "S_DEFAULT")
	rig.controller.after = func(time.Duration) <-chan time.Time {
		return time.After(5 * time.Millisecond)
	}
	return rig
}

func playing() statusRead {
	return statusRead{status: &device.Status{Status: device.StatusPlaying}}
}

func idle() statusRead {
	return statusRead{status: &device.Status{Status: device.StatusIdle}}
}

func failed() statusRead {
	return statusRead{err: errDeviceOffline}
}
