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
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-speaker/internal/config"
	"github.com/loqalabs/loqa-speaker/internal/logging"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Request is one answer to speak. Exactly one of Text, Stream and AudioURL must be set.
type Request struct {
	TurnID   string
	Text     string
	Stream   SentenceSource
	AudioURL string
	VoiceID  string
	// Mode overrides the controller's resolved mode when set
	Mode         Mode
	KeepAwake    bool
	PlayCues     bool
	IsSuperseded func() bool
}

// Source names the kind of input carried by the request
func (r Request) Source() string {
	switch {
	case r.AudioURL != "":
		return "audio"
	case r.Stream != nil:
		return "stream"
	default:
		return "text"
	}
}

func (r Request) validate() error {
	inputs := 0
	if r.Text != "" {
		inputs++
	}
	if r.Stream != nil {
		inputs++
	}
	if r.AudioURL != "" {
		inputs++
	}
	if inputs != 1 {
		return ErrInvalidRequest
	}
	return nil
}

// TurnReport describes how a turn ended
type TurnReport struct {
	TurnID    string
	Source    string
	Mode      Mode
	Units     int
	Outcome   Outcome
	Err       error
	StartedAt time.Time
	Duration  time.Duration
}

// Controller turns answers into speech on one device
type Controller struct {
	mode       Mode
	cueURL     string
	polling    bool
	interval   time.Duration
	segmenter  *Segmenter
	dispatcher *Dispatcher
	observer   PlaybackObserver
	wake       *WakeControl
	voices     VoiceResolver

	turnMu   sync.Mutex
	turnSeq  atomic.Uint64
	token    atomic.Uint64
	voiceMu  sync.RWMutex
	voice    string
	after    func(d time.Duration) <-chan time.Time
	now      func() time.Time
	reporter func(TurnReport)
}

// NewController wires the speaking pipeline. mode is the value returned by ResolveMode;
// voices may be nil when no external TTS is configured.
func NewController(
	cfg config.SpeakerConfig,
	mode Mode,
	dispatcher *Dispatcher,
	observer PlaybackObserver,
	wake *WakeControl,
	voices VoiceResolver,
	defaultVoice string,
) *Controller {
	interval := cfg.CheckInterval
	if interval < config.MinCheckInterval {
		interval = config.MinCheckInterval
	}
	return &Controller{
		mode:       dispatcher.EffectiveMode(mode),
		cueURL:     cfg.CueURL,
		polling:    cfg.StatusPolling,
		interval:   interval,
		segmenter:  NewSegmenter(cfg.Boundaries, cfg.MaxUnitRunes),
		dispatcher: dispatcher,
		observer:   observer,
		wake:       wake,
		voices:     voices,
		voice:      defaultVoice,
		after:      time.After,
		now:        time.Now,
	}
}

// OnTurn registers a callback invoked after every turn
func (c *Controller) OnTurn(reporter func(TurnReport)) {
	c.reporter = reporter
}

// Mode is the resolved TTS mode
func (c *Controller) Mode() Mode {
	return c.mode
}

// Segmenter returns the segmenter used for text and streams
func (c *Controller) Segmenter() *Segmenter {
	return c.segmenter
}

// Voice returns the current voice id
func (c *Controller) Voice() string {
	c.voiceMu.RLock()
	defer c.voiceMu.RUnlock()
	return c.voice
}

// SwitchSpeaker selects a voice by name or id. Unknown names leave the voice unchanged.
func (c *Controller) SwitchSpeaker(ctx context.Context, name string) bool {
	if c.voices == nil || name == "" {
		return false
	}
	id, ok := c.voices.Resolve(ctx, name)
	if !ok {
		logging.LogWarn("Unknown speaker", zap.String("name", name))
		return false
	}

	c.voiceMu.Lock()
	c.voice = id
	c.voiceMu.Unlock()

	logging.LogTTSOperation("speaker_switched", zap.String("name", name), zap.String("speaker", id))
	return true
}

// Responding reports whether a turn is being spoken
func (c *Controller) Responding() bool {
	return c.token.Load() != 0
}

// StopResponding clears the responding flag; the running turn stops at its next check
func (c *Controller) StopResponding() {
	c.token.Store(0)
}

// WakeUp puts the device back into listening state
func (c *Controller) WakeUp(ctx context.Context) error {
	return c.wake.WakeUp(ctx)
}

// UnWakeUp suspends the device's listening state
func (c *Controller) UnWakeUp(ctx context.Context) error {
	_, err := c.wake.UnWakeUp(ctx)
	return err
}

// Respond speaks one answer and reports how the turn ended
func (c *Controller) Respond(ctx context.Context, req Request) (Outcome, error) {
	report := c.RespondReport(ctx, req)
	return report.Outcome, report.Err
}

// RespondReport is Respond with per-turn details
func (c *Controller) RespondReport(ctx context.Context, req Request) TurnReport {
	report := TurnReport{
		TurnID:    req.TurnID,
		Source:    req.Source(),
		StartedAt: c.now(),
	}

	if err := req.validate(); err != nil {
		report.Outcome, report.Err = OutcomeError, err
		c.finishReport(&report)
		return report
	}

	c.turnMu.Lock()
	defer c.turnMu.Unlock()

	token := c.turnSeq.Add(1)
	c.token.Store(token)
	defer c.token.CompareAndSwap(token, 0)

	mode := c.mode
	if req.Mode != "" {
		mode = c.dispatcher.EffectiveMode(req.Mode)
	}
	report.Mode = mode

	ctx, span := tracer.Start(ctx, "speak turn", trace.WithAttributes(
		attribute.String("speaker.turn_id", req.TurnID),
		attribute.String("speaker.source", report.Source),
		attribute.String("speaker.mode", string(mode)),
	))
	defer span.End()

	superseded := func() bool {
		return c.token.Load() != token ||
			ctx.Err() != nil ||
			(req.IsSuperseded != nil && req.IsSuperseded())
	}

	voice := req.VoiceID
	if voice == "" {
		voice = c.Voice()
	}

	logging.LogPlayback(req.TurnID, "start",
		zap.String("source", report.Source),
		zap.String("mode", string(mode)),
	)

	if req.AudioURL != "" {
		report.Outcome, report.Err = c.playAudio(ctx, req, superseded)
		if report.Outcome != OutcomeError {
			report.Units = 1
		}
	} else {
		report.Outcome, report.Units, report.Err = c.speak(ctx, req, mode, voice, superseded)
	}

	span.SetAttributes(
		attribute.String("speaker.outcome", report.Outcome.String()),
		attribute.Int("speaker.units", report.Units),
	)
	if report.Err != nil {
		span.RecordError(report.Err)
		span.SetStatus(codes.Error, report.Err.Error())
	}

	c.finishReport(&report)
	return report
}

func (c *Controller) finishReport(report *TurnReport) {
	report.Duration = c.now().Sub(report.StartedAt)

	fields := []zap.Field{
		zap.String("outcome", report.Outcome.String()),
		zap.Int("units", report.Units),
		zap.Duration("duration", report.Duration),
	}
	if report.Err != nil {
		fields = append(fields, zap.String("error_kind", ErrorKind(report.Err)), zap.Error(report.Err))
	}
	logging.LogPlayback(report.TurnID, "finish", fields...)

	if c.reporter != nil {
		c.reporter(*report)
	}
}

// playAudio plays a ready-made clip. No wake suspension and no cues on this path.
func (c *Controller) playAudio(ctx context.Context, req Request, superseded func() bool) (Outcome, error) {
	if err := c.dispatcher.PlayURL(ctx, req.AudioURL); err != nil {
		if ctx.Err() != nil {
			return OutcomeInterrupted, nil
		}
		return OutcomeError, err
	}

	outcome, err := c.observer.WaitForCompletion(ctx, superseded)
	if outcome == OutcomeCompleted && req.KeepAwake {
		c.keepAwake(ctx, req.TurnID)
	}
	return outcome, err
}

func (c *Controller) speak(ctx context.Context, req Request, mode Mode, voice string, superseded func() bool) (Outcome, int, error) {
	source := c.sourceFor(req, mode)
	cues := req.PlayCues && c.polling && mode == ModeExternal && c.cueURL != ""

	if !c.polling {
		drained, ok := c.drain(ctx, source, superseded)
		if !ok {
			return OutcomeInterrupted, 0, nil
		}
		source = drained
	}

	units := 0
	for {
		if superseded() {
			source.Cancel()
			return OutcomeInterrupted, units, nil
		}

		unit, exhausted := source.Next()
		if unit != "" {
			if units == 0 {
				c.beginAudio(ctx, req.TurnID, mode, cues)
			}
			units++

			outcome, err := c.speakUnit(ctx, req.TurnID, units, unit, voice, mode, superseded)
			if outcome != OutcomeCompleted {
				source.Cancel()
				return outcome, units, err
			}
		}

		if exhausted {
			break
		}
		if unit == "" && !c.waitForText(ctx, source) {
			source.Cancel()
			return OutcomeInterrupted, units, nil
		}
	}

	if units > 0 && cues {
		c.playCue(ctx, req.TurnID, "end")
	}
	if req.KeepAwake {
		c.keepAwake(ctx, req.TurnID)
	}
	if units == 0 {
		return OutcomeError, 0, ErrEmptyTurn
	}
	return OutcomeCompleted, units, nil
}

// sourceFor routes plain text through the segmenter for external TTS;
// native TTS speaks the whole text in one command.
func (c *Controller) sourceFor(req Request, mode Mode) SentenceSource {
	if req.Stream != nil {
		return req.Stream
	}
	if mode == ModeExternal && c.polling {
		return c.segmenter.NewTextSource(req.Text)
	}
	return SingleUnitSource(req.Text)
}

// drain waits for the whole answer and returns it as a single unit
func (c *Controller) drain(ctx context.Context, source SentenceSource, superseded func() bool) (SentenceSource, bool) {
	var units []string
	for {
		if superseded() {
			source.Cancel()
			return nil, false
		}
		unit, exhausted := source.Next()
		if unit != "" {
			units = append(units, unit)
		}
		if exhausted {
			return SingleUnitSource(joinUnits(units)), true
		}
		if unit == "" && !c.waitForText(ctx, source) {
			source.Cancel()
			return nil, false
		}
	}
}

// waitForText blocks until the source has news, one poll interval passes, or ctx ends
func (c *Controller) waitForText(ctx context.Context, source SentenceSource) bool {
	select {
	case <-source.Updated():
		return true
	case <-c.after(c.interval):
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Controller) beginAudio(ctx context.Context, turnID string, mode Mode, cues bool) {
	if cues {
		c.playCue(ctx, turnID, "start")
	}
	if mode != ModeExternal {
		return
	}
	sent, err := c.wake.UnWakeUp(ctx)
	if err != nil {
		logging.LogError(err, "Failed to suspend wake state", zap.String("turn_id", turnID))
		return
	}
	if sent {
		logging.LogPlayback(turnID, "unwake")
	}
}

func (c *Controller) speakUnit(ctx context.Context, turnID string, index int, unit, voice string, mode Mode, superseded func() bool) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "speak unit", trace.WithAttributes(
		attribute.Int("speaker.unit_index", index),
		attribute.Int("speaker.unit_runes", len([]rune(unit))),
	))
	defer span.End()

	logging.LogPlayback(turnID, "unit", zap.Int("index", index), zap.Int("runes", len([]rune(unit))))

	if _, err := c.dispatcher.Speak(ctx, unit, voice, mode); err != nil {
		if ctx.Err() != nil {
			return OutcomeInterrupted, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return OutcomeError, err
	}

	outcome, err := c.observer.WaitForCompletion(ctx, superseded)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return outcome, err
}

func (c *Controller) playCue(ctx context.Context, turnID, which string) {
	if err := c.dispatcher.PlayCue(ctx, c.cueURL); err != nil {
		logging.LogError(err, "Cue playback failed", zap.String("turn_id", turnID), zap.String("cue", which))
	}
}

func (c *Controller) keepAwake(ctx context.Context, turnID string) {
	if err := c.wake.WakeUp(ctx); err != nil {
		logging.LogError(err, "Failed to keep device awake", zap.String("turn_id", turnID))
	}
}
