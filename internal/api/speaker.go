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

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/loqalabs/loqa-speaker/internal/logging"
	"github.com/loqalabs/loqa-speaker/internal/relay"
	"github.com/loqalabs/loqa-speaker/internal/speaker"
	"go.uber.org/zap"
)

const maxRespondBody = 1 << 20

// TurnRunner starts and stops turns
type TurnRunner interface {
	Speak(ctx context.Context, turnID, text, audioURL string, opts relay.Options) (speaker.TurnReport, error)
	Start(turnID, text, audioURL string, opts relay.Options) (string, error)
	OpenStream(turnID string, opts relay.Options) (string, *speaker.StreamSource, error)
	Stop() bool
	Metrics() speaker.TurnMetrics
}

// SpeakerControl exposes controller state and voice switching
type SpeakerControl interface {
	Responding() bool
	Voice() string
	Mode() speaker.Mode
	SwitchSpeaker(ctx context.Context, name string) bool
}

// SpeakerHandler serves the respond and speaker endpoints
type SpeakerHandler struct {
	turns      TurnRunner
	controller SpeakerControl
}

// NewSpeakerHandler creates the handler
func NewSpeakerHandler(turns TurnRunner, controller SpeakerControl) *SpeakerHandler {
	return &SpeakerHandler{turns: turns, controller: controller}
}

// RespondRequest is the JSON body of POST /api/respond
type RespondRequest struct {
	TurnID    string `json:"turn_id,omitempty"`
	Text      string `json:"text,omitempty"`
	AudioURL  string `json:"audio_url,omitempty"`
	VoiceID   string `json:"voice_id,omitempty"`
	Mode      string `json:"mode,omitempty"`
	KeepAwake bool   `json:"keep_awake,omitempty"`
	PlayCues  bool   `json:"play_cues,omitempty"`
	Wait      bool   `json:"wait,omitempty"`
}

// RespondResponse describes an accepted or finished turn
type RespondResponse struct {
	TurnID     string `json:"turn_id"`
	Status     string `json:"status"`
	Source     string `json:"source,omitempty"`
	Mode       string `json:"mode,omitempty"`
	Units      int    `json:"units,omitempty"`
	ErrorKind  string `json:"error_kind,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

// SpeakerStatus is returned by GET /api/speaker
type SpeakerStatus struct {
	Responding bool                `json:"responding"`
	Voice      string              `json:"voice"`
	Mode       string              `json:"mode"`
	Turns      speaker.TurnMetrics `json:"turns"`
}

// HandleRespond handles POST /api/respond. A text/plain body with ?stream=1 is spoken while it arrives.
func (h *SpeakerHandler) HandleRespond(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if streamRequested(r) {
		h.respondStream(w, r)
		return
	}

	var req RespondRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRespondBody)).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	mode, err := relay.ParseModeOverride(req.Mode)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	opts := relay.Options{
		VoiceID:   req.VoiceID,
		Mode:      mode,
		KeepAwake: req.KeepAwake,
		PlayCues:  req.PlayCues,
	}

	if !req.Wait {
		turnID, err := h.turns.Start(req.TurnID, req.Text, req.AudioURL, opts)
		if err != nil {
			writeTurnError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, RespondResponse{TurnID: turnID, Status: "accepted"})
		return
	}

	report, err := h.turns.Speak(r.Context(), req.TurnID, req.Text, req.AudioURL, opts)
	if err != nil {
		writeTurnError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reportResponse(report))
}

func (h *SpeakerHandler) respondStream(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	mode, err := relay.ParseModeOverride(query.Get("mode"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	opts := relay.Options{
		VoiceID:   query.Get("voice_id"),
		Mode:      mode,
		KeepAwake: queryBool(query.Get("keep_awake")),
		PlayCues:  queryBool(query.Get("play_cues")),
	}

	turnID, stream, err := h.turns.OpenStream(query.Get("turn_id"), opts)
	if err != nil {
		writeTurnError(w, err)
		return
	}

	if err := copyDeltas(http.MaxBytesReader(w, r.Body, maxRespondBody), stream); err != nil {
		if errors.Is(err, speaker.ErrStreamClosed) {
			// Superseded while the body was still arriving
			writeJSON(w, http.StatusConflict, RespondResponse{TurnID: turnID, Status: "superseded"})
			return
		}
		stream.Cancel()
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			logging.LogWarn("Streamed answer too large", zap.String("turn_id", turnID), zap.Int64("limit", tooLarge.Limit))
			http.Error(w, "Streamed answer too large", http.StatusRequestEntityTooLarge)
			return
		}
		logging.LogError(err, "Failed to read streamed answer", zap.String("turn_id", turnID))
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}
	stream.Close()

	writeJSON(w, http.StatusAccepted, RespondResponse{TurnID: turnID, Status: "accepted"})
}

// HandleSpeaker handles GET /api/speaker and POST /api/speaker
func (h *SpeakerHandler) HandleSpeaker(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, SpeakerStatus{
			Responding: h.controller.Responding(),
			Voice:      h.controller.Voice(),
			Mode:       string(h.controller.Mode()),
			Turns:      h.turns.Metrics(),
		})
	case http.MethodPost:
		var req struct {
			Speaker string `json:"speaker"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, maxRespondBody)).Decode(&req); err != nil || req.Speaker == "" {
			http.Error(w, "speaker is required", http.StatusBadRequest)
			return
		}
		if !h.controller.SwitchSpeaker(r.Context(), req.Speaker) {
			http.Error(w, "Unknown speaker", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"voice": h.controller.Voice()})
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleStop handles POST /api/speaker/stop
func (h *SpeakerHandler) HandleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": h.turns.Stop()})
}

func reportResponse(report speaker.TurnReport) RespondResponse {
	return RespondResponse{
		TurnID:     report.TurnID,
		Status:     report.Outcome.String(),
		Source:     report.Source,
		Mode:       string(report.Mode),
		Units:      report.Units,
		ErrorKind:  speaker.ErrorKind(report.Err),
		Error:      errorText(report.Err),
		DurationMS: report.Duration.Milliseconds(),
	}
}

func writeTurnError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, speaker.ErrInvalidRequest):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, relay.ErrClosed):
		http.Error(w, "Speaker is shutting down", http.StatusServiceUnavailable)
	default:
		logging.LogError(err, "Failed to start turn")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func streamRequested(r *http.Request) bool {
	if !queryBool(r.URL.Query().Get("stream")) {
		return false
	}
	return strings.HasPrefix(r.Header.Get("Content-Type"), "text/plain")
}

func queryBool(value string) bool {
	b, err := strconv.ParseBool(value)
	return err == nil && b
}

// copyDeltas forwards body chunks into the stream without splitting a UTF-8 sequence
func copyDeltas(body io.Reader, stream *speaker.StreamSource) error {
	buf := make([]byte, 4096)
	var pending []byte
	for {
		n, err := body.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			if cut := completePrefix(pending); cut > 0 {
				if werr := stream.Write(string(pending[:cut])); werr != nil {
					return werr
				}
				pending = append(pending[:0], pending[cut:]...)
			}
		}
		if err == io.EOF {
			if len(pending) > 0 {
				return stream.Write(string(pending))
			}
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// completePrefix returns the length of b without a trailing unfinished rune
func completePrefix(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if utf8.FullRune(b[i:]) {
				return len(b)
			}
			return i
		}
	}
	return len(b)
}
