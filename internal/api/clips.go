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
	"net/http"
	"strconv"

	"github.com/loqalabs/loqa-speaker/internal/security"
	"github.com/loqalabs/loqa-speaker/internal/tts"
)

// ClipsHandler serves TTS audio rendered for the device
type ClipsHandler struct {
	clips *tts.ClipStore
}

// NewClipsHandler creates a clip handler
func NewClipsHandler(clips *tts.ClipStore) *ClipsHandler {
	return &ClipsHandler{clips: clips}
}

// HandleClip handles GET /api/clips/{id}
func (h *ClipsHandler) HandleClip(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id, ok := pathID(r.URL.Path, "/api/clips/")
	if !ok || security.ValidateID(id) != nil {
		http.Error(w, "Invalid clip id", http.StatusBadRequest)
		return
	}

	clip, ok := h.clips.Get(id)
	if !ok {
		http.Error(w, "Clip not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", clip.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(clip.Audio)))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		_, _ = w.Write(clip.Audio)
	}
}
