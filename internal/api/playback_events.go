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
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/loqa-speaker/internal/events"
	"github.com/loqalabs/loqa-speaker/internal/logging"
	"github.com/loqalabs/loqa-speaker/internal/storage"
	"go.uber.org/zap"
)

// EventLister is the read side of the playback events store
type EventLister interface {
	List(ctx context.Context, options storage.ListOptions) ([]*events.PlaybackEvent, error)
	Count(ctx context.Context, options storage.ListOptions) (int64, error)
	GetByUUID(ctx context.Context, uuid string) (*events.PlaybackEvent, error)
}

// PlaybackEventsHandler handles HTTP requests for playback events
type PlaybackEventsHandler struct {
	store EventLister
}

// NewPlaybackEventsHandler creates a new playback events handler
func NewPlaybackEventsHandler(store EventLister) *PlaybackEventsHandler {
	return &PlaybackEventsHandler{store: store}
}

// ListPlaybackEventsResponse represents the response for listing playback events
type ListPlaybackEventsResponse struct {
	Events     []*events.PlaybackEvent `json:"events"`
	Total      int64                   `json:"total"`
	Page       int                     `json:"page"`
	PageSize   int                     `json:"page_size"`
	TotalPages int                     `json:"total_pages"`
}

// HandlePlaybackEvents handles GET /api/playback-events
func (h *PlaybackEventsHandler) HandlePlaybackEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.listPlaybackEvents(w, r)
}

// HandlePlaybackEventByID handles GET /api/playback-events/{id}
func (h *PlaybackEventsHandler) HandlePlaybackEventByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id, ok := pathID(r.URL.Path, "/api/playback-events/")
	if !ok {
		http.Error(w, "Event ID is required", http.StatusBadRequest)
		return
	}

	event, err := h.store.GetByUUID(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrEventNotFound) {
			http.Error(w, "Playback event not found", http.StatusNotFound)
			return
		}
		logging.LogError(err, "Failed to get playback event", zap.String("uuid", id))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, event)
}

func (h *PlaybackEventsHandler) listPlaybackEvents(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	page := parseIntParam(query.Get("page"), 1)
	pageSize := parseIntParam(query.Get("page_size"), 20)
	if pageSize > 100 {
		pageSize = 100
	}
	if pageSize < 1 {
		pageSize = 1
	}
	if page < 1 {
		page = 1
	}

	options := storage.ListOptions{
		DeviceID:  query.Get("device_id"),
		TurnID:    query.Get("turn_id"),
		Outcome:   query.Get("outcome"),
		Limit:     pageSize,
		Offset:    (page - 1) * pageSize,
		SortBy:    query.Get("sort_by"),
		SortOrder: strings.ToUpper(query.Get("sort_order")),
	}

	if startTimeStr := query.Get("start_time"); startTimeStr != "" {
		if startTime, err := time.Parse(time.RFC3339, startTimeStr); err == nil {
			options.StartTime = &startTime
		}
	}
	if endTimeStr := query.Get("end_time"); endTimeStr != "" {
		if endTime, err := time.Parse(time.RFC3339, endTimeStr); err == nil {
			options.EndTime = &endTime
		}
	}

	total, err := h.store.Count(r.Context(), options)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidListOptions) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		logging.LogError(err, "Failed to count playback events")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	list, err := h.store.List(r.Context(), options)
	if err != nil {
		logging.LogError(err, "Failed to list playback events")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []*events.PlaybackEvent{}
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	response := ListPlaybackEventsResponse{
		Events:     list,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: totalPages,
	}

	logging.Sugar.Debugw("Playback events API request",
		"page", page,
		"page_size", pageSize,
		"total_results", total,
		"outcome", options.Outcome,
	)

	writeJSON(w, http.StatusOK, response)
}

// parseIntParam parses integer parameter with default value
func parseIntParam(param string, defaultValue int) int {
	if param == "" {
		return defaultValue
	}
	if value, err := strconv.Atoi(param); err == nil {
		return value
	}
	return defaultValue
}

// pathID extracts the first path segment after prefix
func pathID(path, prefix string) (string, bool) {
	rest := strings.TrimPrefix(path, prefix)
	if rest == path {
		return "", false
	}
	id := strings.Split(rest, "/")[0]
	return id, id != ""
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logging.LogError(err, "Failed to write response")
	}
}
