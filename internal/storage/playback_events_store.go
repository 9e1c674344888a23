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

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loqalabs/loqa-speaker/internal/events"
	"github.com/loqalabs/loqa-speaker/internal/logging"
	"go.uber.org/zap"
)

// ErrEventNotFound is returned when no playback event matches
var ErrEventNotFound = errors.New("playback event not found")

// ErrInvalidListOptions is returned for unsupported sort fields or orders
var ErrInvalidListOptions = errors.New("invalid list options")

const playbackEventColumns = `uuid, turn_id, device_id, source, mode, units,
	outcome, error_kind, error_message, started_at, duration_ms`

// sortColumns maps accepted sort keys to columns
var sortColumns = map[string]string{
	"started_at":  "started_at",
	"timestamp":   "started_at",
	"duration":    "duration_ms",
	"duration_ms": "duration_ms",
	"units":       "units",
}

// PlaybackEventsStore handles database operations for playback events
type PlaybackEventsStore struct {
	db *Database
}

// NewPlaybackEventsStore creates a new playback events store
func NewPlaybackEventsStore(db *Database) *PlaybackEventsStore {
	return &PlaybackEventsStore{db: db}
}

// Insert stores a playback event
func (s *PlaybackEventsStore) Insert(ctx context.Context, event *events.PlaybackEvent) error {
	if err := event.IsValid(); err != nil {
		return fmt.Errorf("invalid playback event: %w", err)
	}

	query := `INSERT INTO playback_events (` + playbackEventColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.DB().ExecContext(ctx, query,
		event.UUID, event.TurnID, event.DeviceID, event.Source, event.Mode, event.Units,
		event.Outcome, event.ErrorKind, event.ErrorMessage, event.StartedAt.UTC(), event.DurationMS,
	)
	if err != nil {
		return fmt.Errorf("failed to insert playback event: %w", err)
	}

	logging.LogDatabaseOperation("INSERT", "playback_events",
		zap.String("uuid", event.UUID),
		zap.String("outcome", event.Outcome),
	)
	return nil
}

// GetByUUID retrieves a playback event by its UUID
func (s *PlaybackEventsStore) GetByUUID(ctx context.Context, uuid string) (*events.PlaybackEvent, error) {
	query := `SELECT ` + playbackEventColumns + ` FROM playback_events WHERE uuid = ?`
	return scanPlaybackEvent(s.db.DB().QueryRowContext(ctx, query, uuid))
}

// List retrieves playback events with pagination and filtering
func (s *PlaybackEventsStore) List(ctx context.Context, options ListOptions) ([]*events.PlaybackEvent, error) {
	query, args, err := buildListQuery(options)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query playback events: %w", err)
	}
	defer rows.Close()

	var eventsList []*events.PlaybackEvent
	for rows.Next() {
		event, err := scanPlaybackEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan playback event: %w", err)
		}
		eventsList = append(eventsList, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating playback events: %w", err)
	}

	return eventsList, nil
}

// Count returns the number of playback events matching the filter
func (s *PlaybackEventsStore) Count(ctx context.Context, options ListOptions) (int64, error) {
	options.Limit = 0
	options.Offset = 0
	query, args, err := buildListQuery(options)
	if err != nil {
		return 0, err
	}

	var count int64
	countQuery := "SELECT COUNT(*) FROM (" + query + ") AS filtered"
	if err := s.db.DB().QueryRowContext(ctx, countQuery, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count playback events: %w", err)
	}
	return count, nil
}

// DeleteBefore prunes events older than cutoff and returns how many were removed
func (s *PlaybackEventsStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.DB().ExecContext(ctx, "DELETE FROM playback_events WHERE started_at < ?", cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune playback events: %w", err)
	}

	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	logging.LogDatabaseOperation("DELETE", "playback_events", zap.Int64("removed", removed))
	return removed, nil
}

// ListOptions defines filtering and pagination options
type ListOptions struct {
	// Filtering
	DeviceID  string
	TurnID    string
	Outcome   string
	StartTime *time.Time
	EndTime   *time.Time

	// Pagination
	Limit  int
	Offset int

	// Sorting
	SortBy    string // "started_at", "duration", "units"
	SortOrder string // "ASC", "DESC"
}

// buildListQuery constructs the SQL query based on ListOptions
func buildListQuery(options ListOptions) (string, []interface{}, error) {
	query := `SELECT ` + playbackEventColumns + ` FROM playback_events WHERE 1=1`
	var args []interface{}

	if options.DeviceID != "" {
		query += " AND device_id = ?"
		args = append(args, options.DeviceID)
	}
	if options.TurnID != "" {
		query += " AND turn_id = ?"
		args = append(args, options.TurnID)
	}
	if options.Outcome != "" {
		query += " AND outcome = ?"
		args = append(args, options.Outcome)
	}
	if options.StartTime != nil {
		query += " AND started_at >= ?"
		args = append(args, options.StartTime.UTC())
	}
	if options.EndTime != nil {
		query += " AND started_at <= ?"
		args = append(args, options.EndTime.UTC())
	}

	sortBy := "started_at"
	if options.SortBy != "" {
		column, ok := sortColumns[strings.ToLower(options.SortBy)]
		if !ok {
			return "", nil, fmt.Errorf("%w: unsupported sort field %q", ErrInvalidListOptions, options.SortBy)
		}
		sortBy = column
	}

	sortOrder := "DESC"
	switch strings.ToUpper(options.SortOrder) {
	case "", "DESC":
	case "ASC":
		sortOrder = "ASC"
	default:
		return "", nil, fmt.Errorf("%w: unsupported sort order %q", ErrInvalidListOptions, options.SortOrder)
	}

	query += fmt.Sprintf(" ORDER BY %s %s, uuid %s", sortBy, sortOrder, sortOrder)

	if options.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, options.Limit)

		if options.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, options.Offset)
		}
	}

	return query, args, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanPlaybackEvent scans a database row into a PlaybackEvent
func scanPlaybackEvent(row rowScanner) (*events.PlaybackEvent, error) {
	var event events.PlaybackEvent
	err := row.Scan(
		&event.UUID, &event.TurnID, &event.DeviceID, &event.Source, &event.Mode, &event.Units,
		&event.Outcome, &event.ErrorKind, &event.ErrorMessage, &event.StartedAt, &event.DurationMS,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEventNotFound
		}
		return nil, err
	}
	return &event, nil
}
