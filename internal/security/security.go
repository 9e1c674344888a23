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

package security

import (
	"errors"
	"regexp"
	"strings"
)

// maxIDLength bounds caller-supplied identifiers
const maxIDLength = 128

var (
	// ErrInvalidID is returned when a turn or clip id has an invalid format
	ErrInvalidID = errors.New("invalid id")

	// idPattern validates ids to only allow safe characters
	idPattern = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)
)

// SanitizeLogInput removes newline characters to prevent log injection attacks
// This function should be used for all user-controlled data before logging
func SanitizeLogInput(input string) string {
	sanitized := strings.ReplaceAll(input, "\n", "")
	sanitized = strings.ReplaceAll(sanitized, "\r", "")
	return sanitized
}

// ValidateID checks turn and clip ids received over HTTP or NATS. They end up in
// subjects, URLs and log lines, so only a small ASCII alphabet is accepted.
func ValidateID(id string) error {
	if id == "" || len(id) > maxIDLength {
		return ErrInvalidID
	}

	if strings.Contains(id, "..") || strings.ContainsAny(id, `/\`) {
		return ErrInvalidID
	}

	if !idPattern.MatchString(id) {
		return ErrInvalidID
	}

	return nil
}
