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

package tts

import (
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// ClipStore keeps recently rendered clips so the device can fetch them from this service
type ClipStore struct {
	baseURL string
	cache   *expirable.LRU[string, *Clip]
}

// NewClipStore creates a store whose clips are reachable under baseURL + "/api/clips/{id}"
func NewClipStore(baseURL string, size int, ttl time.Duration) *ClipStore {
	if size <= 0 {
		size = 64
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &ClipStore{
		baseURL: baseURL,
		cache:   expirable.NewLRU[string, *Clip](size, nil, ttl),
	}
}

// Put stores the clip under a fresh id and returns the URL the device should play
func (s *ClipStore) Put(clip *Clip) string {
	clip.ID = uuid.New().String()
	s.cache.Add(clip.ID, clip)
	return s.URL(clip.ID)
}

// Get returns a stored clip
func (s *ClipStore) Get(id string) (*Clip, bool) {
	return s.cache.Get(id)
}

// URL is the public location of a clip id
func (s *ClipStore) URL(id string) string {
	return s.baseURL + "/api/clips/" + id
}

// Len reports the number of live clips
func (s *ClipStore) Len() int {
	return s.cache.Len()
}
