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
	"time"

	"github.com/loqalabs/loqa-speaker/internal/logging"
	"go.uber.org/zap"
)

// Prune removes events older than retention and checkpoints the WAL when anything was removed
func (s *PlaybackEventsStore) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	removed, err := s.DeleteBefore(ctx, time.Now().Add(-retention))
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		if err := s.db.Checkpoint(); err != nil {
			logging.LogWarn("Checkpoint after prune failed", zap.Error(err))
		}
	}
	return removed, nil
}

// RunRetention prunes once, then every interval until ctx is done. A zero retention keeps all events.
func (s *PlaybackEventsStore) RunRetention(ctx context.Context, retention, interval time.Duration) {
	if retention <= 0 || interval <= 0 {
		return
	}

	prune := func() {
		if _, err := s.Prune(ctx, retention); err != nil && ctx.Err() == nil {
			logging.LogError(err, "Failed to prune playback events", zap.Duration("retention", retention))
		}
	}

	prune()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}
