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
	"regexp"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"
)

// DefaultBoundaries are the sentence-terminal marks a unit is cut after
const DefaultBoundaries = "。！？!?"

// softBoundaries are preferred cut points when a unit runs past MaxUnitRunes
const softBoundaries = "，,、；;：:"

var blankLines = regexp.MustCompile(`\n\s*\n`)

// SentenceSource yields speakable units of one answer
type SentenceSource interface {
	// Next returns the next ready unit, or "" when none is ready yet.
	// exhausted is true once no further units will ever be produced.
	Next() (unit string, exhausted bool)
	// Updated is signalled when new text or end-of-stream arrives
	Updated() <-chan struct{}
	// Cancel discards pending text; later calls to Next report exhausted
	Cancel()
}

// Segmenter cuts text into sentence units
type Segmenter struct {
	Boundaries   string
	MaxUnitRunes int
}

// NewSegmenter returns a segmenter, falling back to the default boundary set
func NewSegmenter(boundaries string, maxUnitRunes int) *Segmenter {
	if boundaries == "" {
		boundaries = DefaultBoundaries
	}
	if maxUnitRunes < 0 {
		maxUnitRunes = 0
	}
	return &Segmenter{Boundaries: boundaries, MaxUnitRunes: maxUnitRunes}
}

// Split segments a complete text. The result equals feeding the text through a stream in any chunking.
func (s *Segmenter) Split(text string) []string {
	units, rest := s.cut([]rune(text))
	return append(units, finish(rest)...)
}

// NewStream starts a live source fed by Write and ended by Close
func (s *Segmenter) NewStream() *StreamSource {
	return &StreamSource{
		segmenter: s,
		updated:   make(chan struct{}, 1),
	}
}

// NewTextSource wraps a complete text so it flows through the streaming path
func (s *Segmenter) NewTextSource(text string) SentenceSource {
	return newStaticSource(s.Split(text))
}

// SingleUnitSource speaks the whole text as one unit
func SingleUnitSource(text string) SentenceSource {
	return newStaticSource(finish([]rune(text)))
}

// cut extracts every complete unit from buf and returns the unfinished remainder.
// Runes are scanned in order so the result only depends on buffer content.
func (s *Segmenter) cut(buf []rune) ([]string, []rune) {
	var units []string
	start := 0
	for i := 0; i < len(buf); i++ {
		if strings.ContainsRune(s.Boundaries, buf[i]) {
			units = appendUnit(units, buf[start:i+1])
			start = i + 1
			continue
		}
		if s.MaxUnitRunes > 0 && i+1-start >= s.MaxUnitRunes {
			end := i + 1
			for j := i; j >= start; j-- {
				if strings.ContainsRune(softBoundaries, buf[j]) {
					end = j + 1
					break
				}
			}
			units = appendUnit(units, buf[start:end])
			start = end
			i = end - 1
		}
	}
	return units, buf[start:]
}

func finish(rest []rune) []string {
	return appendUnit(nil, rest)
}

func appendUnit(units []string, raw []rune) []string {
	if unit := normalizeUnit(string(raw)); unit != "" {
		units = append(units, unit)
	}
	return units
}

// normalizeUnit trims a unit and collapses blank lines. Units without a letter or digit become "".
func normalizeUnit(unit string) string {
	unit = strings.TrimSpace(blankLines.ReplaceAllString(unit, "\n"))
	for _, r := range unit {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			return unit
		}
	}
	return ""
}

// joinUnits rebuilds one utterance from units, spacing non-CJK sentences apart
func joinUnits(units []string) string {
	var b strings.Builder
	for i, unit := range units {
		if i > 0 {
			last, _ := utf8.DecodeLastRuneInString(units[i-1])
			if last < 0x2E80 {
				b.WriteByte(' ')
			}
		}
		b.WriteString(unit)
	}
	return b.String()
}

// StreamSource buffers text deltas and releases units as soon as a boundary arrives
type StreamSource struct {
	segmenter *Segmenter
	updated   chan struct{}

	mu       sync.Mutex
	buf      []rune
	ready    []string
	closed   bool
	canceled bool
}

// Write appends a text delta
func (s *StreamSource) Write(delta string) error {
	s.mu.Lock()
	if s.closed || s.canceled {
		s.mu.Unlock()
		return ErrStreamClosed
	}
	s.buf = append(s.buf, []rune(delta)...)
	units, rest := s.segmenter.cut(s.buf)
	s.buf = append(s.buf[:0], rest...)
	s.ready = append(s.ready, units...)
	s.mu.Unlock()

	if len(units) > 0 {
		s.notify()
	}
	return nil
}

// Close marks end-of-stream; the remaining buffer becomes the final unit
func (s *StreamSource) Close() {
	s.mu.Lock()
	if s.closed || s.canceled {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.ready = append(s.ready, finish(s.buf)...)
	s.buf = nil
	s.mu.Unlock()

	s.notify()
}

// Cancel drops everything not yet handed out
func (s *StreamSource) Cancel() {
	s.mu.Lock()
	s.canceled = true
	s.ready = nil
	s.buf = nil
	s.mu.Unlock()

	s.notify()
}

// Next implements SentenceSource
func (s *StreamSource) Next() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.canceled {
		return "", true
	}
	if len(s.ready) == 0 {
		return "", s.closed
	}
	unit := s.ready[0]
	s.ready = s.ready[1:]
	return unit, s.closed && len(s.ready) == 0
}

// Updated implements SentenceSource
func (s *StreamSource) Updated() <-chan struct{} {
	return s.updated
}

func (s *StreamSource) notify() {
	select {
	case s.updated <- struct{}{}:
	default:
	}
}

// staticSource serves units that are all known up front
type staticSource struct {
	mu    sync.Mutex
	units []string
	done  chan struct{}
}

func newStaticSource(units []string) *staticSource {
	done := make(chan struct{})
	close(done)
	return &staticSource{units: units, done: done}
}

func (s *staticSource) Next() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.units) == 0 {
		return "", true
	}
	unit := s.units[0]
	s.units = s.units[1:]
	return unit, len(s.units) == 0
}

func (s *staticSource) Updated() <-chan struct{} {
	return s.done
}

func (s *staticSource) Cancel() {
	s.mu.Lock()
	s.units = nil
	s.mu.Unlock()
}
