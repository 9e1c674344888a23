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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-speaker/internal/config"
	"github.com/loqalabs/loqa-speaker/internal/logging"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

var (
	// ErrServiceUnavailable is returned when the TTS endpoint is unreachable or answers non-2xx
	ErrServiceUnavailable = errors.New("tts service unavailable")
	// ErrBadResponse is returned when the TTS endpoint answers with something that is not audio
	ErrBadResponse = errors.New("tts returned a malformed response")
)

// probeText is synthesized once at startup to confirm the endpoint renders audio
const probeText = "测试"

// Voice is one entry of the speakers list published by the TTS service
type Voice struct {
	Name    string `json:"name"`
	Speaker string `json:"speaker"`
}

// Clip is a rendered audio resource
type Clip struct {
	ID          string
	Speaker     string
	ContentType string
	Audio       []byte
	SourceURL   string
	CreatedAt   time.Time
}

// Client talks to the external TTS HTTP service
type Client struct {
	baseURL string
	client  *http.Client
	config  config.TTSConfig

	mu     sync.RWMutex
	voices []Voice
}

// NewClient creates a client for the configured TTS endpoint. The endpoint is not contacted.
func NewClient(cfg config.TTSConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("TTS base URL cannot be empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	return &Client{
		baseURL: strings.TrimSuffix(cfg.URL, "/"),
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		config: cfg,
	}, nil
}

// DefaultSpeaker is the voice used when a request carries none
func (c *Client) DefaultSpeaker() string {
	return c.config.DefaultSpeaker
}

// SynthesisURL builds the GET URL that renders text with the given speaker
func (c *Client) SynthesisURL(speaker, text string) string {
	if speaker == "" {
		speaker = c.config.DefaultSpeaker
	}
	query := url.Values{}
	query.Set("speaker", speaker)
	query.Set("text", text)
	return c.baseURL + "/tts.mp3?" + query.Encode()
}

// Synthesize renders text and validates that the answer is a non-empty audio body
func (c *Client) Synthesize(ctx context.Context, text, speaker string) (*Clip, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrBadResponse)
	}
	if speaker == "" {
		speaker = c.config.DefaultSpeaker
	}

	startTime := time.Now()
	target := c.SynthesisURL(speaker, text)

	logging.LogTTSOperation("synthesis_start",
		zap.String("speaker", speaker),
		zap.Int("text_length", len(text)),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create TTS request: %w", err)
	}
	req.Header.Set("Accept", "audio/mpeg")

	resp, err := c.client.Do(req)
	if err != nil {
		logging.LogError(err, "TTS HTTP request failed",
			zap.String("speaker", speaker),
			zap.Int("text_length", len(text)),
		)
		return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		logging.LogWarn("TTS request failed",
			zap.Int("status_code", resp.StatusCode),
			zap.String("response_body", string(body)),
		)
		return nil, fmt.Errorf("%w: status %d", ErrServiceUnavailable, resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if !isAudio(contentType) {
		return nil, fmt.Errorf("%w: unexpected content type %q", ErrBadResponse, contentType)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", ErrServiceUnavailable, err)
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("%w: empty audio body", ErrBadResponse)
	}

	logging.LogTTSOperation("synthesis_complete",
		zap.String("speaker", speaker),
		zap.Duration("processing_time", time.Since(startTime)),
		zap.String("content_type", contentType),
		zap.Int("content_length", len(audio)),
	)

	return &Clip{
		Speaker:     speaker,
		ContentType: contentType,
		Audio:       audio,
		SourceURL:   target,
		CreatedAt:   time.Now(),
	}, nil
}

// Speakers returns the voice list. A successful fetch is cached for the lifetime of the client.
func (c *Client) Speakers(ctx context.Context) ([]Voice, error) {
	c.mu.RLock()
	if c.voices != nil {
		voices := make([]Voice, len(c.voices))
		copy(voices, c.voices)
		c.mu.RUnlock()
		return voices, nil
	}
	c.mu.RUnlock()

	voices, err := c.fetchSpeakers(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.voices == nil {
		c.voices = voices
	}
	c.mu.Unlock()

	if logging.Sugar != nil {
		logging.Sugar.Debugw("🔊 Retrieved available speakers", "count", len(voices))
	}

	out := make([]Voice, len(voices))
	copy(out, voices)
	return out, nil
}

// Ping checks that the speakers listing answers, bypassing the cache
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.fetchSpeakers(ctx)
	return err
}

func (c *Client) fetchSpeakers(ctx context.Context) ([]Voice, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/speakers", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create speakers request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: speakers request failed with status %d", ErrServiceUnavailable, resp.StatusCode)
	}

	var voices []Voice
	if err := json.NewDecoder(resp.Body).Decode(&voices); err != nil {
		return nil, fmt.Errorf("%w: failed to decode speakers: %v", ErrBadResponse, err)
	}
	return voices, nil
}

// Resolve maps a display name or raw speaker id to a speaker id
func (c *Client) Resolve(ctx context.Context, name string) (string, bool) {
	voices, err := c.Speakers(ctx)
	if err != nil {
		logging.LogWarn("Unable to load TTS speakers", zap.Error(err))
		return "", false
	}
	for _, v := range voices {
		if v.Name == name || v.Speaker == name {
			return v.Speaker, true
		}
	}
	return "", false
}

// Probe checks the speakers listing and a test synthesis
func (c *Client) Probe(ctx context.Context) error {
	if _, err := c.Speakers(ctx); err != nil {
		return fmt.Errorf("speakers check failed: %w", err)
	}
	if _, err := c.Synthesize(ctx, probeText, c.config.DefaultSpeaker); err != nil {
		return fmt.Errorf("synthesis check failed: %w", err)
	}
	return nil
}

// Close cleans up resources
func (c *Client) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

func isAudio(contentType string) bool {
	if contentType == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return strings.HasPrefix(mediaType, "audio/")
}
