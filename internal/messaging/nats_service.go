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

package messaging

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-speaker/internal/config"
	"github.com/loqalabs/loqa-speaker/internal/events"
	"github.com/loqalabs/loqa-speaker/internal/logging"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// ErrNotConnected is returned when NATS is used before Connect
var ErrNotConnected = errors.New("NATS connection not established")

// RespondMessage asks the speaker to speak an answer. A text message is a whole answer;
// delta messages stream an answer and the one with Done set ends it.
type RespondMessage struct {
	TurnID    string `json:"turn_id"`
	Text      string `json:"text,omitempty"`
	Delta     string `json:"delta,omitempty"`
	Done      bool   `json:"done,omitempty"`
	AudioURL  string `json:"audio_url,omitempty"`
	VoiceID   string `json:"voice_id,omitempty"`
	Mode      string `json:"mode,omitempty"`
	KeepAwake bool   `json:"keep_awake,omitempty"`
	PlayCues  bool   `json:"play_cues,omitempty"`
}

// Streaming reports whether the message belongs to a delta stream
func (m *RespondMessage) Streaming() bool {
	return m.Text == "" && m.AudioURL == "" && (m.Delta != "" || m.Done)
}

// NATSService owns the NATS connection of the speaker service
type NATSService struct {
	conn *nats.Conn
	cfg  config.NATSConfig
}

// NewNATSService creates a new NATS service instance
func NewNATSService(cfg config.NATSConfig) *NATSService {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	return &NATSService{cfg: cfg}
}

// Connect establishes connection to NATS server
func (ns *NATSService) Connect() error {
	logging.LogNATSEvent(ns.cfg.URL, "connect")

	opts := []nats.Option{
		nats.Name("loqa-speaker"),
		nats.ReconnectWait(ns.cfg.ReconnectWait),
		nats.MaxReconnects(ns.cfg.MaxReconnect),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logging.LogWarn("⚠️  NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.LogNATSEvent(nc.ConnectedUrl(), "reconnected")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logging.LogNATSEvent(ns.cfg.URL, "closed")
		}),
	}

	conn, err := nats.Connect(ns.cfg.URL, opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	ns.conn = conn
	logging.LogNATSEvent(conn.ConnectedUrl(), "connected")
	return nil
}

// Conn returns the live connection, or nil before Connect
func (ns *NATSService) Conn() *nats.Conn {
	return ns.conn
}

// PublishPlaybackEvent announces how a turn ended
func (ns *NATSService) PublishPlaybackEvent(event *events.PlaybackEvent) error {
	if ns.conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal playback event: %w", err)
	}

	subject := ns.cfg.EventsSubject
	if err := ns.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}

	logging.LogNATSEvent(subject, "publish",
		zap.String("uuid", event.UUID),
		zap.String("outcome", event.Outcome),
	)
	return nil
}

// SubscribeToRespond delivers respond messages to handler
func (ns *NATSService) SubscribeToRespond(handler func(*RespondMessage)) (*nats.Subscription, error) {
	if ns.conn == nil {
		return nil, ErrNotConnected
	}

	subject := ns.cfg.RespondSubject
	return ns.conn.Subscribe(subject, func(msg *nats.Msg) {
		message, err := DecodeRespondMessage(msg.Data)
		if err != nil {
			logging.LogError(err, "❌ Error unmarshaling respond message", zap.String("subject", subject))
			return
		}

		logging.LogNATSEvent(subject, "receive", zap.String("turn_id", message.TurnID))
		handler(message)
	})
}

// DecodeRespondMessage parses a respond message payload
func DecodeRespondMessage(data []byte) (*RespondMessage, error) {
	var message RespondMessage
	if err := json.Unmarshal(data, &message); err != nil {
		return nil, fmt.Errorf("failed to unmarshal respond message: %w", err)
	}
	return &message, nil
}

// Close closes the NATS connection
func (ns *NATSService) Close() {
	if ns.conn != nil {
		ns.conn.Close()
	}
}

// IsConnected returns true if connected to NATS
func (ns *NATSService) IsConnected() bool {
	return ns.conn != nil && ns.conn.IsConnected()
}

// GetStats returns connection statistics
func (ns *NATSService) GetStats() nats.Statistics {
	if ns.conn != nil {
		return ns.conn.Stats()
	}
	return nats.Statistics{}
}
