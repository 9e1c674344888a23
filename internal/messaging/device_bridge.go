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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-speaker/internal/device"
	"github.com/loqalabs/loqa-speaker/internal/logging"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// ErrDeviceRejected is returned when the device agent answers with ok=false
var ErrDeviceRejected = errors.New("device rejected command")

// Requester is the request/reply half of a NATS connection
type Requester interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
}

type deviceRequest struct {
	Siid int           `json:"siid,omitempty"`
	Aiid int           `json:"aiid,omitempty"`
	Piid int           `json:"piid,omitempty"`
	Args []interface{} `json:"args,omitempty"`
	URL  string        `json:"url,omitempty"`
}

type deviceReply struct {
	OK     bool            `json:"ok"`
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Value  json.RawMessage `json:"value,omitempty"`
	Status *device.Status  `json:"status,omitempty"`
}

// DeviceBridge drives a speaker through the device agent listening on NATS.
// Requests go to <prefix>.<deviceID>.<verb> and are answered with a JSON reply.
type DeviceBridge struct {
	requester Requester
	prefix    string
	deviceID  string
	timeout   time.Duration
}

var _ device.Gateway = (*DeviceBridge)(nil)

// NewDeviceBridge creates a gateway for one device
func NewDeviceBridge(requester Requester, prefix, deviceID string, timeout time.Duration) *DeviceBridge {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &DeviceBridge{
		requester: requester,
		prefix:    prefix,
		deviceID:  deviceID,
		timeout:   timeout,
	}
}

// Subject returns the request subject for a verb
func (b *DeviceBridge) Subject(verb string) string {
	return fmt.Sprintf("%s.%s.%s", b.prefix, b.deviceID, verb)
}

// DoAction invokes a device action
func (b *DeviceBridge) DoAction(ctx context.Context, siid, aiid int, args ...interface{}) (interface{}, error) {
	reply, err := b.request(ctx, "action", deviceRequest{Siid: siid, Aiid: aiid, Args: args})
	if err != nil {
		return nil, err
	}
	return decodeRaw(reply.Result)
}

// GetProperty reads a device property
func (b *DeviceBridge) GetProperty(ctx context.Context, siid, piid int) (interface{}, error) {
	reply, err := b.request(ctx, "property", deviceRequest{Siid: siid, Piid: piid})
	if err != nil {
		return nil, err
	}
	return decodeRaw(reply.Value)
}

// Play starts playback of an audio URL
func (b *DeviceBridge) Play(ctx context.Context, url string) error {
	_, err := b.request(ctx, "play", deviceRequest{URL: url})
	return err
}

// Pause stops whatever the device is playing
func (b *DeviceBridge) Pause(ctx context.Context) error {
	_, err := b.request(ctx, "pause", deviceRequest{})
	return err
}

// GetStatus reads the media player state. A reply without a status yields nil, which
// callers must treat as a failed read rather than as idle.
func (b *DeviceBridge) GetStatus(ctx context.Context) (*device.Status, error) {
	reply, err := b.request(ctx, "status", deviceRequest{})
	if err != nil {
		return nil, err
	}
	return reply.Status, nil
}

func (b *DeviceBridge) request(ctx context.Context, verb string, payload deviceRequest) (*deviceReply, error) {
	if b.requester == nil {
		return nil, ErrNotConnected
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s request: %w", verb, err)
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	subject := b.Subject(verb)
	logging.LogDeviceCommand(verb, zap.String("subject", subject))

	msg, err := b.requester.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, fmt.Errorf("device %s request failed: %w", verb, err)
	}

	var reply deviceReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return nil, fmt.Errorf("invalid device %s reply: %w", verb, err)
	}
	if !reply.OK {
		if reply.Error != "" {
			return nil, fmt.Errorf("%w: %s: %s", ErrDeviceRejected, verb, reply.Error)
		}
		return nil, fmt.Errorf("%w: %s", ErrDeviceRejected, verb)
	}
	return &reply, nil
}

func decodeRaw(raw json.RawMessage) (interface{}, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var value interface{}
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("invalid device value: %w", err)
	}
	return value, nil
}
