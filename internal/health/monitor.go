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

package health

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-speaker/internal/logging"
	"go.uber.org/zap"
)

// Check reports whether a dependency answers
type Check func(ctx context.Context) error

// ServiceStatus is the last observation of one dependency
type ServiceStatus struct {
	Available bool          `json:"available"`
	Required  bool          `json:"required"`
	Latency   time.Duration `json:"latency"`
	Error     string        `json:"error,omitempty"`
}

// HardwareInfo contains host information
type HardwareInfo struct {
	CPUCores     int    `json:"cpu_cores"`
	Architecture string `json:"architecture"`
	OS           string `json:"os"`
}

// Capabilities is the detected state of the service's dependencies
type Capabilities struct {
	Services          map[string]ServiceStatus `json:"services"`
	Hardware          HardwareInfo             `json:"hardware"`
	LastDetected      time.Time                `json:"last_detected"`
	Degraded          bool                     `json:"degraded"`
	DegradationReason string                   `json:"degradation_reason,omitempty"`
}

// Healthy reports whether every required dependency is available
func (c Capabilities) Healthy() bool {
	for _, status := range c.Services {
		if status.Required && !status.Available {
			return false
		}
	}
	return true
}

type registeredCheck struct {
	name       string
	required   bool
	maxLatency time.Duration
	check      Check
}

// Monitor periodically checks dependencies and detects degradation
type Monitor struct {
	mutex        sync.RWMutex
	capabilities Capabilities
	checks       []registeredCheck

	detectionInterval time.Duration
	healthTimeout     time.Duration

	onHealthChange func(healthy bool)
	onDegradation  func(reason string)
}

// NewMonitor creates a monitor with no checks
func NewMonitor(interval, timeout time.Duration) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Monitor{
		detectionInterval: interval,
		healthTimeout:     timeout,
		capabilities: Capabilities{
			Services: map[string]ServiceStatus{},
			Hardware: detectHardware(),
		},
	}
}

// Register adds a dependency check. A zero maxLatency disables the latency limit.
func (m *Monitor) Register(name string, required bool, maxLatency time.Duration, check Check) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.checks = append(m.checks, registeredCheck{
		name:       name,
		required:   required,
		maxLatency: maxLatency,
		check:      check,
	})
}

// Start runs detection now and then on every interval until ctx ends
func (m *Monitor) Start(ctx context.Context) {
	m.Detect(ctx)

	ticker := time.NewTicker(m.detectionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Detect(ctx)
		}
	}
}

// Detect runs every check once and returns the new capabilities
func (m *Monitor) Detect(ctx context.Context) Capabilities {
	m.mutex.RLock()
	checks := make([]registeredCheck, len(m.checks))
	copy(checks, m.checks)
	wasHealthy := m.capabilities.Healthy()
	hardware := m.capabilities.Hardware
	m.mutex.RUnlock()

	services := make(map[string]ServiceStatus, len(checks))
	for _, c := range checks {
		services[c.name] = m.runCheck(ctx, c)
	}

	degraded, reason := checkDegradation(checks, services)
	capabilities := Capabilities{
		Services:          services,
		Hardware:          hardware,
		LastDetected:      time.Now(),
		Degraded:          degraded,
		DegradationReason: reason,
	}

	m.mutex.Lock()
	m.capabilities = capabilities
	onHealthChange := m.onHealthChange
	onDegradation := m.onDegradation
	m.mutex.Unlock()

	healthy := capabilities.Healthy()
	if logging.Logger != nil {
		logging.Logger.Debug("Dependency detection completed",
			zap.Bool("healthy", healthy),
			zap.Bool("degraded", degraded),
			zap.String("reason", reason),
		)
	}

	if healthy != wasHealthy && onHealthChange != nil {
		onHealthChange(healthy)
	}
	if degraded && onDegradation != nil {
		onDegradation(reason)
	}
	return capabilities
}

func (m *Monitor) runCheck(ctx context.Context, c registeredCheck) ServiceStatus {
	checkCtx, cancel := context.WithTimeout(ctx, m.healthTimeout)
	defer cancel()

	start := time.Now()
	err := c.check(checkCtx)
	status := ServiceStatus{
		Available: err == nil,
		Required:  c.required,
		Latency:   time.Since(start),
	}
	if err != nil {
		status.Error = err.Error()
	}
	return status
}

// checkDegradation names the first failing dependency, required ones first
func checkDegradation(checks []registeredCheck, services map[string]ServiceStatus) (bool, string) {
	ordered := make([]registeredCheck, len(checks))
	copy(ordered, checks)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].required && !ordered[j].required
	})

	for _, c := range ordered {
		if !services[c.name].Available {
			return true, c.name + " unavailable"
		}
	}
	for _, c := range ordered {
		latency := services[c.name].Latency
		if c.maxLatency > 0 && latency > c.maxLatency {
			return true, fmt.Sprintf("%s latency %.0fms exceeds limit", c.name, latency.Seconds()*1000)
		}
	}
	return false, ""
}

func detectHardware() HardwareInfo {
	return HardwareInfo{
		CPUCores:     runtime.NumCPU(),
		Architecture: runtime.GOARCH,
		OS:           runtime.GOOS,
	}
}

// Capabilities returns the last detected state
func (m *Monitor) Capabilities() Capabilities {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	out := m.capabilities
	out.Services = make(map[string]ServiceStatus, len(m.capabilities.Services))
	for name, status := range m.capabilities.Services {
		out.Services[name] = status
	}
	return out
}

// Healthy reports whether every required dependency was available at the last detection
func (m *Monitor) Healthy() bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.capabilities.Healthy()
}

// SetHealthChangeCallback sets the callback invoked when health flips
func (m *Monitor) SetHealthChangeCallback(callback func(healthy bool)) {
	m.mutex.Lock()
	m.onHealthChange = callback
	m.mutex.Unlock()
}

// SetDegradationCallback sets the callback invoked after a degraded detection
func (m *Monitor) SetDegradationCallback(callback func(reason string)) {
	m.mutex.Lock()
	m.onDegradation = callback
	m.mutex.Unlock()
}
