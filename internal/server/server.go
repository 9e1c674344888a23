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

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/loqalabs/loqa-speaker/internal/api"
	"github.com/loqalabs/loqa-speaker/internal/config"
	"github.com/loqalabs/loqa-speaker/internal/health"
	"github.com/loqalabs/loqa-speaker/internal/logging"
	"github.com/loqalabs/loqa-speaker/internal/tts"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthServiceName is the gRPC health service tracking required dependencies
const HealthServiceName = "loqa.speaker.Device"

// MessagingStatus reports the NATS connection
type MessagingStatus interface {
	IsConnected() bool
	GetStats() nats.Statistics
}

// Components are the pieces the server exposes. Events, Clips, Monitor and Messaging may be nil.
type Components struct {
	Turns      api.TurnRunner
	Controller api.SpeakerControl
	Events     api.EventLister
	Clips      *tts.ClipStore
	Monitor    *health.Monitor
	Messaging  MessagingStatus
}

// Server exposes the speaker over HTTP and gRPC health
type Server struct {
	cfg        *config.Config
	components Components
	mux        *http.ServeMux
	server     *http.Server
	grpcServer *grpc.Server
	health     *grpchealth.Server
	startedAt  time.Time
}

// New creates a server with all routes registered
func New(cfg *config.Config, components Components) *Server {
	mux := http.NewServeMux()

	s := &Server{
		cfg:        cfg,
		components: components,
		mux:        mux,
		grpcServer: grpc.NewServer(),
		health:     grpchealth.NewServer(),
		startedAt:  time.Now(),
	}

	s.server = &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:      s.mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.setServingStatus(s.healthy())
	if components.Monitor != nil {
		components.Monitor.SetHealthChangeCallback(s.setServingStatus)
		components.Monitor.SetDegradationCallback(func(reason string) {
			logging.LogWarn("⚠️  Speaker degraded", zap.String("reason", reason))
		})
	}
	s.routes()

	return s
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves HTTP and gRPC until ctx is canceled or a listener fails
func (s *Server) Start(ctx context.Context) error {
	grpcAddr := net.JoinHostPort(s.cfg.Server.Host, strconv.Itoa(s.cfg.Server.GRPCPort))
	listener, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", grpcAddr, err)
	}

	logging.Sugar.Infow("🚀 Loqa Speaker starting",
		"http_addr", s.server.Addr,
		"grpc_addr", grpcAddr,
		"device_id", s.cfg.Speaker.DeviceID,
		"mode", s.components.Controller.Mode())

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := s.grpcServer.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("gRPC server failed: %w", err)
		}
		return nil
	})

	if s.components.Monitor != nil {
		g.Go(func() error {
			s.components.Monitor.Start(ctx)
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		return s.Stop()
	})

	return g.Wait()
}

// Stop gracefully shuts down both servers
func (s *Server) Stop() error {
	logging.Sugar.Infow("🛑 Shutting down Loqa Speaker")

	s.health.Shutdown()
	s.grpcServer.GracefulStop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	logging.Sugar.Infow("✅ Loqa Speaker shut down successfully")
	return nil
}

// routes sets up HTTP routing
func (s *Server) routes() {
	s.mux.HandleFunc("/health", s.handleHealth)

	speakerHandler := api.NewSpeakerHandler(s.components.Turns, s.components.Controller)
	s.mux.HandleFunc("/api/respond", speakerHandler.HandleRespond)
	s.mux.HandleFunc("/api/speaker", speakerHandler.HandleSpeaker)
	s.mux.HandleFunc("/api/speaker/stop", speakerHandler.HandleStop)

	if s.components.Events != nil {
		eventsHandler := api.NewPlaybackEventsHandler(s.components.Events)
		s.mux.HandleFunc("/api/playback-events", eventsHandler.HandlePlaybackEvents)
		s.mux.HandleFunc("/api/playback-events/", eventsHandler.HandlePlaybackEventByID)
	}
	if s.components.Clips != nil {
		s.mux.HandleFunc("/api/clips/", api.NewClipsHandler(s.components.Clips).HandleClip)
	}

	logging.Sugar.Infow("🌐 HTTP routes configured",
		"respond_endpoint", "/api/respond",
		"events_enabled", s.components.Events != nil,
		"clips_enabled", s.components.Clips != nil)
}

func (s *Server) healthy() bool {
	return s.components.Monitor == nil || s.components.Monitor.Healthy()
}

func (s *Server) setServingStatus(healthy bool) {
	status := healthpb.HealthCheckResponse_SERVING
	if !healthy {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus(HealthServiceName, status)
}

// handleHealth provides service health information
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	healthy := s.healthy()

	status := "ok"
	if !healthy {
		status = "unavailable"
	}

	body := map[string]interface{}{
		"status":         status,
		"timestamp":      time.Now(),
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
		"device_id":      s.cfg.Speaker.DeviceID,
		"mode":           s.components.Controller.Mode(),
		"voice":          s.components.Controller.Voice(),
		"responding":     s.components.Controller.Responding(),
	}
	if s.components.Monitor != nil {
		capabilities := s.components.Monitor.Capabilities()
		body["services"] = capabilities.Services
		body["degraded"] = capabilities.Degraded
		if capabilities.Degraded {
			body["degradation_reason"] = capabilities.DegradationReason
		}
	}
	if s.components.Clips != nil {
		body["hosted_clips"] = s.components.Clips.Len()
	}
	if s.components.Messaging != nil {
		stats := s.components.Messaging.GetStats()
		body["nats"] = map[string]interface{}{
			"connected":  s.components.Messaging.IsConnected(),
			"in_msgs":    stats.InMsgs,
			"out_msgs":   stats.OutMsgs,
			"in_bytes":   stats.InBytes,
			"out_bytes":  stats.OutBytes,
			"reconnects": stats.Reconnects,
		}
	}

	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, body)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logging.LogError(err, "Failed to write response", zap.Int("status", status))
	}
}
