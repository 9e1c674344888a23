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

package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-speaker/internal/config"
	"github.com/loqalabs/loqa-speaker/internal/health"
	"github.com/loqalabs/loqa-speaker/internal/logging"
	"github.com/loqalabs/loqa-speaker/internal/messaging"
	"github.com/loqalabs/loqa-speaker/internal/relay"
	"github.com/loqalabs/loqa-speaker/internal/server"
	"github.com/loqalabs/loqa-speaker/internal/speaker"
	"github.com/loqalabs/loqa-speaker/internal/storage"
	"github.com/loqalabs/loqa-speaker/internal/tts"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	if err := logging.InitializeWithConfig(logging.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}); err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	defer logging.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logging.LogError(err, "Speaker service failed")
		logging.Close()
		log.Fatalf("Speaker service failed: %v", err)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	natsService := messaging.NewNATSService(cfg.NATS)
	if err := natsService.Connect(); err != nil {
		return err
	}
	defer natsService.Close()

	bridge := messaging.NewDeviceBridge(natsService.Conn(), cfg.NATS.DeviceSubject, cfg.Speaker.DeviceID, cfg.NATS.RequestTimeout)

	monitor := health.NewMonitor(30*time.Second, cfg.NATS.RequestTimeout)
	monitor.Register("nats", true, 0, func(ctx context.Context) error {
		if !natsService.IsConnected() {
			return messaging.ErrNotConnected
		}
		return nil
	})
	monitor.Register("device", false, 0, func(ctx context.Context) error {
		_, err := bridge.GetStatus(ctx)
		return err
	})

	var (
		synth    speaker.Synthesizer
		voices   speaker.VoiceResolver
		prober   speaker.Prober
		clipHost speaker.ClipHost
		clips    *tts.ClipStore
	)
	defaultVoice := cfg.TTS.DefaultSpeaker

	if cfg.ExternalTTSConfigured() {
		client, err := tts.NewClient(cfg.TTS)
		if err != nil {
			return err
		}
		defer func() { _ = client.Close() }()
		synth, voices, prober = client, client, client
		monitor.Register("tts", false, cfg.TTS.Timeout, client.Ping)
		defaultVoice = client.DefaultSpeaker()

		if cfg.Server.PublicURL != "" {
			clips = tts.NewClipStore(cfg.Server.PublicURL, cfg.TTS.ClipCacheSize, cfg.TTS.ClipTTL)
			clipHost = clips
		}
	}

	preferred, err := speaker.ParseMode(cfg.Speaker.TTSMode)
	if err != nil {
		return err
	}
	probeCtx, cancelProbe := context.WithTimeout(ctx, 2*cfg.TTS.Timeout)
	mode := speaker.ResolveMode(probeCtx, preferred, prober)
	cancelProbe()

	dispatcher := speaker.NewDispatcher(bridge, synth, clipHost, cfg.Speaker)
	watchdog := speaker.NewWatchdog(bridge, cfg.Speaker)
	wake := speaker.NewWakeControl(bridge, cfg.Speaker)
	controller := speaker.NewController(cfg.Speaker, mode, dispatcher, watchdog, wake, voices, defaultVoice)

	db, err := storage.NewDatabase(storage.DatabaseConfig{Path: cfg.Storage.DBPath})
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.LogError(err, "Failed to close database")
		}
	}()
	store := storage.NewPlaybackEventsStore(db)
	monitor.Register("database", false, 0, db.Ping)
	go store.RunRetention(ctx, cfg.Storage.Retention, cfg.Storage.PruneInterval)

	var publisher relay.EventPublisher
	if !cfg.NATS.DisableMessages {
		publisher = natsService
	}
	turns := relay.NewRelay(controller, cfg.Speaker.DeviceID, store, publisher)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := turns.Close(shutdownCtx); err != nil {
			logging.LogError(err, "Turns did not finish before shutdown")
		}
	}()

	if !cfg.NATS.DisableMessages {
		sub, err := natsService.SubscribeToRespond(turns.HandleMessage)
		if err != nil {
			return err
		}
		defer func() { _ = sub.Unsubscribe() }()
	}

	logging.Sugar.Infow("🔊 Speaker controller ready",
		"device_id", cfg.Speaker.DeviceID,
		"mode", controller.Mode(),
		"voice", controller.Voice(),
		"status_polling", cfg.Speaker.StatusPolling,
		"check_interval", watchdog.Interval(),
		"db_path", db.GetPath(),
		"event_retention", cfg.Storage.Retention,
	)

	srv := server.New(cfg, server.Components{
		Turns:      turns,
		Controller: controller,
		Events:     store,
		Clips:      clips,
		Monitor:    monitor,
		Messaging:  natsService,
	})

	if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logging.Logger.Info("Speaker service stopped", zap.String("device_id", cfg.Speaker.DeviceID))
	return nil
}
