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
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-speaker/internal/config"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(config.TTSConfig{
		URL:            server.URL + "/",
		DefaultSpeaker: "S_TDTaLFJj1",
		Timeout:        2 * time.Second,
	})
	if err != nil {
		t.Fatalf("Expected successful client creation, got error: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client, server
}

func TestNewClient_EmptyURL(t *testing.T) {
	_, err := NewClient(config.TTSConfig{})
	if err == nil {
		t.Fatal("Expected error for empty URL, got nil")
	}
	if !strings.Contains(err.Error(), "URL cannot be empty") {
		t.Errorf("Expected 'URL cannot be empty' error, got: %v", err)
	}
}

func TestClient_SynthesisURL(t *testing.T) {
	client, server := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})

	got := client.SynthesisURL("", "你好 world&more")
	if !strings.HasPrefix(got, server.URL+"/tts.mp3?") {
		t.Fatalf("Unexpected synthesis URL: %s", got)
	}
	if !strings.Contains(got, "speaker=S_TDTaLFJj1") {
		t.Errorf("Expected default speaker in URL, got %s", got)
	}
	if strings.Contains(got, " ") || strings.Contains(got, "&more") {
		t.Errorf("Expected text to be URL-encoded, got %s", got)
	}
}

func TestClient_Synthesize(t *testing.T) {
	var gotSpeaker, gotText string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tts.mp3" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		gotSpeaker = r.URL.Query().Get("speaker")
		gotText = r.URL.Query().Get("text")
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("fake-mp3-data"))
	})

	clip, err := client.Synthesize(context.Background(), "你好。", "S1")
	if err != nil {
		t.Fatalf("Expected successful synthesis, got error: %v", err)
	}
	if gotSpeaker != "S1" || gotText != "你好。" {
		t.Errorf("Unexpected query: speaker=%q text=%q", gotSpeaker, gotText)
	}
	if string(clip.Audio) != "fake-mp3-data" {
		t.Errorf("Unexpected audio body: %q", clip.Audio)
	}
	if clip.ContentType != "audio/mpeg" {
		t.Errorf("Expected audio/mpeg content type, got %q", clip.ContentType)
	}
	if clip.SourceURL == "" {
		t.Error("Expected source URL to be set")
	}
}

func TestClient_SynthesizeErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		wantErr error
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			},
			wantErr: ErrServiceUnavailable,
		},
		{
			name: "not audio",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/html")
				_, _ = w.Write([]byte("<html></html>"))
			},
			wantErr: ErrBadResponse,
		},
		{
			name: "empty body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "audio/mpeg")
			},
			wantErr: ErrBadResponse,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, tt.handler)
			_, err := client.Synthesize(context.Background(), "hello", "")
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestClient_SynthesizeUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	client, err := NewClient(config.TTSConfig{URL: url, Timeout: time.Second})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	_, err = client.Synthesize(context.Background(), "hello", "S1")
	if !errors.Is(err, ErrServiceUnavailable) {
		t.Errorf("Expected ErrServiceUnavailable, got %v", err)
	}
}

func TestClient_SpeakersCachedAndResolve(t *testing.T) {
	var calls int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/speakers" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"name":"Alice","speaker":"S_ALICE"},{"name":"Bob","speaker":"S_BOB"}]`))
	})

	ctx := context.Background()
	if id, ok := client.Resolve(ctx, "Alice"); !ok || id != "S_ALICE" {
		t.Errorf("Expected Alice to resolve to S_ALICE, got %q %v", id, ok)
	}
	if id, ok := client.Resolve(ctx, "S_BOB"); !ok || id != "S_BOB" {
		t.Errorf("Expected raw id to resolve, got %q %v", id, ok)
	}
	if _, ok := client.Resolve(ctx, "Carol"); ok {
		t.Error("Expected unknown voice to fail")
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("Expected one speakers fetch, got %d", n)
	}
}

func TestClient_SpeakersFailureNotCached(t *testing.T) {
	var calls int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`[{"name":"Alice","speaker":"S_ALICE"}]`))
	})

	if _, ok := client.Resolve(context.Background(), "Alice"); ok {
		t.Fatal("Expected first resolve to fail")
	}
	if _, ok := client.Resolve(context.Background(), "Alice"); !ok {
		t.Error("Expected second resolve to retry the fetch and succeed")
	}
}

func TestClient_PingBypassesCache(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`[{"name":"Alice","speaker":"S_ALICE"}]`))
	})

	ctx := context.Background()
	if err := client.Ping(ctx); err != nil {
		t.Fatalf("Expected ping to succeed, got %v", err)
	}
	if _, err := client.Speakers(ctx); err != nil {
		t.Fatalf("Expected speakers to load, got %v", err)
	}

	healthy.Store(false)
	if err := client.Ping(ctx); !errors.Is(err, ErrServiceUnavailable) {
		t.Errorf("Expected ErrServiceUnavailable, got %v", err)
	}
	if _, err := client.Speakers(ctx); err != nil {
		t.Errorf("Expected cached speakers, got %v", err)
	}
}

func TestClient_Probe(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/speakers":
			_, _ = w.Write([]byte(`[]`))
		case "/tts.mp3":
			w.Header().Set("Content-Type", "audio/mpeg")
			_, _ = w.Write([]byte("mp3"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	if err := client.Probe(context.Background()); err != nil {
		t.Errorf("Expected probe to pass, got %v", err)
	}
}

func TestClient_ProbeFailsOnBadSynthesis(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/speakers" {
			_, _ = w.Write([]byte(`[]`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	})

	err := client.Probe(context.Background())
	if !errors.Is(err, ErrBadResponse) {
		t.Errorf("Expected ErrBadResponse from probe, got %v", err)
	}
}

func TestClipStore(t *testing.T) {
	store := NewClipStore("http://speaker.local:3000", 2, time.Minute)

	first := &Clip{Audio: []byte("a"), ContentType: "audio/mpeg"}
	url := store.Put(first)
	if url != "http://speaker.local:3000/api/clips/"+first.ID {
		t.Errorf("Unexpected clip URL %q", url)
	}

	got, ok := store.Get(first.ID)
	if !ok || string(got.Audio) != "a" {
		t.Fatalf("Expected stored clip, got %v %v", got, ok)
	}

	store.Put(&Clip{Audio: []byte("b")})
	store.Put(&Clip{Audio: []byte("c")})
	if store.Len() != 2 {
		t.Errorf("Expected store to hold 2 clips, got %d", store.Len())
	}
	if _, ok := store.Get(first.ID); ok {
		t.Error("Expected oldest clip to be evicted")
	}
}
