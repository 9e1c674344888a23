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
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

const defaultSpeakerURL = "http://localhost:3000"

// RespondOptions mirror the respond request fields
type RespondOptions struct {
	TurnID    string
	VoiceID   string
	Mode      string
	KeepAwake bool
	PlayCues  bool
	Wait      bool
}

type respondResponse struct {
	TurnID     string `json:"turn_id"`
	Status     string `json:"status"`
	Units      int    `json:"units"`
	ErrorKind  string `json:"error_kind"`
	Error      string `json:"error"`
	DurationMS int64  `json:"duration_ms"`
}

type speakerStatus struct {
	Responding bool   `json:"responding"`
	Voice      string `json:"voice"`
	Mode       string `json:"mode"`
	Turns      struct {
		ActiveTurn       string         `json:"active_turn"`
		TurnsStarted     int            `json:"turns_started"`
		InterruptedCount int            `json:"interrupted_count"`
		InterruptReasons map[string]int `json:"interrupt_reasons"`
	} `json:"turns"`
}

type playbackEvent struct {
	UUID       string    `json:"uuid"`
	TurnID     string    `json:"turn_id"`
	Source     string    `json:"source"`
	Mode       string    `json:"mode"`
	Units      int       `json:"units"`
	Outcome    string    `json:"outcome"`
	ErrorKind  string    `json:"error_kind"`
	StartedAt  time.Time `json:"started_at"`
	DurationMS int64     `json:"duration_ms"`
}

type eventsPage struct {
	Events     []playbackEvent `json:"events"`
	Total      int64           `json:"total"`
	Page       int             `json:"page"`
	TotalPages int             `json:"total_pages"`
}

// SpeakerCLI talks to the speaker service HTTP API
type SpeakerCLI struct {
	baseURL string
	format  string
	client  *http.Client
	out     io.Writer
}

func main() {
	cli := &SpeakerCLI{client: &http.Client{Timeout: 5 * time.Minute}, out: os.Stdout}
	if err := newRootCommand(cli).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand(cli *SpeakerCLI) *cobra.Command {
	baseURL := os.Getenv("SPEAKER_URL")
	if baseURL == "" {
		baseURL = defaultSpeakerURL
	}

	rootCmd := &cobra.Command{
		Use:          "speaker-cli",
		Short:        "Control a Loqa speaker service",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&cli.baseURL, "url", baseURL, "URL of the speaker service")
	rootCmd.PersistentFlags().StringVar(&cli.format, "format", "table", "Output format: table, json")

	var opts RespondOptions
	var audioURL string
	addRespondFlags := func(cmd *cobra.Command) {
		cmd.Flags().StringVar(&opts.TurnID, "turn", "", "Turn id; a new id supersedes the running turn")
		cmd.Flags().StringVar(&opts.VoiceID, "voice", "", "Voice id for this turn")
		cmd.Flags().StringVar(&opts.Mode, "mode", "", "TTS mode override: native or external")
		cmd.Flags().BoolVar(&opts.KeepAwake, "keep-awake", false, "Re-enter listening state after speaking")
		cmd.Flags().BoolVar(&opts.PlayCues, "cues", false, "Play the start and end cues")
	}

	sayCmd := &cobra.Command{
		Use:   "say [text]",
		Short: "Speak a complete answer",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := ""
			if len(args) == 1 {
				text = args[0]
			}
			return cli.Say(text, audioURL, opts)
		},
	}
	addRespondFlags(sayCmd)
	sayCmd.Flags().StringVar(&audioURL, "audio-url", "", "Play a ready-made audio URL instead of text")
	sayCmd.Flags().BoolVar(&opts.Wait, "wait", false, "Wait for the turn to finish")

	streamCmd := &cobra.Command{
		Use:   "stream",
		Short: "Speak text from stdin while it arrives",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.Stream(cmd.InOrStdin(), opts)
		},
	}
	addRespondFlags(streamCmd)

	voiceCmd := &cobra.Command{
		Use:   "voice [name]",
		Short: "Show or switch the speaker voice",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return cli.Status()
			}
			return cli.SwitchVoice(args[0])
		},
	}

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Interrupt the running turn",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.Stop()
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show speaker status and turn counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.Status()
		},
	}

	var page, pageSize int
	var outcome string
	eventsCmd := &cobra.Command{
		Use:   "events",
		Short: "List recorded playback events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.Events(page, pageSize, outcome)
		},
	}
	eventsCmd.Flags().IntVar(&page, "page", 1, "Page number")
	eventsCmd.Flags().IntVar(&pageSize, "page-size", 20, "Events per page")
	eventsCmd.Flags().StringVar(&outcome, "outcome", "", "Filter by outcome: completed, interrupted, error")

	rootCmd.AddCommand(sayCmd, streamCmd, voiceCmd, stopCmd, statusCmd, eventsCmd)
	return rootCmd
}

// Say posts a complete answer
func (c *SpeakerCLI) Say(text, audioURL string, opts RespondOptions) error {
	body := map[string]interface{}{
		"turn_id":    opts.TurnID,
		"text":       text,
		"audio_url":  audioURL,
		"voice_id":   opts.VoiceID,
		"mode":       opts.Mode,
		"keep_awake": opts.KeepAwake,
		"play_cues":  opts.PlayCues,
		"wait":       opts.Wait,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	var resp respondResponse
	if err := c.do(http.MethodPost, "/api/respond", "application/json", bytes.NewReader(data), &resp); err != nil {
		return err
	}
	return c.printRespond(resp)
}

// Stream posts stdin as a chunked text body
func (c *SpeakerCLI) Stream(in io.Reader, opts RespondOptions) error {
	query := url.Values{"stream": {"1"}}
	setIf(query, "turn_id", opts.TurnID)
	setIf(query, "voice_id", opts.VoiceID)
	setIf(query, "mode", opts.Mode)
	if opts.KeepAwake {
		query.Set("keep_awake", "true")
	}
	if opts.PlayCues {
		query.Set("play_cues", "true")
	}

	var resp respondResponse
	if err := c.do(http.MethodPost, "/api/respond?"+query.Encode(), "text/plain; charset=utf-8", in, &resp); err != nil {
		return err
	}
	return c.printRespond(resp)
}

// SwitchVoice selects a voice by name or id
func (c *SpeakerCLI) SwitchVoice(name string) error {
	data, err := json.Marshal(map[string]string{"speaker": name})
	if err != nil {
		return err
	}

	var resp map[string]string
	if err := c.do(http.MethodPost, "/api/speaker", "application/json", bytes.NewReader(data), &resp); err != nil {
		return err
	}
	if c.format == "json" {
		return c.printJSON(resp)
	}
	fmt.Fprintf(c.out, "✅ Voice switched to %s\n", resp["voice"])
	return nil
}

// Stop interrupts the running turn
func (c *SpeakerCLI) Stop() error {
	var resp map[string]bool
	if err := c.do(http.MethodPost, "/api/speaker/stop", "application/json", nil, &resp); err != nil {
		return err
	}
	if c.format == "json" {
		return c.printJSON(resp)
	}
	if resp["stopped"] {
		fmt.Fprintln(c.out, "🛑 Turn interrupted")
	} else {
		fmt.Fprintln(c.out, "Nothing was playing")
	}
	return nil
}

// Status prints speaker state
func (c *SpeakerCLI) Status() error {
	var status speakerStatus
	if err := c.do(http.MethodGet, "/api/speaker", "", nil, &status); err != nil {
		return err
	}
	if c.format == "json" {
		return c.printJSON(status)
	}

	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Mode:\t%s\n", status.Mode)
	fmt.Fprintf(w, "Voice:\t%s\n", status.Voice)
	fmt.Fprintf(w, "Responding:\t%s\n", formatBool(status.Responding))
	if status.Turns.ActiveTurn != "" {
		fmt.Fprintf(w, "Active turn:\t%s\n", status.Turns.ActiveTurn)
	}
	fmt.Fprintf(w, "Turns started:\t%s\n", humanize.Comma(int64(status.Turns.TurnsStarted)))
	fmt.Fprintf(w, "Interrupted:\t%s\n", humanize.Comma(int64(status.Turns.InterruptedCount)))
	for reason, count := range status.Turns.InterruptReasons {
		fmt.Fprintf(w, "  %s:\t%d\n", reason, count)
	}
	return w.Flush()
}

// Events prints a page of playback events
func (c *SpeakerCLI) Events(page, pageSize int, outcome string) error {
	query := url.Values{
		"page":      {strconv.Itoa(page)},
		"page_size": {strconv.Itoa(pageSize)},
	}
	setIf(query, "outcome", outcome)

	var result eventsPage
	if err := c.do(http.MethodGet, "/api/playback-events?"+query.Encode(), "", nil, &result); err != nil {
		return err
	}
	if c.format == "json" {
		return c.printJSON(result)
	}

	if len(result.Events) == 0 {
		fmt.Fprintln(c.out, "No playback events recorded.")
		return nil
	}

	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tTURN\tSOURCE\tMODE\tUNITS\tOUTCOME\tDURATION")
	for _, event := range result.Events {
		outcome := event.Outcome
		if event.ErrorKind != "" {
			outcome += " (" + event.ErrorKind + ")"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			humanize.Time(event.StartedAt),
			event.TurnID,
			event.Source,
			event.Mode,
			event.Units,
			outcome,
			(time.Duration(event.DurationMS) * time.Millisecond).String(),
		)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "\nPage %d of %d (%s events)\n", result.Page, result.TotalPages, humanize.Comma(result.Total))
	return nil
}

func (c *SpeakerCLI) do(method, path, contentType string, body io.Reader, out interface{}) error {
	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach speaker at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("speaker returned %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func (c *SpeakerCLI) printRespond(resp respondResponse) error {
	if c.format == "json" {
		return c.printJSON(resp)
	}
	switch resp.Status {
	case "accepted":
		fmt.Fprintf(c.out, "🔊 Turn %s accepted\n", resp.TurnID)
	case "completed":
		fmt.Fprintf(c.out, "✅ Turn %s completed: %d units in %s\n", resp.TurnID, resp.Units,
			time.Duration(resp.DurationMS)*time.Millisecond)
	default:
		fmt.Fprintf(c.out, "⚠️  Turn %s %s", resp.TurnID, resp.Status)
		if resp.Error != "" {
			fmt.Fprintf(c.out, ": %s", resp.Error)
		}
		fmt.Fprintln(c.out)
	}
	return nil
}

func (c *SpeakerCLI) printJSON(v interface{}) error {
	encoder := json.NewEncoder(c.out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func setIf(values url.Values, key, value string) {
	if value != "" {
		values.Set(key, value)
	}
}

func formatBool(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
