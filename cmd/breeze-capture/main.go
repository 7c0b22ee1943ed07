package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/breeze-rmm/capture-agent/internal/audio"
	"github.com/breeze-rmm/capture-agent/internal/auth"
	"github.com/breeze-rmm/capture-agent/internal/capture"
	"github.com/breeze-rmm/capture-agent/internal/config"
	"github.com/breeze-rmm/capture-agent/internal/logging"
	"github.com/breeze-rmm/capture-agent/internal/mixer"
)

var (
	version   = "0.1.0"
	cfgFile   string
	serverURL string
	mode      string
	duration  time.Duration
	output    string
)

var rootCmd = &cobra.Command{
	Use:   "breeze-capture",
	Short: "Breeze audio capture client",
	Long:  `Breeze Capture - streams microphone and system audio to a Breeze backend for transcription`,
}

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record and stream until interrupted",
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runRecord())
	},
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List audio input devices",
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(listDevices())
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(printConfig())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Breeze Capture v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is capture.yaml in the Breeze config directory)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "backend server URL")

	recordCmd.Flags().StringVar(&mode, "mode", "", "stream mode: batch, streaming or dual-stream")
	recordCmd.Flags().DurationVar(&duration, "duration", 0, "stop after this long (0 records until interrupted)")
	devicesCmd.Flags().StringVarP(&output, "output", "o", "table", "output format: table or yaml")

	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads, overrides and validates the config, then initializes
// logging. The returned closer flushes the log file.
func loadConfig() (*config.Config, io.Closer, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if serverURL != "" {
		cfg.ServerURL = serverURL
	}
	if mode != "" {
		cfg.Mode = mode
	}

	out, closer, err := logging.Output(cfg.LogFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, out)

	if result := cfg.ValidateTiered(); result.HasFatals() {
		closer.Close()
		return nil, nil, fmt.Errorf("invalid config: %w", result.Err())
	}
	// Re-apply in case validation clamped the log settings.
	logging.Init(cfg.LogFormat, cfg.LogLevel, out)
	return cfg, closer, nil
}

func runRecord() int {
	cfg, closer, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer closer.Close()

	acq, err := audio.NewPortAudio(cfg.LoopbackDevice)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize audio: %v\n", err)
		return 1
	}
	defer acq.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tokens := auth.NewTokenSource(ctx, auth.Credentials{
		ServerURL: cfg.ServerURL,
		Token:     cfg.AuthToken,
		Email:     cfg.AuthEmail,
		Password:  cfg.AuthPassword,
	}, nil)

	ctrl := capture.New(capture.OptionsFromConfig(cfg, acq, tokens))
	failed := make(chan error, 1)
	ctrl.OnChange(func(s capture.Snapshot) {
		if s.State == capture.StateError {
			select {
			case failed <- s.LastError:
			default:
			}
		}
	})

	fmt.Printf("Breeze Capture v%s\n", version)
	fmt.Printf("Server: %s\n", cfg.ServerURL)
	fmt.Printf("Mode: %s\n", cfg.Mode)

	if err := ctrl.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start capture: %v\n", err)
		return 1
	}

	var deadline <-chan time.Time
	if duration > 0 {
		timer := time.NewTimer(duration)
		defer timer.Stop()
		deadline = timer.C
	}
	status := time.NewTicker(time.Second)
	defer status.Stop()

	code := 0
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-deadline:
			break loop
		case err := <-failed:
			fmt.Fprintf(os.Stderr, "\nCapture failed: %v\n", err)
			code = 1
			break loop
		case <-status.C:
			fmt.Print("\r" + statusLine(ctrl.Snapshot(), ctrl.Analysers()))
		}
	}

	fmt.Println("\nStopping capture...")
	ctrl.Stop()

	snap := ctrl.Snapshot()
	fmt.Printf("Session %s: %s streamed, %d chunks (%d send errors)\n",
		snap.SessionID, snap.Elapsed, snap.Counters.ChunksSent, snap.Counters.SendErrors)
	return code
}

func statusLine(s capture.Snapshot, taps map[audio.Tag]*mixer.Analyser) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-11s %8s  chunks=%-6d", s.Step, s.Elapsed, s.Counters.ChunksSent)
	for _, tag := range []audio.Tag{audio.TagPrimary, audio.TagSecondary, audio.TagMixed} {
		if a := taps[tag]; a != nil {
			fmt.Fprintf(&b, "  %s=%5.1fdB", tag, a.Levels().RMS)
		}
	}
	return b.String()
}

func listDevices() int {
	acq, err := audio.NewPortAudio("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize audio: %v\n", err)
		return 1
	}
	defer acq.Close()

	devices, err := acq.ListDevices()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list devices: %v\n", err)
		return 1
	}

	if output == "yaml" {
		if err := yaml.NewEncoder(os.Stdout).Encode(devices); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		return 0
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tCHANNELS\tRATE\tDEFAULT\tLOOPBACK")
	for _, d := range devices {
		fmt.Fprintf(w, "%s\t%d\t%.0f\t%s\t%s\n", d.Name, d.Channels, d.Rate, yesNo(d.Default), yesNo(d.Loopback))
	}
	w.Flush()
	return 0
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return ""
}

func printConfig() int {
	cfg, closer, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer closer.Close()

	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	if err := enc.Encode(cfg.Redacted()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}
