package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/speakbetter/coach-capture/internal/app"
	"github.com/speakbetter/coach-capture/internal/audio"
	"github.com/speakbetter/coach-capture/internal/config"
	"github.com/speakbetter/coach-capture/internal/logging"
	"github.com/speakbetter/coach-capture/internal/pipeline"
	"github.com/speakbetter/coach-capture/internal/recorder"
	"github.com/speakbetter/coach-capture/internal/tray"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

var (
	// Version is set via ldflags at build time
	Version = "dev"
	// Commit is set via ldflags at build time
	Commit = "unknown"
)

var (
	cfgFile  string
	deviceID string
	record   bool
	duration time.Duration
)

var rootCmd = &cobra.Command{
	Use:           "coach-capture",
	Short:         "Microphone level monitor",
	Long:          `Coach Capture - live peak, RMS, silence and speech activity from the microphone`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Monitor the microphone from the terminal",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMonitor()
	},
}

var trayCmd = &cobra.Command{
	Use:   "tray",
	Short: "Run as a system tray app",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTray()
	},
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List audio input devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		return listDevices()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("coach-capture %s (%s)\n", Version, Commit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is config.yaml in the user config dir)")
	rootCmd.PersistentFlags().StringVar(&deviceID, "device", "", "input device id (overrides config)")

	monitorCmd.Flags().BoolVar(&record, "record", false, "write captured audio to WAV files")
	monitorCmd.Flags().DurationVar(&duration, "duration", 0, "stop after this long (0 runs until interrupted)")

	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(trayCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads config, builds the logger and opens the audio port.
func setup() (*config.Config, zerolog.Logger, audio.InputPort, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		log := logging.New()
		return nil, log, nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Initialize logger with configured level
	log := logging.NewWithLevel(cfg.LogLevel)

	for _, err := range cfg.Validate() {
		log.Warn().Err(err).Msg("Config validation")
	}
	if deviceID != "" {
		cfg.Audio.DeviceID = deviceID
	}

	port, err := audio.NewPortAudio(log)
	if err != nil {
		return nil, log, nil, fmt.Errorf("failed to initialize audio: %w", err)
	}
	return cfg, log, port, nil
}

func newApp(cfg *config.Config, log zerolog.Logger, port audio.InputPort, status app.StatusUpdater) (*app.App, error) {
	return app.New(app.Config{
		Audio:         port,
		Config:        cfg,
		ConfigFile:    cfgFile,
		Logger:        log,
		StatusUpdater: status,
	})
}

func runMonitor() error {
	cfg, log, port, err := setup()
	if err != nil {
		return err
	}
	defer port.Close()

	application, err := newApp(cfg, log, port, nil)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	levels, cancelLevels := application.Levels()
	defer cancelLevels()

	var recDone chan error
	if record {
		rec, err := recorder.New(recorder.Config{
			Fs:         afero.NewOsFs(),
			Dir:        cfg.Record.Dir,
			Logger:     log,
			ActiveOnly: cfg.Record.ActiveOnly,
		})
		if err != nil {
			return err
		}
		recLevels, cancelRec := application.Levels()
		defer cancelRec()

		recDone = make(chan error, 1)
		go func() {
			_, err := rec.Consume(ctx, recLevels)
			recDone <- err
		}()
	}

	states, cancelStates := application.States()
	defer cancelStates()
	go func() {
		for tr := range states {
			if tr.Err != nil {
				fmt.Fprintf(os.Stderr, "%s -> %s: %v\n", tr.From, tr.To, tr.Err)
			}
		}
	}()

	if err := application.StartMonitoring(ctx); err != nil {
		return err
	}
	log.Info().Msg("Monitoring, press Ctrl+C to stop")

	reportLevels(ctx, levels)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Shutdown error")
	}

	if recDone != nil {
		if err := <-recDone; err != nil {
			return fmt.Errorf("recording failed: %w", err)
		}
	}
	if n := application.DroppedEvents(); n > 0 {
		log.Warn().Uint64("dropped", n).Msg("Level events dropped by slow consumers")
	}
	return nil
}

// reportLevels prints the loudest frame of every half second until ctx ends.
func reportLevels(ctx context.Context, levels <-chan pipeline.LevelEvent) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	var loudest *pipeline.LevelEvent
	for {
		select {
		case <-ctx.Done():
			fmt.Println()
			return
		case ev, ok := <-levels:
			if !ok {
				return
			}
			if loudest == nil || ev.Peak > loudest.Peak {
				loudest = &ev
			}
		case <-ticker.C:
			if loudest == nil {
				continue
			}
			activity := ""
			if loudest.Active {
				activity = "speaking"
			} else if loudest.Silent {
				activity = "silent"
			}
			fmt.Printf("\rpeak %6.1f dBFS  rms %6.1f dBFS  %-8s",
				pipeline.DBFS(loudest.Peak), pipeline.DBFS(loudest.RMS), activity)
			loudest = nil
		}
	}
}

func runTray() error {
	cfg, log, port, err := setup()
	if err != nil {
		return err
	}
	defer port.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Create tray UI first (we'll pass it to app)
	trayUI := tray.New(nil, log, Version, Commit) // App reference set below

	application, err := newApp(cfg, log, port, trayUI)
	if err != nil {
		return err
	}

	// Set app reference in tray
	trayUI.SetApp(application)

	log.Info().Msg("Coach Capture starting...")

	// Setup shutdown signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info().Msg("Shutting down...")
		cancel()
	}()

	// Start tray UI - MUST run on main thread
	if err := trayUI.Run(ctx); err != nil {
		return fmt.Errorf("tray error: %w", err)
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	return application.Shutdown(shutdownCtx)
}

func listDevices() error {
	_, _, port, err := setup()
	if err != nil {
		return err
	}
	defer port.Close()

	devices, err := port.ListDevices()
	if err != nil {
		return err
	}
	for _, dev := range devices {
		marker := " "
		if dev.Default {
			marker = "*"
		}
		fmt.Printf("%s %-40s %d ch  %s\n", marker, dev.Name, dev.Channels, dev.ID)
	}
	return nil
}
