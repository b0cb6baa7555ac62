package tray

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/getlantern/systray"
	"github.com/rs/zerolog"
	"github.com/speakbetter/coach-capture/internal/app"
	"github.com/speakbetter/coach-capture/internal/logging"
	"github.com/speakbetter/coach-capture/internal/pipeline"
)

const levelRefresh = 250 * time.Millisecond

type UI struct {
	app     *app.App
	version string
	commit  string
	log     zerolog.Logger

	// Menu items
	mStartStop *systray.MenuItem
	mLevel     *systray.MenuItem
	mDevices   *systray.MenuItem
}

// Status update methods for the app to call
func (u *UI) SetIdle() {
	u.updateStatus("idle")
}

func (u *UI) SetListening() {
	u.updateStatus("listening")
}

func (u *UI) SetPaused() {
	u.updateStatus("paused")
}

func (u *UI) SetError() {
	u.updateStatus("error")
}

func New(application *app.App, log zerolog.Logger, version, commit string) *UI {
	return &UI{
		app:     application,
		version: version,
		commit:  commit,
		log:     log.With().Str("component", "tray").Logger(),
	}
}

// SetApp sets the app reference (for circular dependency resolution)
func (u *UI) SetApp(application *app.App) {
	u.app = application
}

// Run blocks on the tray event loop until Quit is clicked or ctx is done.
func (u *UI) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		systray.Quit()
	}()
	systray.Run(u.onReady, u.onExit)
	return nil
}

func (u *UI) onReady() {
	// Use emoji instead of icon - microphone with initial status
	u.updateStatus("idle")
	systray.SetTooltip("Speaking coach microphone monitor")

	// Build menu
	u.mStartStop = systray.AddMenuItem(startStopTitle(false), "Start or stop level monitoring")
	u.mLevel = systray.AddMenuItem(levelTitle(nil), "Current input level")
	u.mLevel.Disable()
	systray.AddSeparator()

	u.mDevices = systray.AddMenuItem("Microphone", "Select audio device")
	u.buildDeviceMenu()

	systray.AddSeparator()
	mLogs := systray.AddMenuItem("Open Logs", "View application logs")
	mAbout := systray.AddMenuItem("About", "About Coach Capture")
	mQuit := systray.AddMenuItem("Quit", "Exit application")

	go u.watchLevels()

	// Event loop
	go u.handleEvents(mLogs, mAbout, mQuit)
}

func (u *UI) handleEvents(mLogs, mAbout, mQuit *systray.MenuItem) {
	for {
		select {
		case <-u.mStartStop.ClickedCh:
			u.toggleMonitoring()
		case <-mLogs.ClickedCh:
			u.openLogs()
		case <-mAbout.ClickedCh:
			u.showAbout()
		case <-mQuit.ClickedCh:
			systray.Quit()
			return
		}
	}
}

func (u *UI) toggleMonitoring() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := u.app.Toggle(ctx); err != nil {
		u.log.Error().Err(err).Msg("Failed to toggle monitoring")
	}
	u.mStartStop.SetTitle(startStopTitle(u.app.State().Active()))
}

// watchLevels refreshes the level item at a fixed rate; events in between
// are only used for the running peak.
func (u *UI) watchLevels() {
	levels, cancel := u.app.Levels()
	defer cancel()

	ticker := time.NewTicker(levelRefresh)
	defer ticker.Stop()

	var latest *pipeline.LevelEvent
	for {
		select {
		case ev, ok := <-levels:
			if !ok {
				return
			}
			if latest == nil || ev.Peak > latest.Peak {
				latest = &ev
			}
		case <-ticker.C:
			u.mLevel.SetTitle(levelTitle(latest))
			u.mStartStop.SetTitle(startStopTitle(u.app.State().Active()))
			latest = nil
		}
	}
}

func (u *UI) buildDeviceMenu() {
	// Get devices from app
	devices, err := u.app.ListDevices()
	if err != nil {
		u.log.Error().Err(err).Msg("Failed to list audio devices")
		return
	}

	current := u.app.DeviceID()
	deviceItems := make(map[string]*systray.MenuItem)

	for _, dev := range devices {
		item := u.mDevices.AddSubMenuItem(dev.Name, fmt.Sprintf("%d channels", dev.Channels))
		if dev.ID == current || (current == "" && dev.Default) {
			item.Check()
		}
		deviceItems[dev.ID] = item

		go func(deviceID, deviceName string, menuItem *systray.MenuItem) {
			for {
				<-menuItem.ClickedCh
				if err := u.app.SetDevice(deviceID); err != nil {
					u.log.Warn().Err(err).Str("device", deviceName).Msg("Device not changed")
					continue
				}
				// Uncheck all other items
				for id, itm := range deviceItems {
					if id != deviceID {
						itm.Uncheck()
					}
				}
				// Check this item
				menuItem.Check()
				u.log.Info().Str("device", deviceName).Msg("Changed audio device")
			}
		}(dev.ID, dev.Name, item)
	}
}

func (u *UI) openLogs() {
	fmt.Println("Logs:", logging.LogPath())
}

func (u *UI) showAbout() {
	fmt.Printf("Coach Capture %s (%s)\nMicrophone level monitor\n", u.version, u.commit)
}

func (u *UI) onExit() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := u.app.StopMonitoring(ctx); err != nil {
		u.log.Error().Err(err).Msg("Failed to stop monitoring on exit")
	}
}

// updateStatus sets the tray title with microphone emoji and status indicator
func (u *UI) updateStatus(status string) {
	emoji := emojiForStatus(status)
	systray.SetTitle(fmt.Sprintf("🎤 %s", emoji))
}

// emojiForStatus returns the appropriate status emoji
func emojiForStatus(status string) string {
	switch status {
	case "listening":
		return "🔴" // Red - capturing
	case "paused":
		return "🟡" // Yellow - interrupted by the system
	case "idle":
		return "🟢" // Green - ready/idle
	case "error":
		return "⚪️" // White - error
	default:
		return "🟢" // Green - default to ready
	}
}

func startStopTitle(active bool) string {
	if active {
		return "Stop Monitoring"
	}
	return "Start Monitoring"
}

func levelTitle(ev *pipeline.LevelEvent) string {
	if ev == nil {
		return "Level: --"
	}
	if ev.Silent {
		return "Level: silent"
	}
	db := pipeline.DBFS(ev.Peak)
	if math.IsInf(db, -1) {
		return "Level: silent"
	}
	title := fmt.Sprintf("Level: %.0f dBFS", db)
	if ev.Active {
		title += " (speaking)"
	}
	return title
}
