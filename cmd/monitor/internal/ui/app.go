// Package ui provides the terminal user interface for the genqueue monitor.
package ui

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/iconidentify/genqueue/cmd/monitor/internal/client"
	"github.com/iconidentify/genqueue/cmd/monitor/internal/config"
)

// Panel represents a UI panel type.
type Panel int

const (
	PanelDashboard Panel = iota
	PanelJobs
	PanelHelp
)

// status is everything one refresh cycle fetches from the server.
type status struct {
	Stats     *client.Stats
	RateLimit *client.RateLimit
	Jobs      []client.BulkJob
	FetchedAt time.Time
}

// App is the main monitor application.
type App struct {
	app          *tview.Application
	pages        *tview.Pages
	cfg          *config.Config
	apiClient    *client.Client
	status       *status
	statusMu     sync.RWMutex
	currentPanel Panel
	ctx          context.Context
	cancel       context.CancelFunc

	// UI components
	mainFlex      *tview.Flex
	header        *tview.TextView
	footer        *tview.TextView
	statusBar     *tview.TextView
	dashboardView *tview.Flex
	jobsTable     *tview.Table
	helpView      *tview.TextView

	refreshTicker *time.Ticker
}

// NewApp creates a new monitor application.
func NewApp(cfg *config.Config) (*App, error) {
	ctx, cancel := context.WithCancel(context.Background())

	a := &App{
		app:       tview.NewApplication(),
		pages:     tview.NewPages(),
		cfg:       cfg,
		apiClient: client.NewClient(cfg.ServerURL, cfg.APIKey, cfg.TenantID),
		ctx:       ctx,
		cancel:    cancel,
	}

	a.setupUI()
	return a, nil
}

// setupUI initializes all UI components.
func (a *App) setupUI() {
	// Header
	a.header = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter)
	a.header.SetBackgroundColor(tcell.ColorDarkBlue)
	a.updateHeader()

	// Footer with keybindings
	a.footer = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter).
		SetText("[yellow]1[white]:Dashboard [yellow]2[white]:Jobs [yellow]r[white]:Refresh [yellow]?[white]:Help [yellow]q[white]:Quit")
	a.footer.SetBackgroundColor(tcell.ColorDarkBlue)

	// Status bar
	a.statusBar = tview.NewTextView().
		SetDynamicColors(true)
	a.statusBar.SetBackgroundColor(tcell.ColorDarkGreen)

	// Create panels
	a.createDashboardPanel()
	a.createJobsPanel()
	a.createHelpPanel()

	// Add panels to pages
	a.pages.AddPage("dashboard", a.dashboardView, true, true)
	a.pages.AddPage("jobs", a.jobsTable, true, false)
	a.pages.AddPage("help", a.helpView, true, false)

	// Main layout
	a.mainFlex = tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(a.header, 3, 0, false).
		AddItem(a.pages, 0, 1, true).
		AddItem(a.statusBar, 1, 0, false).
		AddItem(a.footer, 1, 0, false)

	// Global key bindings
	a.app.SetInputCapture(a.handleGlobalKeys)

	a.app.SetRoot(a.mainFlex, true)
}

// handleGlobalKeys handles global keyboard shortcuts.
func (a *App) handleGlobalKeys(event *tcell.EventKey) *tcell.EventKey {
	switch event.Key() {
	case tcell.KeyRune:
		switch event.Rune() {
		case '1':
			a.switchPanel(PanelDashboard)
			return nil
		case '2':
			a.switchPanel(PanelJobs)
			return nil
		case '?':
			a.switchPanel(PanelHelp)
			return nil
		case 'q', 'Q':
			a.Stop()
			return nil
		case 'r', 'R':
			go a.refreshStatus()
			return nil
		}
	case tcell.KeyEscape:
		a.switchPanel(PanelDashboard)
		return nil
	}

	return event
}

// switchPanel switches to the specified panel.
func (a *App) switchPanel(panel Panel) {
	a.currentPanel = panel

	switch panel {
	case PanelDashboard:
		a.pages.SwitchToPage("dashboard")
	case PanelJobs:
		a.pages.SwitchToPage("jobs")
		a.app.SetFocus(a.jobsTable)
	case PanelHelp:
		a.pages.SwitchToPage("help")
	}

	a.updateHeader()
}

// updateHeader updates the header with current panel name.
func (a *App) updateHeader() {
	var panelName string
	switch a.currentPanel {
	case PanelDashboard:
		panelName = "Dashboard"
	case PanelJobs:
		panelName = "Bulk Jobs"
	case PanelHelp:
		panelName = "Help"
	}

	a.header.SetText(fmt.Sprintf("\n[white::b]GenQueue Monitor[white] - [yellow]%s[white] | Server: [green]%s",
		panelName, a.cfg.ServerURL))
}

// updateStatusBar updates the status bar with current status.
func (a *App) updateStatusBar(msg string) {
	a.app.QueueUpdateDraw(func() {
		a.statusBar.SetText(fmt.Sprintf(" %s | Last refresh: %s", msg, time.Now().Format("15:04:05")))
	})
}

// Run starts the monitor application.
func (a *App) Run() error {
	// Start background refresh
	go a.startBackgroundRefresh()

	// Initial status fetch
	go a.refreshStatus()

	return a.app.Run()
}

// Stop stops the monitor application.
func (a *App) Stop() {
	a.cancel()
	if a.refreshTicker != nil {
		a.refreshTicker.Stop()
	}
	a.app.Stop()
}

// startBackgroundRefresh starts periodic status refresh.
func (a *App) startBackgroundRefresh() {
	a.refreshTicker = time.NewTicker(a.cfg.StatusRefresh)
	defer a.refreshTicker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-a.refreshTicker.C:
			a.refreshStatus()
		}
	}
}

// refreshStatus fetches current server status.
func (a *App) refreshStatus() {
	a.updateStatusBar("Refreshing...")

	ctx, cancel := context.WithTimeout(a.ctx, 10*time.Second)
	defer cancel()

	stats, err := a.apiClient.GetStats(ctx)
	if err != nil {
		a.updateStatusBar(fmt.Sprintf("[red]Error: %v", err))
		return
	}

	// Rate limit and job list failures degrade to partial data.
	rl, err := a.apiClient.GetRateLimit(ctx)
	if err != nil {
		rl = nil
	}
	jobs, err := a.apiClient.ListBulkJobs(ctx, a.cfg.JobsLimit)
	if err != nil {
		jobs = nil
	}

	a.statusMu.Lock()
	a.status = &status{Stats: stats, RateLimit: rl, Jobs: jobs, FetchedAt: time.Now()}
	a.statusMu.Unlock()

	a.app.QueueUpdateDraw(func() {
		a.updateDashboard()
		a.updateJobsTable()
	})

	depth := stats.Queue.Urgent + stats.Queue.Normal + stats.Queue.Low
	if stats.DenyRate > 0 {
		a.updateStatusBar(fmt.Sprintf("[yellow]%d queued, deny rate %.1f%%", depth, stats.DenyRate*100))
	} else {
		a.updateStatusBar(fmt.Sprintf("[green]%d queued, dispatch healthy", depth))
	}
}

// getStatus returns the current status snapshot.
func (a *App) getStatus() *status {
	a.statusMu.RLock()
	defer a.statusMu.RUnlock()
	return a.status
}
