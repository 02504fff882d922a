package ui

import (
	"github.com/rivo/tview"
)

// createHelpPanel creates the help panel.
func (a *App) createHelpPanel() {
	a.helpView = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	a.helpView.SetBorder(true).SetTitle(" Help ")

	helpText := `[yellow::b]GenQueue Monitor[white]

A terminal dashboard for watching a running genqueue server: queue
depths by tier, rate limiter pressure, and bulk job progress.

[yellow::b]GLOBAL NAVIGATION[white]
[cyan]1[white]            Dashboard      - Queue, rate limit, and server overview
[cyan]2[white]            Jobs           - Recent bulk jobs and item progress
[cyan]?[white]            Help           - This help screen
[cyan]q[white]            Quit           - Exit the application
[cyan]r[white]            Refresh        - Refresh current data
[cyan]Escape[white]       Dashboard      - Return to dashboard

[yellow::b]DASHBOARD PANEL[white]
- [white::b]Server[white]: uptime, goroutines, rate limit deny rate
- [white::b]Queue[white]: ready items per tier plus claimed in-flight items
- [white::b]Rate Limit[white]: sliding window budget for the configured tenant
- [white::b]Bulk Jobs[white]: job counts grouped by state

[yellow::b]CONFIGURATION[white]
[cyan]GENQUEUE_URL[white]             Server base URL (default http://localhost:8080)
[cyan]GENQUEUE_API_KEY[white]         API key sent as X-API-Key
[cyan]GENQUEUE_TENANT[white]          Tenant sent as X-Tenant-ID
[cyan]GENQUEUE_STATUS_REFRESH[white]  Poll interval (default 5s)
`

	a.helpView.SetText(helpText)
}
