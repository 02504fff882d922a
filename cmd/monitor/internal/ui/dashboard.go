package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/rivo/tview"
)

// createDashboardPanel creates the main dashboard panel.
func (a *App) createDashboardPanel() {
	// Server box
	serverBox := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	serverBox.SetBorder(true).SetTitle(" Server ")

	// Queue box
	queueBox := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	queueBox.SetBorder(true).SetTitle(" Queue ")

	// Rate limit box
	rateBox := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	rateBox.SetBorder(true).SetTitle(" Rate Limit ")

	// Jobs summary box
	jobsBox := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	jobsBox.SetBorder(true).SetTitle(" Bulk Jobs ")

	// Layout - top row with server and queue
	topRow := tview.NewFlex().
		AddItem(serverBox, 0, 1, false).
		AddItem(queueBox, 0, 1, false)

	// Bottom row with rate limit and jobs summary
	bottomRow := tview.NewFlex().
		AddItem(rateBox, 0, 1, false).
		AddItem(jobsBox, 0, 1, false)

	a.dashboardView = tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(topRow, 0, 1, false).
		AddItem(bottomRow, 0, 1, false)

	a.dashboardView.SetTitle("Dashboard")
}

// updateDashboard updates the dashboard with current status.
func (a *App) updateDashboard() {
	status := a.getStatus()
	if status == nil || status.Stats == nil {
		return
	}

	if a.dashboardView.GetItemCount() < 2 {
		return
	}

	topRow := a.dashboardView.GetItem(0).(*tview.Flex)
	bottomRow := a.dashboardView.GetItem(1).(*tview.Flex)

	serverBox := topRow.GetItem(0).(*tview.TextView)
	queueBox := topRow.GetItem(1).(*tview.TextView)
	rateBox := bottomRow.GetItem(0).(*tview.TextView)
	jobsBox := bottomRow.GetItem(1).(*tview.TextView)

	stats := status.Stats

	// Server overview
	var serverText strings.Builder
	serverText.WriteString(fmt.Sprintf("[white::b]URL:[white] %s\n", a.cfg.ServerURL))
	serverText.WriteString(fmt.Sprintf("[white::b]Uptime:[white] %s\n", (time.Duration(stats.UptimeSeconds) * time.Second).String()))
	serverText.WriteString(fmt.Sprintf("[white::b]Goroutines:[white] %d\n", stats.Goroutines))
	if stats.DenyRate > 0.5 {
		serverText.WriteString(fmt.Sprintf("[red]Deny rate: %.1f%%[white]\n", stats.DenyRate*100))
	} else if stats.DenyRate > 0 {
		serverText.WriteString(fmt.Sprintf("[yellow]Deny rate: %.1f%%[white]\n", stats.DenyRate*100))
	} else {
		serverText.WriteString("[green]Deny rate: 0%[white]\n")
	}
	serverBox.SetText(serverText.String())

	// Queue depths
	var queueText strings.Builder
	queueText.WriteString(fmt.Sprintf("[red::b]Urgent:[white] %d\n", stats.Queue.Urgent))
	queueText.WriteString(fmt.Sprintf("[yellow::b]Normal:[white] %d\n", stats.Queue.Normal))
	queueText.WriteString(fmt.Sprintf("[blue::b]Low:[white] %d\n", stats.Queue.Low))
	queueText.WriteString(fmt.Sprintf("\n[white::b]Claimed:[white] %d\n", stats.Queue.Claimed))
	queueBox.SetText(queueText.String())

	// Rate limit budget
	var rateText strings.Builder
	if rl := status.RateLimit; rl != nil {
		rateText.WriteString(fmt.Sprintf("[white::b]Tenant:[white] %s\n", rl.TenantID))
		rateText.WriteString(fmt.Sprintf("[white::b]Window:[white] %ds\n\n", rl.WindowSeconds))
		used := rl.Limit - rl.Remaining
		color := "green"
		if rl.Remaining == 0 {
			color = "red"
		} else if used > rl.Limit/2 {
			color = "yellow"
		}
		rateText.WriteString(fmt.Sprintf("[%s]%d / %d used[white]\n", color, used, rl.Limit))
		rateText.WriteString(fmt.Sprintf("[white::b]Resets:[white] %s\n", time.Unix(rl.Reset, 0).Format("15:04:05")))
	} else {
		rateText.WriteString("[yellow]Rate limit unavailable[white]\n")
	}
	rateBox.SetText(rateText.String())

	// Job state summary
	var jobsText strings.Builder
	if len(status.Jobs) == 0 {
		jobsText.WriteString("[yellow]No bulk jobs[white]\n")
	} else {
		byState := map[string]int{}
		for _, job := range status.Jobs {
			byState[job.State]++
		}
		for _, state := range []string{"pending", "running", "pausing", "paused", "completing", "completed", "canceling", "canceled", "failed"} {
			if n := byState[state]; n > 0 {
				jobsText.WriteString(fmt.Sprintf("[%s]%-11s[white] %d\n", stateColor(state), state, n))
			}
		}
	}
	jobsBox.SetText(jobsText.String())
}

func stateColor(state string) string {
	switch state {
	case "running", "completing":
		return "green"
	case "completed":
		return "white"
	case "failed", "canceling", "canceled":
		return "red"
	case "pausing", "paused":
		return "yellow"
	default:
		return "blue"
	}
}
