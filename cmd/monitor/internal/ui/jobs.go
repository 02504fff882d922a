package ui

import (
	"fmt"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// createJobsPanel creates the bulk jobs table panel.
func (a *App) createJobsPanel() {
	a.jobsTable = tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false).
		SetFixed(1, 0)
	a.jobsTable.SetBorder(true).SetTitle(" Bulk Jobs ")

	a.jobsTable.SetSelectedStyle(tcell.StyleDefault.
		Foreground(tcell.ColorWhite).
		Background(tcell.ColorDarkCyan))

	// Header row
	headers := []string{"ID", "TITLE", "STATE", "PRIORITY", "DONE", "FAILED", "PENDING", "AGE"}
	for i, h := range headers {
		cell := tview.NewTableCell(h).
			SetTextColor(tcell.ColorYellow).
			SetSelectable(false).
			SetExpansion(1)
		if i <= 1 {
			cell.SetExpansion(2)
		}
		a.jobsTable.SetCell(0, i, cell)
	}
}

// updateJobsTable updates the bulk jobs table with current data.
func (a *App) updateJobsTable() {
	status := a.getStatus()
	if status == nil {
		return
	}

	// Clear existing rows (except header)
	for row := a.jobsTable.GetRowCount() - 1; row > 0; row-- {
		a.jobsTable.RemoveRow(row)
	}

	for i, job := range status.Jobs {
		row := i + 1

		idCell := tview.NewTableCell(shortID(job.ID)).
			SetExpansion(2).
			SetTextColor(tcell.ColorWhite)
		a.jobsTable.SetCell(row, 0, idCell)

		titleCell := tview.NewTableCell(job.Title).
			SetExpansion(2).
			SetTextColor(tcell.ColorWhite)
		a.jobsTable.SetCell(row, 1, titleCell)

		stateCell := tview.NewTableCell(job.State).
			SetExpansion(1).
			SetTextColor(stateCellColor(job.State))
		a.jobsTable.SetCell(row, 2, stateCell)

		prioCell := tview.NewTableCell(job.Priority).
			SetExpansion(1).
			SetTextColor(tcell.ColorWhite)
		a.jobsTable.SetCell(row, 3, prioCell)

		doneCell := tview.NewTableCell(fmt.Sprintf("%d/%d", job.Items.Completed, job.Items.Total)).
			SetExpansion(1).
			SetTextColor(tcell.ColorGreen)
		a.jobsTable.SetCell(row, 4, doneCell)

		failedColor := tcell.ColorWhite
		if job.Items.Failed > 0 {
			failedColor = tcell.ColorRed
		}
		failedCell := tview.NewTableCell(fmt.Sprintf("%d", job.Items.Failed)).
			SetExpansion(1).
			SetTextColor(failedColor)
		a.jobsTable.SetCell(row, 5, failedCell)

		pendingCell := tview.NewTableCell(fmt.Sprintf("%d", job.Items.Pending)).
			SetExpansion(1).
			SetTextColor(tcell.ColorWhite)
		a.jobsTable.SetCell(row, 6, pendingCell)

		ageCell := tview.NewTableCell(formatAge(time.Since(job.CreatedAt))).
			SetExpansion(1).
			SetTextColor(tcell.ColorWhite)
		a.jobsTable.SetCell(row, 7, ageCell)
	}
}

func stateCellColor(state string) tcell.Color {
	switch state {
	case "running", "completing":
		return tcell.ColorGreen
	case "failed", "canceling", "canceled":
		return tcell.ColorRed
	case "pausing", "paused":
		return tcell.ColorYellow
	default:
		return tcell.ColorWhite
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
