package main

import (
	"fmt"
	"io"
	"time"

	"github.com/RezaEskandarii/tubefire/internal/scheduler"
	"github.com/RezaEskandarii/tubefire/internal/state"
	"github.com/RezaEskandarii/tubefire/types"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
)

func statusText(s state.JobStatus) string {
	switch s {
	case state.StatusSucceeded:
		return okStyle.Render(s.String())
	case state.StatusFailed:
		return errStyle.Render(s.String())
	case state.StatusRetrying, state.StatusDeferred:
		return warnStyle.Render(s.String())
	case state.StatusCanceled:
		return mutedStyle.Render(s.String())
	default:
		return s.String()
	}
}

func printJob(w io.Writer, job *types.Job) {
	fmt.Fprintf(w, "%s %s %s\n", titleStyle.Render(job.ID), job.Name, statusText(job.Status))
	if job.LastError != "" {
		fmt.Fprintln(w, mutedStyle.Render("  last error: "+job.LastError))
	}
}

func printJobs(w io.Writer, page *types.PaginationResult[types.Job]) {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("ID", "NAME", "STATUS", "ATTEMPTS", "SCHEDULED", "ERROR")
	for _, j := range page.Items {
		t.Row(j.ID, j.Name, statusText(j.Status),
			fmt.Sprintf("%d/%d", j.Attempts, j.MaxAttempts),
			j.ScheduledAt.Local().Format(time.DateTime),
			truncate(j.LastError, 40))
	}
	fmt.Fprintln(w, t.Render())
	fmt.Fprintln(w, mutedStyle.Render(fmt.Sprintf("page %d of %d, %d jobs", page.Page, max(page.TotalPages, 1), page.TotalItems)))
}

func printSchedules(w io.Writer, entries []scheduler.EntryInfo) {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("NAME", "EXPRESSION", "TARGET", "NEXT")
	for _, e := range entries {
		t.Row(e.Name, e.Expression, e.Target, e.Next.Local().Format(time.DateTime))
	}
	fmt.Fprintln(w, t.Render())
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
