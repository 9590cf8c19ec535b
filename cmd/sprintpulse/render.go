package main

import (
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	sprintpulse "github.com/sprintpulse/sprintpulse-go"
)

var (
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("252"))
	okStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	failStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	runningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	labelStyle   = lipgloss.NewStyle().Width(22)
)

const progressBarWidth = 20

func statusStyle(s sprintpulse.JobStatus) lipgloss.Style {
	switch s {
	case sprintpulse.JobSuccess:
		return okStyle
	case sprintpulse.JobFailed:
		return failStyle
	case sprintpulse.JobPending, sprintpulse.JobInProgress:
		return runningStyle
	default:
		return mutedStyle
	}
}

func progressBar(percent int) string {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	filled := percent * progressBarWidth / 100
	return "[" + strings.Repeat("#", filled) + strings.Repeat("-", progressBarWidth-filled) + "]"
}

// renderJob renders one job state as a single line.
func renderJob(s sprintpulse.JobState) string {
	line := labelStyle.Render(s.Kind.Label()) +
		statusStyle(s.Status).Render(fmt.Sprintf("%-11s", s.Status)) + " " +
		progressBar(s.Progress) + fmt.Sprintf(" %3d%%", s.Progress)
	if s.Message != "" {
		line += "  " + mutedStyle.Render(s.Message)
	}
	return line
}

func renderNotice(n sprintpulse.Notice) string {
	if n.Level == sprintpulse.NoticeError {
		return failStyle.Render("✗ ") + n.Text
	}
	return okStyle.Render("✓ ") + n.Text
}

func notificationStyle(t sprintpulse.NotificationType) lipgloss.Style {
	switch t {
	case sprintpulse.NotificationSuccess:
		return okStyle
	case sprintpulse.NotificationError:
		return failStyle
	case sprintpulse.NotificationWarning:
		return warnStyle
	default:
		return runningStyle
	}
}

func renderNotification(n sprintpulse.Notification) string {
	marker := "●"
	if n.IsRead {
		marker = " "
	}
	text := n.Message
	if n.Title != "" {
		text = headerStyle.Render(n.Title) + "  " + n.Message
	}
	return fmt.Sprintf("%s %s %s  %s",
		notificationStyle(n.Type).Render(marker),
		mutedStyle.Render(n.CreatedAt.Local().Format("Jan 02 15:04")),
		mutedStyle.Render(n.ID),
		text)
}

func renderConnState(stream string, s sprintpulse.ConnectionState) string {
	var style lipgloss.Style
	switch s {
	case sprintpulse.StateOpen:
		style = okStyle
	case sprintpulse.StateClosed:
		style = failStyle
	default:
		style = mutedStyle
	}
	return mutedStyle.Render(stream+" stream ") + style.Render(string(s))
}

func printSummary(s *sprintpulse.Summary, indent string) {
	fmt.Print(formatSummary(s, indent))
}

func formatSummary(s *sprintpulse.Summary, indent string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%sProject:   %s\n", indent, s.ProjectID)
	if s.UpdatedAt != "" {
		fmt.Fprintf(&b, "%sUpdated:   %s\n", indent, s.UpdatedAt)
	}
	keys := make([]string, 0, len(s.Metrics))
	for k := range s.Metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s  %-20s %v\n", indent, k, s.Metrics[k])
	}
	return b.String()
}

func hostOfURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}

// printer serializes output from stream callbacks, which arrive on
// connection and timer goroutines.
type printer struct {
	mu  sync.Mutex
	out io.Writer
	now func() time.Time
}

func newPrinter(out io.Writer) *printer {
	return &printer{out: out, now: time.Now}
}

func (p *printer) line(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "%s %s\n", mutedStyle.Render(p.now().Format("15:04:05")), fmt.Sprintf(format, args...))
}

func (p *printer) block(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprint(p.out, text)
}
