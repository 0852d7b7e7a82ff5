package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"nodekeeper/internal/deps"
	"nodekeeper/internal/ipc"
	"nodekeeper/internal/supervisor"
)

type statusKind int

const (
	statusInfo statusKind = iota
	statusOK
	statusWarn
	statusError
)

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiBlue   = "\x1b[34m"
)

const (
	statusLabelWidth = 16
	statusIndent     = "  "
)

var titleCaser = cases.Title(language.English)

func renderStatusLine(label string, kind statusKind, message string, colorize bool) string {
	statusText := fmt.Sprintf("[%s]", statusKindLabel(kind))
	if message != "" {
		statusText += " " + message
	}
	base := fmt.Sprintf("%s%-*s %s", statusIndent, statusLabelWidth, label+":", statusText)
	if colorize {
		if color := statusKindColor(kind); color != "" {
			return color + base + ansiReset
		}
	}
	return base
}

func renderDetailLine(label, value string) string {
	return fmt.Sprintf("%s%-*s %s", statusIndent, statusLabelWidth, label+":", value)
}

func statusKindLabel(kind statusKind) string {
	switch kind {
	case statusOK:
		return "OK"
	case statusWarn:
		return "WARN"
	case statusError:
		return "ERROR"
	default:
		return "INFO"
	}
}

func statusKindColor(kind statusKind) string {
	switch kind {
	case statusOK:
		return ansiGreen
	case statusWarn:
		return ansiYellow
	case statusError:
		return ansiRed
	case statusInfo:
		return ansiBlue
	default:
		return ""
	}
}

func renderSectionHeader(title string, colorize bool) []string {
	line := fmt.Sprintf("== %s ==", strings.TrimSpace(title))
	rule := strings.Repeat("-", len(line))
	if colorize {
		line = ansiBlue + line + ansiReset
		rule = ansiBlue + rule + ansiReset
	}
	return []string{line, rule}
}

func shouldColorize(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// stateLabel renders a supervisor state name for humans ("running" -> "Running").
func stateLabel(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "Unknown"
	}
	return titleCaser.String(name)
}

func stateKind(name string) statusKind {
	state, err := supervisor.ParseState(name)
	if err != nil {
		return statusWarn
	}
	switch state {
	case supervisor.Running:
		return statusOK
	case supervisor.Stopped:
		return statusInfo
	default:
		return statusWarn
	}
}

// exitSummary describes how the last node session ended.
func exitSummary(info *ipc.ExitInfo) (statusKind, string) {
	if info == nil {
		return statusInfo, "No session has ended yet"
	}
	outcome := stateLabel(strings.ReplaceAll(info.Outcome, "_", " "))
	detail := fmt.Sprintf("%s (status %d) at %s", outcome, info.Status, formatTime(info.At))
	if info.Err != "" {
		detail += ": " + info.Err
	}
	switch {
	case info.SpawnFailed:
		return statusError, detail
	case info.Killed || info.Status != 0 || info.Err != "":
		return statusWarn, detail
	default:
		return statusOK, detail
	}
}

func formatTime(ts time.Time) string {
	if ts.IsZero() {
		return "-"
	}
	return ts.Local().Format("2006-01-02 15:04:05")
}

func renderStatus(status *ipc.StatusResponse, colorize bool) []string {
	lines := renderSectionHeader("Daemon", colorize)
	lines = append(lines,
		renderStatusLine("Daemon", statusOK, fmt.Sprintf("Running (pid %d)", status.PID), colorize),
		renderDetailLine("Clients", fmt.Sprintf("%d connected, %d subscribed", status.Clients, status.Subscribers)),
	)
	if status.JournalPath != "" {
		lines = append(lines, renderDetailLine("Journal", status.JournalPath))
	}
	lines = append(lines, "")
	lines = append(lines, renderSectionHeader("Node", colorize)...)
	lines = append(lines, renderStatusLine("State", stateKind(status.State), stateLabel(status.State), colorize))
	if status.SessionID != "" {
		lines = append(lines,
			renderDetailLine("Session", status.SessionID),
			renderDetailLine("Started", formatTime(status.StartedAt)),
		)
	}
	lines = append(lines, renderDetailLine("Working dir", status.WorkingDir))
	kind, detail := exitSummary(status.LastExit)
	lines = append(lines, renderStatusLine("Last exit", kind, detail, colorize))
	return lines
}

func binaryLines(statuses []deps.Status, colorize bool) []string {
	lines := renderSectionHeader("Binaries", colorize)
	for _, status := range statuses {
		switch {
		case status.Available:
			lines = append(lines, renderStatusLine(status.Name, statusOK, status.Path, colorize))
		case status.Optional:
			lines = append(lines, renderStatusLine(status.Name, statusWarn, status.Detail, colorize))
		default:
			lines = append(lines, renderStatusLine(status.Name, statusError, status.Detail, colorize))
		}
	}
	return lines
}
