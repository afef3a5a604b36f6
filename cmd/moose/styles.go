package main

import (
	"github.com/charmbracelet/lipgloss"
)

// Semantic colors
var (
	Destructive = lipgloss.Color("#e53935") // Red
	Success     = lipgloss.Color("#8BC34A") // Lime Green
	Warning     = lipgloss.Color("#FFC107") // Yellow
	Info        = lipgloss.Color("#2196F3") // Blue
	Muted       = lipgloss.Color("#6b7280")
)

var (
	errorStyle   = lipgloss.NewStyle().Foreground(Destructive).Bold(true)
	warningStyle = lipgloss.NewStyle().Foreground(Warning).Bold(true)
	successStyle = lipgloss.NewStyle().Foreground(Success).Bold(true)
	infoStyle    = lipgloss.NewStyle().Foreground(Info)
	mutedStyle   = lipgloss.NewStyle().Foreground(Muted)
	headerStyle  = lipgloss.NewStyle().Foreground(Info).Bold(true).Padding(0, 1)
	cellStyle    = lipgloss.NewStyle().Padding(0, 1)
)

func errorLine(msg string) string {
	return errorStyle.Render("ERROR:") + " " + msg
}

func warningLine(msg string) string {
	return warningStyle.Render("WARNING:") + " " + msg
}

func okLine(msg string) string {
	return successStyle.Render("OK:") + " " + msg
}
