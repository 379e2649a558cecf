package main

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/felixgeelhaar/pluginhost/internal/domain/plugin"
)

// Terminal colors. Output written to a pipe or file is left unstyled.
var (
	colorPrimary = lipgloss.AdaptiveColor{Light: "#1e66f5", Dark: "#89b4fa"}
	colorSuccess = lipgloss.AdaptiveColor{Light: "#40a02b", Dark: "#a6e3a1"}
	colorWarning = lipgloss.AdaptiveColor{Light: "#df8e1d", Dark: "#f9e2af"}
	colorError   = lipgloss.AdaptiveColor{Light: "#d20f39", Dark: "#f38ba8"}
	colorMuted   = lipgloss.AdaptiveColor{Light: "#6c6f85", Dark: "#6c7086"}
)

type styles struct {
	Title   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Muted   lipgloss.Style
}

func defaultStyles() styles {
	return styles{
		Title:   lipgloss.NewStyle().Bold(true).Foreground(colorPrimary),
		Success: lipgloss.NewStyle().Foreground(colorSuccess),
		Warning: lipgloss.NewStyle().Foreground(colorWarning),
		Error:   lipgloss.NewStyle().Bold(true).Foreground(colorError),
		Muted:   lipgloss.NewStyle().Foreground(colorMuted),
	}
}

var style = defaultStyles()

// renderState colors a lifecycle state by how usable the plugin is.
func renderState(s plugin.State) string {
	switch s {
	case plugin.StateReady, plugin.StateRunning:
		return style.Success.Render(string(s))
	case plugin.StateSuspended:
		return style.Warning.Render(string(s))
	case plugin.StateFailed:
		return style.Error.Render(string(s))
	default:
		return style.Muted.Render(string(s))
	}
}
