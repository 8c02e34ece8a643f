package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/procpool/internal/events"
	"github.com/mattjoyce/procpool/internal/telemetry"
)

const maxEventLines = 10

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, e := range eventLog {
		if i >= maxEventLines {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n")),
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Local().Format("15:04:05"))
	typeName := eventStyle(e, theme).Render(fmt.Sprintf("%-16s", e.Type))
	return fmt.Sprintf("%s %s %s", ts, typeName, describeEvent(e))
}

func eventStyle(e events.Event, theme Theme) lipgloss.Style {
	switch e.Type {
	case events.TypePoolStarted:
		return theme.StatusRunning
	case events.TypePoolStopped:
		return theme.Dim
	case events.TypeServiceFatal:
		return theme.StatusFailed
	case events.TypeTaskResolved:
		var task telemetry.Task
		if json.Unmarshal(e.Data, &task) != nil {
			return theme.Dim
		}
		switch task.Outcome {
		case telemetry.OutcomeSuccess, telemetry.OutcomeReply:
			return theme.StatusOK
		case telemetry.OutcomeRequeued:
			return theme.StatusQueued
		default:
			return theme.StatusFailed
		}
	default:
		return theme.Highlight
	}
}

// describeEvent picks the few fields worth a glance.
func describeEvent(e events.Event) string {
	if e.Type == events.TypeTaskResolved {
		var task telemetry.Task
		if err := json.Unmarshal(e.Data, &task); err == nil {
			parts := []string{task.Group, string(task.Outcome)}
			if task.CorrelationID != "" {
				parts = append(parts, "["+shortID(task.CorrelationID)+"]")
			}
			if task.ReplyTarget != "" {
				parts = append(parts, "→ "+task.ReplyTarget)
			}
			if task.Error != "" {
				parts = append(parts, task.Error)
			}
			return strings.Join(parts, " ")
		}
	}

	data := map[string]any{}
	_ = json.Unmarshal(e.Data, &data)
	if group, ok := data["group"].(string); ok {
		if units, ok := data["units"].(float64); ok {
			return fmt.Sprintf("%s (%d units)", group, int(units))
		}
		return group
	}

	raw := string(e.Data)
	if len(raw) > 60 {
		raw = raw[:60] + "..."
	}
	return raw
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
