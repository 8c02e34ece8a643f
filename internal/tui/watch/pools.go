package watch

import (
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/procpool/internal/pool"
)

var unitColumns = []table.Column{
	{Title: "Group", Width: 18},
	{Title: "Unit", Width: 22},
	{Title: "State", Width: 18},
	{Title: "PID", Width: 8},
	{Title: "Done", Width: 8},
	{Title: "Restarts", Width: 8},
}

func newUnitTable(theme Theme) table.Model {
	t := table.New(
		table.WithColumns(unitColumns),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	t.SetStyles(theme.Table)
	return t
}

// unitRows flattens pools and their sub-pools into one row per unit. Sub-pool
// group names are indented under their parent.
func unitRows(statuses []pool.Status) []table.Row {
	var rows []table.Row
	var walk func([]pool.Status, int)
	walk = func(ss []pool.Status, depth int) {
		for _, st := range ss {
			group := strings.Repeat("  ", depth) + st.Group
			for _, u := range st.Units {
				pid := "-"
				if u.PID > 0 {
					pid = strconv.Itoa(u.PID)
				}
				rows = append(rows, table.Row{
					group,
					u.ID,
					u.State.String(),
					pid,
					strconv.FormatInt(u.Processed, 10),
					strconv.FormatInt(u.Restarts, 10),
				})
			}
			walk(st.SubPools, depth+1)
		}
	}
	walk(statuses, 0)
	return rows
}

func renderPools(t table.Model, empty bool, theme Theme, width int) string {
	innerWidth := width - 4

	body := t.View()
	if empty {
		body = theme.Dim.Render("  No pools reported yet...")
	}
	content := lipgloss.JoinVertical(lipgloss.Left, theme.Title.Render("UNITS"), body)
	return theme.Border.Width(innerWidth).Render(content)
}
