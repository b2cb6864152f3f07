package cli

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/matzehuels/forge/pkg/merge"
)

// List styles
var (
	listSelectedStyle = lipgloss.NewStyle().Bold(true).Foreground(colorCyan)
	listNormalStyle   = lipgloss.NewStyle().Foreground(colorWhite)
	listDimStyle      = lipgloss.NewStyle().Foreground(colorDim)
)

// =============================================================================
// ConflictPickerModel - Interactive conflict resolution
// =============================================================================

// Conflict sides a user can pick, in the order "tab" cycles through them.
var pickSides = []string{"local", "upstream", "base"}

// ConflictPickerModel is the bubbletea model that lets a user pick a side
// for every unresolved merge conflict.
type ConflictPickerModel struct {
	Conflicts []merge.Conflict
	Choices   []string
	Cursor    int
	Confirmed bool
	Height    int
	Offset    int
}

// NewConflictPickerModel creates a picker with no side chosen.
func NewConflictPickerModel(conflicts []merge.Conflict) ConflictPickerModel {
	return ConflictPickerModel{
		Conflicts: conflicts,
		Choices:   make([]string, len(conflicts)),
		Height:    10,
	}
}

func (m ConflictPickerModel) Init() tea.Cmd {
	return nil
}

func (m ConflictPickerModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.Confirmed = false
			return m, tea.Quit
		case "up", "k":
			if m.Cursor > 0 {
				m.Cursor--
				if m.Cursor < m.Offset {
					m.Offset = m.Cursor
				}
			}
		case "down", "j":
			if m.Cursor < len(m.Conflicts)-1 {
				m.Cursor++
				if m.Cursor >= m.Offset+m.Height {
					m.Offset = m.Cursor - m.Height + 1
				}
			}
		case "l":
			m.choose("local")
		case "u":
			m.choose("upstream")
		case "b":
			m.choose("base")
		case "tab":
			m.choose(nextSide(m.Choices[m.Cursor]))
		case "enter":
			if m.Pending() > 0 {
				return m, nil
			}
			m.Confirmed = true
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.Height = msg.Height - 8
		if m.Height < 3 {
			m.Height = 3
		}
	}
	return m, nil
}

// choose records side for the conflict under the cursor. A side the path
// does not exist on resolves to removal.
func (m *ConflictPickerModel) choose(side string) {
	if len(m.Conflicts) == 0 {
		return
	}
	m.Choices[m.Cursor] = side
}

func nextSide(current string) string {
	for i, s := range pickSides {
		if s == current {
			return pickSides[(i+1)%len(pickSides)]
		}
	}
	return pickSides[0]
}

// Pending returns how many conflicts have no side chosen yet.
func (m ConflictPickerModel) Pending() int {
	n := 0
	for _, c := range m.Choices {
		if c == "" {
			n++
		}
	}
	return n
}

// Resolutions returns the chosen sides keyed by conflict path, in the form
// the manual merge strategy accepts.
func (m ConflictPickerModel) Resolutions() map[string]any {
	out := make(map[string]any, len(m.Choices))
	for i, c := range m.Choices {
		if c != "" {
			out[m.Conflicts[i].Path] = merge.ParseResolution(c)
		}
	}
	return out
}

func (m ConflictPickerModel) View() string {
	var b strings.Builder

	b.WriteString(StyleTitle.Render("Resolve Conflicts"))
	b.WriteString("\n")
	b.WriteString(listDimStyle.Render("↑/↓ navigate  l local  u upstream  b base  tab cycle  ⏎ merge  q abort"))
	b.WriteString("\n\n")

	end := m.Offset + m.Height
	if end > len(m.Conflicts) {
		end = len(m.Conflicts)
	}

	rows := [][]string{}
	for i := m.Offset; i < end; i++ {
		cf := m.Conflicts[i]
		cursor := "  "
		if i == m.Cursor {
			cursor = "▸ "
		}
		choice := m.Choices[i]
		if choice == "" {
			choice = "—"
		}
		rows = append(rows, []string{
			cursor,
			cf.Path,
			truncate(conflictValue(cf.Local, cf.InLocal), 24),
			truncate(conflictValue(cf.Upstream, cf.InUpstream), 24),
			truncate(conflictValue(cf.Base, cf.InBase), 24),
			choice,
		})
	}

	headerStyle := lipgloss.NewStyle().Foreground(colorGray).Bold(true)

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(colorDim)).
		Headers("", "Path", "Local", "Upstream", "Base", "Take").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == -1 {
				return headerStyle
			}
			idx := m.Offset + row
			if idx >= len(m.Conflicts) {
				return lipgloss.NewStyle()
			}
			if col == 5 && m.Choices[idx] != "" {
				return lipgloss.NewStyle().Foreground(colorGreen)
			}
			if idx == m.Cursor {
				return listSelectedStyle
			}
			if col >= 2 && col <= 4 {
				return listDimStyle
			}
			return listNormalStyle
		})

	b.WriteString(t.Render())
	b.WriteString("\n\n")
	status := fmt.Sprintf("  [%d/%d]", m.Cursor+1, len(m.Conflicts))
	if n := m.Pending(); n > 0 {
		status += fmt.Sprintf("  %d left", n)
	}
	b.WriteString(listDimStyle.Render(status))

	return b.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// pickConflicts runs the picker on the terminal and returns the chosen
// resolutions, or ok=false if the user aborted.
func pickConflicts(conflicts []merge.Conflict) (map[string]any, bool, error) {
	final, err := tea.NewProgram(NewConflictPickerModel(conflicts)).Run()
	if err != nil {
		return nil, false, err
	}
	m := final.(ConflictPickerModel)
	if !m.Confirmed {
		return nil, false, nil
	}
	return m.Resolutions(), true, nil
}
