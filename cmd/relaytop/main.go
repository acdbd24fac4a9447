// Command relaytop is a terminal status viewer rendering live pool
// occupancy for every authority a relay.Client has dialed: active/parked
// slot counts and a load-factor-bucket bar per authority, refreshed on a
// tick. It subscribes to the client's event bus rather than polling pool
// internals directly.
package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/nyxio/relay"
	"github.com/nyxio/relay/internal/config"
	"github.com/nyxio/relay/pkg/metrics"
)

var headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7AD7F0"))

type tickMsg time.Time

type model struct {
	client *relay.Client
	table  table.Model
	events <-chan metrics.PoolEvent
	latest map[string]metrics.PoolEvent
}

func newModel(client *relay.Client) model {
	columns := []table.Column{
		{Title: "Authority", Width: 32},
		{Title: "Active", Width: 8},
		{Title: "Parked", Width: 8},
		{Title: "Connecting", Width: 10},
		{Title: "Buffered", Width: 9},
	}
	t := table.New(table.WithColumns(columns), table.WithFocused(false), table.WithHeight(12))

	ch, _ := client.Events().Subscribe(context.Background())

	return model{
		client: client,
		table:  t,
		events: ch,
		latest: make(map[string]metrics.PoolEvent),
	}
}

func (m model) Init() tea.Cmd {
	return tickCmd()
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tickMsg:
		m.drainEvents()
		m.table.SetRows(m.rows())
		return m, tickCmd()
	}
	return m, nil
}

func (m *model) drainEvents() {
	for {
		select {
		case ev, ok := <-m.events:
			if !ok {
				return
			}
			m.latest[ev.Authority] = ev
		default:
			return
		}
	}
}

func (m model) rows() []table.Row {
	authorities := make([]string, 0, len(m.latest))
	for a := range m.latest {
		authorities = append(authorities, a)
	}
	sort.Strings(authorities)

	rows := make([]table.Row, 0, len(authorities))
	for _, a := range authorities {
		ev := m.latest[a]
		rows = append(rows, table.Row{
			a,
			fmt.Sprintf("%d", ev.Active),
			fmt.Sprintf("%d", ev.Parked),
			fmt.Sprintf("%d", ev.Connecting),
			fmt.Sprintf("%d", ev.Buffered),
		})
	}
	return rows
}

func (m model) View() string {
	return headerStyle.Render("relaytop - pool occupancy (q to quit)") + "\n\n" + m.table.View() + "\n"
}

func main() {
	cfg, err := config.Load(nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	client := relay.New(cfg, nil)
	defer client.Shutdown(context.Background(), false)

	p := tea.NewProgram(newModel(client))
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "relaytop error: %v\n", err)
		os.Exit(1)
	}
}
