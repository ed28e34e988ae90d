// Package devtools is a live terminal inspector over a running reactor
// process: the current scope tree's shape, scope create/dispose activity,
// and cache hit/miss/eviction stats, refreshed on a tick.
package devtools

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/corewire/reactor/pkg/cache"
	"github.com/corewire/reactor/pkg/query"
	"github.com/corewire/reactor/pkg/scope"
)

// Node mirrors the node record a graph viewer renders, adapted from a
// component tree's (id, label, position) shape to a scope's (id, parent,
// liveness) shape.
type Node struct {
	ID       string
	ParentID string
	Live     bool
}

// Snapshot is the data a tick collects for one render pass.
type Snapshot struct {
	Nodes       []Node
	CreatedTot  int64
	DisposedTot int64
	Cache       cache.Stats
	Took        time.Time
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	liveStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	deadStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

type tickMsg time.Time

// Model is the bubbletea model for the inspector screen.
type Model struct {
	client  *query.Client
	spinner spinner.Model
	width   int
	height  int
	quit    bool

	snapshot Snapshot
	closer   func()

	// evMu guards the fields scope.OnEvent's callback writes from whatever
	// goroutine a scope happened to be created/disposed on; snapshotNow
	// reads them from bubbletea's own update goroutine.
	evMu        sync.Mutex
	createdTot  int64
	disposedTot int64
	live        map[string]Node
}

// New constructs an inspector model bound to client's cache. It installs a
// scope.OnEvent listener for the lifetime of the returned Model's program;
// callers that never call Start should call Close to unsubscribe.
func New(client *query.Client) *Model {
	m := &Model{
		client: client,
		live:   make(map[string]Node),
	}
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	m.spinner = s

	unsubscribe := scope.OnEvent(func(ev scope.Event) {
		id := fmt.Sprintf("%p", ev.Scope)
		m.evMu.Lock()
		defer m.evMu.Unlock()
		switch ev.Kind {
		case scope.EventCreated:
			parentID := ""
			if p := ev.Scope.Parent(); p != nil {
				parentID = fmt.Sprintf("%p", p)
			}
			m.live[id] = Node{ID: id, ParentID: parentID, Live: true}
			m.createdTot++
		case scope.EventDisposed:
			delete(m.live, id)
			m.disposedTot++
		}
	})
	m.closer = unsubscribe
	return m
}

// Close unsubscribes the scope event listener installed by New.
func (m *Model) Close() {
	if m.closer != nil {
		m.closer()
		m.closer = nil
	}
}

// Start runs the inspector as a fullscreen bubbletea program until the user
// quits.
func Start(client *query.Client) error {
	m := New(client)
	defer m.Close()
	p := tea.NewProgram(m, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tickCmd())
}

func tickCmd() tea.Cmd {
	return tea.Tick(500*time.Millisecond, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quit = true
			return m, tea.Quit
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tickMsg:
		m.snapshot = m.snapshotNow()
		return m, tickCmd()
	}
	return m, nil
}

func (m *Model) snapshotNow() Snapshot {
	m.evMu.Lock()
	nodes := make([]Node, 0, len(m.live))
	for _, n := range m.live {
		nodes = append(nodes, n)
	}
	createdTot, disposedTot := m.createdTot, m.disposedTot
	m.evMu.Unlock()

	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

	var stats cache.Stats
	if m.client != nil {
		stats = m.client.Cache().Stats()
	}
	return Snapshot{
		Nodes:       nodes,
		CreatedTot:  createdTot,
		DisposedTot: disposedTot,
		Cache:       stats,
		Took:        time.Now(),
	}
}

func (m *Model) View() string {
	if m.quit {
		return ""
	}
	var b strings.Builder
	b.WriteString(titleStyle.Render("reactor devtools"))
	b.WriteString("  ")
	b.WriteString(m.spinner.View())
	b.WriteString("\n\n")

	b.WriteString(dimStyle.Render(fmt.Sprintf("scopes: %d live, %d created, %d disposed",
		len(m.snapshot.Nodes), m.snapshot.CreatedTot, m.snapshot.DisposedTot)))
	b.WriteString("\n")
	b.WriteString(dimStyle.Render(fmt.Sprintf("cache: %d hits, %d misses, %d evictions, %d entries",
		m.snapshot.Cache.Hits, m.snapshot.Cache.Misses, m.snapshot.Cache.Evictions, m.snapshot.Cache.EntryCount)))
	b.WriteString("\n\n")

	for _, n := range m.snapshot.Nodes {
		style := liveStyle
		if !n.Live {
			style = deadStyle
		}
		parent := n.ParentID
		if parent == "" {
			parent = "-"
		}
		b.WriteString(style.Render(fmt.Sprintf("  %s  (parent %s)", n.ID, parent)))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(dimStyle.Render("q to quit"))
	return b.String()
}

// Render renders m's current snapshot as a single non-interactive string,
// for `reactor graph`'s one-shot CLI output rather than the fullscreen
// Start program. m must already be running (constructed via New and kept
// alive since before the scopes of interest were created). A Model only
// learns about scopes created after its own construction, since pkg/scope
// deliberately keeps no global registry outside of its OnEvent stream.
func (m *Model) Render() string {
	m.snapshot = m.snapshotNow()
	return m.View()
}
