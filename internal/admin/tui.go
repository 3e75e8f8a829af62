// Package admin is a local terminal dashboard over the engine database.
package admin

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/xiy/context-engine/internal/orchestrator"
	"github.com/xiy/context-engine/internal/store"
)

const refreshEvery = 2 * time.Second

type tickMsg time.Time

type dashboardMsg struct {
	stats    store.Stats
	engine   *engineSnapshot
	reqLogs  []store.MCPRequestLog
	memories []store.RecentMemory
	err      error
	duration time.Duration
}

type engineSnapshot struct {
	stats orchestrator.Stats
	at    time.Time
}

type dashboardStore interface {
	Stats(ctx context.Context) (store.Stats, error)
	LatestSnapshot(ctx context.Context) (store.Snapshot, error)
	RecentMCPRequestLogs(ctx context.Context, limit int) ([]store.MCPRequestLog, error)
	RecentMemories(ctx context.Context, limit int) ([]store.RecentMemory, error)
}

type model struct {
	ctx      context.Context
	st       dashboardStore
	title    string
	stats    store.Stats
	engine   *engineSnapshot
	reqLogs  []store.MCPRequestLog
	memories []store.RecentMemory
	lastErr  error
	lastTick time.Time
	events   []string
	width    int
	height   int
}

// Run starts the dashboard and blocks until the user quits.
func Run(ctx context.Context, st dashboardStore, title string) error {
	m := model{ctx: ctx, st: st, title: title}
	m = m.logEvent("dashboard started")
	_, err := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx)).Run()
	return err
}

func (m model) Init() tea.Cmd {
	return tea.Batch(fetchCmd(m.ctx, m.st), tickCmd())
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			return m.logEvent("manual refresh"), fetchCmd(m.ctx, m.st)
		}
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
	case tickMsg:
		m.lastTick = time.Time(msg)
		return m, tea.Batch(fetchCmd(m.ctx, m.st), tickCmd())
	case dashboardMsg:
		m.lastErr = msg.err
		if msg.err != nil {
			return m.logEvent("refresh failed: " + compactWhitespace(msg.err.Error())), nil
		}
		prevLevel := m.pressure()
		m.stats, m.engine, m.reqLogs, m.memories = msg.stats, msg.engine, msg.reqLogs, msg.memories
		if level := m.pressure(); level != prevLevel && prevLevel != "" {
			m = m.logEvent(fmt.Sprintf("memory pressure %s -> %s", prevLevel, level))
		}
		m = m.logEvent(fmt.Sprintf("refreshed in %s", formatDuration(msg.duration)))
	}
	return m, nil
}

func (m model) View() string {
	title := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63")).Render(m.title + " admin")
	meta := lipgloss.NewStyle().Foreground(lipgloss.Color("241")).
		Render(fmt.Sprintf("q quit • r refresh • every %s • last %s", refreshEvery, formatClock(m.lastTick)))

	w, h := 54, 10
	if m.width > 0 {
		w = max(38, (m.width-3)/2)
	}
	if m.height > 0 {
		h = max(8, (m.height-8)/2)
	}

	storeBody := formatStorePane(m.stats)
	if len(m.events) > 0 {
		storeBody += "\n\n" + strings.Join(m.events, "\n")
	}
	if m.lastErr != nil {
		storeBody += "\n\nLast error: " + truncateText(compactWhitespace(m.lastErr.Error()), 100)
	}

	top := lipgloss.JoinHorizontal(lipgloss.Top,
		pane("Engine", formatEnginePane(m.engine), w, h), " ",
		pane("Store", storeBody, w, h))
	bottom := lipgloss.JoinHorizontal(lipgloss.Top,
		pane("MCP Requests", formatRequestPane(m.reqLogs), w, h), " ",
		pane("Recent Memories", formatMemoriesPane(m.memories), w, h))
	return lipgloss.JoinVertical(lipgloss.Left, title, meta, "", top, bottom)
}

func (m model) pressure() string {
	if m.engine == nil {
		return ""
	}
	return m.engine.stats.Pressure
}

func (m model) logEvent(line string) model {
	const keep = 5
	m.events = append(m.events, fmt.Sprintf("[%s] %s", time.Now().UTC().Format("15:04:05"), line))
	if len(m.events) > keep {
		m.events = m.events[len(m.events)-keep:]
	}
	return m
}

func fetchCmd(ctx context.Context, st dashboardStore) tea.Cmd {
	return func() tea.Msg {
		start := time.Now()
		var msg dashboardMsg
		done := func(err error) tea.Msg {
			msg.err = err
			msg.duration = time.Since(start)
			return msg
		}

		var err error
		if msg.stats, err = st.Stats(ctx); err != nil {
			return done(err)
		}
		snap, err := st.LatestSnapshot(ctx)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return done(err)
		default:
			if msg.engine, err = decodeSnapshot(snap); err != nil {
				return done(err)
			}
		}
		if msg.reqLogs, err = st.RecentMCPRequestLogs(ctx, 8); err != nil {
			return done(err)
		}
		msg.memories, err = st.RecentMemories(ctx, 8)
		return done(err)
	}
}

func decodeSnapshot(snap store.Snapshot) (*engineSnapshot, error) {
	var s orchestrator.Stats
	if err := json.Unmarshal(snap.Payload, &s); err != nil {
		return nil, fmt.Errorf("decode engine snapshot: %w", err)
	}
	return &engineSnapshot{stats: s, at: snap.CreatedAt}, nil
}

func tickCmd() tea.Cmd {
	return tea.Tick(refreshEvery, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func pane(title, body string, width, height int) string {
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		Padding(1, 2).
		Width(width).
		Height(height).
		Render(lipgloss.NewStyle().Bold(true).Render(title) + "\n\n" + body)
}
