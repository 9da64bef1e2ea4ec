package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	cl "github.com/starfariii/coinflip1/internal/cli"
	"github.com/starfariii/coinflip1/internal/coinflip"
	"github.com/starfariii/coinflip1/internal/view"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

const reconnectDelay = 2 * time.Second

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	mineStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	modalStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("63")).
			Padding(1, 3)
	winStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	loseStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
)

type frameMsg cl.Frame

type streamErrMsg struct{ err error }

type watchModel struct {
	userID  string
	state   view.State
	catalog map[string]coinflip.CatalogItem
	spin    spinner.Model
	status  string
	msgCh   chan tea.Msg
}

func newWatchCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Live view of open matches and your flips",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := cl.LoadSession()
			if err != nil {
				return err
			}
			client := newClient(apiBase)

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			catalog, err := catalogValues(ctx, client, sess.AccessToken)
			if err != nil {
				return err
			}

			m := newWatchModel(sess.UserID, catalog)
			go m.pump(ctx, client, sess.AccessToken)

			_, err = tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx)).Run()
			if errors.Is(err, tea.ErrProgramKilled) {
				return nil
			}
			return err
		},
	}
}

func newWatchModel(userID string, catalog map[string]coinflip.CatalogItem) *watchModel {
	sp := spinner.New()
	sp.Spinner = spinner.Globe
	return &watchModel{
		userID:  userID,
		catalog: catalog,
		spin:    sp,
		status:  "connecting...",
		msgCh:   make(chan tea.Msg, 32),
	}
}

// pump keeps the event stream open, reconnecting after a drop. Every
// reconnect starts from a fresh snapshot.
func (m *watchModel) pump(ctx context.Context, client *cl.Client, token string) {
	for {
		err := client.Stream(ctx, token, func(f cl.Frame) error {
			select {
			case m.msgCh <- frameMsg(f):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if ctx.Err() != nil {
			return
		}
		select {
		case m.msgCh <- streamErrMsg{err: err}:
		case <-ctx.Done():
			return
		}
		select {
		case <-time.After(reconnectDelay):
		case <-ctx.Done():
			return
		}
	}
}

func (m *watchModel) waitForMsg() tea.Cmd {
	return func() tea.Msg {
		return <-m.msgCh
	}
}

func (m *watchModel) Init() tea.Cmd {
	return tea.Batch(m.spin.Tick, m.waitForMsg())
}

func (m *watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "esc", "enter", " ":
			if !m.state.Flip.IsFlipping {
				m.state = view.DismissFlip(m.state)
			}
		}
		return m, nil
	case frameMsg:
		m.apply(cl.Frame(msg))
		return m, m.waitForMsg()
	case streamErrMsg:
		if msg.err != nil {
			m.status = "disconnected: " + msg.err.Error() + " (retrying)"
		} else {
			m.status = "disconnected (retrying)"
		}
		return m, m.waitForMsg()
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *watchModel) apply(f cl.Frame) {
	if f.Snapshot != nil {
		m.state = view.Load(m.state, f.Snapshot)
		m.status = "live"
		return
	}
	if f.Event != nil {
		m.state = view.Reduce(m.state, m.userID, f.Event.Event)
	}
}

func (m *watchModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("COINFLIP") + "  " + dimStyle.Render(m.status) + "\n\n")

	if len(m.state.Matches) == 0 {
		b.WriteString(dimStyle.Render("No open matches.") + "\n")
	} else {
		b.WriteString(dimStyle.Render(fmt.Sprintf("%-10s %-6s %5s %8s %s", "ID", "SIDE", "ITEMS", "VALUE", "JOIN RANGE")) + "\n")
		for _, match := range m.state.Matches {
			value := stakeValue(match.Items, m.catalog)
			lo, hi := coinflip.BandBounds(value)
			line := fmt.Sprintf("%-10s %-6s %5d %8d %d-%d", truncate(match.ID, 10), match.CreatorSide, len(match.Items), value, lo, hi)
			if match.CreatorID == m.userID {
				line = mineStyle.Render(line)
			}
			b.WriteString(line + "\n")
		}
	}

	if flip := m.state.Flip; flip.ShowModal {
		b.WriteString("\n" + modalStyle.Render(m.flipBody(flip)) + "\n")
	}
	b.WriteString("\n" + dimStyle.Render("q quit  esc dismiss") + "\n")
	return b.String()
}

func (m *watchModel) flipBody(flip view.Flip) string {
	if flip.IsFlipping {
		return fmt.Sprintf("%s Flipping match %s\nYou are %s", m.spin.View(), truncate(flip.MatchID, 10), flip.UserSide)
	}
	verdict := loseStyle.Render("You lost.")
	if flip.Won {
		verdict = winStyle.Render("You won the pot!")
	}
	return fmt.Sprintf("Match %s landed %s\nYou were %s\n\n%s", truncate(flip.MatchID, 10), strings.ToUpper(string(flip.Result)), flip.UserSide, verdict)
}
