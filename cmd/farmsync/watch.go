package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/mattn/go-isatty"
	"github.com/openmined/farmsync/internal/controlplane/handlers"
	"github.com/spf13/cobra"
)

const (
	reconnectDelay   = 2 * time.Second
	maxProgressWidth = 60
)

type statusMsg struct{ status *handlers.StatusResponse }

type streamErrMsg struct{ err error }

func newWatchCmd() *cobra.Command {
	var plain bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the status live",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			ctx := cmd.Context()
			client := controlPlane()

			if plain || !isTTY(cmd.OutOrStdout()) {
				w := cmd.OutOrStdout()
				streamStatus(ctx, client, func(msg tea.Msg) {
					fmt.Fprintln(w, plainLine(msg, time.Now()))
				})
				return nil
			}

			p := tea.NewProgram(newWatchModel(appConfig.ControlPlane.Addr),
				tea.WithContext(ctx),
				tea.WithInput(cmd.InOrStdin()),
				tea.WithOutput(cmd.OutOrStdout()),
			)
			go streamStatus(ctx, client, p.Send)
			if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&plain, "plain", false, "print one line per update instead of the interactive view")
	return cmd
}

func isTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}

// streamStatus follows the status websocket until ctx is done, reconnecting on errors.
func streamStatus(ctx context.Context, client *cpClient, send func(tea.Msg)) {
	for ctx.Err() == nil {
		err := readStatus(ctx, client, send)
		if ctx.Err() != nil {
			return
		}
		send(streamErrMsg{err: err})

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func readStatus(ctx context.Context, client *cpClient, send func(tea.Msg)) error {
	conn, err := client.DialStatus(ctx)
	if err != nil {
		return err
	}
	defer conn.CloseNow()

	for {
		var st handlers.StatusResponse
		if err := wsjson.Read(ctx, conn, &st); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusGoingAway {
				return errors.New("daemon is shutting down")
			}
			return err
		}
		send(statusMsg{status: &st})
	}
}

func plainLine(msg tea.Msg, now time.Time) string {
	ts := now.UTC().Format(time.RFC3339)
	switch m := msg.(type) {
	case streamErrMsg:
		return fmt.Sprintf("%s ERROR %v", ts, m.err)
	case statusMsg:
		st := m.status
		line := fmt.Sprintf("%s online=%t quality=%s pending=%d inflight=%d retrying=%d failed=%d",
			ts, st.IsOnline, st.ConnectionQuality, st.PendingSyncCount, st.InFlightCount, st.RetryingCount, st.FailedCount)
		if p := st.SyncProgress; p != nil && p.Running {
			line += fmt.Sprintf(" sync=%d/%d", p.Completed, p.Total)
		}
		return line
	}
	return ts
}

type watchModel struct {
	addr     string
	status   *handlers.StatusResponse
	err      error
	spinner  spinner.Model
	progress progress.Model
	width    int
}

func newWatchModel(addr string) watchModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = cyan

	return watchModel{
		addr:     addr,
		spinner:  s,
		progress: progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
	}
}

func (m watchModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.progress.Width = min(max(msg.Width-4, 10), maxProgressWidth)

	case statusMsg:
		m.status = msg.status
		m.err = nil
		if p := msg.status.SyncProgress; p != nil {
			return m, m.progress.SetPercent(float64(p.Percentage) / 100)
		}

	case streamErrMsg:
		m.err = msg.err

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case progress.FrameMsg:
		pm, cmd := m.progress.Update(msg)
		m.progress = pm.(progress.Model)
		return m, cmd
	}
	return m, nil
}

func (m watchModel) View() string {
	title := cyan.Bold(true).Render("farmsync") + " " + gray.Render(m.addr)

	if m.status == nil {
		body := m.spinner.View() + " connecting to the daemon"
		if m.err != nil {
			body += "\n" + red.Render(m.err.Error())
		}
		return title + "\n\n" + body + "\n\n" + gray.Render("q to quit") + "\n"
	}

	out := title + "\n\n" + renderStatus(m.status)
	if p := m.status.SyncProgress; p != nil && p.Running {
		out += "\n" + m.spinner.View() + " " + m.progress.View() + " " + gray.Render(p.Current) + "\n"
	}
	if m.err != nil {
		out += "\n" + yellow.Render("stream lost, reconnecting: "+m.err.Error()) + "\n"
	}
	return out + "\n" + gray.Render("q to quit") + "\n"
}
