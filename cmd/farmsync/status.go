package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/openmined/farmsync/internal/connectivity"
	"github.com/openmined/farmsync/internal/controlplane/handlers"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connectivity and sync queue status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			st, err := controlPlane().Status(cmd.Context())
			if err != nil {
				return err
			}
			return render(cmd, st, func(w io.Writer) error {
				_, err := fmt.Fprint(w, renderStatus(st))
				return err
			})
		},
	}
}

func qualityText(q connectivity.Quality) string {
	switch q {
	case connectivity.QualityGood:
		return green.Render(q.String())
	case connectivity.QualityPoor:
		return yellow.Render(q.String())
	}
	return red.Render(q.String())
}

// renderStatus is the human readable status block.
func renderStatus(st *handlers.StatusResponse) string {
	var b strings.Builder
	row := func(label, value string) {
		fmt.Fprintf(&b, "%s %s\n", lightGray.Render(fmt.Sprintf("%-12s", label)), value)
	}

	row("connection", fmt.Sprintf("%s (%s)", onOff(st.IsOnline), qualityText(st.ConnectionQuality)))
	row("latency", latencyText(st.Latency))
	row("last online", since(st.LastOnline))
	row("last check", since(st.LastChecked))
	row("pending", countStyle(st.PendingSyncCount, cyan))
	row("in flight", countStyle(st.InFlightCount, cyan))
	row("retrying", countStyle(st.RetryingCount, yellow))
	row("failed", countStyle(st.FailedCount, red))

	if p := st.SyncProgress; p != nil {
		switch {
		case p.Running:
			row("sync", fmt.Sprintf("%d/%d (%d%%) %s", p.Completed, p.Total, p.Percentage, gray.Render(p.Current)))
		case p.FinishedAt != nil:
			row("last sync", fmt.Sprintf("%d/%d items, %s", p.Completed, p.Total, humanize.Time(*p.FinishedAt)))
		}
	}

	if len(st.ByKind) > 0 {
		kinds := make([]string, 0, len(st.ByKind))
		for k, n := range st.ByKind {
			if n > 0 {
				kinds = append(kinds, fmt.Sprintf("%s=%d", k, n))
			}
		}
		sort.Strings(kinds)
		if len(kinds) > 0 {
			row("by kind", strings.Join(kinds, " "))
		}
	}

	if st.NeedsAttention {
		fmt.Fprintf(&b, "\n%s\n", red.Bold(true).Render(fmt.Sprintf("%d item(s) need attention, run `farmsync queue --status failed`", st.FailedCount)))
	}
	return b.String()
}
