package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/openmined/farmsync/internal/controlplane/handlers"
	"github.com/openmined/farmsync/internal/entity"
	"github.com/openmined/farmsync/internal/status"
	"github.com/spf13/cobra"
)

const maxErrorWidth = 60

func newQueueCmd() *cobra.Command {
	var q handlers.QueueListRequest

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "List sync queue items",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			res, err := controlPlane().Queue(cmd.Context(), q)
			if err != nil {
				return err
			}
			return render(cmd, res, func(w io.Writer) error {
				if len(res.Items) == 0 {
					_, err := fmt.Fprintln(w, gray.Render("queue is empty"))
					return err
				}
				fmt.Fprintln(w, queueTable(res.Items))
				if res.Total > len(res.Items) {
					fmt.Fprintln(w, gray.Render(fmt.Sprintf("showing %d of %d", len(res.Items), res.Total)))
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&q.Status, "status", "", "filter by status: pending, in_flight, failed")
	cmd.Flags().StringVar(&q.Kind, "kind", "", "filter by entity kind")
	cmd.Flags().IntVar(&q.Limit, "limit", 100, "max items to list")
	return cmd
}

func statusText(e status.QueueEntry) string {
	switch {
	case e.NeedsAttention:
		return red.Render(e.Status.String())
	case e.WillRetry:
		return yellow.Render("retrying")
	case e.Status == entity.StatusInFlight:
		return cyan.Render(e.Status.String())
	}
	return e.Status.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func queueTable(items []status.QueueEntry) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(gray).
		Headers("ID", "KIND", "OP", "RECORD", "STATUS", "ATTEMPTS", "QUEUED", "ERROR")
	for _, e := range items {
		t.Row(
			strconv.FormatInt(e.ID, 10),
			e.Kind.String(),
			e.Operation.String(),
			e.LocalRecordID,
			statusText(e),
			strconv.Itoa(e.Attempts),
			humanize.Time(e.EnqueuedAt),
			truncate(e.ErrorText(), maxErrorWidth),
		)
	}
	return t.String()
}

func newRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry [id...]",
		Short: "Send failed items back to the queue; all of them without ids",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]int64, 0, len(args))
			for _, a := range args {
				id, err := strconv.ParseInt(a, 10, 64)
				if err != nil || id <= 0 {
					return fmt.Errorf("invalid queue item id %q", a)
				}
				ids = append(ids, id)
			}
			cmd.SilenceUsage = true

			res, err := controlPlane().Retry(cmd.Context(), ids)
			if err != nil {
				return err
			}
			return render(cmd, res, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "%s %s item(s)\n", green.Render("retried"), humanize.Comma(int64(res.Retried)))
				return err
			})
		},
	}
}
