package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
)

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Drain the sync queue now",
		Long:  "Drain the sync queue now. Fails when the daemon believes the farm API is unreachable; run `farmsync check` first to re-probe.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			res, err := controlPlane().Sync(cmd.Context())
			if err != nil {
				return err
			}
			return render(cmd, res, func(w io.Writer) error {
				r := res.Result
				if r == nil || r.Processed() == 0 {
					_, err := fmt.Fprintln(w, gray.Render("nothing to sync"))
					return err
				}
				fmt.Fprintf(w, "%s %s completed, %s retrying, %s failed in %s\n",
					green.Render("synced"),
					countStyle(r.Completed, green),
					countStyle(r.Retrying, yellow),
					countStyle(r.Failed, red),
					r.Duration.Round(time.Millisecond))
				if r.Interrupted {
					fmt.Fprintf(w, "%s %d item(s) left for the next cycle\n", yellow.Render("interrupted"), r.Skipped)
				}
				return nil
			})
		},
	}
}

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Probe the farm API now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			res, err := controlPlane().CheckConnection(cmd.Context())
			if err != nil {
				return err
			}
			return render(cmd, res, func(w io.Writer) error {
				fmt.Fprintf(w, "%s (%s) %s\n", onOff(res.IsOnline), qualityText(res.Quality), latencyText(res.Latency))
				if res.Error != "" {
					fmt.Fprintln(w, red.Render(res.Error))
				}
				return nil
			})
		},
	}
}
