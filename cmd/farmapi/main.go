// Command farmapi runs the in-memory farm API for local development.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openmined/farmsync/internal/devapi"
	"github.com/openmined/farmsync/internal/logging"
	"github.com/openmined/farmsync/internal/seed"
	"github.com/openmined/farmsync/internal/version"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	var (
		addr     string
		withSeed bool
		latency  time.Duration
		logLevel string
	)

	cmd := &cobra.Command{
		Use:     "farmapi",
		Short:   "In-memory farm API for developing against farmsync",
		Version: version.Detailed(),
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, _, err := logging.Setup(logging.Options{Level: logLevel, Console: cmd.ErrOrStderr()}); err != nil {
				return err
			}
			cmd.SilenceUsage = true

			st := devapi.NewStore()
			st.SetLatency(latency)
			if withSeed {
				n, err := preload(st)
				if err != nil {
					return err
				}
				slog.Info("farmapi seeded", "documents", n)
			}

			srv := devapi.NewServer(addr, st)
			return srv.Start(cmd.Context())
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "127.0.0.1:8090", "listen address")
	cmd.Flags().BoolVar(&withSeed, "seed", false, "preload the demo farm dataset")
	cmd.Flags().DurationVar(&latency, "latency", 0, "delay added to every api request")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	return cmd
}

// preload stores the demo records under their server ids, so a farmsync
// store seeded with the same dataset is already in sync.
func preload(st *devapi.Store) (int, error) {
	ds, err := seed.Demo()
	if err != nil {
		return 0, err
	}
	n := 0
	for kind, recs := range ds.Records {
		for _, rec := range recs {
			if !rec.HasServerID() {
				continue
			}
			if err := st.Preload(kind, *rec.ServerID, rec.Data); err != nil {
				return n, fmt.Errorf("preload %s %s: %w", kind, rec.LocalID, err)
			}
			n++
		}
	}
	return n, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
