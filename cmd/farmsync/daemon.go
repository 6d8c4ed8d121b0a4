package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/openmined/farmsync/internal/daemon"
	"github.com/openmined/farmsync/internal/utils"
	"github.com/openmined/farmsync/internal/version"
	"github.com/spf13/cobra"
)

func newDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the sync daemon and its local control plane",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cfg := appConfig

			slog.Info("farmsync", "version", version.Version, "revision", version.Revision, "build", version.BuildDate)
			slog.Info("daemon using config", "path", cfg.Path, "dataDir", cfg.DataDir, "remoteToken", utils.MaskSecret(cfg.Remote.Token))

			d, err := daemon.New(cmd.Context(), cfg)
			if err != nil {
				return err
			}

			defer slog.Info("Bye!")
			if err := d.Start(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("daemon start", "error", err)
				return err
			}
			return nil
		},
	}
}
