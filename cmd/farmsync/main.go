package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/openmined/farmsync/internal/config"
	"github.com/openmined/farmsync/internal/logging"
	"github.com/openmined/farmsync/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// appConfig is loaded before every command runs.
	appConfig *config.Config
	logCloser io.Closer
)

var rootCmd = newRootCmd()

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "farmsync",
		Short:   "Offline-first sync daemon for the farm app",
		Version: version.Detailed(),
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			appConfig = cfg
			return setupLogging(cmd, cfg)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logCloser != nil {
				logCloser.Close()
			}
		},
	}

	cmd.PersistentFlags().StringP("config", "c", "", "config file (default: <data-dir>/config.yaml)")
	cmd.PersistentFlags().StringP("data-dir", "d", config.DefaultDataDir, "data directory")
	cmd.PersistentFlags().String("remote", config.DefaultRemoteURL, "farm API base url")
	cmd.PersistentFlags().String("cp-addr", config.DefaultControlPlaneAddr, "control plane address (host:port)")
	cmd.PersistentFlags().String("cp-token", "", "control plane access token")
	cmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error")
	cmd.PersistentFlags().StringP("output", "o", "text", "output format: text, json, yaml")

	cmd.AddCommand(
		newDaemonCmd(),
		newStatusCmd(),
		newWatchCmd(),
		newSyncCmd(),
		newCheckCmd(),
		newQueueCmd(),
		newRetryCmd(),
		newExportCmd(),
		newImportCmd(),
		newResetCmd(),
		newBackupCmd(),
		newSeedCmd(),
		newConfigCmd(),
		newVersionCmd(),
	)
	return cmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// flagKeys binds persistent flags to their config keys.
var flagKeys = map[string]string{
	"data-dir":  "data_dir",
	"remote":    "remote.url",
	"cp-addr":   "control_plane.addr",
	"cp-token":  "control_plane.token",
	"log-level": "log.level",
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v := viper.New()
	for flag, key := range flagKeys {
		if f := cmd.Flags().Lookup(flag); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, err
			}
		}
	}
	path, _ := cmd.Flags().GetString("config")
	return config.Load(v, path)
}

// setupLogging sends daemon logs to the console and the rotating file. Other
// commands only log warnings to stderr unless asked for more.
func setupLogging(cmd *cobra.Command, cfg *config.Config) error {
	opts := logging.Options{
		Level:   cfg.Log.Level,
		Console: cmd.ErrOrStderr(),
	}
	if cmd.Name() == "daemon" {
		opts.File = cfg.LogPath()
		opts.MaxSizeMB = cfg.Log.MaxSizeMB
		opts.MaxBackups = cfg.Log.MaxBackups
		opts.MaxAgeDays = cfg.Log.MaxAgeDays
	} else if !cmd.Flags().Changed("log-level") {
		opts.Level = "warn"
	}

	_, closer, err := logging.Setup(opts)
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	logCloser = closer
	return nil
}

// controlPlane builds a client for the daemon named by the loaded config.
func controlPlane() *cpClient {
	return newCPClient(appConfig.ControlPlaneURL(), appConfig.ControlPlane.Token)
}
