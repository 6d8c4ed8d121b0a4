package main

import (
	"fmt"
	"path/filepath"

	"github.com/openmined/farmsync/internal/config"
	"github.com/openmined/farmsync/internal/utils"
	"github.com/spf13/cobra"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or write the configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			masked := maskedConfig(appConfig)
			format, err := outputFormat(cmd)
			if err != nil {
				return err
			}
			// the config is yaml tagged, so text and yaml print the file format
			if format == outputJSON {
				return render(cmd, masked, nil)
			}
			return yamlOut(cmd.OutOrStdout(), masked)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the config file in use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := appConfig.Path
			if path == "" {
				path = defaultConfigPath(appConfig)
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), path)
			return err
		},
	})

	var force bool
	initCmd := &cobra.Command{
		Use:   "init [file]",
		Short: "Write the effective configuration to a file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := defaultConfigPath(appConfig)
			if len(args) == 1 {
				path = args[0]
			}
			if utils.FileExists(path) && !force {
				return fmt.Errorf("%s exists, use --force to overwrite", path)
			}
			if err := appConfig.Save(path); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", green.Render("wrote"), path)
			return err
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cmd.AddCommand(initCmd)

	return cmd
}

func defaultConfigPath(cfg *config.Config) string {
	return filepath.Join(cfg.DataDir, config.ConfigFileName+"."+config.ConfigFileType)
}

func maskedConfig(cfg *config.Config) config.Config {
	out := *cfg
	out.Remote.Token = utils.MaskSecret(out.Remote.Token)
	out.ControlPlane.Token = utils.MaskSecret(out.ControlPlane.Token)
	out.Backup.AccessKey = utils.MaskSecret(out.Backup.AccessKey)
	out.Backup.SecretKey = utils.MaskSecret(out.Backup.SecretKey)
	return out
}
