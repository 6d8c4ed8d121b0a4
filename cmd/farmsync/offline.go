package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/openmined/farmsync/internal/controlplane/handlers"
	"github.com/spf13/cobra"
)

func newExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export [file]",
		Short: "Export all local records and the sync queue as a snapshot document",
		Long:  "Export all local records and the sync queue as a snapshot document. Writes to stdout without a file.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			if len(args) == 0 || args[0] == "-" {
				_, err := controlPlane().Export(cmd.Context(), cmd.OutOrStdout())
				return err
			}

			path := args[0]
			tmp := path + ".part"
			f, err := os.Create(tmp)
			if err != nil {
				return err
			}
			n, err := controlPlane().Export(cmd.Context(), f)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				os.Remove(tmp)
				return err
			}
			if err := os.Rename(tmp, path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%s %s (%s)\n", green.Render("exported"), path, humanize.Bytes(uint64(n)))
			return nil
		},
	}
}

func newImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Replace all local data with a snapshot document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}
			cmd.SilenceUsage = true

			res, err := controlPlane().Import(cmd.Context(), r)
			if err != nil {
				return err
			}
			return render(cmd, res, func(w io.Writer) error {
				_, err := fmt.Fprintln(w, importText(res))
				return err
			})
		},
	}
}

func importText(res *handlers.ImportResponse) string {
	if res.ImportStats == nil {
		return green.Render("imported")
	}
	return fmt.Sprintf("%s %s record(s), %s queue item(s)",
		green.Render("imported"),
		humanize.Comma(int64(res.Records)),
		humanize.Comma(int64(res.QueueItems)))
}

var errNotConfirmed = errors.New("refusing to clear local data without --yes")

func newResetCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete every local record and queue item",
		Long:  "Delete every local record and queue item. Unsynced changes are lost; export first to keep them.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errNotConfirmed
			}
			cmd.SilenceUsage = true
			res, err := controlPlane().Clear(cmd.Context())
			if err != nil {
				return err
			}
			return render(cmd, res, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "%s at %s\n", yellow.Render("local data cleared"), res.ClearedAt.Local().Format(time.RFC3339))
				return err
			})
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm")
	return cmd
}

func newBackupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Copy snapshots to and from the configured bucket",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "create",
		Short: "Upload a snapshot of the local data",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			res, err := controlPlane().Backup(cmd.Context())
			if err != nil {
				return err
			}
			return render(cmd, res, func(w io.Writer) error {
				if res.Object == nil {
					_, err := fmt.Fprintln(w, green.Render("uploaded"))
					return err
				}
				_, err := fmt.Fprintf(w, "%s %s (%s)\n", green.Render("uploaded"), res.Object.Key, humanize.Bytes(uint64(res.Object.Size)))
				return err
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List uploaded snapshots, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			res, err := controlPlane().Backups(cmd.Context())
			if err != nil {
				return err
			}
			return render(cmd, res, func(w io.Writer) error {
				if len(res.Objects) == 0 {
					_, err := fmt.Fprintln(w, gray.Render("no snapshots"))
					return err
				}
				t := table.New().
					Border(lipgloss.NormalBorder()).
					BorderStyle(gray).
					Headers("KEY", "SIZE", "UPLOADED")
				for _, o := range res.Objects {
					t.Row(o.Key, humanize.Bytes(uint64(o.Size)), humanize.Time(o.LastModified))
				}
				_, err := fmt.Fprintln(w, t.String())
				return err
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "restore [key]",
		Short: "Replace local data with an uploaded snapshot; the latest without a key",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			key := ""
			if len(args) == 1 {
				key = args[0]
			}
			res, err := controlPlane().Restore(cmd.Context(), key)
			if err != nil {
				return err
			}
			return render(cmd, res, func(w io.Writer) error {
				_, err := fmt.Fprintln(w, importText(res))
				return err
			})
		},
	})

	return cmd
}
