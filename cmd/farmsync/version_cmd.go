package main

import (
	"fmt"
	"io"

	"github.com/openmined/farmsync/internal/version"
	"github.com/spf13/cobra"
)

func newVersionCmd() *cobra.Command {
	var short bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print farmsync version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return render(cmd, version.Get(), func(w io.Writer) error {
				line := version.Detailed()
				if short {
					line = version.Short()
				}
				_, err := fmt.Fprintln(w, line)
				return err
			})
		},
	}
	cmd.Flags().BoolVarP(&short, "short", "s", false, "print only the version number")
	return cmd
}
