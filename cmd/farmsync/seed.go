package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/openmined/farmsync/internal/daemon"
	"github.com/openmined/farmsync/internal/entity"
	"github.com/openmined/farmsync/internal/seed"
	"github.com/openmined/farmsync/internal/store"
	"github.com/spf13/cobra"
)

func newSeedCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load the demo farm dataset into the local store as already synced records",
		Long:  "Load the demo farm dataset into the local store as already synced records. The daemon must be stopped.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			ds, err := loadDataset(file)
			if err != nil {
				return err
			}

			lock, err := daemon.AcquireLock(appConfig.LockPath())
			if errors.Is(err, daemon.ErrAlreadyRunning) {
				return fmt.Errorf("%w; stop the daemon before seeding", err)
			} else if err != nil {
				return err
			}
			defer lock.Release()

			st, err := store.Open(appConfig.DBPath())
			if err != nil {
				return err
			}
			defer st.Close()

			counts, err := seed.Load(cmd.Context(), st, ds)
			if err != nil {
				return err
			}
			return render(cmd, counts, func(w io.Writer) error {
				fmt.Fprintf(w, "%s %s\n", green.Render("seeded"), bold.Render(ds.Farm))
				for _, k := range entity.Kinds() {
					if n := counts[k]; n > 0 {
						fmt.Fprintf(w, "  %-16s %d\n", k, n)
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "dataset files in the demo yaml format, ** globs allowed (default: built in demo farm)")
	return cmd
}

// loadDataset reads every file matching pattern, which may use ** globs, into one dataset.
func loadDataset(pattern string) (*seed.Dataset, error) {
	if pattern == "" {
		return seed.Demo()
	}
	files, err := doublestar.FilepathGlob(pattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("seed files %q: %w", pattern, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("seed files %q: no match", pattern)
	}

	out := &seed.Dataset{}
	for _, f := range files {
		doc, err := os.ReadFile(f)
		if err != nil {
			return nil, err
		}
		ds, err := seed.Parse(doc)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f, err)
		}
		out.Merge(ds)
	}
	return out, nil
}
