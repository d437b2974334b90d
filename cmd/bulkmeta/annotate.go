// annotate.go provides the map-annotation subcommand: read the table
// attached to a target and fan its rows out as map annotations linked
// to the referenced wells or images.
package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/openimaging/bulkmeta/internal/annotate"
)

func newAnnotateCmd(a *app) *cobra.Command {
	var (
		configPath string
		fileID     int64
		batchSize  int
		namespaces []string
		dryRun     bool
		force      bool
	)

	cmd := &cobra.Command{
		Use:   "annotate <Kind:ID>",
		Short: "convert a target's bulk-annotation table into map annotations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseTarget(args[0])
			if err != nil {
				return err
			}
			cfg, err := loadAnnotateConfig(configPath)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			pool, repo, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			opts := annotate.Options{
				FileID:     fileID,
				BatchSize:  batchSize,
				Namespaces: namespaces,
				DryRun:     dryRun,
			}
			if opts.BatchSize <= 0 {
				opts.BatchSize = a.cfg.Import.BatchSize
			}

			sum, err := annotate.NewAnnotator(repo, ref, cfg, opts).Run(ctx)
			if err != nil {
				return err
			}
			slog.Info("annotation complete",
				"target", ref,
				"rows_read", sum.RowsRead,
				"annotations", sum.Annotations,
				"links", sum.Links,
				"dry_run", dryRun,
			)
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "cfg", "", "YAML column configuration file")
	cmd.Flags().Int64Var(&fileID, "fileid", 0, "table file id, default is the table linked to the target")
	cmd.Flags().IntVar(&batchSize, "batch", 0, "links per save call")
	cmd.Flags().StringSliceVar(&namespaces, "ns", nil, "only emit annotations in these namespaces")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "count only, write nothing")
	cmd.Flags().BoolVar(&force, "force", false, "write without prompting")
	cmd.MarkFlagsMutuallyExclusive("dry-run", "force")
	return cmd
}

func loadAnnotateConfig(path string) (*annotate.Config, error) {
	if path == "" {
		return nil, nil
	}
	return annotate.LoadConfig(path)
}
