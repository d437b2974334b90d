// delete.go provides the annotation removal subcommand: walk the
// target's subtree and delete its map-annotation links, optionally the
// attached configuration files too.
package main

import (
	"log/slog"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/openimaging/bulkmeta/internal/annotate"
)

func newDeleteCmd(a *app) *cobra.Command {
	var (
		configPath string
		namespaces []string
		attach     bool
		batchSize  int
		loops      int
		waitMS     int
		dryRun     bool
		force      bool
	)

	cmd := &cobra.Command{
		Use:   "delete <Kind:ID>",
		Short: "remove bulk map annotations from a target's subtree",
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

			opts := annotate.DeleteOptions{
				Namespaces:   namespaces,
				Attach:       attach,
				BatchSize:    batchSize,
				PollLoops:    loops,
				PollInterval: time.Duration(waitMS) * time.Millisecond,
				DryRun:       dryRun,
			}
			if opts.BatchSize <= 0 {
				opts.BatchSize = a.cfg.Delete.BatchSize
			}
			if opts.PollLoops <= 0 {
				opts.PollLoops = a.cfg.Delete.PollLoops
			}
			if opts.PollInterval <= 0 {
				opts.PollInterval = a.cfg.Delete.PollInterval
			}

			sum, err := annotate.NewWalker(repo, ref, cfg, opts).Run(ctx)
			if err != nil {
				return err
			}

			types := make([]string, 0, len(sum.Deleted))
			for typeName := range sum.Deleted {
				types = append(types, typeName)
			}
			sort.Strings(types)
			for _, typeName := range types {
				slog.Info("deleted", "type", typeName, "count", sum.Deleted[typeName])
			}
			slog.Info("deletion complete", "target", ref, "total", sum.Total(), "dry_run", dryRun)
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "cfg", "", "YAML column configuration file, contributes group namespaces")
	cmd.Flags().StringSliceVar(&namespaces, "ns", nil, "only delete annotations in these namespaces")
	cmd.Flags().BoolVar(&attach, "attach", false, "also delete attached configuration file annotations")
	cmd.Flags().IntVar(&batchSize, "batch", 0, "link ids per delete command")
	cmd.Flags().IntVar(&loops, "loops", 0, "polls per delete command before timing out")
	cmd.Flags().IntVar(&waitMS, "wait", 0, "milliseconds between polls")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "count only, delete nothing")
	cmd.Flags().BoolVar(&force, "force", false, "delete without prompting")
	cmd.MarkFlagsMutuallyExclusive("dry-run", "force")
	return cmd
}
