// admin.go provides destructive maintenance subcommands.
package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/openimaging/bulkmeta/internal/admin"
)

func newAdminCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "administrative database operations",
	}
	cmd.AddCommand(newAdminResetCmd(a))
	return cmd
}

func newAdminResetCmd(a *app) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "truncate all imported tables and annotations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to reset without --yes")
			}

			pool, _, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()

			r := &admin.Resetter{Pool: pool}
			if err := r.ResetTables(cmd.Context()); err != nil {
				return err
			}
			slog.Info("storage tables reset")
			return nil
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the destructive reset")
	return cmd
}
