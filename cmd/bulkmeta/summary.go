// summary.go provides a small lookup subcommand reporting a target's
// name, child counts, annotation count and attached table file.
package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openimaging/bulkmeta/internal/model"
	"github.com/openimaging/bulkmeta/internal/remote"
)

func newSummaryCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "summary <Kind:ID>",
		Short: "show a target's children, annotations and attached table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseTarget(args[0])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			pool, repo, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			obj, err := repo.FindObject(ctx, ref.Kind, ref.ID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %q\n", ref, obj.Name)

			childKind, n, err := countChildren(ctx, repo, ref)
			if err != nil {
				return err
			}
			if childKind != "" {
				fmt.Fprintf(out, "%s: %d\n", childKind, n)
			}

			links, err := repo.AnnotationLinkIDs(ctx, ref.Kind, []int64{ref.ID},
				[]string{remote.NSBulkAnnotations, remote.NSBulkAnnotationsConfig})
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "annotation links: %d\n", len(links))

			fileID, err := repo.BulkAnnotationFileID(ctx, ref, remote.NSBulkAnnotations)
			switch {
			case errors.Is(err, remote.ErrNotFound):
				fmt.Fprintln(out, "no bulk-annotation table attached")
			case err != nil:
				return err
			default:
				fmt.Fprintf(out, "table file id: %d\n", fileID)
			}
			return nil
		},
	}
}

// countChildren counts the target's immediate children, paging through
// the subtree reads.
func countChildren(ctx context.Context, q remote.QueryService, ref model.TargetRef) (string, int, error) {
	switch ref.Kind {
	case model.KindScreen:
		plates, err := q.ScreenPlates(ctx, ref.ID)
		return "plates", len(plates), err
	case model.KindPlate:
		n := 0
		for offset := 0; ; offset += remote.PageSize {
			wells, err := q.PlateWells(ctx, ref.ID, offset, remote.PageSize)
			if err != nil {
				return "", 0, err
			}
			n += len(wells)
			if len(wells) < remote.PageSize {
				return "wells", n, nil
			}
		}
	case model.KindDataset:
		n := 0
		for offset := 0; ; offset += remote.PageSize {
			imgs, err := q.DatasetImages(ctx, ref.ID, offset, remote.PageSize)
			if err != nil {
				return "", 0, err
			}
			n += len(imgs)
			if len(imgs) < remote.PageSize {
				return "images", n, nil
			}
		}
	case model.KindProject:
		n := 0
		for offset := 0; ; offset += remote.PageSize {
			imgs, err := q.ProjectImages(ctx, ref.ID, offset, remote.PageSize)
			if err != nil {
				return "", 0, err
			}
			n += len(imgs)
			if len(imgs) < remote.PageSize {
				return "images", n, nil
			}
		}
	case model.KindImage:
		n := 0
		for offset := 0; ; offset += remote.PageSize {
			rois, err := q.ImageROIs(ctx, ref.ID, offset, remote.PageSize)
			if err != nil {
				return "", 0, err
			}
			n += len(rois)
			if len(rois) < remote.PageSize {
				return "rois", n, nil
			}
		}
	}
	return "", 0, nil
}
