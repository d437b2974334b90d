// delete.go provides the asynchronous-looking delete commands behind
// remote.DeleteService. Each submitted command runs one transaction on
// its first poll; map annotations left without links are garbage
// collected in the same transaction, matching server-side orphan
// cleanup.
package pgrepo

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/openimaging/bulkmeta/internal/remote"
)

// SubmitDelete implements remote.DeleteService. Supported target type
// names are "<Kind>AnnotationLink" and "FileAnnotation".
func (r *Repo) SubmitDelete(_ context.Context, targets remote.DeleteTargets, dryRun bool) (remote.DeleteHandle, error) {
	for typeName := range targets {
		if typeName != "FileAnnotation" && !strings.HasSuffix(typeName, "AnnotationLink") {
			return nil, fmt.Errorf("unsupported delete target type %q", typeName)
		}
	}
	cp := make(remote.DeleteTargets, len(targets))
	for k, v := range targets {
		cp[k] = append([]int64(nil), v...)
	}
	return &pgDelete{repo: r, targets: cp, dryRun: dryRun}, nil
}

type pgDelete struct {
	repo    *Repo
	targets remote.DeleteTargets
	dryRun  bool

	mu      sync.Mutex
	done    bool
	deleted int
}

// Poll reports whether the command has finished, executing it on the
// first call.
func (d *pgDelete) Poll(ctx context.Context) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done {
		return true, nil
	}
	n, err := d.apply(ctx)
	if err != nil {
		return false, err
	}
	d.deleted = n
	d.done = true
	return true, nil
}

func (d *pgDelete) DeletedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deleted
}

func (d *pgDelete) apply(ctx context.Context) (int, error) {
	tx, err := d.repo.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("delete: %w", err)
	}
	defer tx.Rollback(ctx)

	deleted := 0
	for typeName, ids := range d.targets {
		if len(ids) == 0 {
			continue
		}
		if typeName == "FileAnnotation" {
			tag, err := tx.Exec(ctx,
				`DELETE FROM file_links WHERE id = ANY($1)`, ids)
			if err != nil {
				return 0, fmt.Errorf("delete file annotations: %w", err)
			}
			deleted += int(tag.RowsAffected())
			continue
		}
		tag, err := tx.Exec(ctx,
			`DELETE FROM annotation_links WHERE id = ANY($1)`, ids)
		if err != nil {
			return 0, fmt.Errorf("delete %s: %w", typeName, err)
		}
		deleted += int(tag.RowsAffected())
	}

	if d.dryRun {
		// Count what would go, then discard the transaction.
		return deleted, tx.Rollback(ctx)
	}

	_, err = tx.Exec(ctx, `
		DELETE FROM annotations a
		WHERE NOT EXISTS (
			SELECT 1 FROM annotation_links l WHERE l.ann_id = a.id
		)`)
	if err != nil {
		return 0, fmt.Errorf("collect orphan annotations: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("delete: %w", err)
	}
	return deleted, nil
}
