// Package admin provides administrative operations for database management.
package admin

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ResetTimeout is the maximum duration for database reset operations.
const ResetTimeout = 30 * time.Second

// Resetter handles destructive cleanup of the metadata storage tables.
type Resetter struct {
	Pool *pgxpool.Pool
}

// resetOrder lists the storage tables child-first so truncation never
// trips a foreign key.
var resetOrder = []string{
	"annotation_links",
	"annotations",
	"file_links",
	"table_cells",
	"table_columns",
	"table_files",
}

// ResetTables truncates every imported table and annotation. The
// hierarchy itself (objects, edges, wells, rois) is left intact.
// This is a destructive operation - use with caution.
func (r *Resetter) ResetTables(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, ResetTimeout)
	defer cancel()

	for _, table := range resetOrder {
		if _, err := r.Pool.Exec(ctx, "TRUNCATE "+table+" CASCADE"); err != nil {
			return fmt.Errorf("reset %s: %w", table, err)
		}
	}
	return nil
}
