// table.go provides the column-oriented table storage behind
// remote.TableService. Each value is one JSONB cell keyed by
// (file_id, column index, row index); NaN doubles, which JSON cannot
// represent, are stored as SQL NULL and restored on read.
package pgrepo

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/jackc/pgx/v5"

	"github.com/openimaging/bulkmeta/internal/model"
	"github.com/openimaging/bulkmeta/internal/remote"
)

// NewTable implements remote.TableService.
func (r *Repo) NewTable(ctx context.Context, name string, cols []model.Column) (remote.Table, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("new table %q: %w", name, err)
	}
	defer tx.Rollback(ctx)

	var fileID int64
	err = tx.QueryRow(ctx,
		`INSERT INTO table_files (name) VALUES ($1) RETURNING file_id`, name,
	).Scan(&fileID)
	if err != nil {
		return nil, fmt.Errorf("new table %q: %w", name, err)
	}
	for i, c := range cols {
		_, err := tx.Exec(ctx, `
			INSERT INTO table_columns (file_id, idx, col_type, name, description, size)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			fileID, i, int(c.Type), c.Name, c.Description, c.Size)
		if err != nil {
			return nil, fmt.Errorf("new table %q: %w", name, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("new table %q: %w", name, err)
	}
	return &pgTable{repo: r, fileID: fileID, schema: model.CloneSchema(cols)}, nil
}

// OpenTable implements remote.TableService.
func (r *Repo) OpenTable(ctx context.Context, fileID int64) (remote.Table, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM table_files WHERE file_id = $1)`, fileID,
	).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("open table %d: %w", fileID, err)
	}
	if !exists {
		return nil, fmt.Errorf("table file %d: %w", fileID, remote.ErrNotFound)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT col_type, name, description, size
		FROM table_columns WHERE file_id = $1 ORDER BY idx`,
		fileID)
	if err != nil {
		return nil, fmt.Errorf("open table %d: %w", fileID, err)
	}
	defer rows.Close()

	var schema []model.Column
	for rows.Next() {
		var (
			ct  int
			col model.Column
		)
		if err := rows.Scan(&ct, &col.Name, &col.Description, &col.Size); err != nil {
			return nil, fmt.Errorf("open table %d: %w", fileID, err)
		}
		col.Type = model.ColumnType(ct)
		schema = append(schema, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("open table %d: %w", fileID, err)
	}
	return &pgTable{repo: r, fileID: fileID, schema: schema}, nil
}

// pgTable is a handle to one stored table.
type pgTable struct {
	repo   *Repo
	fileID int64
	schema []model.Column
}

func (t *pgTable) FileID() int64 { return t.fileID }

func (t *pgTable) Headers(ctx context.Context) ([]model.Column, error) {
	return model.CloneSchema(t.schema), nil
}

func (t *pgTable) NumRows(ctx context.Context) (int, error) {
	var n int
	err := t.repo.pool.QueryRow(ctx,
		`SELECT num_rows FROM table_files WHERE file_id = $1`, t.fileID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("table %d rows: %w", t.fileID, err)
	}
	return n, nil
}

func (t *pgTable) AddData(ctx context.Context, cols []model.Column) error {
	if len(cols) != len(t.schema) {
		return fmt.Errorf("table %d: batch has %d columns, schema has %d",
			t.fileID, len(cols), len(t.schema))
	}
	n := len(cols[0].Values)
	for _, c := range cols {
		if len(c.Values) != n {
			return fmt.Errorf("table %d: ragged batch, column %q has %d values, want %d",
				t.fileID, c.Name, len(c.Values), n)
		}
	}

	tx, err := t.repo.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("table %d append: %w", t.fileID, err)
	}
	defer tx.Rollback(ctx)

	var base int
	err = tx.QueryRow(ctx,
		`SELECT num_rows FROM table_files WHERE file_id = $1 FOR UPDATE`, t.fileID,
	).Scan(&base)
	if err != nil {
		return fmt.Errorf("table %d append: %w", t.fileID, err)
	}

	batch := &pgx.Batch{}
	for ci, c := range cols {
		for ri, v := range c.Values {
			cell, err := encodeCell(v)
			if err != nil {
				return fmt.Errorf("table %d column %q row %d: %w", t.fileID, c.Name, base+ri, err)
			}
			batch.Queue(`
				INSERT INTO table_cells (file_id, col_idx, row_idx, value)
				VALUES ($1, $2, $3, $4)`,
				t.fileID, ci, base+ri, cell)
		}
	}
	batch.Queue(`UPDATE table_files SET num_rows = $2 WHERE file_id = $1`, t.fileID, base+n)

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("table %d append: %w", t.fileID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("table %d append: %w", t.fileID, err)
	}
	return nil
}

func (t *pgTable) ReadRows(ctx context.Context, from, to int) ([]model.Column, error) {
	out := model.CloneSchema(t.schema)
	if to <= from {
		return out, nil
	}

	rows, err := t.repo.pool.Query(ctx, `
		SELECT col_idx, row_idx, value FROM table_cells
		WHERE file_id = $1 AND row_idx >= $2 AND row_idx < $3
		ORDER BY col_idx, row_idx`,
		t.fileID, from, to)
	if err != nil {
		return nil, fmt.Errorf("table %d read [%d,%d): %w", t.fileID, from, to, err)
	}
	defer rows.Close()

	width := to - from
	for i := range out {
		out[i].Values = make([]any, width)
	}
	for rows.Next() {
		var (
			ci, ri int
			cell   []byte
		)
		if err := rows.Scan(&ci, &ri, &cell); err != nil {
			return nil, fmt.Errorf("table %d read: %w", t.fileID, err)
		}
		if ci >= len(out) || ri-from < 0 || ri-from >= width {
			return nil, fmt.Errorf("table %d read: cell (%d,%d) outside window", t.fileID, ci, ri)
		}
		v, err := decodeCell(cell, out[ci].Type)
		if err != nil {
			return nil, fmt.Errorf("table %d column %q row %d: %w", t.fileID, out[ci].Name, ri, err)
		}
		out[ci].Values[ri-from] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("table %d read: %w", t.fileID, err)
	}
	return out, nil
}

func (t *pgTable) Close() error { return nil }

func encodeCell(v any) ([]byte, error) {
	if f, ok := v.(float64); ok && math.IsNaN(f) {
		return []byte("null"), nil
	}
	return json.Marshal(v)
}

// decodeCell restores the Go value a column type expects. Longs and
// identifier ids come back as int64 rather than float64, which matters
// for object ids beyond 2^53.
func decodeCell(cell []byte, ct model.ColumnType) (any, error) {
	if string(cell) == "null" {
		if ct == model.ColDouble {
			return math.NaN(), nil
		}
		return nil, fmt.Errorf("unexpected null cell")
	}
	switch ct {
	case model.ColString:
		var s string
		if err := json.Unmarshal(cell, &s); err != nil {
			return nil, err
		}
		return s, nil
	case model.ColBool:
		var b bool
		if err := json.Unmarshal(cell, &b); err != nil {
			return nil, err
		}
		return b, nil
	case model.ColDouble:
		var f float64
		if err := json.Unmarshal(cell, &f); err != nil {
			return nil, err
		}
		return f, nil
	default:
		var n json.Number
		if err := json.Unmarshal(cell, &n); err != nil {
			return nil, err
		}
		return n.Int64()
	}
}
