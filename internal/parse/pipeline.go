package parse

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/openimaging/bulkmeta/internal/hierarchy"
	"github.com/openimaging/bulkmeta/internal/metrics"
	"github.com/openimaging/bulkmeta/internal/model"
	"github.com/openimaging/bulkmeta/internal/remote"
	"github.com/openimaging/bulkmeta/internal/resolve"
)

// DefaultTableName is the storage name used when none is configured.
const DefaultTableName = "bulk_annotations"

// DefaultBatchSize is the number of rows accumulated before a write.
const DefaultBatchSize = 1000

// ErrNothingToDo is returned by Execute when no row survives
// filtering. The CLI maps it to a non-zero exit.
var ErrNothingToDo = errors.New("nothing to do: no data rows for target")

// Options tune one pipeline run.
type Options struct {
	TableName   string
	BatchSize   int
	ColumnTypes []model.ColumnType // explicit override, wins over a type row
	AllowNaN    bool
}

func (o *Options) fill() {
	if o.TableName == "" {
		o.TableName = DefaultTableName
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
}

// Pipeline imports one delimited file against one target object.
type Pipeline struct {
	repo   remote.Repository
	target model.TargetRef
	opts   Options
}

// New builds a pipeline. The repository outlives the pipeline; the
// pipeline owns nothing until Execute creates the table.
func New(repo remote.Repository, target model.TargetRef, opts Options) *Pipeline {
	opts.fill()
	return &Pipeline{repo: repo, target: target, opts: opts}
}

// Plan is the outcome of the schema/sizing phase. It caches the parsed
// rows so the execution phase never re-reads the input.
type Plan struct {
	Columns      []model.Column
	Rows         [][]string
	EmptySkipped int

	inputCols int
	index     *hierarchy.Index
	resolver  *resolve.ValueResolver
}

// Index exposes the hierarchy loaded for this plan.
func (p *Plan) Index() *hierarchy.Index { return p.index }

// Plan streams the file once: reads the optional type-annotation row
// and the header, derives the column schema, loads the hierarchy and
// resolves every row to compute final string column widths.
func (p *Pipeline) Plan(ctx context.Context, r io.Reader) (*Plan, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	first, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: cannot read header row: %v", resolve.ErrSchema, err)
	}
	types := p.opts.ColumnTypes
	header := first
	if resolve.IsTypeRow(first) {
		if types == nil {
			if types, err = resolve.TypeRow(first); err != nil {
				return nil, err
			}
		}
		if header, err = reader.Read(); err != nil {
			return nil, fmt.Errorf("%w: cannot read header row: %v", resolve.ErrSchema, err)
		}
	}

	plan := &Plan{inputCols: len(header)}
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", resolve.ErrValue, err)
		}
		if emptyRow(row) {
			slog.Warn("skipping empty row", "row", len(plan.Rows)+plan.EmptySkipped+1)
			plan.EmptySkipped++
			continue
		}
		plan.Rows = append(plan.Rows, row)
	}

	plan.Columns, err = resolve.Schema(p.target.Kind, header, types, plan.Rows)
	if err != nil {
		return nil, err
	}

	var loadOpts []hierarchy.Option
	if p.target.Kind == model.KindDataset && needsROIs(plan.Columns) {
		loadOpts = append(loadOpts, hierarchy.WithROIs())
	}
	plan.index, err = hierarchy.Load(ctx, p.repo, p.target, loadOpts...)
	if err != nil {
		return nil, err
	}
	plan.resolver = resolve.NewValueResolver(plan.index, p.opts.AllowNaN)

	// Sizing pass: resolve each row into a one-row batch, fill the
	// companion columns and record the resulting byte widths.
	for _, row := range plan.Rows {
		vals, outcome, err := p.resolveRow(plan, row)
		if err != nil {
			return nil, err
		}
		if outcome == resolve.SkipRow {
			continue
		}
		buffer(plan.Columns, vals)
		if err := p.postProcess(plan); err != nil {
			return nil, err
		}
		for i := range plan.Columns {
			plan.Columns[i].Reset()
		}
	}
	return plan, nil
}

// Result reports what Execute wrote.
type Result struct {
	TableFileID int64
	RowsWritten int
	RowsSkipped int
	Batches     int
}

// Execute creates the remote table, resolves and writes every planned
// row in batches, and links the table file to the target. The table
// handle is closed on every path.
func (p *Pipeline) Execute(ctx context.Context, plan *Plan) (res *Result, err error) {
	filter := p.rowFilter(plan)

	table, err := p.repo.NewTable(ctx, p.opts.TableName, plan.Columns)
	if err != nil {
		return nil, fmt.Errorf("create table %q: %w", p.opts.TableName, err)
	}
	defer func() {
		if cerr := table.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	slog.Info("created table", "name", p.opts.TableName, "file", table.FileID())

	res = &Result{TableFileID: table.FileID()}
	buffered := 0
	flush := func() error {
		if buffered == 0 {
			return nil
		}
		if err := p.postProcess(plan); err != nil {
			return err
		}
		if err := table.AddData(ctx, plan.Columns); err != nil {
			return fmt.Errorf("write batch: %w", err)
		}
		res.Batches++
		res.RowsWritten += buffered
		metrics.BatchesFlushed.Inc()
		metrics.RowsProcessed.Add(float64(buffered))
		for i := range plan.Columns {
			plan.Columns[i].Reset()
		}
		buffered = 0
		return nil
	}

	for i, row := range plan.Rows {
		if !filter(row) {
			res.RowsSkipped++
			metrics.RowsSkipped.WithLabelValues("filtered").Inc()
			continue
		}
		vals, outcome, err := p.resolveRow(plan, row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}
		if outcome == resolve.SkipRow {
			slog.Warn("dropping row", "row", i+1)
			res.RowsSkipped++
			metrics.RowsSkipped.WithLabelValues("unresolved").Inc()
			continue
		}
		buffer(plan.Columns, vals)
		buffered++
		if buffered >= p.opts.BatchSize {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}
	if res.RowsWritten == 0 {
		return nil, ErrNothingToDo
	}

	err = p.repo.SaveFileLink(ctx, p.target, table.FileID(), remote.NSBulkAnnotations, p.opts.TableName)
	if err != nil {
		return nil, fmt.Errorf("link table file to %s: %w", p.target, err)
	}
	return res, nil
}

func emptyRow(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

func needsROIs(cols []model.Column) bool {
	for _, c := range cols {
		if c.Type == model.ColROI || strings.EqualFold(c.Name, "shape") {
			return true
		}
	}
	return false
}

// rowFilter restricts a plate- or dataset-scoped import to the
// target's own rows when the file carries a foreign container column.
func (p *Pipeline) rowFilter(plan *Plan) func([]string) bool {
	idx := -1
	for i, col := range plan.Columns {
		name := strings.ToLower(col.Name)
		if p.target.Kind == model.KindPlate && name == "plate" {
			idx = i
			break
		}
		if p.target.Kind == model.KindDataset && name == "dataset name" {
			idx = i
			break
		}
	}
	if idx < 0 {
		return func([]string) bool { return true }
	}
	targetName := plan.index.Target.Name
	slog.Debug("filtering rows", "column", plan.Columns[idx].Name, "name", targetName)
	return func(row []string) bool {
		return idx < len(row) && row[idx] == targetName
	}
}

// resolveRow resolves the raw cells of one row against the input
// columns (companion columns carry no input cells).
func (p *Pipeline) resolveRow(plan *Plan, row []string) ([]any, resolve.Outcome, error) {
	if len(row) != plan.inputCols {
		return nil, 0, fmt.Errorf("%w: row has %d cells but the header has %d columns", resolve.ErrValue, len(row), plan.inputCols)
	}
	cells := make([]resolve.RowCell, len(row))
	for i, raw := range row {
		cells[i] = resolve.RowCell{Column: plan.Columns[i], Value: raw}
	}
	vals := make([]any, len(row))
	for i, cell := range cells {
		result, err := plan.resolver.Resolve(cell.Column, cell.Value, cells)
		if err != nil {
			return nil, 0, err
		}
		if result.Outcome == resolve.SkipRow {
			return nil, resolve.SkipRow, nil
		}
		vals[i] = result.Value
	}

	// Rows referencing an unknown image by name are dropped rather
	// than written with a dangling reference.
	if outcome := p.checkImageName(plan, cells); outcome == resolve.SkipRow {
		return nil, resolve.SkipRow, nil
	}
	return vals, resolve.Resolved, nil
}

// checkImageName verifies that an "Image Name" cell on a dataset or
// project import resolves within its dataset scope.
func (p *Pipeline) checkImageName(plan *Plan, cells []resolve.RowCell) resolve.Outcome {
	if p.target.Kind != model.KindDataset && p.target.Kind != model.KindProject {
		return resolve.Resolved
	}
	if !hasSynthesizedImageID(plan.Columns) {
		return resolve.Resolved
	}
	for _, cell := range cells {
		if cell.Column.Name != resolve.ImageNameColumn {
			continue
		}
		scope, ok := p.datasetScope(plan, cells)
		if !ok {
			return resolve.SkipRow
		}
		if _, ok := plan.index.ImageIDByName(scope, cell.Value); !ok {
			slog.Warn("image name not found", "name", cell.Value)
			return resolve.SkipRow
		}
	}
	return resolve.Resolved
}

func hasSynthesizedImageID(cols []model.Column) bool {
	var hasName, hasID bool
	for _, c := range cols {
		if c.Name == resolve.ImageNameColumn {
			hasName = true
		}
		if c.Type == model.ColImage {
			hasID = true
		}
	}
	return hasName && hasID
}

// datasetScope finds the dataset id scoping a row's image names.
func (p *Pipeline) datasetScope(plan *Plan, cells []resolve.RowCell) (int64, bool) {
	if p.target.Kind == model.KindDataset {
		return plan.index.Target.ID, true
	}
	for _, cell := range cells {
		switch strings.ToLower(cell.Column.Name) {
		case strings.ToLower(resolve.DatasetNameColumn):
			if d, ok := plan.index.DatasetByName(cell.Value); ok {
				return d.ID, true
			}
		case "dataset":
			id, err := strconv.ParseInt(cell.Value, 10, 64)
			if err != nil {
				continue
			}
			if d, ok := plan.index.DatasetByID(id); ok {
				return d.ID, true
			}
		}
	}
	return 0, false
}

// buffer appends one resolved row to the column value buffers. Columns
// beyond the raw cell count are companions filled by postProcess.
func buffer(cols []model.Column, vals []any) {
	for i, v := range vals {
		cols[i].Append(v)
	}
}
