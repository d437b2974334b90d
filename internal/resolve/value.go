package resolve

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/openimaging/bulkmeta/internal/hierarchy"
	"github.com/openimaging/bulkmeta/internal/model"
)

// ErrValue marks fatal cell coercion failures.
var ErrValue = errors.New("invalid value")

// ErrResolve marks rows whose parent scope cannot be determined.
var ErrResolve = errors.New("cannot resolve")

// booleanTrue is the recognized true-token set for boolean columns.
// Anything else is false.
var booleanTrue = map[string]bool{
	"yes": true, "true": true, "t": true, "1": true,
}

// Outcome classifies one cell resolution.
type Outcome int

const (
	// Resolved means the cell produced a usable value.
	Resolved Outcome = iota
	// NotFound means a reference lookup missed; the -1 sentinel is
	// written and the row is kept.
	NotFound
	// SkipRow means the whole row must be dropped from the output.
	SkipRow
)

// Result is the outcome of resolving one cell.
type Result struct {
	Outcome Outcome
	Value   any
}

func resolved(v any) Result { return Result{Outcome: Resolved, Value: v} }

var notFound = Result{Outcome: NotFound, Value: model.NotFound}
var skipRow = Result{Outcome: SkipRow}

// RowCell pairs a schema column with the raw text of one row's cell.
type RowCell struct {
	Column model.Column
	Value  string
}

// ValueResolver resolves raw cell text against a loaded hierarchy
// index. It is read-only and safe to reuse across rows.
type ValueResolver struct {
	index    *hierarchy.Index
	allowNaN bool
}

// NewValueResolver builds a resolver over a loaded index. allowNaN
// substitutes NaN for empty floating-point cells instead of failing.
func NewValueResolver(index *hierarchy.Index, allowNaN bool) *ValueResolver {
	return &ValueResolver{index: index, allowNaN: allowNaN}
}

// Index exposes the underlying hierarchy for companion-column
// post-processing.
func (r *ValueResolver) Index() *hierarchy.Index { return r.index }

// Resolve turns one raw cell into a typed value. row carries the whole
// raw row so reference columns can find their parent scope in sibling
// cells.
func (r *ValueResolver) Resolve(col model.Column, value string, row []RowCell) (Result, error) {
	lower := strings.ToLower(col.Name)
	switch {
	case col.Type == model.ColImage:
		return r.resolveImage(value, row)
	case col.Type == model.ColWell:
		return r.resolveWell(value, row)
	case col.Type == model.ColPlate:
		return r.resolvePlate(value)
	case col.Type == model.ColDataset:
		return r.resolveDataset(lower, value)
	case col.Type == model.ColROI:
		return r.resolveROI(value)
	case lower == "shape" && r.index.ROIsLoaded():
		return r.resolveShape(value)
	case (lower == "row" || lower == "column") && col.Type == model.ColLong:
		return resolvePosition(value)
	case col.Type == model.ColString:
		return resolved(value), nil
	}

	if value == "" && (col.Type == model.ColLong || col.Type == model.ColDouble) {
		if r.allowNaN && col.Type == model.ColDouble {
			slog.Debug("substituting NaN for empty cell", "column", col.Name)
			return resolved(math.NaN()), nil
		}
		return Result{}, fmt.Errorf("%w: empty cell in numeric column %q, enable NaN substitution to accept it", ErrValue, col.Name)
	}

	switch col.Type {
	case model.ColLong:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return Result{}, fmt.Errorf("%w: column %q: %q is not an integer", ErrValue, col.Name, value)
		}
		return resolved(n), nil
	case model.ColDouble:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return Result{}, fmt.Errorf("%w: column %q: %q is not a number", ErrValue, col.Name, value)
		}
		return resolved(f), nil
	case model.ColBool:
		return resolved(booleanTrue[strings.ToLower(value)]), nil
	}
	return Result{}, fmt.Errorf("%w: unsupported column type %s", ErrValue, col.Type.Token())
}

// imageScope finds the image lookup scope for a row: the single loaded
// scope, or the scope named by a sibling plate/dataset column.
func (r *ValueResolver) imageScope(row []RowCell) (int64, error) {
	if scope, ok := r.index.DefaultScope(); ok {
		return scope, nil
	}
	for _, cell := range row {
		switch {
		case cell.Column.Type == model.ColPlate:
			if p, ok := r.index.PlateByName(cell.Value); ok {
				return p.ID, nil
			}
		case strings.EqualFold(cell.Column.Name, DatasetNameColumn):
			if d, ok := r.index.DatasetByName(cell.Value); ok {
				return d.ID, nil
			}
		case strings.EqualFold(cell.Column.Name, "dataset"):
			id, err := strconv.ParseInt(cell.Value, 10, 64)
			if err != nil {
				continue
			}
			if d, ok := r.index.DatasetByID(id); ok {
				return d.ID, nil
			}
		}
	}
	return 0, fmt.Errorf("%w: unable to locate parent column in row: %v", ErrResolve, rawValues(row))
}

func (r *ValueResolver) resolveImage(value string, row []RowCell) (Result, error) {
	scope, err := r.imageScope(row)
	if err != nil {
		return Result{}, err
	}
	id, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return Result{}, fmt.Errorf("%w: image id %q is not an integer", ErrValue, value)
	}
	if img, ok := r.index.ImageByID(scope, id); ok {
		return resolved(img.ID), nil
	}
	slog.Debug("image id not found", "id", value)
	return notFound, nil
}

func (r *ValueResolver) resolveWell(value string, row []RowCell) (Result, error) {
	wellRow, wellCol, err := model.ParseWellName(value)
	if err != nil {
		return Result{}, fmt.Errorf("%w: cannot parse well identifier %q from row: %v", ErrResolve, value, rawValues(row))
	}
	var plateID int64
	if scope, ok := r.index.DefaultScope(); ok {
		plateID = scope
	} else {
		found := false
		for _, cell := range row {
			if cell.Column.Type == model.ColPlate {
				if p, ok := r.index.PlateByName(cell.Value); ok {
					plateID = p.ID
					found = true
				}
				break
			}
		}
		if !found {
			return Result{}, fmt.Errorf("%w: unable to locate plate column in row: %v", ErrResolve, rawValues(row))
		}
	}
	if id, ok := r.index.WellIDByCoordinate(plateID, wellRow, wellCol); ok {
		return resolved(id), nil
	}
	slog.Debug("well coordinate not found", "well", value, "plate", plateID)
	return notFound, nil
}

func (r *ValueResolver) resolvePlate(value string) (Result, error) {
	if p, ok := r.index.PlateByName(value); ok {
		return resolved(p.ID), nil
	}
	slog.Warn("screen is missing plate", "plate", value)
	return skipRow, nil
}

func (r *ValueResolver) resolveDataset(lowerName, value string) (Result, error) {
	if lowerName == "dataset" {
		id, err := strconv.ParseInt(value, 10, 64)
		if err == nil {
			if d, ok := r.index.DatasetByID(id); ok {
				return resolved(d.ID), nil
			}
		}
	} else if d, ok := r.index.DatasetByName(value); ok {
		return resolved(d.ID), nil
	}
	slog.Warn("project is missing dataset", "dataset", value)
	return skipRow, nil
}

func (r *ValueResolver) resolveROI(value string) (Result, error) {
	id, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		slog.Warn("wrong input type for region-of-interest id", "value", value)
		return notFound, nil
	}
	if roi, ok := r.index.ROIByID(id); ok {
		return resolved(roi.ID), nil
	}
	slog.Warn("missing region of interest", "id", value)
	return notFound, nil
}

func (r *ValueResolver) resolveShape(value string) (Result, error) {
	id, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		slog.Warn("wrong input type for shape id", "value", value)
		return notFound, nil
	}
	if r.index.ShapeByID(id) {
		return resolved(id), nil
	}
	slog.Warn("missing shape", "id", value)
	return notFound, nil
}

// resolvePosition accepts a 1-based row/column literal or an alphabetic
// row token and returns the 0-based index.
func resolvePosition(value string) (Result, error) {
	if n, err := strconv.ParseInt(value, 10, 64); err == nil {
		return resolved(n - 1), nil
	}
	if idx, ok := model.RowIndex(value); ok {
		return resolved(int64(idx)), nil
	}
	return Result{}, fmt.Errorf("%w: %q is not a row or column position", ErrValue, value)
}

func rawValues(row []RowCell) []string {
	vals := make([]string, len(row))
	for i, cell := range row {
		vals[i] = cell.Value
	}
	return vals
}
