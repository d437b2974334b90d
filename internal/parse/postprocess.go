package parse

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/openimaging/bulkmeta/internal/model"
	"github.com/openimaging/bulkmeta/internal/resolve"
)

// batchColumns indexes the schema columns a post-processing pass cares
// about. Pointers address the live buffers inside plan.Columns.
type batchColumns struct {
	byName    map[string]*model.Column
	well      *model.Column
	wellName  *model.Column
	plateName *model.Column
	image     *model.Column
	imageName *model.Column
	roi       *model.Column
	roiName   *model.Column
}

func indexBatch(cols []model.Column) batchColumns {
	b := batchColumns{byName: make(map[string]*model.Column, len(cols))}
	for i := range cols {
		col := &cols[i]
		b.byName[strings.ToLower(col.Name)] = col
		switch {
		case col.Type == model.ColWell:
			b.well = col
		case col.Name == resolve.WellNameColumn:
			b.wellName = col
		case col.Name == resolve.PlateNameColumn:
			b.plateName = col
		case col.Name == resolve.ImageNameColumn:
			b.imageName = col
		case col.Type == model.ColImage:
			b.image = col
		case col.Name == resolve.ROINameColumn:
			b.roiName = col
		case col.Type == model.ColROI:
			b.roi = col
		}
	}
	return b
}

func asID(v any) (int64, bool) {
	n, ok := v.(int64)
	return n, ok
}

// postProcess fills every companion column for the currently buffered
// batch: well and plate names from ids, image names from ids or image
// ids from names, and the region-of-interest equivalents.
func (p *Pipeline) postProcess(plan *Plan) error {
	b := indexBatch(plan.Columns)
	if b.wellName == nil && b.plateName == nil && b.imageName == nil &&
		b.roiName == nil && b.roi == nil {
		slog.Debug("nothing to do during post processing")
		return nil
	}

	resolveImageNames := b.image != nil && len(b.image.Values) > 0
	resolveImageIDs := b.imageName != nil && len(b.imageName.Values) > 0
	resolveROINames := b.roi != nil && len(b.roi.Values) > 0
	resolveROIIDs := b.roiName != nil && len(b.roiName.Values) > 0

	sz := 0
	for i := range plan.Columns {
		if n := len(plan.Columns[i].Values); n > sz {
			sz = n
		}
	}

	for i := 0; i < sz; i++ {
		if b.wellName != nil && b.well != nil {
			b.wellName.Append(p.wellNameAt(plan, b, i))
		}

		switch {
		case b.imageName != nil && isPDI(p.target.Kind) && resolveImageNames && !resolveImageIDs:
			name := ""
			if id, ok := asID(b.image.Values[i]); ok && id >= 0 {
				if scope, ok := p.batchDatasetScope(plan, b, i); ok {
					if n, err := plan.index.ImageName(scope, id); err == nil {
						name = n
					} else {
						slog.Warn("image id not found", "id", id)
					}
				}
			}
			b.imageName.Append(name)
		case b.image != nil && isPDI(p.target.Kind) && resolveImageIDs && !resolveImageNames:
			id := model.NotFound
			name, _ := b.imageName.Values[i].(string)
			if scope, ok := p.batchDatasetScope(plan, b, i); ok {
				if n, ok := plan.index.ImageIDByName(scope, name); ok {
					id = n
				} else {
					slog.Warn("image name not found", "name", name)
				}
			}
			b.image.Append(id)
		case b.imageName != nil && isSPW(p.target.Kind) && b.image != nil:
			name := ""
			if id, ok := asID(b.image.Values[i]); ok && id >= 0 {
				if scope, ok := p.batchPlateScope(plan, b, i); ok {
					if n, err := plan.index.ImageName(scope, id); err == nil {
						name = n
					}
				}
			}
			b.imageName.Append(name)
		}

		if b.plateName != nil {
			name := ""
			if plateCol, ok := b.byName["plate"]; ok && i < len(plateCol.Values) {
				if id, ok := asID(plateCol.Values[i]); ok && id >= 0 {
					if n, err := plan.index.PlateName(id); err == nil {
						name = n
					}
				}
			}
			b.plateName.Append(name)
		}

		if err := p.postProcessROI(plan, b, i, resolveROINames, resolveROIIDs); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) postProcessROI(plan *Plan, b batchColumns, i int, resolveROINames, resolveROIIDs bool) error {
	if p.target.Kind != model.KindImage {
		return nil
	}
	switch {
	case b.roi != nil && b.roiName != nil && resolveROINames && !resolveROIIDs:
		name := ""
		if id, ok := asID(b.roi.Values[i]); ok && id >= 0 {
			if n, err := plan.index.ROIName(id); err == nil {
				name = n
			} else {
				slog.Warn("region-of-interest id not found", "id", id)
			}
		}
		b.roiName.Append(name)
	case b.roi != nil && b.roiName != nil && resolveROIIDs && !resolveROINames:
		name, _ := b.roiName.Values[i].(string)
		id, ok, err := plan.index.ROIIDByName(name)
		if err != nil {
			return fmt.Errorf("%w: %v", resolve.ErrResolve, err)
		}
		if !ok {
			slog.Warn("region-of-interest name not found", "name", name)
			id = model.NotFound
		}
		b.roi.Append(id)
	}
	return nil
}

// wellNameAt renders the well name for buffered row i, or "" when the
// well or its plate cannot be resolved.
func (p *Pipeline) wellNameAt(plan *Plan, b batchColumns, i int) string {
	wellID, ok := asID(b.well.Values[i])
	if !ok || wellID < 0 {
		slog.Warn("missing well id for well name population", "row", i)
		return ""
	}
	plateID, ok := p.batchPlateScope(plan, b, i)
	if !ok {
		slog.Warn("missing plate scope for well name population", "row", i)
		return ""
	}
	name, err := plan.index.WellName(plateID, wellID)
	if err != nil {
		slog.Warn("well name lookup failed", "row", i, "err", err)
		return ""
	}
	return name
}

// batchPlateScope reads the plate scope of buffered row i: the plate
// column's resolved id when present, otherwise the sole loaded plate.
func (p *Pipeline) batchPlateScope(plan *Plan, b batchColumns, i int) (int64, bool) {
	if plateCol, ok := b.byName["plate"]; ok && plateCol.Type == model.ColPlate && i < len(plateCol.Values) {
		if id, ok := asID(plateCol.Values[i]); ok && id >= 0 {
			return id, true
		}
		return 0, false
	}
	return plan.index.DefaultScope()
}

// batchDatasetScope reads the dataset scope of buffered row i.
func (p *Pipeline) batchDatasetScope(plan *Plan, b batchColumns, i int) (int64, bool) {
	if p.target.Kind == model.KindDataset {
		return plan.index.Target.ID, true
	}
	if dn, ok := b.byName[strings.ToLower(resolve.DatasetNameColumn)]; ok && i < len(dn.Values) {
		name, _ := dn.Values[i].(string)
		if d, ok := plan.index.DatasetByName(name); ok {
			return d.ID, true
		}
		return 0, false
	}
	if dc, ok := b.byName["dataset"]; ok && i < len(dc.Values) {
		if id, ok := asID(dc.Values[i]); ok {
			if d, ok := plan.index.DatasetByID(id); ok {
				return d.ID, true
			}
		}
		return 0, false
	}
	return plan.index.DefaultScope()
}

func isSPW(k model.Kind) bool {
	return k == model.KindScreen || k == model.KindPlate
}

func isPDI(k model.Kind) bool {
	return k == model.KindDataset || k == model.KindProject
}
