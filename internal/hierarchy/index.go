// Package hierarchy loads the subtree under a single target object
// into in-memory lookup indices. One loader exists per target kind;
// every loader produces the same Index capability set, so downstream
// resolution never inspects the concrete kind.
package hierarchy

import (
	"fmt"

	"github.com/openimaging/bulkmeta/internal/model"
)

// coord addresses a well by 0-based row and column.
type coord struct {
	row, col int
}

// Plate carries the per-plate well indices built during a load.
type Plate struct {
	model.Object
	wellsByCoord map[coord]*model.Well
	wellsByID    map[int64]*model.Well
}

// Index is the read-only lookup structure produced by Load. Image
// lookups are scoped: the scope id is the containing plate for
// screen/plate loads and the containing dataset for project/dataset
// loads.
type Index struct {
	Kind   model.Kind
	Target model.Object

	// AmbiguousROINames is set when two regions of interest share a
	// name. Name-based ROI resolution must fail at the point of use.
	AmbiguousROINames bool

	platesByID   map[int64]*Plate
	platesByName map[string]*Plate

	datasetsByID   map[int64]model.Object
	datasetsByName map[string]model.Object

	imagesByScope     map[int64]map[int64]model.Object
	imageNamesByScope map[int64]map[string]model.Object

	roisByID   map[int64]model.ROI
	roisByName map[string]model.ROI
	shapeIDs   map[int64]bool
	roisLoaded bool
}

func newIndex(kind model.Kind, target model.Object) *Index {
	return &Index{
		Kind:              kind,
		Target:            target,
		platesByID:        make(map[int64]*Plate),
		platesByName:      make(map[string]*Plate),
		datasetsByID:      make(map[int64]model.Object),
		datasetsByName:    make(map[string]model.Object),
		imagesByScope:     make(map[int64]map[int64]model.Object),
		imageNamesByScope: make(map[int64]map[string]model.Object),
		roisByID:          make(map[int64]model.ROI),
		roisByName:        make(map[string]model.ROI),
		shapeIDs:          make(map[int64]bool),
	}
}

func (x *Index) scope(id int64) (map[int64]model.Object, map[string]model.Object) {
	if x.imagesByScope[id] == nil {
		x.imagesByScope[id] = make(map[int64]model.Object)
		x.imageNamesByScope[id] = make(map[string]model.Object)
	}
	return x.imagesByScope[id], x.imageNamesByScope[id]
}

// DefaultScope returns the image scope id when exactly one scope was
// loaded.
func (x *Index) DefaultScope() (int64, bool) {
	if len(x.imagesByScope) != 1 {
		return 0, false
	}
	for id := range x.imagesByScope {
		return id, true
	}
	return 0, false
}

// PlateByName looks a plate up by display name.
func (x *Index) PlateByName(name string) (*Plate, bool) {
	p, ok := x.platesByName[name]
	return p, ok
}

// PlateName returns the display name of a loaded plate.
func (x *Index) PlateName(id int64) (string, error) {
	p, ok := x.platesByID[id]
	if !ok {
		return "", fmt.Errorf("plate %d not loaded", id)
	}
	return p.Name, nil
}

// WellIDByCoordinate resolves a 0-based (row, col) within a plate
// scope. A false return means the coordinate has no well.
func (x *Index) WellIDByCoordinate(plateID int64, row, col int) (int64, bool) {
	p, ok := x.platesByID[plateID]
	if !ok {
		return 0, false
	}
	w, ok := p.wellsByCoord[coord{row, col}]
	if !ok {
		return 0, false
	}
	return w.ID, true
}

// WellName renders the "A1"-style name of a loaded well.
func (x *Index) WellName(plateID, wellID int64) (string, error) {
	p, ok := x.platesByID[plateID]
	if !ok {
		return "", fmt.Errorf("plate %d not loaded", plateID)
	}
	w, ok := p.wellsByID[wellID]
	if !ok {
		return "", fmt.Errorf("well %d not loaded in plate %d", wellID, plateID)
	}
	return model.WellName(w.Row, w.Col), nil
}

// DatasetByID looks a dataset up by id.
func (x *Index) DatasetByID(id int64) (model.Object, bool) {
	d, ok := x.datasetsByID[id]
	return d, ok
}

// DatasetByName looks a dataset up by display name.
func (x *Index) DatasetByName(name string) (model.Object, bool) {
	d, ok := x.datasetsByName[name]
	return d, ok
}

// ImageByID resolves an image id within a scope.
func (x *Index) ImageByID(scopeID, imageID int64) (model.Object, bool) {
	img, ok := x.imagesByScope[scopeID][imageID]
	return img, ok
}

// ImageIDByName resolves an image name within a scope. The -1 sentinel
// is never returned here; absence is reported through ok.
func (x *Index) ImageIDByName(scopeID int64, name string) (int64, bool) {
	img, ok := x.imageNamesByScope[scopeID][name]
	if !ok {
		return 0, false
	}
	return img.ID, true
}

// ImageName returns the display name of a loaded image within a scope.
func (x *Index) ImageName(scopeID, imageID int64) (string, error) {
	img, ok := x.imagesByScope[scopeID][imageID]
	if !ok {
		return "", fmt.Errorf("image %d not loaded in scope %d", imageID, scopeID)
	}
	return img.Name, nil
}

// ROIByID reports whether a region of interest id is loaded.
func (x *Index) ROIByID(id int64) (model.ROI, bool) {
	r, ok := x.roisByID[id]
	return r, ok
}

// ROIIDByName resolves a region of interest by name. Returns an error
// when names were ambiguous at load time.
func (x *Index) ROIIDByName(name string) (int64, bool, error) {
	if x.AmbiguousROINames {
		return 0, false, fmt.Errorf("cannot resolve region-of-interest names: duplicates present")
	}
	r, ok := x.roisByName[name]
	if !ok {
		return 0, false, nil
	}
	return r.ID, true, nil
}

// ROIName returns the name of a loaded region of interest.
func (x *Index) ROIName(id int64) (string, error) {
	r, ok := x.roisByID[id]
	if !ok {
		return "", fmt.Errorf("region of interest %d not loaded", id)
	}
	return r.Name, nil
}

// ShapeByID reports whether a shape id is loaded.
func (x *Index) ShapeByID(id int64) bool {
	return x.shapeIDs[id]
}

// ROIsLoaded reports whether region-of-interest indices were built.
func (x *Index) ROIsLoaded() bool {
	return x.roisLoaded
}
