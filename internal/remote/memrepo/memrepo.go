// Package memrepo implements the remote repository interfaces entirely
// in memory. It backs the test suites and the populate --dry-run path,
// where writes must stay local.
package memrepo

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/openimaging/bulkmeta/internal/model"
	"github.com/openimaging/bulkmeta/internal/remote"
)

// edge keys the containment relation parent -> children of one kind.
type edge struct {
	parentKind model.Kind
	parentID   int64
	childKind  model.Kind
}

type annLink struct {
	id     int64
	parent model.TargetRef
	annID  int64
}

type fileLink struct {
	id     int64 // file annotation id
	parent model.TargetRef
	fileID int64
	ns     string
}

// Store is an in-memory repository. The zero value is not usable; use
// New.
type Store struct {
	mu      sync.Mutex
	nextID  int64
	objects map[model.Kind]map[int64]*model.Object
	wells   map[int64]*wellRec
	rois    map[int64][]model.ROI
	edges   map[edge][]int64
	tables  map[int64]*memTable
	anns    map[int64]*remote.MapAnnotation
	links   map[int64]annLink
	files   map[int64]fileLink

	// DeletePolls is how many Poll calls a delete handle reports
	// "running" before completing. Zero completes on the first poll.
	DeletePolls int
}

type wellRec struct {
	id       int64
	plateID  int64
	row, col int
}

// New returns an empty store.
func New() *Store {
	return &Store{
		objects: make(map[model.Kind]map[int64]*model.Object),
		wells:   make(map[int64]*wellRec),
		rois:    make(map[int64][]model.ROI),
		edges:   make(map[edge][]int64),
		tables:  make(map[int64]*memTable),
		anns:    make(map[int64]*remote.MapAnnotation),
		links:   make(map[int64]annLink),
		files:   make(map[int64]fileLink),
	}
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *Store) put(kind model.Kind, name string) int64 {
	id := s.id()
	if s.objects[kind] == nil {
		s.objects[kind] = make(map[int64]*model.Object)
	}
	s.objects[kind][id] = &model.Object{ID: id, Name: name}
	return id
}

func (s *Store) link(parentKind model.Kind, parentID int64, childKind model.Kind, childID int64) {
	e := edge{parentKind, parentID, childKind}
	s.edges[e] = append(s.edges[e], childID)
}

// ----------------------------------------------------------------------------
// Fixture builders
// ----------------------------------------------------------------------------

// AddScreen creates a screen.
func (s *Store) AddScreen(name string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(model.KindScreen, name)
}

// AddPlate creates a plate, linked under a screen when screenID is
// non-zero.
func (s *Store) AddPlate(screenID int64, name string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.put(model.KindPlate, name)
	if screenID != 0 {
		s.link(model.KindScreen, screenID, model.KindPlate, id)
	}
	return id
}

// AddPlateAcquisition creates an acquisition run under a plate.
func (s *Store) AddPlateAcquisition(plateID int64, name string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.put(model.KindPlateAcquisition, name)
	s.link(model.KindPlate, plateID, model.KindPlateAcquisition, id)
	return id
}

// AddWell creates a well at 0-based row/col on a plate.
func (s *Store) AddWell(plateID int64, row, col int) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.put(model.KindWell, model.WellName(row, col))
	s.wells[id] = &wellRec{id: id, plateID: plateID, row: row, col: col}
	s.link(model.KindPlate, plateID, model.KindWell, id)
	return id
}

// AddWellImage creates a well sample and its image under a well and
// returns the image id.
func (s *Store) AddWellImage(wellID int64, name string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	wsID := s.put(model.KindWellSample, "")
	imgID := s.put(model.KindImage, name)
	s.link(model.KindWell, wellID, model.KindWellSample, wsID)
	s.link(model.KindWellSample, wsID, model.KindImage, imgID)
	return imgID
}

// AddProject creates a project.
func (s *Store) AddProject(name string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(model.KindProject, name)
}

// AddDataset creates a dataset, linked under a project when projectID
// is non-zero.
func (s *Store) AddDataset(projectID int64, name string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.put(model.KindDataset, name)
	if projectID != 0 {
		s.link(model.KindProject, projectID, model.KindDataset, id)
	}
	return id
}

// AddImage creates an image, linked under a dataset when datasetID is
// non-zero.
func (s *Store) AddImage(datasetID int64, name string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.put(model.KindImage, name)
	if datasetID != 0 {
		s.link(model.KindDataset, datasetID, model.KindImage, id)
	}
	return id
}

// AddROI attaches a region of interest with shapeCount shapes to an
// image and returns its id.
func (s *Store) AddROI(imageID int64, name string, shapeCount int) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.id()
	roi := model.ROI{ID: id, Name: name}
	for i := 0; i < shapeCount; i++ {
		roi.ShapeIDs = append(roi.ShapeIDs, s.id())
	}
	s.rois[imageID] = append(s.rois[imageID], roi)
	return id
}

// ----------------------------------------------------------------------------
// QueryService
// ----------------------------------------------------------------------------

// FindObject implements remote.QueryService.
func (s *Store) FindObject(_ context.Context, kind model.Kind, id int64) (model.Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.objects[kind][id]; ok {
		return *o, nil
	}
	return model.Object{}, fmt.Errorf("%w: %s:%d", remote.ErrNotFound, kind, id)
}

func (s *Store) childIDs(parentKind model.Kind, parentID int64, childKind model.Kind) []int64 {
	ids := append([]int64(nil), s.edges[edge{parentKind, parentID, childKind}]...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	end := offset + limit
	if limit <= 0 || end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

// ScreenPlates implements remote.QueryService.
func (s *Store) ScreenPlates(_ context.Context, screenID int64) ([]model.Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var plates []model.Object
	for _, id := range s.childIDs(model.KindScreen, screenID, model.KindPlate) {
		plates = append(plates, *s.objects[model.KindPlate][id])
	}
	return plates, nil
}

// PlateWells implements remote.QueryService.
func (s *Store) PlateWells(_ context.Context, plateID int64, offset, limit int) ([]model.Well, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.childIDs(model.KindPlate, plateID, model.KindWell)
	var wells []model.Well
	for _, id := range page(ids, offset, limit) {
		rec := s.wells[id]
		w := model.Well{ID: rec.id, Row: rec.row, Col: rec.col}
		for _, wsID := range s.childIDs(model.KindWell, id, model.KindWellSample) {
			for _, imgID := range s.childIDs(model.KindWellSample, wsID, model.KindImage) {
				w.Images = append(w.Images, *s.objects[model.KindImage][imgID])
			}
		}
		wells = append(wells, w)
	}
	return wells, nil
}

// DatasetImages implements remote.QueryService.
func (s *Store) DatasetImages(_ context.Context, datasetID int64, offset, limit int) ([]model.Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.childIDs(model.KindDataset, datasetID, model.KindImage)
	var images []model.Object
	for _, id := range page(ids, offset, limit) {
		images = append(images, *s.objects[model.KindImage][id])
	}
	return images, nil
}

// ProjectImages implements remote.QueryService.
func (s *Store) ProjectImages(_ context.Context, projectID int64, offset, limit int) ([]model.DatasetImage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pairs []model.DatasetImage
	for _, did := range s.childIDs(model.KindProject, projectID, model.KindDataset) {
		for _, iid := range s.childIDs(model.KindDataset, did, model.KindImage) {
			pairs = append(pairs, model.DatasetImage{
				Dataset: *s.objects[model.KindDataset][did],
				Image:   *s.objects[model.KindImage][iid],
			})
		}
	}
	return page(pairs, offset, limit), nil
}

// ImageROIs implements remote.QueryService.
func (s *Store) ImageROIs(_ context.Context, imageID int64, offset, limit int) ([]model.ROI, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return page(s.rois[imageID], offset, limit), nil
}

// ChildIDs implements remote.QueryService.
func (s *Store) ChildIDs(_ context.Context, parentKind model.Kind, parentIDs []int64, childKind model.Kind) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[int64]bool)
	var ids []int64
	for _, pid := range parentIDs {
		for _, cid := range s.childIDs(parentKind, pid, childKind) {
			if !seen[cid] {
				seen[cid] = true
				ids = append(ids, cid)
			}
		}
	}
	return ids, nil
}

// WellImageIDs implements remote.QueryService.
func (s *Store) WellImageIDs(_ context.Context, wellID int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int64
	for _, wsID := range s.childIDs(model.KindWell, wellID, model.KindWellSample) {
		ids = append(ids, s.childIDs(model.KindWellSample, wsID, model.KindImage)...)
	}
	return ids, nil
}

func inNS(ns string, namespaces []string) bool {
	for _, n := range namespaces {
		if n == ns {
			return true
		}
	}
	return false
}

// AnnotationLinkIDs implements remote.QueryService.
func (s *Store) AnnotationLinkIDs(_ context.Context, parentKind model.Kind, parentIDs []int64, namespaces []string) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[int64]bool, len(parentIDs))
	for _, id := range parentIDs {
		want[id] = true
	}
	var ids []int64
	for _, l := range s.links {
		if l.parent.Kind != parentKind || !want[l.parent.ID] {
			continue
		}
		if ann := s.anns[l.annID]; ann != nil && inNS(ann.NS, namespaces) {
			ids = append(ids, l.id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// FileAnnotationIDs implements remote.QueryService.
func (s *Store) FileAnnotationIDs(_ context.Context, parentKind model.Kind, parentIDs []int64, namespaces []string) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[int64]bool, len(parentIDs))
	for _, id := range parentIDs {
		want[id] = true
	}
	var ids []int64
	for _, f := range s.files {
		if f.parent.Kind == parentKind && want[f.parent.ID] && inNS(f.ns, namespaces) {
			ids = append(ids, f.id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// BulkAnnotationFileID implements remote.QueryService.
func (s *Store) BulkAnnotationFileID(_ context.Context, target model.TargetRef, ns string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best int64 = -1
	var fileID int64
	for _, f := range s.files {
		if f.parent == target && f.ns == ns && f.id > best {
			best = f.id
			fileID = f.fileID
		}
	}
	if best < 0 {
		return 0, fmt.Errorf("%w: no bulk-annotations file on %s", remote.ErrNotFound, target)
	}
	return fileID, nil
}

// MapAnnotationsByNS implements remote.QueryService.
func (s *Store) MapAnnotationsByNS(_ context.Context, ns string) ([]*remote.MapAnnotation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*remote.MapAnnotation
	for _, a := range s.anns {
		if a.NS == ns {
			cp := *a
			cp.Pairs = append([]remote.Pair(nil), a.Pairs...)
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ----------------------------------------------------------------------------
// UpdateService
// ----------------------------------------------------------------------------

// SaveFileLink implements remote.UpdateService.
func (s *Store) SaveFileLink(_ context.Context, target model.TargetRef, fileID int64, ns, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.id()
	s.files[id] = fileLink{id: id, parent: target, fileID: fileID, ns: ns}
	return nil
}

// SaveAnnotation implements remote.UpdateService.
func (s *Store) SaveAnnotation(_ context.Context, ann *remote.MapAnnotation) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveAnnotationLocked(ann), nil
}

func (s *Store) saveAnnotationLocked(ann *remote.MapAnnotation) int64 {
	if ann.ID == 0 {
		ann.ID = s.id()
	}
	cp := *ann
	cp.Pairs = append([]remote.Pair(nil), ann.Pairs...)
	s.anns[ann.ID] = &cp
	return ann.ID
}

// SaveLinks implements remote.UpdateService. Links referencing the
// same unsaved annotation share the single row created for it, and a
// link identical to an existing one is not duplicated.
func (s *Store) SaveLinks(_ context.Context, links []remote.AnnotationLink) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	saved := 0
	for _, l := range links {
		if l.Annotation == nil {
			return saved, fmt.Errorf("annotation link without child")
		}
		if l.Annotation.ID == 0 {
			s.saveAnnotationLocked(l.Annotation)
		}
		if s.hasLinkLocked(l.Parent, l.Annotation.ID) {
			continue
		}
		id := s.id()
		s.links[id] = annLink{id: id, parent: l.Parent, annID: l.Annotation.ID}
		saved++
	}
	return saved, nil
}

func (s *Store) hasLinkLocked(parent model.TargetRef, annID int64) bool {
	for _, l := range s.links {
		if l.parent == parent && l.annID == annID {
			return true
		}
	}
	return false
}

// ----------------------------------------------------------------------------
// Test inspection helpers
// ----------------------------------------------------------------------------

// AnnotationCount returns the number of persisted map annotations in a
// namespace.
func (s *Store) AnnotationCount(ns string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.anns {
		if a.NS == ns {
			n++
		}
	}
	return n
}

// LinkCount returns the number of annotation links on a parent,
// optionally restricted to one namespace ("" means all).
func (s *Store) LinkCount(parent model.TargetRef, ns string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, l := range s.links {
		if l.parent != parent {
			continue
		}
		if ns == "" || (s.anns[l.annID] != nil && s.anns[l.annID].NS == ns) {
			n++
		}
	}
	return n
}

// AnnotationsOn returns the annotations linked to a parent.
func (s *Store) AnnotationsOn(parent model.TargetRef) []*remote.MapAnnotation {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*remote.MapAnnotation
	for _, l := range s.links {
		if l.parent == parent {
			out = append(out, s.anns[l.annID])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FileLinkCount returns the number of file annotations on a parent in
// a namespace.
func (s *Store) FileLinkCount(parent model.TargetRef, ns string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, f := range s.files {
		if f.parent == parent && f.ns == ns {
			n++
		}
	}
	return n
}
