package hierarchy

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/openimaging/bulkmeta/internal/model"
	"github.com/openimaging/bulkmeta/internal/remote"
)

// Option adjusts what a load brings into the index.
type Option func(*loadOptions)

type loadOptions struct {
	withROIs bool
}

// WithROIs requests region-of-interest indices for dataset loads.
// Image loads always build them.
func WithROIs() Option {
	return func(o *loadOptions) { o.withROIs = true }
}

type loaderFunc func(ctx context.Context, q remote.QueryService, x *Index, opts loadOptions) error

// loaders dispatches on the target kind once, at load time.
var loaders = map[model.Kind]loaderFunc{
	model.KindScreen:  loadScreen,
	model.KindPlate:   loadPlate,
	model.KindDataset: loadDataset,
	model.KindProject: loadProject,
	model.KindImage:   loadImage,
}

// Load eagerly reads the subtree under target and builds its Index.
func Load(ctx context.Context, q remote.QueryService, target model.TargetRef, opts ...Option) (*Index, error) {
	load, ok := loaders[target.Kind]
	if !ok {
		return nil, fmt.Errorf("unsupported target object kind: %s", target.Kind)
	}
	var o loadOptions
	for _, opt := range opts {
		opt(&o)
	}
	root, err := q.FindObject(ctx, target.Kind, target.ID)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", target, err)
	}
	x := newIndex(target.Kind, root)
	if err := load(ctx, q, x, o); err != nil {
		return nil, fmt.Errorf("load %s: %w", target, err)
	}
	return x, nil
}

// addPlate indexes one plate and all of its wells and images.
func addPlate(ctx context.Context, q remote.QueryService, x *Index, plate model.Object) error {
	p := &Plate{
		Object:       plate,
		wellsByCoord: make(map[coord]*model.Well),
		wellsByID:    make(map[int64]*model.Well),
	}
	x.platesByID[plate.ID] = p
	x.platesByName[plate.Name] = p
	images, imageNames := x.scope(plate.ID)
	for offset := 0; ; offset += remote.PageSize {
		wells, err := q.PlateWells(ctx, plate.ID, offset, remote.PageSize)
		if err != nil {
			return fmt.Errorf("plate %d wells: %w", plate.ID, err)
		}
		if len(wells) == 0 {
			break
		}
		for i := range wells {
			w := wells[i]
			p.wellsByID[w.ID] = &w
			p.wellsByCoord[coord{w.Row, w.Col}] = &w
			for _, img := range w.Images {
				images[img.ID] = img
				imageNames[img.Name] = img
			}
		}
	}
	slog.Debug("indexed plate", "plate", plate.ID, "wells", len(p.wellsByID))
	return nil
}

func loadScreen(ctx context.Context, q remote.QueryService, x *Index, _ loadOptions) error {
	plates, err := q.ScreenPlates(ctx, x.Target.ID)
	if err != nil {
		return err
	}
	for _, plate := range plates {
		if err := addPlate(ctx, q, x, plate); err != nil {
			return err
		}
	}
	return nil
}

func loadPlate(ctx context.Context, q remote.QueryService, x *Index, _ loadOptions) error {
	return addPlate(ctx, q, x, x.Target)
}

func loadDataset(ctx context.Context, q remote.QueryService, x *Index, opts loadOptions) error {
	images, imageNames := x.scope(x.Target.ID)
	for offset := 0; ; offset += remote.PageSize {
		page, err := q.DatasetImages(ctx, x.Target.ID, offset, remote.PageSize)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			break
		}
		for _, img := range page {
			if prev, ok := imageNames[img.Name]; ok && prev.ID != img.ID {
				return fmt.Errorf("duplicate image name %q: ids %d and %d", img.Name, prev.ID, img.ID)
			}
			images[img.ID] = img
			imageNames[img.Name] = img
		}
	}
	if opts.withROIs {
		return x.loadROIs(ctx, q)
	}
	return nil
}

func loadProject(ctx context.Context, q remote.QueryService, x *Index, _ loadOptions) error {
	for offset := 0; ; offset += remote.PageSize {
		page, err := q.ProjectImages(ctx, x.Target.ID, offset, remote.PageSize)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			break
		}
		for _, di := range page {
			if prev, ok := x.datasetsByName[di.Dataset.Name]; ok && prev.ID != di.Dataset.ID {
				return fmt.Errorf("duplicate dataset name %q: ids %d and %d", di.Dataset.Name, prev.ID, di.Dataset.ID)
			}
			x.datasetsByID[di.Dataset.ID] = di.Dataset
			x.datasetsByName[di.Dataset.Name] = di.Dataset
			images, imageNames := x.scope(di.Dataset.ID)
			if prev, ok := imageNames[di.Image.Name]; ok && prev.ID != di.Image.ID {
				return fmt.Errorf("duplicate image name %q in dataset %d: ids %d and %d",
					di.Image.Name, di.Dataset.ID, prev.ID, di.Image.ID)
			}
			images[di.Image.ID] = di.Image
			imageNames[di.Image.Name] = di.Image
		}
	}
	return nil
}

func loadImage(ctx context.Context, q remote.QueryService, x *Index, _ loadOptions) error {
	if err := x.indexImageROIs(ctx, q, x.Target.ID); err != nil {
		return err
	}
	x.roisLoaded = true
	if len(x.roisByID) == 0 {
		return fmt.Errorf("image %d has no regions of interest", x.Target.ID)
	}
	return nil
}

// loadROIs indexes the regions of interest of every loaded image. Used
// for dataset targets carrying roi/shape columns.
func (x *Index) loadROIs(ctx context.Context, q remote.QueryService) error {
	for _, images := range x.imagesByScope {
		for id := range images {
			if err := x.indexImageROIs(ctx, q, id); err != nil {
				return err
			}
		}
	}
	x.roisLoaded = true
	return nil
}

func (x *Index) indexImageROIs(ctx context.Context, q remote.QueryService, imageID int64) error {
	for offset := 0; ; offset += remote.PageSize {
		rois, err := q.ImageROIs(ctx, imageID, offset, remote.PageSize)
		if err != nil {
			return fmt.Errorf("image %d regions of interest: %w", imageID, err)
		}
		if len(rois) == 0 {
			break
		}
		for _, r := range rois {
			x.roisByID[r.ID] = r
			if _, ok := x.roisByName[r.Name]; ok {
				slog.Warn("conflicting region-of-interest names", "name", r.Name)
				x.AmbiguousROINames = true
			}
			x.roisByName[r.Name] = r
			for _, sid := range r.ShapeIDs {
				x.shapeIDs[sid] = true
			}
		}
	}
	return nil
}
