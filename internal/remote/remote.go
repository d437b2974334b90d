// Package remote defines the client-side boundary to the repository's
// query, update, table and delete services. The pipeline only ever
// talks to these interfaces; memrepo provides an in-memory
// implementation for tests and dry runs, pgrepo a PostgreSQL-backed
// one for production.
package remote

import (
	"context"
	"errors"

	"github.com/openimaging/bulkmeta/internal/model"
)

// ErrNotFound is returned by lookups whose subject does not exist.
var ErrNotFound = errors.New("remote: object not found")

// PageSize is the default pagination window for subtree reads.
const PageSize = 1000

// QueryService is the read side of the repository.
type QueryService interface {
	// FindObject locates an object by kind and id.
	FindObject(ctx context.Context, kind model.Kind, id int64) (model.Object, error)

	// ScreenPlates returns all plates linked to a screen.
	ScreenPlates(ctx context.Context, screenID int64) ([]model.Object, error)

	// PlateWells returns one page of a plate's wells, each carrying its
	// well-sample images.
	PlateWells(ctx context.Context, plateID int64, offset, limit int) ([]model.Well, error)

	// DatasetImages returns one page of a dataset's images.
	DatasetImages(ctx context.Context, datasetID int64, offset, limit int) ([]model.Object, error)

	// ProjectImages returns one page of (dataset, image) pairs under a
	// project.
	ProjectImages(ctx context.Context, projectID int64, offset, limit int) ([]model.DatasetImage, error)

	// ImageROIs returns one page of an image's regions of interest.
	ImageROIs(ctx context.Context, imageID int64, offset, limit int) ([]model.ROI, error)

	// ChildIDs projects the ids of all childKind objects contained in
	// the given parentKind objects. Used by the deletion walker to
	// descend one hierarchy level at a time.
	ChildIDs(ctx context.Context, parentKind model.Kind, parentIDs []int64, childKind model.Kind) ([]int64, error)

	// WellImageIDs returns the ids of all images sampled from a well.
	WellImageIDs(ctx context.Context, wellID int64) ([]int64, error)

	// AnnotationLinkIDs projects the ids of map-annotation links on the
	// given parents restricted to the namespace set.
	AnnotationLinkIDs(ctx context.Context, parentKind model.Kind, parentIDs []int64, namespaces []string) ([]int64, error)

	// FileAnnotationIDs projects the ids of file annotations on the
	// given parents restricted to the namespace set.
	FileAnnotationIDs(ctx context.Context, parentKind model.Kind, parentIDs []int64, namespaces []string) ([]int64, error)

	// BulkAnnotationFileID returns the table file most recently linked
	// to the target in the given namespace.
	BulkAnnotationFileID(ctx context.Context, target model.TargetRef, ns string) (int64, error)

	// MapAnnotationsByNS returns all persisted map annotations in a
	// namespace, used to seed primary-key deduplication.
	MapAnnotationsByNS(ctx context.Context, ns string) ([]*MapAnnotation, error)
}

// UpdateService is the write side of the repository.
type UpdateService interface {
	// SaveFileLink attaches a file annotation for fileID to the target.
	SaveFileLink(ctx context.Context, target model.TargetRef, fileID int64, ns, description string) error

	// SaveAnnotation persists a map annotation and returns its id.
	SaveAnnotation(ctx context.Context, ann *MapAnnotation) (int64, error)

	// SaveLinks persists annotation links in one call, creating any
	// not-yet-saved child annotations exactly once. Returns the number
	// of links persisted.
	SaveLinks(ctx context.Context, links []AnnotationLink) (int, error)
}

// TableService creates and opens remote columnar tables.
type TableService interface {
	NewTable(ctx context.Context, name string, cols []model.Column) (Table, error)
	OpenTable(ctx context.Context, fileID int64) (Table, error)
}

// Table is an exclusively-owned handle to one remote table. It must be
// closed exactly once.
type Table interface {
	// FileID is the id of the file backing this table.
	FileID() int64

	// AddData appends one column-oriented batch. All columns must carry
	// the same number of values.
	AddData(ctx context.Context, cols []model.Column) error

	// Headers returns the column schema without values.
	Headers(ctx context.Context) ([]model.Column, error)

	// NumRows reports the total row count.
	NumRows(ctx context.Context) (int, error)

	// ReadRows reads rows [from, to) into a column set.
	ReadRows(ctx context.Context, from, to int) ([]model.Column, error)

	Close() error
}

// DeleteTargets maps a link or annotation type name (e.g.
// "WellAnnotationLink", "FileAnnotation") to the ids to delete.
type DeleteTargets map[string][]int64

// DeleteHandle tracks one submitted delete command.
type DeleteHandle interface {
	// Poll reports whether the command has completed. A false return
	// with a nil error means "still running".
	Poll(ctx context.Context) (bool, error)

	// DeletedCount returns the number of objects removed, valid once
	// Poll has reported completion.
	DeletedCount() int
}

// DeleteService submits batched delete commands.
type DeleteService interface {
	SubmitDelete(ctx context.Context, targets DeleteTargets, dryRun bool) (DeleteHandle, error)
}

// Repository bundles all four service facets. Components should accept
// the narrowest facet they need.
type Repository interface {
	QueryService
	UpdateService
	TableService
	DeleteService
}
