package remote

import "github.com/openimaging/bulkmeta/internal/model"

// Namespaces used by the bulk-annotation workflow.
const (
	// NSBulkAnnotations scopes the table file annotation and any map
	// annotations produced without an explicit namespace.
	NSBulkAnnotations = "openmicroscopy.org/omero/bulk_annotations"

	// NSBulkAnnotationsConfig scopes attached annotation config files.
	NSBulkAnnotationsConfig = "openmicroscopy.org/omero/bulk_annotations/config"
)

// Pair is one ordered key/value entry of a map annotation. Keys may
// repeat.
type Pair struct {
	Key   string
	Value string
}

// MapAnnotation is a namespace-scoped key/value record. ID is zero
// until the annotation has been persisted.
type MapAnnotation struct {
	ID    int64
	NS    string
	Pairs []Pair
}

// AnnotationLink attaches one map annotation to one parent object.
// Links sharing an unsaved *MapAnnotation must resolve to a single
// persisted annotation row.
type AnnotationLink struct {
	Parent     model.TargetRef
	Annotation *MapAnnotation
}
