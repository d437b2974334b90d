package model

// Object is the minimal view of a hierarchy entity: a stable numeric
// identity and a display name. Loaders deliberately avoid carrying the
// full remote records.
type Object struct {
	ID   int64
	Name string
}

// Well is a plate well addressed by 0-based row/column indices.
type Well struct {
	ID     int64
	Row    int
	Col    int
	Images []Object // one per well sample, acquisition order
}

// DatasetImage pairs an image with the dataset containing it, as
// returned by project subtree reads.
type DatasetImage struct {
	Dataset Object
	Image   Object
}

// ROI is a region of interest on an image together with its shape ids.
type ROI struct {
	ID       int64
	Name     string
	ShapeIDs []int64
}

// NotFound is the documented sentinel written when a foreign-key
// resolution fails without aborting the row.
const NotFound int64 = -1
