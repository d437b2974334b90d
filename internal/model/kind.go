// Package model defines the domain vocabulary shared by the import
// pipeline: target object kinds, the containment hierarchy, the column
// model for the remote table store, and well coordinate math.
package model

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind identifies one level of the repository's containment hierarchy.
type Kind int

const (
	KindScreen Kind = iota
	KindPlate
	KindPlateAcquisition
	KindWell
	KindWellSample
	KindImage
	KindProject
	KindDataset
)

var kindNames = map[Kind]string{
	KindScreen:           "Screen",
	KindPlate:            "Plate",
	KindPlateAcquisition: "PlateAcquisition",
	KindWell:             "Well",
	KindWellSample:       "WellSample",
	KindImage:            "Image",
	KindProject:          "Project",
	KindDataset:          "Dataset",
}

// String returns the canonical name used in target references and
// remote queries ("Screen", "Plate", ...).
func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// rootKinds are the kinds a pipeline invocation may be rooted at.
var rootKinds = map[string]Kind{
	"Screen":  KindScreen,
	"Plate":   KindPlate,
	"Dataset": KindDataset,
	"Project": KindProject,
	"Image":   KindImage,
}

// TargetRef names a single object in the hierarchy, e.g. Plate:6.
type TargetRef struct {
	Kind Kind
	ID   int64
}

func (t TargetRef) String() string {
	return fmt.Sprintf("%s:%d", t.Kind, t.ID)
}

// ParseTargetRef parses a "Kind:ID" reference. Only kinds that can
// root a pipeline invocation are accepted.
func ParseTargetRef(s string) (TargetRef, error) {
	name, idstr, ok := strings.Cut(s, ":")
	if !ok {
		return TargetRef{}, fmt.Errorf("target must be Kind:ID, got %q", s)
	}
	kind, ok := rootKinds[name]
	if !ok {
		return TargetRef{}, fmt.Errorf("unsupported target object: %q", s)
	}
	id, err := strconv.ParseInt(idstr, 10, 64)
	if err != nil {
		return TargetRef{}, fmt.Errorf("invalid target id in %q: %w", s, err)
	}
	return TargetRef{Kind: kind, ID: id}, nil
}
