// Package resolve turns raw CSV headers into a typed column schema and
// raw cell text into typed values backed by the loaded hierarchy.
package resolve

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/openimaging/bulkmeta/internal/model"
)

// ErrSchema marks fatal schema errors detected before any remote
// write.
var ErrSchema = errors.New("invalid schema")

// Synthesized companion column names.
const (
	PlateNameColumn   = "Plate Name"
	WellNameColumn    = "Well Name"
	DatasetNameColumn = "Dataset Name"
	ImageNameColumn   = "Image Name"
	ROINameColumn     = "Roi Name"
)

// TypeRowMarker prefixes a first CSV row that carries column types
// instead of headers.
const TypeRowMarker = "# header "

// MaxColumnCount is the widest schema the remote table store handles
// comfortably. Going past it logs a warning, it does not fail.
const MaxColumnCount = 512

const defaultColumnSize = 1

// CompanionColumns are the names the schema builder may append. Rows
// never carry input cells for them.
var CompanionColumns = map[string]bool{
	PlateNameColumn:   true,
	WellNameColumn:    true,
	DatasetNameColumn: true,
	ImageNameColumn:   true,
	ROINameColumn:     true,
}

// plateKeys recognizes identifier headers on plate-rooted imports.
var plateKeys = map[string]model.ColumnType{
	"well":       model.ColWell,
	"field":      model.ColImage,
	"row":        model.ColLong,
	"column":     model.ColLong,
	"wellsample": model.ColImage,
	"image":      model.ColImage,
}

var screenKeys = merge(plateKeys, map[string]model.ColumnType{
	"plate": model.ColPlate,
})

var datasetKeys = map[string]model.ColumnType{
	"image":      model.ColImage,
	"image_name": model.ColString,
}

var projectKeys = map[string]model.ColumnType{
	"dataset":      model.ColString,
	"dataset_name": model.ColString,
	"image":        model.ColImage,
	"image_name":   model.ColString,
}

var imageKeys = map[string]model.ColumnType{
	"roi": model.ColROI,
}

var kindKeys = map[model.Kind]map[string]model.ColumnType{
	model.KindScreen:  screenKeys,
	model.KindPlate:   plateKeys,
	model.KindDataset: datasetKeys,
	model.KindProject: projectKeys,
	model.KindImage:   imageKeys,
}

func merge(ms ...map[string]model.ColumnType) map[string]model.ColumnType {
	out := make(map[string]model.ColumnType)
	for _, m := range ms {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

// IsTypeRow reports whether a CSV row is a type-annotation row rather
// than the header.
func IsTypeRow(row []string) bool {
	return len(row) > 0 && strings.Contains(row[0], strings.TrimSpace(TypeRowMarker))
}

// TypeRow parses the column types carried by a type-annotation row.
func TypeRow(row []string) ([]model.ColumnType, error) {
	if !IsTypeRow(row) {
		return nil, fmt.Errorf("%w: not a type-annotation row", ErrSchema)
	}
	tokens := make([]string, len(row))
	tokens[0] = strings.Replace(row[0], TypeRowMarker, "", 1)
	copy(tokens[1:], row[1:])
	types, err := model.ParseColumnTypes(tokens)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchema, err)
	}
	return types, nil
}

// DetectTypes infers one column type per header without any explicit
// annotation, first from recognized header-name variants
// (plate_name, plate name, platename, plate_id, ..., plate) and then
// from the sampled cell content of the column.
func DetectTypes(headers []string, sample [][]string) []model.ColumnType {
	types := make([]model.ColumnType, len(headers))
	for i, h := range headers {
		if t, ok := detectByName(h); ok {
			types[i] = t
			continue
		}
		types[i] = detectByContent(column(sample, i))
	}
	return types
}

// objectPrefixes maps a recognized header prefix to the types its
// name-form, id-form and bare-form take. Name forms of coordinate-like
// containers (plate, well) resolve through the container column; id
// forms of leaf references (dataset, image, roi) do.
var objectPrefixes = map[string]struct{ name, id, bare model.ColumnType }{
	"project": {model.ColString, model.ColLong, model.ColLong},
	"dataset": {model.ColString, model.ColDataset, model.ColDataset},
	"plate":   {model.ColPlate, model.ColLong, model.ColPlate},
	"well":    {model.ColWell, model.ColLong, model.ColWell},
	"image":   {model.ColString, model.ColImage, model.ColImage},
	"roi":     {model.ColString, model.ColROI, model.ColROI},
}

func detectByName(header string) (model.ColumnType, bool) {
	h := strings.ToLower(strings.TrimSpace(header))
	for prefix, forms := range objectPrefixes {
		switch h {
		case prefix:
			return forms.bare, true
		case prefix + "_name", prefix + " name", prefix + "name":
			return forms.name, true
		case prefix + "_id", prefix + " id", prefix + "id":
			return forms.id, true
		}
	}
	return 0, false
}

func column(sample [][]string, i int) []string {
	var vals []string
	for _, row := range sample {
		if i < len(row) {
			vals = append(vals, row[i])
		}
	}
	return vals
}

func detectByContent(values []string) model.ColumnType {
	if len(values) == 0 {
		return model.ColString
	}
	allLong, allDouble, allBool := true, true, true
	for _, v := range values {
		if _, err := strconv.ParseInt(v, 10, 64); err != nil {
			allLong = false
		}
		if _, err := strconv.ParseFloat(v, 64); err != nil {
			allDouble = false
		}
		switch strings.ToLower(v) {
		case "true", "false":
		default:
			allBool = false
		}
	}
	switch {
	case allLong:
		return model.ColLong
	case allDouble:
		return model.ColDouble
	case allBool:
		return model.ColBool
	default:
		return model.ColString
	}
}

// Schema builds the ordered column set for one import. types may be
// nil, in which case each header is matched against the target kind's
// identifier dictionary, then the recognized name variants, then the
// sampled content.
func Schema(kind model.Kind, headers []string, types []model.ColumnType, sample [][]string) ([]model.Column, error) {
	if _, ok := kindKeys[kind]; !ok {
		return nil, fmt.Errorf("%w: unsupported target object kind: %s", ErrSchema, kind)
	}
	if types != nil && len(types) != len(headers) {
		return nil, fmt.Errorf("%w: %d columns but %d column types", ErrSchema, len(headers), len(types))
	}
	for _, h := range headers {
		if h == "" {
			return nil, fmt.Errorf("%w: empty column header", ErrSchema)
		}
	}

	keys := kindKeys[kind]
	columns := make([]model.Column, 0, len(headers))
	for i, header := range headers {
		name, description := splitDescription(header)
		var colType model.ColumnType
		switch {
		case types != nil:
			colType = types[i]
		default:
			if t, ok := keys[strings.ToLower(name)]; ok {
				colType = t
			} else if t, ok := detectByName(name); ok {
				colType = t
			} else {
				colType = detectByContent(column(sample, i))
			}
		}
		col := model.Column{Type: colType, Name: name, Description: description}
		if colType == model.ColString {
			col.Size = defaultColumnSize
		}
		columns = append(columns, col)
	}

	appendix := companions(kind, columns)
	appendOK, err := sanityCheck(columns)
	if err != nil {
		return nil, err
	}
	if appendOK {
		columns = append(columns, appendix...)
	}
	if len(columns) > MaxColumnCount {
		slog.Warn("column count exceeds maximum", "columns", len(columns), "max", MaxColumnCount)
	}
	return columns, nil
}

// splitDescription handles the "name%%key=value" documentation suffix.
// The key=value payload is re-encoded as a one-entry JSON object. The
// table store forbids '/' in column names.
func splitDescription(header string) (string, string) {
	name, description, found := strings.Cut(header, "%%")
	if found {
		name = strings.TrimSpace(name)
		if k, v, ok := strings.Cut(description, "="); ok {
			enc, err := json.Marshal(map[string]string{strings.TrimSpace(k): strings.TrimSpace(v)})
			if err == nil {
				description = string(enc)
			}
		}
	} else {
		description = ""
	}
	return strings.ReplaceAll(name, "/", `\`), description
}

// companions renames identifier columns to their canonical display
// names and builds the synthesized name/id columns to append.
func companions(kind model.Kind, columns []model.Column) []model.Column {
	var appendix []model.Column
	str := func(name string) model.Column {
		return model.Column{Type: model.ColString, Name: name, Size: defaultColumnSize}
	}
	for i := range columns {
		col := &columns[i]
		switch col.Type {
		case model.ColPlate:
			appendix = append(appendix, str(PlateNameColumn))
			col.Name = "Plate"
		case model.ColWell:
			appendix = append(appendix, str(WellNameColumn))
			col.Name = "Well"
		case model.ColImage:
			appendix = append(appendix, str(ImageNameColumn))
			col.Name = "Image"
		case model.ColROI:
			if kind != model.KindDataset {
				appendix = append(appendix, str(ROINameColumn))
				col.Name = "Roi"
			}
		case model.ColDataset:
			col.Name = "Dataset"
		}
		switch col.Name {
		case ImageNameColumn:
			appendix = append(appendix, model.Column{Type: model.ColImage, Name: "Image"})
		case ROINameColumn:
			appendix = append(appendix, model.Column{Type: model.ColROI, Name: "Roi"})
		}
	}
	return appendix
}

// sanityCheck rejects schemas whose identifier columns cannot coexist.
// It also reports whether companion columns may be appended: when both
// an id and a name column for regions of interest are already present,
// neither companion is added.
func sanityCheck(columns []model.Column) (bool, error) {
	var hasWell, hasImage, hasROI, hasROIName bool
	for _, col := range columns {
		switch col.Type {
		case model.ColWell:
			hasWell = true
		case model.ColImage:
			hasImage = true
		case model.ColROI:
			hasROI = true
		}
		if col.Name == ROINameColumn {
			hasROIName = true
		}
	}
	if hasWell && hasImage {
		return false, fmt.Errorf("%w: well column and image column cannot be resolved at the same time, pick one", ErrSchema)
	}
	if hasROI && hasROIName {
		slog.Debug("found both region-of-interest names and ids, not appending either")
		return false, nil
	}
	return true, nil
}
