package resolve

import (
	"errors"
	"strings"
	"testing"

	"github.com/openimaging/bulkmeta/internal/model"
)

// ----------------------------------------------------------------------------
// DetectTypes Tests
// ----------------------------------------------------------------------------

func TestDetectTypesNameVariants(t *testing.T) {
	tests := []struct {
		header string
		want   model.ColumnType
	}{
		// Name variants of coordinate containers resolve to the
		// container column, id variants stay plain numbers.
		{"plate_name", model.ColPlate},
		{"plate name", model.ColPlate},
		{"platename", model.ColPlate},
		{"plate_id", model.ColLong},
		{"plate id", model.ColLong},
		{"plateid", model.ColLong},
		{"plate", model.ColPlate},
		{"well_name", model.ColWell},
		{"well_id", model.ColLong},
		{"well", model.ColWell},

		// Leaf references go the other way around.
		{"image_name", model.ColString},
		{"image_id", model.ColImage},
		{"image", model.ColImage},
		{"roi_name", model.ColString},
		{"roi_id", model.ColROI},
		{"roi", model.ColROI},
		{"dataset_name", model.ColString},
		{"dataset_id", model.ColDataset},
		{"dataset", model.ColDataset},

		// Projects are never id columns.
		{"project_name", model.ColString},
		{"project_id", model.ColLong},
		{"project", model.ColLong},

		// Case insensitive.
		{"Plate Name", model.ColPlate},
		{"IMAGE_ID", model.ColImage},
	}
	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			got := DetectTypes([]string{tt.header}, nil)
			if got[0] != tt.want {
				t.Errorf("DetectTypes(%q) = %s, want %s", tt.header, got[0].Token(), tt.want.Token())
			}
		})
	}
}

func TestDetectTypesContent(t *testing.T) {
	headers := []string{"m1", "m2", "m3", "m4", "m5"}
	sample := [][]string{
		{"11", "0.1", "a", "true", "11"},
		{"22", "0.2", "b", "True", "0.1"},
		{"33", "0.3", "c", "false", "true"},
	}
	want := []model.ColumnType{
		model.ColLong, model.ColDouble, model.ColString, model.ColBool, model.ColString,
	}
	got := DetectTypes(headers, sample)
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("column %q = %s, want %s", headers[i], got[i].Token(), want[i].Token())
		}
	}
}

// ----------------------------------------------------------------------------
// Type Row Tests
// ----------------------------------------------------------------------------

func TestTypeRow(t *testing.T) {
	types, err := TypeRow([]string{"# header well", "s", "d"})
	if err != nil {
		t.Fatalf("TypeRow() error = %v", err)
	}
	want := []model.ColumnType{model.ColWell, model.ColString, model.ColDouble}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("type %d = %s, want %s", i, types[i].Token(), want[i].Token())
		}
	}
}

func TestTypeRowUnknownToken(t *testing.T) {
	_, err := TypeRow([]string{"# header well", "s", "nope"})
	if !errors.Is(err, ErrSchema) {
		t.Fatalf("TypeRow() error = %v, want ErrSchema", err)
	}
	if !strings.Contains(err.Error(), "choose from") {
		t.Errorf("error %q does not enumerate the valid token set", err)
	}
}

func TestIsTypeRow(t *testing.T) {
	if !IsTypeRow([]string{"# header plate", "l"}) {
		t.Error("IsTypeRow(# header ...) = false")
	}
	if IsTypeRow([]string{"Plate", "l"}) {
		t.Error("IsTypeRow(Plate) = true")
	}
}

// ----------------------------------------------------------------------------
// Schema Tests
// ----------------------------------------------------------------------------

func names(cols []model.Column) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = c.Name
	}
	return out
}

func TestSchemaScreenCompanions(t *testing.T) {
	headers := []string{"plate_name", "well_name", "measurement 1", "measurement 2", "measurement 3", "measurement 4"}
	types := []model.ColumnType{model.ColPlate, model.ColWell, model.ColLong, model.ColDouble, model.ColString, model.ColBool}

	cols, err := Schema(model.KindScreen, headers, types, nil)
	if err != nil {
		t.Fatalf("Schema() error = %v", err)
	}
	wantNames := []string{"Plate", "Well", "measurement 1", "measurement 2", "measurement 3", "measurement 4", PlateNameColumn, WellNameColumn}
	wantTypes := []model.ColumnType{model.ColPlate, model.ColWell, model.ColLong, model.ColDouble, model.ColString, model.ColBool, model.ColString, model.ColString}
	if len(cols) != len(wantNames) {
		t.Fatalf("Schema() returned %d columns (%v), want %d", len(cols), names(cols), len(wantNames))
	}
	for i := range cols {
		if cols[i].Name != wantNames[i] || cols[i].Type != wantTypes[i] {
			t.Errorf("column %d = %s %q, want %s %q", i, cols[i].Type.Token(), cols[i].Name, wantTypes[i].Token(), wantNames[i])
		}
	}
}

func TestSchemaDictionaryLookup(t *testing.T) {
	// Plate-scoped import: "Well" resolves through the identifier
	// dictionary, the rest falls back to strings.
	cols, err := Schema(model.KindPlate, []string{"Well", "Well Type", "Concentration"}, nil, [][]string{
		{"A1", "Control", "0"},
		{"A2", "Treatment", "10"},
	})
	if err != nil {
		t.Fatalf("Schema() error = %v", err)
	}
	wantNames := []string{"Well", "Well Type", "Concentration", WellNameColumn}
	got := names(cols)
	if len(got) != len(wantNames) {
		t.Fatalf("Schema() columns = %v, want %v", got, wantNames)
	}
	for i := range wantNames {
		if got[i] != wantNames[i] {
			t.Errorf("column %d = %q, want %q", i, got[i], wantNames[i])
		}
	}
	if cols[0].Type != model.ColWell {
		t.Errorf("Well column type = %s, want well", cols[0].Type.Token())
	}
	if cols[2].Type != model.ColLong {
		t.Errorf("Concentration column type = %s, want l", cols[2].Type.Token())
	}
}

func TestSchemaImageNameSynthesizesIDColumn(t *testing.T) {
	cols, err := Schema(model.KindDataset, []string{"Image Name", "Type", "Concentration"}, nil, [][]string{
		{"A1", "Control", "0.5"},
	})
	if err != nil {
		t.Fatalf("Schema() error = %v", err)
	}
	got := names(cols)
	want := []string{ImageNameColumn, "Type", "Concentration", "Image"}
	if len(got) != len(want) {
		t.Fatalf("Schema() columns = %v, want %v", got, want)
	}
	if cols[3].Type != model.ColImage {
		t.Errorf("appended column type = %s, want image", cols[3].Type.Token())
	}
}

func TestSchemaWellAndImageConflict(t *testing.T) {
	types := []model.ColumnType{model.ColWell, model.ColImage}
	_, err := Schema(model.KindScreen, []string{"Well", "Image"}, types, nil)
	if !errors.Is(err, ErrSchema) {
		t.Fatalf("Schema() error = %v, want ErrSchema", err)
	}
}

func TestSchemaROIIdAndNameSuppressCompanions(t *testing.T) {
	cols, err := Schema(model.KindImage, []string{"Roi", ROINameColumn, "area"}, nil, [][]string{
		{"1", "nucleus", "0.5"},
	})
	if err != nil {
		t.Fatalf("Schema() error = %v", err)
	}
	if len(cols) != 3 {
		t.Fatalf("Schema() columns = %v, want no companions appended", names(cols))
	}
}

func TestSchemaTypeCountMismatch(t *testing.T) {
	_, err := Schema(model.KindPlate, []string{"Well", "x"}, []model.ColumnType{model.ColWell}, nil)
	if !errors.Is(err, ErrSchema) {
		t.Fatalf("Schema() error = %v, want ErrSchema", err)
	}
}

func TestSchemaEmptyHeader(t *testing.T) {
	_, err := Schema(model.KindPlate, []string{"Well", ""}, nil, nil)
	if !errors.Is(err, ErrSchema) {
		t.Fatalf("Schema() error = %v, want ErrSchema", err)
	}
}

func TestSchemaDescriptionSuffix(t *testing.T) {
	cols, err := Schema(model.KindPlate, []string{"Gene%%source=ensembl", "value/ratio"}, nil, [][]string{{"kif11", "1"}})
	if err != nil {
		t.Fatalf("Schema() error = %v", err)
	}
	if cols[0].Name != "Gene" {
		t.Errorf("name = %q, want Gene", cols[0].Name)
	}
	if cols[0].Description != `{"source":"ensembl"}` {
		t.Errorf("description = %q", cols[0].Description)
	}
	if cols[1].Name != `value\ratio` {
		t.Errorf("slash not replaced: %q", cols[1].Name)
	}
}

func TestSchemaUnsupportedKind(t *testing.T) {
	_, err := Schema(model.KindWell, []string{"x"}, nil, nil)
	if !errors.Is(err, ErrSchema) {
		t.Fatalf("Schema() error = %v, want ErrSchema", err)
	}
}
