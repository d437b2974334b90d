package parse

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/openimaging/bulkmeta/internal/model"
	"github.com/openimaging/bulkmeta/internal/remote"
	"github.com/openimaging/bulkmeta/internal/remote/memrepo"
	"github.com/openimaging/bulkmeta/internal/resolve"
)

// run plans and executes csv against target in one go.
func run(t *testing.T, store *memrepo.Store, target model.TargetRef, csvText string, opts Options) (*Result, remote.Table) {
	t.Helper()
	p := New(store, target, opts)
	plan, err := p.Plan(context.Background(), strings.NewReader(csvText))
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	res, err := p.Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	table, err := store.OpenTable(context.Background(), res.TableFileID)
	if err != nil {
		t.Fatalf("OpenTable() error = %v", err)
	}
	return res, table
}

func columnByName(t *testing.T, cols []model.Column, name string) model.Column {
	t.Helper()
	for _, c := range cols {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("no column %q in %v", name, cols)
	return model.Column{}
}

// ----------------------------------------------------------------------------
// End-to-end Tests
// ----------------------------------------------------------------------------

func TestPlateImportEndToEnd(t *testing.T) {
	store := memrepo.New()
	plate := store.AddPlate(0, "P001")
	wellA1 := store.AddWell(plate, 0, 0)
	wellA2 := store.AddWell(plate, 0, 1)
	store.AddWellImage(wellA1, "fld1")
	store.AddWellImage(wellA2, "fld1")

	csvText := "Well,Well Type,Concentration\nA1,Control,0\nA2,Treatment,10\n"
	res, table := run(t, store, model.TargetRef{Kind: model.KindPlate, ID: plate}, csvText, Options{})

	if res.RowsWritten != 2 {
		t.Fatalf("RowsWritten = %d, want 2", res.RowsWritten)
	}
	n, _ := table.NumRows(context.Background())
	if n != 2 {
		t.Fatalf("NumRows = %d, want 2", n)
	}
	rows, err := table.ReadRows(context.Background(), 0, 2)
	if err != nil {
		t.Fatalf("ReadRows() error = %v", err)
	}

	well := columnByName(t, rows, "Well")
	if well.Values[0].(int64) != wellA1 || well.Values[1].(int64) != wellA2 {
		t.Errorf("Well ids = %v, want [%d %d]", well.Values, wellA1, wellA2)
	}
	wellName := columnByName(t, rows, resolve.WellNameColumn)
	if wellName.Values[0] != "A1" || wellName.Values[1] != "A2" {
		t.Errorf("Well Name = %v, want [A1 A2]", wellName.Values)
	}
	if v := columnByName(t, rows, "Well Type").Values[0]; v != "Control" {
		t.Errorf("Well Type[0] = %v, want Control", v)
	}
	if v := columnByName(t, rows, "Concentration").Values[0]; v != int64(0) {
		t.Errorf("Concentration[0] = %v (%T)", v, v)
	}

	// The table file is linked back onto the plate.
	fileID, err := store.BulkAnnotationFileID(context.Background(), model.TargetRef{Kind: model.KindPlate, ID: plate}, remote.NSBulkAnnotations)
	if err != nil || fileID != res.TableFileID {
		t.Errorf("BulkAnnotationFileID = %d, %v, want %d", fileID, err, res.TableFileID)
	}
}

func TestDatasetImportByImageName(t *testing.T) {
	store := memrepo.New()
	ds := store.AddDataset(0, "ds1")
	imgA1 := store.AddImage(ds, "A1")
	imgA2 := store.AddImage(ds, "A2")

	csvText := "Image Name,Type,Concentration\nA1,Control,0.0\nA2,Treatment,10.5\n"
	res, table := run(t, store, model.TargetRef{Kind: model.KindDataset, ID: ds}, csvText, Options{})

	if res.RowsWritten != 2 {
		t.Fatalf("RowsWritten = %d, want 2", res.RowsWritten)
	}
	rows, err := table.ReadRows(context.Background(), 0, 2)
	if err != nil {
		t.Fatalf("ReadRows() error = %v", err)
	}
	image := columnByName(t, rows, "Image")
	if image.Values[0].(int64) != imgA1 || image.Values[1].(int64) != imgA2 {
		t.Errorf("Image ids = %v, want [%d %d]", image.Values, imgA1, imgA2)
	}
	if v := columnByName(t, rows, "Concentration").Values[1]; v != 10.5 {
		t.Errorf("Concentration[1] = %v (%T), want 10.5", v, v)
	}
}

func TestDatasetImportUnmatchedImageNameDropsRow(t *testing.T) {
	store := memrepo.New()
	ds := store.AddDataset(0, "ds1")
	store.AddImage(ds, "A1")

	csvText := "Image Name,Type\nno-such-image,Control\n"
	p := New(store, model.TargetRef{Kind: model.KindDataset, ID: ds}, Options{})
	plan, err := p.Plan(context.Background(), strings.NewReader(csvText))
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	_, err = p.Execute(context.Background(), plan)
	if !errors.Is(err, ErrNothingToDo) {
		t.Fatalf("Execute() error = %v, want ErrNothingToDo", err)
	}
}

// ----------------------------------------------------------------------------
// Round-trip / Filtering Tests
// ----------------------------------------------------------------------------

func TestEmptyLinesSkippedInRoundTrip(t *testing.T) {
	store := memrepo.New()
	plate := store.AddPlate(0, "P001")
	store.AddWell(plate, 0, 0)
	store.AddWell(plate, 0, 1)

	csvText := "Well,score\n\nA1,1\n,\nA2,2\n"
	res, _ := run(t, store, model.TargetRef{Kind: model.KindPlate, ID: plate}, csvText, Options{})
	if res.RowsWritten != 2 {
		t.Errorf("RowsWritten = %d, want 2", res.RowsWritten)
	}
}

func TestPlateFilterSelectsOwnRows(t *testing.T) {
	store := memrepo.New()
	screen := store.AddScreen("s")
	p1 := store.AddPlate(screen, "P001")
	store.AddPlate(screen, "P002")
	store.AddWell(p1, 0, 0)

	// A plate-scoped import of a file carrying a foreign Plate column
	// keeps only this plate's rows.
	csvText := "Plate,Well,score\nP001,A1,1\nP002,A1,2\n"
	res, _ := run(t, store, model.TargetRef{Kind: model.KindPlate, ID: p1}, csvText, Options{})
	if res.RowsWritten != 1 {
		t.Errorf("RowsWritten = %d, want 1", res.RowsWritten)
	}
	if res.RowsSkipped != 1 {
		t.Errorf("RowsSkipped = %d, want 1", res.RowsSkipped)
	}
}

func TestScreenImportMissingPlateSkipsRow(t *testing.T) {
	store := memrepo.New()
	screen := store.AddScreen("s")
	plate := store.AddPlate(screen, "P001")
	store.AddWell(plate, 0, 0)

	csvText := "Plate,Well,score\nP001,A1,1\nP999,A1,2\n"
	res, _ := run(t, store, model.TargetRef{Kind: model.KindScreen, ID: screen}, csvText, Options{})
	if res.RowsWritten != 1 || res.RowsSkipped != 1 {
		t.Errorf("rows = %d written, %d skipped, want 1, 1", res.RowsWritten, res.RowsSkipped)
	}
}

func TestWellSentinelRowStillWritten(t *testing.T) {
	store := memrepo.New()
	plate := store.AddPlate(0, "P001")
	store.AddWell(plate, 0, 0)

	csvText := "Well,score\nA1,1\nB9,2\n"
	res, table := run(t, store, model.TargetRef{Kind: model.KindPlate, ID: plate}, csvText, Options{})
	if res.RowsWritten != 2 {
		t.Fatalf("RowsWritten = %d, want 2", res.RowsWritten)
	}
	rows, _ := table.ReadRows(context.Background(), 0, 2)
	well := columnByName(t, rows, "Well")
	if well.Values[1].(int64) != model.NotFound {
		t.Errorf("Well[1] = %v, want -1 sentinel", well.Values[1])
	}
	// The sentinel row gets an empty well name.
	if v := columnByName(t, rows, resolve.WellNameColumn).Values[1]; v != "" {
		t.Errorf("Well Name[1] = %q, want empty", v)
	}
}

// ----------------------------------------------------------------------------
// Type Row / NaN Tests
// ----------------------------------------------------------------------------

func TestTypeRowDrivenSchema(t *testing.T) {
	store := memrepo.New()
	plate := store.AddPlate(0, "P001")
	store.AddWell(plate, 0, 0)

	csvText := "# header well,s,d\nWell,Gene,Score\nA1,kif11,1\n"
	_, table := run(t, store, model.TargetRef{Kind: model.KindPlate, ID: plate}, csvText, Options{})
	rows, _ := table.ReadRows(context.Background(), 0, 1)
	if v := columnByName(t, rows, "Score").Values[0]; v != 1.0 {
		t.Errorf("Score[0] = %v (%T), want 1.0 (float64 via type row)", v, v)
	}
}

func TestEmptyNumericCell(t *testing.T) {
	store := memrepo.New()
	plate := store.AddPlate(0, "P001")
	store.AddWell(plate, 0, 0)
	target := model.TargetRef{Kind: model.KindPlate, ID: plate}
	csvText := "# header well,d\nWell,Score\nA1,\n"

	// Without NaN substitution the parse aborts.
	p := New(store, target, Options{})
	if _, err := p.Plan(context.Background(), strings.NewReader(csvText)); !errors.Is(err, resolve.ErrValue) {
		t.Fatalf("Plan() error = %v, want ErrValue", err)
	}

	// With it enabled the parse completes.
	res, _ := run(t, store, target, csvText, Options{AllowNaN: true})
	if res.RowsWritten != 1 {
		t.Errorf("RowsWritten = %d, want 1", res.RowsWritten)
	}
}

// ----------------------------------------------------------------------------
// Batching Tests
// ----------------------------------------------------------------------------

func TestBatchFlushing(t *testing.T) {
	store := memrepo.New()
	plate := store.AddPlate(0, "P001")
	for col := 0; col < 5; col++ {
		store.AddWell(plate, 0, col)
	}
	var sb strings.Builder
	sb.WriteString("Well,score\n")
	for col := 0; col < 5; col++ {
		sb.WriteString(model.WellName(0, col))
		sb.WriteString(",1\n")
	}
	res, table := run(t, store, model.TargetRef{Kind: model.KindPlate, ID: plate}, sb.String(), Options{BatchSize: 2})
	if res.Batches != 3 {
		t.Errorf("Batches = %d, want 3", res.Batches)
	}
	n, _ := table.NumRows(context.Background())
	if n != 5 {
		t.Errorf("NumRows = %d, want 5", n)
	}
	// Companion column stays aligned across batches.
	rows, _ := table.ReadRows(context.Background(), 4, 5)
	if v := columnByName(t, rows, resolve.WellNameColumn).Values[0]; v != "A5" {
		t.Errorf("Well Name[4] = %q, want A5", v)
	}
}
