package annotate

import (
	"context"
	"errors"
	"testing"

	"github.com/openimaging/bulkmeta/internal/model"
	"github.com/openimaging/bulkmeta/internal/remote"
	"github.com/openimaging/bulkmeta/internal/remote/memrepo"
)

// ----------------------------------------------------------------------------
// Annotator Tests
// ----------------------------------------------------------------------------

const nsGene = "example.com/mapr/gene"

type plateFixture struct {
	store  *memrepo.Store
	target model.TargetRef
	wells  []int64
	images []int64
}

// newPlateFixture builds a plate with two wells, one image each, and a
// populated table linked to the plate.
func newPlateFixture(t *testing.T) plateFixture {
	t.Helper()
	ctx := context.Background()
	store := memrepo.New()

	plateID := store.AddPlate(0, "P001")
	w1 := store.AddWell(plateID, 0, 0)
	w2 := store.AddWell(plateID, 0, 1)
	i1 := store.AddWellImage(w1, "fld-1")
	i2 := store.AddWellImage(w2, "fld-2")

	cols := []model.Column{
		{Type: model.ColWell, Name: "Well"},
		{Type: model.ColString, Name: "Well Name", Size: 2},
		{Type: model.ColString, Name: "Gene", Size: 8},
	}
	tbl, err := store.NewTable(ctx, "bulk_annotations", cols)
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	cols[0].Values = []any{w1, w2}
	cols[1].Values = []any{"A1", "A2"}
	cols[2].Values = []any{"kras", "tp53"}
	if err := tbl.AddData(ctx, cols); err != nil {
		t.Fatalf("AddData: %v", err)
	}

	target := model.TargetRef{Kind: model.KindPlate, ID: plateID}
	if err := store.SaveFileLink(ctx, target, tbl.FileID(), remote.NSBulkAnnotations, "bulk_annotations"); err != nil {
		t.Fatalf("SaveFileLink: %v", err)
	}
	return plateFixture{store: store, target: target, wells: []int64{w1, w2}, images: []int64{i1, i2}}
}

func wellRef(id int64) model.TargetRef  { return model.TargetRef{Kind: model.KindWell, ID: id} }
func imageRef(id int64) model.TargetRef { return model.TargetRef{Kind: model.KindImage, ID: id} }

func TestAnnotatePlateWells(t *testing.T) {
	fx := newPlateFixture(t)
	a := NewAnnotator(fx.store, fx.target, nil, Options{})

	sum, err := a.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.RowsRead != 2 || sum.Annotations != 2 || sum.Links != 2 {
		t.Errorf("summary = %+v, want 2 rows, 2 annotations, 2 links", sum)
	}
	if got := fx.store.AnnotationCount(remote.NSBulkAnnotations); got != 2 {
		t.Errorf("AnnotationCount = %d, want 2", got)
	}
	for _, w := range fx.wells {
		if got := fx.store.LinkCount(wellRef(w), remote.NSBulkAnnotations); got != 1 {
			t.Errorf("well %d LinkCount = %d, want 1", w, got)
		}
	}

	anns := fx.store.AnnotationsOn(wellRef(fx.wells[0]))
	if len(anns) != 1 {
		t.Fatalf("AnnotationsOn = %d annotations, want 1", len(anns))
	}
	got := pairMap(anns[0].Pairs)
	if got["Gene"] != "kras" || got["Well Name"] != "A1" {
		t.Errorf("pairs = %v, want Gene=kras Well Name=A1", got)
	}
}

func TestAnnotateWellToImages(t *testing.T) {
	fx := newPlateFixture(t)
	cfg := &Config{
		Defaults: &ColumnRule{Include: true},
		Advanced: &Advanced{WellToImages: true},
	}
	a := NewAnnotator(fx.store, fx.target, cfg, Options{})

	if _, err := a.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, img := range fx.images {
		if got := fx.store.LinkCount(imageRef(img), remote.NSBulkAnnotations); got != 1 {
			t.Errorf("image %d LinkCount = %d, want 1", img, got)
		}
	}
}

func TestAnnotateRerunWithPrimaryKeysIsIdempotent(t *testing.T) {
	fx := newPlateFixture(t)
	cfg := &Config{
		Columns: []ColumnEntry{
			{Group: &Group{
				Namespace: nsGene,
				Columns:   []ColumnRule{{Name: "Gene", Include: true}},
			}},
		},
		Advanced: &Advanced{
			PrimaryGroupKeys: []NamespaceKeys{{Namespace: nsGene, Keys: []string{"Gene"}}},
		},
	}
	ctx := context.Background()

	first, err := NewAnnotator(fx.store, fx.target, cfg, Options{}).Run(ctx)
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if first.Annotations != 2 || first.Links != 2 {
		t.Fatalf("first summary = %+v, want 2 annotations, 2 links", first)
	}

	second, err := NewAnnotator(fx.store, fx.target, cfg, Options{}).Run(ctx)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if second.Annotations != 0 || second.Links != 0 {
		t.Errorf("second summary = %+v, want nothing new", second)
	}
	if got := fx.store.AnnotationCount(nsGene); got != 2 {
		t.Errorf("AnnotationCount after rerun = %d, want 2", got)
	}
	for _, w := range fx.wells {
		if got := fx.store.LinkCount(wellRef(w), nsGene); got != 1 {
			t.Errorf("well %d LinkCount after rerun = %d, want 1", w, got)
		}
	}
}

func TestAnnotateNamespaceFilter(t *testing.T) {
	fx := newPlateFixture(t)
	cfg := &Config{
		Defaults: &ColumnRule{Include: true},
		Columns: []ColumnEntry{
			{Group: &Group{
				Namespace: nsGene,
				Columns:   []ColumnRule{{Name: "Gene", Include: true}},
			}},
		},
	}
	a := NewAnnotator(fx.store, fx.target, cfg, Options{Namespaces: []string{nsGene}})

	if _, err := a.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := fx.store.AnnotationCount(nsGene); got != 2 {
		t.Errorf("filtered namespace count = %d, want 2", got)
	}
	if got := fx.store.AnnotationCount(remote.NSBulkAnnotations); got != 0 {
		t.Errorf("default namespace count = %d, want 0", got)
	}
}

func TestAnnotateMissingPrimaryKey(t *testing.T) {
	fx := newPlateFixture(t)
	cfg := &Config{
		Columns: []ColumnEntry{
			{Group: &Group{
				Namespace: nsGene,
				Columns:   []ColumnRule{{Name: "Gene", Include: true}},
			}},
		},
		Advanced: &Advanced{
			PrimaryGroupKeys: []NamespaceKeys{{Namespace: nsGene, Keys: []string{"Protein"}}},
		},
	}

	_, err := NewAnnotator(fx.store, fx.target, cfg, Options{}).Run(context.Background())
	if !errors.Is(err, ErrPrimaryKeyMissing) {
		t.Fatalf("err = %v, want ErrPrimaryKeyMissing", err)
	}

	cfg.Advanced.IgnoreMissingPrimaryKey = true
	sum, err := NewAnnotator(fx.store, fx.target, cfg, Options{}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run with ignore flag: %v", err)
	}
	if sum.Annotations != 0 {
		t.Errorf("annotations = %d, want 0", sum.Annotations)
	}
}

func TestAnnotateDryRun(t *testing.T) {
	fx := newPlateFixture(t)
	a := NewAnnotator(fx.store, fx.target, nil, Options{DryRun: true})

	sum, err := a.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Annotations != 2 || sum.Links != 2 {
		t.Errorf("summary = %+v, want computed counts", sum)
	}
	if got := fx.store.AnnotationCount(remote.NSBulkAnnotations); got != 0 {
		t.Errorf("AnnotationCount = %d, want 0 after dry run", got)
	}
}

func TestAnnotateNoTable(t *testing.T) {
	store := memrepo.New()
	plateID := store.AddPlate(0, "P001")
	target := model.TargetRef{Kind: model.KindPlate, ID: plateID}

	_, err := NewAnnotator(store, target, nil, Options{}).Run(context.Background())
	if !errors.Is(err, ErrNoTable) {
		t.Fatalf("err = %v, want ErrNoTable", err)
	}
}

func TestAnnotateOversizedGroupSavedInBatches(t *testing.T) {
	ctx := context.Background()
	store := memrepo.New()
	plateID := store.AddPlate(0, "P001")

	// Five wells sharing one gene value so a single annotation links to
	// all of them, exceeding the batch size of two.
	var wellIDs []any
	var refs []model.TargetRef
	for i := 0; i < 5; i++ {
		id := store.AddWell(plateID, 0, i)
		wellIDs = append(wellIDs, id)
		refs = append(refs, wellRef(id))
	}
	cols := []model.Column{
		{Type: model.ColWell, Name: "Well"},
		{Type: model.ColString, Name: "Gene", Size: 8},
	}
	tbl, err := store.NewTable(ctx, "bulk_annotations", cols)
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	cols[0].Values = wellIDs
	cols[1].Values = []any{"kras", "kras", "kras", "kras", "kras"}
	if err := tbl.AddData(ctx, cols); err != nil {
		t.Fatalf("AddData: %v", err)
	}
	target := model.TargetRef{Kind: model.KindPlate, ID: plateID}
	if err := store.SaveFileLink(ctx, target, tbl.FileID(), remote.NSBulkAnnotations, "bulk_annotations"); err != nil {
		t.Fatalf("SaveFileLink: %v", err)
	}

	cfg := &Config{
		Columns: []ColumnEntry{
			{Group: &Group{
				Namespace: nsGene,
				Columns:   []ColumnRule{{Name: "Gene", Include: true}},
			}},
		},
		Advanced: &Advanced{
			PrimaryGroupKeys: []NamespaceKeys{{Namespace: nsGene, Keys: []string{"Gene"}}},
		},
	}
	sum, err := NewAnnotator(store, target, cfg, Options{BatchSize: 2}).Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Annotations != 1 || sum.Links != 5 {
		t.Errorf("summary = %+v, want 1 annotation, 5 links", sum)
	}
	if got := store.AnnotationCount(nsGene); got != 1 {
		t.Errorf("AnnotationCount = %d, want 1", got)
	}
	for _, ref := range refs {
		if got := store.LinkCount(ref, nsGene); got != 1 {
			t.Errorf("%v LinkCount = %d, want 1", ref, got)
		}
	}
}
