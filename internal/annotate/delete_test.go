package annotate

import (
	"context"
	"testing"
	"time"

	"github.com/openimaging/bulkmeta/internal/model"
	"github.com/openimaging/bulkmeta/internal/remote"
	"github.com/openimaging/bulkmeta/internal/remote/memrepo"
)

// ----------------------------------------------------------------------------
// Deletion Walker Tests
// ----------------------------------------------------------------------------

func fastDelete(opts DeleteOptions) DeleteOptions {
	opts.PollInterval = time.Millisecond
	return opts
}

// annotatedPlate runs a full annotation pass over the plate fixture so
// the walker has links to remove.
func annotatedPlate(t *testing.T) plateFixture {
	t.Helper()
	fx := newPlateFixture(t)
	if _, err := NewAnnotator(fx.store, fx.target, nil, Options{}).Run(context.Background()); err != nil {
		t.Fatalf("annotate fixture: %v", err)
	}
	return fx
}

func TestDeleteWalkerPlate(t *testing.T) {
	fx := annotatedPlate(t)
	w := NewWalker(fx.store, fx.target, nil, fastDelete(DeleteOptions{}))

	sum, err := w.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := sum.Deleted["WellAnnotationLink"]; got != 2 {
		t.Errorf("WellAnnotationLink deleted = %d, want 2", got)
	}
	for _, well := range fx.wells {
		if got := fx.store.LinkCount(wellRef(well), remote.NSBulkAnnotations); got != 0 {
			t.Errorf("well %d LinkCount = %d, want 0", well, got)
		}
	}
	// Orphaned annotations are removed with their last link.
	if got := fx.store.AnnotationCount(remote.NSBulkAnnotations); got != 0 {
		t.Errorf("AnnotationCount = %d, want 0", got)
	}
}

func TestDeleteWalkerScreenDescends(t *testing.T) {
	ctx := context.Background()
	store := memrepo.New()
	scr := store.AddScreen("S1")
	plateID := store.AddPlate(scr, "P001")
	w1 := store.AddWell(plateID, 0, 0)
	cols := []model.Column{
		{Type: model.ColWell, Name: "Well"},
		{Type: model.ColString, Name: "Gene", Size: 8},
	}
	tbl, err := store.NewTable(ctx, "bulk_annotations", cols)
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	cols[0].Values = []any{w1}
	cols[1].Values = []any{"kras"}
	if err := tbl.AddData(ctx, cols); err != nil {
		t.Fatalf("AddData: %v", err)
	}
	plateRef := model.TargetRef{Kind: model.KindPlate, ID: plateID}
	if err := store.SaveFileLink(ctx, plateRef, tbl.FileID(), remote.NSBulkAnnotations, "bulk_annotations"); err != nil {
		t.Fatalf("SaveFileLink: %v", err)
	}
	if _, err := NewAnnotator(store, plateRef, nil, Options{}).Run(ctx); err != nil {
		t.Fatalf("annotate: %v", err)
	}

	screenRef := model.TargetRef{Kind: model.KindScreen, ID: scr}
	sum, err := NewWalker(store, screenRef, nil, fastDelete(DeleteOptions{})).Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := sum.Deleted["WellAnnotationLink"]; got != 1 {
		t.Errorf("WellAnnotationLink deleted = %d, want 1", got)
	}
	if got := store.LinkCount(wellRef(w1), remote.NSBulkAnnotations); got != 0 {
		t.Errorf("well LinkCount = %d, want 0", got)
	}
}

func TestDeleteNamespaceScoped(t *testing.T) {
	ctx := context.Background()
	fx := newPlateFixture(t)
	ref := wellRef(fx.wells[0])

	links := []remote.AnnotationLink{
		{Parent: ref, Annotation: &remote.MapAnnotation{NS: remote.NSBulkAnnotations, Pairs: []remote.Pair{{Key: "a", Value: "1"}}}},
		{Parent: ref, Annotation: &remote.MapAnnotation{NS: nsGene, Pairs: []remote.Pair{{Key: "Gene", Value: "kras"}}}},
	}
	if _, err := fx.store.SaveLinks(ctx, links); err != nil {
		t.Fatalf("SaveLinks: %v", err)
	}

	w := NewWalker(fx.store, fx.target, nil, fastDelete(DeleteOptions{Namespaces: []string{nsGene}}))
	if _, err := w.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := fx.store.LinkCount(ref, nsGene); got != 0 {
		t.Errorf("gene namespace LinkCount = %d, want 0", got)
	}
	if got := fx.store.LinkCount(ref, remote.NSBulkAnnotations); got != 1 {
		t.Errorf("default namespace LinkCount = %d, want 1 untouched", got)
	}
}

func TestDeleteGroupNamespacesFromConfig(t *testing.T) {
	ctx := context.Background()
	fx := newPlateFixture(t)
	ref := wellRef(fx.wells[0])

	links := []remote.AnnotationLink{
		{Parent: ref, Annotation: &remote.MapAnnotation{NS: nsGene, Pairs: []remote.Pair{{Key: "Gene", Value: "kras"}}}},
	}
	if _, err := fx.store.SaveLinks(ctx, links); err != nil {
		t.Fatalf("SaveLinks: %v", err)
	}

	cfg := &Config{
		Columns: []ColumnEntry{
			{Group: &Group{Namespace: nsGene, Columns: []ColumnRule{{Name: "Gene", Include: true}}}},
		},
	}
	w := NewWalker(fx.store, fx.target, cfg, fastDelete(DeleteOptions{}))
	if _, err := w.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := fx.store.LinkCount(ref, nsGene); got != 0 {
		t.Errorf("group namespace LinkCount = %d, want 0", got)
	}
}

func TestDeleteDryRun(t *testing.T) {
	fx := annotatedPlate(t)
	w := NewWalker(fx.store, fx.target, nil, fastDelete(DeleteOptions{DryRun: true}))

	sum, err := w.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := sum.Deleted["WellAnnotationLink"]; got != 2 {
		t.Errorf("dry run reported %d, want 2", got)
	}
	for _, well := range fx.wells {
		if got := fx.store.LinkCount(wellRef(well), remote.NSBulkAnnotations); got != 1 {
			t.Errorf("well %d LinkCount = %d, want 1 untouched", well, got)
		}
	}
}

func TestDeleteAttachedConfigFiles(t *testing.T) {
	ctx := context.Background()
	fx := annotatedPlate(t)
	if err := fx.store.SaveFileLink(ctx, fx.target, 4242, remote.NSBulkAnnotationsConfig, "config"); err != nil {
		t.Fatalf("SaveFileLink: %v", err)
	}

	w := NewWalker(fx.store, fx.target, nil, fastDelete(DeleteOptions{Attach: true}))
	sum, err := w.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := sum.Deleted["FileAnnotation"]; got != 1 {
		t.Errorf("FileAnnotation deleted = %d, want 1", got)
	}
	if got := fx.store.FileLinkCount(fx.target, remote.NSBulkAnnotationsConfig); got != 0 {
		t.Errorf("config FileLinkCount = %d, want 0", got)
	}
}

func TestDeleteAttachedConfigFilesOnDescendants(t *testing.T) {
	ctx := context.Background()
	store := memrepo.New()
	scr := store.AddScreen("S1")
	plateID := store.AddPlate(scr, "P001")
	store.AddWell(plateID, 0, 0)
	plate := model.TargetRef{Kind: model.KindPlate, ID: plateID}
	if err := store.SaveFileLink(ctx, plate, 4242, remote.NSBulkAnnotationsConfig, "config"); err != nil {
		t.Fatalf("SaveFileLink: %v", err)
	}

	screenRef := model.TargetRef{Kind: model.KindScreen, ID: scr}
	w := NewWalker(store, screenRef, nil, fastDelete(DeleteOptions{Attach: true}))
	sum, err := w.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := sum.Deleted["FileAnnotation"]; got != 1 {
		t.Errorf("FileAnnotation deleted = %d, want 1", got)
	}
	if got := store.FileLinkCount(plate, remote.NSBulkAnnotationsConfig); got != 0 {
		t.Errorf("plate config FileLinkCount = %d, want 0", got)
	}
}

func TestDeleteAttachSkippedWhenConfigNamespaceExcluded(t *testing.T) {
	ctx := context.Background()
	fx := annotatedPlate(t)
	if err := fx.store.SaveFileLink(ctx, fx.target, 4242, remote.NSBulkAnnotationsConfig, "config"); err != nil {
		t.Fatalf("SaveFileLink: %v", err)
	}

	opts := fastDelete(DeleteOptions{Attach: true, Namespaces: []string{remote.NSBulkAnnotations}})
	sum, err := NewWalker(fx.store, fx.target, nil, opts).Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := sum.Deleted["FileAnnotation"]; got != 0 {
		t.Errorf("FileAnnotation deleted = %d, want 0 outside the config namespace", got)
	}
	if got := fx.store.FileLinkCount(fx.target, remote.NSBulkAnnotationsConfig); got != 1 {
		t.Errorf("config FileLinkCount = %d, want 1 untouched", got)
	}
}

func TestDeleteBatchedCommands(t *testing.T) {
	fx := annotatedPlate(t)
	w := NewWalker(fx.store, fx.target, nil, fastDelete(DeleteOptions{BatchSize: 1}))

	sum, err := w.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := sum.Deleted["WellAnnotationLink"]; got != 2 {
		t.Errorf("WellAnnotationLink deleted = %d, want 2 across batches", got)
	}
}
