package pgrepo

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openimaging/bulkmeta/internal/model"
	"github.com/openimaging/bulkmeta/internal/remote"
)

// testRepo connects to the database named by TEST_DATABASE_URL and
// skips the test when none is configured.
func testRepo(t *testing.T) (*Repo, *pgxpool.Pool) {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	repo := New(pool)
	if err := repo.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return repo, pool
}

func TestTableWriteAndRead(t *testing.T) {
	repo, _ := testRepo(t)
	ctx := context.Background()

	cols := []model.Column{
		{Type: model.ColWell, Name: "Well"},
		{Type: model.ColString, Name: "Gene", Size: 4},
	}
	table, err := repo.NewTable(ctx, "bulk_annotations", cols)
	if err != nil {
		t.Fatalf("new table: %v", err)
	}
	defer table.Close()

	batch := model.CloneSchema(cols)
	batch[0].Values = []any{int64(101), int64(102)}
	batch[1].Values = []any{"kras", "tp53"}
	if err := table.AddData(ctx, batch); err != nil {
		t.Fatalf("add data: %v", err)
	}

	n, err := table.NumRows(ctx)
	if err != nil {
		t.Fatalf("num rows: %v", err)
	}
	if n != 2 {
		t.Fatalf("num rows = %d, want 2", n)
	}

	reopened, err := repo.OpenTable(ctx, table.FileID())
	if err != nil {
		t.Fatalf("open table: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.ReadRows(ctx, 0, 2)
	if err != nil {
		t.Fatalf("read rows: %v", err)
	}
	if got[0].Values[1] != int64(102) {
		t.Errorf("well id = %v, want 102", got[0].Values[1])
	}
	if got[1].Values[0] != "kras" {
		t.Errorf("gene = %v, want kras", got[1].Values[0])
	}
}

func TestOpenTableNotFound(t *testing.T) {
	repo, _ := testRepo(t)
	if _, err := repo.OpenTable(context.Background(), -1); !errors.Is(err, remote.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestSaveLinksDedupesAndCollectsOrphans(t *testing.T) {
	repo, _ := testRepo(t)
	ctx := context.Background()

	ann := &remote.MapAnnotation{
		NS:    remote.NSBulkAnnotations,
		Pairs: []remote.Pair{{Key: "Gene", Value: "kras"}},
	}
	parent := model.TargetRef{Kind: model.KindWell, ID: time.Now().UnixNano()}
	links := []remote.AnnotationLink{
		{Parent: parent, Annotation: ann},
		{Parent: parent, Annotation: ann},
	}

	n, err := repo.SaveLinks(ctx, links)
	if err != nil {
		t.Fatalf("save links: %v", err)
	}
	if n != 1 {
		t.Errorf("saved = %d, want 1 after dedupe", n)
	}
	if ann.ID == 0 {
		t.Fatal("annotation id not assigned")
	}

	ids, err := repo.AnnotationLinkIDs(ctx, model.KindWell, []int64{parent.ID}, []string{remote.NSBulkAnnotations})
	if err != nil {
		t.Fatalf("link ids: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("link ids = %v, want one", ids)
	}

	handle, err := repo.SubmitDelete(ctx, remote.DeleteTargets{"WellAnnotationLink": ids}, false)
	if err != nil {
		t.Fatalf("submit delete: %v", err)
	}
	done, err := handle.Poll(ctx)
	if err != nil || !done {
		t.Fatalf("poll = %v, %v", done, err)
	}
	if handle.DeletedCount() != 1 {
		t.Errorf("deleted = %d, want 1", handle.DeletedCount())
	}

	// The annotation lost its last link and must be gone too.
	anns, err := repo.MapAnnotationsByNS(ctx, remote.NSBulkAnnotations)
	if err != nil {
		t.Fatalf("annotations: %v", err)
	}
	for _, a := range anns {
		if a.ID == ann.ID {
			t.Error("orphaned annotation survived")
		}
	}
}

func TestDeleteDryRunKeepsLinks(t *testing.T) {
	repo, _ := testRepo(t)
	ctx := context.Background()

	ann := &remote.MapAnnotation{NS: remote.NSBulkAnnotations, Pairs: []remote.Pair{{Key: "k", Value: "v"}}}
	parent := model.TargetRef{Kind: model.KindImage, ID: time.Now().UnixNano()}
	if _, err := repo.SaveLinks(ctx, []remote.AnnotationLink{{Parent: parent, Annotation: ann}}); err != nil {
		t.Fatalf("save links: %v", err)
	}

	ids, err := repo.AnnotationLinkIDs(ctx, model.KindImage, []int64{parent.ID}, []string{remote.NSBulkAnnotations})
	if err != nil {
		t.Fatalf("link ids: %v", err)
	}

	handle, err := repo.SubmitDelete(ctx, remote.DeleteTargets{"ImageAnnotationLink": ids}, true)
	if err != nil {
		t.Fatalf("submit delete: %v", err)
	}
	if _, err := handle.Poll(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if handle.DeletedCount() != 1 {
		t.Errorf("dry-run count = %d, want 1", handle.DeletedCount())
	}

	after, err := repo.AnnotationLinkIDs(ctx, model.KindImage, []int64{parent.ID}, []string{remote.NSBulkAnnotations})
	if err != nil {
		t.Fatalf("link ids: %v", err)
	}
	if len(after) != 1 {
		t.Errorf("links after dry run = %d, want 1", len(after))
	}
}
