// Package pgrepo implements remote.Repository on PostgreSQL using pgx.
//
// The hierarchy is stored as an objects table plus a generic edges
// table, so containment queries are uniform across kinds. Tables are
// stored column-oriented with one JSONB cell per value; annotations
// keep their ordered pair list as a JSONB document.
package pgrepo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openimaging/bulkmeta/internal/model"
	"github.com/openimaging/bulkmeta/internal/remote"
)

// Repo is a PostgreSQL-backed remote.Repository.
type Repo struct {
	pool *pgxpool.Pool
}

var _ remote.Repository = (*Repo)(nil)

// New wraps an existing connection pool. The caller owns the pool.
func New(pool *pgxpool.Pool) *Repo {
	return &Repo{pool: pool}
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS objects (
	id   BIGSERIAL PRIMARY KEY,
	kind TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS objects_kind_name ON objects (kind, name);

CREATE TABLE IF NOT EXISTS edges (
	parent_kind TEXT   NOT NULL,
	parent_id   BIGINT NOT NULL,
	child_kind  TEXT   NOT NULL,
	child_id    BIGINT NOT NULL,
	PRIMARY KEY (parent_kind, parent_id, child_kind, child_id)
);
CREATE INDEX IF NOT EXISTS edges_child ON edges (child_kind, child_id);

CREATE TABLE IF NOT EXISTS wells (
	id        BIGINT PRIMARY KEY,
	plate_id  BIGINT NOT NULL,
	row_index INT    NOT NULL,
	col_index INT    NOT NULL
);
CREATE INDEX IF NOT EXISTS wells_plate ON wells (plate_id);

CREATE TABLE IF NOT EXISTS rois (
	id        BIGINT PRIMARY KEY,
	image_id  BIGINT NOT NULL,
	name      TEXT   NOT NULL DEFAULT '',
	shape_ids BIGINT[] NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS rois_image ON rois (image_id);

CREATE TABLE IF NOT EXISTS table_files (
	file_id  BIGSERIAL PRIMARY KEY,
	name     TEXT NOT NULL,
	num_rows INT  NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS table_columns (
	file_id     BIGINT NOT NULL REFERENCES table_files (file_id),
	idx         INT    NOT NULL,
	col_type    INT    NOT NULL,
	name        TEXT   NOT NULL,
	description TEXT   NOT NULL DEFAULT '',
	size        INT    NOT NULL DEFAULT 1,
	PRIMARY KEY (file_id, idx)
);

CREATE TABLE IF NOT EXISTS table_cells (
	file_id BIGINT NOT NULL,
	col_idx INT    NOT NULL,
	row_idx INT    NOT NULL,
	value   JSONB  NOT NULL,
	PRIMARY KEY (file_id, col_idx, row_idx)
);

CREATE TABLE IF NOT EXISTS annotations (
	id    BIGSERIAL PRIMARY KEY,
	ns    TEXT  NOT NULL,
	pairs JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS annotations_ns ON annotations (ns);

CREATE TABLE IF NOT EXISTS annotation_links (
	id          BIGSERIAL PRIMARY KEY,
	parent_kind TEXT   NOT NULL,
	parent_id   BIGINT NOT NULL,
	ann_id      BIGINT NOT NULL REFERENCES annotations (id),
	UNIQUE (parent_kind, parent_id, ann_id)
);
CREATE INDEX IF NOT EXISTS annotation_links_parent ON annotation_links (parent_kind, parent_id);

CREATE TABLE IF NOT EXISTS file_links (
	id          BIGSERIAL PRIMARY KEY,
	parent_kind TEXT   NOT NULL,
	parent_id   BIGINT NOT NULL,
	file_id     BIGINT NOT NULL,
	ns          TEXT   NOT NULL,
	description TEXT   NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS file_links_parent ON file_links (parent_kind, parent_id, ns);
`

// EnsureSchema creates the storage tables if they do not exist yet.
func (r *Repo) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// ----------------------------------------------------------------------------
// QueryService
// ----------------------------------------------------------------------------

// FindObject implements remote.QueryService.
func (r *Repo) FindObject(ctx context.Context, kind model.Kind, id int64) (model.Object, error) {
	var obj model.Object
	err := r.pool.QueryRow(ctx,
		`SELECT id, name FROM objects WHERE kind = $1 AND id = $2`,
		kind.String(), id,
	).Scan(&obj.ID, &obj.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Object{}, fmt.Errorf("%s:%d: %w", kind, id, remote.ErrNotFound)
	}
	if err != nil {
		return model.Object{}, fmt.Errorf("find %s:%d: %w", kind, id, err)
	}
	return obj, nil
}

func (r *Repo) childObjects(ctx context.Context, parentKind model.Kind, parentID int64, childKind model.Kind, offset, limit int) ([]model.Object, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT o.id, o.name
		FROM edges e
		JOIN objects o ON o.id = e.child_id AND o.kind = e.child_kind
		WHERE e.parent_kind = $1 AND e.parent_id = $2 AND e.child_kind = $3
		ORDER BY o.id
		OFFSET $4 LIMIT $5`,
		parentKind.String(), parentID, childKind.String(), offset, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Object
	for rows.Next() {
		var obj model.Object
		if err := rows.Scan(&obj.ID, &obj.Name); err != nil {
			return nil, err
		}
		out = append(out, obj)
	}
	return out, rows.Err()
}

// ScreenPlates implements remote.QueryService.
func (r *Repo) ScreenPlates(ctx context.Context, screenID int64) ([]model.Object, error) {
	plates, err := r.childObjects(ctx, model.KindScreen, screenID, model.KindPlate, 0, 1<<30)
	if err != nil {
		return nil, fmt.Errorf("screen %d plates: %w", screenID, err)
	}
	return plates, nil
}

// PlateWells implements remote.QueryService. Each well carries its
// sampled images in acquisition order.
func (r *Repo) PlateWells(ctx context.Context, plateID int64, offset, limit int) ([]model.Well, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, row_index, col_index FROM wells
		WHERE plate_id = $1
		ORDER BY id
		OFFSET $2 LIMIT $3`,
		plateID, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("plate %d wells: %w", plateID, err)
	}
	defer rows.Close()

	var wells []model.Well
	for rows.Next() {
		var w model.Well
		if err := rows.Scan(&w.ID, &w.Row, &w.Col); err != nil {
			return nil, err
		}
		wells = append(wells, w)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range wells {
		imgs, err := r.wellImages(ctx, wells[i].ID)
		if err != nil {
			return nil, err
		}
		wells[i].Images = imgs
	}
	return wells, nil
}

func (r *Repo) wellImages(ctx context.Context, wellID int64) ([]model.Object, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT img.id, img.name
		FROM edges ws
		JOIN edges wsi ON wsi.parent_kind = ws.child_kind AND wsi.parent_id = ws.child_id
		JOIN objects img ON img.id = wsi.child_id AND img.kind = wsi.child_kind
		WHERE ws.parent_kind = 'Well' AND ws.parent_id = $1
		  AND ws.child_kind = 'WellSample' AND wsi.child_kind = 'Image'
		ORDER BY ws.child_id`,
		wellID)
	if err != nil {
		return nil, fmt.Errorf("well %d images: %w", wellID, err)
	}
	defer rows.Close()

	var out []model.Object
	for rows.Next() {
		var obj model.Object
		if err := rows.Scan(&obj.ID, &obj.Name); err != nil {
			return nil, err
		}
		out = append(out, obj)
	}
	return out, rows.Err()
}

// DatasetImages implements remote.QueryService.
func (r *Repo) DatasetImages(ctx context.Context, datasetID int64, offset, limit int) ([]model.Object, error) {
	imgs, err := r.childObjects(ctx, model.KindDataset, datasetID, model.KindImage, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("dataset %d images: %w", datasetID, err)
	}
	return imgs, nil
}

// ProjectImages implements remote.QueryService.
func (r *Repo) ProjectImages(ctx context.Context, projectID int64, offset, limit int) ([]model.DatasetImage, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT d.id, d.name, img.id, img.name
		FROM edges pd
		JOIN objects d ON d.id = pd.child_id AND d.kind = 'Dataset'
		JOIN edges di ON di.parent_kind = 'Dataset' AND di.parent_id = d.id AND di.child_kind = 'Image'
		JOIN objects img ON img.id = di.child_id AND img.kind = 'Image'
		WHERE pd.parent_kind = 'Project' AND pd.parent_id = $1 AND pd.child_kind = 'Dataset'
		ORDER BY d.id, img.id
		OFFSET $2 LIMIT $3`,
		projectID, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("project %d images: %w", projectID, err)
	}
	defer rows.Close()

	var out []model.DatasetImage
	for rows.Next() {
		var di model.DatasetImage
		if err := rows.Scan(&di.Dataset.ID, &di.Dataset.Name, &di.Image.ID, &di.Image.Name); err != nil {
			return nil, err
		}
		out = append(out, di)
	}
	return out, rows.Err()
}

// ImageROIs implements remote.QueryService.
func (r *Repo) ImageROIs(ctx context.Context, imageID int64, offset, limit int) ([]model.ROI, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, shape_ids FROM rois
		WHERE image_id = $1
		ORDER BY id
		OFFSET $2 LIMIT $3`,
		imageID, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("image %d rois: %w", imageID, err)
	}
	defer rows.Close()

	var out []model.ROI
	for rows.Next() {
		var roi model.ROI
		if err := rows.Scan(&roi.ID, &roi.Name, &roi.ShapeIDs); err != nil {
			return nil, err
		}
		out = append(out, roi)
	}
	return out, rows.Err()
}

// ChildIDs implements remote.QueryService.
func (r *Repo) ChildIDs(ctx context.Context, parentKind model.Kind, parentIDs []int64, childKind model.Kind) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT child_id FROM edges
		WHERE parent_kind = $1 AND parent_id = ANY($2) AND child_kind = $3
		ORDER BY child_id`,
		parentKind.String(), parentIDs, childKind.String())
	if err != nil {
		return nil, fmt.Errorf("children of %s: %w", parentKind, err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// WellImageIDs implements remote.QueryService.
func (r *Repo) WellImageIDs(ctx context.Context, wellID int64) ([]int64, error) {
	imgs, err := r.wellImages(ctx, wellID)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(imgs))
	for i, img := range imgs {
		ids[i] = img.ID
	}
	return ids, nil
}

// AnnotationLinkIDs implements remote.QueryService.
func (r *Repo) AnnotationLinkIDs(ctx context.Context, parentKind model.Kind, parentIDs []int64, namespaces []string) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT l.id
		FROM annotation_links l
		JOIN annotations a ON a.id = l.ann_id
		WHERE l.parent_kind = $1 AND l.parent_id = ANY($2) AND a.ns = ANY($3)
		ORDER BY l.id`,
		parentKind.String(), parentIDs, namespaces)
	if err != nil {
		return nil, fmt.Errorf("%s annotation links: %w", parentKind, err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// FileAnnotationIDs implements remote.QueryService.
func (r *Repo) FileAnnotationIDs(ctx context.Context, parentKind model.Kind, parentIDs []int64, namespaces []string) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id FROM file_links
		WHERE parent_kind = $1 AND parent_id = ANY($2) AND ns = ANY($3)
		ORDER BY id`,
		parentKind.String(), parentIDs, namespaces)
	if err != nil {
		return nil, fmt.Errorf("%s file annotations: %w", parentKind, err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// BulkAnnotationFileID implements remote.QueryService.
func (r *Repo) BulkAnnotationFileID(ctx context.Context, target model.TargetRef, ns string) (int64, error) {
	var fileID int64
	err := r.pool.QueryRow(ctx, `
		SELECT file_id FROM file_links
		WHERE parent_kind = $1 AND parent_id = $2 AND ns = $3
		ORDER BY id DESC LIMIT 1`,
		target.Kind.String(), target.ID, ns,
	).Scan(&fileID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("table file on %s: %w", target, remote.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("table file on %s: %w", target, err)
	}
	return fileID, nil
}

// MapAnnotationsByNS implements remote.QueryService.
func (r *Repo) MapAnnotationsByNS(ctx context.Context, ns string) ([]*remote.MapAnnotation, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, ns, pairs FROM annotations WHERE ns = $1 ORDER BY id`, ns)
	if err != nil {
		return nil, fmt.Errorf("annotations in %q: %w", ns, err)
	}
	defer rows.Close()

	var out []*remote.MapAnnotation
	for rows.Next() {
		var (
			ann remote.MapAnnotation
			doc []byte
		)
		if err := rows.Scan(&ann.ID, &ann.NS, &doc); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(doc, &ann.Pairs); err != nil {
			return nil, fmt.Errorf("decode annotation %d pairs: %w", ann.ID, err)
		}
		out = append(out, &ann)
	}
	return out, rows.Err()
}

func scanIDs(rows pgx.Rows) ([]int64, error) {
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ----------------------------------------------------------------------------
// UpdateService
// ----------------------------------------------------------------------------

// SaveFileLink implements remote.UpdateService.
func (r *Repo) SaveFileLink(ctx context.Context, target model.TargetRef, fileID int64, ns, description string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO file_links (parent_kind, parent_id, file_id, ns, description)
		VALUES ($1, $2, $3, $4, $5)`,
		target.Kind.String(), target.ID, fileID, ns, description)
	if err != nil {
		return fmt.Errorf("link file %d to %s: %w", fileID, target, err)
	}
	return nil
}

// SaveAnnotation implements remote.UpdateService.
func (r *Repo) SaveAnnotation(ctx context.Context, ann *remote.MapAnnotation) (int64, error) {
	id, err := saveAnnotation(ctx, r.pool, ann)
	if err != nil {
		return 0, fmt.Errorf("save annotation: %w", err)
	}
	return id, nil
}

// querier is the subset of pool and tx used for annotation writes.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func saveAnnotation(ctx context.Context, q querier, ann *remote.MapAnnotation) (int64, error) {
	doc, err := json.Marshal(ann.Pairs)
	if err != nil {
		return 0, err
	}
	if ann.ID != 0 {
		_, err := q.Exec(ctx,
			`UPDATE annotations SET ns = $2, pairs = $3 WHERE id = $1`,
			ann.ID, ann.NS, doc)
		return ann.ID, err
	}
	var id int64
	err = q.QueryRow(ctx,
		`INSERT INTO annotations (ns, pairs) VALUES ($1, $2) RETURNING id`,
		ann.NS, doc,
	).Scan(&id)
	if err != nil {
		return 0, err
	}
	ann.ID = id
	return id, nil
}

// SaveLinks implements remote.UpdateService. All links are written in
// one transaction; links referencing the same unsaved annotation share
// the single row created for it, and duplicates of existing links are
// skipped.
func (r *Repo) SaveLinks(ctx context.Context, links []remote.AnnotationLink) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("save links: %w", err)
	}
	defer tx.Rollback(ctx)

	saved := 0
	for _, l := range links {
		if l.Annotation == nil {
			return 0, fmt.Errorf("annotation link without child")
		}
		if l.Annotation.ID == 0 {
			if _, err := saveAnnotation(ctx, tx, l.Annotation); err != nil {
				return 0, fmt.Errorf("save links: %w", err)
			}
		}
		tag, err := tx.Exec(ctx, `
			INSERT INTO annotation_links (parent_kind, parent_id, ann_id)
			VALUES ($1, $2, $3)
			ON CONFLICT DO NOTHING`,
			l.Parent.Kind.String(), l.Parent.ID, l.Annotation.ID)
		if err != nil {
			return 0, fmt.Errorf("save links: %w", err)
		}
		saved += int(tag.RowsAffected())
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("save links: %w", err)
	}
	return saved, nil
}
