package annotate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/openimaging/bulkmeta/internal/metrics"
	"github.com/openimaging/bulkmeta/internal/model"
	"github.com/openimaging/bulkmeta/internal/remote"
)

// DefaultBatchSize is the link count saved per update call. Pending
// small groups are flushed once ten batches have accumulated.
const DefaultBatchSize = 1000

// ErrNoTable is returned when the target has no bulk-annotations table
// to read rows from.
var ErrNoTable = errors.New("no bulk annotations table on target")

// Options configures an annotation run.
type Options struct {
	// FileID forces a specific table file. Zero means look up the
	// table linked to the target in the bulk-annotations namespace.
	FileID int64

	// BatchSize caps the links written per save call.
	BatchSize int

	// Namespaces restricts the run to the listed namespaces. Empty
	// means all configured namespaces.
	Namespaces []string

	// DryRun computes the annotation set without writing.
	DryRun bool
}

// Summary reports what an annotation run produced.
type Summary struct {
	RowsRead    int
	Annotations int
	Links       int
}

// Annotator reads a populated table back and attaches deduplicated map
// annotations to the objects each row identified.
type Annotator struct {
	repo   remote.Repository
	target model.TargetRef
	cfg    *Config
	opts   Options
}

// NewAnnotator wires an annotation run for one target.
func NewAnnotator(repo remote.Repository, target model.TargetRef, cfg *Config, opts Options) *Annotator {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	return &Annotator{repo: repo, target: target, cfg: cfg, opts: opts}
}

func (a *Annotator) nsWanted(ns string) bool {
	if len(a.opts.Namespaces) == 0 {
		return true
	}
	for _, want := range a.opts.Namespaces {
		if ns == want {
			return true
		}
	}
	return false
}

// Run executes the full read, dedup and write cycle.
func (a *Annotator) Run(ctx context.Context) (Summary, error) {
	var sum Summary

	fileID := a.opts.FileID
	if fileID == 0 {
		id, err := a.repo.BulkAnnotationFileID(ctx, a.target, remote.NSBulkAnnotations)
		if err != nil {
			if errors.Is(err, remote.ErrNotFound) {
				return sum, fmt.Errorf("%w: %s", ErrNoTable, a.target)
			}
			return sum, err
		}
		fileID = id
	}

	tbl, err := a.repo.OpenTable(ctx, fileID)
	if err != nil {
		return sum, fmt.Errorf("open table %d: %w", fileID, err)
	}
	defer tbl.Close()

	headers, err := tbl.Headers(ctx)
	if err != nil {
		return sum, err
	}
	names := make([]string, len(headers))
	var idcols []int
	for i, col := range headers {
		names[i] = col.Name
		if col.Type == model.ColWell || col.Type == model.ColImage {
			idcols = append(idcols, i)
		}
	}

	transformers := a.cfg.Transformers(names)
	mgr := NewManager(a.cfg.PrimaryKeys())
	if err := mgr.Seed(ctx, a.repo); err != nil {
		return sum, err
	}

	nrows, err := tbl.NumRows(ctx)
	if err != nil {
		return sum, err
	}
	for from := 0; from < nrows; from += remote.PageSize {
		to := from + remote.PageSize
		if to > nrows {
			to = nrows
		}
		cols, err := tbl.ReadRows(ctx, from, to)
		if err != nil {
			return sum, err
		}
		if err := a.populateRows(ctx, headers, idcols, transformers, mgr, cols, to-from); err != nil {
			return sum, err
		}
		sum.RowsRead += to - from
	}

	created, links, err := a.write(ctx, mgr)
	sum.Annotations = created
	sum.Links = links
	return sum, err
}

// populateRows feeds one page of rows into the canonical manager.
func (a *Annotator) populateRows(ctx context.Context, headers []model.Column, idcols []int, transformers []Transformer, mgr *Manager, cols []model.Column, n int) error {
	for r := 0; r < n; r++ {
		row := make([]any, len(cols))
		for c := range cols {
			if r < len(cols[c].Values) {
				row[c] = cols[c].Values[r]
			}
		}

		parents, err := a.rowTargets(ctx, headers, idcols, row)
		if err != nil {
			return err
		}
		if len(parents) == 0 {
			continue
		}

		for _, t := range transformers {
			ns := t.NS
			if ns == "" {
				ns = remote.NSBulkAnnotations
			}
			if !a.nsWanted(ns) {
				continue
			}
			pairs := t.Transform(row)
			if len(pairs) == 0 {
				continue
			}
			if _, err := mgr.Add(ns, pairs, parents); err != nil {
				if errors.Is(err, ErrPrimaryKeyMissing) && a.cfg.ignoreMissingPrimaryKey() {
					slog.Debug("skipping row for namespace, primary key missing", "ns", ns)
					continue
				}
				return err
			}
		}
	}
	return nil
}

// rowTargets collects the objects a row annotates. Identifier values
// of zero or below mean the row resolved to nothing for that column.
func (a *Annotator) rowTargets(ctx context.Context, headers []model.Column, idcols []int, row []any) ([]model.TargetRef, error) {
	var parents []model.TargetRef
	for _, i := range idcols {
		id, ok := row[i].(int64)
		if !ok || id <= 0 {
			continue
		}
		switch headers[i].Type {
		case model.ColWell:
			parents = append(parents, model.TargetRef{Kind: model.KindWell, ID: id})
			if a.cfg.wellToImages() {
				imgIDs, err := a.repo.WellImageIDs(ctx, id)
				if err != nil {
					return nil, fmt.Errorf("well %d images: %w", id, err)
				}
				for _, imgID := range imgIDs {
					parents = append(parents, model.TargetRef{Kind: model.KindImage, ID: imgID})
				}
			}
		case model.ColImage:
			parents = append(parents, model.TargetRef{Kind: model.KindImage, ID: id})
		}
	}
	return parents, nil
}

// write persists the canonical set. Small link groups accumulate into
// shared batches; an annotation whose link count reaches the batch
// size is saved on its own and linked in chunks.
func (a *Annotator) write(ctx context.Context, mgr *Manager) (created, saved int, err error) {
	pendingCap := 10 * a.opts.BatchSize
	var pending []remote.AnnotationLink

	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		if a.opts.DryRun {
			saved += len(pending)
		} else {
			n, err := a.repo.SaveLinks(ctx, pending)
			if err != nil {
				return err
			}
			metrics.LinksSaved.Add(float64(n))
			slog.Info("saved annotation links", "count", n)
			saved += n
		}
		pending = pending[:0]
		return nil
	}

	for _, c := range mgr.Pending() {
		if c.Ann.ID == 0 {
			created++
		}
		parents := c.Parents()
		if len(parents) < a.opts.BatchSize {
			for _, p := range parents {
				pending = append(pending, remote.AnnotationLink{Parent: p, Annotation: c.Ann})
			}
			if len(pending) >= pendingCap {
				if err := flush(); err != nil {
					return created, saved, err
				}
			}
			continue
		}

		// Oversized group: persist the annotation once, then link in
		// batches so no single save call grows without bound.
		if !a.opts.DryRun && c.Ann.ID == 0 {
			id, err := a.repo.SaveAnnotation(ctx, c.Ann)
			if err != nil {
				return created, saved, err
			}
			c.Ann.ID = id
		}
		for off := 0; off < len(parents); off += a.opts.BatchSize {
			end := off + a.opts.BatchSize
			if end > len(parents) {
				end = len(parents)
			}
			batch := make([]remote.AnnotationLink, 0, end-off)
			for _, p := range parents[off:end] {
				batch = append(batch, remote.AnnotationLink{Parent: p, Annotation: c.Ann})
			}
			if a.opts.DryRun {
				saved += len(batch)
			} else {
				n, err := a.repo.SaveLinks(ctx, batch)
				if err != nil {
					return created, saved, err
				}
				metrics.LinksSaved.Add(float64(n))
				saved += n
			}
		}
	}
	if err := flush(); err != nil {
		return created, saved, err
	}
	if !a.opts.DryRun {
		metrics.AnnotationsCreated.Add(float64(created))
	}
	slog.Info("annotation run complete", "annotations", created, "links", saved, "dry_run", a.opts.DryRun)
	return created, saved, nil
}
