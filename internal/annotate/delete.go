package annotate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/openimaging/bulkmeta/internal/metrics"
	"github.com/openimaging/bulkmeta/internal/model"
	"github.com/openimaging/bulkmeta/internal/remote"
)

// Poll defaults for submitted delete commands.
const (
	DefaultPollLoops    = 10
	DefaultPollInterval = 500 * time.Millisecond
)

// ErrDeleteTimeout is returned when a delete command is still running
// after the configured number of polls.
var ErrDeleteTimeout = errors.New("delete command did not complete")

// DeleteOptions configures a deletion run.
type DeleteOptions struct {
	// Namespaces overrides the namespace set to purge. Empty means the
	// bulk-annotation namespaces plus any group namespaces from cfg.
	Namespaces []string

	// Attach also deletes file annotations holding attached
	// configuration files.
	Attach bool

	// BatchSize caps the link ids per delete command.
	BatchSize int

	// PollLoops and PollInterval bound the wait on each command.
	PollLoops    int
	PollInterval time.Duration

	// DryRun submits commands that report counts without removing
	// anything.
	DryRun bool
}

// DeleteSummary reports what a deletion run removed, per link type.
type DeleteSummary struct {
	Deleted map[string]int
}

// Total sums the per-type counts.
func (s DeleteSummary) Total() int {
	n := 0
	for _, c := range s.Deleted {
		n += c
	}
	return n
}

// Walker removes bulk map annotations below a target. It descends the
// containment hierarchy one level at a time and deletes the annotation
// links of every annotatable kind it visits.
type Walker struct {
	repo   remote.Repository
	target model.TargetRef
	cfg    *Config
	opts   DeleteOptions
}

// NewWalker wires a deletion run for one target. cfg may be nil when
// no configuration document applies.
func NewWalker(repo remote.Repository, target model.TargetRef, cfg *Config, opts DeleteOptions) *Walker {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.PollLoops <= 0 {
		opts.PollLoops = DefaultPollLoops
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &Walker{repo: repo, target: target, cfg: cfg, opts: opts}
}

func (w *Walker) namespaces() []string {
	if len(w.opts.Namespaces) > 0 {
		return w.opts.Namespaces
	}
	nss := []string{remote.NSBulkAnnotations, remote.NSBulkAnnotationsConfig}
	if w.cfg != nil {
		nss = append(nss, w.cfg.GroupNamespaces()...)
	}
	return nss
}

// children maps each kind to the kinds the walker descends into.
var children = map[model.Kind][]model.Kind{
	model.KindScreen:           {model.KindPlate},
	model.KindPlate:            {model.KindPlateAcquisition, model.KindWell},
	model.KindPlateAcquisition: {model.KindWellSample},
	model.KindWell:             {model.KindWellSample},
	model.KindWellSample:       {model.KindImage},
	model.KindProject:          {model.KindDataset},
	model.KindDataset:          {model.KindImage},
}

// Run walks the hierarchy and deletes matching annotation links.
func (w *Walker) Run(ctx context.Context) (DeleteSummary, error) {
	sum := DeleteSummary{Deleted: make(map[string]int)}

	visited, err := w.collect(ctx)
	if err != nil {
		return sum, err
	}

	nss := w.namespaces()
	var errs []error
	for _, kind := range deletionOrder {
		ids := visited[kind]
		if len(ids) == 0 || kind == model.KindWellSample {
			continue
		}
		linkIDs, err := w.repo.AnnotationLinkIDs(ctx, kind, ids, nss)
		if err != nil {
			return sum, fmt.Errorf("project %s annotation links: %w", kind, err)
		}
		if len(linkIDs) == 0 {
			continue
		}
		typ := kind.String() + "AnnotationLink"
		n, err := w.deleteBatched(ctx, typ, linkIDs)
		sum.Deleted[typ] += n
		if err != nil {
			errs = append(errs, err)
		}
	}

	// Attached config files share the walk's scope: every visited kind,
	// and only when the config namespace is in the selected set.
	if w.opts.Attach && slices.Contains(nss, remote.NSBulkAnnotationsConfig) {
		for _, kind := range deletionOrder {
			ids := visited[kind]
			if len(ids) == 0 || kind == model.KindWellSample {
				continue
			}
			fileIDs, err := w.repo.FileAnnotationIDs(ctx, kind, ids, []string{remote.NSBulkAnnotationsConfig})
			if err != nil {
				return sum, fmt.Errorf("project %s attached config files: %w", kind, err)
			}
			if len(fileIDs) == 0 {
				continue
			}
			n, err := w.deleteBatched(ctx, "FileAnnotation", fileIDs)
			sum.Deleted["FileAnnotation"] += n
			if err != nil {
				errs = append(errs, err)
			}
		}
	}

	if !w.opts.DryRun {
		metrics.LinksDeleted.Add(float64(sum.Total()))
	}
	slog.Info("deletion run complete", "target", w.target, "deleted", sum.Total(), "dry_run", w.opts.DryRun)
	return sum, errors.Join(errs...)
}

// deletionOrder fixes the kind iteration so repeated runs submit
// commands in the same sequence.
var deletionOrder = []model.Kind{
	model.KindScreen,
	model.KindPlate,
	model.KindPlateAcquisition,
	model.KindWell,
	model.KindImage,
	model.KindProject,
	model.KindDataset,
}

// collect gathers the ids of every kind reachable below the target.
// Well samples below a plate acquisition are only followed when the
// run did not start at a plate, since the plate's own wells already
// cover those images.
func (w *Walker) collect(ctx context.Context) (map[model.Kind][]int64, error) {
	visited := map[model.Kind][]int64{
		w.target.Kind: {w.target.ID},
	}
	frontier := []model.Kind{w.target.Kind}
	for len(frontier) > 0 {
		kind := frontier[0]
		frontier = frontier[1:]
		for _, childKind := range children[kind] {
			if kind == model.KindPlateAcquisition && childKind == model.KindWellSample && w.target.Kind == model.KindPlate {
				continue
			}
			ids, err := w.repo.ChildIDs(ctx, kind, visited[kind], childKind)
			if err != nil {
				return nil, fmt.Errorf("descend %s to %s: %w", kind, childKind, err)
			}
			if len(ids) == 0 {
				continue
			}
			if len(visited[childKind]) == 0 {
				frontier = append(frontier, childKind)
			}
			visited[childKind] = mergeIDs(visited[childKind], ids)
		}
	}
	return visited, nil
}

func mergeIDs(existing, extra []int64) []int64 {
	seen := make(map[int64]bool, len(existing))
	for _, id := range existing {
		seen[id] = true
	}
	for _, id := range extra {
		if !seen[id] {
			existing = append(existing, id)
			seen[id] = true
		}
	}
	return existing
}

// deleteBatched submits the ids in batch-sized delete commands and
// waits on each. A failed batch is reported but does not stop the
// remaining batches.
func (w *Walker) deleteBatched(ctx context.Context, typ string, ids []int64) (int, error) {
	deleted := 0
	var errs []error
	for off := 0; off < len(ids); off += w.opts.BatchSize {
		end := off + w.opts.BatchSize
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[off:end]
		handle, err := w.repo.SubmitDelete(ctx, remote.DeleteTargets{typ: batch}, w.opts.DryRun)
		if err != nil {
			errs = append(errs, fmt.Errorf("submit delete %s [%d:%d]: %w", typ, off, end, err))
			continue
		}
		n, err := w.await(ctx, handle)
		if err != nil {
			errs = append(errs, fmt.Errorf("delete %s [%d:%d]: %w", typ, off, end, err))
			continue
		}
		deleted += n
		slog.Debug("delete batch finished", "type", typ, "count", n)
	}
	return deleted, errors.Join(errs...)
}

func (w *Walker) await(ctx context.Context, handle remote.DeleteHandle) (int, error) {
	for i := 0; i < w.opts.PollLoops; i++ {
		done, err := handle.Poll(ctx)
		if err != nil {
			return 0, err
		}
		if done {
			return handle.DeletedCount(), nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(w.opts.PollInterval):
		}
	}
	return 0, ErrDeleteTimeout
}
