package web

// handlers.go implements the job API. Imports run asynchronously on the
// job runner; clients poll the job id for progress and result counts.

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/openimaging/bulkmeta/internal/annotate"
	"github.com/openimaging/bulkmeta/internal/jobs"
	"github.com/openimaging/bulkmeta/internal/model"
	"github.com/openimaging/bulkmeta/internal/parse"
	"github.com/openimaging/bulkmeta/internal/remote"
)

// MaxRequestSize caps job submission bodies (32MB), which bounds the
// CSV content a populate job can carry inline.
const MaxRequestSize = 32 * 1024 * 1024

// submitRequest is the body of POST /api/jobs.
type submitRequest struct {
	// Kind selects the operation: populate, annotate or delete.
	Kind string `json:"kind"`

	// Target is a Kind:ID reference, e.g. "Plate:12".
	Target string `json:"target"`

	// CSV is the file content for populate jobs.
	CSV string `json:"csv,omitempty"`

	// Config is an inline annotation configuration document (YAML).
	Config string `json:"config,omitempty"`

	// ColumnTypes overrides header detection for populate jobs.
	ColumnTypes []string `json:"column_types,omitempty"`

	// Namespaces restricts annotate and delete jobs.
	Namespaces []string `json:"namespaces,omitempty"`

	// Attach extends delete jobs to attached config file annotations.
	Attach bool `json:"attach,omitempty"`

	// DryRun computes counts without writing or deleting.
	DryRun bool `json:"dry_run,omitempty"`
}

type submitResponse struct {
	JobID uuid.UUID `json:"job_id"`
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, MaxRequestSize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeJSON(r, &req); err != nil {
		respondErrorJSON(w, http.StatusBadRequest, err.Error())
		return
	}

	target, err := model.ParseTargetRef(req.Target)
	if err != nil {
		respondErrorJSON(w, http.StatusBadRequest, err.Error())
		return
	}

	fn, kind, err := s.jobFunc(req, target)
	if err != nil {
		respondErrorJSON(w, http.StatusBadRequest, err.Error())
		return
	}

	// Jobs outlive the submitting request, so they get a fresh context.
	id, err := s.runner.Submit(context.Background(), kind, target.String(), fn)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{JobID: id})
}

// jobFunc builds the closure one job runs.
func (s *Server) jobFunc(req submitRequest, target model.TargetRef) (jobs.Func, jobs.Kind, error) {
	switch strings.ToLower(req.Kind) {
	case "populate":
		if req.CSV == "" {
			return nil, "", fmt.Errorf("populate job needs csv content")
		}
		var types []model.ColumnType
		if len(req.ColumnTypes) > 0 {
			parsed, err := model.ParseColumnTypes(req.ColumnTypes)
			if err != nil {
				return nil, "", err
			}
			types = parsed
		}
		csvContent := req.CSV
		dryRun := req.DryRun
		return func(ctx context.Context) (map[string]int, error) {
			ctx, cancel := context.WithTimeout(ctx, s.cfg.Import.Timeout)
			defer cancel()
			p := parse.New(s.repo, target, parse.Options{
				TableName:   s.cfg.Import.TableName,
				BatchSize:   s.cfg.Import.BatchSize,
				ColumnTypes: types,
				AllowNaN:    s.cfg.Import.AllowNaN,
			})
			plan, err := p.Plan(ctx, strings.NewReader(csvContent))
			if err != nil {
				return nil, err
			}
			if dryRun {
				return map[string]int{
					"columns":       len(plan.Columns),
					"rows":          len(plan.Rows),
					"empty_skipped": plan.EmptySkipped,
				}, nil
			}
			res, err := p.Execute(ctx, plan)
			if err != nil {
				return nil, err
			}
			return map[string]int{
				"table_file_id": int(res.TableFileID),
				"rows_written":  res.RowsWritten,
				"rows_skipped":  res.RowsSkipped,
				"batches":       res.Batches,
			}, nil
		}, jobs.KindPopulate, nil

	case "annotate":
		cfg, err := inlineConfig(req.Config)
		if err != nil {
			return nil, "", err
		}
		opts := annotate.Options{
			BatchSize:  s.cfg.Import.BatchSize,
			Namespaces: req.Namespaces,
			DryRun:     req.DryRun,
		}
		return func(ctx context.Context) (map[string]int, error) {
			ctx, cancel := context.WithTimeout(ctx, s.cfg.Import.Timeout)
			defer cancel()
			sum, err := annotate.NewAnnotator(s.repo, target, cfg, opts).Run(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]int{
				"rows_read":   sum.RowsRead,
				"annotations": sum.Annotations,
				"links":       sum.Links,
			}, nil
		}, jobs.KindAnnotate, nil

	case "delete":
		cfg, err := inlineConfig(req.Config)
		if err != nil {
			return nil, "", err
		}
		opts := annotate.DeleteOptions{
			Namespaces:   req.Namespaces,
			Attach:       req.Attach,
			BatchSize:    s.cfg.Delete.BatchSize,
			PollLoops:    s.cfg.Delete.PollLoops,
			PollInterval: s.cfg.Delete.PollInterval,
			DryRun:       req.DryRun,
		}
		return func(ctx context.Context) (map[string]int, error) {
			sum, err := annotate.NewWalker(s.repo, target, cfg, opts).Run(ctx)
			if err != nil {
				return nil, err
			}
			counts := make(map[string]int, len(sum.Deleted)+1)
			for typ, n := range sum.Deleted {
				counts[typ] = n
			}
			counts["total"] = sum.Total()
			return counts, nil
		}, jobs.KindDelete, nil

	default:
		return nil, "", fmt.Errorf("unknown job kind %q, choose populate, annotate or delete", req.Kind)
	}
}

// inlineConfig parses an optional annotation config document.
func inlineConfig(doc string) (*annotate.Config, error) {
	if doc == "" {
		return nil, nil
	}
	return annotate.ParseConfig(strings.NewReader(doc))
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		respondErrorJSON(w, http.StatusBadRequest, "invalid job id")
		return
	}
	job, ok := s.runner.Status(id)
	if !ok {
		respondErrorJSON(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.runner.List())
}

// targetSummary reports what the repository holds for one object.
type targetSummary struct {
	Target      string `json:"target"`
	Name        string `json:"name"`
	TableFileID int64  `json:"table_file_id,omitempty"`
}

func (s *Server) handleTargetSummary(w http.ResponseWriter, r *http.Request) {
	ref, err := model.ParseTargetRef(chi.URLParam(r, "kind") + ":" + chi.URLParam(r, "id"))
	if err != nil {
		respondErrorJSON(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	obj, err := s.repo.FindObject(ctx, ref.Kind, ref.ID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	sum := targetSummary{Target: ref.String(), Name: obj.Name}
	if fileID, err := s.repo.BulkAnnotationFileID(ctx, ref, remote.NSBulkAnnotations); err == nil {
		sum.TableFileID = fileID
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"active_jobs": s.runner.Active(),
	})
}
