package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/crunchkit/coordinator/internal/backfill"
	"github.com/crunchkit/coordinator/internal/entity"
)

func cycleDoc(cycle *entity.MerkleCycle) map[string]any {
	return map[string]any{
		"id":                  cycle.ID,
		"previous_cycle_id":   cycle.PreviousCycleID,
		"previous_cycle_root": cycle.PreviousCycleRoot,
		"snapshots_root":      cycle.SnapshotsRoot,
		"chained_root":        cycle.ChainedRoot,
		"snapshot_count":      cycle.SnapshotCount,
		"created_at":          cycle.CreatedAt,
	}
}

func (s *Server) handleMerkleCycles(w http.ResponseWriter, r *http.Request) {
	since := time.Time{}
	if from := queryTime(r, "since"); from != nil {
		since = *from
	}

	until := time.Now().UTC()
	if to := queryTime(r, "until"); to != nil {
		until = *to
	}

	cycles, err := s.opts.Cycles.CyclesBetween(r.Context(), since, until)
	if err != nil {
		writeError(w, err)

		return
	}

	limit := queryInt(r, "limit", 50)
	if limit < 1 || limit > 500 {
		limit = 50
	}

	if len(cycles) > limit {
		cycles = cycles[len(cycles)-limit:]
	}

	docs := make([]map[string]any, 0, len(cycles))
	for _, cycle := range cycles {
		docs = append(docs, cycleDoc(cycle))
	}

	writeJSON(w, http.StatusOK, docs)
}

func (s *Server) handleMerkleCycle(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	cycle, err := s.opts.Cycles.CycleByID(r.Context(), id)
	if err != nil {
		writeError(w, err)

		return
	}

	if cycle == nil {
		writeDetail(w, http.StatusNotFound, "Merkle cycle not found")

		return
	}

	writeJSON(w, http.StatusOK, cycleDoc(cycle))
}

func (s *Server) handleMerkleProof(w http.ResponseWriter, r *http.Request) {
	snapshotID := r.URL.Query().Get("snapshot_id")
	if snapshotID == "" {
		writeDetail(w, http.StatusUnprocessableEntity, "snapshot_id required")

		return
	}

	proof, err := s.opts.Proofs.GetProof(r.Context(), snapshotID)
	if err != nil {
		writeError(w, err)

		return
	}

	if proof == nil {
		writeDetail(w, http.StatusNotFound,
			fmt.Sprintf("No Merkle proof found for snapshot %q", snapshotID))

		return
	}

	writeJSON(w, http.StatusOK, proof)
}

type backfillRequest struct {
	Source      string    `json:"source"      validate:"required"`
	Subject     string    `json:"subject"     validate:"required"`
	Kind        string    `json:"kind"        validate:"required"`
	Granularity string    `json:"granularity" validate:"required"`
	Start       time.Time `json:"start"       validate:"required"`
	End         time.Time `json:"end"         validate:"required,gtfield=Start"`
}

// handleStartBackfill creates a manual backfill job and runs it in the
// background. A second concurrent job is refused with 409.
func (s *Server) handleStartBackfill(w http.ResponseWriter, r *http.Request) {
	var body backfillRequest

	decodeErr := json.NewDecoder(r.Body).Decode(&body)
	if decodeErr != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid request body")

		return
	}

	validateErr := s.validate.Struct(body)
	if validateErr != nil {
		writeDetail(w, http.StatusUnprocessableEntity, validateErr.Error())

		return
	}

	req := backfill.Request{
		Source:      body.Source,
		Subjects:    []string{body.Subject},
		Kind:        body.Kind,
		Granularity: body.Granularity,
		Start:       body.Start.UTC(),
		End:         body.End.UTC(),
	}

	job, err := s.opts.Backfill.StartJob(r.Context(), req, time.Now().UTC())
	if err != nil {
		writeError(w, err)

		return
	}

	go s.runBackfill(job.ID, req)

	writeJSON(w, http.StatusCreated, jobDoc(job, false))
}

// runBackfill drives one job off the request goroutine. The engine owns
// status transitions; this only reports the terminal outcome.
func (s *Server) runBackfill(jobID string, req backfill.Request) {
	ctx := context.Background()

	result, err := s.opts.Backfill.Run(ctx, jobID, req)
	if err != nil {
		s.opts.Logger.ErrorContext(ctx, "backfill job failed", "job_id", jobID, "error", err)

		return
	}

	s.opts.Logger.InfoContext(ctx, "backfill job completed",
		"job_id", jobID,
		"records", result.RecordsWritten,
		"pages", result.PagesFetched,
	)
}

func (s *Server) handleBackfillJobs(w http.ResponseWriter, r *http.Request) {
	status := entity.BackfillStatus(r.URL.Query().Get("status"))

	jobs, err := s.opts.Jobs.Find(r.Context(), status, queryInt(r, "limit", 0))
	if err != nil {
		writeError(w, err)

		return
	}

	docs := make([]map[string]any, 0, len(jobs))
	for i := range jobs {
		docs = append(docs, jobDoc(&jobs[i], false))
	}

	writeJSON(w, http.StatusOK, docs)
}

func (s *Server) handleBackfillJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.opts.Jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)

		return
	}

	if job == nil {
		writeDetail(w, http.StatusNotFound, "Backfill job not found")

		return
	}

	writeJSON(w, http.StatusOK, jobDoc(job, true))
}

func jobDoc(job *entity.BackfillJob, withProgress bool) map[string]any {
	doc := map[string]any{
		"id":              job.ID,
		"source":          job.Source,
		"subject":         job.Subject,
		"kind":            job.Kind,
		"granularity":     job.Granularity,
		"start_ts":        job.StartTs,
		"end_ts":          job.EndTs,
		"cursor_ts":       job.CursorTs,
		"records_written": job.RecordsWritten,
		"pages_fetched":   job.PagesFetched,
		"status":          job.Status,
		"error":           job.Error,
		"created_at":      job.CreatedAt,
		"updated_at":      job.UpdatedAt,
	}

	if withProgress {
		doc["progress_pct"] = job.ProgressPct()
	}

	return doc
}

func (s *Server) handleDataIndex(w http.ResponseWriter, r *http.Request) {
	manifest, err := s.opts.Data.ListFiles()
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, manifest)
}

func (s *Server) handleDataFile(w http.ResponseWriter, r *http.Request) {
	relPath := chi.URLParam(r, "*")

	full := s.opts.Data.Resolve(relPath)
	if full == "" {
		writeDetail(w, http.StatusNotFound, "File not found")

		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeFile(w, r, full)
}
