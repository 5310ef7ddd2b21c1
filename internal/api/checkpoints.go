package api

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/crunchkit/coordinator/internal/emission"
	"github.com/crunchkit/coordinator/internal/ensemble"
	"github.com/crunchkit/coordinator/internal/entity"
	"github.com/crunchkit/coordinator/internal/store"
)

func checkpointDoc(c *entity.Checkpoint) map[string]any {
	doc := map[string]any{
		"id":           c.ID,
		"period_start": c.PeriodStart,
		"period_end":   c.PeriodEnd,
		"status":       c.Status,
		"entries":      c.Entries,
		"meta":         c.Meta,
		"merkle_root":  c.MerkleRoot,
		"created_at":   c.CreatedAt,
		"tx_hash":      c.TxHash,
	}

	if c.SubmittedAt != nil {
		doc["submitted_at"] = *c.SubmittedAt
	} else {
		doc["submitted_at"] = nil
	}

	return doc
}

func (s *Server) loadCheckpoint(ctx context.Context, id string) (*entity.Checkpoint, error) {
	checkpoint, err := s.opts.Checkpoints.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if checkpoint == nil {
		return nil, fmt.Errorf("%w: checkpoint %s", store.ErrNotFound, id)
	}

	return checkpoint, nil
}

// emissionPayload returns entries[0], the protocol emission document.
func emissionPayload(c *entity.Checkpoint) (map[string]any, error) {
	if len(c.Entries) == 0 {
		return nil, fmt.Errorf("%w: checkpoint %s has no emission data", store.ErrNotFound, c.ID)
	}

	return c.Entries[0], nil
}

func (s *Server) handleCheckpoints(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)
	if limit < 1 || limit > 100 {
		limit = 20
	}

	status := entity.CheckpointStatus(r.URL.Query().Get("status"))

	checkpoints, err := s.opts.Checkpoints.Find(r.Context(), status, limit)
	if err != nil {
		writeError(w, err)

		return
	}

	docs := make([]map[string]any, 0, len(checkpoints))
	for i := range checkpoints {
		docs = append(docs, checkpointDoc(&checkpoints[i]))
	}

	writeJSON(w, http.StatusOK, docs)
}

func (s *Server) handleLatestCheckpoint(w http.ResponseWriter, r *http.Request) {
	checkpoint, err := s.opts.Checkpoints.Latest(r.Context())
	if err != nil {
		writeError(w, err)

		return
	}

	if checkpoint == nil {
		writeDetail(w, http.StatusNotFound, "No checkpoints found")

		return
	}

	writeJSON(w, http.StatusOK, checkpointDoc(checkpoint))
}

func (s *Server) handleCheckpointPayload(w http.ResponseWriter, r *http.Request) {
	checkpoint, err := s.loadCheckpoint(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"checkpoint_id": checkpoint.ID,
		"period_start":  checkpoint.PeriodStart.Format(time.RFC3339),
		"period_end":    checkpoint.PeriodEnd.Format(time.RFC3339),
		"entries":       checkpoint.Entries,
	})
}

func (s *Server) handleCheckpointEmission(w http.ResponseWriter, r *http.Request) {
	checkpoint, err := s.loadCheckpoint(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)

		return
	}

	payload, err := emissionPayload(checkpoint)
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, payload)
}

// handleCheckpointEmissionCLI maps the frac64 emission into the
// submission-tool JSON shape: cruncher indices become model ids via the
// checkpoint's ranking snapshot and shares become percentages.
func (s *Server) handleCheckpointEmissionCLI(w http.ResponseWriter, r *http.Request) {
	checkpoint, err := s.loadCheckpoint(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)

		return
	}

	payload, err := emissionPayload(checkpoint)
	if err != nil {
		writeError(w, err)

		return
	}

	ranking := docList(checkpoint.Meta["ranking"])

	crunchEmission := map[string]float64{}

	for _, reward := range docList(payload["cruncher_rewards"]) {
		index, _ := docInt(reward, "cruncher_index")
		raw, _ := docFloat(reward, "reward_pct")

		crunchEmission[modelForIndex(ranking, index)] = roundTo(raw/float64(emission.Multiplier)*100, 6)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"crunch":          docString(payload, "crunch"),
		"crunchEmission":  crunchEmission,
		"computeProvider": providerPercentages(payload, "compute_provider_rewards"),
		"dataProvider":    providerPercentages(payload, "data_provider_rewards"),
	})
}

func (s *Server) handleCheckpointPrizes(w http.ResponseWriter, r *http.Request) {
	checkpoint, err := s.loadCheckpoint(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)

		return
	}

	prizes, err := checkpointPrizes(checkpoint, queryInt(r, "total_prize", 0))
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, prizes)
}

func (s *Server) handleLatestPrizes(w http.ResponseWriter, r *http.Request) {
	checkpoint, err := s.opts.Checkpoints.Latest(r.Context())
	if err != nil {
		writeError(w, err)

		return
	}

	if checkpoint == nil {
		writeDetail(w, http.StatusNotFound, "No checkpoints found")

		return
	}

	totalPrize := queryInt(r, "total_prize", 0)

	prizes, err := checkpointPrizes(checkpoint, totalPrize)
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"checkpoint_id": checkpoint.ID,
		"status":        checkpoint.Status,
		"period_start":  checkpoint.PeriodStart.Format(time.RFC3339),
		"period_end":    checkpoint.PeriodEnd.Format(time.RFC3339),
		"total_prize":   totalPrize,
		"prizes":        prizes,
	})
}

func (s *Server) handleLatestEmission(w http.ResponseWriter, r *http.Request) {
	checkpoint, err := s.opts.Checkpoints.Latest(r.Context())
	if err != nil {
		writeError(w, err)

		return
	}

	if checkpoint == nil {
		writeDetail(w, http.StatusNotFound, "No checkpoints found")

		return
	}

	payload, err := emissionPayload(checkpoint)
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"checkpoint_id": checkpoint.ID,
		"status":        checkpoint.Status,
		"period_start":  checkpoint.PeriodStart,
		"period_end":    checkpoint.PeriodEnd,
		"emission":      payload,
	})
}

// handleCheckpointRewards flattens the ranking meta of recent
// checkpoints into one row per model per period with its reward share.
func (s *Server) handleCheckpointRewards(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)
	if limit < 1 || limit > 100 {
		limit = 20
	}

	modelFilter := r.URL.Query().Get("model_id")

	checkpoints, err := s.opts.Checkpoints.Find(r.Context(), "", limit)
	if err != nil {
		writeError(w, err)

		return
	}

	var rows []map[string]any

	for i := range checkpoints {
		checkpoint := &checkpoints[i]
		ranking := docList(checkpoint.Meta["ranking"])

		var rewards []map[string]any

		if len(checkpoint.Entries) > 0 {
			rewards = docList(checkpoint.Entries[0]["cruncher_rewards"])
		}

		for _, entry := range ranking {
			modelID := docString(entry, "model_id")

			if modelFilter != "" && modelID != modelFilter {
				continue
			}

			if ensemble.IsEnsembleModel(modelID) {
				continue
			}

			rank, _ := docInt(entry, "rank")

			row := map[string]any{
				"checkpoint_id": checkpoint.ID,
				"period_start":  checkpoint.PeriodStart,
				"period_end":    checkpoint.PeriodEnd,
				"model_id":      modelID,
				"rank":          rank,
				"reward_pct":    nil,
			}

			if index := rank - 1; index >= 0 && index < len(rewards) {
				raw, _ := docFloat(rewards[index], "reward_pct")
				row["reward_pct"] = roundTo(raw/float64(emission.Multiplier)*100, 4)
			}

			if count, ok := docInt(entry, "prediction_count"); ok {
				row["prediction_count"] = count
			}

			if summary, ok := entry["result_summary"].(map[string]any); ok {
				for key, value := range numericFields(summary) {
					row[key] = value
				}
			}

			rows = append(rows, row)
		}
	}

	sort.Slice(rows, func(i, j int) bool {
		left := rows[i]["period_end"].(time.Time)
		right := rows[j]["period_end"].(time.Time)

		if !left.Equal(right) {
			return left.Before(right)
		}

		return rows[i]["rank"].(int) < rows[j]["rank"].(int)
	})

	writeJSON(w, http.StatusOK, rows)
}

type confirmRequest struct {
	TxHash string `json:"tx_hash"`
}

func (s *Server) handleConfirmCheckpoint(w http.ResponseWriter, r *http.Request) {
	var body confirmRequest

	decodeErr := json.NewDecoder(r.Body).Decode(&body)
	if decodeErr != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid request body")

		return
	}

	checkpoint, err := s.opts.Admin.Confirm(
		r.Context(), chi.URLParam(r, "id"), body.TxHash, time.Now().UTC(),
	)
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, checkpointDoc(checkpoint))
}

type statusRequest struct {
	Status string `json:"status"`
}

func (s *Server) handleCheckpointStatus(w http.ResponseWriter, r *http.Request) {
	var body statusRequest

	decodeErr := json.NewDecoder(r.Body).Decode(&body)
	if decodeErr != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid request body")

		return
	}

	next := entity.CheckpointStatus(body.Status)

	switch next {
	case entity.CheckpointPending, entity.CheckpointSubmitted,
		entity.CheckpointClaimable, entity.CheckpointPaid:
	default:
		writeDetail(w, http.StatusUnprocessableEntity, fmt.Sprintf("Invalid status: %q", body.Status))

		return
	}

	checkpoint, err := s.opts.Admin.UpdateStatus(
		r.Context(), chi.URLParam(r, "id"), next, time.Now().UTC(),
	)
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, checkpointDoc(checkpoint))
}

func checkpointPrizes(checkpoint *entity.Checkpoint, totalPrize int) ([]map[string]any, error) {
	payload, err := emissionPayload(checkpoint)
	if err != nil {
		return nil, err
	}

	ranking := docList(checkpoint.Meta["ranking"])
	timestamp := checkpoint.PeriodEnd.Unix()

	var prizes []map[string]any

	for _, reward := range docList(payload["cruncher_rewards"]) {
		index, _ := docInt(reward, "cruncher_index")
		raw, _ := docFloat(reward, "reward_pct")

		modelID := modelForIndex(ranking, index)
		share := raw / float64(emission.Multiplier)

		prizes = append(prizes, map[string]any{
			"prizeId":   fmt.Sprintf("%s-%s", checkpoint.ID, modelID),
			"timestamp": timestamp,
			"model":     modelID,
			"prize":     int64(math.Round(float64(totalPrize) * share)),
		})
	}

	return prizes, nil
}

// modelForIndex resolves a cruncher index through the ranking snapshot;
// ranks are 1-based while emission indices are 0-based.
func modelForIndex(ranking []map[string]any, index int) string {
	if index >= 0 && index < len(ranking) {
		if modelID := docString(ranking[index], "model_id"); modelID != "" {
			return modelID
		}
	}

	return fmt.Sprintf("%d", index)
}

func providerPercentages(payload map[string]any, key string) map[string]float64 {
	out := map[string]float64{}

	for _, reward := range docList(payload[key]) {
		raw, _ := docFloat(reward, "reward_pct")
		out[docString(reward, "provider")] = roundTo(raw/float64(emission.Multiplier)*100, 6)
	}

	return out
}
