package api

import (
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crunchkit/coordinator/internal/checkpoint"
	"github.com/crunchkit/coordinator/internal/entity"
	"github.com/crunchkit/coordinator/internal/store"
)

func paidCheckpoint() entity.Checkpoint {
	periodEnd := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)

	return entity.Checkpoint{
		ID:          "cp-1",
		PeriodStart: periodEnd.Add(-24 * time.Hour),
		PeriodEnd:   periodEnd,
		Status:      entity.CheckpointPending,
		Entries: []map[string]any{{
			"crunch": "crunch-test",
			"cruncher_rewards": []map[string]any{
				{"cruncher_index": 0, "reward_pct": 600_000_000},
				{"cruncher_index": 1, "reward_pct": 400_000_000},
			},
			"compute_provider_rewards": []map[string]any{
				{"provider": "CP1", "reward_pct": 50_000_000},
			},
			"data_provider_rewards": []map[string]any{
				{"provider": "DP1", "reward_pct": 25_000_000},
			},
		}},
		Meta: map[string]any{
			"ranking": []map[string]any{
				{
					"model_id":         "m1",
					"rank":             1,
					"prediction_count": 10,
					"result_summary":   map[string]any{"ic": 0.1},
				},
				{"model_id": "m2", "rank": 2},
			},
		},
		CreatedAt: periodEnd,
	}
}

func checkpointServer(t *testing.T, admin CheckpointAdmin) *Server {
	t.Helper()

	return newTestServer(t, func(opts *Options) {
		opts.Checkpoints = &fakeCheckpointStore{items: []entity.Checkpoint{paidCheckpoint()}}
		opts.Admin = admin
	})
}

func TestLatestCheckpointNotFound(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, nil)

	rec := doRequest(t, server, http.MethodGet, "/reports/checkpoints/latest", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"detail":"No checkpoints found"}`, rec.Body.String())
}

func TestCheckpointPayload(t *testing.T) {
	t.Parallel()

	server := checkpointServer(t, nil)

	rec := doRequest(t, server, http.MethodGet, "/reports/checkpoints/cp-1/payload", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	doc := decodeDoc(t, rec)
	assert.Equal(t, "cp-1", doc["checkpoint_id"])
	assert.Equal(t, "2026-08-24T00:00:00Z", doc["period_end"])
	assert.Len(t, doc["entries"], 1)
}

func TestCheckpointPayloadUnknownID(t *testing.T) {
	t.Parallel()

	server := checkpointServer(t, nil)

	rec := doRequest(t, server, http.MethodGet, "/reports/checkpoints/ghost/payload", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCheckpointEmissionMissingEntries(t *testing.T) {
	t.Parallel()

	empty := paidCheckpoint()
	empty.Entries = nil

	server := newTestServer(t, func(opts *Options) {
		opts.Checkpoints = &fakeCheckpointStore{items: []entity.Checkpoint{empty}}
	})

	rec := doRequest(t, server, http.MethodGet, "/reports/checkpoints/cp-1/emission", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "no emission data")
}

func TestCheckpointEmissionCLIFormat(t *testing.T) {
	t.Parallel()

	server := checkpointServer(t, nil)

	rec := doRequest(t, server, http.MethodGet, "/reports/checkpoints/cp-1/emission/cli-format", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	doc := decodeDoc(t, rec)
	assert.Equal(t, "crunch-test", doc["crunch"])

	emission := doc["crunchEmission"].(map[string]any)
	assert.InDelta(t, 60, emission["m1"].(float64), 1e-9)
	assert.InDelta(t, 40, emission["m2"].(float64), 1e-9)

	compute := doc["computeProvider"].(map[string]any)
	assert.InDelta(t, 5, compute["CP1"].(float64), 1e-9)

	data := doc["dataProvider"].(map[string]any)
	assert.InDelta(t, 2.5, data["DP1"].(float64), 1e-9)
}

func TestCheckpointPrizesSplitTotal(t *testing.T) {
	t.Parallel()

	server := checkpointServer(t, nil)

	rec := doRequest(t, server, http.MethodGet, "/reports/checkpoints/cp-1/prizes?total_prize=1000", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	prizes := decodeList(t, rec)
	require.Len(t, prizes, 2)

	assert.Equal(t, "cp-1-m1", prizes[0]["prizeId"])
	assert.Equal(t, "m1", prizes[0]["model"])
	assert.Equal(t, float64(600), prizes[0]["prize"])
	assert.Equal(t, float64(time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC).Unix()), prizes[0]["timestamp"])

	assert.Equal(t, float64(400), prizes[1]["prize"])
}

func TestLatestPrizesEnvelope(t *testing.T) {
	t.Parallel()

	server := checkpointServer(t, nil)

	rec := doRequest(t, server, http.MethodGet, "/reports/checkpoints/latest/prizes?total_prize=500", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	doc := decodeDoc(t, rec)
	assert.Equal(t, "cp-1", doc["checkpoint_id"])
	assert.Equal(t, float64(500), doc["total_prize"])
	assert.Len(t, doc["prizes"], 2)
}

func TestCheckpointRewardsRows(t *testing.T) {
	t.Parallel()

	server := checkpointServer(t, nil)

	rec := doRequest(t, server, http.MethodGet, "/reports/checkpoints/rewards", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rows := decodeList(t, rec)
	require.Len(t, rows, 2)

	assert.Equal(t, "m1", rows[0]["model_id"])
	assert.Equal(t, float64(1), rows[0]["rank"])
	assert.InDelta(t, 60, rows[0]["reward_pct"].(float64), 1e-9)
	assert.Equal(t, float64(10), rows[0]["prediction_count"])
	assert.Equal(t, 0.1, rows[0]["ic"])

	assert.Equal(t, "m2", rows[1]["model_id"])
	assert.InDelta(t, 40, rows[1]["reward_pct"].(float64), 1e-9)
}

func TestCheckpointRewardsModelFilter(t *testing.T) {
	t.Parallel()

	server := checkpointServer(t, nil)

	rec := doRequest(t, server, http.MethodGet, "/reports/checkpoints/rewards?model_id=m2", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rows := decodeList(t, rec)
	require.Len(t, rows, 1)
	assert.Equal(t, "m2", rows[0]["model_id"])
}

func TestConfirmCheckpoint(t *testing.T) {
	t.Parallel()

	confirmed := paidCheckpoint()
	confirmed.Status = entity.CheckpointSubmitted
	confirmed.TxHash = "0xabc"

	admin := &fakeAdmin{checkpoint: &confirmed}
	server := checkpointServer(t, admin)

	rec := doRequest(t, server, http.MethodPost,
		"/reports/checkpoints/cp-1/confirm", strings.NewReader(`{"tx_hash":"0xabc"}`))
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, "0xabc", admin.gotTxHash)

	doc := decodeDoc(t, rec)
	assert.Equal(t, string(entity.CheckpointSubmitted), doc["status"])
	assert.Equal(t, "0xabc", doc["tx_hash"])
}

func TestConfirmCheckpointErrorMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		code int
	}{
		{"invalid transition", checkpoint.ErrInvalidTransition, http.StatusConflict},
		{"missing tx hash", checkpoint.ErrTxHashRequired, http.StatusUnprocessableEntity},
		{"unknown checkpoint", fmt.Errorf("%w: checkpoint ghost", store.ErrNotFound), http.StatusNotFound},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			server := checkpointServer(t, &fakeAdmin{confirmErr: tc.err})

			rec := doRequest(t, server, http.MethodPost,
				"/reports/checkpoints/cp-1/confirm", strings.NewReader(`{"tx_hash":"x"}`))
			require.Equal(t, tc.code, rec.Code)
		})
	}
}

func TestConfirmCheckpointBadBody(t *testing.T) {
	t.Parallel()

	server := checkpointServer(t, &fakeAdmin{})

	rec := doRequest(t, server, http.MethodPost,
		"/reports/checkpoints/cp-1/confirm", strings.NewReader("{not json"))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestCheckpointStatusRejectsUnknownValue(t *testing.T) {
	t.Parallel()

	admin := &fakeAdmin{}
	server := checkpointServer(t, admin)

	rec := doRequest(t, server, http.MethodPatch,
		"/reports/checkpoints/cp-1/status", strings.NewReader(`{"status":"DONE"}`))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "Invalid status")
}

func TestCheckpointStatusUpdates(t *testing.T) {
	t.Parallel()

	claimable := paidCheckpoint()
	claimable.Status = entity.CheckpointClaimable

	admin := &fakeAdmin{checkpoint: &claimable}
	server := checkpointServer(t, admin)

	rec := doRequest(t, server, http.MethodPatch,
		"/reports/checkpoints/cp-1/status", strings.NewReader(`{"status":"CLAIMABLE"}`))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, entity.CheckpointClaimable, admin.gotStatus)
}

func TestAdminRoutesAbsentWithoutService(t *testing.T) {
	t.Parallel()

	server := checkpointServer(t, nil)

	rec := doRequest(t, server, http.MethodPost,
		"/reports/checkpoints/cp-1/confirm", strings.NewReader(`{"tx_hash":"x"}`))
	require.Equal(t, http.StatusNotFound, rec.Code)
}
