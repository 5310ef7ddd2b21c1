package api

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/crunchkit/coordinator/internal/checkpoint"
	"github.com/crunchkit/coordinator/internal/store"
)

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	encodeErr := json.NewEncoder(w).Encode(payload)
	_ = encodeErr
}

func writeDetail(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, map[string]string{"detail": detail})
}

// writeError maps domain errors onto HTTP codes: missing rows to 404,
// state-machine and uniqueness violations to 409, bad input to 422.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeDetail(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrConflict), errors.Is(err, checkpoint.ErrInvalidTransition):
		writeDetail(w, http.StatusConflict, err.Error())
	case errors.Is(err, checkpoint.ErrTxHashRequired):
		writeDetail(w, http.StatusUnprocessableEntity, err.Error())
	default:
		writeDetail(w, http.StatusInternalServerError, err.Error())
	}
}

func queryTime(r *http.Request, name string) *time.Time {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil
	}

	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil
	}

	ts = ts.UTC()

	return &ts
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}

	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}

	return value
}

func queryBool(r *http.Request, name string) bool {
	switch strings.ToLower(r.URL.Query().Get(name)) {
	case "true", "1", "yes":
		return true
	default:
		return false
	}
}

// projectIDs normalizes the projectIds parameter, accepting repeated
// params and comma-separated values interchangeably.
func projectIDs(r *http.Request) []string {
	var ids []string

	for _, raw := range r.URL.Query()["projectIds"] {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				ids = append(ids, part)
			}
		}
	}

	return ids
}

// docList coerces a JSONB-decoded value into a list of documents. Both
// in-process []map[string]any and round-tripped []any shapes occur.
func docList(v any) []map[string]any {
	switch t := v.(type) {
	case []map[string]any:
		return t
	case []any:
		docs := make([]map[string]any, 0, len(t))

		for _, item := range t {
			if doc, ok := item.(map[string]any); ok {
				docs = append(docs, doc)
			}
		}

		return docs
	default:
		return nil
	}
}

func docInt(doc map[string]any, key string) (int, bool) {
	switch t := doc[key].(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	default:
		return 0, false
	}
}

func docFloat(doc map[string]any, key string) (float64, bool) {
	switch t := doc[key].(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}

func docString(doc map[string]any, key string) string {
	s, _ := doc[key].(string)

	return s
}

// anyMap coerces a nested document value; in-process maps keep their
// typed form while JSONB round trips decode to map[string]any.
func anyMap(v any) map[string]any {
	switch t := v.(type) {
	case map[string]any:
		return t
	case map[string]float64:
		out := make(map[string]any, len(t))

		for key, value := range t {
			out[key] = value
		}

		return out
	default:
		return nil
	}
}

func roundTo(value float64, digits int) float64 {
	scale := math.Pow(10, float64(digits))

	return math.Round(value*scale) / scale
}

// numericFields flattens the numeric entries of a summary document.
func numericFields(summary map[string]any) map[string]float64 {
	out := map[string]float64{}

	for key := range summary {
		if value, ok := docFloat(summary, key); ok {
			out[key] = value
		}
	}

	return out
}
