package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tesserahq/tessera-backend/internal/model"
	"github.com/tesserahq/tessera-backend/internal/repository"
)

// AdminDeps backs the admin surface over pairs and attempts.
type AdminDeps struct {
	Pairs    *repository.PairRepo
	Attempts *repository.AttemptRepo
	Pool     *pgxpool.Pool
}

// ListPairs handles GET /api/admin/pairs.
func ListPairs(deps AdminDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pairs, err := deps.Pairs.ListActive(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to list pairs")
			return
		}
		writeJSON(w, http.StatusOK, pairs)
	}
}

// TriggerIndexing handles POST /api/admin/pairs/{pairID}/trigger. The
// scheduler consumes the trigger on its next beat.
func TriggerIndexing(deps AdminDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pairID, err := strconv.ParseInt(chi.URLParam(r, "pairID"), 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid pair id")
			return
		}

		var body struct {
			FromBeginning bool `json:"fromBeginning"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)

		trigger := model.TriggerUpdate
		if body.FromBeginning {
			trigger = model.TriggerReindex
		}
		_, err = deps.Pool.Exec(r.Context(),
			`UPDATE connector_credential_pairs SET indexing_trigger = $2, updated_at = now() WHERE id = $1`,
			pairID, string(trigger),
		)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to set trigger")
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"pairId": pairID, "trigger": trigger})
	}
}

// PairAttempts handles GET /api/admin/pairs/{pairID}/attempts.
func PairAttempts(deps AdminDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pairID, err := strconv.ParseInt(chi.URLParam(r, "pairID"), 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid pair id")
			return
		}
		active, err := deps.Attempts.ActiveFor(r.Context(), pairID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to load attempts")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"active": active})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
