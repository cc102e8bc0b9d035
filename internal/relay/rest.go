package relay

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/markb/csrealtime/internal/db"
)

var nowFunc = time.Now

// apiKeyMiddleware rejects REST calls without a valid apikey header.
func (s *Service) apiKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("apikey")
		if key == "" {
			key = r.URL.Query().Get("apikey")
		}
		if !s.validateAPIKey(key) {
			writeError(w, http.StatusUnauthorized, "invalid_api_key", "Invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// HandleInsert stores one object or an array of objects and publishes an
// INSERT change for each.
func (s *Service) HandleInsert(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	if !db.ValidTable(table) {
		writeError(w, http.StatusBadRequest, "invalid_table", "Invalid table name")
		return
	}

	var rawData json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&rawData); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body")
		return
	}

	// Try array first
	var records []map[string]any
	if err := json.Unmarshal(rawData, &records); err != nil {
		var single map[string]any
		if err := json.Unmarshal(rawData, &single); err != nil || single == nil {
			writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body")
			return
		}
		records = []map[string]any{single}
	}

	rows := make([]map[string]any, 0, len(records))
	for _, data := range records {
		change, err := s.db.Insert(r.Context(), table, data)
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
		s.NotifyChange(r.Context(), change)
		rows = append(rows, change.Record)
	}

	writeRows(w, r, http.StatusCreated, rows)
}

// HandleUpdate merges the body into the row selected by ?id=eq.X.
func (s *Service) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	id, ok := idFilter(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "missing_filter", "id=eq.<id> filter is required")
		return
	}

	var patch map[string]any
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil || patch == nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body")
		return
	}

	change, err := s.db.Update(r.Context(), table, id, patch)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.NotifyChange(r.Context(), change)
	writeRows(w, r, http.StatusOK, []map[string]any{change.Record})
}

// HandleDelete removes the row selected by ?id=eq.X.
func (s *Service) HandleDelete(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	id, ok := idFilter(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "missing_filter", "id=eq.<id> filter is required")
		return
	}

	change, err := s.db.Delete(r.Context(), table, id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.NotifyChange(r.Context(), change)
	writeRows(w, r, http.StatusOK, []map[string]any{change.OldRecord})
}

// HandleSelect lists rows of a table, oldest first. ?id=eq.X selects one.
func (s *Service) HandleSelect(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")

	if id, ok := idFilter(r); ok {
		rec, err := s.db.Get(r.Context(), table, id)
		if errors.Is(err, db.ErrNotFound) {
			writeJSON(w, http.StatusOK, []map[string]any{})
			return
		}
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, []map[string]any{rec.Data})
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	recs, err := s.db.List(r.Context(), table, limit)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	rows := make([]map[string]any, 0, len(recs))
	for _, rec := range recs {
		rows = append(rows, rec.Data)
	}
	writeJSON(w, http.StatusOK, rows)
}

// HandleChanges returns journaled changes after ?since=<seq>.
func (s *Service) HandleChanges(w http.ResponseWriter, r *http.Request) {
	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	changes, err := s.db.ChangesSince(r.Context(), since, limit)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	out := make([]map[string]any, 0, len(changes))
	for _, c := range changes {
		out = append(out, map[string]any{
			"seq":              c.Seq,
			"table":            c.Table,
			"type":             c.Type,
			"record":           c.Record,
			"old_record":       c.OldRecord,
			"commit_timestamp": c.CommitTimestamp.Format(db.TimeFormat),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleStats reports hub statistics.
func (s *Service) HandleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Stats())
}

func (s *Service) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, db.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	default:
		s.logger.Error("store error", "error", err)
		writeError(w, http.StatusInternalServerError, "store_error", err.Error())
	}
}

// idFilter extracts X from ?id=eq.X.
func idFilter(r *http.Request) (string, bool) {
	id, ok := strings.CutPrefix(r.URL.Query().Get("id"), "eq.")
	return id, ok && id != ""
}

// writeRows honors Prefer: return=representation; otherwise the body is
// empty.
func writeRows(w http.ResponseWriter, r *http.Request, status int, rows []map[string]any) {
	if strings.Contains(r.Header.Get("Prefer"), "return=representation") {
		writeJSON(w, status, rows)
		return
	}
	if status == http.StatusOK {
		status = http.StatusNoContent
	}
	w.WriteHeader(status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"error":   code,
		"message": message,
	})
}
