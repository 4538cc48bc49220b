package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/reflectdb/reflectdb/internal/engine"
	"github.com/reflectdb/reflectdb/internal/model"
	"github.com/reflectdb/reflectdb/internal/storage"
)

// Handler provides the HTTP handlers for the object store.
type Handler struct {
	engine     *engine.Engine
	logger     *slog.Logger
	version    string
	exportsDir string
	seedFile   string
}

// Health reports liveness and the running version.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": h.version,
	})
}

// ListClasses returns every class record.
func (h *Handler) ListClasses(w http.ResponseWriter, r *http.Request) {
	recs, err := h.engine.ListObjects(r.Context(), model.ClassClass)
	if err != nil {
		h.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records(recs))
}

// GetClass returns a class record with its own props only.
func (h *Handler) GetClass(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := h.engine.GetObject(r.Context(), model.ClassClass, id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "not_found", "class "+id+" does not exist")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// GetClassProps returns the effective props of a class, inheritance applied.
func (h *Handler) GetClassProps(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	props, err := h.engine.Registry().GetClassProps(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	if props == nil {
		writeError(w, http.StatusNotFound, "not_found", "class "+id+" does not exist")
		return
	}
	out := make([]map[string]any, len(props))
	for i := range props {
		out[i] = props[i].ToMap()
	}
	writeJSON(w, http.StatusOK, out)
}

// SetClass creates or updates a class.
func (h *Handler) SetClass(w http.ResponseWriter, r *http.Request) {
	rec, ok := decodeRecord(w, r)
	if !ok {
		return
	}
	stored, err := h.engine.SetObject(r.Context(), model.ClassClass, rec)
	if err != nil {
		h.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

// DeleteClass removes a class record. System classes are refused.
func (h *Handler) DeleteClass(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.engine.DeleteObject(r.Context(), model.ClassClass, id); err != nil {
		h.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

// ListRecords returns the visible records of a class.
func (h *Handler) ListRecords(w http.ResponseWriter, r *http.Request) {
	classID := chi.URLParam(r, "class")
	recs, err := h.engine.ListObjects(r.Context(), classID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records(recs))
}

// GetRecord returns one record by id.
func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	classID := chi.URLParam(r, "class")
	id := chi.URLParam(r, "id")
	rec, err := h.engine.GetObject(r.Context(), classID, id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "not_found", classID+"/"+id+" does not exist")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// GetRecordProp returns a single property value, resolving relations to the
// referenced records.
func (h *Handler) GetRecordProp(w http.ResponseWriter, r *http.Request) {
	classID := chi.URLParam(r, "class")
	id := chi.URLParam(r, "id")
	key := chi.URLParam(r, "prop")

	rec, err := h.engine.GetObject(r.Context(), classID, id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "not_found", classID+"/"+id+" does not exist")
		return
	}

	meta, err := h.engine.Registry().GetClass(r.Context(), classID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	if prop := meta.Prop(key); prop != nil && prop.DataType == model.TypeRelation {
		related, err := h.engine.GetRelated(r.Context(), rec, key, engine.RelationResolve, nil)
		if err != nil {
			h.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, records(related))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"value": rec[key]})
}

// CreateRecord creates a record of a class.
func (h *Handler) CreateRecord(w http.ResponseWriter, r *http.Request) {
	classID := chi.URLParam(r, "class")
	rec, ok := decodeRecord(w, r)
	if !ok {
		return
	}
	stored, err := h.engine.SetObject(r.Context(), classID, rec)
	if err != nil {
		h.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

// UpdateRecord updates the record addressed by the path. For `@class` a body
// id differing from the path id is a class rename.
func (h *Handler) UpdateRecord(w http.ResponseWriter, r *http.Request) {
	classID := chi.URLParam(r, "class")
	id := chi.URLParam(r, "id")
	rec, ok := decodeRecord(w, r)
	if !ok {
		return
	}
	if !rec.HasID() {
		rec[model.FieldID] = id
	}
	stored, err := h.engine.SetObjectAt(r.Context(), classID, id, rec)
	if err != nil {
		h.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

// SetRecordProp sets one property on an existing record. The body is the
// bare JSON value.
func (h *Handler) SetRecordProp(w http.ResponseWriter, r *http.Request) {
	classID := chi.URLParam(r, "class")
	id := chi.URLParam(r, "id")
	key := chi.URLParam(r, "prop")

	var value any
	if err := json.NewDecoder(r.Body).Decode(&value); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", "malformed JSON value: "+err.Error())
		return
	}
	stored, err := h.engine.SetObjectAt(r.Context(), classID, id, model.Record{
		model.FieldID: id,
		key:           value,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

// DeleteRecord removes one record.
func (h *Handler) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	classID := chi.URLParam(r, "class")
	id := chi.URLParam(r, "id")
	if err := h.engine.DeleteObject(r.Context(), classID, id); err != nil {
		h.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

// QueryRecords runs an equality-filtered, sorted, paged query. Reserved
// parameters _sort, _order, _limit, _offset control shaping; every other
// parameter is a filter, with repeated keys forming a value ∈ set filter.
func (h *Handler) QueryRecords(w http.ResponseWriter, r *http.Request) {
	classID := chi.URLParam(r, "class")

	q := storage.Query{Filters: map[string]any{}}
	for key, values := range r.URL.Query() {
		switch key {
		case "_sort":
			q.Sort = values[0]
		case "_order":
			switch values[0] {
			case "asc", "":
				q.SortDir = storage.SortAsc
			case "desc":
				q.SortDir = storage.SortDesc
			default:
				writeError(w, http.StatusBadRequest, "invalid_params", "_order must be asc or desc")
				return
			}
		case "_limit":
			n, err := strconv.Atoi(values[0])
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "invalid_params", "_limit must be a non-negative integer")
				return
			}
			q.Limit = n
		case "_offset":
			n, err := strconv.Atoi(values[0])
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "invalid_params", "_offset must be a non-negative integer")
				return
			}
			q.Offset = n
		default:
			if len(values) == 1 {
				q.Filters[key] = values[0]
				continue
			}
			set := make([]any, len(values))
			for i, v := range values {
				set[i] = v
			}
			q.Filters[key] = set
		}
	}

	recs, err := h.engine.QueryObjects(r.Context(), classID, q)
	if err != nil {
		h.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records(recs))
}

// FindRecord looks an id up across every class.
func (h *Handler) FindRecord(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := h.engine.FindByID(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "not_found", "no record with id "+id)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// decodeRecord reads a JSON object body.
func decodeRecord(w http.ResponseWriter, r *http.Request) (model.Record, bool) {
	var rec model.Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", "malformed JSON body: "+err.Error())
		return nil, false
	}
	return rec, true
}

// records keeps empty results as [] instead of null.
func records(recs []model.Record) []model.Record {
	if recs == nil {
		return []model.Record{}
	}
	return recs
}

// errorBody is the wire shape of every error response.
type errorBody struct {
	Error   string              `json:"error"`
	Code    string              `json:"code"`
	Errors  []engine.FieldError `json:"errors,omitempty"`
	Context map[string]any      `json:"context,omitempty"`
}

// respondError maps an engine error to its HTTP status and body.
func (h *Handler) respondError(w http.ResponseWriter, err error) {
	var engErr *engine.Error
	if !errors.As(err, &engErr) {
		h.logger.Error("internal error", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	status := statusForCode(engErr.Code)
	if status >= 500 {
		h.logger.Error("request failed",
			slog.String("code", string(engErr.Code)),
			slog.String("error", engErr.Message),
		)
	}
	writeJSON(w, status, errorBody{
		Error:   engErr.Message,
		Code:    string(engErr.Code),
		Errors:  engErr.Errors,
		Context: engErr.Context,
	})
}

func statusForCode(code engine.Code) int {
	switch code {
	case engine.CodeInvalidParams, engine.CodeInvalidRelation:
		return http.StatusBadRequest
	case engine.CodeNotFound:
		return http.StatusNotFound
	case engine.CodeForbidden:
		return http.StatusForbidden
	case engine.CodeValidationFailed:
		return http.StatusUnprocessableEntity
	case engine.CodeUnique:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: message, Code: code})
}
