package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/trustdesk/govrec/pkg/lifecycle"
	"github.com/trustdesk/govrec/pkg/payload"
	"github.com/trustdesk/govrec/pkg/record"
)

const maxBodyBytes = 1 << 20 // 1MB limit

// RecordEnvelope pairs a record with its current revision in responses.
type RecordEnvelope struct {
	Record   *record.Record   `json:"record"`
	Revision *record.Revision `json:"current_revision"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeBody(w http.ResponseWriter, r *http.Request, into any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return false
	}
	return true
}

// CreateRequest creates a record with its initial draft revision.
type CreateRequest struct {
	ModuleType string          `json:"module_type"`
	Title      string          `json:"title"`
	Payload    json.RawMessage `json:"payload"`
	RMID       string          `json:"rm_id,omitempty"`
	CreatedBy  string          `json:"created_by,omitempty"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	doc, err := payload.FromJSON(req.Payload)
	if err != nil {
		WriteBadRequest(w, "payload must be a JSON object")
		return
	}

	rec, rev, err := s.engine.CreateRecord(r.Context(), lifecycle.CreateParams{
		ModuleType: record.ModuleType(req.ModuleType),
		Title:      req.Title,
		Payload:    doc,
		RMID:       req.RMID,
		CreatedBy:  req.CreatedBy,
	})
	if err != nil {
		WriteEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, RecordEnvelope{Record: rec, Revision: rev})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, rev, err := s.engine.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RecordEnvelope{Record: rec, Revision: rev})
}

// UpdateRequest edits the current draft revision.
type UpdateRequest struct {
	Title       *string         `json:"title,omitempty"`
	PayloadJSON json.RawMessage `json:"payload_json,omitempty"`
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req UpdateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	var patch payload.Document
	if len(req.PayloadJSON) > 0 {
		var err error
		patch, err = payload.FromJSON(req.PayloadJSON)
		if err != nil {
			WriteBadRequest(w, "payload_json must be a JSON object")
			return
		}
	}

	rec, rev, err := s.engine.UpdateDraft(r.Context(), r.PathValue("id"), lifecycle.UpdateParams{
		Title:   req.Title,
		Payload: patch,
	})
	if err != nil {
		WriteEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RecordEnvelope{Record: rec, Revision: rev})
}

// FinalizeResponse is the success shape of a finalize call.
type FinalizeResponse struct {
	Record   *record.Record            `json:"record"`
	Revision *record.Revision          `json:"revision"`
	Result   *lifecycle.FinalizeResult `json:"result"`
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	finalizedBy := r.Header.Get("X-Actor")
	rec, rev, result, err := s.engine.Finalize(r.Context(), r.PathValue("id"), finalizedBy)
	if err != nil {
		WriteEngineError(w, err)
		return
	}
	if !result.CanFinalize {
		// Data problem, not a state problem: the full remediation list goes
		// back in one response and the revision stays a draft.
		writeJSON(w, http.StatusUnprocessableEntity, result)
		return
	}
	writeJSON(w, http.StatusOK, FinalizeResponse{Record: rec, Revision: rev, Result: result})
}

// AmendRequest forks a new draft from the current finalized revision.
type AmendRequest struct {
	ChangeType   string     `json:"change_type"`
	ChangeReason string     `json:"change_reason"`
	EffectiveAt  *time.Time `json:"effective_at,omitempty"`
}

func (s *Server) handleAmend(w http.ResponseWriter, r *http.Request) {
	var req AmendRequest
	if !decodeBody(w, r, &req) {
		return
	}
	rev, err := s.engine.Amend(r.Context(), r.PathValue("id"), lifecycle.AmendParams{
		ChangeType:   record.ChangeType(req.ChangeType),
		ChangeReason: req.ChangeReason,
		EffectiveAt:  req.EffectiveAt,
		CreatedBy:    r.Header.Get("X-Actor"),
	})
	if err != nil {
		WriteEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rev)
}

// VoidRequest voids a finalized record.
type VoidRequest struct {
	VoidReason string `json:"void_reason"`
}

func (s *Server) handleVoid(w http.ResponseWriter, r *http.Request) {
	var req VoidRequest
	if !decodeBody(w, r, &req) {
		return
	}
	rec, err := s.engine.Void(r.Context(), r.PathValue("id"), req.VoidReason, r.Header.Get("X-Actor"))
	if err != nil {
		WriteEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListRevisions(w http.ResponseWriter, r *http.Request) {
	revs, err := s.engine.ListRevisions(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, revs)
}

func (s *Server) handleDiff(w http.ResponseWriter, r *http.Request) {
	before, ok1 := parseVersion(r.URL.Query().Get("before"))
	after, ok2 := parseVersion(r.URL.Query().Get("after"))
	if !ok1 || !ok2 {
		WriteBadRequest(w, "before and after must be positive integer versions")
		return
	}
	entries, err := s.engine.Diff(r.Context(), r.PathValue("id"), before, after)
	if err != nil {
		WriteEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	version, ok := parseVersion(r.PathValue("version"))
	if !ok {
		WriteBadRequest(w, "version must be a positive integer")
		return
	}
	v, err := s.engine.VerifyRevision(r.Context(), r.PathValue("id"), version)
	if err != nil {
		WriteEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleSeals(w http.ResponseWriter, r *http.Request) {
	// Existence check keeps unknown ids a 404 rather than an empty list.
	if _, _, err := s.engine.Get(r.Context(), r.PathValue("id")); err != nil {
		WriteEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Seals(r.PathValue("id")))
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func parseVersion(raw string) (int, bool) {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}
