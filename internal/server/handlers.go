package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/concilia-dev/concilia/internal/reconciler"
	"github.com/concilia-dev/concilia/internal/reporter"
	"github.com/concilia-dev/concilia/pkg/errors"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant")
	accountID := r.PathValue("account")

	stats, err := s.importer.ImportCSV(r.Context(), tenantID, accountID, r.Body, nil)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type reconcileRequest struct {
	Limit   int `json:"limit"`
	Workers int `json:"workers"`
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	var req reconcileRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	report, err := s.engine.Run(r.Context(), r.PathValue("tenant"), reconciler.RunOptions{
		Limit:   req.Limit,
		Workers: req.Workers,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	result, err := s.engine.GenerateSuggestions(r.Context(), r.PathValue("tenant"), r.PathValue("movement"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleEvidence(w http.ResponseWriter, r *http.Request) {
	evidence, err := s.engine.GetDecisionEvidence(r.Context(), r.PathValue("tenant"), r.PathValue("movement"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, evidence)
}

func (s *Server) handleLinkEvidence(w http.ResponseWriter, r *http.Request) {
	evidence, err := s.engine.GetDecisionEvidenceByLink(r.Context(), r.PathValue("tenant"), r.PathValue("link"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, evidence)
}

func (s *Server) handleListSuggestions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			s.writeError(w, r, errors.ValidationError(errors.CodeOutOfRange, "limit", v))
			return
		}
		limit = parsed
	}

	suggestions, err := s.store.ListOpenSuggestions(r.Context(), r.PathValue("tenant"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, suggestions)
}

type resolveRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Actor == "" {
		s.writeError(w, r, errors.ValidationError(errors.CodeMissingField, "actor", nil))
		return
	}

	result, err := s.engine.ApplySuggestion(r.Context(), r.PathValue("tenant"), r.PathValue("suggestion"), req.Actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Actor == "" {
		s.writeError(w, r, errors.ValidationError(errors.CodeMissingField, "actor", nil))
		return
	}

	err := s.engine.RejectSuggestion(r.Context(), r.PathValue("tenant"), r.PathValue("suggestion"), req.Actor, req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	opts := &reporter.ExportOptions{
		TenantID:     r.PathValue("tenant"),
		MovementID:   r.URL.Query().Get("movement_id"),
		Format:       reporter.OutputFormat(r.URL.Query().Get("format")),
		CriticalOnly: r.URL.Query().Get("critical") == "true",
	}
	if opts.Format == "" {
		opts.Format = reporter.FormatJSON
	}

	var err error
	if opts.From, err = parseTimeParam(r, "from"); err != nil {
		s.writeError(w, r, err)
		return
	}
	if opts.To, err = parseTimeParam(r, "to"); err != nil {
		s.writeError(w, r, err)
		return
	}

	if opts.Format == reporter.FormatCSV {
		w.Header().Set("Content-Type", "text/csv")
	} else {
		w.Header().Set("Content-Type", "application/json")
	}

	if _, err := s.exporter.Export(r.Context(), w, opts); err != nil {
		s.writeError(w, r, err)
	}
}

type recalibrateRequest struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

func (s *Server) handleRecalibrate(w http.ResponseWriter, r *http.Request) {
	var req recalibrateRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	to := req.To
	if to.IsZero() {
		to = time.Now().UTC()
	}

	report, err := s.analyzer.Recalibrate(r.Context(), r.PathValue("tenant"), req.From, to)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// decodeBody decodes a JSON body; an empty body leaves dst at its zero value
func decodeBody(r *http.Request, dst interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		if err == io.EOF {
			return nil
		}
		return errors.ValidationError(errors.CodeMissingField, "body", err.Error())
	}
	return nil
}

func parseTimeParam(r *http.Request, name string) (time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, errors.ValidationError(errors.CodeInvalidDate, name, v)
	}
	return t, nil
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
