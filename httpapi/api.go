// Package httpapi exposes the takeoff pipeline over HTTP: batch submission,
// progress streaming, results, review workflow, and CSV/DXF exports.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/takeoff/assembly"
	"github.com/hazyhaar/takeoff/dxf"
	"github.com/hazyhaar/takeoff/pipeline"
	"github.com/hazyhaar/takeoff/textsource"
	"github.com/hazyhaar/takeoff/workflow"
)

// Server wires the pipeline manager behind a chi router.
type Server struct {
	manager *pipeline.Manager
	cfg     *Config
	logger  *slog.Logger
}

// NewServer builds a Server. cfg and logger may be nil.
func NewServer(m *pipeline.Manager, cfg *Config, logger *slog.Logger) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{manager: m, cfg: cfg, logger: logger}
}

// Routes registers all API routes on r.
func (s *Server) Routes(r chi.Router) {
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Route("/api", func(r chi.Router) {
		r.Post("/sessions", s.handleSubmit)
		r.Post("/sessions/{id}/cancel", s.handleCancel)
		r.Get("/sessions/{id}/events", s.handleEvents)
		r.Get("/sessions/{id}/result", s.handleResult)
		r.Get("/sessions/{id}/export.csv", s.handleExportCSV)
		r.Post("/workflow/advance", s.handleAdvance)
		r.Post("/assemblies/export.dxf", s.handleExportDXF)
		r.Post("/documents", s.handleUpload)
	})
}

type submitRequest struct {
	Documents []pipeline.Document `json:"documents"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	id, err := s.manager.Submit(r.Context(), req.Documents)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.logger.Info("session submitted", "session_id", id, "documents", len(req.Documents))
	writeJSON(w, http.StatusAccepted, map[string]string{"session_id": id})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.manager.Cancel(id); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": id, "status": "cancelling"})
}

// handleEvents streams session progress as NDJSON. The stream replays from
// the ?from= cursor and ends after the final event, so a dropped connection
// is recovered by reconnecting with the last seen seq.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	from := 0
	if v := r.URL.Query().Get("from"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid from cursor %q", v))
			return
		}
		from = n
	}

	ch, err := s.manager.Events(r.Context(), id, from)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	for e := range ch {
		if err := enc.Encode(e); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := s.manager.Result(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleExportCSV(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := s.manager.Result(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if res.Status == pipeline.StatusRunning {
		writeError(w, http.StatusConflict, fmt.Errorf("session %s still running", id))
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+".csv"))
	if err := pipeline.ExportCSV(w, res); err != nil {
		s.logger.Error("csv export failed", "session_id", id, "error", err)
	}
}

type advanceRequest struct {
	DocumentID string `json:"document_id"`
	ItemIndex  int    `json:"item_index"`
	ItemKind   string `json:"item_kind"`
	Target     string `json:"target"`
}

type advanceResponse struct {
	Accepted bool           `json:"accepted"`
	State    workflow.State `json:"state"`
}

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	var req advanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	target := workflow.State(req.Target)
	if !target.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown target state %q", req.Target))
		return
	}
	kind := workflow.ItemKind(req.ItemKind)
	if kind != workflow.KindSheet && kind != workflow.KindAssembly {
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown item kind %q", req.ItemKind))
		return
	}
	key := workflow.Key{DocumentID: req.DocumentID, Index: req.ItemIndex, Kind: kind}
	res, err := s.manager.Reviews().Advance(r.Context(), key, target)
	if err != nil {
		if errors.Is(err, workflow.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, advanceResponse{Accepted: res.Accepted, State: res.State})
}

// handleExportDXF renders a posted assembly system as a DXF cross-section
// detail. Generation notes travel in the X-Takeoff-Notes header because the
// body is the drawing itself.
func (s *Server) handleExportDXF(w http.ResponseWriter, r *http.Request) {
	var sys assembly.System
	if err := json.NewDecoder(r.Body).Decode(&sys); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	detail := dxf.Generate(&sys, dxf.Options{})
	for _, note := range detail.Notes {
		w.Header().Add("X-Takeoff-Notes", note)
	}
	w.Header().Set("Content-Type", "application/dxf")
	w.Header().Set("Content-Disposition", `attachment; filename="detail.dxf"`)
	if err := dxf.Encode(w, detail); err != nil {
		s.logger.Error("dxf export failed", "document_id", sys.DocumentID, "error", err)
	}
}

type uploadResponse struct {
	Name     string   `json:"name"`
	Category string   `json:"category"`
	Pages    []string `json:"pages"`
}

// handleUpload converts an uploaded PDF/HTML/text file into per-page text,
// ready to submit as a session document. Raw bytes stop here; the pipeline
// only ever sees extracted text.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	limit := int64(s.cfg.MaxUploadMB) << 20
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(limit); err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("parse upload: %w", err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("missing file field: %w", err))
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("read upload: %w", err))
		return
	}

	src, err := textsource.FromFile(header.Filename, data)
	if err != nil {
		writeError(w, http.StatusUnsupportedMediaType, err)
		return
	}
	pages, err := src.Pages(r.Context())
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, fmt.Errorf("extract text: %w", err))
		return
	}
	name := header.Filename
	if h, ok := src.(textsource.HTML); ok {
		if title := h.Title(); title != "" {
			name = title
		}
	}
	writeJSON(w, http.StatusOK, uploadResponse{
		Name:     name,
		Category: r.FormValue("category"),
		Pages:    pages,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
