package exports

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"catchcore/internal/core"
	"catchcore/pkg/domain"
)

// Catalog exposes stored catches to the HTTP handler. *core.Service implements it.
type Catalog interface {
	Source
	ListCatches() []core.CatchRef
}

// ExportLister lists the exports of one catch. *Worker implements it.
type ExportLister interface {
	ListExports(ref core.CatchRef) []Record
}

// Handler serves denormalized lists and export jobs over HTTP:
//
//	GET  /api/v1/catches
//	GET  /api/v1/catches/{kind}/{id}/batches[?format=json|csv|xlsx]
//	GET  /api/v1/catches/{kind}/{id}/exports
//	POST /api/v1/catches/{kind}/{id}/exports
//	GET  /api/v1/exports/{id}
type Handler struct {
	Catalog Catalog
	Exports Scheduler
}

// NewHandler constructs a handler; exports routes answer 404 until Exports is set.
func NewHandler(c Catalog) *Handler {
	return &Handler{Catalog: c}
}

const (
	catchesPath = "/api/v1/catches"
	exportsPath = "/api/v1/exports/"
)

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Catalog == nil {
		writeError(w, http.StatusInternalServerError, "catch catalog not configured")
		return
	}
	path := strings.TrimSuffix(r.URL.Path, "/")
	switch {
	case path == catchesPath:
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"catches": h.Catalog.ListCatches()})
	case strings.HasPrefix(path, catchesPath+"/"):
		h.handleCatch(w, r, strings.TrimPrefix(path, catchesPath+"/"))
	case strings.HasPrefix(path, exportsPath):
		h.handleExport(w, r, strings.TrimPrefix(path, exportsPath))
	default:
		http.NotFound(w, r)
	}
}

func (h *Handler) handleCatch(w http.ResponseWriter, r *http.Request, remainder string) {
	segments := strings.Split(remainder, "/")
	if len(segments) != 3 {
		writeError(w, http.StatusNotFound, "catch endpoint not found")
		return
	}
	ref := core.CatchRef{Kind: core.CatchKind(segments[0]), ID: segments[1]}
	if err := ref.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	switch segments[2] {
	case "batches":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h.handleBatches(w, r, ref)
	case "exports":
		if h.Exports == nil {
			http.NotFound(w, r)
			return
		}
		switch r.Method {
		case http.MethodPost:
			h.handleExportCreate(w, r, ref)
		case http.MethodGet:
			lister, ok := h.Exports.(ExportLister)
			if !ok {
				writeError(w, http.StatusNotImplemented, "export listing not supported")
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"exports": lister.ListExports(ref)})
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	default:
		writeError(w, http.StatusNotFound, "catch endpoint not found")
	}
}

func (h *Handler) handleBatches(w http.ResponseWriter, r *http.Request, ref core.CatchRef) {
	format, err := negotiateFormat(r)
	if err != nil {
		writeError(w, http.StatusNotAcceptable, err.Error())
		return
	}
	tree, err := h.Catalog.DenormalizedBatches(r.Context(), ref)
	if err != nil {
		var notFound domain.ErrNotFound
		if errors.As(err, &notFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	payload, err := Render(format, ref, tree)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", format.ContentType())
	if format != FormatJSON {
		filename := fmt.Sprintf("%s-%s.%s", ref.Kind, ref.ID, format.Extension())
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

type exportRequest struct {
	Formats     []string `json:"formats"`
	RequestedBy string   `json:"requested_by"`
	Reason      string   `json:"reason"`
}

func (h *Handler) handleExportCreate(w http.ResponseWriter, r *http.Request, ref core.CatchRef) {
	var req exportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid export request payload")
		return
	}
	formats := make([]Format, 0, len(req.Formats))
	for _, f := range req.Formats {
		format, err := ParseFormat(f)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		formats = append(formats, format)
	}
	record, err := h.Exports.EnqueueExport(r.Context(), Input{
		Catch:       ref,
		Formats:     formats,
		RequestedBy: req.RequestedBy,
		Reason:      req.Reason,
	})
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, ErrQueueFull) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"export": record})
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request, id string) {
	if h.Exports == nil || id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	record, ok := h.Exports.GetExport(id)
	if !ok {
		writeError(w, http.StatusNotFound, "export not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"export": record})
}

// negotiateFormat reads ?format= first, then the Accept header, defaulting to JSON.
func negotiateFormat(r *http.Request) (Format, error) {
	if wanted := r.URL.Query().Get("format"); wanted != "" {
		return ParseFormat(wanted)
	}
	accept := r.Header.Get("Accept")
	switch {
	case strings.Contains(accept, FormatCSV.ContentType()):
		return FormatCSV, nil
	case strings.Contains(accept, FormatXLSX.ContentType()):
		return FormatXLSX, nil
	default:
		return FormatJSON, nil
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
