package receipt

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/zombor/receipt-ledger/internal/scanning"
	"github.com/zombor/receipt-ledger/internal/sheet"
)

// maxBodySize accepts high-resolution phone photos, also in batches
const maxBodySize = 50 << 20

var dataURLPrefix = regexp.MustCompile(`^data:[^;]+;base64,`)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// writeError maps service errors to a status and a {ok:false} body
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrUnknownWho), errors.Is(err, ErrBatchTooLarge):
		status = http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, ErrNotReady):
		status = http.StatusServiceUnavailable
	case errors.Is(err, sheet.ErrWriteConflict):
		status = http.StatusConflict
	}

	body := map[string]any{"ok": false, "error": err.Error()}
	var writeErr *sheet.WriteError
	if errors.As(err, &writeErr) {
		body["attempts"] = writeErr.Attempts
	}
	writeJSON(w, status, body)
}

func timestamp(t time.Time) string {
	return t.Format(time.RFC3339)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":        true,
		"status":    "alive",
		"timestamp": timestamp(s.service.Now()),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Ready(r.Context()); err != nil {
		slog.Warn("Not ready", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"ok":        false,
			"status":    "not_ready",
			"error":     err.Error(),
			"timestamp": timestamp(s.service.Now()),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":        true,
		"status":    "ready",
		"timestamp": timestamp(s.service.Now()),
	})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	cfg := s.service.Config()
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}

	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":              true,
		"client_id":       cfg.ClientID,
		"default_sheet":   cfg.DefaultSheet,
		"receipt_api_url": fmt.Sprintf("%s://%s/api/scan", scheme, r.Host),
		"who_options":     cfg.WhoOptions(),
		"max_batch":       cfg.MaxBatch,
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	email, _ := r.Context().Value(emailKey{}).(string)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "email": email})
}

func (s *Server) handleListSheets(w http.ResponseWriter, r *http.Request) {
	list, err := s.service.ListSheets(r.Context())
	if err != nil {
		slog.Error("Error listing sheets", "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":            true,
		"sheets":        list,
		"default_sheet": s.service.Config().DefaultSheet,
	})
}

func (s *Server) handleWriteRow(w http.ResponseWriter, r *http.Request) {
	var req WriteRowRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", ErrInvalidRequest, err))
		return
	}

	result, err := s.service.WriteRow(r.Context(), req)
	if err != nil {
		slog.Error("Error writing row", "sheet", req.SheetName, "who", req.Who, "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "written": result})
}

type scanRequest struct {
	ImageBase64    string `json:"imageBase64"`
	IncludeRawOnly bool   `json:"include_raw_only"`
}

type scanResponse struct {
	OK bool `json:"ok"`
	*scanning.Triplet
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	data, rawOnly, err := readDocument(w, r)
	if err != nil {
		writeError(w, err)
		return
	}

	if rawOnly || r.URL.Query().Get("raw") == "1" {
		doc, err := s.service.ScanRaw(r.Context(), data, "")
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, doc)
		return
	}

	triplet, err := s.service.Scan(r.Context(), data, "")
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, scanResponse{OK: true, Triplet: triplet})
}

// readDocument takes the image from a JSON base64 body or from the
// "document" field of a multipart form
func readDocument(w http.ResponseWriter, r *http.Request) ([]byte, bool, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	if strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
		var req scanRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return nil, false, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		if req.ImageBase64 == "" {
			return nil, false, fmt.Errorf("%w: imageBase64 missing", ErrInvalidRequest)
		}
		data, err := decodeImage(req.ImageBase64)
		return data, req.IncludeRawOnly, err
	}

	if err := r.ParseMultipartForm(maxBodySize); err != nil {
		return nil, false, fmt.Errorf("%w: no document provided", ErrInvalidRequest)
	}
	f, _, err := r.FormFile("document")
	if err != nil {
		return nil, false, fmt.Errorf("%w: no document provided", ErrInvalidRequest)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, false, fmt.Errorf("reading document: %w", err)
	}
	return data, false, nil
}

func decodeImage(b64 string) ([]byte, error) {
	raw := dataURLPrefix.ReplaceAllString(strings.TrimSpace(b64), "")
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64", ErrInvalidRequest)
	}
	return data, nil
}

func (s *Server) handleScanBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ImagesBase64 []string `json:"imagesBase64"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", ErrInvalidRequest, err))
		return
	}
	if len(req.ImagesBase64) > s.service.Config().MaxBatch {
		writeError(w, fmt.Errorf("%w: max %d", ErrBatchTooLarge, s.service.Config().MaxBatch))
		return
	}

	// Undecodable images fail their own item, like scan failures
	images := make([][]byte, len(req.ImagesBase64))
	decodeErrs := make([]error, len(req.ImagesBase64))
	for i, b64 := range req.ImagesBase64 {
		images[i], decodeErrs[i] = decodeImage(b64)
	}

	items, err := s.service.ScanBatch(r.Context(), images)
	if err != nil {
		writeError(w, err)
		return
	}
	for i, derr := range decodeErrs {
		if derr != nil {
			items[i] = BatchItem{OK: false, Error: derr.Error()}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "items": items})
}
