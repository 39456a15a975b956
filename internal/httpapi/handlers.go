package httpapi

import (
	"net/http"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/junhma/Manatan/internal/ocr"
	"github.com/junhma/Manatan/internal/service"
	"github.com/junhma/Manatan/internal/store"
)

const defaultContext = "No Context"

type jobRequest struct {
	BaseURL         string   `json:"base_url"`
	User            string   `json:"user"`
	Pass            string   `json:"pass"`
	Context         string   `json:"context"`
	Pages           []string `json:"pages"`
	AddSpaceOnMerge *bool    `json:"add_space_on_merge"`
	Language        string   `json:"language"`
}

type batchStatusRequest struct {
	Chapters []batchChapterItem `json:"chapters"`
	User     string             `json:"user"`
	Pass     string             `json:"pass"`
	Language string             `json:"language"`
}

type batchChapterItem struct {
	BaseURL  string   `json:"base_url"`
	Pages    []string `json:"pages"`
	Language string   `json:"language"`
}

type deleteChapterRequest struct {
	BaseURL    string `json:"base_url"`
	DeleteData *bool  `json:"delete_data"`
	Language   string `json:"language"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	health := s.svc.Health(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"status":             "running",
		"backend":            "Go (manatan-ocr-server)",
		"requests_processed": health.RequestsProcessed,
		"items_in_cache":     health.ItemsInCache,
		"active_jobs":        health.ActiveJobs,
	})
}

func (s *Server) handleOCR(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	pageURL := query.Get("url")
	if pageURL == "" {
		writeError(w, http.StatusBadRequest, "missing url parameter")
		return
	}

	baseURL := query.Get("base_url")
	if baseURL == "" {
		baseURL = query.Get("baseUrl")
	}
	ocrContext := query.Get("context")
	if ocrContext == "" {
		ocrContext = defaultContext
	}

	var addSpace *bool
	if raw := query.Get("add_space_on_merge"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			addSpace = &v
		}
	}

	lines, err := s.svc.RecognizePage(r.Context(), service.PageQuery{
		URL:             pageURL,
		BaseURL:         baseURL,
		Credentials:     ocr.Credentials{Username: query.Get("user"), Password: query.Get("pass")},
		Context:         ocrContext,
		AddSpaceOnMerge: addSpace,
		Language:        parseLanguage(query.Get("language")),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if lines == nil {
		lines = []ocr.Line{}
	}
	writeJSON(w, http.StatusOK, lines)
}

func (s *Server) handlePreprocessChapter(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Pages == nil {
		writeJSON(w, http.StatusOK, map[string]any{"error": "No pages provided"})
		return
	}

	started := s.svc.StartChapterJob(r.Context(), service.JobRequest{
		BaseURL:         req.BaseURL,
		Pages:           req.Pages,
		Credentials:     ocr.Credentials{Username: req.User, Password: req.Pass},
		Context:         req.Context,
		AddSpaceOnMerge: req.AddSpaceOnMerge,
		Language:        parseLanguage(req.Language),
	})
	if !started {
		writeJSON(w, http.StatusOK, map[string]any{"status": "already_processing"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "started"})
}

func (s *Server) handleChapterStatusPost(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	status := s.svc.ChapterStatus(r.Context(), service.StatusQuery{
		BaseURL:     req.BaseURL,
		Pages:       req.Pages,
		Credentials: ocr.Credentials{Username: req.User, Password: req.Pass},
		Language:    parseLanguage(req.Language),
	})
	writeJSON(w, http.StatusOK, statusPayload(status))
}

func (s *Server) handleChapterStatusGet(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	status := s.svc.ChapterStatus(r.Context(), service.StatusQuery{
		BaseURL:     query.Get("base_url"),
		Credentials: ocr.Credentials{Username: query.Get("user"), Password: query.Get("pass")},
		Language:    parseLanguage(query.Get("language")),
	})
	writeJSON(w, http.StatusOK, statusPayload(status))
}

func (s *Server) handleChapterStatusBatch(w http.ResponseWriter, r *http.Request) {
	var req batchStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	chapters := make([]service.BatchChapter, 0, len(req.Chapters))
	for _, item := range req.Chapters {
		chapters = append(chapters, service.BatchChapter{
			BaseURL:  item.BaseURL,
			Pages:    item.Pages,
			Language: parseLanguage(item.Language),
		})
	}
	results := s.svc.ChapterStatusBatch(r.Context(), service.BatchStatusQuery{
		Chapters:    chapters,
		Credentials: ocr.Credentials{Username: req.User, Password: req.Pass},
		Language:    parseLanguage(req.Language),
	})

	payload := make(map[string]any, len(results))
	for baseURL, status := range results {
		payload[baseURL] = statusPayload(status)
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleDeleteChapter(w http.ResponseWriter, r *http.Request) {
	var req deleteChapterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	deleteData := true
	if req.DeleteData != nil {
		deleteData = *req.DeleteData
	}

	result := s.svc.DeleteChapter(r.Context(), req.BaseURL, parseLanguage(req.Language), deleteData)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":             "deleted",
		"chapter_cache_rows": result.MembershipRows,
		"chapter_pages_rows": result.PageCountRows,
		"ocr_cache_rows":     result.CacheRows,
		"delete_data":        deleteData,
	})
}

func (s *Server) handlePurgeCache(w http.ResponseWriter, r *http.Request) {
	s.svc.Clear(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"status": "cleared"})
}

func (s *Server) handleExportCache(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Export(r.Context()))
}

func (s *Server) handleImportCache(w http.ResponseWriter, r *http.Request) {
	var entries map[string]store.Entry
	if err := json.NewDecoder(r.Body).Decode(&entries); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	added := s.svc.Import(r.Context(), entries)
	writeJSON(w, http.StatusOK, map[string]any{"message": "Import successful", "added": added})
}

// statusPayload keeps the wire shape clients already depend on:
// processing reports progress/total, everything else reports counts.
func statusPayload(status service.Status) map[string]any {
	if status.State == service.StateProcessing {
		return map[string]any{
			"status":   status.State,
			"progress": status.Progress,
			"total":    status.Total,
		}
	}
	return map[string]any{
		"status":         status.State,
		"cached_count":   status.CachedCount,
		"total_expected": status.TotalExpected,
	}
}

// parseLanguage keeps an absent language empty so batch-level defaults
// can still apply downstream.
func parseLanguage(raw string) ocr.Language {
	if raw == "" {
		return ""
	}
	return ocr.ParseLanguage(raw)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}
