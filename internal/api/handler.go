package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/kalambet/docrag/internal/search"
	"github.com/kalambet/docrag/internal/storage"
)

const (
	maxRequestBodySize    = 1 << 20 // 1MB
	defaultMaxUploadBytes = 10 << 20
	uploadDateLayout      = time.ANSIC
)

// Searcher is the document search service behind the HTTP and MCP surfaces.
type Searcher interface {
	Search(ctx context.Context, query string, opts search.Options) (search.Result, error)
	Generate(ctx context.Context, query string) (string, error)
	Read(ctx context.Context, id string) (search.Document, error)
	Upload(ctx context.Context, filename string, content []byte) (string, error)
	ListDocuments(ctx context.Context) ([]storage.BlobInfo, error)
}

type Deps struct {
	Searcher Searcher
	// Ping reports storage health for /health. Optional.
	Ping func(ctx context.Context) error
	// Info adds runtime details to the /health body. Optional.
	Info           func() map[string]any
	RequestTimeout time.Duration
	MaxUploadBytes int64
	Logger         *slog.Logger
}

// NewHandler returns the HTTP surface: /health plus the /api/v1 routes.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.MaxUploadBytes <= 0 {
		deps.MaxUploadBytes = defaultMaxUploadBytes
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(deps.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", handleHealth(deps))

	r.Route("/api/v1", func(v1 chi.Router) {
		v1.Use(requestTimeout(deps.RequestTimeout))

		v1.Get("/endpoints", handleEndpoints(r))
		v1.Post("/search", handleSearch(deps))
		v1.Post("/generate", handleGenerate(deps))
		v1.Get("/documents", handleListDocuments(deps))
		v1.Post("/documents", handleUploadDocument(deps))
		v1.Get("/documents/{file_id}", handleGetDocument(deps))
	})

	return r
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Ping != nil {
			if err := deps.Ping(r.Context()); err != nil {
				deps.Logger.Warn("health check failed", "error", err)
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		body := map[string]any{}
		if deps.Info != nil {
			maps.Copy(body, deps.Info())
		}
		body["status"] = "ok"
		writeJSON(w, http.StatusOK, body)
	}
}

type endpoint struct {
	URL     string   `json:"url"`
	Methods []string `json:"methods"`
}

func handleEndpoints(routes chi.Routes) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		byURL := map[string][]string{}
		err := chi.Walk(routes, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
			route = strings.TrimSuffix(strings.ReplaceAll(route, "/*/", "/"), "/*")
			byURL[route] = append(byURL[route], method)
			return nil
		})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "server_error", "listing routes: %v", err)
			return
		}

		endpoints := make([]endpoint, 0, len(byURL))
		for url, methods := range byURL {
			sort.Strings(methods)
			endpoints = append(endpoints, endpoint{URL: url, Methods: methods})
		}
		sort.Slice(endpoints, func(i, j int) bool { return endpoints[i].URL < endpoints[j].URL })

		writeJSON(w, http.StatusOK, map[string]any{"endpoints": endpoints})
	}
}

type searchRequest struct {
	Query            *string `json:"query"`
	IncludeSentiment bool    `json:"include_sentiment"`
	Filename         string  `json:"filename"`
	ContextLength    *int    `json:"context_length"`
}

func handleSearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req searchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Query == nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "Missing query parameter")
			return
		}

		res, err := deps.Searcher.Search(r.Context(), *req.Query, search.Options{
			Filename:         req.Filename,
			IncludeSentiment: req.IncludeSentiment,
			ContextLength:    req.ContextLength,
		})
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": res})
	}
}

type generateRequest struct {
	Query *string `json:"query"`
}

func handleGenerate(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Query == nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "Missing query parameter")
			return
		}

		resp, err := deps.Searcher.Generate(r.Context(), *req.Query)
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"response": resp})
	}
}

type fileEntry struct {
	FileID     string `json:"file_id"`
	Filename   string `json:"filename"`
	UploadDate string `json:"upload_date"`
}

func handleListDocuments(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		docs, err := deps.Searcher.ListDocuments(r.Context())
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		files := make([]fileEntry, len(docs))
		for i, d := range docs {
			files[i] = fileEntry{
				FileID:     d.ID,
				Filename:   d.Filename,
				UploadDate: d.UploadDate.UTC().Format(uploadDateLayout),
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"files": files})
	}
}

func handleUploadDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength > deps.MaxUploadBytes {
			httpError(w, http.StatusRequestEntityTooLarge, "invalid_request_error",
				"upload exceeds %d bytes", deps.MaxUploadBytes)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, deps.MaxUploadBytes)
		defer r.Body.Close()

		file, header, err := r.FormFile("file")
		if err != nil {
			var tooLarge *http.MaxBytesError
			switch {
			case errors.As(err, &tooLarge):
				httpError(w, http.StatusRequestEntityTooLarge, "invalid_request_error",
					"upload exceeds %d bytes", tooLarge.Limit)
			case r.MultipartForm != nil && len(r.MultipartForm.Value["file"]) > 0:
				// A file part sent without a filename is parsed as a plain value.
				httpError(w, http.StatusBadRequest, "invalid_request_error", "No selected file")
			default:
				httpError(w, http.StatusBadRequest, "invalid_request_error", "No file part")
			}
			return
		}
		defer file.Close()

		if header.Filename == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "No selected file")
			return
		}

		content, err := io.ReadAll(file)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "reading upload: %v", err)
			return
		}

		id, err := deps.Searcher.Upload(r.Context(), header.Filename, content)
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{
			"message": "File uploaded successfully",
			"file_id": id,
		})
	}
}

func handleGetDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc, err := deps.Searcher.Read(r.Context(), chi.URLParam(r, "file_id"))
		if err != nil {
			switch search.KindOf(err) {
			case search.KindValidation:
				httpError(w, http.StatusBadRequest, "invalid_request_error", "Invalid file ID format")
			case search.KindNotFound:
				httpError(w, http.StatusNotFound, "not_found_error", "Document not found")
			default:
				writeError(w, deps.Logger, err)
			}
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"content":  doc.Content,
			"filename": doc.Filename,
		})
	}
}
