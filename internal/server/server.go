package server

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/yuin/goldmark"

	"github.com/TobiSchelling/newswatcher/internal/database"
	"github.com/TobiSchelling/newswatcher/internal/search"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static/*
var staticFS embed.FS

var md = goldmark.New()

// resultLimit caps the items listed on a task page.
const resultLimit = 200

// Searcher runs full-text queries over stored items.
type Searcher interface {
	Search(query string, limit int) ([]search.Hit, error)
}

// Server is the read-only HTTP viewer for tasks and their results.
type Server struct {
	db     *database.DB
	index  Searcher
	logger *slog.Logger
	pages  map[string]*template.Template
	router chi.Router
}

// New creates a new Server. index may be nil when search is disabled.
func New(db *database.DB, index Searcher, logger *slog.Logger) (*Server, error) {
	funcMap := template.FuncMap{
		"markdown":  renderMarkdown,
		"highlight": highlight,
		"deref": func(s *string) string {
			if s == nil {
				return ""
			}
			return *s
		},
		"matched": func(b *bool) bool {
			return b != nil && *b
		},
		"when": func(t time.Time) string {
			return t.Local().Format("2006-01-02 15:04")
		},
	}

	base, err := template.New("base.html").Funcs(funcMap).ParseFS(templateFS, "templates/base.html")
	if err != nil {
		return nil, fmt.Errorf("parsing base template: %w", err)
	}

	// Each page gets its own clone so the "title" and "content" blocks
	// do not collide.
	pageNames := []string{"index.html", "task.html", "search.html"}
	pages := make(map[string]*template.Template, len(pageNames))
	for _, name := range pageNames {
		clone, err := base.Clone()
		if err != nil {
			return nil, fmt.Errorf("cloning base for %s: %w", name, err)
		}
		if _, err := clone.ParseFS(templateFS, "templates/"+name); err != nil {
			return nil, fmt.Errorf("parsing template %s: %w", name, err)
		}
		pages[name] = clone
	}

	s := &Server{
		db:     db,
		index:  index,
		logger: logger.With("component", "server"),
		pages:  pages,
		router: chi.NewRouter(),
	}
	s.routes()
	return s, nil
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	staticSub, _ := fs.Sub(staticFS, "static")
	r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.FS(staticSub))))

	r.Get("/", s.handleIndex)
	r.Get("/tasks/{id}", s.handleTask)
	r.Get("/search", s.handleSearch)
	r.Get("/health", s.handleHealth)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.db.TaskSummaries(r.Context())
	if err != nil {
		s.fail(w, "loading tasks", err)
		return
	}
	stats, err := s.db.GetStats(r.Context())
	if err != nil {
		s.fail(w, "loading stats", err)
		return
	}

	s.render(w, "index.html", map[string]any{
		"Tasks": summaries,
		"Stats": stats,
	})
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	task, err := s.db.GetTask(r.Context(), id)
	if err != nil {
		s.fail(w, "loading task", err)
		return
	}
	if task == nil {
		http.NotFound(w, r)
		return
	}

	all := r.URL.Query().Get("all") == "1"
	results, err := s.db.ResultsForTask(r.Context(), id, !all, resultLimit)
	if err != nil {
		s.fail(w, "loading results", err)
		return
	}

	s.render(w, "task.html", map[string]any{
		"Task":    task,
		"Results": results,
		"All":     all,
	})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	data := map[string]any{
		"Query":   query,
		"Enabled": s.index != nil,
	}

	if query != "" && s.index != nil {
		hits, err := s.index.Search(query, 50)
		if err != nil {
			s.logger.Warn("search failed", "query", query, "error", err)
			data["Error"] = "Invalid query"
		}
		data["Hits"] = hits
	}

	s.render(w, "search.html", data)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status, code := "ok", http.StatusOK
	if err := s.db.Ping(ctx); err != nil {
		status, code = "unavailable", http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"status": status})
}

func (s *Server) fail(w http.ResponseWriter, what string, err error) {
	s.logger.Error(what+" failed", "error", err)
	http.Error(w, "Internal server error", http.StatusInternalServerError)
}

func (s *Server) render(w http.ResponseWriter, name string, data any) {
	tmpl, ok := s.pages[name]
	if !ok {
		s.logger.Error("template not found", "template", name)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "base.html", data); err != nil {
		s.fail(w, "rendering "+name, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	buf.WriteTo(w)
}

func renderMarkdown(text string) template.HTML {
	var buf bytes.Buffer
	if err := md.Convert([]byte(text), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(text))
	}
	return template.HTML(buf.String()) //nolint: gosec
}

var markTags = strings.NewReplacer("&lt;mark&gt;", "<mark>", "&lt;/mark&gt;", "</mark>")

// highlight escapes a search fragment but keeps its <mark> tags.
func highlight(fragment string) template.HTML {
	return template.HTML(markTags.Replace(template.HTMLEscapeString(fragment))) //nolint: gosec
}

// Serve runs the server on the given port until ctx is cancelled.
func Serve(ctx context.Context, db *database.DB, index Searcher, port int, logger *slog.Logger) error {
	srv, err := New(db, index, logger)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	hs := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		srv.logger.Info("server listening", "url", "http://"+addr)
		errCh <- hs.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := hs.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
