package web

import (
	"database/sql"
	"embed"
	"html/template"
	"net/http"

	"zpravobot/internal/config"
	"zpravobot/internal/database"
	"zpravobot/internal/logging"
	"zpravobot/internal/models"
)

//go:embed templates/*.html
var templatesFS embed.FS

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	Config    *config.Config
	DB        *database.DB
	templates *template.Template
}

// PageData holds the data passed to HTML templates.
type PageData struct {
	TotalPublished int
	Sources        []SourceStatus
	RecentSkips    []models.SkipRecord
}

// SourceStatus is one row of the per-source table.
type SourceStatus struct {
	ID          string
	Platform    models.Platform
	ScreenName  string
	LastChecked sql.NullString
	LastPublish sql.NullTime
}

// NewHandler creates a new Handler instance.
func NewHandler(cfg *config.Config, db *database.DB) *Handler {
	tmpl, err := template.ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		logging.Fatal("Failed to parse templates: %v", err)
	}
	return &Handler{
		Config:    cfg,
		DB:        db,
		templates: tmpl,
	}
}

// RegisterRoutes sets up the HTTP routes.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/", h.handleIndex)
	mux.HandleFunc("/healthz", h.handleHealth)
}

// handleIndex displays the main status page.
func (h *Handler) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	data := PageData{}

	total, err := h.DB.GetTotalPublished()
	if err != nil {
		logging.Error("Failed to count published posts: %v", err)
	}
	data.TotalPublished = total

	sources, err := h.DB.ListSources()
	if err != nil {
		logging.Error("Failed to list sources: %v", err)
	}
	for _, src := range sources {
		status := SourceStatus{
			ID:         src.ID,
			Platform:   src.Platform,
			ScreenName: src.ScreenName,
		}
		if cursor, err := h.DB.GetLastCheckedPostID(src.ID); err == nil {
			status.LastChecked = cursor
		}
		if ts, err := h.DB.GetLastPublishTime(src.ID); err == nil {
			status.LastPublish = ts
		}
		data.Sources = append(data.Sources, status)
	}

	skips, err := h.DB.GetRecentSkips(20)
	if err != nil {
		logging.Error("Failed to list recent skips: %v", err)
	}
	data.RecentSkips = skips

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := h.templates.ExecuteTemplate(w, "index.html", data); err != nil {
		logging.Error("Failed to render status page: %v", err)
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.DB.Ping(); err != nil {
		http.Error(w, "database unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
