// Package httpserver exposes the dispatcher over HTTP: the webhook sink,
// the log/record/coverage viewers, the status/coverage badges, and the
// jobs and metrics introspection endpoints.
package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/go-github/v68/github"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/labci/dispatcher/internal/dispatch"
	"github.com/labci/dispatcher/internal/logger"
	"github.com/labci/dispatcher/internal/metrics"
	"github.com/labci/dispatcher/internal/queue"
	"github.com/labci/dispatcher/internal/record"
)

// Forge is the subset of *forge.Client the HTTP service needs.
type Forge interface {
	FetchCommit(ctx context.Context, owner, repo, idOrBranch string, isBranch bool) (string, error)
}

// Queue is the subset of *queue.Queue the HTTP service needs.
type Queue interface {
	Add(data queue.Data) *queue.Job
	Pile() []*queue.Job
}

// Store is the subset of *record.Store the HTTP service needs.
type Store interface {
	LoadOne(id string) (record.Record, error)
}

// Config holds the static settings the HTTP service needs at construction.
type Config struct {
	AppID          string
	WebhookSecret  string
	Owner          string
	DataPath       string
	StaticDir      string
	DefaultRepo    string
}

// Server wires the dispatcher's read/write surfaces onto an http.Handler.
type Server struct {
	cfg        Config
	store      Store
	queue      Queue
	forge      Forge
	dispatcher *dispatch.Dispatcher
	metrics    *metrics.Collector
	log        logger.Logger
}

func New(cfg Config, store Store, q Queue, f Forge, d *dispatch.Dispatcher, m *metrics.Collector, l logger.Logger) *Server {
	return &Server{cfg: cfg, store: store, queue: q, forge: f, dispatcher: d, metrics: m, log: l}
}

// Router builds the chi.Mux serving every endpoint in SPEC_FULL.md §4.I.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)

	r.Post("/github", s.handleWebhook)
	r.Get("/log/{id}", s.handleLogPage)
	r.Get("/logs/{id}", s.handleLogsRedirect)
	r.Get("/logs/raw/{id}", s.handleLogsRaw)
	r.Get("/logs/records/{id}", s.handleLogsRecords)
	r.Get("/logs/coverage/{sha}/*", s.handleCoverageTree)
	r.Get("/coverage/{repo}/{branch}", s.handleBadge("coverage"))
	r.Get("/status/{repo}/{branch}", s.handleBadge("build"))
	r.Get("/jobs", s.handleJobs)
	r.Get("/metrics", promhttp.HandlerFor(s.registryOrDefault(), promhttp.HandlerOpts{}).ServeHTTP)

	return r
}

func (s *Server) registryOrDefault() *prometheus.Registry {
	if s.metrics != nil {
		return s.metrics.Registry
	}
	return metrics.New().Registry
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		if s.log != nil {
			s.log.Debug("%s %s (%s)", r.Method, r.URL.Path, time.Since(start))
		}
	})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	targetID := r.Header.Get("x-github-hook-installation-target-id")
	if targetID != "" && targetID != s.cfg.AppID {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	payload, err := github.ValidatePayload(r, []byte(s.cfg.WebhookSecret))
	if err != nil {
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}

	eventType := github.WebHookType(r)
	event, err := github.ParseWebHook(eventType, payload)
	if err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	if err := s.dispatcher.Dispatch(r.Context(), eventType, event); err != nil {
		switch err {
		case dispatch.ErrWrongInstallation:
			w.WriteHeader(http.StatusNotFound)
			return
		case dispatch.ErrForkRejected, dispatch.ErrUnsupportedEvent:
			// nothing to do; acknowledge and move on.
		default:
			if s.log != nil {
				s.log.Warn("dispatch error: %v", err)
			}
		}
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleLogPage(w http.ResponseWriter, r *http.Request) {
	path := filepath.Join(s.cfg.StaticDir, "log.html")
	if _, err := os.Stat(path); err != nil {
		http.Error(w, "log viewer not installed", http.StatusNotFound)
		return
	}
	http.ServeFile(w, r, path)
}

func (s *Server) handleLogsRedirect(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	http.Redirect(w, r, "/log/"+id, http.StatusMovedPermanently)
}

func (s *Server) handleLogsRaw(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sha, job, err := s.resolveSHA(r.Context(), id)
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	name := fmt.Sprintf("std_output-%s.log", shortSHA(sha))
	if r.URL.Query().Get("type") == "logger" {
		name = "test_output.log"
	}
	path := filepath.Join(s.cfg.DataPath, "reports", sha, name)

	data, err := os.ReadFile(path)
	status := jobStatus(job, err == nil)
	w.Header().Set("X-CI-JobStatus", status)
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	if s.log != nil {
		s.log.Debug("serving %s (%s)", path, humanize.IBytes(uint64(len(data))))
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write(data)
}

func jobStatus(job *queue.Job, fileExists bool) string {
	if job != nil {
		if job.Running() {
			return "running"
		}
		return "queued"
	}
	if fileExists {
		return "finished"
	}
	return "waiting"
}

func (s *Server) handleLogsRecords(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sha, job, err := s.resolveSHA(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if job != nil {
		writeJSON(w, http.StatusOK, job.DataSnapshot())
		return
	}

	rec, err := s.store.LoadOne(sha)
	if err != nil {
		if _, ok := err.(*record.NotFoundError); ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleCoverageTree(w http.ResponseWriter, r *http.Request) {
	sha := chi.URLParam(r, "sha")
	rest := chi.URLParam(r, "*")
	if rest == "" {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	root := filepath.Join(s.cfg.DataPath, "reports", sha)
	prefix := "/logs/coverage/" + sha + "/"
	http.StripPrefix(prefix, http.FileServer(http.Dir(root))).ServeHTTP(w, r)
}

type badgeResponse struct {
	SchemaVersion int    `json:"schemaVersion"`
	Label         string `json:"label"`
	Message       string `json:"message"`
	Color         string `json:"color"`
}

func (s *Server) handleBadge(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		repo := chi.URLParam(r, "repo")
		branch := chi.URLParam(r, "branch")
		force := r.URL.Query().Get("force") == "1"

		sha, err := s.forge.FetchCommit(r.Context(), s.cfg.Owner, repo, branch, true)
		if err != nil {
			writeJSON(w, http.StatusOK, badgeResponse{SchemaVersion: 1, Label: kind, Message: "unknown", Color: "lightgrey"})
			return
		}

		rec, err := s.store.LoadOne(sha)
		if err != nil {
			_, notFound := err.(*record.NotFoundError)
			if notFound || force {
				for _, j := range s.queue.Pile() {
					data := j.DataSnapshot()
					if strings.HasPrefix(data.SHA, sha) || strings.HasPrefix(sha, data.SHA) {
						writeJSON(w, http.StatusOK, badgeResponse{SchemaVersion: 1, Label: kind, Message: "pending", Color: "orange"})
						return
					}
				}
				s.queue.Add(queue.Data{SHA: sha, Owner: s.cfg.Owner, Repo: repo, Force: true})
				writeJSON(w, http.StatusOK, badgeResponse{SchemaVersion: 1, Label: kind, Message: "pending", Color: "orange"})
				return
			}
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, renderBadge(kind, rec))
	}
}

func renderBadge(kind string, rec record.Record) badgeResponse {
	b := badgeResponse{SchemaVersion: 1, Label: kind}

	if rec.Status == record.StatusError {
		b.Message, b.Color = "unknown", "orange"
		return b
	}

	if kind == "coverage" {
		if rec.Coverage == nil {
			b.Message, b.Color = "unknown", "lightgrey"
			return b
		}
		b.Message = fmt.Sprintf("%.2f%%", *rec.Coverage)
		if *rec.Coverage > 75 {
			b.Color = "green"
		} else {
			b.Color = "red"
		}
		return b
	}

	if rec.Status == record.StatusSuccess {
		b.Message, b.Color = "passing", "green"
	} else {
		b.Message, b.Color = "failing", "red"
	}
	return b
}

type jobView struct {
	ID      string     `json:"id"`
	Created time.Time  `json:"created"`
	Data    queue.Data `json:"data"`
	Running bool       `json:"running"`
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	pile := s.queue.Pile()
	views := make([]jobView, 0, len(pile))
	for _, j := range pile {
		views = append(views, jobView{ID: j.ID, Created: j.Created, Data: j.DataSnapshot(), Running: j.Running()})
	}
	writeJSON(w, http.StatusOK, map[string]any{"total": len(views), "pile": views})
}

// resolveSHA turns a (possibly abbreviated, possibly branch-name) id into a
// full commit SHA and the in-flight job for it, if any.
func (s *Server) resolveSHA(ctx context.Context, id string) (string, *queue.Job, error) {
	sha := id
	if record.IsSHA(id) {
		if full, err := s.forge.FetchCommit(ctx, s.cfg.Owner, s.cfg.DefaultRepo, id, false); err == nil {
			sha = full
		}
	} else {
		full, err := s.forge.FetchCommit(ctx, s.cfg.Owner, s.cfg.DefaultRepo, id, true)
		if err != nil {
			return "", nil, err
		}
		sha = full
	}

	for _, j := range s.queue.Pile() {
		data := j.DataSnapshot()
		if strings.HasPrefix(data.SHA, sha) || strings.HasPrefix(sha, data.SHA) {
			return sha, j, nil
		}
	}
	return sha, nil, nil
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
