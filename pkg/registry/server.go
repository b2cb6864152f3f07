package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/matzehuels/forge/pkg/definition"
	"github.com/matzehuels/forge/pkg/errors"
	"github.com/matzehuels/forge/pkg/integrity"
	"github.com/matzehuels/forge/pkg/store"
)

// Server serves a filesystem tier in the registry layout. The manifest is
// built from the tier on every request, so edits show up immediately.
type Server struct {
	name   string
	store  *store.Store
	logger *log.Logger
	now    func() time.Time
	router chi.Router
}

// NewServer creates a registry server named name over st.
func NewServer(name string, st *store.Store, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	s := &Server{name: name, store: st, logger: logger, now: time.Now}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/"+ManifestPath, s.handleManifest)
	r.Get("/definitions/{kind}/{name}/{file}", s.handleArtifact)
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// BuildManifest lists every valid definition version in the tier.
func (s *Server) BuildManifest(ctx context.Context) (*Manifest, error) {
	m := &Manifest{Registry: s.name, GeneratedAt: s.now().UTC().Truncate(time.Second)}
	for _, kind := range definition.Kinds {
		names, err := s.store.Names(ctx, kind)
		if err != nil {
			return nil, err
		}
		for _, name := range names {
			versions, err := s.store.Versions(ctx, kind, name)
			if err != nil {
				return nil, err
			}
			entry := ManifestEntry{Kind: kind, Name: name}
			for _, v := range versions {
				d, err := s.store.Load(ctx, kind, name, v)
				if err != nil {
					s.logger.Warn("skipping unreadable definition", "kind", kind, "name", name, "version", v, "err", err)
					continue
				}
				h, err := integrity.Hash(d)
				if err != nil {
					return nil, err
				}
				entry.Versions = append(entry.Versions, ManifestVersion{Version: v, Integrity: h})
			}
			if len(entry.Versions) > 0 {
				m.Definitions = append(m.Definitions, entry)
			}
		}
	}
	return m, nil
}

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	m, err := s.BuildManifest(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, m)
}

func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	kind, err := definition.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		s.writeError(w, r, errors.Wrap(errors.ErrCodeNotFound, err, "unknown kind"))
		return
	}
	ver, ok := strings.CutSuffix(chi.URLParam(r, "file"), ".json")
	if !ok {
		s.writeError(w, r, errors.New(errors.ErrCodeNotFound, "unknown object"))
		return
	}
	d, err := s.store.Load(r.Context(), kind, chi.URLParam(r, "name"), ver)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, d)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch errors.GetCode(err) {
	case errors.ErrCodeNotFound:
		status = http.StatusNotFound
	case errors.ErrCodeInvalidInput:
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("registry request failed", "path", r.URL.Path, "err", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"code":    string(errors.GetCode(err)),
		"message": errors.UserMessage(err),
	})
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
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
