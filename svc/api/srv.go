package api

import (
	"context"
	"net/http"
	"time"

	"burnbin/cfg"
	"burnbin/svc/db"
	"burnbin/svc/lim"
	"burnbin/svc/svc"
	"burnbin/svc/util"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"
)

// Pinger is the liveness side of the store.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	router     *chi.Mux
	paste      *svc.Paste
	lim        *lim.Limiter
	cfg        *cfg.Cfg
	db         Pinger
	rdb        *db.Redis
	httpServer *http.Server
}

// NewServer mounts every paste and health route twice, under /api and at
// the root. l and rdb may be nil.
func NewServer(c *cfg.Cfg, p *svc.Paste, l *lim.Limiter, store Pinger, rdb *db.Redis) *Server {
	s := &Server{
		paste: p,
		lim:   l,
		cfg:   c,
		db:    store,
		rdb:   rdb,
	}
	r := chi.NewRouter()
	mw := NewMw(l, c)
	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Handle("/metrics", mw.BasicAuthMetrics(promhttp.Handler()))
	})
	if c.Environment == "development" {
		r.Mount("/debug", middleware.Profiler())
	}
	routes := func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(mw.Recoverer)
			r.Get("/healthz", s.Health)
			r.Get("/readyz", s.Ready)
		})
		r.Group(func(r chi.Router) {
			r.Use(mw.RequestID)
			r.Use(mw.Recoverer)
			r.Use(hlog.NewHandler(util.GetLogger()))
			r.Use(hlog.AccessHandler(func(req *http.Request, status, size int, dur time.Duration) {
				hlog.FromRequest(req).Info().
					Str("method", req.Method).
					Str("url", req.URL.Path).
					Int("status", status).
					Int("size", size).
					Dur("duration", dur).
					Str("request_id", util.GetRequestID(req.Context())).
					Msg("http request")
			}))
			r.Use(mw.Metrics)
			r.Use(mw.ContextTimeout)
			r.Use(mw.TestClock)
			r.Use(mw.SecurityHeaders)
			r.Use(mw.CORS)
			r.Use(mw.JSONContentType)
			hdl := &Hdl{paste: p, cfg: c}
			r.With(mw.RateLimit("create")).Post("/pastes", hdl.CreatePaste)
			r.With(mw.RateLimit("view")).Get("/pastes/{id}", hdl.GetPaste)
			r.With(mw.RateLimit("view")).Get("/p/{id}", hdl.ViewPaste)
			// CORS answers preflights before these run.
			for _, pattern := range []string{"/pastes", "/pastes/{id}", "/p/{id}"} {
				r.Options(pattern, preflight)
			}
		})
	}
	r.Route("/api", routes)
	r.Group(routes)
	s.router = r
	s.httpServer = &http.Server{
		Addr:              ":" + c.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    256 * 1024,
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) Start() error {
	util.Info().Str("port", s.cfg.Port).Msg("starting server")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		util.Error().Err(err).Str("port", s.cfg.Port).Msg("server failed to start")
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func preflight(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}
