// Package web serves the control API of a running node.
package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/bit2swaz/meshsync/internal/engine"
	"github.com/bit2swaz/meshsync/internal/metrics"
	"github.com/bit2swaz/meshsync/internal/negotiator"
	"github.com/bit2swaz/meshsync/internal/store"
)

// Node is the part of engine.Node the API drives.
type Node interface {
	Items(ctx context.Context, withDeleted bool) ([]store.Item, error)
	Item(ctx context.Context, id string) (store.Item, error)
	AddItem(ctx context.Context, text string) (store.Item, error)
	UpdateItem(ctx context.Context, id, text string) (store.Item, error)
	DeleteItem(ctx context.Context, id string) (store.Item, error)
	Export(ctx context.Context) ([]byte, error)
	Import(ctx context.Context, data []byte) (int, error)

	Peers(ctx context.Context) ([]store.Peer, error)
	PeerHistory() ([]store.Peer, error)
	Sessions(ctx context.Context) ([]negotiator.Info, error)
	CloseSession(ctx context.Context, id string) error

	Host(ctx context.Context, manual bool) (negotiator.Offer, error)
	Join(ctx context.Context, input string) (negotiator.Answer, error)
	ApplyAnswer(ctx context.Context, blob, code string) (string, error)

	Status(ctx context.Context) (engine.Status, error)
	Diagnostics(ctx context.Context) engine.Diagnostics
}

var _ Node = (*engine.Node)(nil)

type Server struct {
	node    Node
	metrics *metrics.Collector
	addr    string
	log     *zap.Logger
}

func NewServer(node Node, m *metrics.Collector, addr string, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{node: node, metrics: m, addr: addr, log: log}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(s.observe)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/items", func(r chi.Router) {
			r.Get("/", s.listItems)
			r.Post("/", s.addItem)
			r.Get("/{id}", s.getItem)
			r.Put("/{id}", s.updateItem)
			r.Delete("/{id}", s.deleteItem)
		})
		r.Get("/export", s.export)
		r.Post("/import", s.importItems)

		r.Get("/peers", s.listPeers)
		r.Get("/peers/history", s.peerHistory)
		r.Get("/sessions", s.listSessions)
		r.Delete("/sessions/{id}", s.closeSession)

		r.Post("/offers", s.host)
		r.Post("/join", s.join)
		r.Post("/answers", s.applyAnswer)

		r.Get("/status", s.status)
		r.Get("/diagnostics", s.diagnostics)
	})
	return r
}

// observe logs each request and feeds the HTTP metrics, labelled by route
// pattern rather than raw path.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		took := time.Since(start)
		if s.metrics != nil {
			s.metrics.ObserveHTTP(r.Method, route, ww.Status(), took)
		}
		s.log.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", took),
			zap.String("requestID", chimiddleware.GetReqID(r.Context())))
	})
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("Control API starting", zap.String("addr", s.addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
