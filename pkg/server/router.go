package server

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/go-go-golems/turnsearch/pkg/gateway"
	"github.com/go-go-golems/turnsearch/pkg/metrics"
	"github.com/go-go-golems/turnsearch/pkg/proxy"
	"github.com/go-go-golems/turnsearch/pkg/session"
)

// Deps are the collaborators the HTTP surface is built from.
type Deps struct {
	Sessions *session.Manager
	Proxy    *proxy.Forwarder
	Metrics  *metrics.Recorder
	Limiter  *RateLimiter
	Upgrader *websocket.Upgrader
}

// NewHandler mounts the proxy, session API, websocket and ops routes.
func NewHandler(d Deps) http.Handler {
	r := mux.NewRouter()

	if d.Proxy != nil {
		search := r.PathPrefix("/api/search").Subrouter()
		search.Use(instrument(d.Metrics, d.Sessions))
		search.Handle("/hybrid", d.Proxy.Handler("hybrid", gateway.SearchPath)).Methods(http.MethodPost)
		search.Handle("/filter", d.Proxy.Handler("filter", gateway.FilterPath)).Methods(http.MethodPost)
	}

	h := &sessionHandlers{sessions: d.Sessions}
	api := r.PathPrefix("/api/sessions").Subrouter()
	api.Use(instrument(d.Metrics, d.Sessions))
	if d.Limiter != nil {
		api.Use(d.Limiter.Middleware)
	}
	api.HandleFunc("", h.create).Methods(http.MethodPost)
	api.HandleFunc("/{sid}", h.get).Methods(http.MethodGet)
	api.HandleFunc("/{sid}", h.delete).Methods(http.MethodDelete)
	api.HandleFunc("/{sid}/messages", h.sendMessage).Methods(http.MethodPost)
	api.HandleFunc("/{sid}/messages/{mid}/filters", h.applyFilters).Methods(http.MethodPost)
	api.HandleFunc("/{sid}/messages/{mid}/reset", h.reset).Methods(http.MethodPost)
	api.HandleFunc("/{sid}/messages/{mid}/turns/{turn:[0-9]+}", h.switchTurn).Methods(http.MethodPost)
	api.HandleFunc("/{sid}/messages/{mid}/error", h.clearError).Methods(http.MethodDelete)
	api.HandleFunc("/{sid}/chats", h.chats).Methods(http.MethodGet)
	api.HandleFunc("/{sid}/chats/{chatID}", h.loadConversation).Methods(http.MethodPost)
	api.HandleFunc("/{sid}/new", h.newChat).Methods(http.MethodPost)
	api.HandleFunc("/{sid}/selection", h.toggleSelection).Methods(http.MethodPut)
	api.HandleFunc("/{sid}/export", h.exportSelection).Methods(http.MethodGet)

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	if d.Upgrader != nil {
		upgrader = *d.Upgrader
	}
	r.HandleFunc("/ws", newWSHandler(d.Sessions, upgrader)).Methods(http.MethodGet)

	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler()).Methods(http.MethodGet)
	}
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	return r
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// instrument counts responses per route template and keeps the active
// session gauge current.
func instrument(rec *metrics.Recorder, sessions *session.Manager) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		if rec == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sr, r)
			route := r.URL.Path
			if cur := mux.CurrentRoute(r); cur != nil {
				if tpl, err := cur.GetPathTemplate(); err == nil {
					route = tpl
				}
			}
			rec.ObserveRequest(route, sr.status)
			if sessions != nil {
				rec.SetActiveSessions(sessions.Count())
			}
		})
	}
}
