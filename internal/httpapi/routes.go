package httpapi

import (
	"crypto/subtle"
	"net/http"
	hpprof "net/http/pprof"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	logx "remindd/pkg/logx"
)

// Handler builds the routed handler for the current config.
func (s *Server) Handler() http.Handler {
	cfg := s.config()
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.health).Methods(http.MethodGet)

	// Callbacks from the delayed delivery service are signed, not bearer-authenticated.
	r.HandleFunc("/v1/webhooks/delayed", s.webhook).Methods(http.MethodPost)
	r.HandleFunc("/v1/webhooks/delayed", s.webhookStatus).Methods(http.MethodGet)

	r.Handle("/v1/tick", s.requireToken(http.HandlerFunc(s.tick), cfg.AdminToken, cfg.CronSecret)).
		Methods(http.MethodGet, http.MethodPost)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(func(next http.Handler) http.Handler { return s.requireToken(next, cfg.AdminToken) })

	v1.HandleFunc("/schedules", s.createSchedule).Methods(http.MethodPost)
	v1.HandleFunc("/schedules", s.listSchedules).Methods(http.MethodGet)
	v1.HandleFunc("/schedules/{id}", s.getSchedule).Methods(http.MethodGet)
	v1.HandleFunc("/schedules/{id}", s.patchSchedule).Methods(http.MethodPatch)
	v1.HandleFunc("/schedules/{id}", s.deleteSchedule).Methods(http.MethodDelete)
	v1.HandleFunc("/schedules/{id}/enable", s.toggleSchedule(true)).Methods(http.MethodPost)
	v1.HandleFunc("/schedules/{id}/disable", s.toggleSchedule(false)).Methods(http.MethodPost)

	v1.HandleFunc("/sync", s.sync).Methods(http.MethodPost)

	v1.HandleFunc("/delayed/schedules/{id}", s.registerDelayed).Methods(http.MethodPost)
	v1.HandleFunc("/delayed/schedules/{id}", s.listDelayed).Methods(http.MethodGet)
	v1.HandleFunc("/delayed/schedules/{id}", s.cancelDelayed).Methods(http.MethodDelete)
	v1.HandleFunc("/delayed/test", s.delayedTest).Methods(http.MethodPost)

	v1.HandleFunc("/subscriptions", s.subscribe).Methods(http.MethodPost)
	v1.HandleFunc("/subscriptions", s.listSubscriptions).Methods(http.MethodGet)
	v1.HandleFunc("/subscriptions", s.unsubscribe).Methods(http.MethodDelete)

	v1.HandleFunc("/push/test", s.pushTest).Methods(http.MethodPost)
	v1.HandleFunc("/push/broadcast", s.broadcast).Methods(http.MethodPost)
	v1.HandleFunc("/push/vapid", s.vapid).Methods(http.MethodGet)

	if cfg.Pprof {
		dbg := r.PathPrefix("/debug/pprof").Subrouter()
		dbg.Use(func(next http.Handler) http.Handler { return s.requireToken(next, cfg.AdminToken) })
		dbg.HandleFunc("/cmdline", hpprof.Cmdline)
		dbg.HandleFunc("/profile", hpprof.Profile)
		dbg.HandleFunc("/symbol", hpprof.Symbol)
		dbg.HandleFunc("/trace", hpprof.Trace)
		dbg.PathPrefix("/").HandlerFunc(hpprof.Index)
	}

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeMessage(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeMessage(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	r.Use(s.logRequests)

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	})
	return c.Handler(r)
}

// requireToken passes requests whose bearer token equals one of tokens.
// With no non-empty tokens the route is open.
func (s *Server) requireToken(next http.Handler, tokens ...string) http.Handler {
	var want [][]byte
	for _, t := range tokens {
		if t != "" {
			want = append(want, []byte(t))
		}
	}
	if len(want) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := []byte(bearer(r))
		for _, t := range want {
			if subtle.ConstantTimeCompare(got, t) == 1 {
				next.ServeHTTP(w, r)
				return
			}
		}
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeMessage(w, http.StatusUnauthorized, "unauthorized")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug("http",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", rec.status),
			logx.Duration("took", time.Since(start)),
		)
	})
}

func fieldsFor(r *http.Request, status int, err error) []logx.Field {
	return []logx.Field{
		logx.String("method", r.Method),
		logx.String("path", r.URL.Path),
		logx.Int("status", status),
		logx.Err(err),
	}
}
