package debug

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"time"

	"newsdigest/internal/task/engine"
	"newsdigest/internal/task/job"
	"newsdigest/internal/task/scheduler"
	logx "newsdigest/pkg/logx"
)

// Source is the scheduler view the debug endpoints read from.
type Source interface {
	Snapshot() scheduler.Snapshot
	Statistics(ctx context.Context, timeframe time.Duration) (scheduler.Statistics, error)
	GetStatus(ctx context.Context, id string) (*job.Job, error)
}

type schedulerReport struct {
	Scheduler  scheduler.Snapshot   `json:"scheduler"`
	Statistics scheduler.Statistics `json:"statistics"`
}

// Handler returns the debug mux. A non-empty token is required on every
// route as a bearer header or a ?token= query parameter.
func (s *Service) Handler(token string) http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(token, h) }

	mux.HandleFunc("/healthz", wrap(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))

	mux.HandleFunc("/debug/pprof/", wrap(hpprof.Index))
	mux.HandleFunc("/debug/pprof/cmdline", wrap(hpprof.Cmdline))
	mux.HandleFunc("/debug/pprof/profile", wrap(hpprof.Profile))
	mux.HandleFunc("/debug/pprof/symbol", wrap(hpprof.Symbol))
	mux.HandleFunc("/debug/pprof/trace", wrap(hpprof.Trace))

	if s.src != nil {
		mux.HandleFunc("GET /debug/scheduler", wrap(s.handleScheduler))
		mux.HandleFunc("GET /debug/jobs/{id}", wrap(s.handleJob))
	}
	return mux
}

func (s *Service) handleScheduler(w http.ResponseWriter, r *http.Request) {
	tf, err := scheduler.ParseTimeframe(r.URL.Query().Get("timeframe"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	stats, err := s.src.Statistics(r.Context(), tf)
	if err != nil {
		s.log.Warn("debug statistics failed", logx.Err(err))
		http.Error(w, "statistics unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, schedulerReport{Scheduler: s.src.Snapshot(), Statistics: stats})
}

func (s *Service) handleJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.src.GetStatus(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, engine.ErrNotFound):
		http.Error(w, "job not found", http.StatusNotFound)
	case err != nil:
		s.log.Warn("debug job lookup failed", logx.Err(err))
		http.Error(w, "lookup failed", http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusOK, j)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
			h(w, r)
			return
		}
		unauthorized(w)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}
