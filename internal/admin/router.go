package admin

import (
	"context"
	"crypto/subtle"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"notifrelay/internal/dispatch"
	"notifrelay/internal/filter"
	"notifrelay/internal/ingest"
	"notifrelay/internal/model"
	"notifrelay/internal/pipeline"
	"notifrelay/internal/queue"
	rtsup "notifrelay/internal/runtime/supervisor"
	logx "notifrelay/pkg/logx"
)

type Queue interface {
	Stats(target string) (queue.Stats, bool)
	DeadLetter(target string, limit int) []queue.Item
	RequeueDeadLetter(ctx context.Context, itemID string) (queue.Item, error)
	PurgeDeadLetter(ctx context.Context, target string, olderThan time.Time) int
}

type Targets interface {
	Targets() []pipeline.Target
	RemoveTarget(ctx context.Context, id string) bool
}

// Rules reads and replaces the active filter rules. SetRules persists them.
type Rules interface {
	Rules() []filter.Rule
	SetRules(ctx context.Context, rules []filter.Rule) ([]error, error)
}

type Normalizer interface {
	Normalize(raw ingest.RawEvent) (model.NotificationEvent, error)
}

type Intake interface {
	SubmitWait(ctx context.Context, ev ingest.RawEvent) error
}

type Connections interface {
	IsConnected(target string) bool
}

type Dispatch interface {
	State(target string) (dispatch.State, bool)
}

// Runtime reports the relay's supervised goroutines.
type Runtime interface {
	Snapshot() rtsup.Snapshot
}

// Deps are the components the API reads and drives. Nil members disable
// their endpoints.
type Deps struct {
	Queue      Queue
	Targets    Targets
	Rules      Rules
	Normalizer Normalizer
	Intake     Intake
	Conns      Connections
	Dispatch   Dispatch
	Runtime    Runtime
	Metrics    http.Handler
	// Health reports a readiness problem; nil means healthy.
	Health func() error
}

// Handler builds the router. /healthz is always unauthenticated.
func Handler(cfg Config, deps Deps, log logx.Logger) http.Handler {
	a := &api{deps: deps, log: log}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", a.healthz)

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(cfg.Token))
		if deps.Metrics != nil {
			r.Method(http.MethodGet, "/metrics", deps.Metrics)
		}
		r.Route("/v1", func(r chi.Router) {
			if deps.Queue != nil && deps.Targets != nil {
				r.Get("/targets", a.listTargets)
				r.Delete("/targets/{id}", a.removeTarget)
				r.Get("/targets/{id}/depth", a.depth)
				r.Get("/targets/{id}/dead-letter", a.listDeadLetter)
				r.Delete("/targets/{id}/dead-letter", a.purgeDeadLetter)
				r.Post("/dead-letter/{itemID}/requeue", a.requeue)
			}
			if deps.Rules != nil {
				r.Get("/filter/rules", a.getRules)
				r.Put("/filter/rules", a.putRules)
			}
			if deps.Intake != nil {
				r.Post("/events/{platform}", a.ingest)
			}
			if deps.Runtime != nil {
				r.Get("/runtime", a.runtime)
			}
		})
		if cfg.Pprof {
			r.HandleFunc("/debug/pprof/*", hpprof.Index)
			r.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
			r.HandleFunc("/debug/pprof/profile", hpprof.Profile)
			r.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
			r.HandleFunc("/debug/pprof/trace", hpprof.Trace)
		}
	})
	return r
}

// bearerAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
// An empty token disables the check.
func bearerAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if got == "" {
				ah := r.Header.Get("Authorization")
				const p = "Bearer "
				if strings.HasPrefix(ah, p) {
					got = strings.TrimSpace(strings.TrimPrefix(ah, p))
				}
			}
			if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(tok)) != 1 {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
