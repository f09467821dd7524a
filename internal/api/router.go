package api

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/atmx/round-ledger/internal/metrics"
)

// WebhookHeader carries the shared secret on deposit and resolution
// webhooks.
const WebhookHeader = "X-Webhook-Secret"

// RouterConfig wires the optional parts of the router.
type RouterConfig struct {
	// WS serves the live event stream. Nil disables /api/v1/ws.
	WS http.HandlerFunc
	// WebhookSecret guards deposits and resolutions. Empty disables the check.
	WebhookSecret string
	// RequestTimeout bounds every route except withdrawals, which wait on
	// chain confirmation.
	RequestTimeout time.Duration
}

// NewRouter builds the HTTP router.
func NewRouter(h *Handler, cfg RouterConfig) http.Handler {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.log))
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors)

	r.Get("/health", h.Health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.WS != nil {
			r.Get("/ws", cfg.WS)
		}

		r.Post("/withdrawals", h.Withdraw)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(cfg.RequestTimeout))

			r.Post("/bets", h.PlaceBet)
			r.Get("/rounds/{roundID}", h.GetRound)
			r.Get("/profile/{address}", h.GetProfile)
			r.Get("/players/{address}/transfers", h.ListTransfers)
			r.Get("/players/{address}/replay", h.Replay)
			r.Get("/vault", h.VaultStatus)

			// Oracle and chain-watcher callbacks.
			r.Group(func(r chi.Router) {
				r.Use(requireSecret(cfg.WebhookSecret))
				r.Post("/deposits", h.Deposit)
				r.Post("/rounds/{roundID}/resolve", h.ResolveRound)
			})
		})
	})

	return r
}

// NewServer wraps handler in an http.Server. writeTimeout must cover the
// longest withdrawal wait.
func NewServer(addr string, handler http.Handler, writeTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       60 * time.Second,
	}
}

func requireSecret(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if secret == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(WebhookHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
				writeJSON(w, http.StatusUnauthorized, ErrorResponse{
					Error: "missing or invalid webhook secret",
					Code:  "unauthorized",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// cors allows cross-origin requests from the game frontend.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+WebhookHeader)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
