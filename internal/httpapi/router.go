package httpapi

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"money-transfer/internal/logging"
)

func LedgerRouter(h *LedgerHandlers, maxInflight int) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", Healthz)
	mux.HandleFunc("POST /v1/accounts", h.CreateAccount)
	mux.HandleFunc("GET /v1/accounts", h.ListAccounts)
	mux.HandleFunc("GET /v1/accounts/{name}/balance", h.Balance)
	mux.HandleFunc("POST /v1/accounts/{name}/deposit", h.Deposit)
	mux.HandleFunc("POST /v1/accounts/{name}/withdraw", h.Withdraw)
	mux.HandleFunc("GET /v1/accounts/{name}/status", h.GetStatus)
	mux.HandleFunc("PUT /v1/accounts/{name}/status", h.SetStatus)

	return withRequestLog(withConcurrencyLimit(mux, maxInflight), h.log)
}

func TransferRouter(h *TransferHandlers, maxInflight int) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", Healthz)
	mux.HandleFunc("POST /v1/transfers", h.Submit)
	mux.HandleFunc("GET /v1/transfers/{ref}", h.Get)
	mux.HandleFunc("POST /v1/transfers/{ref}/approve", h.Approve)

	return withRequestLog(withConcurrencyLimit(mux, maxInflight), h.log)
}

// Backpressure at the edge.
// Prevents unbounded goroutine/pool queueing when the store is saturated.
func withConcurrencyLimit(next http.Handler, max int) http.Handler {
	if max <= 0 {
		max = 64
	}
	sem := make(chan struct{}, max)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case sem <- struct{}{}:
			defer func() { <-sem }()
			next.ServeHTTP(w, r)
		default:
			// Fast fail instead of queueing forever.
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":"server busy","code":"INTERNAL"}`))
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func withRequestLog(next http.Handler, log *zap.Logger) http.Handler {
	log = logging.OrNop(log)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("took", time.Since(start)))
	})
}
