package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// contextKey is an unexported type for context keys defined in this package.
// Using a custom type prevents collisions with keys defined in other packages.
type contextKey int

const (
	// contextKeyWallet is the context key under which the caller's
	// X-Wallet-Address header value is stored.
	contextKeyWallet contextKey = iota
)

// WithWallet reads the X-Wallet-Address header and stores it in the
// request context. There is no login or session concept in this API —
// every caller identifies itself by wallet address on each request.
func WithWallet(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wallet := r.Header.Get("X-Wallet-Address")
		ctx := context.WithValue(r.Context(), contextKeyWallet, wallet)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// walletFromCtx retrieves the wallet address WithWallet stored, or "" if
// the header was absent.
func walletFromCtx(ctx context.Context) string {
	wallet, _ := ctx.Value(contextKeyWallet).(string)
	return wallet
}

// RequestLogger returns a Chi-compatible middleware that logs each request
// using the provided zap logger. It logs method, path, status, and latency.
// Chi's middleware.RequestID is expected to run before this middleware so
// that the request ID is available in the context.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}
