package main

import (
	"net/http"

	"github.com/renderbill/backend/internal/admin"
	"github.com/renderbill/backend/internal/auth"
	"github.com/renderbill/backend/internal/jobs"
	"github.com/renderbill/backend/internal/metrics"
	"github.com/renderbill/backend/internal/middleware"
	"github.com/renderbill/backend/internal/pricing"
	"github.com/renderbill/backend/internal/wallet"
	"github.com/renderbill/backend/internal/webhook"
)

type routeDeps struct {
	Auth    *auth.Handler
	AuthSvc auth.Service
	Wallet  *wallet.Handler
	Jobs    *jobs.Handler
	Pricing *pricing.Handler
	Webhook *webhook.Handler
	Admin   *admin.Handler
}

// registerRoutes mounts the public API, the authenticated user surface and
// the admin surface. Middleware chain: Auth -> (RequireAdmin on /admin).
func registerRoutes(mux *http.ServeMux, d routeDeps) {
	authed := middleware.Auth(d.AuthSvc)
	adminOnly := func(h http.Handler) http.Handler {
		return authed(middleware.RequireAdmin(h))
	}

	// Public.
	mux.HandleFunc("POST /api/v1/auth/register", d.Auth.Register)
	mux.HandleFunc("POST /api/v1/auth/login", d.Auth.Login)
	mux.HandleFunc("GET /api/v1/engines", d.Pricing.ListEngines)
	mux.HandleFunc("POST /api/v1/pricing/quote", d.Pricing.QuotePreview)

	// Payment processor webhook (HMAC-signed, not JWT-authenticated).
	mux.HandleFunc("POST /api/v1/payments/webhook", d.Webhook.HandleWebhook)

	// Provider callback (shared-token-authenticated).
	mux.HandleFunc("POST /api/v1/jobs/{id}/provider-callback", d.Jobs.ProviderCallback)

	// Authenticated user surface.
	mux.Handle("POST /api/v1/jobs", authed(http.HandlerFunc(d.Jobs.CreateJob)))
	mux.Handle("GET /api/v1/jobs", authed(http.HandlerFunc(d.Jobs.ListJobs)))
	mux.Handle("GET /api/v1/jobs/{id}", authed(http.HandlerFunc(d.Jobs.GetJob)))
	mux.Handle("GET /api/v1/wallet", authed(http.HandlerFunc(d.Wallet.GetWallet)))
	mux.Handle("GET /api/v1/receipts", authed(http.HandlerFunc(d.Wallet.ListReceipts)))

	// Admin surface.
	mux.Handle("POST /api/v1/admin/refunds", adminOnly(http.HandlerFunc(d.Admin.IssueRefund)))
	mux.Handle("GET /api/v1/admin/jobs/{id}/receipts", adminOnly(http.HandlerFunc(d.Admin.JobReceipts)))
	mux.Handle("GET /api/v1/admin/users/{id}/receipts", adminOnly(http.HandlerFunc(d.Admin.UserReceipts)))
	mux.Handle("GET /api/v1/admin/users/{id}/wallet", adminOnly(http.HandlerFunc(d.Admin.UserWallet)))
	mux.Handle("GET /api/v1/admin/vendor-balances", adminOnly(http.HandlerFunc(d.Admin.ListVendorBalances)))

	// Operational.
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}
