package apiapp

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/Valerii-S84/quiz-arena-sub002/internal/config"
	authsvc "github.com/Valerii-S84/quiz-arena-sub002/internal/services/auth"
	"github.com/Valerii-S84/quiz-arena-sub002/internal/transport/http/handlers"
)

type Dependencies struct {
	Tokens         TokenParser
	Purchases      *handlers.PurchaseHandler
	Gateway        *handlers.GatewayHandler
	Admin          *handlers.AdminHandler
	Health         *handlers.HealthHandler
	MetricsHandler http.Handler
	Logger         *zap.Logger
	Config         config.Config
}

func RegisterRoutes(r chi.Router, deps Dependencies) {
	if deps.Health != nil {
		r.Get("/healthz", deps.Health.Handle)
	}
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(deps.Tokens, deps.Logger))
			r.Post("/purchases", deps.Purchases.Create)
			r.Post("/promo-redemptions", deps.Purchases.RedeemPromo)
			r.Get("/entitlements", deps.Purchases.Entitlements)
		})

		r.Route("/gateway", func(r chi.Router) {
			r.Use(GatewayTokenMiddleware(deps.Config.Payments.GatewayToken, deps.Logger))
			r.Post("/invoice-sent", deps.Gateway.InvoiceSent)
			r.Post("/precheckout", deps.Gateway.Precheckout)
			r.Post("/successful-payment", deps.Gateway.SuccessfulPayment)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(AuthMiddleware(deps.Tokens, deps.Logger))
			r.Use(RequireRole(authsvc.RoleOwner, authsvc.RoleSupport))
			r.Post("/purchases/{id}/refund", deps.Admin.Refund)
			r.Get("/reconciliation/latest", deps.Admin.LatestReconciliation)
		})
	})
}
