package main

import (
	"net/http"

	"github.com/bmizerany/pat"
	"github.com/justinas/alice"

	"clubBack/internal/models"
)

func (app *application) JWTMiddlewareWithRole(requiredRole string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return app.JWTMiddleware(next, requiredRole)
	}
}

func (app *application) routes() http.Handler {
	standardMiddleware := alice.New(app.recoverPanic, app.requestID, app.logRequest, secureHeaders, makeResponseJSON)
	childAuthMiddleware := standardMiddleware.Append(app.JWTMiddlewareWithRole(models.RoleChild))

	mux := pat.New()

	// Billing provider
	mux.Post("/payment/webhook", standardMiddleware.ThenFunc(app.paymentHandler.Webhook))

	// Payments
	mux.Post("/payment/subscribe-group", childAuthMiddleware.ThenFunc(app.paymentHandler.SubscribeGroup))
	mux.Post("/payment/customer-portal", childAuthMiddleware.ThenFunc(app.paymentHandler.CustomerPortal))
	mux.Post("/payment/customer", childAuthMiddleware.ThenFunc(app.paymentHandler.CreateCustomer))
	mux.Get("/payment/invoices", childAuthMiddleware.ThenFunc(app.paymentHandler.ListInvoices))

	// Ops
	mux.Get("/healthz", standardMiddleware.ThenFunc(app.healthz))
	mux.Get("/metrics", alice.New(app.recoverPanic).Then(app.metrics.Handler()))

	return mux
}
