// StrideSync - Fitness Activity Sync and Enrichment Engine
// Copyright 2026 StrideWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/strideworks/stridesync

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/strideworks/stridesync/internal/auth"
	"github.com/strideworks/stridesync/internal/config"
)

// Router assembles the chi route tree around a Handler.
type Router struct {
	handler    *Handler
	jwtManager *auth.JWTManager
	cfg        config.ServerConfig
}

// NewRouter builds the router. jwtManager may be nil, which disables
// authentication on the API routes.
func NewRouter(handler *Handler, jwtManager *auth.JWTManager, cfg config.ServerConfig) *Router {
	return &Router{handler: handler, jwtManager: jwtManager, cfg: cfg}
}

// Setup wires middleware and routes and returns the root handler.
func (router *Router) Setup() http.Handler {
	r := chi.NewRouter()

	r.Use(requestIDWithLogging())
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(corsMiddleware(router.cfg.CORSAllowedOrigins))

	// Health and metrics stay public and unthrottled for monitoring.
	r.Get("/health", router.handler.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(rateLimit(router.cfg.RateLimit))
		r.Use(prometheusMetrics())
		r.Use(auth.Middleware(router.jwtManager))

		r.Route("/sync", func(r chi.Router) {
			r.Post("/", router.handler.StartSync)
			r.Get("/latest", router.handler.LatestSync)
			r.Get("/{id}", router.handler.SyncStatus)
			r.Delete("/{id}", router.handler.CancelSync)
			r.Post("/{id}/resume", router.handler.ResumeSync)
		})

		r.Get("/activities", router.handler.Activities)
	})

	return r
}
