/**
 * @description
 * This file sets up the HTTP router for the verification-service. It defines
 * the API endpoints, associates them with their corresponding handlers, and
 * applies middleware for logging, panic recovery, timeouts, CORS, and the
 * callback source allowlist.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS middleware.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// VerificationRoutes creates and returns the router for the verification
// service.
func VerificationRoutes(h *VerificationHandlers, callbackCIDRs, corsOrigins []string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	if len(corsOrigins) == 0 {
		corsOrigins = []string{"https://*", "http://*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300, // Maximum value not ignored by any major browsers
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	r.Post("/verify/start", h.StartVerificationHandler)
	r.Get("/verify/{sessionID}/status", h.VerificationStatusHandler)

	// The gateway callback is unauthenticated by nature; fence it by source
	// address instead.
	r.Group(func(r chi.Router) {
		r.Use(CallbackSourceAllowlist(callbackCIDRs))
		r.Post("/mpesa/callback", h.MpesaCallbackHandler)
	})

	return r
}
