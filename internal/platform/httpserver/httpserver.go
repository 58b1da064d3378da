// Package httpserver builds the API server from configuration.
package httpserver

import (
	"net/http"
	"time"

	"dimona/internal/platform/config"
)

// New returns a server for handler listening on cfg.Addr.
func New(cfg config.Server, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       2 * time.Minute,
	}
}
